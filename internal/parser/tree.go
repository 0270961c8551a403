package parser

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrMalformedXML is returned when a response cannot be turned into a tree even after sanitizing.
var ErrMalformedXML = errors.New("malformed xml")

// Node is one element of a gateway XML response. Leaves carry Text, inner nodes carry Children.
type Node struct {
	Tag      string
	Children []*Node
	Text     string
}

// IsLeaf reports whether the node has no child elements.
func (n *Node) IsLeaf() bool {
	return len(n.Children) == 0
}

// Child returns the first direct child with the given tag, or nil.
func (n *Node) Child(tag string) *Node {
	for _, c := range n.Children {
		if c.Tag == tag {
			return c
		}
	}
	return nil
}

// LookupStatus distinguishes a present-but-empty value from an absent one.
type LookupStatus int

const (
	NotFound LookupStatus = iota
	Empty
	Found
)

// String returns the string representation of the lookup status.
func (s LookupStatus) String() string {
	switch s {
	case Found:
		return "found"
	case Empty:
		return "empty"
	default:
		return "not_found"
	}
}

// Sanitize escapes the bare " & " some firmware emits inside text nodes.
func Sanitize(data []byte) []byte {
	return bytes.ReplaceAll(data, []byte(" & "), []byte(" &amp; "))
}

// ParseTree sanitizes data and builds the element tree rooted at the first element.
func ParseTree(data []byte) (*Node, error) {
	dec := xml.NewDecoder(bytes.NewReader(Sanitize(data)))
	dec.Strict = true

	var (
		root  *Node
		stack []*Node
	)

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedXML, err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			node := &Node{Tag: t.Name.Local}
			if len(stack) == 0 {
				if root != nil {
					return nil, fmt.Errorf("%w: multiple root elements", ErrMalformedXML)
				}
				root = node
			} else {
				parent := stack[len(stack)-1]
				parent.Children = append(parent.Children, node)
			}
			stack = append(stack, node)
		case xml.EndElement:
			if len(stack) == 0 {
				return nil, fmt.Errorf("%w: unexpected </%s>", ErrMalformedXML, t.Name.Local)
			}
			top := stack[len(stack)-1]
			top.Text = strings.TrimSpace(top.Text)
			stack = stack[:len(stack)-1]
		case xml.CharData:
			if len(stack) > 0 {
				stack[len(stack)-1].Text += string(t)
			}
		}
	}

	if root == nil {
		return nil, fmt.Errorf("%w: no root element", ErrMalformedXML)
	}
	if len(stack) != 0 {
		return nil, fmt.Errorf("%w: unclosed <%s>", ErrMalformedXML, stack[len(stack)-1].Tag)
	}

	// Inner nodes keep only the text of their leaves.
	root.walk(func(n *Node) bool {
		if !n.IsLeaf() {
			n.Text = ""
		}
		return true
	})

	return root, nil
}

// walk visits nodes in pre-order until fn returns false.
func (n *Node) walk(fn func(*Node) bool) bool {
	if !fn(n) {
		return false
	}
	for _, c := range n.Children {
		if !c.walk(fn) {
			return false
		}
	}
	return true
}

// FindTag returns the first node with the given tag in pre-order depth-first order.
func FindTag(root *Node, tag string) (*Node, bool) {
	if root == nil {
		return nil, false
	}
	var found *Node
	root.walk(func(n *Node) bool {
		if n.Tag == tag {
			found = n
			return false
		}
		return true
	})
	return found, found != nil
}

// FindNamedValue searches for an element holding a <Name> leaf equal to name and returns
// the text of its sibling <Value>. A matching Name whose Value is missing or blank is
// reported as Empty.
func FindNamedValue(root *Node, name string) (string, LookupStatus) {
	if root == nil {
		return "", NotFound
	}

	var (
		value  string
		status = NotFound
	)
	root.walk(func(n *Node) bool {
		nameNode := n.Child("Name")
		if nameNode == nil || !nameNode.IsLeaf() || nameNode.Text != name {
			return true
		}
		valueNode := n.Child("Value")
		if valueNode == nil || valueNode.Text == "" {
			status = Empty
			return false
		}
		value, status = valueNode.Text, Found
		return false
	})
	return value, status
}

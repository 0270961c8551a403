// Package protocol provides command envelopes and response documents for the two gateway wire protocols.
package protocol

import (
	"encoding/xml"
	"fmt"
	"strings"
)

// Endpoint paths per gateway model.
const (
	LegacyEndpoint    = "/cgi-bin/cgi_manager"
	Eagle200Endpoint  = "/cgi-bin/post_manager"
	LegacyContentType = "text/html"
	XMLContentType    = "text/xml"
)

// Command names understood by the gateways.
const (
	CommandGetUsageData   = "get_usage_data"
	CommandGetSettingData = "get_setting_data"
	CommandDeviceList     = "device_list"
	CommandDeviceQuery    = "device_query"
)

// Command is a request body ready to be posted to a gateway endpoint.
type Command struct {
	Name        string
	Endpoint    string
	ContentType string
	Body        []byte
}

type localCommand struct {
	XMLName xml.Name `xml:"LocalCommand"`
	Name    string   `xml:"Name"`
	MacID   string   `xml:"MacId"`
}

type command struct {
	XMLName       xml.Name       `xml:"Command"`
	Name          string         `xml:"Name"`
	DeviceDetails *deviceDetails `xml:"DeviceDetails,omitempty"`
	Components    *components    `xml:"Components,omitempty"`
}

type deviceDetails struct {
	HardwareAddress string `xml:"HardwareAddress"`
}

type components struct {
	All string `xml:"All"`
}

// CommandBuilder creates request envelopes for both gateway models.
type CommandBuilder struct{}

// NewCommandBuilder creates a new command builder instance.
func NewCommandBuilder() *CommandBuilder {
	return &CommandBuilder{}
}

// EnsureHexPrefix returns addr with a "0x" prefix, adding one when absent.
func EnsureHexPrefix(addr string) string {
	addr = strings.TrimSpace(addr)
	if strings.HasPrefix(addr, "0x") || strings.HasPrefix(addr, "0X") {
		return "0x" + addr[2:]
	}
	return "0x" + addr
}

// LegacyCommand builds the pseudo-XML LocalCommand envelope posted to the legacy gateway.
func (cb *CommandBuilder) LegacyCommand(name, macID string) (*Command, error) {
	if name == "" || strings.TrimSpace(macID) == "" {
		return nil, fmt.Errorf("command name and mac id cannot be empty")
	}

	body, err := marshal(localCommand{Name: name, MacID: EnsureHexPrefix(macID)})
	if err != nil {
		return nil, err
	}

	return &Command{
		Name:        name,
		Endpoint:    LegacyEndpoint,
		ContentType: LegacyContentType,
		Body:        body,
	}, nil
}

// DeviceListCommand builds the device_list request used to discover the meter address.
func (cb *CommandBuilder) DeviceListCommand() (*Command, error) {
	body, err := marshal(command{Name: CommandDeviceList})
	if err != nil {
		return nil, err
	}

	return &Command{
		Name:        CommandDeviceList,
		Endpoint:    Eagle200Endpoint,
		ContentType: XMLContentType,
		Body:        body,
	}, nil
}

// DeviceQueryCommand builds the device_query request returning all variables of one device.
func (cb *CommandBuilder) DeviceQueryCommand(hardwareAddress string) (*Command, error) {
	if strings.TrimSpace(hardwareAddress) == "" {
		return nil, fmt.Errorf("hardware address cannot be empty")
	}

	body, err := marshal(command{
		Name:          CommandDeviceQuery,
		DeviceDetails: &deviceDetails{HardwareAddress: EnsureHexPrefix(hardwareAddress)},
		Components:    &components{All: "Y"},
	})
	if err != nil {
		return nil, err
	}

	return &Command{
		Name:        CommandDeviceQuery,
		Endpoint:    Eagle200Endpoint,
		ContentType: XMLContentType,
		Body:        body,
	}, nil
}

func marshal(v interface{}) ([]byte, error) {
	data, err := xml.MarshalIndent(v, "", " ")
	if err != nil {
		return nil, fmt.Errorf("failed to build command envelope: %w", err)
	}
	return append(data, '\n'), nil
}

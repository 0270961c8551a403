package store

import (
	"context"
	"sync"
)

type key struct {
	namespace string
	name      string
	deviceID  string
}

// Memory is a VariableStore kept in process memory.
type Memory struct {
	mu   sync.RWMutex
	vars map[key]string
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{vars: make(map[key]string)}
}

// Get returns the stored value and whether it exists.
func (m *Memory) Get(_ context.Context, namespace, name, deviceID string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.vars[key{namespace, name, deviceID}]
	return v, ok, nil
}

// Set writes value unconditionally.
func (m *Memory) Set(_ context.Context, namespace, name, value, deviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vars[key{namespace, name, deviceID}] = value
	return nil
}

// List returns every variable of a namespace and device.
func (m *Memory) List(_ context.Context, namespace, deviceID string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string)
	for k, v := range m.vars {
		if k.namespace == namespace && k.deviceID == deviceID {
			out[k.name] = v
		}
	}
	return out, nil
}

// Close is a no-op.
func (m *Memory) Close() error {
	return nil
}

package tools

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/nupi-ai/voxgate/internal/constants"
	"github.com/nupi-ai/voxgate/internal/device"
)

// DialFunc connects one backend.
type DialFunc func(ctx context.Context, desc device.ToolBackend) (Backend, error)

// LoadReport summarises a Load call.
type LoadReport struct {
	Connected []string
	Failed    map[string]error
}

// Manager owns the connected tool backends of one device.
//
// Reloads close the previous set before connecting the new one; calls that
// race a reload see an empty set and get a "not found" diagnostic.
type Manager struct {
	deviceID string
	dial     DialFunc

	loadMu sync.Mutex // serialises Load and Close

	mu       sync.RWMutex
	backends map[string]Backend
	order    []string
	closed   bool
}

// ManagerOption customises a Manager.
type ManagerOption func(*Manager)

// WithDialFunc overrides how backends are connected.
func WithDialFunc(dial DialFunc) ManagerOption {
	return func(m *Manager) {
		if dial != nil {
			m.dial = dial
		}
	}
}

// WithClientFactory keeps the default MCP dial path but swaps the client
// constructor.
func WithClientFactory(factory ClientFactory) ManagerOption {
	return func(m *Manager) {
		m.dial = func(ctx context.Context, desc device.ToolBackend) (Backend, error) {
			return Connect(ctx, desc, factory)
		}
	}
}

// NewManager returns an empty manager for deviceID.
func NewManager(deviceID string, opts ...ManagerOption) *Manager {
	m := &Manager{
		deviceID: deviceID,
		backends: make(map[string]Backend),
		dial: func(ctx context.Context, desc device.ToolBackend) (Backend, error) {
			return Connect(ctx, desc, nil)
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Load replaces the backend set with one client per descriptor. Backends
// that fail to connect are skipped.
func (m *Manager) Load(ctx context.Context, descs []device.ToolBackend) LoadReport {
	m.loadMu.Lock()
	defer m.loadMu.Unlock()

	report := LoadReport{Failed: make(map[string]error)}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return report
	}
	old, oldOrder := m.backends, m.order
	m.backends = make(map[string]Backend)
	m.order = nil
	m.mu.Unlock()

	if err := closeAll(old, oldOrder); err != nil {
		log.Printf("[Tools] device %s: closing previous backends: %v", m.deviceID, err)
	}

	next := make(map[string]Backend, len(descs))
	var order []string
	for _, desc := range descs {
		if desc.Name == "" {
			report.Failed["(unnamed)"] = fmt.Errorf("tools: backend without name")
			continue
		}
		if _, dup := next[desc.Name]; dup {
			report.Failed[desc.Name] = fmt.Errorf("tools: duplicate backend name %q", desc.Name)
			log.Printf("[Tools] device %s: skipping duplicate backend %q", m.deviceID, desc.Name)
			continue
		}

		dialCtx, cancel := context.WithTimeout(ctx, constants.ToolBackendConnectTimeout)
		backend, err := m.dial(dialCtx, desc)
		cancel()
		if err != nil {
			report.Failed[desc.Name] = err
			log.Printf("[Tools] device %s: failed to connect backend %q (%s): %v", m.deviceID, desc.Name, desc.Kind, err)
			continue
		}
		next[desc.Name] = backend
		order = append(order, desc.Name)
		report.Connected = append(report.Connected, desc.Name)
		log.Printf("[Tools] device %s: backend %q connected (%s)", m.deviceID, desc.Name, desc.Kind)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		closeAll(next, order)
		return LoadReport{Failed: report.Failed}
	}
	m.backends = next
	m.order = order
	m.mu.Unlock()

	return report
}

// Call invokes tool on the named backend.
func (m *Manager) Call(ctx context.Context, server, tool string, input any) []string {
	m.mu.RLock()
	backend, ok := m.backends[server]
	m.mu.RUnlock()
	if !ok {
		return []string{fmt.Sprintf("MCP server %s not found", server)}
	}

	callCtx, cancel := context.WithTimeout(ctx, constants.ToolBackendCallTimeout)
	defer cancel()
	return backend.CallTool(callCtx, tool, input)
}

// Lookup returns the backend registered under name.
func (m *Manager) Lookup(name string) (Backend, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	backend, ok := m.backends[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrServerNotFound, name)
	}
	return backend, nil
}

// Names lists connected backends in descriptor order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.order...)
}

// Close disconnects every backend. The manager cannot be reloaded afterwards.
func (m *Manager) Close() error {
	m.loadMu.Lock()
	defer m.loadMu.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	backends, order := m.backends, m.order
	m.backends = make(map[string]Backend)
	m.order = nil
	m.mu.Unlock()

	return closeAll(backends, order)
}

func closeAll(backends map[string]Backend, order []string) error {
	var result *multierror.Error
	for _, name := range order {
		if b, ok := backends[name]; ok {
			if err := b.Close(); err != nil {
				result = multierror.Append(result, fmt.Errorf("close %s: %w", name, err))
			}
		}
	}
	return result.ErrorOrNil()
}

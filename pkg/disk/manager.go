package disk

import (
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/downfa11-org/go-journal/util"
)

// Manager owns a group of named stores that are flushed and closed together, in
// the order they were opened.
type Manager struct {
	mu     sync.Mutex
	stores map[string]*Store
	order  []string
}

func NewManager() *Manager {
	return &Manager{stores: make(map[string]*Store)}
}

// Open returns the store registered under opts.Name, opening it when missing.
func (m *Manager) Open(opts Options) (*Store, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if opts.Name == "" {
		return nil, fmt.Errorf("store name is required")
	}
	if s, ok := m.stores[opts.Name]; ok {
		return s, nil
	}

	s, err := Open(opts)
	if err != nil {
		return nil, err
	}
	m.stores[opts.Name] = s
	m.order = append(m.order, opts.Name)
	return s, nil
}

// Get returns the store registered under name.
func (m *Manager) Get(name string) (*Store, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stores[name]
	return s, ok
}

// FlushAll flushes every store in registration order and stops at the first error.
func (m *Manager) FlushAll() error {
	for _, s := range m.snapshot() {
		if err := s.Flush(); err != nil {
			return err
		}
	}
	return nil
}

// Dirty reports whether any store has unsynced bytes.
func (m *Manager) Dirty() bool {
	for _, s := range m.snapshot() {
		if s.IsDirty() {
			return true
		}
	}
	return false
}

// CloseAll closes every store and forgets it.
func (m *Manager) CloseAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result *multierror.Error
	for _, name := range m.order {
		util.Debug("closing store %s", name)
		if err := m.stores[name].Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", name, err))
		}
		delete(m.stores, name)
	}
	m.order = nil
	return result.ErrorOrNil()
}

func (m *Manager) snapshot() []*Store {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Store, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, m.stores[name])
	}
	return out
}

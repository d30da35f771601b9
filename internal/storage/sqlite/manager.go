package sqlite

import (
	"errors"
	"sync"
)

// StoreManager manages one Store per local alias with caching.
type StoreManager struct {
	basePath string
	stores   map[string]*Store // alias -> store
	mu       sync.RWMutex
}

// NewStoreManager creates a new StoreManager.
func NewStoreManager(basePath string) *StoreManager {
	return &StoreManager{
		basePath: basePath,
		stores:   make(map[string]*Store),
	}
}

// GetStore returns the Store for alias, opening it on first use.
func (m *StoreManager) GetStore(alias string) (*Store, error) {
	m.mu.RLock()
	if store, ok := m.stores[alias]; ok {
		m.mu.RUnlock()
		return store, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring write lock
	if store, ok := m.stores[alias]; ok {
		return store, nil
	}

	store, err := OpenStore(m.basePath, alias)
	if err != nil {
		return nil, err
	}

	m.stores[alias] = store
	return store, nil
}

// CloseAll closes all cached stores.
func (m *StoreManager) CloseAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for _, store := range m.stores {
		if err := store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	m.stores = make(map[string]*Store)
	return errors.Join(errs...)
}

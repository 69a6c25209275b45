package storage

import (
	"errors"
	"sort"
	"sync"
)

var (
	ErrKeyNotFound = errors.New("key not found")
	ErrEmptyKey    = errors.New("key cannot be empty")
	ErrNilValue    = errors.New("value cannot be nil")
)

// StorageItem represents a value with its content type
type StorageItem struct {
	Data        []byte
	ContentType string
}

// Store defines the interface for key-value storage operations
type Store interface {
	Get(key string) ([]byte, string, error)
	Put(key string, data []byte, contentType string) error
	Delete(key string) error
}

// Memtable is the thread-safe in-memory write buffer of a table store
type Memtable struct {
	mu   sync.RWMutex
	data map[string]*StorageItem
}

// NewMemtable creates an empty memtable
func NewMemtable() *Memtable {
	return &Memtable{
		data: make(map[string]*StorageItem),
	}
}

// Put stores a value with its content type for a given key
func (m *Memtable) Put(key string, data []byte, contentType string) error {
	if key == "" {
		return ErrEmptyKey
	}
	if data == nil {
		return ErrNilValue
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Copy so callers can reuse their buffers
	valueCopy := make([]byte, len(data))
	copy(valueCopy, data)

	m.data[key] = &StorageItem{
		Data:        valueCopy,
		ContentType: contentType,
	}
	return nil
}

// Get retrieves the data and its content type for a given key
func (m *Memtable) Get(key string) ([]byte, string, error) {
	if key == "" {
		return nil, "", ErrEmptyKey
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	item, exists := m.data[key]
	if !exists {
		return nil, "", ErrKeyNotFound
	}

	valueCopy := make([]byte, len(item.Data))
	copy(valueCopy, item.Data)

	return valueCopy, item.ContentType, nil
}

// Delete removes a key-value pair
func (m *Memtable) Delete(key string) error {
	if key == "" {
		return ErrEmptyKey
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.data[key]; !exists {
		return ErrKeyNotFound
	}

	delete(m.data, key)
	return nil
}

// Keys returns all keys in sorted order
func (m *Memtable) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of live keys
func (m *Memtable) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

// Clear drops every entry
func (m *Memtable) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = make(map[string]*StorageItem)
}

// Package kvstore provides the persistent key-value state store consumed by
// the client for guard and consensus persistence. The store is namespaced
// and values are opaque bytes; callers serialize their own state.
package kvstore

import (
	"fmt"
	"sort"
	"sync"
)

// Well-known namespaces and keys.
const (
	NamespaceConsensus = "consensus"
	NamespaceState     = "state"

	KeyConsensusLatest      = "latest"
	KeyConsensusLastUpdated = "last_updated"
	KeyGuards               = "guards"
	KeyCircuitPool          = "circuit_pool"
)

// Store is the persistence contract: bytes in, bytes out, per namespace.
// Get returns (nil, nil) when the key is absent.
type Store interface {
	Get(namespace, key string) ([]byte, error)
	Set(namespace, key string, value []byte) error
	Delete(namespace, key string) error
	List(namespace string) ([]string, error)
	Clear(namespace string) error
}

// MemoryStore is an in-memory Store. It is the fallback when persistent
// storage fails (guard persistence degrades to in-memory only) and the
// default store in tests.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]map[string][]byte)}
}

// Get returns the value for key in namespace, or nil if absent.
func (m *MemoryStore) Get(namespace, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ns, ok := m.data[namespace]
	if !ok {
		return nil, nil
	}
	v, ok := ns[key]
	if !ok {
		return nil, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

// Set stores value under key in namespace.
func (m *MemoryStore) Set(namespace, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ns, ok := m.data[namespace]
	if !ok {
		ns = make(map[string][]byte)
		m.data[namespace] = ns
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	ns[key] = stored
	return nil
}

// Delete removes key from namespace. Deleting an absent key is not an error.
func (m *MemoryStore) Delete(namespace, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ns, ok := m.data[namespace]; ok {
		delete(ns, key)
	}
	return nil
}

// List returns the keys present in namespace, sorted.
func (m *MemoryStore) List(namespace string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ns, ok := m.data[namespace]
	if !ok {
		return nil, nil
	}
	keys := make([]string, 0, len(ns))
	for k := range ns {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Clear removes every key in namespace.
func (m *MemoryStore) Clear(namespace string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.data, namespace)
	return nil
}

// namespaceKey joins namespace and key for stores that flatten both into a
// single map, rejecting separators that would make the join ambiguous.
func namespaceKey(namespace, key string) (string, error) {
	for _, s := range []string{namespace, key} {
		for _, r := range s {
			if r == '/' {
				return "", fmt.Errorf("invalid character %q in store key %q", r, s)
			}
		}
	}
	return namespace + "/" + key, nil
}

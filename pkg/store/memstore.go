package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemStore is an in-process Store implementation for tests. It honors TTLs
// approximately (lazy expiry on read) and is safe for concurrent use.
type MemStore struct {
	mu      sync.Mutex
	strings map[string]memEntry
	lists   map[string][]string
}

type memEntry struct {
	value   string
	expires time.Time // zero means no expiry
}

// NewMem constructs an empty MemStore.
func NewMem() *MemStore {
	return &MemStore{
		strings: make(map[string]memEntry),
		lists:   make(map[string][]string),
	}
}

func (m *MemStore) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.strings[key]
	if !ok {
		return "", false, nil
	}
	if !e.expires.IsZero() && time.Now().After(e.expires) {
		delete(m.strings, key)
		return "", false, nil
	}
	return e.value, true, nil
}

func (m *MemStore) SetPX(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	m.strings[key] = memEntry{value: value, expires: exp}
	return nil
}

func (m *MemStore) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.strings, k)
		delete(m.lists, k)
	}
	return nil
}

func (m *MemStore) RPush(_ context.Context, key string, values ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists[key] = append(m.lists[key], values...)
	return nil
}

func (m *MemStore) LRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.lists[key]
	n := int64(len(list))
	if n == 0 {
		return nil, nil
	}
	if start < 0 {
		start = 0
	}
	if stop < 0 || stop >= n {
		stop = n - 1
	}
	if start > stop {
		return nil, nil
	}
	out := make([]string, stop-start+1)
	copy(out, list[start:stop+1])
	return out, nil
}

func (m *MemStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.strings[key]; ok {
		e.expires = time.Now().Add(ttl)
		m.strings[key] = e
	}
	return nil
}

func (m *MemStore) Ping(_ context.Context) error { return nil }

// Keys returns a sorted snapshot of known string keys, for assertions in
// tests that need to check index cleanup.
func (m *MemStore) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.strings))
	for k := range m.strings {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

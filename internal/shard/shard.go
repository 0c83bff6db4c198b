// Package shard provides a string-keyed map split across independently
// locked shards so unrelated keys never contend on one mutex.
package shard

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

const DefaultShards = 64

type bucket[V any] struct {
	mu sync.RWMutex
	m  map[string]V
}

// Map is safe for concurrent use. The zero value is not usable; call New.
type Map[V any] struct {
	buckets []*bucket[V]
	mask    uint64
}

// New returns a map with n shards rounded up to a power of two.
// n <= 0 selects DefaultShards.
func New[V any](n int) *Map[V] {
	if n <= 0 {
		n = DefaultShards
	}
	size := 1
	for size < n {
		size <<= 1
	}
	m := &Map[V]{
		buckets: make([]*bucket[V], size),
		mask:    uint64(size - 1),
	}
	for i := range m.buckets {
		m.buckets[i] = &bucket[V]{m: make(map[string]V)}
	}
	return m
}

func (m *Map[V]) bucket(key string) *bucket[V] {
	return m.buckets[xxhash.Sum64String(key)&m.mask]
}

func (m *Map[V]) Get(key string) (V, bool) {
	b := m.bucket(key)
	b.mu.RLock()
	v, ok := b.m[key]
	b.mu.RUnlock()
	return v, ok
}

func (m *Map[V]) Set(key string, v V) {
	b := m.bucket(key)
	b.mu.Lock()
	b.m[key] = v
	b.mu.Unlock()
}

func (m *Map[V]) Delete(key string) {
	b := m.bucket(key)
	b.mu.Lock()
	delete(b.m, key)
	b.mu.Unlock()
}

// Update runs fn under the shard's write lock. fn receives the current
// value (zero if absent) and returns the new value and whether to keep it.
func (m *Map[V]) Update(key string, fn func(cur V, ok bool) (V, bool)) V {
	b := m.bucket(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	cur, ok := b.m[key]
	next, keep := fn(cur, ok)
	if keep {
		b.m[key] = next
	} else {
		delete(b.m, key)
	}
	return next
}

// GetOrCreate returns the value for key, creating it with mk if absent.
func (m *Map[V]) GetOrCreate(key string, mk func() V) V {
	if v, ok := m.Get(key); ok {
		return v
	}
	b := m.bucket(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	if v, ok := b.m[key]; ok {
		return v
	}
	v := mk()
	b.m[key] = v
	return v
}

// Range visits every entry shard by shard. fn must not call back into m.
// Returning false stops the walk.
func (m *Map[V]) Range(fn func(key string, v V) bool) {
	for _, b := range m.buckets {
		b.mu.RLock()
		for k, v := range b.m {
			if !fn(k, v) {
				b.mu.RUnlock()
				return
			}
		}
		b.mu.RUnlock()
	}
}

// DeleteFunc removes every entry for which fn returns true and reports
// how many were removed.
func (m *Map[V]) DeleteFunc(fn func(key string, v V) bool) int {
	removed := 0
	for _, b := range m.buckets {
		b.mu.Lock()
		for k, v := range b.m {
			if fn(k, v) {
				delete(b.m, k)
				removed++
			}
		}
		b.mu.Unlock()
	}
	return removed
}

func (m *Map[V]) Len() int {
	n := 0
	for _, b := range m.buckets {
		b.mu.RLock()
		n += len(b.m)
		b.mu.RUnlock()
	}
	return n
}

// Package ttlmap provides a sharded in-memory map whose entries expire after
// a fixed time-to-live. Each shard has its own lock, so operations on keys
// in different shards never contend, and the background sweep only holds one
// shard lock at a time.
package ttlmap

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const defaultShards = 32

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

type shard[V any] struct {
	mu    sync.RWMutex
	items map[string]entry[V]
}

// Map is a concurrency-safe map with per-entry expiry.
type Map[V any] struct {
	shards  []*shard[V]
	ttl     time.Duration
	now     func() time.Time
	onEvict func(key string, value V)
}

// New creates a Map whose entries live for ttl after they are set.
func New[V any](ttl time.Duration) *Map[V] {
	m := &Map[V]{
		shards: make([]*shard[V], defaultShards),
		ttl:    ttl,
		now:    time.Now,
	}
	for i := range m.shards {
		m.shards[i] = &shard[V]{items: make(map[string]entry[V])}
	}
	return m
}

// SetClock replaces the time source. Intended for tests.
func (m *Map[V]) SetClock(now func() time.Time) {
	m.now = now
}

// OnEvict registers a hook called for every entry removed by Sweep. The hook
// runs after the shard lock is released.
func (m *Map[V]) OnEvict(fn func(key string, value V)) {
	m.onEvict = fn
}

// TTL returns the configured time-to-live.
func (m *Map[V]) TTL() time.Duration {
	return m.ttl
}

func (m *Map[V]) shardFor(key string) *shard[V] {
	h := fnv.New32a()
	h.Write([]byte(key))
	return m.shards[h.Sum32()%uint32(len(m.shards))]
}

// Set stores value under key and returns its expiry time.
func (m *Map[V]) Set(key string, value V) time.Time {
	exp := m.now().Add(m.ttl)
	s := m.shardFor(key)
	s.mu.Lock()
	s.items[key] = entry[V]{value: value, expiresAt: exp}
	s.mu.Unlock()
	return exp
}

// Get returns the live value for key. Expired entries are reported missing
// even before the sweep removes them.
func (m *Map[V]) Get(key string) (V, time.Time, bool) {
	s := m.shardFor(key)
	s.mu.RLock()
	e, ok := s.items[key]
	s.mu.RUnlock()
	if !ok || !m.now().Before(e.expiresAt) {
		var zero V
		return zero, time.Time{}, false
	}
	return e.value, e.expiresAt, true
}

// Mutate runs fn under the key's shard lock. exists is false when the key is
// absent or expired. When fn returns nil the (possibly modified) value is
// stored back with its original expiry; a missing key is not created.
func (m *Map[V]) Mutate(key string, fn func(value *V, exists bool) error) error {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.items[key]
	exists := ok && m.now().Before(e.expiresAt)
	if !exists {
		var zero V
		return fn(&zero, false)
	}
	v := e.value
	if err := fn(&v, true); err != nil {
		return err
	}
	e.value = v
	s.items[key] = e
	return nil
}

// Delete removes key.
func (m *Map[V]) Delete(key string) {
	s := m.shardFor(key)
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
}

// Len returns the number of stored entries, including expired ones not yet
// swept.
func (m *Map[V]) Len() int {
	n := 0
	for _, s := range m.shards {
		s.mu.RLock()
		n += len(s.items)
		s.mu.RUnlock()
	}
	return n
}

// Sweep removes expired entries and returns how many were removed.
func (m *Map[V]) Sweep() int {
	removed := 0
	now := m.now()
	for _, s := range m.shards {
		var evicted []string
		var values []V

		s.mu.Lock()
		for k, e := range s.items {
			if !now.Before(e.expiresAt) {
				delete(s.items, k)
				if m.onEvict != nil {
					evicted = append(evicted, k)
					values = append(values, e.value)
				}
				removed++
			}
		}
		s.mu.Unlock()

		for i, k := range evicted {
			m.onEvict(k, values[i])
		}
	}
	return removed
}

// Run sweeps every interval until ctx is cancelled.
func (m *Map[V]) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Sweep()
		}
	}
}

package cache

import (
	"context"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

type memoryEntry struct {
	value   []byte
	expires time.Time
}

// Memory is an in-process cache backed by a concurrent map.
// Expired entries are dropped lazily on read and by Sweep.
type Memory struct {
	entries *xsync.MapOf[string, memoryEntry]
	now     func() time.Time
}

// NewMemory creates an empty in-memory cache
func NewMemory() *Memory {
	return &Memory{
		entries: xsync.NewMapOf[string, memoryEntry](),
		now:     time.Now,
	}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	entry, ok := m.entries.Load(key)
	if !ok {
		return nil, false, nil
	}
	if !entry.expires.IsZero() && !m.now().Before(entry.expires) {
		m.entries.Delete(key)
		return nil, false, nil
	}
	return entry.value, true, nil
}

// Set stores value; a ttl <= 0 never expires
func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	entry := memoryEntry{value: value}
	if ttl > 0 {
		entry.expires = m.now().Add(ttl)
	}
	m.entries.Store(key, entry)
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.entries.Delete(key)
	return nil
}

// Sweep removes every expired entry and returns how many were dropped
func (m *Memory) Sweep() int {
	now := m.now()
	removed := 0
	m.entries.Range(func(key string, entry memoryEntry) bool {
		if !entry.expires.IsZero() && !now.Before(entry.expires) {
			m.entries.Delete(key)
			removed++
		}
		return true
	})
	return removed
}

// Len returns the number of stored entries, including expired ones not yet swept
func (m *Memory) Len() int {
	return m.entries.Size()
}

func (m *Memory) Close() error {
	m.entries.Clear()
	return nil
}

package kv

import (
	"context"
	"slices"
	"sync"

	"github.com/and161185/mealsync/internal/errs"
)

// Memory is an in-process store. Used directly it is the ephemeral,
// single-session store; shared through Tab views it stands in for a
// durable store observed by several client instances.
type Memory struct {
	mu   sync.RWMutex
	data map[string][]byte
	hub  Hub
}

var (
	_ Store = (*Memory)(nil)
	_ Feed  = (*Memory)(nil)
)

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

// Get returns a copy of the stored value.
func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return slices.Clone(v), nil
}

// Set stores value with an anonymous origin.
func (m *Memory) Set(ctx context.Context, key string, value []byte) error {
	return m.set(ctx, "", key, value)
}

// Delete removes key with an anonymous origin.
func (m *Memory) Delete(ctx context.Context, key string) error {
	return m.del(ctx, "", key)
}

// Subscribe implements Feed.
func (m *Memory) Subscribe(fn func(ChangeEvent)) func() { return m.hub.Subscribe(fn) }

// Tab returns a view whose writes are stamped with origin.
func (m *Memory) Tab(origin string) *MemoryTab {
	return &MemoryTab{mem: m, origin: origin}
}

func (m *Memory) set(_ context.Context, origin, key string, value []byte) error {
	m.mu.Lock()
	m.data[key] = slices.Clone(value)
	m.mu.Unlock()
	m.hub.Publish(ChangeEvent{Key: key, Value: slices.Clone(value), Origin: origin})
	return nil
}

func (m *Memory) del(_ context.Context, origin, key string) error {
	m.mu.Lock()
	_, existed := m.data[key]
	delete(m.data, key)
	m.mu.Unlock()
	if existed {
		m.hub.Publish(ChangeEvent{Key: key, Deleted: true, Origin: origin})
	}
	return nil
}

// MemoryTab is one client instance's view of a shared Memory store.
type MemoryTab struct {
	mem    *Memory
	origin string
}

var (
	_ Store = (*MemoryTab)(nil)
	_ Feed  = (*MemoryTab)(nil)
)

// Origin returns the identifier stamped on this view's writes.
func (t *MemoryTab) Origin() string { return t.origin }

func (t *MemoryTab) Get(ctx context.Context, key string) ([]byte, error) {
	return t.mem.Get(ctx, key)
}

func (t *MemoryTab) Set(ctx context.Context, key string, value []byte) error {
	return t.mem.set(ctx, t.origin, key, value)
}

func (t *MemoryTab) Delete(ctx context.Context, key string) error {
	return t.mem.del(ctx, t.origin, key)
}

func (t *MemoryTab) Subscribe(fn func(ChangeEvent)) func() { return t.mem.Subscribe(fn) }

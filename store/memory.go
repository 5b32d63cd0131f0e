package store

import (
	"context"
	"sync"
	"time"

	"github.com/randy-rebucas/lingkod-ph-sub005/window"
)

// DefaultSweepInterval is how often a started Memory store drops expired counters.
const DefaultSweepInterval = 5 * time.Minute

type memoryEntry struct {
	count int64
	reset time.Time
}

// Memory is an in-memory implementation of Store using a map with mutex protection.
//
// WARNING: This implementation is NOT suitable for distributed deployments.
// Every instance keeps its own counters, so a client spreading requests across
// N instances gets up to N times the configured limit. Use it for single-instance
// deployments, development, tests, and as the fallback behind Redis.
type Memory struct {
	mu            sync.Mutex
	entries       map[string]*memoryEntry
	sweepInterval time.Duration
	now           func() time.Time

	startOnce sync.Once
	closeOnce sync.Once
	stopCh    chan struct{}
	done      chan struct{}
}

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// WithSweepInterval sets how often expired counters are removed.
// Non-positive values keep DefaultSweepInterval.
func WithSweepInterval(d time.Duration) MemoryOption {
	return func(m *Memory) {
		if d > 0 {
			m.sweepInterval = d
		}
	}
}

// WithClock sets the clock the sweeper uses to decide what has expired.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMemory creates an in-memory store. The store is usable immediately;
// call Start to run the background sweeper and Close to stop it.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		entries:       make(map[string]*memoryEntry),
		sweepInterval: DefaultSweepInterval,
		now:           time.Now,
		stopCh:        make(chan struct{}),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start launches the sweeper goroutine. Calling Start more than once has no effect.
//
// Important: a started store must be closed, otherwise the goroutine leaks.
func (m *Memory) Start() {
	m.startOnce.Do(func() {
		go m.sweepLoop()
	})
}

// Increment implements Store.
//
// A counter whose reset time is at or before now is replaced, never incremented
// across the boundary. When the counter already holds rule.Limit hits it is left unchanged
// and the hit is denied.
//
// The context is accepted for interface compatibility; in-memory operations
// cannot be cancelled, which keeps Memory usable as a definitive fallback.
func (m *Memory) Increment(_ context.Context, key string, rule Rule, now time.Time) (Hit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.entries == nil {
		return Hit{}, ErrClosed
	}

	entry, exists := m.entries[key]
	if !exists || !entry.reset.After(now) {
		entry = &memoryEntry{reset: window.Reset(now, rule.Window)}
		m.entries[key] = entry
	}

	allowed := entry.count < rule.Limit
	if allowed {
		entry.count++
	}

	return Hit{Count: entry.count, Allowed: allowed, Reset: entry.reset}, nil
}

// Peek implements Store.
func (m *Memory) Peek(_ context.Context, key string, rule Rule, now time.Time) (Hit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.entries == nil {
		return Hit{}, ErrClosed
	}

	entry, exists := m.entries[key]
	if !exists || !entry.reset.After(now) {
		return Hit{Allowed: rule.Limit > 0, Reset: window.Reset(now, rule.Window)}, nil
	}

	return Hit{Count: entry.count, Allowed: entry.count < rule.Limit, Reset: entry.reset}, nil
}

// Reset removes the counter for the given key.
func (m *Memory) Reset(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.entries == nil {
		return ErrClosed
	}
	delete(m.entries, key)
	return nil
}

// Len returns the number of counters currently held, expired or not.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Close stops the sweeper and releases all counters. It is safe to call more than once.
func (m *Memory) Close() error {
	m.closeOnce.Do(func() {
		close(m.stopCh)
		m.mu.Lock()
		m.entries = nil
		m.mu.Unlock()
	})
	return nil
}

// sweep removes every counter whose window ended at or before now.
func (m *Memory) sweep(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key, entry := range m.entries {
		if !entry.reset.After(now) {
			delete(m.entries, key)
			removed++
		}
	}
	return removed
}

func (m *Memory) sweepLoop() {
	defer close(m.done)

	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweep(m.now())
		case <-m.stopCh:
			return
		}
	}
}

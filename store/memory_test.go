package store

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var testNow = time.UnixMilli(1_700_000_050_000) // 10s into a minute-aligned window

func TestMemory_Increment(t *testing.T) {
	rule := Rule{Limit: 5, Window: time.Minute}

	tests := []struct {
		name        string
		setup       func(*Memory)
		key         string
		rule        Rule
		wantCount   int64
		wantAllowed bool
	}{
		{
			name:        "first increment creates new entry",
			key:         "test:key",
			rule:        rule,
			wantCount:   1,
			wantAllowed: true,
		},
		{
			name: "increment existing key",
			setup: func(m *Memory) {
				m.entries["test:key"] = &memoryEntry{count: 3, reset: testNow.Add(50 * time.Second)}
			},
			key:         "test:key",
			rule:        rule,
			wantCount:   4,
			wantAllowed: true,
		},
		{
			name: "counter at limit is denied and unchanged",
			setup: func(m *Memory) {
				m.entries["test:key"] = &memoryEntry{count: 5, reset: testNow.Add(50 * time.Second)}
			},
			key:         "test:key",
			rule:        rule,
			wantCount:   5,
			wantAllowed: false,
		},
		{
			name: "stale entry is replaced",
			setup: func(m *Memory) {
				m.entries["test:key"] = &memoryEntry{count: 5, reset: testNow.Add(-time.Second)}
			},
			key:         "test:key",
			rule:        rule,
			wantCount:   1,
			wantAllowed: true,
		},
		{
			name: "entry ending exactly at window start is stale",
			setup: func(m *Memory) {
				m.entries["test:key"] = &memoryEntry{count: 5, reset: testNow.Add(-10 * time.Second)}
			},
			key:         "test:key",
			rule:        rule,
			wantCount:   1,
			wantAllowed: true,
		},
		{
			name:        "zero limit always denies",
			key:         "test:key",
			rule:        Rule{Limit: 0, Window: time.Minute},
			wantCount:   0,
			wantAllowed: false,
		},
		{
			name:        "empty key",
			key:         "",
			rule:        rule,
			wantCount:   1,
			wantAllowed: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMemory()
			defer m.Close()

			if tt.setup != nil {
				tt.setup(m)
			}

			got, err := m.Increment(context.Background(), tt.key, tt.rule, testNow)
			if err != nil {
				t.Fatalf("Increment() error = %v", err)
			}
			if got.Count != tt.wantCount {
				t.Errorf("expected count %d, got %d", tt.wantCount, got.Count)
			}
			if got.Allowed != tt.wantAllowed {
				t.Errorf("expected allowed %v, got %v", tt.wantAllowed, got.Allowed)
			}
		})
	}
}

func TestMemory_Increment_EndedEntryWithLongerWindow(t *testing.T) {
	m := NewMemory()
	defer m.Close()

	ctx := context.Background()
	short := Rule{Limit: 1, Window: 5 * time.Second}
	long := Rule{Limit: 5, Window: time.Minute}

	// The short window ends inside the long window that contains testNow.
	if _, err := m.Increment(ctx, "k", short, testNow.Add(-6*time.Second)); err != nil {
		t.Fatalf("Increment() error = %v", err)
	}

	hit, err := m.Increment(ctx, "k", long, testNow)
	if err != nil {
		t.Fatalf("Increment() error = %v", err)
	}
	if hit.Count != 1 {
		t.Errorf("expected count 1, got %d", hit.Count)
	}
	if !hit.Reset.After(testNow) {
		t.Errorf("expected reset after %v, got %v", testNow, hit.Reset)
	}
	if want := time.UnixMilli(1_700_000_100_000); !hit.Reset.Equal(want) {
		t.Errorf("expected reset %v, got %v", want, hit.Reset)
	}

	peek, err := m.Peek(ctx, "k", long, testNow)
	if err != nil {
		t.Fatalf("Peek() error = %v", err)
	}
	if peek.Count != 1 {
		t.Errorf("expected peek count 1, got %d", peek.Count)
	}
}

func TestMemory_Increment_ResetIsWindowEnd(t *testing.T) {
	m := NewMemory()
	defer m.Close()

	got, err := m.Increment(context.Background(), "k", Rule{Limit: 1, Window: time.Minute}, testNow)
	if err != nil {
		t.Fatalf("Increment() error = %v", err)
	}

	want := time.UnixMilli(1_700_000_100_000)
	if !got.Reset.Equal(want) {
		t.Errorf("expected reset %d, got %d", want.UnixMilli(), got.Reset.UnixMilli())
	}
}

func TestMemory_Increment_Sequential(t *testing.T) {
	m := NewMemory()
	defer m.Close()

	ctx := context.Background()
	rule := Rule{Limit: 10, Window: time.Minute}

	for i := int64(1); i <= 10; i++ {
		got, err := m.Increment(ctx, "test:sequential", rule, testNow)
		if err != nil {
			t.Fatalf("Increment() error = %v", err)
		}
		if got.Count != i || !got.Allowed {
			t.Errorf("expected count %d allowed, got %d allowed=%v", i, got.Count, got.Allowed)
		}
		if got.Remaining(rule) != rule.Limit-i {
			t.Errorf("expected remaining %d, got %d", rule.Limit-i, got.Remaining(rule))
		}
	}

	got, err := m.Increment(ctx, "test:sequential", rule, testNow)
	if err != nil {
		t.Fatalf("Increment() error = %v", err)
	}
	if got.Allowed || got.Count != 10 || got.Remaining(rule) != 0 {
		t.Errorf("expected denied at count 10 with 0 remaining, got %+v", got)
	}
}

func TestMemory_Increment_Rollover(t *testing.T) {
	m := NewMemory()
	defer m.Close()

	ctx := context.Background()
	rule := Rule{Limit: 2, Window: time.Minute}

	for i := 0; i < 3; i++ {
		if _, err := m.Increment(ctx, "k", rule, testNow); err != nil {
			t.Fatalf("Increment() error = %v", err)
		}
	}

	next := testNow.Add(time.Minute)
	got, err := m.Increment(ctx, "k", rule, next)
	if err != nil {
		t.Fatalf("Increment() error = %v", err)
	}
	if !got.Allowed || got.Count != 1 {
		t.Errorf("expected fresh window with count 1, got %+v", got)
	}
}

func TestMemory_Increment_Concurrent(t *testing.T) {
	m := NewMemory()
	defer m.Close()

	ctx := context.Background()
	rule := Rule{Limit: 50, Window: time.Minute}
	goroutines := 10
	incrementsPerGoroutine := 10

	var allowed atomic.Int64
	var wg sync.WaitGroup
	wg.Add(goroutines)

	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < incrementsPerGoroutine; j++ {
				hit, err := m.Increment(ctx, "test:concurrent", rule, testNow)
				if err != nil {
					t.Errorf("Increment() error = %v", err)
					return
				}
				if hit.Allowed {
					allowed.Add(1)
				}
			}
		}()
	}

	wg.Wait()

	if allowed.Load() != rule.Limit {
		t.Errorf("expected %d allowed, got %d", rule.Limit, allowed.Load())
	}

	got, err := m.Peek(ctx, "test:concurrent", rule, testNow)
	if err != nil {
		t.Fatalf("Peek() error = %v", err)
	}
	if got.Count != rule.Limit {
		t.Errorf("expected count %d, got %d", rule.Limit, got.Count)
	}
}

func TestMemory_Increment_ConcurrentDifferentKeys(t *testing.T) {
	m := NewMemory()
	defer m.Close()

	ctx := context.Background()
	rule := Rule{Limit: 100, Window: time.Minute}
	keys := 10
	incrementsPerKey := 5

	var wg sync.WaitGroup
	wg.Add(keys)

	for i := 0; i < keys; i++ {
		go func(k string) {
			defer wg.Done()
			for j := 0; j < incrementsPerKey; j++ {
				if _, err := m.Increment(ctx, k, rule, testNow); err != nil {
					t.Errorf("Increment() error = %v", err)
				}
			}
		}("test:key:" + strconv.Itoa(i))
	}

	wg.Wait()

	for i := 0; i < keys; i++ {
		key := "test:key:" + strconv.Itoa(i)
		got, err := m.Peek(ctx, key, rule, testNow)
		if err != nil {
			t.Errorf("Peek(%s) error = %v", key, err)
		}
		if got.Count != int64(incrementsPerKey) {
			t.Errorf("expected %s count %d, got %d", key, incrementsPerKey, got.Count)
		}
	}
}

func TestMemory_Peek(t *testing.T) {
	rule := Rule{Limit: 5, Window: time.Minute}

	tests := []struct {
		name        string
		setup       func(*Memory)
		key         string
		rule        Rule
		wantCount   int64
		wantAllowed bool
	}{
		{
			name:        "non-existent key returns zero",
			key:         "test:nonexistent",
			rule:        rule,
			wantCount:   0,
			wantAllowed: true,
		},
		{
			name: "existing key returns count",
			setup: func(m *Memory) {
				m.entries["test:key"] = &memoryEntry{count: 4, reset: testNow.Add(50 * time.Second)}
			},
			key:         "test:key",
			rule:        rule,
			wantCount:   4,
			wantAllowed: true,
		},
		{
			name: "exhausted key reports next hit denied",
			setup: func(m *Memory) {
				m.entries["test:key"] = &memoryEntry{count: 5, reset: testNow.Add(50 * time.Second)}
			},
			key:         "test:key",
			rule:        rule,
			wantCount:   5,
			wantAllowed: false,
		},
		{
			name: "expired key returns zero",
			setup: func(m *Memory) {
				m.entries["test:key"] = &memoryEntry{count: 5, reset: testNow.Add(-time.Second)}
			},
			key:         "test:key",
			rule:        rule,
			wantCount:   0,
			wantAllowed: true,
		},
		{
			name:        "zero limit reports denied",
			key:         "test:key",
			rule:        Rule{Limit: 0, Window: time.Minute},
			wantCount:   0,
			wantAllowed: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMemory()
			defer m.Close()

			if tt.setup != nil {
				tt.setup(m)
			}

			got, err := m.Peek(context.Background(), tt.key, tt.rule, testNow)
			if err != nil {
				t.Fatalf("Peek() error = %v", err)
			}
			if got.Count != tt.wantCount {
				t.Errorf("expected count %d, got %d", tt.wantCount, got.Count)
			}
			if got.Allowed != tt.wantAllowed {
				t.Errorf("expected allowed %v, got %v", tt.wantAllowed, got.Allowed)
			}
		})
	}
}

func TestMemory_Peek_DoesNotMutate(t *testing.T) {
	m := NewMemory()
	defer m.Close()

	ctx := context.Background()
	rule := Rule{Limit: 3, Window: time.Minute}

	if _, err := m.Increment(ctx, "k", rule, testNow); err != nil {
		t.Fatalf("Increment() error = %v", err)
	}

	for i := 0; i < 5; i++ {
		got, err := m.Peek(ctx, "k", rule, testNow)
		if err != nil {
			t.Fatalf("Peek() error = %v", err)
		}
		if got.Count != 1 {
			t.Fatalf("expected count 1 after peek %d, got %d", i, got.Count)
		}
	}

	if _, err := m.Peek(ctx, "other", rule, testNow); err != nil {
		t.Fatalf("Peek() error = %v", err)
	}
	if m.Len() != 1 {
		t.Errorf("expected Peek not to create entries, got %d entries", m.Len())
	}
}

func TestMemory_Reset_AfterIncrement(t *testing.T) {
	m := NewMemory()
	defer m.Close()

	ctx := context.Background()
	rule := Rule{Limit: 1, Window: time.Minute}

	if _, err := m.Increment(ctx, "test:reset", rule, testNow); err != nil {
		t.Fatalf("Increment() error = %v", err)
	}
	denied, _ := m.Increment(ctx, "test:reset", rule, testNow)
	if denied.Allowed {
		t.Fatal("expected second hit to be denied")
	}

	if err := m.Reset(ctx, "test:reset"); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}

	got, err := m.Increment(ctx, "test:reset", rule, testNow)
	if err != nil {
		t.Fatalf("Increment() after Reset() error = %v", err)
	}
	if !got.Allowed || got.Count != 1 {
		t.Errorf("expected fresh counter after Reset(), got %+v", got)
	}
}

func TestMemory_Sweep(t *testing.T) {
	m := NewMemory()
	defer m.Close()

	m.entries["expired"] = &memoryEntry{count: 3, reset: testNow.Add(-time.Second)}
	m.entries["ends-now"] = &memoryEntry{count: 3, reset: testNow}
	m.entries["live"] = &memoryEntry{count: 1, reset: testNow.Add(time.Second)}

	if removed := m.sweep(testNow); removed != 2 {
		t.Errorf("expected 2 entries removed, got %d", removed)
	}
	if _, ok := m.entries["live"]; !ok {
		t.Error("expected live entry to survive sweep")
	}
	if m.Len() != 1 {
		t.Errorf("expected 1 entry left, got %d", m.Len())
	}
}

func TestMemory_SweepLoop(t *testing.T) {
	m := NewMemory(
		WithSweepInterval(10*time.Millisecond),
		WithClock(func() time.Time { return testNow }),
	)
	m.entries["expired"] = &memoryEntry{count: 1, reset: testNow.Add(-time.Minute)}
	m.Start()
	m.Start()
	defer m.Close()

	deadline := time.Now().Add(time.Second)
	for m.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("expected sweeper to remove expired entry")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestMemory_Close(t *testing.T) {
	m := NewMemory()
	m.Start()

	if err := m.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if err := m.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}

	select {
	case <-m.done:
	case <-time.After(time.Second):
		t.Error("Close() did not stop the sweeper")
	}

	ctx := context.Background()
	rule := Rule{Limit: 1, Window: time.Minute}
	if _, err := m.Increment(ctx, "k", rule, testNow); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed from Increment, got %v", err)
	}
	if _, err := m.Peek(ctx, "k", rule, testNow); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed from Peek, got %v", err)
	}
	if err := m.Reset(ctx, "k"); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed from Reset, got %v", err)
	}
}

func TestWithSweepInterval_IgnoresNonPositive(t *testing.T) {
	m := NewMemory(WithSweepInterval(0), WithSweepInterval(-time.Second))
	defer m.Close()

	if m.sweepInterval != DefaultSweepInterval {
		t.Errorf("expected %v, got %v", DefaultSweepInterval, m.sweepInterval)
	}
}

func BenchmarkMemory_Increment(b *testing.B) {
	m := NewMemory()
	defer m.Close()

	ctx := context.Background()
	rule := Rule{Limit: 1 << 40, Window: time.Minute}
	now := time.Now()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = m.Increment(ctx, "bench:key", rule, now)
	}
}

func BenchmarkMemory_Increment_Parallel(b *testing.B) {
	m := NewMemory()
	defer m.Close()

	ctx := context.Background()
	rule := Rule{Limit: 1 << 40, Window: time.Minute}
	now := time.Now()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			_, _ = m.Increment(ctx, "bench:key", rule, now)
		}
	})
}

// Package store provides counter backends for fixed-window rate limiting.
//
// Two implementations share the Store interface: Memory keeps counters in the
// current process and Redis keeps them in a shared Redis server so that every
// instance of a horizontally scaled service observes one counter per key.
// Use Open to pick between them from explicit configuration.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnavailable marks a failure of the backing service. Callers are
	// expected to treat it as "no decision" and fall back, never as allow or deny.
	ErrUnavailable = errors.New("store: backend unavailable")

	// ErrClosed is returned by a store after Close.
	ErrClosed = errors.New("store: closed")
)

// Rule is the fixed-window policy a counter is checked against.
type Rule struct {
	// Limit is the number of hits admitted per window. Zero admits nothing.
	Limit int64

	// Window is the window length. Windows are aligned with package window.
	Window time.Duration
}

// Hit is the state of a counter after a store operation.
type Hit struct {
	// Count is the number of admitted hits in the current window.
	Count int64

	// Allowed reports whether the hit was admitted. For Peek it reports whether
	// the next hit would be.
	Allowed bool

	// Reset is the instant the current window ends.
	Reset time.Time
}

// Remaining returns how many more hits the window admits under rule.
func (h Hit) Remaining(rule Rule) int64 {
	return max(0, rule.Limit-h.Count)
}

// Store defines the interface for rate limit counter backends.
// Implementations must be safe for concurrent use.
type Store interface {
	// Increment checks the counter for key in the window containing now and,
	// when it is below rule.Limit, increments it. Check and increment happen
	// atomically: N concurrent callers never admit more than rule.Limit hits.
	Increment(ctx context.Context, key string, rule Rule, now time.Time) (Hit, error)

	// Peek reports the counter for key in the window containing now without
	// modifying it.
	Peek(ctx context.Context, key string, rule Rule, now time.Time) (Hit, error)

	// Reset removes every counter held for key.
	Reset(ctx context.Context, key string) error

	// Close releases any resources held by the store.
	Close() error
}

// Package ratelimit decides whether a request may proceed under a fixed-window limit.
//
// A Limiter derives a key from the request, asks its primary store to check and
// increment the counter for that key, and returns a Decision. When the primary
// store is unavailable (typically Redis during an outage) the Limiter asks its
// fallback store instead, usually an in-process store.Memory, so a backend
// failure degrades the scope of the limit rather than disabling it or failing
// requests.
//
//	lim, err := ratelimit.New(ratelimit.Config{Window: time.Minute, MaxRequests: 5},
//		ratelimit.WithName("auth"),
//		ratelimit.WithStore(redisStore),
//		ratelimit.WithFallback(memoryStore),
//	)
//	if err != nil {
//		return err // misconfiguration, fail at startup
//	}
//	d := lim.Allow(ctx, r)
//	if !d.Allowed {
//		// reject with 429
//	}
//
// Allow never returns an error: exceeded limits, missing identity headers and
// backend failures all produce a well-formed Decision.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/nhalm/canonlog"

	"github.com/randy-rebucas/lingkod-ph-sub005/store"
	"github.com/randy-rebucas/lingkod-ph-sub005/window"
)

// Rate limit response headers.
const (
	HeaderLimit      = "X-RateLimit-Limit"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderReset      = "X-RateLimit-Reset"
	HeaderRetryAfter = "Retry-After"
)

// Backend names reported in Decision.Backend.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendCustom = "custom"
	BackendNone   = "none"
)

const (
	// DefaultMessage is the error text used when no WithMessage option is given.
	DefaultMessage = "Rate limit exceeded"

	// DefaultBackendTimeout bounds each store call.
	DefaultBackendTimeout = 500 * time.Millisecond
)

// ErrInvalidConfig is returned by New for a configuration that cannot be served.
var ErrInvalidConfig = errors.New("invalid rate limiter configuration")

var validate = validator.New(validator.WithRequiredStructEnabled())

// Config is the fixed-window policy of a Limiter.
type Config struct {
	// Window is the length of each fixed window. Must be at least 1ms.
	Window time.Duration `validate:"min=1ms"`

	// MaxRequests is the number of requests admitted per key per window.
	// Zero is valid and denies every request.
	MaxRequests int64 `validate:"gte=0"`
}

// Validate reports whether c can be served. Errors wrap ErrInvalidConfig.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// Decision is the outcome of a single rate limit check.
type Decision struct {
	Allowed   bool
	Limit     int64
	Remaining int64
	Reset     time.Time

	// Key is the partition key the decision was made for, without the limiter name.
	Key string

	// Backend names the store that made the decision, or BackendNone when no
	// store could.
	Backend string

	// Degraded is set when the primary store failed and the decision came from
	// the fallback, or from no store at all.
	Degraded bool
}

// RetryAfter returns whole seconds until the window resets, rounded up and at least 1.
func (d Decision) RetryAfter(now time.Time) int {
	wait := d.Reset.Sub(now)
	secs := int((wait + time.Second - 1) / time.Second)
	return max(secs, 1)
}

// Header returns the X-RateLimit-* headers describing d.
// X-RateLimit-Reset is the Unix time, in seconds, at which the window ends.
func (d Decision) Header() http.Header {
	h := make(http.Header, 3)
	h.Set(HeaderLimit, strconv.FormatInt(d.Limit, 10))
	h.Set(HeaderRemaining, strconv.FormatInt(d.Remaining, 10))
	h.Set(HeaderReset, strconv.FormatInt(d.Reset.Unix(), 10))
	return h
}

// Limiter enforces one fixed-window policy.
// A Limiter is safe for concurrent use.
type Limiter struct {
	name     string
	rule     store.Rule
	keyFn    KeyFunc
	message  string
	primary  store.Store
	fallback store.Store
	owned    store.Store
	timeout  time.Duration
	now      func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithName namespaces the limiter's keys in its stores, so limiters sharing a
// store never share counters.
func WithName(name string) Option {
	return func(l *Limiter) {
		l.name = name
	}
}

// WithKeyFunc sets how requests are partitioned (default: ClientIP).
func WithKeyFunc(fn KeyFunc) Option {
	return func(l *Limiter) {
		if fn != nil {
			l.keyFn = fn
		}
	}
}

// WithMessage sets the human-readable error reported when the limit is exceeded.
func WithMessage(msg string) Option {
	return func(l *Limiter) {
		l.message = msg
	}
}

// WithStore sets the primary store. Without it the Limiter creates, starts and
// owns a private store.Memory, released by Close.
func WithStore(st store.Store) Option {
	return func(l *Limiter) {
		l.primary = st
	}
}

// WithFallback sets the store asked when the primary store fails.
func WithFallback(st store.Store) Option {
	return func(l *Limiter) {
		l.fallback = st
	}
}

// WithBackendTimeout bounds each store call (default: DefaultBackendTimeout).
// Zero disables the limiter's own timeout.
func WithBackendTimeout(d time.Duration) Option {
	return func(l *Limiter) {
		l.timeout = d
	}
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// New creates a Limiter for cfg. Returns an error wrapping ErrInvalidConfig
// when cfg is invalid; this is the only error a Limiter ever reports, so
// construct limiters at startup.
func New(cfg Config, opts ...Option) (*Limiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	l := &Limiter{
		rule:    store.Rule{Limit: cfg.MaxRequests, Window: cfg.Window},
		keyFn:   ClientIP,
		message: DefaultMessage,
		timeout: DefaultBackendTimeout,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}

	if l.primary == nil {
		m := store.NewMemory()
		m.Start()
		l.primary = m
		l.owned = m
	}

	return l, nil
}

// Name returns the limiter's key namespace.
func (l *Limiter) Name() string { return l.name }

// Limit returns the number of requests admitted per window.
func (l *Limiter) Limit() int64 { return l.rule.Limit }

// Window returns the window length.
func (l *Limiter) Window() time.Duration { return l.rule.Window }

// Message returns the error text for rejected requests.
func (l *Limiter) Message() string { return l.message }

// Key returns the partition key for r. A KeyFunc that returns an empty string
// or panics yields UnknownKey.
func (l *Limiter) Key(r *http.Request) (key string) {
	defer func() {
		if rec := recover(); rec != nil {
			logFields(r.Context(), map[string]any{"ratelimit_key_error": fmt.Sprint(rec)})
			key = UnknownKey
		}
	}()

	if key = l.keyFn(r); key == "" {
		key = UnknownKey
	}
	return key
}

// Allow counts r against its key and reports whether it may proceed.
func (l *Limiter) Allow(ctx context.Context, r *http.Request) Decision {
	return l.Check(ctx, l.Key(r))
}

// Check counts one request against key and reports whether it may proceed.
// An empty key is treated as UnknownKey.
func (l *Limiter) Check(ctx context.Context, key string) Decision {
	if key == "" {
		key = UnknownKey
	}
	now := l.now()
	storeKey := l.storeKey(key)

	a, degraded := l.resolve(ctx, func(ctx context.Context, st store.Store) (store.Hit, error) {
		return st.Increment(ctx, storeKey, l.rule, now)
	})
	return l.decide(key, now, a, degraded)
}

// Status reports the quota left for r's key without counting a request.
func (l *Limiter) Status(ctx context.Context, r *http.Request) Decision {
	key := l.Key(r)
	now := l.now()
	storeKey := l.storeKey(key)

	a, degraded := l.resolve(ctx, func(ctx context.Context, st store.Store) (store.Hit, error) {
		return st.Peek(ctx, storeKey, l.rule, now)
	})
	return l.decide(key, now, a, degraded)
}

// Headers returns the current X-RateLimit-* headers for r. It does not count
// as a request: calling it repeatedly reports the same remaining quota.
func (l *Limiter) Headers(ctx context.Context, r *http.Request) http.Header {
	return l.Status(ctx, r).Header()
}

// Reset clears the counters for r's key in every store, for example after a
// successful login.
func (l *Limiter) Reset(ctx context.Context, r *http.Request) error {
	storeKey := l.storeKey(l.Key(r))

	err := l.primary.Reset(ctx, storeKey)
	if l.fallback != nil {
		err = errors.Join(err, l.fallback.Reset(ctx, storeKey))
	}
	if err != nil {
		return fmt.Errorf("rate limit reset failed: %w", err)
	}
	return nil
}

// Close releases the private store created when no WithStore option was given.
// Stores passed in through options belong to the caller.
func (l *Limiter) Close() error {
	if l.owned == nil {
		return nil
	}
	return l.owned.Close()
}

func (l *Limiter) storeKey(key string) string {
	if l.name == "" {
		return key
	}
	return l.name + ":" + key
}

func (l *Limiter) decide(key string, now time.Time, a attempt, degraded bool) Decision {
	if a.outcome != outcomeOK {
		// No store could decide: let traffic through rather than failing every
		// request, unless the policy denies everything anyway.
		return Decision{
			Allowed:   l.rule.Limit > 0,
			Limit:     l.rule.Limit,
			Remaining: l.rule.Limit,
			Reset:     window.Reset(now, l.rule.Window),
			Key:       key,
			Backend:   BackendNone,
			Degraded:  true,
		}
	}

	return Decision{
		Allowed:   a.hit.Allowed,
		Limit:     l.rule.Limit,
		Remaining: a.hit.Remaining(l.rule),
		Reset:     a.hit.Reset,
		Key:       key,
		Backend:   a.backend,
		Degraded:  degraded,
	}
}

// outcome of asking one store for a decision.
type outcome int

const (
	outcomeOK outcome = iota
	outcomeUnavailable
)

type attempt struct {
	hit     store.Hit
	outcome outcome
	backend string
	err     error
}

type storeOp func(ctx context.Context, st store.Store) (store.Hit, error)

// resolve runs op against the primary store and, when that is unavailable,
// against the fallback. The second result reports whether the primary failed.
func (l *Limiter) resolve(ctx context.Context, op storeOp) (attempt, bool) {
	a := l.try(ctx, l.primary, op)
	if a.outcome == outcomeOK {
		return a, false
	}

	failures := []error{a.err}
	if l.fallback != nil {
		// The request context may be what made the primary fail; the fallback
		// decision must still be made.
		fb := l.try(context.WithoutCancel(ctx), l.fallback, op)
		if fb.outcome == outcomeOK {
			logDegraded(ctx, a.backend, fb.backend, failures)
			return fb, true
		}
		failures = append(failures, fb.err)
	}

	logDegraded(ctx, a.backend, BackendNone, failures)
	return attempt{outcome: outcomeUnavailable, backend: BackendNone, err: errors.Join(failures...)}, true
}

func (l *Limiter) try(ctx context.Context, st store.Store, op storeOp) attempt {
	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	backend := backendName(st)
	hit, err := op(ctx, st)
	if err != nil {
		return attempt{outcome: outcomeUnavailable, backend: backend, err: err}
	}
	return attempt{hit: hit, outcome: outcomeOK, backend: backend}
}

// logFields adds fields to the request's canonical log line, if it has one.
func logFields(ctx context.Context, fields map[string]any) {
	if _, ok := canonlog.TryGetLogger(ctx); ok {
		canonlog.InfoAddMany(ctx, fields)
	}
}

func logDegraded(ctx context.Context, failed, served string, errs []error) {
	logFields(ctx, map[string]any{
		"ratelimit_degraded":       true,
		"ratelimit_failed_backend": failed,
		"ratelimit_served_by":      served,
		"ratelimit_backend_error":  errors.Join(errs...).Error(),
	})
}

func backendName(st store.Store) string {
	switch st.(type) {
	case *store.Memory:
		return BackendMemory
	case *store.Redis:
		return BackendRedis
	default:
		return BackendCustom
	}
}

// Package policy provides the fixed catalog of named rate limiters.
//
// Each policy pairs a name with a fixed-window configuration, a key function
// and a rejection message. A Registry builds one independent ratelimit.Limiter
// per policy at startup, all sharing the backend selected by store.Open but
// namespaced by policy name so they never share counters:
//
//	reg, err := policy.NewRegistry(policy.Config{
//		Backend: store.BackendConfig{RedisURL: os.Getenv("REDIS_URL"), Production: true},
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer reg.Close()
//
//	r.With(ratekit.RateLimit(reg.MustGet(policy.Auth))).Post("/login", login)
//
// Thresholds can be tuned per deployment through Overrides, but the strict
// policies (Auth, Payment, UserDeletion, BroadcastSending) must remain stricter
// than API in both request count and request rate.
package policy

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/randy-rebucas/lingkod-ph-sub005/ratelimit"
	"github.com/randy-rebucas/lingkod-ph-sub005/store"
)

// Policy names.
const (
	API              = "api"
	Auth             = "auth"
	Payment          = "payment"
	BookingCreation  = "bookingCreation"
	UserDeletion     = "userDeletion"
	BroadcastSending = "broadcastSending"
)

// AdminHeader carries the authenticated admin id set by the upstream auth layer.
const AdminHeader = "X-Admin-Id"

var (
	// ErrUnknownPolicy is returned for a name that is not in the catalog.
	ErrUnknownPolicy = errors.New("unknown rate limit policy")

	// ErrNotStricter is returned when an override makes a strict policy as
	// permissive as the general API policy.
	ErrNotStricter = errors.New("strict rate limit policy must be stricter than api")
)

// Policy is one named entry of the catalog.
type Policy struct {
	Name    string
	Config  ratelimit.Config
	KeyFunc ratelimit.KeyFunc
	Message string

	// Strict marks policies guarding sensitive operations. A strict policy must
	// admit fewer requests than API, and at a lower rate.
	Strict bool
}

// Defaults returns the built-in catalog.
func Defaults() []Policy {
	adminOrIP := ratelimit.FirstOf(ratelimit.Header(AdminHeader), ratelimit.ClientIP)

	return []Policy{
		{
			Name:    API,
			Config:  ratelimit.Config{Window: 15 * time.Minute, MaxRequests: 100},
			KeyFunc: ratelimit.ClientIP,
			Message: "Too many requests",
		},
		{
			Name:    Auth,
			Config:  ratelimit.Config{Window: 15 * time.Minute, MaxRequests: 5},
			KeyFunc: ratelimit.ClientIP,
			Message: "Too many authentication attempts",
			Strict:  true,
		},
		{
			Name:    Payment,
			Config:  ratelimit.Config{Window: 15 * time.Minute, MaxRequests: 10},
			KeyFunc: ratelimit.ClientIP,
			Message: "Too many payment attempts",
			Strict:  true,
		},
		{
			Name:    BookingCreation,
			Config:  ratelimit.Config{Window: time.Hour, MaxRequests: 10},
			KeyFunc: ratelimit.Prefixed("booking:", ratelimit.ClientIP),
			Message: "Too many booking requests",
		},
		{
			Name:    UserDeletion,
			Config:  ratelimit.Config{Window: time.Hour, MaxRequests: 5},
			KeyFunc: adminOrIP,
			Message: "Too many user deletion requests",
			Strict:  true,
		},
		{
			Name:    BroadcastSending,
			Config:  ratelimit.Config{Window: time.Hour, MaxRequests: 3},
			KeyFunc: adminOrIP,
			Message: "Too many broadcast requests",
			Strict:  true,
		},
	}
}

// Override replaces parts of a default policy. Zero fields keep the default.
type Override struct {
	Window time.Duration

	// MaxRequests is a pointer because zero is a valid limit.
	MaxRequests *int64
}

func (o Override) apply(p Policy) Policy {
	if o.Window != 0 {
		p.Config.Window = o.Window
	}
	if o.MaxRequests != nil {
		p.Config.MaxRequests = *o.MaxRequests
	}
	return p
}

// Config configures a Registry.
type Config struct {
	// Backend selects the counter store shared by every policy.
	Backend store.BackendConfig

	// SweepInterval is how often in-process stores drop expired counters.
	// Zero uses store.DefaultSweepInterval.
	SweepInterval time.Duration

	// BackendTimeout bounds each store call. Zero uses ratelimit.DefaultBackendTimeout.
	BackendTimeout time.Duration

	// Overrides tunes policies by name.
	Overrides map[string]Override
}

type options struct {
	primary  store.Store
	fallback store.Store
	now      func() time.Time
}

// Option configures a Registry.
type Option func(*options)

// WithStores uses the given stores instead of opening them from Config.Backend.
// The caller keeps ownership; Close does not close them. fallback may be nil.
func WithStores(primary, fallback store.Store) Option {
	return func(o *options) {
		o.primary = primary
		o.fallback = fallback
	}
}

// WithClock replaces time.Now for every limiter and in-process store.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// Registry holds one Limiter per policy. It is immutable after construction
// and safe for concurrent use.
type Registry struct {
	limiters map[string]*ratelimit.Limiter
	policies []Policy
	primary  store.Store
	owned    []store.Store
}

// Resolve returns the catalog with overrides applied and checks it.
func Resolve(overrides map[string]Override) ([]Policy, error) {
	policies := Defaults()

	for name := range overrides {
		if !slices.ContainsFunc(policies, func(p Policy) bool { return p.Name == name }) {
			return nil, fmt.Errorf("%w: %q", ErrUnknownPolicy, name)
		}
	}

	var api Policy
	for i, p := range policies {
		if o, ok := overrides[p.Name]; ok {
			p = o.apply(p)
			policies[i] = p
		}
		if err := p.Config.Validate(); err != nil {
			return nil, fmt.Errorf("policy %s: %w", p.Name, err)
		}
		if p.Name == API {
			api = p
		}
	}

	for _, p := range policies {
		if p.Strict && !stricter(p.Config, api.Config) {
			return nil, fmt.Errorf("%w: %s allows %d per %v, api allows %d per %v",
				ErrNotStricter, p.Name, p.Config.MaxRequests, p.Config.Window,
				api.Config.MaxRequests, api.Config.Window)
		}
	}

	return policies, nil
}

// stricter reports whether a admits fewer requests than b, and at a lower rate.
func stricter(a, b ratelimit.Config) bool {
	rateA := float64(a.MaxRequests) / a.Window.Seconds()
	rateB := float64(b.MaxRequests) / b.Window.Seconds()
	return a.MaxRequests < b.MaxRequests && rateA < rateB
}

// NewRegistry builds every policy's limiter. Any configuration error is
// returned before a store is opened; callers should treat it as fatal.
func NewRegistry(cfg Config, opts ...Option) (*Registry, error) {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	policies, err := Resolve(cfg.Overrides)
	if err != nil {
		return nil, err
	}

	reg := &Registry{
		limiters: make(map[string]*ratelimit.Limiter, len(policies)),
		policies: policies,
	}

	primary, fallback := o.primary, o.fallback
	if primary == nil {
		primary, fallback, err = reg.openStores(cfg, o.now)
		if err != nil {
			return nil, err
		}
	}
	reg.primary = primary

	for _, p := range policies {
		limOpts := []ratelimit.Option{
			ratelimit.WithName(p.Name),
			ratelimit.WithKeyFunc(p.KeyFunc),
			ratelimit.WithMessage(p.Message),
			ratelimit.WithStore(primary),
			ratelimit.WithClock(o.now),
		}
		if fallback != nil {
			limOpts = append(limOpts, ratelimit.WithFallback(fallback))
		}
		if cfg.BackendTimeout > 0 {
			limOpts = append(limOpts, ratelimit.WithBackendTimeout(cfg.BackendTimeout))
		}

		lim, err := ratelimit.New(p.Config, limOpts...)
		if err != nil {
			reg.Close()
			return nil, fmt.Errorf("policy %s: %w", p.Name, err)
		}
		reg.limiters[p.Name] = lim
	}

	return reg, nil
}

// openStores opens the configured backend and, when it is shared, an
// in-process fallback for outages.
func (reg *Registry) openStores(cfg Config, now func() time.Time) (store.Store, store.Store, error) {
	backend := cfg.Backend
	backend.Memory = append(slices.Clone(backend.Memory), store.WithClock(now))
	if cfg.SweepInterval > 0 {
		backend.Memory = append(backend.Memory, store.WithSweepInterval(cfg.SweepInterval))
	}

	primary, err := store.Open(backend)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open rate limit store: %w", err)
	}
	reg.owned = append(reg.owned, primary)

	if !backend.Shared() {
		return primary, nil, nil
	}

	fallback := store.NewMemory(backend.Memory...)
	fallback.Start()
	reg.owned = append(reg.owned, fallback)
	return primary, fallback, nil
}

// Get returns the limiter for name.
func (reg *Registry) Get(name string) (*ratelimit.Limiter, bool) {
	lim, ok := reg.limiters[name]
	return lim, ok
}

// MustGet returns the limiter for name and panics if there is none.
// Use it while wiring routes at startup.
func (reg *Registry) MustGet(name string) *ratelimit.Limiter {
	lim, ok := reg.limiters[name]
	if !ok {
		panic(fmt.Sprintf("policy: %v: %q", ErrUnknownPolicy, name))
	}
	return lim
}

// Names returns the policy names in catalog order.
func (reg *Registry) Names() []string {
	names := make([]string, len(reg.policies))
	for i, p := range reg.policies {
		names[i] = p.Name
	}
	return names
}

// Policies returns the resolved catalog.
func (reg *Registry) Policies() []Policy {
	return slices.Clone(reg.policies)
}

// Ping checks the primary store when it supports health checks, such as Redis.
// A healthy in-process store always reports nil.
func (reg *Registry) Ping(ctx context.Context) error {
	if p, ok := reg.primary.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	return nil
}

// Close releases the stores the Registry opened. Stores passed through
// WithStores are left to the caller.
func (reg *Registry) Close() error {
	var errs []error
	for _, st := range reg.owned {
		if err := st.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	reg.owned = nil
	return errors.Join(errs...)
}

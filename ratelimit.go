// Rate limiting middleware for Chi and standard http.Handler.
//
// RateLimit asks a ratelimit.Limiter for a decision on every request. Allowed
// requests get X-RateLimit-Limit, X-RateLimit-Remaining and X-RateLimit-Reset
// headers and continue down the chain; rejected requests receive the response
// built by NewRateLimitResponse. Limiters are normally taken from a
// policy.Registry so every route sharing a policy shares its counters:
//
//	r.With(ratekit.RateLimit(reg.MustGet(policy.Payment))).Post("/payments", pay)
//
// Layer limiters to combine policies; each keeps its own counters:
//
//	r.Use(ratekit.RateLimit(reg.MustGet(policy.API)))
//	r.With(ratekit.RateLimit(reg.MustGet(policy.Auth))).Post("/login", login)
//
// When Handler is active the rejection is recorded in the response state,
// otherwise it is written directly.

package ratekit

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/nhalm/canonlog"

	"github.com/randy-rebucas/lingkod-ph-sub005/ratelimit"
)

// RateLimitHeaderMode controls when X-RateLimit-* quota headers are included in responses.
type RateLimitHeaderMode int

const (
	// RateLimitHeadersAlways includes quota headers on allowed responses and
	// X-RateLimit-Reset on rejections (default).
	RateLimitHeadersAlways RateLimitHeaderMode = iota

	// RateLimitHeadersOnLimitExceeded includes X-RateLimit-Reset only on 429
	// responses and nothing on allowed ones.
	RateLimitHeadersOnLimitExceeded

	// RateLimitHeadersNever adds no quota headers beyond those that are part
	// of the rejection itself (Retry-After, X-RateLimit-Limit, X-RateLimit-Remaining).
	RateLimitHeadersNever
)

// RateLimitOption configures the RateLimit middleware.
type RateLimitOption func(*rateLimitConfig)

type rateLimitConfig struct {
	headerMode RateLimitHeaderMode
	now        func() time.Time
}

// RateLimitWithHeaderMode configures when quota headers are included in responses.
func RateLimitWithHeaderMode(mode RateLimitHeaderMode) RateLimitOption {
	return func(c *rateLimitConfig) {
		c.headerMode = mode
	}
}

// RateLimitWithClock replaces time.Now when computing Retry-After.
func RateLimitWithClock(now func() time.Time) RateLimitOption {
	return func(c *rateLimitConfig) {
		c.now = now
	}
}

// RateLimit returns middleware enforcing l.
// Rejected requests get status 429 with the body
// {"error": l.Message(), "message": RateLimitMessage, "retryAfter": seconds}.
// Backend failures never reject a request; see ratelimit.Limiter.
func RateLimit(l *ratelimit.Limiter, opts ...RateLimitOption) func(http.Handler) http.Handler {
	cfg := &rateLimitConfig{
		headerMode: RateLimitHeadersAlways,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			d := l.Allow(ctx, r)
			logDecision(ctx, l, d)

			if !d.Allowed {
				resp := NewRateLimitResponse(l.Message(), d.RetryAfter(cfg.now()))
				if cfg.headerMode != RateLimitHeadersNever {
					resp.Header.Set(ratelimit.HeaderReset, strconv.FormatInt(d.Reset.Unix(), 10))
				}

				if HasState(ctx) {
					SetReply(r, resp)
					return
				}
				if err := resp.Write(w); err != nil {
					if _, ok := canonlog.TryGetLogger(ctx); ok {
						canonlog.ErrorAdd(ctx, err)
					}
				}
				return
			}

			if cfg.headerMode == RateLimitHeadersAlways {
				// Set on the writer so handlers that bypass the response
				// state still send them.
				for key, values := range d.Header() {
					w.Header()[key] = values
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}

func logDecision(ctx context.Context, l *ratelimit.Limiter, d ratelimit.Decision) {
	if _, ok := canonlog.TryGetLogger(ctx); !ok {
		return
	}
	canonlog.InfoAddMany(ctx, map[string]any{
		"ratelimit_policy":    l.Name(),
		"ratelimit_allowed":   d.Allowed,
		"ratelimit_remaining": d.Remaining,
		"ratelimit_backend":   d.Backend,
	})
}

// Package ginmiddleware enforces ratelimit.Limiter decisions on Gin routes.
//
// It produces the same responses as ratekit.RateLimit, so services mixing Chi
// and Gin routers present one rate limit contract to clients.
package ginmiddleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nhalm/canonlog"

	ratekit "github.com/randy-rebucas/lingkod-ph-sub005"
	"github.com/randy-rebucas/lingkod-ph-sub005/ratelimit"
)

// Option configures the Gin middleware.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock replaces time.Now when computing Retry-After.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// RateLimit returns a gin.HandlerFunc enforcing l. Allowed requests get
// X-RateLimit-* headers; rejected ones are aborted with the standard 429 body.
func RateLimit(l *ratelimit.Limiter, opts ...Option) gin.HandlerFunc {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	return func(c *gin.Context) {
		ctx := c.Request.Context()
		d := l.Allow(ctx, c.Request)

		if _, ok := canonlog.TryGetLogger(ctx); ok {
			canonlog.InfoAddMany(ctx, map[string]any{
				"ratelimit_policy":    l.Name(),
				"ratelimit_allowed":   d.Allowed,
				"ratelimit_remaining": d.Remaining,
				"ratelimit_backend":   d.Backend,
			})
		}

		if !d.Allowed {
			resp := ratekit.NewRateLimitResponse(l.Message(), d.RetryAfter(o.now()))
			resp.Header.Set(ratelimit.HeaderReset, d.Header().Get(ratelimit.HeaderReset))
			setHeaders(c, resp.Header)
			c.Data(resp.Status, resp.Header.Get("Content-Type"), resp.Body)
			c.Abort()
			return
		}

		setHeaders(c, d.Header())
		c.Next()
	}
}

func setHeaders(c *gin.Context, h map[string][]string) {
	for key, values := range h {
		if len(values) > 0 {
			c.Header(key, values[0])
		}
	}
}

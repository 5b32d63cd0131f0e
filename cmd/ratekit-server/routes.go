package main

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	ratekit "github.com/randy-rebucas/lingkod-ph-sub005"
	"github.com/randy-rebucas/lingkod-ph-sub005/policy"
)

type quotaResponse struct {
	Policy    string    `json:"policy"`
	Key       string    `json:"key"`
	Limit     int64     `json:"limit"`
	Remaining int64     `json:"remaining"`
	Reset     time.Time `json:"reset"`
	Backend   string    `json:"backend"`
	Degraded  bool      `json:"degraded"`
}

func newRouter(reg *policy.Registry) http.Handler {
	r := chi.NewRouter()
	r.Use(ratekit.Handler(ratekit.WithCanonlog()))

	r.NotFound(func(_ http.ResponseWriter, r *http.Request) {
		ratekit.SetError(r, ratekit.ErrNotFound)
	})
	r.MethodNotAllowed(func(_ http.ResponseWriter, r *http.Request) {
		ratekit.SetError(r, ratekit.ErrMethodNotAllowed)
	})

	r.Get("/healthz", func(_ http.ResponseWriter, r *http.Request) {
		status := "ok"
		if err := reg.Ping(r.Context()); err != nil {
			status = "degraded"
		}
		ratekit.SetResponse(r, http.StatusOK, map[string]string{"status": status})
	})

	r.Route("/ratelimit/{policy}", func(r chi.Router) {
		r.Get("/", quotaStatus(reg))
		r.Delete("/", quotaReset(reg))
	})

	r.Group(func(r chi.Router) {
		r.Use(ratekit.RateLimit(reg.MustGet(policy.API)))

		r.With(ratekit.RateLimit(reg.MustGet(policy.Auth))).Post("/auth/login", accepted)
		r.With(ratekit.RateLimit(reg.MustGet(policy.Payment))).Post("/payments", accepted)
		r.Post("/bookings", createBooking(reg))

		r.Route("/admin", func(r chi.Router) {
			r.With(ratekit.RateLimit(reg.MustGet(policy.UserDeletion))).Delete("/users/{id}", accepted)
			r.With(ratekit.RateLimit(reg.MustGet(policy.BroadcastSending))).Post("/broadcasts", accepted)
		})
	})

	return r
}

func accepted(_ http.ResponseWriter, r *http.Request) {
	ratekit.SetResponse(r, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// createBooking checks its limiter inline so the success response carries
// the quota left after this booking.
func createBooking(reg *policy.Registry) http.HandlerFunc {
	lim := reg.MustGet(policy.BookingCreation)

	return func(_ http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		d := lim.Allow(ctx, r)
		if !d.Allowed {
			ratekit.SetReply(r, ratekit.NewRateLimitResponse(lim.Message(), d.RetryAfter(time.Now())))
			return
		}

		resp, err := ratekit.NewJSONResponse(http.StatusCreated, map[string]string{"status": "created"})
		if err != nil {
			ratekit.SetError(r, ratekit.ErrInternal)
			return
		}
		ratekit.SetReply(r, ratekit.AddRateLimitHeaders(ctx, resp, lim, r))
	}
}

func quotaStatus(reg *policy.Registry) http.HandlerFunc {
	return func(_ http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "policy")
		lim, ok := reg.Get(name)
		if !ok {
			ratekit.SetError(r, ratekit.ErrNotFound.WithParam("Unknown rate limit policy", "policy"))
			return
		}

		d := lim.Status(r.Context(), r)
		ratekit.SetResponse(r, http.StatusOK, quotaResponse{
			Policy:    name,
			Key:       d.Key,
			Limit:     d.Limit,
			Remaining: d.Remaining,
			Reset:     d.Reset.UTC(),
			Backend:   d.Backend,
			Degraded:  d.Degraded,
		})
	}
}

func quotaReset(reg *policy.Registry) http.HandlerFunc {
	return func(_ http.ResponseWriter, r *http.Request) {
		lim, ok := reg.Get(chi.URLParam(r, "policy"))
		if !ok {
			ratekit.SetError(r, ratekit.ErrNotFound.WithParam("Unknown rate limit policy", "policy"))
			return
		}

		if err := lim.Reset(r.Context(), r); err != nil {
			ratekit.SetError(r, ratekit.ErrInternal.With("Failed to reset rate limit"))
			return
		}
		ratekit.SetResponse(r, http.StatusNoContent, nil)
	}
}

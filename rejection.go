package ratekit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strconv"

	"github.com/randy-rebucas/lingkod-ph-sub005/ratelimit"
)

// RateLimitMessage is the fixed client-facing text of every rate limit rejection.
const RateLimitMessage = "Too many requests. Please try again later."

// Response is a fully built HTTP response.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// RateLimitBody is the JSON body of a 429 rejection.
type RateLimitBody struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retryAfter"`
}

// NewRateLimitResponse builds the 429 rejection for message, telling the client
// to retry after retryAfter seconds:
//
//	HTTP/1.1 429 Too Many Requests
//	Content-Type: application/json
//	Retry-After: 60
//	X-RateLimit-Limit: exceeded
//	X-RateLimit-Remaining: 0
//
//	{"error":"Rate limit exceeded","message":"Too many requests. Please try again later.","retryAfter":60}
func NewRateLimitResponse(message string, retryAfter int) *Response {
	// A struct of strings and an int always encodes.
	body, _ := json.Marshal(RateLimitBody{
		Error:      message,
		Message:    RateLimitMessage,
		RetryAfter: retryAfter,
	})

	h := make(http.Header, 4)
	h.Set("Content-Type", "application/json")
	h.Set(ratelimit.HeaderRetryAfter, strconv.Itoa(retryAfter))
	h.Set(ratelimit.HeaderLimit, "exceeded")
	h.Set(ratelimit.HeaderRemaining, "0")

	return &Response{
		Status: http.StatusTooManyRequests,
		Header: h,
		Body:   body,
	}
}

// NewJSONResponse builds a JSON response with the given status.
func NewJSONResponse(status int, v any) (*Response, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode response: %w", err)
	}

	h := make(http.Header, 1)
	h.Set("Content-Type", "application/json")
	return &Response{Status: status, Header: h, Body: body}, nil
}

// AddRateLimitHeaders stamps the current X-RateLimit-* headers of l for r onto
// resp and returns it. Status, body and other headers are left untouched, and
// the lookup does not count against the caller's quota.
func AddRateLimitHeaders(ctx context.Context, resp *Response, l *ratelimit.Limiter, r *http.Request) *Response {
	if resp.Header == nil {
		resp.Header = make(http.Header)
	}
	for key, values := range l.Headers(ctx, r) {
		resp.Header[key] = values
	}
	return resp
}

// Write sends resp to w. Headers of resp replace any already set on w under
// the same name, such as quota headers from an outer limiter.
func (resp *Response) Write(w http.ResponseWriter) error {
	for key, values := range resp.Header {
		w.Header()[key] = slices.Clone(values)
	}

	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)

	if len(resp.Body) == 0 {
		return nil
	}
	if _, err := w.Write(resp.Body); err != nil {
		return fmt.Errorf("failed to write response body: %w", err)
	}
	return nil
}

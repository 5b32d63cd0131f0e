// Package ratekit provides HTTP rate limiting for net/http and Chi routers.
//
// The package wires ratelimit.Limiter decisions into HTTP responses: the
// RateLimit middleware rejects requests over their limit with a 429 and stamps
// X-RateLimit-* headers on the rest, NewRateLimitResponse builds the standard
// rejection, and AddRateLimitHeaders stamps quota headers onto any response.
//
// Handler manages per-request response state so middleware and handlers can
// record a response instead of writing it directly:
//
//	reg, _ := policy.NewRegistry(policy.Config{})
//	r := chi.NewRouter()
//	r.Use(ratekit.Handler(ratekit.WithCanonlog()))
//	r.With(ratekit.RateLimit(reg.MustGet(policy.Auth))).Post("/login", login)
//
// This file contains the structured error type used for non rate limit errors.
package ratekit

import (
	"net/http"
)

// APIError represents a structured API error response.
type APIError struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	Param   string `json:"param,omitempty"`
	Status  int    `json:"-"`
}

type errorResponse struct {
	Error *APIError `json:"error"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return e.Message
}

// Is implements errors.Is for comparing error types.
func (e *APIError) Is(target error) bool {
	if e == nil {
		return target == nil
	}
	t, ok := target.(*APIError)
	if !ok {
		return false
	}
	return e.Type == t.Type && e.Code == t.Code
}

// With returns a copy of the error with a custom message.
func (e *APIError) With(message string) *APIError {
	if e == nil {
		return nil
	}
	dup := *e
	dup.Message = message
	return &dup
}

// WithParam returns a copy of the error with a custom message and parameter.
func (e *APIError) WithParam(message, param string) *APIError {
	if e == nil {
		return nil
	}
	dup := *e
	dup.Message = message
	dup.Param = param
	return &dup
}

// Predefined sentinel errors
var (
	ErrNotFound         = &APIError{Type: "not_found", Code: "resource_not_found", Message: "Resource not found", Status: http.StatusNotFound}
	ErrMethodNotAllowed = &APIError{Type: "request_error", Code: "method_not_allowed", Message: "Method not allowed", Status: http.StatusMethodNotAllowed}
	ErrInternal         = &APIError{Type: "internal_error", Code: "internal", Message: "Internal server error", Status: http.StatusInternalServerError}
)

package ratekit

import (
	"context"
	"net/http"
	"sync"
)

type stateContextKey string

const stateKey stateContextKey = "ratekit_state"

// State holds the response state for a request.
type State struct {
	mu      sync.Mutex
	err     *APIError
	reply   *Response
	status  int
	body    any
	headers http.Header
}

// HasState returns true if Handler state exists in the context.
func HasState(ctx context.Context) bool {
	return getState(ctx) != nil
}

func getState(ctx context.Context) *State {
	state, _ := ctx.Value(stateKey).(*State)
	return state
}

// statusCode reports the status code the recorded response will be written with.
func (s *State) statusCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.err != nil:
		return s.err.Status
	case s.reply != nil:
		return s.reply.Status
	case s.status != 0:
		return s.status
	default:
		return http.StatusOK
	}
}

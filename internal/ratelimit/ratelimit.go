// Package ratelimit provides the coarse request guard wrapped around the
// lookup endpoints. Limiting is approximate by design; correctness never
// depends on it.
package ratelimit

import (
	"context"
	"errors"
	"time"
)

// ErrRateLimited is returned by callers of Check-style helpers; the HTTP
// layer maps it to 429 with a Retry-After hint.
var ErrRateLimited = errors.New("rate limited")

type Config struct {
	Limit  int
	Window time.Duration
}

type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter admits or rejects one request for the caller identified by key.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

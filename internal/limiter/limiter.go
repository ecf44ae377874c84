// Package limiter defines interfaces and implementations for per-account write rate limiting.
package limiter

import (
	"context"
	"time"
)

// Limiter counts writes per account and operation in fixed windows.
type Limiter interface {
	// Allow records one hit and reports whether it fits in the current window.
	// When it does not, the duration is the time left until the window resets.
	Allow(ctx context.Context, accountID, op string) (bool, time.Duration, error)
}

// Nop allows everything.
type Nop struct{}

func (Nop) Allow(context.Context, string, string) (bool, time.Duration, error) { return true, 0, nil }

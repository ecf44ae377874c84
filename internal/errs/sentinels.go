// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across repo/service layers.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates a unique constraint violation.
	ErrAlreadyExists = errors.New("already exists")

	// ErrUnauthorized indicates a missing or invalid caller identity.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrAccessDenied indicates the caller is known but lacks the tier or role for the resource.
	ErrAccessDenied = errors.New("access denied")

	// ErrRateLimited indicates the caller exceeded its write budget for the current window.
	ErrRateLimited = errors.New("rate limited")
)

// Validation failures (caller's fault, never retried automatically).
var (
	ErrValidation           = errors.New("validation failed")
	ErrInvalidSpec          = errors.New("invalid challenge spec")
	ErrInvalidAmount        = errors.New("invalid amount")
	ErrInvalidProgress      = errors.New("invalid progress")
	ErrInvalidTier          = errors.New("invalid tier")
	ErrIdempotencyKeyReused = errors.New("idempotency key reused for a different request")
)

// State conflicts.
var (
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrChallengeNotActive = errors.New("challenge not active")
	ErrNotParticipant     = errors.New("not a participant")
)

// Exhausted resources: the caller must act (top up, pick another challenge).
var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrCapacityExceeded    = errors.New("capacity exceeded")
	ErrTierThresholdNotMet = errors.New("tier threshold not met")
	ErrNothingStaked       = errors.New("nothing staked")
)

// Transient infrastructure failures, safe to retry with the same idempotency key.
var (
	ErrTimeout     = errors.New("timeout")
	ErrUnavailable = errors.New("unavailable")
)

// Replays.
var (
	// ErrAlreadyProcessed indicates a ledger mutation with the same dedupe key was already applied.
	ErrAlreadyProcessed = errors.New("already processed")

	// ErrAlreadyIssued indicates the milestone reward was paid before; callers treat it as a no-op.
	ErrAlreadyIssued = errors.New("reward already issued")
)

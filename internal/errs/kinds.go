package errs

import "errors"

// Kind is the coarse failure class surfaced to callers.
type Kind string

const (
	KindValidation        Kind = "ValidationError"
	KindStateConflict     Kind = "StateConflict"
	KindResourceExhausted Kind = "ResourceExhausted"
	KindNotFound          Kind = "NotFound"
	KindAccessDenied      Kind = "AccessDenied"
	KindUnauthorized      Kind = "Unauthorized"
	KindRateLimited       Kind = "RateLimited"
	KindTimeout           Kind = "Timeout"
	KindUnavailable       Kind = "Unavailable"
	KindAlreadyProcessed  Kind = "AlreadyProcessed"
	KindInternal          Kind = "Internal"
)

type class struct {
	err  error
	kind Kind
	code string
}

// classes is ordered: the first sentinel matched by errors.Is wins.
var classes = []class{
	{ErrTimeout, KindTimeout, "Timeout"},
	{ErrUnavailable, KindUnavailable, "Unavailable"},

	{ErrInvalidSpec, KindValidation, "InvalidSpec"},
	{ErrInvalidAmount, KindValidation, "InvalidAmount"},
	{ErrInvalidProgress, KindValidation, "InvalidProgress"},
	{ErrInvalidTier, KindValidation, "InvalidTier"},
	{ErrIdempotencyKeyReused, KindValidation, "IdempotencyKeyReused"},
	{ErrValidation, KindValidation, "ValidationError"},

	{ErrInvalidTransition, KindStateConflict, "InvalidTransition"},
	{ErrChallengeNotActive, KindStateConflict, "ChallengeNotActive"},
	{ErrNotParticipant, KindStateConflict, "NotParticipant"},
	{ErrAlreadyExists, KindStateConflict, "AlreadyExists"},

	{ErrInsufficientBalance, KindResourceExhausted, "InsufficientBalance"},
	{ErrCapacityExceeded, KindResourceExhausted, "CapacityExceeded"},
	{ErrTierThresholdNotMet, KindResourceExhausted, "TierThresholdNotMet"},
	{ErrNothingStaked, KindResourceExhausted, "NothingStaked"},

	{ErrNotFound, KindNotFound, "NotFound"},
	{ErrAccessDenied, KindAccessDenied, "AccessDenied"},
	{ErrUnauthorized, KindUnauthorized, "Unauthorized"},
	{ErrRateLimited, KindRateLimited, "RateLimited"},

	{ErrAlreadyProcessed, KindAlreadyProcessed, "AlreadyProcessed"},
	{ErrAlreadyIssued, KindAlreadyProcessed, "AlreadyIssued"},
}

func classify(err error) (class, bool) {
	for _, c := range classes {
		if errors.Is(err, c.err) {
			return c, true
		}
	}
	return class{}, false
}

// KindOf maps err to its failure class; unknown errors are Internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if c, ok := classify(err); ok {
		return c.kind
	}
	return KindInternal
}

// Code returns the stable sentinel name for err, or "Internal".
func Code(err error) string {
	if c, ok := classify(err); ok {
		return c.code
	}
	return "Internal"
}

// Retryable reports whether a caller may safely retry err with the same idempotency key.
func Retryable(err error) bool {
	k := KindOf(err)
	return k == KindTimeout || k == KindUnavailable
}

// Package convert holds the JSON wire types of the HTTP API and their
// conversion to domain values. The server and the CLI share them.
package convert

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/and161185/fan-ledger/internal/errs"
	"github.com/and161185/fan-ledger/internal/model"
)

// MaxBodyBytes bounds request bodies.
const MaxBodyBytes = 1 << 20

// --- requests (client -> server) ---

type MilestoneRequest struct {
	Threshold   int64  `json:"threshold"`
	Reward      int64  `json:"reward"`
	Description string `json:"description,omitempty"`
}

type ChallengeRequest struct {
	Title       string             `json:"title"`
	Description string             `json:"description,omitempty"`
	Category    string             `json:"category,omitempty"`
	Difficulty  string             `json:"difficulty,omitempty"`
	EntryFee    int64              `json:"entryFee"`
	Capacity    int64              `json:"capacity"`
	Milestones  []MilestoneRequest `json:"milestones"`
	StartsAt    time.Time          `json:"startsAt"`
	EndsAt      time.Time          `json:"endsAt"`
}

// ToSpec converts the request to a domain challenge spec.
func (r ChallengeRequest) ToSpec() model.ChallengeSpec {
	spec := model.ChallengeSpec{
		Title:       r.Title,
		Description: r.Description,
		Category:    r.Category,
		Difficulty:  r.Difficulty,
		EntryFee:    r.EntryFee,
		Capacity:    r.Capacity,
		StartsAt:    r.StartsAt,
		EndsAt:      r.EndsAt,
	}
	for _, m := range r.Milestones {
		spec.Milestones = append(spec.Milestones, model.MilestoneSpec(m))
	}
	return spec
}

// AccountRequest is the body of join, withdraw and accrue.
type AccountRequest struct {
	AccountID      string `json:"accountId,omitempty"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

type ProgressRequest struct {
	AccountID      string `json:"accountId,omitempty"`
	NewProgress    *int64 `json:"newProgress"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

// Progress returns the reported value; a missing newProgress is a validation error.
func (r ProgressRequest) Progress() (int64, error) {
	if r.NewProgress == nil {
		return 0, fmt.Errorf("%w: newProgress is required", errs.ErrValidation)
	}
	return *r.NewProgress, nil
}

type StakeRequest struct {
	AccountID      string `json:"accountId,omitempty"`
	Amount         int64  `json:"amount"`
	TargetTier     string `json:"targetTier"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

type GrantRequest struct {
	AccountID      string `json:"accountId"`
	Amount         int64  `json:"amount"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

// RewardRequest asks for a missed milestone reward to be paid.
type RewardRequest struct {
	AccountID   string `json:"accountId"`
	MilestoneID int    `json:"milestoneId"`
}

type PostRequest struct {
	Body           string `json:"body"`
	Link           string `json:"link,omitempty"`
	RequiredTier   string `json:"requiredTier,omitempty"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

type CommentRequest struct {
	Body           string `json:"body"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

// ParseTier maps a wire tier name to a domain tier.
func ParseTier(s string) (model.Tier, error) {
	t, err := model.ParseTier(s)
	if err != nil {
		return "", fmt.Errorf("%w: %v", errs.ErrInvalidTier, err)
	}
	return t, nil
}

// --- responses (server -> client) ---

// ErrorBody is the JSON body of every failed request.
type ErrorBody struct {
	Error string    `json:"error"`
	Kind  errs.Kind `json:"kind"`
	Code  string    `json:"code"`
}

// NewErrorBody classifies err.
func NewErrorBody(err error) ErrorBody {
	return ErrorBody{Error: err.Error(), Kind: errs.KindOf(err), Code: errs.Code(err)}
}

type TokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// --- decoding ---

var errEmptyBody = errors.New("empty body")

// Decode reads one JSON value from r into v. Unknown fields, trailing data and
// oversized bodies are validation errors.
func Decode(r io.Reader, v any) error {
	dec := json.NewDecoder(io.LimitReader(r, MaxBodyBytes+1))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: %w", errs.ErrValidation, errEmptyBody)
		}
		return fmt.Errorf("%w: decode body: %v", errs.ErrValidation, err)
	}
	if dec.More() {
		return fmt.Errorf("%w: trailing data after body", errs.ErrValidation)
	}
	return nil
}

// DecodeOptional is Decode for endpoints whose body may be omitted.
func DecodeOptional(r io.Reader, v any) error {
	if err := Decode(r, v); err != nil && !errors.Is(err, errEmptyBody) {
		return err
	}
	return nil
}

package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/and161185/fan-ledger/internal/errs"
	"github.com/and161185/fan-ledger/internal/model"
	"github.com/and161185/fan-ledger/internal/repository"
)

// IdempotencyKey identifies a client write. Fingerprint digests the request
// payload so a key cannot be reused for a different request.
// An empty Key disables deduplication.
type IdempotencyKey struct {
	Key         string
	Fingerprint []byte
}

const maxIdempotencyKeyLen = 200

// Operation names stored in the audit log.
const (
	OpGrant    = "grant"
	OpJoin     = "join"
	OpProgress = "progress"
	OpStake    = "stake"
	OpWithdraw = "withdraw"
	OpAccrue   = "accrue"
	OpPost     = "post"
	OpLike     = "like"
	OpComment  = "comment"
)

// runIdempotent executes fn once per key. Same-key requests serialize on the key
// lock; a completed key replays its stored response instead of running fn.
// Failed attempts are not recorded and may be retried with the same key.
func runIdempotent[T any](
	ctx context.Context, store repository.Store, clock Clock, obs Observer,
	key IdempotencyKey, op, accountID string,
	fn func(ctx context.Context, q repository.Queries) (T, error),
) (T, bool, error) {
	var (
		out      T
		replayed bool
	)
	if len(key.Key) > maxIdempotencyKeyLen {
		return out, false, fmt.Errorf("%w: idempotency key too long", errs.ErrValidation)
	}

	err := store.InTx(ctx, func(ctx context.Context, q repository.Queries) error {
		if key.Key != "" {
			if err := q.LockKey(ctx, accountID, key.Key); err != nil {
				return err
			}
			rec, err := q.GetAuditRecord(ctx, accountID, key.Key)
			switch {
			case err == nil:
				if rec.Operation != op || !bytes.Equal(rec.Fingerprint, key.Fingerprint) {
					return fmt.Errorf("key %q: %w", key.Key, errs.ErrIdempotencyKeyReused)
				}
				replayed = true
				return json.Unmarshal(rec.Response, &out)
			case !errors.Is(err, errs.ErrNotFound):
				return err
			}
		}

		res, err := fn(ctx, q)
		if err != nil {
			return err
		}
		out = res
		if key.Key == "" {
			return nil
		}
		body, err := json.Marshal(res)
		if err != nil {
			return fmt.Errorf("encode %s response: %w", op, err)
		}
		return q.InsertAuditRecord(ctx, &model.AuditRecord{
			Key:         key.Key,
			AccountID:   accountID,
			Operation:   op,
			Fingerprint: key.Fingerprint,
			Response:    body,
			CreatedAt:   clock(),
		})
	})
	if err != nil {
		var zero T
		return zero, false, err
	}
	if replayed {
		obs.Replayed(op)
	}
	return out, replayed, nil
}

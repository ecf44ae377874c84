package service

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/and161185/fan-ledger/internal/errs"
	"github.com/and161185/fan-ledger/internal/repository"
)

type counter struct{ N int }

func TestRunIdempotent(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	calls := 0
	fn := func(context.Context, repository.Queries) (counter, error) {
		calls++
		return counter{N: calls}, nil
	}

	t.Run("empty key always runs", func(t *testing.T) {
		for range 2 {
			_, replayed, err := runIdempotent(ctx, e.store, e.clock.Now, e.obs, IdempotencyKey{}, OpGrant, "alice", fn)
			require.NoError(t, err)
			require.False(t, replayed)
		}
		require.Equal(t, 2, calls)
	})

	t.Run("replays stored response", func(t *testing.T) {
		k := key("idem-1")
		first, _, err := runIdempotent(ctx, e.store, e.clock.Now, e.obs, k, OpGrant, "alice", fn)
		require.NoError(t, err)
		second, replayed, err := runIdempotent(ctx, e.store, e.clock.Now, e.obs, k, OpGrant, "alice", fn)
		require.NoError(t, err)
		require.True(t, replayed)
		require.Equal(t, first, second)
		require.Equal(t, 3, calls)
	})

	t.Run("other operation on same key", func(t *testing.T) {
		_, _, err := runIdempotent(ctx, e.store, e.clock.Now, e.obs, key("idem-1"), OpStake, "alice", fn)
		require.ErrorIs(t, err, errs.ErrIdempotencyKeyReused)
	})

	t.Run("same key under another account runs", func(t *testing.T) {
		got, replayed, err := runIdempotent(ctx, e.store, e.clock.Now, e.obs, key("idem-1"), OpGrant, "bob", fn)
		require.NoError(t, err)
		require.False(t, replayed)
		require.Equal(t, 3, got.N)
	})

	t.Run("key too long", func(t *testing.T) {
		_, _, err := runIdempotent(ctx, e.store, e.clock.Now, e.obs, key(strings.Repeat("k", 201)), OpGrant, "alice", fn)
		require.ErrorIs(t, err, errs.ErrValidation)
	})

	t.Run("failure is not recorded", func(t *testing.T) {
		boom := errors.New("boom")
		failing := func(context.Context, repository.Queries) (counter, error) { return counter{}, boom }
		_, _, err := runIdempotent(ctx, e.store, e.clock.Now, e.obs, key("idem-2"), OpGrant, "alice", failing)
		require.ErrorIs(t, err, boom)

		got, replayed, err := runIdempotent(ctx, e.store, e.clock.Now, e.obs, key("idem-2"), OpGrant, "alice", fn)
		require.NoError(t, err)
		require.False(t, replayed)
		require.Equal(t, 5, got.N)
	})
}

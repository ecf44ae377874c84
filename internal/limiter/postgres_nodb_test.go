package limiter

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
)

/************ fake pgx ************/
type fakeRow struct{ scan func(dest ...any) error }

func (r fakeRow) Scan(dest ...any) error { return r.scan(dest...) }

type fakePool struct {
	err   error
	start time.Time
	hits  int

	lastSQL  string
	lastArgs []any
}

func (f *fakePool) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	f.lastSQL = sql
	f.lastArgs = args
	if !strings.Contains(sql, "RETURNING window_start, hits") {
		return fakeRow{scan: func(dest ...any) error { return errors.New("unexpected query") }}
	}
	return fakeRow{scan: func(dest ...any) error {
		if f.err != nil {
			return f.err
		}
		*(dest[0].(*time.Time)) = f.start
		*(dest[1].(*int)) = f.hits
		return nil
	}}
}

var base = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newTestPG(fp *fakePool, window time.Duration, max int) *PG {
	l := NewPGWithQuerier(fp, window, max)
	l.now = func() time.Time { return base }
	return l
}

func TestAllow_WithinLimit(t *testing.T) {
	fp := &fakePool{start: base, hits: 3}
	l := newTestPG(fp, time.Minute, 3)

	ok, dur, err := l.Allow(context.Background(), "alice", "join")
	if err != nil || !ok || dur != 0 {
		t.Fatalf("Allow within limit: ok=%v dur=%v err=%v", ok, dur, err)
	}
	if fp.lastArgs[0] != "alice" || fp.lastArgs[1] != "join" || fp.lastArgs[3] != time.Minute {
		t.Fatalf("unexpected args: %v", fp.lastArgs)
	}
	if !strings.Contains(fp.lastSQL, "INSERT INTO rate_limits") {
		t.Fatalf("unexpected sql: %s", fp.lastSQL)
	}
}

func TestAllow_OverLimit_ReportsRetry(t *testing.T) {
	fp := &fakePool{start: base.Add(-20 * time.Second), hits: 4}
	l := newTestPG(fp, time.Minute, 3)

	ok, dur, err := l.Allow(context.Background(), "alice", "join")
	if err != nil || ok || dur != 40*time.Second {
		t.Fatalf("Allow over limit: ok=%v dur=%v err=%v", ok, dur, err)
	}
}

func TestAllow_StaleWindow_NoNegativeRetry(t *testing.T) {
	fp := &fakePool{start: base.Add(-2 * time.Minute), hits: 9}
	l := newTestPG(fp, time.Minute, 3)

	ok, dur, err := l.Allow(context.Background(), "alice", "join")
	if err != nil || ok || dur != 0 {
		t.Fatalf("Allow stale: ok=%v dur=%v err=%v", ok, dur, err)
	}
}

func TestAllow_DBError_Propagates(t *testing.T) {
	fp := &fakePool{err: errors.New("db boom")}
	l := newTestPG(fp, time.Minute, 3)

	ok, _, err := l.Allow(context.Background(), "alice", "join")
	if err == nil || ok {
		t.Fatalf("want error propagate, got ok=%v err=%v", ok, err)
	}
}

func TestNop_AlwaysAllows(t *testing.T) {
	var l Limiter = Nop{}
	for i := 0; i < 100; i++ {
		ok, _, err := l.Allow(context.Background(), "alice", "join")
		if err != nil || !ok {
			t.Fatalf("nop refused: ok=%v err=%v", ok, err)
		}
	}
}

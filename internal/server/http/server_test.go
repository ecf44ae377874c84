package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/fan-ledger/internal/convert"
	"github.com/and161185/fan-ledger/internal/errs"
	"github.com/and161185/fan-ledger/internal/limiter"
	"github.com/and161185/fan-ledger/internal/metrics"
	"github.com/and161185/fan-ledger/internal/model"
	"github.com/and161185/fan-ledger/internal/repository/memstore"
	"github.com/and161185/fan-ledger/internal/service"
	"github.com/and161185/fan-ledger/internal/tier"
)

type harness struct {
	t       *testing.T
	handler http.Handler
	tokens  *service.TokenServiceImpl
}

func newHarness(t *testing.T, lim limiter.Limiter) *harness {
	t.Helper()
	log := zaptest.NewLogger(t)
	store := memstore.New()
	reg := metrics.New()
	tokens := service.NewTokenService([]byte("test-secret"), time.Hour, "fan-ledger")
	srv := New(Deps{
		Ledger:     service.NewLedgerService(store, nil, reg),
		Challenges: service.NewChallengeService(store, nil, reg, nil, log),
		Rewards:    service.NewRewardIssuer(store, nil, reg),
		Staking:    service.NewStakingService(store, tier.Default(), 0, nil, reg),
		Posts:      service.NewPostService(store, nil, reg),
		Tokens:     tokens,
		Limiter:    lim,
		Metrics:    reg,
		Ping:       func(context.Context) error { return nil },
		Log:        log,
	})
	return &harness{t: t, handler: srv.Handler(), tokens: tokens}
}

func (h *harness) token(sub string, role service.Role) string {
	h.t.Helper()
	tok, _, err := h.tokens.Issue(sub, role)
	require.NoError(h.t, err)
	return tok
}

// do performs a request and decodes a JSON response into out when non-nil.
func (h *harness) do(method, path, tok, key string, body, out any) *httptest.ResponseRecorder {
	h.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(h.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	if key != "" {
		req.Header.Set(HeaderIdempotencyKey, key)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	if out != nil {
		require.NoError(h.t, json.Unmarshal(rec.Body.Bytes(), out), rec.Body.String())
	}
	return rec
}

func (h *harness) errorOf(rec *httptest.ResponseRecorder) convert.ErrorBody {
	h.t.Helper()
	var b convert.ErrorBody
	require.NoError(h.t, json.Unmarshal(rec.Body.Bytes(), &b), rec.Body.String())
	return b
}

func int64p(v int64) *int64 { return &v }

func challengeBody(fee int64) convert.ChallengeRequest {
	now := time.Now().UTC()
	return convert.ChallengeRequest{
		Title:      "Run Streak",
		EntryFee:   fee,
		Milestones: []convert.MilestoneRequest{{Threshold: 7, Reward: 50}, {Threshold: 14, Reward: 100}},
		StartsAt:   now.Add(-time.Hour),
		EndsAt:     now.Add(14 * 24 * time.Hour),
	}
}

func TestHealthAndAuth(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(http.MethodGet, "/healthz", "", "", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(http.MethodGet, "/accounts/me", "", "", nil, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, errs.KindUnauthorized, h.errorOf(rec).Kind)

	rec = h.do(http.MethodGet, "/accounts/me", "not-a-jwt", "", nil, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	var a model.Account
	rec = h.do(http.MethodGet, "/accounts/me", h.token("alice", service.RoleMember), "", nil, &a)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "alice", a.ID)

	rec = h.do(http.MethodGet, "/nowhere", "", "", nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(http.MethodGet, "/metrics", "", "", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestChallengeFlow(t *testing.T) {
	h := newHarness(t, nil)
	admin := h.token("ops", service.RoleAdmin)
	coach := h.token("coach", service.RoleCreator)
	alice := h.token("alice", service.RoleMember)

	rec := h.do(http.MethodPost, "/admin/grants", alice, "g-0", convert.GrantRequest{AccountID: "alice", Amount: 100}, nil)
	require.Equal(t, http.StatusForbidden, rec.Code, "members cannot grant")
	rec = h.do(http.MethodPost, "/admin/grants", admin, "g-1", convert.GrantRequest{AccountID: "alice", Amount: 100}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(http.MethodPost, "/challenges", alice, "", challengeBody(30), nil)
	require.Equal(t, http.StatusForbidden, rec.Code, "members cannot create challenges")

	var c model.Challenge
	rec = h.do(http.MethodPost, "/challenges", coach, "", challengeBody(30), &c)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, model.StatusDraft, c.Status)
	base := "/challenges/" + c.ID.String()

	rec = h.do(http.MethodPost, base+"/publish", alice, "", nil, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	rec = h.do(http.MethodPost, base+"/publish", coach, "", nil, &c)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, model.StatusActive, c.Status)

	rec = h.do(http.MethodPost, base+"/join", alice, "", nil, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code, "idempotency key required")
	rec = h.do(http.MethodPost, base+"/join", alice, "j-1", convert.AccountRequest{AccountID: "bob"}, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	var p1, p2 model.Participation
	rec = h.do(http.MethodPost, base+"/join", alice, "j-1", nil, &p1)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, rec.Header().Get(HeaderReplay))
	rec = h.do(http.MethodPost, base+"/join", alice, "j-1", nil, &p2)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "true", rec.Header().Get(HeaderReplay))
	require.Equal(t, p1.JoinedAt, p2.JoinedAt)

	rec = h.do(http.MethodPost, base+"/progress", alice, "j-1", convert.ProgressRequest{NewProgress: int64p(7)}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "IdempotencyKeyReused", h.errorOf(rec).Code)

	var rep model.ProgressReport
	rec = h.do(http.MethodPost, base+"/progress", alice, "", convert.ProgressRequest{NewProgress: int64p(7), IdempotencyKey: "p-1"}, &rep)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, int64(50), rep.Credited)

	rec = h.do(http.MethodPost, base+"/progress", alice, "p-2", convert.ProgressRequest{NewProgress: int64p(3)}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "InvalidProgress", h.errorOf(rec).Code)

	var a model.Account
	h.do(http.MethodGet, "/accounts/me", alice, "", nil, &a)
	require.Equal(t, int64(120), a.Balance)

	var entries []model.LedgerEntry
	rec = h.do(http.MethodGet, "/accounts/me/entries?limit=1", alice, "", nil, &entries)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, entries, 1)
	require.Equal(t, model.ReasonReward, entries[0].Reason)

	var rows []model.LeaderboardRow
	rec = h.do(http.MethodGet, base+"/leaderboard", alice, "", nil, &rows)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, rows, 1)

	var set model.Settlement
	rec = h.do(http.MethodPost, base+"/close", coach, "", nil, &set)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, model.FeesToPool, set.FeeDisposition)
	require.Equal(t, model.StatusEnded, set.Challenge.Status)

	rec = h.do(http.MethodPost, base+"/close", admin, "", nil, nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = h.do(http.MethodGet, "/challenges/not-a-uuid", alice, "", nil, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

// published creates and publishes a free challenge owned by coach.
func (h *harness) published(coach, title, category string) model.Challenge {
	h.t.Helper()
	body := challengeBody(0)
	body.Title, body.Category = title, category
	var c model.Challenge
	rec := h.do(http.MethodPost, "/challenges", coach, "", body, &c)
	require.Equal(h.t, http.StatusCreated, rec.Code)
	rec = h.do(http.MethodPost, "/challenges/"+c.ID.String()+"/publish", coach, "", nil, &c)
	require.Equal(h.t, http.StatusOK, rec.Code)
	return c
}

func TestJoin_SameKeyDifferentAccounts(t *testing.T) {
	h := newHarness(t, nil)
	coach := h.token("coach", service.RoleCreator)
	c := h.published(coach, "Run Streak", "running")
	base := "/challenges/" + c.ID.String()

	for _, who := range []string{"alice", "bob"} {
		var p model.Participation
		rec := h.do(http.MethodPost, base+"/join", h.token(who, service.RoleMember), "retry-1", nil, &p)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		require.Empty(t, rec.Header().Get(HeaderReplay))
		require.Equal(t, who, p.AccountID)
	}

	var got model.Challenge
	h.do(http.MethodGet, base, coach, "", nil, &got)
	require.Equal(t, int64(2), got.Participants)
}

func TestProgress_MissingValue(t *testing.T) {
	h := newHarness(t, nil)
	coach := h.token("coach", service.RoleCreator)
	alice := h.token("alice", service.RoleMember)
	c := h.published(coach, "Run Streak", "running")
	base := "/challenges/" + c.ID.String()
	h.do(http.MethodPost, base+"/join", alice, "j-1", nil, nil)

	rec := h.do(http.MethodPost, base+"/progress", alice, "p-1", map[string]any{}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "ValidationError", h.errorOf(rec).Code)

	var rep model.ProgressReport
	rec = h.do(http.MethodPost, base+"/progress", alice, "p-1", convert.ProgressRequest{NewProgress: int64p(0)}, &rep)
	require.Equal(t, http.StatusOK, rec.Code, "the failed attempt left the key unused")
	require.Equal(t, int64(0), rep.Participation.Progress)
}

func TestDiscovery(t *testing.T) {
	h := newHarness(t, nil)
	coach := h.token("coach", service.RoleCreator)
	alice := h.token("alice", service.RoleMember)
	run := h.published(coach, "Run Streak", "running")
	read := h.published(coach, "Read More", "reading")

	var list []model.Challenge
	rec := h.do(http.MethodGet, "/challenges?category=reading", alice, "", nil, &list)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, list, 1)
	require.Equal(t, read.ID, list[0].ID)
	h.do(http.MethodGet, "/challenges?status=active&q=streak", alice, "", nil, &list)
	require.Len(t, list, 1)
	require.Equal(t, run.ID, list[0].ID)

	h.do(http.MethodPost, "/challenges/"+run.ID.String()+"/join", alice, "j-1", nil, nil)
	h.do(http.MethodPost, "/challenges/"+run.ID.String()+"/progress", alice, "p-1", convert.ProgressRequest{NewProgress: int64p(7)}, nil)

	var parts []model.Participation
	rec = h.do(http.MethodGet, "/accounts/me/participations", alice, "", nil, &parts)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, parts, 1)
	require.Equal(t, run.ID, parts[0].ChallengeID)
	require.Equal(t, int64(7), parts[0].Progress)

	var rows []model.RankRow
	rec = h.do(http.MethodGet, "/leaderboard?window=week&category=running", alice, "", nil, &rows)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []model.RankRow{{Rank: 1, AccountID: "alice", Earned: 50, Rewards: 1}}, rows)
	h.do(http.MethodGet, "/leaderboard?category=reading", alice, "", nil, &rows)
	require.Empty(t, rows)

	rec = h.do(http.MethodGet, "/leaderboard?since=yesterday", alice, "", nil, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	rec = h.do(http.MethodGet, "/leaderboard?window=year", alice, "", nil, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminIssueReward(t *testing.T) {
	h := newHarness(t, nil)
	admin := h.token("ops", service.RoleAdmin)
	coach := h.token("coach", service.RoleCreator)
	alice := h.token("alice", service.RoleMember)
	c := h.published(coach, "Run Streak", "running")
	base := "/challenges/" + c.ID.String()
	path := "/admin" + base + "/rewards"
	req := convert.RewardRequest{AccountID: "alice", MilestoneID: 1}

	rec := h.do(http.MethodPost, path, alice, "", req, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.do(http.MethodPost, path, admin, "", req, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "NotParticipant", h.errorOf(rec).Code)

	h.do(http.MethodPost, base+"/join", alice, "j-1", nil, nil)
	rec = h.do(http.MethodPost, path, admin, "", req, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "InvalidProgress", h.errorOf(rec).Code)

	h.do(http.MethodPost, base+"/progress", alice, "p-1", convert.ProgressRequest{NewProgress: int64p(7)}, nil)
	rec = h.do(http.MethodPost, path, admin, "", req, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "AlreadyIssued", h.errorOf(rec).Code)

	var a model.Account
	h.do(http.MethodGet, "/accounts/me", alice, "", nil, &a)
	require.Equal(t, int64(50), a.Balance)
}

func TestJoin_InsufficientBalance(t *testing.T) {
	h := newHarness(t, nil)
	coach := h.token("coach", service.RoleCreator)
	alice := h.token("alice", service.RoleMember)

	var c model.Challenge
	h.do(http.MethodPost, "/challenges", coach, "", challengeBody(100), &c)
	h.do(http.MethodPost, "/challenges/"+c.ID.String()+"/publish", coach, "", nil, nil)

	rec := h.do(http.MethodPost, "/challenges/"+c.ID.String()+"/join", alice, "j-1", nil, nil)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	b := h.errorOf(rec)
	require.Equal(t, errs.KindResourceExhausted, b.Kind)
	require.Equal(t, "InsufficientBalance", b.Code)
}

func TestStakingAndGatedPosts(t *testing.T) {
	h := newHarness(t, nil)
	admin := h.token("ops", service.RoleAdmin)
	coach := h.token("coach", service.RoleCreator)
	alice := h.token("alice", service.RoleMember)

	rec := h.do(http.MethodPost, "/posts", alice, "x-1", convert.PostRequest{Body: "hi", RequiredTier: "gold"}, nil)
	require.Equal(t, http.StatusForbidden, rec.Code, "members cannot gate posts")

	var gated model.Post
	rec = h.do(http.MethodPost, "/posts", coach, "post-1", convert.PostRequest{Body: "gold only", RequiredTier: "gold"}, &gated)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = h.do(http.MethodGet, "/posts/"+gated.ID.String(), alice, "", nil, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.NotContains(t, rec.Body.String(), "gold only")

	var feed []model.Post
	h.do(http.MethodGet, "/posts", alice, "", nil, &feed)
	require.Empty(t, feed)

	h.do(http.MethodPost, "/admin/grants", admin, "g-1", convert.GrantRequest{AccountID: "alice", Amount: 1000}, nil)
	rec = h.do(http.MethodPost, "/stake", alice, "s-1", convert.StakeRequest{Amount: 1000, TargetTier: "diamond"}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var a model.Account
	rec = h.do(http.MethodPost, "/stake", alice, "s-2", convert.StakeRequest{Amount: 1000, TargetTier: "bronze"}, &a)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, model.TierGold, a.Tier)

	var got model.Post
	rec = h.do(http.MethodGet, "/posts/"+gated.ID.String(), alice, "", nil, &got)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "gold only", got.Body)

	var liked model.Post
	h.do(http.MethodPost, "/posts/"+gated.ID.String()+"/like", alice, "l-1", nil, &liked)
	h.do(http.MethodPost, "/posts/"+gated.ID.String()+"/like", alice, "l-2", nil, &liked)
	require.Equal(t, int64(1), liked.Likes)

	rec = h.do(http.MethodPost, "/posts/"+gated.ID.String()+"/comments", alice, "c-1", convert.CommentRequest{Body: "nice"}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = h.do(http.MethodPost, "/accrue", alice, "a-1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(http.MethodPost, "/withdraw", alice, "w-1", nil, &a)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, model.TierNone, a.Tier)
	rec = h.do(http.MethodPost, "/withdraw", alice, "w-2", nil, nil)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.Equal(t, "NothingStaked", h.errorOf(rec).Code)

	var levels []tier.Level
	h.do(http.MethodGet, "/tiers", alice, "", nil, &levels)
	require.Len(t, levels, 4)
}

type denyLimiter struct{ calls int }

func (d *denyLimiter) Allow(context.Context, string, string) (bool, time.Duration, error) {
	d.calls++
	return false, 1500 * time.Millisecond, nil
}

func TestRateLimit(t *testing.T) {
	lim := &denyLimiter{}
	h := newHarness(t, lim)
	alice := h.token("alice", service.RoleMember)

	rec := h.do(http.MethodGet, "/accounts/me", alice, "", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, "reads are not limited")

	rec = h.do(http.MethodPost, "/withdraw", alice, "w-1", nil, nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "2", rec.Header().Get("Retry-After"))
	require.Equal(t, errs.KindRateLimited, h.errorOf(rec).Kind)
	require.Equal(t, 1, lim.calls)
}

// budgetLimiter allows the first n writes and denies the rest.
type budgetLimiter struct{ n, calls int }

func (b *budgetLimiter) Allow(context.Context, string, string) (bool, time.Duration, error) {
	b.calls++
	return b.calls <= b.n, time.Second, nil
}

func TestRateLimit_ReplayIsFree(t *testing.T) {
	lim := &budgetLimiter{n: 3}
	h := newHarness(t, lim)
	coach := h.token("coach", service.RoleCreator)
	alice := h.token("alice", service.RoleMember)
	c := h.published(coach, "Run Streak", "running")
	base := "/challenges/" + c.ID.String()

	rec := h.do(http.MethodPost, base+"/join", alice, "j-1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 3, lim.calls)

	rec = h.do(http.MethodPost, base+"/join", alice, "j-1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "true", rec.Header().Get(HeaderReplay))
	require.Equal(t, 3, lim.calls, "replays are not counted")

	rec = h.do(http.MethodPost, base+"/progress", alice, "p-1", convert.ProgressRequest{NewProgress: int64p(1)}, nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, 4, lim.calls)
}

func TestStatusFor(t *testing.T) {
	cases := map[errs.Kind]int{
		errs.KindValidation:        http.StatusBadRequest,
		errs.KindAccessDenied:      http.StatusForbidden,
		errs.KindUnauthorized:      http.StatusUnauthorized,
		errs.KindNotFound:          http.StatusNotFound,
		errs.KindStateConflict:     http.StatusConflict,
		errs.KindResourceExhausted: http.StatusUnprocessableEntity,
		errs.KindRateLimited:       http.StatusTooManyRequests,
		errs.KindTimeout:           http.StatusGatewayTimeout,
		errs.KindUnavailable:       http.StatusServiceUnavailable,
		errs.KindInternal:          http.StatusInternalServerError,
	}
	for k, want := range cases {
		require.Equal(t, want, StatusFor(k), string(k))
	}
}

func TestRecover(t *testing.T) {
	h := Recover(zaptest.NewLogger(t))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("oh no")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

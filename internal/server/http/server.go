// Package httpserver exposes the ledger services over HTTP/JSON.
package httpserver

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/and161185/fan-ledger/internal/errs"
	"github.com/and161185/fan-ledger/internal/limiter"
	"github.com/and161185/fan-ledger/internal/metrics"
	"github.com/and161185/fan-ledger/internal/service"
)

// Deps are the collaborators of the gateway. Rewards, Limiter, Metrics and Ping are optional.
type Deps struct {
	Ledger     service.LedgerService
	Challenges service.ChallengeService
	Rewards    service.RewardIssuer
	Staking    service.StakingService
	Posts      service.PostService
	Tokens     service.TokenService
	Limiter    limiter.Limiter
	Metrics    *metrics.Registry
	Ping       func(ctx context.Context) error
	Log        *zap.Logger
}

// Server wires services into HTTP handlers.
type Server struct {
	ledger     service.LedgerService
	challenges service.ChallengeService
	rewards    service.RewardIssuer
	staking    service.StakingService
	posts      service.PostService
	tokens     service.TokenService
	limiter    limiter.Limiter
	metrics    *metrics.Registry
	ping       func(ctx context.Context) error
	log        *zap.Logger
}

// New constructs the gateway.
func New(d Deps) *Server {
	s := &Server{
		ledger:     d.Ledger,
		challenges: d.Challenges,
		rewards:    d.Rewards,
		staking:    d.Staking,
		posts:      d.Posts,
		tokens:     d.Tokens,
		limiter:    d.Limiter,
		metrics:    d.Metrics,
		ping:       d.Ping,
		log:        d.Log,
	}
	if s.limiter == nil {
		s.limiter = limiter.Nop{}
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	return s
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(Logging(s.log))
	if s.metrics != nil {
		r.Use(s.metrics.Middleware)
		r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	api := r.NewRoute().Subrouter()
	var recorded RecordedFunc
	if s.ledger != nil {
		recorded = s.ledger.Recorded
	}
	api.Use(s.Auth, RateLimit(s.limiter, recorded, s.log))

	api.HandleFunc("/challenges", requireRole(service.Role.CanCreate, s.handleCreateChallenge)).Methods(http.MethodPost)
	api.HandleFunc("/challenges", s.handleListChallenges).Methods(http.MethodGet)
	api.HandleFunc("/challenges/{id}", s.handleGetChallenge).Methods(http.MethodGet)
	api.HandleFunc("/challenges/{id}/publish", s.handlePublish).Methods(http.MethodPost)
	api.HandleFunc("/challenges/{id}/close", s.handleClose).Methods(http.MethodPost)
	api.HandleFunc("/challenges/{id}/join", s.handleJoin).Methods(http.MethodPost)
	api.HandleFunc("/challenges/{id}/progress", s.handleProgress).Methods(http.MethodPost)
	api.HandleFunc("/challenges/{id}/leaderboard", s.handleLeaderboard).Methods(http.MethodGet)
	api.HandleFunc("/leaderboard", s.handleRank).Methods(http.MethodGet)

	api.HandleFunc("/accounts/me", s.handleMe).Methods(http.MethodGet)
	api.HandleFunc("/accounts/me/entries", s.handleEntries).Methods(http.MethodGet)
	api.HandleFunc("/accounts/me/participations", s.handleParticipations).Methods(http.MethodGet)
	api.HandleFunc("/stake", s.handleStake).Methods(http.MethodPost)
	api.HandleFunc("/withdraw", s.handleWithdraw).Methods(http.MethodPost)
	api.HandleFunc("/accrue", s.handleAccrue).Methods(http.MethodPost)
	api.HandleFunc("/tiers", s.handleTiers).Methods(http.MethodGet)

	api.HandleFunc("/posts", s.handleCreatePost).Methods(http.MethodPost)
	api.HandleFunc("/posts", s.handleListPosts).Methods(http.MethodGet)
	api.HandleFunc("/posts/{id}", s.handleGetPost).Methods(http.MethodGet)
	api.HandleFunc("/posts/{id}/like", s.handleLike).Methods(http.MethodPost)
	api.HandleFunc("/posts/{id}/comments", s.handleComment).Methods(http.MethodPost)

	api.HandleFunc("/admin/grants", requireRole(isAdmin, s.handleGrant)).Methods(http.MethodPost)
	if s.rewards != nil {
		api.HandleFunc("/admin/challenges/{id}/rewards", requireRole(isAdmin, s.handleIssueReward)).Methods(http.MethodPost)
	}

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusNotFound, errorBody(fmt.Errorf("%w: no route for %s", errs.ErrNotFound, req.URL.Path)))
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, errorBody(fmt.Errorf("%w: method %s not allowed", errs.ErrValidation, req.Method)))
	})
	return Recover(s.log)(r)
}

func isAdmin(r service.Role) bool { return r == service.RoleAdmin }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.ping != nil {
		if err := s.ping(r.Context()); err != nil {
			s.log.Warn("health check", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

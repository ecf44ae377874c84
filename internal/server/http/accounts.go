package httpserver

import (
	"net/http"

	"github.com/and161185/fan-ledger/internal/convert"
	"github.com/and161185/fan-ledger/internal/service"
)

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFromCtx(r.Context())
	a, err := s.ledger.GetAccount(r.Context(), p.AccountID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleEntries(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFromCtx(r.Context())
	limit, err := queryLimit(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	es, err := s.ledger.Entries(r.Context(), p.AccountID, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, es)
}

func (s *Server) handleParticipations(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFromCtx(r.Context())
	ps, err := s.challenges.Participations(r.Context(), p.AccountID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ps)
}

func (s *Server) handleStake(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFromCtx(r.Context())
	var req convert.StakeRequest
	if err := convert.Decode(r.Body, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	acct, err := actingAccount(p, req.AccountID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	target, err := convert.ParseTier(req.TargetTier)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	key, err := idempotencyKey(r, &req.IdempotencyKey, service.OpStake, "", &req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	a, replayed, err := s.staking.Stake(r.Context(), key, acct, req.Amount, target)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeResult(w, http.StatusOK, a, replayed)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFromCtx(r.Context())
	var req convert.AccountRequest
	if err := convert.DecodeOptional(r.Body, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	acct, err := actingAccount(p, req.AccountID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	key, err := idempotencyKey(r, &req.IdempotencyKey, service.OpWithdraw, "", &req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	a, replayed, err := s.staking.Withdraw(r.Context(), key, acct)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeResult(w, http.StatusOK, a, replayed)
}

func (s *Server) handleAccrue(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFromCtx(r.Context())
	var req convert.AccountRequest
	if err := convert.DecodeOptional(r.Body, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	acct, err := actingAccount(p, req.AccountID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	key, err := idempotencyKey(r, &req.IdempotencyKey, service.OpAccrue, "", &req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, replayed, err := s.staking.AccrueRewards(r.Context(), key, acct)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeResult(w, http.StatusOK, res, replayed)
}

func (s *Server) handleTiers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.staking.Tiers())
}

func (s *Server) handleGrant(w http.ResponseWriter, r *http.Request) {
	var req convert.GrantRequest
	if err := convert.Decode(r.Body, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	key, err := idempotencyKey(r, &req.IdempotencyKey, service.OpGrant, "", &req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	a, replayed, err := s.ledger.Grant(r.Context(), key, req.AccountID, req.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeResult(w, http.StatusOK, a, replayed)
}

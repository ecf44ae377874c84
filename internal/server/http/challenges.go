package httpserver

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/fan-ledger/internal/convert"
	"github.com/and161185/fan-ledger/internal/errs"
	"github.com/and161185/fan-ledger/internal/model"
	"github.com/and161185/fan-ledger/internal/service"
)

func (s *Server) handleCreateChallenge(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFromCtx(r.Context())
	var req convert.ChallengeRequest
	if err := convert.Decode(r.Body, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	c, err := s.challenges.Create(r.Context(), p.AccountID, req.ToSpec())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) handleListChallenges(w http.ResponseWriter, r *http.Request) {
	qv := r.URL.Query()
	cs, err := s.challenges.List(r.Context(), model.ChallengeFilter{
		Status:   model.ChallengeStatus(qv.Get("status")),
		Category: qv.Get("category"),
		Search:   qv.Get("q"),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cs)
}

func (s *Server) handleGetChallenge(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	c, err := s.challenges.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// requireOwner allows the challenge creator and admins.
func (s *Server) requireOwner(ctx context.Context, p Principal, id uuid.UUID) error {
	c, err := s.challenges.Get(ctx, id)
	if err != nil {
		return err
	}
	if c.CreatorID != p.AccountID && !p.IsAdmin() {
		return fmt.Errorf("%w: only the creator or an admin may manage challenge %s", errs.ErrAccessDenied, id)
	}
	return nil
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFromCtx(r.Context())
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.requireOwner(r.Context(), p, id); err != nil {
		s.writeError(w, r, err)
		return
	}
	c, err := s.challenges.Publish(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFromCtx(r.Context())
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.requireOwner(r.Context(), p, id); err != nil {
		s.writeError(w, r, err)
		return
	}
	set, err := s.challenges.Close(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, set)
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFromCtx(r.Context())
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
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
	key, err := idempotencyKey(r, &req.IdempotencyKey, service.OpJoin, id.String(), &req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	part, replayed, err := s.challenges.Join(r.Context(), key, acct, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeResult(w, http.StatusOK, part, replayed)
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFromCtx(r.Context())
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req convert.ProgressRequest
	if err := convert.Decode(r.Body, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	value, err := req.Progress()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	acct, err := actingAccount(p, req.AccountID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	key, err := idempotencyKey(r, &req.IdempotencyKey, service.OpProgress, id.String(), &req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rep, replayed, err := s.challenges.ReportProgress(r.Context(), key, acct, id, value)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeResult(w, http.StatusOK, rep, replayed)
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	limit, err := queryLimit(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rows, err := s.challenges.Leaderboard(r.Context(), id, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleRank(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	qv := r.URL.Query()
	f := model.RankFilter{
		Category: qv.Get("category"),
		Window:   model.RankWindow(qv.Get("window")),
		Limit:    limit,
	}
	if v := qv.Get("since"); v != "" {
		if f.Since, err = time.Parse(time.RFC3339, v); err != nil {
			s.writeError(w, r, fmt.Errorf("%w: since must be RFC3339", errs.ErrValidation))
			return
		}
	}
	rows, err := s.challenges.Rank(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

// handleIssueReward pays a milestone the participant reached but was never credited for.
func (s *Server) handleIssueReward(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req convert.RewardRequest
	if err := convert.Decode(r.Body, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	out, err := s.rewards.IssueMilestoneReward(r.Context(), req.AccountID, id, req.MilestoneID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

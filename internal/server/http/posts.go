package httpserver

import (
	"fmt"
	"net/http"

	"github.com/and161185/fan-ledger/internal/convert"
	"github.com/and161185/fan-ledger/internal/errs"
	"github.com/and161185/fan-ledger/internal/model"
	"github.com/and161185/fan-ledger/internal/service"
)

func (s *Server) handleCreatePost(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFromCtx(r.Context())
	var req convert.PostRequest
	if err := convert.Decode(r.Body, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	required, err := convert.ParseTier(req.RequiredTier)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if required != model.TierNone && !p.Role.CanCreate() {
		s.writeError(w, r, fmt.Errorf("%w: only creators may publish gated posts", errs.ErrAccessDenied))
		return
	}
	key, err := idempotencyKey(r, &req.IdempotencyKey, service.OpPost, "", &req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	post, replayed, err := s.posts.Create(r.Context(), key, p.AccountID, req.Body, req.Link, required)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeResult(w, http.StatusCreated, post, replayed)
}

func (s *Server) handleListPosts(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFromCtx(r.Context())
	limit, err := queryLimit(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ps, err := s.posts.List(r.Context(), p.AccountID, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ps)
}

func (s *Server) handleGetPost(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFromCtx(r.Context())
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	post, err := s.posts.Get(r.Context(), p.AccountID, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, post)
}

func (s *Server) handleLike(w http.ResponseWriter, r *http.Request) {
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
	if _, err := actingAccount(p, req.AccountID); err != nil {
		s.writeError(w, r, err)
		return
	}
	key, err := idempotencyKey(r, &req.IdempotencyKey, service.OpLike, id.String(), &req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	post, replayed, err := s.posts.Like(r.Context(), key, p.AccountID, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeResult(w, http.StatusOK, post, replayed)
}

func (s *Server) handleComment(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFromCtx(r.Context())
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req convert.CommentRequest
	if err := convert.Decode(r.Body, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	key, err := idempotencyKey(r, &req.IdempotencyKey, service.OpComment, id.String(), &req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	c, replayed, err := s.posts.Comment(r.Context(), key, p.AccountID, id, req.Body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeResult(w, http.StatusCreated, c, replayed)
}

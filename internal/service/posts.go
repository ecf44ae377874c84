package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/fan-ledger/internal/errs"
	"github.com/and161185/fan-ledger/internal/model"
	"github.com/and161185/fan-ledger/internal/repository"
)

// PostService manages community posts gated by staking tier.
type PostService interface {
	// Create publishes a post visible to accounts at or above required.
	Create(ctx context.Context, key IdempotencyKey, authorID, body, link string, required model.Tier) (model.Post, bool, error)
	// Get returns the post if viewerID may see it, else errs.ErrAccessDenied.
	Get(ctx context.Context, viewerID string, id uuid.UUID) (model.Post, error)
	// List returns the posts visible to viewerID, newest first.
	List(ctx context.Context, viewerID string, limit int) ([]model.Post, error)
	// Like counts the viewer's like once; repeated likes return the post unchanged.
	Like(ctx context.Context, key IdempotencyKey, viewerID string, id uuid.UUID) (model.Post, bool, error)
	Comment(ctx context.Context, key IdempotencyKey, viewerID string, id uuid.UUID, body string) (model.Comment, bool, error)
}

const (
	maxPostLen    = 5000
	maxCommentLen = 2000
	maxLinkLen    = 2048
)

type PostServiceImpl struct {
	store repository.Store
	now   Clock
	obs   Observer
}

// NewPostService constructs a PostService.
func NewPostService(store repository.Store, clock Clock, obs Observer) *PostServiceImpl {
	return &PostServiceImpl{store: store, now: orNow(clock), obs: orNop(obs)}
}

func validateLink(link string) error {
	if link == "" {
		return nil
	}
	if len(link) > maxLinkLen {
		return fmt.Errorf("%w: link too long", errs.ErrValidation)
	}
	u, err := url.Parse(link)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: link must be an absolute http(s) URL", errs.ErrValidation)
	}
	return nil
}

func (s *PostServiceImpl) Create(
	ctx context.Context, key IdempotencyKey, authorID, body, link string, required model.Tier,
) (model.Post, bool, error) {
	if err := validAccountID(authorID); err != nil {
		return model.Post{}, false, err
	}
	body = strings.TrimSpace(body)
	if body == "" || len(body) > maxPostLen {
		return model.Post{}, false, fmt.Errorf("%w: body must be 1..%d chars", errs.ErrValidation, maxPostLen)
	}
	if err := validateLink(link); err != nil {
		return model.Post{}, false, err
	}
	if required == "" {
		required = model.TierNone
	}
	if model.TierRank(required) < 0 {
		return model.Post{}, false, fmt.Errorf("required tier %q: %w", required, errs.ErrInvalidTier)
	}

	return runIdempotent(ctx, s.store, s.now, s.obs, key, OpPost, authorID,
		func(ctx context.Context, q repository.Queries) (model.Post, error) {
			id, err := newID()
			if err != nil {
				return model.Post{}, err
			}
			if err := q.EnsureAccount(ctx, authorID); err != nil {
				return model.Post{}, err
			}
			p := model.Post{
				ID: id, AuthorID: authorID, Body: body, Link: link,
				RequiredTier: required, CreatedAt: s.now().UTC(),
			}
			if err := q.InsertPost(ctx, &p); err != nil {
				return model.Post{}, err
			}
			return p, nil
		})
}

// visible loads a post and checks the viewer's tier against it.
func visible(ctx context.Context, q repository.Queries, viewerID string, id uuid.UUID) (*model.Post, error) {
	p, err := q.GetPost(ctx, id, false)
	if err != nil {
		return nil, err
	}
	if p.AuthorID == viewerID || p.RequiredTier == model.TierNone {
		return p, nil
	}
	if err := q.EnsureAccount(ctx, viewerID); err != nil {
		return nil, err
	}
	a, err := q.GetAccount(ctx, viewerID, false)
	if err != nil {
		return nil, err
	}
	if !model.HasAccess(a.Tier, p.RequiredTier) {
		return nil, fmt.Errorf("post %s requires %s, account is %s: %w", id, p.RequiredTier, a.Tier, errs.ErrAccessDenied)
	}
	return p, nil
}

func (s *PostServiceImpl) Get(ctx context.Context, viewerID string, id uuid.UUID) (model.Post, error) {
	if err := validAccountID(viewerID); err != nil {
		return model.Post{}, err
	}
	var out model.Post
	err := s.store.InTx(ctx, func(ctx context.Context, q repository.Queries) error {
		p, err := visible(ctx, q, viewerID, id)
		if err != nil {
			return err
		}
		out = *p
		return nil
	})
	return out, err
}

func (s *PostServiceImpl) List(ctx context.Context, viewerID string, limit int) ([]model.Post, error) {
	if err := validAccountID(viewerID); err != nil {
		return nil, err
	}
	var out []model.Post
	err := s.store.InTx(ctx, func(ctx context.Context, q repository.Queries) error {
		if err := q.EnsureAccount(ctx, viewerID); err != nil {
			return err
		}
		a, err := q.GetAccount(ctx, viewerID, false)
		if err != nil {
			return err
		}
		out, err = q.ListPosts(ctx, model.TierRank(a.Tier), viewerID, normLimit(limit))
		return err
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []model.Post{}
	}
	return out, nil
}

func (s *PostServiceImpl) Like(ctx context.Context, key IdempotencyKey, viewerID string, id uuid.UUID) (model.Post, bool, error) {
	if err := validAccountID(viewerID); err != nil {
		return model.Post{}, false, err
	}
	return runIdempotent(ctx, s.store, s.now, s.obs, key, OpLike, viewerID,
		func(ctx context.Context, q repository.Queries) (model.Post, error) {
			if _, err := visible(ctx, q, viewerID, id); err != nil {
				return model.Post{}, err
			}
			err := q.InsertLike(ctx, id, viewerID)
			switch {
			case errors.Is(err, errs.ErrAlreadyExists):
			case err != nil:
				return model.Post{}, err
			default:
				if err := q.AddPostCounters(ctx, id, 1, 0); err != nil {
					return model.Post{}, err
				}
			}
			p, err := q.GetPost(ctx, id, false)
			if err != nil {
				return model.Post{}, err
			}
			return *p, nil
		})
}

func (s *PostServiceImpl) Comment(
	ctx context.Context, key IdempotencyKey, viewerID string, id uuid.UUID, body string,
) (model.Comment, bool, error) {
	if err := validAccountID(viewerID); err != nil {
		return model.Comment{}, false, err
	}
	body = strings.TrimSpace(body)
	if body == "" || len(body) > maxCommentLen {
		return model.Comment{}, false, fmt.Errorf("%w: comment must be 1..%d chars", errs.ErrValidation, maxCommentLen)
	}
	return runIdempotent(ctx, s.store, s.now, s.obs, key, OpComment, viewerID,
		func(ctx context.Context, q repository.Queries) (model.Comment, error) {
			if _, err := visible(ctx, q, viewerID, id); err != nil {
				return model.Comment{}, err
			}
			cid, err := newID()
			if err != nil {
				return model.Comment{}, err
			}
			c := model.Comment{ID: cid, PostID: id, AuthorID: viewerID, Body: body, CreatedAt: s.now().UTC()}
			if err := q.InsertComment(ctx, &c); err != nil {
				return model.Comment{}, err
			}
			if err := q.AddPostCounters(ctx, id, 0, 1); err != nil {
				return model.Comment{}, err
			}
			return c, nil
		})
}

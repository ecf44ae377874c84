package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/and161185/fan-ledger/internal/errs"
	"github.com/and161185/fan-ledger/internal/model"
)

const postCols = `id, author_id, body, link, required_tier, likes, comments, created_at`

func scanPost(row pgx.Row, p *model.Post) error {
	var tier string
	if err := row.Scan(&p.ID, &p.AuthorID, &p.Body, &p.Link, &tier, &p.Likes, &p.Comments, &p.CreatedAt); err != nil {
		return err
	}
	p.RequiredTier = model.Tier(tier)
	return nil
}

// InsertPost stores a post. required_rank is denormalized for feed filtering.
func (q *queries) InsertPost(ctx context.Context, p *model.Post) error {
	const sql = `
INSERT INTO posts (id, author_id, body, link, required_tier, required_rank, likes, comments, created_at)
VALUES ($1,$2,$3,$4,$5,$6,0,0,$7)`
	_, err := q.tx.Exec(ctx, sql,
		p.ID, p.AuthorID, p.Body, p.Link, string(p.RequiredTier), model.TierRank(p.RequiredTier), p.CreatedAt)
	return err
}

// GetPost loads a post by id.
func (q *queries) GetPost(ctx context.Context, id uuid.UUID, lock bool) (*model.Post, error) {
	sql := `SELECT ` + postCols + ` FROM posts WHERE id=$1` + forUpdate(lock)
	var p model.Post
	if err := scanPost(q.tx.QueryRow(ctx, sql, id), &p); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("post %s: %w", id, errs.ErrNotFound)
		}
		return nil, err
	}
	return &p, nil
}

// ListPosts returns the feed visible at maxRank plus the caller's own posts.
func (q *queries) ListPosts(ctx context.Context, maxRank int, authorID string, limit int) ([]model.Post, error) {
	const sql = `
SELECT ` + postCols + `
FROM posts
WHERE required_rank <= $1 OR author_id = $2
ORDER BY created_at DESC, id DESC
LIMIT $3`
	rows, err := q.tx.Query(ctx, sql, maxRank, authorID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Post
	for rows.Next() {
		var p model.Post
		if err = scanPost(rows, &p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// InsertLike records a like; a repeated like yields ErrAlreadyExists.
func (q *queries) InsertLike(ctx context.Context, postID uuid.UUID, accountID string) error {
	const sql = `INSERT INTO post_likes (post_id, account_id) VALUES ($1,$2) ON CONFLICT DO NOTHING`
	tag, err := q.tx.Exec(ctx, sql, postID, accountID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("like %s by %s: %w", postID, accountID, errs.ErrAlreadyExists)
	}
	return nil
}

// AddPostCounters increments like and comment counters atomically.
func (q *queries) AddPostCounters(ctx context.Context, postID uuid.UUID, likes, comments int64) error {
	const sql = `UPDATE posts SET likes = likes + $2, comments = comments + $3 WHERE id=$1`
	tag, err := q.tx.Exec(ctx, sql, postID, likes, comments)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("post %s: %w", postID, errs.ErrNotFound)
	}
	return nil
}

// InsertComment stores a comment.
func (q *queries) InsertComment(ctx context.Context, c *model.Comment) error {
	const sql = `INSERT INTO post_comments (id, post_id, author_id, body, created_at) VALUES ($1,$2,$3,$4,$5)`
	_, err := q.tx.Exec(ctx, sql, c.ID, c.PostID, c.AuthorID, c.Body, c.CreatedAt)
	return err
}

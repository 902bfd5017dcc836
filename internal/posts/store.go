package posts

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotFound is returned when no post has the requested id.
	ErrNotFound = errors.New("post not found")

	// ErrImmutable is returned when a user edit targets a published post.
	ErrImmutable = errors.New("post is published and can no longer be edited")
)

// SchemaSQL creates the posts table.
const SchemaSQL = `
CREATE TABLE IF NOT EXISTS posts (
	id              bigserial PRIMARY KEY,
	user_id         bigint NOT NULL,
	content         text NOT NULL DEFAULT '',
	article_url     text NOT NULL DEFAULT '',
	article_title   varchar(64) NOT NULL DEFAULT '',
	media           text NOT NULL DEFAULT '',
	share_at        timestamptz,
	share_requested boolean NOT NULL DEFAULT false,
	status          text NOT NULL DEFAULT 'draft'
		CHECK (status IN ('draft', 'scheduled', 'posted', 'failed')),
	share_start_at  timestamptz,
	share_end_at    timestamptz,
	published_at    timestamptz,
	created_at      timestamptz NOT NULL DEFAULT now(),
	updated_at      timestamptz NOT NULL DEFAULT now(),
	CONSTRAINT posts_published_not_requested CHECK (published_at IS NULL OR NOT share_requested)
);

CREATE INDEX IF NOT EXISTS posts_user_idx ON posts (user_id, created_at);
`

// DBTX is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store persists posts. Every call is atomic on its own.
type Store struct {
	db DBTX
}

func NewStore(db DBTX) *Store {
	return &Store{db: db}
}

// WithTx returns a Store whose calls run inside tx.
func (s *Store) WithTx(tx pgx.Tx) *Store {
	return &Store{db: tx}
}

const postColumns = `id, user_id, content, article_url, article_title, media,
	share_at, share_requested, status, share_start_at, share_end_at, published_at,
	created_at, updated_at`

func scanPost(row pgx.Row) (*Post, error) {
	p := &Post{}
	var status string
	err := row.Scan(
		&p.ID, &p.UserID, &p.Content, &p.ArticleURL, &p.ArticleTitle, &p.Media,
		&p.ShareAt, &p.ShareRequested, &status, &p.ShareStartAt, &p.ShareEndAt, &p.PublishedAt,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.Status = Status(status)
	return p, nil
}

// Create inserts p and returns the stored post.
func (s *Store) Create(ctx context.Context, p *Post) (*Post, error) {
	status := p.Status
	if status == "" {
		status = StatusDraft
	}
	query := `
		INSERT INTO posts (user_id, content, article_url, article_title, media, share_at, share_requested, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING ` + postColumns

	created, err := scanPost(s.db.QueryRow(ctx, query,
		p.UserID, p.Content, p.ArticleURL, p.ArticleTitle, p.Media, p.ShareAt, p.ShareRequested, string(status),
	))
	if err != nil {
		return nil, fmt.Errorf("insert post: %w", err)
	}
	return created, nil
}

// Get returns the post with the given id, or ErrNotFound.
func (s *Store) Get(ctx context.Context, id int64) (*Post, error) {
	p, err := scanPost(s.db.QueryRow(ctx, `SELECT `+postColumns+` FROM posts WHERE id = $1`, id))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("get post %d: %w", id, err)
	}
	return p, err
}

// GetForUpdate is Get with a row lock; use it inside a transaction.
func (s *Store) GetForUpdate(ctx context.Context, id int64) (*Post, error) {
	p, err := scanPost(s.db.QueryRow(ctx, `SELECT `+postColumns+` FROM posts WHERE id = $1 FOR UPDATE`, id))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("get post %d for update: %w", id, err)
	}
	return p, err
}

// ListByUser returns a user's posts, newest first.
func (s *Store) ListByUser(ctx context.Context, userID int64, limit int) ([]*Post, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx,
		`SELECT `+postColumns+` FROM posts WHERE user_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list posts: %w", err)
	}
	defer rows.Close()

	var out []*Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, fmt.Errorf("scan post: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list posts: %w", err)
	}
	return out, nil
}

// Save writes the user-editable fields of p. It fails with ErrImmutable once
// the post has been published.
func (s *Store) Save(ctx context.Context, p *Post) (*Post, error) {
	query := `
		UPDATE posts
		SET content = $2, article_url = $3, article_title = $4, media = $5,
			share_at = $6, share_requested = $7, updated_at = now()
		WHERE id = $1 AND published_at IS NULL
		RETURNING ` + postColumns

	saved, err := scanPost(s.db.QueryRow(ctx, query,
		p.ID, p.Content, p.ArticleURL, p.ArticleTitle, p.Media, p.ShareAt, p.ShareRequested,
	))
	if errors.Is(err, ErrNotFound) {
		if _, getErr := s.Get(ctx, p.ID); getErr != nil {
			return nil, getErr
		}
		return nil, ErrImmutable
	}
	if err != nil {
		return nil, fmt.Errorf("save post %d: %w", p.ID, err)
	}
	return saved, nil
}

// Update applies a partial update and returns the stored post. Audit and
// status fields stay writable after publication.
func (s *Store) Update(ctx context.Context, id int64, c Changes) (*Post, error) {
	if c.Empty() {
		return s.Get(ctx, id)
	}

	sets := []string{"updated_at = now()"}
	args := []any{id}
	add := func(column string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if c.Status != nil {
		add("status", string(*c.Status))
	}
	if c.ShareRequested != nil {
		add("share_requested", *c.ShareRequested)
	}
	if c.ShareStartAt != nil {
		add("share_start_at", *c.ShareStartAt)
	}
	if c.ShareEndAt != nil {
		add("share_end_at", *c.ShareEndAt)
	}
	if c.PublishedAt != nil {
		add("published_at", *c.PublishedAt)
	}

	query := `UPDATE posts SET ` + strings.Join(sets, ", ") + ` WHERE id = $1 RETURNING ` + postColumns
	p, err := scanPost(s.db.QueryRow(ctx, query, args...))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("update post %d: %w", id, err)
	}
	return p, err
}

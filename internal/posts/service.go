package posts

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
)

// Trigger starts the publish workflow for a post inside the caller's
// transaction. It must be a no-op when the post should not publish or a
// workflow for it is already active.
type Trigger interface {
	FireTx(ctx context.Context, tx pgx.Tx, p *Post) (started bool, err error)
}

// Draft is the user-editable part of a post.
type Draft struct {
	UserID       int64      `json:"user_id"`
	Content      string     `json:"content"`
	ArticleURL   string     `json:"article_url"`
	ArticleTitle string     `json:"article_title"`
	Media        string     `json:"media"`
	ShareAt      *time.Time `json:"share_at"`

	ShareRequested bool `json:"share_requested"`
	// ShareNow publishes immediately; it overrides ShareAt.
	ShareNow bool `json:"share_now"`
}

func (d Draft) apply(p *Post) {
	p.Content = d.Content
	p.ArticleURL = d.ArticleURL
	p.ArticleTitle = d.ArticleTitle
	p.Media = d.Media
	p.ShareAt = d.ShareAt
	p.ShareRequested = d.ShareRequested || d.ShareNow
	if d.ShareNow {
		p.ShareAt = nil
	}
}

// Result is a post after a write, plus whether a publish workflow was started.
type Result struct {
	Post            *Post
	WorkflowStarted bool
}

// Service validates post edits, writes them and triggers publishing in one
// transaction, so a post requesting publication always has its workflow.
type Service struct {
	pool    *pgxpool.Pool
	store   *Store
	trigger Trigger
	now     func() time.Time
	log     logrus.FieldLogger
}

func NewService(pool *pgxpool.Pool, trigger Trigger, log logrus.FieldLogger) *Service {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Service{
		pool:    pool,
		store:   NewStore(pool),
		trigger: trigger,
		now:     time.Now,
		log:     log,
	}
}

// Store exposes the underlying entity store for read paths.
func (s *Service) Store() *Store { return s.store }

// Get returns a post by id.
func (s *Service) Get(ctx context.Context, id int64) (*Post, error) {
	return s.store.Get(ctx, id)
}

// List returns a user's posts, newest first.
func (s *Service) List(ctx context.Context, userID int64, limit int) ([]*Post, error) {
	return s.store.ListByUser(ctx, userID, limit)
}

// Create validates and stores a new post, then triggers publishing if requested.
func (s *Service) Create(ctx context.Context, d Draft) (*Result, error) {
	p := &Post{UserID: d.UserID, Status: StatusDraft}
	d.apply(p)
	if err := p.Validate(s.now()); err != nil {
		return nil, err
	}

	return s.inTx(ctx, func(tx pgx.Tx) (*Result, error) {
		created, err := s.store.WithTx(tx).Create(ctx, p)
		if err != nil {
			return nil, err
		}
		return s.fire(ctx, tx, created)
	})
}

// Edit replaces the user-editable fields of a post. Published posts are immutable.
func (s *Service) Edit(ctx context.Context, id int64, d Draft) (*Result, error) {
	return s.inTx(ctx, func(tx pgx.Tx) (*Result, error) {
		store := s.store.WithTx(tx)
		p, err := store.GetForUpdate(ctx, id)
		if err != nil {
			return nil, err
		}
		if p.Published() {
			return nil, ErrImmutable
		}
		d.apply(p)
		if err := p.Validate(s.now()); err != nil {
			return nil, err
		}
		saved, err := store.Save(ctx, p)
		if err != nil {
			return nil, err
		}
		return s.fire(ctx, tx, saved)
	})
}

// RequestShare flags a post for publishing, at its share_at or, with shareNow,
// immediately. A share_at that has already passed is cleared, so a failed
// scheduled post can be re-requested as is. Re-requesting a post whose
// workflow is active is harmless.
func (s *Service) RequestShare(ctx context.Context, id int64, shareNow bool) (*Result, error) {
	return s.inTx(ctx, func(tx pgx.Tx) (*Result, error) {
		store := s.store.WithTx(tx)
		p, err := store.GetForUpdate(ctx, id)
		if err != nil {
			return nil, err
		}
		if p.Published() {
			return nil, ErrAlreadyPublished
		}
		p.ShareRequested = true
		if shareNow || (p.ShareAt != nil && !p.ShareAt.After(s.now())) {
			p.ShareAt = nil
		}
		if err := p.Validate(s.now()); err != nil {
			return nil, err
		}
		saved, err := store.Save(ctx, p)
		if err != nil {
			return nil, err
		}
		return s.fire(ctx, tx, saved)
	})
}

func (s *Service) fire(ctx context.Context, tx pgx.Tx, p *Post) (*Result, error) {
	res := &Result{Post: p}
	if s.trigger == nil || !p.ShouldPublish() {
		return res, nil
	}
	started, err := s.trigger.FireTx(ctx, tx, p)
	if err != nil {
		return nil, fmt.Errorf("trigger publish for post %d: %w", p.ID, err)
	}
	res.WorkflowStarted = started
	s.log.WithFields(logrus.Fields{
		"post_id": p.ID,
		"started": started,
	}).Info("publish requested")
	return res, nil
}

func (s *Service) inTx(ctx context.Context, fn func(tx pgx.Tx) (*Result, error)) (*Result, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	res, err := fn(tx)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return res, nil
}

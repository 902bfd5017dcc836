package posts

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"
)

// Status is the publishing lifecycle state of a post.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusScheduled Status = "scheduled"
	StatusPosted    Status = "posted"
	StatusFailed    Status = "failed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusScheduled, StatusPosted, StatusFailed:
		return true
	}
	return false
}

// Variant is the content shape a post is published as.
type Variant string

const (
	VariantText    Variant = "text"
	VariantArticle Variant = "article"
	VariantMedia   Variant = "media"
)

// MaxArticleTitleLen is the longest article title a post may carry.
const MaxArticleTitleLen = 64

var (
	ErrNoContent          = errors.New("post must have at least text, article, or media")
	ErrConflictingContent = errors.New("post cannot carry both media and an article link")
	ErrShareAtNotFuture   = errors.New("scheduled time must be in the future")
	ErrAlreadyPublished   = errors.New("this post has already been shared")
	ErrArticleTitleLong   = fmt.Errorf("article title cannot be longer than %d characters", MaxArticleTitleLen)
	ErrInvalidArticleURL  = errors.New("article link must be an absolute http(s) URL")
	ErrInvalidStatus      = errors.New("unknown post status")
)

// Post is a schedulable post. It is a plain record; publishing is driven by
// the publish workflow, never by the post itself.
type Post struct {
	ID     int64 `json:"id"`
	UserID int64 `json:"user_id"`

	Content      string `json:"content,omitempty"`
	ArticleURL   string `json:"article_url,omitempty"`
	ArticleTitle string `json:"article_title,omitempty"`
	// Media names an object in the configured media source.
	Media string `json:"media,omitempty"`

	ShareAt        *time.Time `json:"share_at,omitempty"`
	ShareRequested bool       `json:"share_requested"`
	Status         Status     `json:"status"`

	ShareStartAt *time.Time `json:"share_start_at,omitempty"`
	ShareEndAt   *time.Time `json:"share_end_at,omitempty"`
	PublishedAt  *time.Time `json:"published_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Variant returns the content shape, with precedence media > article > text.
func (p *Post) Variant() Variant {
	switch {
	case p.Media != "":
		return VariantMedia
	case p.ArticleURL != "":
		return VariantArticle
	default:
		return VariantText
	}
}

// ShouldPublish reports whether a publish workflow may run for this post.
func (p *Post) ShouldPublish() bool {
	return p.ShareRequested && p.PublishedAt == nil
}

// Published reports whether the post was confirmed published.
func (p *Post) Published() bool {
	return p.PublishedAt != nil
}

// Validate checks the user-editable invariants of the post at time now.
// All violations are reported, joined.
func (p *Post) Validate(now time.Time) error {
	var errs []error

	if strings.TrimSpace(p.Content) == "" && p.ArticleURL == "" && p.Media == "" {
		errs = append(errs, ErrNoContent)
	}
	if p.Media != "" && p.ArticleURL != "" {
		errs = append(errs, ErrConflictingContent)
	}
	if p.ArticleURL != "" {
		u, err := url.Parse(p.ArticleURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, ErrInvalidArticleURL)
		}
	}
	if utf8.RuneCountInString(p.ArticleTitle) > MaxArticleTitleLen {
		errs = append(errs, ErrArticleTitleLong)
	}
	if p.ShareAt != nil && !p.ShareAt.After(now) {
		errs = append(errs, ErrShareAtNotFuture)
	}
	if p.ShareRequested && p.PublishedAt != nil {
		errs = append(errs, ErrAlreadyPublished)
	}
	if p.Status != "" && !p.Status.Valid() {
		errs = append(errs, ErrInvalidStatus)
	}

	return errors.Join(errs...)
}

// Changes is a partial update written by the publish workflow. Nil fields are
// left untouched.
type Changes struct {
	Status         *Status
	ShareRequested *bool
	ShareStartAt   *time.Time
	ShareEndAt     *time.Time
	PublishedAt    *time.Time
}

// Empty reports whether the update changes nothing.
func (c Changes) Empty() bool {
	return c.Status == nil && c.ShareRequested == nil && c.ShareStartAt == nil &&
		c.ShareEndAt == nil && c.PublishedAt == nil
}

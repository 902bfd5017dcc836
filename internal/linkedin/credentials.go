package linkedin

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"golang.org/x/oauth2"

	"github.com/Nihal-123-456/linkedin-post-scheduler/internal/posts"
)

// Provider is the social account provider name stored for LinkedIn accounts.
const Provider = "linkedin"

// AccountsSchemaSQL creates the tables holding connected LinkedIn accounts and
// their access tokens.
const AccountsSchemaSQL = `
CREATE TABLE IF NOT EXISTS social_accounts (
	id         bigserial PRIMARY KEY,
	user_id    bigint NOT NULL,
	provider   text NOT NULL,
	uid        text NOT NULL,
	created_at timestamptz NOT NULL DEFAULT now(),
	UNIQUE (user_id, provider)
);

CREATE TABLE IF NOT EXISTS social_tokens (
	id           bigserial PRIMARY KEY,
	account_id   bigint NOT NULL REFERENCES social_accounts (id) ON DELETE CASCADE,
	access_token text NOT NULL,
	expires_at   timestamptz,
	created_at   timestamptz NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS social_tokens_account_idx ON social_tokens (account_id, expires_at);
`

// Credential is what Publish needs to act on behalf of a user.
type Credential struct {
	// Author is the member URN, urn:li:person:<uid>.
	Author string
	Token  *oauth2.Token
}

// AuthorURN returns the member URN for a LinkedIn user id.
func AuthorURN(uid string) string {
	return "urn:li:person:" + uid
}

// CredentialSource resolves the LinkedIn credential of a post's author.
type CredentialSource interface {
	Credential(ctx context.Context, userID int64) (*Credential, error)
}

// StoreCredentials reads accounts and tokens from Postgres.
type StoreCredentials struct {
	db  posts.DBTX
	now func() time.Time
}

func NewStoreCredentials(db posts.DBTX) *StoreCredentials {
	return &StoreCredentials{db: db, now: time.Now}
}

// Credential returns the newest token that has not expired. A token without
// an expiry never expires.
func (s *StoreCredentials) Credential(ctx context.Context, userID int64) (*Credential, error) {
	var accountID int64
	var uid string
	err := s.db.QueryRow(ctx,
		`SELECT id, uid FROM social_accounts WHERE user_id = $1 AND provider = $2`,
		userID, Provider,
	).Scan(&accountID, &uid)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAccountNotConnected
	}
	if err != nil {
		return nil, fmt.Errorf("load account for user %d: %w", userID, err)
	}

	var access string
	var expiresAt pgtype.Timestamptz
	err = s.db.QueryRow(ctx, `
		SELECT access_token, expires_at
		FROM social_tokens
		WHERE account_id = $1 AND (expires_at IS NULL OR expires_at > $2)
		ORDER BY expires_at DESC NULLS FIRST, id DESC
		LIMIT 1`,
		accountID, s.now(),
	).Scan(&access, &expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTokenExpired
	}
	if err != nil {
		return nil, fmt.Errorf("load token for user %d: %w", userID, err)
	}

	tok := &oauth2.Token{AccessToken: access, TokenType: "Bearer"}
	if expiresAt.Valid {
		tok.Expiry = expiresAt.Time
	}
	return &Credential{Author: AuthorURN(uid), Token: tok}, nil
}

// SaveAccount records a connected account and one access token for it.
func (s *StoreCredentials) SaveAccount(ctx context.Context, userID int64, uid string, tok *oauth2.Token) error {
	var accountID int64
	err := s.db.QueryRow(ctx, `
		INSERT INTO social_accounts (user_id, provider, uid)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, provider) DO UPDATE SET uid = EXCLUDED.uid
		RETURNING id`,
		userID, Provider, uid,
	).Scan(&accountID)
	if err != nil {
		return fmt.Errorf("save account for user %d: %w", userID, err)
	}

	expiresAt := pgtype.Timestamptz{Time: tok.Expiry, Valid: !tok.Expiry.IsZero()}
	if _, err := s.db.Exec(ctx,
		`INSERT INTO social_tokens (account_id, access_token, expires_at) VALUES ($1, $2, $3)`,
		accountID, tok.AccessToken, expiresAt,
	); err != nil {
		return fmt.Errorf("save token for user %d: %w", userID, err)
	}
	return nil
}

// StaticCredentials serves fixed credentials keyed by user id.
type StaticCredentials map[int64]Credential

func (m StaticCredentials) Credential(_ context.Context, userID int64) (*Credential, error) {
	c, ok := m[userID]
	if !ok {
		return nil, ErrAccountNotConnected
	}
	if c.Token == nil || !c.Token.Valid() {
		return nil, ErrTokenExpired
	}
	return &c, nil
}

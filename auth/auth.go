// Package auth verifies the bearer tokens that guard the push and API
// endpoints. Tokens are random, stored only as SHA-256 hashes, and
// optionally expire.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"time"

	"github.com/veilwork/chime/errors"
)

// Verifier resolves a presented token to an account ID. Returns
// ErrUnauthorized for unknown, revoked, or expired tokens.
type Verifier interface {
	Verify(token string) (accountID string, err error)
}

// TokenStore issues and verifies access tokens backed by SQLite.
type TokenStore struct {
	db *sql.DB
}

// NewTokenStore creates a token store.
func NewTokenStore(db *sql.DB) *TokenStore {
	return &TokenStore{db: db}
}

// Issue mints a new token for an account and returns the plaintext. The
// plaintext is never stored; losing it means issuing a new token. A zero
// ttl issues a non-expiring token.
func (s *TokenStore) Issue(accountID, label string, ttl time.Duration) (string, error) {
	if accountID == "" {
		return "", errors.NewValidationError("account ID is required")
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", errors.Wrap(err, "failed to generate token")
	}
	token := hex.EncodeToString(raw)

	var expiresAt interface{}
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl).UTC().Format(time.RFC3339)
	}

	_, err := s.db.Exec(`
		INSERT INTO access_tokens (token_hash, account_id, label, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, hashToken(token), accountID, label, expiresAt, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return "", errors.Wrap(err, "failed to store token")
	}

	return token, nil
}

// Verify implements Verifier.
func (s *TokenStore) Verify(token string) (string, error) {
	if token == "" {
		return "", errors.Wrap(errors.ErrUnauthorized, "missing token")
	}

	var accountID string
	var expiresAt sql.NullString
	err := s.db.QueryRow(`
		SELECT account_id, expires_at FROM access_tokens WHERE token_hash = ?
	`, hashToken(token)).Scan(&accountID, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", errors.Wrap(errors.ErrUnauthorized, "unknown token")
		}
		return "", errors.Wrap(err, "failed to look up token")
	}

	if expiresAt.Valid && expiresAt.String != "" {
		exp, err := time.Parse(time.RFC3339, expiresAt.String)
		if err != nil {
			return "", errors.Wrap(err, "failed to parse token expiry")
		}
		if time.Now().After(exp) {
			return "", errors.Wrap(errors.ErrUnauthorized, "token expired")
		}
	}

	return accountID, nil
}

// Revoke deletes a token by its plaintext.
func (s *TokenStore) Revoke(token string) error {
	result, err := s.db.Exec(`DELETE FROM access_tokens WHERE token_hash = ?`, hashToken(token))
	if err != nil {
		return errors.Wrap(err, "failed to revoke token")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.NewNotFoundError("token not found")
	}
	return nil
}

// RevokeAccount deletes every token issued to an account.
func (s *TokenStore) RevokeAccount(accountID string) error {
	_, err := s.db.Exec(`DELETE FROM access_tokens WHERE account_id = ?`, accountID)
	if err != nil {
		return errors.Wrapf(err, "failed to revoke tokens for account %s", accountID)
	}
	return nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

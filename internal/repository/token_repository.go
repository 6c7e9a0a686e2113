package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/ident-api/internal/models"
)

// TokenRepository persists refresh-token records. Rows are only ever flipped
// to revoked, never deleted, so replayed tokens remain detectable.
type TokenRepository struct {
	db *sqlx.DB
}

// NewTokenRepository creates a new instance of TokenRepository.
func NewTokenRepository(db *sqlx.DB) *TokenRepository {
	return &TokenRepository{db: db}
}

const refreshTokenColumns = `id, user_id, device_id, token_id, expires_at, revoked, revoked_at, created_at, ip_address, user_agent`

// Create persists a refresh-token record.
func (r *TokenRepository) Create(ctx context.Context, token *models.RefreshToken) error {
	if token.ID == "" {
		token.ID = uuid.NewString()
	}
	if token.CreatedAt.IsZero() {
		token.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO refresh_tokens (id, user_id, device_id, token_id, expires_at, revoked, revoked_at, created_at, ip_address, user_agent)
VALUES (:id, :user_id, :device_id, :token_id, :expires_at, :revoked, :revoked_at, :created_at, :ip_address, :user_agent)`
	if _, err := r.db.NamedExecContext(ctx, query, token); err != nil {
		return fmt.Errorf("create refresh token: %w", err)
	}
	return nil
}

// FindByTokenID returns the record matching the opaque token id and owner.
func (r *TokenRepository) FindByTokenID(ctx context.Context, userID, tokenID string) (*models.RefreshToken, error) {
	query := fmt.Sprintf(`SELECT %s FROM refresh_tokens WHERE token_id = $1 AND user_id = $2 LIMIT 1`, refreshTokenColumns)
	var rt models.RefreshToken
	if err := r.db.GetContext(ctx, &rt, query, tokenID, userID); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find refresh token: %w", err)
	}
	return &rt, nil
}

// RevokeByTokenID marks a single token revoked. The update only succeeds if
// the row was still live; the returned bool reports whether this caller won.
// Concurrent rotations of the same token therefore admit exactly one winner.
func (r *TokenRepository) RevokeByTokenID(ctx context.Context, tokenID string, revokedAt time.Time) (bool, error) {
	const query = `UPDATE refresh_tokens SET revoked = TRUE, revoked_at = $2 WHERE token_id = $1 AND revoked = FALSE`
	res, err := r.db.ExecContext(ctx, query, tokenID, revokedAt)
	if err != nil {
		return false, fmt.Errorf("revoke refresh token: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("revoke refresh token rows: %w", err)
	}
	return affected > 0, nil
}

// RevokeByDevice revokes every live token issued to a device. Idempotent.
func (r *TokenRepository) RevokeByDevice(ctx context.Context, userID, deviceID string) error {
	const query = `UPDATE refresh_tokens SET revoked = TRUE, revoked_at = $3 WHERE user_id = $1 AND device_id = $2 AND revoked = FALSE`
	if _, err := r.db.ExecContext(ctx, query, userID, deviceID, time.Now().UTC()); err != nil {
		return fmt.Errorf("revoke device refresh tokens: %w", err)
	}
	return nil
}

// RevokeAllForUser revokes every live token belonging to a user. Idempotent.
func (r *TokenRepository) RevokeAllForUser(ctx context.Context, userID string) error {
	const query = `UPDATE refresh_tokens SET revoked = TRUE, revoked_at = $2 WHERE user_id = $1 AND revoked = FALSE`
	if _, err := r.db.ExecContext(ctx, query, userID, time.Now().UTC()); err != nil {
		return fmt.Errorf("revoke user refresh tokens: %w", err)
	}
	return nil
}

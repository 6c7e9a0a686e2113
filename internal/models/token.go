package models

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// RefreshToken is the server-side record of an issued refresh token. The raw
// signed token is never stored; the row is keyed by the opaque token_id
// embedded in its payload. Rows are revoked, never deleted.
type RefreshToken struct {
	ID        string     `db:"id" json:"id"`
	UserID    string     `db:"user_id" json:"user_id"`
	DeviceID  *string    `db:"device_id" json:"device_id,omitempty"`
	TokenID   string     `db:"token_id" json:"token_id"`
	ExpiresAt time.Time  `db:"expires_at" json:"expires_at"`
	Revoked   bool       `db:"revoked" json:"revoked"`
	RevokedAt *time.Time `db:"revoked_at" json:"revoked_at,omitempty"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
	IPAddress string     `db:"ip_address" json:"ip_address"`
	UserAgent string     `db:"user_agent" json:"user_agent"`
}

// TokenPair is the result of a successful issuance.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// AccessClaims is the JWT payload of an access token.
type AccessClaims struct {
	UserID   string `json:"user_id"`
	DeviceID string `json:"device_id,omitempty"`
	jwt.RegisteredClaims
}

// RefreshClaims is the JWT payload of a refresh token. TokenID links the
// signed credential to its revocable server-side record.
type RefreshClaims struct {
	UserID   string `json:"user_id"`
	DeviceID string `json:"device_id,omitempty"`
	TokenID  string `json:"token_id"`
	jwt.RegisteredClaims
}

package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/ident-api/internal/models"
	appErrors "github.com/noah-isme/ident-api/pkg/errors"
)

type tokenStore interface {
	Create(ctx context.Context, token *models.RefreshToken) error
	FindByTokenID(ctx context.Context, userID, tokenID string) (*models.RefreshToken, error)
	RevokeByTokenID(ctx context.Context, tokenID string, revokedAt time.Time) (bool, error)
	RevokeByDevice(ctx context.Context, userID, deviceID string) error
	RevokeAllForUser(ctx context.Context, userID string) error
}

type tokenBlacklist interface {
	BlacklistToken(ctx context.Context, rawToken string, ttl time.Duration) error
	IsTokenBlacklisted(ctx context.Context, rawToken string) (bool, error)
}

// TokenConfig defines signing parameters for the token lifecycle.
type TokenConfig struct {
	Secret             string
	AccessTokenExpiry  time.Duration
	RefreshTokenExpiry time.Duration
	Issuer             string
}

// TokenService is the sole authority for minting, validating, rotating and
// invalidating credentials.
type TokenService struct {
	store     tokenStore
	blacklist tokenBlacklist
	logger    *zap.Logger
	config    TokenConfig
}

// NewTokenService constructs a TokenService instance.
func NewTokenService(store tokenStore, blacklist tokenBlacklist, logger *zap.Logger, config TokenConfig) *TokenService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TokenService{store: store, blacklist: blacklist, logger: logger, config: config}
}

// IssuePair mints a fresh access/refresh token pair scoped to a device and
// persists the refresh-token record under a new opaque token id.
func (s *TokenService) IssuePair(ctx context.Context, userID, deviceID, ip, userAgent string) (*models.TokenPair, error) {
	issuedAt := time.Now().UTC()
	tokenID := uuid.NewString()

	accessToken, err := s.signAccessToken(userID, deviceID, issuedAt)
	if err != nil {
		return nil, fmt.Errorf("sign access token: %w", err)
	}

	refreshExpiry := issuedAt.Add(s.config.RefreshTokenExpiry)
	refreshClaims := &models.RefreshClaims{
		UserID:   userID,
		DeviceID: deviceID,
		TokenID:  tokenID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.config.Issuer,
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(refreshExpiry),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt),
		},
	}
	refreshToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, refreshClaims).SignedString([]byte(s.config.Secret))
	if err != nil {
		return nil, fmt.Errorf("sign refresh token: %w", err)
	}

	record := &models.RefreshToken{
		ID:        uuid.NewString(),
		UserID:    userID,
		TokenID:   tokenID,
		ExpiresAt: refreshExpiry,
		CreatedAt: issuedAt,
		IPAddress: ip,
		UserAgent: userAgent,
	}
	if deviceID != "" {
		record.DeviceID = &deviceID
	}
	if err := s.store.Create(ctx, record); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to persist refresh token")
	}

	return &models.TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresIn:    int64(s.config.AccessTokenExpiry.Seconds()),
	}, nil
}

// VerifyRefreshToken checks signature and expiry of the raw token, then
// requires a live stored record. Signature failure, missing record, revoked
// and expired all collapse to the same unauthorized error so a caller cannot
// learn which check rejected it.
func (s *TokenService) VerifyRefreshToken(ctx context.Context, rawToken string) (*models.RefreshClaims, error) {
	claims, err := s.parseRefreshClaims(rawToken)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "invalid refresh token")
	}

	record, err := s.store.FindByTokenID(ctx, claims.UserID, claims.TokenID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrUnauthorized, "invalid refresh token")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load refresh token")
	}

	if record.Revoked || time.Now().UTC().After(record.ExpiresAt) {
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "invalid refresh token")
	}

	return claims, nil
}

// RotateRefreshToken verifies the token and consumes its single use. The
// revocation is a conditional update: when two callers race with the same
// token, exactly one passes and the other is rejected as unauthorized.
func (s *TokenService) RotateRefreshToken(ctx context.Context, rawToken string) (*models.RefreshClaims, error) {
	claims, err := s.VerifyRefreshToken(ctx, rawToken)
	if err != nil {
		return nil, err
	}

	won, err := s.store.RevokeByTokenID(ctx, claims.TokenID, time.Now().UTC())
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to revoke refresh token")
	}
	if !won {
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "invalid refresh token")
	}

	return claims, nil
}

// RevokeRefreshToken marks the stored record revoked. Best effort: a token
// that fails verification is already unusable, so failures are swallowed.
func (s *TokenService) RevokeRefreshToken(ctx context.Context, rawToken string) {
	claims, err := s.parseRefreshClaims(rawToken)
	if err != nil {
		return
	}
	if _, err := s.store.RevokeByTokenID(ctx, claims.TokenID, time.Now().UTC()); err != nil {
		s.logger.Warn("failed to revoke refresh token", zap.Error(err))
	}
}

// RevokeDeviceTokens revokes every live refresh token for a device. Idempotent.
func (s *TokenService) RevokeDeviceTokens(ctx context.Context, userID, deviceID string) error {
	return s.store.RevokeByDevice(ctx, userID, deviceID)
}

// RevokeAllUserTokens revokes every live refresh token for a user. Idempotent.
func (s *TokenService) RevokeAllUserTokens(ctx context.Context, userID string) error {
	return s.store.RevokeAllForUser(ctx, userID)
}

// VerifyAccessToken parses and validates an access token returning its claims.
func (s *TokenService) VerifyAccessToken(rawToken string) (*models.AccessClaims, error) {
	token, err := jwt.ParseWithClaims(rawToken, &models.AccessClaims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.config.Secret), nil
	})
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrUnauthorized.Code, appErrors.ErrUnauthorized.Status, "invalid token")
	}

	claims, ok := token.Claims.(*models.AccessClaims)
	if !ok || !token.Valid {
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "invalid token claims")
	}

	return claims, nil
}

// DecodeToken structurally decodes an access token without verifying the
// signature. Used only to compute the remaining TTL when blacklisting.
// Returns nil on malformed input.
func (s *TokenService) DecodeToken(rawToken string) *models.AccessClaims {
	claims := &models.AccessClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(rawToken, claims); err != nil {
		return nil
	}
	return claims
}

// BlacklistToken denylists an access token for the given remaining lifetime.
// A non-positive TTL means the token already expired naturally; no-op.
func (s *TokenService) BlacklistToken(ctx context.Context, rawToken string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	return s.blacklist.BlacklistToken(ctx, rawToken, ttl)
}

// IsTokenBlacklisted reports whether the token was explicitly invalidated.
// Cache errors are logged and treated as not blacklisted.
func (s *TokenService) IsTokenBlacklisted(ctx context.Context, rawToken string) bool {
	blacklisted, err := s.blacklist.IsTokenBlacklisted(ctx, rawToken)
	if err != nil {
		s.logger.Warn("blacklist lookup failed", zap.Error(err))
		return false
	}
	return blacklisted
}

func (s *TokenService) signAccessToken(userID, deviceID string, issuedAt time.Time) (string, error) {
	claims := &models.AccessClaims{
		UserID:   userID,
		DeviceID: deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.config.Issuer,
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(s.config.AccessTokenExpiry)),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.config.Secret))
}

func (s *TokenService) parseRefreshClaims(rawToken string) (*models.RefreshClaims, error) {
	token, err := jwt.ParseWithClaims(rawToken, &models.RefreshClaims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.config.Secret), nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*models.RefreshClaims)
	if !ok || !token.Valid || claims.TokenID == "" {
		return nil, errors.New("invalid refresh claims")
	}
	return claims, nil
}

package service

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/ident-api/internal/models"
	appErrors "github.com/noah-isme/ident-api/pkg/errors"
)

type fakeTokenStore struct {
	mu      sync.Mutex
	records map[string]*models.RefreshToken
}

func newFakeTokenStore() *fakeTokenStore {
	return &fakeTokenStore{records: make(map[string]*models.RefreshToken)}
}

func (f *fakeTokenStore) Create(ctx context.Context, token *models.RefreshToken) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *token
	f.records[token.TokenID] = &copied
	return nil
}

func (f *fakeTokenStore) FindByTokenID(ctx context.Context, userID, tokenID string) (*models.RefreshToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[tokenID]
	if !ok || rec.UserID != userID {
		return nil, sql.ErrNoRows
	}
	copied := *rec
	return &copied, nil
}

func (f *fakeTokenStore) RevokeByTokenID(ctx context.Context, tokenID string, revokedAt time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[tokenID]
	if !ok || rec.Revoked {
		return false, nil
	}
	rec.Revoked = true
	rec.RevokedAt = &revokedAt
	return true, nil
}

func (f *fakeTokenStore) RevokeByDevice(ctx context.Context, userID, deviceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rec := range f.records {
		if rec.UserID == userID && rec.DeviceID != nil && *rec.DeviceID == deviceID {
			rec.Revoked = true
		}
	}
	return nil
}

func (f *fakeTokenStore) RevokeAllForUser(ctx context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rec := range f.records {
		if rec.UserID == userID {
			rec.Revoked = true
		}
	}
	return nil
}

func (f *fakeTokenStore) liveCount(userID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, rec := range f.records {
		if rec.UserID == userID && !rec.Revoked {
			count++
		}
	}
	return count
}

// fakeBlacklist stores expiry deadlines against an adjustable clock so TTL
// behavior can be tested without sleeping.
type fakeBlacklist struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

func newFakeBlacklist() *fakeBlacklist {
	return &fakeBlacklist{entries: make(map[string]time.Time), now: time.Now}
}

func (f *fakeBlacklist) BlacklistToken(ctx context.Context, rawToken string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[rawToken] = f.now().Add(ttl)
	return nil
}

func (f *fakeBlacklist) IsTokenBlacklisted(ctx context.Context, rawToken string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	deadline, ok := f.entries[rawToken]
	if !ok {
		return false, nil
	}
	return f.now().Before(deadline), nil
}

func newTestTokenService(store *fakeTokenStore, blacklist *fakeBlacklist) *TokenService {
	return NewTokenService(store, blacklist, zap.NewNop(), TokenConfig{
		Secret:             "test-secret",
		AccessTokenExpiry:  15 * time.Minute,
		RefreshTokenExpiry: 7 * 24 * time.Hour,
		Issuer:             "ident-test",
	})
}

func TestIssuePairAndVerify(t *testing.T) {
	store := newFakeTokenStore()
	svc := newTestTokenService(store, newFakeBlacklist())

	pair, err := svc.IssuePair(context.Background(), "u1", "dev-1", "10.0.0.1", "ua")
	require.NoError(t, err)
	assert.NotEmpty(t, pair.AccessToken)
	assert.NotEmpty(t, pair.RefreshToken)
	assert.Equal(t, int64(900), pair.ExpiresIn)
	assert.Len(t, store.records, 1)

	claims, err := svc.VerifyRefreshToken(context.Background(), pair.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID)
	assert.Equal(t, "dev-1", claims.DeviceID)
	assert.NotEmpty(t, claims.TokenID)
}

func TestVerifyRefreshTokenRejectsTampered(t *testing.T) {
	svc := newTestTokenService(newFakeTokenStore(), newFakeBlacklist())

	pair, err := svc.IssuePair(context.Background(), "u1", "dev-1", "", "")
	require.NoError(t, err)

	_, err = svc.VerifyRefreshToken(context.Background(), pair.RefreshToken+"x")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrUnauthorized.Code, appErrors.FromError(err).Code)
}

func TestVerifyRefreshTokenRejectsRevoked(t *testing.T) {
	store := newFakeTokenStore()
	svc := newTestTokenService(store, newFakeBlacklist())

	pair, err := svc.IssuePair(context.Background(), "u1", "dev-1", "", "")
	require.NoError(t, err)

	svc.RevokeRefreshToken(context.Background(), pair.RefreshToken)

	_, err = svc.VerifyRefreshToken(context.Background(), pair.RefreshToken)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrUnauthorized.Code, appErrors.FromError(err).Code)
}

func TestRotateRefreshTokenSingleUse(t *testing.T) {
	store := newFakeTokenStore()
	svc := newTestTokenService(store, newFakeBlacklist())

	pair, err := svc.IssuePair(context.Background(), "u1", "dev-1", "", "")
	require.NoError(t, err)

	claims, err := svc.RotateRefreshToken(context.Background(), pair.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID)

	_, err = svc.RotateRefreshToken(context.Background(), pair.RefreshToken)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrUnauthorized.Code, appErrors.FromError(err).Code)
}

func TestRevokeRefreshTokenSwallowsGarbage(t *testing.T) {
	svc := newTestTokenService(newFakeTokenStore(), newFakeBlacklist())
	svc.RevokeRefreshToken(context.Background(), "not-a-token")
}

func TestRevokeDeviceTokens(t *testing.T) {
	store := newFakeTokenStore()
	svc := newTestTokenService(store, newFakeBlacklist())

	_, err := svc.IssuePair(context.Background(), "u1", "dev-1", "", "")
	require.NoError(t, err)
	_, err = svc.IssuePair(context.Background(), "u1", "dev-2", "", "")
	require.NoError(t, err)

	require.NoError(t, svc.RevokeDeviceTokens(context.Background(), "u1", "dev-1"))
	assert.Equal(t, 1, store.liveCount("u1"))

	require.NoError(t, svc.RevokeAllUserTokens(context.Background(), "u1"))
	assert.Equal(t, 0, store.liveCount("u1"))
}

func TestDecodeTokenMalformed(t *testing.T) {
	svc := newTestTokenService(newFakeTokenStore(), newFakeBlacklist())
	assert.Nil(t, svc.DecodeToken("garbage"))
}

func TestDecodeTokenReturnsClaims(t *testing.T) {
	svc := newTestTokenService(newFakeTokenStore(), newFakeBlacklist())

	pair, err := svc.IssuePair(context.Background(), "u1", "dev-1", "", "")
	require.NoError(t, err)

	claims := svc.DecodeToken(pair.AccessToken)
	require.NotNil(t, claims)
	assert.Equal(t, "u1", claims.UserID)
	require.NotNil(t, claims.ExpiresAt)
	assert.True(t, claims.ExpiresAt.After(time.Now()))
}

func TestBlacklistTokenSkipsExpired(t *testing.T) {
	blacklist := newFakeBlacklist()
	svc := newTestTokenService(newFakeTokenStore(), blacklist)

	require.NoError(t, svc.BlacklistToken(context.Background(), "tok", 0))
	assert.False(t, svc.IsTokenBlacklisted(context.Background(), "tok"))
	assert.Empty(t, blacklist.entries)
}

func TestBlacklistTokenExpiresWithTTL(t *testing.T) {
	blacklist := newFakeBlacklist()
	svc := newTestTokenService(newFakeTokenStore(), blacklist)

	base := time.Now()
	blacklist.now = func() time.Time { return base }

	require.NoError(t, svc.BlacklistToken(context.Background(), "tok", 30*time.Second))
	assert.True(t, svc.IsTokenBlacklisted(context.Background(), "tok"))

	blacklist.now = func() time.Time { return base.Add(31 * time.Second) }
	assert.False(t, svc.IsTokenBlacklisted(context.Background(), "tok"))
}

func TestVerifyAccessToken(t *testing.T) {
	svc := newTestTokenService(newFakeTokenStore(), newFakeBlacklist())

	pair, err := svc.IssuePair(context.Background(), "u1", "dev-1", "", "")
	require.NoError(t, err)

	claims, err := svc.VerifyAccessToken(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID)
	assert.Equal(t, "dev-1", claims.DeviceID)

	_, err = svc.VerifyAccessToken(pair.AccessToken + "x")
	require.Error(t, err)
}

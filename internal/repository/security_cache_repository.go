package repository

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/noah-isme/ident-api/internal/models"
	appErrors "github.com/noah-isme/ident-api/pkg/errors"
)

const (
	blacklistKeyPrefix = "auth:blacklist:"
	newDeviceKeyPrefix = "auth:newdev:"
	ipSetKeyPrefix     = "auth:ips:"
	sessionKeyPrefix   = "auth:session:"
)

// SecurityCacheRepository wraps the Redis primitives backing the access-token
// blacklist, the anomaly counters and the cached session summary. All
// operations are single Redis commands or command pairs that tolerate
// re-driving, so no extra locking is layered on top.
type SecurityCacheRepository struct {
	client *redis.Client
	logger *zap.Logger
}

// NewSecurityCacheRepository constructs a security cache repository.
func NewSecurityCacheRepository(client *redis.Client, logger *zap.Logger) *SecurityCacheRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SecurityCacheRepository{client: client, logger: logger}
}

// tokenKey hashes the raw token so raw credentials never land in the store.
func tokenKey(rawToken string) string {
	sum := sha256.Sum256([]byte(rawToken))
	return blacklistKeyPrefix + hex.EncodeToString(sum[:])
}

// BlacklistToken denylists an access token for its remaining lifetime. The
// entry expires with the token itself, bounding cache growth.
func (r *SecurityCacheRepository) BlacklistToken(ctx context.Context, rawToken string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	if err := r.client.Set(ctx, tokenKey(rawToken), "1", ttl).Err(); err != nil {
		return fmt.Errorf("blacklist token: %w", err)
	}
	return nil
}

// IsTokenBlacklisted reports whether the token was explicitly invalidated.
func (r *SecurityCacheRepository) IsTokenBlacklisted(ctx context.Context, rawToken string) (bool, error) {
	err := r.client.Get(ctx, tokenKey(rawToken)).Err()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("blacklist lookup: %w", err)
	}
	return true, nil
}

// IncrementNewDeviceCount bumps the rolling new-device counter for a user.
// The window opens on the first hit and resets itself by TTL expiry.
func (r *SecurityCacheRepository) IncrementNewDeviceCount(ctx context.Context, userID string, window time.Duration) (int64, error) {
	key := newDeviceKeyPrefix + userID
	count, err := r.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("increment new device count: %w", err)
	}
	// ExpireNX on every hit: if the INCR lands but the process dies before the
	// window is set, the next hit repairs it instead of leaving the counter
	// without a TTL.
	if err := r.client.ExpireNX(ctx, key, window).Err(); err != nil {
		r.logger.Warn("failed to set new device counter window", zap.String("user_id", userID), zap.Error(err))
	}
	return count, nil
}

// AddSeenIP records an IP in the user's rolling distinct-IP set and returns
// the set cardinality.
func (r *SecurityCacheRepository) AddSeenIP(ctx context.Context, userID, ip string, window time.Duration) (int64, error) {
	key := ipSetKeyPrefix + userID
	if err := r.client.SAdd(ctx, key, ip).Err(); err != nil {
		return 0, fmt.Errorf("record seen ip: %w", err)
	}
	if err := r.client.ExpireNX(ctx, key, window).Err(); err != nil {
		r.logger.Warn("failed to set ip set window", zap.String("user_id", userID), zap.Error(err))
	}
	count, err := r.client.SCard(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("count seen ips: %w", err)
	}
	return count, nil
}

// SetSessionSummary caches the latest sign-in snapshot for a user.
func (r *SecurityCacheRepository) SetSessionSummary(ctx context.Context, summary models.SessionSummary, ttl time.Duration) error {
	payload, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshal session summary: %w", err)
	}
	if err := r.client.Set(ctx, sessionKeyPrefix+summary.UserID, payload, ttl).Err(); err != nil {
		return fmt.Errorf("set session summary: %w", err)
	}
	return nil
}

// GetSessionSummary loads the cached sign-in snapshot.
func (r *SecurityCacheRepository) GetSessionSummary(ctx context.Context, userID string) (*models.SessionSummary, error) {
	raw, err := r.client.Get(ctx, sessionKeyPrefix+userID).Bytes()
	if err == redis.Nil {
		return nil, appErrors.ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("get session summary: %w", err)
	}
	var summary models.SessionSummary
	if err := json.Unmarshal(raw, &summary); err != nil {
		return nil, fmt.Errorf("unmarshal session summary: %w", err)
	}
	return &summary, nil
}

// DeleteSessionSummary clears the cached sign-in snapshot on sign-out.
func (r *SecurityCacheRepository) DeleteSessionSummary(ctx context.Context, userID string) error {
	if err := r.client.Del(ctx, sessionKeyPrefix+userID).Err(); err != nil {
		return fmt.Errorf("delete session summary: %w", err)
	}
	return nil
}

// Close releases the underlying Redis connection if present.
func (r *SecurityCacheRepository) Close() error {
	if r.client == nil {
		return nil
	}
	return r.client.Close()
}

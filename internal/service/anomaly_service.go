package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/ident-api/internal/models"
)

type anomalyCounters interface {
	IncrementNewDeviceCount(ctx context.Context, userID string, window time.Duration) (int64, error)
	AddSeenIP(ctx context.Context, userID, ip string, window time.Duration) (int64, error)
}

// AnomalyConfig tunes the detector thresholds.
type AnomalyConfig struct {
	NewDeviceLimit int
	DistinctIPMax  int
	Window         time.Duration
}

// AnomalyService produces an advisory suspicion signal for sign-ins. The
// result never blocks a flow; callers log it and surface it to the
// orchestrator as an extension point.
type AnomalyService struct {
	counters anomalyCounters
	logger   *zap.Logger
	config   AnomalyConfig
}

// NewAnomalyService constructs an AnomalyService instance.
func NewAnomalyService(counters anomalyCounters, logger *zap.Logger, config AnomalyConfig) *AnomalyService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AnomalyService{counters: counters, logger: logger, config: config}
}

// Check evaluates the three anomaly signals for a sign-in attempt. known is
// the stored device for the (user, device) pair, or nil when unrecognized.
// Every check runs unconditionally so the log line reflects each contributing
// signal even after an earlier one already flagged. Counter failures are
// logged and treated as quiet for that signal.
func (s *AnomalyService) Check(ctx context.Context, userID string, known *models.Device, info models.DeviceInfo) bool {
	fingerprintMismatch := false
	rateExceeded := false
	ipSpread := false

	if known != nil {
		if known.Fingerprint != "" && info.Fingerprint != "" && known.Fingerprint != info.Fingerprint {
			fingerprintMismatch = true
		}
	} else {
		count, err := s.counters.IncrementNewDeviceCount(ctx, userID, s.config.Window)
		if err != nil {
			s.logger.Warn("new device counter failed", zap.String("user_id", userID), zap.Error(err))
		} else if count > int64(s.config.NewDeviceLimit) {
			rateExceeded = true
		}
	}

	if info.IP != "" {
		count, err := s.counters.AddSeenIP(ctx, userID, info.IP, s.config.Window)
		if err != nil {
			s.logger.Warn("ip set update failed", zap.String("user_id", userID), zap.Error(err))
		} else if count > int64(s.config.DistinctIPMax) {
			ipSpread = true
		}
	}

	suspicious := fingerprintMismatch || rateExceeded || ipSpread
	if suspicious {
		s.logger.Warn("suspicious sign-in",
			zap.String("user_id", userID),
			zap.String("device_id", info.DeviceID),
			zap.String("ip", info.IP),
			zap.Bool("fingerprint_mismatch", fingerprintMismatch),
			zap.Bool("new_device_rate_exceeded", rateExceeded),
			zap.Bool("ip_spread_exceeded", ipSpread),
		)
	}
	return suspicious
}

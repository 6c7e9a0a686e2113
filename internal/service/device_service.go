package service

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/ident-api/internal/models"
	appErrors "github.com/noah-isme/ident-api/pkg/errors"
)

type deviceStore interface {
	FindByUserAndDeviceID(ctx context.Context, userID, deviceID string) (*models.Device, error)
	FindByID(ctx context.Context, userID, id string) (*models.Device, error)
	ListByUser(ctx context.Context, userID string) ([]models.Device, error)
	Update(ctx context.Context, device *models.Device) error
	CreateWithQuota(ctx context.Context, device *models.Device, maxActive int) (*models.Device, error)
	ReactivateWithQuota(ctx context.Context, device *models.Device, maxActive int) (*models.Device, error)
	Deactivate(ctx context.Context, userID, deviceID string) error
	DeactivateAll(ctx context.Context, userID string) error
	AssignPushToken(ctx context.Context, userID, deviceID, pushToken string) error
	UpdateMetadata(ctx context.Context, userID, id string, patch models.DevicePatch) (bool, error)
	Delete(ctx context.Context, id string) error
}

type deviceTokenRevoker interface {
	RevokeDeviceTokens(ctx context.Context, userID, deviceID string) error
}

type deviceAuditor interface {
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

// DeviceConfig bounds the trusted device set.
type DeviceConfig struct {
	MaxActive int
}

// DeviceService maintains the bounded set of a user's trusted devices.
type DeviceService struct {
	store     deviceStore
	revoker   deviceTokenRevoker
	auditor   deviceAuditor
	anomaly   *AnomalyService
	validator *validator.Validate
	logger    *zap.Logger
	config    DeviceConfig
}

// NewDeviceService constructs a DeviceService instance. The auditor may be
// nil, in which case device removals are not written to the audit trail.
func NewDeviceService(store deviceStore, revoker deviceTokenRevoker, auditor deviceAuditor, anomaly *AnomalyService, validate *validator.Validate, logger *zap.Logger, config DeviceConfig) *DeviceService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	return &DeviceService{store: store, revoker: revoker, auditor: auditor, anomaly: anomaly, validator: validate, logger: logger, config: config}
}

// RegisterDevice makes the caller's device active. A known (user, device)
// pair gets its metadata refreshed; an unknown pair is created, evicting the
// least recently active device when the user is at quota. The evicted device,
// if any, is returned alongside the caller's. After this call the active
// count never exceeds the quota.
func (s *DeviceService) RegisterDevice(ctx context.Context, userID string, info models.DeviceInfo) (*models.Device, *models.Device, error) {
	if err := s.validator.Struct(info); err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid device info")
	}

	now := time.Now().UTC()

	existing, err := s.store.FindByUserAndDeviceID(ctx, userID, info.DeviceID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to look up device")
	}

	if existing != nil {
		wasActive := existing.IsActive
		existing.DeviceType = info.DeviceType
		if info.Name != "" {
			existing.Name = info.Name
		}
		existing.Model = info.Model
		existing.OSVersion = info.OSVersion
		existing.AppVersion = info.AppVersion
		if info.Fingerprint != "" {
			existing.Fingerprint = info.Fingerprint
		}
		if info.PushToken != nil {
			existing.PushToken = info.PushToken
		}
		existing.LastIP = info.IP
		existing.LastUserAgent = info.UserAgent
		existing.IsActive = true
		existing.LastActiveAt = now

		// A device coming back from inactive raises the active count, so it
		// must pass through the same counted eviction as a fresh registration.
		if !wasActive {
			evicted, err := s.store.ReactivateWithQuota(ctx, existing, s.config.MaxActive)
			if err != nil {
				return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to reactivate device")
			}
			if evicted != nil {
				s.logger.Info("evicted least recently active device",
					zap.String("user_id", userID),
					zap.String("evicted_device_id", evicted.DeviceID),
					zap.String("new_device_id", existing.DeviceID),
				)
			}
			return existing, evicted, nil
		}

		if err := s.store.Update(ctx, existing); err != nil {
			return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update device")
		}
		return existing, nil, nil
	}

	device := &models.Device{
		UserID:        userID,
		DeviceID:      info.DeviceID,
		DeviceType:    info.DeviceType,
		Name:          info.Name,
		Model:         info.Model,
		OSVersion:     info.OSVersion,
		AppVersion:    info.AppVersion,
		Fingerprint:   info.Fingerprint,
		PushToken:     info.PushToken,
		LastIP:        info.IP,
		LastUserAgent: info.UserAgent,
		IsActive:      true,
		LastActiveAt:  now,
	}

	evicted, err := s.store.CreateWithQuota(ctx, device, s.config.MaxActive)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to register device")
	}
	if evicted != nil {
		s.logger.Info("evicted least recently active device",
			zap.String("user_id", userID),
			zap.String("evicted_device_id", evicted.DeviceID),
			zap.String("new_device_id", device.DeviceID),
		)
	}
	return device, evicted, nil
}

// CheckDeviceAnomaly evaluates the advisory anomaly signal for a sign-in
// attempt, using the stored device for fingerprint comparison when known.
func (s *DeviceService) CheckDeviceAnomaly(ctx context.Context, userID string, info models.DeviceInfo) bool {
	known, err := s.store.FindByUserAndDeviceID(ctx, userID, info.DeviceID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		s.logger.Warn("device lookup failed during anomaly check", zap.Error(err))
	}
	return s.anomaly.Check(ctx, userID, known, info)
}

// ListDevices returns the user's devices, most recently active first.
func (s *DeviceService) ListDevices(ctx context.Context, userID string) ([]models.Device, error) {
	devices, err := s.store.ListByUser(ctx, userID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list devices")
	}
	return devices, nil
}

// DeactivateDevice flips the active flag off for one device. Refresh tokens
// are untouched; callers revoke them separately.
func (s *DeviceService) DeactivateDevice(ctx context.Context, userID, deviceID string) error {
	if err := s.store.Deactivate(ctx, userID, deviceID); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to deactivate device")
	}
	return nil
}

// DeactivateAllDevices flips the active flag off on all of a user's devices.
func (s *DeviceService) DeactivateAllDevices(ctx context.Context, userID string) error {
	if err := s.store.DeactivateAll(ctx, userID); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to deactivate devices")
	}
	return nil
}

// UpdatePushToken assigns a push token to the target device after clearing it
// from any other holder, keeping the token unique system-wide. An unknown
// (user, device) pair is a silent no-op: push tokens may arrive before the
// device registers.
func (s *DeviceService) UpdatePushToken(ctx context.Context, userID, deviceID, pushToken string) error {
	if err := s.store.AssignPushToken(ctx, userID, deviceID, pushToken); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update push token")
	}
	return nil
}

// RemoveDevice hard-deletes a device the user owns, revoking its refresh
// tokens first. The removal is written to the audit trail best-effort.
func (s *DeviceService) RemoveDevice(ctx context.Context, userID, id, ip, userAgent string) error {
	device, err := s.store.FindByID(ctx, userID, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "device not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load device")
	}

	if err := s.revoker.RevokeDeviceTokens(ctx, userID, device.DeviceID); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to revoke device tokens")
	}

	if err := s.store.Delete(ctx, device.ID); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to delete device")
	}

	if s.auditor != nil {
		entry := &models.AuditLog{
			UserID:     &userID,
			Action:     models.AuditActionDeviceRemoved,
			Resource:   "device",
			ResourceID: &device.ID,
			NewValues:  []byte(`{"device_id":"` + device.DeviceID + `"}`),
			IPAddress:  ip,
			UserAgent:  userAgent,
		}
		if err := s.auditor.CreateAuditLog(ctx, entry); err != nil {
			s.logger.Warn("failed to record audit log", zap.String("action", models.AuditActionDeviceRemoved), zap.Error(err))
		}
	}
	return nil
}

// UpdateDeviceMetadata applies a partial display-metadata update; fields
// omitted from the patch keep their stored values.
func (s *DeviceService) UpdateDeviceMetadata(ctx context.Context, userID, id string, patch models.DevicePatch) error {
	updated, err := s.store.UpdateMetadata(ctx, userID, id, patch)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update device metadata")
	}
	if !updated {
		return appErrors.Clone(appErrors.ErrNotFound, "device not found")
	}
	return nil
}

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

// DeviceRepository provides database access for trusted devices.
type DeviceRepository struct {
	db *sqlx.DB
}

// NewDeviceRepository creates a new instance of DeviceRepository.
func NewDeviceRepository(db *sqlx.DB) *DeviceRepository {
	return &DeviceRepository{db: db}
}

const deviceColumns = `id, user_id, device_id, device_type, name, model, os_version, app_version, fingerprint, push_token, last_ip, last_user_agent, is_active, last_active_at, created_at, updated_at`

// FindByUserAndDeviceID returns the device for the (user, device) natural key.
func (r *DeviceRepository) FindByUserAndDeviceID(ctx context.Context, userID, deviceID string) (*models.Device, error) {
	query := fmt.Sprintf(`SELECT %s FROM devices WHERE user_id = $1 AND device_id = $2 LIMIT 1`, deviceColumns)
	var device models.Device
	if err := r.db.GetContext(ctx, &device, query, userID, deviceID); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find device: %w", err)
	}
	return &device, nil
}

// FindByID returns a device by its internal id, scoped to the owning user.
func (r *DeviceRepository) FindByID(ctx context.Context, userID, id string) (*models.Device, error) {
	query := fmt.Sprintf(`SELECT %s FROM devices WHERE id = $1 AND user_id = $2 LIMIT 1`, deviceColumns)
	var device models.Device
	if err := r.db.GetContext(ctx, &device, query, id, userID); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find device by id: %w", err)
	}
	return &device, nil
}

// ListByUser returns all devices for a user, most recently active first.
func (r *DeviceRepository) ListByUser(ctx context.Context, userID string) ([]models.Device, error) {
	query := fmt.Sprintf(`SELECT %s FROM devices WHERE user_id = $1 ORDER BY last_active_at DESC`, deviceColumns)
	var devices []models.Device
	if err := r.db.SelectContext(ctx, &devices, query, userID); err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	return devices, nil
}

// Update refreshes mutable metadata on a known device. Callers must not use
// it to flip an inactive device back on; that goes through ReactivateWithQuota.
func (r *DeviceRepository) Update(ctx context.Context, device *models.Device) error {
	device.UpdatedAt = time.Now().UTC()
	const query = `UPDATE devices SET device_type = :device_type, name = :name, model = :model,
os_version = :os_version, app_version = :app_version, fingerprint = :fingerprint,
push_token = :push_token, last_ip = :last_ip, last_user_agent = :last_user_agent,
is_active = :is_active, last_active_at = :last_active_at, updated_at = :updated_at
WHERE id = :id`
	if _, err := r.db.NamedExecContext(ctx, query, device); err != nil {
		return fmt.Errorf("update device: %w", err)
	}
	return nil
}

// ReactivateWithQuota flips a previously-inactive device back on while holding
// the quota invariant. The user's other active devices are locked, the oldest
// one is deactivated (and its refresh tokens revoked) when the count is already
// at or above maxActive, and the target device's metadata update runs inside
// the same transaction. Reactivation must not slip past the count any more
// than a fresh insert can.
func (r *DeviceRepository) ReactivateWithQuota(ctx context.Context, device *models.Device, maxActive int) (evicted *models.Device, err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin device transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	lockQuery := fmt.Sprintf(`SELECT %s FROM devices WHERE user_id = $1 AND is_active = TRUE AND device_id <> $2 ORDER BY last_active_at ASC FOR UPDATE`, deviceColumns)
	var active []models.Device
	if err = tx.SelectContext(ctx, &active, lockQuery, device.UserID, device.DeviceID); err != nil {
		return nil, fmt.Errorf("lock active devices: %w", err)
	}

	now := time.Now().UTC()
	if len(active) >= maxActive {
		oldest := active[0]
		const deactivateQuery = `UPDATE devices SET is_active = FALSE, updated_at = $2 WHERE id = $1`
		if _, err = tx.ExecContext(ctx, deactivateQuery, oldest.ID, now); err != nil {
			return nil, fmt.Errorf("deactivate evicted device: %w", err)
		}
		const revokeQuery = `UPDATE refresh_tokens SET revoked = TRUE, revoked_at = $3 WHERE user_id = $1 AND device_id = $2 AND revoked = FALSE`
		if _, err = tx.ExecContext(ctx, revokeQuery, oldest.UserID, oldest.DeviceID, now); err != nil {
			return nil, fmt.Errorf("revoke evicted device tokens: %w", err)
		}
		oldest.IsActive = false
		oldest.UpdatedAt = now
		evicted = &oldest
	}

	device.IsActive = true
	device.UpdatedAt = now
	const updateQuery = `UPDATE devices SET device_type = :device_type, name = :name, model = :model,
os_version = :os_version, app_version = :app_version, fingerprint = :fingerprint,
push_token = :push_token, last_ip = :last_ip, last_user_agent = :last_user_agent,
is_active = :is_active, last_active_at = :last_active_at, updated_at = :updated_at
WHERE id = :id`
	if _, err = sqlx.NamedExecContext(ctx, tx, updateQuery, device); err != nil {
		return nil, fmt.Errorf("reactivate device: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit device transaction: %w", err)
	}
	return evicted, nil
}

// CreateWithQuota inserts a new device while holding the quota invariant.
// The user's active devices are locked, the oldest one is deactivated (and its
// refresh tokens revoked) when the count is at or above maxActive, and the new
// row is inserted — all inside one transaction so concurrent registrations
// cannot both slip past the count.
func (r *DeviceRepository) CreateWithQuota(ctx context.Context, device *models.Device, maxActive int) (evicted *models.Device, err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin device transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	lockQuery := fmt.Sprintf(`SELECT %s FROM devices WHERE user_id = $1 AND is_active = TRUE ORDER BY last_active_at ASC FOR UPDATE`, deviceColumns)
	var active []models.Device
	if err = tx.SelectContext(ctx, &active, lockQuery, device.UserID); err != nil {
		return nil, fmt.Errorf("lock active devices: %w", err)
	}

	now := time.Now().UTC()
	if len(active) >= maxActive {
		oldest := active[0]
		const deactivateQuery = `UPDATE devices SET is_active = FALSE, updated_at = $2 WHERE id = $1`
		if _, err = tx.ExecContext(ctx, deactivateQuery, oldest.ID, now); err != nil {
			return nil, fmt.Errorf("deactivate evicted device: %w", err)
		}
		const revokeQuery = `UPDATE refresh_tokens SET revoked = TRUE, revoked_at = $3 WHERE user_id = $1 AND device_id = $2 AND revoked = FALSE`
		if _, err = tx.ExecContext(ctx, revokeQuery, oldest.UserID, oldest.DeviceID, now); err != nil {
			return nil, fmt.Errorf("revoke evicted device tokens: %w", err)
		}
		oldest.IsActive = false
		oldest.UpdatedAt = now
		evicted = &oldest
	}

	if device.ID == "" {
		device.ID = uuid.NewString()
	}
	device.IsActive = true
	if device.LastActiveAt.IsZero() {
		device.LastActiveAt = now
	}
	if device.CreatedAt.IsZero() {
		device.CreatedAt = now
	}
	device.UpdatedAt = now

	const insertQuery = `INSERT INTO devices (id, user_id, device_id, device_type, name, model, os_version, app_version, fingerprint, push_token, last_ip, last_user_agent, is_active, last_active_at, created_at, updated_at)
VALUES (:id, :user_id, :device_id, :device_type, :name, :model, :os_version, :app_version, :fingerprint, :push_token, :last_ip, :last_user_agent, :is_active, :last_active_at, :created_at, :updated_at)`
	if _, err = sqlx.NamedExecContext(ctx, tx, insertQuery, device); err != nil {
		return nil, fmt.Errorf("insert device: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit device transaction: %w", err)
	}
	return evicted, nil
}

// Deactivate flips is_active off for one device. Token state is untouched.
func (r *DeviceRepository) Deactivate(ctx context.Context, userID, deviceID string) error {
	const query = `UPDATE devices SET is_active = FALSE, updated_at = $3 WHERE user_id = $1 AND device_id = $2`
	if _, err := r.db.ExecContext(ctx, query, userID, deviceID, time.Now().UTC()); err != nil {
		return fmt.Errorf("deactivate device: %w", err)
	}
	return nil
}

// DeactivateAll flips is_active off on every device a user owns.
func (r *DeviceRepository) DeactivateAll(ctx context.Context, userID string) error {
	const query = `UPDATE devices SET is_active = FALSE, updated_at = $2 WHERE user_id = $1 AND is_active = TRUE`
	if _, err := r.db.ExecContext(ctx, query, userID, time.Now().UTC()); err != nil {
		return fmt.Errorf("deactivate all devices: %w", err)
	}
	return nil
}

// AssignPushToken moves a push token onto the target device, clearing it from
// any other holder first. Both statements run in one transaction so no two
// devices observe the same token between the clear and the assign. A missing
// target is a silent no-op: the token may arrive before the device registers.
func (r *DeviceRepository) AssignPushToken(ctx context.Context, userID, deviceID, pushToken string) (err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin push token transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	now := time.Now().UTC()
	const clearQuery = `UPDATE devices SET push_token = NULL, updated_at = $4 WHERE push_token = $1 AND NOT (user_id = $2 AND device_id = $3)`
	if _, err = tx.ExecContext(ctx, clearQuery, pushToken, userID, deviceID, now); err != nil {
		return fmt.Errorf("clear push token: %w", err)
	}

	const assignQuery = `UPDATE devices SET push_token = $3, last_active_at = $4, updated_at = $4 WHERE user_id = $1 AND device_id = $2`
	if _, err = tx.ExecContext(ctx, assignQuery, userID, deviceID, pushToken, now); err != nil {
		return fmt.Errorf("assign push token: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit push token transaction: %w", err)
	}
	return nil
}

// UpdateMetadata applies a partial display-metadata update. Nil patch fields
// keep their stored values. Returns false when no owned row matched.
func (r *DeviceRepository) UpdateMetadata(ctx context.Context, userID, id string, patch models.DevicePatch) (bool, error) {
	const query = `UPDATE devices SET
name = COALESCE($3, name),
model = COALESCE($4, model),
os_version = COALESCE($5, os_version),
app_version = COALESCE($6, app_version),
updated_at = $7
WHERE id = $1 AND user_id = $2`
	res, err := r.db.ExecContext(ctx, query, id, userID, patch.Name, patch.Model, patch.OSVersion, patch.AppVersion, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("update device metadata: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update device metadata rows: %w", err)
	}
	return affected > 0, nil
}

// Delete removes a device row permanently.
func (r *DeviceRepository) Delete(ctx context.Context, id string) error {
	const query = `DELETE FROM devices WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("delete device: %w", err)
	}
	return nil
}

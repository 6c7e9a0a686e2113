package service

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/ident-api/internal/models"
	appErrors "github.com/noah-isme/ident-api/pkg/errors"
)

type fakeDeviceStore struct {
	devices map[string]*models.Device // keyed by device_id

	createWithQuotaEvicted *models.Device
	updateMetadataFound    bool

	updated       *models.Device
	created       *models.Device
	reactivated   *models.Device
	deactivated   []string
	deletedIDs    []string
	assignedToken string
	allOff        bool
}

func newFakeDeviceStore() *fakeDeviceStore {
	return &fakeDeviceStore{devices: make(map[string]*models.Device), updateMetadataFound: true}
}

func (f *fakeDeviceStore) FindByUserAndDeviceID(ctx context.Context, userID, deviceID string) (*models.Device, error) {
	dev, ok := f.devices[deviceID]
	if !ok || dev.UserID != userID {
		return nil, sql.ErrNoRows
	}
	copied := *dev
	return &copied, nil
}

func (f *fakeDeviceStore) FindByID(ctx context.Context, userID, id string) (*models.Device, error) {
	for _, dev := range f.devices {
		if dev.ID == id && dev.UserID == userID {
			copied := *dev
			return &copied, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (f *fakeDeviceStore) ListByUser(ctx context.Context, userID string) ([]models.Device, error) {
	out := []models.Device{}
	for _, dev := range f.devices {
		if dev.UserID == userID {
			out = append(out, *dev)
		}
	}
	return out, nil
}

func (f *fakeDeviceStore) Update(ctx context.Context, device *models.Device) error {
	copied := *device
	f.updated = &copied
	f.devices[device.DeviceID] = &copied
	return nil
}

func (f *fakeDeviceStore) CreateWithQuota(ctx context.Context, device *models.Device, maxActive int) (*models.Device, error) {
	copied := *device
	f.created = &copied
	f.devices[device.DeviceID] = &copied
	return f.createWithQuotaEvicted, nil
}

func (f *fakeDeviceStore) ReactivateWithQuota(ctx context.Context, device *models.Device, maxActive int) (*models.Device, error) {
	var evicted *models.Device
	var oldest *models.Device
	active := 0
	for _, dev := range f.devices {
		if dev.UserID == device.UserID && dev.IsActive && dev.DeviceID != device.DeviceID {
			active++
			if oldest == nil || dev.LastActiveAt.Before(oldest.LastActiveAt) {
				oldest = dev
			}
		}
	}
	if active >= maxActive && oldest != nil {
		oldest.IsActive = false
		copied := *oldest
		evicted = &copied
	}
	copied := *device
	copied.IsActive = true
	f.reactivated = &copied
	f.devices[device.DeviceID] = &copied
	return evicted, nil
}

func (f *fakeDeviceStore) activeCount(userID string) int {
	n := 0
	for _, dev := range f.devices {
		if dev.UserID == userID && dev.IsActive {
			n++
		}
	}
	return n
}

func (f *fakeDeviceStore) Deactivate(ctx context.Context, userID, deviceID string) error {
	f.deactivated = append(f.deactivated, deviceID)
	return nil
}

func (f *fakeDeviceStore) DeactivateAll(ctx context.Context, userID string) error {
	f.allOff = true
	return nil
}

func (f *fakeDeviceStore) AssignPushToken(ctx context.Context, userID, deviceID, pushToken string) error {
	f.assignedToken = pushToken
	return nil
}

func (f *fakeDeviceStore) UpdateMetadata(ctx context.Context, userID, id string, patch models.DevicePatch) (bool, error) {
	return f.updateMetadataFound, nil
}

func (f *fakeDeviceStore) Delete(ctx context.Context, id string) error {
	f.deletedIDs = append(f.deletedIDs, id)
	return nil
}

type fakeRevoker struct {
	revoked []string
}

func (f *fakeRevoker) RevokeDeviceTokens(ctx context.Context, userID, deviceID string) error {
	f.revoked = append(f.revoked, deviceID)
	return nil
}

func newTestDeviceService(store *fakeDeviceStore, revoker *fakeRevoker, counters *fakeCounters) *DeviceService {
	if counters == nil {
		counters = &fakeCounters{newDeviceCount: 1, ipCount: 1}
	}
	anomaly := newTestAnomalyService(counters)
	return NewDeviceService(store, revoker, nil, anomaly, nil, nil, DeviceConfig{MaxActive: 5})
}

type fakeAuditor struct {
	entries []*models.AuditLog
}

func (f *fakeAuditor) CreateAuditLog(ctx context.Context, log *models.AuditLog) error {
	f.entries = append(f.entries, log)
	return nil
}

func validDeviceInfo() models.DeviceInfo {
	return models.DeviceInfo{
		DeviceID:   "d1",
		DeviceType: models.DeviceTypeIOS,
		Name:       "iPhone",
		Model:      "iPhone15,2",
		OSVersion:  "17.4",
		AppVersion: "2.1.0",
		IP:         "10.0.0.1",
		UserAgent:  "app/2.1.0",
	}
}

func TestRegisterDeviceNew(t *testing.T) {
	store := newFakeDeviceStore()
	svc := newTestDeviceService(store, &fakeRevoker{}, nil)

	device, evicted, err := svc.RegisterDevice(context.Background(), "u1", validDeviceInfo())
	require.NoError(t, err)
	require.NotNil(t, device)
	assert.Nil(t, evicted)
	assert.True(t, device.IsActive)
	assert.Equal(t, "u1", device.UserID)
	require.NotNil(t, store.created)
	assert.Equal(t, "d1", store.created.DeviceID)
}

func TestRegisterDeviceEvictsAtQuota(t *testing.T) {
	store := newFakeDeviceStore()
	store.createWithQuotaEvicted = &models.Device{ID: "old-row", DeviceID: "d-old", UserID: "u1"}
	svc := newTestDeviceService(store, &fakeRevoker{}, nil)

	_, evicted, err := svc.RegisterDevice(context.Background(), "u1", validDeviceInfo())
	require.NoError(t, err)
	require.NotNil(t, evicted)
	assert.Equal(t, "d-old", evicted.DeviceID)
}

func TestRegisterDeviceKnownRefreshesMetadata(t *testing.T) {
	store := newFakeDeviceStore()
	store.devices["d1"] = &models.Device{
		ID:           "row-1",
		UserID:       "u1",
		DeviceID:     "d1",
		DeviceType:   models.DeviceTypeIOS,
		Name:         "Old Name",
		OSVersion:    "17.0",
		IsActive:     true,
		LastActiveAt: time.Now().Add(-48 * time.Hour),
	}
	svc := newTestDeviceService(store, &fakeRevoker{}, nil)

	info := validDeviceInfo()
	info.Name = ""
	device, evicted, err := svc.RegisterDevice(context.Background(), "u1", info)
	require.NoError(t, err)
	assert.Nil(t, evicted)
	assert.Nil(t, store.created)
	assert.Nil(t, store.reactivated)

	require.NotNil(t, store.updated)
	assert.True(t, device.IsActive)
	assert.Equal(t, "17.4", device.OSVersion)
	// Empty incoming name keeps the stored display name.
	assert.Equal(t, "Old Name", device.Name)
	assert.WithinDuration(t, time.Now(), device.LastActiveAt, 5*time.Second)
}

func TestRegisterDeviceReactivationEvictsAtQuota(t *testing.T) {
	// d1 was evicted earlier and its owner is back at quota with d2..d6.
	// Signing in from d1 again must evict the least recently active device
	// rather than push the active count past the quota.
	store := newFakeDeviceStore()
	now := time.Now()
	store.devices["d1"] = &models.Device{
		ID:           "row-1",
		UserID:       "u1",
		DeviceID:     "d1",
		DeviceType:   models.DeviceTypeIOS,
		IsActive:     false,
		LastActiveAt: now.Add(-6 * time.Hour),
	}
	for i, id := range []string{"d2", "d3", "d4", "d5", "d6"} {
		store.devices[id] = &models.Device{
			ID:           "row-" + id,
			UserID:       "u1",
			DeviceID:     id,
			DeviceType:   models.DeviceTypeIOS,
			IsActive:     true,
			LastActiveAt: now.Add(-time.Duration(5-i) * time.Hour),
		}
	}
	svc := newTestDeviceService(store, &fakeRevoker{}, nil)

	device, evicted, err := svc.RegisterDevice(context.Background(), "u1", validDeviceInfo())
	require.NoError(t, err)
	assert.True(t, device.IsActive)
	require.NotNil(t, evicted)
	assert.Equal(t, "d2", evicted.DeviceID)
	assert.LessOrEqual(t, store.activeCount("u1"), 5)
	require.NotNil(t, store.reactivated)
	assert.Nil(t, store.updated)
}

func TestRegisterDeviceReactivationBelowQuota(t *testing.T) {
	store := newFakeDeviceStore()
	store.devices["d1"] = &models.Device{
		ID:           "row-1",
		UserID:       "u1",
		DeviceID:     "d1",
		DeviceType:   models.DeviceTypeIOS,
		IsActive:     false,
		LastActiveAt: time.Now().Add(-6 * time.Hour),
	}
	store.devices["d2"] = &models.Device{
		ID:           "row-2",
		UserID:       "u1",
		DeviceID:     "d2",
		DeviceType:   models.DeviceTypeIOS,
		IsActive:     true,
		LastActiveAt: time.Now(),
	}
	svc := newTestDeviceService(store, &fakeRevoker{}, nil)

	device, evicted, err := svc.RegisterDevice(context.Background(), "u1", validDeviceInfo())
	require.NoError(t, err)
	assert.True(t, device.IsActive)
	assert.Nil(t, evicted)
	assert.Equal(t, 2, store.activeCount("u1"))
}

func TestRegisterDeviceRejectsInvalidInfo(t *testing.T) {
	svc := newTestDeviceService(newFakeDeviceStore(), &fakeRevoker{}, nil)

	info := validDeviceInfo()
	info.DeviceType = "toaster"
	_, _, err := svc.RegisterDevice(context.Background(), "u1", info)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
}

func TestCheckDeviceAnomalyUsesStoredFingerprint(t *testing.T) {
	store := newFakeDeviceStore()
	store.devices["d1"] = &models.Device{UserID: "u1", DeviceID: "d1", Fingerprint: "fp-stored"}
	svc := newTestDeviceService(store, &fakeRevoker{}, &fakeCounters{ipCount: 1})

	info := validDeviceInfo()
	info.Fingerprint = "fp-other"
	assert.True(t, svc.CheckDeviceAnomaly(context.Background(), "u1", info))

	info.Fingerprint = "fp-stored"
	assert.False(t, svc.CheckDeviceAnomaly(context.Background(), "u1", info))
}

func TestRemoveDevice(t *testing.T) {
	store := newFakeDeviceStore()
	store.devices["d1"] = &models.Device{ID: "row-1", UserID: "u1", DeviceID: "d1"}
	revoker := &fakeRevoker{}
	svc := newTestDeviceService(store, revoker, nil)

	require.NoError(t, svc.RemoveDevice(context.Background(), "u1", "row-1", "10.0.0.1", "app/2.1.0"))
	assert.Equal(t, []string{"d1"}, revoker.revoked)
	assert.Equal(t, []string{"row-1"}, store.deletedIDs)
}

func TestRemoveDeviceWritesAudit(t *testing.T) {
	store := newFakeDeviceStore()
	store.devices["d1"] = &models.Device{ID: "row-1", UserID: "u1", DeviceID: "d1"}
	auditor := &fakeAuditor{}
	anomaly := newTestAnomalyService(&fakeCounters{newDeviceCount: 1, ipCount: 1})
	svc := NewDeviceService(store, &fakeRevoker{}, auditor, anomaly, nil, nil, DeviceConfig{MaxActive: 5})

	require.NoError(t, svc.RemoveDevice(context.Background(), "u1", "row-1", "10.0.0.1", "app/2.1.0"))
	require.Len(t, auditor.entries, 1)
	entry := auditor.entries[0]
	assert.Equal(t, models.AuditActionDeviceRemoved, entry.Action)
	require.NotNil(t, entry.ResourceID)
	assert.Equal(t, "row-1", *entry.ResourceID)
	assert.Equal(t, "10.0.0.1", entry.IPAddress)
}

func TestRemoveDeviceNotFound(t *testing.T) {
	svc := newTestDeviceService(newFakeDeviceStore(), &fakeRevoker{}, nil)

	err := svc.RemoveDevice(context.Background(), "u1", "missing", "10.0.0.1", "app/2.1.0")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)
}

func TestRemoveDeviceWrongOwner(t *testing.T) {
	store := newFakeDeviceStore()
	store.devices["d1"] = &models.Device{ID: "row-1", UserID: "u2", DeviceID: "d1"}
	svc := newTestDeviceService(store, &fakeRevoker{}, nil)

	err := svc.RemoveDevice(context.Background(), "u1", "row-1", "10.0.0.1", "app/2.1.0")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)
}

func TestUpdateDeviceMetadataNotFound(t *testing.T) {
	store := newFakeDeviceStore()
	store.updateMetadataFound = false
	svc := newTestDeviceService(store, &fakeRevoker{}, nil)

	name := "Work Phone"
	err := svc.UpdateDeviceMetadata(context.Background(), "u1", "missing", models.DevicePatch{Name: &name})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)
}

func TestUpdatePushToken(t *testing.T) {
	store := newFakeDeviceStore()
	svc := newTestDeviceService(store, &fakeRevoker{}, nil)

	require.NoError(t, svc.UpdatePushToken(context.Background(), "u1", "d1", "push-abc"))
	assert.Equal(t, "push-abc", store.assignedToken)
}

package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/noah-isme/ident-api/internal/models"
)

type fakeCounters struct {
	newDeviceCount int64
	newDeviceErr   error
	ipCount        int64
	ipErr          error

	newDeviceCalls int
	ipCalls        int
	lastIP         string
}

func (f *fakeCounters) IncrementNewDeviceCount(ctx context.Context, userID string, window time.Duration) (int64, error) {
	f.newDeviceCalls++
	return f.newDeviceCount, f.newDeviceErr
}

func (f *fakeCounters) AddSeenIP(ctx context.Context, userID, ip string, window time.Duration) (int64, error) {
	f.ipCalls++
	f.lastIP = ip
	return f.ipCount, f.ipErr
}

func newTestAnomalyService(counters *fakeCounters) *AnomalyService {
	return NewAnomalyService(counters, nil, AnomalyConfig{
		NewDeviceLimit: 3,
		DistinctIPMax:  5,
		Window:         24 * time.Hour,
	})
}

func TestAnomalyCheckQuietSignIn(t *testing.T) {
	counters := &fakeCounters{newDeviceCount: 1, ipCount: 1}
	svc := newTestAnomalyService(counters)

	suspicious := svc.Check(context.Background(), "u1", nil, models.DeviceInfo{DeviceID: "d1", IP: "10.0.0.1"})

	assert.False(t, suspicious)
	assert.Equal(t, 1, counters.newDeviceCalls)
	assert.Equal(t, 1, counters.ipCalls)
	assert.Equal(t, "10.0.0.1", counters.lastIP)
}

func TestAnomalyCheckNewDeviceRate(t *testing.T) {
	tests := []struct {
		name       string
		count      int64
		suspicious bool
	}{
		{"at limit", 3, false},
		{"over limit", 4, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			counters := &fakeCounters{newDeviceCount: tt.count, ipCount: 1}
			svc := newTestAnomalyService(counters)

			got := svc.Check(context.Background(), "u1", nil, models.DeviceInfo{DeviceID: "d1", IP: "10.0.0.1"})
			assert.Equal(t, tt.suspicious, got)
		})
	}
}

func TestAnomalyCheckKnownDeviceSkipsCounter(t *testing.T) {
	counters := &fakeCounters{newDeviceCount: 100, ipCount: 1}
	svc := newTestAnomalyService(counters)

	known := &models.Device{DeviceID: "d1", Fingerprint: "fp-1"}
	got := svc.Check(context.Background(), "u1", known, models.DeviceInfo{DeviceID: "d1", Fingerprint: "fp-1", IP: "10.0.0.1"})

	assert.False(t, got)
	assert.Equal(t, 0, counters.newDeviceCalls)
}

func TestAnomalyCheckFingerprintMismatch(t *testing.T) {
	counters := &fakeCounters{ipCount: 1}
	svc := newTestAnomalyService(counters)

	known := &models.Device{DeviceID: "d1", Fingerprint: "fp-1"}
	got := svc.Check(context.Background(), "u1", known, models.DeviceInfo{DeviceID: "d1", Fingerprint: "fp-2", IP: "10.0.0.1"})

	assert.True(t, got)
	// IP set is still updated even after an earlier signal flagged.
	assert.Equal(t, 1, counters.ipCalls)
}

func TestAnomalyCheckEmptyFingerprintNotMismatch(t *testing.T) {
	counters := &fakeCounters{ipCount: 1}
	svc := newTestAnomalyService(counters)

	known := &models.Device{DeviceID: "d1", Fingerprint: "fp-1"}
	got := svc.Check(context.Background(), "u1", known, models.DeviceInfo{DeviceID: "d1", IP: "10.0.0.1"})

	assert.False(t, got)
}

func TestAnomalyCheckIPSpread(t *testing.T) {
	tests := []struct {
		name       string
		count      int64
		suspicious bool
	}{
		{"at max", 5, false},
		{"over max", 6, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			counters := &fakeCounters{newDeviceCount: 1, ipCount: tt.count}
			svc := newTestAnomalyService(counters)

			got := svc.Check(context.Background(), "u1", nil, models.DeviceInfo{DeviceID: "d1", IP: "10.0.0.1"})
			assert.Equal(t, tt.suspicious, got)
		})
	}
}

func TestAnomalyCheckNoIPSkipsSet(t *testing.T) {
	counters := &fakeCounters{newDeviceCount: 1, ipCount: 100}
	svc := newTestAnomalyService(counters)

	got := svc.Check(context.Background(), "u1", nil, models.DeviceInfo{DeviceID: "d1"})

	assert.False(t, got)
	assert.Equal(t, 0, counters.ipCalls)
}

func TestAnomalyCheckCounterErrorsQuiet(t *testing.T) {
	counters := &fakeCounters{
		newDeviceErr: errors.New("redis down"),
		ipErr:        errors.New("redis down"),
	}
	svc := newTestAnomalyService(counters)

	got := svc.Check(context.Background(), "u1", nil, models.DeviceInfo{DeviceID: "d1", IP: "10.0.0.1"})
	assert.False(t, got)
}

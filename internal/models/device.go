package models

import (
	"fmt"
	"time"
)

// DeviceType is the closed set of client platforms.
type DeviceType string

const (
	DeviceTypeIOS     DeviceType = "ios"
	DeviceTypeAndroid DeviceType = "android"
	DeviceTypeWeb     DeviceType = "web"
)

// ParseDeviceType validates a client-supplied platform string.
func ParseDeviceType(raw string) (DeviceType, error) {
	switch DeviceType(raw) {
	case DeviceTypeIOS, DeviceTypeAndroid, DeviceTypeWeb:
		return DeviceType(raw), nil
	default:
		return "", fmt.Errorf("unknown device type %q", raw)
	}
}

// Device is a physical client a user has authenticated from. The natural key
// is (user_id, device_id); device_id is a client-supplied opaque string.
type Device struct {
	ID            string     `db:"id" json:"id"`
	UserID        string     `db:"user_id" json:"user_id"`
	DeviceID      string     `db:"device_id" json:"device_id"`
	DeviceType    DeviceType `db:"device_type" json:"device_type"`
	Name          string     `db:"name" json:"name"`
	Model         string     `db:"model" json:"model"`
	OSVersion     string     `db:"os_version" json:"os_version"`
	AppVersion    string     `db:"app_version" json:"app_version"`
	Fingerprint   string     `db:"fingerprint" json:"-"`
	PushToken     *string    `db:"push_token" json:"push_token,omitempty"`
	LastIP        string     `db:"last_ip" json:"last_ip"`
	LastUserAgent string     `db:"last_user_agent" json:"-"`
	IsActive      bool       `db:"is_active" json:"is_active"`
	LastActiveAt  time.Time  `db:"last_active_at" json:"last_active_at"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at" json:"updated_at"`
}

// DeviceInfo carries the client-reported device attributes on sign-up/sign-in.
type DeviceInfo struct {
	DeviceID    string     `json:"device_id" validate:"required"`
	DeviceType  DeviceType `json:"device_type" validate:"required,oneof=ios android web"`
	Name        string     `json:"name"`
	Model       string     `json:"model"`
	OSVersion   string     `json:"os_version"`
	AppVersion  string     `json:"app_version"`
	Fingerprint string     `json:"fingerprint"`
	PushToken   *string    `json:"push_token,omitempty"`
	IP          string     `json:"-"`
	UserAgent   string     `json:"-"`
}

// DevicePatch holds optional display-metadata updates. Nil fields are left
// unchanged (merge semantics).
type DevicePatch struct {
	Name       *string `json:"name,omitempty"`
	Model      *string `json:"model,omitempty"`
	OSVersion  *string `json:"os_version,omitempty"`
	AppVersion *string `json:"app_version,omitempty"`
}

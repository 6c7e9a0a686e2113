package models

import "time"

// SignUpRequest creates an account and registers the originating device.
type SignUpRequest struct {
	Email        string     `json:"email" validate:"required,email"`
	Phone        *string    `json:"phone,omitempty" validate:"omitempty,e164"`
	Password     string     `json:"password" validate:"required,min=8"`
	FullName     string     `json:"full_name" validate:"required"`
	CaptchaToken string     `json:"captcha_token"`
	Device       DeviceInfo `json:"device" validate:"required"`
}

// SignInRequest authenticates by email or phone.
type SignInRequest struct {
	Identifier string     `json:"identifier" validate:"required"`
	Password   string     `json:"password" validate:"required"`
	Device     DeviceInfo `json:"device" validate:"required"`
}

// RefreshRequest exchanges a refresh token for a new pair.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
	IP           string `json:"-"`
	UserAgent    string `json:"-"`
}

// SignOutRequest ends the session on one device, or all of the user's
// sessions when DeviceID is empty.
type SignOutRequest struct {
	DeviceID string `json:"device_id"`
}

// UpdatePushTokenRequest assigns a push token to a device.
type UpdatePushTokenRequest struct {
	DeviceID  string `json:"device_id" validate:"required"`
	PushToken string `json:"push_token" validate:"required"`
}

// AuthResponse is returned by sign-up, sign-in and refresh.
type AuthResponse struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresIn    int64     `json:"expires_in"`
	IssuedAt     time.Time `json:"issued_at"`
	User         UserInfo  `json:"user"`
	Device       *Device   `json:"device,omitempty"`
	Suspicious   bool      `json:"-"`
}

// UserInfo describes the authenticated user in responses.
type UserInfo struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	FullName string `json:"full_name"`
}

// SessionSummary is the cache-resident snapshot cleared on sign-out.
type SessionSummary struct {
	UserID       string    `json:"user_id"`
	DeviceID     string    `json:"device_id"`
	LastSignInAt time.Time `json:"last_sign_in_at"`
	LastIP       string    `json:"last_ip"`
}

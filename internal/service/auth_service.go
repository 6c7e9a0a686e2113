package service

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/noah-isme/ident-api/internal/models"
	appErrors "github.com/noah-isme/ident-api/pkg/errors"
)

type authUserStore interface {
	FindByIdentifier(ctx context.Context, identifier string) (*models.User, error)
	FindByID(ctx context.Context, id string) (*models.User, error)
	Create(ctx context.Context, user *models.User) error
	UpdateLastLogin(ctx context.Context, id string, ts time.Time) error
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

type sessionCache interface {
	SetSessionSummary(ctx context.Context, summary models.SessionSummary, ttl time.Duration) error
	GetSessionSummary(ctx context.Context, userID string) (*models.SessionSummary, error)
	DeleteSessionSummary(ctx context.Context, userID string) error
}

// AuthConfig defines orchestrator-level settings.
type AuthConfig struct {
	SessionSummaryTTL time.Duration
}

// AuthService sequences the token, device and anomaly components into the
// four user-facing flows.
type AuthService struct {
	users     authUserStore
	devices   *DeviceService
	tokens    *TokenService
	captcha   *CaptchaService
	sessions  sessionCache
	metrics   *MetricsService
	validator *validator.Validate
	logger    *zap.Logger
	config    AuthConfig
}

// NewAuthService constructs an AuthService instance.
func NewAuthService(users authUserStore, devices *DeviceService, tokens *TokenService, captcha *CaptchaService, sessions sessionCache, metrics *MetricsService, validate *validator.Validate, logger *zap.Logger, config AuthConfig) *AuthService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	return &AuthService{
		users:     users,
		devices:   devices,
		tokens:    tokens,
		captcha:   captcha,
		sessions:  sessions,
		metrics:   metrics,
		validator: validate,
		logger:    logger,
		config:    config,
	}
}

// SignUp creates an account, registers the originating device and issues the
// first token pair. Duplicate email or phone fails with a conflict.
func (s *AuthService) SignUp(ctx context.Context, req models.SignUpRequest) (*models.AuthResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid sign-up payload")
	}

	if s.captcha != nil {
		ok, err := s.captcha.Verify(ctx, req.CaptchaToken)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrCaptcha.Code, appErrors.ErrCaptcha.Status, "captcha verification failed")
		}
		if !ok {
			return nil, appErrors.Clone(appErrors.ErrCaptcha, "")
		}
	}

	if _, err := s.users.FindByIdentifier(ctx, req.Email); err == nil {
		return nil, appErrors.Clone(appErrors.ErrConflict, "account already exists")
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check existing account")
	}
	if req.Phone != nil {
		if _, err := s.users.FindByIdentifier(ctx, *req.Phone); err == nil {
			return nil, appErrors.Clone(appErrors.ErrConflict, "account already exists")
		} else if !errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check existing account")
		}
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to hash password")
	}

	user := &models.User{
		Email:        req.Email,
		Phone:        req.Phone,
		PasswordHash: string(hash),
		FullName:     req.FullName,
		Active:       true,
	}
	if err := s.users.Create(ctx, user); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create user")
	}

	device, evicted, err := s.devices.RegisterDevice(ctx, user.ID, req.Device)
	if err != nil {
		return nil, err
	}
	s.recordEviction(ctx, user.ID, evicted, req.Device)

	pair, err := s.tokens.IssuePair(ctx, user.ID, device.DeviceID, req.Device.IP, req.Device.UserAgent)
	if err != nil {
		return nil, err
	}

	s.cacheSessionSummary(ctx, user.ID, device.DeviceID, req.Device.IP)
	s.audit(ctx, user.ID, models.AuditActionSignUp, user.ID, req.Device.IP, req.Device.UserAgent, nil)
	if s.metrics != nil {
		s.metrics.IncSignup()
	}

	return s.composeResponse(user, device, pair, false), nil
}

// SignIn authenticates by email or phone. Unknown identifier, missing
// password and wrong password all produce the same unauthorized error so
// accounts cannot be enumerated. The anomaly signal is advisory: it is
// logged, counted and surfaced on the response, never blocking.
func (s *AuthService) SignIn(ctx context.Context, req models.SignInRequest) (*models.AuthResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid sign-in payload")
	}

	user, err := s.users.FindByIdentifier(ctx, req.Identifier)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, s.failLogin()
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to fetch user")
	}

	if !user.Active || !user.HasPassword() {
		return nil, s.failLogin()
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return nil, s.failLogin()
	}

	suspicious := s.devices.CheckDeviceAnomaly(ctx, user.ID, req.Device)
	if suspicious && s.metrics != nil {
		s.metrics.IncAnomaly()
	}

	device, evicted, err := s.devices.RegisterDevice(ctx, user.ID, req.Device)
	if err != nil {
		return nil, err
	}
	s.recordEviction(ctx, user.ID, evicted, req.Device)

	pair, err := s.tokens.IssuePair(ctx, user.ID, device.DeviceID, req.Device.IP, req.Device.UserAgent)
	if err != nil {
		return nil, err
	}

	if err := s.users.UpdateLastLogin(ctx, user.ID, time.Now().UTC()); err != nil {
		s.logger.Warn("failed to update last login", zap.Error(err))
	}

	s.cacheSessionSummary(ctx, user.ID, device.DeviceID, req.Device.IP)
	s.audit(ctx, user.ID, models.AuditActionSignIn, user.ID, req.Device.IP, req.Device.UserAgent, nil)
	if s.metrics != nil {
		s.metrics.IncLogin("success")
	}

	return s.composeResponse(user, device, pair, suspicious), nil
}

// Refresh rotates a refresh token for a new pair. The rotation consumes the
// old token atomically; a concurrent duplicate submission loses and is
// rejected as unauthorized. The device scope carries over from the old token.
func (s *AuthService) Refresh(ctx context.Context, req models.RefreshRequest) (*models.AuthResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid refresh payload")
	}

	claims, err := s.tokens.RotateRefreshToken(ctx, req.RefreshToken)
	if err != nil {
		if s.metrics != nil {
			s.metrics.IncRefresh("failure")
		}
		return nil, err
	}

	user, err := s.users.FindByID(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrUnauthorized, "invalid refresh token")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load user")
	}
	if !user.Active {
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "invalid refresh token")
	}

	pair, err := s.tokens.IssuePair(ctx, user.ID, claims.DeviceID, req.IP, req.UserAgent)
	if err != nil {
		return nil, err
	}

	s.audit(ctx, user.ID, models.AuditActionTokenRefresh, user.ID, req.IP, req.UserAgent, nil)
	if s.metrics != nil {
		s.metrics.IncRefresh("success")
	}

	return s.composeResponse(user, nil, pair, false), nil
}

// SignOut ends the caller's session. The access token is blacklisted for its
// remaining lifetime (skipped when already expired). With a device id the
// device's tokens are revoked and the device deactivated; without one every
// token the user holds is revoked.
func (s *AuthService) SignOut(ctx context.Context, rawAccessToken, userID, deviceID, ip, userAgent string) error {
	if claims := s.tokens.DecodeToken(rawAccessToken); claims != nil && claims.ExpiresAt != nil {
		ttl := time.Until(claims.ExpiresAt.Time)
		if ttl > 0 {
			if err := s.tokens.BlacklistToken(ctx, rawAccessToken, ttl); err != nil {
				s.logger.Warn("failed to blacklist access token", zap.Error(err))
			} else if s.metrics != nil {
				s.metrics.IncBlacklist()
			}
		}
	}

	if deviceID != "" {
		if err := s.tokens.RevokeDeviceTokens(ctx, userID, deviceID); err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to revoke device tokens")
		}
		if err := s.devices.DeactivateDevice(ctx, userID, deviceID); err != nil {
			return err
		}
	} else {
		if err := s.tokens.RevokeAllUserTokens(ctx, userID); err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to revoke user tokens")
		}
	}

	if err := s.sessions.DeleteSessionSummary(ctx, userID); err != nil {
		s.logger.Warn("failed to clear session summary", zap.Error(err))
	}
	s.audit(ctx, userID, models.AuditActionSignOut, userID, ip, userAgent, nil)

	return nil
}

// SignOutAll revokes every refresh token and deactivates every device a user
// owns. The calling access token is not blacklisted; it dies at its natural
// expiry within the short access-token window.
func (s *AuthService) SignOutAll(ctx context.Context, userID, ip, userAgent string) error {
	if err := s.tokens.RevokeAllUserTokens(ctx, userID); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to revoke user tokens")
	}
	if err := s.devices.DeactivateAllDevices(ctx, userID); err != nil {
		return err
	}
	if err := s.sessions.DeleteSessionSummary(ctx, userID); err != nil {
		s.logger.Warn("failed to clear session summary", zap.Error(err))
	}
	s.audit(ctx, userID, models.AuditActionSignOutAll, userID, ip, userAgent, nil)
	return nil
}

// SessionSummary returns the cached snapshot of the user's latest sign-in.
// Expired or never-written summaries surface as not found.
func (s *AuthService) SessionSummary(ctx context.Context, userID string) (*models.SessionSummary, error) {
	summary, err := s.sessions.GetSessionSummary(ctx, userID)
	if err != nil {
		if errors.Is(err, appErrors.ErrCacheMiss) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "no active session")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load session summary")
	}
	return summary, nil
}

func (s *AuthService) failLogin() error {
	if s.metrics != nil {
		s.metrics.IncLogin("failure")
	}
	return appErrors.Clone(appErrors.ErrInvalidCredentials, "")
}

func (s *AuthService) composeResponse(user *models.User, device *models.Device, pair *models.TokenPair, suspicious bool) *models.AuthResponse {
	return &models.AuthResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		ExpiresIn:    pair.ExpiresIn,
		IssuedAt:     time.Now().UTC(),
		User: models.UserInfo{
			ID:       user.ID,
			Email:    user.Email,
			FullName: user.FullName,
		},
		Device:     device,
		Suspicious: suspicious,
	}
}

func (s *AuthService) cacheSessionSummary(ctx context.Context, userID, deviceID, ip string) {
	summary := models.SessionSummary{
		UserID:       userID,
		DeviceID:     deviceID,
		LastSignInAt: time.Now().UTC(),
		LastIP:       ip,
	}
	if err := s.sessions.SetSessionSummary(ctx, summary, s.config.SessionSummaryTTL); err != nil {
		s.logger.Warn("failed to cache session summary", zap.Error(err))
	}
}

func (s *AuthService) recordEviction(ctx context.Context, userID string, evicted *models.Device, info models.DeviceInfo) {
	if evicted == nil {
		return
	}
	if s.metrics != nil {
		s.metrics.IncEviction()
	}
	s.audit(ctx, userID, models.AuditActionDeviceEvicted, evicted.ID, info.IP, info.UserAgent, []byte(`{"device_id":"`+evicted.DeviceID+`"}`))
}

func (s *AuthService) audit(ctx context.Context, userID, action, resourceID, ip, userAgent string, values []byte) {
	entry := &models.AuditLog{
		UserID:     &userID,
		Action:     action,
		Resource:   "auth",
		ResourceID: &resourceID,
		NewValues:  values,
		IPAddress:  ip,
		UserAgent:  userAgent,
	}
	if err := s.users.CreateAuditLog(ctx, entry); err != nil {
		s.logger.Warn("failed to record audit log", zap.String("action", action), zap.Error(err))
	}
}

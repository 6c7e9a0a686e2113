package config

import (
	"errors"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

type Config struct {
	Env       string
	Port      int
	APIPrefix string

	Database DatabaseConfig
	Redis    RedisConfig
	JWT      JWTConfig
	Devices  DevicesConfig
	Anomaly  AnomalyConfig
	Captcha  CaptchaConfig
	Sessions SessionsConfig
	CORS     CORSConfig
	Log      LogConfig
}

type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// JWTConfig controls token minting. Access tokens are short-lived request
// credentials; refresh tokens are long-lived and tracked server-side.
type JWTConfig struct {
	Secret             string
	AccessTokenExpiry  time.Duration
	RefreshTokenExpiry time.Duration
	Issuer             string
}

// DevicesConfig bounds the per-user trusted device set.
type DevicesConfig struct {
	MaxActive int
}

// AnomalyConfig tunes the advisory sign-in anomaly detector.
type AnomalyConfig struct {
	NewDeviceLimit int
	DistinctIPMax  int
	Window         time.Duration
}

// CaptchaConfig configures the external captcha verifier. An empty secret
// disables verification (fails open).
type CaptchaConfig struct {
	VerifyURL string
	Secret    string
	Timeout   time.Duration
}

// SessionsConfig governs the cached session summary.
type SessionsConfig struct {
	SummaryTTL time.Duration
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = v.GetString("API_PREFIX")

	cfg.Database = DatabaseConfig{
		Host:         v.GetString("DB_HOST"),
		Port:         v.GetInt("DB_PORT"),
		User:         v.GetString("DB_USER"),
		Password:     v.GetString("DB_PASSWORD"),
		Name:         v.GetString("DB_NAME"),
		SSLMode:      v.GetString("DB_SSL_MODE"),
		MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
	}

	cfg.Redis = RedisConfig{
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
	}

	cfg.JWT = JWTConfig{
		Secret:             v.GetString("JWT_SECRET"),
		AccessTokenExpiry:  parseDuration(v.GetString("ACCESS_TOKEN_EXPIRATION"), 15*time.Minute),
		RefreshTokenExpiry: parseDuration(v.GetString("REFRESH_TOKEN_EXPIRATION"), 7*24*time.Hour),
		Issuer:             v.GetString("JWT_ISSUER"),
	}

	cfg.Devices = DevicesConfig{
		MaxActive: v.GetInt("MAX_ACTIVE_DEVICES"),
	}

	cfg.Anomaly = AnomalyConfig{
		NewDeviceLimit: v.GetInt("ANOMALY_NEW_DEVICE_LIMIT"),
		DistinctIPMax:  v.GetInt("ANOMALY_DISTINCT_IP_MAX"),
		Window:         parseDuration(v.GetString("ANOMALY_WINDOW"), 24*time.Hour),
	}

	cfg.Captcha = CaptchaConfig{
		VerifyURL: v.GetString("CAPTCHA_VERIFY_URL"),
		Secret:    v.GetString("CAPTCHA_SECRET"),
		Timeout:   parseDuration(v.GetString("CAPTCHA_TIMEOUT"), 5*time.Second),
	}

	cfg.Sessions = SessionsConfig{
		SummaryTTL: parseDuration(v.GetString("SESSION_SUMMARY_TTL"), 24*time.Hour),
	}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "/api/v1")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "ident")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("JWT_SECRET", "dev_secret")
	v.SetDefault("JWT_ISSUER", "ident-api")
	v.SetDefault("ACCESS_TOKEN_EXPIRATION", "15m")
	v.SetDefault("REFRESH_TOKEN_EXPIRATION", "168h")

	v.SetDefault("MAX_ACTIVE_DEVICES", 5)

	v.SetDefault("ANOMALY_NEW_DEVICE_LIMIT", 3)
	v.SetDefault("ANOMALY_DISTINCT_IP_MAX", 5)
	v.SetDefault("ANOMALY_WINDOW", "24h")

	v.SetDefault("CAPTCHA_VERIFY_URL", "https://www.google.com/recaptcha/api/siteverify")
	v.SetDefault("CAPTCHA_SECRET", "")
	v.SetDefault("CAPTCHA_TIMEOUT", "5s")

	v.SetDefault("SESSION_SUMMARY_TTL", "24h")

	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}

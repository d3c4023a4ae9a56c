package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultAppName            = "StageLink"
	defaultAppEnv             = "development"
	defaultPort               = "8080"
	defaultLogLevel           = "info"
	defaultShutdownDelay      = 10 * time.Second
	defaultAccessTokenTTL     = time.Hour
	defaultRefreshTokenTTL    = 30 * 24 * time.Hour
	defaultMaxLoginDevices    = 3
	defaultOTPCooldown        = 5 * time.Minute
	defaultResetTokenTTL      = 5 * time.Minute
	defaultPasswordChangeWait = 30 * time.Minute
	defaultMailTimeout        = 5 * time.Second
)

// Config captures application runtime configuration loaded from environment variables.
type Config struct {
	AppName                string
	AppEnv                 string
	Port                   string
	LogLevel               string
	DatabaseURL            string
	RedisURL               string
	JWTSecret              string
	AccessTokenTTL         time.Duration
	RefreshTokenTTL        time.Duration
	MaxLoginDevices        int
	OTPCooldown            time.Duration
	ResetTokenTTL          time.Duration
	PasswordChangeCooldown time.Duration
	MailTimeout            time.Duration
	AdminEmail             string
	AdminPassword          string
	FrontendBaseURL        string
	ShutdownPeriod         time.Duration
}

// Load reads configuration values from the environment and populates a Config instance.
func Load() (Config, error) {
	cfg := Config{
		AppName:                getEnv("APP_NAME", defaultAppName),
		AppEnv:                 getEnv("APP_ENV", defaultAppEnv),
		Port:                   getEnv("PORT", defaultPort),
		LogLevel:               strings.ToLower(getEnv("LOG_LEVEL", defaultLogLevel)),
		DatabaseURL:            os.Getenv("DATABASE_URL"),
		RedisURL:               os.Getenv("REDIS_URL"),
		JWTSecret:              os.Getenv("JWT_SECRET"),
		AccessTokenTTL:         defaultAccessTokenTTL,
		RefreshTokenTTL:        defaultRefreshTokenTTL,
		MaxLoginDevices:        defaultMaxLoginDevices,
		OTPCooldown:            defaultOTPCooldown,
		ResetTokenTTL:          defaultResetTokenTTL,
		PasswordChangeCooldown: defaultPasswordChangeWait,
		MailTimeout:            defaultMailTimeout,
		AdminEmail:             os.Getenv("ADMIN_EMAIL"),
		AdminPassword:          os.Getenv("ADMIN_DEFAULT_PASSWORD"),
		FrontendBaseURL:        getEnv("FRONTEND_BASE_URL", "http://localhost:3000"),
		ShutdownPeriod:         defaultShutdownDelay,
	}

	durations := []struct {
		envVar string
		dst    *time.Duration
	}{
		{"ACCESS_TOKEN_TTL", &cfg.AccessTokenTTL},
		{"REFRESH_TOKEN_TTL", &cfg.RefreshTokenTTL},
		{"OTP_COOLDOWN", &cfg.OTPCooldown},
		{"RESET_TOKEN_TTL", &cfg.ResetTokenTTL},
		{"PASSWORD_CHANGE_COOLDOWN", &cfg.PasswordChangeCooldown},
		{"MAIL_TIMEOUT", &cfg.MailTimeout},
		{"SHUTDOWN_TIMEOUT", &cfg.ShutdownPeriod},
	}
	for _, d := range durations {
		if v := os.Getenv(d.envVar); v != "" {
			parsed, err := time.ParseDuration(v)
			if err != nil {
				return Config{}, fmt.Errorf("invalid %s: %w", d.envVar, err)
			}
			*d.dst = parsed
		}
	}

	if v := os.Getenv("MAX_LOGIN_DEVICES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return Config{}, fmt.Errorf("invalid MAX_LOGIN_DEVICES: %q", v)
		}
		cfg.MaxLoginDevices = n
	}

	if cfg.JWTSecret == "" {
		if cfg.IsProduction() {
			return Config{}, fmt.Errorf("JWT_SECRET must be set")
		}
		cfg.JWTSecret = "dev-only-insecure-secret"
	}

	if cfg.IsProduction() {
		if cfg.DatabaseURL == "" {
			return Config{}, fmt.Errorf("DATABASE_URL must be set when APP_ENV=%s", cfg.AppEnv)
		}
		if cfg.RedisURL == "" {
			return Config{}, fmt.Errorf("REDIS_URL must be set when APP_ENV=%s", cfg.AppEnv)
		}
	}

	return cfg, nil
}

// Address returns the listen address in the format Fiber expects.
func (c Config) Address() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return fmt.Sprintf(":%s", c.Port)
}

// IsProduction reports whether the app runs with the production cookie posture.
func (c Config) IsProduction() bool {
	return strings.ToLower(c.AppEnv) == "production"
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

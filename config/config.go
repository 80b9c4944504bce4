// Package config loads process configuration for the tenantauth binaries from
// the environment and an optional .env file using Viper.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MrEthical07/tenantauth"
	"github.com/spf13/viper"
)

// Config holds process settings. Engine tuning beyond these keys uses
// tenantauth.DefaultConfig.
type Config struct {
	// HTTPAddr is the listen address of tenantauth-server.
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	// Env is the deployment environment ("development", "production").
	Env         string `mapstructure:"APP_ENV"`
	LogLevel    string `mapstructure:"LOG_LEVEL"`
	ServiceName string `mapstructure:"SERVICE_NAME"`

	DatabaseURL string `mapstructure:"DATABASE_URL"`
	RedisURL    string `mapstructure:"REDIS_URL"`

	// JWTSigningMethod is "ed25519" or "hs256".
	JWTSigningMethod string `mapstructure:"JWT_SIGNING_METHOD"`
	// JWTPrivateKey and JWTPublicKey are base64 (standard encoding). For
	// hs256 the private key is the shared secret.
	JWTPrivateKey string `mapstructure:"JWT_PRIVATE_KEY"`
	JWTPublicKey  string `mapstructure:"JWT_PUBLIC_KEY"`
	JWTKeyID      string `mapstructure:"JWT_KEY_ID"`
	JWTIssuer     string `mapstructure:"JWT_ISSUER"`
	JWTAudience   string `mapstructure:"JWT_AUDIENCE"`
	JWTAccessTTL  string `mapstructure:"JWT_ACCESS_TTL"`
	JWTRefreshTTL string `mapstructure:"JWT_REFRESH_TTL"`

	TOTPIssuer string `mapstructure:"TOTP_ISSUER"`

	SMSLocalAPIKey  string `mapstructure:"SMS_LOCAL_API_KEY"`
	SMSLocalBaseURL string `mapstructure:"SMS_LOCAL_BASE_URL"`
	SMSLocalSender  string `mapstructure:"SMS_LOCAL_SENDER"`
	// OTPLogCodes writes OTPs to the log instead of sending SMS. Refused in
	// production.
	OTPLogCodes bool `mapstructure:"OTP_LOG_CODES"`

	// TenantBaseDomain enables Host-based tenant resolution ("<sub>.<base>").
	TenantBaseDomain string `mapstructure:"TENANT_BASE_DOMAIN"`
	TenantHeader     string `mapstructure:"TENANT_HEADER"`
	// TrustProxy reads the client IP from X-Forwarded-For.
	TrustProxy bool `mapstructure:"TRUST_PROXY"`
	// AdminToken guards tenant provisioning. Empty disables the admin routes.
	AdminToken string `mapstructure:"ADMIN_TOKEN"`

	// AuditDatabaseURL, when set, persists audit events with GORM; otherwise
	// events go to the process log.
	AuditDatabaseURL  string `mapstructure:"AUDIT_DATABASE_URL"`
	AuditAutoMigrate  bool   `mapstructure:"AUDIT_AUTO_MIGRATE"`
	AuditBufferSize   int    `mapstructure:"AUDIT_BUFFER_SIZE"`
	MetricsEnabled    bool   `mapstructure:"METRICS_ENABLED"`
	LatencyHistograms bool   `mapstructure:"METRICS_LATENCY_HISTOGRAMS"`
}

// Load reads .env (if present), then builds and validates Config from the
// environment. Env vars override .env.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig()

	v.AutomaticEnv()

	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("SERVICE_NAME", "tenantauth")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("REDIS_URL", "redis://localhost:6379/0")
	v.SetDefault("JWT_SIGNING_METHOD", "ed25519")
	v.SetDefault("JWT_PRIVATE_KEY", "")
	v.SetDefault("JWT_PUBLIC_KEY", "")
	v.SetDefault("JWT_KEY_ID", "")
	v.SetDefault("JWT_ISSUER", "tenantauth")
	v.SetDefault("JWT_AUDIENCE", "")
	v.SetDefault("JWT_ACCESS_TTL", "1h")
	v.SetDefault("JWT_REFRESH_TTL", "168h")
	v.SetDefault("TOTP_ISSUER", "tenantauth")
	v.SetDefault("SMS_LOCAL_API_KEY", "")
	v.SetDefault("SMS_LOCAL_BASE_URL", "https://www.smslocal.com/dev/bulkV2")
	v.SetDefault("SMS_LOCAL_SENDER", "")
	v.SetDefault("OTP_LOG_CODES", false)
	v.SetDefault("TENANT_BASE_DOMAIN", "")
	v.SetDefault("TENANT_HEADER", "X-Tenant")
	v.SetDefault("TRUST_PROXY", false)
	v.SetDefault("ADMIN_TOKEN", "")
	v.SetDefault("AUDIT_DATABASE_URL", "")
	v.SetDefault("AUDIT_AUTO_MIGRATE", false)
	v.SetDefault("AUDIT_BUFFER_SIZE", 1024)
	v.SetDefault("METRICS_ENABLED", true)
	v.SetDefault("METRICS_LATENCY_HISTOGRAMS", true)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	if cfg.HTTPAddr == "" {
		return nil, errors.New("config: HTTP_ADDR must be set")
	}
	if cfg.OTPLogCodes && cfg.IsProduction() {
		return nil, errors.New("config: OTP_LOG_CODES must not be true when APP_ENV=production")
	}
	if _, err := parseTTL("JWT_ACCESS_TTL", cfg.JWTAccessTTL); err != nil {
		return nil, err
	}
	if _, err := parseTTL("JWT_REFRESH_TTL", cfg.JWTRefreshTTL); err != nil {
		return nil, err
	}
	if cfg.AuditBufferSize <= 0 {
		return nil, errors.New("config: AUDIT_BUFFER_SIZE must be > 0")
	}

	return &cfg, nil
}

// IsProduction reports whether APP_ENV names a production deployment.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Env), "production")
}

// Engine overlays these settings on tenantauth.DefaultConfig. The result is
// validated by the engine builder, not here.
func (c *Config) Engine() (tenantauth.Config, error) {
	out := tenantauth.DefaultConfig()

	out.JWT.SigningMethod = strings.ToLower(strings.TrimSpace(c.JWTSigningMethod))
	out.JWT.Issuer = c.JWTIssuer
	out.JWT.Audience = c.JWTAudience
	out.JWT.KeyID = c.JWTKeyID

	var err error
	if out.JWT.AccessTTL, err = parseTTL("JWT_ACCESS_TTL", c.JWTAccessTTL); err != nil {
		return out, err
	}
	if out.JWT.RefreshTTL, err = parseTTL("JWT_REFRESH_TTL", c.JWTRefreshTTL); err != nil {
		return out, err
	}
	if out.JWT.PrivateKey, err = decodeKey("JWT_PRIVATE_KEY", c.JWTPrivateKey); err != nil {
		return out, err
	}
	if out.JWT.PublicKey, err = decodeKey("JWT_PUBLIC_KEY", c.JWTPublicKey); err != nil {
		return out, err
	}

	out.TOTP.Issuer = c.TOTPIssuer

	out.Audit.Enabled = true
	out.Audit.BufferSize = c.AuditBufferSize

	out.Metrics.Enabled = c.MetricsEnabled
	out.Metrics.EnableLatencyHistograms = c.MetricsEnabled && c.LatencyHistograms

	return out, nil
}

func parseTTL(key, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("config: %s must be > 0", key)
	}
	return d, nil
}

func decodeKey(key, raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	b, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("config: %s is not base64: %w", key, err)
	}
	return b, nil
}

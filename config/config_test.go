package config

import (
	"crypto/ed25519"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// inTempDir runs the test from an empty directory so no stray .env is read.
func inTempDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(prev) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	inTempDir(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "development", cfg.Env)
	assert.Equal(t, "ed25519", cfg.JWTSigningMethod)
	assert.Equal(t, "X-Tenant", cfg.TenantHeader)
	assert.Equal(t, "1h", cfg.JWTAccessTTL)
	assert.Equal(t, 1024, cfg.AuditBufferSize)
	assert.True(t, cfg.MetricsEnabled)
	assert.False(t, cfg.OTPLogCodes)
	assert.False(t, cfg.IsProduction())
}

func TestLoadEnvOverrides(t *testing.T) {
	inTempDir(t)
	t.Setenv("HTTP_ADDR", ":9090")
	t.Setenv("JWT_ISSUER", "custom")
	t.Setenv("TRUST_PROXY", "true")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.HTTPAddr)
	assert.Equal(t, "custom", cfg.JWTIssuer)
	assert.True(t, cfg.TrustProxy)
}

func TestLoadReadsDotEnv(t *testing.T) {
	dir := inTempDir(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("TENANT_BASE_DOMAIN=example.com\nLOG_LEVEL=debug\n"), 0o600))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "example.com", cfg.TenantBaseDomain)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadRejects(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"log codes in production", map[string]string{"APP_ENV": "production", "OTP_LOG_CODES": "true"}, "OTP_LOG_CODES"},
		{"bad ttl", map[string]string{"JWT_ACCESS_TTL": "soon"}, "JWT_ACCESS_TTL"},
		{"negative ttl", map[string]string{"JWT_REFRESH_TTL": "-1h"}, "JWT_REFRESH_TTL"},
		{"audit buffer", map[string]string{"AUDIT_BUFFER_SIZE": "0"}, "AUDIT_BUFFER_SIZE"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			inTempDir(t)
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), "config: ")
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestEngineConfigOverlay(t *testing.T) {
	inTempDir(t)
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	t.Setenv("JWT_PRIVATE_KEY", base64.StdEncoding.EncodeToString(priv))
	t.Setenv("JWT_PUBLIC_KEY", base64.StdEncoding.EncodeToString(pub))
	t.Setenv("JWT_ACCESS_TTL", "15m")
	t.Setenv("TOTP_ISSUER", "Acme")

	cfg, err := Load()
	require.NoError(t, err)
	ec, err := cfg.Engine()
	require.NoError(t, err)

	assert.Equal(t, 15*time.Minute, ec.JWT.AccessTTL)
	assert.Equal(t, 168*time.Hour, ec.JWT.RefreshTTL)
	assert.Equal(t, []byte(priv), ec.JWT.PrivateKey)
	assert.Equal(t, "Acme", ec.TOTP.Issuer)
	assert.True(t, ec.Audit.Enabled)
	assert.True(t, ec.Metrics.EnableLatencyHistograms)
	require.NoError(t, ec.Validate())
}

func TestEngineConfigRejectsBadKey(t *testing.T) {
	cfg := &Config{JWTAccessTTL: "1h", JWTRefreshTTL: "2h", JWTPrivateKey: "%%%"}
	_, err := cfg.Engine()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_PRIVATE_KEY")
}

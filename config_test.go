package tenantauth

import (
	"testing"
	"time"
)

func validTestConfig() Config {
	cfg := DefaultConfig()
	cfg.JWT.SigningMethod = "hs256"
	cfg.JWT.PrivateKey = []byte("0123456789abcdef0123456789abcdef")
	return cfg
}

func TestDefaultConfigNeedsKeys(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err == nil {
		t.Fatal("default config without signing keys must not validate")
	}
	cfg = validTestConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Config)
		wantValid bool
	}{
		{"jwt leeway valid", func(c *Config) { c.JWT.Leeway = 45 * time.Second }, true},
		{"jwt leeway invalid", func(c *Config) { c.JWT.Leeway = 3 * time.Minute }, false},
		{"refresh not longer than access", func(c *Config) { c.JWT.RefreshTTL = c.JWT.AccessTTL }, false},
		{"hs256 short key", func(c *Config) { c.JWT.PrivateKey = []byte("short") }, false},
		{"unknown signing method", func(c *Config) { c.JWT.SigningMethod = "rs256" }, false},
		{"ed25519 without public key", func(c *Config) { c.JWT.SigningMethod = "ed25519" }, false},
		{"otp digits", func(c *Config) { c.OTP.Digits = 8 }, false},
		{"otp ttl too long", func(c *Config) { c.OTP.TTL = 2 * time.Hour }, false},
		{"otp attempts zero", func(c *Config) { c.OTP.MaxAttempts = 0 }, false},
		{"otp send limit without window", func(c *Config) { c.OTP.SendWindow = 0 }, false},
		{"otp send throttle disabled", func(c *Config) { c.OTP.SendLimit = 0; c.OTP.SendWindow = 0 }, true},
		{"finalize window zero", func(c *Config) { c.OTP.FinalizeWindow = 0 }, false},
		{"totp issuer blank", func(c *Config) { c.TOTP.Issuer = "  " }, false},
		{"totp algorithm lower case", func(c *Config) { c.TOTP.Algorithm = "sha256" }, true},
		{"totp algorithm unknown", func(c *Config) { c.TOTP.Algorithm = "MD5" }, false},
		{"totp skew too wide", func(c *Config) { c.TOTP.Skew = 4 }, false},
		{"backup code count", func(c *Config) { c.TOTP.BackupCodeCount = 0 }, false},
		{"backup code bytes", func(c *Config) { c.TOTP.BackupCodeBytes = 2 }, false},
		{"negative second factor budget", func(c *Config) { c.TOTP.MaxFailures = -1 }, false},
		{"second factor budget without window", func(c *Config) { c.TOTP.MaxFailures = 5; c.TOTP.FailureWindow = 0 }, false},
		{"second factor budget disabled", func(c *Config) { c.TOTP.MaxFailures = 0; c.TOTP.FailureWindow = 0 }, true},
		{"login session ttl", func(c *Config) { c.LoginSession.TTL = time.Hour }, false},
		{"lockout failures", func(c *Config) { c.Lockout.MaxFailures = 0 }, false},
		{"lockout disabled ignores failures", func(c *Config) { c.Lockout.Enabled = false; c.Lockout.MaxFailures = 0 }, true},
		{"ip throttle without window", func(c *Config) { c.Lockout.IPMaxFailures = 10; c.Lockout.IPWindow = 0 }, false},
		{"password min length", func(c *Config) { c.Password.MinLength = 6 }, false},
		{"password max below min", func(c *Config) { c.Password.MaxLength = 9 }, false},
		{"permission bits", func(c *Config) { c.Authz.PermissionBits = 100 }, false},
		{"permission bits 512", func(c *Config) { c.Authz.PermissionBits = 512 }, true},
		{"no admin predicate", func(c *Config) { c.Authz.AdminRoleName = ""; c.Authz.AdminPermission = "" }, false},
		{"admin by permission only", func(c *Config) { c.Authz.AdminRoleName = ""; c.Authz.AdminPermission = "company.admin" }, true},
		{"invitation ttl", func(c *Config) { c.Invitation.TTL = 0 }, false},
		{"invitation token bytes", func(c *Config) { c.Invitation.TokenBytes = 8 }, false},
		{"audit buffer", func(c *Config) { c.Audit.Enabled = true; c.Audit.BufferSize = 0 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validTestConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantValid && err != nil {
				t.Fatalf("expected valid, got %v", err)
			}
			if !tt.wantValid && err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestCloneConfigCopiesKeys(t *testing.T) {
	cfg := validTestConfig()
	cfg.JWT.VerifyKeys = map[string][]byte{"k1": []byte("key-one")}

	out := cloneConfig(cfg)
	cfg.JWT.PrivateKey[0] = 'X'
	cfg.JWT.VerifyKeys["k1"][0] = 'X'

	if out.JWT.PrivateKey[0] == 'X' {
		t.Fatal("PrivateKey must be copied")
	}
	if out.JWT.VerifyKeys["k1"][0] == 'X' {
		t.Fatal("VerifyKeys must be copied")
	}
}

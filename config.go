package tenantauth

import (
	"errors"
	"strings"
	"time"
)

// Config is the complete engine configuration. Obtain defaults with
// DefaultConfig, adjust, and pass it to Builder.WithConfig.
type Config struct {
	JWT          JWTConfig
	OTP          OTPConfig
	TOTP         TOTPConfig
	LoginSession LoginSessionConfig
	Lockout      LockoutConfig
	Password     PasswordConfig
	Authz        AuthzConfig
	Invitation   InvitationConfig
	Audit        AuditConfig
	Metrics      MetricsConfig
}

/*
====================================
JWT CONFIG
====================================
*/

// JWTConfig configures access and refresh tokens.
type JWTConfig struct {
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	SigningMethod string // "ed25519" (default) or "hs256"
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string
	Audience      string
	Leeway        time.Duration
	KeyID         string
	VerifyKeys    map[string][]byte
}

/*
====================================
SIGNUP OTP CONFIG
====================================
*/

// OTPConfig configures the mobile verification step of signup.
type OTPConfig struct {
	Digits      int
	TTL         time.Duration
	MaxAttempts int
	// SendLimit OTP messages per SendWindow per tenant and mobile. Zero
	// disables the throttle.
	SendLimit  int
	SendWindow time.Duration
	// FinalizeWindow bounds the time between a verified OTP and Finalize.
	FinalizeWindow time.Duration
}

/*
====================================
TWO-FACTOR CONFIG
====================================
*/

// TOTPConfig configures authenticator-app enrollment and backup codes.
type TOTPConfig struct {
	Issuer          string
	Digits          int
	Period          int
	Algorithm       string
	Skew            int
	BackupCodeCount int
	// BackupCodeBytes of entropy per code; codes are rendered as hex.
	BackupCodeBytes int
	// MaxFailures wrong TOTP or backup codes per identity per FailureWindow,
	// counted across login sessions. Zero disables the throttle.
	MaxFailures   int
	FailureWindow time.Duration
}

// LoginSessionConfig configures the pending second-factor step of login.
type LoginSessionConfig struct {
	TTL         time.Duration
	MaxAttempts int
}

/*
====================================
LOCKOUT CONFIG
====================================
*/

// LockoutConfig configures failed-login throttling. Failures are counted per
// identity (or per identifier when no identity matched) and optionally per
// client IP.
type LockoutConfig struct {
	Enabled       bool
	MaxFailures   int
	Window        time.Duration
	IPMaxFailures int
	IPWindow      time.Duration
}

/*
====================================
PASSWORD CONFIG
====================================
*/

// PasswordConfig configures hashing and the password policy.
type PasswordConfig struct {
	Memory         uint32 // in KB
	Time           uint32
	Parallelism    uint8
	SaltLength     uint32
	KeyLength      uint32
	MinLength      int
	MaxLength      int
	AllowBcrypt    bool
	UpgradeOnLogin bool
}

/*
====================================
AUTHORIZATION CONFIG
====================================
*/

// AuthzConfig configures role resolution and the admin predicate.
type AuthzConfig struct {
	// PermissionBits is the permission set width: 64, 128, 256 or 512.
	PermissionBits int
	// AdminRoleName marks a role as administrative, compared case-insensitively.
	AdminRoleName string
	// AdminPermission, when set, also makes its holders admins.
	AdminPermission string
}

// InvitationConfig configures membership invitations.
type InvitationConfig struct {
	TTL        time.Duration
	TokenBytes int
}

/*
====================================
AUDIT / METRICS CONFIG
====================================
*/

// AuditConfig configures asynchronous audit dispatch.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

// MetricsConfig toggles in-process counters and latency histograms.
type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

/*
====================================
DEFAULT CONFIG
====================================
*/

// DefaultConfig returns the production defaults. Signing keys must still be
// supplied.
func DefaultConfig() Config {
	return Config{
		JWT: JWTConfig{
			AccessTTL:     time.Hour,
			RefreshTTL:    7 * 24 * time.Hour,
			SigningMethod: "ed25519",
			Issuer:        "tenantauth",
			Leeway:        30 * time.Second,
		},
		OTP: OTPConfig{
			Digits:         6,
			TTL:            5 * time.Minute,
			MaxAttempts:    5,
			SendLimit:      3,
			SendWindow:     time.Hour,
			FinalizeWindow: 15 * time.Minute,
		},
		TOTP: TOTPConfig{
			Issuer:          "tenantauth",
			Digits:          6,
			Period:          30,
			Algorithm:       "SHA1",
			Skew:            1,
			BackupCodeCount: 10,
			BackupCodeBytes: 5,
			MaxFailures:     5,
			FailureWindow:   15 * time.Minute,
		},
		LoginSession: LoginSessionConfig{
			TTL:         5 * time.Minute,
			MaxAttempts: 5,
		},
		Lockout: LockoutConfig{
			Enabled:       true,
			MaxFailures:   5,
			Window:        30 * time.Minute,
			IPMaxFailures: 0,
			IPWindow:      15 * time.Minute,
		},
		Password: PasswordConfig{
			Memory:         65536,
			Time:           3,
			Parallelism:    2,
			SaltLength:     16,
			KeyLength:      32,
			MinLength:      10,
			MaxLength:      128,
			AllowBcrypt:    false,
			UpgradeOnLogin: true,
		},
		Authz: AuthzConfig{
			PermissionBits: 128,
			AdminRoleName:  "admin",
		},
		Invitation: InvitationConfig{
			TTL:        7 * 24 * time.Hour,
			TokenBytes: 32,
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled:                 false,
			EnableLatencyHistograms: false,
		},
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.JWT.PrivateKey = cloneBytes(cfg.JWT.PrivateKey)
	out.JWT.PublicKey = cloneBytes(cfg.JWT.PublicKey)
	if cfg.JWT.VerifyKeys != nil {
		out.JWT.VerifyKeys = make(map[string][]byte, len(cfg.JWT.VerifyKeys))
		for kid, key := range cfg.JWT.VerifyKeys {
			out.JWT.VerifyKeys[kid] = cloneBytes(key)
		}
	}
	return out
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

/*
====================================
VALIDATION
====================================
*/

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	// JWT
	if c.JWT.AccessTTL <= 0 {
		return errors.New("JWT AccessTTL must be > 0")
	}
	if c.JWT.RefreshTTL <= c.JWT.AccessTTL {
		return errors.New("JWT RefreshTTL must be > AccessTTL")
	}
	switch c.JWT.SigningMethod {
	case "ed25519":
		if len(c.JWT.PrivateKey) == 0 {
			return errors.New("ed25519 requires PrivateKey")
		}
		if len(c.JWT.PublicKey) == 0 && len(c.JWT.VerifyKeys) == 0 {
			return errors.New("ed25519 requires PublicKey or VerifyKeys")
		}
	case "hs256":
		if len(c.JWT.PrivateKey) < 32 {
			return errors.New("hs256 requires a PrivateKey of at least 32 bytes")
		}
	default:
		return errors.New("unsupported JWT signing method")
	}
	if c.JWT.Leeway < 0 || c.JWT.Leeway > 2*time.Minute {
		return errors.New("JWT Leeway must be within [0, 2m]")
	}

	// OTP
	if c.OTP.Digits != 6 {
		return errors.New("OTP Digits must be 6")
	}
	if c.OTP.TTL <= 0 || c.OTP.TTL > time.Hour {
		return errors.New("OTP TTL must be within (0, 1h]")
	}
	if c.OTP.MaxAttempts <= 0 || c.OTP.MaxAttempts > 65535 {
		return errors.New("OTP MaxAttempts must be within [1, 65535]")
	}
	if c.OTP.SendLimit < 0 {
		return errors.New("OTP SendLimit must be >= 0")
	}
	if c.OTP.SendLimit > 0 && c.OTP.SendWindow <= 0 {
		return errors.New("OTP SendWindow must be > 0 when SendLimit is set")
	}
	if c.OTP.FinalizeWindow <= 0 {
		return errors.New("OTP FinalizeWindow must be > 0")
	}

	// TOTP
	if strings.TrimSpace(c.TOTP.Issuer) == "" {
		return errors.New("TOTP Issuer must be set")
	}
	if c.TOTP.Digits != 6 {
		return errors.New("TOTP Digits must be 6")
	}
	if c.TOTP.Period <= 0 {
		return errors.New("TOTP Period must be > 0")
	}
	switch strings.ToUpper(c.TOTP.Algorithm) {
	case "SHA1", "SHA256", "SHA512":
	default:
		return errors.New("TOTP Algorithm must be SHA1, SHA256 or SHA512")
	}
	if c.TOTP.Skew < 0 || c.TOTP.Skew > 3 {
		return errors.New("TOTP Skew must be within [0, 3]")
	}
	if c.TOTP.BackupCodeCount <= 0 || c.TOTP.BackupCodeCount > 32 {
		return errors.New("TOTP BackupCodeCount must be within [1, 32]")
	}
	if c.TOTP.BackupCodeBytes < 4 || c.TOTP.BackupCodeBytes > 32 {
		return errors.New("TOTP BackupCodeBytes must be within [4, 32]")
	}
	if c.TOTP.MaxFailures < 0 {
		return errors.New("TOTP MaxFailures must be >= 0")
	}
	if c.TOTP.MaxFailures > 0 && c.TOTP.FailureWindow <= 0 {
		return errors.New("TOTP FailureWindow must be > 0 when MaxFailures is set")
	}

	// Login session
	if c.LoginSession.TTL <= 0 || c.LoginSession.TTL > 30*time.Minute {
		return errors.New("LoginSession TTL must be within (0, 30m]")
	}
	if c.LoginSession.MaxAttempts <= 0 || c.LoginSession.MaxAttempts > 65535 {
		return errors.New("LoginSession MaxAttempts must be within [1, 65535]")
	}

	// Lockout
	if c.Lockout.Enabled {
		if c.Lockout.MaxFailures <= 0 {
			return errors.New("Lockout MaxFailures must be > 0 when enabled")
		}
		if c.Lockout.Window <= 0 {
			return errors.New("Lockout Window must be > 0 when enabled")
		}
		if c.Lockout.IPMaxFailures < 0 {
			return errors.New("Lockout IPMaxFailures must be >= 0")
		}
		if c.Lockout.IPMaxFailures > 0 && c.Lockout.IPWindow <= 0 {
			return errors.New("Lockout IPWindow must be > 0 when IPMaxFailures is set")
		}
	}

	// Password
	if c.Password.MinLength < 8 {
		return errors.New("Password MinLength must be >= 8")
	}
	if c.Password.MaxLength < c.Password.MinLength || c.Password.MaxLength > 1024 {
		return errors.New("Password MaxLength must be within [MinLength, 1024]")
	}

	// Authz
	switch c.Authz.PermissionBits {
	case 64, 128, 256, 512:
	default:
		return errors.New("Authz PermissionBits must be 64, 128, 256 or 512")
	}
	if strings.TrimSpace(c.Authz.AdminRoleName) == "" && c.Authz.AdminPermission == "" {
		return errors.New("Authz needs AdminRoleName or AdminPermission")
	}

	// Invitation
	if c.Invitation.TTL <= 0 {
		return errors.New("Invitation TTL must be > 0")
	}
	if c.Invitation.TokenBytes < 16 || c.Invitation.TokenBytes > 64 {
		return errors.New("Invitation TokenBytes must be within [16, 64]")
	}

	// Audit
	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("Audit BufferSize must be > 0 when enabled")
	}

	return nil
}

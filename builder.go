package tenantauth

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrEthical07/tenantauth/internal/rate"
	"github.com/MrEthical07/tenantauth/internal/stores"
	"github.com/MrEthical07/tenantauth/jwt"
	"github.com/MrEthical07/tenantauth/password"
	"github.com/MrEthical07/tenantauth/permission"
	"github.com/MrEthical07/tenantauth/totp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Builder assembles an Engine. A Builder is single use.
type Builder struct {
	config Config
	redis  redis.UniversalClient
	store  Store

	permissions []permission.Definition

	notifier  Notifier
	auditSink AuditSink
	logger    *zap.Logger
	now       func() time.Time

	built bool
}

// New returns a Builder holding DefaultConfig.
func New() *Builder {
	return &Builder{
		config: DefaultConfig(),
	}
}

func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis sets the client backing OTP challenges, login sessions, the
// refresh blacklist and rate limits. Required.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithStore sets the persistent credential and directory store. Required.
func (b *Builder) WithStore(store Store) *Builder {
	b.store = store
	return b
}

// WithPermissions registers the global permission catalog. Codes are
// assigned bits in the order given. Required.
func (b *Builder) WithPermissions(defs ...permission.Definition) *Builder {
	b.permissions = append(b.permissions, defs...)
	return b
}

// WithNotifier sets the OTP delivery channel. Required.
func (b *Builder) WithNotifier(n Notifier) *Builder {
	b.notifier = n
	return b
}

func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

func (b *Builder) WithLogger(logger *zap.Logger) *Builder {
	b.logger = logger
	return b
}

// WithClock overrides time.Now for every expiry decision the Engine makes.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

// Build validates the configuration and wires the Engine.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)

	if b.redis == nil {
		return nil, errors.New("redis client required")
	}
	if b.store == nil {
		return nil, errors.New("store required")
	}
	if b.notifier == nil {
		return nil, errors.New("notifier required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(b.permissions) == 0 {
		return nil, errors.New("permissions must be provided")
	}

	now := b.now
	if now == nil {
		now = time.Now
	}
	logger := b.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	// -------- PERMISSION REGISTRY --------
	registry, err := permission.NewRegistry(cfg.Authz.PermissionBits)
	if err != nil {
		return nil, err
	}
	for _, def := range b.permissions {
		if _, err := registry.Register(def); err != nil {
			return nil, err
		}
	}
	if cfg.Authz.AdminPermission != "" {
		if _, ok := registry.Bit(cfg.Authz.AdminPermission); !ok {
			return nil, fmt.Errorf("Authz AdminPermission %q is not registered", cfg.Authz.AdminPermission)
		}
	}
	registry.Freeze()

	// -------- PASSWORDS --------
	primary, err := password.NewArgon2(password.Config{
		Memory:      cfg.Password.Memory,
		Time:        cfg.Password.Time,
		Parallelism: cfg.Password.Parallelism,
		SaltLength:  cfg.Password.SaltLength,
		KeyLength:   cfg.Password.KeyLength,
	})
	if err != nil {
		return nil, err
	}
	var legacy []password.Hasher
	if cfg.Password.AllowBcrypt {
		bc, err := password.NewBcrypt(0)
		if err != nil {
			return nil, err
		}
		legacy = append(legacy, bc)
	}
	passwords := password.NewChain(primary, legacy...)

	// Compared against when no identity matches so failed logins cost the
	// same whether or not the identifier exists.
	dummyHash, err := primary.Hash("tenantauth-timing-equalizer")
	if err != nil {
		return nil, err
	}

	// -------- TOKENS --------
	jm, err := jwt.NewManager(jwt.Config{
		AccessTTL:     cfg.JWT.AccessTTL,
		RefreshTTL:    cfg.JWT.RefreshTTL,
		SigningMethod: jwt.SigningMethod(cfg.JWT.SigningMethod),
		PrivateKey:    cloneBytes(cfg.JWT.PrivateKey),
		PublicKey:     cloneBytes(cfg.JWT.PublicKey),
		Issuer:        cfg.JWT.Issuer,
		Audience:      cfg.JWT.Audience,
		Leeway:        cfg.JWT.Leeway,
		RequireIAT:    true,
		KeyID:         cfg.JWT.KeyID,
		VerifyKeys:    cloneConfig(cfg).JWT.VerifyKeys,
		Now:           now,
	})
	if err != nil {
		return nil, err
	}

	engine := &Engine{
		config:    cloneConfig(cfg),
		store:     b.store,
		registry:  registry,
		passwords: passwords,
		dummyHash: dummyHash,
		jwt:       jm,
		notifier:  b.notifier,
		logger:    logger.Named("tenantauth"),
		now:       now,
	}

	engine.limiter = rate.New(b.redis)
	engine.otpStore = stores.NewOTPChallengeStore(b.redis, "otp", now)
	engine.sessionStore = stores.NewLoginSessionStore(b.redis, "als", now)
	engine.blacklist = stores.NewTokenBlacklist(b.redis, "rbl")
	engine.totp = totp.New(totp.Config{
		Issuer:    cfg.TOTP.Issuer,
		Digits:    cfg.TOTP.Digits,
		Period:    cfg.TOTP.Period,
		Algorithm: cfg.TOTP.Algorithm,
		Skew:      cfg.TOTP.Skew,
	})
	engine.audit = newAuditDispatcher(cfg.Audit, b.auditSink, logger)
	engine.metrics = NewMetrics(cfg.Metrics)

	b.built = true

	return engine, nil
}

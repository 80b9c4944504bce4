package tenantauth_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrEthical07/tenantauth"
	"github.com/MrEthical07/tenantauth/permission"
	"github.com/MrEthical07/tenantauth/store/memory"
	"github.com/MrEthical07/tenantauth/totp"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

const testPassword = "Corr3ct!Horse"

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// captureNotifier records the last code sent to each mobile.
type captureNotifier struct {
	mu    sync.Mutex
	codes map[string]string
	sent  int
	fail  error
}

func (n *captureNotifier) SendOTP(_ context.Context, mobile, code string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail != nil {
		return n.fail
	}
	if n.codes == nil {
		n.codes = make(map[string]string)
	}
	n.codes[mobile] = code
	n.sent++
	return nil
}

func (n *captureNotifier) code(t *testing.T, mobile string) string {
	t.Helper()
	n.mu.Lock()
	defer n.mu.Unlock()
	code, ok := n.codes[mobile]
	if !ok {
		t.Fatalf("no otp sent to %s", mobile)
	}
	return code
}

type harness struct {
	engine   *tenantauth.Engine
	store    *memory.Store
	notifier *captureNotifier
	clock    *fixedClock
	redis    *miniredis.Miniredis
	tenant   *tenantauth.Tenant
	ctx      context.Context
	config   tenantauth.Config
}

func testConfig() tenantauth.Config {
	cfg := tenantauth.DefaultConfig()
	cfg.JWT.SigningMethod = "hs256"
	cfg.JWT.PrivateKey = []byte("tenantauth-test-signing-key-0123456789")
	cfg.Password.Memory = 8192
	cfg.Password.Time = 1
	cfg.Password.Parallelism = 1
	return cfg
}

var testPermissions = []permission.Definition{
	{Code: "doc.read", Module: "doc"},
	{Code: "doc.write", Module: "doc"},
	{Code: "doc.delete", Module: "doc"},
	{Code: "billing.view", Module: "billing"},
}

func newHarness(t *testing.T, mutate func(*tenantauth.Config)) *harness {
	t.Helper()

	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	clock := &fixedClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := memory.New()
	notifier := &captureNotifier{}

	engine, err := tenantauth.New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithStore(store).
		WithPermissions(testPermissions...).
		WithNotifier(notifier).
		WithClock(clock.Now).
		WithMetricsEnabled(true).
		Build()
	if err != nil {
		t.Fatalf("build engine: %v", err)
	}
	t.Cleanup(engine.Close)

	h := &harness{
		engine:   engine,
		store:    store,
		notifier: notifier,
		clock:    clock,
		redis:    mr,
		config:   cfg,
	}
	h.tenant, h.ctx = h.newTenant(t, "acme")
	return h
}

func (h *harness) newTenant(t *testing.T, subdomain string) (*tenantauth.Tenant, context.Context) {
	t.Helper()
	if _, err := h.engine.CreateTenant(context.Background(), subdomain, subdomain+" Inc"); err != nil {
		t.Fatalf("create tenant: %v", err)
	}
	tenant, err := h.engine.ResolveTenant(context.Background(), subdomain)
	if err != nil {
		t.Fatalf("resolve tenant: %v", err)
	}
	return tenant, tenantauth.WithTenant(context.Background(), tenant)
}

// register runs signup, OTP verification and finalize for a new identity.
func (h *harness) register(t *testing.T, ctx context.Context, mobile, email string) (string, *tenantauth.TokenPair) {
	t.Helper()
	res, err := h.engine.Signup(ctx, "Test User", mobile)
	if err != nil {
		t.Fatalf("signup: %v", err)
	}
	if err := h.engine.VerifyOTP(ctx, mobile, h.notifier.code(t, mobile)); err != nil {
		t.Fatalf("verify otp: %v", err)
	}
	pair, err := h.engine.Finalize(ctx, mobile, email, testPassword)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	return res.IdentityID, pair
}

// enrollTOTP enables TOTP and returns the decoded secret and backup codes.
// The clock is advanced past the time step used for activation.
func (h *harness) enrollTOTP(t *testing.T, identityID string) ([]byte, []string) {
	t.Helper()
	enrollment, err := h.engine.EnableTOTP(h.ctx, identityID)
	if err != nil {
		t.Fatalf("enable totp: %v", err)
	}
	secret, err := totp.DecodeSecret(enrollment.Secret)
	if err != nil {
		t.Fatalf("decode secret: %v", err)
	}
	if err := h.engine.VerifyTOTP(h.ctx, identityID, h.totpCode(t, secret)); err != nil {
		t.Fatalf("activate totp: %v", err)
	}
	h.clock.Advance(time.Duration(h.config.TOTP.Period) * time.Second)
	return secret, enrollment.BackupCodes
}

func (h *harness) totpCode(t *testing.T, secret []byte) string {
	t.Helper()
	gen := totp.New(totp.Config{
		Digits:    h.config.TOTP.Digits,
		Period:    h.config.TOTP.Period,
		Algorithm: h.config.TOTP.Algorithm,
	})
	code, err := gen.Code(secret, gen.Counter(h.clock.Now()))
	if err != nil {
		t.Fatalf("totp code: %v", err)
	}
	return code
}

func expectErr(t *testing.T, err, want error) {
	t.Helper()
	if !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
}

func (h *harness) clockStep() time.Duration {
	return time.Duration(h.config.TOTP.Period) * time.Second
}

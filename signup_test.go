package tenantauth_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MrEthical07/tenantauth"
)

func wrongCode(code string) string {
	last := code[len(code)-1]
	if last == '9' {
		return code[:len(code)-1] + "0"
	}
	return code[:len(code)-1] + string(last+1)
}

func TestSignupRequiresTenant(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.engine.Signup(context.Background(), "Test User", "+15551230001")
	expectErr(t, err, tenantauth.ErrTenantRequired)
}

func TestResolveTenant(t *testing.T) {
	h := newHarness(t, nil)

	got, err := h.engine.ResolveTenant(context.Background(), "ACME")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.ID != h.tenant.ID {
		t.Fatalf("resolved %q, want %q", got.ID, h.tenant.ID)
	}
	_, err = h.engine.ResolveTenant(context.Background(), "nobody")
	expectErr(t, err, tenantauth.ErrTenantNotFound)
	_, err = h.engine.CreateTenant(context.Background(), "acme", "Again")
	expectErr(t, err, tenantauth.ErrTenantExists)
}

func TestSignupVerifyFinalize(t *testing.T) {
	h := newHarness(t, nil)
	mobile := "+15551230002"

	id, pair := h.register(t, h.ctx, mobile, "Ada@Example.com")
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatal("finalize must return a token pair")
	}

	identity, err := h.store.IdentityByID(h.ctx, h.tenant.ID, id)
	if err != nil {
		t.Fatalf("load identity: %v", err)
	}
	if identity.SignupState != tenantauth.SignupFinalized || !identity.PhoneVerified {
		t.Fatalf("unexpected identity state %+v", identity)
	}
	if identity.Email != "ada@example.com" {
		t.Fatalf("email not normalized: %q", identity.Email)
	}

	_, err = h.engine.Finalize(h.ctx, mobile, "ada@example.com", testPassword)
	expectErr(t, err, tenantauth.ErrAlreadyFinalized)

	_, err = h.engine.Signup(h.ctx, "Someone Else", mobile)
	expectErr(t, err, tenantauth.ErrIdentityExists)
}

func TestSignupRestartReusesProvisionalIdentity(t *testing.T) {
	h := newHarness(t, nil)
	mobile := "+15551230003"

	first, err := h.engine.Signup(h.ctx, "First Name", mobile)
	if err != nil {
		t.Fatalf("signup: %v", err)
	}
	second, err := h.engine.Signup(h.ctx, "Second Name", mobile)
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if first.IdentityID != second.IdentityID {
		t.Fatal("restart must reuse the provisional identity")
	}
	if !strings.HasPrefix(first.Username, "first_name") || second.Username != first.Username {
		t.Fatalf("username must be derived once: %q then %q", first.Username, second.Username)
	}
	identity, _ := h.store.IdentityByID(h.ctx, h.tenant.ID, first.IdentityID)
	if identity.FullName != "Second Name" {
		t.Fatalf("name not updated: %q", identity.FullName)
	}
}

func TestVerifyOTPExpired(t *testing.T) {
	h := newHarness(t, nil)
	mobile := "+15551230004"

	if _, err := h.engine.Signup(h.ctx, "Test User", mobile); err != nil {
		t.Fatalf("signup: %v", err)
	}
	h.clock.Advance(h.config.OTP.TTL + time.Second)

	err := h.engine.VerifyOTP(h.ctx, mobile, h.notifier.code(t, mobile))
	expectErr(t, err, tenantauth.ErrOTPExpired)
}

func TestVerifyOTPAttemptsExceeded(t *testing.T) {
	h := newHarness(t, nil)
	mobile := "+15551230005"

	if _, err := h.engine.Signup(h.ctx, "Test User", mobile); err != nil {
		t.Fatalf("signup: %v", err)
	}
	code := h.notifier.code(t, mobile)
	for i := 0; i < h.config.OTP.MaxAttempts; i++ {
		err := h.engine.VerifyOTP(h.ctx, mobile, wrongCode(code))
		expectErr(t, err, tenantauth.ErrOTPMismatch)
	}
	err := h.engine.VerifyOTP(h.ctx, mobile, code)
	expectErr(t, err, tenantauth.ErrOTPAttemptsExceeded)
}

func TestResendOTPReplacesChallenge(t *testing.T) {
	h := newHarness(t, nil)
	mobile := "+15551230006"

	if _, err := h.engine.Signup(h.ctx, "Test User", mobile); err != nil {
		t.Fatalf("signup: %v", err)
	}
	old := h.notifier.code(t, mobile)
	for i := 0; i < h.config.OTP.MaxAttempts-1; i++ {
		_ = h.engine.VerifyOTP(h.ctx, mobile, wrongCode(old))
	}

	if _, err := h.engine.ResendOTP(h.ctx, mobile); err != nil {
		t.Fatalf("resend: %v", err)
	}
	fresh := h.notifier.code(t, mobile)
	if fresh != old {
		expectErr(t, h.engine.VerifyOTP(h.ctx, mobile, old), tenantauth.ErrOTPMismatch)
	}
	if err := h.engine.VerifyOTP(h.ctx, mobile, fresh); err != nil {
		t.Fatalf("fresh code must verify: %v", err)
	}

	_, err := h.engine.ResendOTP(h.ctx, mobile)
	expectErr(t, err, tenantauth.ErrSignupState)
}

func TestSignupSendRateLimit(t *testing.T) {
	h := newHarness(t, nil)
	mobile := "+15551230007"

	for i := 0; i < h.config.OTP.SendLimit; i++ {
		if _, err := h.engine.Signup(h.ctx, "Test User", mobile); err != nil {
			t.Fatalf("send %d: %v", i+1, err)
		}
	}
	_, err := h.engine.Signup(h.ctx, "Test User", mobile)
	expectErr(t, err, tenantauth.ErrRateLimited)

	// The throttle is per tenant.
	_, otherCtx := h.newTenant(t, "globex")
	if _, err := h.engine.Signup(otherCtx, "Test User", mobile); err != nil {
		t.Fatalf("other tenant must not be throttled: %v", err)
	}
}

func TestSignupOfRegisteredMobileKeepsSendBudget(t *testing.T) {
	h := newHarness(t, nil)
	mobile := "+15551230012"
	h.register(t, h.ctx, mobile, "taken@example.com")

	for i := 0; i < h.config.OTP.SendLimit+2; i++ {
		_, err := h.engine.Signup(h.ctx, "Test User", mobile)
		expectErr(t, err, tenantauth.ErrIdentityExists)
	}
	sent := h.notifier.sent
	if sent != 1 {
		t.Fatalf("expected only the registration code to be sent, got %d", sent)
	}
}

func TestSignupNotifierFailure(t *testing.T) {
	h := newHarness(t, nil)
	mobile := "+15551230008"
	h.notifier.fail = errors.New("gateway down")

	_, err := h.engine.Signup(h.ctx, "Test User", mobile)
	expectErr(t, err, tenantauth.ErrNotifierFailed)

	h.notifier.fail = nil
	err = h.engine.VerifyOTP(h.ctx, mobile, "123456")
	expectErr(t, err, tenantauth.ErrOTPExpired)
}

func TestSignupValidation(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.engine.Signup(h.ctx, "Test User", "5551234")
	expectErr(t, err, tenantauth.ErrValidation)
	_, err = h.engine.Signup(h.ctx, "   ", "+15551230009")
	expectErr(t, err, tenantauth.ErrValidation)
}

func TestFinalizeRules(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, h.ctx, "+15551230010", "taken@example.com")

	mobile := "+15551230011"
	if _, err := h.engine.Signup(h.ctx, "Test User", mobile); err != nil {
		t.Fatalf("signup: %v", err)
	}
	_, err := h.engine.Finalize(h.ctx, mobile, "new@example.com", testPassword)
	expectErr(t, err, tenantauth.ErrSignupState)

	if err := h.engine.VerifyOTP(h.ctx, mobile, h.notifier.code(t, mobile)); err != nil {
		t.Fatalf("verify: %v", err)
	}
	_, err = h.engine.Finalize(h.ctx, mobile, "new@example.com", "short")
	expectErr(t, err, tenantauth.ErrPasswordPolicy)
	_, err = h.engine.Finalize(h.ctx, mobile, "not-an-email", testPassword)
	expectErr(t, err, tenantauth.ErrValidation)
	_, err = h.engine.Finalize(h.ctx, mobile, "TAKEN@example.com", testPassword)
	expectErr(t, err, tenantauth.ErrEmailTaken)

	h.clock.Advance(h.config.OTP.FinalizeWindow + time.Second)
	_, err = h.engine.Finalize(h.ctx, mobile, "new@example.com", testPassword)
	expectErr(t, err, tenantauth.ErrFinalizeWindowElapsed)
}

func TestSignupIsTenantScoped(t *testing.T) {
	h := newHarness(t, nil)
	mobile := "+15551230012"
	h.register(t, h.ctx, mobile, "same@example.com")

	_, otherCtx := h.newTenant(t, "globex")
	h.register(t, otherCtx, mobile, "same@example.com")
}

package tenantauth

import (
	"context"
	"errors"
	"time"

	"github.com/MrEthical07/tenantauth/internal"
	"github.com/MrEthical07/tenantauth/internal/rate"
	"github.com/MrEthical07/tenantauth/internal/stores"
	"go.uber.org/zap"
)

// Signup starts or restarts registration of mobile in the ctx tenant and
// sends a one-time code. A provisional identity for the same mobile is reused
// and moved back to otp_sent; a finalized one yields ErrIdentityExists.
func (e *Engine) Signup(ctx context.Context, fullName, mobile string) (*SignupResult, error) {
	tenant, err := e.scope(ctx)
	if err != nil {
		return nil, err
	}
	name, err := normalizeName(fullName)
	if err != nil {
		return nil, err
	}
	mobile, err = normalizeMobile(mobile)
	if err != nil {
		return nil, err
	}

	identity, err := e.upsertProvisional(ctx, tenant.ID, name, mobile)
	if err != nil {
		if errors.Is(err, ErrIdentityExists) {
			e.metricInc(MetricSignupDuplicate)
			e.emitAudit(ctx, auditEventSignupDuplicate, false, "", tenant.ID, err, nil)
		}
		return nil, err
	}
	e.metricInc(MetricSignupStarted)
	e.emitAuditChange(ctx, auditEventSignupStarted, true, identity.ID, tenant.ID, auditChange{
		entityType: auditEntityIdentity,
		entityID:   identity.ID,
		newValues:  map[string]string{"signup_state": string(SignupOTPSent)},
	}, nil, nil)

	expiresAt, err := e.sendOTP(ctx, tenant.ID, identity.ID, mobile)
	if err != nil {
		return nil, err
	}
	return &SignupResult{IdentityID: identity.ID, Username: identity.Username, ExpiresAt: expiresAt}, nil
}

// upsertProvisional rejects a finalized mobile before spending the OTP send
// budget, so repeated signups of a registered number keep answering
// ErrIdentityExists.
func (e *Engine) upsertProvisional(ctx context.Context, tenantID, name, mobile string) (*Identity, error) {
	existing, err := e.store.IdentityByMobile(ctx, tenantID, mobile)
	switch {
	case err == nil:
		if !existing.Provisional() {
			return nil, ErrIdentityExists
		}
		if err := e.allowOTPSend(ctx, tenantID, mobile); err != nil {
			return nil, err
		}
		return e.restartSignup(ctx, tenantID, existing, name)
	case !errors.Is(err, ErrRecordNotFound):
		return nil, storeFailure(err)
	}

	if err := e.allowOTPSend(ctx, tenantID, mobile); err != nil {
		return nil, err
	}

	now := e.now().UTC()
	for attempt := 0; attempt < usernameAttempts; attempt++ {
		username, err := newUsername(name)
		if err != nil {
			return nil, err
		}
		identity := &Identity{
			ID:          newID(),
			TenantID:    tenantID,
			FullName:    name,
			Username:    username,
			Mobile:      mobile,
			SignupState: SignupOTPSent,
			TwoFactor:   TwoFactorDisabled,
			Active:      true,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		err = e.store.CreateIdentity(ctx, identity)
		if err == nil {
			return identity, nil
		}
		if !errors.Is(err, ErrRecordConflict) {
			return nil, storeFailure(err)
		}
		// Either a concurrent Signup took the mobile or the username is taken.
		existing, err := e.store.IdentityByMobile(ctx, tenantID, mobile)
		switch {
		case err == nil:
			return e.restartSignup(ctx, tenantID, existing, name)
		case !errors.Is(err, ErrRecordNotFound):
			return nil, storeFailure(err)
		}
	}
	return nil, storeFailure(errors.New("no free username"))
}

// usernameAttempts bounds retries when a derived username collides.
const usernameAttempts = 5

func newUsername(name string) (string, error) {
	suffix, err := internal.NewUsernameSuffix()
	if err != nil {
		return "", err
	}
	return usernameBase(name) + suffix, nil
}

func (e *Engine) restartSignup(ctx context.Context, tenantID string, identity *Identity, name string) (*Identity, error) {
	if !identity.Provisional() {
		return nil, ErrIdentityExists
	}
	if err := e.store.RestartSignup(ctx, tenantID, identity.ID, name); err != nil {
		if errors.Is(err, ErrStateConflict) {
			return nil, ErrIdentityExists
		}
		return nil, storeFailure(err)
	}
	identity.FullName = name
	identity.SignupState = SignupOTPSent
	return identity, nil
}

// VerifyOTP checks code against the live challenge of mobile. A match
// consumes the challenge and moves the identity to otp_verified.
func (e *Engine) VerifyOTP(ctx context.Context, mobile, code string) error {
	tenant, err := e.scope(ctx)
	if err != nil {
		return err
	}
	mobile, err = normalizeMobile(mobile)
	if err != nil {
		return err
	}

	challenge, err := e.otpStore.Consume(ctx, tenant.ID, mobile, internal.HashSecretBytes(code), e.config.OTP.MaxAttempts)
	if err != nil {
		mapped := e.mapOTPError(err)
		switch {
		case errors.Is(mapped, ErrOTPAttemptsExceeded):
			e.metricInc(MetricOTPAttemptsExceeded)
		case errors.Is(mapped, ErrEphemeralUnavailable):
			e.logger.Warn("otp challenge consume failed", zap.Error(err))
		default:
			e.metricInc(MetricOTPFailure)
		}
		e.emitAudit(ctx, auditEventOTPFailure, false, "", tenant.ID, mapped, nil)
		return mapped
	}

	err = e.store.TransitionSignup(ctx, tenant.ID, challenge.IdentityID, SignupOTPSent, SignupOTPVerified, e.now().UTC())
	if err != nil {
		switch {
		case errors.Is(err, ErrStateConflict):
			return ErrSignupState
		case errors.Is(err, ErrRecordNotFound):
			return ErrIdentityNotFound
		}
		return storeFailure(err)
	}

	e.metricInc(MetricOTPVerified)
	e.emitAuditChange(ctx, auditEventOTPVerified, true, challenge.IdentityID, tenant.ID, auditChange{
		entityType: auditEntityIdentity,
		entityID:   challenge.IdentityID,
		oldValues:  map[string]string{"signup_state": string(SignupOTPSent)},
		newValues:  map[string]string{"signup_state": string(SignupOTPVerified)},
	}, nil, nil)
	return nil
}

// ResendOTP replaces the challenge of a mobile still in otp_sent with a new
// code, a fresh TTL and a zero attempt count.
func (e *Engine) ResendOTP(ctx context.Context, mobile string) (*SignupResult, error) {
	tenant, err := e.scope(ctx)
	if err != nil {
		return nil, err
	}
	mobile, err = normalizeMobile(mobile)
	if err != nil {
		return nil, err
	}

	identity, err := e.identityByMobile(ctx, tenant.ID, mobile)
	if err != nil {
		return nil, err
	}
	if identity.SignupState != SignupOTPSent {
		return nil, ErrSignupState
	}
	if err := e.allowOTPSend(ctx, tenant.ID, mobile); err != nil {
		return nil, err
	}

	expiresAt, err := e.sendOTP(ctx, tenant.ID, identity.ID, mobile)
	if err != nil {
		return nil, err
	}
	return &SignupResult{IdentityID: identity.ID, Username: identity.Username, ExpiresAt: expiresAt}, nil
}

// Finalize completes signup of a verified mobile: it sets email and password
// and returns the first token pair.
func (e *Engine) Finalize(ctx context.Context, mobile, email, password string) (*TokenPair, error) {
	tenant, err := e.scope(ctx)
	if err != nil {
		return nil, err
	}
	mobile, err = normalizeMobile(mobile)
	if err != nil {
		return nil, err
	}

	identity, err := e.identityByMobile(ctx, tenant.ID, mobile)
	if err != nil {
		return nil, err
	}
	switch identity.SignupState {
	case SignupFinalized:
		return nil, ErrAlreadyFinalized
	case SignupOTPVerified:
	default:
		return nil, ErrSignupState
	}
	if e.now().Sub(identity.VerifiedAt) > e.config.OTP.FinalizeWindow {
		e.emitAudit(ctx, auditEventSignupFinalizeFailure, false, identity.ID, tenant.ID, ErrFinalizeWindowElapsed, nil)
		return nil, ErrFinalizeWindowElapsed
	}

	email, err = validateEmail(email)
	if err != nil {
		return nil, err
	}
	if err := e.config.Password.checkPasswordPolicy(password); err != nil {
		return nil, err
	}

	owner, err := e.store.IdentityByEmail(ctx, tenant.ID, email)
	switch {
	case err == nil && owner.ID != identity.ID:
		e.emitAudit(ctx, auditEventSignupFinalizeFailure, false, identity.ID, tenant.ID, ErrEmailTaken, nil)
		return nil, ErrEmailTaken
	case err != nil && !errors.Is(err, ErrRecordNotFound):
		return nil, storeFailure(err)
	}

	hash, err := e.passwords.Hash(password)
	if err != nil {
		return nil, ErrPasswordPolicy
	}

	err = e.store.FinalizeIdentity(ctx, tenant.ID, identity.ID, email, hash, e.now().UTC())
	if err != nil {
		switch {
		case errors.Is(err, ErrRecordConflict):
			return nil, ErrEmailTaken
		case errors.Is(err, ErrStateConflict):
			return nil, e.finalizeConflict(ctx, tenant.ID, identity.ID)
		}
		return nil, storeFailure(err)
	}

	e.metricInc(MetricSignupFinalized)
	e.emitAuditChange(ctx, auditEventSignupFinalized, true, identity.ID, tenant.ID, auditChange{
		entityType: auditEntityIdentity,
		entityID:   identity.ID,
		oldValues:  map[string]string{"signup_state": string(SignupOTPVerified)},
		newValues:  map[string]string{"signup_state": string(SignupFinalized), "email": email},
	}, nil, nil)

	return e.issueTokens(ctx, identity.ID, tenant.ID)
}

// finalizeConflict classifies a lost FinalizeIdentity compare-and-set.
func (e *Engine) finalizeConflict(ctx context.Context, tenantID, identityID string) error {
	current, err := e.store.IdentityByID(ctx, tenantID, identityID)
	if err != nil {
		return ErrSignupState
	}
	if current.SignupState == SignupFinalized {
		return ErrAlreadyFinalized
	}
	return ErrSignupState
}

func (e *Engine) allowOTPSend(ctx context.Context, tenantID, mobile string) error {
	rule := rate.Rule{Prefix: "aos", Limit: e.config.OTP.SendLimit, Window: e.config.OTP.SendWindow}
	if err := e.limiter.Allow(ctx, rule, tenantID+":"+mobile); err != nil {
		if errors.Is(err, rate.ErrRateLimited) {
			e.metricInc(MetricOTPSendRateLimited)
			e.emitRateLimit(ctx, "otp_send", tenantID, nil)
			return ErrRateLimited
		}
		return ephemeralFailure(err)
	}
	return nil
}

// sendOTP writes a new challenge into the mobile's single slot and hands the
// code to the Notifier.
func (e *Engine) sendOTP(ctx context.Context, tenantID, identityID, mobile string) (time.Time, error) {
	code, err := internal.NewOTP(e.config.OTP.Digits)
	if err != nil {
		return time.Time{}, err
	}
	expiresAt := e.now().Add(e.config.OTP.TTL)

	err = e.otpStore.Save(ctx, tenantID, mobile, &stores.OTPChallenge{
		IdentityID: identityID,
		CodeHash:   internal.HashSecretBytes(code),
		ExpiresAt:  expiresAt.Unix(),
	})
	if err != nil {
		e.logger.Warn("otp challenge save failed", zap.String("tenant_id", tenantID), zap.Error(err))
		return time.Time{}, ephemeralFailure(err)
	}

	if err := e.notifier.SendOTP(ctx, mobile, code); err != nil {
		e.metricInc(MetricNotifierFailure)
		e.logger.Error("otp delivery failed", zap.String("tenant_id", tenantID), zap.String("identity_id", identityID), zap.Error(err))
		if err := e.otpStore.Delete(ctx, tenantID, mobile); err != nil {
			e.logger.Warn("otp challenge cleanup failed", zap.Error(err))
		}
		e.emitAudit(ctx, auditEventOTPSent, false, identityID, tenantID, ErrNotifierFailed, nil)
		return time.Time{}, ErrNotifierFailed
	}

	e.metricInc(MetricOTPSent)
	e.emitAudit(ctx, auditEventOTPSent, true, identityID, tenantID, nil, nil)
	return expiresAt.UTC(), nil
}

func (e *Engine) mapOTPError(err error) error {
	switch {
	case errors.Is(err, stores.ErrOTPChallengeNotFound),
		errors.Is(err, stores.ErrOTPChallengeExpired):
		return ErrOTPExpired
	case errors.Is(err, stores.ErrOTPChallengeExceeded):
		return ErrOTPAttemptsExceeded
	case errors.Is(err, stores.ErrOTPChallengeMismatch):
		return ErrOTPMismatch
	default:
		return ephemeralFailure(err)
	}
}

func (e *Engine) identityByMobile(ctx context.Context, tenantID, mobile string) (*Identity, error) {
	identity, err := e.store.IdentityByMobile(ctx, tenantID, mobile)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return nil, ErrIdentityNotFound
		}
		return nil, storeFailure(err)
	}
	return identity, nil
}

func (e *Engine) identityByID(ctx context.Context, tenantID, identityID string) (*Identity, error) {
	identity, err := e.store.IdentityByID(ctx, tenantID, identityID)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return nil, ErrIdentityNotFound
		}
		return nil, storeFailure(err)
	}
	return identity, nil
}

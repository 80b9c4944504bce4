package tenantauth

import (
	"context"
	"errors"
	"strconv"

	"github.com/MrEthical07/tenantauth/internal"
	"github.com/MrEthical07/tenantauth/internal/rate"
	"go.uber.org/zap"
)

// EnableTOTP starts authenticator enrollment: it stores a new secret, issues
// a fresh set of backup codes and leaves the identity in totp_pending until
// the first successful VerifyTOTP. Calling it again while pending restarts
// enrollment with a new secret.
func (e *Engine) EnableTOTP(ctx context.Context, identityID string) (*TOTPEnrollment, error) {
	tenant, err := e.scope(ctx)
	if err != nil {
		return nil, err
	}
	identity, err := e.identityByID(ctx, tenant.ID, identityID)
	if err != nil {
		return nil, err
	}
	if identity.Provisional() || !identity.Active {
		return nil, ErrSignupState
	}
	if identity.TwoFactor == TwoFactorEnabled {
		return nil, ErrTOTPAlreadyEnabled
	}

	secret, encoded, err := e.totp.GenerateSecret()
	if err != nil {
		return nil, err
	}

	err = e.store.UpdateTwoFactor(ctx, tenant.ID, identity.ID, TwoFactorChange{
		From:   identity.TwoFactor,
		To:     TwoFactorPending,
		Secret: secret,
	})
	if err != nil {
		if errors.Is(err, ErrStateConflict) {
			return nil, ErrTOTPAlreadyEnabled
		}
		return nil, storeFailure(err)
	}

	codes, err := e.replaceBackupCodes(ctx, tenant.ID, identity.ID)
	if err != nil {
		return nil, err
	}

	account := identity.Email
	if account == "" {
		account = identity.Mobile
	}

	e.emitAuditChange(ctx, auditEventTOTPSetupRequested, true, identity.ID, tenant.ID, auditChange{
		entityType: auditEntityIdentity,
		entityID:   identity.ID,
		oldValues:  map[string]string{"two_factor": string(identity.TwoFactor)},
		newValues:  map[string]string{"two_factor": string(TwoFactorPending)},
	}, nil, nil)

	return &TOTPEnrollment{
		Secret:          encoded,
		ProvisioningURI: e.totp.ProvisioningURI(encoded, account),
		BackupCodes:     codes,
	}, nil
}

// VerifyTOTP checks code for an enrolled identity. The first success after
// EnableTOTP activates TOTP. A time step is accepted at most once.
func (e *Engine) VerifyTOTP(ctx context.Context, identityID, code string) error {
	tenant, err := e.scope(ctx)
	if err != nil {
		return err
	}
	identity, err := e.identityByID(ctx, tenant.ID, identityID)
	if err != nil {
		return err
	}
	if identity.TwoFactor == TwoFactorDisabled {
		return ErrTOTPNotEnabled
	}

	if err := e.checkTOTP(ctx, tenant.ID, identity, code); err != nil {
		if errors.Is(err, ErrTOTPReplay) {
			e.metricInc(MetricTOTPReplay)
		}
		e.emitAudit(ctx, auditEventTOTPFailure, false, identity.ID, tenant.ID, err, nil)
		return err
	}

	if identity.TwoFactor != TwoFactorPending {
		return nil
	}

	err = e.store.UpdateTwoFactor(ctx, tenant.ID, identity.ID, TwoFactorChange{
		From: TwoFactorPending,
		To:   TwoFactorEnabled,
	})
	if err != nil && !errors.Is(err, ErrStateConflict) {
		return storeFailure(err)
	}
	if err == nil {
		e.metricInc(MetricTOTPEnrolled)
		e.emitAuditChange(ctx, auditEventTOTPEnabled, true, identity.ID, tenant.ID, auditChange{
			entityType: auditEntityIdentity,
			entityID:   identity.ID,
			oldValues:  map[string]string{"two_factor": string(TwoFactorPending)},
			newValues:  map[string]string{"two_factor": string(TwoFactorEnabled)},
		}, nil, nil)
	}
	return nil
}

// VerifyBackupCode consumes one unused backup code of an identity with TOTP
// enabled.
func (e *Engine) VerifyBackupCode(ctx context.Context, identityID, code string) error {
	tenant, err := e.scope(ctx)
	if err != nil {
		return err
	}
	identity, err := e.identityByID(ctx, tenant.ID, identityID)
	if err != nil {
		return err
	}
	if identity.TwoFactor != TwoFactorEnabled {
		return ErrTOTPNotEnabled
	}

	if err := e.consumeBackupCode(ctx, tenant.ID, identity.ID, code); err != nil {
		e.emitAudit(ctx, auditEventBackupCodeFailed, false, identity.ID, tenant.ID, err, nil)
		return err
	}
	e.metricInc(MetricBackupCodeUsed)
	e.emitAudit(ctx, auditEventBackupCodeUsed, true, identity.ID, tenant.ID, nil, nil)
	return nil
}

// RegenerateBackupCodes replaces every unused backup code. It requires a
// current TOTP code.
func (e *Engine) RegenerateBackupCodes(ctx context.Context, identityID, totpCode string) ([]string, error) {
	tenant, err := e.scope(ctx)
	if err != nil {
		return nil, err
	}
	identity, err := e.identityByID(ctx, tenant.ID, identityID)
	if err != nil {
		return nil, err
	}
	if identity.TwoFactor != TwoFactorEnabled {
		return nil, ErrTOTPNotEnabled
	}
	if err := e.checkTOTP(ctx, tenant.ID, identity, totpCode); err != nil {
		if KindOf(err) == KindUnavailable || errors.Is(err, ErrRateLimited) {
			return nil, err
		}
		e.emitAudit(ctx, auditEventTOTPFailure, false, identity.ID, tenant.ID, err, nil)
		return nil, ErrBackupCodeRegenerationDenied
	}

	return e.replaceBackupCodes(ctx, tenant.ID, identity.ID)
}

// DisableTOTP turns TOTP off after checking a TOTP or backup code. The
// secret and every backup code are discarded.
func (e *Engine) DisableTOTP(ctx context.Context, identityID, code string) error {
	tenant, err := e.scope(ctx)
	if err != nil {
		return err
	}
	identity, err := e.identityByID(ctx, tenant.ID, identityID)
	if err != nil {
		return err
	}
	if identity.TwoFactor != TwoFactorEnabled {
		return ErrTOTPNotEnabled
	}

	if isTOTPCode(code, e.config.TOTP.Digits) {
		err = e.checkTOTP(ctx, tenant.ID, identity, code)
	} else {
		err = e.consumeBackupCode(ctx, tenant.ID, identity.ID, code)
	}
	if err != nil {
		e.emitAudit(ctx, auditEventTOTPFailure, false, identity.ID, tenant.ID, err, nil)
		return err
	}

	err = e.store.UpdateTwoFactor(ctx, tenant.ID, identity.ID, TwoFactorChange{
		From: TwoFactorEnabled,
		To:   TwoFactorDisabled,
	})
	if err != nil {
		if errors.Is(err, ErrStateConflict) {
			return ErrTOTPNotEnabled
		}
		return storeFailure(err)
	}

	e.emitAuditChange(ctx, auditEventTOTPDisabled, true, identity.ID, tenant.ID, auditChange{
		entityType: auditEntityIdentity,
		entityID:   identity.ID,
		oldValues:  map[string]string{"two_factor": string(TwoFactorEnabled)},
		newValues:  map[string]string{"two_factor": string(TwoFactorDisabled)},
	}, nil, nil)
	return nil
}

// checkTOTP verifies code and advances the identity's replay counter.
func (e *Engine) checkTOTP(ctx context.Context, tenantID string, identity *Identity, code string) error {
	if len(identity.TOTPSecret) == 0 {
		return ErrTOTPNotEnabled
	}
	return e.guardSecondFactor(ctx, tenantID, identity.ID, func() error {
		ok, counter, err := e.totp.Verify(identity.TOTPSecret, code, e.now())
		if err != nil {
			e.logger.Error("totp verification failed", zap.String("identity_id", identity.ID), zap.Error(err))
			return ErrTOTPInvalid
		}
		if !ok {
			return ErrTOTPInvalid
		}

		advanced, err := e.store.AdvanceTOTPCounter(ctx, tenantID, identity.ID, counter)
		if err != nil {
			return storeFailure(err)
		}
		if !advanced {
			return ErrTOTPReplay
		}
		return nil
	})
}

func (e *Engine) consumeBackupCode(ctx context.Context, tenantID, identityID, code string) error {
	return e.guardSecondFactor(ctx, tenantID, identityID, func() error {
		normalized := internal.NormalizeBackupCode(code)
		if normalized == "" {
			return ErrBackupCodeInvalid
		}
		ok, err := e.store.ConsumeBackupCode(ctx, tenantID, identityID, internal.HashSecret(normalized))
		if err != nil {
			return storeFailure(err)
		}
		if !ok {
			return ErrBackupCodeInvalid
		}
		return nil
	})
}

func (e *Engine) secondFactorRule() rate.Rule {
	return rate.Rule{Prefix: "atp", Limit: e.config.TOTP.MaxFailures, Window: e.config.TOTP.FailureWindow}
}

// guardSecondFactor runs verify under the identity's failure budget, shared
// by every login session and every TOTP or backup code check. Wrong codes
// and replays count against it; a success clears it.
func (e *Engine) guardSecondFactor(ctx context.Context, tenantID, identityID string, verify func() error) error {
	rule := e.secondFactorRule()
	subject := tenantID + ":" + identityID

	if err := e.limiter.Check(ctx, rule, subject); err != nil {
		if !errors.Is(err, rate.ErrRateLimited) {
			return ephemeralFailure(err)
		}
		e.emitRateLimit(ctx, "second_factor", tenantID, nil)
		return ErrRateLimited
	}

	err := verify()
	switch {
	case err == nil:
		if rerr := e.limiter.Reset(ctx, rule, subject); rerr != nil {
			e.logger.Warn("second factor counter reset failed", zap.Error(rerr))
		}
	case errors.Is(err, ErrTOTPInvalid), errors.Is(err, ErrTOTPReplay), errors.Is(err, ErrBackupCodeInvalid):
		reached, rerr := e.limiter.Record(ctx, rule, subject)
		if rerr != nil {
			e.logger.Warn("second factor counter update failed", zap.Error(rerr))
		} else if reached {
			e.emitRateLimit(ctx, "second_factor", tenantID, nil)
		}
	}
	return err
}

// replaceBackupCodes stores hashes of a new code set and returns the
// plaintext codes. They are not recoverable afterwards.
func (e *Engine) replaceBackupCodes(ctx context.Context, tenantID, identityID string) ([]string, error) {
	count := e.config.TOTP.BackupCodeCount
	codes := make([]string, 0, count)
	hashes := make([]string, 0, count)
	for i := 0; i < count; i++ {
		code, err := internal.NewBackupCode(e.config.TOTP.BackupCodeBytes)
		if err != nil {
			return nil, err
		}
		codes = append(codes, code)
		hashes = append(hashes, internal.HashSecret(code))
	}

	if err := e.store.ReplaceBackupCodes(ctx, tenantID, identityID, hashes); err != nil {
		return nil, storeFailure(err)
	}

	e.metricInc(MetricBackupCodeRegenerated)
	e.emitAudit(ctx, auditEventBackupCodesGenerated, true, identityID, tenantID, nil, func() map[string]string {
		return map[string]string{"count": strconv.Itoa(count)}
	})
	return codes, nil
}

package tenantauth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MrEthical07/tenantauth/internal"
	"github.com/MrEthical07/tenantauth/internal/rate"
	"github.com/MrEthical07/tenantauth/internal/stores"
	"go.uber.org/zap"
)

// Login authenticates identifier (an email, a mobile number or a username)
// and password in the ctx tenant. Unknown identifiers, wrong passwords,
// unfinished signups and deactivated identities are indistinguishable: all return
// ErrInvalidCredentials after a full password hash comparison.
//
// Identities with TOTP enabled get a pending session instead of tokens; see
// Verify2FA.
func (e *Engine) Login(ctx context.Context, identifier, password string) (*LoginResult, error) {
	start := time.Now()
	defer e.observe(MetricLoginLatency, start)

	tenant, err := e.scope(ctx)
	if err != nil {
		return nil, err
	}
	ip := clientIPFromContext(ctx)
	identifier = strings.TrimSpace(identifier)

	if err := e.checkIPThrottle(ctx, tenant.ID, ip); err != nil {
		return nil, err
	}

	identity, kind, err := e.lookupLogin(ctx, tenant.ID, identifier)
	if err != nil {
		return nil, err
	}

	subject := tenant.ID + ":u:" + strings.ToLower(identifier)
	actorID := ""
	if identity != nil {
		subject = tenant.ID + ":" + identity.ID
		actorID = identity.ID
	}

	if e.config.Lockout.Enabled {
		if err := e.limiter.Check(ctx, e.lockoutRule(), subject); err != nil {
			if !errors.Is(err, rate.ErrRateLimited) {
				return nil, ephemeralFailure(err)
			}
			e.metricInc(MetricLoginLocked)
			e.emitAudit(ctx, auditEventLoginLocked, false, actorID, tenant.ID, ErrAccountLocked, nil)
			return nil, ErrAccountLocked
		}
	}

	usable := identity != nil && identity.Active && !identity.Provisional() && identity.PasswordHash != ""
	hash := e.dummyHash
	if usable {
		hash = identity.PasswordHash
	}
	ok, verr := e.passwords.Verify(password, hash)
	if verr != nil || !ok || !usable {
		reason := "password_mismatch"
		switch {
		case identity == nil:
			reason = "identity_not_found"
		case identity.Provisional():
			reason = "signup_incomplete"
		case !identity.Active:
			reason = "identity_inactive"
		}
		e.recordLoginFailure(ctx, tenant.ID, subject, ip)
		e.metricInc(MetricLoginFailure)
		e.emitAudit(ctx, auditEventLoginFailure, false, actorID, tenant.ID, ErrInvalidCredentials, func() map[string]string {
			return map[string]string{"identifier_type": kind, "reason": reason}
		})
		return nil, ErrInvalidCredentials
	}

	if e.config.Lockout.Enabled {
		if err := e.limiter.Reset(ctx, e.lockoutRule(), subject); err != nil {
			e.logger.Warn("lockout reset failed", zap.Error(err))
		}
	}
	e.upgradePasswordHash(ctx, identity, password)

	if identity.TwoFactor == TwoFactorEnabled {
		return e.startSecondFactor(ctx, identity)
	}

	pair, err := e.issueTokens(ctx, identity.ID, tenant.ID)
	if err != nil {
		return nil, err
	}
	e.metricInc(MetricLoginSuccess)
	e.emitAudit(ctx, auditEventLoginSuccess, true, identity.ID, tenant.ID, nil, func() map[string]string {
		return map[string]string{"identifier_type": kind}
	})
	return &LoginResult{Tokens: pair}, nil
}

// Verify2FA completes a pending login with a TOTP code (digits only) or a
// backup code. Wrong codes count against the session; once the limit is
// reached the session is gone. They also count against the identity's
// second-factor budget, which outlives the session and returns
// ErrRateLimited once spent. A session yields tokens at most once.
func (e *Engine) Verify2FA(ctx context.Context, sessionID, code string) (*TokenPair, error) {
	tenant, err := e.scope(ctx)
	if err != nil {
		return nil, err
	}

	sid, err := internal.ParseSessionID(sessionID)
	if err != nil {
		return nil, ErrSessionNotFound
	}
	key := sid.String()

	session, err := e.sessionStore.Get(ctx, key)
	if err != nil {
		return nil, e.mapSessionError(err)
	}
	if session.TenantID != tenant.ID {
		return nil, ErrSessionNotFound
	}

	identity, err := e.identityByID(ctx, tenant.ID, session.IdentityID)
	if err != nil && !errors.Is(err, ErrIdentityNotFound) {
		return nil, err
	}
	if identity == nil || !identity.Active || identity.TwoFactor != TwoFactorEnabled {
		_, _ = e.sessionStore.Delete(ctx, key)
		return nil, ErrSessionNotFound
	}

	method := "totp"
	if isTOTPCode(code, e.config.TOTP.Digits) {
		err = e.checkTOTP(ctx, tenant.ID, identity, code)
	} else {
		method = "backup_code"
		err = e.consumeBackupCode(ctx, tenant.ID, identity.ID, code)
	}
	if err != nil {
		if KindOf(err) == KindUnavailable || errors.Is(err, ErrRateLimited) {
			return nil, err
		}
		exceeded, ferr := e.sessionStore.RecordFailure(ctx, key, e.config.LoginSession.MaxAttempts)
		if ferr != nil {
			return nil, e.mapSessionError(ferr)
		}
		result := ErrSecondFactorInvalid
		if exceeded {
			result = ErrSecondFactorAttemptsExceeded
		}
		e.metricInc(MetricSecondFactorFailure)
		e.emitAudit(ctx, auditEventSecondFactorFailure, false, identity.ID, tenant.ID, result, func() map[string]string {
			return map[string]string{"method": method, "cause": string(auditErrorCode(err))}
		})
		return nil, result
	}

	deleted, err := e.sessionStore.Delete(ctx, key)
	if err != nil {
		return nil, ephemeralFailure(err)
	}
	if !deleted {
		return nil, ErrSessionNotFound
	}

	pair, err := e.issueTokens(ctx, identity.ID, tenant.ID)
	if err != nil {
		return nil, err
	}
	if method == "backup_code" {
		e.metricInc(MetricBackupCodeUsed)
		e.emitAudit(ctx, auditEventBackupCodeUsed, true, identity.ID, tenant.ID, nil, nil)
	}
	e.metricInc(MetricSecondFactorSuccess)
	e.metricInc(MetricLoginSuccess)
	e.emitAudit(ctx, auditEventSecondFactorSuccess, true, identity.ID, tenant.ID, nil, func() map[string]string {
		return map[string]string{"method": method}
	})
	e.emitAudit(ctx, auditEventLoginSuccess, true, identity.ID, tenant.ID, nil, func() map[string]string {
		return map[string]string{"second_factor": method}
	})
	return pair, nil
}

func (e *Engine) startSecondFactor(ctx context.Context, identity *Identity) (*LoginResult, error) {
	sid, err := internal.NewSessionID()
	if err != nil {
		return nil, err
	}
	expiresAt := e.now().Add(e.config.LoginSession.TTL)

	err = e.sessionStore.Save(ctx, sid.String(), &stores.LoginSession{
		IdentityID: identity.ID,
		TenantID:   identity.TenantID,
		ExpiresAt:  expiresAt.Unix(),
	})
	if err != nil {
		e.logger.Warn("login session save failed", zap.Error(err))
		return nil, ephemeralFailure(err)
	}

	e.metricInc(MetricSecondFactorRequired)
	e.emitAudit(ctx, auditEventSecondFactorRequired, true, identity.ID, identity.TenantID, nil, nil)
	return &LoginResult{
		TwoFactorRequired: true,
		SessionID:         sid.String(),
		SessionExpiresAt:  expiresAt.UTC(),
	}, nil
}

// lookupLogin resolves identifier as an email when it contains '@', as a
// mobile number when it parses as one and as a username otherwise. A miss
// returns a nil identity and no error.
func (e *Engine) lookupLogin(ctx context.Context, tenantID, identifier string) (*Identity, string, error) {
	var (
		identity *Identity
		err      error
		kind     string
	)
	if strings.Contains(identifier, "@") {
		kind = "email"
		identity, err = e.store.IdentityByEmail(ctx, tenantID, normalizeEmail(identifier))
	} else if mobile, merr := normalizeMobile(identifier); merr == nil {
		kind = "mobile"
		identity, err = e.store.IdentityByMobile(ctx, tenantID, mobile)
	} else {
		kind = "username"
		username, ok := normalizeUsername(identifier)
		if !ok {
			return nil, kind, nil
		}
		identity, err = e.store.IdentityByUsername(ctx, tenantID, username)
	}
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return nil, kind, nil
		}
		return nil, kind, storeFailure(err)
	}
	return identity, kind, nil
}

func (e *Engine) lockoutRule() rate.Rule {
	return rate.Rule{Prefix: "alo", Limit: e.config.Lockout.MaxFailures, Window: e.config.Lockout.Window}
}

func (e *Engine) ipRule() rate.Rule {
	return rate.Rule{Prefix: "ali", Limit: e.config.Lockout.IPMaxFailures, Window: e.config.Lockout.IPWindow}
}

func (e *Engine) checkIPThrottle(ctx context.Context, tenantID, ip string) error {
	if !e.config.Lockout.Enabled || ip == "" {
		return nil
	}
	if err := e.limiter.Check(ctx, e.ipRule(), tenantID+":"+ip); err != nil {
		if !errors.Is(err, rate.ErrRateLimited) {
			return ephemeralFailure(err)
		}
		e.emitRateLimit(ctx, "login_ip", tenantID, nil)
		return ErrRateLimited
	}
	return nil
}

// recordLoginFailure counts a failure for the identity and the client IP.
// Counter failures are logged; they never change the login outcome.
func (e *Engine) recordLoginFailure(ctx context.Context, tenantID, subject, ip string) {
	if !e.config.Lockout.Enabled {
		return
	}
	locked, err := e.limiter.Record(ctx, e.lockoutRule(), subject)
	if err != nil {
		e.logger.Warn("lockout counter update failed", zap.Error(err))
	} else if locked {
		e.emitRateLimit(ctx, "login_lockout", tenantID, nil)
	}
	if ip != "" {
		if _, err := e.limiter.Record(ctx, e.ipRule(), tenantID+":"+ip); err != nil {
			e.logger.Warn("ip throttle counter update failed", zap.Error(err))
		}
	}
}

func (e *Engine) upgradePasswordHash(ctx context.Context, identity *Identity, password string) {
	if !e.config.Password.UpgradeOnLogin {
		return
	}
	needsUpgrade, err := e.passwords.NeedsUpgrade(identity.PasswordHash)
	if err != nil || !needsUpgrade {
		return
	}
	upgraded, err := e.passwords.Hash(password)
	if err != nil {
		e.logger.Warn("password hash upgrade generation failed", zap.String("identity_id", identity.ID))
		return
	}
	if err := e.store.UpdatePasswordHash(ctx, identity.TenantID, identity.ID, upgraded); err != nil {
		e.logger.Warn("password hash upgrade update failed", zap.String("identity_id", identity.ID), zap.Error(err))
	}
}

func (e *Engine) mapSessionError(err error) error {
	switch {
	case errors.Is(err, stores.ErrLoginSessionNotFound):
		return ErrSessionNotFound
	case errors.Is(err, stores.ErrLoginSessionExpired):
		return ErrSessionExpired
	default:
		return ephemeralFailure(err)
	}
}

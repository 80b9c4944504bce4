package tenantauth

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

const (
	auditEventSignupStarted         = "signup_started"
	auditEventSignupDuplicate       = "signup_duplicate"
	auditEventOTPSent               = "otp_sent"
	auditEventOTPVerified           = "otp_verified"
	auditEventOTPFailure            = "otp_failure"
	auditEventSignupFinalized       = "signup_finalized"
	auditEventSignupFinalizeFailure = "signup_finalize_failure"
	auditEventLoginSuccess          = "login_success"
	auditEventLoginFailure          = "login_failure"
	auditEventLoginLocked           = "login_locked"
	auditEventSecondFactorRequired  = "second_factor_required"
	auditEventSecondFactorSuccess   = "second_factor_success"
	auditEventSecondFactorFailure   = "second_factor_failure"
	auditEventTOTPSetupRequested    = "totp_setup_requested"
	auditEventTOTPEnabled           = "totp_enabled"
	auditEventTOTPDisabled          = "totp_disabled"
	auditEventTOTPFailure           = "totp_failure"
	auditEventBackupCodesGenerated  = "backup_codes_generated"
	auditEventBackupCodeUsed        = "backup_code_used"
	auditEventBackupCodeFailed      = "backup_code_failed"
	auditEventRefreshSuccess        = "refresh_success"
	auditEventRefreshInvalid        = "refresh_invalid"
	auditEventRefreshReuseDetected  = "refresh_reuse_detected"
	auditEventTokenRevoked          = "token_revoked"
	auditEventRateLimitTriggered    = "rate_limit_triggered"
	auditEventAccessDenied          = "access_denied"
	auditEventInvitationCreated     = "invitation_created"
	auditEventInvitationAccepted    = "invitation_accepted"
	auditEventInvitationRejected    = "invitation_rejected"
	auditEventInvitationRevoked     = "invitation_revoked"
	auditEventInvitationResent      = "invitation_resent"
	auditEventPermissionGranted     = "role_permission_granted"
	auditEventPermissionRevoked     = "role_permission_revoked"
	auditEventRoleAssigned          = "role_assigned"
	auditEventRoleUnassigned        = "role_unassigned"
	auditEventCompanyCreated        = "company_created"
	auditEventCompanyStatusChanged  = "company_status_changed"
	auditEventCompanyParentChanged  = "company_parent_changed"
)

// Entity types recorded on change events.
const (
	auditEntityIdentity   = "identity"
	auditEntityToken      = "token"
	auditEntityInvitation = "invitation"
	auditEntityRole       = "role"
	auditEntityMembership = "membership"
	auditEntityCompany    = "company"
)

// AuditErrorCode is the stable, non-sensitive error label written to
// AuditEvent.Error.
type AuditErrorCode string

const (
	auditErrUnauthenticated      AuditErrorCode = "unauthenticated"
	auditErrInvalidCredentials   AuditErrorCode = "invalid_credentials"
	auditErrInvalidToken         AuditErrorCode = "invalid_token"
	auditErrTokenExpired         AuditErrorCode = "token_expired"
	auditErrRefreshReuse         AuditErrorCode = "refresh_reuse"
	auditErrRateLimited          AuditErrorCode = "rate_limited"
	auditErrAccountLocked        AuditErrorCode = "account_locked"
	auditErrOTPMismatch          AuditErrorCode = "otp_mismatch"
	auditErrOTPExpired           AuditErrorCode = "otp_expired"
	auditErrAttemptsExceeded     AuditErrorCode = "attempts_exceeded"
	auditErrSessionNotFound      AuditErrorCode = "session_not_found"
	auditErrSecondFactorInvalid  AuditErrorCode = "second_factor_invalid"
	auditErrTOTPInvalid          AuditErrorCode = "totp_invalid"
	auditErrTOTPReplay           AuditErrorCode = "totp_replay"
	auditErrBackupCodeInvalid    AuditErrorCode = "backup_code_invalid"
	auditErrDuplicate            AuditErrorCode = "duplicate"
	auditErrStateConflict        AuditErrorCode = "state_conflict"
	auditErrForbidden            AuditErrorCode = "forbidden"
	auditErrNotFound             AuditErrorCode = "not_found"
	auditErrInvitationExpired    AuditErrorCode = "invitation_expired"
	auditErrInvitationNotPending AuditErrorCode = "invitation_not_pending"
	auditErrPasswordPolicy       AuditErrorCode = "password_policy"
	auditErrValidation           AuditErrorCode = "validation"
	auditErrNotifier             AuditErrorCode = "notifier_failed"
	auditErrUnavailable          AuditErrorCode = "backend_unavailable"
	auditErrInternal             AuditErrorCode = "internal_error"
)

// auditChange describes the entity an event mutated.
type auditChange struct {
	entityType string
	entityID   string
	oldValues  map[string]string
	newValues  map[string]string
}

func (e *Engine) emitAudit(
	ctx context.Context,
	action string,
	success bool,
	actorID string,
	tenantID string,
	err error,
	metadataBuilder func() map[string]string,
) {
	e.emitAuditChange(ctx, action, success, actorID, tenantID, auditChange{}, err, metadataBuilder)
}

func (e *Engine) emitAuditChange(
	ctx context.Context,
	action string,
	success bool,
	actorID string,
	tenantID string,
	change auditChange,
	err error,
	metadataBuilder func() map[string]string,
) {
	if e == nil || e.audit == nil {
		return
	}
	if tenantID == "" {
		tenantID = tenantIDFromContext(ctx)
	}

	var metadata map[string]string
	if metadataBuilder != nil {
		metadata = metadataBuilder()
	}

	event := AuditEvent{
		ID:         uuid.NewString(),
		Timestamp:  e.now().UTC(),
		Action:     action,
		ActorID:    actorID,
		TenantID:   tenantID,
		EntityType: change.entityType,
		EntityID:   change.entityID,
		OldValues:  change.oldValues,
		NewValues:  change.newValues,
		IP:         clientIPFromContext(ctx),
		UserAgent:  userAgentFromContext(ctx),
		Success:    success,
		Metadata:   metadata,
	}
	if code := auditErrorCode(err); code != "" {
		event.Error = string(code)
	}

	e.audit.Emit(ctx, event)
}

func (e *Engine) emitRateLimit(
	ctx context.Context,
	scope string,
	tenantID string,
	metadataBuilder func() map[string]string,
) {
	e.metricInc(MetricRateLimitHit)
	e.emitAudit(ctx, auditEventRateLimitTriggered, false, "", tenantID, ErrRateLimited, func() map[string]string {
		base := map[string]string{
			"scope": scope,
		}
		if metadataBuilder == nil {
			return base
		}
		for k, v := range metadataBuilder() {
			base[k] = v
		}
		return base
	})
}

func auditErrorCode(err error) AuditErrorCode {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrInvalidCredentials):
		return auditErrInvalidCredentials
	case errors.Is(err, ErrTokenExpired):
		return auditErrTokenExpired
	case errors.Is(err, ErrTokenRevoked):
		return auditErrRefreshReuse
	case errors.Is(err, ErrTokenInvalid):
		return auditErrInvalidToken
	case errors.Is(err, ErrUnauthenticated):
		return auditErrUnauthenticated
	case errors.Is(err, ErrAccountLocked):
		return auditErrAccountLocked
	case errors.Is(err, ErrRateLimited):
		return auditErrRateLimited
	case errors.Is(err, ErrOTPMismatch):
		return auditErrOTPMismatch
	case errors.Is(err, ErrOTPExpired):
		return auditErrOTPExpired
	case errors.Is(err, ErrOTPAttemptsExceeded),
		errors.Is(err, ErrSecondFactorAttemptsExceeded):
		return auditErrAttemptsExceeded
	case errors.Is(err, ErrSessionNotFound),
		errors.Is(err, ErrSessionExpired):
		return auditErrSessionNotFound
	case errors.Is(err, ErrSecondFactorInvalid):
		return auditErrSecondFactorInvalid
	case errors.Is(err, ErrTOTPReplay):
		return auditErrTOTPReplay
	case errors.Is(err, ErrTOTPInvalid):
		return auditErrTOTPInvalid
	case errors.Is(err, ErrBackupCodeInvalid),
		errors.Is(err, ErrBackupCodeRegenerationDenied):
		return auditErrBackupCodeInvalid
	case errors.Is(err, ErrIdentityExists),
		errors.Is(err, ErrEmailTaken),
		errors.Is(err, ErrInvitationExists):
		return auditErrDuplicate
	case errors.Is(err, ErrInvitationExpired):
		return auditErrInvitationExpired
	case errors.Is(err, ErrInvitationNotPending):
		return auditErrInvitationNotPending
	case errors.Is(err, ErrSignupState),
		errors.Is(err, ErrAlreadyFinalized),
		errors.Is(err, ErrFinalizeWindowElapsed),
		errors.Is(err, ErrTOTPAlreadyEnabled),
		errors.Is(err, ErrTOTPNotEnabled),
		errors.Is(err, ErrTOTPNotPending),
		errors.Is(err, ErrCompanyTransition),
		errors.Is(err, ErrCompanyCycle):
		return auditErrStateConflict
	case errors.Is(err, ErrForbidden),
		errors.Is(err, ErrInvitationEmailMismatch):
		return auditErrForbidden
	case errors.Is(err, ErrPasswordPolicy):
		return auditErrPasswordPolicy
	case errors.Is(err, ErrValidation):
		return auditErrValidation
	case errors.Is(err, ErrNotifierFailed):
		return auditErrNotifier
	case errors.Is(err, ErrStoreUnavailable),
		errors.Is(err, ErrEphemeralUnavailable),
		errors.Is(err, ErrEngineNotReady):
		return auditErrUnavailable
	case KindOf(err) == KindNotFound:
		return auditErrNotFound
	default:
		return auditErrInternal
	}
}

package tenantauth

import (
	"errors"
	"fmt"
)

// Kind classifies every error returned by the Engine into the category a
// transport layer maps to a response.
type Kind int

const (
	// KindUnknown is returned by KindOf for errors the Engine did not produce.
	KindUnknown Kind = iota
	// KindUnauthenticated covers missing, invalid or expired credentials.
	KindUnauthenticated
	// KindForbidden covers a valid identity that lacks the required permission.
	KindForbidden
	// KindNotFound covers an absent tenant, record or pending session.
	KindNotFound
	// KindConflict covers state-machine violations and replays.
	KindConflict
	// KindRateLimited covers throttles and lockouts.
	KindRateLimited
	// KindValidation covers malformed input.
	KindValidation
	// KindUnavailable covers backend or collaborator failures. Callers may retry.
	KindUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindUnauthenticated:
		return "unauthenticated"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindRateLimited:
		return "rate_limited"
	case KindValidation:
		return "validation_error"
	case KindUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

var (
	// ErrEngineNotReady is returned when a nil or partially built Engine is used.
	ErrEngineNotReady = errors.New("engine not initialized")

	// ErrTenantRequired is returned when ctx carries no resolved tenant.
	ErrTenantRequired = errors.New("tenant scope required")
	// ErrTenantNotFound is returned for an unknown or inactive subdomain.
	ErrTenantNotFound = errors.New("tenant not found")
	// ErrTenantExists is returned when a subdomain is already taken.
	ErrTenantExists = errors.New("tenant already exists")

	// ErrValidation is the parent of every field-level validation failure.
	ErrValidation = errors.New("validation failed")
	// ErrPasswordPolicy is returned when a password does not satisfy PasswordConfig.
	ErrPasswordPolicy = fmt.Errorf("%w: password policy violation", ErrValidation)
	// ErrPermissionUnknown is returned for a permission code missing from the catalog.
	ErrPermissionUnknown = fmt.Errorf("%w: unknown permission", ErrValidation)

	ErrUnauthenticated    = errors.New("unauthenticated")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrTokenInvalid       = errors.New("invalid token")
	ErrTokenExpired       = errors.New("token expired")
	ErrTokenRevoked       = errors.New("token revoked")

	ErrOTPMismatch         = errors.New("otp mismatch")
	ErrOTPExpired          = errors.New("otp expired")
	ErrOTPAttemptsExceeded = errors.New("otp attempts exceeded")

	ErrIdentityExists        = errors.New("identity already exists")
	ErrIdentityNotFound      = errors.New("identity not found")
	ErrEmailTaken            = errors.New("email already in use")
	ErrSignupState           = errors.New("signup not in expected state")
	ErrAlreadyFinalized      = errors.New("signup already finalized")
	ErrFinalizeWindowElapsed = errors.New("finalize window elapsed")

	ErrSessionNotFound              = errors.New("login session not found")
	ErrSessionExpired               = errors.New("login session expired")
	ErrSecondFactorInvalid          = errors.New("invalid second factor")
	ErrSecondFactorAttemptsExceeded = errors.New("second factor attempts exceeded")
	ErrTOTPInvalid                  = errors.New("invalid totp code")
	ErrTOTPReplay                   = errors.New("totp code already used")
	ErrTOTPAlreadyEnabled           = errors.New("totp already enabled")
	ErrTOTPNotEnabled               = errors.New("totp not enabled")
	ErrTOTPNotPending               = errors.New("totp enrollment not pending")
	ErrBackupCodeInvalid            = errors.New("invalid backup code")
	ErrBackupCodeRegenerationDenied = errors.New("backup code regeneration requires totp verification")

	ErrRateLimited   = errors.New("rate limited")
	ErrAccountLocked = errors.New("account locked")

	ErrForbidden               = errors.New("forbidden")
	ErrCompanyNotFound         = errors.New("company not found")
	ErrCompanyTransition       = errors.New("company status transition not allowed")
	ErrCompanyCycle            = errors.New("company parent would create a cycle")
	ErrRoleNotFound            = errors.New("role not found")
	ErrMembershipNotFound      = errors.New("membership not found")
	ErrInvitationNotFound      = errors.New("invitation not found")
	ErrInvitationNotPending    = errors.New("invitation not pending")
	ErrInvitationExpired       = errors.New("invitation expired")
	ErrInvitationExists        = errors.New("pending invitation already exists")
	ErrInvitationEmailMismatch = errors.New("invitation addressed to another email")

	// ErrStoreUnavailable wraps persistent store failures.
	ErrStoreUnavailable = errors.New("credential store unavailable")
	// ErrEphemeralUnavailable wraps Redis failures.
	ErrEphemeralUnavailable = errors.New("ephemeral store unavailable")
	// ErrNotifierFailed wraps a failed OTP delivery. The Engine never retries it.
	ErrNotifierFailed = errors.New("otp notifier failed")
)

// Store sentinels. Implementations of Store return these (optionally wrapped);
// the Engine translates them into the taxonomy above.
var (
	ErrRecordNotFound = errors.New("record not found")
	ErrRecordConflict = errors.New("record conflict")
	ErrStateConflict  = errors.New("record state changed")
)

var errorKinds = []struct {
	err  error
	kind Kind
}{
	{ErrValidation, KindValidation},

	{ErrUnauthenticated, KindUnauthenticated},
	{ErrInvalidCredentials, KindUnauthenticated},
	{ErrTokenInvalid, KindUnauthenticated},
	{ErrTokenExpired, KindUnauthenticated},
	{ErrOTPMismatch, KindUnauthenticated},
	{ErrOTPExpired, KindUnauthenticated},
	{ErrSessionExpired, KindUnauthenticated},
	{ErrSecondFactorInvalid, KindUnauthenticated},
	{ErrTOTPInvalid, KindUnauthenticated},
	{ErrBackupCodeInvalid, KindUnauthenticated},

	{ErrForbidden, KindForbidden},
	{ErrInvitationEmailMismatch, KindForbidden},
	{ErrBackupCodeRegenerationDenied, KindForbidden},

	{ErrTenantRequired, KindNotFound},
	{ErrTenantNotFound, KindNotFound},
	{ErrIdentityNotFound, KindNotFound},
	{ErrSessionNotFound, KindNotFound},
	{ErrCompanyNotFound, KindNotFound},
	{ErrRoleNotFound, KindNotFound},
	{ErrMembershipNotFound, KindNotFound},
	{ErrInvitationNotFound, KindNotFound},

	{ErrTenantExists, KindConflict},
	{ErrTokenRevoked, KindConflict},
	{ErrIdentityExists, KindConflict},
	{ErrEmailTaken, KindConflict},
	{ErrSignupState, KindConflict},
	{ErrAlreadyFinalized, KindConflict},
	{ErrFinalizeWindowElapsed, KindConflict},
	{ErrTOTPReplay, KindConflict},
	{ErrTOTPAlreadyEnabled, KindConflict},
	{ErrTOTPNotEnabled, KindConflict},
	{ErrTOTPNotPending, KindConflict},
	{ErrCompanyTransition, KindConflict},
	{ErrCompanyCycle, KindConflict},
	{ErrInvitationNotPending, KindConflict},
	{ErrInvitationExpired, KindConflict},
	{ErrInvitationExists, KindConflict},

	{ErrRateLimited, KindRateLimited},
	{ErrAccountLocked, KindRateLimited},
	{ErrOTPAttemptsExceeded, KindRateLimited},
	{ErrSecondFactorAttemptsExceeded, KindRateLimited},

	{ErrEngineNotReady, KindUnavailable},
	{ErrStoreUnavailable, KindUnavailable},
	{ErrEphemeralUnavailable, KindUnavailable},
	{ErrNotifierFailed, KindUnavailable},
}

// KindOf reports the taxonomy kind of err. Wrapped errors are unwrapped with
// errors.Is, so fmt.Errorf("%w") chains keep their classification.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var fe *FieldError
	if errors.As(err, &fe) {
		return KindValidation
	}
	for _, entry := range errorKinds {
		if errors.Is(err, entry.err) {
			return entry.kind
		}
	}
	return KindUnknown
}

// FieldError reports a malformed input field.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return "invalid " + e.Field + ": " + e.Reason
}

// Is makes every FieldError match ErrValidation.
func (e *FieldError) Is(target error) bool {
	return target == ErrValidation
}

func fieldError(field, reason string) error {
	return &FieldError{Field: field, Reason: reason}
}

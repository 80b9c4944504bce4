package internaldefs

import "github.com/MrEthical07/tenantauth"

// CounterDef names one engine counter.
type CounterDef struct {
	ID   tenantauth.MetricID
	Name string
	Help string
}

// HistogramDef names one engine latency histogram.
type HistogramDef struct {
	ID   tenantauth.MetricID
	Name string
	Help string
}

// AuditDroppedName is the counter of audit events lost to backpressure.
const AuditDroppedName = "tenantauth_audit_dropped_total"

// AuditFailedName is the counter of audit sink panics.
const AuditFailedName = "tenantauth_audit_failed_total"

var CounterDefs = []CounterDef{
	{ID: tenantauth.MetricSignupStarted, Name: "tenantauth_signup_started_total", Help: "Signups started or restarted."},
	{ID: tenantauth.MetricSignupDuplicate, Name: "tenantauth_signup_duplicate_total", Help: "Signups rejected for an already registered mobile."},
	{ID: tenantauth.MetricOTPSent, Name: "tenantauth_otp_sent_total", Help: "OTP codes handed to the notifier."},
	{ID: tenantauth.MetricOTPSendRateLimited, Name: "tenantauth_otp_send_rate_limited_total", Help: "OTP sends rejected by the per-mobile throttle."},
	{ID: tenantauth.MetricOTPVerified, Name: "tenantauth_otp_verified_total", Help: "Successful OTP verifications."},
	{ID: tenantauth.MetricOTPFailure, Name: "tenantauth_otp_failure_total", Help: "Wrong or expired OTP submissions."},
	{ID: tenantauth.MetricOTPAttemptsExceeded, Name: "tenantauth_otp_attempts_exceeded_total", Help: "OTP challenges exhausted by wrong attempts."},
	{ID: tenantauth.MetricSignupFinalized, Name: "tenantauth_signup_finalized_total", Help: "Completed signups."},
	{ID: tenantauth.MetricLoginSuccess, Name: "tenantauth_login_success_total", Help: "Logins that issued tokens."},
	{ID: tenantauth.MetricLoginFailure, Name: "tenantauth_login_failure_total", Help: "Logins rejected for invalid credentials."},
	{ID: tenantauth.MetricLoginLocked, Name: "tenantauth_login_locked_total", Help: "Logins rejected by lockout."},
	{ID: tenantauth.MetricSecondFactorRequired, Name: "tenantauth_second_factor_required_total", Help: "Logins that opened a second-factor session."},
	{ID: tenantauth.MetricSecondFactorSuccess, Name: "tenantauth_second_factor_success_total", Help: "Completed second-factor steps."},
	{ID: tenantauth.MetricSecondFactorFailure, Name: "tenantauth_second_factor_failure_total", Help: "Rejected second-factor codes."},
	{ID: tenantauth.MetricTOTPEnrolled, Name: "tenantauth_totp_enrolled_total", Help: "TOTP enrollments activated."},
	{ID: tenantauth.MetricTOTPReplay, Name: "tenantauth_totp_replay_total", Help: "TOTP codes rejected as replays."},
	{ID: tenantauth.MetricBackupCodeUsed, Name: "tenantauth_backup_code_used_total", Help: "Backup codes consumed."},
	{ID: tenantauth.MetricBackupCodeRegenerated, Name: "tenantauth_backup_code_regenerated_total", Help: "Backup code sets issued."},
	{ID: tenantauth.MetricTokenIssued, Name: "tenantauth_token_issued_total", Help: "Token pairs issued."},
	{ID: tenantauth.MetricRefreshSuccess, Name: "tenantauth_refresh_success_total", Help: "Successful refresh rotations."},
	{ID: tenantauth.MetricRefreshFailure, Name: "tenantauth_refresh_failure_total", Help: "Refresh tokens rejected as invalid or expired."},
	{ID: tenantauth.MetricRefreshReplay, Name: "tenantauth_refresh_replay_total", Help: "Refresh tokens presented after use or revocation."},
	{ID: tenantauth.MetricTokenRevoked, Name: "tenantauth_token_revoked_total", Help: "Refresh tokens revoked."},
	{ID: tenantauth.MetricAuthenticateFailure, Name: "tenantauth_authenticate_failure_total", Help: "Access tokens rejected."},
	{ID: tenantauth.MetricAuthzAllowed, Name: "tenantauth_authz_allowed_total", Help: "Authorization checks that passed."},
	{ID: tenantauth.MetricAuthzDenied, Name: "tenantauth_authz_denied_total", Help: "Authorization checks that failed."},
	{ID: tenantauth.MetricInvitationCreated, Name: "tenantauth_invitation_created_total", Help: "Invitations created."},
	{ID: tenantauth.MetricInvitationAccepted, Name: "tenantauth_invitation_accepted_total", Help: "Invitations accepted."},
	{ID: tenantauth.MetricInvitationRevoked, Name: "tenantauth_invitation_revoked_total", Help: "Invitations revoked."},
	{ID: tenantauth.MetricPermissionChanged, Name: "tenantauth_permission_changed_total", Help: "Role grant and assignment changes."},
	{ID: tenantauth.MetricNotifierFailure, Name: "tenantauth_notifier_failure_total", Help: "OTP deliveries the notifier failed."},
	{ID: tenantauth.MetricRateLimitHit, Name: "tenantauth_rate_limit_hit_total", Help: "Requests denied by a throttle."},
}

var HistogramDefs = []HistogramDef{
	{ID: tenantauth.MetricLoginLatency, Name: "tenantauth_login_latency_seconds", Help: "Login latency."},
	{ID: tenantauth.MetricAuthorizeLatency, Name: "tenantauth_authorize_latency_seconds", Help: "Permission resolution latency."},
}

// HistogramUpperBounds are the finite bucket bounds in seconds; the eighth
// bucket is +Inf.
var HistogramUpperBounds = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5}

// HistogramBoundSuffix names each bucket in instrument names.
var HistogramBoundSuffix = []string{
	"0_005",
	"0_01",
	"0_025",
	"0_05",
	"0_1",
	"0_25",
	"0_5",
	"inf",
}

// NormalizeBuckets pads or truncates raw to the eight engine buckets.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

// CumulativeBuckets turns per-bucket counts into le-style running totals.
func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}

package tenantauth

import (
	"strings"
	"time"
)

// Tenant is an isolated data partition addressed by its subdomain.
type Tenant struct {
	ID        string
	Subdomain string
	Name      string
	Active    bool
	CreatedAt time.Time
}

// SignupState is the position of an identity in the signup state machine.
type SignupState string

const (
	SignupOTPSent     SignupState = "otp_sent"
	SignupOTPVerified SignupState = "otp_verified"
	SignupFinalized   SignupState = "finalized"
)

// TwoFactorState tracks TOTP enrollment.
type TwoFactorState string

const (
	TwoFactorDisabled TwoFactorState = "disabled"
	TwoFactorPending  TwoFactorState = "totp_pending"
	TwoFactorEnabled  TwoFactorState = "totp_enabled"
)

// Identity is a tenant-scoped account. Identities are deactivated, never
// hard-deleted.
type Identity struct {
	ID              string
	TenantID        string
	FullName        string
	// Username is derived from FullName at signup and unique per tenant.
	Username        string
	Mobile          string
	Email           string
	PasswordHash    string
	EmailVerified   bool
	PhoneVerified   bool
	SignupState     SignupState
	VerifiedAt      time.Time
	TwoFactor       TwoFactorState
	TOTPSecret      []byte
	TOTPLastCounter int64
	Active          bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Provisional reports whether the identity has not completed signup.
func (i *Identity) Provisional() bool {
	return i == nil || i.SignupState != SignupFinalized
}

// TwoFactorChange is a conditional update of an identity's TOTP enrollment.
// Stores apply it only while the stored state equals From.
//
// Moving to TwoFactorPending replaces the secret and resets the replay
// counter; moving to TwoFactorDisabled clears the secret and backup codes.
type TwoFactorChange struct {
	From   TwoFactorState
	To     TwoFactorState
	Secret []byte
}

// CompanyStatus is the lifecycle state of a company.
type CompanyStatus string

const (
	CompanyActive      CompanyStatus = "active"
	CompanyDeactivated CompanyStatus = "deactivated"
	CompanyDeleted     CompanyStatus = "deleted"
)

// CanTransition reports whether the lifecycle allows moving from s to next:
// active and deactivated toggle, deactivated may be deleted, deleted is terminal.
func (s CompanyStatus) CanTransition(next CompanyStatus) bool {
	switch s {
	case CompanyActive:
		return next == CompanyDeactivated
	case CompanyDeactivated:
		return next == CompanyActive || next == CompanyDeleted
	default:
		return false
	}
}

// Valid reports whether s is a known status.
func (s CompanyStatus) Valid() bool {
	return s == CompanyActive || s == CompanyDeactivated || s == CompanyDeleted
}

// Company belongs to one tenant and forms an acyclic parent tree.
type Company struct {
	ID        string
	TenantID  string
	ParentID  string
	Name      string
	Status    CompanyStatus
	CreatedBy string
	CreatedAt time.Time
}

// Role groups permission codes. An empty CompanyID marks a system role usable
// by every company of the tenant.
type Role struct {
	ID        string
	TenantID  string
	CompanyID string
	Name      string
	System    bool
}

// AvailableTo reports whether the role may be granted inside companyID.
func (r *Role) AvailableTo(companyID string) bool {
	if r == nil {
		return false
	}
	return r.CompanyID == "" || r.CompanyID == companyID
}

// Membership is the UserCompany record; RoleIDs are its UserCompanyRole rows.
type Membership struct {
	ID         string
	TenantID   string
	IdentityID string
	CompanyID  string
	Primary    bool
	Active     bool
	RoleIDs    []string
	CreatedAt  time.Time
}

// RoleGrant is one role of a membership with the permission codes it grants,
// in grant order.
type RoleGrant struct {
	Role        Role
	Permissions []string
}

// AccessSnapshot is a consistent read of a membership, the company it points
// at and every permission its roles grant. Membership is nil when the identity
// has no live membership in the company.
type AccessSnapshot struct {
	Company    *Company
	Membership *Membership
	Grants     []RoleGrant
}

// InvitationStatus is the lifecycle state of an invitation.
type InvitationStatus string

const (
	InvitationPending  InvitationStatus = "pending"
	InvitationAccepted InvitationStatus = "accepted"
	InvitationRevoked  InvitationStatus = "revoked"
	InvitationExpired  InvitationStatus = "expired"
)

// Invitation offers a membership with one role to an email address. Only the
// SHA-256 of the token is persisted.
type Invitation struct {
	ID         string
	TenantID   string
	CompanyID  string
	Email      string
	RoleID     string
	TokenHash  string
	Status     InvitationStatus
	ExpiresAt  time.Time
	InvitedBy  string
	AcceptedBy string
	AcceptedAt time.Time
	CreatedAt  time.Time
}

// InvitationRequest is the input of Engine.CreateInvitation.
type InvitationRequest struct {
	CompanyID string
	Email     string
	RoleID    string
}

// InvitationTicket carries the plaintext token. It is only available when a
// token is generated: on create and on a resend that regenerates it.
type InvitationTicket struct {
	Invitation *Invitation
	Token      string
}

// TokenPair is the access/refresh pair minted on login, finalize and refresh.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// Principal is the authenticated caller extracted from an access token.
type Principal struct {
	IdentityID string
	TenantID   string
	TokenID    string
	ExpiresAt  time.Time
}

// LoginResult is either a token pair or a pending second-factor session.
type LoginResult struct {
	Tokens            *TokenPair
	TwoFactorRequired bool
	SessionID         string
	SessionExpiresAt  time.Time
}

// SignupResult describes the OTP that was generated and handed to the Notifier.
type SignupResult struct {
	IdentityID string
	Username   string
	ExpiresAt  time.Time
}

// TOTPEnrollment is returned once by EnableTOTP. Secret and BackupCodes are
// never readable again.
type TOTPEnrollment struct {
	Secret          string
	ProvisioningURI string
	BackupCodes     []string
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

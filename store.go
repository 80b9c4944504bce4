package tenantauth

import (
	"context"
	"time"
)

// TenantStore resolves tenants. Soft-deleted tenants are never returned.
type TenantStore interface {
	CreateTenant(ctx context.Context, tenant *Tenant) error
	TenantBySubdomain(ctx context.Context, subdomain string) (*Tenant, error)
}

// IdentityStore persists identities and their second-factor material. Every
// method is scoped by tenantID; lookups that cross tenants must return
// ErrRecordNotFound.
type IdentityStore interface {
	// CreateIdentity returns ErrRecordConflict when the mobile or the
	// username is taken.
	CreateIdentity(ctx context.Context, identity *Identity) error
	IdentityByID(ctx context.Context, tenantID, identityID string) (*Identity, error)
	IdentityByMobile(ctx context.Context, tenantID, mobile string) (*Identity, error)
	IdentityByEmail(ctx context.Context, tenantID, email string) (*Identity, error)
	IdentityByUsername(ctx context.Context, tenantID, username string) (*Identity, error)

	// RestartSignup moves a provisional identity back to otp_sent and updates
	// its name. ErrStateConflict if the identity is finalized.
	RestartSignup(ctx context.Context, tenantID, identityID, fullName string) error
	// TransitionSignup is a compare-and-set on SignupState. Reaching
	// otp_verified also sets PhoneVerified and VerifiedAt to at.
	TransitionSignup(ctx context.Context, tenantID, identityID string, from, to SignupState, at time.Time) error
	// FinalizeIdentity moves otp_verified to finalized and stores the email
	// and password hash. ErrRecordConflict when another live identity of the
	// tenant owns the email, ErrStateConflict when the state is not otp_verified.
	FinalizeIdentity(ctx context.Context, tenantID, identityID, email, passwordHash string, at time.Time) error
	UpdatePasswordHash(ctx context.Context, tenantID, identityID, passwordHash string) error

	// UpdateTwoFactor applies change while the stored state equals change.From.
	UpdateTwoFactor(ctx context.Context, tenantID, identityID string, change TwoFactorChange) error
	// AdvanceTOTPCounter stores counter only if it is greater than the last
	// accepted one and reports whether it did.
	AdvanceTOTPCounter(ctx context.Context, tenantID, identityID string, counter int64) (bool, error)
	// ReplaceBackupCodes discards unused codes and stores hashes.
	ReplaceBackupCodes(ctx context.Context, tenantID, identityID string, hashes []string) error
	// ConsumeBackupCode marks one unused code as used and reports whether one matched.
	ConsumeBackupCode(ctx context.Context, tenantID, identityID, hash string) (bool, error)
}

// DirectoryStore persists companies, roles and memberships.
type DirectoryStore interface {
	// CreateCompany inserts company and, when owner is set, the owner's
	// membership in the same transaction.
	CreateCompany(ctx context.Context, company *Company, owner *Membership) error
	CompanyByID(ctx context.Context, tenantID, companyID string) (*Company, error)
	// TransitionCompany is a compare-and-set on Company.Status.
	TransitionCompany(ctx context.Context, tenantID, companyID string, from, to CompanyStatus) error
	// SetCompanyParent re-parents a company; ErrCompanyCycle if parentID is
	// the company itself or one of its descendants.
	SetCompanyParent(ctx context.Context, tenantID, companyID, parentID string) error

	CreateRole(ctx context.Context, role *Role) error
	RoleByID(ctx context.Context, tenantID, roleID string) (*Role, error)
	GrantRolePermission(ctx context.Context, tenantID, roleID, code string) error
	RevokeRolePermission(ctx context.Context, tenantID, roleID, code string) error

	// CreateMembership returns ErrRecordConflict when a live membership exists.
	CreateMembership(ctx context.Context, membership *Membership) error
	MembershipFor(ctx context.Context, tenantID, identityID, companyID string) (*Membership, error)
	AssignRole(ctx context.Context, tenantID, membershipID, roleID string) error
	UnassignRole(ctx context.Context, tenantID, membershipID, roleID string) error

	// AccessSnapshot reads membership, roles and role permissions as one
	// consistent snapshot. ErrRecordNotFound only when the company is absent.
	AccessSnapshot(ctx context.Context, tenantID, identityID, companyID string) (*AccessSnapshot, error)
}

// InvitationStore persists invitations.
type InvitationStore interface {
	// CreateInvitation returns ErrRecordConflict when a pending invitation for
	// the same email and company exists.
	CreateInvitation(ctx context.Context, invitation *Invitation) error
	InvitationByID(ctx context.Context, tenantID, invitationID string) (*Invitation, error)
	InvitationByTokenHash(ctx context.Context, tenantID, tokenHash string) (*Invitation, error)
	// UpdateInvitationStatus is a compare-and-set on Invitation.Status.
	UpdateInvitationStatus(ctx context.Context, tenantID, invitationID string, from, to InvitationStatus) error
	// RenewInvitation extends a pending invitation. An empty tokenHash keeps
	// the current token.
	RenewInvitation(ctx context.Context, tenantID, invitationID, tokenHash string, expiresAt time.Time) error
	// AcceptInvitation atomically marks a pending invitation accepted, creates
	// or reactivates the membership and assigns the invited role.
	// ErrStateConflict when the invitation is no longer pending; in that case
	// no membership is touched.
	AcceptInvitation(ctx context.Context, tenantID, invitationID, identityID string, at time.Time) (*Membership, error)
}

// Store is the persistent credential and directory store used by the Engine.
type Store interface {
	TenantStore
	IdentityStore
	DirectoryStore
	InvitationStore
}

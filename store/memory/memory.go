// Package memory is an in-process tenantauth.Store for tests and single-node
// development. One mutex guards every map, so each method is atomic with
// respect to every other.
package memory

import (
	"context"
	"crypto/subtle"
	"strings"
	"sync"
	"time"

	"github.com/MrEthical07/tenantauth"
	"github.com/google/uuid"
)

type identityRecord struct {
	identity    tenantauth.Identity
	backupCodes []backupCode
}

type backupCode struct {
	hash string
	used bool
}

type tenantRecord struct {
	tenant    tenantauth.Tenant
	deletedAt time.Time
}

func (r *tenantRecord) live() bool {
	return r != nil && r.deletedAt.IsZero()
}

// Store keeps everything in maps keyed by record ID.
type Store struct {
	mu sync.RWMutex

	tenants     map[string]*tenantRecord
	identities  map[string]*identityRecord
	companies   map[string]*tenantauth.Company
	roles       map[string]*tenantauth.Role
	rolePerms   map[string][]string
	memberships map[string]*tenantauth.Membership
	invitations map[string]*tenantauth.Invitation
}

var _ tenantauth.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		tenants:     make(map[string]*tenantRecord),
		identities:  make(map[string]*identityRecord),
		companies:   make(map[string]*tenantauth.Company),
		roles:       make(map[string]*tenantauth.Role),
		rolePerms:   make(map[string][]string),
		memberships: make(map[string]*tenantauth.Membership),
		invitations: make(map[string]*tenantauth.Invitation),
	}
}

/*
====================================
TENANTS
====================================
*/

func (s *Store) CreateTenant(_ context.Context, tenant *tenantauth.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.tenants {
		if r.live() && r.tenant.Subdomain == tenant.Subdomain {
			return tenantauth.ErrRecordConflict
		}
	}
	s.tenants[tenant.ID] = &tenantRecord{tenant: *tenant}
	return nil
}

func (s *Store) TenantBySubdomain(_ context.Context, subdomain string) (*tenantauth.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, r := range s.tenants {
		if r.live() && r.tenant.Subdomain == subdomain {
			out := r.tenant
			return &out, nil
		}
	}
	return nil, tenantauth.ErrRecordNotFound
}

// DeleteTenant soft-deletes a tenant; it stops resolving immediately.
func (s *Store) DeleteTenant(_ context.Context, tenantID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.tenants[tenantID]
	if !ok || !r.live() {
		return tenantauth.ErrRecordNotFound
	}
	r.deletedAt = at
	return nil
}

/*
====================================
IDENTITIES
====================================
*/

func (s *Store) CreateIdentity(_ context.Context, identity *tenantauth.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.identities {
		if r.identity.TenantID != identity.TenantID {
			continue
		}
		if r.identity.Mobile == identity.Mobile {
			return tenantauth.ErrRecordConflict
		}
		if identity.Username != "" && r.identity.Username == identity.Username {
			return tenantauth.ErrRecordConflict
		}
		if identity.Email != "" && r.identity.Email == identity.Email {
			return tenantauth.ErrRecordConflict
		}
	}
	s.identities[identity.ID] = &identityRecord{identity: copyIdentity(identity)}
	return nil
}

func (s *Store) IdentityByID(_ context.Context, tenantID, identityID string) (*tenantauth.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, err := s.identity(tenantID, identityID)
	if err != nil {
		return nil, err
	}
	out := copyIdentity(&r.identity)
	return &out, nil
}

func (s *Store) IdentityByMobile(_ context.Context, tenantID, mobile string) (*tenantauth.Identity, error) {
	return s.findIdentity(tenantID, func(i *tenantauth.Identity) bool { return i.Mobile == mobile })
}

func (s *Store) IdentityByEmail(_ context.Context, tenantID, email string) (*tenantauth.Identity, error) {
	if email == "" {
		return nil, tenantauth.ErrRecordNotFound
	}
	return s.findIdentity(tenantID, func(i *tenantauth.Identity) bool { return i.Email == email })
}

func (s *Store) IdentityByUsername(_ context.Context, tenantID, username string) (*tenantauth.Identity, error) {
	if username == "" {
		return nil, tenantauth.ErrRecordNotFound
	}
	return s.findIdentity(tenantID, func(i *tenantauth.Identity) bool { return i.Username == username })
}

func (s *Store) RestartSignup(_ context.Context, tenantID, identityID, fullName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.identity(tenantID, identityID)
	if err != nil {
		return err
	}
	if !r.identity.Provisional() {
		return tenantauth.ErrStateConflict
	}
	r.identity.FullName = fullName
	r.identity.SignupState = tenantauth.SignupOTPSent
	r.identity.VerifiedAt = time.Time{}
	return nil
}

func (s *Store) TransitionSignup(_ context.Context, tenantID, identityID string, from, to tenantauth.SignupState, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.identity(tenantID, identityID)
	if err != nil {
		return err
	}
	if r.identity.SignupState != from {
		return tenantauth.ErrStateConflict
	}
	r.identity.SignupState = to
	r.identity.UpdatedAt = at
	if to == tenantauth.SignupOTPVerified {
		r.identity.PhoneVerified = true
		r.identity.VerifiedAt = at
	}
	return nil
}

func (s *Store) FinalizeIdentity(_ context.Context, tenantID, identityID, email, passwordHash string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.identity(tenantID, identityID)
	if err != nil {
		return err
	}
	if r.identity.SignupState != tenantauth.SignupOTPVerified {
		return tenantauth.ErrStateConflict
	}
	for id, other := range s.identities {
		if id != identityID && other.identity.TenantID == tenantID && other.identity.Email == email {
			return tenantauth.ErrRecordConflict
		}
	}
	r.identity.Email = email
	r.identity.PasswordHash = passwordHash
	r.identity.SignupState = tenantauth.SignupFinalized
	r.identity.UpdatedAt = at
	return nil
}

func (s *Store) UpdatePasswordHash(_ context.Context, tenantID, identityID, passwordHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.identity(tenantID, identityID)
	if err != nil {
		return err
	}
	r.identity.PasswordHash = passwordHash
	return nil
}

func (s *Store) UpdateTwoFactor(_ context.Context, tenantID, identityID string, change tenantauth.TwoFactorChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.identity(tenantID, identityID)
	if err != nil {
		return err
	}
	if r.identity.TwoFactor != change.From {
		return tenantauth.ErrStateConflict
	}
	switch change.To {
	case tenantauth.TwoFactorPending:
		r.identity.TOTPSecret = append([]byte(nil), change.Secret...)
		r.identity.TOTPLastCounter = 0
	case tenantauth.TwoFactorDisabled:
		r.identity.TOTPSecret = nil
		r.identity.TOTPLastCounter = 0
		r.backupCodes = nil
	}
	r.identity.TwoFactor = change.To
	return nil
}

func (s *Store) AdvanceTOTPCounter(_ context.Context, tenantID, identityID string, counter int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.identity(tenantID, identityID)
	if err != nil {
		return false, err
	}
	if counter <= r.identity.TOTPLastCounter {
		return false, nil
	}
	r.identity.TOTPLastCounter = counter
	return true, nil
}

func (s *Store) ReplaceBackupCodes(_ context.Context, tenantID, identityID string, hashes []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.identity(tenantID, identityID)
	if err != nil {
		return err
	}
	codes := make([]backupCode, 0, len(hashes))
	for _, h := range hashes {
		codes = append(codes, backupCode{hash: h})
	}
	r.backupCodes = codes
	return nil
}

func (s *Store) ConsumeBackupCode(_ context.Context, tenantID, identityID, hash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.identity(tenantID, identityID)
	if err != nil {
		return false, err
	}
	match := -1
	for i := range r.backupCodes {
		eq := subtle.ConstantTimeCompare([]byte(r.backupCodes[i].hash), []byte(hash)) == 1
		if eq && !r.backupCodes[i].used && match < 0 {
			match = i
		}
	}
	if match < 0 {
		return false, nil
	}
	r.backupCodes[match].used = true
	return true, nil
}

func (s *Store) identity(tenantID, identityID string) (*identityRecord, error) {
	r, ok := s.identities[identityID]
	if !ok || r.identity.TenantID != tenantID {
		return nil, tenantauth.ErrRecordNotFound
	}
	return r, nil
}

func (s *Store) findIdentity(tenantID string, match func(*tenantauth.Identity) bool) (*tenantauth.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, r := range s.identities {
		if r.identity.TenantID == tenantID && match(&r.identity) {
			out := copyIdentity(&r.identity)
			return &out, nil
		}
	}
	return nil, tenantauth.ErrRecordNotFound
}

func copyIdentity(i *tenantauth.Identity) tenantauth.Identity {
	out := *i
	out.TOTPSecret = append([]byte(nil), i.TOTPSecret...)
	return out
}

/*
====================================
DIRECTORY
====================================
*/

func (s *Store) CreateCompany(_ context.Context, company *tenantauth.Company, owner *tenantauth.Membership) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if company.ParentID != "" {
		if _, err := s.company(company.TenantID, company.ParentID); err != nil {
			return err
		}
	}
	if _, ok := s.companies[company.ID]; ok {
		return tenantauth.ErrRecordConflict
	}
	c := *company
	s.companies[c.ID] = &c
	if owner != nil {
		m := copyMembership(owner)
		s.memberships[m.ID] = &m
	}
	return nil
}

func (s *Store) CompanyByID(_ context.Context, tenantID, companyID string) (*tenantauth.Company, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, err := s.company(tenantID, companyID)
	if err != nil {
		return nil, err
	}
	out := *c
	return &out, nil
}

func (s *Store) TransitionCompany(_ context.Context, tenantID, companyID string, from, to tenantauth.CompanyStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.company(tenantID, companyID)
	if err != nil {
		return err
	}
	if c.Status != from {
		return tenantauth.ErrStateConflict
	}
	c.Status = to
	return nil
}

func (s *Store) SetCompanyParent(_ context.Context, tenantID, companyID, parentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.company(tenantID, companyID)
	if err != nil {
		return err
	}
	// Walk up from the new parent; meeting companyID means a cycle.
	for id := parentID; id != ""; {
		if id == companyID {
			return tenantauth.ErrCompanyCycle
		}
		ancestor, err := s.company(tenantID, id)
		if err != nil {
			return err
		}
		id = ancestor.ParentID
	}
	c.ParentID = parentID
	return nil
}

func (s *Store) CreateRole(_ context.Context, role *tenantauth.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.roles {
		if r.TenantID == role.TenantID && r.CompanyID == role.CompanyID && strings.EqualFold(r.Name, role.Name) {
			return tenantauth.ErrRecordConflict
		}
	}
	r := *role
	s.roles[r.ID] = &r
	return nil
}

func (s *Store) RoleByID(_ context.Context, tenantID, roleID string) (*tenantauth.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, err := s.role(tenantID, roleID)
	if err != nil {
		return nil, err
	}
	out := *r
	return &out, nil
}

func (s *Store) GrantRolePermission(_ context.Context, tenantID, roleID, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.role(tenantID, roleID); err != nil {
		return err
	}
	for _, c := range s.rolePerms[roleID] {
		if c == code {
			return tenantauth.ErrRecordConflict
		}
	}
	s.rolePerms[roleID] = append(s.rolePerms[roleID], code)
	return nil
}

func (s *Store) RevokeRolePermission(_ context.Context, tenantID, roleID, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.role(tenantID, roleID); err != nil {
		return err
	}
	perms := s.rolePerms[roleID]
	for i, c := range perms {
		if c == code {
			s.rolePerms[roleID] = append(perms[:i:i], perms[i+1:]...)
			return nil
		}
	}
	return tenantauth.ErrRecordNotFound
}

func (s *Store) CreateMembership(_ context.Context, membership *tenantauth.Membership) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.membershipFor(membership.TenantID, membership.IdentityID, membership.CompanyID) != nil {
		return tenantauth.ErrRecordConflict
	}
	m := copyMembership(membership)
	s.memberships[m.ID] = &m
	return nil
}

func (s *Store) MembershipFor(_ context.Context, tenantID, identityID, companyID string) (*tenantauth.Membership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m := s.membershipFor(tenantID, identityID, companyID)
	if m == nil {
		return nil, tenantauth.ErrRecordNotFound
	}
	out := copyMembership(m)
	return &out, nil
}

func (s *Store) AssignRole(_ context.Context, tenantID, membershipID, roleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.memberships[membershipID]
	if !ok || m.TenantID != tenantID {
		return tenantauth.ErrRecordNotFound
	}
	if _, err := s.role(tenantID, roleID); err != nil {
		return err
	}
	for _, id := range m.RoleIDs {
		if id == roleID {
			return tenantauth.ErrRecordConflict
		}
	}
	m.RoleIDs = append(m.RoleIDs, roleID)
	return nil
}

func (s *Store) UnassignRole(_ context.Context, tenantID, membershipID, roleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.memberships[membershipID]
	if !ok || m.TenantID != tenantID {
		return tenantauth.ErrRecordNotFound
	}
	for i, id := range m.RoleIDs {
		if id == roleID {
			m.RoleIDs = append(m.RoleIDs[:i:i], m.RoleIDs[i+1:]...)
			return nil
		}
	}
	return tenantauth.ErrRecordNotFound
}

func (s *Store) AccessSnapshot(_ context.Context, tenantID, identityID, companyID string) (*tenantauth.AccessSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, err := s.company(tenantID, companyID)
	if err != nil {
		return nil, err
	}
	company := *c
	snap := &tenantauth.AccessSnapshot{Company: &company}

	m := s.membershipFor(tenantID, identityID, companyID)
	if m == nil {
		return snap, nil
	}
	membership := copyMembership(m)
	snap.Membership = &membership

	for _, roleID := range m.RoleIDs {
		r, err := s.role(tenantID, roleID)
		if err != nil {
			continue
		}
		snap.Grants = append(snap.Grants, tenantauth.RoleGrant{
			Role:        *r,
			Permissions: append([]string(nil), s.rolePerms[roleID]...),
		})
	}
	return snap, nil
}

func (s *Store) company(tenantID, companyID string) (*tenantauth.Company, error) {
	c, ok := s.companies[companyID]
	if !ok || c.TenantID != tenantID {
		return nil, tenantauth.ErrRecordNotFound
	}
	return c, nil
}

func (s *Store) role(tenantID, roleID string) (*tenantauth.Role, error) {
	r, ok := s.roles[roleID]
	if !ok || r.TenantID != tenantID {
		return nil, tenantauth.ErrRecordNotFound
	}
	return r, nil
}

func (s *Store) membershipFor(tenantID, identityID, companyID string) *tenantauth.Membership {
	for _, m := range s.memberships {
		if m.TenantID == tenantID && m.IdentityID == identityID && m.CompanyID == companyID {
			return m
		}
	}
	return nil
}

func copyMembership(m *tenantauth.Membership) tenantauth.Membership {
	out := *m
	out.RoleIDs = append([]string(nil), m.RoleIDs...)
	return out
}

/*
====================================
INVITATIONS
====================================
*/

func (s *Store) CreateInvitation(_ context.Context, invitation *tenantauth.Invitation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, inv := range s.invitations {
		if inv.TenantID == invitation.TenantID &&
			inv.CompanyID == invitation.CompanyID &&
			inv.Email == invitation.Email &&
			inv.Status == tenantauth.InvitationPending {
			return tenantauth.ErrRecordConflict
		}
	}
	inv := *invitation
	s.invitations[inv.ID] = &inv
	return nil
}

func (s *Store) InvitationByID(_ context.Context, tenantID, invitationID string) (*tenantauth.Invitation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inv, err := s.invitation(tenantID, invitationID)
	if err != nil {
		return nil, err
	}
	out := *inv
	return &out, nil
}

func (s *Store) InvitationByTokenHash(_ context.Context, tenantID, tokenHash string) (*tenantauth.Invitation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, inv := range s.invitations {
		if inv.TenantID == tenantID && subtle.ConstantTimeCompare([]byte(inv.TokenHash), []byte(tokenHash)) == 1 {
			out := *inv
			return &out, nil
		}
	}
	return nil, tenantauth.ErrRecordNotFound
}

func (s *Store) UpdateInvitationStatus(_ context.Context, tenantID, invitationID string, from, to tenantauth.InvitationStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inv, err := s.invitation(tenantID, invitationID)
	if err != nil {
		return err
	}
	if inv.Status != from {
		return tenantauth.ErrStateConflict
	}
	inv.Status = to
	return nil
}

func (s *Store) RenewInvitation(_ context.Context, tenantID, invitationID, tokenHash string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inv, err := s.invitation(tenantID, invitationID)
	if err != nil {
		return err
	}
	if inv.Status != tenantauth.InvitationPending {
		return tenantauth.ErrStateConflict
	}
	if tokenHash != "" {
		inv.TokenHash = tokenHash
	}
	inv.ExpiresAt = expiresAt
	return nil
}

func (s *Store) AcceptInvitation(_ context.Context, tenantID, invitationID, identityID string, at time.Time) (*tenantauth.Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inv, err := s.invitation(tenantID, invitationID)
	if err != nil {
		return nil, err
	}
	if inv.Status != tenantauth.InvitationPending {
		return nil, tenantauth.ErrStateConflict
	}

	m := s.membershipFor(tenantID, identityID, inv.CompanyID)
	if m == nil {
		m = &tenantauth.Membership{
			ID:         uuid.NewString(),
			TenantID:   tenantID,
			IdentityID: identityID,
			CompanyID:  inv.CompanyID,
			CreatedAt:  at,
		}
		s.memberships[m.ID] = m
	}
	m.Active = true
	assigned := false
	for _, id := range m.RoleIDs {
		if id == inv.RoleID {
			assigned = true
			break
		}
	}
	if !assigned {
		m.RoleIDs = append(m.RoleIDs, inv.RoleID)
	}

	inv.Status = tenantauth.InvitationAccepted
	inv.AcceptedBy = identityID
	inv.AcceptedAt = at

	out := copyMembership(m)
	return &out, nil
}

func (s *Store) invitation(tenantID, invitationID string) (*tenantauth.Invitation, error) {
	inv, ok := s.invitations[invitationID]
	if !ok || inv.TenantID != tenantID {
		return nil, tenantauth.ErrRecordNotFound
	}
	return inv, nil
}

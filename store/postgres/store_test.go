package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/MrEthical07/tenantauth"
	"github.com/MrEthical07/tenantauth/permission"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrateRequiresDSN(t *testing.T) {
	err := Migrate("", "up")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
}

func TestMigrateRejectsUnknownDirection(t *testing.T) {
	err := Migrate("postgres://localhost/none", "sideways")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "direction")
}

func TestMigrationsAreEmbedded(t *testing.T) {
	entries, err := migrationFS.ReadDir("migrations")
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, e := range entries {
		names[e.Name()] = true
	}
	assert.True(t, names["000001_init.up.sql"])
	assert.True(t, names["000001_init.down.sql"])
	assert.True(t, names["000002_identity_username.up.sql"])
	assert.True(t, names["000002_identity_username.down.sql"])
}

func TestMapErr(t *testing.T) {
	assert.NoError(t, mapErr(nil))
	assert.ErrorIs(t, mapErr(sql.ErrNoRows), tenantauth.ErrRecordNotFound)
	assert.ErrorIs(t, mapErr(fmt.Errorf("scan: %w", sql.ErrNoRows)), tenantauth.ErrRecordNotFound)
	assert.ErrorIs(t, mapErr(&pgconn.PgError{Code: "23505", ConstraintName: "identities_mobile_live"}), tenantauth.ErrRecordConflict)
	assert.ErrorIs(t, mapErr(&pgconn.PgError{Code: "23503"}), tenantauth.ErrRecordNotFound)

	other := errors.New("connection reset")
	assert.Equal(t, other, mapErr(other))
}

// openTestStore connects to DATABASE_URL, migrates it and returns a store.
// Each test works in a fresh tenant so runs do not interfere.
func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set")
	}
	require.NoError(t, Migrate(dsn, "up"))

	db, err := Open(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s := New(db)
	tenant := &tenantauth.Tenant{
		ID:        uuid.NewString(),
		Subdomain: "t" + uuid.NewString()[:8],
		Name:      "Test",
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.CreateTenant(context.Background(), tenant))
	return s, tenant.ID
}

func seedIdentity(t *testing.T, s *Store, tenantID, mobile string) *tenantauth.Identity {
	t.Helper()
	now := time.Now().UTC()
	id := &tenantauth.Identity{
		ID:          uuid.NewString(),
		TenantID:    tenantID,
		FullName:    "Test User",
		Mobile:      mobile,
		SignupState: tenantauth.SignupOTPSent,
		TwoFactor:   tenantauth.TwoFactorDisabled,
		Active:      true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	require.NoError(t, s.CreateIdentity(context.Background(), id))
	return id
}

func TestSignupTransitionsAreCompareAndSet(t *testing.T) {
	s, tenantID := openTestStore(t)
	ctx := context.Background()
	id := seedIdentity(t, s, tenantID, "+15550000001")

	at := time.Now().UTC().Truncate(time.Microsecond)
	require.NoError(t, s.TransitionSignup(ctx, tenantID, id.ID, tenantauth.SignupOTPSent, tenantauth.SignupOTPVerified, at))
	err := s.TransitionSignup(ctx, tenantID, id.ID, tenantauth.SignupOTPSent, tenantauth.SignupOTPVerified, at)
	assert.ErrorIs(t, err, tenantauth.ErrStateConflict)

	got, err := s.IdentityByID(ctx, tenantID, id.ID)
	require.NoError(t, err)
	assert.True(t, got.PhoneVerified)
	assert.True(t, got.VerifiedAt.Equal(at))

	require.NoError(t, s.FinalizeIdentity(ctx, tenantID, id.ID, "a@example.com", "hash", at))
	assert.ErrorIs(t, s.RestartSignup(ctx, tenantID, id.ID, "Other"), tenantauth.ErrStateConflict)

	other := seedIdentity(t, s, tenantID, "+15550000002")
	require.NoError(t, s.TransitionSignup(ctx, tenantID, other.ID, tenantauth.SignupOTPSent, tenantauth.SignupOTPVerified, at))
	err = s.FinalizeIdentity(ctx, tenantID, other.ID, "a@example.com", "hash", at)
	assert.ErrorIs(t, err, tenantauth.ErrRecordConflict)
}

func TestIdentityLookupsAreTenantScoped(t *testing.T) {
	s, tenantID := openTestStore(t)
	other, otherTenant := openTestStore(t)
	ctx := context.Background()
	id := seedIdentity(t, s, tenantID, "+15550000003")

	_, err := other.IdentityByID(ctx, otherTenant, id.ID)
	assert.ErrorIs(t, err, tenantauth.ErrRecordNotFound)
	_, err = s.IdentityByMobile(ctx, otherTenant, id.Mobile)
	assert.ErrorIs(t, err, tenantauth.ErrRecordNotFound)

	dup := *id
	dup.ID = uuid.NewString()
	assert.ErrorIs(t, s.CreateIdentity(ctx, &dup), tenantauth.ErrRecordConflict)

	named := &tenantauth.Identity{ID: uuid.NewString(), TenantID: tenantID, FullName: "Ada", Username: "ada" + uuid.NewString()[:4],
		Mobile: "+15550000012", SignupState: tenantauth.SignupOTPSent, TwoFactor: tenantauth.TwoFactorDisabled,
		Active: true, CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC()}
	require.NoError(t, s.CreateIdentity(ctx, named))
	got, err := s.IdentityByUsername(ctx, tenantID, named.Username)
	require.NoError(t, err)
	assert.Equal(t, named.ID, got.ID)
	_, err = s.IdentityByUsername(ctx, otherTenant, named.Username)
	assert.ErrorIs(t, err, tenantauth.ErrRecordNotFound)

	clash := *named
	clash.ID = uuid.NewString()
	clash.Mobile = "+15550000013"
	assert.ErrorIs(t, s.CreateIdentity(ctx, &clash), tenantauth.ErrRecordConflict)
}

func TestBackupCodesAreSingleUse(t *testing.T) {
	s, tenantID := openTestStore(t)
	ctx := context.Background()
	id := seedIdentity(t, s, tenantID, "+15550000004")

	require.NoError(t, s.ReplaceBackupCodes(ctx, tenantID, id.ID, []string{"h1", "h2"}))
	ok, err := s.ConsumeBackupCode(ctx, tenantID, id.ID, "h1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.ConsumeBackupCode(ctx, tenantID, id.ID, "h1")
	require.NoError(t, err)
	assert.False(t, ok)

	advanced, err := s.AdvanceTOTPCounter(ctx, tenantID, id.ID, 10)
	require.NoError(t, err)
	assert.True(t, advanced)
	advanced, err = s.AdvanceTOTPCounter(ctx, tenantID, id.ID, 10)
	require.NoError(t, err)
	assert.False(t, advanced)
}

func TestCompanyTreeRejectsCycles(t *testing.T) {
	s, tenantID := openTestStore(t)
	ctx := context.Background()
	owner := seedIdentity(t, s, tenantID, "+15550000005")

	mk := func(parent string) string {
		c := &tenantauth.Company{ID: uuid.NewString(), TenantID: tenantID, ParentID: parent, Name: "c",
			Status: tenantauth.CompanyActive, CreatedBy: owner.ID, CreatedAt: time.Now().UTC()}
		require.NoError(t, s.CreateCompany(ctx, c, nil))
		return c.ID
	}
	root := mk("")
	child := mk(root)
	grandchild := mk(child)

	assert.ErrorIs(t, s.SetCompanyParent(ctx, tenantID, root, grandchild), tenantauth.ErrCompanyCycle)
	assert.ErrorIs(t, s.SetCompanyParent(ctx, tenantID, root, root), tenantauth.ErrCompanyCycle)
	require.NoError(t, s.SetCompanyParent(ctx, tenantID, grandchild, root))

	require.NoError(t, s.TransitionCompany(ctx, tenantID, root, tenantauth.CompanyActive, tenantauth.CompanyDeactivated))
	assert.ErrorIs(t, s.TransitionCompany(ctx, tenantID, root, tenantauth.CompanyActive, tenantauth.CompanyDeactivated), tenantauth.ErrStateConflict)
}

func TestAccessSnapshotAndConcurrentAccept(t *testing.T) {
	s, tenantID := openTestStore(t)
	ctx := context.Background()
	owner := seedIdentity(t, s, tenantID, "+15550000006")
	invitee := seedIdentity(t, s, tenantID, "+15550000007")

	require.NoError(t, s.SyncPermissions(ctx, []permission.Definition{
		{Code: "doc.read", Module: "doc"},
		{Code: "doc.write", Module: "doc"},
	}))

	company := &tenantauth.Company{ID: uuid.NewString(), TenantID: tenantID, Name: "Acme",
		Status: tenantauth.CompanyActive, CreatedBy: owner.ID, CreatedAt: time.Now().UTC()}
	require.NoError(t, s.CreateCompany(ctx, company, nil))
	role := &tenantauth.Role{ID: uuid.NewString(), TenantID: tenantID, CompanyID: company.ID, Name: "editor"}
	require.NoError(t, s.CreateRole(ctx, role))
	require.NoError(t, s.GrantRolePermission(ctx, tenantID, role.ID, "doc.read"))
	require.NoError(t, s.GrantRolePermission(ctx, tenantID, role.ID, "doc.write"))
	assert.ErrorIs(t, s.GrantRolePermission(ctx, tenantID, role.ID, "doc.read"), tenantauth.ErrRecordConflict)

	inv := &tenantauth.Invitation{ID: uuid.NewString(), TenantID: tenantID, CompanyID: company.ID,
		Email: "invitee@example.com", RoleID: role.ID, TokenHash: uuid.NewString(),
		Status: tenantauth.InvitationPending, ExpiresAt: time.Now().Add(time.Hour).UTC(),
		InvitedBy: owner.ID, CreatedAt: time.Now().UTC()}
	require.NoError(t, s.CreateInvitation(ctx, inv))

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.AcceptInvitation(ctx, tenantID, inv.ID, invitee.ID, time.Now().UTC())
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		}()
	}
	wg.Wait()

	var wins, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, tenantauth.ErrStateConflict):
			conflicts++
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, conflicts)

	snap, err := s.AccessSnapshot(ctx, tenantID, invitee.ID, company.ID)
	require.NoError(t, err)
	require.NotNil(t, snap.Membership)
	require.Len(t, snap.Grants, 1)
	assert.ElementsMatch(t, []string{"doc.read", "doc.write"}, snap.Grants[0].Permissions)

	require.NoError(t, s.RevokeRolePermission(ctx, tenantID, role.ID, "doc.write"))
	snap, err = s.AccessSnapshot(ctx, tenantID, invitee.ID, company.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"doc.read"}, snap.Grants[0].Permissions)

	_, err = s.AccessSnapshot(ctx, tenantID, invitee.ID, uuid.NewString())
	assert.ErrorIs(t, err, tenantauth.ErrRecordNotFound)
}

func TestCreateCompanyWithOwnerIsAtomic(t *testing.T) {
	s, tenantID := openTestStore(t)
	ctx := context.Background()
	owner := seedIdentity(t, s, tenantID, "+15550000011")

	company := &tenantauth.Company{ID: uuid.NewString(), TenantID: tenantID, Name: "Acme",
		Status: tenantauth.CompanyActive, CreatedBy: owner.ID, CreatedAt: time.Now().UTC()}
	membership := &tenantauth.Membership{ID: uuid.NewString(), TenantID: tenantID, IdentityID: owner.ID,
		CompanyID: company.ID, Active: true, CreatedAt: time.Now().UTC()}
	require.NoError(t, s.CreateCompany(ctx, company, membership))

	got, err := s.MembershipFor(ctx, tenantID, owner.ID, company.ID)
	require.NoError(t, err)
	assert.Equal(t, membership.ID, got.ID)

	// The owner membership references a missing identity, so neither row lands.
	orphan := &tenantauth.Company{ID: uuid.NewString(), TenantID: tenantID, Name: "Orphan",
		Status: tenantauth.CompanyActive, CreatedBy: owner.ID, CreatedAt: time.Now().UTC()}
	err = s.CreateCompany(ctx, orphan, &tenantauth.Membership{ID: uuid.NewString(), TenantID: tenantID,
		IdentityID: uuid.NewString(), CompanyID: orphan.ID, Active: true, CreatedAt: time.Now().UTC()})
	require.Error(t, err)
	_, err = s.CompanyByID(ctx, tenantID, orphan.ID)
	assert.ErrorIs(t, err, tenantauth.ErrRecordNotFound)
}

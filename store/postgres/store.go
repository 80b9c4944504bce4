package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/MrEthical07/tenantauth"
	"github.com/MrEthical07/tenantauth/permission"
	"github.com/google/uuid"
)

// Store implements tenantauth.Store on a *sql.DB opened with the pgx driver.
type Store struct {
	db *sql.DB
}

var _ tenantauth.Store = (*Store)(nil)

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// exists reports whether a live row with id exists in view for the tenant.
// Conditional writes use it to tell a missing record from a lost race.
func (s *Store) exists(ctx context.Context, q queryer, view, tenantID, id string) (bool, error) {
	var ok bool
	err := q.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM `+view+` WHERE tenant_id = $1 AND id = $2)`, tenantID, id).Scan(&ok)
	return ok, err
}

func (s *Store) missOrConflict(ctx context.Context, q queryer, view, tenantID, id string) error {
	ok, err := s.exists(ctx, q, view, tenantID, id)
	if err != nil {
		return err
	}
	if !ok {
		return tenantauth.ErrRecordNotFound
	}
	return tenantauth.ErrStateConflict
}

/*
====================================
TENANTS
====================================
*/

func (s *Store) CreateTenant(ctx context.Context, tenant *tenantauth.Tenant) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tenants (id, subdomain, name, active, created_at) VALUES ($1, $2, $3, $4, $5)`,
		tenant.ID, tenant.Subdomain, tenant.Name, tenant.Active, tenant.CreatedAt)
	return mapErr(err)
}

func (s *Store) TenantBySubdomain(ctx context.Context, subdomain string) (*tenantauth.Tenant, error) {
	var t tenantauth.Tenant
	err := s.db.QueryRowContext(ctx,
		`SELECT id, subdomain, name, active, created_at FROM live_tenants WHERE subdomain = $1`, subdomain).
		Scan(&t.ID, &t.Subdomain, &t.Name, &t.Active, &t.CreatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &t, nil
}

// DeleteTenant soft-deletes a tenant. Its subdomain becomes available again.
func (s *Store) DeleteTenant(ctx context.Context, tenantID string, at time.Time) error {
	ok, err := affected(s.db.ExecContext(ctx,
		`UPDATE tenants SET deleted_at = $2 WHERE id = $1 AND deleted_at IS NULL`, tenantID, at))
	if err != nil {
		return err
	}
	if !ok {
		return tenantauth.ErrRecordNotFound
	}
	return nil
}

/*
====================================
IDENTITIES
====================================
*/

const identityColumns = `id, tenant_id, full_name, mobile, email, password_hash, email_verified,
	phone_verified, signup_state, verified_at, two_factor, totp_secret, totp_last_counter,
	active, created_at, updated_at, username`

func scanIdentity(row scanner) (*tenantauth.Identity, error) {
	var (
		i          tenantauth.Identity
		email      sql.NullString
		username   sql.NullString
		verifiedAt sql.NullTime
		state      string
		twoFactor  string
	)
	err := row.Scan(&i.ID, &i.TenantID, &i.FullName, &i.Mobile, &email, &i.PasswordHash, &i.EmailVerified,
		&i.PhoneVerified, &state, &verifiedAt, &twoFactor, &i.TOTPSecret, &i.TOTPLastCounter,
		&i.Active, &i.CreatedAt, &i.UpdatedAt, &username)
	if err != nil {
		return nil, mapErr(err)
	}
	i.Email = email.String
	i.Username = username.String
	i.VerifiedAt = verifiedAt.Time
	i.SignupState = tenantauth.SignupState(state)
	i.TwoFactor = tenantauth.TwoFactorState(twoFactor)
	return &i, nil
}

func (s *Store) CreateIdentity(ctx context.Context, identity *tenantauth.Identity) error {
	twoFactor := identity.TwoFactor
	if twoFactor == "" {
		twoFactor = tenantauth.TwoFactorDisabled
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO identities (`+identityColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		identity.ID, identity.TenantID, identity.FullName, identity.Mobile, nullString(identity.Email),
		identity.PasswordHash, identity.EmailVerified, identity.PhoneVerified, string(identity.SignupState),
		nullTime(identity.VerifiedAt), string(twoFactor), identity.TOTPSecret, identity.TOTPLastCounter,
		identity.Active, identity.CreatedAt, identity.UpdatedAt, nullString(identity.Username))
	return mapErr(err)
}

func (s *Store) IdentityByID(ctx context.Context, tenantID, identityID string) (*tenantauth.Identity, error) {
	return scanIdentity(s.db.QueryRowContext(ctx,
		`SELECT `+identityColumns+` FROM live_identities WHERE tenant_id = $1 AND id = $2`, tenantID, identityID))
}

func (s *Store) IdentityByMobile(ctx context.Context, tenantID, mobile string) (*tenantauth.Identity, error) {
	return scanIdentity(s.db.QueryRowContext(ctx,
		`SELECT `+identityColumns+` FROM live_identities WHERE tenant_id = $1 AND mobile = $2`, tenantID, mobile))
}

func (s *Store) IdentityByEmail(ctx context.Context, tenantID, email string) (*tenantauth.Identity, error) {
	if email == "" {
		return nil, tenantauth.ErrRecordNotFound
	}
	return scanIdentity(s.db.QueryRowContext(ctx,
		`SELECT `+identityColumns+` FROM live_identities WHERE tenant_id = $1 AND email = $2`, tenantID, email))
}

func (s *Store) IdentityByUsername(ctx context.Context, tenantID, username string) (*tenantauth.Identity, error) {
	if username == "" {
		return nil, tenantauth.ErrRecordNotFound
	}
	return scanIdentity(s.db.QueryRowContext(ctx,
		`SELECT `+identityColumns+` FROM live_identities WHERE tenant_id = $1 AND username = $2`, tenantID, username))
}

func (s *Store) RestartSignup(ctx context.Context, tenantID, identityID, fullName string) error {
	ok, err := affected(s.db.ExecContext(ctx, `UPDATE identities
		SET full_name = $3, signup_state = 'otp_sent', verified_at = NULL, updated_at = now()
		WHERE tenant_id = $1 AND id = $2 AND signup_state <> 'finalized' AND deleted_at IS NULL`,
		tenantID, identityID, fullName))
	if err != nil {
		return err
	}
	if !ok {
		return s.missOrConflict(ctx, s.db, "live_identities", tenantID, identityID)
	}
	return nil
}

func (s *Store) TransitionSignup(ctx context.Context, tenantID, identityID string, from, to tenantauth.SignupState, at time.Time) error {
	verified := to == tenantauth.SignupOTPVerified
	ok, err := affected(s.db.ExecContext(ctx, `UPDATE identities
		SET signup_state = $4,
		    updated_at = $5,
		    phone_verified = phone_verified OR $6::boolean,
		    verified_at = CASE WHEN $6::boolean THEN $5 ELSE verified_at END
		WHERE tenant_id = $1 AND id = $2 AND signup_state = $3 AND deleted_at IS NULL`,
		tenantID, identityID, string(from), string(to), at, verified))
	if err != nil {
		return err
	}
	if !ok {
		return s.missOrConflict(ctx, s.db, "live_identities", tenantID, identityID)
	}
	return nil
}

func (s *Store) FinalizeIdentity(ctx context.Context, tenantID, identityID, email, passwordHash string, at time.Time) error {
	ok, err := affected(s.db.ExecContext(ctx, `UPDATE identities
		SET email = $3, password_hash = $4, signup_state = 'finalized', updated_at = $5
		WHERE tenant_id = $1 AND id = $2 AND signup_state = 'otp_verified' AND deleted_at IS NULL`,
		tenantID, identityID, email, passwordHash, at))
	if err != nil {
		return err
	}
	if !ok {
		return s.missOrConflict(ctx, s.db, "live_identities", tenantID, identityID)
	}
	return nil
}

func (s *Store) UpdatePasswordHash(ctx context.Context, tenantID, identityID, passwordHash string) error {
	ok, err := affected(s.db.ExecContext(ctx, `UPDATE identities
		SET password_hash = $3, updated_at = now()
		WHERE tenant_id = $1 AND id = $2 AND deleted_at IS NULL`,
		tenantID, identityID, passwordHash))
	if err != nil {
		return err
	}
	if !ok {
		return tenantauth.ErrRecordNotFound
	}
	return nil
}

func (s *Store) UpdateTwoFactor(ctx context.Context, tenantID, identityID string, change tenantauth.TwoFactorChange) error {
	return s.withTx(ctx, nil, func(tx *sql.Tx) error {
		var (
			res sql.Result
			err error
		)
		switch change.To {
		case tenantauth.TwoFactorPending:
			res, err = tx.ExecContext(ctx, `UPDATE identities
				SET two_factor = $4, totp_secret = $5, totp_last_counter = 0, updated_at = now()
				WHERE tenant_id = $1 AND id = $2 AND two_factor = $3 AND deleted_at IS NULL`,
				tenantID, identityID, string(change.From), string(change.To), change.Secret)
		case tenantauth.TwoFactorDisabled:
			res, err = tx.ExecContext(ctx, `UPDATE identities
				SET two_factor = $4, totp_secret = NULL, totp_last_counter = 0, updated_at = now()
				WHERE tenant_id = $1 AND id = $2 AND two_factor = $3 AND deleted_at IS NULL`,
				tenantID, identityID, string(change.From), string(change.To))
		default:
			res, err = tx.ExecContext(ctx, `UPDATE identities
				SET two_factor = $4, updated_at = now()
				WHERE tenant_id = $1 AND id = $2 AND two_factor = $3 AND deleted_at IS NULL`,
				tenantID, identityID, string(change.From), string(change.To))
		}
		ok, err := affected(res, err)
		if err != nil {
			return err
		}
		if !ok {
			return s.missOrConflict(ctx, tx, "live_identities", tenantID, identityID)
		}
		if change.To == tenantauth.TwoFactorDisabled {
			if _, err := tx.ExecContext(ctx, `DELETE FROM identity_backup_codes WHERE identity_id = $1`, identityID); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) AdvanceTOTPCounter(ctx context.Context, tenantID, identityID string, counter int64) (bool, error) {
	ok, err := affected(s.db.ExecContext(ctx, `UPDATE identities
		SET totp_last_counter = $3
		WHERE tenant_id = $1 AND id = $2 AND totp_last_counter < $3 AND deleted_at IS NULL`,
		tenantID, identityID, counter))
	if err != nil || ok {
		return ok, err
	}
	found, err := s.exists(ctx, s.db, "live_identities", tenantID, identityID)
	if err != nil {
		return false, err
	}
	if !found {
		return false, tenantauth.ErrRecordNotFound
	}
	return false, nil
}

func (s *Store) ReplaceBackupCodes(ctx context.Context, tenantID, identityID string, hashes []string) error {
	return s.withTx(ctx, nil, func(tx *sql.Tx) error {
		var id string
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM identities WHERE tenant_id = $1 AND id = $2 AND deleted_at IS NULL FOR UPDATE`,
			tenantID, identityID).Scan(&id)
		if err != nil {
			return mapErr(err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM identity_backup_codes WHERE identity_id = $1`, id); err != nil {
			return err
		}
		for _, h := range hashes {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO identity_backup_codes (identity_id, code_hash) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
				id, h); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) ConsumeBackupCode(ctx context.Context, tenantID, identityID, hash string) (bool, error) {
	return affected(s.db.ExecContext(ctx, `UPDATE identity_backup_codes b
		SET used_at = now()
		FROM live_identities i
		WHERE i.id = b.identity_id AND i.tenant_id = $1
		  AND b.identity_id = $2 AND b.code_hash = $3 AND b.used_at IS NULL`,
		tenantID, identityID, hash))
}

/*
====================================
COMPANIES
====================================
*/

const companyColumns = `id, tenant_id, parent_id, name, status, created_by, created_at`

func scanCompany(row scanner) (*tenantauth.Company, error) {
	var (
		c      tenantauth.Company
		parent sql.NullString
		status string
	)
	if err := row.Scan(&c.ID, &c.TenantID, &parent, &c.Name, &status, &c.CreatedBy, &c.CreatedAt); err != nil {
		return nil, mapErr(err)
	}
	c.ParentID = parent.String
	c.Status = tenantauth.CompanyStatus(status)
	return &c, nil
}

func (s *Store) CreateCompany(ctx context.Context, company *tenantauth.Company, owner *tenantauth.Membership) error {
	return s.withTx(ctx, nil, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO companies (`+companyColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			company.ID, company.TenantID, nullString(company.ParentID), company.Name, string(company.Status),
			company.CreatedBy, company.CreatedAt)
		if err != nil {
			return mapErr(err)
		}
		if owner == nil {
			return nil
		}
		return insertMembership(ctx, tx, owner)
	})
}

func (s *Store) CompanyByID(ctx context.Context, tenantID, companyID string) (*tenantauth.Company, error) {
	return scanCompany(s.db.QueryRowContext(ctx,
		`SELECT `+companyColumns+` FROM live_companies WHERE tenant_id = $1 AND id = $2`, tenantID, companyID))
}

func (s *Store) TransitionCompany(ctx context.Context, tenantID, companyID string, from, to tenantauth.CompanyStatus) error {
	ok, err := affected(s.db.ExecContext(ctx, `UPDATE companies SET status = $4
		WHERE tenant_id = $1 AND id = $2 AND status = $3 AND deleted_at IS NULL`,
		tenantID, companyID, string(from), string(to)))
	if err != nil {
		return err
	}
	if !ok {
		return s.missOrConflict(ctx, s.db, "live_companies", tenantID, companyID)
	}
	return nil
}

// ancestry walks from a company to the root and reports how many companies
// it visited and whether target was among them.
const ancestry = `WITH RECURSIVE chain (id, parent_id) AS (
		SELECT id, parent_id FROM live_companies WHERE tenant_id = $1 AND id = $2
		UNION ALL
		SELECT c.id, c.parent_id FROM live_companies c JOIN chain ON c.id = chain.parent_id
		WHERE c.tenant_id = $1
	)
	SELECT count(*), COALESCE(bool_or(id = $3), false) FROM chain`

func (s *Store) SetCompanyParent(ctx context.Context, tenantID, companyID, parentID string) error {
	return s.withTx(ctx, nil, func(tx *sql.Tx) error {
		// Serialize tree edits per tenant so two concurrent re-parents cannot
		// each pass the cycle check.
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, tenantID); err != nil {
			return err
		}
		var id string
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM companies WHERE tenant_id = $1 AND id = $2 AND deleted_at IS NULL FOR UPDATE`,
			tenantID, companyID).Scan(&id)
		if err != nil {
			return mapErr(err)
		}

		if parentID != "" {
			var (
				visited int
				cycle   bool
			)
			if err := tx.QueryRowContext(ctx, ancestry, tenantID, parentID, companyID).Scan(&visited, &cycle); err != nil {
				return err
			}
			if visited == 0 {
				return tenantauth.ErrRecordNotFound
			}
			if cycle {
				return tenantauth.ErrCompanyCycle
			}
		}

		_, err = tx.ExecContext(ctx, `UPDATE companies SET parent_id = $2 WHERE id = $1`, id, nullString(parentID))
		return mapErr(err)
	})
}

/*
====================================
ROLES
====================================
*/

const roleColumns = `id, tenant_id, company_id, name, system`

func scanRole(row scanner) (*tenantauth.Role, error) {
	var (
		r       tenantauth.Role
		company sql.NullString
	)
	if err := row.Scan(&r.ID, &r.TenantID, &company, &r.Name, &r.System); err != nil {
		return nil, mapErr(err)
	}
	r.CompanyID = company.String
	return &r, nil
}

func (s *Store) CreateRole(ctx context.Context, role *tenantauth.Role) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO roles (`+roleColumns+`) VALUES ($1, $2, $3, $4, $5)`,
		role.ID, role.TenantID, nullString(role.CompanyID), role.Name, role.System)
	return mapErr(err)
}

func (s *Store) RoleByID(ctx context.Context, tenantID, roleID string) (*tenantauth.Role, error) {
	return scanRole(s.db.QueryRowContext(ctx,
		`SELECT `+roleColumns+` FROM live_roles WHERE tenant_id = $1 AND id = $2`, tenantID, roleID))
}

// GrantRolePermission adds code to a role, reviving a revoked grant.
// ErrRecordConflict when the grant is already live and ErrRecordNotFound when
// the code is not in the permissions catalog.
func (s *Store) GrantRolePermission(ctx context.Context, tenantID, roleID, code string) error {
	found, err := s.exists(ctx, s.db, "live_roles", tenantID, roleID)
	if err != nil {
		return err
	}
	if !found {
		return tenantauth.ErrRecordNotFound
	}
	ok, err := affected(s.db.ExecContext(ctx, `INSERT INTO role_permissions (role_id, permission_code)
		VALUES ($1, $2)
		ON CONFLICT (role_id, permission_code)
		DO UPDATE SET deleted_at = NULL, created_at = now() WHERE role_permissions.deleted_at IS NOT NULL`,
		roleID, code))
	if err != nil {
		return err
	}
	if !ok {
		return tenantauth.ErrRecordConflict
	}
	return nil
}

func (s *Store) RevokeRolePermission(ctx context.Context, tenantID, roleID, code string) error {
	ok, err := affected(s.db.ExecContext(ctx, `UPDATE role_permissions rp
		SET deleted_at = now()
		FROM live_roles r
		WHERE r.id = rp.role_id AND r.tenant_id = $1
		  AND rp.role_id = $2 AND rp.permission_code = $3 AND rp.deleted_at IS NULL`,
		tenantID, roleID, code))
	if err != nil {
		return err
	}
	if !ok {
		return tenantauth.ErrRecordNotFound
	}
	return nil
}

// SyncPermissions upserts the permission catalog. Role grants reference it,
// so it must run before roles are granted codes.
func (s *Store) SyncPermissions(ctx context.Context, defs []permission.Definition) error {
	return s.withTx(ctx, nil, func(tx *sql.Tx) error {
		for _, def := range defs {
			_, err := tx.ExecContext(ctx, `INSERT INTO permissions (code, module, description)
				VALUES ($1, $2, $3)
				ON CONFLICT (code) DO UPDATE
				SET module = EXCLUDED.module, description = EXCLUDED.description, deleted_at = NULL`,
				def.Code, def.Module, def.Description)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

/*
====================================
MEMBERSHIPS
====================================
*/

const membershipColumns = `id, tenant_id, identity_id, company_id, is_primary, active, created_at`

func scanMembership(row scanner) (*tenantauth.Membership, error) {
	var m tenantauth.Membership
	if err := row.Scan(&m.ID, &m.TenantID, &m.IdentityID, &m.CompanyID, &m.Primary, &m.Active, &m.CreatedAt); err != nil {
		return nil, mapErr(err)
	}
	return &m, nil
}

func (s *Store) roleIDs(ctx context.Context, q queryer, membershipID string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT role_id FROM live_user_company_roles
		WHERE membership_id = $1 ORDER BY created_at, role_id`, membershipID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) CreateMembership(ctx context.Context, membership *tenantauth.Membership) error {
	return s.withTx(ctx, nil, func(tx *sql.Tx) error {
		return insertMembership(ctx, tx, membership)
	})
}

func insertMembership(ctx context.Context, tx *sql.Tx, membership *tenantauth.Membership) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO user_companies (`+membershipColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		membership.ID, membership.TenantID, membership.IdentityID, membership.CompanyID,
		membership.Primary, membership.Active, membership.CreatedAt)
	if err != nil {
		return mapErr(err)
	}
	for _, roleID := range membership.RoleIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO user_company_roles (membership_id, role_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			membership.ID, roleID); err != nil {
			return mapErr(err)
		}
	}
	return nil
}

func (s *Store) MembershipFor(ctx context.Context, tenantID, identityID, companyID string) (*tenantauth.Membership, error) {
	return s.membershipFor(ctx, s.db, tenantID, identityID, companyID)
}

func (s *Store) membershipFor(ctx context.Context, q queryer, tenantID, identityID, companyID string) (*tenantauth.Membership, error) {
	m, err := scanMembership(q.QueryRowContext(ctx, `SELECT `+membershipColumns+` FROM live_user_companies
		WHERE tenant_id = $1 AND identity_id = $2 AND company_id = $3`, tenantID, identityID, companyID))
	if err != nil {
		return nil, err
	}
	if m.RoleIDs, err = s.roleIDs(ctx, q, m.ID); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *Store) AssignRole(ctx context.Context, tenantID, membershipID, roleID string) error {
	for _, ref := range [][2]string{{"live_user_companies", membershipID}, {"live_roles", roleID}} {
		found, err := s.exists(ctx, s.db, ref[0], tenantID, ref[1])
		if err != nil {
			return err
		}
		if !found {
			return tenantauth.ErrRecordNotFound
		}
	}
	ok, err := affected(s.db.ExecContext(ctx, `INSERT INTO user_company_roles (membership_id, role_id)
		VALUES ($1, $2)
		ON CONFLICT (membership_id, role_id)
		DO UPDATE SET deleted_at = NULL, created_at = now() WHERE user_company_roles.deleted_at IS NOT NULL`,
		membershipID, roleID))
	if err != nil {
		return err
	}
	if !ok {
		return tenantauth.ErrRecordConflict
	}
	return nil
}

func (s *Store) UnassignRole(ctx context.Context, tenantID, membershipID, roleID string) error {
	ok, err := affected(s.db.ExecContext(ctx, `UPDATE user_company_roles ucr
		SET deleted_at = now()
		FROM live_user_companies m
		WHERE m.id = ucr.membership_id AND m.tenant_id = $1
		  AND ucr.membership_id = $2 AND ucr.role_id = $3 AND ucr.deleted_at IS NULL`,
		tenantID, membershipID, roleID))
	if err != nil {
		return err
	}
	if !ok {
		return tenantauth.ErrRecordNotFound
	}
	return nil
}

// AccessSnapshot reads in a repeatable-read, read-only transaction so a
// concurrent grant or revoke is either fully visible or not at all.
func (s *Store) AccessSnapshot(ctx context.Context, tenantID, identityID, companyID string) (*tenantauth.AccessSnapshot, error) {
	var snap *tenantauth.AccessSnapshot
	err := s.withTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true}, func(tx *sql.Tx) error {
		company, err := scanCompany(tx.QueryRowContext(ctx,
			`SELECT `+companyColumns+` FROM live_companies WHERE tenant_id = $1 AND id = $2`, tenantID, companyID))
		if err != nil {
			return err
		}
		snap = &tenantauth.AccessSnapshot{Company: company}

		m, err := s.membershipFor(ctx, tx, tenantID, identityID, companyID)
		if errors.Is(err, tenantauth.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		snap.Membership = m

		rows, err := tx.QueryContext(ctx, `SELECT r.id, r.tenant_id, r.company_id, r.name, r.system, rp.permission_code
			FROM live_user_company_roles ucr
			JOIN live_roles r ON r.id = ucr.role_id AND r.tenant_id = $1
			LEFT JOIN live_role_permissions rp ON rp.role_id = r.id
			WHERE ucr.membership_id = $2
			ORDER BY ucr.created_at, r.id, rp.created_at, rp.permission_code`, tenantID, m.ID)
		if err != nil {
			return err
		}
		defer rows.Close()

		index := make(map[string]int)
		for rows.Next() {
			var (
				role    tenantauth.Role
				company sql.NullString
				code    sql.NullString
			)
			if err := rows.Scan(&role.ID, &role.TenantID, &company, &role.Name, &role.System, &code); err != nil {
				return err
			}
			role.CompanyID = company.String
			i, ok := index[role.ID]
			if !ok {
				i = len(snap.Grants)
				index[role.ID] = i
				snap.Grants = append(snap.Grants, tenantauth.RoleGrant{Role: role})
			}
			if code.Valid {
				snap.Grants[i].Permissions = append(snap.Grants[i].Permissions, code.String)
			}
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

/*
====================================
INVITATIONS
====================================
*/

const invitationColumns = `id, tenant_id, company_id, email, role_id, token_hash, status, expires_at,
	invited_by, accepted_by, accepted_at, created_at`

func scanInvitation(row scanner) (*tenantauth.Invitation, error) {
	var (
		inv        tenantauth.Invitation
		status     string
		acceptedBy sql.NullString
		acceptedAt sql.NullTime
	)
	err := row.Scan(&inv.ID, &inv.TenantID, &inv.CompanyID, &inv.Email, &inv.RoleID, &inv.TokenHash, &status,
		&inv.ExpiresAt, &inv.InvitedBy, &acceptedBy, &acceptedAt, &inv.CreatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	inv.Status = tenantauth.InvitationStatus(status)
	inv.AcceptedBy = acceptedBy.String
	inv.AcceptedAt = acceptedAt.Time
	return &inv, nil
}

func (s *Store) CreateInvitation(ctx context.Context, invitation *tenantauth.Invitation) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO invitations (`+invitationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		invitation.ID, invitation.TenantID, invitation.CompanyID, invitation.Email, invitation.RoleID,
		invitation.TokenHash, string(invitation.Status), invitation.ExpiresAt, invitation.InvitedBy,
		nullString(invitation.AcceptedBy), nullTime(invitation.AcceptedAt), invitation.CreatedAt)
	return mapErr(err)
}

func (s *Store) InvitationByID(ctx context.Context, tenantID, invitationID string) (*tenantauth.Invitation, error) {
	return scanInvitation(s.db.QueryRowContext(ctx,
		`SELECT `+invitationColumns+` FROM live_invitations WHERE tenant_id = $1 AND id = $2`, tenantID, invitationID))
}

func (s *Store) InvitationByTokenHash(ctx context.Context, tenantID, tokenHash string) (*tenantauth.Invitation, error) {
	return scanInvitation(s.db.QueryRowContext(ctx,
		`SELECT `+invitationColumns+` FROM live_invitations WHERE tenant_id = $1 AND token_hash = $2`, tenantID, tokenHash))
}

func (s *Store) UpdateInvitationStatus(ctx context.Context, tenantID, invitationID string, from, to tenantauth.InvitationStatus) error {
	ok, err := affected(s.db.ExecContext(ctx, `UPDATE invitations SET status = $4
		WHERE tenant_id = $1 AND id = $2 AND status = $3 AND deleted_at IS NULL`,
		tenantID, invitationID, string(from), string(to)))
	if err != nil {
		return err
	}
	if !ok {
		return s.missOrConflict(ctx, s.db, "live_invitations", tenantID, invitationID)
	}
	return nil
}

func (s *Store) RenewInvitation(ctx context.Context, tenantID, invitationID, tokenHash string, expiresAt time.Time) error {
	ok, err := affected(s.db.ExecContext(ctx, `UPDATE invitations
		SET token_hash = COALESCE(NULLIF($3, ''), token_hash), expires_at = $4
		WHERE tenant_id = $1 AND id = $2 AND status = 'pending' AND deleted_at IS NULL`,
		tenantID, invitationID, tokenHash, expiresAt))
	if err != nil {
		return err
	}
	if !ok {
		return s.missOrConflict(ctx, s.db, "live_invitations", tenantID, invitationID)
	}
	return nil
}

// AcceptInvitation locks the invitation row, so of two concurrent accepts the
// second observes the accepted status and touches nothing.
func (s *Store) AcceptInvitation(ctx context.Context, tenantID, invitationID, identityID string, at time.Time) (*tenantauth.Membership, error) {
	var out *tenantauth.Membership
	err := s.withTx(ctx, nil, func(tx *sql.Tx) error {
		var companyID, roleID, status string
		err := tx.QueryRowContext(ctx, `SELECT company_id, role_id, status FROM invitations
			WHERE tenant_id = $1 AND id = $2 AND deleted_at IS NULL FOR UPDATE`, tenantID, invitationID).
			Scan(&companyID, &roleID, &status)
		if err != nil {
			return mapErr(err)
		}
		if tenantauth.InvitationStatus(status) != tenantauth.InvitationPending {
			return tenantauth.ErrStateConflict
		}

		var membershipID string
		err = tx.QueryRowContext(ctx, `SELECT id FROM user_companies
			WHERE tenant_id = $1 AND identity_id = $2 AND company_id = $3 AND deleted_at IS NULL FOR UPDATE`,
			tenantID, identityID, companyID).Scan(&membershipID)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			membershipID = uuid.NewString()
			_, err = tx.ExecContext(ctx, `INSERT INTO user_companies (`+membershipColumns+`)
				VALUES ($1, $2, $3, $4, false, true, $5)`,
				membershipID, tenantID, identityID, companyID, at)
		case err == nil:
			_, err = tx.ExecContext(ctx, `UPDATE user_companies SET active = true WHERE id = $1`, membershipID)
		}
		if err != nil {
			return mapErr(err)
		}

		_, err = tx.ExecContext(ctx, `INSERT INTO user_company_roles (membership_id, role_id)
			VALUES ($1, $2)
			ON CONFLICT (membership_id, role_id) DO UPDATE SET deleted_at = NULL`, membershipID, roleID)
		if err != nil {
			return mapErr(err)
		}

		_, err = tx.ExecContext(ctx, `UPDATE invitations
			SET status = 'accepted', accepted_by = $2, accepted_at = $3 WHERE id = $1`,
			invitationID, identityID, at)
		if err != nil {
			return mapErr(err)
		}

		out, err = s.membershipFor(ctx, tx, tenantID, identityID, companyID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

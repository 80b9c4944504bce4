package tenantauth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MrEthical07/tenantauth/permission"
	"go.uber.org/zap"
)

// access is the evaluated form of an AccessSnapshot.
type access struct {
	company *Company
	set     permission.Set
	admin   bool
}

// ResolvePermissions returns the union of the permissions granted by every
// role of identityID's membership in companyID. A missing or inactive
// membership, or a company that is not active, yields an empty set.
func (e *Engine) ResolvePermissions(ctx context.Context, identityID, companyID string) (permission.Set, error) {
	start := time.Now()
	defer e.observe(MetricAuthorizeLatency, start)

	tenant, err := e.scope(ctx)
	if err != nil {
		return permission.Set{}, err
	}
	acc, err := e.resolveAccess(ctx, tenant.ID, identityID, companyID)
	if err != nil {
		return permission.Set{}, err
	}
	return acc.set, nil
}

// Require returns ErrForbidden unless identityID holds code in companyID.
func (e *Engine) Require(ctx context.Context, identityID, companyID, code string) error {
	start := time.Now()
	defer e.observe(MetricAuthorizeLatency, start)

	tenant, err := e.scope(ctx)
	if err != nil {
		return err
	}
	if _, ok := e.registry.Bit(code); !ok {
		return ErrPermissionUnknown
	}

	acc, err := e.resolveAccess(ctx, tenant.ID, identityID, companyID)
	if err != nil {
		return err
	}
	if !acc.set.Has(code) {
		e.deny(ctx, tenant.ID, identityID, companyID, code)
		return ErrForbidden
	}
	e.metricInc(MetricAuthzAllowed)
	return nil
}

// IsOwner reports whether identityID created companyID. Deleted companies
// have no owner.
func (e *Engine) IsOwner(ctx context.Context, identityID, companyID string) (bool, error) {
	tenant, err := e.scope(ctx)
	if err != nil {
		return false, err
	}
	company, err := e.companyByID(ctx, tenant.ID, companyID)
	if err != nil {
		return false, err
	}
	return ownedBy(company, identityID), nil
}

// IsAdmin reports whether identityID holds an administrative role in
// companyID: a role named like AuthzConfig.AdminRoleName (case-insensitive)
// or one granting AuthzConfig.AdminPermission.
func (e *Engine) IsAdmin(ctx context.Context, identityID, companyID string) (bool, error) {
	tenant, err := e.scope(ctx)
	if err != nil {
		return false, err
	}
	acc, err := e.resolveAccess(ctx, tenant.ID, identityID, companyID)
	if err != nil {
		return false, err
	}
	return acc.admin, nil
}

// RequireOwner returns ErrForbidden unless identityID owns companyID.
func (e *Engine) RequireOwner(ctx context.Context, identityID, companyID string) error {
	owner, err := e.IsOwner(ctx, identityID, companyID)
	if err != nil {
		return err
	}
	if !owner {
		e.deny(ctx, tenantIDFromContext(ctx), identityID, companyID, "owner")
		return ErrForbidden
	}
	e.metricInc(MetricAuthzAllowed)
	return nil
}

// RequireAdmin returns ErrForbidden unless identityID owns or administers
// companyID.
func (e *Engine) RequireAdmin(ctx context.Context, identityID, companyID string) error {
	tenant, err := e.scope(ctx)
	if err != nil {
		return err
	}
	_, err = e.requireAdmin(ctx, tenant.ID, identityID, companyID)
	return err
}

func (e *Engine) requireAdmin(ctx context.Context, tenantID, identityID, companyID string) (*Company, error) {
	acc, err := e.resolveAccess(ctx, tenantID, identityID, companyID)
	if err != nil {
		return nil, err
	}
	if !acc.admin && !ownedBy(acc.company, identityID) {
		e.deny(ctx, tenantID, identityID, companyID, "admin")
		return nil, ErrForbidden
	}
	e.metricInc(MetricAuthzAllowed)
	return acc.company, nil
}

// resolveAccess evaluates one consistent snapshot of the membership.
func (e *Engine) resolveAccess(ctx context.Context, tenantID, identityID, companyID string) (*access, error) {
	snap, err := e.store.AccessSnapshot(ctx, tenantID, identityID, companyID)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return nil, ErrCompanyNotFound
		}
		return nil, storeFailure(err)
	}

	acc := &access{company: snap.Company, set: e.registry.NewSet()}
	if snap.Company == nil || snap.Company.Status != CompanyActive {
		return acc, nil
	}
	if snap.Membership == nil || !snap.Membership.Active {
		return acc, nil
	}

	for _, grant := range snap.Grants {
		if !grant.Role.AvailableTo(companyID) {
			continue
		}
		if e.isAdminRole(grant.Role.Name) {
			acc.admin = true
		}
		roleSet := e.registry.NewSet()
		for _, code := range grant.Permissions {
			if !roleSet.Add(code) {
				e.logger.Debug("ignoring unregistered permission", zap.String("code", code), zap.String("role_id", grant.Role.ID))
			}
		}
		acc.set.Union(roleSet)
	}
	if p := e.config.Authz.AdminPermission; p != "" && acc.set.Has(p) {
		acc.admin = true
	}
	return acc, nil
}

func (e *Engine) isAdminRole(name string) bool {
	admin := strings.TrimSpace(e.config.Authz.AdminRoleName)
	return admin != "" && strings.EqualFold(strings.TrimSpace(name), admin)
}

func (e *Engine) deny(ctx context.Context, tenantID, identityID, companyID, required string) {
	e.metricInc(MetricAuthzDenied)
	e.emitAudit(ctx, auditEventAccessDenied, false, identityID, tenantID, ErrForbidden, func() map[string]string {
		return map[string]string{"company_id": companyID, "required": required}
	})
}

func ownedBy(company *Company, identityID string) bool {
	return company != nil && company.Status != CompanyDeleted && identityID != "" && company.CreatedBy == identityID
}

func (e *Engine) companyByID(ctx context.Context, tenantID, companyID string) (*Company, error) {
	company, err := e.store.CompanyByID(ctx, tenantID, companyID)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return nil, ErrCompanyNotFound
		}
		return nil, storeFailure(err)
	}
	return company, nil
}

package tenantauth

import (
	"context"
	"errors"
	"strings"
)

// CreateCompany creates an active company owned by actorID and gives the
// owner an active membership in it. A child company requires actorID to own
// or administer the parent.
func (e *Engine) CreateCompany(ctx context.Context, actorID, name, parentID string) (*Company, error) {
	tenant, err := e.scope(ctx)
	if err != nil {
		return nil, err
	}
	name, err = normalizeName(name)
	if err != nil {
		return nil, err
	}
	actor, err := e.identityByID(ctx, tenant.ID, actorID)
	if err != nil {
		return nil, err
	}
	if actor.Provisional() || !actor.Active {
		return nil, ErrForbidden
	}
	if parentID != "" {
		parent, err := e.requireAdmin(ctx, tenant.ID, actorID, parentID)
		if err != nil {
			return nil, err
		}
		if parent.Status == CompanyDeleted {
			return nil, ErrCompanyNotFound
		}
	}

	now := e.now().UTC()
	company := &Company{
		ID:        newID(),
		TenantID:  tenant.ID,
		ParentID:  parentID,
		Name:      name,
		Status:    CompanyActive,
		CreatedBy: actorID,
		CreatedAt: now,
	}
	owner := &Membership{
		ID:         newID(),
		TenantID:   tenant.ID,
		IdentityID: actorID,
		CompanyID:  company.ID,
		Active:     true,
		CreatedAt:  now,
	}
	if err := e.store.CreateCompany(ctx, company, owner); err != nil {
		return nil, storeFailure(err)
	}

	e.emitAuditChange(ctx, auditEventCompanyCreated, true, actorID, tenant.ID, auditChange{
		entityType: auditEntityCompany,
		entityID:   company.ID,
		newValues:  map[string]string{"name": name, "parent_id": parentID, "status": string(CompanyActive)},
	}, nil, nil)
	return company, nil
}

// TransitionCompany moves a company through its lifecycle: active and
// deactivated toggle, deactivated may be deleted, deleted is terminal. Only
// the owner may do this.
func (e *Engine) TransitionCompany(ctx context.Context, actorID, companyID string, to CompanyStatus) error {
	tenant, err := e.scope(ctx)
	if err != nil {
		return err
	}
	if !to.Valid() {
		return fieldError("status", "unknown company status")
	}
	company, err := e.companyByID(ctx, tenant.ID, companyID)
	if err != nil {
		return err
	}
	if company.CreatedBy != actorID {
		e.deny(ctx, tenant.ID, actorID, companyID, "owner")
		return ErrForbidden
	}
	if !company.Status.CanTransition(to) {
		return ErrCompanyTransition
	}

	if err := e.store.TransitionCompany(ctx, tenant.ID, companyID, company.Status, to); err != nil {
		if errors.Is(err, ErrStateConflict) {
			return ErrCompanyTransition
		}
		return storeFailure(err)
	}

	e.emitAuditChange(ctx, auditEventCompanyStatusChanged, true, actorID, tenant.ID, auditChange{
		entityType: auditEntityCompany,
		entityID:   companyID,
		oldValues:  map[string]string{"status": string(company.Status)},
		newValues:  map[string]string{"status": string(to)},
	}, nil, nil)
	return nil
}

// SetCompanyParent re-parents a company the actor owns. An empty parentID
// makes it a root. Cycles are rejected with ErrCompanyCycle.
func (e *Engine) SetCompanyParent(ctx context.Context, actorID, companyID, parentID string) error {
	tenant, err := e.scope(ctx)
	if err != nil {
		return err
	}
	company, err := e.companyByID(ctx, tenant.ID, companyID)
	if err != nil {
		return err
	}
	if !ownedBy(company, actorID) {
		e.deny(ctx, tenant.ID, actorID, companyID, "owner")
		return ErrForbidden
	}
	if parentID == companyID {
		return ErrCompanyCycle
	}
	if parentID != "" {
		parent, err := e.companyByID(ctx, tenant.ID, parentID)
		if err != nil {
			return err
		}
		if parent.Status == CompanyDeleted {
			return ErrCompanyNotFound
		}
	}

	if err := e.store.SetCompanyParent(ctx, tenant.ID, companyID, parentID); err != nil {
		switch {
		case errors.Is(err, ErrCompanyCycle):
			return ErrCompanyCycle
		case errors.Is(err, ErrRecordNotFound):
			return ErrCompanyNotFound
		}
		return storeFailure(err)
	}

	e.emitAuditChange(ctx, auditEventCompanyParentChanged, true, actorID, tenant.ID, auditChange{
		entityType: auditEntityCompany,
		entityID:   companyID,
		oldValues:  map[string]string{"parent_id": company.ParentID},
		newValues:  map[string]string{"parent_id": parentID},
	}, nil, nil)
	return nil
}

// CreateSystemRole creates a role every company of the tenant may grant. It
// is an operator action; company admins cannot edit system roles.
func (e *Engine) CreateSystemRole(ctx context.Context, name string, codes ...string) (*Role, error) {
	tenant, err := e.scope(ctx)
	if err != nil {
		return nil, err
	}
	return e.createRole(ctx, tenant.ID, "", "", name, codes)
}

// CreateRole creates a role scoped to companyID. actorID must own or
// administer the company.
func (e *Engine) CreateRole(ctx context.Context, actorID, companyID, name string, codes ...string) (*Role, error) {
	tenant, err := e.scope(ctx)
	if err != nil {
		return nil, err
	}
	if companyID == "" {
		return nil, fieldError("company_id", "required")
	}
	if _, err := e.requireAdmin(ctx, tenant.ID, actorID, companyID); err != nil {
		return nil, err
	}
	return e.createRole(ctx, tenant.ID, actorID, companyID, name, codes)
}

func (e *Engine) createRole(ctx context.Context, tenantID, actorID, companyID, name string, codes []string) (*Role, error) {
	name, err := normalizeName(name)
	if err != nil {
		return nil, fieldError("name", "required")
	}
	for _, code := range codes {
		if _, ok := e.registry.Bit(code); !ok {
			return nil, ErrPermissionUnknown
		}
	}

	role := &Role{
		ID:        newID(),
		TenantID:  tenantID,
		CompanyID: companyID,
		Name:      name,
		System:    companyID == "",
	}
	if err := e.store.CreateRole(ctx, role); err != nil {
		if errors.Is(err, ErrRecordConflict) {
			return nil, fieldError("name", "already exists")
		}
		return nil, storeFailure(err)
	}
	for _, code := range codes {
		if err := e.store.GrantRolePermission(ctx, tenantID, role.ID, code); err != nil && !errors.Is(err, ErrRecordConflict) {
			return nil, storeFailure(err)
		}
	}

	e.metricInc(MetricPermissionChanged)
	e.emitAuditChange(ctx, auditEventPermissionGranted, true, actorID, tenantID, auditChange{
		entityType: auditEntityRole,
		entityID:   role.ID,
		newValues:  map[string]string{"name": name, "permissions": strings.Join(codes, ",")},
	}, nil, nil)
	return role, nil
}

// GrantRolePermission adds code to a company role. actorID must own or
// administer the role's company.
func (e *Engine) GrantRolePermission(ctx context.Context, actorID, roleID, code string) error {
	return e.changeRolePermission(ctx, actorID, roleID, code, true)
}

// RevokeRolePermission removes code from a company role.
func (e *Engine) RevokeRolePermission(ctx context.Context, actorID, roleID, code string) error {
	return e.changeRolePermission(ctx, actorID, roleID, code, false)
}

func (e *Engine) changeRolePermission(ctx context.Context, actorID, roleID, code string, grant bool) error {
	tenant, err := e.scope(ctx)
	if err != nil {
		return err
	}
	if _, ok := e.registry.Bit(code); !ok {
		return ErrPermissionUnknown
	}
	role, err := e.roleByID(ctx, tenant.ID, roleID)
	if err != nil {
		return err
	}
	if role.System || role.CompanyID == "" {
		e.deny(ctx, tenant.ID, actorID, "", "system_role")
		return ErrForbidden
	}
	if _, err := e.requireAdmin(ctx, tenant.ID, actorID, role.CompanyID); err != nil {
		return err
	}

	action := auditEventPermissionGranted
	change := auditChange{entityType: auditEntityRole, entityID: role.ID}
	if grant {
		err = e.store.GrantRolePermission(ctx, tenant.ID, role.ID, code)
		change.newValues = map[string]string{"permission": code}
	} else {
		action = auditEventPermissionRevoked
		err = e.store.RevokeRolePermission(ctx, tenant.ID, role.ID, code)
		change.oldValues = map[string]string{"permission": code}
	}
	switch {
	case err == nil:
	case errors.Is(err, ErrRecordConflict), errors.Is(err, ErrRecordNotFound):
		// Already in the requested state.
		return nil
	default:
		return storeFailure(err)
	}

	e.metricInc(MetricPermissionChanged)
	e.emitAuditChange(ctx, action, true, actorID, tenant.ID, change, nil, func() map[string]string {
		return map[string]string{"company_id": role.CompanyID}
	})
	return nil
}

// AssignRole grants roleID to identityID's membership in companyID.
func (e *Engine) AssignRole(ctx context.Context, actorID, identityID, companyID, roleID string) error {
	return e.changeAssignment(ctx, actorID, identityID, companyID, roleID, true)
}

// UnassignRole removes roleID from identityID's membership in companyID.
func (e *Engine) UnassignRole(ctx context.Context, actorID, identityID, companyID, roleID string) error {
	return e.changeAssignment(ctx, actorID, identityID, companyID, roleID, false)
}

func (e *Engine) changeAssignment(ctx context.Context, actorID, identityID, companyID, roleID string, assign bool) error {
	tenant, err := e.scope(ctx)
	if err != nil {
		return err
	}
	if _, err := e.requireAdmin(ctx, tenant.ID, actorID, companyID); err != nil {
		return err
	}
	membership, err := e.store.MembershipFor(ctx, tenant.ID, identityID, companyID)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return ErrMembershipNotFound
		}
		return storeFailure(err)
	}
	role, err := e.roleByID(ctx, tenant.ID, roleID)
	if err != nil {
		return err
	}
	if !role.AvailableTo(companyID) {
		return ErrRoleNotFound
	}

	action := auditEventRoleAssigned
	change := auditChange{entityType: auditEntityMembership, entityID: membership.ID}
	if assign {
		err = e.store.AssignRole(ctx, tenant.ID, membership.ID, role.ID)
		change.newValues = map[string]string{"role_id": role.ID}
	} else {
		action = auditEventRoleUnassigned
		err = e.store.UnassignRole(ctx, tenant.ID, membership.ID, role.ID)
		change.oldValues = map[string]string{"role_id": role.ID}
	}
	switch {
	case err == nil:
	case errors.Is(err, ErrRecordConflict), errors.Is(err, ErrRecordNotFound):
		return nil
	default:
		return storeFailure(err)
	}

	e.metricInc(MetricPermissionChanged)
	e.emitAuditChange(ctx, action, true, actorID, tenant.ID, change, nil, func() map[string]string {
		return map[string]string{"company_id": companyID, "identity_id": identityID}
	})
	return nil
}

func (e *Engine) roleByID(ctx context.Context, tenantID, roleID string) (*Role, error) {
	role, err := e.store.RoleByID(ctx, tenantID, roleID)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return nil, ErrRoleNotFound
		}
		return nil, storeFailure(err)
	}
	return role, nil
}

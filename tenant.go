package tenantauth

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// ResolveTenant maps a subdomain to an active tenant. Unknown, inactive and
// soft-deleted tenants are indistinguishable: all return ErrTenantNotFound.
// Attach the result with WithTenant before calling any other operation.
func (e *Engine) ResolveTenant(ctx context.Context, subdomain string) (*Tenant, error) {
	if e == nil || e.store == nil {
		return nil, ErrEngineNotReady
	}
	normalized, err := normalizeSubdomain(subdomain)
	if err != nil {
		return nil, err
	}

	tenant, err := e.store.TenantBySubdomain(ctx, normalized)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return nil, ErrTenantNotFound
		}
		e.logger.Warn("tenant lookup failed", zap.String("subdomain", normalized), zap.Error(err))
		return nil, storeFailure(err)
	}
	if tenant == nil || !tenant.Active {
		return nil, ErrTenantNotFound
	}
	return tenant, nil
}

// CreateTenant provisions a tenant. It is an operator action and requires no
// tenant scope.
func (e *Engine) CreateTenant(ctx context.Context, subdomain, name string) (*Tenant, error) {
	if e == nil || e.store == nil {
		return nil, ErrEngineNotReady
	}
	normalized, err := normalizeSubdomain(subdomain)
	if err != nil {
		return nil, err
	}
	name, err = normalizeName(name)
	if err != nil {
		return nil, err
	}

	tenant := &Tenant{
		ID:        newID(),
		Subdomain: normalized,
		Name:      name,
		Active:    true,
		CreatedAt: e.now().UTC(),
	}
	if err := e.store.CreateTenant(ctx, tenant); err != nil {
		if errors.Is(err, ErrRecordConflict) {
			return nil, ErrTenantExists
		}
		return nil, storeFailure(err)
	}
	return tenant, nil
}

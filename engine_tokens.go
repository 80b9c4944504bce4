package tenantauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrEthical07/tenantauth/jwt"
	"go.uber.org/zap"
)

func (e *Engine) issueTokens(ctx context.Context, identityID, tenantID string) (*TokenPair, error) {
	access, accessExp, err := e.jwt.Issue(identityID, tenantID, jwt.TypeAccess, newID())
	if err != nil {
		e.logger.Error("access token signing failed", zap.Error(err))
		return nil, err
	}
	refresh, refreshExp, err := e.jwt.Issue(identityID, tenantID, jwt.TypeRefresh, newID())
	if err != nil {
		e.logger.Error("refresh token signing failed", zap.Error(err))
		return nil, err
	}
	e.metricInc(MetricTokenIssued)

	return &TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
	}, nil
}

// Refresh exchanges a refresh token for a new pair. Each refresh token is
// single use: the first caller blacklists its ID and every later or
// concurrent caller gets ErrTokenRevoked.
func (e *Engine) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	tenant, err := e.scope(ctx)
	if err != nil {
		return nil, err
	}

	claims, err := e.parseRefresh(refreshToken, tenant.ID)
	if err != nil {
		e.metricInc(MetricRefreshFailure)
		e.emitAudit(ctx, auditEventRefreshInvalid, false, "", tenant.ID, err, nil)
		return nil, err
	}

	identity, err := e.store.IdentityByID(ctx, tenant.ID, claims.Subject)
	if err != nil {
		if !errors.Is(err, ErrRecordNotFound) {
			return nil, storeFailure(err)
		}
		identity = nil
	}
	if identity == nil || !identity.Active || identity.Provisional() {
		e.metricInc(MetricRefreshFailure)
		e.emitAudit(ctx, auditEventRefreshInvalid, false, claims.Subject, tenant.ID, ErrTokenInvalid, nil)
		return nil, ErrTokenInvalid
	}

	added, err := e.blacklist.Add(ctx, tenant.ID, claims.ID, e.remainingLife(claims))
	if err != nil {
		e.logger.Warn("refresh blacklist unavailable", zap.Error(err))
		return nil, ephemeralFailure(err)
	}
	if !added {
		e.metricInc(MetricRefreshReplay)
		e.emitAudit(ctx, auditEventRefreshReuseDetected, false, claims.Subject, tenant.ID, ErrTokenRevoked, func() map[string]string {
			return map[string]string{"jti": claims.ID}
		})
		return nil, ErrTokenRevoked
	}

	pair, err := e.issueTokens(ctx, claims.Subject, tenant.ID)
	if err != nil {
		return nil, err
	}
	e.metricInc(MetricRefreshSuccess)
	e.emitAuditChange(ctx, auditEventRefreshSuccess, true, claims.Subject, tenant.ID, auditChange{
		entityType: auditEntityToken,
		entityID:   claims.ID,
	}, nil, nil)
	return pair, nil
}

// Revoke blacklists a refresh token immediately. Revoking an expired or
// already revoked token succeeds. Access tokens are not revocable; they
// expire on their own.
func (e *Engine) Revoke(ctx context.Context, refreshToken string) error {
	tenant, err := e.scope(ctx)
	if err != nil {
		return err
	}

	claims, err := e.parseRefresh(refreshToken, tenant.ID)
	if err != nil {
		if errors.Is(err, ErrTokenExpired) {
			return nil
		}
		return err
	}

	added, err := e.blacklist.Add(ctx, tenant.ID, claims.ID, e.remainingLife(claims))
	if err != nil {
		return ephemeralFailure(err)
	}
	if added {
		e.metricInc(MetricTokenRevoked)
		e.emitAuditChange(ctx, auditEventTokenRevoked, true, claims.Subject, tenant.ID, auditChange{
			entityType: auditEntityToken,
			entityID:   claims.ID,
		}, nil, nil)
	}
	return nil
}

// Authenticate verifies an access token against the ctx tenant. Every
// failure matches ErrUnauthenticated; expired tokens also match
// ErrTokenExpired.
func (e *Engine) Authenticate(ctx context.Context, accessToken string) (*Principal, error) {
	tenant, err := e.scope(ctx)
	if err != nil {
		return nil, err
	}

	claims, err := e.jwt.Parse(accessToken, jwt.TypeAccess)
	if err != nil {
		e.metricInc(MetricAuthenticateFailure)
		if errors.Is(err, jwt.ErrExpired) {
			return nil, fmt.Errorf("%w: %w", ErrUnauthenticated, ErrTokenExpired)
		}
		return nil, fmt.Errorf("%w: %w", ErrUnauthenticated, ErrTokenInvalid)
	}
	if claims.TenantID != tenant.ID {
		e.metricInc(MetricAuthenticateFailure)
		return nil, fmt.Errorf("%w: %w", ErrUnauthenticated, ErrTokenInvalid)
	}

	principal := &Principal{
		IdentityID: claims.Subject,
		TenantID:   claims.TenantID,
		TokenID:    claims.ID,
	}
	if claims.ExpiresAt != nil {
		principal.ExpiresAt = claims.ExpiresAt.Time
	}
	return principal, nil
}

func (e *Engine) parseRefresh(token, tenantID string) (*jwt.Claims, error) {
	claims, err := e.jwt.Parse(token, jwt.TypeRefresh)
	if err != nil {
		if errors.Is(err, jwt.ErrExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}
	if claims.TenantID != tenantID {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

// remainingLife is the blacklist TTL: the token's remaining validity plus
// leeway.
func (e *Engine) remainingLife(claims *jwt.Claims) time.Duration {
	if claims.ExpiresAt == nil {
		return e.config.JWT.RefreshTTL
	}
	return claims.ExpiresAt.Time.Sub(e.now()) + e.config.JWT.Leeway
}

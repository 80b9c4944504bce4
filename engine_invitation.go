package tenantauth

import (
	"context"
	"errors"

	"github.com/MrEthical07/tenantauth/internal"
	"go.uber.org/zap"
)

// CreateInvitation offers req.Email a membership in req.CompanyID with
// req.RoleID. actorID must own or administer the company. Only the hash of
// the returned token is stored.
func (e *Engine) CreateInvitation(ctx context.Context, actorID string, req InvitationRequest) (*InvitationTicket, error) {
	tenant, err := e.scope(ctx)
	if err != nil {
		return nil, err
	}
	email, err := validateEmail(req.Email)
	if err != nil {
		return nil, err
	}
	company, err := e.requireAdmin(ctx, tenant.ID, actorID, req.CompanyID)
	if err != nil {
		return nil, err
	}
	if company.Status != CompanyActive {
		return nil, ErrForbidden
	}
	role, err := e.roleByID(ctx, tenant.ID, req.RoleID)
	if err != nil {
		return nil, err
	}
	if !role.AvailableTo(company.ID) {
		return nil, ErrRoleNotFound
	}

	token, err := internal.NewURLToken(e.config.Invitation.TokenBytes)
	if err != nil {
		return nil, err
	}
	now := e.now().UTC()
	invitation := &Invitation{
		ID:        newID(),
		TenantID:  tenant.ID,
		CompanyID: company.ID,
		Email:     email,
		RoleID:    role.ID,
		TokenHash: internal.HashSecret(token),
		Status:    InvitationPending,
		ExpiresAt: now.Add(e.config.Invitation.TTL),
		InvitedBy: actorID,
		CreatedAt: now,
	}
	if err := e.store.CreateInvitation(ctx, invitation); err != nil {
		if errors.Is(err, ErrRecordConflict) {
			return nil, ErrInvitationExists
		}
		return nil, storeFailure(err)
	}

	e.metricInc(MetricInvitationCreated)
	e.emitAuditChange(ctx, auditEventInvitationCreated, true, actorID, tenant.ID, auditChange{
		entityType: auditEntityInvitation,
		entityID:   invitation.ID,
		newValues: map[string]string{
			"company_id": company.ID,
			"email":      email,
			"role_id":    role.ID,
			"status":     string(InvitationPending),
		},
	}, nil, nil)

	return &InvitationTicket{Invitation: invitation, Token: token}, nil
}

// AcceptInvitation redeems token for identityID. The invitation must be
// pending, unexpired and addressed to the identity's email. On success the
// membership is created or reactivated with the invited role and the
// invitation is marked accepted, all at once.
func (e *Engine) AcceptInvitation(ctx context.Context, identityID, token string) (*Membership, error) {
	tenant, err := e.scope(ctx)
	if err != nil {
		return nil, err
	}
	if token == "" {
		return nil, ErrInvitationNotFound
	}
	identity, err := e.identityByID(ctx, tenant.ID, identityID)
	if err != nil {
		return nil, err
	}
	if identity.Provisional() || !identity.Active {
		return nil, ErrForbidden
	}

	invitation, err := e.store.InvitationByTokenHash(ctx, tenant.ID, internal.HashSecret(token))
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return nil, ErrInvitationNotFound
		}
		return nil, storeFailure(err)
	}

	reject := func(cause error) (*Membership, error) {
		e.emitAuditChange(ctx, auditEventInvitationRejected, false, identityID, tenant.ID, auditChange{
			entityType: auditEntityInvitation,
			entityID:   invitation.ID,
		}, cause, nil)
		return nil, cause
	}

	if invitation.Status != InvitationPending {
		return reject(ErrInvitationNotPending)
	}
	now := e.now().UTC()
	if now.After(invitation.ExpiresAt) {
		err := e.store.UpdateInvitationStatus(ctx, tenant.ID, invitation.ID, InvitationPending, InvitationExpired)
		if err != nil && !errors.Is(err, ErrStateConflict) {
			e.logger.Warn("marking invitation expired failed", zap.String("invitation_id", invitation.ID), zap.Error(err))
		}
		return reject(ErrInvitationExpired)
	}
	if normalizeEmail(identity.Email) != normalizeEmail(invitation.Email) {
		return reject(ErrInvitationEmailMismatch)
	}

	membership, err := e.store.AcceptInvitation(ctx, tenant.ID, invitation.ID, identityID, now)
	if err != nil {
		if errors.Is(err, ErrStateConflict) {
			return reject(ErrInvitationNotPending)
		}
		return nil, storeFailure(err)
	}

	e.metricInc(MetricInvitationAccepted)
	e.emitAuditChange(ctx, auditEventInvitationAccepted, true, identityID, tenant.ID, auditChange{
		entityType: auditEntityInvitation,
		entityID:   invitation.ID,
		oldValues:  map[string]string{"status": string(InvitationPending)},
		newValues: map[string]string{
			"status":        string(InvitationAccepted),
			"membership_id": membership.ID,
			"role_id":       invitation.RoleID,
		},
	}, nil, nil)
	return membership, nil
}

// RevokeInvitation cancels a pending invitation.
func (e *Engine) RevokeInvitation(ctx context.Context, actorID, invitationID string) error {
	tenant, err := e.scope(ctx)
	if err != nil {
		return err
	}
	invitation, err := e.pendingInvitation(ctx, tenant.ID, actorID, invitationID)
	if err != nil {
		return err
	}

	err = e.store.UpdateInvitationStatus(ctx, tenant.ID, invitation.ID, InvitationPending, InvitationRevoked)
	if err != nil {
		if errors.Is(err, ErrStateConflict) {
			return ErrInvitationNotPending
		}
		return storeFailure(err)
	}

	e.metricInc(MetricInvitationRevoked)
	e.emitAuditChange(ctx, auditEventInvitationRevoked, true, actorID, tenant.ID, auditChange{
		entityType: auditEntityInvitation,
		entityID:   invitation.ID,
		oldValues:  map[string]string{"status": string(InvitationPending)},
		newValues:  map[string]string{"status": string(InvitationRevoked)},
	}, nil, nil)
	return nil
}

// ResendInvitation restarts the expiry of a pending invitation. With
// regenerateToken the previous token stops working and the new one is
// returned for delivery. Without it only the expiry moves: the token already
// sent stays valid, and since only its hash is stored Ticket.Token is empty,
// so the caller cannot deliver the link again.
func (e *Engine) ResendInvitation(ctx context.Context, actorID, invitationID string, regenerateToken bool) (*InvitationTicket, error) {
	tenant, err := e.scope(ctx)
	if err != nil {
		return nil, err
	}
	invitation, err := e.pendingInvitation(ctx, tenant.ID, actorID, invitationID)
	if err != nil {
		return nil, err
	}

	var token, tokenHash string
	if regenerateToken {
		token, err = internal.NewURLToken(e.config.Invitation.TokenBytes)
		if err != nil {
			return nil, err
		}
		tokenHash = internal.HashSecret(token)
	}
	expiresAt := e.now().UTC().Add(e.config.Invitation.TTL)

	if err := e.store.RenewInvitation(ctx, tenant.ID, invitation.ID, tokenHash, expiresAt); err != nil {
		if errors.Is(err, ErrStateConflict) {
			return nil, ErrInvitationNotPending
		}
		return nil, storeFailure(err)
	}
	invitation.ExpiresAt = expiresAt
	if tokenHash != "" {
		invitation.TokenHash = tokenHash
	}

	e.emitAuditChange(ctx, auditEventInvitationResent, true, actorID, tenant.ID, auditChange{
		entityType: auditEntityInvitation,
		entityID:   invitation.ID,
	}, nil, func() map[string]string {
		if regenerateToken {
			return map[string]string{"token": "regenerated"}
		}
		return nil
	})
	return &InvitationTicket{Invitation: invitation, Token: token}, nil
}

func (e *Engine) pendingInvitation(ctx context.Context, tenantID, actorID, invitationID string) (*Invitation, error) {
	invitation, err := e.store.InvitationByID(ctx, tenantID, invitationID)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return nil, ErrInvitationNotFound
		}
		return nil, storeFailure(err)
	}
	if _, err := e.requireAdmin(ctx, tenantID, actorID, invitation.CompanyID); err != nil {
		return nil, err
	}
	if invitation.Status != InvitationPending {
		return nil, ErrInvitationNotPending
	}
	return invitation, nil
}

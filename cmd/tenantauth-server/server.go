package main

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MrEthical07/tenantauth"
	"github.com/MrEthical07/tenantauth/config"
	"github.com/MrEthical07/tenantauth/internal/logging"
	"github.com/MrEthical07/tenantauth/metrics/export/prometheus"
	"github.com/MrEthical07/tenantauth/middleware"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
)

type handlers struct {
	engine *tenantauth.Engine
	logger *zap.Logger
}

func newServer(engine *tenantauth.Engine, cfg *config.Config, logger *zap.Logger) (*echo.Echo, error) {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler(logger)
	if cfg.TrustProxy {
		e.IPExtractor = echo.ExtractIPFromXFFHeader()
	} else {
		e.IPExtractor = echo.ExtractIPDirect()
	}

	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(logging.Echo(logger))
	e.Use(clientInfo)

	e.GET("/healthz", func(c echo.Context) error { return c.NoContent(http.StatusNoContent) })

	collector, err := prometheus.NewCollector(engine)
	if err != nil {
		return nil, err
	}
	metrics, err := prometheus.Handler(collector)
	if err != nil {
		return nil, err
	}
	e.GET("/metrics", echo.WrapHandler(metrics))

	h := &handlers{engine: engine, logger: logger}

	if cfg.AdminToken != "" {
		admin := e.Group("/admin", adminAuth(cfg.AdminToken))
		admin.POST("/tenants", h.createTenant)
	}

	v1 := e.Group("/v1", echo.WrapMiddleware(middleware.Tenant(engine, middleware.TenantOptions{
		Header:     cfg.TenantHeader,
		BaseDomain: cfg.TenantBaseDomain,
		Logger:     logger,
	})))

	v1.POST("/signup", h.signup)
	v1.POST("/signup/verify", h.verifyOTP)
	v1.POST("/signup/resend", h.resendOTP)
	v1.POST("/signup/finalize", h.finalize)
	v1.POST("/login", h.login)
	v1.POST("/login/2fa", h.verify2FA)
	v1.POST("/token/refresh", h.refresh)
	v1.POST("/token/revoke", h.revoke)

	me := v1.Group("", echo.WrapMiddleware(middleware.Authenticate(engine)))
	me.GET("/me", h.me)
	me.POST("/me/totp", h.enableTOTP)
	me.POST("/me/totp/verify", h.verifyTOTP)
	me.DELETE("/me/totp", h.disableTOTP)
	me.POST("/me/backup-codes", h.regenerateBackupCodes)

	me.POST("/companies", h.createCompany)
	me.GET("/companies/:company/permissions", h.permissions)
	me.PUT("/companies/:company/status", h.transitionCompany)
	me.PUT("/companies/:company/parent", h.setParent)
	me.POST("/companies/:company/roles", h.createRole)
	me.PUT("/roles/:role/permissions/:code", h.grantPermission)
	me.DELETE("/roles/:role/permissions/:code", h.revokePermission)
	me.PUT("/companies/:company/members/:identity/roles/:role", h.assignRole)
	me.DELETE("/companies/:company/members/:identity/roles/:role", h.unassignRole)
	me.POST("/companies/:company/invitations", h.createInvitation)
	me.DELETE("/invitations/:invitation", h.revokeInvitation)
	me.POST("/invitations/:invitation/resend", h.resendInvitation)
	me.POST("/invitations/accept", h.acceptInvitation)

	billing := me.Group("/billing", echo.WrapMiddleware(middleware.Require(engine, "billing.view")))
	billing.GET("/summary", h.billingSummary)

	return e, nil
}

// clientInfo records the caller's address and agent for audit events and the
// per-IP login throttle. The address comes from the configured IP extractor.
func clientInfo(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := c.Request()
		ctx := tenantauth.WithClientIP(req.Context(), c.RealIP())
		if ua := req.UserAgent(); ua != "" {
			ctx = tenantauth.WithUserAgent(ctx, ua)
		}
		c.SetRequest(req.WithContext(ctx))
		return next(c)
	}
}

func adminAuth(token string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			got, ok := strings.CutPrefix(c.Request().Header.Get(echo.HeaderAuthorization), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				return tenantauth.ErrUnauthenticated
			}
			return next(c)
		}
	}
}

// errorHandler renders engine errors through middleware.WriteError and
// echo's own errors (routing, binding) as a short JSON body.
func errorHandler(logger *zap.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		var he *echo.HTTPError
		if errors.As(err, &he) {
			msg := http.StatusText(he.Code)
			if s, ok := he.Message.(string); ok {
				msg = s
			}
			_ = c.JSON(he.Code, middleware.ErrorBody{Error: strings.ToLower(strings.ReplaceAll(http.StatusText(he.Code), " ", "_")), ErrorDescription: msg})
			return
		}
		if middleware.StatusFor(err) >= http.StatusInternalServerError {
			logger.Error("request error", zap.String("path", c.Path()), zap.Error(err))
		}
		middleware.WriteError(c.Response(), err)
	}
}

func principal(c echo.Context) (*tenantauth.Principal, error) {
	p, ok := tenantauth.PrincipalFromContext(c.Request().Context())
	if !ok {
		return nil, tenantauth.ErrUnauthenticated
	}
	return p, nil
}

func bind(c echo.Context, dst any) error {
	if err := c.Bind(dst); err != nil {
		return &tenantauth.FieldError{Field: "body", Reason: "malformed JSON"}
	}
	return nil
}

/*
====================================
DTOs
====================================
*/

type tokenResponse struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	TokenType        string    `json:"token_type"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

func tokens(p *tenantauth.TokenPair) tokenResponse {
	return tokenResponse{
		AccessToken:      p.AccessToken,
		RefreshToken:     p.RefreshToken,
		TokenType:        "Bearer",
		AccessExpiresAt:  p.AccessExpiresAt,
		RefreshExpiresAt: p.RefreshExpiresAt,
	}
}

type companyResponse struct {
	ID        string    `json:"id"`
	ParentID  string    `json:"parent_id,omitempty"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

type invitationResponse struct {
	ID        string    `json:"id"`
	CompanyID string    `json:"company_id"`
	Email     string    `json:"email"`
	RoleID    string    `json:"role_id"`
	Status    string    `json:"status"`
	ExpiresAt time.Time `json:"expires_at"`
	Token     string    `json:"token,omitempty"`
}

func invitation(t *tenantauth.InvitationTicket) invitationResponse {
	inv := t.Invitation
	return invitationResponse{
		ID:        inv.ID,
		CompanyID: inv.CompanyID,
		Email:     inv.Email,
		RoleID:    inv.RoleID,
		Status:    string(inv.Status),
		ExpiresAt: inv.ExpiresAt,
		Token:     t.Token,
	}
}

/*
====================================
ADMIN
====================================
*/

func (h *handlers) createTenant(c echo.Context) error {
	var req struct {
		Subdomain string `json:"subdomain"`
		Name      string `json:"name"`
	}
	if err := bind(c, &req); err != nil {
		return err
	}
	t, err := h.engine.CreateTenant(c.Request().Context(), req.Subdomain, req.Name)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, map[string]any{"id": t.ID, "subdomain": t.Subdomain, "name": t.Name})
}

/*
====================================
SIGNUP
====================================
*/

func (h *handlers) signup(c echo.Context) error {
	var req struct {
		Name   string `json:"name"`
		Mobile string `json:"mobile"`
	}
	if err := bind(c, &req); err != nil {
		return err
	}
	res, err := h.engine.Signup(c.Request().Context(), req.Name, req.Mobile)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, map[string]any{
		"identity_id":    res.IdentityID,
		"username":       res.Username,
		"otp_expires_at": res.ExpiresAt,
	})
}

func (h *handlers) verifyOTP(c echo.Context) error {
	var req struct {
		Mobile string `json:"mobile"`
		Code   string `json:"code"`
	}
	if err := bind(c, &req); err != nil {
		return err
	}
	if err := h.engine.VerifyOTP(c.Request().Context(), req.Mobile, req.Code); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *handlers) resendOTP(c echo.Context) error {
	var req struct {
		Mobile string `json:"mobile"`
	}
	if err := bind(c, &req); err != nil {
		return err
	}
	res, err := h.engine.ResendOTP(c.Request().Context(), req.Mobile)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, map[string]any{
		"identity_id":    res.IdentityID,
		"username":       res.Username,
		"otp_expires_at": res.ExpiresAt,
	})
}

func (h *handlers) finalize(c echo.Context) error {
	var req struct {
		Mobile   string `json:"mobile"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := bind(c, &req); err != nil {
		return err
	}
	pair, err := h.engine.Finalize(c.Request().Context(), req.Mobile, req.Email, req.Password)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, tokens(pair))
}

/*
====================================
LOGIN / TOKENS
====================================
*/

func (h *handlers) login(c echo.Context) error {
	var req struct {
		Identifier string `json:"identifier"`
		Password   string `json:"password"`
	}
	if err := bind(c, &req); err != nil {
		return err
	}
	res, err := h.engine.Login(c.Request().Context(), req.Identifier, req.Password)
	if err != nil {
		return err
	}
	if res.TwoFactorRequired {
		return c.JSON(http.StatusAccepted, map[string]any{
			"two_factor_required": true,
			"session_id":          res.SessionID,
			"expires_at":          res.SessionExpiresAt,
		})
	}
	return c.JSON(http.StatusOK, tokens(res.Tokens))
}

func (h *handlers) verify2FA(c echo.Context) error {
	var req struct {
		SessionID string `json:"session_id"`
		Code      string `json:"code"`
	}
	if err := bind(c, &req); err != nil {
		return err
	}
	pair, err := h.engine.Verify2FA(c.Request().Context(), req.SessionID, req.Code)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, tokens(pair))
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (h *handlers) refresh(c echo.Context) error {
	var req refreshRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	pair, err := h.engine.Refresh(c.Request().Context(), req.RefreshToken)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, tokens(pair))
}

func (h *handlers) revoke(c echo.Context) error {
	var req refreshRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if err := h.engine.Revoke(c.Request().Context(), req.RefreshToken); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

/*
====================================
ACCOUNT / TOTP
====================================
*/

func (h *handlers) me(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{
		"identity_id": p.IdentityID,
		"tenant_id":   p.TenantID,
		"expires_at":  p.ExpiresAt,
	})
}

type codeRequest struct {
	Code string `json:"code"`
}

func (h *handlers) enableTOTP(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return err
	}
	enr, err := h.engine.EnableTOTP(c.Request().Context(), p.IdentityID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, map[string]any{
		"secret":           enr.Secret,
		"provisioning_uri": enr.ProvisioningURI,
		"backup_codes":     enr.BackupCodes,
	})
}

func (h *handlers) verifyTOTP(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return err
	}
	var req codeRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if err := h.engine.VerifyTOTP(c.Request().Context(), p.IdentityID, req.Code); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *handlers) disableTOTP(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return err
	}
	var req codeRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if err := h.engine.DisableTOTP(c.Request().Context(), p.IdentityID, req.Code); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *handlers) regenerateBackupCodes(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return err
	}
	var req codeRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	codes, err := h.engine.RegenerateBackupCodes(c.Request().Context(), p.IdentityID, req.Code)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"backup_codes": codes})
}

/*
====================================
COMPANIES / ROLES
====================================
*/

func (h *handlers) createCompany(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return err
	}
	var req struct {
		Name     string `json:"name"`
		ParentID string `json:"parent_id"`
	}
	if err := bind(c, &req); err != nil {
		return err
	}
	co, err := h.engine.CreateCompany(c.Request().Context(), p.IdentityID, req.Name, req.ParentID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, companyResponse{
		ID:        co.ID,
		ParentID:  co.ParentID,
		Name:      co.Name,
		Status:    string(co.Status),
		CreatedAt: co.CreatedAt,
	})
}

func (h *handlers) permissions(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	companyID := c.Param("company")
	set, err := h.engine.ResolvePermissions(ctx, p.IdentityID, companyID)
	if err != nil {
		return err
	}
	owner, err := h.engine.IsOwner(ctx, p.IdentityID, companyID)
	if err != nil {
		return err
	}
	admin, err := h.engine.IsAdmin(ctx, p.IdentityID, companyID)
	if err != nil {
		return err
	}
	codes := set.Codes()
	if codes == nil {
		codes = []string{}
	}
	return c.JSON(http.StatusOK, map[string]any{"permissions": codes, "owner": owner, "admin": admin})
}

func (h *handlers) transitionCompany(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return err
	}
	var req struct {
		Status string `json:"status"`
	}
	if err := bind(c, &req); err != nil {
		return err
	}
	if err := h.engine.TransitionCompany(c.Request().Context(), p.IdentityID, c.Param("company"), tenantauth.CompanyStatus(req.Status)); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *handlers) setParent(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return err
	}
	var req struct {
		ParentID string `json:"parent_id"`
	}
	if err := bind(c, &req); err != nil {
		return err
	}
	if err := h.engine.SetCompanyParent(c.Request().Context(), p.IdentityID, c.Param("company"), req.ParentID); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *handlers) createRole(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return err
	}
	var req struct {
		Name        string   `json:"name"`
		Permissions []string `json:"permissions"`
	}
	if err := bind(c, &req); err != nil {
		return err
	}
	role, err := h.engine.CreateRole(c.Request().Context(), p.IdentityID, c.Param("company"), req.Name, req.Permissions...)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, map[string]any{"id": role.ID, "company_id": role.CompanyID, "name": role.Name})
}

func (h *handlers) grantPermission(c echo.Context) error {
	return h.rolePermission(c, true)
}

func (h *handlers) revokePermission(c echo.Context) error {
	return h.rolePermission(c, false)
}

func (h *handlers) rolePermission(c echo.Context, grant bool) error {
	p, err := principal(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	if grant {
		err = h.engine.GrantRolePermission(ctx, p.IdentityID, c.Param("role"), c.Param("code"))
	} else {
		err = h.engine.RevokeRolePermission(ctx, p.IdentityID, c.Param("role"), c.Param("code"))
	}
	if err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *handlers) assignRole(c echo.Context) error {
	return h.roleAssignment(c, true)
}

func (h *handlers) unassignRole(c echo.Context) error {
	return h.roleAssignment(c, false)
}

func (h *handlers) roleAssignment(c echo.Context, assign bool) error {
	p, err := principal(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	identity, company, role := c.Param("identity"), c.Param("company"), c.Param("role")
	if assign {
		err = h.engine.AssignRole(ctx, p.IdentityID, identity, company, role)
	} else {
		err = h.engine.UnassignRole(ctx, p.IdentityID, identity, company, role)
	}
	if err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

/*
====================================
INVITATIONS
====================================
*/

func (h *handlers) createInvitation(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return err
	}
	var req struct {
		Email  string `json:"email"`
		RoleID string `json:"role_id"`
	}
	if err := bind(c, &req); err != nil {
		return err
	}
	ticket, err := h.engine.CreateInvitation(c.Request().Context(), p.IdentityID, tenantauth.InvitationRequest{
		CompanyID: c.Param("company"),
		Email:     req.Email,
		RoleID:    req.RoleID,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, invitation(ticket))
}

func (h *handlers) acceptInvitation(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return err
	}
	var req struct {
		Token string `json:"token"`
	}
	if err := bind(c, &req); err != nil {
		return err
	}
	m, err := h.engine.AcceptInvitation(c.Request().Context(), p.IdentityID, req.Token)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"membership_id": m.ID, "company_id": m.CompanyID, "role_ids": m.RoleIDs})
}

func (h *handlers) revokeInvitation(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return err
	}
	if err := h.engine.RevokeInvitation(c.Request().Context(), p.IdentityID, c.Param("invitation")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *handlers) resendInvitation(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return err
	}
	var req struct {
		Regenerate bool `json:"regenerate_token"`
	}
	if err := bind(c, &req); err != nil {
		return err
	}
	ticket, err := h.engine.ResendInvitation(c.Request().Context(), p.IdentityID, c.Param("invitation"), req.Regenerate)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, invitation(ticket))
}

// billingSummary is a placeholder resource guarded by billing.view in the
// company named by X-Company.
func (h *handlers) billingSummary(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"company_id": c.Request().Header.Get(middleware.DefaultCompanyHeader)})
}

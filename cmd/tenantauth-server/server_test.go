package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/MrEthical07/tenantauth"
	"github.com/MrEthical07/tenantauth/config"
	"github.com/MrEthical07/tenantauth/store/memory"
	"github.com/alicebob/miniredis/v2"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const adminToken = "admin-secret"

type otpInbox struct {
	mu    sync.Mutex
	codes map[string]string
}

func (i *otpInbox) SendOTP(_ context.Context, mobile, code string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.codes[mobile] = code
	return nil
}

func (i *otpInbox) code(mobile string) string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.codes[mobile]
}

type testServer struct {
	e     *echo.Echo
	inbox *otpInbox
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	engineCfg := tenantauth.DefaultConfig()
	engineCfg.JWT.SigningMethod = "hs256"
	engineCfg.JWT.PrivateKey = []byte("tenantauth-test-signing-key-0123456789")
	engineCfg.Password.Memory = 8192
	engineCfg.Password.Time = 1
	engineCfg.Password.Parallelism = 1
	engineCfg.Metrics.Enabled = true

	inbox := &otpInbox{codes: map[string]string{}}
	engine, err := tenantauth.New().
		WithConfig(engineCfg).
		WithRedis(rdb).
		WithStore(memory.New()).
		WithPermissions(catalog...).
		WithNotifier(inbox).
		Build()
	require.NoError(t, err)
	t.Cleanup(engine.Close)

	e, err := newServer(engine, &config.Config{
		TenantHeader: "X-Tenant",
		AdminToken:   adminToken,
	}, zap.NewNop())
	require.NoError(t, err)
	return &testServer{e: e, inbox: inbox}
}

func (s *testServer) do(t *testing.T, method, path string, body any, headers map[string]string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)

	out := map[string]any{}
	if rec.Body.Len() > 0 && rec.Header().Get(echo.HeaderContentType) != "" {
		_ = json.Unmarshal(rec.Body.Bytes(), &out)
	}
	return rec, out
}

func tenantHeader(extra ...string) map[string]string {
	h := map[string]string{"X-Tenant": "acme"}
	for i := 0; i+1 < len(extra); i += 2 {
		h[extra[i]] = extra[i+1]
	}
	return h
}

// onboard provisions the acme tenant and registers one identity, returning
// its access token.
func (s *testServer) onboard(t *testing.T) string {
	t.Helper()
	rec, _ := s.do(t, http.MethodPost, "/admin/tenants", map[string]string{"subdomain": "acme", "name": "Acme"},
		map[string]string{"Authorization": "Bearer " + adminToken})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	const mobile = "+15551234567"
	rec, _ = s.do(t, http.MethodPost, "/v1/signup", map[string]string{"name": "Ada", "mobile": mobile}, tenantHeader())
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	rec, _ = s.do(t, http.MethodPost, "/v1/signup/verify", map[string]string{"mobile": mobile, "code": s.inbox.code(mobile)}, tenantHeader())
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	rec, body := s.do(t, http.MethodPost, "/v1/signup/finalize", map[string]string{
		"mobile": mobile, "email": "ada@example.com", "password": "Corr3ct!Horse",
	}, tenantHeader())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return body["access_token"].(string)
}

func TestAdminRoutesRequireToken(t *testing.T) {
	s := newTestServer(t)
	rec, body := s.do(t, http.MethodPost, "/admin/tenants", map[string]string{"subdomain": "acme", "name": "Acme"}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthenticated", body["error"])
}

func TestUnknownTenantIsRejected(t *testing.T) {
	s := newTestServer(t)
	rec, body := s.do(t, http.MethodPost, "/v1/login", map[string]string{"identifier": "x", "password": "y"},
		map[string]string{"X-Tenant": "nobody"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "invalid_tenant", body["error"])
}

func TestSignupLoginAndRefresh(t *testing.T) {
	s := newTestServer(t)
	access := s.onboard(t)

	rec, body := s.do(t, http.MethodGet, "/v1/me", nil, tenantHeader("Authorization", "Bearer "+access))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotEmpty(t, body["identity_id"])

	rec, body = s.do(t, http.MethodPost, "/v1/login", map[string]string{"identifier": "ADA@example.com", "password": "Corr3ct!Horse"}, tenantHeader())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	refresh := body["refresh_token"].(string)

	rec, _ = s.do(t, http.MethodPost, "/v1/token/refresh", map[string]string{"refresh_token": refresh}, tenantHeader())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec, body = s.do(t, http.MethodPost, "/v1/token/refresh", map[string]string{"refresh_token": refresh}, tenantHeader())
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthenticated", body["error"])

	rec, body = s.do(t, http.MethodPost, "/v1/login", map[string]string{"identifier": "ada@example.com", "password": "wrong"}, tenantHeader())
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthenticated", body["error"])
}

func TestProtectedRoutesRequireBearer(t *testing.T) {
	s := newTestServer(t)
	s.onboard(t)

	rec, _ := s.do(t, http.MethodGet, "/v1/me", nil, tenantHeader())
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Bearer", rec.Header().Get("WWW-Authenticate"))
}

func TestCompanyPermissionsAndGuard(t *testing.T) {
	s := newTestServer(t)
	access := s.onboard(t)
	auth := tenantHeader("Authorization", "Bearer "+access)

	rec, body := s.do(t, http.MethodPost, "/v1/companies", map[string]string{"name": "Acme Ltd"}, auth)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	companyID := body["id"].(string)

	rec, body = s.do(t, http.MethodGet, "/v1/companies/"+companyID+"/permissions", nil, auth)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, body["owner"])
	assert.Equal(t, []any{}, body["permissions"])

	guarded := tenantHeader("Authorization", "Bearer "+access, "X-Company", companyID)
	rec, _ = s.do(t, http.MethodGet, "/v1/billing/summary", nil, guarded)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, body = s.do(t, http.MethodPost, "/v1/companies/"+companyID+"/roles",
		map[string]any{"name": "finance", "permissions": []string{"billing.view"}}, auth)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	roleID := body["id"].(string)

	me, _ := s.do(t, http.MethodGet, "/v1/me", nil, auth)
	var who map[string]any
	require.NoError(t, json.Unmarshal(me.Body.Bytes(), &who))
	path := "/v1/companies/" + companyID + "/members/" + who["identity_id"].(string) + "/roles/" + roleID
	rec, _ = s.do(t, http.MethodPut, path, nil, auth)
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	rec, body = s.do(t, http.MethodGet, "/v1/billing/summary", nil, guarded)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, companyID, body["company_id"])

	rec, body = s.do(t, http.MethodPut, "/v1/companies/"+companyID+"/status", map[string]string{"status": "archived"}, auth)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation_error", body["error"])
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	s.onboard(t)

	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "tenantauth_signup_finalized_total 1")
}

func TestMalformedBody(t *testing.T) {
	s := newTestServer(t)
	s.onboard(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/login", bytes.NewBufferString("{"))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set("X-Tenant", "acme")
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

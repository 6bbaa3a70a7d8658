package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lavente-sso/identity-server/internal/api"
	"github.com/lavente-sso/identity-server/internal/auth"
	"github.com/lavente-sso/identity-server/internal/config"
	"github.com/lavente-sso/identity-server/internal/domain"
	"github.com/lavente-sso/identity-server/internal/ratelimit"
	"github.com/lavente-sso/identity-server/internal/storage/memstore"
)

// envelope mirrors the wire shape for assertions; Data stays raw so each
// test can decode the payload it actually expects.
type envelope struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Details json.RawMessage `json:"details"`
}

type testServer struct {
	router  http.Handler
	store   *memstore.Store
	tenant  domain.Tenant
	invites *auth.InvitationService
}

const bootstrapSecret = "bootstrap-secret-for-tests"

func newServer(t *testing.T) *testServer {
	t.Helper()

	store := memstore.New()
	registry := auth.NewTenantRegistry(store)
	tenant, _, provErr := registry.Provision(context.Background(), "acme", "")
	require.Nil(t, provErr)

	secretFor := func(tenantID string) (string, error) {
		tn, err := store.FindTenantByID(context.Background(), tenantID)
		if err != nil {
			return "", err
		}
		return tn.SigningSecret, nil
	}

	cfg := config.Config{
		Environment:          "development",
		AccessTokenTTL:       15 * time.Minute,
		RefreshTokenTTL:      2 * time.Hour,
		JWTIssuer:            "identity-server-test",
		InvitationTTL:        24 * time.Hour,
		RateLimitMaxFailures: 10,
		RateLimitWindow:      time.Minute,
		IPThrottleRPS:        1000,
		IPThrottleBurst:      1000,
		BootstrapAdminSecret: bootstrapSecret,
	}

	tokens := auth.NewTokenCodec(secretFor, cfg.AccessTokenTTL, cfg.RefreshTokenTTL, cfg.JWTIssuer)
	invitations := auth.NewInvitationService(store, cfg.InvitationTTL)
	svc := auth.NewService(auth.Config{
		Repo:                    store,
		Hasher:                  auth.NewArgon2Hasher(auth.ArgonParams{Memory: 8 * 1024, Iterations: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32}),
		Tokens:                  tokens,
		Limiter:                 ratelimit.New(cfg.RateLimitMaxFailures, cfg.RateLimitWindow),
		Invitations:             invitations,
		SSO:                     auth.NewSSOAllowList(map[string][]string{tenant.ID: {"https://app.example"}}),
		RefreshTTL:              cfg.RefreshTokenTTL,
		AllowPublicRegistration: true,
	})

	server := api.NewServer(cfg, nil, svc, registry, tokens)
	return &testServer{router: server.Router, store: store, tenant: tenant, invites: invitations}
}

func (ts *testServer) do(t *testing.T, method, path string, body any, mutate func(*http.Request)) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if mutate != nil {
		mutate(req)
	}
	rr := httptest.NewRecorder()
	ts.router.ServeHTTP(rr, req)

	var env envelope
	if rr.Body.Len() > 0 && rr.Header().Get("Content-Type") == "application/json" {
		_ = json.Unmarshal(rr.Body.Bytes(), &env)
	}
	return rr, env
}

func withAPIKey(key string) func(*http.Request) {
	return func(r *http.Request) { r.Header.Set("X-API-Key", key) }
}

func refreshCookieFrom(t *testing.T, rr *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range rr.Result().Cookies() {
		if c.Name == "refresh_token" {
			return c
		}
	}
	t.Fatal("no refresh_token cookie in response")
	return nil
}

func TestRegisterLoginVerifyFlow(t *testing.T) {
	ts := newServer(t)

	rr, env := ts.do(t, http.MethodPost, "/auth/register", map[string]string{
		"email": "a@x.io", "username": "alice", "password": "StrongPass1!", "role": "user",
	}, withAPIKey(ts.tenant.APIKey))
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	assert.True(t, env.Status)

	var regData struct {
		UserID      string `json:"user_id"`
		AccessToken string `json:"access_token"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &regData))
	assert.NotEmpty(t, regData.UserID)
	assert.NotEmpty(t, regData.AccessToken)
	cookie := refreshCookieFrom(t, rr)
	assert.True(t, cookie.HttpOnly)
	assert.True(t, cookie.Secure)
	assert.Equal(t, http.SameSiteStrictMode, cookie.SameSite)

	rr, env = ts.do(t, http.MethodPost, "/auth/login", map[string]string{
		"identifier": "a@x.io", "password": "StrongPass1!",
	}, withAPIKey(ts.tenant.APIKey))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var loginData struct {
		UserID      string `json:"user_id"`
		AccessToken string `json:"access_token"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &loginData))
	assert.Equal(t, regData.UserID, loginData.UserID)

	rr, env = ts.do(t, http.MethodGet, "/auth/verify", nil, func(r *http.Request) {
		r.Header.Set("X-API-Key", ts.tenant.APIKey)
		r.Header.Set("Authorization", "Bearer "+loginData.AccessToken)
	})
	assert.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "Token is valid", env.Message)
}

func TestMissingAPIKey_Returns401Envelope(t *testing.T) {
	ts := newServer(t)

	rr, env := ts.do(t, http.MethodPost, "/auth/login", map[string]string{
		"identifier": "a@x.io", "password": "StrongPass1!",
	}, nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.False(t, env.Status)
	assert.Equal(t, "Unauthorized", env.Message)
}

func TestRefreshRotationAndReuseOverHTTP(t *testing.T) {
	ts := newServer(t)

	rr, _ := ts.do(t, http.MethodPost, "/auth/register", map[string]string{
		"email": "a@x.io", "username": "alice", "password": "StrongPass1!", "role": "user",
	}, withAPIKey(ts.tenant.APIKey))
	require.Equal(t, http.StatusCreated, rr.Code)
	c1 := refreshCookieFrom(t, rr)

	rr, _ = ts.do(t, http.MethodPost, "/auth/refresh", nil, func(r *http.Request) {
		r.Header.Set("X-API-Key", ts.tenant.APIKey)
		r.AddCookie(c1)
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	c2 := refreshCookieFrom(t, rr)
	assert.NotEqual(t, c1.Value, c2.Value)

	// Replaying the superseded cookie trips reuse detection.
	rr, _ = ts.do(t, http.MethodPost, "/auth/refresh", nil, func(r *http.Request) {
		r.Header.Set("X-API-Key", ts.tenant.APIKey)
		r.AddCookie(c1)
	})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	// The whole family is revoked, so the legitimate successor dies too.
	rr, _ = ts.do(t, http.MethodPost, "/auth/refresh", nil, func(r *http.Request) {
		r.Header.Set("X-API-Key", ts.tenant.APIKey)
		r.AddCookie(c2)
	})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestRefreshWithoutCookie_Returns401(t *testing.T) {
	ts := newServer(t)
	rr, _ := ts.do(t, http.MethodPost, "/auth/refresh", nil, withAPIKey(ts.tenant.APIKey))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestRegisterValidationStatusCodes(t *testing.T) {
	ts := newServer(t)

	// Absent required fields are a 400.
	rr, env := ts.do(t, http.MethodPost, "/auth/register", map[string]string{}, withAPIKey(ts.tenant.APIKey))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.NotEmpty(t, env.Details)

	// Present-but-malformed fields are a 422 with every failure listed.
	rr, env = ts.do(t, http.MethodPost, "/auth/register", map[string]string{
		"email": "nope", "username": "x", "password": "weak", "role": "user",
	}, withAPIKey(ts.tenant.APIKey))
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	var details []struct {
		Field   string `json:"field"`
		Message string `json:"message"`
	}
	require.NoError(t, json.Unmarshal(env.Details, &details))
	assert.GreaterOrEqual(t, len(details), 3)
}

func TestLoginRoleProbe_Returns404(t *testing.T) {
	ts := newServer(t)

	rr, _ := ts.do(t, http.MethodPost, "/auth/register", map[string]string{
		"email": "a@x.io", "username": "alice", "password": "StrongPass1!", "role": "user",
	}, withAPIKey(ts.tenant.APIKey))
	require.Equal(t, http.StatusCreated, rr.Code)

	rr, env := ts.do(t, http.MethodPost, "/auth/login", map[string]string{
		"identifier": "a@x.io", "password": "StrongPass1!", "role": "admin",
	}, withAPIKey(ts.tenant.APIKey))
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "User not found", env.Message)
}

func TestInvitationIssueAndAdminRegistration(t *testing.T) {
	ts := newServer(t)

	// The standard API key is not an admin credential here.
	rr, _ := ts.do(t, http.MethodPost, "/auth/internal/invitations", nil, withAPIKey(ts.tenant.APIKey))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr, env := ts.do(t, http.MethodPost, "/auth/internal/invitations", nil, func(r *http.Request) {
		r.Header.Set("X-Tenant-Secret-Key", ts.tenant.TenantSecret)
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var inv struct {
		Code string `json:"code"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &inv))
	require.Len(t, inv.Code, 8)

	rr, _ = ts.do(t, http.MethodPost, "/auth/register", map[string]string{
		"email": "b@x.io", "username": "bob", "password": "StrongPass1!", "role": "admin",
		"invitation_code": inv.Code,
	}, withAPIKey(ts.tenant.APIKey))
	assert.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	// A consumed code never works twice.
	rr, env = ts.do(t, http.MethodPost, "/auth/register", map[string]string{
		"email": "c@x.io", "username": "carl", "password": "StrongPass1!", "role": "admin",
		"invitation_code": inv.Code,
	}, withAPIKey(ts.tenant.APIKey))
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, "Invalid or missing invitation code", env.Message)
}

func TestCreateTenant_IdempotentOnName(t *testing.T) {
	ts := newServer(t)

	withBootstrap := func(r *http.Request) { r.Header.Set("X-Tenant-Secret-Key", bootstrapSecret) }

	rr, env := ts.do(t, http.MethodPost, "/api/tenants", map[string]string{"name": "globex"}, withBootstrap)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	var created struct {
		TenantID  string `json:"tenant_id"`
		APIKey    string `json:"api_key"`
		Created   bool   `json:"created"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &created))
	assert.True(t, created.Created)
	assert.NotEmpty(t, created.APIKey)

	rr, env = ts.do(t, http.MethodPost, "/api/tenants", map[string]string{"name": "globex"}, withBootstrap)
	assert.Equal(t, http.StatusOK, rr.Code)
	var again struct {
		TenantID string `json:"tenant_id"`
		Created  bool   `json:"created"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &again))
	assert.False(t, again.Created)
	assert.Equal(t, created.TenantID, again.TenantID)

	rr, _ = ts.do(t, http.MethodPost, "/api/tenants", map[string]string{"name": "other"}, func(r *http.Request) {
		r.Header.Set("X-Tenant-Secret-Key", "wrong")
	})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestSSOLogout_RedirectAndForbidden(t *testing.T) {
	ts := newServer(t)

	rr, _ := ts.do(t, http.MethodPost, "/auth/register", map[string]string{
		"email": "a@x.io", "username": "alice", "password": "StrongPass1!", "role": "user",
	}, withAPIKey(ts.tenant.APIKey))
	require.Equal(t, http.StatusCreated, rr.Code)
	cookie := refreshCookieFrom(t, rr)

	rr, _ = ts.do(t, http.MethodGet, "/auth/sso/logout?redirect_uri=https%3A%2F%2Fevil.example%2Fbye", nil, func(r *http.Request) {
		r.Header.Set("X-API-Key", ts.tenant.APIKey)
		r.AddCookie(cookie)
	})
	assert.Equal(t, http.StatusForbidden, rr.Code)

	// The forbidden attempt must not have revoked anything: the cookie still
	// refreshes, and only the allow-listed logout afterwards kills it.
	rr, _ = ts.do(t, http.MethodPost, "/auth/refresh", nil, func(r *http.Request) {
		r.Header.Set("X-API-Key", ts.tenant.APIKey)
		r.AddCookie(cookie)
	})
	require.Equal(t, http.StatusOK, rr.Code)
	rotated := refreshCookieFrom(t, rr)

	rr, _ = ts.do(t, http.MethodGet, "/auth/sso/logout?redirect_uri=https%3A%2F%2Fapp.example%2Fbye", nil, func(r *http.Request) {
		r.Header.Set("X-API-Key", ts.tenant.APIKey)
		r.AddCookie(rotated)
	})
	assert.Equal(t, http.StatusFound, rr.Code)
	assert.Equal(t, "https://app.example/bye", rr.Header().Get("Location"))

	rr, _ = ts.do(t, http.MethodPost, "/auth/refresh", nil, func(r *http.Request) {
		r.Header.Set("X-API-Key", ts.tenant.APIKey)
		r.AddCookie(rotated)
	})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestLogout_ClearsCookieAndIsIdempotent(t *testing.T) {
	ts := newServer(t)

	rr, env := ts.do(t, http.MethodPost, "/auth/register", map[string]string{
		"email": "a@x.io", "username": "alice", "password": "StrongPass1!", "role": "user",
	}, withAPIKey(ts.tenant.APIKey))
	require.Equal(t, http.StatusCreated, rr.Code)
	cookie := refreshCookieFrom(t, rr)

	var regData struct {
		AccessToken string `json:"access_token"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &regData))

	logout := func() *httptest.ResponseRecorder {
		rr, _ := ts.do(t, http.MethodDelete, "/auth/logout", nil, func(r *http.Request) {
			r.Header.Set("X-API-Key", ts.tenant.APIKey)
			r.Header.Set("Authorization", "Bearer "+regData.AccessToken)
			r.AddCookie(cookie)
		})
		return rr
	}

	rr = logout()
	require.Equal(t, http.StatusOK, rr.Code)
	cleared := refreshCookieFrom(t, rr)
	assert.Empty(t, cleared.Value)
	assert.Negative(t, cleared.MaxAge)

	// A second logout with the same (now-dead) cookie still succeeds.
	assert.Equal(t, http.StatusOK, logout().Code)

	rr, _ = ts.do(t, http.MethodPost, "/auth/refresh", nil, func(r *http.Request) {
		r.Header.Set("X-API-Key", ts.tenant.APIKey)
		r.AddCookie(cookie)
	})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestChangePasswordOverHTTP_RevokesSessions(t *testing.T) {
	ts := newServer(t)

	rr, env := ts.do(t, http.MethodPost, "/auth/register", map[string]string{
		"email": "a@x.io", "username": "alice", "password": "StrongPass1!", "role": "user",
	}, withAPIKey(ts.tenant.APIKey))
	require.Equal(t, http.StatusCreated, rr.Code)
	cookie := refreshCookieFrom(t, rr)

	var regData struct {
		AccessToken string `json:"access_token"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &regData))

	rr, _ = ts.do(t, http.MethodPut, "/auth/reset", map[string]string{
		"old_password": "StrongPass1!", "new_password": "EvenStronger2!", "confirm_new_password": "EvenStronger2!",
	}, func(r *http.Request) {
		r.Header.Set("X-API-Key", ts.tenant.APIKey)
		r.Header.Set("Authorization", "Bearer "+regData.AccessToken)
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr, _ = ts.do(t, http.MethodPost, "/auth/refresh", nil, func(r *http.Request) {
		r.Header.Set("X-API-Key", ts.tenant.APIKey)
		r.AddCookie(cookie)
	})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr, _ = ts.do(t, http.MethodPost, "/auth/login", map[string]string{
		"identifier": "alice", "password": "EvenStronger2!",
	}, withAPIKey(ts.tenant.APIKey))
	assert.Equal(t, http.StatusOK, rr.Code)
}

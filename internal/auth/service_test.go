package auth_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lavente-sso/identity-server/internal/auth"
	"github.com/lavente-sso/identity-server/internal/domain"
	"github.com/lavente-sso/identity-server/internal/ratelimit"
	"github.com/lavente-sso/identity-server/internal/storage/memstore"
)

func newTestService(t *testing.T, store *memstore.Store) (*auth.Service, domain.Tenant) {
	t.Helper()
	registry := auth.NewTenantRegistry(store)
	tenant, _, err := registry.Provision(context.Background(), "acme", "")
	require.Nil(t, err)

	secretFor := func(tenantID string) (string, error) { return tenant.SigningSecret, nil }

	codec := auth.NewTokenCodec(secretFor, 15*time.Minute, 2*time.Hour, "identity-server-test")
	svc := auth.NewService(auth.Config{
		Repo:                    store,
		Hasher:                  auth.NewArgon2Hasher(auth.DefaultArgonParams()),
		Tokens:                  codec,
		Limiter:                 ratelimit.New(10, time.Minute),
		Invitations:             auth.NewInvitationService(store, 24*time.Hour),
		SSO:                     auth.NewSSOAllowList(map[string][]string{tenant.ID: {"https://app.example"}}),
		RefreshTTL:              2 * time.Hour,
		AllowPublicRegistration: true,
	})
	return svc, tenant
}

func TestRegisterLoginVerify(t *testing.T) {
	store := memstore.New()
	svc, tenant := newTestService(t, store)
	ctx := context.Background()

	reg, regErr := svc.Register(ctx, tenant, auth.RegistrationInput{
		Email: "a@x.io", Username: "alice", Password: "StrongPass1!", Role: "user",
	}, "")
	require.Nil(t, regErr)
	assert.NotEmpty(t, reg.UserID)

	login, loginErr := svc.Login(ctx, tenant, "a@x.io", "StrongPass1!", "", "")
	require.Nil(t, loginErr)
	assert.Equal(t, reg.UserID, login.UserID)
	assert.NotEmpty(t, login.Tokens.AccessToken)

	verify, verifyErr := svc.Verify(ctx, tenant, login.Tokens.AccessToken)
	require.Nil(t, verifyErr)
	assert.Equal(t, reg.UserID, verify.UserID)
}

func TestRefreshRotationAndReuseDetection(t *testing.T) {
	store := memstore.New()
	svc, tenant := newTestService(t, store)
	ctx := context.Background()

	_, regErr := svc.Register(ctx, tenant, auth.RegistrationInput{
		Email: "a@x.io", Username: "alice", Password: "StrongPass1!", Role: "user",
	}, "")
	require.Nil(t, regErr)

	login, loginErr := svc.Login(ctx, tenant, "alice", "StrongPass1!", "", "")
	require.Nil(t, loginErr)
	c1 := login.Tokens.RefreshToken

	refreshed, refreshErr := svc.Refresh(ctx, tenant, c1)
	require.Nil(t, refreshErr)
	c2 := refreshed.Tokens.RefreshToken

	// Reusing C1 after rotation must fail and revoke the family.
	_, reuseErr := svc.Refresh(ctx, tenant, c1)
	require.NotNil(t, reuseErr)
	assert.Equal(t, auth.KindUnauthorized, reuseErr.Kind)

	// The family is now revoked, so even the legitimate successor fails.
	_, afterReuseErr := svc.Refresh(ctx, tenant, c2)
	require.NotNil(t, afterReuseErr)
	assert.Equal(t, auth.KindUnauthorized, afterReuseErr.Kind)
}

func TestCrossTenantUserUnification(t *testing.T) {
	store := memstore.New()
	svc, tenantA := newTestService(t, store)
	ctx := context.Background()

	registry := auth.NewTenantRegistry(store)
	tenantB, _, err := registry.Provision(ctx, "globex", "")
	require.Nil(t, err)

	regA, errA := svc.Register(ctx, tenantA, auth.RegistrationInput{
		Email: "a@x.io", Username: "alice", Password: "StrongPass1!", Role: "user",
	}, "")
	require.Nil(t, errA)

	regB, errB := svc.Register(ctx, tenantB, auth.RegistrationInput{
		Email: "a@x.io", Username: "alice", Password: "StrongPass1!", Role: "user",
	}, "")
	require.Nil(t, errB)
	assert.True(t, regB.Reused)
	assert.Equal(t, regA.UserID, regB.UserID)
}

func TestAdminRegistrationCollision(t *testing.T) {
	store := memstore.New()
	svc, tenantA := newTestService(t, store)
	ctx := context.Background()

	registry := auth.NewTenantRegistry(store)
	tenantC, _, err := registry.Provision(ctx, "initech", "")
	require.Nil(t, err)

	invA, issueErrA := auth.NewInvitationService(store, 24*time.Hour).Issue(ctx, tenantA.ID, domain.RoleAdmin)
	require.NoError(t, issueErrA)

	_, errBob1 := svc.Register(ctx, tenantA, auth.RegistrationInput{
		Email: "b@x.io", Username: "bob", Password: "StrongPass1!", Role: "admin", Invitation: invA.Code,
	}, "")
	require.Nil(t, errBob1)

	invC, issueErrC := auth.NewInvitationService(store, 24*time.Hour).Issue(ctx, tenantC.ID, domain.RoleAdmin)
	require.NoError(t, issueErrC)

	_, errBob2 := svc.Register(ctx, tenantC, auth.RegistrationInput{
		Email: "b@x.io", Username: "bob", Password: "StrongPass1!", Role: "admin", Invitation: invC.Code,
	}, "")
	require.NotNil(t, errBob2)
	assert.Equal(t, auth.KindConflict, errBob2.Kind)
	assert.Equal(t, "Email already exists", errBob2.Message)
}

func TestRoleMixRejection(t *testing.T) {
	store := memstore.New()
	svc, tenantA := newTestService(t, store)
	ctx := context.Background()

	registry := auth.NewTenantRegistry(store)
	tenantD, _, err := registry.Provision(ctx, "umbrella", "")
	require.Nil(t, err)

	_, errCarol := svc.Register(ctx, tenantA, auth.RegistrationInput{
		Email: "c@x.io", Username: "carol", Password: "StrongPass1!", Role: "user",
	}, "")
	require.Nil(t, errCarol)

	inv, issueErr := auth.NewInvitationService(store, 24*time.Hour).Issue(ctx, tenantD.ID, domain.RoleAdmin)
	require.NoError(t, issueErr)

	_, errAdmin := svc.Register(ctx, tenantD, auth.RegistrationInput{
		Email: "c@x.io", Username: "carol", Password: "StrongPass1!", Role: "admin", Invitation: inv.Code,
	}, "")
	require.NotNil(t, errAdmin)
	assert.Equal(t, auth.KindConflict, errAdmin.Kind)
}

func TestRedirectURIAllowList(t *testing.T) {
	store := memstore.New()
	svc, tenant := newTestService(t, store)
	ctx := context.Background()

	_, err := svc.Register(ctx, tenant, auth.RegistrationInput{
		Email: "d@x.io", Username: "dave", Password: "StrongPass1!", Role: "user",
	}, "https://evil.example/cb")
	require.NotNil(t, err)
	assert.Equal(t, auth.KindForbidden, err.Kind)

	_, okErr := svc.Register(ctx, tenant, auth.RegistrationInput{
		Email: "e@x.io", Username: "erin", Password: "StrongPass1!", Role: "user",
	}, "https://app.example/cb")
	assert.Nil(t, okErr)
}

func TestChangePasswordRevokesAllSessions(t *testing.T) {
	store := memstore.New()
	svc, tenant := newTestService(t, store)
	ctx := context.Background()

	reg, err := svc.Register(ctx, tenant, auth.RegistrationInput{
		Email: "f@x.io", Username: "frank", Password: "StrongPass1!", Role: "user",
	}, "")
	require.Nil(t, err)

	cpErr := svc.ChangePassword(ctx, reg.UserID, "StrongPass1!", "EvenStronger2!", "EvenStronger2!")
	require.Nil(t, cpErr)

	_, refreshErr := svc.Refresh(ctx, tenant, reg.Tokens.RefreshToken)
	require.NotNil(t, refreshErr)
	assert.Equal(t, auth.KindUnauthorized, refreshErr.Kind)
}

func TestSessionListingAndRevocation(t *testing.T) {
	store := memstore.New()
	svc, tenant := newTestService(t, store)
	ctx := context.Background()

	reg, err := svc.Register(ctx, tenant, auth.RegistrationInput{
		Email: "j@x.io", Username: "jack", Password: "StrongPass1!", Role: "user",
	}, "")
	require.Nil(t, err)

	login, loginErr := svc.Login(ctx, tenant, "jack", "StrongPass1!", "", "")
	require.Nil(t, loginErr)

	sessions, sessErr := svc.GetSessions(ctx, reg.UserID)
	require.Nil(t, sessErr)
	require.Len(t, sessions, 2) // one from Register, one from Login
	for _, sess := range sessions {
		assert.False(t, sess.Revoked)
	}

	revokeErr := svc.RevokeSession(ctx, reg.UserID, login.Tokens.FamilyID)
	require.Nil(t, revokeErr)

	// Revoking someone else's family id must fail, not succeed silently.
	otherReg, err := svc.Register(ctx, tenant, auth.RegistrationInput{
		Email: "k@x.io", Username: "kim", Password: "StrongPass1!", Role: "user",
	}, "")
	require.Nil(t, err)
	forbidden := svc.RevokeSession(ctx, reg.UserID, otherReg.Tokens.FamilyID)
	require.NotNil(t, forbidden)
	assert.Equal(t, auth.KindNotFound, forbidden.Kind)

	sessionsAfter, err2 := svc.GetSessions(ctx, reg.UserID)
	require.Nil(t, err2)
	var revokedCount int
	for _, sess := range sessionsAfter {
		if sess.Revoked {
			revokedCount++
		}
	}
	assert.Equal(t, 1, revokedCount)

	_, refreshErr := svc.Refresh(ctx, tenant, login.Tokens.RefreshToken)
	require.NotNil(t, refreshErr)
	assert.Equal(t, auth.KindUnauthorized, refreshErr.Kind)
}

func TestLoginRateLimiting(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()
	registry := auth.NewTenantRegistry(store)
	tenant, _, err := registry.Provision(ctx, "wayne", "")
	require.Nil(t, err)

	secretFor := func(string) (string, error) { return tenant.SigningSecret, nil }
	codec := auth.NewTokenCodec(secretFor, 15*time.Minute, 2*time.Hour, "identity-server-test")
	svc := auth.NewService(auth.Config{
		Repo:                    store,
		Hasher:                  auth.NewArgon2Hasher(auth.DefaultArgonParams()),
		Tokens:                  codec,
		Limiter:                 ratelimit.New(3, time.Minute),
		Invitations:             auth.NewInvitationService(store, 24*time.Hour),
		SSO:                     auth.NewSSOAllowList(nil),
		RefreshTTL:              2 * time.Hour,
		AllowPublicRegistration: true,
	})

	_, regErr := svc.Register(ctx, tenant, auth.RegistrationInput{
		Email: "g@x.io", Username: "gwen", Password: "StrongPass1!", Role: "user",
	}, "")
	require.Nil(t, regErr)

	for i := 0; i < 3; i++ {
		_, loginErr := svc.Login(ctx, tenant, "gwen", "WrongPass!", "", "")
		require.NotNil(t, loginErr)
		assert.Equal(t, auth.KindUnauthorized, loginErr.Kind)
	}

	_, limitedErr := svc.Login(ctx, tenant, "gwen", "WrongPass!", "", "")
	require.NotNil(t, limitedErr)
	assert.Equal(t, auth.KindRateLimited, limitedErr.Kind)
}

func TestLoginRateLimitingByIPKeepsIdentifierIndependentPerSource(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()
	registry := auth.NewTenantRegistry(store)
	tenant, _, err := registry.Provision(ctx, "oscorp", "")
	require.Nil(t, err)

	secretFor := func(string) (string, error) { return tenant.SigningSecret, nil }
	codec := auth.NewTokenCodec(secretFor, 15*time.Minute, 2*time.Hour, "identity-server-test")
	svc := auth.NewService(auth.Config{
		Repo:                    store,
		Hasher:                  auth.NewArgon2Hasher(auth.DefaultArgonParams()),
		Tokens:                  codec,
		Limiter:                 ratelimit.New(2, time.Minute),
		Invitations:             auth.NewInvitationService(store, 24*time.Hour),
		SSO:                     auth.NewSSOAllowList(nil),
		RefreshTTL:              2 * time.Hour,
		AllowPublicRegistration: true,
		RateLimitByIP:           true,
	})

	_, regErr := svc.Register(ctx, tenant, auth.RegistrationInput{
		Email: "h@x.io", Username: "harry", Password: "StrongPass1!", Role: "user",
	}, "")
	require.Nil(t, regErr)

	for i := 0; i < 2; i++ {
		_, loginErr := svc.Login(ctx, tenant, "harry", "WrongPass!", "", "1.2.3.4")
		require.NotNil(t, loginErr)
		assert.Equal(t, auth.KindUnauthorized, loginErr.Kind)
	}
	_, limitedErr := svc.Login(ctx, tenant, "harry", "WrongPass!", "", "1.2.3.4")
	require.NotNil(t, limitedErr)
	assert.Equal(t, auth.KindRateLimited, limitedErr.Kind)

	// A different source IP against the same identifier has its own window.
	_, loginErr := svc.Login(ctx, tenant, "harry", "WrongPass!", "", "5.6.7.8")
	require.NotNil(t, loginErr)
	assert.Equal(t, auth.KindUnauthorized, loginErr.Kind)
}

func TestPublicRegistrationGatedByInvitation(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()
	registry := auth.NewTenantRegistry(store)
	tenant, _, err := registry.Provision(ctx, "stark", "")
	require.Nil(t, err)

	secretFor := func(string) (string, error) { return tenant.SigningSecret, nil }
	codec := auth.NewTokenCodec(secretFor, 15*time.Minute, 2*time.Hour, "identity-server-test")
	svc := auth.NewService(auth.Config{
		Repo:                    store,
		Hasher:                  auth.NewArgon2Hasher(auth.DefaultArgonParams()),
		Tokens:                  codec,
		Limiter:                 ratelimit.New(10, time.Minute),
		Invitations:             auth.NewInvitationService(store, 24*time.Hour),
		SSO:                     auth.NewSSOAllowList(nil),
		RefreshTTL:              2 * time.Hour,
		AllowPublicRegistration: false,
	})

	_, noCodeErr := svc.Register(ctx, tenant, auth.RegistrationInput{
		Email: "i@x.io", Username: "ivy", Password: "StrongPass1!", Role: "user",
	}, "")
	require.NotNil(t, noCodeErr)
	assert.Equal(t, auth.KindForbidden, noCodeErr.Kind)

	inv, issueErr := auth.NewInvitationService(store, 24*time.Hour).Issue(ctx, tenant.ID, domain.RoleUser)
	require.NoError(t, issueErr)

	_, withCodeErr := svc.Register(ctx, tenant, auth.RegistrationInput{
		Email: "i@x.io", Username: "ivy", Password: "StrongPass1!", Role: "user", Invitation: inv.Code,
	}, "")
	require.Nil(t, withCodeErr)
}

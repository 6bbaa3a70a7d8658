package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/jackc/pgx/v5/pgxpool"

	apimw "github.com/lavente-sso/identity-server/internal/api/middleware"
)

// routes builds the full chi mux with middleware applied in this order:
// request ID/real IP, Sentry, request logging, panic recovery, the ambient
// per-IP throttle, then tenant/auth resolution scoped per route group.
func (s *Server) routes(pool *pgxpool.Pool) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(sentryhttp.New(sentryhttp.Options{}).Handle)
	r.Use(apimw.RequestLogger)
	r.Use(apimw.PanicRecovery)
	r.Use(s.throttle.Middleware)

	r.Get("/healthz", s.handleHealth(pool))

	tenantRequired := apimw.TenantContext(s.tenants)
	tenantSecretRequired := apimw.TenantSecretRequired(s.tenants)
	authRequired := apimw.AuthMiddleware(s.tokens)

	r.Route("/auth", func(r chi.Router) {
		r.Use(tenantRequired)

		r.Post("/register", s.handleRegister)
		r.Post("/login", s.handleLogin)
		r.Post("/refresh", s.handleRefresh)
		r.Get("/sso/logout", s.handleSSOLogout)

		r.Group(func(r chi.Router) {
			r.Use(authRequired)
			r.Get("/verify", s.handleVerify)
			r.Put("/reset", s.handleResetPassword)
			r.Delete("/logout", s.handleLogout)
			r.Get("/sessions", s.handleListSessions)
			r.Delete("/sessions/{id}", s.handleRevokeSession)
		})
	})

	r.Route("/auth/internal", func(r chi.Router) {
		r.Use(tenantSecretRequired)
		r.Post("/invitations", s.handleIssueInvitation)
	})

	r.Route("/api/tenants", func(r chi.Router) {
		r.With(apimw.TenantBootstrap(s.cfg.BootstrapAdminSecret)).Post("/", s.handleCreateTenant)
		r.With(tenantSecretRequired).Get("/{tenant_id}/members", s.handleListTenantMembers)
	})

	return r
}

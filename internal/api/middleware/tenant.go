package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"

	"github.com/lavente-sso/identity-server/internal/auth"
)

// TenantContext is a middleware factory that resolves the calling tenant
// from the X-API-Key or X-Tenant-Secret-Key header and injects it into the
// request context. Endpoints that are genuinely tenant-agnostic (health,
// tenant provisioning) must not be mounted behind it.
//
// This middleware itself never opens a database transaction per request —
// tenant scoping is enforced by every storage query taking an explicit
// tenant_id argument (see internal/storage), with RLS in storage/postgres
// as defense in depth rather than the sole guard.
func TenantContext(registry *auth.TenantRegistry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			if apiKey := r.Header.Get("X-API-Key"); apiKey != "" {
				tenant, authErr := registry.ByAPIKey(ctx, apiKey)
				if authErr != nil {
					writeAuthErr(w, authErr)
					return
				}
				SetSentryTenant(ctx, tenant.ID, "api-key")
				next.ServeHTTP(w, r.WithContext(WithTenant(ctx, tenant)))
				return
			}

			if secret := r.Header.Get("X-Tenant-Secret-Key"); secret != "" {
				tenant, authErr := registry.ByTenantSecret(ctx, secret)
				if authErr != nil {
					writeAuthErr(w, authErr)
					return
				}
				SetSentryTenant(ctx, tenant.ID, "tenant-secret")
				next.ServeHTTP(w, r.WithContext(WithTenant(ctx, tenant)))
				return
			}

			slog.Warn("tenant header missing", "path", r.URL.Path, "ip", r.RemoteAddr)
			writeErrorEnvelope(w, http.StatusUnauthorized, "Unauthorized")
		})
	}
}

func writeAuthErr(w http.ResponseWriter, err *auth.Error) {
	writeErrorEnvelope(w, http.StatusUnauthorized, err.Message)
}

// TenantSecretRequired gates elevated tenant operations (issuing invitations,
// listing members) behind X-Tenant-Secret-Key specifically — the standard
// X-API-Key only proves "caller belongs to this tenant," while the
// tenant_secret proves "caller is this tenant's administrator." Unlike
// TenantContext, an X-API-Key here is not accepted as an equivalent
// credential.
func TenantSecretRequired(registry *auth.TenantRegistry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			secret := r.Header.Get("X-Tenant-Secret-Key")
			if secret == "" {
				slog.Warn("tenant secret header missing", "path", r.URL.Path, "ip", r.RemoteAddr)
				writeErrorEnvelope(w, http.StatusUnauthorized, "Unauthorized")
				return
			}

			ctx := r.Context()
			tenant, authErr := registry.ByTenantSecret(ctx, secret)
			if authErr != nil {
				writeAuthErr(w, authErr)
				return
			}
			SetSentryTenant(ctx, tenant.ID, "tenant-secret")
			next.ServeHTTP(w, r.WithContext(WithTenant(ctx, tenant)))
		})
	}
}

// TenantBootstrap gates tenant creation (POST /api/tenants) behind a
// deployment-wide bootstrap secret rather than an
// existing tenant's own tenant_secret — a brand-new tenant can't be
// authorized by a secret it doesn't have yet. An empty configured secret
// disables the endpoint rather than accepting an empty header value.
func TenantBootstrap(bootstrapSecret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			provided := r.Header.Get("X-Tenant-Secret-Key")
			if bootstrapSecret == "" || provided == "" ||
				subtle.ConstantTimeCompare([]byte(provided), []byte(bootstrapSecret)) != 1 {
				slog.Warn("tenant bootstrap secret rejected", "path", r.URL.Path, "ip", r.RemoteAddr)
				writeErrorEnvelope(w, http.StatusUnauthorized, "Unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

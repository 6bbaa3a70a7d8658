package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/lavente-sso/identity-server/internal/auth"
)

// AuthMiddleware validates the bearer access token and binds it to the
// tenant TenantContext already resolved for the request — a token minted
// under one tenant's signing secret can never authenticate against another.
func AuthMiddleware(codec *auth.TokenCodec) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tenant, err := GetTenant(r.Context())
			if err != nil {
				writeErrorEnvelope(w, http.StatusUnauthorized, "Unauthorized")
				return
			}

			authHeader := r.Header.Get("Authorization")
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
				writeErrorEnvelope(w, http.StatusUnauthorized, "Unauthorized")
				return
			}

			claims, err := codec.Parse(parts[1], tenant.ID)
			if err != nil {
				slog.Warn("invalid access token", "error", err, "ip", r.RemoteAddr)
				writeErrorEnvelope(w, http.StatusUnauthorized, "Unauthorized")
				return
			}

			ctx := WithUser(r.Context(), claims.Subject, claims.Role)
			SetSentryUser(ctx, claims.Subject, claims.Role, r.RemoteAddr)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

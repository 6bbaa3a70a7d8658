package middleware

import (
	"context"

	"github.com/getsentry/sentry-go"
)

// SetSentryTenant adds tenant context to the Sentry scope.
func SetSentryTenant(ctx context.Context, tenantID string, source string) {
	sentry.ConfigureScope(func(scope *sentry.Scope) {
		scope.SetTag("tenant_id", tenantID)
		scope.SetTag("tenant_source", source)
	})
}

// SetSentryUser adds the authenticated subject to the Sentry scope. Only
// user_id, role and the client IP are ever attached; canonical_email never
// reaches Sentry, extending the no-credential-material-in-logs policy to
// PII in error reports too.
func SetSentryUser(ctx context.Context, userID string, role string, ip string) {
	sentry.ConfigureScope(func(scope *sentry.Scope) {
		scope.SetUser(sentry.User{ID: userID, IPAddress: ip})
		scope.SetTag("role", role)
	})
}

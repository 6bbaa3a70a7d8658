package middleware

import (
	"context"
	"fmt"

	"github.com/lavente-sso/identity-server/internal/domain"
)

// contextKey is a custom type for context keys to avoid collisions.
// This prevents accidental key conflicts with other packages.
type contextKey string

// Context keys for request-scoped values.
const (
	UserIDKey contextKey = "user_id"
	TenantKey contextKey = "tenant"
	RoleKey   contextKey = "user_role"
)

// GetUserID safely extracts the authenticated user ID from context.
func GetUserID(ctx context.Context) (string, error) {
	val := ctx.Value(UserIDKey)
	if val == nil {
		return "", fmt.Errorf("user_id not found in context")
	}
	id, ok := val.(string)
	if !ok {
		return "", fmt.Errorf("user_id has wrong type: %T", val)
	}
	return id, nil
}

// GetTenant safely extracts the resolved tenant from context.
func GetTenant(ctx context.Context) (domain.Tenant, error) {
	val := ctx.Value(TenantKey)
	if val == nil {
		return domain.Tenant{}, fmt.Errorf("tenant not found in context")
	}
	t, ok := val.(domain.Tenant)
	if !ok {
		return domain.Tenant{}, fmt.Errorf("tenant has wrong type: %T", val)
	}
	return t, nil
}

// GetRole safely extracts the caller's membership role from context.
func GetRole(ctx context.Context) (string, error) {
	val := ctx.Value(RoleKey)
	if val == nil {
		return "", fmt.Errorf("user_role not found in context")
	}
	role, ok := val.(string)
	if !ok {
		return "", fmt.Errorf("user_role has wrong type: %T", val)
	}
	return role, nil
}

// WithUser returns a context carrying the authenticated user ID and role.
func WithUser(ctx context.Context, userID, role string) context.Context {
	ctx = context.WithValue(ctx, UserIDKey, userID)
	return context.WithValue(ctx, RoleKey, role)
}

// WithTenant returns a context carrying the resolved tenant.
func WithTenant(ctx context.Context, t domain.Tenant) context.Context {
	return context.WithValue(ctx, TenantKey, t)
}

// MustGetUserID extracts the user ID and panics if not found. Use only where
// AuthMiddleware is guaranteed to have run first.
func MustGetUserID(ctx context.Context) string {
	id, err := GetUserID(ctx)
	if err != nil {
		panic(fmt.Sprintf("CRITICAL: %v", err))
	}
	return id
}

// MustGetTenant extracts the tenant and panics if not found. Use only where
// TenantContext is guaranteed to have run first.
func MustGetTenant(ctx context.Context) domain.Tenant {
	t, err := GetTenant(ctx)
	if err != nil {
		panic(fmt.Sprintf("CRITICAL: %v", err))
	}
	return t
}

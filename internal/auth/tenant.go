package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/lavente-sso/identity-server/internal/domain"
	"github.com/lavente-sso/identity-server/internal/storage"
)

// TenantRegistry resolves the inbound tenant binding: either a standard
// X-API-Key or an elevated X-Tenant-Secret-Key.
type TenantRegistry struct {
	repo storage.Repository
}

// NewTenantRegistry builds a registry over repo.
func NewTenantRegistry(repo storage.Repository) *TenantRegistry {
	return &TenantRegistry{repo: repo}
}

// ByAPIKey resolves a standard request's tenant context. An inactive or
// unknown key is reported identically as KindUnauthorized so a probing
// client can't distinguish "wrong key" from "disabled tenant".
func (r *TenantRegistry) ByAPIKey(ctx context.Context, apiKey string) (domain.Tenant, *Error) {
	if apiKey == "" {
		return domain.Tenant{}, newErr(KindUnauthorized, "Unauthorized")
	}
	t, err := r.repo.FindTenantByAPIKey(ctx, apiKey)
	if err != nil || !t.IsActive {
		return domain.Tenant{}, newErr(KindUnauthorized, "Unauthorized")
	}
	return t, nil
}

// ByTenantSecret resolves an elevated-privilege request (invitation
// issuance, member listing) bound to a tenant's admin secret.
func (r *TenantRegistry) ByTenantSecret(ctx context.Context, secret string) (domain.Tenant, *Error) {
	if secret == "" {
		return domain.Tenant{}, newErr(KindUnauthorized, "Unauthorized")
	}
	t, err := r.repo.FindTenantBySecret(ctx, secret)
	if err != nil || !t.IsActive {
		return domain.Tenant{}, newErr(KindUnauthorized, "Unauthorized")
	}
	return t, nil
}

// Provision is the backing call for POST /api/tenants: idempotent on name
// among non-deleted tenants. Newly provisioned tenants receive fresh,
// independently random api_key, tenant_secret and signing_secret.
func (r *TenantRegistry) Provision(ctx context.Context, name, description string) (domain.Tenant, bool, *Error) {
	apiKey, err := randomSecret(24)
	if err != nil {
		return domain.Tenant{}, false, wrapErr(KindInternal, "failed to provision tenant", err)
	}
	tenantSecret, err := randomSecret(32)
	if err != nil {
		return domain.Tenant{}, false, wrapErr(KindInternal, "failed to provision tenant", err)
	}
	signingSecret, err := randomSecret(32)
	if err != nil {
		return domain.Tenant{}, false, wrapErr(KindInternal, "failed to provision tenant", err)
	}

	t, created, storeErr := r.repo.FindOrCreateTenant(ctx, domain.Tenant{
		ID:            uuid.NewString(),
		Name:          name,
		Description:   description,
		IsActive:      true,
		APIKey:        apiKey,
		TenantSecret:  tenantSecret,
		SigningSecret: signingSecret,
	})
	if storeErr != nil {
		if errors.Is(storeErr, storage.ErrConflict) {
			return domain.Tenant{}, false, newErr(KindConflict, "Tenant name already exists")
		}
		return domain.Tenant{}, false, wrapErr(KindInternal, "failed to provision tenant", storeErr)
	}
	return t, created, nil
}

func randomSecret(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("auth: generate secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Package storage defines the transactional repository interface the auth
// orchestrator (internal/auth) depends on. The persistent data store behind
// it is an external collaborator; this package only owns the contract plus
// two concrete bindings: storage/postgres (pgx-backed) and storage/memstore
// (in-process, used by unit tests so they run without a database).
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/lavente-sso/identity-server/internal/domain"
)

// ErrNotFound is returned by lookups that find no matching row. Callers map
// it to the appropriate ErrorKind; it is never surfaced to clients verbatim.
var ErrNotFound = errors.New("storage: not found")

// ErrConflict is returned when a uniqueness invariant would be violated.
var ErrConflict = errors.New("storage: conflict")

// ErrCASMismatch is returned by RotateRefreshFamily when the presented jti is
// not the family's current one — the reuse-detection signal.
var ErrCASMismatch = errors.New("storage: jti is not current")

// NewUserMembership is the payload for CreateUserWithMembership.
type NewUserMembership struct {
	CanonicalEmail string
	Username       string
	PasswordHash   string
	Role           domain.Role
	TenantID       string
}

// CreateUserResult reports what CreateUserWithMembership actually did, so the
// orchestrator can distinguish "fresh user", "reused user_id" (role=user
// cross-tenant reconciliation) and the various conflict shapes.
type CreateUserResult struct {
	User     domain.User
	Reused   bool // true when an existing role=user identity was attached
	Conflict CreateConflict
}

// CreateConflict enumerates the registration conflict shapes. The
// zero value means no conflict.
type CreateConflict int

const (
	ConflictNone CreateConflict = iota
	ConflictEmailExists
	ConflictUsernameExists
	ConflictRoleMismatch // role=user and role=admin mixed on one identity, in either direction
)

// Repository is the smallest atomic surface the auth orchestrator needs
// from the identity store. Every write either commits fully or leaves no
// partial state.
type Repository interface {
	// Tenants (the registry's backing store).
	FindTenantByAPIKey(ctx context.Context, apiKey string) (domain.Tenant, error)
	FindTenantBySecret(ctx context.Context, tenantSecret string) (domain.Tenant, error)
	// FindTenantByID backs TokenCodec's per-tenant signing-secret resolution:
	// every access/refresh token carries a tenant id in its claims, and
	// verifying or re-signing it requires looking the secret back up by id
	// rather than by the caller-presented api_key/tenant_secret.
	FindTenantByID(ctx context.Context, tenantID string) (domain.Tenant, error)
	FindOrCreateTenant(ctx context.Context, t domain.Tenant) (domain.Tenant, bool, error) // bool = created

	// Users.
	FindUserByID(ctx context.Context, userID string) (domain.User, error)
	FindUserByEmail(ctx context.Context, canonicalEmail string) (domain.User, error)
	FindUserByUsername(ctx context.Context, username string) (domain.User, error)
	FindMembership(ctx context.Context, userID, tenantID string) (domain.Membership, error)
	FindMembershipByEmailOrUsername(ctx context.Context, tenantID, emailOrUsername string) (domain.User, domain.Membership, error)

	// CreateUserWithMembership atomically enforces every uniqueness and role
	// invariant and returns the resulting user (existing or
	// freshly minted) plus which shape the call took.
	CreateUserWithMembership(ctx context.Context, in NewUserMembership) (CreateUserResult, error)

	UpdatePasswordHash(ctx context.Context, userID, newHash string) error
	DeleteUser(ctx context.Context, userID string) error

	// Refresh-token families.
	CreateRefreshFamily(ctx context.Context, f domain.RefreshFamily) error
	FindRefreshFamily(ctx context.Context, familyID string) (domain.RefreshFamily, error)
	// RotateRefreshFamily performs the CAS: it succeeds only if oldJTI equals
	// the family's current_jti, in which case it becomes previous and newJTI
	// becomes current. Any mismatch (reuse or a losing concurrent race)
	// atomically revokes the whole family itself and returns ErrCASMismatch;
	// callers don't need a separate revoke call.
	RotateRefreshFamily(ctx context.Context, familyID, oldJTI, newJTI string, newExpiry time.Time) error
	RevokeFamily(ctx context.Context, familyID string) error
	RevokeAllFamilies(ctx context.Context, userID string) error
	// ListRefreshFamiliesByUser backs the session self-management surface
	// (GET /auth/sessions): every family bound to the user, revoked or not,
	// so a user can see what they've already signed out of.
	ListRefreshFamiliesByUser(ctx context.Context, userID string) ([]domain.RefreshFamily, error)

	// Invitations.
	CreateInvitation(ctx context.Context, inv domain.Invitation) error
	ConsumeInvitation(ctx context.Context, code, tenantID string) (domain.Invitation, error)

	// Admin/listing support for the supplemented tenant-member surface.
	ListTenantMembers(ctx context.Context, tenantID string) ([]domain.Membership, error)

	// WithTx runs fn inside a single atomic unit of work. Implementations
	// that have no native transaction concept (e.g. memstore) may snapshot
	// their state and restore it if fn fails; the contract callers rely on is
	// atomicity, not a particular mechanism.
	WithTx(ctx context.Context, fn func(ctx context.Context, repo Repository) error) error
}

// Package domain holds the data model shared by the auth orchestrator and the
// identity store: tenants, users, memberships, refresh-token families and
// invitation codes. It carries no behavior of its own beyond small invariant
// helpers; the state machine lives in internal/auth.
package domain

import "time"

// Role is the membership-level authorization record. The system recognizes
// exactly two roles; RBAC hierarchies beyond this are out of scope.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Tenant is an isolated namespace of users, addressed by its API key.
type Tenant struct {
	ID            string
	Name          string
	Description   string
	IsActive      bool
	APIKey        string
	TenantSecret  string // high-entropy admin credential, never returned once issued
	SigningSecret string // encrypted at rest, see internal/crypto.Sealer
	CreatedAt     time.Time
	UpdatedAt     time.Time
	DeletedAt     *time.Time
}

func (t Tenant) Deleted() bool { return t.DeletedAt != nil }

// User is stable across tenants for role=user (the multi-tenant SSO-for-users
// contract); role=admin memberships never share a user_id across tenants.
type User struct {
	ID             string
	CanonicalEmail string
	Username       string
	PasswordHash   string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	DeletedAt      *time.Time
}

func (u User) Deleted() bool { return u.DeletedAt != nil }

// Membership binds a user to a tenant under a role. It is the authoritative
// authorization record for that (tenant, user) pair.
type Membership struct {
	TenantID  string
	UserID    string
	Role      Role
	CreatedAt time.Time
	DeletedAt *time.Time
}

// RefreshFamily is the linked chain of refresh tokens produced by rotation
// from a single login. At most one jti in a family is ever live.
type RefreshFamily struct {
	FamilyID    string
	CurrentJTI  string
	PreviousJTI string
	IssuedAt    time.Time
	ExpiresAt   time.Time
	BoundUserID string
	BoundTenant string
	Revoked     bool
}

// Invitation is a single-use, short-lived code gating admin registration
// (and role=user registration when public registration is disabled).
type Invitation struct {
	Code      string
	TenantID  string
	Role      Role
	ExpiresAt time.Time
	CreatedAt time.Time
}

func (i Invitation) Expired(now time.Time) bool { return now.After(i.ExpiresAt) }

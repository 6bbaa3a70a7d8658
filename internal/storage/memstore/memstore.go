// Package memstore is an in-process implementation of storage.Repository,
// backed by plain maps guarded by a mutex. It exists so internal/auth's
// tests exercise the full registration/login/refresh state machine without a
// live Postgres.
package memstore

import (
	"context"
	"crypto/subtle"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lavente-sso/identity-server/internal/domain"
	"github.com/lavente-sso/identity-server/internal/storage"
)

// Store is a concurrency-safe, single-process Repository.
type Store struct {
	mu sync.Mutex

	tenants     map[string]domain.Tenant
	users       map[string]domain.User
	memberships map[string]domain.Membership // key: tenantID+"|"+userID
	families    map[string]domain.RefreshFamily
	invitations map[string]domain.Invitation
}

// New creates an empty store.
func New() *Store {
	return &Store{
		tenants:     make(map[string]domain.Tenant),
		users:       make(map[string]domain.User),
		memberships: make(map[string]domain.Membership),
		families:    make(map[string]domain.RefreshFamily),
		invitations: make(map[string]domain.Invitation),
	}
}

func membershipKey(tenantID, userID string) string { return tenantID + "|" + userID }

// --- Tenants ---

func (s *Store) FindTenantByAPIKey(ctx context.Context, apiKey string) (domain.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tenants {
		if t.APIKey == apiKey && !t.Deleted() {
			return t, nil
		}
	}
	return domain.Tenant{}, storage.ErrNotFound
}

func (s *Store) FindTenantBySecret(ctx context.Context, tenantSecret string) (domain.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tenants {
		if t.TenantSecret == tenantSecret && !t.Deleted() {
			return t, nil
		}
	}
	return domain.Tenant{}, storage.ErrNotFound
}

func (s *Store) FindTenantByID(ctx context.Context, tenantID string) (domain.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[tenantID]
	if !ok || t.Deleted() {
		return domain.Tenant{}, storage.ErrNotFound
	}
	return t, nil
}

func (s *Store) FindOrCreateTenant(ctx context.Context, t domain.Tenant) (domain.Tenant, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.tenants {
		if existing.Name == t.Name && !existing.Deleted() {
			return existing, false, nil
		}
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := time.Now()
	t.CreatedAt, t.UpdatedAt = now, now
	s.tenants[t.ID] = t
	return t, true, nil
}

// --- Users ---

func (s *Store) FindUserByID(ctx context.Context, userID string) (domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok || u.Deleted() {
		return domain.User{}, storage.ErrNotFound
	}
	return u, nil
}

func (s *Store) FindUserByEmail(ctx context.Context, canonicalEmail string) (domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.CanonicalEmail == canonicalEmail && !u.Deleted() {
			return u, nil
		}
	}
	return domain.User{}, storage.ErrNotFound
}

func (s *Store) FindUserByUsername(ctx context.Context, username string) (domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Username == username && !u.Deleted() {
			return u, nil
		}
	}
	return domain.User{}, storage.ErrNotFound
}

func (s *Store) FindMembership(ctx context.Context, userID, tenantID string) (domain.Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.memberships[membershipKey(tenantID, userID)]
	if !ok || m.DeletedAt != nil {
		return domain.Membership{}, storage.ErrNotFound
	}
	return m, nil
}

func (s *Store) FindMembershipByEmailOrUsername(ctx context.Context, tenantID, emailOrUsername string) (domain.User, domain.Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.memberships {
		if m.DeletedAt != nil {
			continue
		}
		if m.TenantID != tenantID {
			continue
		}
		u, ok := s.users[m.UserID]
		if !ok || u.Deleted() {
			continue
		}
		if u.CanonicalEmail == emailOrUsername || u.Username == emailOrUsername {
			return u, m, nil
		}
	}
	return domain.User{}, domain.Membership{}, storage.ErrNotFound
}

// CreateUserWithMembership implements the full registration matrix:
// within-tenant uniqueness, cross-tenant role=user identity reuse, and
// role-mixing rejection.
func (s *Store) CreateUserWithMembership(ctx context.Context, in storage.NewUserMembership) (storage.CreateUserResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// 1. Within-tenant uniqueness: scan existing non-deleted memberships in
	// this tenant for a conflicting email or username.
	for _, m := range s.memberships {
		if m.DeletedAt != nil || m.TenantID != in.TenantID {
			continue
		}
		u, ok := s.users[m.UserID]
		if !ok || u.Deleted() {
			continue
		}
		if u.CanonicalEmail == in.CanonicalEmail {
			return storage.CreateUserResult{Conflict: storage.ConflictEmailExists}, nil
		}
		if u.Username == in.Username {
			return storage.CreateUserResult{Conflict: storage.ConflictUsernameExists}, nil
		}
	}

	// 2. Cross-tenant identity lookup: does a user with this exact
	// (email, username) pair already exist anywhere?
	var existing *domain.User
	var existingRole domain.Role
	for id, u := range s.users {
		if u.Deleted() {
			continue
		}
		if u.CanonicalEmail == in.CanonicalEmail && u.Username == in.Username {
			uu := u
			existing = &uu
			for _, m := range s.memberships {
				if m.DeletedAt == nil && m.UserID == id {
					existingRole = m.Role
					break
				}
			}
			break
		}
	}

	if existing == nil {
		user := domain.User{
			ID:             uuid.NewString(),
			CanonicalEmail: in.CanonicalEmail,
			Username:       in.Username,
			PasswordHash:   in.PasswordHash,
			CreatedAt:      time.Now(),
			UpdatedAt:      time.Now(),
		}
		s.users[user.ID] = user
		s.memberships[membershipKey(in.TenantID, user.ID)] = domain.Membership{
			TenantID: in.TenantID, UserID: user.ID, Role: in.Role, CreatedAt: time.Now(),
		}
		return storage.CreateUserResult{User: user, Reused: false}, nil
	}

	if in.Role == domain.RoleUser {
		if existingRole != domain.RoleUser {
			return storage.CreateUserResult{Conflict: storage.ConflictRoleMismatch}, nil
		}
		s.memberships[membershipKey(in.TenantID, existing.ID)] = domain.Membership{
			TenantID: in.TenantID, UserID: existing.ID, Role: domain.RoleUser, CreatedAt: time.Now(),
		}
		return storage.CreateUserResult{User: *existing, Reused: true}, nil
	}

	// Incoming role=admin against an existing role=user identity is reported
	// distinctly from a plain email/username collision.
	if existingRole == domain.RoleUser {
		return storage.CreateUserResult{Conflict: storage.ConflictRoleMismatch}, nil
	}

	// Incoming role=admin and a matching identity exists anywhere: admins
	// are never reused across tenants.
	return storage.CreateUserResult{Conflict: storage.ConflictEmailExists}, nil
}

func (s *Store) UpdatePasswordHash(ctx context.Context, userID, newHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok || u.Deleted() {
		return storage.ErrNotFound
	}
	u.PasswordHash = newHash
	u.UpdatedAt = time.Now()
	s.users[userID] = u
	return nil
}

func (s *Store) DeleteUser(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok || u.Deleted() {
		return storage.ErrNotFound
	}
	now := time.Now()
	u.DeletedAt = &now
	s.users[userID] = u
	for id, f := range s.families {
		if f.BoundUserID == userID {
			f.Revoked = true
			s.families[id] = f
		}
	}
	return nil
}

// --- Refresh-token families ---

func (s *Store) CreateRefreshFamily(ctx context.Context, f domain.RefreshFamily) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.families[f.FamilyID] = f
	return nil
}

func (s *Store) FindRefreshFamily(ctx context.Context, familyID string) (domain.RefreshFamily, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.families[familyID]
	if !ok {
		return domain.RefreshFamily{}, storage.ErrNotFound
	}
	return f, nil
}

func (s *Store) RotateRefreshFamily(ctx context.Context, familyID, oldJTI, newJTI string, newExpiry time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.families[familyID]
	if !ok {
		return storage.ErrNotFound
	}
	if f.Revoked || subtle.ConstantTimeCompare([]byte(f.CurrentJTI), []byte(oldJTI)) != 1 {
		f.Revoked = true
		s.families[familyID] = f
		return storage.ErrCASMismatch
	}
	f.PreviousJTI = f.CurrentJTI
	f.CurrentJTI = newJTI
	f.ExpiresAt = newExpiry
	s.families[familyID] = f
	return nil
}

func (s *Store) RevokeFamily(ctx context.Context, familyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.families[familyID]
	if !ok {
		return nil // idempotent
	}
	f.Revoked = true
	s.families[familyID] = f
	return nil
}

func (s *Store) RevokeAllFamilies(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, f := range s.families {
		if f.BoundUserID == userID {
			f.Revoked = true
			s.families[id] = f
		}
	}
	return nil
}

func (s *Store) ListRefreshFamiliesByUser(ctx context.Context, userID string) ([]domain.RefreshFamily, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.RefreshFamily
	for _, f := range s.families {
		if f.BoundUserID == userID {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IssuedAt.After(out[j].IssuedAt) })
	return out, nil
}

// --- Invitations ---

func (s *Store) CreateInvitation(ctx context.Context, inv domain.Invitation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.invitations[inv.Code]; exists {
		return fmt.Errorf("memstore: invitation code collision: %w", storage.ErrConflict)
	}
	s.invitations[inv.Code] = inv
	return nil
}

func (s *Store) ConsumeInvitation(ctx context.Context, code, tenantID string) (domain.Invitation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invitations[code]
	if !ok || inv.TenantID != tenantID {
		return domain.Invitation{}, storage.ErrNotFound
	}
	if inv.Expired(time.Now()) {
		delete(s.invitations, code)
		return domain.Invitation{}, storage.ErrNotFound
	}
	delete(s.invitations, code)
	return inv, nil
}

// --- Admin listing ---

func (s *Store) ListTenantMembers(ctx context.Context, tenantID string) ([]domain.Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Membership
	for _, m := range s.memberships {
		if m.TenantID == tenantID && m.DeletedAt == nil {
			out = append(out, m)
		}
	}
	return out, nil
}

// WithTx snapshots every map before running fn and restores it if fn
// returns an error, so a failure or conflict partway through (e.g. a
// registration conflict discovered after its invitation code was already
// consumed) leaves no partial mutation behind — the same all-or-nothing
// guarantee storage/postgres gets from a real SQL transaction. fn's own
// calls into s still take s.mu per-method as usual; the mutex isn't held
// for fn's whole duration since several Repository methods call it
// re-entrantly and sync.Mutex isn't re-entrant.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, repo storage.Repository) error) error {
	s.mu.Lock()
	tenants := maps.Clone(s.tenants)
	users := maps.Clone(s.users)
	memberships := maps.Clone(s.memberships)
	families := maps.Clone(s.families)
	invitations := maps.Clone(s.invitations)
	s.mu.Unlock()

	if err := fn(ctx, s); err != nil {
		s.mu.Lock()
		s.tenants = tenants
		s.users = users
		s.memberships = memberships
		s.families = families
		s.invitations = invitations
		s.mu.Unlock()
		return err
	}
	return nil
}

var _ storage.Repository = (*Store)(nil)

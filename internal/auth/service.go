// Package auth implements the authentication state machine: credential
// hashing, token issuance and verification, tenant resolution, invitation
// codes, SSO redirect validation and the orchestrator (Service) that drives
// register/login/refresh/verify/change-password/logout against a
// storage.Repository. Nothing in this package speaks HTTP; it returns
// structured *Error values the adapter layer maps to status codes.
package auth

import (
	"context"
	"errors"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/lavente-sso/identity-server/internal/domain"
	"github.com/lavente-sso/identity-server/internal/storage"
)

// RateLimiter is the brute-force suppressor's contract: a per-(tenant,
// identifier) windowed
// attempt counter. internal/ratelimit provides the concrete implementation;
// it is declared here, not imported there, so this package stays free of a
// dependency on the concrete limiter's internals.
type RateLimiter interface {
	Allow(tenantID, identifier string) bool
	RecordFailure(tenantID, identifier string)
	Reset(tenantID, identifier string)
}

// AuditLogger receives a best-effort notification of security-relevant
// events (login, logout, reuse detection, password change). It never blocks
// the operation it reports on and is never queried back by the orchestrator.
type AuditLogger interface {
	Log(ctx context.Context, event string, fields map[string]any)
}

type noopAudit struct{}

func (noopAudit) Log(context.Context, string, map[string]any) {}

// Service is the auth orchestrator: the register/login/refresh/verify/
// change-password/logout state machine, wired to the sub-components it
// depends on.
type Service struct {
	repo                    storage.Repository
	hasher                  PasswordHasher
	tokens                  *TokenCodec
	limiter                 RateLimiter
	invitations             *InvitationService
	sso                     *SSOAllowList
	audit                   AuditLogger
	refreshTTL              time.Duration
	allowPublicRegistration bool
	rateLimitByIP           bool
}

// Config bundles the Service's dependencies and tunables.
type Config struct {
	Repo        storage.Repository
	Hasher      PasswordHasher
	Tokens      *TokenCodec
	Limiter     RateLimiter
	Invitations *InvitationService
	SSO         *SSOAllowList
	Audit       AuditLogger
	RefreshTTL  time.Duration

	// AllowPublicRegistration, when false, requires role=user registrations
	// to also present a (single-use) invitation code, mirroring how
	// role=admin always does; when true (the default), role=user
	// registration needs only a valid api_key.
	AllowPublicRegistration bool

	// RateLimitByIP controls whether the limiter keys its window per
	// identifier alone, or per-(identifier, source IP); this flag lets an
	// operator opt into the stricter per-IP-scoped keying.
	RateLimitByIP bool
}

// NewService builds the orchestrator. Audit may be nil; a no-op logger is
// substituted so callers never need a nil check.
func NewService(cfg Config) *Service {
	audit := cfg.Audit
	if audit == nil {
		audit = noopAudit{}
	}
	return &Service{
		repo:                    cfg.Repo,
		hasher:                  cfg.Hasher,
		tokens:                  cfg.Tokens,
		limiter:                 cfg.Limiter,
		invitations:             cfg.Invitations,
		sso:                     cfg.SSO,
		audit:                   audit,
		refreshTTL:              cfg.RefreshTTL,
		allowPublicRegistration: cfg.AllowPublicRegistration,
		rateLimitByIP:           cfg.RateLimitByIP,
	}
}

// rateLimitKey folds the source IP into the rate-limit identifier when the
// service is configured for per-(identifier, source-IP) keying; otherwise
// it is a no-op and the window stays keyed on identifier alone.
func (s *Service) rateLimitKey(identifier, sourceIP string) string {
	if s.rateLimitByIP && sourceIP != "" {
		return identifier + "|" + sourceIP
	}
	return identifier
}

// invitationConsumeError marks a WithTx failure as having happened during
// invitation consumption rather than user creation, so Register can map it
// to the distinct "bad invitation code" response instead of a generic
// internal error.
type invitationConsumeError struct{ err error }

func (e *invitationConsumeError) Error() string { return e.err.Error() }
func (e *invitationConsumeError) Unwrap() error { return e.err }

// errRegistrationConflict forces Register's WithTx closure to roll back when
// CreateUserWithMembership reports a registration conflict (rather than a Go
// error) after an invitation code has already been consumed in the same
// transaction; the conflict detail itself is read back from the captured
// result once WithTx returns.
var errRegistrationConflict = errors.New("auth: registration conflict")

// IssuedTokens is the pair of credentials minted on register/login/refresh.
type IssuedTokens struct {
	AccessToken  string
	RefreshToken string
	FamilyID     string
	JTI          string
}

// RegisterResult is the outcome of a successful Register call. State and
// Nonce are whatever the caller supplied, unmodified: they round-trip
// untouched for registrations that are themselves part of an SSO handshake.
type RegisterResult struct {
	UserID string
	Tokens IssuedTokens
	Reused bool
	State  string
	Nonce  string
}

// Register creates a user and its tenant membership, reconciling role=user
// identities across tenants. tenant must already be resolved by the caller
// (TenantRegistry.ByAPIKey); redirectURI is optional and, when present, is
// checked against the tenant's SSO allow-list before anything else happens.
func (s *Service) Register(ctx context.Context, tenant domain.Tenant, in RegistrationInput, redirectURI string) (RegisterResult, *Error) {
	if redirectURI != "" {
		if _, err := s.sso.Validate(tenant.ID, redirectURI); err != nil {
			return RegisterResult{}, newErr(KindForbidden, "Redirect URI not in allowed origins")
		}
	}

	if fields := ValidateRegistration(in); len(fields) > 0 {
		return RegisterResult{}, validationErr(fields...)
	}

	role := domain.Role(in.Role)
	if role == "" {
		role = domain.RoleUser
	}

	requiresInvitation := role == domain.RoleAdmin ||
		(role == domain.RoleUser && !s.allowPublicRegistration)

	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return RegisterResult{}, wrapErr(KindInternal, "failed to process registration", err)
	}

	// Invitation consumption and user creation run as one unit of work: if
	// CreateUserWithMembership fails OR reports a conflict after the code is
	// consumed, the whole transaction rolls back so the code remains valid
	// instead of being burned on a registration that never happened.
	var result storage.CreateUserResult
	register := func(ctx context.Context, repo storage.Repository) error {
		if requiresInvitation {
			if _, err := repo.ConsumeInvitation(ctx, in.Invitation, tenant.ID); err != nil {
				return &invitationConsumeError{err}
			}
		}
		r, err := repo.CreateUserWithMembership(ctx, storage.NewUserMembership{
			CanonicalEmail: CanonicalizeEmail(in.Email),
			Username:       in.Username,
			PasswordHash:   hash,
			Role:           role,
			TenantID:       tenant.ID,
		})
		if err != nil {
			return err
		}
		result = r
		if r.Conflict != storage.ConflictNone {
			return errRegistrationConflict
		}
		return nil
	}
	txErr := s.repo.WithTx(ctx, register)
	if txErr != nil && errors.Is(txErr, storage.ErrConflict) {
		// A concurrent registration for the same identity won the uniqueness
		// race. Rerun once so the lookup sees the winner's row and either
		// attaches to it or reports the conflict properly.
		txErr = s.repo.WithTx(ctx, register)
	}
	if txErr != nil && !errors.Is(txErr, errRegistrationConflict) {
		var consumeErr *invitationConsumeError
		if errors.As(txErr, &consumeErr) {
			return RegisterResult{}, newErr(KindForbidden, "Invalid or missing invitation code")
		}
		return RegisterResult{}, wrapErr(KindInternal, "failed to register user", txErr)
	}

	switch result.Conflict {
	case storage.ConflictEmailExists:
		return RegisterResult{}, newErr(KindConflict, "Email already exists")
	case storage.ConflictUsernameExists:
		return RegisterResult{}, newErr(KindConflict, "Username already exists")
	case storage.ConflictRoleMismatch:
		return RegisterResult{}, newErr(KindConflict, "Cannot register as user - account exists with admin/non-user role")
	}

	tokens, mintErr := s.mintSession(tenant.ID, result.User.ID, string(role))
	if mintErr != nil {
		return RegisterResult{}, mintErr
	}
	if err := s.repo.CreateRefreshFamily(ctx, domain.RefreshFamily{
		FamilyID:    tokens.FamilyID,
		CurrentJTI:  tokens.JTI,
		IssuedAt:    time.Now(),
		ExpiresAt:   time.Now().Add(s.refreshTTL),
		BoundUserID: result.User.ID,
		BoundTenant: tenant.ID,
	}); err != nil {
		return RegisterResult{}, wrapErr(KindInternal, "failed to persist session", err)
	}

	s.audit.Log(ctx, "user.registered", map[string]any{"tenant_id": tenant.ID, "user_id": result.User.ID, "role": role, "reused": result.Reused})
	return RegisterResult{UserID: result.User.ID, Tokens: tokens, Reused: result.Reused, State: in.State, Nonce: in.Nonce}, nil
}

// LoginResult is the outcome of a successful Login call.
type LoginResult struct {
	UserID string
	Tokens IssuedTokens
}

// Login authenticates an email-or-username identifier within one tenant
// and mints a fresh token family. roleFilter, when non-empty, enforces a
// "role probing" defense: a mismatch yields NotFound rather than
// Unauthorized. sourceIP is only consulted when the service is configured
// for per-(identifier, source-IP) rate-limit keying.
func (s *Service) Login(ctx context.Context, tenant domain.Tenant, identifier, password, roleFilter, sourceIP string) (LoginResult, *Error) {
	limiterKey := s.rateLimitKey(identifier, sourceIP)
	if !s.limiter.Allow(tenant.ID, limiterKey) {
		return LoginResult{}, newErr(KindRateLimited, "Too Many Requests")
	}

	user, membership, err := s.repo.FindMembershipByEmailOrUsername(ctx, tenant.ID, identifier)
	if err != nil {
		s.limiter.RecordFailure(tenant.ID, limiterKey)
		return LoginResult{}, newErr(KindUnauthorized, "username or email or password invalid")
	}
	if user.Deleted() || !tenant.IsActive {
		return LoginResult{}, newErr(KindForbidden, "Forbidden")
	}
	if roleFilter != "" && string(membership.Role) != roleFilter {
		return LoginResult{}, newErr(KindNotFound, "User not found")
	}

	if err := s.hasher.Compare(user.PasswordHash, password); err != nil {
		s.limiter.RecordFailure(tenant.ID, limiterKey)
		return LoginResult{}, newErr(KindUnauthorized, "username or email or password invalid")
	}

	s.limiter.Reset(tenant.ID, limiterKey)

	tokens, mintErr := s.mintSession(tenant.ID, user.ID, string(membership.Role))
	if mintErr != nil {
		return LoginResult{}, mintErr
	}
	if err := s.repo.CreateRefreshFamily(ctx, domain.RefreshFamily{
		FamilyID:    tokens.FamilyID,
		CurrentJTI:  tokens.JTI,
		IssuedAt:    time.Now(),
		ExpiresAt:   time.Now().Add(s.refreshTTL),
		BoundUserID: user.ID,
		BoundTenant: tenant.ID,
	}); err != nil {
		return LoginResult{}, wrapErr(KindInternal, "failed to persist session", err)
	}

	s.audit.Log(ctx, "user.login", map[string]any{"tenant_id": tenant.ID, "user_id": user.ID})
	return LoginResult{UserID: user.ID, Tokens: tokens}, nil
}

// RefreshResult is the outcome of a successful Refresh call.
type RefreshResult struct {
	UserID string
	Tokens IssuedTokens
}

// Refresh rotates a refresh token within its family, with reuse detection:
// any jti other than
// the family's current one revokes the whole family and is reported
// identically to an invalid or revoked token (KindUnauthorized).
func (s *Service) Refresh(ctx context.Context, tenant domain.Tenant, refreshCookie string) (RefreshResult, *Error) {
	claims, err := s.tokens.Parse(refreshCookie, tenant.ID)
	if err != nil {
		if errors.Is(err, ErrTokenExpired) {
			return RefreshResult{}, newErr(KindTokenExpired, "Token expired")
		}
		return RefreshResult{}, newErr(KindUnauthorized, "Unauthorized")
	}

	family, err := s.repo.FindRefreshFamily(ctx, claims.Family)
	if err != nil || family.Revoked || family.BoundTenant != tenant.ID {
		return RefreshResult{}, newErr(KindUnauthorized, "Unauthorized")
	}

	user, err := s.repo.FindUserByID(ctx, family.BoundUserID)
	if err != nil || user.Deleted() {
		return RefreshResult{}, newErr(KindUnauthorized, "Unauthorized")
	}
	membership, err := s.repo.FindMembership(ctx, user.ID, tenant.ID)
	if err != nil {
		return RefreshResult{}, newErr(KindUnauthorized, "Unauthorized")
	}

	newJTI := uuid.NewString()
	newAccess, err := s.tokens.IssueAccessToken(user.ID, tenant.ID, string(membership.Role))
	if err != nil {
		return RefreshResult{}, wrapErr(KindInternal, "failed to mint session", err)
	}
	newRefresh, err := s.tokens.IssueRefreshToken(user.ID, tenant.ID, string(membership.Role), family.FamilyID, newJTI)
	if err != nil {
		return RefreshResult{}, wrapErr(KindInternal, "failed to mint session", err)
	}

	rotateErr := s.repo.RotateRefreshFamily(ctx, family.FamilyID, claims.ID, newJTI, time.Now().Add(s.refreshTTL))
	if rotateErr != nil {
		if errors.Is(rotateErr, storage.ErrCASMismatch) {
			s.audit.Log(ctx, "refresh.reuse_detected", map[string]any{"tenant_id": tenant.ID, "user_id": user.ID, "family_id": family.FamilyID})
			return RefreshResult{}, newErr(KindUnauthorized, "Unauthorized")
		}
		return RefreshResult{}, wrapErr(KindInternal, "failed to rotate session", rotateErr)
	}

	return RefreshResult{
		UserID: user.ID,
		Tokens: IssuedTokens{AccessToken: newAccess, RefreshToken: newRefresh, FamilyID: family.FamilyID},
	}, nil
}

// VerifyResult is the outcome of a successful Verify call.
type VerifyResult struct {
	UserID   string
	TenantID string
	Role     string
}

// Verify checks a bearer access token. Every failure, including a vanished user,
// coalesces to Unauthorized so the response never distinguishes "bad token"
// from "deleted account" (enumeration resistance).
func (s *Service) Verify(ctx context.Context, tenant domain.Tenant, accessToken string) (VerifyResult, *Error) {
	claims, err := s.tokens.Parse(accessToken, tenant.ID)
	if err != nil {
		return VerifyResult{}, newErr(KindUnauthorized, "Unauthorized")
	}
	user, err := s.repo.FindUserByID(ctx, claims.Subject)
	if err != nil || user.Deleted() {
		return VerifyResult{}, newErr(KindUnauthorized, "Unauthorized")
	}
	return VerifyResult{UserID: user.ID, TenantID: tenant.ID, Role: claims.Role}, nil
}

// ChangePassword replaces the stored hash and revokes every refresh family the user
// holds, including the caller's own, so all previously issued cookies
// become unusable.
func (s *Service) ChangePassword(ctx context.Context, userID, oldPassword, newPassword, confirmPassword string) *Error {
	user, err := s.repo.FindUserByID(ctx, userID)
	if err != nil || user.Deleted() {
		return newErr(KindUnauthorized, "Invalid credentials")
	}

	if fields := ValidateNewPassword(newPassword, confirmPassword, oldPassword); len(fields) > 0 {
		return validationErr(fields...)
	}

	if err := s.hasher.Compare(user.PasswordHash, oldPassword); err != nil {
		return newErr(KindUnauthorized, "Invalid credentials")
	}

	newHash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return wrapErr(KindInternal, "failed to change password", err)
	}
	if err := s.repo.UpdatePasswordHash(ctx, userID, newHash); err != nil {
		return wrapErr(KindInternal, "failed to change password", err)
	}
	if err := s.repo.RevokeAllFamilies(ctx, userID); err != nil {
		return wrapErr(KindInternal, "failed to revoke sessions", err)
	}

	s.audit.Log(ctx, "user.password_changed", map[string]any{"user_id": userID})
	return nil
}

// Logout revokes the caller's refresh family. It is intentionally forgiving: a missing or
// unreadable refresh cookie still succeeds by revoking every family the
// user holds, so a second logout call is never an error.
func (s *Service) Logout(ctx context.Context, tenant domain.Tenant, userID, refreshCookie string) *Error {
	if refreshCookie != "" {
		if claims, err := s.tokens.Parse(refreshCookie, tenant.ID); err == nil {
			_ = s.repo.RevokeFamily(ctx, claims.Family)
			s.audit.Log(ctx, "user.logout", map[string]any{"user_id": userID, "family_id": claims.Family})
			return nil
		}
	}
	_ = s.repo.RevokeAllFamilies(ctx, userID)
	s.audit.Log(ctx, "user.logout", map[string]any{"user_id": userID})
	return nil
}

// SSOLogout revokes the session and redirects. It validates redirectURI before revoking
// anything, so a forbidden request never affects session state.
func (s *Service) SSOLogout(ctx context.Context, tenant domain.Tenant, userID, refreshCookie, redirectURI string) (*url.URL, *Error) {
	dest, err := s.sso.Validate(tenant.ID, redirectURI)
	if err != nil {
		return nil, newErr(KindForbidden, "Redirect URI not in allowed origins")
	}

	if refreshCookie != "" {
		if claims, parseErr := s.tokens.Parse(refreshCookie, tenant.ID); parseErr == nil {
			_ = s.repo.RevokeFamily(ctx, claims.Family)
		}
	} else if userID != "" {
		_ = s.repo.RevokeAllFamilies(ctx, userID)
	}
	s.audit.Log(ctx, "user.sso_logout", map[string]any{"user_id": userID, "tenant_id": tenant.ID})
	return dest, nil
}

// IssueInvitation implements the admin-only invitation surface backing
// POST /auth/internal/invitations: only role=admin codes are issued here.
// Register does not compare a consumed code's role with the requested role,
// so when AllowPublicRegistration is false these codes also admit role=user
// registrations.
func (s *Service) IssueInvitation(ctx context.Context, tenant domain.Tenant) (domain.Invitation, *Error) {
	inv, err := s.invitations.Issue(ctx, tenant.ID, domain.RoleAdmin)
	if err != nil {
		return domain.Invitation{}, wrapErr(KindInternal, "failed to issue invitation", err)
	}
	return inv, nil
}

// SessionSummary is a self-service view of one refresh-token family: enough
// for a user to recognize and selectively revoke a session, without exposing
// the jti chain itself.
type SessionSummary struct {
	FamilyID  string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Revoked   bool
}

// GetSessions backs GET /auth/sessions: every refresh-token family ever
// bound to the user, live or revoked, newest first.
func (s *Service) GetSessions(ctx context.Context, userID string) ([]SessionSummary, *Error) {
	families, err := s.repo.ListRefreshFamiliesByUser(ctx, userID)
	if err != nil {
		return nil, wrapErr(KindInternal, "failed to list sessions", err)
	}
	out := make([]SessionSummary, 0, len(families))
	for _, f := range families {
		out = append(out, SessionSummary{FamilyID: f.FamilyID, IssuedAt: f.IssuedAt, ExpiresAt: f.ExpiresAt, Revoked: f.Revoked})
	}
	return out, nil
}

// RevokeSession backs DELETE /auth/sessions/{id}: revokes exactly one
// refresh-token family, after confirming it belongs to the caller, so a
// guessed family id can never revoke someone else's session.
func (s *Service) RevokeSession(ctx context.Context, userID, familyID string) *Error {
	family, err := s.repo.FindRefreshFamily(ctx, familyID)
	if err != nil || family.BoundUserID != userID {
		return newErr(KindNotFound, "Session not found")
	}
	if err := s.repo.RevokeFamily(ctx, familyID); err != nil {
		return wrapErr(KindInternal, "failed to revoke session", err)
	}
	s.audit.Log(ctx, "user.session_revoked", map[string]any{"user_id": userID, "family_id": familyID})
	return nil
}

// ListTenantMembers backs GET /api/tenants/{tenant_id}/members.
func (s *Service) ListTenantMembers(ctx context.Context, tenant domain.Tenant) ([]domain.Membership, *Error) {
	members, err := s.repo.ListTenantMembers(ctx, tenant.ID)
	if err != nil {
		return nil, wrapErr(KindInternal, "failed to list members", err)
	}
	return members, nil
}

func (s *Service) mintSession(tenantID, userID, role string) (IssuedTokens, *Error) {
	familyID := uuid.NewString()
	jti := uuid.NewString()

	access, err := s.tokens.IssueAccessToken(userID, tenantID, role)
	if err != nil {
		return IssuedTokens{}, wrapErr(KindInternal, "failed to mint session", err)
	}
	refresh, err := s.tokens.IssueRefreshToken(userID, tenantID, role, familyID, jti)
	if err != nil {
		return IssuedTokens{}, wrapErr(KindInternal, "failed to mint session", err)
	}
	return IssuedTokens{AccessToken: access, RefreshToken: refresh, FamilyID: familyID, JTI: jti}, nil
}

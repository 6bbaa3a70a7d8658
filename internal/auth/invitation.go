package auth

import (
	"context"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/lavente-sso/identity-server/internal/domain"
	"github.com/lavente-sso/identity-server/internal/storage"
)

// invitationAlphabet excludes visually ambiguous characters (0/O, 1/I/l) so
// a code read aloud or retyped from a screenshot doesn't collide.
const invitationAlphabet = "23456789ABCDEFGHJKMNPQRSTUVWXYZ"

const invitationCodeLength = 8

// InvitationService issues single-use, tenant-scoped invitation codes for
// the role it is given.
// Consumption happens directly through storage.Repository.ConsumeInvitation
// inside Register's transaction (internal/auth/service.go), not through
// this type, so that it shares the same unit of work as user creation.
type InvitationService struct {
	repo storage.Repository
	ttl  time.Duration
}

// NewInvitationService builds a service with the given code lifetime.
func NewInvitationService(repo storage.Repository, ttl time.Duration) *InvitationService {
	return &InvitationService{repo: repo, ttl: ttl}
}

// Issue creates a new invitation for tenantID, valid for the service's TTL.
func (s *InvitationService) Issue(ctx context.Context, tenantID string, role domain.Role) (domain.Invitation, error) {
	code, err := randomCode(invitationCodeLength)
	if err != nil {
		return domain.Invitation{}, fmt.Errorf("auth: generate invitation code: %w", err)
	}
	now := time.Now()
	inv := domain.Invitation{
		Code:      code,
		TenantID:  tenantID,
		Role:      role,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}
	if err := s.repo.CreateInvitation(ctx, inv); err != nil {
		return domain.Invitation{}, fmt.Errorf("auth: store invitation: %w", err)
	}
	return inv, nil
}

func randomCode(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, n)
	alphabetLen := byte(len(invitationAlphabet))
	for i, b := range buf {
		out[i] = invitationAlphabet[b%alphabetLen]
	}
	return string(out), nil
}

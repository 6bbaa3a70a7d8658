package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/lavente-sso/identity-server/internal/api/helpers"
	apimw "github.com/lavente-sso/identity-server/internal/api/middleware"
)

type issueInvitationResponse struct {
	Code      string `json:"code"`
	Role      string `json:"role"`
	ExpiresAt string `json:"expires_at"`
}

// handleIssueInvitation backs POST /auth/internal/invitations. The calling
// tenant is resolved from X-Tenant-Secret-Key; invitations are always
// role=admin (see auth.Service.IssueInvitation for their use by role=user
// registrations).
func (s *Server) handleIssueInvitation(w http.ResponseWriter, r *http.Request) {
	tenant, tErr := apimw.GetTenant(r.Context())
	if tErr != nil {
		RespondErrorMsg(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	inv, err := s.auth.IssueInvitation(r.Context(), tenant)
	if err != nil {
		RespondError(w, err)
		return
	}

	RespondJSON(w, http.StatusOK, issueInvitationResponse{
		Code:      inv.Code,
		Role:      string(inv.Role),
		ExpiresAt: inv.ExpiresAt.Format(timeLayout),
	})
}

type createTenantRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// handleCreateTenant backs POST /api/tenants. Authorization already
// happened in apimw.TenantBootstrap, which checks X-Tenant-Secret-Key
// against the deployment's well-known bootstrap secret — a new tenant has
// no tenant_secret of its own yet to be gated behind.
func (s *Server) handleCreateTenant(w http.ResponseWriter, r *http.Request) {
	var req createTenantRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		RespondErrorMsg(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		RespondErrorMsg(w, http.StatusUnprocessableEntity, "name is required")
		return
	}

	tenant, created, err := s.tenants.Provision(r.Context(), req.Name, req.Description)
	if err != nil {
		RespondError(w, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	RespondJSON(w, status, map[string]any{
		"tenant_id":     tenant.ID,
		"name":          tenant.Name,
		"api_key":       tenant.APIKey,
		"tenant_secret": tenant.TenantSecret,
		"created":       created,
	})
}

// handleListTenantMembers backs GET /api/tenants/{tenant_id}/members. The
// path tenant_id must match the tenant resolved from the admin secret — a
// tenant's admin secret only ever lists its own membership.
func (s *Server) handleListTenantMembers(w http.ResponseWriter, r *http.Request) {
	tenant, tErr := apimw.GetTenant(r.Context())
	if tErr != nil {
		RespondErrorMsg(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	if chi.URLParam(r, "tenant_id") != tenant.ID {
		RespondErrorMsg(w, http.StatusForbidden, "Forbidden")
		return
	}

	members, err := s.auth.ListTenantMembers(r.Context(), tenant)
	if err != nil {
		RespondError(w, err)
		return
	}

	out := make([]map[string]any, 0, len(members))
	for _, m := range members {
		out = append(out, map[string]any{
			"user_id": m.UserID,
			"role":    m.Role,
		})
	}
	RespondJSON(w, http.StatusOK, out)
}

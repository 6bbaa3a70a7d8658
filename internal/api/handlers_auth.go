package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lavente-sso/identity-server/internal/api/helpers"
	apimw "github.com/lavente-sso/identity-server/internal/api/middleware"
	"github.com/lavente-sso/identity-server/internal/auth"
)

const refreshCookieName = "refresh_token"

type registerRequest struct {
	Email          string `json:"email"`
	Username       string `json:"username"`
	Password       string `json:"password"`
	Role           string `json:"role"`
	InvitationCode string `json:"invitation_code"`
	RedirectURI    string `json:"redirect_uri"`
	State          string `json:"state"`
	Nonce          string `json:"nonce"`
}

type loginRequest struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
	Role       string `json:"role"`
}

type resetPasswordRequest struct {
	OldPassword        string `json:"old_password"`
	NewPassword        string `json:"new_password"`
	ConfirmNewPassword string `json:"confirm_new_password"`
}

// handleRegister backs POST /auth/register.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	tenant, tErr := apimw.GetTenant(r.Context())
	if tErr != nil {
		RespondErrorMsg(w, http.StatusUnauthorized, "tenant identification required")
		return
	}

	var req registerRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		RespondErrorMsg(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := s.auth.Register(r.Context(), tenant, auth.RegistrationInput{
		Email:      req.Email,
		Username:   req.Username,
		Password:   req.Password,
		Role:       req.Role,
		Invitation: req.InvitationCode,
		State:      req.State,
		Nonce:      req.Nonce,
	}, req.RedirectURI)
	if err != nil {
		RespondError(w, err)
		return
	}

	setRefreshCookie(w, result.Tokens.RefreshToken, s.cfg.RefreshTokenTTL)
	resp := map[string]any{
		"user_id":      result.UserID,
		"access_token": result.Tokens.AccessToken,
		"reused":       result.Reused,
	}
	if result.State != "" {
		resp["state"] = result.State
	}
	if result.Nonce != "" {
		resp["nonce"] = result.Nonce
	}
	RespondJSON(w, http.StatusCreated, resp)
}

// handleLogin backs POST /auth/login.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	tenant, tErr := apimw.GetTenant(r.Context())
	if tErr != nil {
		RespondErrorMsg(w, http.StatusUnauthorized, "tenant identification required")
		return
	}

	var req loginRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		RespondErrorMsg(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := s.auth.Login(r.Context(), tenant, req.Identifier, req.Password, req.Role, helpers.GetRealIP(r).String())
	if err != nil {
		RespondError(w, err)
		return
	}

	setRefreshCookie(w, result.Tokens.RefreshToken, s.cfg.RefreshTokenTTL)
	RespondJSON(w, http.StatusOK, map[string]any{
		"user_id":      result.UserID,
		"access_token": result.Tokens.AccessToken,
	})
}

// handleRefresh backs POST /auth/refresh.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	tenant, tErr := apimw.GetTenant(r.Context())
	if tErr != nil {
		RespondErrorMsg(w, http.StatusUnauthorized, "tenant identification required")
		return
	}

	cookie, err := r.Cookie(refreshCookieName)
	if err != nil {
		RespondErrorMsg(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	result, authErr := s.auth.Refresh(r.Context(), tenant, cookie.Value)
	if authErr != nil {
		RespondError(w, authErr)
		return
	}

	setRefreshCookie(w, result.Tokens.RefreshToken, s.cfg.RefreshTokenTTL)
	RespondJSON(w, http.StatusOK, map[string]any{
		"user_id":      result.UserID,
		"access_token": result.Tokens.AccessToken,
	})
}

// handleVerify backs GET /auth/verify.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	tenant, tErr := apimw.GetTenant(r.Context())
	if tErr != nil {
		RespondErrorMsg(w, http.StatusUnauthorized, "tenant identification required")
		return
	}

	authHeader := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(authHeader) <= len(prefix) || authHeader[:len(prefix)] != prefix {
		RespondErrorMsg(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	result, err := s.auth.Verify(r.Context(), tenant, authHeader[len(prefix):])
	if err != nil {
		RespondError(w, err)
		return
	}

	RespondJSONMsg(w, http.StatusOK, "Token is valid", map[string]any{
		"user_id":   result.UserID,
		"tenant_id": result.TenantID,
		"role":      result.Role,
	})
}

// handleResetPassword backs PUT /auth/reset.
func (s *Server) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	userID, uErr := apimw.GetUserID(r.Context())
	if uErr != nil {
		RespondErrorMsg(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var req resetPasswordRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		RespondErrorMsg(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.auth.ChangePassword(r.Context(), userID, req.OldPassword, req.NewPassword, req.ConfirmNewPassword); err != nil {
		RespondError(w, err)
		return
	}

	clearRefreshCookie(w)
	RespondJSONMsg(w, http.StatusOK, "Password changed", nil)
}

// handleLogout backs DELETE /auth/logout.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	tenant, tErr := apimw.GetTenant(r.Context())
	if tErr != nil {
		RespondErrorMsg(w, http.StatusUnauthorized, "tenant identification required")
		return
	}
	userID, _ := apimw.GetUserID(r.Context())

	var refreshValue string
	if cookie, err := r.Cookie(refreshCookieName); err == nil {
		refreshValue = cookie.Value
	}

	if err := s.auth.Logout(r.Context(), tenant, userID, refreshValue); err != nil {
		RespondError(w, err)
		return
	}

	clearRefreshCookie(w)
	RespondJSONMsg(w, http.StatusOK, "Logged out", nil)
}

// handleSSOLogout backs GET /auth/sso/logout.
func (s *Server) handleSSOLogout(w http.ResponseWriter, r *http.Request) {
	tenant, tErr := apimw.GetTenant(r.Context())
	if tErr != nil {
		RespondErrorMsg(w, http.StatusUnauthorized, "tenant identification required")
		return
	}
	userID, _ := apimw.GetUserID(r.Context())
	redirectURI := r.URL.Query().Get("redirect_uri")

	var refreshValue string
	if cookie, err := r.Cookie(refreshCookieName); err == nil {
		refreshValue = cookie.Value
	}

	dest, err := s.auth.SSOLogout(r.Context(), tenant, userID, refreshValue, redirectURI)
	if err != nil {
		RespondError(w, err)
		return
	}

	clearRefreshCookie(w)
	http.Redirect(w, r, dest.String(), http.StatusFound)
}

// handleListSessions backs GET /auth/sessions.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	userID, uErr := apimw.GetUserID(r.Context())
	if uErr != nil {
		RespondErrorMsg(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	sessions, err := s.auth.GetSessions(r.Context(), userID)
	if err != nil {
		RespondError(w, err)
		return
	}

	out := make([]map[string]any, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, map[string]any{
			"family_id":  sess.FamilyID,
			"issued_at":  sess.IssuedAt.Format(timeLayout),
			"expires_at": sess.ExpiresAt.Format(timeLayout),
			"revoked":    sess.Revoked,
		})
	}
	RespondJSON(w, http.StatusOK, out)
}

// handleRevokeSession backs DELETE /auth/sessions/{id}.
func (s *Server) handleRevokeSession(w http.ResponseWriter, r *http.Request) {
	userID, uErr := apimw.GetUserID(r.Context())
	if uErr != nil {
		RespondErrorMsg(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	familyID := chi.URLParam(r, "id")
	if err := s.auth.RevokeSession(r.Context(), userID, familyID); err != nil {
		RespondError(w, err)
		return
	}
	RespondJSONMsg(w, http.StatusOK, "Session revoked", nil)
}

func setRefreshCookie(w http.ResponseWriter, value string, ttl time.Duration) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookieName,
		Value:    value,
		Path:     "/auth",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
		Expires:  time.Now().Add(ttl),
	})
}

func clearRefreshCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookieName,
		Value:    "",
		Path:     "/auth",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   -1,
	})
}

package web

import (
	"net/http"

	"github.com/JonMunkholm/sourcehub/internal/domain"
	mw "github.com/JonMunkholm/sourcehub/internal/web/middleware"
)

type updateProfileRequest struct {
	Name string `json:"name"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

// principal returns the authenticated principal, writing a 401 when the
// route was mounted without Authenticate.
func (s *Server) principal(w http.ResponseWriter, r *http.Request) (*domain.Principal, bool) {
	p, ok := mw.PrincipalFrom(r.Context())
	if !ok {
		s.respondError(w, r, domain.ErrNoToken)
		return nil, false
	}
	return p, true
}

// handleMe handles GET /api/user/me.
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	p, ok := s.principal(w, r)
	if !ok {
		return
	}
	writeJSON(w, map[string]any{"user": viewOf(p)})
}

// handleUpdateMe handles PUT /api/user/me.
func (s *Server) handleUpdateMe(w http.ResponseWriter, r *http.Request) {
	p, ok := s.principal(w, r)
	if !ok {
		return
	}

	var req updateProfileRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}

	updated, err := s.deps.Accounts.UpdateProfile(r.Context(), p.ID, req.Name)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, map[string]any{"user": viewOf(updated)})
}

// handleChangePassword handles PUT /api/user/me/password.
func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	p, ok := s.principal(w, r)
	if !ok {
		return
	}

	var req changePasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}

	err := s.deps.Accounts.ChangePassword(r.Context(), p.ID, req.CurrentPassword, req.NewPassword)
	s.recordAuth("change_password", err)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, messageResponse{Message: "Password updated."})
}

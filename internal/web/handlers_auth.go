package web

import (
	"net/http"
	"time"

	"github.com/JonMunkholm/sourcehub/internal/domain"
	"github.com/google/uuid"
)

type registerRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type registerResponse struct {
	Message string `json:"message"`
	Email   string `json:"email"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string        `json:"token"`
	Role      domain.Role   `json:"role"`
	ExpiresAt time.Time     `json:"expiresAt"`
	User      principalView `json:"user"`
}

type emailRequest struct {
	Email string `json:"email"`
}

type verifyCodeRequest struct {
	Email string `json:"email"`
	Code  string `json:"code"`
}

type messageResponse struct {
	Message string `json:"message"`
}

// principalView is the client view of a principal. The password hash and
// verification code never leave the server.
type principalView struct {
	ID        uuid.UUID   `json:"id"`
	Name      string      `json:"name"`
	Email     string      `json:"email"`
	Role      domain.Role `json:"role"`
	Verified  bool        `json:"isVerified"`
	CreatedAt time.Time   `json:"createdAt"`
}

func viewOf(p *domain.Principal) principalView {
	return principalView{
		ID:        p.ID,
		Name:      p.Name,
		Email:     p.Email,
		Role:      p.Role,
		Verified:  p.Verified,
		CreatedAt: p.CreatedAt,
	}
}

// handleRegister handles POST /api/auth/register.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}

	p, err := s.deps.Accounts.Register(r.Context(), req.Name, req.Email, req.Password)
	s.recordAuth("register", err)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	writeJSONStatus(w, http.StatusCreated, registerResponse{
		Message: "Registration successful. Check your email for a verification code.",
		Email:   p.Email,
	})
}

// handleLogin handles POST /api/auth/login.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}

	res, err := s.deps.Accounts.Login(r.Context(), req.Email, req.Password)
	s.recordAuth("login", err)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	writeJSON(w, loginResponse{
		Token:     res.Token,
		Role:      res.Role,
		ExpiresAt: res.ExpiresAt,
		User:      viewOf(res.Principal),
	})
}

// handleSendVerification handles POST /api/verification/send-verification.
// The response does not reveal whether the email is registered.
func (s *Server) handleSendVerification(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}

	err := s.deps.Accounts.SendCode(r.Context(), req.Email)
	s.recordAuth("send_code", err)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	writeJSONStatus(w, http.StatusAccepted, messageResponse{
		Message: "If the account exists and is unverified, a verification code has been sent.",
	})
}

// handleVerifyCode handles POST /api/verification/verify-code.
func (s *Server) handleVerifyCode(w http.ResponseWriter, r *http.Request) {
	var req verifyCodeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}

	p, err := s.deps.Accounts.VerifyCode(r.Context(), req.Email, req.Code)
	s.recordAuth("verify", err)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	writeJSON(w, map[string]any{
		"message": "Email verified. You can now log in.",
		"user":    viewOf(p),
	})
}

// handleResend handles POST /api/verification/resend. Inside the cooldown
// it answers 429 with secondsRemaining and a Retry-After header.
func (s *Server) handleResend(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}

	err := s.deps.Accounts.Resend(r.Context(), req.Email)
	s.recordAuth("resend", err)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	writeJSON(w, messageResponse{Message: "A new verification code has been sent."})
}

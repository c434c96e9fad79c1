package handlers

import (
	"net/http"

	"github.com/matgo18/TheyMissYou/internal/middleware"
	"github.com/matgo18/TheyMissYou/internal/services"
	"github.com/rs/zerolog/log"
)

// AuthHandler handles registration and sessions
type AuthHandler struct {
	users *services.UserDirectory
}

// NewAuthHandler creates a new auth handler
func NewAuthHandler(users *services.UserDirectory) *AuthHandler {
	return &AuthHandler{users: users}
}

// LoginRequest represents the request body for signing in
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Register handles POST /api/v1/auth/register
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req services.RegisterInput
	if !decodeJSON(w, r, &req) {
		return
	}

	result, err := h.users.Register(r.Context(), req)
	if err != nil {
		log.Warn().Err(err).Str("username", req.Username).Msg("Registration failed")
		respondServiceError(w, err, "Failed to register")
		return
	}

	respondJSON(w, result, http.StatusCreated)
}

// Login handles POST /api/v1/auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Email == "" || req.Password == "" {
		respondError(w, "email and password are required", http.StatusBadRequest)
		return
	}

	result, err := h.users.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		respondServiceError(w, err, "Failed to sign in")
		return
	}

	respondJSON(w, result, http.StatusOK)
}

// Logout handles POST /api/v1/auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.users.SignOut(r.Context(), middleware.GetToken(r.Context())); err != nil {
		respondServiceError(w, err, "Failed to sign out")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

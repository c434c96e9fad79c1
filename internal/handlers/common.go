package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/matgo18/TheyMissYou/internal/auth"
	"github.com/matgo18/TheyMissYou/internal/media"
	"github.com/matgo18/TheyMissYou/internal/services"
	"github.com/rs/zerolog/log"
)

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// respondError sends an error response
func respondError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponse{Error: message})
}

// respondJSON sends v as a JSON body
func respondJSON(w http.ResponseWriter, v any, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

// decodeJSON reads the request body into v and answers 400 on failure
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		respondError(w, "Invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

// statusFor maps service errors to HTTP status codes
func statusFor(err error) int {
	var regErr *services.RegistrationError
	var loginErr *services.LoginError

	switch {
	case errors.Is(err, services.ErrNotAuthenticated), errors.As(err, &loginErr):
		return http.StatusUnauthorized
	case errors.Is(err, services.ErrNotGroupCreator), errors.Is(err, services.ErrNotPostOwner):
		return http.StatusForbidden
	case errors.Is(err, services.ErrUserNotFound),
		errors.Is(err, services.ErrGroupNotFound),
		errors.Is(err, services.ErrPostNotFound),
		errors.Is(err, media.ErrObjectNotFound):
		return http.StatusNotFound
	case errors.Is(err, services.ErrAlreadyMember),
		errors.Is(err, services.ErrNotMember),
		errors.Is(err, services.ErrSoleCreatorCannotLeave),
		errors.Is(err, services.ErrUsernameTaken),
		errors.Is(err, auth.ErrEmailInUse):
		return http.StatusConflict
	case errors.Is(err, services.ErrInvalidInput), errors.As(err, &regErr):
		return http.StatusBadRequest
	case errors.Is(err, media.ErrCompressionFailed):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// respondServiceError logs unexpected failures and answers with the mapped status
func respondServiceError(w http.ResponseWriter, err error, msg string) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Msg(msg)
		respondError(w, msg, status)
		return
	}
	respondError(w, err.Error(), status)
}

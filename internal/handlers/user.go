package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/matgo18/TheyMissYou/internal/middleware"
	"github.com/matgo18/TheyMissYou/internal/services"
	"github.com/rs/zerolog/log"
)

// UserHandler handles user-related HTTP requests
type UserHandler struct {
	users     *services.UserDirectory
	groups    *services.GroupRegistry
	locations *services.LocationService
	accounts  *services.AccountService
}

// NewUserHandler creates a new user handler
func NewUserHandler(
	users *services.UserDirectory,
	groups *services.GroupRegistry,
	locations *services.LocationService,
	accounts *services.AccountService,
) *UserHandler {
	return &UserHandler{
		users:     users,
		groups:    groups,
		locations: locations,
		accounts:  accounts,
	}
}

// LocationRequest represents the request body for a location update
type LocationRequest struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
}

// PushTokenRequest represents the request body for registering a device
type PushTokenRequest struct {
	DeviceToken string `json:"deviceToken"`
}

// ReminderRequest represents the request body for the reminder setting
type ReminderRequest struct {
	FrequencySeconds int `json:"frequencySeconds"`
}

// Me handles GET /api/v1/users/me
func (h *UserHandler) Me(w http.ResponseWriter, r *http.Request) {
	user, err := h.users.CurrentUser(r.Context())
	if err != nil {
		respondServiceError(w, err, "Failed to get user")
		return
	}
	respondJSON(w, user, http.StatusOK)
}

// DeleteMe handles DELETE /api/v1/users/me
func (h *UserHandler) DeleteMe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := h.accounts.DeleteAccount(ctx); err != nil {
		log.Error().Err(err).Str("user_id", middleware.GetUserID(ctx)).Msg("Failed to delete account")
		respondServiceError(w, err, "Failed to delete account")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetUser handles GET /api/v1/users/{user_id}. Profiles are visible to the
// user itself and to users sharing a group with them.
func (h *UserHandler) GetUser(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)
	targetID := chi.URLParam(r, "user_id")

	visible, err := h.groups.CanSee(ctx, targetID, userID)
	if err != nil {
		respondServiceError(w, err, "Failed to get user")
		return
	}
	if !visible {
		respondError(w, services.ErrUserNotFound.Error(), http.StatusNotFound)
		return
	}

	user, err := h.users.GetUser(ctx, targetID)
	if err != nil {
		respondServiceError(w, err, "Failed to get user")
		return
	}
	if user == nil {
		respondError(w, services.ErrUserNotFound.Error(), http.StatusNotFound)
		return
	}
	if user.ID != userID {
		user.Email = ""
		user.PushToken = nil
	}
	respondJSON(w, user, http.StatusOK)
}

// UpdateLocation handles PUT /api/v1/users/me/location
func (h *UserHandler) UpdateLocation(w http.ResponseWriter, r *http.Request) {
	var req LocationRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Latitude == nil || req.Longitude == nil {
		respondError(w, "latitude and longitude are required", http.StatusBadRequest)
		return
	}

	user, err := h.users.UpdateLocation(r.Context(), *req.Latitude, *req.Longitude)
	if err != nil {
		respondServiceError(w, err, "Failed to update location")
		return
	}
	respondJSON(w, user, http.StatusOK)
}

// UpdateProfile handles PUT /api/v1/users/me/profile
func (h *UserHandler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	var req services.ProfileUpdate
	if !decodeJSON(w, r, &req) {
		return
	}

	user, err := h.users.UpdateProfile(r.Context(), req)
	if err != nil {
		respondServiceError(w, err, "Failed to update profile")
		return
	}
	respondJSON(w, user, http.StatusOK)
}

// RegisterPushToken handles PUT /api/v1/users/me/push-token
func (h *UserHandler) RegisterPushToken(w http.ResponseWriter, r *http.Request) {
	var req PushTokenRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := h.users.RegisterPushToken(r.Context(), req.DeviceToken); err != nil {
		respondServiceError(w, err, "Failed to register push token")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SetReminder handles PUT /api/v1/users/me/reminder
func (h *UserHandler) SetReminder(w http.ResponseWriter, r *http.Request) {
	var req ReminderRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := h.users.SetReminderFrequency(r.Context(), req.FrequencySeconds); err != nil {
		respondServiceError(w, err, "Failed to update reminder")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Locations handles GET /api/v1/users/me/locations
func (h *UserHandler) Locations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	snapshot, err := h.locations.UserLocations(ctx, middleware.GetUserID(ctx))
	if err != nil {
		respondServiceError(w, err, "Failed to get locations")
		return
	}
	respondJSON(w, snapshot, http.StatusOK)
}

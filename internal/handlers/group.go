package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/matgo18/TheyMissYou/internal/middleware"
	"github.com/matgo18/TheyMissYou/internal/services"
	"github.com/rs/zerolog/log"
)

// GroupHandler handles group-related HTTP requests
type GroupHandler struct {
	groups *services.GroupRegistry
}

// NewGroupHandler creates a new group handler
func NewGroupHandler(groups *services.GroupRegistry) *GroupHandler {
	return &GroupHandler{groups: groups}
}

// CreateGroupRequest represents the request body for creating a group
type CreateGroupRequest struct {
	Name string `json:"name"`
}

// CreateGroup handles POST /api/v1/groups
func (h *GroupHandler) CreateGroup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	var req CreateGroupRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	group, err := h.groups.CreateGroup(ctx, req.Name, userID)
	if err != nil {
		respondServiceError(w, err, "Failed to create group")
		return
	}
	respondJSON(w, group, http.StatusCreated)
}

// SearchGroups handles GET /api/v1/groups?q=
func (h *GroupHandler) SearchGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := h.groups.SearchGroups(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		respondServiceError(w, err, "Failed to search groups")
		return
	}
	respondJSON(w, map[string]any{"groups": groups}, http.StatusOK)
}

// MyGroups handles GET /api/v1/groups/mine
func (h *GroupHandler) MyGroups(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	groups, err := h.groups.FetchUserGroups(ctx, middleware.GetUserID(ctx))
	if err != nil {
		respondServiceError(w, err, "Failed to get groups")
		return
	}
	respondJSON(w, map[string]any{"groups": groups}, http.StatusOK)
}

// GetGroup handles GET /api/v1/groups/{group_id}
func (h *GroupHandler) GetGroup(w http.ResponseWriter, r *http.Request) {
	group, err := h.groups.GetGroup(r.Context(), chi.URLParam(r, "group_id"))
	if err != nil {
		respondServiceError(w, err, "Failed to get group")
		return
	}
	respondJSON(w, group, http.StatusOK)
}

// JoinGroup handles POST /api/v1/groups/{group_id}/join
func (h *GroupHandler) JoinGroup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	group, err := h.groups.JoinGroup(ctx, chi.URLParam(r, "group_id"), middleware.GetUserID(ctx))
	if err != nil {
		respondServiceError(w, err, "Failed to join group")
		return
	}
	respondJSON(w, group, http.StatusOK)
}

// LeaveGroup handles POST /api/v1/groups/{group_id}/leave
func (h *GroupHandler) LeaveGroup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	group, err := h.groups.LeaveGroup(ctx, chi.URLParam(r, "group_id"), middleware.GetUserID(ctx))
	if err != nil {
		respondServiceError(w, err, "Failed to leave group")
		return
	}
	respondJSON(w, group, http.StatusOK)
}

// DeleteGroup handles DELETE /api/v1/groups/{group_id}
func (h *GroupHandler) DeleteGroup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)
	groupID := chi.URLParam(r, "group_id")

	if err := h.groups.DeleteGroup(ctx, groupID, userID); err != nil {
		log.Warn().Err(err).Str("user_id", userID).Str("group_id", groupID).Msg("Failed to delete group")
		respondServiceError(w, err, "Failed to delete group")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

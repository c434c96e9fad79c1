package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/matgo18/TheyMissYou/internal/media"
	"github.com/matgo18/TheyMissYou/internal/middleware"
	"github.com/matgo18/TheyMissYou/internal/models"
	"github.com/matgo18/TheyMissYou/internal/services"
	"github.com/rs/zerolog/log"
)

const maxUploadSize = 10 << 20

// PostHandler handles feed and post HTTP requests
type PostHandler struct {
	posts  *services.PostService
	feeds  *services.FeedComposer
	groups *services.GroupRegistry
	media  *media.Cache
}

// NewPostHandler creates a new post handler
func NewPostHandler(
	posts *services.PostService,
	feeds *services.FeedComposer,
	groups *services.GroupRegistry,
	cache *media.Cache,
) *PostHandler {
	return &PostHandler{
		posts:  posts,
		feeds:  feeds,
		groups: groups,
		media:  cache,
	}
}

// GetFeed handles GET /api/v1/feed. An open feed, held by a WebSocket
// connection, is answered from memory; otherwise the feed is composed once.
func (h *PostHandler) GetFeed(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	if state, ok := h.feeds.State(userID); ok && state.Status == services.FeedLive {
		respondJSON(w, state, http.StatusOK)
		return
	}

	posts, err := h.feeds.VisiblePosts(ctx, userID)
	if err != nil {
		respondServiceError(w, err, "Failed to get feed")
		return
	}
	respondJSON(w, services.FeedState{
		Status:    services.FeedLive,
		Posts:     posts,
		UpdatedAt: time.Now().UTC(),
	}, http.StatusOK)
}

// RefreshFeed handles POST /api/v1/feed/refresh
func (h *PostHandler) RefreshFeed(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	state, err := h.feeds.Refresh(ctx, userID)
	if errors.Is(err, services.ErrFeedNotOpen) {
		h.GetFeed(w, r)
		return
	}
	if err != nil {
		respondServiceError(w, err, "Failed to refresh feed")
		return
	}
	respondJSON(w, state, http.StatusOK)
}

// CreatePost handles POST /api/v1/posts as multipart form with an "image"
// file and an optional "caption"
func (h *PostHandler) CreatePost(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		respondError(w, "Invalid multipart form", http.StatusBadRequest)
		return
	}

	file, _, err := r.FormFile("image")
	if err != nil {
		respondError(w, "image is required", http.StatusBadRequest)
		return
	}
	defer file.Close()

	img, err := media.Decode(file)
	if err != nil {
		log.Debug().Err(err).Str("user_id", userID).Msg("Rejected upload")
		respondError(w, "image must be a JPEG or PNG", http.StatusBadRequest)
		return
	}

	post, err := h.posts.CreatePost(ctx, img, r.FormValue("caption"))
	if err != nil {
		respondServiceError(w, err, "Failed to create post")
		return
	}
	respondJSON(w, post, http.StatusCreated)
}

// checkVisible answers ErrPostNotFound when the post's author shares no group
// with the caller
func (h *PostHandler) checkVisible(ctx context.Context, post *models.Post) error {
	userID := middleware.GetUserID(ctx)
	visible, err := h.groups.CanSee(ctx, post.UserID, userID)
	if err != nil {
		return err
	}
	if !visible {
		log.Debug().Str("user_id", userID).Str("post_id", post.ID).Msg("Post hidden from caller")
		return services.ErrPostNotFound
	}
	return nil
}

// GetPost handles GET /api/v1/posts/{post_id}
func (h *PostHandler) GetPost(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	post, err := h.posts.GetPost(ctx, chi.URLParam(r, "post_id"))
	if err == nil {
		err = h.checkVisible(ctx, post)
	}
	if err != nil {
		respondServiceError(w, err, "Failed to get post")
		return
	}
	respondJSON(w, post, http.StatusOK)
}

// LikePost handles POST /api/v1/posts/{post_id}/like
func (h *PostHandler) LikePost(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	postID := chi.URLParam(r, "post_id")

	existing, err := h.posts.GetPost(ctx, postID)
	if err == nil {
		err = h.checkVisible(ctx, existing)
	}
	if err != nil {
		respondServiceError(w, err, "Failed to like post")
		return
	}

	post, err := h.posts.LikePost(ctx, postID)
	if err != nil {
		respondServiceError(w, err, "Failed to like post")
		return
	}
	respondJSON(w, post, http.StatusOK)
}

// DeletePost handles DELETE /api/v1/posts/{post_id}
func (h *PostHandler) DeletePost(w http.ResponseWriter, r *http.Request) {
	if err := h.posts.DeletePost(r.Context(), chi.URLParam(r, "post_id")); err != nil {
		respondServiceError(w, err, "Failed to delete post")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetMedia handles GET /api/v1/media/{filename}. Images are served only to
// users who may see the post showing them.
func (h *PostHandler) GetMedia(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	filename := chi.URLParam(r, "filename")

	post, err := h.posts.GetPostByImage(ctx, filename)
	if err == nil {
		err = h.checkVisible(ctx, post)
	}
	if err != nil {
		if errors.Is(err, services.ErrPostNotFound) {
			respondError(w, "image not found", http.StatusNotFound)
			return
		}
		respondServiceError(w, err, "Failed to get image")
		return
	}

	data, ok := h.media.Load(ctx, filename)
	if !ok {
		respondError(w, "image not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Cache-Control", "private, max-age=86400, immutable")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

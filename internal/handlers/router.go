package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/matgo18/TheyMissYou/internal/middleware"
)

// Handlers groups the HTTP handlers served by the API
type Handlers struct {
	Auth      *AuthHandler
	Users     *UserHandler
	Groups    *GroupHandler
	Posts     *PostHandler
	WebSocket *WebSocketHandler
}

// NewRouter mounts the API routes; extra middleware runs after the chi defaults
func NewRouter(h Handlers, verifier middleware.TokenVerifier, extra ...func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)
	for _, mw := range extra {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, map[string]string{"status": "ok"}, http.StatusOK)
	})

	r.Route("/api/v1", func(r chi.Router) {
		// Public routes
		r.Post("/auth/register", h.Auth.Register)
		r.Post("/auth/login", h.Auth.Login)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(middleware.AuthMiddleware(verifier))

			r.Post("/auth/logout", h.Auth.Logout)

			r.Get("/users/me", h.Users.Me)
			r.Delete("/users/me", h.Users.DeleteMe)
			r.Put("/users/me/location", h.Users.UpdateLocation)
			r.Put("/users/me/profile", h.Users.UpdateProfile)
			r.Put("/users/me/push-token", h.Users.RegisterPushToken)
			r.Put("/users/me/reminder", h.Users.SetReminder)
			r.Get("/users/me/locations", h.Users.Locations)
			r.Get("/users/{user_id}", h.Users.GetUser)

			r.Post("/groups", h.Groups.CreateGroup)
			r.Get("/groups", h.Groups.SearchGroups)
			r.Get("/groups/mine", h.Groups.MyGroups)
			r.Get("/groups/{group_id}", h.Groups.GetGroup)
			r.Post("/groups/{group_id}/join", h.Groups.JoinGroup)
			r.Post("/groups/{group_id}/leave", h.Groups.LeaveGroup)
			r.Delete("/groups/{group_id}", h.Groups.DeleteGroup)

			r.Get("/feed", h.Posts.GetFeed)
			r.Post("/feed/refresh", h.Posts.RefreshFeed)
			r.Post("/posts", h.Posts.CreatePost)
			r.Get("/posts/{post_id}", h.Posts.GetPost)
			r.Post("/posts/{post_id}/like", h.Posts.LikePost)
			r.Delete("/posts/{post_id}", h.Posts.DeletePost)
			r.Get("/media/{filename}", h.Posts.GetMedia)
		})
	})

	// WebSocket route; the token travels as a query parameter
	r.Get("/ws", h.WebSocket.HandleWebSocket)

	return r
}

package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"

	"github.com/vadim/pulsefeed/internal/domain/social/entity"
	"github.com/vadim/pulsefeed/internal/httpx/response"
)

// SocialPolicy defines the social graph, feed, stories and
// notification operations the bridge exposes
type SocialPolicy interface {
	ToggleFollow(ctx context.Context, userID string) (bool, error)
	ToggleLike(ctx context.Context, postID string) (*entity.Post, error)
	AddComment(ctx context.Context, postID, text string) (*entity.Comment, error)
	MarkNotificationRead(ctx context.Context, id string) error
	RefreshStories(ctx context.Context) error
	MarkStoryViewed(ctx context.Context, storyID string) error
	LoadMoreFeed(ctx context.Context) error
	RefreshFeed(ctx context.Context) error
	UpdateProfile(ctx context.Context, fields map[string]string) (*entity.User, error)
	SearchUsers(ctx context.Context, query string) ([]entity.User, error)

	Posts() []entity.Post
	Stories() []entity.Story
	Notifications() []entity.Notification
	UnreadNotificationCount() int
	FollowingIDs() []string
	IsFollowing(userID string) bool
	Profile() *entity.User
}

// SocialHandler handles HTTP requests for the social surface
type SocialHandler struct {
	policy SocialPolicy
}

// NewSocialHandler creates a new social handler
func NewSocialHandler(p SocialPolicy) *SocialHandler {
	return &SocialHandler{policy: p}
}

// RegisterRoutes registers social routes
func (h *SocialHandler) RegisterRoutes(r chi.Router) {
	r.Route("/feed", func(r chi.Router) {
		r.Get("/", h.GetFeed())
		r.Post("/refresh", h.RefreshFeed())
		r.Post("/more", h.LoadMoreFeed())
	})
	r.Route("/posts", func(r chi.Router) {
		r.Post("/{postId}/like", h.ToggleLike())
		r.Post("/{postId}/comments", h.AddComment())
	})
	r.Route("/stories", func(r chi.Router) {
		r.Get("/", h.GetStories())
		r.Post("/refresh", h.RefreshStories())
		r.Post("/{storyId}/view", h.MarkStoryViewed())
	})
	r.Route("/notifications", func(r chi.Router) {
		r.Get("/", h.GetNotifications())
		r.Put("/{notificationId}/read", h.MarkNotificationRead())
	})
	r.Route("/users", func(r chi.Router) {
		r.Get("/search", h.SearchUsers())
		r.Post("/{userId}/follow-toggle", h.ToggleFollow())
	})
	r.Get("/following", h.GetFollowing())
	r.Get("/profile", h.GetProfile())
	r.Put("/profile", h.UpdateProfile())
}

// GetFeedResponse represents the cached feed
type GetFeedResponse struct {
	Posts []entity.Post `json:"posts"`
}

// GetFeed handles GET /feed
func (h *SocialHandler) GetFeed() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response.OK(w, GetFeedResponse{Posts: h.policy.Posts()})
	}
}

// RefreshFeed handles POST /feed/refresh
func (h *SocialHandler) RefreshFeed() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := h.policy.RefreshFeed(r.Context()); err != nil {
			response.BadGateway(w, "failed to load feed")
			return
		}
		response.OK(w, GetFeedResponse{Posts: h.policy.Posts()})
	}
}

// LoadMoreFeed handles POST /feed/more
func (h *SocialHandler) LoadMoreFeed() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := h.policy.LoadMoreFeed(r.Context()); err != nil {
			response.BadGateway(w, "failed to load feed")
			return
		}
		response.OK(w, GetFeedResponse{Posts: h.policy.Posts()})
	}
}

// GetStoriesResponse represents the cached stories bar
type GetStoriesResponse struct {
	Stories []entity.Story `json:"stories"`
}

// GetStories handles GET /stories
func (h *SocialHandler) GetStories() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response.OK(w, GetStoriesResponse{Stories: h.policy.Stories()})
	}
}

// RefreshStories handles POST /stories/refresh
func (h *SocialHandler) RefreshStories() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := h.policy.RefreshStories(r.Context()); err != nil {
			response.BadGateway(w, "failed to load stories")
			return
		}
		response.OK(w, GetStoriesResponse{Stories: h.policy.Stories()})
	}
}

// MarkStoryViewed handles POST /stories/{storyId}/view
func (h *SocialHandler) MarkStoryViewed() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		storyID := chi.URLParam(r, "storyId")
		if err := h.policy.MarkStoryViewed(r.Context(), storyID); err != nil {
			writeMutationError(w, err, "failed to record story view")
			return
		}
		response.NoContent(w)
	}
}

// ToggleLike handles POST /posts/{postId}/like
func (h *SocialHandler) ToggleLike() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		postID := chi.URLParam(r, "postId")
		post, err := h.policy.ToggleLike(r.Context(), postID)
		if err != nil {
			writeMutationError(w, err, "failed to update like")
			return
		}
		response.OK(w, post)
	}
}

// AddCommentRequest represents the request to comment on a post
type AddCommentRequest struct {
	Text string `json:"text"`
}

// AddComment handles POST /posts/{postId}/comments
func (h *SocialHandler) AddComment() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req AddCommentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.BadRequest(w, "invalid request body")
			return
		}
		if req.Text == "" {
			response.BadRequest(w, "text is required")
			return
		}

		comment, err := h.policy.AddComment(r.Context(), chi.URLParam(r, "postId"), req.Text)
		if err != nil {
			writeMutationError(w, err, "failed to add comment")
			return
		}
		response.OK(w, comment)
	}
}

// GetNotificationsResponse represents the notification list
type GetNotificationsResponse struct {
	Notifications []entity.Notification `json:"notifications"`
	UnreadCount   int                   `json:"unread_count"`
}

// GetNotifications handles GET /notifications
func (h *SocialHandler) GetNotifications() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response.OK(w, GetNotificationsResponse{
			Notifications: h.policy.Notifications(),
			UnreadCount:   h.policy.UnreadNotificationCount(),
		})
	}
}

// MarkNotificationRead handles PUT /notifications/{notificationId}/read
func (h *SocialHandler) MarkNotificationRead() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "notificationId")
		if err := h.policy.MarkNotificationRead(r.Context(), id); err != nil {
			writeMutationError(w, err, "failed to mark notification read")
			return
		}
		response.NoContent(w)
	}
}

// ToggleFollowResponse represents the follow state after a toggle
type ToggleFollowResponse struct {
	UserID    string `json:"user_id"`
	Following bool   `json:"following"`
}

// ToggleFollow handles POST /users/{userId}/follow-toggle
func (h *SocialHandler) ToggleFollow() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := chi.URLParam(r, "userId")
		following, err := h.policy.ToggleFollow(r.Context(), userID)
		if err != nil {
			writeMutationError(w, err, "failed to update follow state")
			return
		}
		response.OK(w, ToggleFollowResponse{UserID: userID, Following: following})
	}
}

// GetFollowingResponse represents the followed user ids
type GetFollowingResponse struct {
	FollowingIDs []string `json:"following_ids"`
}

// GetFollowing handles GET /following
func (h *SocialHandler) GetFollowing() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response.OK(w, GetFollowingResponse{FollowingIDs: h.policy.FollowingIDs()})
	}
}

// SearchUsers handles GET /users/search?q=
func (h *SocialHandler) SearchUsers() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query().Get("q")
		if q == "" {
			response.BadRequest(w, "q is required")
			return
		}

		users, err := h.policy.SearchUsers(r.Context(), q)
		if err != nil {
			response.BadGateway(w, "failed to search users")
			return
		}
		response.OK(w, map[string][]entity.User{"users": users})
	}
}

// GetProfile handles GET /profile
func (h *SocialHandler) GetProfile() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		profile := h.policy.Profile()
		if profile == nil {
			response.NotFound(w, "profile not loaded")
			return
		}
		response.OK(w, profile)
	}
}

// UpdateProfile handles PUT /profile
func (h *SocialHandler) UpdateProfile() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var fields map[string]string
		if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
			response.BadRequest(w, "invalid request body")
			return
		}
		if len(fields) == 0 {
			response.BadRequest(w, "no fields to update")
			return
		}

		profile, err := h.policy.UpdateProfile(r.Context(), fields)
		if err != nil {
			response.BadGateway(w, "failed to update profile")
			return
		}
		response.OK(w, profile)
	}
}

func writeMutationError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, entity.ErrMutationPending):
		response.Conflict(w, err.Error())
	case errors.Is(err, entity.ErrPostNotFound),
		errors.Is(err, entity.ErrNotificationNotFound),
		errors.Is(err, entity.ErrStoryNotFound),
		errors.Is(err, entity.ErrUserNotFound):
		response.NotFound(w, err.Error())
	default:
		response.BadGateway(w, fallback)
	}
}

func parseNoticeID(raw string) (int, error) {
	return strconv.Atoi(raw)
}

// Package service holds the client-side caches for the social graph,
// the feed and the notification list, and applies optimistic mutations
// against them. Every optimistic write is paired with a rollback on
// upstream failure; the server copy always wins on success.
package service

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	direct "github.com/vadim/pulsefeed/internal/domain/direct/entity"
	"github.com/vadim/pulsefeed/internal/domain/social/entity"
	"github.com/vadim/pulsefeed/internal/httpx/upstream/pulse"
	"github.com/vadim/pulsefeed/internal/notice"
)

const defaultFeedLimit = 10

// Upstream is the REST surface the social caches consume
type Upstream interface {
	GetMyFollowing(ctx context.Context) ([]entity.User, error)
	FollowUser(ctx context.Context, userID string) error
	UnfollowUser(ctx context.Context, userID string) error
	GetFeedPosts(ctx context.Context, page, limit int) ([]entity.Post, error)
	LikePost(ctx context.Context, postID string) (*pulse.LikeResult, error)
	AddComment(ctx context.Context, postID, text string) (*entity.Comment, error)
	GetFeedStories(ctx context.Context) ([]entity.Story, error)
	ViewStory(ctx context.Context, storyID string) error
	GetNotifications(ctx context.Context) ([]entity.Notification, error)
	MarkNotificationRead(ctx context.Context, id string) error
	GetMyProfile(ctx context.Context) (*entity.User, error)
	UpdateMyProfile(ctx context.Context, fields map[string]string) (*entity.User, error)
	SearchUsers(ctx context.Context, query string) ([]entity.User, error)
}

// Service caches follow state, feed posts, stories and notifications
type Service struct {
	up      Upstream
	notices *notice.Board
	logger  *slog.Logger
	selfID  string

	mu            sync.Mutex
	followingIDs  map[string]struct{}
	posts         []entity.Post
	stories       []entity.Story
	notifications []entity.Notification
	profile       *entity.User
	feedPage      int
	feedHasMore   bool
	feedLimit     int

	// inflight guards each mutation target so a second toggle for the
	// same target cannot start before the first settles
	inflight map[string]struct{}
}

// New creates a social service backed by up
func New(up Upstream, selfID string, notices *notice.Board, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		up:           up,
		notices:      notices,
		logger:       logger,
		selfID:       selfID,
		followingIDs: make(map[string]struct{}),
		inflight:     make(map[string]struct{}),
		feedLimit:    defaultFeedLimit,
	}
}

// Bootstrap loads the follow set, the first feed page, the stories bar,
// the notification list and the user's own profile. Partial failures degrade rather than
// abort: each cache loads independently.
func (s *Service) Bootstrap(ctx context.Context) error {
	var firstErr error

	following, err := s.up.GetMyFollowing(ctx)
	if err != nil {
		s.logger.Warn("failed to load following", "error", err)
		firstErr = err
	} else {
		s.mu.Lock()
		s.followingIDs = make(map[string]struct{}, len(following))
		for _, u := range following {
			s.followingIDs[u.ID] = struct{}{}
		}
		s.mu.Unlock()
	}

	if err := s.RefreshFeed(ctx); err != nil && firstErr == nil {
		firstErr = err
	}

	if err := s.RefreshStories(ctx); err != nil && firstErr == nil {
		firstErr = err
	}

	if err := s.RefreshNotifications(ctx); err != nil && firstErr == nil {
		firstErr = err
	}

	profile, err := s.up.GetMyProfile(ctx)
	if err != nil {
		s.logger.Warn("failed to load profile", "error", err)
		if firstErr == nil {
			firstErr = err
		}
	} else {
		s.mu.Lock()
		s.profile = profile
		s.mu.Unlock()
	}

	return firstErr
}

// RefreshFeed reloads the feed from the first page
func (s *Service) RefreshFeed(ctx context.Context) error {
	posts, err := s.up.GetFeedPosts(ctx, 1, s.feedLimit)
	if err != nil {
		s.notices.Errorf("failed to load feed")
		return err
	}
	s.mu.Lock()
	s.posts = posts
	s.feedPage = 1
	s.feedHasMore = len(posts) == s.feedLimit
	s.mu.Unlock()
	return nil
}

// LoadMoreFeed appends the next feed page; duplicates from pagination
// drift are dropped
func (s *Service) LoadMoreFeed(ctx context.Context) error {
	s.mu.Lock()
	if !s.feedHasMore {
		s.mu.Unlock()
		return nil
	}
	next := s.feedPage + 1
	s.mu.Unlock()

	posts, err := s.up.GetFeedPosts(ctx, next, s.feedLimit)
	if err != nil {
		s.notices.Errorf("failed to load feed")
		return err
	}

	s.mu.Lock()
	seen := make(map[string]struct{}, len(s.posts))
	for _, p := range s.posts {
		seen[p.ID] = struct{}{}
	}
	for _, p := range posts {
		if _, dup := seen[p.ID]; dup {
			continue
		}
		s.posts = append(s.posts, p)
	}
	s.feedPage = next
	s.feedHasMore = len(posts) == s.feedLimit
	s.mu.Unlock()
	return nil
}

// RefreshNotifications reloads the notification list
func (s *Service) RefreshNotifications(ctx context.Context) error {
	notifications, err := s.up.GetNotifications(ctx)
	if err != nil {
		s.logger.Warn("failed to load notifications", "error", err)
		return err
	}
	s.mu.Lock()
	s.notifications = notifications
	s.sortNotificationsLocked()
	s.mu.Unlock()
	return nil
}

// RefreshStories reloads the stories bar. The server does not report
// which stories the current user already viewed, so viewed state known
// locally is carried over by story id.
func (s *Service) RefreshStories(ctx context.Context) error {
	stories, err := s.up.GetFeedStories(ctx)
	if err != nil {
		s.logger.Warn("failed to load stories", "error", err)
		return err
	}
	s.mu.Lock()
	viewed := make(map[string]struct{}, len(s.stories))
	for _, st := range s.stories {
		if st.Viewed {
			viewed[st.ID] = struct{}{}
		}
	}
	for i := range stories {
		if _, ok := viewed[stories[i].ID]; ok {
			stories[i].Viewed = true
		}
	}
	s.stories = stories
	s.mu.Unlock()
	return nil
}

// ToggleFollow flips the follow state for userID optimistically. A
// toggle for a target with one already in flight returns
// ErrMutationPending without touching state. On upstream failure the
// flip is rolled back and a notice posted.
func (s *Service) ToggleFollow(ctx context.Context, userID string) (bool, error) {
	if userID == "" || userID == s.selfID {
		return false, entity.ErrUserNotFound
	}

	key := "follow:" + userID

	s.mu.Lock()
	if _, busy := s.inflight[key]; busy {
		s.mu.Unlock()
		return false, entity.ErrMutationPending
	}
	s.inflight[key] = struct{}{}
	_, wasFollowing := s.followingIDs[userID]
	if wasFollowing {
		delete(s.followingIDs, userID)
	} else {
		s.followingIDs[userID] = struct{}{}
	}
	s.mu.Unlock()

	var err error
	if wasFollowing {
		err = s.up.UnfollowUser(ctx, userID)
	} else {
		err = s.up.FollowUser(ctx, userID)
	}

	s.mu.Lock()
	delete(s.inflight, key)
	if err != nil {
		if wasFollowing {
			s.followingIDs[userID] = struct{}{}
		} else {
			delete(s.followingIDs, userID)
		}
	}
	nowFollowing := !wasFollowing
	s.mu.Unlock()

	if err != nil {
		s.notices.Errorf("failed to update follow state")
		return wasFollowing, err
	}
	return nowFollowing, nil
}

// ToggleLike flips the like state for postID optimistically, then
// overwrites count and state with the server's authoritative result
func (s *Service) ToggleLike(ctx context.Context, postID string) (*entity.Post, error) {
	key := "like:" + postID

	s.mu.Lock()
	if _, busy := s.inflight[key]; busy {
		s.mu.Unlock()
		return nil, entity.ErrMutationPending
	}
	idx := s.postIndexLocked(postID)
	if idx < 0 {
		s.mu.Unlock()
		return nil, entity.ErrPostNotFound
	}
	s.inflight[key] = struct{}{}
	wasLiked := s.posts[idx].Liked
	if wasLiked {
		s.posts[idx].Liked = false
		s.posts[idx].Likes--
	} else {
		s.posts[idx].Liked = true
		s.posts[idx].Likes++
	}
	s.mu.Unlock()

	result, err := s.up.LikePost(ctx, postID)

	s.mu.Lock()
	delete(s.inflight, key)
	idx = s.postIndexLocked(postID)
	if idx >= 0 {
		if err != nil {
			s.posts[idx].Liked = wasLiked
			if wasLiked {
				s.posts[idx].Likes++
			} else {
				s.posts[idx].Likes--
			}
		} else {
			s.posts[idx].Liked = result.Liked
			s.posts[idx].Likes = result.Likes
		}
	}
	var post *entity.Post
	if idx >= 0 {
		p := s.posts[idx]
		post = &p
	}
	s.mu.Unlock()

	if err != nil {
		s.notices.Errorf("failed to update like")
		return post, err
	}
	return post, nil
}

// AddComment posts a comment and appends the confirmed copy to the
// cached post. Comments are not optimistic; the thread renders only
// server-confirmed entries.
func (s *Service) AddComment(ctx context.Context, postID, text string) (*entity.Comment, error) {
	comment, err := s.up.AddComment(ctx, postID, text)
	if err != nil {
		s.notices.Errorf("failed to add comment")
		return nil, err
	}

	s.mu.Lock()
	if idx := s.postIndexLocked(postID); idx >= 0 {
		s.posts[idx].Comments = append(s.posts[idx].Comments, *comment)
	}
	s.mu.Unlock()
	return comment, nil
}

// MarkNotificationRead marks one notification read, one-way. Applied
// optimistically and rolled back on failure.
func (s *Service) MarkNotificationRead(ctx context.Context, id string) error {
	s.mu.Lock()
	idx := -1
	for i := range s.notifications {
		if s.notifications[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return entity.ErrNotificationNotFound
	}
	if s.notifications[idx].IsRead {
		s.mu.Unlock()
		return nil
	}
	s.notifications[idx].IsRead = true
	s.mu.Unlock()

	if err := s.up.MarkNotificationRead(ctx, id); err != nil {
		s.mu.Lock()
		for i := range s.notifications {
			if s.notifications[i].ID == id {
				s.notifications[i].IsRead = false
				break
			}
		}
		s.mu.Unlock()
		s.notices.Errorf("failed to mark notification read")
		return err
	}
	return nil
}

// MarkStoryViewed marks a story viewed locally and reports the view
// upstream. Viewing an already-viewed story is a no-op; on upstream
// failure the local mark is rolled back.
func (s *Service) MarkStoryViewed(ctx context.Context, storyID string) error {
	s.mu.Lock()
	idx := -1
	for i := range s.stories {
		if s.stories[i].ID == storyID {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return entity.ErrStoryNotFound
	}
	if s.stories[idx].Viewed {
		s.mu.Unlock()
		return nil
	}
	s.stories[idx].Viewed = true
	s.mu.Unlock()

	if err := s.up.ViewStory(ctx, storyID); err != nil {
		s.mu.Lock()
		for i := range s.stories {
			if s.stories[i].ID == storyID {
				s.stories[i].Viewed = false
				break
			}
		}
		s.mu.Unlock()
		s.notices.Errorf("failed to record story view")
		return err
	}
	return nil
}

// AddPeerMessageNotification records a message landing in a non-focused
// conversation as a local notification entry. These have no server id
// and vanish on the next refresh; that matches the push message having
// no notification counterpart upstream.
func (s *Service) AddPeerMessageNotification(msg direct.Message) {
	n := entity.Notification{
		ID:   "local_msg_" + msg.ID,
		Type: entity.NotificationMessage,
		Actor: entity.User{
			ID:       msg.SenderID,
			Username: "user_" + msg.SenderID,
		},
		CreatedAt: msg.CreatedAt,
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	for _, existing := range s.notifications {
		if existing.ID == n.ID {
			s.mu.Unlock()
			return
		}
	}
	s.notifications = append([]entity.Notification{n}, s.notifications...)
	s.mu.Unlock()
}

// UpdateProfile patches the user's own profile and caches the result
func (s *Service) UpdateProfile(ctx context.Context, fields map[string]string) (*entity.User, error) {
	profile, err := s.up.UpdateMyProfile(ctx, fields)
	if err != nil {
		s.notices.Errorf("failed to update profile")
		return nil, err
	}
	s.mu.Lock()
	s.profile = profile
	s.mu.Unlock()
	return profile, nil
}

// SearchUsers proxies a user search; results are not cached
func (s *Service) SearchUsers(ctx context.Context, query string) ([]entity.User, error) {
	return s.up.SearchUsers(ctx, query)
}

// IsFollowing reports whether the user follows userID
func (s *Service) IsFollowing(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.followingIDs[userID]
	return ok
}

// FollowingIDs returns the followed user ids, sorted for stable output
func (s *Service) FollowingIDs() []string {
	s.mu.Lock()
	ids := make([]string, 0, len(s.followingIDs))
	for id := range s.followingIDs {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Posts returns a copy of the cached feed
func (s *Service) Posts() []entity.Post {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]entity.Post, len(s.posts))
	copy(out, s.posts)
	return out
}

// Stories returns a copy of the cached stories bar
func (s *Service) Stories() []entity.Story {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]entity.Story, len(s.stories))
	copy(out, s.stories)
	return out
}

// Notifications returns a copy of the cached notification list
func (s *Service) Notifications() []entity.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]entity.Notification, len(s.notifications))
	copy(out, s.notifications)
	return out
}

// UnreadNotificationCount counts unread notifications
func (s *Service) UnreadNotificationCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, notification := range s.notifications {
		if !notification.IsRead {
			n++
		}
	}
	return n
}

// Profile returns the cached own profile, or nil before bootstrap
func (s *Service) Profile() *entity.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.profile == nil {
		return nil
	}
	p := *s.profile
	return &p
}

func (s *Service) postIndexLocked(postID string) int {
	for i := range s.posts {
		if s.posts[i].ID == postID {
			return i
		}
	}
	return -1
}

func (s *Service) sortNotificationsLocked() {
	sort.SliceStable(s.notifications, func(i, j int) bool {
		return s.notifications[i].CreatedAt.After(s.notifications[j].CreatedAt)
	})
}

package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	direct "github.com/vadim/pulsefeed/internal/domain/direct/entity"
	"github.com/vadim/pulsefeed/internal/domain/social/entity"
	"github.com/vadim/pulsefeed/internal/httpx/upstream/pulse"
	"github.com/vadim/pulsefeed/internal/notice"
)

const selfID = "me"

type fakeUpstream struct {
	mu sync.Mutex

	following     []entity.User
	followErr     error
	unfollowErr   error
	followCalls   int
	unfollowCalls int

	// followGate, when set, blocks FollowUser until released
	followGate chan struct{}

	feedPages map[int][]entity.Post

	likeResult *pulse.LikeResult
	likeErr    error

	stories     []entity.Story
	viewErr     error
	viewedCalls int

	notifications []entity.Notification
	markReadErr   error

	profile *entity.User
}

func (f *fakeUpstream) GetMyFollowing(ctx context.Context) ([]entity.User, error) {
	return append([]entity.User(nil), f.following...), nil
}

func (f *fakeUpstream) FollowUser(ctx context.Context, userID string) error {
	if f.followGate != nil {
		<-f.followGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.followCalls++
	return f.followErr
}

func (f *fakeUpstream) UnfollowUser(ctx context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unfollowCalls++
	return f.unfollowErr
}

func (f *fakeUpstream) GetFeedPosts(ctx context.Context, page, limit int) ([]entity.Post, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.feedPages[page], nil
}

func (f *fakeUpstream) LikePost(ctx context.Context, postID string) (*pulse.LikeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.likeErr != nil {
		return nil, f.likeErr
	}
	r := *f.likeResult
	return &r, nil
}

func (f *fakeUpstream) AddComment(ctx context.Context, postID, text string) (*entity.Comment, error) {
	return &entity.Comment{ID: "cm1", PostID: postID, Text: text, Author: entity.User{ID: selfID}}, nil
}

func (f *fakeUpstream) GetFeedStories(ctx context.Context) ([]entity.Story, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]entity.Story(nil), f.stories...), nil
}

func (f *fakeUpstream) ViewStory(ctx context.Context, storyID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.viewedCalls++
	return f.viewErr
}

func (f *fakeUpstream) GetNotifications(ctx context.Context) ([]entity.Notification, error) {
	return append([]entity.Notification(nil), f.notifications...), nil
}

func (f *fakeUpstream) MarkNotificationRead(ctx context.Context, id string) error {
	return f.markReadErr
}

func (f *fakeUpstream) GetMyProfile(ctx context.Context) (*entity.User, error) {
	if f.profile == nil {
		return &entity.User{ID: selfID, Username: "me"}, nil
	}
	p := *f.profile
	return &p, nil
}

func (f *fakeUpstream) UpdateMyProfile(ctx context.Context, fields map[string]string) (*entity.User, error) {
	return &entity.User{ID: selfID, Username: "me", Bio: fields["bio"]}, nil
}

func (f *fakeUpstream) SearchUsers(ctx context.Context, query string) ([]entity.User, error) {
	return nil, nil
}

func newTestService(t *testing.T, up *fakeUpstream) (*Service, *notice.Board) {
	t.Helper()
	board := notice.NewBoard()
	return New(up, selfID, board, nil), board
}

func post(id string, likes int, liked bool) entity.Post {
	return entity.Post{ID: id, Author: entity.User{ID: "author"}, Likes: likes, Liked: liked, CreatedAt: time.Now().UTC()}
}

func TestToggleFollowOptimistic(t *testing.T) {
	up := &fakeUpstream{}
	s, _ := newTestService(t, up)

	following, err := s.ToggleFollow(context.Background(), "alice")
	if err != nil {
		t.Fatalf("ToggleFollow: %v", err)
	}
	if !following || !s.IsFollowing("alice") {
		t.Fatal("follow not applied")
	}
	if up.followCalls != 1 {
		t.Fatalf("follow calls = %d", up.followCalls)
	}

	following, err = s.ToggleFollow(context.Background(), "alice")
	if err != nil {
		t.Fatalf("ToggleFollow back: %v", err)
	}
	if following || s.IsFollowing("alice") {
		t.Fatal("unfollow not applied")
	}
	if up.unfollowCalls != 1 {
		t.Fatalf("unfollow calls = %d", up.unfollowCalls)
	}
}

func TestToggleFollowRollsBackOnFailure(t *testing.T) {
	up := &fakeUpstream{followErr: errors.New("upstream down")}
	s, board := newTestService(t, up)

	if _, err := s.ToggleFollow(context.Background(), "alice"); err == nil {
		t.Fatal("expected error")
	}
	if s.IsFollowing("alice") {
		t.Fatal("failed follow not rolled back")
	}
	if len(board.Active()) == 0 {
		t.Fatal("failure should post a notice")
	}

	// The guard is released after the failure; a retry goes through.
	up.mu.Lock()
	up.followErr = nil
	up.mu.Unlock()
	if _, err := s.ToggleFollow(context.Background(), "alice"); err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
	if !s.IsFollowing("alice") {
		t.Fatal("retry not applied")
	}
}

func TestToggleFollowInFlightGuard(t *testing.T) {
	up := &fakeUpstream{followGate: make(chan struct{})}
	s, _ := newTestService(t, up)

	done := make(chan error, 1)
	go func() {
		_, err := s.ToggleFollow(context.Background(), "alice")
		done <- err
	}()

	// Wait until the first toggle holds the guard.
	deadline := time.After(2 * time.Second)
	for !s.IsFollowing("alice") {
		select {
		case <-deadline:
			t.Fatal("first toggle never started")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if _, err := s.ToggleFollow(context.Background(), "alice"); !errors.Is(err, entity.ErrMutationPending) {
		t.Fatalf("second toggle: %v, want ErrMutationPending", err)
	}

	close(up.followGate)
	if err := <-done; err != nil {
		t.Fatalf("first toggle: %v", err)
	}

	// Other targets are never blocked by the guard.
	if _, err := s.ToggleFollow(context.Background(), "bob"); err != nil {
		t.Fatalf("unrelated target blocked: %v", err)
	}
}

func TestToggleFollowRejectsSelf(t *testing.T) {
	up := &fakeUpstream{}
	s, _ := newTestService(t, up)

	if _, err := s.ToggleFollow(context.Background(), selfID); !errors.Is(err, entity.ErrUserNotFound) {
		t.Fatalf("self follow: %v", err)
	}
}

func TestToggleLikeServerAuthoritative(t *testing.T) {
	up := &fakeUpstream{
		feedPages: map[int][]entity.Post{1: {post("p1", 10, false)}},
		// The server sees other users' likes the client missed.
		likeResult: &pulse.LikeResult{Likes: 13, Liked: true},
	}
	s, _ := newTestService(t, up)
	if err := s.RefreshFeed(context.Background()); err != nil {
		t.Fatalf("RefreshFeed: %v", err)
	}

	out, err := s.ToggleLike(context.Background(), "p1")
	if err != nil {
		t.Fatalf("ToggleLike: %v", err)
	}
	if out.Likes != 13 || !out.Liked {
		t.Fatalf("server result not applied: likes=%d liked=%v", out.Likes, out.Liked)
	}
	if got := s.Posts()[0]; got.Likes != 13 || !got.Liked {
		t.Fatalf("cache not updated: %+v", got)
	}
}

func TestToggleLikeRollsBackOnFailure(t *testing.T) {
	up := &fakeUpstream{
		feedPages: map[int][]entity.Post{1: {post("p1", 10, true)}},
		likeErr:   errors.New("upstream down"),
	}
	s, board := newTestService(t, up)
	if err := s.RefreshFeed(context.Background()); err != nil {
		t.Fatalf("RefreshFeed: %v", err)
	}

	if _, err := s.ToggleLike(context.Background(), "p1"); err == nil {
		t.Fatal("expected error")
	}
	if got := s.Posts()[0]; got.Likes != 10 || !got.Liked {
		t.Fatalf("failed like not rolled back: %+v", got)
	}
	if len(board.Active()) == 0 {
		t.Fatal("failure should post a notice")
	}
}

func TestToggleLikeUnknownPost(t *testing.T) {
	up := &fakeUpstream{}
	s, _ := newTestService(t, up)

	if _, err := s.ToggleLike(context.Background(), "nope"); !errors.Is(err, entity.ErrPostNotFound) {
		t.Fatalf("unknown post: %v", err)
	}
}

func TestLoadMoreFeedDedupes(t *testing.T) {
	up := &fakeUpstream{feedPages: map[int][]entity.Post{}}
	s, _ := newTestService(t, up)
	s.feedLimit = 2
	up.feedPages[1] = []entity.Post{post("p1", 0, false), post("p2", 0, false)}
	up.feedPages[2] = []entity.Post{post("p2", 0, false), post("p3", 0, false)}

	if err := s.RefreshFeed(context.Background()); err != nil {
		t.Fatalf("RefreshFeed: %v", err)
	}
	if err := s.LoadMoreFeed(context.Background()); err != nil {
		t.Fatalf("LoadMoreFeed: %v", err)
	}

	posts := s.Posts()
	if len(posts) != 3 {
		ids := make([]string, len(posts))
		for i, p := range posts {
			ids[i] = p.ID
		}
		t.Fatalf("feed = %v, want 3 unique posts", ids)
	}
}

func TestMarkNotificationReadOneWay(t *testing.T) {
	up := &fakeUpstream{notifications: []entity.Notification{
		{ID: "n1", Type: entity.NotificationLike, CreatedAt: time.Now().UTC()},
	}}
	s, _ := newTestService(t, up)
	if err := s.RefreshNotifications(context.Background()); err != nil {
		t.Fatalf("RefreshNotifications: %v", err)
	}
	if got := s.UnreadNotificationCount(); got != 1 {
		t.Fatalf("unread = %d", got)
	}

	if err := s.MarkNotificationRead(context.Background(), "n1"); err != nil {
		t.Fatalf("MarkNotificationRead: %v", err)
	}
	if got := s.UnreadNotificationCount(); got != 0 {
		t.Fatalf("unread after read = %d", got)
	}

	// Marking again is a no-op, not an error.
	if err := s.MarkNotificationRead(context.Background(), "n1"); err != nil {
		t.Fatalf("second mark: %v", err)
	}
	if err := s.MarkNotificationRead(context.Background(), "nope"); !errors.Is(err, entity.ErrNotificationNotFound) {
		t.Fatalf("unknown notification: %v", err)
	}
}

func TestMarkNotificationReadRollsBack(t *testing.T) {
	up := &fakeUpstream{
		notifications: []entity.Notification{{ID: "n1", Type: entity.NotificationFollow}},
		markReadErr:   errors.New("upstream down"),
	}
	s, _ := newTestService(t, up)
	if err := s.RefreshNotifications(context.Background()); err != nil {
		t.Fatalf("RefreshNotifications: %v", err)
	}

	if err := s.MarkNotificationRead(context.Background(), "n1"); err == nil {
		t.Fatal("expected error")
	}
	if got := s.UnreadNotificationCount(); got != 1 {
		t.Fatalf("rollback failed, unread = %d", got)
	}
}

func story(id, authorID string) entity.Story {
	return entity.Story{
		ID:        id,
		Type:      entity.StoryTypeText,
		Author:    entity.User{ID: authorID, Username: "user_" + authorID},
		Text:      "t-" + id,
		CreatedAt: time.Now().UTC(),
	}
}

func TestMarkStoryViewedOneWay(t *testing.T) {
	up := &fakeUpstream{stories: []entity.Story{story("s1", "alice")}}
	s, _ := newTestService(t, up)
	if err := s.RefreshStories(context.Background()); err != nil {
		t.Fatalf("RefreshStories: %v", err)
	}

	if err := s.MarkStoryViewed(context.Background(), "s1"); err != nil {
		t.Fatalf("MarkStoryViewed: %v", err)
	}
	if got := s.Stories(); !got[0].Viewed {
		t.Fatal("story not marked viewed")
	}

	// Viewing again is a no-op and does not hit the upstream twice.
	if err := s.MarkStoryViewed(context.Background(), "s1"); err != nil {
		t.Fatalf("second view: %v", err)
	}
	up.mu.Lock()
	calls := up.viewedCalls
	up.mu.Unlock()
	if calls != 1 {
		t.Fatalf("upstream view calls = %d", calls)
	}

	if err := s.MarkStoryViewed(context.Background(), "nope"); !errors.Is(err, entity.ErrStoryNotFound) {
		t.Fatalf("unknown story: %v", err)
	}
}

func TestMarkStoryViewedRollsBack(t *testing.T) {
	up := &fakeUpstream{
		stories: []entity.Story{story("s1", "alice")},
		viewErr: errors.New("upstream down"),
	}
	s, board := newTestService(t, up)
	if err := s.RefreshStories(context.Background()); err != nil {
		t.Fatalf("RefreshStories: %v", err)
	}

	if err := s.MarkStoryViewed(context.Background(), "s1"); err == nil {
		t.Fatal("expected error")
	}
	if got := s.Stories(); got[0].Viewed {
		t.Fatal("viewed mark not rolled back")
	}
	if len(board.Active()) == 0 {
		t.Fatal("no notice posted")
	}
}

func TestRefreshStoriesKeepsViewedState(t *testing.T) {
	up := &fakeUpstream{stories: []entity.Story{story("s1", "alice"), story("s2", "bob")}}
	s, _ := newTestService(t, up)
	if err := s.RefreshStories(context.Background()); err != nil {
		t.Fatalf("RefreshStories: %v", err)
	}
	if err := s.MarkStoryViewed(context.Background(), "s1"); err != nil {
		t.Fatalf("MarkStoryViewed: %v", err)
	}

	// The server never reports viewed state back.
	if err := s.RefreshStories(context.Background()); err != nil {
		t.Fatalf("second RefreshStories: %v", err)
	}
	got := s.Stories()
	if len(got) != 2 {
		t.Fatalf("got %d stories", len(got))
	}
	if !got[0].Viewed || got[1].Viewed {
		t.Fatalf("viewed flags = %v, %v", got[0].Viewed, got[1].Viewed)
	}
}

func TestAddPeerMessageNotification(t *testing.T) {
	up := &fakeUpstream{}
	s, _ := newTestService(t, up)

	msg := direct.Message{ID: "m1", ConversationID: "c1", SenderID: "peer", Text: "hi", CreatedAt: time.Now().UTC()}
	s.AddPeerMessageNotification(msg)
	s.AddPeerMessageNotification(msg)

	notifications := s.Notifications()
	if len(notifications) != 1 {
		t.Fatalf("duplicate message produced %d notifications", len(notifications))
	}
	n := notifications[0]
	if n.Type != entity.NotificationMessage || n.Actor.ID != "peer" || n.IsRead {
		t.Fatalf("notification wrong: %+v", n)
	}
}

func TestAddCommentAppendsToCachedPost(t *testing.T) {
	up := &fakeUpstream{feedPages: map[int][]entity.Post{1: {post("p1", 0, false)}}}
	s, _ := newTestService(t, up)
	if err := s.RefreshFeed(context.Background()); err != nil {
		t.Fatalf("RefreshFeed: %v", err)
	}

	comment, err := s.AddComment(context.Background(), "p1", "nice")
	if err != nil {
		t.Fatalf("AddComment: %v", err)
	}
	if comment.Text != "nice" {
		t.Fatalf("comment = %+v", comment)
	}
	if got := s.Posts()[0].Comments; len(got) != 1 || got[0].ID != "cm1" {
		t.Fatalf("comment not cached: %+v", got)
	}
}

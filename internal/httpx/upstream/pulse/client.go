package pulse

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"

	direct "github.com/vadim/pulsefeed/internal/domain/direct/entity"
	social "github.com/vadim/pulsefeed/internal/domain/social/entity"
)

const (
	defaultBaseURL = "http://localhost:5000"
	defaultTimeout = 30 * time.Second
)

// Client is a REST client for the Pulsefeed backend API.
// All responses are normalized to canonical entities at this boundary;
// nothing downstream sees a raw server payload.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// ClientOption is a function that configures the Client
type ClientOption func(*Client)

// WithBaseURL sets a custom base URL
func WithBaseURL(u string) ClientOption {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(u, "/")
	}
}

// WithToken sets the bearer token attached to every request
func WithToken(token string) ClientOption {
	return func(c *Client) {
		c.token = token
	}
}

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// New creates a new Pulsefeed API client
func New(opts ...ClientOption) *Client {
	c := &Client{
		baseURL: defaultBaseURL,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// APIError represents an error response from the backend
type APIError struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("pulsefeed API error: %s (status: %d)", e.Message, e.Status)
}

// errorBody is the shape the backend uses for error responses
type errorBody struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

// endpoint builds an absolute URL under the /api prefix
func (c *Client) endpoint(path string) string {
	return c.baseURL + "/api" + path
}

// do executes an HTTP request and decodes the response.
// Non-2xx statuses become a typed *APIError; they never propagate as
// panics or untyped failures into the layers above.
func (c *Client) do(req *http.Request, out interface{}) error {
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		var eb errorBody
		if err := json.Unmarshal(body, &eb); err == nil {
			msg := eb.Message
			if msg == "" {
				msg = eb.Error
			}
			if msg != "" {
				return &APIError{Status: resp.StatusCode, Message: msg}
			}
		}
		return &APIError{Status: resp.StatusCode, Message: string(body)}
	}

	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}

	return nil
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(path), nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) send(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	return c.do(req, out)
}

// ============================================================================
// Messaging
// ============================================================================

// GetConversations retrieves the conversation list.
// GET /messages/conversations
func (c *Client) GetConversations(ctx context.Context) ([]direct.Conversation, error) {
	var out struct {
		Conversations []RawConversation `json:"conversations"`
	}
	if err := c.get(ctx, "/messages/conversations", &out); err != nil {
		return nil, err
	}

	convs := make([]direct.Conversation, 0, len(out.Conversations))
	for _, raw := range out.Conversations {
		convs = append(convs, NormalizeConversation(raw))
	}
	return convs, nil
}

// GetMessages retrieves one page of messages for a conversation,
// newest page first, fixed page size 20, ordered ascending within the page.
// GET /messages/{conversationId}?page=N
func (c *Client) GetMessages(ctx context.Context, conversationID string, page int) ([]direct.Message, error) {
	if page <= 0 {
		page = 1
	}
	var out struct {
		Messages []RawMessage `json:"messages"`
	}
	path := fmt.Sprintf("/messages/%s?page=%d", url.PathEscape(conversationID), page)
	if err := c.get(ctx, path, &out); err != nil {
		return nil, err
	}

	msgs := make([]direct.Message, 0, len(out.Messages))
	for _, raw := range out.Messages {
		msgs = append(msgs, NormalizeMessage(raw))
	}
	return msgs, nil
}

// SendMessage sends a text message to a user and returns the created message.
// POST /messages
func (c *Client) SendMessage(ctx context.Context, receiverID, text string) (*direct.Message, error) {
	in := struct {
		ReceiverID string `json:"receiverId"`
		Text       string `json:"text"`
	}{ReceiverID: receiverID, Text: text}

	var out struct {
		Message RawMessage `json:"message"`
	}
	if err := c.send(ctx, http.MethodPost, "/messages", in, &out); err != nil {
		return nil, err
	}

	msg := NormalizeMessage(out.Message)
	return &msg, nil
}

// MarkConversationRead marks all messages in a conversation as read.
// PUT /messages/{conversationId}/read
func (c *Client) MarkConversationRead(ctx context.Context, conversationID string) error {
	path := fmt.Sprintf("/messages/%s/read", url.PathEscape(conversationID))
	return c.send(ctx, http.MethodPut, path, nil, nil)
}

// GetUnreadCounts retrieves per-conversation unread counters.
// GET /messages/unread
func (c *Client) GetUnreadCounts(ctx context.Context) (map[string]int, error) {
	var out struct {
		Conversations []struct {
			ConversationID string `json:"conversationId"`
			UnreadCount    int    `json:"unreadCount"`
		} `json:"conversations"`
	}
	if err := c.get(ctx, "/messages/unread", &out); err != nil {
		return nil, err
	}

	counts := make(map[string]int, len(out.Conversations))
	for _, cc := range out.Conversations {
		counts[cc.ConversationID] = cc.UnreadCount
	}
	return counts, nil
}

// GetUnreadTotal retrieves the total unread message count.
// GET /messages/unread/total
func (c *Client) GetUnreadTotal(ctx context.Context) (int, error) {
	var out struct {
		Total int `json:"total"`
	}
	if err := c.get(ctx, "/messages/unread/total", &out); err != nil {
		return 0, err
	}
	return out.Total, nil
}

// UnsendMessage soft-deletes a sent message.
// DELETE /messages/unsend/{messageId}
func (c *Client) UnsendMessage(ctx context.Context, messageID string) error {
	path := fmt.Sprintf("/messages/unsend/%s", url.PathEscape(messageID))
	return c.send(ctx, http.MethodDelete, path, nil, nil)
}

// ============================================================================
// Follow graph & profiles
// ============================================================================

// GetMyFollowing retrieves the users the current user follows.
// GET /users/me/following
func (c *Client) GetMyFollowing(ctx context.Context) ([]social.User, error) {
	var out struct {
		Following []RawUser `json:"following"`
	}
	if err := c.get(ctx, "/users/me/following", &out); err != nil {
		return nil, err
	}
	return normalizeUsers(out.Following), nil
}

// GetMyFollowers retrieves the users following the current user.
// GET /users/me/followers
func (c *Client) GetMyFollowers(ctx context.Context) ([]social.User, error) {
	var out struct {
		Followers []RawUser `json:"followers"`
	}
	if err := c.get(ctx, "/users/me/followers", &out); err != nil {
		return nil, err
	}
	return normalizeUsers(out.Followers), nil
}

// FollowUser follows a user.
// POST /users/{userId}/follow
func (c *Client) FollowUser(ctx context.Context, userID string) error {
	return c.send(ctx, http.MethodPost, fmt.Sprintf("/users/%s/follow", url.PathEscape(userID)), nil, nil)
}

// UnfollowUser unfollows a user.
// POST /users/{userId}/unfollow
func (c *Client) UnfollowUser(ctx context.Context, userID string) error {
	return c.send(ctx, http.MethodPost, fmt.Sprintf("/users/%s/unfollow", url.PathEscape(userID)), nil, nil)
}

// GetMyProfile retrieves the current user's profile.
// GET /users/me
func (c *Client) GetMyProfile(ctx context.Context) (*social.User, error) {
	var out struct {
		User RawUser `json:"user"`
	}
	if err := c.get(ctx, "/users/me", &out); err != nil {
		return nil, err
	}
	u := NormalizeUser(out.User)
	return &u, nil
}

// UpdateMyProfile updates profile fields of the current user.
// PUT /users/me
func (c *Client) UpdateMyProfile(ctx context.Context, fields map[string]string) (*social.User, error) {
	var out struct {
		User RawUser `json:"user"`
	}
	if err := c.send(ctx, http.MethodPut, "/users/me", fields, &out); err != nil {
		return nil, err
	}
	u := NormalizeUser(out.User)
	return &u, nil
}

// SearchUsers searches users by username or name.
// GET /users/search?q=
func (c *Client) SearchUsers(ctx context.Context, query string) ([]social.User, error) {
	var out struct {
		Users []RawUser `json:"users"`
	}
	if err := c.get(ctx, "/users/search?q="+url.QueryEscape(query), &out); err != nil {
		return nil, err
	}
	return normalizeUsers(out.Users), nil
}

// GetUserByUsername retrieves a public profile.
// GET /users/{username}
func (c *Client) GetUserByUsername(ctx context.Context, username string) (*social.User, error) {
	var out struct {
		User RawUser `json:"user"`
	}
	if err := c.get(ctx, "/users/"+url.PathEscape(username), &out); err != nil {
		return nil, err
	}
	u := NormalizeUser(out.User)
	return &u, nil
}

// ============================================================================
// Feed
// ============================================================================

// GetFeedPosts retrieves a page of feed posts.
// GET /posts/feed?page=&limit=
func (c *Client) GetFeedPosts(ctx context.Context, page, limit int) ([]social.Post, error) {
	if page <= 0 {
		page = 1
	}
	if limit <= 0 {
		limit = 10
	}
	var out struct {
		Posts []RawPost `json:"posts"`
	}
	path := fmt.Sprintf("/posts/feed?page=%d&limit=%d", page, limit)
	if err := c.get(ctx, path, &out); err != nil {
		return nil, err
	}

	posts := make([]social.Post, 0, len(out.Posts))
	for _, raw := range out.Posts {
		posts = append(posts, NormalizePost(raw))
	}
	return posts, nil
}

// LikeResult is the server-authoritative outcome of a like toggle
type LikeResult struct {
	Likes int  `json:"likes"`
	Liked bool `json:"liked"`
}

// LikePost toggles a like on a post. The returned count is authoritative
// and overwrites any optimistic client-side arithmetic.
// POST /posts/{postId}/like
func (c *Client) LikePost(ctx context.Context, postID string) (*LikeResult, error) {
	var out LikeResult
	if err := c.send(ctx, http.MethodPost, fmt.Sprintf("/posts/%s/like", url.PathEscape(postID)), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AddComment posts a comment on a post.
// POST /posts/{postId}/comments
func (c *Client) AddComment(ctx context.Context, postID, text string) (*social.Comment, error) {
	in := struct {
		Text string `json:"text"`
	}{Text: text}

	var out struct {
		Comment RawComment `json:"comment"`
	}
	if err := c.send(ctx, http.MethodPost, fmt.Sprintf("/posts/%s/comments", url.PathEscape(postID)), in, &out); err != nil {
		return nil, err
	}
	cm := NormalizeComment(out.Comment)
	return &cm, nil
}

// ============================================================================
// Stories
// ============================================================================

// GetFeedStories retrieves the stories of followed users.
// GET /stories/feed
func (c *Client) GetFeedStories(ctx context.Context) ([]social.Story, error) {
	var out struct {
		Stories []RawStory `json:"stories"`
	}
	if err := c.get(ctx, "/stories/feed", &out); err != nil {
		return nil, err
	}
	stories := make([]social.Story, 0, len(out.Stories))
	for _, raw := range out.Stories {
		stories = append(stories, NormalizeStory(raw))
	}
	return stories, nil
}

// ViewStory records that the current user viewed a story.
// POST /stories/{storyId}/view
func (c *Client) ViewStory(ctx context.Context, storyID string) error {
	return c.send(ctx, http.MethodPost, fmt.Sprintf("/stories/%s/view", url.PathEscape(storyID)), nil, nil)
}

// ============================================================================
// Notifications
// ============================================================================

// GetNotifications retrieves the notification list.
// GET /notifications
func (c *Client) GetNotifications(ctx context.Context) ([]social.Notification, error) {
	var out struct {
		Notifications []RawNotification `json:"notifications"`
	}
	if err := c.get(ctx, "/notifications", &out); err != nil {
		return nil, err
	}

	ns := make([]social.Notification, 0, len(out.Notifications))
	for _, raw := range out.Notifications {
		ns = append(ns, NormalizeNotification(raw))
	}
	return ns, nil
}

// MarkNotificationRead marks one notification as read.
// PUT /notifications/{id}/read
func (c *Client) MarkNotificationRead(ctx context.Context, id string) error {
	return c.send(ctx, http.MethodPut, fmt.Sprintf("/notifications/%s/read", url.PathEscape(id)), nil, nil)
}

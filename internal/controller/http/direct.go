// Package http exposes the engine's state and operations to the local
// presentation layer over a loopback HTTP surface.
package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"

	"github.com/vadim/pulsefeed/internal/domain/direct/entity"
	"github.com/vadim/pulsefeed/internal/httpx/response"
	"github.com/vadim/pulsefeed/internal/notice"
)

// DirectPolicy defines the messaging operations the bridge exposes
type DirectPolicy interface {
	Open(ctx context.Context, conversationID string) error
	CloseConversation()
	LoadOlder(ctx context.Context) error
	Send(ctx context.Context, text string) (*entity.Message, error)
	Unsend(ctx context.Context, messageID string) error
	SendToUser(ctx context.Context, receiverID, text string) (string, error)
	Typing()
	TypingUserID() string
	OnlineUserIDs() []string
	HasMoreHistory(conversationID string) bool
}

// DirectReader defines the read side of the conversation cache
type DirectReader interface {
	Conversations() []entity.Conversation
	Search(query string) []entity.Conversation
	Conversation(conversationID string) *entity.Conversation
	Messages(conversationID string) []entity.Message
	Focused() string
	UnreadTotal() int
}

// DirectHandler handles HTTP requests for the messaging surface
type DirectHandler struct {
	policy  DirectPolicy
	reader  DirectReader
	notices *notice.Board
}

// NewDirectHandler creates a new messaging handler
func NewDirectHandler(p DirectPolicy, r DirectReader, n *notice.Board) *DirectHandler {
	return &DirectHandler{policy: p, reader: r, notices: n}
}

// RegisterRoutes registers messaging routes
func (h *DirectHandler) RegisterRoutes(r chi.Router) {
	r.Route("/conversations", func(r chi.Router) {
		r.Get("/", h.ListConversations())
		r.Get("/{conversationId}/messages", h.GetMessages())
		r.Post("/{conversationId}/open", h.OpenConversation())
		r.Post("/{conversationId}/older", h.LoadOlder())
		r.Post("/{conversationId}/typing", h.Typing())
		r.Delete("/focus", h.CloseConversation())
	})
	r.Post("/messages", h.SendMessage())
	r.Delete("/messages/{messageId}", h.UnsendMessage())
	r.Get("/presence", h.GetPresence())
	r.Get("/notices", h.GetNotices())
	r.Delete("/notices/{noticeId}", h.DismissNotice())
}

// ListConversationsResponse represents the conversation list with its
// aggregate unread counter
type ListConversationsResponse struct {
	Conversations []entity.Conversation `json:"conversations"`
	UnreadTotal   int                   `json:"unread_total"`
	FocusedID     string                `json:"focused_id,omitempty"`
}

// ListConversations handles GET /conversations, with optional ?q= search
func (h *DirectHandler) ListConversations() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var convs []entity.Conversation
		if q := r.URL.Query().Get("q"); q != "" {
			convs = h.reader.Search(q)
		} else {
			convs = h.reader.Conversations()
		}

		response.OK(w, ListConversationsResponse{
			Conversations: convs,
			UnreadTotal:   h.reader.UnreadTotal(),
			FocusedID:     h.reader.Focused(),
		})
	}
}

// GetMessagesResponse represents a conversation's message history
type GetMessagesResponse struct {
	Messages     []entity.Message `json:"messages"`
	HasMore      bool             `json:"has_more"`
	TypingUserID string           `json:"typing_user_id,omitempty"`
}

// GetMessages handles GET /conversations/{conversationId}/messages
func (h *DirectHandler) GetMessages() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conversationID := chi.URLParam(r, "conversationId")
		if h.reader.Conversation(conversationID) == nil {
			response.NotFound(w, "conversation not found")
			return
		}

		out := GetMessagesResponse{
			Messages: h.reader.Messages(conversationID),
			HasMore:  h.policy.HasMoreHistory(conversationID),
		}
		if h.reader.Focused() == conversationID {
			out.TypingUserID = h.policy.TypingUserID()
		}
		response.OK(w, out)
	}
}

// OpenConversation handles POST /conversations/{conversationId}/open
func (h *DirectHandler) OpenConversation() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conversationID := chi.URLParam(r, "conversationId")
		if err := h.policy.Open(r.Context(), conversationID); err != nil {
			response.BadGateway(w, "failed to load conversation")
			return
		}

		response.OK(w, GetMessagesResponse{
			Messages: h.reader.Messages(conversationID),
			HasMore:  h.policy.HasMoreHistory(conversationID),
		})
	}
}

// CloseConversation handles DELETE /conversations/focus
func (h *DirectHandler) CloseConversation() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.policy.CloseConversation()
		response.NoContent(w)
	}
}

// LoadOlder handles POST /conversations/{conversationId}/older
func (h *DirectHandler) LoadOlder() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conversationID := chi.URLParam(r, "conversationId")
		if h.reader.Focused() != conversationID {
			response.BadRequest(w, "conversation is not open")
			return
		}

		err := h.policy.LoadOlder(r.Context())
		switch {
		case errors.Is(err, entity.ErrNoMoreHistory):
			// Falls through to the current state; the client learns
			// has_more is false from the body.
		case errors.Is(err, entity.ErrNoConversationOpen):
			response.BadRequest(w, "conversation is not open")
			return
		case err != nil:
			response.BadGateway(w, "failed to load older messages")
			return
		}

		response.OK(w, GetMessagesResponse{
			Messages: h.reader.Messages(conversationID),
			HasMore:  h.policy.HasMoreHistory(conversationID),
		})
	}
}

// SendMessageRequest represents the request to send a message. Either
// the focused conversation receives it (no receiver), or receiver_id
// starts a new thread.
type SendMessageRequest struct {
	ReceiverID string `json:"receiver_id,omitempty"`
	Text       string `json:"text"`
}

// SendMessageResponse represents the confirmed message
type SendMessageResponse struct {
	ConversationID string          `json:"conversation_id"`
	Message        *entity.Message `json:"message,omitempty"`
}

// SendMessage handles POST /messages
func (h *DirectHandler) SendMessage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SendMessageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.BadRequest(w, "invalid request body")
			return
		}

		if req.ReceiverID != "" {
			conversationID, err := h.policy.SendToUser(r.Context(), req.ReceiverID, req.Text)
			if err != nil {
				writeSendError(w, err)
				return
			}
			response.OK(w, SendMessageResponse{ConversationID: conversationID})
			return
		}

		msg, err := h.policy.Send(r.Context(), req.Text)
		if err != nil {
			writeSendError(w, err)
			return
		}
		response.OK(w, SendMessageResponse{ConversationID: msg.ConversationID, Message: msg})
	}
}

func writeSendError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, entity.ErrEmptyMessage),
		errors.Is(err, entity.ErrMessageTooLong),
		errors.Is(err, entity.ErrInvalidRecipient),
		errors.Is(err, entity.ErrNoConversationOpen):
		response.BadRequest(w, err.Error())
	case errors.Is(err, entity.ErrConversationNotFound):
		response.NotFound(w, err.Error())
	default:
		response.BadGateway(w, "failed to send message")
	}
}

// UnsendMessage handles DELETE /messages/{messageId}
func (h *DirectHandler) UnsendMessage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		messageID := chi.URLParam(r, "messageId")
		if err := h.policy.Unsend(r.Context(), messageID); err != nil {
			response.BadGateway(w, "failed to unsend message")
			return
		}
		response.NoContent(w)
	}
}

// Typing handles POST /conversations/{conversationId}/typing
func (h *DirectHandler) Typing() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conversationID := chi.URLParam(r, "conversationId")
		if h.reader.Focused() != conversationID {
			response.BadRequest(w, "conversation is not open")
			return
		}
		h.policy.Typing()
		response.NoContent(w)
	}
}

// GetPresenceResponse represents the set of online users
type GetPresenceResponse struct {
	OnlineUserIDs []string `json:"online_user_ids"`
}

// GetPresence handles GET /presence
func (h *DirectHandler) GetPresence() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response.OK(w, GetPresenceResponse{OnlineUserIDs: h.policy.OnlineUserIDs()})
	}
}

// GetNotices handles GET /notices
func (h *DirectHandler) GetNotices() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response.OK(w, map[string][]notice.Notice{"notices": h.notices.Active()})
	}
}

// DismissNotice handles DELETE /notices/{noticeId}
func (h *DirectHandler) DismissNotice() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "noticeId")
		n, err := parseNoticeID(id)
		if err != nil {
			response.BadRequest(w, "invalid notice id")
			return
		}
		h.notices.Dismiss(n)
		response.NoContent(w)
	}
}

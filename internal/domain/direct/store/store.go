// Package store holds the in-memory conversation state: the single
// source of truth for the messaging UI. Only the sync engine writes to
// it; the presentation bridge reads snapshots.
//
// Store operations never return errors: malformed input is logged and
// ignored, because messaging must not crash on a partial payload.
package store

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vadim/pulsefeed/internal/domain/direct/entity"
)

// Store is a keyed collection of conversations
type Store struct {
	mu        sync.Mutex
	logger    *slog.Logger
	selfID    string
	convs     map[string]*entity.Conversation
	focusedID string
}

// New creates an empty store for the given session user
func New(selfID string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		logger: logger,
		selfID: selfID,
		convs:  make(map[string]*entity.Conversation),
	}
}

// SetFocused marks the conversation currently open in the UI.
// At most one conversation is focused; an empty id means none.
func (s *Store) SetFocused(conversationID string) {
	s.mu.Lock()
	s.focusedID = conversationID
	s.mu.Unlock()
}

// Focused returns the id of the focused conversation, or ""
func (s *Store) Focused() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.focusedID
}

// UpsertConversation inserts or merges a conversation by id.
// Merging preserves existing messages unless the incoming payload
// supplies a non-empty message list, so a summary-only list fetch never
// clobbers a loaded history.
func (s *Store) UpsertConversation(conv entity.Conversation) {
	if conv.ID == "" {
		s.logger.Warn("ignoring conversation without id")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.convs[conv.ID]
	if !ok {
		c := conv
		sortMessages(c.Messages)
		refreshLastMessage(&c)
		s.convs[conv.ID] = &c
		return
	}

	if len(conv.Participants) > 0 {
		existing.Participants = conv.Participants
	}
	if len(conv.Messages) > 0 {
		existing.Messages = conv.Messages
		sortMessages(existing.Messages)
	}
	if conv.LastMessage != nil {
		last := *conv.LastMessage
		existing.LastMessage = &last
	}
	existing.UnreadCount = conv.UnreadCount
	if !conv.CreatedAt.IsZero() {
		existing.CreatedAt = conv.CreatedAt
	}
	if !conv.UpdatedAt.IsZero() {
		existing.UpdatedAt = conv.UpdatedAt
	}
	refreshLastMessage(existing)
}

// AppendMessage inserts a message into its sorted position, de-duplicated
// by id. For a message from the peer of a non-focused conversation the
// unread counter is incremented; the focused conversation never
// accumulates unread. Returns whether the message was actually inserted.
func (s *Store) AppendMessage(conversationID string, msg entity.Message) bool {
	if conversationID == "" || msg.ID == "" {
		s.logger.Warn("ignoring message with missing id", "conversation_id", conversationID)
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.convs[conversationID]
	if !ok {
		s.logger.Warn("ignoring message for unknown conversation", "conversation_id", conversationID)
		return false
	}

	for i := range conv.Messages {
		if conv.Messages[i].ID == msg.ID {
			return false
		}
	}

	focused := s.focusedID == conversationID
	if msg.SenderID != s.selfID {
		if focused {
			msg.Seen = true
		} else {
			conv.UnreadCount++
		}
	}

	// Out-of-order delivery is expected from the transport; insert at
	// the sorted position instead of appending blindly.
	idx := sort.Search(len(conv.Messages), func(i int) bool {
		return msg.Before(conv.Messages[i])
	})
	conv.Messages = append(conv.Messages, entity.Message{})
	copy(conv.Messages[idx+1:], conv.Messages[idx:])
	conv.Messages[idx] = msg

	refreshLastMessage(conv)
	if msg.CreatedAt.After(conv.UpdatedAt) {
		conv.UpdatedAt = msg.CreatedAt
	}
	return true
}

// ReplaceTemporaryMessage swaps a client-generated provisional message
// for the server-confirmed one, preserving its list position. If the
// confirmed id is already present (a push event won the race) the
// provisional copy is simply removed.
func (s *Store) ReplaceTemporaryMessage(conversationID, tempID string, confirmed entity.Message) {
	if confirmed.ID == "" {
		s.logger.Warn("ignoring confirmed message without id", "conversation_id", conversationID)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.convs[conversationID]
	if !ok {
		return
	}

	confirmedPresent := false
	for i := range conv.Messages {
		if conv.Messages[i].ID == confirmed.ID {
			confirmedPresent = true
			break
		}
	}

	for i := range conv.Messages {
		if conv.Messages[i].ID != tempID {
			continue
		}
		if confirmedPresent {
			conv.Messages = append(conv.Messages[:i], conv.Messages[i+1:]...)
		} else {
			confirmed.Pending = false
			conv.Messages[i] = confirmed
		}
		refreshLastMessage(conv)
		return
	}
}

// RemoveMessage deletes a message outright. Used only to roll back a
// failed optimistic send; server-side deletions go through ApplyDeleted.
func (s *Store) RemoveMessage(conversationID, messageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.convs[conversationID]
	if !ok {
		return
	}
	for i := range conv.Messages {
		if conv.Messages[i].ID == messageID {
			conv.Messages = append(conv.Messages[:i], conv.Messages[i+1:]...)
			refreshLastMessage(conv)
			return
		}
	}
}

// MarkConversationRead zeroes the unread counter and marks every peer
// message as seen. Invoked when the user opens a conversation or when a
// message arrives for the focused one.
func (s *Store) MarkConversationRead(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.convs[conversationID]
	if !ok {
		return
	}
	conv.UnreadCount = 0
	for i := range conv.Messages {
		if conv.Messages[i].SenderID != s.selfID {
			conv.Messages[i].Seen = true
		}
	}
	refreshLastMessage(conv)
}

// ApplyPeerRead marks every message in the conversation as seen and
// zeroes the unread counter. Invoked on a message_read push event: the
// peer has read what the current user sent.
func (s *Store) ApplyPeerRead(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.convs[conversationID]
	if !ok {
		return
	}
	conv.UnreadCount = 0
	for i := range conv.Messages {
		conv.Messages[i].Seen = true
	}
	refreshLastMessage(conv)
}

// PrependHistory merges an older page of messages, assumed already
// ordered ascending, before the current earliest message. Duplicates by
// id are silently dropped; unread accounting is not touched.
func (s *Store) PrependHistory(conversationID string, older []entity.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.convs[conversationID]
	if !ok {
		s.logger.Warn("ignoring history for unknown conversation", "conversation_id", conversationID)
		return
	}

	seen := make(map[string]struct{}, len(conv.Messages))
	for i := range conv.Messages {
		seen[conv.Messages[i].ID] = struct{}{}
	}

	merged := make([]entity.Message, 0, len(older)+len(conv.Messages))
	for _, m := range older {
		if m.ID == "" {
			s.logger.Warn("dropping history message without id", "conversation_id", conversationID)
			continue
		}
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		merged = append(merged, m)
	}
	merged = append(merged, conv.Messages...)
	sortMessages(merged)
	conv.Messages = merged
	refreshLastMessage(conv)
}

// ApplyDeleted soft-deletes a message in place wherever it resides:
// text cleared, id retained for layout stability. Idempotent; never
// removes the conversation.
func (s *Store) ApplyDeleted(messageID string) {
	if messageID == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, conv := range s.convs {
		for i := range conv.Messages {
			if conv.Messages[i].ID != messageID {
				continue
			}
			conv.Messages[i].IsDeleted = true
			conv.Messages[i].Text = ""
			refreshLastMessage(conv)
			return
		}
		if conv.LastMessage != nil && conv.LastMessage.ID == messageID {
			conv.LastMessage.IsDeleted = true
			conv.LastMessage.Text = ""
		}
	}
}

// SetUnreadCount overwrites one conversation's unread counter. Used by
// the reconnect sweep; message lists are never touched.
func (s *Store) SetUnreadCount(conversationID string, count int) {
	if count < 0 {
		count = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if conv, ok := s.convs[conversationID]; ok {
		conv.UnreadCount = count
	}
}

// Conversation returns a deep copy of one conversation, or nil
func (s *Store) Conversation(conversationID string) *entity.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.convs[conversationID]
	if !ok {
		return nil
	}
	c := copyConversation(conv)
	return &c
}

// Messages returns a copy of one conversation's ordered message list
func (s *Store) Messages(conversationID string) []entity.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.convs[conversationID]
	if !ok {
		return nil
	}
	msgs := make([]entity.Message, len(conv.Messages))
	copy(msgs, conv.Messages)
	return msgs
}

// Conversations returns summaries of all conversations ordered by most
// recent activity, message histories omitted
func (s *Store) Conversations() []entity.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]entity.Conversation, 0, len(s.convs))
	for _, conv := range s.convs {
		c := copyConversation(conv)
		c.Messages = nil
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := activityTime(&out[i]), activityTime(&out[j])
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Search filters conversation summaries by participant username or
// display name, case-insensitive substring match
func (s *Store) Search(query string) []entity.Conversation {
	all := s.Conversations()
	if query == "" {
		return all
	}

	q := strings.ToLower(query)
	out := all[:0]
	for _, conv := range all {
		for _, p := range conv.Participants {
			if p.ID == s.selfID {
				continue
			}
			if strings.Contains(strings.ToLower(p.Username), q) ||
				strings.Contains(strings.ToLower(p.Name), q) {
				out = append(out, conv)
				break
			}
		}
	}
	return out
}

// UnreadTotal sums unread counters across all conversations
func (s *Store) UnreadTotal() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := 0
	for _, conv := range s.convs {
		total += conv.UnreadCount
	}
	return total
}

// Has reports whether a conversation exists
func (s *Store) Has(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.convs[conversationID]
	return ok
}

// FindByPeer returns the id of the conversation whose peer is userID,
// or "" when none exists yet
func (s *Store) FindByPeer(userID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, conv := range s.convs {
		for _, p := range conv.Participants {
			if p.ID == userID && p.ID != s.selfID {
				return id
			}
		}
	}
	return ""
}

func copyConversation(conv *entity.Conversation) entity.Conversation {
	c := *conv
	c.Participants = append([]entity.Participant(nil), conv.Participants...)
	c.Messages = append([]entity.Message(nil), conv.Messages...)
	if conv.LastMessage != nil {
		last := *conv.LastMessage
		c.LastMessage = &last
	}
	return c
}

func sortMessages(msgs []entity.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Before(msgs[j])
	})
}

func refreshLastMessage(conv *entity.Conversation) {
	if len(conv.Messages) == 0 {
		return
	}
	last := conv.Messages[len(conv.Messages)-1]
	conv.LastMessage = &last
}

func activityTime(conv *entity.Conversation) time.Time {
	if conv.LastMessage != nil && !conv.LastMessage.CreatedAt.IsZero() {
		return conv.LastMessage.CreatedAt
	}
	if !conv.UpdatedAt.IsZero() {
		return conv.UpdatedAt
	}
	return conv.CreatedAt
}

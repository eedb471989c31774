package entity

import (
	"strings"
	"time"
)

// Message represents a single message inside a conversation.
//
// A message created locally before server confirmation carries a
// client-generated id and Pending=true; it is swapped for the confirmed
// message (same list position) once the server responds.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Text           string    `json:"text,omitempty"`
	Seen           bool      `json:"seen"`
	IsDeleted      bool      `json:"is_deleted"`
	Pending        bool      `json:"pending,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// MaxMessageLength is the maximum length of a message text
const MaxMessageLength = 1000

// ValidateMessageText validates the text for an outgoing message
func ValidateMessageText(text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}
	if len(text) > MaxMessageLength {
		return ErrMessageTooLong
	}
	return nil
}

// Before reports whether m sorts before other.
// Display order inside a conversation is (CreatedAt, ID) ascending.
func (m Message) Before(other Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.ID < other.ID
}

package entity

import "time"

// Participant represents one of the two users in a conversation
type Participant struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	Name      string `json:"name,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// Conversation represents a 1:1 message thread between the current user
// and one peer. Messages are kept ordered by (CreatedAt, ID) ascending
// with no duplicate ids; LastMessage is a denormalized cache of the final
// element, maintained on every mutation.
type Conversation struct {
	ID           string        `json:"id"`
	Participants []Participant `json:"participants"`
	Messages     []Message     `json:"messages,omitempty"`
	LastMessage  *Message      `json:"last_message,omitempty"`
	UnreadCount  int           `json:"unread_count"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// Peer returns the participant that is not selfID, or nil when the
// participant list is incomplete.
func (c *Conversation) Peer(selfID string) *Participant {
	for i := range c.Participants {
		if c.Participants[i].ID != selfID {
			return &c.Participants[i]
		}
	}
	return nil
}

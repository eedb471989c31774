package entity

import "time"

// StoryType discriminates story content
type StoryType string

const (
	StoryTypeText  StoryType = "text"
	StoryTypeImage StoryType = "image"
)

// Story is an ephemeral post shown in the stories bar. A text story
// carries BgColor; an image story carries MediaURL, optionally with a
// text overlay.
type Story struct {
	ID        string    `json:"id"`
	Type      StoryType `json:"type"`
	Author    User      `json:"author"`
	Text      string    `json:"text,omitempty"`
	BgColor   string    `json:"bg_color,omitempty"`
	MediaURL  string    `json:"media_url,omitempty"`
	Viewed    bool      `json:"viewed"`
	CreatedAt time.Time `json:"created_at"`
}

package entity

import "time"

// User represents a user profile as rendered by the client
type User struct {
	ID             string    `json:"id"`
	Username       string    `json:"username"`
	Name           string    `json:"name,omitempty"`
	Bio            string    `json:"bio,omitempty"`
	AvatarURL      string    `json:"avatar_url,omitempty"`
	CoverURL       string    `json:"cover_url,omitempty"`
	FollowersCount int       `json:"followers_count,omitempty"`
	FollowingCount int       `json:"following_count,omitempty"`
	CreatedAt      time.Time `json:"created_at,omitempty"`
}

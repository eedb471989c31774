package entity

import "time"

// NotificationType represents the kind of activity a notification reports
type NotificationType string

const (
	NotificationFollow    NotificationType = "follow"
	NotificationLike      NotificationType = "like"
	NotificationComment   NotificationType = "comment"
	NotificationStoryView NotificationType = "story_view"
	NotificationMessage   NotificationType = "message"
)

// Notification represents a single activity notification.
// IsRead transitions one-way, false to true; there is no un-reading.
type Notification struct {
	ID        string           `json:"id"`
	Type      NotificationType `json:"type"`
	Actor     User             `json:"actor"`
	IsRead    bool             `json:"is_read"`
	CreatedAt time.Time        `json:"created_at"`
}

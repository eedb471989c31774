package pulse

import (
	"time"

	"github.com/goccy/go-json"

	direct "github.com/vadim/pulsefeed/internal/domain/direct/entity"
	social "github.com/vadim/pulsefeed/internal/domain/social/entity"
)

// The backend is loose about entity shapes: ids arrive as "_id" or "id",
// and user references (participants, message senders, post authors) arrive
// either as a bare id string or as an embedded object. Everything is
// normalized here, at the ingress boundary; no shape ambiguity survives
// past this package.

// RawUser is a user reference of unknown shape: a bare id string or an
// embedded object. Decoding is handled entirely by UnmarshalJSON.
type RawUser struct {
	ID             string
	Username       string
	Name           string
	Bio            string
	AvatarURL      string
	CoverURL       string
	FollowersCount int
	FollowingCount int
	CreatedAt      rawTime
}

// UnmarshalJSON accepts either a bare id string or an embedded object
func (r *RawUser) UnmarshalJSON(data []byte) error {
	var id string
	if err := json.Unmarshal(data, &id); err == nil {
		*r = RawUser{ID: id}
		return nil
	}

	var obj struct {
		UnderscoreID   string  `json:"_id"`
		ID             string  `json:"id"`
		UserID         string  `json:"userId"`
		Username       string  `json:"username"`
		Name           string  `json:"name"`
		Bio            string  `json:"bio"`
		Avatar         string  `json:"avatar"`
		AvatarURL      string  `json:"avatarUrl"`
		CoverImage     string  `json:"coverImage"`
		FollowersCount int     `json:"followersCount"`
		FollowingCount int     `json:"followingCount"`
		CreatedAt      rawTime `json:"createdAt"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}

	*r = RawUser{
		ID:             firstNonEmpty(obj.UnderscoreID, obj.ID, obj.UserID),
		Username:       obj.Username,
		Name:           obj.Name,
		Bio:            obj.Bio,
		AvatarURL:      firstNonEmpty(obj.Avatar, obj.AvatarURL),
		CoverURL:       obj.CoverImage,
		FollowersCount: obj.FollowersCount,
		FollowingCount: obj.FollowingCount,
		CreatedAt:      obj.CreatedAt,
	}
	return nil
}

// RawMessage is a message payload as sent by the REST API or the socket
type RawMessage struct {
	UnderscoreID   string  `json:"_id"`
	ID             string  `json:"id"`
	ConversationID string  `json:"conversationId"`
	Sender         RawUser `json:"sender"`
	Text           string  `json:"text"`
	Seen           bool    `json:"seen"`
	IsDeleted      bool    `json:"isDeleted"`
	CreatedAt      rawTime `json:"createdAt"`
}

// RawConversation is a conversation payload of unknown completeness:
// list fetches carry only a summary, message fetches may embed history.
type RawConversation struct {
	UnderscoreID string       `json:"_id"`
	ID           string       `json:"id"`
	Participants []RawUser    `json:"participants"`
	Messages     []RawMessage `json:"messages"`
	LastMessage  *RawMessage  `json:"lastMessage"`
	UnreadCount  int          `json:"unreadCount"`
	CreatedAt    rawTime      `json:"createdAt"`
	UpdatedAt    rawTime      `json:"updatedAt"`
}

// RawPost is a feed post payload
type RawPost struct {
	UnderscoreID string       `json:"_id"`
	ID           string       `json:"id"`
	Author       RawUser      `json:"author"`
	User         RawUser      `json:"user"`
	Text         string       `json:"text"`
	Caption      string       `json:"caption"`
	ImageURL     string       `json:"image"`
	Likes        int          `json:"likes"`
	Liked        bool         `json:"liked"`
	Comments     []RawComment `json:"comments"`
	CreatedAt    rawTime      `json:"createdAt"`
}

// RawComment is a post comment payload
type RawComment struct {
	UnderscoreID string  `json:"_id"`
	ID           string  `json:"id"`
	PostID       string  `json:"postId"`
	Author       RawUser `json:"author"`
	Text         string  `json:"text"`
	CreatedAt    rawTime `json:"createdAt"`
}

// RawStory is a stories-feed entry payload
type RawStory struct {
	UnderscoreID string  `json:"_id"`
	ID           string  `json:"id"`
	Type         string  `json:"type"`
	User         RawUser `json:"user"`
	Text         string  `json:"text"`
	BgColor      string  `json:"bgColor"`
	Media        string  `json:"media"`
	CreatedAt    rawTime `json:"createdAt"`
}

// RawNotification is a notification payload
type RawNotification struct {
	UnderscoreID string  `json:"_id"`
	ID           string  `json:"id"`
	Type         string  `json:"type"`
	Actor        RawUser `json:"actor"`
	Sender       RawUser `json:"sender"`
	IsRead       bool    `json:"isRead"`
	CreatedAt    rawTime `json:"createdAt"`
}

// rawTime tolerates RFC3339 strings, empty strings and nulls
type rawTime struct {
	time.Time
}

func (t *rawTime) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil || s == "" {
		t.Time = time.Time{}
		return nil
	}
	parsed, err := time.Parse(time.RFC3339, s)
	if err != nil {
		// Mongo-style timestamps with millisecond precision
		parsed, err = time.Parse("2006-01-02T15:04:05.000Z07:00", s)
		if err != nil {
			t.Time = time.Time{}
			return nil
		}
	}
	t.Time = parsed
	return nil
}

// NormalizeUser converts a raw user reference into a canonical user.
// Missing display fields get deterministic placeholders; re-normalizing
// an already canonical payload is a no-op.
func NormalizeUser(r RawUser) social.User {
	username := r.Username
	if username == "" && r.ID != "" {
		username = "user_" + r.ID
	}
	name := r.Name
	if name == "" {
		name = username
	}
	return social.User{
		ID:             r.ID,
		Username:       username,
		Name:           name,
		Bio:            r.Bio,
		AvatarURL:      r.AvatarURL,
		CoverURL:       r.CoverURL,
		FollowersCount: r.FollowersCount,
		FollowingCount: r.FollowingCount,
		CreatedAt:      r.CreatedAt.Time,
	}
}

// NormalizeParticipant converts a raw user reference into a conversation
// participant
func NormalizeParticipant(r RawUser) direct.Participant {
	u := NormalizeUser(r)
	return direct.Participant{
		ID:        u.ID,
		Username:  u.Username,
		Name:      u.Name,
		AvatarURL: u.AvatarURL,
	}
}

// NormalizeMessage converts a raw message into a canonical message.
// A deleted message always carries empty text.
func NormalizeMessage(r RawMessage) direct.Message {
	text := r.Text
	if r.IsDeleted {
		text = ""
	}
	return direct.Message{
		ID:             firstNonEmpty(r.UnderscoreID, r.ID),
		ConversationID: r.ConversationID,
		SenderID:       r.Sender.ID,
		Text:           text,
		Seen:           r.Seen,
		IsDeleted:      r.IsDeleted,
		CreatedAt:      r.CreatedAt.Time,
	}
}

// NormalizeConversation converts a raw conversation into a canonical one
func NormalizeConversation(r RawConversation) direct.Conversation {
	conv := direct.Conversation{
		ID:          firstNonEmpty(r.UnderscoreID, r.ID),
		UnreadCount: r.UnreadCount,
		CreatedAt:   r.CreatedAt.Time,
		UpdatedAt:   r.UpdatedAt.Time,
	}

	for _, p := range r.Participants {
		conv.Participants = append(conv.Participants, NormalizeParticipant(p))
	}
	for _, m := range r.Messages {
		msg := NormalizeMessage(m)
		if msg.ConversationID == "" {
			msg.ConversationID = conv.ID
		}
		conv.Messages = append(conv.Messages, msg)
	}
	if r.LastMessage != nil {
		last := NormalizeMessage(*r.LastMessage)
		if last.ConversationID == "" {
			last.ConversationID = conv.ID
		}
		conv.LastMessage = &last
	}
	return conv
}

// NormalizePost converts a raw post into a canonical post
func NormalizePost(r RawPost) social.Post {
	author := r.Author
	if author.ID == "" && r.User.ID != "" {
		author = r.User
	}

	post := social.Post{
		ID:        firstNonEmpty(r.UnderscoreID, r.ID),
		Author:    NormalizeUser(author),
		Text:      firstNonEmpty(r.Text, r.Caption),
		ImageURL:  r.ImageURL,
		Likes:     r.Likes,
		Liked:     r.Liked,
		CreatedAt: r.CreatedAt.Time,
	}
	for _, cm := range r.Comments {
		c := NormalizeComment(cm)
		if c.PostID == "" {
			c.PostID = post.ID
		}
		post.Comments = append(post.Comments, c)
	}
	return post
}

// NormalizeComment converts a raw comment into a canonical comment
func NormalizeComment(r RawComment) social.Comment {
	return social.Comment{
		ID:        firstNonEmpty(r.UnderscoreID, r.ID),
		PostID:    r.PostID,
		Author:    NormalizeUser(r.Author),
		Text:      r.Text,
		CreatedAt: r.CreatedAt.Time,
	}
}

// NormalizeStory converts a raw story into a canonical story. The
// upstream sometimes serializes an absent media field as the literal
// string "null"; both spellings mean a text story.
func NormalizeStory(r RawStory) social.Story {
	media := r.Media
	if media == "null" {
		media = ""
	}
	typ := social.StoryType(r.Type)
	if typ == "" {
		typ = social.StoryTypeText
		if media != "" {
			typ = social.StoryTypeImage
		}
	}
	return social.Story{
		ID:        firstNonEmpty(r.UnderscoreID, r.ID),
		Type:      typ,
		Author:    NormalizeUser(r.User),
		Text:      r.Text,
		BgColor:   r.BgColor,
		MediaURL:  media,
		CreatedAt: r.CreatedAt.Time,
	}
}

// NormalizeNotification converts a raw notification into a canonical one.
// Unknown types are preserved as-is; the presentation layer decides how to
// render them.
func NormalizeNotification(r RawNotification) social.Notification {
	actor := r.Actor
	if actor.ID == "" && r.Sender.ID != "" {
		actor = r.Sender
	}
	return social.Notification{
		ID:        firstNonEmpty(r.UnderscoreID, r.ID),
		Type:      social.NotificationType(r.Type),
		Actor:     NormalizeUser(actor),
		IsRead:    r.IsRead,
		CreatedAt: r.CreatedAt.Time,
	}
}

func normalizeUsers(raw []RawUser) []social.User {
	users := make([]social.User, 0, len(raw))
	for _, r := range raw {
		users = append(users, NormalizeUser(r))
	}
	return users
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

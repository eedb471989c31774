package entity

import "errors"

// Domain errors for the social graph and feed
var (
	ErrMutationPending      = errors.New("a mutation for this target is already in flight")
	ErrPostNotFound         = errors.New("post not found")
	ErrNotificationNotFound = errors.New("notification not found")
	ErrStoryNotFound        = errors.New("story not found")
	ErrUserNotFound         = errors.New("user not found")
)

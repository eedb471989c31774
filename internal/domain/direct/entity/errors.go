package entity

import "errors"

// Domain errors for direct messaging
var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrMessageNotFound      = errors.New("message not found")
	ErrEmptyMessage         = errors.New("message text cannot be empty")
	ErrMessageTooLong       = errors.New("message exceeds maximum length")
	ErrMessageDeleted       = errors.New("message has been deleted")
	ErrNoConversationOpen   = errors.New("no conversation is open")
	ErrInvalidRecipient     = errors.New("invalid recipient")
	ErrNoMoreHistory        = errors.New("no more history to load")
)

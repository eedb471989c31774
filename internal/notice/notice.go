// Package notice collects transient, user-facing failure notices.
// Transport and mutation failures land here as dismissible entries; the
// presentation layer lists and dismisses them. Nothing in this package
// ever blocks an operation.
package notice

import (
	"fmt"
	"sync"
	"time"
)

// Level indicates how a notice should be presented
type Level string

const (
	LevelInfo  Level = "info"
	LevelError Level = "error"
)

// Notice is one dismissible user-facing message
type Notice struct {
	ID        int       `json:"id"`
	Level     Level     `json:"level"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// maxRetained bounds the live list; the oldest entries fall off first
const maxRetained = 50

// Board holds the active notices for a session
type Board struct {
	mu     sync.Mutex
	nextID int
	items  []Notice
}

// NewBoard creates an empty board
func NewBoard() *Board {
	return &Board{}
}

// Post adds a notice and returns its id
func (b *Board) Post(level Level, format string, args ...interface{}) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	b.items = append(b.items, Notice{
		ID:        b.nextID,
		Level:     level,
		Text:      fmt.Sprintf(format, args...),
		CreatedAt: time.Now(),
	})
	if len(b.items) > maxRetained {
		b.items = b.items[len(b.items)-maxRetained:]
	}
	return b.nextID
}

// Errorf posts an error-level notice
func (b *Board) Errorf(format string, args ...interface{}) int {
	return b.Post(LevelError, format, args...)
}

// Dismiss removes a notice by id; unknown ids are a no-op
func (b *Board) Dismiss(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := range b.items {
		if b.items[i].ID == id {
			b.items = append(b.items[:i], b.items[i+1:]...)
			return
		}
	}
}

// Active returns a copy of the current notices, oldest first
func (b *Board) Active() []Notice {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Notice(nil), b.items...)
}

package messages

import (
	"context"
	"errors"
	"time"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

var (
	ErrEmptyContent = errors.New("message content is empty")
	ErrInvalidRole  = errors.New("message role must be user or assistant")
)

// Message is one persisted chat turn.
type Message struct {
	ID        int64     `json:"id"`
	UserID    string    `json:"-"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store persists and retrieves a user's chat history. Cleared messages are
// archived, not deleted, and never returned by List.
type Store interface {
	List(ctx context.Context, userID string, limit int) ([]Message, error)
	Create(ctx context.Context, msg Message) (Message, error)
	Clear(ctx context.Context, userID string) error
	Close() error
}

func validate(msg Message) error {
	if msg.Content == "" {
		return ErrEmptyContent
	}
	if msg.Role != RoleUser && msg.Role != RoleAssistant {
		return ErrInvalidRole
	}
	return nil
}

package messages

import (
	"context"
	"sync"
	"time"
)

// InMemoryStore is a simple in-process message store for local/dev use.
type InMemoryStore struct {
	mu      sync.RWMutex
	nextID  int64
	records map[string][]record
}

type record struct {
	Message
	archived bool
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{records: make(map[string][]record)}
}

func (s *InMemoryStore) Create(_ context.Context, msg Message) (Message, error) {
	if err := validate(msg); err != nil {
		return Message{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	msg.ID = s.nextID
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	s.records[msg.UserID] = append(s.records[msg.UserID], record{Message: msg})
	return msg, nil
}

// List returns the newest limit live messages in chronological order.
func (s *InMemoryStore) List(_ context.Context, userID string, limit int) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	live := make([]Message, 0, len(s.records[userID]))
	for _, r := range s.records[userID] {
		if !r.archived {
			live = append(live, r.Message)
		}
	}
	if limit > 0 && len(live) > limit {
		live = live[len(live)-limit:]
	}
	return live, nil
}

func (s *InMemoryStore) Clear(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	arr := s.records[userID]
	for i := range arr {
		arr[i].archived = true
	}
	return nil
}

func (s *InMemoryStore) Close() error { return nil }

package messages

import (
	"context"
	"strings"
)

// NewStore migrates and opens a postgres-backed store when configured,
// otherwise in-memory.
func NewStore(ctx context.Context, databaseURL string, connectAttempts int) (Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewInMemoryStore(), nil
	}
	store, err := NewPostgresStore(ctx, databaseURL, connectAttempts)
	if err != nil {
		return nil, err
	}
	if err := Migrate(ctx, databaseURL); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

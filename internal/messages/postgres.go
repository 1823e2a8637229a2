package messages

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/projecta/assistant/internal/reliability"
)

const (
	defaultListLimit = 100
	connectBase      = 250 * time.Millisecond
	connectCap       = 5 * time.Second
)

// PostgresStore persists chat messages in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects with up to attempts tries, backing off between
// them. The schema must already be migrated.
func NewPostgresStore(ctx context.Context, databaseURL string, attempts int) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	err = reliability.Do(ctx, attempts, connectBase, connectCap, func(attempt int) (bool, error) {
		pingErr := pool.Ping(ctx)
		if pingErr != nil && attempt+1 < attempts {
			log.Printf("postgres not ready (attempt %d/%d): %v", attempt+1, attempts, pingErr)
		}
		return true, pingErr
	})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Create(ctx context.Context, msg Message) (Message, error) {
	if err := validate(msg); err != nil {
		return Message{}, err
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	err := s.pool.QueryRow(ctx,
		`INSERT INTO messages (user_id, role, content, created_at)
		 VALUES ($1, $2, $3, $4) RETURNING id`,
		msg.UserID,
		msg.Role,
		msg.Content,
		msg.CreatedAt,
	).Scan(&msg.ID)
	if err != nil {
		return Message{}, fmt.Errorf("create message: %w", err)
	}
	return msg, nil
}

func (s *PostgresStore) List(ctx context.Context, userID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, role, content, created_at
		 FROM messages WHERE user_id=$1 AND NOT is_archived
		 ORDER BY created_at DESC, id DESC LIMIT $2`,
		userID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	items := make([]Message, 0, limit)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.UserID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		items = append(items, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}

	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return items, nil
}

func (s *PostgresStore) Clear(ctx context.Context, userID string) error {
	if _, err := s.pool.Exec(ctx,
		`UPDATE messages SET is_archived = TRUE WHERE user_id=$1 AND NOT is_archived`,
		userID,
	); err != nil {
		return fmt.Errorf("clear messages: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

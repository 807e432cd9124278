package marketplace

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// DeadLetter is a notification that could not be delivered.
type DeadLetter struct {
	ID        string
	Channel   string
	Recipient string
	EventType string
	Payload   string
	Error     string
	CreatedAt time.Time
}

// DeadLetterSink keeps undeliverable notifications for inspection.
type DeadLetterSink interface {
	Put(ctx context.Context, dl DeadLetter) error
	List(ctx context.Context, limit int) ([]DeadLetter, error)
}

// SQLiteDeadLetterSink writes dead letters to a local SQLite file.
type SQLiteDeadLetterSink struct {
	db *sql.DB
}

// NewSQLiteDeadLetterSink opens (or creates) the database at path. Use ":memory:" in tests.
func NewSQLiteDeadLetterSink(path string) (*SQLiteDeadLetterSink, error) {
	dsn := path
	if path != ":memory:" {
		dsn = path + "?_journal_mode=WAL&_busy_timeout=5000"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open dead letter db: %w", err)
	}
	// An in-memory database exists per connection.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping dead letter db: %w", err)
	}
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS dead_letters (
    id TEXT PRIMARY KEY,
    channel TEXT NOT NULL,
    recipient TEXT NOT NULL,
    event_type TEXT NOT NULL,
    payload TEXT NOT NULL,
    error TEXT NOT NULL,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_dead_letters_created ON dead_letters(created_at);
`); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate dead letter db: %w", err)
	}
	return &SQLiteDeadLetterSink{db: db}, nil
}

// Put implements DeadLetterSink.
func (s *SQLiteDeadLetterSink) Put(ctx context.Context, dl DeadLetter) error {
	if dl.ID == "" {
		dl.ID = uuid.NewString()
	}
	if dl.CreatedAt.IsZero() {
		dl.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO dead_letters (id, channel, recipient, event_type, payload, error, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		dl.ID, dl.Channel, dl.Recipient, dl.EventType, dl.Payload, dl.Error, dl.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	return nil
}

// List returns the newest dead letters first.
func (s *SQLiteDeadLetterSink) List(ctx context.Context, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, channel, recipient, event_type, payload, error, created_at
FROM dead_letters ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query dead letters: %w", err)
	}
	defer rows.Close()
	var out []DeadLetter
	for rows.Next() {
		var dl DeadLetter
		var created int64
		if err := rows.Scan(&dl.ID, &dl.Channel, &dl.Recipient, &dl.EventType, &dl.Payload, &dl.Error, &created); err != nil {
			return nil, err
		}
		dl.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, dl)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *SQLiteDeadLetterSink) Close() error { return s.db.Close() }

// MemoryDeadLetterSink keeps dead letters in a slice.
type MemoryDeadLetterSink struct {
	mu      sync.Mutex
	letters []DeadLetter
}

// Put implements DeadLetterSink.
func (m *MemoryDeadLetterSink) Put(_ context.Context, dl DeadLetter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if dl.ID == "" {
		dl.ID = uuid.NewString()
	}
	if dl.CreatedAt.IsZero() {
		dl.CreatedAt = time.Now().UTC()
	}
	m.letters = append(m.letters, dl)
	return nil
}

// List implements DeadLetterSink.
func (m *MemoryDeadLetterSink) List(_ context.Context, limit int) ([]DeadLetter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]DeadLetter, 0, len(m.letters))
	for i := len(m.letters) - 1; i >= 0; i-- {
		out = append(out, m.letters[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Package history persists random-chat session records and the messages
// exchanged in them to PostgreSQL. Writes are best-effort from the engine's
// point of view: failures are logged by the caller and never block matching
// or presence.
package history

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SessionRecord is the durable form of a session at creation time.
type SessionRecord struct {
	ID        string
	IdentityA string
	IdentityB string
	StartedAt time.Time
}

// SessionEnd is the durable form of a session ending.
type SessionEnd struct {
	ID          string
	Reason      string
	EndedBy     string
	ConnectedAt time.Time // zero if the session never connected
	EndedAt     time.Time
}

// Message is one session chat message.
type Message struct {
	SessionID string
	Sender    string
	Text      string
	MediaRef  string
	SentAt    time.Time
}

// Store is the persistence contract the engine writes through.
type Store interface {
	CreateSession(ctx context.Context, rec SessionRecord) error
	EndSession(ctx context.Context, end SessionEnd) error
	AppendMessage(ctx context.Context, msg Message) error
}

// Open connects to PostgreSQL at dsn and verifies the connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("history: open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: ping: %w", err)
	}
	return db, nil
}

// Migrate applies the embedded schema migrations to db.
func Migrate(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("history: load migrations: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("history: migrate driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("history: migrate init: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("history: migrate up: %w", err)
	}
	return nil
}

// PostgresStore writes session history to PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store backed by db. The schema must already be
// migrated.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// CreateSession inserts a new session row.
func (s *PostgresStore) CreateSession(ctx context.Context, rec SessionRecord) error {
	const query = `
		INSERT INTO chat_sessions (id, identity_a, identity_b, started_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING`

	if _, err := s.db.ExecContext(ctx, query, rec.ID, rec.IdentityA, rec.IdentityB, rec.StartedAt); err != nil {
		return fmt.Errorf("history: create session: %w", err)
	}
	return nil
}

// EndSession stamps the end of a session.
func (s *PostgresStore) EndSession(ctx context.Context, end SessionEnd) error {
	const query = `
		UPDATE chat_sessions
		SET ended_at = $2, end_reason = $3, ended_by = NULLIF($4, ''), connected_at = $5
		WHERE id = $1`

	var connectedAt sql.NullTime
	if !end.ConnectedAt.IsZero() {
		connectedAt = sql.NullTime{Time: end.ConnectedAt, Valid: true}
	}

	res, err := s.db.ExecContext(ctx, query, end.ID, end.EndedAt, end.Reason, end.EndedBy, connectedAt)
	if err != nil {
		return fmt.Errorf("history: end session: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("history: end session %s: no such session", end.ID)
	}
	return nil
}

// AppendMessage inserts a chat message.
func (s *PostgresStore) AppendMessage(ctx context.Context, msg Message) error {
	const query = `
		INSERT INTO session_messages (session_id, sender, text, media_ref, sent_at)
		VALUES ($1, $2, $3, $4, $5)`

	if _, err := s.db.ExecContext(ctx, query, msg.SessionID, msg.Sender, msg.Text, msg.MediaRef, msg.SentAt); err != nil {
		return fmt.Errorf("history: append message: %w", err)
	}
	return nil
}

// NopStore discards every write. It is used when no database is configured.
type NopStore struct{}

func (NopStore) CreateSession(context.Context, SessionRecord) error { return nil }
func (NopStore) EndSession(context.Context, SessionEnd) error       { return nil }
func (NopStore) AppendMessage(context.Context, Message) error       { return nil }

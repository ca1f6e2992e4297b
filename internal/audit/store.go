// Package audit provides PostgreSQL-backed session audit records.
// Each row captures one session's lifetime: when it was created, when
// and why it ended, whether a guest ever joined, and how many frames
// were relayed. Message contents are never stored.
package audit

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

// Recorder is the audit surface the relay consumes. Implementations
// persist session lifecycle facts; they never see message payloads.
type Recorder interface {
	SessionCreated(ctx context.Context, sessionID string, createdAt time.Time) error
	SessionEnded(ctx context.Context, sessionID, reason string, guestSeen bool, messagesRelayed int64) error
	Close() error
}

// Nop returns a Recorder that discards everything. Used when no
// database is configured.
func Nop() Recorder { return nopRecorder{} }

type nopRecorder struct{}

func (nopRecorder) SessionCreated(context.Context, string, time.Time) error { return nil }
func (nopRecorder) SessionEnded(context.Context, string, string, bool, int64) error {
	return nil
}
func (nopRecorder) Close() error { return nil }

// Store manages session audit rows in PostgreSQL.
type Store struct {
	db *sql.DB
}

// Open connects to PostgreSQL, verifies the connection and applies any
// pending schema migrations.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: open database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: database ping failed: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func runMigrations(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("audit: load migrations: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("audit: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("audit: init migrations: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("audit: apply migrations: %w", err)
	}
	return nil
}

// SessionCreated records a freshly minted session. Recording the same
// session twice is harmless.
func (s *Store) SessionCreated(ctx context.Context, sessionID string, createdAt time.Time) error {
	const query = `
		INSERT INTO session_audit (session_id, created_at)
		VALUES ($1, $2)
		ON CONFLICT (session_id) DO NOTHING`

	if _, err := s.db.ExecContext(ctx, query, sessionID, createdAt); err != nil {
		return fmt.Errorf("audit: insert session %s: %w", sessionID, err)
	}
	return nil
}

// SessionEnded closes out a session's audit row with its end reason
// and usage counters.
func (s *Store) SessionEnded(ctx context.Context, sessionID, reason string, guestSeen bool, messagesRelayed int64) error {
	const query = `
		UPDATE session_audit
		SET ended_at = NOW(), end_reason = $2, guest_seen = $3, messages_relayed = $4
		WHERE session_id = $1`

	if _, err := s.db.ExecContext(ctx, query, sessionID, reason, guestSeen, messagesRelayed); err != nil {
		return fmt.Errorf("audit: close session %s: %w", sessionID, err)
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

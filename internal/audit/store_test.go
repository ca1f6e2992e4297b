package audit

import (
	"context"
	"os"
	"testing"
	"time"
)

// newTestStore opens a Store against the database named by
// TEST_DATABASE_URL and removes leftover test rows. Tests that call
// this helper are skipped when no database is configured.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	store, err := Open(dsn)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	ctx := context.Background()
	cleanup := func() {
		store.db.ExecContext(ctx, `DELETE FROM session_audit WHERE session_id LIKE 'TEST%'`)
	}
	cleanup()
	t.Cleanup(func() {
		cleanup()
		store.Close()
	})
	return store
}

func TestSessionCreatedInsertsRow(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	created := time.Now().Add(-time.Minute)

	if err := store.SessionCreated(ctx, "TESTAAAA", created); err != nil {
		t.Fatalf("SessionCreated() error: %v", err)
	}

	var count int
	err := store.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM session_audit WHERE session_id = $1`, "TESTAAAA").Scan(&count)
	if err != nil {
		t.Fatalf("count query: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 row, got %d", count)
	}
}

func TestSessionCreatedIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	created := time.Now()

	if err := store.SessionCreated(ctx, "TESTBBBB", created); err != nil {
		t.Fatalf("first SessionCreated() error: %v", err)
	}
	if err := store.SessionCreated(ctx, "TESTBBBB", created); err != nil {
		t.Fatalf("second SessionCreated() error: %v", err)
	}
}

func TestSessionEndedClosesRow(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.SessionCreated(ctx, "TESTCCCC", time.Now()); err != nil {
		t.Fatalf("SessionCreated() error: %v", err)
	}
	if err := store.SessionEnded(ctx, "TESTCCCC", "empty", true, 42); err != nil {
		t.Fatalf("SessionEnded() error: %v", err)
	}

	var (
		reason    string
		guestSeen bool
		relayed   int64
	)
	err := store.db.QueryRowContext(ctx,
		`SELECT end_reason, guest_seen, messages_relayed
		 FROM session_audit WHERE session_id = $1`, "TESTCCCC").
		Scan(&reason, &guestSeen, &relayed)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if reason != "empty" {
		t.Errorf("expected end_reason=%q, got %q", "empty", reason)
	}
	if !guestSeen {
		t.Error("expected guest_seen=true")
	}
	if relayed != 42 {
		t.Errorf("expected messages_relayed=42, got %d", relayed)
	}
}

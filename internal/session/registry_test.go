package session

import (
	"strings"
	"testing"
)

func TestCreateGeneratesDistinctIDs(t *testing.T) {
	r := NewRegistry()
	seen := make(map[string]bool)

	for i := 0; i < 200; i++ {
		s, err := r.Create()
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if seen[s.ID] {
			t.Fatalf("duplicate id %q after %d creates", s.ID, i)
		}
		seen[s.ID] = true
	}
}

func TestCreateIDFormat(t *testing.T) {
	r := NewRegistry()
	s, err := r.Create()
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(s.ID) != idLength {
		t.Fatalf("got id length %d, want %d", len(s.ID), idLength)
	}
	for _, c := range s.ID {
		if !strings.ContainsRune(idAlphabet, c) {
			t.Fatalf("id %q contains %q outside the alphabet", s.ID, c)
		}
	}
	if s.HostSecret == "" {
		t.Fatal("created session has no host secret")
	}
}

func TestGetNormalizesID(t *testing.T) {
	r := NewRegistry()
	s, err := r.Create()
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	got, ok := r.Get("  " + strings.ToLower(s.ID) + " ")
	if !ok {
		t.Fatalf("lower-cased lookup of %q missed", s.ID)
	}
	if got != s {
		t.Fatal("lookup returned a different session")
	}
}

func TestGetUnknownIDMisses(t *testing.T) {
	r := NewRegistry()
	if _, ok := r.Get("NOPE0000"); ok {
		t.Fatal("unknown id reported as found")
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	r := NewRegistry()
	s, err := r.Create()
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if !r.Delete(s.ID) {
		t.Fatal("first delete reported nothing removed")
	}
	if r.Delete(s.ID) {
		t.Fatal("second delete reported a removal")
	}
	if _, ok := r.Get(s.ID); ok {
		t.Fatal("session still resolvable after delete")
	}
}

func TestCountAndAllTrackLiveSessions(t *testing.T) {
	r := NewRegistry()
	for i := 0; i < 3; i++ {
		if _, err := r.Create(); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	if got := r.Count(); got != 3 {
		t.Fatalf("got count %d, want 3", got)
	}
	if got := len(r.All()); got != 3 {
		t.Fatalf("got %d sessions in snapshot, want 3", got)
	}
}

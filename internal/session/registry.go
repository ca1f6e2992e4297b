package session

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"
)

const (
	// idAlphabet is what session ids are made of. Upper case only so
	// ids survive being read aloud or typed into a join URL.
	idAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	idLength   = 8

	secretBytes = 16
)

// Registry owns every live session in the process. All methods are
// safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Create mints a session with a fresh unique id and host secret and
// inserts it. The returned session is the only place the secret is
// ever disclosed.
func (r *Registry) Create() (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var id string
	for {
		var err error
		id, err = newID()
		if err != nil {
			return nil, err
		}
		if _, taken := r.sessions[id]; !taken {
			break
		}
	}
	secret, err := newSecret()
	if err != nil {
		return nil, err
	}

	s := newSession(id, secret, time.Now())
	r.sessions[id] = s
	return s, nil
}

// Get looks up a session by id. Lookups are passive: they normalize
// the id but never touch the activity timestamp.
func (r *Registry) Get(id string) (*Session, bool) {
	id = Normalize(id)
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Delete removes a session and stops its pending reap timer, if any.
// Deleting an absent id is harmless. Reports whether a session was
// actually removed.
func (r *Registry) Delete(id string) bool {
	id = Normalize(id)
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	if ok {
		s.CancelReap()
	}
	return ok
}

// Count reports how many sessions are live.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// All returns a point-in-time snapshot of every live session.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Normalize canonicalizes a wire-supplied session id.
func Normalize(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}

func newID() (string, error) {
	buf := make([]byte, idLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("session: generate id: %w", err)
	}
	for i, b := range buf {
		buf[i] = idAlphabet[int(b)%len(idAlphabet)]
	}
	return string(buf), nil
}

func newSecret() (string, error) {
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("session: generate secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

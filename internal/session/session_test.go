package session

import (
	"sync"
	"testing"
	"time"
)

// fakeTransport records writes and close calls for assertions.
type fakeTransport struct {
	mu     sync.Mutex
	frames [][]byte
	alive  bool
	closed bool
	code   int
	reason string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{alive: true}
}

func (f *fakeTransport) WriteMessage(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	f.frames = append(f.frames, cp)
	return nil
}

func (f *fakeTransport) Alive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive
}

func (f *fakeTransport) Close(code int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alive = false
	f.closed = true
	f.code = code
	f.reason = reason
	return nil
}

func (f *fakeTransport) RemoteAddr() string { return "fake:0" }

func (f *fakeTransport) kill() {
	f.mu.Lock()
	f.alive = false
	f.mu.Unlock()
}

func newTestSession() *Session {
	return newSession("ABC12345", "s3cr3t", time.Now())
}

func TestBindAssignsGuestIDExactlyOnce(t *testing.T) {
	s := newTestSession()
	t1 := newFakeTransport()

	res := s.Bind(RoleGuest, t1)
	if !res.FirstGuest {
		t.Fatal("first guest bind not reported as first")
	}
	if res.GuestID == "" {
		t.Fatal("first guest bind assigned no guest id")
	}

	s.Detach(RoleGuest, t1)

	t2 := newFakeTransport()
	res2 := s.Bind(RoleGuest, t2)
	if res2.FirstGuest {
		t.Fatal("second guest bind reported as first")
	}
	if res2.GuestID != res.GuestID {
		t.Fatalf("guest id changed across rebinds: %q then %q", res.GuestID, res2.GuestID)
	}
}

func TestBindReturnsLivePeer(t *testing.T) {
	s := newTestSession()
	host := newFakeTransport()
	guest := newFakeTransport()

	s.Bind(RoleHost, host)
	res := s.Bind(RoleGuest, guest)
	if res.Peer != Transport(host) {
		t.Fatal("guest bind did not surface the bound host as peer")
	}
}

func TestBindReportsSupersededTransport(t *testing.T) {
	s := newTestSession()
	t1 := newFakeTransport()
	t2 := newFakeTransport()

	s.Bind(RoleHost, t1)
	res := s.Bind(RoleHost, t2)
	if res.Prev != Transport(t1) {
		t.Fatal("rebind did not report the superseded transport")
	}
	if !s.HasHost() {
		t.Fatal("host slot unbound after rebind")
	}
}

func TestDetachIgnoresSupersededTransport(t *testing.T) {
	s := newTestSession()
	t1 := newFakeTransport()
	t2 := newFakeTransport()

	s.Bind(RoleHost, t1)
	s.Bind(RoleHost, t2)

	if _, _, detached := s.Detach(RoleHost, t1); detached {
		t.Fatal("stale transport detach was not a no-op")
	}
	if !s.HasHost() {
		t.Fatal("current binding lost to a stale detach")
	}
}

func TestDetachReportsEmptyAndPeer(t *testing.T) {
	s := newTestSession()
	host := newFakeTransport()
	guest := newFakeTransport()
	s.Bind(RoleHost, host)
	s.Bind(RoleGuest, guest)

	peer, empty, detached := s.Detach(RoleGuest, guest)
	if !detached {
		t.Fatal("bound transport did not detach")
	}
	if peer != Transport(host) {
		t.Fatal("detach did not surface the surviving host")
	}
	if empty {
		t.Fatal("session reported empty while host still bound")
	}

	_, empty, _ = s.Detach(RoleHost, host)
	if !empty {
		t.Fatal("session not reported empty after both detached")
	}
}

func TestLivePeerSkipsDeadTransport(t *testing.T) {
	s := newTestSession()
	host := newFakeTransport()
	s.Bind(RoleHost, host)
	host.kill()

	if p := s.LivePeer(RoleGuest); p != nil {
		t.Fatal("dead host surfaced as live peer")
	}
}

func TestBindCancelsPendingReap(t *testing.T) {
	s := newTestSession()
	fired := make(chan struct{}, 1)
	s.ScheduleReap(20*time.Millisecond, func() { fired <- struct{}{} })

	s.Bind(RoleHost, newFakeTransport())

	select {
	case <-fired:
		t.Fatal("reap fired despite a bind in the grace period")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestScheduleReapReplacesPrevious(t *testing.T) {
	s := newTestSession()
	var mu sync.Mutex
	var fired []string

	s.ScheduleReap(40*time.Millisecond, func() {
		mu.Lock()
		fired = append(fired, "first")
		mu.Unlock()
	})
	s.ScheduleReap(20*time.Millisecond, func() {
		mu.Lock()
		fired = append(fired, "second")
		mu.Unlock()
	})

	time.Sleep(150 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if len(fired) != 1 || fired[0] != "second" {
		t.Fatalf("got fires %v, want only the replacement timer", fired)
	}
}

func TestCancelReapStopsTimer(t *testing.T) {
	s := newTestSession()
	fired := make(chan struct{}, 1)
	s.ScheduleReap(20*time.Millisecond, func() { fired <- struct{}{} })
	s.CancelReap()

	select {
	case <-fired:
		t.Fatal("reap fired after cancel")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCloseTransportsUnbindsAndCloses(t *testing.T) {
	s := newTestSession()
	host := newFakeTransport()
	guest := newFakeTransport()
	s.Bind(RoleHost, host)
	s.Bind(RoleGuest, guest)

	s.CloseTransports(1001, "session expired")

	if s.HasHost() || s.HasGuest() {
		t.Fatal("slots still bound after CloseTransports")
	}
	if !host.closed || !guest.closed {
		t.Fatal("bound transports not closed")
	}
	if host.code != 1001 {
		t.Fatalf("got close code %d, want 1001", host.code)
	}
}

func TestTouchAdvancesLastActivity(t *testing.T) {
	s := newTestSession()
	before := s.LastActivity()
	time.Sleep(5 * time.Millisecond)
	s.Touch()
	if !s.LastActivity().After(before) {
		t.Fatal("Touch did not advance lastActivity")
	}
}

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/duolink/relay-app/internal/audit"
	"github.com/duolink/relay-app/internal/events"
	"github.com/duolink/relay-app/internal/session"
)

// fakeTransport records frames and close calls so tests can assert on
// exactly what a peer saw.
type fakeTransport struct {
	mu         sync.Mutex
	frames     [][]byte
	alive      bool
	closed     bool
	code       int
	reason     string
	failWrites bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{alive: true}
}

func (f *fakeTransport) WriteMessage(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrites {
		return errors.New("write failed")
	}
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

// framesOfType decodes every recorded frame and returns those whose
// type field matches typ.
func (f *fakeTransport) framesOfType(t *testing.T, typ string) []map[string]any {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []map[string]any
	for _, raw := range f.frames {
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err != nil {
			t.Fatalf("recorded frame is not JSON: %s", raw)
		}
		if m["type"] == typ {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeTransport) frameCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func newTestService() *Service {
	return NewService(session.NewRegistry(), events.Nop(), audit.Nop(), DefaultConfig())
}

// newShortService uses millisecond lifecycle timings for tests that
// wait on reap and sweep behavior.
func newShortService() *Service {
	return NewService(session.NewRegistry(), events.Nop(), audit.Nop(), Config{
		EmptyGrace:    40 * time.Millisecond,
		IdleTimeout:   60 * time.Millisecond,
		SweepInterval: 10 * time.Millisecond,
	})
}

func createSession(t *testing.T, svc *Service) *session.Session {
	t.Helper()
	sess, err := svc.CreateSession(context.Background())
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return sess
}

func mustAttach(t *testing.T, svc *Service, req AttachRequest) (*Attachment, *fakeTransport) {
	t.Helper()
	ft := newFakeTransport()
	att, err := svc.Attach(req, ft)
	if err != nil {
		t.Fatalf("attach %s: %v", req.Role, err)
	}
	return att, ft
}

// ---------- Attach validation ----------

func TestAttachRejectsMissingParams(t *testing.T) {
	svc := newTestService()

	cases := []AttachRequest{
		{SessionID: "", Role: "host", Secret: "x"},
		{SessionID: "ABC12345", Role: ""},
		{},
	}
	for _, req := range cases {
		if _, err := svc.Attach(req, newFakeTransport()); !errors.Is(err, ErrMissingParams) {
			t.Fatalf("Attach(%+v) = %v, want ErrMissingParams", req, err)
		}
	}
}

func TestAttachRejectsUnknownSession(t *testing.T) {
	svc := newTestService()

	_, err := svc.Attach(AttachRequest{SessionID: "NOPE0000", Role: "guest"}, newFakeTransport())
	if !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("got %v, want ErrUnknownSession", err)
	}
}

func TestAttachRejectsBadRole(t *testing.T) {
	svc := newTestService()
	sess := createSession(t, svc)

	_, err := svc.Attach(AttachRequest{SessionID: sess.ID, Role: "observer"}, newFakeTransport())
	if !errors.Is(err, ErrBadRole) {
		t.Fatalf("got %v, want ErrBadRole", err)
	}
}

func TestAttachRejectsWrongHostSecret(t *testing.T) {
	svc := newTestService()
	sess := createSession(t, svc)

	_, err := svc.Attach(AttachRequest{
		SessionID: sess.ID,
		Role:      "host",
		Secret:    "not-the-secret",
	}, newFakeTransport())
	if !errors.Is(err, ErrBadSecret) {
		t.Fatalf("got %v, want ErrBadSecret", err)
	}
	if sess.HasHost() {
		t.Fatal("rejected host attach still bound a transport")
	}
}

func TestAttachNormalizesSessionID(t *testing.T) {
	svc := newTestService()
	sess := createSession(t, svc)

	att, _ := mustAttach(t, svc, AttachRequest{
		SessionID: " " + strings.ToLower(sess.ID) + " ",
		Role:      "host",
		Secret:    sess.HostSecret,
	})
	if att.Session != sess {
		t.Fatal("normalized id resolved to a different session")
	}
}

// ---------- Attach notifications ----------

func TestAttachSendsConnectedAck(t *testing.T) {
	svc := newTestService()
	sess := createSession(t, svc)

	_, host := mustAttach(t, svc, AttachRequest{
		SessionID: sess.ID,
		Role:      "host",
		Secret:    sess.HostSecret,
	})

	acks := host.framesOfType(t, "connected")
	if len(acks) != 1 {
		t.Fatalf("got %d connected acks, want 1", len(acks))
	}
	if acks[0]["role"] != "host" {
		t.Errorf("ack role = %v, want host", acks[0]["role"])
	}
	if acks[0]["sessionId"] != sess.ID {
		t.Errorf("ack sessionId = %v, want %s", acks[0]["sessionId"], sess.ID)
	}
	if ts, ok := acks[0]["timestamp"].(float64); !ok || ts <= 0 {
		t.Errorf("ack timestamp = %v, want positive number", acks[0]["timestamp"])
	}
}

func TestGuestAttachNotifiesBoundHost(t *testing.T) {
	svc := newTestService()
	sess := createSession(t, svc)

	_, host := mustAttach(t, svc, AttachRequest{
		SessionID: sess.ID, Role: "host", Secret: sess.HostSecret,
	})
	mustAttach(t, svc, AttachRequest{SessionID: sess.ID, Role: "guest"})

	joins := host.framesOfType(t, "guest_joined")
	if len(joins) != 1 {
		t.Fatalf("host got %d guest_joined frames, want exactly 1", len(joins))
	}
	if joins[0]["guestId"] != sess.GuestID() {
		t.Errorf("guest_joined guestId = %v, want %s", joins[0]["guestId"], sess.GuestID())
	}
}

func TestGuestAttachWithoutHostNotifiesNobody(t *testing.T) {
	svc := newTestService()
	sess := createSession(t, svc)

	_, guest := mustAttach(t, svc, AttachRequest{SessionID: sess.ID, Role: "guest"})

	if got := guest.frameCount(); got != 1 {
		t.Fatalf("guest got %d frames, want only the connected ack", got)
	}
	if sess.GuestID() == "" {
		t.Fatal("guest id not assigned on first guest bind")
	}
}

func TestHostAttachIsNotAnnouncedToGuest(t *testing.T) {
	svc := newTestService()
	sess := createSession(t, svc)

	_, guest := mustAttach(t, svc, AttachRequest{SessionID: sess.ID, Role: "guest"})
	mustAttach(t, svc, AttachRequest{
		SessionID: sess.ID, Role: "host", Secret: sess.HostSecret,
	})

	if got := guest.frameCount(); got != 1 {
		t.Fatalf("guest got %d frames after host attach, want only its connected ack", got)
	}
}

func TestAttachSupersedesPreviousTransport(t *testing.T) {
	svc := newTestService()
	sess := createSession(t, svc)

	_, first := mustAttach(t, svc, AttachRequest{
		SessionID: sess.ID, Role: "host", Secret: sess.HostSecret,
	})
	_, second := mustAttach(t, svc, AttachRequest{
		SessionID: sess.ID, Role: "host", Secret: sess.HostSecret,
	})

	if !first.closed {
		t.Fatal("superseded transport not closed")
	}
	if first.code != CloseGoingAway {
		t.Errorf("superseded close code = %d, want %d", first.code, CloseGoingAway)
	}
	if first.reason != "superseded by new connection" {
		t.Errorf("superseded close reason = %q", first.reason)
	}
	if second.closed {
		t.Fatal("new transport was closed")
	}
	if !sess.HasHost() {
		t.Fatal("host slot empty after rebind")
	}
}

// ---------- Detach ----------

func TestDetachNotifiesSurvivingHost(t *testing.T) {
	svc := newTestService()
	sess := createSession(t, svc)

	_, host := mustAttach(t, svc, AttachRequest{
		SessionID: sess.ID, Role: "host", Secret: sess.HostSecret,
	})
	att, guest := mustAttach(t, svc, AttachRequest{SessionID: sess.ID, Role: "guest"})

	svc.Detach(att.Session, att.Role, guest)

	left := host.framesOfType(t, "guest_left")
	if len(left) != 1 {
		t.Fatalf("host got %d guest_left frames, want 1", len(left))
	}
	if ts, ok := left[0]["timestamp"].(float64); !ok || ts <= 0 {
		t.Errorf("guest_left timestamp = %v, want positive number", left[0]["timestamp"])
	}
	if sess.HasGuest() {
		t.Fatal("guest slot still bound after detach")
	}
}

func TestDetachNotifiesSurvivingGuest(t *testing.T) {
	svc := newTestService()
	sess := createSession(t, svc)

	hostAtt, host := mustAttach(t, svc, AttachRequest{
		SessionID: sess.ID, Role: "host", Secret: sess.HostSecret,
	})
	_, guest := mustAttach(t, svc, AttachRequest{SessionID: sess.ID, Role: "guest"})

	svc.Detach(hostAtt.Session, hostAtt.Role, host)

	if got := len(guest.framesOfType(t, "host_left")); got != 1 {
		t.Fatalf("guest got %d host_left frames, want 1", got)
	}
}

func TestDetachOfSupersededTransportSendsNothing(t *testing.T) {
	svc := newTestService()
	sess := createSession(t, svc)

	_, guest := mustAttach(t, svc, AttachRequest{SessionID: sess.ID, Role: "guest"})
	att, old := mustAttach(t, svc, AttachRequest{
		SessionID: sess.ID, Role: "host", Secret: sess.HostSecret,
	})
	mustAttach(t, svc, AttachRequest{
		SessionID: sess.ID, Role: "host", Secret: sess.HostSecret,
	})

	svc.Detach(att.Session, att.Role, old)

	if got := len(guest.framesOfType(t, "host_left")); got != 0 {
		t.Fatalf("guest got %d host_left frames for a superseded transport, want 0", got)
	}
	if !sess.HasHost() {
		t.Fatal("replacement host binding lost")
	}
}

// ---------- Empty-session reaping ----------

func TestEmptySessionReapedAfterGrace(t *testing.T) {
	svc := newShortService()
	sess := createSession(t, svc)

	att, host := mustAttach(t, svc, AttachRequest{
		SessionID: sess.ID, Role: "host", Secret: sess.HostSecret,
	})
	svc.Detach(att.Session, att.Role, host)

	time.Sleep(150 * time.Millisecond)
	if _, ok := svc.Lookup(sess.ID); ok {
		t.Fatal("empty session survived the grace period")
	}
}

func TestNeverAttachedSessionReapedAfterGrace(t *testing.T) {
	svc := newShortService()
	sess := createSession(t, svc)

	time.Sleep(150 * time.Millisecond)
	if _, ok := svc.Lookup(sess.ID); ok {
		t.Fatal("never-attached session survived the grace period")
	}
}

func TestRebindDuringGraceKeepsSession(t *testing.T) {
	svc := newShortService()
	sess := createSession(t, svc)

	att, host := mustAttach(t, svc, AttachRequest{
		SessionID: sess.ID, Role: "host", Secret: sess.HostSecret,
	})
	svc.Detach(att.Session, att.Role, host)

	time.Sleep(10 * time.Millisecond)
	mustAttach(t, svc, AttachRequest{
		SessionID: sess.ID, Role: "host", Secret: sess.HostSecret,
	})

	time.Sleep(150 * time.Millisecond)
	if _, ok := svc.Lookup(sess.ID); !ok {
		t.Fatal("session reaped despite a rebind inside the grace period")
	}
}

package relay

import (
	"encoding/json"
	"testing"
	"time"
)

func TestRelayStampsSenderAndTimestamp(t *testing.T) {
	svc := newTestService()
	sess := createSession(t, svc)

	hostAtt, _ := mustAttach(t, svc, AttachRequest{
		SessionID: sess.ID, Role: "host", Secret: sess.HostSecret,
	})
	_, guest := mustAttach(t, svc, AttachRequest{SessionID: sess.ID, Role: "guest"})

	svc.Relay(hostAtt.Session, hostAtt.Role, []byte(`{"type":"message","text":"hi"}`))

	got := guest.framesOfType(t, "message")
	if len(got) != 1 {
		t.Fatalf("guest got %d message frames, want 1", len(got))
	}
	if got[0]["sender"] != "host" {
		t.Errorf("sender = %v, want host", got[0]["sender"])
	}
	if ts, ok := got[0]["timestamp"].(float64); !ok || ts <= 0 {
		t.Errorf("timestamp = %v, want positive number", got[0]["timestamp"])
	}
	if got[0]["text"] != "hi" {
		t.Errorf("original field lost: text = %v", got[0]["text"])
	}
}

func TestRelayPreservesAllOriginalFields(t *testing.T) {
	svc := newTestService()
	sess := createSession(t, svc)

	guestAtt, _ := mustAttach(t, svc, AttachRequest{SessionID: sess.ID, Role: "guest"})
	_, host := mustAttach(t, svc, AttachRequest{
		SessionID: sess.ID, Role: "host", Secret: sess.HostSecret,
	})

	original := map[string]any{
		"type": "offer",
		"sdp":  map[string]any{"kind": "audio", "lines": []any{"a", "b"}},
		"seq":  float64(9),
	}
	raw, _ := json.Marshal(original)
	svc.Relay(guestAtt.Session, guestAtt.Role, raw)

	got := host.framesOfType(t, "offer")
	if len(got) != 1 {
		t.Fatalf("host got %d offer frames, want 1", len(got))
	}
	for key, want := range original {
		if key == "type" {
			continue
		}
		gotVal, _ := json.Marshal(got[0][key])
		wantVal, _ := json.Marshal(want)
		if string(gotVal) != string(wantVal) {
			t.Errorf("field %q = %s, want %s", key, gotVal, wantVal)
		}
	}
	if got[0]["sender"] != "guest" {
		t.Errorf("sender = %v, want guest", got[0]["sender"])
	}
}

func TestRelayOverwritesSpoofedSender(t *testing.T) {
	svc := newTestService()
	sess := createSession(t, svc)

	guestAtt, _ := mustAttach(t, svc, AttachRequest{SessionID: sess.ID, Role: "guest"})
	_, host := mustAttach(t, svc, AttachRequest{
		SessionID: sess.ID, Role: "host", Secret: sess.HostSecret,
	})

	svc.Relay(guestAtt.Session, guestAtt.Role,
		[]byte(`{"type":"chat","sender":"host","timestamp":1}`))

	got := host.framesOfType(t, "chat")
	if len(got) != 1 {
		t.Fatalf("host got %d chat frames, want 1", len(got))
	}
	if got[0]["sender"] != "guest" {
		t.Errorf("spoofed sender survived: %v", got[0]["sender"])
	}
	if ts := got[0]["timestamp"].(float64); ts == 1 {
		t.Error("spoofed timestamp survived")
	}
}

func TestRelayWithoutPeerDropsSilently(t *testing.T) {
	svc := newTestService()
	sess := createSession(t, svc)

	hostAtt, host := mustAttach(t, svc, AttachRequest{
		SessionID: sess.ID, Role: "host", Secret: sess.HostSecret,
	})
	before := host.frameCount()

	svc.Relay(hostAtt.Session, hostAtt.Role, []byte(`{"type":"message","text":"anyone?"}`))

	if got := host.frameCount(); got != before {
		t.Fatalf("sender received %d new frames for a peerless relay, want 0", got-before)
	}
}

func TestRelayToDeadPeerDrops(t *testing.T) {
	svc := newTestService()
	sess := createSession(t, svc)

	hostAtt, _ := mustAttach(t, svc, AttachRequest{
		SessionID: sess.ID, Role: "host", Secret: sess.HostSecret,
	})
	_, guest := mustAttach(t, svc, AttachRequest{SessionID: sess.ID, Role: "guest"})
	guest.kill()

	svc.Relay(hostAtt.Session, hostAtt.Role, []byte(`{"type":"message","text":"hi"}`))

	if got := len(guest.framesOfType(t, "message")); got != 0 {
		t.Fatalf("dead peer received %d frames, want 0", got)
	}
}

func TestRelayDiscardsMalformedFrames(t *testing.T) {
	svc := newTestService()
	sess := createSession(t, svc)

	hostAtt, _ := mustAttach(t, svc, AttachRequest{
		SessionID: sess.ID, Role: "host", Secret: sess.HostSecret,
	})
	_, guest := mustAttach(t, svc, AttachRequest{SessionID: sess.ID, Role: "guest"})

	for _, bad := range [][]byte{
		[]byte(`{"text":"no type"}`),
		[]byte(`not json at all`),
		[]byte(`[1,2,3]`),
		[]byte(``),
	} {
		svc.Relay(hostAtt.Session, hostAtt.Role, bad)
	}
	if got := guest.frameCount(); got != 1 {
		t.Fatalf("guest got %d frames after malformed input, want only its connected ack", got)
	}

	// The session keeps relaying after malformed input.
	svc.Relay(hostAtt.Session, hostAtt.Role, []byte(`{"type":"message","text":"still here"}`))
	if got := len(guest.framesOfType(t, "message")); got != 1 {
		t.Fatalf("valid frame after malformed input not relayed, got %d", got)
	}
}

func TestRelayTouchesActivity(t *testing.T) {
	svc := newTestService()
	sess := createSession(t, svc)

	hostAtt, _ := mustAttach(t, svc, AttachRequest{
		SessionID: sess.ID, Role: "host", Secret: sess.HostSecret,
	})
	before := sess.LastActivity()
	time.Sleep(5 * time.Millisecond)

	svc.Relay(hostAtt.Session, hostAtt.Role, []byte(`{"type":"message"}`))

	// Activity advances even though the frame found no peer.
	if !sess.LastActivity().After(before) {
		t.Fatal("relay did not update lastActivity")
	}
	if sess.Relayed() != 0 {
		t.Fatal("peerless drop counted as relayed")
	}
}

func TestRelayCountsForwardedFrames(t *testing.T) {
	svc := newTestService()
	sess := createSession(t, svc)

	hostAtt, _ := mustAttach(t, svc, AttachRequest{
		SessionID: sess.ID, Role: "host", Secret: sess.HostSecret,
	})
	mustAttach(t, svc, AttachRequest{SessionID: sess.ID, Role: "guest"})

	for i := 0; i < 3; i++ {
		svc.Relay(hostAtt.Session, hostAtt.Role, []byte(`{"type":"message"}`))
	}
	if got := sess.Relayed(); got != 3 {
		t.Fatalf("relayed count = %d, want 3", got)
	}
}

package protocol

import (
	"encoding/json"
	"testing"
)

func TestParseEnvelopeExtractsType(t *testing.T) {
	env, err := ParseEnvelope([]byte(`{"type":"offer","sdp":"v=0"}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if env.Type != "offer" {
		t.Fatalf("got type %q, want %q", env.Type, "offer")
	}
}

func TestParseEnvelopeKeepsRawBytes(t *testing.T) {
	in := []byte(`{"type":"chunk","seq":7,"data":"AAAA"}`)
	env, err := ParseEnvelope(in)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if string(env.Raw()) != string(in) {
		t.Fatalf("raw bytes not preserved: %s", env.Raw())
	}
}

func TestParseEnvelopeRejectsMissingType(t *testing.T) {
	if _, err := ParseEnvelope([]byte(`{"data":"x"}`)); err == nil {
		t.Fatal("expected error for frame without type")
	}
}

func TestParseEnvelopeRejectsMalformedJSON(t *testing.T) {
	if _, err := ParseEnvelope([]byte(`{"type":`)); err == nil {
		t.Fatal("expected error for truncated frame")
	}
}

func TestParseEnvelopeRejectsNonObject(t *testing.T) {
	if _, err := ParseEnvelope([]byte(`"hello"`)); err == nil {
		t.Fatal("expected error for non-object frame")
	}
}

func TestNewControlMessageInjectsType(t *testing.T) {
	out, err := NewControlMessage(TypeGuestJoined, GuestJoinedMsg{
		GuestID:   "3f1d",
		Timestamp: 1700000000000,
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(out, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m["type"] != TypeGuestJoined {
		t.Fatalf("got type %v, want %q", m["type"], TypeGuestJoined)
	}
	if m["guestId"] != "3f1d" {
		t.Fatalf("got guestId %v, want %q", m["guestId"], "3f1d")
	}
}

func TestStampOverwritesSenderAndTimestamp(t *testing.T) {
	in := []byte(`{"type":"chat","text":"hi","sender":"spoofed","timestamp":1}`)
	out, err := Stamp(in, SenderGuest, 1700000000123)
	if err != nil {
		t.Fatalf("stamp: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(out, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m["sender"] != SenderGuest {
		t.Fatalf("sender not overwritten: %v", m["sender"])
	}
	if m["timestamp"] != float64(1700000000123) {
		t.Fatalf("timestamp not overwritten: %v", m["timestamp"])
	}
	if m["text"] != "hi" {
		t.Fatalf("payload field lost: %v", m["text"])
	}
	if m["type"] != "chat" {
		t.Fatalf("type field lost: %v", m["type"])
	}
}

func TestStampPreservesNestedFields(t *testing.T) {
	in := []byte(`{"type":"offer","sdp":{"kind":"video","lines":["a","b"]}}`)
	out, err := Stamp(in, SenderHost, 42)
	if err != nil {
		t.Fatalf("stamp: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(out, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	sdp, ok := m["sdp"].(map[string]any)
	if !ok {
		t.Fatalf("nested object lost: %v", m["sdp"])
	}
	if sdp["kind"] != "video" {
		t.Fatalf("nested field lost: %v", sdp["kind"])
	}
}

func TestStampRejectsNonObject(t *testing.T) {
	if _, err := Stamp([]byte(`[1,2,3]`), SenderHost, 1); err == nil {
		t.Fatal("expected error for array frame")
	}
}

// Package main implements a standalone end-to-end integration test for the
// Duolink relay server. It validates the full pairing journey against a
// running stack: health checks, session creation, host and guest attachment,
// bidirectional relaying, leave notices, attach rejections, and host
// supersession.
//
// Usage:
//
//	go run ./cmd/e2etest/ [-url ws://localhost:8080/ws] [-api http://localhost:8080] [-timeout 60s]
//
// Exit code 0 if all scenarios pass, 1 if any fail.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/duolink/relay-app/loadtest/client"
)

// ---------------------------------------------------------------------------
// Result tracking
// ---------------------------------------------------------------------------

// resultKind categorises a scenario outcome.
type resultKind int

const (
	resultPass resultKind = iota
	resultFail
	resultInfo // optional / non-fatal
)

// scenarioResult holds the outcome of a single test scenario.
type scenarioResult struct {
	name   string
	kind   resultKind
	detail string
}

func (r scenarioResult) tag() string {
	switch r.kind {
	case resultPass:
		return "PASS"
	case resultFail:
		return "FAIL"
	default:
		return "INFO"
	}
}

// ---------------------------------------------------------------------------
// Main
// ---------------------------------------------------------------------------

func main() {
	wsURL := flag.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	apiBase := flag.String("api", "http://localhost:8080", "HTTP API base URL")
	timeout := flag.Duration("timeout", 60*time.Second, "Global test timeout")
	flag.Parse()

	fmt.Println("=== Duolink Relay E2E Integration Test ===")
	fmt.Printf("Server: %s\n\n", *wsURL)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var results []scenarioResult

	// Run scenarios sequentially.
	results = append(results, scenario1HealthCheck(ctx, *apiBase))
	results = append(results, scenario2SessionCreation(ctx, *apiBase))

	// Scenarios 3-5 share an attached pair; run them as a group.
	s3, s4, s5 := scenario345PairRelayLeave(ctx, *apiBase, *wsURL)
	results = append(results, s3, s4, s5)

	results = append(results, scenario6AttachRejections(ctx, *apiBase, *wsURL)...)
	results = append(results, scenario7HostSupersession(ctx, *apiBase, *wsURL))

	// ---------------------------------------------------------------------------
	// Summary
	// ---------------------------------------------------------------------------
	fmt.Println()
	passed := 0
	failed := 0
	info := 0
	for _, r := range results {
		fmt.Printf("[%s] %s", r.tag(), r.name)
		if r.detail != "" {
			fmt.Printf(" (%s)", r.detail)
		}
		fmt.Println()

		switch r.kind {
		case resultPass:
			passed++
		case resultFail:
			failed++
		case resultInfo:
			info++
		}
	}

	requiredTotal := passed + failed
	fmt.Printf("\n=== Results: %d/%d passed", passed, requiredTotal)
	if info > 0 {
		fmt.Printf(", %d info", info)
	}
	fmt.Println(" ===")

	if failed > 0 {
		os.Exit(1)
	}
}

// ---------------------------------------------------------------------------
// Scenario 1: Health Check
// ---------------------------------------------------------------------------

func scenario1HealthCheck(ctx context.Context, apiBase string) scenarioResult {
	name := "Scenario 1: Health Check"

	// 1a. /health — expect JSON with activeSessionCount.
	body, err := httpGetBody(ctx, apiBase+"/health")
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("/health: %v", err)}
	}
	var healthResp struct {
		Status         string `json:"status"`
		ActiveSessions int    `json:"activeSessionCount"`
	}
	if err := json.Unmarshal(body, &healthResp); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("/health JSON parse: %v", err)}
	}
	if healthResp.Status != "ok" {
		return scenarioResult{name, resultFail, fmt.Sprintf("/health status=%q", healthResp.Status)}
	}

	// 1b. /metrics — expect Prometheus text with duolink_sessions_active.
	metricsBody, err := httpGetBody(ctx, apiBase+"/metrics")
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("/metrics: %v", err)}
	}
	if !strings.Contains(string(metricsBody), "duolink_sessions_active") {
		return scenarioResult{name, resultFail, "/metrics: missing duolink_sessions_active"}
	}

	return scenarioResult{name, resultPass, fmt.Sprintf("sessions=%d", healthResp.ActiveSessions)}
}

// ---------------------------------------------------------------------------
// Scenario 2: Session Creation
// ---------------------------------------------------------------------------

func scenario2SessionCreation(ctx context.Context, apiBase string) scenarioResult {
	name := "Scenario 2: Session Creation"

	sess, err := client.CreateSession(ctx, apiBase)
	if err != nil {
		return scenarioResult{name, resultFail, err.Error()}
	}
	if len(sess.SessionID) != 8 {
		return scenarioResult{name, resultFail, fmt.Sprintf("session id %q is not 8 characters", sess.SessionID)}
	}
	if sess.HostSecret == "" {
		return scenarioResult{name, resultFail, "empty host secret"}
	}
	if !strings.Contains(sess.GuestURL, sess.SessionID) {
		return scenarioResult{name, resultFail, fmt.Sprintf("guest URL %q missing session id", sess.GuestURL)}
	}

	// The info endpoint should report an unbound session and never leak the
	// secret.
	body, err := httpGetBody(ctx, apiBase+"/api/sessions/"+sess.SessionID)
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("session info: %v", err)}
	}
	var info struct {
		HasHost  bool `json:"hasHost"`
		HasGuest bool `json:"hasGuest"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("session info JSON parse: %v", err)}
	}
	if info.HasHost || info.HasGuest {
		return scenarioResult{name, resultFail, "fresh session reports bound peers"}
	}
	if strings.Contains(string(body), sess.HostSecret) {
		return scenarioResult{name, resultFail, "session info leaked the host secret"}
	}

	// Unknown ids must 404.
	if status, _ := httpGetStatus(ctx, apiBase+"/api/sessions/ZZZZ0000"); status != http.StatusNotFound {
		return scenarioResult{name, resultFail, fmt.Sprintf("unknown session: status %d, want 404", status)}
	}

	return scenarioResult{name, resultPass, fmt.Sprintf("session=%s", sess.SessionID)}
}

// ---------------------------------------------------------------------------
// Scenarios 3, 4, 5: Pair Handshake, Bidirectional Relay, Leave Notices
// ---------------------------------------------------------------------------

func scenario345PairRelayLeave(ctx context.Context, apiBase, wsURL string) (scenarioResult, scenarioResult, scenarioResult) {
	s3Name := "Scenario 3: Pair Handshake"
	s4Name := "Scenario 4: Bidirectional Relay"
	s5Name := "Scenario 5: Leave Notices"

	failAll := func(reason string) (scenarioResult, scenarioResult, scenarioResult) {
		return scenarioResult{s3Name, resultFail, reason},
			scenarioResult{s4Name, resultFail, "skipped: handshake failed"},
			scenarioResult{s5Name, resultFail, "skipped: handshake failed"}
	}

	// --- Scenario 3: Handshake ---
	connCtx, connCancel := context.WithTimeout(ctx, 10*time.Second)
	defer connCancel()

	sess, err := client.CreateSession(connCtx, apiBase)
	if err != nil {
		return failAll(fmt.Sprintf("create session: %v", err))
	}

	host, err := client.New(connCtx, wsURL, sess.SessionID, "host", sess.HostSecret)
	if err != nil {
		return failAll(fmt.Sprintf("host connect: %v", err))
	}
	defer host.Close()

	guestJoined := make(chan string, 1)
	host.On(client.TypeGuestJoined, func(raw json.RawMessage) {
		var msg struct {
			GuestID string `json:"guestId"`
		}
		if err := json.Unmarshal(raw, &msg); err == nil {
			select {
			case guestJoined <- msg.GuestID:
			default:
			}
		}
	})

	if err := host.WaitForConnected(connCtx); err != nil {
		return failAll(fmt.Sprintf("host ack: %v", err))
	}

	guest, err := client.New(connCtx, wsURL, sess.SessionID, "guest", "")
	if err != nil {
		return failAll(fmt.Sprintf("guest connect: %v", err))
	}
	defer guest.Close()

	if err := guest.WaitForConnected(connCtx); err != nil {
		return failAll(fmt.Sprintf("guest ack: %v", err))
	}

	var guestID string
	select {
	case guestID = <-guestJoined:
	case <-connCtx.Done():
		return failAll("timeout waiting for guest_joined on host")
	}
	if guestID == "" {
		return failAll("guest_joined carried no guestId")
	}

	s3Result := scenarioResult{s3Name, resultPass,
		fmt.Sprintf("session=%s, guest=%s", sess.SessionID, truncateID(guestID))}

	// --- Scenario 4: Bidirectional Relay ---
	hostRecv := make(chan json.RawMessage, 1)
	guestRecv := make(chan json.RawMessage, 1)

	host.On("note", func(raw json.RawMessage) {
		select {
		case hostRecv <- raw:
		default:
		}
	})
	guest.On("note", func(raw json.RawMessage) {
		select {
		case guestRecv <- raw:
		default:
		}
	})

	relayCtx, relayCancel := context.WithTimeout(ctx, 10*time.Second)
	defer relayCancel()

	// Host sends; guest should receive it stamped with sender and timestamp.
	if err := host.Send(map[string]string{"type": "note", "text": "hello from host"}); err != nil {
		return s3Result,
			scenarioResult{s4Name, resultFail, fmt.Sprintf("host send: %v", err)},
			scenarioResult{s5Name, resultFail, "skipped: relay failed"}
	}

	var raw json.RawMessage
	select {
	case raw = <-guestRecv:
	case <-relayCtx.Done():
		return s3Result,
			scenarioResult{s4Name, resultFail, "timeout: guest did not receive host message"},
			scenarioResult{s5Name, resultFail, "skipped: relay failed"}
	}

	var stamped struct {
		Text      string `json:"text"`
		Sender    string `json:"sender"`
		Timestamp int64  `json:"timestamp"`
	}
	if err := json.Unmarshal(raw, &stamped); err != nil {
		return s3Result,
			scenarioResult{s4Name, resultFail, fmt.Sprintf("parse relayed message: %v", err)},
			scenarioResult{s5Name, resultFail, "skipped: relay failed"}
	}
	if stamped.Text != "hello from host" || stamped.Sender != "host" || stamped.Timestamp <= 0 {
		return s3Result,
			scenarioResult{s4Name, resultFail, fmt.Sprintf("bad stamping: sender=%q ts=%d text=%q",
				stamped.Sender, stamped.Timestamp, stamped.Text)},
			scenarioResult{s5Name, resultFail, "skipped: relay failed"}
	}

	// Guest replies; host should see sender=guest.
	if err := guest.Send(map[string]string{"type": "note", "text": "hello from guest"}); err != nil {
		return s3Result,
			scenarioResult{s4Name, resultFail, fmt.Sprintf("guest send: %v", err)},
			scenarioResult{s5Name, resultFail, "skipped: relay failed"}
	}

	select {
	case raw = <-hostRecv:
	case <-relayCtx.Done():
		return s3Result,
			scenarioResult{s4Name, resultFail, "timeout: host did not receive guest message"},
			scenarioResult{s5Name, resultFail, "skipped: relay failed"}
	}
	if err := json.Unmarshal(raw, &stamped); err != nil || stamped.Sender != "guest" {
		return s3Result,
			scenarioResult{s4Name, resultFail, fmt.Sprintf("reply stamping: sender=%q err=%v", stamped.Sender, err)},
			scenarioResult{s5Name, resultFail, "skipped: relay failed"}
	}

	s4Result := scenarioResult{s4Name, resultPass, "2 messages relayed and stamped"}

	// --- Scenario 5: Leave Notices ---
	guestLeft := make(chan struct{}, 1)
	host.On(client.TypeGuestLeft, func(_ json.RawMessage) {
		select {
		case guestLeft <- struct{}{}:
		default:
		}
	})

	endCtx, endCancel := context.WithTimeout(ctx, 10*time.Second)
	defer endCancel()

	guest.Close()

	select {
	case <-guestLeft:
	case <-endCtx.Done():
		return s3Result, s4Result,
			scenarioResult{s5Name, resultFail, "timeout: host did not receive guest_left"}
	}

	// A returning guest is announced again.
	rejoined := make(chan struct{}, 1)
	host.On(client.TypeGuestJoined, func(_ json.RawMessage) {
		select {
		case rejoined <- struct{}{}:
		default:
		}
	})

	guest2, err := client.New(endCtx, wsURL, sess.SessionID, "guest", "")
	if err != nil {
		return s3Result, s4Result,
			scenarioResult{s5Name, resultFail, fmt.Sprintf("guest rejoin: %v", err)}
	}

	select {
	case <-rejoined:
	case <-endCtx.Done():
		guest2.Close()
		return s3Result, s4Result,
			scenarioResult{s5Name, resultFail, "timeout: host did not receive guest_joined on rejoin"}
	}

	// Host departs; the guest should be told.
	hostLeft := make(chan struct{}, 1)
	guest2.On(client.TypeHostLeft, func(_ json.RawMessage) {
		select {
		case hostLeft <- struct{}{}:
		default:
		}
	})

	host.Close()

	select {
	case <-hostLeft:
	case <-endCtx.Done():
		guest2.Close()
		return s3Result, s4Result,
			scenarioResult{s5Name, resultFail, "timeout: guest did not receive host_left"}
	}

	guest2.Close()
	return s3Result, s4Result, scenarioResult{s5Name, resultPass, "guest_left, rejoin, host_left"}
}

// ---------------------------------------------------------------------------
// Scenario 6: Attach Rejections
// ---------------------------------------------------------------------------

func scenario6AttachRejections(ctx context.Context, apiBase, wsURL string) []scenarioResult {
	name := "Scenario 6: Attach Rejections"

	scenarioCtx, scenarioCancel := context.WithTimeout(ctx, 20*time.Second)
	defer scenarioCancel()

	sess, err := client.CreateSession(scenarioCtx, apiBase)
	if err != nil {
		return []scenarioResult{{name, resultFail, fmt.Sprintf("create session: %v", err)}}
	}

	cases := []struct {
		label     string
		sessionID string
		role      string
		secret    string
	}{
		{"wrong secret", sess.SessionID, "host", "not-the-secret"},
		{"unknown session", "ZZZZ0000", "guest", ""},
		{"invalid role", sess.SessionID, "observer", ""},
	}

	for _, tc := range cases {
		c, err := client.New(scenarioCtx, wsURL, tc.sessionID, tc.role, tc.secret)
		if err != nil {
			return []scenarioResult{{name, resultFail, fmt.Sprintf("%s: dial: %v", tc.label, err)}}
		}

		closeCtx, closeCancel := context.WithTimeout(scenarioCtx, 5*time.Second)
		code, _, err := c.WaitForClose(closeCtx)
		closeCancel()
		c.Close()

		if err != nil {
			return []scenarioResult{{name, resultFail, fmt.Sprintf("%s: no close frame: %v", tc.label, err)}}
		}
		if code != 1008 {
			return []scenarioResult{{name, resultFail, fmt.Sprintf("%s: close code %d, want 1008", tc.label, code)}}
		}
	}

	return []scenarioResult{{name, resultPass, "3 rejections closed with 1008"}}
}

// ---------------------------------------------------------------------------
// Scenario 7: Host Supersession
// ---------------------------------------------------------------------------

func scenario7HostSupersession(ctx context.Context, apiBase, wsURL string) scenarioResult {
	name := "Scenario 7: Host Supersession"

	scenarioCtx, scenarioCancel := context.WithTimeout(ctx, 20*time.Second)
	defer scenarioCancel()

	sess, err := client.CreateSession(scenarioCtx, apiBase)
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("create session: %v", err)}
	}

	first, err := client.New(scenarioCtx, wsURL, sess.SessionID, "host", sess.HostSecret)
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("first host connect: %v", err)}
	}
	defer first.Close()

	if err := first.WaitForConnected(scenarioCtx); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("first host ack: %v", err)}
	}

	second, err := client.New(scenarioCtx, wsURL, sess.SessionID, "host", sess.HostSecret)
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("second host connect: %v", err)}
	}
	defer second.Close()

	if err := second.WaitForConnected(scenarioCtx); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("second host ack: %v", err)}
	}

	// The first connection must be closed with 1001 (going away).
	closeCtx, closeCancel := context.WithTimeout(scenarioCtx, 5*time.Second)
	code, reason, err := first.WaitForClose(closeCtx)
	closeCancel()
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("first host not closed: %v", err)}
	}
	if code != 1001 {
		return scenarioResult{name, resultFail, fmt.Sprintf("first host close code %d, want 1001", code)}
	}

	return scenarioResult{name, resultPass, fmt.Sprintf("superseded with 1001 %q", reason)}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// httpGetStatus performs an HTTP GET and returns the status code.
func httpGetStatus(ctx context.Context, url string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("GET %s: %w", url, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

// httpGetBody performs an HTTP GET and returns the response body.
func httpGetBody(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}

// truncateID returns the first 8 characters of an ID for display purposes.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

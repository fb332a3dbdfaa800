// Command e2etest runs the core rendezvous journeys against a live server:
// health, matchmaking (A), disconnect with presence grace (C), skip while
// connecting (D), and the optional content filter and rate limit checks.
//
// Usage:
//
//	go run ./cmd/e2etest/ [-url ws://localhost:8080/ws] [-api http://localhost:8080] [-timeout 60s]
//
// Exit code 0 if all required scenarios pass, 1 if any fail.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/whisper/rendezvous/loadtest/client"
)

// resultKind categorises a scenario outcome.
type resultKind int

const (
	resultPass resultKind = iota
	resultFail
	resultInfo // optional / non-fatal
)

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

// runner opens clients with distinct forwarded addresses and resume keys.
type runner struct {
	url  string
	run  int64
	next int
}

func (r *runner) connect(ctx context.Context) (*client.Client, error) {
	r.next++
	c, err := client.Dial(ctx, r.url, client.Options{
		ForwardedFor: fmt.Sprintf("198.51.100.%d", r.next),
	})
	if err != nil {
		return nil, err
	}
	if _, err := c.Authenticate(ctx, "", fmt.Sprintf("e2e-%d-%d", r.run, r.next)); err != nil {
		c.Close()
		return nil, fmt.Errorf("authenticate: %w", err)
	}
	return c, nil
}

func main() {
	wsURL := flag.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	apiBase := flag.String("api", "http://localhost:8080", "HTTP base URL")
	timeout := flag.Duration("timeout", 60*time.Second, "Global test timeout")
	flag.Parse()

	fmt.Println("=== Rendezvous E2E Test ===")
	fmt.Printf("Server: %s\n\n", *wsURL)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	r := &runner{url: *wsURL, run: time.Now().UnixNano()}
	results := []scenarioResult{
		healthCheck(ctx, *apiBase),
		scenarioMatch(ctx, r),
		scenarioDisconnect(ctx, r),
		scenarioSkip(ctx, r),
		contentFilter(ctx, r),
		rateLimit(ctx, r),
	}

	fmt.Println()
	passed, failed, info := 0, 0, 0
	for _, res := range results {
		fmt.Printf("[%s] %s", res.tag(), res.name)
		if res.detail != "" {
			fmt.Printf(" (%s)", res.detail)
		}
		fmt.Println()

		switch res.kind {
		case resultPass:
			passed++
		case resultFail:
			failed++
		case resultInfo:
			info++
		}
	}

	fmt.Printf("\n=== Results: %d/%d passed", passed, passed+failed)
	if info > 0 {
		fmt.Printf(", %d info", info)
	}
	fmt.Println(" ===")

	if failed > 0 {
		os.Exit(1)
	}
}

func healthCheck(ctx context.Context, apiBase string) scenarioResult {
	name := "Health check"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiBase+"/health", nil)
	if err != nil {
		return scenarioResult{name, resultFail, err.Error()}
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return scenarioResult{name, resultFail, err.Error()}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return scenarioResult{name, resultFail, fmt.Sprintf("status %d: %s", resp.StatusCode, body)}
	}

	var health struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &health); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("decode: %v", err)}
	}
	if health.Status != "ok" {
		return scenarioResult{name, resultFail, "status " + health.Status}
	}
	return scenarioResult{name, resultPass, ""}
}

// pair connects two clients, queues them without filters and returns the
// shared session id.
func pair(ctx context.Context, r *runner) (x, y *client.Client, sessionID string, err error) {
	if x, err = r.connect(ctx); err != nil {
		return nil, nil, "", err
	}
	if y, err = r.connect(ctx); err != nil {
		x.Close()
		return nil, nil, "", err
	}
	fail := func(e error) (*client.Client, *client.Client, string, error) {
		x.Close()
		y.Close()
		return nil, nil, "", e
	}

	if err := x.JoinQueue(nil); err != nil {
		return fail(err)
	}
	if _, err := x.Expect(ctx, client.TypeSearching, client.TypeMatchFound); err != nil {
		return fail(fmt.Errorf("x join: %w", err))
	}
	if err := y.JoinQueue(nil); err != nil {
		return fail(err)
	}

	var ids [2]string
	for i, c := range []*client.Client{x, y} {
		f, err := c.Expect(ctx, client.TypeMatchFound)
		if err != nil {
			return fail(fmt.Errorf("match_found: %w", err))
		}
		var msg struct {
			SessionID string `json:"session_id"`
		}
		if err := f.Decode(&msg); err != nil {
			return fail(err)
		}
		ids[i] = msg.SessionID
	}
	if ids[0] == "" || ids[0] != ids[1] {
		return fail(fmt.Errorf("session ids differ: %q vs %q", ids[0], ids[1]))
	}
	return x, y, ids[0], nil
}

// scenarioMatch: two empty-filter users are paired into one session.
func scenarioMatch(ctx context.Context, r *runner) scenarioResult {
	name := "Scenario A: match"
	x, y, sid, err := pair(ctx, r)
	if err != nil {
		return scenarioResult{name, resultFail, err.Error()}
	}
	defer x.Close()
	defer y.Close()
	return scenarioResult{name, resultPass, "session " + sid}
}

// scenarioDisconnect: once connected, X drops. Y is told "disconnected" and an
// observer sees X go away rather than offline.
func scenarioDisconnect(ctx context.Context, r *runner) scenarioResult {
	name := "Scenario C: disconnect"

	observer, err := r.connect(ctx)
	if err != nil {
		return scenarioResult{name, resultFail, err.Error()}
	}
	defer observer.Close()

	x, y, sid, err := pair(ctx, r)
	if err != nil {
		return scenarioResult{name, resultFail, err.Error()}
	}
	defer y.Close()

	err = x.Send(map[string]string{"type": client.TypeSessionMessage, "session_id": sid, "text": "hello"})
	if err != nil {
		x.Close()
		return scenarioResult{name, resultFail, err.Error()}
	}
	for _, c := range []*client.Client{x, y} {
		if _, err := c.Expect(ctx, client.TypeConnected); err != nil {
			x.Close()
			return scenarioResult{name, resultFail, fmt.Sprintf("connected: %v", err)}
		}
	}

	xID := x.Identity()
	x.Close()

	f, err := y.Expect(ctx, client.TypePartnerDisconnected)
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("partner_disconnected: %v", err)}
	}
	var pd struct {
		Reason string `json:"reason"`
	}
	_ = f.Decode(&pd)
	if pd.Reason != "disconnected" {
		return scenarioResult{name, resultFail, fmt.Sprintf("reason %q, want disconnected", pd.Reason)}
	}

	if err := expectPresence(ctx, observer, xID, "away"); err != nil {
		return scenarioResult{name, resultFail, err.Error()}
	}
	return scenarioResult{name, resultPass, ""}
}

// scenarioSkip: X skips before the session connects. Y is told
// "partner_skipped" and X is back in matchmaking.
func scenarioSkip(ctx context.Context, r *runner) scenarioResult {
	name := "Scenario D: skip while connecting"

	x, y, _, err := pair(ctx, r)
	if err != nil {
		return scenarioResult{name, resultFail, err.Error()}
	}
	defer x.Close()
	defer y.Close()

	if err := x.Send(map[string]string{"type": client.TypeSkip}); err != nil {
		return scenarioResult{name, resultFail, err.Error()}
	}

	f, err := y.Expect(ctx, client.TypePartnerDisconnected)
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("partner_disconnected: %v", err)}
	}
	var pd struct {
		Reason string `json:"reason"`
	}
	_ = f.Decode(&pd)
	if pd.Reason != "partner_skipped" {
		return scenarioResult{name, resultFail, fmt.Sprintf("reason %q, want partner_skipped", pd.Reason)}
	}

	// Another waiting user may match X straight away.
	if _, err := x.Expect(ctx, client.TypeSearching, client.TypeMatchFound); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("x not re-enqueued: %v", err)}
	}
	return scenarioResult{name, resultPass, ""}
}

// contentFilter checks that abusive text is rejected. Non-fatal.
func contentFilter(ctx context.Context, r *runner) scenarioResult {
	name := "Content filter (optional)"

	x, y, sid, err := pair(ctx, r)
	if err != nil {
		return scenarioResult{name, resultInfo, err.Error()}
	}
	defer x.Close()
	defer y.Close()

	_ = x.Send(map[string]string{"type": client.TypeSessionMessage, "session_id": sid, "text": "visit www.spam.example now"})
	_, err = x.Expect(ctx, client.TypeConnected)
	var se *client.ServerError
	if errors.As(err, &se) && se.Code == "message_blocked" {
		return scenarioResult{name, resultPass, ""}
	}
	return scenarioResult{name, resultInfo, fmt.Sprintf("expected message_blocked, got %v", err)}
}

// rateLimit sends join_queue until the server pushes back. Non-fatal since the
// server may run with RATE_LIMIT=false.
func rateLimit(ctx context.Context, r *runner) scenarioResult {
	name := "Rate limiting (optional)"

	c, err := r.connect(ctx)
	if err != nil {
		return scenarioResult{name, resultInfo, err.Error()}
	}
	defer c.Close()

	for i := 0; i < 12; i++ {
		if err := c.Send(map[string]string{"type": client.TypeLeaveQueue}); err != nil {
			return scenarioResult{name, resultInfo, err.Error()}
		}
		if err := c.JoinQueue(nil); err != nil {
			return scenarioResult{name, resultInfo, err.Error()}
		}
	}

	waitCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	f, err := c.Expect(waitCtx, client.TypeRateLimited)
	if err != nil {
		return scenarioResult{name, resultInfo, "no rate_limited frame"}
	}
	var rl struct {
		RetryAfter int `json:"retry_after"`
	}
	_ = f.Decode(&rl)
	return scenarioResult{name, resultPass, fmt.Sprintf("retry_after=%ds", rl.RetryAfter)}
}

// expectPresence waits for a presence_changed about identity with status.
func expectPresence(ctx context.Context, c *client.Client, identity, status string) error {
	for {
		f, err := c.Expect(ctx, client.TypePresenceChanged)
		if err != nil {
			return fmt.Errorf("presence %s=%s: %w", identity, status, err)
		}
		var pc struct {
			Identity string `json:"identity"`
			Status   string `json:"status"`
		}
		if err := f.Decode(&pc); err == nil && pc.Identity == identity && pc.Status == status {
			return nil
		}
	}
}

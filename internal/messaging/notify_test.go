package messaging

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/whisper/rendezvous/internal/presence"
)

func testClient(t *testing.T) *NATSClient {
	t.Helper()
	cfg := DefaultNATSConfig()
	cfg.Name = "whisper-engine-test"
	cfg.MaxReconnects = 0
	c, err := NewNATSClient(cfg)
	if err != nil {
		t.Skipf("nats not available: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestNotify_PublishesOnIdentitySubject(t *testing.T) {
	c := testClient(t)
	got := make(chan Notification, 1)
	err := c.Subscribe(SubjectPush+".alice", func(msg *nats.Msg) {
		var n Notification
		if json.Unmarshal(msg.Data, &n) == nil {
			got <- n
		}
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	long := ""
	for i := 0; i < 100; i++ {
		long += "ab"
	}
	err = c.Notify(context.Background(), Notification{
		Identity: "alice", Kind: KindSessionMessage, Preview: long, Ts: 1,
	})
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}

	select {
	case n := <-got:
		if n.Kind != KindSessionMessage {
			t.Errorf("Kind = %q", n.Kind)
		}
		if r := []rune(n.Preview); len(r) != previewLimit+1 {
			t.Errorf("preview length = %d runes, want %d", len(r), previewLimit+1)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("notification not received")
	}

	if err := c.Unsubscribe(SubjectPush + ".alice"); err != nil {
		t.Errorf("Unsubscribe: %v", err)
	}
	if err := c.Unsubscribe(SubjectPush + ".alice"); err == nil {
		t.Error("second Unsubscribe should fail")
	}
}

func TestPresencePublisher_Record(t *testing.T) {
	c := testClient(t)
	got := make(chan PresenceEvent, 1)
	if err := c.SubscribePresence(func(ev PresenceEvent) { got <- ev }); err != nil {
		t.Fatalf("SubscribePresence: %v", err)
	}

	now := time.Unix(1700000000, 0)
	p := NewPresencePublisher(c, "ws-test")
	err := p.Record(context.Background(), presence.Transition{
		Identity: "bob",
		From:     presence.StatusAway,
		To:       presence.StatusOffline,
		LastSeen: now,
		At:       now,
	})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}

	select {
	case ev := <-got:
		if ev.Identity != "bob" || ev.To != "offline" || ev.LastSeen != now.Unix() || ev.Server != "ws-test" {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("presence event not received")
	}
}

func TestConsumePush_ReceivesAllIdentities(t *testing.T) {
	c := testClient(t)
	got := make(chan Notification, 2)
	if err := c.ConsumePush("notifier-test", func(n Notification) { got <- n }); err != nil {
		t.Fatalf("ConsumePush: %v", err)
	}

	for _, id := range []string{"alice", "bob"} {
		if err := c.Notify(context.Background(), Notification{Identity: id, Kind: KindMatchFound, Ts: 1}); err != nil {
			t.Fatalf("Notify: %v", err)
		}
	}

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case n := <-got:
			seen[n.Identity] = true
		case <-time.After(2 * time.Second):
			t.Fatalf("only received %v", seen)
		}
	}
	if !seen["alice"] || !seen["bob"] {
		t.Errorf("received %v, want alice and bob", seen)
	}
}

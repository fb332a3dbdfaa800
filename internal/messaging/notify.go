package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/nats-io/nats.go"

	"github.com/whisper/rendezvous/internal/presence"
)

// Notification kinds.
const (
	KindMatchFound     = "match_found"
	KindSessionMessage = "session_message"
)

// Notification asks the push service to alert an identity whose app is in
// the background. Delivery is out of scope here; publishing is fire-and-forget.
type Notification struct {
	Identity  string `json:"identity"`
	Kind      string `json:"kind"`
	SessionID string `json:"session_id,omitempty"`
	From      string `json:"from,omitempty"` // partner username or identity
	Preview   string `json:"preview,omitempty"`
	Ts        int64  `json:"ts"`
}

// PresenceEvent is published on presence.changed for every transition.
type PresenceEvent struct {
	Identity string `json:"identity"`
	From     string `json:"from"`
	To       string `json:"to"`
	LastSeen int64  `json:"last_seen,omitempty"`
	Ts       int64  `json:"ts"`
	Server   string `json:"server,omitempty"`
}

// previewLimit caps the message text carried in a push payload.
const previewLimit = 80

// Notify publishes n on push.<identity>.
func (c *NATSClient) Notify(_ context.Context, n Notification) error {
	if r := []rune(n.Preview); len(r) > previewLimit {
		n.Preview = string(r[:previewLimit]) + "…"
	}
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("messaging: marshal notification: %w", err)
	}
	if err := c.Publish(SubjectPush+"."+n.Identity, data); err != nil {
		return fmt.Errorf("messaging: publish push: %w", err)
	}
	return nil
}

// PresencePublisher publishes presence transitions on NATS.
type PresencePublisher struct {
	client *NATSClient
	server string
}

// NewPresencePublisher creates a publisher tagging events with server.
func NewPresencePublisher(client *NATSClient, server string) *PresencePublisher {
	return &PresencePublisher{client: client, server: server}
}

// Record publishes tr on presence.changed.
func (p *PresencePublisher) Record(_ context.Context, tr presence.Transition) error {
	ev := PresenceEvent{
		Identity: tr.Identity,
		From:     string(tr.From),
		To:       string(tr.To),
		Ts:       tr.At.Unix(),
		Server:   p.server,
	}
	if !tr.LastSeen.IsZero() {
		ev.LastSeen = tr.LastSeen.Unix()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("messaging: marshal presence: %w", err)
	}
	if err := p.client.Publish(SubjectPresenceChanged, data); err != nil {
		return fmt.Errorf("messaging: publish presence: %w", err)
	}
	return nil
}

// SubscribePresence delivers decoded presence events to handler. Malformed
// payloads are skipped.
func (c *NATSClient) SubscribePresence(handler func(PresenceEvent)) error {
	return c.Subscribe(SubjectPresenceChanged, func(msg *nats.Msg) {
		var ev PresenceEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			return
		}
		handler(ev)
	})
}

// ConsumePush delivers every identity's push requests to handler, load
// balanced across the members of queue.
func (c *NATSClient) ConsumePush(queue string, handler func(Notification)) error {
	return c.QueueSubscribe(SubjectPush+".*", queue, func(msg *nats.Msg) {
		var n Notification
		if err := json.Unmarshal(msg.Data, &n); err != nil {
			log.Printf("[nats] malformed push on %s: %v", msg.Subject, err)
			return
		}
		handler(n)
	})
}

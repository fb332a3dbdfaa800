// Package push decides which push requests published by the engine turn into
// device notifications. Bursts are coalesced in Redis so a chatty session
// produces one alert per window instead of one per message.
package push

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/whisper/rendezvous/internal/messaging"
)

const (
	// CoalescePrefix keys the per identity and session marker:
	//
	//	push:co:<identity>:<session_id or kind>
	CoalescePrefix = "push:co:"

	DefaultWindow = 30 * time.Second
)

// Coalescer admits the first notification per identity and session within a
// window. match_found is never coalesced.
type Coalescer struct {
	client *redis.Client
	window time.Duration
}

// NewCoalescer creates a Coalescer. A non-positive window uses DefaultWindow.
func NewCoalescer(client *redis.Client, window time.Duration) *Coalescer {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Coalescer{client: client, window: window}
}

// Admit reports whether n should be delivered. Redis errors fail open.
func (c *Coalescer) Admit(ctx context.Context, n messaging.Notification) bool {
	if n.Kind == messaging.KindMatchFound {
		return true
	}
	ok, err := c.client.SetNX(ctx, c.key(n), n.Ts, c.window).Result()
	if err != nil {
		log.Printf("[push] coalesce check for %s failed, delivering: %v", n.Identity, err)
		return true
	}
	return ok
}

// Reset forgets every marker for identity, e.g. once it is back online.
func (c *Coalescer) Reset(ctx context.Context, identity string) error {
	iter := c.client.Scan(ctx, 0, CoalescePrefix+identity+":*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("push: scan %s: %w", identity, err)
	}
	if len(keys) == 0 {
		return nil
	}
	return c.client.Del(ctx, keys...).Err()
}

func (c *Coalescer) key(n messaging.Notification) string {
	scope := n.SessionID
	if scope == "" {
		scope = n.Kind
	}
	return CoalescePrefix + n.Identity + ":" + scope
}

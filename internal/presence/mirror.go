package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// KeyPrefix is the Redis key prefix for mirrored presence hashes.
	KeyPrefix = "presence:"

	// DefaultMirrorTTL bounds how long a mirrored record outlives the process
	// that wrote it.
	DefaultMirrorTTL = 24 * time.Hour
)

// Snapshot is the mirrored presence of one identity as stored in Redis.
type Snapshot struct {
	Identity  string `redis:"identity"`
	Status    string `redis:"status"`
	LastSeen  int64  `redis:"last_seen"`  // unix timestamp, 0 if never offline
	Server    string `redis:"server"`     // which engine instance wrote it
	UpdatedAt int64  `redis:"updated_at"` // unix timestamp
}

// RedisMirror copies presence transitions into Redis so that services outside
// the engine (profile pages, the REST API) can read them. It is best-effort:
// the in-memory Tracker stays authoritative and the mirror is rebuilt from
// live transitions after a restart.
type RedisMirror struct {
	client     *redis.Client
	serverName string
	ttl        time.Duration
}

// NewRedisMirror creates a mirror writing through client.
func NewRedisMirror(client *redis.Client, serverName string, ttl time.Duration) *RedisMirror {
	if ttl <= 0 {
		ttl = DefaultMirrorTTL
	}
	return &RedisMirror{client: client, serverName: serverName, ttl: ttl}
}

// Record stores the destination state of tr and refreshes the TTL.
func (m *RedisMirror) Record(ctx context.Context, tr Transition) error {
	key := KeyPrefix + tr.Identity
	var lastSeen int64
	if !tr.LastSeen.IsZero() {
		lastSeen = tr.LastSeen.Unix()
	}

	pipe := m.client.Pipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"identity":   tr.Identity,
		"status":     string(tr.To),
		"last_seen":  lastSeen,
		"server":     m.serverName,
		"updated_at": tr.At.Unix(),
	})
	pipe.Expire(ctx, key, m.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: mirror %s: %w", tr.Identity, err)
	}
	return nil
}

// Get reads a mirrored snapshot. Returns nil if none exists.
func (m *RedisMirror) Get(ctx context.Context, identity string) (*Snapshot, error) {
	var snap Snapshot
	if err := m.client.HGetAll(ctx, KeyPrefix+identity).Scan(&snap); err != nil {
		return nil, fmt.Errorf("presence: read mirror %s: %w", identity, err)
	}
	if snap.Identity == "" {
		return nil, nil
	}
	return &snap, nil
}

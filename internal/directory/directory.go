// Package directory looks up public profile fields (username, avatar, gender,
// location) used for matching filters and match_found payloads. Profiles are
// owned by the account service and read here from Redis hashes.
package directory

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/whisper/rendezvous/internal/protocol"
)

// KeyPrefix is the Redis key prefix for user profile hashes.
const KeyPrefix = "user:"

// ErrNotFound is returned when no profile exists for an identity.
var ErrNotFound = errors.New("directory: profile not found")

// record mirrors the user:<identity> hash layout.
type record struct {
	Username string `redis:"username"`
	Avatar   string `redis:"avatar"`
	Gender   string `redis:"gender"`
	Country  string `redis:"country"`
	State    string `redis:"state"`
	City     string `redis:"city"`
}

// RedisDirectory reads profiles from Redis.
type RedisDirectory struct {
	client *redis.Client
}

// NewRedisDirectory creates a directory reading through client.
func NewRedisDirectory(client *redis.Client) *RedisDirectory {
	return &RedisDirectory{client: client}
}

// Lookup returns identity's profile. Anonymous identities have no stored
// profile and yield ErrNotFound like any other missing key.
func (d *RedisDirectory) Lookup(ctx context.Context, identity string) (protocol.Profile, error) {
	res := d.client.HGetAll(ctx, KeyPrefix+identity)
	if err := res.Err(); err != nil {
		return protocol.Profile{}, fmt.Errorf("directory: lookup %s: %w", identity, err)
	}
	if len(res.Val()) == 0 {
		return protocol.Profile{}, ErrNotFound
	}

	var rec record
	if err := res.Scan(&rec); err != nil {
		return protocol.Profile{}, fmt.Errorf("directory: decode %s: %w", identity, err)
	}
	return protocol.Profile{
		Identity: identity,
		Username: rec.Username,
		Avatar:   rec.Avatar,
		Gender:   rec.Gender,
		Country:  rec.Country,
		State:    rec.State,
		City:     rec.City,
	}, nil
}

// Save writes identity's profile. The account service owns profiles; this is
// used by tooling and tests to seed data.
func (d *RedisDirectory) Save(ctx context.Context, p protocol.Profile) error {
	err := d.client.HSet(ctx, KeyPrefix+p.Identity, map[string]interface{}{
		"username": p.Username,
		"avatar":   p.Avatar,
		"gender":   p.Gender,
		"country":  p.Country,
		"state":    p.State,
		"city":     p.City,
	}).Err()
	if err != nil {
		return fmt.Errorf("directory: save %s: %w", p.Identity, err)
	}
	return nil
}

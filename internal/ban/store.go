// Package ban keeps temporary identity bans in Redis. A ban is a key with a
// TTL; offenses are counted per identity and escalate into bans:
//
//	Key:   ban:<identity>       Value: <reason>   TTL: ban duration
//	Key:   offenses:<identity>  Value: <count>    TTL: OffenseWindow
package ban

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	BanPrefix     = "ban:"
	OffensePrefix = "offenses:"

	// Escalating ban durations.
	Ban15Min  = 15 * time.Minute // first ban
	Ban1Hour  = 1 * time.Hour    // second
	Ban24Hour = 24 * time.Hour   // third and later

	// OffenseWindow is how long the offense counter lives after the first
	// offense. The window does not slide.
	OffenseWindow = 24 * time.Hour

	// Threshold is the number of offenses within OffenseWindow that triggers
	// the first ban.
	Threshold = 3
)

// Status describes an active ban.
type Status struct {
	Reason    string
	Remaining time.Duration // zero when the TTL could not be read
}

// Store manages bans and offense counters in Redis.
type Store struct {
	client *redis.Client
}

// NewStore creates a Store on client.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

// Check reports whether identity is banned. Redis errors are returned; the
// caller decides whether to fail open.
func (s *Store) Check(ctx context.Context, identity string) (Status, bool, error) {
	key := BanPrefix + identity

	reason, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return Status{}, false, nil
	}
	if err != nil {
		return Status{}, false, fmt.Errorf("ban: check %s: %w", identity, err)
	}

	st := Status{Reason: reason}
	if ttl, err := s.client.TTL(ctx, key).Result(); err == nil && ttl > 0 {
		st.Remaining = ttl
	}
	return st, true, nil
}

// Ban bans identity for d.
func (s *Store) Ban(ctx context.Context, identity string, d time.Duration, reason string) error {
	if err := s.client.Set(ctx, BanPrefix+identity, reason, d).Err(); err != nil {
		return fmt.Errorf("ban: set %s: %w", identity, err)
	}
	return nil
}

// Unban lifts identity's ban immediately.
func (s *Store) Unban(ctx context.Context, identity string) error {
	return s.client.Del(ctx, BanPrefix+identity).Err()
}

// Offenses returns identity's offense count in the current window.
func (s *Store) Offenses(ctx context.Context, identity string) (int, error) {
	n, err := s.client.Get(ctx, OffensePrefix+identity).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("ban: offenses %s: %w", identity, err)
	}
	return n, nil
}

// RecordOffense counts one offense against identity. Once the count reaches
// Threshold every further offense re-bans with an escalating duration. It
// returns the applied ban duration, or zero when no ban was applied.
func (s *Store) RecordOffense(ctx context.Context, identity, reason string) (time.Duration, error) {
	key := OffensePrefix + identity

	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("ban: offense incr: %w", err)
	}
	if count == 1 {
		if err := s.client.Expire(ctx, key, OffenseWindow).Err(); err != nil {
			return 0, fmt.Errorf("ban: offense expire: %w", err)
		}
	}
	if count < Threshold {
		return 0, nil
	}

	d := escalation(int(count) - Threshold + 1)
	if err := s.Ban(ctx, identity, d, reason); err != nil {
		return 0, err
	}
	return d, nil
}

// escalation returns the duration of the nth ban within a window.
func escalation(nth int) time.Duration {
	switch {
	case nth <= 1:
		return Ban15Min
	case nth == 2:
		return Ban1Hour
	default:
		return Ban24Hour
	}
}

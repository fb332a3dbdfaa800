// Package relay delivers frames to identities: one-to-one within a session,
// and one-to-many to a room or to every connected identity. Delivery always
// targets the identity's current connection as recorded in the registry.
package relay

import (
	"errors"
	"fmt"
	"log"

	"github.com/whisper/rendezvous/internal/registry"
	"github.com/whisper/rendezvous/internal/session"
)

// ErrNoConnection means the target identity has no current connection.
var ErrNoConnection = errors.New("relay: identity has no current connection")

// Sender writes a frame to one connection without blocking.
type Sender interface {
	Send(connID string, data []byte) error
}

// Fanout resolves identities to connections and hands frames to the
// transport.
type Fanout struct {
	reg *registry.Registry
	out Sender
}

// NewFanout creates a Fanout over reg writing through out.
func NewFanout(reg *registry.Registry, out Sender) *Fanout {
	return &Fanout{reg: reg, out: out}
}

// ToIdentity sends data to identity's current connection.
func (f *Fanout) ToIdentity(identity string, data []byte) error {
	connID, ok := f.reg.Current(identity)
	if !ok {
		return ErrNoConnection
	}
	if err := f.out.Send(connID, data); err != nil {
		return fmt.Errorf("relay: send to %s: %w", identity, err)
	}
	return nil
}

// ToConn sends data to a specific connection, admitted or not.
func (f *Fanout) ToConn(connID string, data []byte) error {
	return f.out.Send(connID, data)
}

// ToSession checks that from belongs to sessionID and forwards data to the
// peer. Precondition failures are the session package's sentinel errors and
// leave no trace; a peer with no current connection yields ErrNoConnection
// together with the peer so the caller can tear the session down.
func (f *Fanout) ToSession(sessions *session.Manager, sessionID, from string, data []byte) (session.Member, error) {
	peer, err := sessions.Route(sessionID, from)
	if err != nil {
		return session.Member{}, err
	}
	if err := f.ToIdentity(peer.Identity, data); err != nil {
		return peer, err
	}
	return peer, nil
}

// ToGroup sends data to every identity in members except one. It returns how
// many connections accepted the frame.
func (f *Fanout) ToGroup(members []string, except string, data []byte) int {
	delivered := 0
	for _, identity := range members {
		if identity == except {
			continue
		}
		if err := f.ToIdentity(identity, data); err != nil {
			if !errors.Is(err, ErrNoConnection) {
				log.Printf("[relay] %v", err)
			}
			continue
		}
		delivered++
	}
	return delivered
}

// ToAll sends data to every registered identity except one.
func (f *Fanout) ToAll(except string, data []byte) int {
	return f.ToGroup(f.reg.Identities(), except, data)
}

// Package session tracks ephemeral two-party random-chat sessions: who is
// paired with whom, which stage the session reached, and who each identity was
// recently paired with.
package session

import (
	"errors"
	"time"

	"github.com/whisper/rendezvous/internal/protocol"
)

// Status is the lifecycle stage of a session.
type Status string

const (
	StatusConnecting Status = "connecting"
	StatusConnected  Status = "connected"
	StatusEnded      Status = "ended"
)

// EndReason records why a session ended, from the actor's point of view.
type EndReason string

const (
	ReasonDisconnected EndReason = "disconnected"
	ReasonSkipped      EndReason = "skipped"
	ReasonNext         EndReason = "next"
	ReasonPrevious     EndReason = "previous"
	ReasonExited       EndReason = "exited"
)

// PeerReason is the reason reported to the member who did not end the
// session.
func (r EndReason) PeerReason() string {
	switch r {
	case ReasonSkipped:
		return "partner_skipped"
	case ReasonNext:
		return "partner_requested_next"
	case ReasonPrevious:
		return "partner_requested_previous"
	case ReasonExited:
		return "partner_exited"
	default:
		return string(ReasonDisconnected)
	}
}

var (
	ErrNotFound  = errors.New("session: not found")
	ErrEnded     = errors.New("session: already ended")
	ErrNotMember = errors.New("session: sender is not a member")
	ErrBusy      = errors.New("session: identity already in a session")
)

// Member is one side of a session.
type Member struct {
	Identity string
	ConnID   string
	Profile  protocol.Profile
}

// Session is a pairing of two identities.
type Session struct {
	ID          string
	A           Member
	B           Member
	Status      Status
	StartedAt   time.Time
	ConnectedAt time.Time
	EndedAt     time.Time
	EndReason   EndReason
	EndedBy     string // member that ended it or lost its connection
}

// Peer returns the member opposite identity.
func (s *Session) Peer(identity string) (Member, bool) {
	switch identity {
	case s.A.Identity:
		return s.B, true
	case s.B.Identity:
		return s.A, true
	}
	return Member{}, false
}

// Has reports whether identity is a member.
func (s *Session) Has(identity string) bool {
	return identity == s.A.Identity || identity == s.B.Identity
}

// Active reports whether the session has not ended.
func (s *Session) Active() bool {
	return s.Status != StatusEnded
}

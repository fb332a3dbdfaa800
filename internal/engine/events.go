package engine

import (
	"time"

	"github.com/whisper/rendezvous/internal/protocol"
)

// Event is the closed set of inputs the engine loop processes.
type Event interface {
	isEvent()
}

// Admit binds a connection to an identity whose credentials the transport
// has already verified.
type Admit struct {
	ConnID   string
	Identity string
}

// Inbound is a decoded client frame.
type Inbound struct {
	ConnID string
	Msg    protocol.ClientMessage
}

// Disconnect reports that a transport connection is gone.
type Disconnect struct {
	ConnID string
}

// graceExpired is posted by a presence grace timer.
type graceExpired struct {
	identity string
	gen      uint64
}

// profileLoaded carries a directory lookup result back to the loop.
type profileLoaded struct {
	identity string
	token    uint64
	filters  protocol.Filters
	target   string // previous partner to pair with directly, if any
	profile  protocol.Profile
	err      error
}

// offenderBanned is posted when a recorded offense resulted in a ban.
type offenderBanned struct {
	identity string
	duration time.Duration
}

type statsRequest struct {
	reply chan Stats
}

func (Admit) isEvent()          {}
func (Inbound) isEvent()        {}
func (Disconnect) isEvent()     {}
func (graceExpired) isEvent()   {}
func (profileLoaded) isEvent()  {}
func (offenderBanned) isEvent() {}
func (statsRequest) isEvent()   {}

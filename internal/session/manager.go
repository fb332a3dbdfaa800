package session

import (
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/whisper/rendezvous/internal/matching"
)

const (
	// maxPrevious bounds how many past partners are remembered per identity.
	maxPrevious = 10

	// maxEnded bounds how many ended session ids are remembered so that late
	// traffic gets ErrEnded instead of ErrNotFound.
	maxEnded = 4096
)

// Manager owns every active session and the identity index. It is not safe
// for concurrent use; the engine event loop owns it.
type Manager struct {
	sessions   map[string]*Session // active sessions by id
	byIdentity map[string]string   // identity -> active session id
	previous   map[string][]string // identity -> recent partners, newest last

	ended      map[string]*Session
	endedOrder []string

	newID func() string
	now   func() time.Time
}

// NewManager creates an empty Manager.
func NewManager() *Manager {
	return &Manager{
		sessions:   make(map[string]*Session),
		byIdentity: make(map[string]string),
		previous:   make(map[string][]string),
		ended:      make(map[string]*Session),
		newID:      uuid.NewString,
		now:        time.Now,
	}
}

// SetClock overrides the time source.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// SetIDFunc overrides session id generation.
func (m *Manager) SetIDFunc(f func() string) {
	m.newID = f
}

// Create pairs a and b in a new connecting session. It fails with ErrBusy if
// either identity already holds an active session.
func (m *Manager) Create(a, b matching.Entry) (*Session, error) {
	if m.Busy(a.Identity) || m.Busy(b.Identity) || a.Identity == b.Identity {
		return nil, ErrBusy
	}

	s := &Session{
		ID:        m.newID(),
		A:         Member{Identity: a.Identity, ConnID: a.ConnID, Profile: a.Profile},
		B:         Member{Identity: b.Identity, ConnID: b.ConnID, Profile: b.Profile},
		Status:    StatusConnecting,
		StartedAt: m.now(),
	}
	m.sessions[s.ID] = s
	m.byIdentity[a.Identity] = s.ID
	m.byIdentity[b.Identity] = s.ID
	m.remember(a.Identity, b.Identity)
	m.remember(b.Identity, a.Identity)

	log.Printf("[session] created %s: %s <-> %s", s.ID, a.Identity, b.Identity)
	return s, nil
}

// Get returns the session with id, active or recently ended.
func (m *Manager) Get(id string) (*Session, error) {
	if s, ok := m.sessions[id]; ok {
		return s, nil
	}
	if s, ok := m.ended[id]; ok {
		return s, ErrEnded
	}
	return nil, ErrNotFound
}

// ForIdentity returns identity's active session.
func (m *Manager) ForIdentity(identity string) (*Session, bool) {
	id, ok := m.byIdentity[identity]
	if !ok {
		return nil, false
	}
	s, ok := m.sessions[id]
	return s, ok
}

// Busy reports whether identity holds an active session.
func (m *Manager) Busy(identity string) bool {
	_, ok := m.byIdentity[identity]
	return ok
}

// Route checks that from may send into session id and returns the member
// the traffic should be delivered to. Nothing is mutated.
func (m *Manager) Route(id, from string) (Member, error) {
	s, err := m.Get(id)
	if err != nil {
		return Member{}, err
	}
	peer, ok := s.Peer(from)
	if !ok {
		return Member{}, ErrNotMember
	}
	return peer, nil
}

// MarkConnected moves a connecting session to connected. It reports whether
// the status changed.
func (m *Manager) MarkConnected(id string) bool {
	s, ok := m.sessions[id]
	if !ok || s.Status != StatusConnecting {
		return false
	}
	s.Status = StatusConnected
	s.ConnectedAt = m.now()
	log.Printf("[session] %s connected", id)
	return true
}

// End terminates session id and frees both identities. by is the member
// that caused it: the one that skipped, moved on or exited, or the one whose
// connection was lost.
func (m *Manager) End(id string, reason EndReason, by string) (*Session, error) {
	s, err := m.Get(id)
	if err != nil {
		return nil, err
	}

	s.Status = StatusEnded
	s.EndedAt = m.now()
	s.EndReason = reason
	s.EndedBy = by

	delete(m.sessions, id)
	if m.byIdentity[s.A.Identity] == id {
		delete(m.byIdentity, s.A.Identity)
	}
	if m.byIdentity[s.B.Identity] == id {
		delete(m.byIdentity, s.B.Identity)
	}

	m.ended[id] = s
	m.endedOrder = append(m.endedOrder, id)
	if len(m.endedOrder) > maxEnded {
		delete(m.ended, m.endedOrder[0])
		m.endedOrder = m.endedOrder[1:]
	}

	log.Printf("[session] ended %s (%s)", id, reason)
	return s, nil
}

// PreviousPartner reports whether identity was recently paired with target.
func (m *Manager) PreviousPartner(identity, target string) bool {
	for _, p := range m.previous[identity] {
		if p == target {
			return true
		}
	}
	return false
}

// Forget drops identity's partner history, e.g. once it has gone offline.
func (m *Manager) Forget(identity string) {
	delete(m.previous, identity)
}

// Active returns the number of active sessions.
func (m *Manager) Active() int {
	return len(m.sessions)
}

func (m *Manager) remember(identity, partner string) {
	list := m.previous[identity]
	for i, p := range list {
		if p == partner {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	list = append(list, partner)
	if len(list) > maxPrevious {
		list = list[len(list)-maxPrevious:]
	}
	m.previous[identity] = list
}

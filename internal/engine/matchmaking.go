package engine

import (
	"context"
	"errors"
	"log"

	"github.com/whisper/rendezvous/internal/directory"
	"github.com/whisper/rendezvous/internal/history"
	"github.com/whisper/rendezvous/internal/matching"
	"github.com/whisper/rendezvous/internal/messaging"
	"github.com/whisper/rendezvous/internal/metrics"
	"github.com/whisper/rendezvous/internal/protocol"
	"github.com/whisper/rendezvous/internal/session"
)

func (e *Engine) joinQueue(identity, connID string, filters protocol.Filters) {
	if e.sessions.Busy(identity) {
		e.sendError(connID, protocol.CodeAlreadyInSession, "leave the current session first")
		return
	}
	e.enqueue(identity, filters, "")
}

// moveOn ends identity's current session, if any, with reason and queues it
// again with its last filters. A non-empty target asks to be paired with
// that previous partner directly.
func (e *Engine) moveOn(identity string, reason session.EndReason, target string) {
	if s, ok := e.sessions.ForIdentity(identity); ok {
		e.endSession(s, reason, identity)
	}
	e.enqueue(identity, e.lastFilters[identity], target)
}

func (e *Engine) exit(identity, connID string) {
	if s, ok := e.sessions.ForIdentity(identity); ok {
		e.endSession(s, session.ReasonExited, identity)
	}
	e.leaveQueue(identity)
	e.sendConn(connID, protocol.TypeQueueLeft, protocol.QueueLeftMsg{})
	e.updateGauges()
}

// leaveQueue removes identity from the queue and cancels any profile lookup
// that would otherwise enqueue it.
func (e *Engine) leaveQueue(identity string) bool {
	delete(e.pending, identity)
	return e.queue.Dequeue(identity)
}

// requeue puts identity back into the queue with its last filters if it is
// still connected and free.
func (e *Engine) requeue(identity string) {
	if _, ok := e.registry.Current(identity); !ok || e.sessions.Busy(identity) {
		return
	}
	e.enqueue(identity, e.lastFilters[identity], "")
}

// enqueue starts the profile lookup whose result enqueues identity. The
// lookup runs off the loop; profileLoaded re-validates before mutating.
func (e *Engine) enqueue(identity string, filters protocol.Filters, target string) {
	filters = matching.NormalizeFilters(filters)
	e.lastFilters[identity] = filters
	e.lookupSeq++
	token := e.lookupSeq
	e.pending[identity] = token

	ev := profileLoaded{
		identity: identity,
		token:    token,
		filters:  filters,
		target:   target,
	}
	if e.directory == nil {
		ev.profile = protocol.Profile{Identity: identity}
		e.profileLoaded(ev)
		return
	}

	lookup := e.directory
	timeout := e.cfg.CallTimeout
	e.async(func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		ev.profile, ev.err = lookup.Lookup(ctx, identity)
		e.post(ev)
	})
}

func (e *Engine) profileLoaded(ev profileLoaded) {
	if e.pending[ev.identity] != ev.token {
		return // cancelled or superseded
	}
	delete(e.pending, ev.identity)

	// The identity may have reconnected while the lookup ran; it queues on
	// whatever connection is current now.
	connID, ok := e.registry.Current(ev.identity)
	if !ok || e.sessions.Busy(ev.identity) {
		return
	}

	profile := ev.profile
	if ev.err != nil {
		if !errors.Is(ev.err, directory.ErrNotFound) {
			log.Printf("[engine] profile lookup for %s: %v (matching with bare profile)", ev.identity, ev.err)
		}
		profile = protocol.Profile{}
	}
	profile.Identity = ev.identity

	e.queue.Enqueue(matching.Entry{
		Identity:   ev.identity,
		ConnID:     connID,
		Profile:    profile,
		Filter:     ev.filters,
		EnqueuedAt: e.now(),
	})
	e.sendTo(ev.identity, protocol.TypeSearching, protocol.SearchingMsg{})

	var m *matching.MatchCandidate
	if ev.target != "" && e.sessions.PreviousPartner(ev.identity, ev.target) && !e.sessions.Busy(ev.target) {
		m = e.queue.Pair(ev.identity, ev.target)
	}
	if m == nil {
		m = e.queue.TryMatch(ev.identity, e.sessions.Busy, func(candidate string) bool {
			return e.avoids(ev.identity, candidate)
		})
	}
	if m != nil {
		e.startSession(m)
	}
	e.updateGauges()
}

// avoids reports whether a and b just walked away from each other. It only
// steers the choice when someone else is also compatible.
func (e *Engine) avoids(a, b string) bool {
	return e.avoid[a] == b || e.avoid[b] == a
}

func (e *Engine) startSession(m *matching.MatchCandidate) {
	s, err := e.sessions.Create(m.A, m.B)
	if err != nil {
		log.Printf("[engine] create session %s/%s: %v", m.A.Identity, m.B.Identity, err)
		return
	}
	delete(e.avoid, m.A.Identity)
	delete(e.avoid, m.B.Identity)
	metrics.MatchDuration.Observe(m.Waited(e.now()).Seconds())

	for _, member := range []session.Member{s.A, s.B} {
		peer, _ := s.Peer(member.Identity)
		e.sendTo(member.Identity, protocol.TypeMatchFound, protocol.MatchFoundMsg{
			SessionID: s.ID,
			Partner:   peer.Profile,
		})
		e.pushIfAway(member.Identity, messaging.Notification{
			Kind:      messaging.KindMatchFound,
			SessionID: s.ID,
			From:      displayName(peer.Profile),
		})
	}

	rec := history.SessionRecord{
		ID:        s.ID,
		IdentityA: s.A.Identity,
		IdentityB: s.B.Identity,
		StartedAt: s.StartedAt,
	}
	e.write(func(ctx context.Context) {
		if err := e.store.CreateSession(ctx, rec); err != nil {
			log.Printf("[engine] persist session %s: %v", rec.ID, err)
		}
	})
}

func endRecord(s *session.Session) history.SessionEnd {
	return history.SessionEnd{
		ID:          s.ID,
		Reason:      string(s.EndReason),
		EndedBy:     s.EndedBy,
		ConnectedAt: s.ConnectedAt,
		EndedAt:     s.EndedAt,
	}
}

func displayName(p protocol.Profile) string {
	if p.Username != "" {
		return p.Username
	}
	return "Someone"
}

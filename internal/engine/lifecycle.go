package engine

import (
	"context"
	"log"

	"github.com/whisper/rendezvous/internal/metrics"
	"github.com/whisper/rendezvous/internal/presence"
	"github.com/whisper/rendezvous/internal/protocol"
	"github.com/whisper/rendezvous/internal/session"
)

// admit registers connID as identity's current connection. A previous
// connection of the same identity is evicted and closed; its later
// Disconnect no longer resolves to identity and is ignored. A connection the
// transport already dropped while its credentials were checked is not
// registered: its Disconnect has been handled before this Admit.
func (e *Engine) admit(connID, identity string) {
	if current, ok := e.registry.Identity(connID); ok {
		if current == identity {
			e.sendConn(connID, protocol.TypeAuthenticated, protocol.AuthenticatedMsg{Identity: identity})
			return
		}
		e.sendError(connID, protocol.CodeInvalidMessage, "connection is already authenticated")
		return
	}
	if !e.transport.Alive(connID) {
		log.Printf("[engine] %s authenticated on %s after it closed, ignoring", identity, connID)
		return
	}

	if evicted := e.registry.Register(identity, connID); evicted != "" {
		metrics.Evictions.Inc()
		log.Printf("[engine] %s reconnected on %s, evicting %s", identity, connID, evicted)
		e.transport.Close(evicted)
	}
	if tr, ok := e.presence.Connected(identity); ok {
		e.publishPresence(tr)
	}
	e.sendConn(connID, protocol.TypeAuthenticated, protocol.AuthenticatedMsg{Identity: identity})

	// Resume whatever the identity was doing on the connection it replaced.
	if s, ok := e.sessions.ForIdentity(identity); ok {
		peer, _ := s.Peer(identity)
		e.sendTo(identity, protocol.TypeMatchFound, protocol.MatchFoundMsg{SessionID: s.ID, Partner: peer.Profile})
		if s.Status == session.StatusConnected {
			e.sendTo(identity, protocol.TypeConnected, protocol.ConnectedMsg{SessionID: s.ID})
		}
	} else if entry, ok := e.queue.Get(identity); ok {
		entry.ConnID = connID
		e.queue.Enqueue(entry)
		e.sendTo(identity, protocol.TypeSearching, protocol.SearchingMsg{})
	}
}

// disconnect runs the teardown cascade if connID is still identity's current
// connection.
func (e *Engine) disconnect(connID string) {
	identity, ok := e.registry.Identity(connID)
	if !ok {
		return
	}
	if !e.registry.Remove(identity, connID) {
		return
	}
	log.Printf("[engine] %s disconnected (%s)", identity, connID)
	e.teardown(identity)
}

// teardown releases everything identity holds after it lost its connection:
// presence goes away with a grace timer, it leaves the queue and its rooms,
// and any session is ended with the peer notified.
func (e *Engine) teardown(identity string) {
	if tr, ok := e.presence.Disconnected(identity); ok {
		e.publishPresence(tr)
	}
	e.leaveQueue(identity)
	for _, room := range e.groups.LeaveAll(identity) {
		e.toRoom(room, identity, protocol.TypeUserLeft, protocol.RoomMemberMsg{RoomID: room, Identity: identity})
	}
	if s, ok := e.sessions.ForIdentity(identity); ok {
		e.endSession(s, session.ReasonDisconnected, identity)
	}
	delete(e.lastFilters, identity)
	delete(e.avoid, identity)
	e.updateGauges()
}

// endSession ends s on behalf of actor, tells the other member why, and
// optionally puts that member back in the queue.
func (e *Engine) endSession(s *session.Session, reason session.EndReason, actor string) {
	ended, err := e.sessions.End(s.ID, reason, actor)
	if err != nil {
		log.Printf("[engine] end session %s: %v", s.ID, err)
		return
	}
	peer, _ := ended.Peer(actor)

	e.sendTo(peer.Identity, protocol.TypePartnerDisconnected, protocol.PartnerDisconnectedMsg{
		SessionID: ended.ID,
		Reason:    reason.PeerReason(),
	})
	metrics.SessionsEnded.WithLabelValues(string(reason)).Inc()

	if reason == session.ReasonSkipped || reason == session.ReasonNext {
		e.avoid[actor] = peer.Identity
		e.avoid[peer.Identity] = actor
	}

	end := endRecord(ended)
	e.write(func(ctx context.Context) {
		if err := e.store.EndSession(ctx, end); err != nil {
			log.Printf("[engine] persist end of %s: %v", end.ID, err)
		}
	})

	if e.cfg.RequeuePartner {
		e.requeue(peer.Identity)
	}
	e.updateGauges()
}

// publishPresence fans a transition out to every other connected identity
// and to the configured sinks.
func (e *Engine) publishPresence(tr presence.Transition) {
	msg := protocol.PresenceChangedMsg{Identity: tr.Identity, Status: string(tr.To)}
	if tr.To == presence.StatusOffline {
		if !tr.LastSeen.IsZero() {
			msg.LastSeen = tr.LastSeen.Unix()
		}
		e.sessions.Forget(tr.Identity)
	}
	data, err := protocol.NewServerMessage(protocol.TypePresenceChanged, msg)
	if err != nil {
		log.Printf("[engine] encode presence: %v", err)
		return
	}
	e.fanout.ToAll(tr.Identity, data)

	for status, n := range e.presence.Counts() {
		metrics.PresenceOnline.WithLabelValues(string(status)).Set(float64(n))
	}

	for _, sink := range e.sinks {
		sink := sink
		e.write(func(ctx context.Context) {
			if err := sink.Record(ctx, tr); err != nil {
				log.Printf("[engine] presence sink: %v", err)
			}
		})
	}
}

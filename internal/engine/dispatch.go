package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/whisper/rendezvous/internal/history"
	"github.com/whisper/rendezvous/internal/messaging"
	"github.com/whisper/rendezvous/internal/metrics"
	"github.com/whisper/rendezvous/internal/moderation"
	"github.com/whisper/rendezvous/internal/presence"
	"github.com/whisper/rendezvous/internal/protocol"
	"github.com/whisper/rendezvous/internal/relay"
	"github.com/whisper/rendezvous/internal/session"
)

// inbound routes one client frame. Every variant except ping requires the
// connection to be the current connection of an admitted identity.
func (e *Engine) inbound(connID string, msg protocol.ClientMessage) {
	if _, ok := msg.(protocol.PingMsg); ok {
		e.sendConn(connID, protocol.TypePong, protocol.PongMsg{})
		return
	}
	identity, ok := e.registry.Identity(connID)
	if !ok {
		e.sendError(connID, protocol.CodeNotAuthenticated, "authenticate first")
		return
	}

	switch m := msg.(type) {
	case protocol.AuthenticateMsg:
		e.sendError(connID, protocol.CodeInvalidMessage, "connection is already authenticated")

	case protocol.JoinQueueMsg:
		e.joinQueue(identity, connID, m.Filters)
	case protocol.LeaveQueueMsg:
		e.leaveQueue(identity)
		e.sendConn(connID, protocol.TypeQueueLeft, protocol.QueueLeftMsg{})
		e.updateGauges()
	case protocol.SkipMsg:
		e.moveOn(identity, session.ReasonSkipped, "")
	case protocol.NextMsg:
		e.moveOn(identity, session.ReasonNext, "")
	case protocol.PreviousMsg:
		e.moveOn(identity, session.ReasonPrevious, strings.TrimSpace(m.TargetIdentity))
	case protocol.ExitMsg:
		e.exit(identity, connID)

	case protocol.SessionMessageMsg:
		e.sessionMessage(identity, connID, m)
	case protocol.TypingMsg:
		e.relaySession(identity, connID, m.SessionID, protocol.TypeTyping,
			protocol.ServerTypingMsg{SessionID: m.SessionID, IsTyping: m.IsTyping})
	case protocol.SignalMsg:
		if _, ok := e.relaySession(identity, connID, m.SessionID, m.Kind,
			protocol.ServerSignalMsg{SessionID: m.SessionID, Payload: m.Payload}); ok {
			metrics.MessagesTotal.WithLabelValues("signal").Inc()
			if m.Kind == protocol.TypeSignalAnswer {
				e.markConnected(m.SessionID)
			}
		}

	case protocol.JoinRoomMsg:
		e.joinRoom(identity, connID, strings.TrimSpace(m.RoomID))
	case protocol.LeaveRoomMsg:
		room := strings.TrimSpace(m.RoomID)
		if e.groups.Leave(room, identity) {
			e.toRoom(room, identity, protocol.TypeUserLeft, protocol.RoomMemberMsg{RoomID: room, Identity: identity})
		}
	case protocol.RoomTypingMsg:
		room := strings.TrimSpace(m.RoomID)
		if !e.groups.IsMember(room, identity) {
			e.sendError(connID, protocol.CodeInvalidMessage, "not a member of room "+room)
			return
		}
		e.toRoom(room, identity, protocol.TypeRoomTyping, protocol.ServerRoomTypingMsg{
			RoomID: room, Identity: identity, IsTyping: m.IsTyping,
		})

	case protocol.AppClosingMsg:
		if tr, ok := e.presence.Closing(identity); ok {
			e.publishPresence(tr)
		}
	case protocol.AppBackgroundMsg:
		if tr, ok := e.presence.Background(identity); ok {
			e.publishPresence(tr)
		}
	case protocol.AppForegroundMsg:
		if tr, ok := e.presence.Foreground(identity); ok {
			e.publishPresence(tr)
		}

	default:
		e.sendError(connID, protocol.CodeUnsupportedType, "unsupported message")
	}
}

func (e *Engine) sessionMessage(identity, connID string, m protocol.SessionMessageMsg) {
	if err := moderation.ValidateMessage(m.Text, m.MediaRef); err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		e.sendError(connID, protocol.CodeInvalidMessage, err.Error())
		return
	}
	if m.Text != "" {
		if res := e.filter.Check(m.Text); res.Blocked {
			metrics.MessagesTotal.WithLabelValues("blocked").Inc()
			log.Printf("[engine] blocked message from %s in %s: %s/%s", identity, m.SessionID, res.Reason, res.Term)
			e.sendError(connID, protocol.CodeMessageBlocked, "message was blocked")
			e.recordOffense(identity, res.Reason)
			return
		}
	}

	now := e.now()
	peer, ok := e.relaySession(identity, connID, m.SessionID, protocol.TypeSessionMessage, protocol.ServerSessionMsg{
		SessionID: m.SessionID,
		Text:      m.Text,
		MediaRef:  m.MediaRef,
		Ts:        now.Unix(),
	})
	if !ok {
		return
	}
	metrics.MessagesTotal.WithLabelValues("relayed").Inc()
	e.markConnected(m.SessionID)

	rec := history.Message{
		SessionID: m.SessionID,
		Sender:    identity,
		Text:      m.Text,
		MediaRef:  m.MediaRef,
		SentAt:    now,
	}
	e.write(func(ctx context.Context) {
		if err := e.store.AppendMessage(ctx, rec); err != nil {
			log.Printf("[engine] persist message in %s: %v", rec.SessionID, err)
		}
	})

	sender := protocol.Profile{}
	if s, ok := e.sessions.ForIdentity(identity); ok {
		if me, ok := s.Peer(peer.Identity); ok {
			sender = me.Profile
		}
	}
	e.pushIfAway(peer.Identity, messaging.Notification{
		Kind:      messaging.KindSessionMessage,
		SessionID: m.SessionID,
		From:      displayName(sender),
		Preview:   m.Text,
	})
}

// relaySession forwards a session-scoped frame from identity to its peer.
// Precondition failures are reported to the sender without side effects. A
// peer that has no current connection means the session outlived its member;
// it is torn down the same way a disconnect would.
func (e *Engine) relaySession(identity, connID, sessionID, msgType string, payload interface{}) (session.Member, bool) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("[engine] encode %s: %v", msgType, err)
		return session.Member{}, false
	}

	peer, err := e.fanout.ToSession(e.sessions, sessionID, identity, data)
	switch {
	case err == nil:
		return peer, true
	case errors.Is(err, session.ErrNotMember):
		e.sendError(connID, protocol.CodeNotInSession, "not a member of this session")
	case errors.Is(err, session.ErrNotFound), errors.Is(err, session.ErrEnded):
		e.sendError(connID, protocol.CodeInvalidSession, "session does not exist or has ended")
	case errors.Is(err, relay.ErrNoConnection):
		log.Printf("[engine] %s in session %s has no connection, tearing down", peer.Identity, sessionID)
		e.teardown(peer.Identity)
	default:
		// The transport closes connections it cannot buffer for; their
		// Disconnect event does the cleanup.
		log.Printf("[engine] relay %s in %s: %v", msgType, sessionID, err)
	}
	return session.Member{}, false
}

func (e *Engine) markConnected(sessionID string) {
	if !e.sessions.MarkConnected(sessionID) {
		return
	}
	s, err := e.sessions.Get(sessionID)
	if err != nil {
		return
	}
	for _, member := range []session.Member{s.A, s.B} {
		e.sendTo(member.Identity, protocol.TypeConnected, protocol.ConnectedMsg{SessionID: sessionID})
	}
}

func (e *Engine) joinRoom(identity, connID, room string) {
	if room == "" {
		e.sendError(connID, protocol.CodeInvalidMessage, "room_id is required")
		return
	}
	joined := e.groups.Join(room, identity)

	members := e.groups.Members(room)
	status := make([]protocol.MemberStatus, 0, len(members))
	for _, member := range members {
		status = append(status, protocol.MemberStatus{
			Identity: member,
			Status:   string(e.presence.Status(member)),
		})
	}
	e.sendConn(connID, protocol.TypeRoomMembersStatus, protocol.RoomMembersStatusMsg{RoomID: room, Members: status})

	if joined {
		e.toRoom(room, identity, protocol.TypeUserJoined, protocol.RoomMemberMsg{RoomID: room, Identity: identity})
	}
}

// toRoom sends to every member of room except the originator.
func (e *Engine) toRoom(room, except, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("[engine] encode %s: %v", msgType, err)
		return
	}
	e.fanout.ToGroup(e.groups.Members(room), except, data)
}

// pushIfAway asks for a push notification when identity's app is not in the
// foreground.
func (e *Engine) pushIfAway(identity string, n messaging.Notification) {
	if e.notifier == nil || e.presence.Status(identity) != presence.StatusAway {
		return
	}
	n.Identity = identity
	n.Ts = e.now().Unix()
	e.write(func(ctx context.Context) {
		if err := e.notifier.Notify(ctx, n); err != nil {
			log.Printf("[engine] push to %s: %v", identity, err)
		}
	})
}

func (e *Engine) sendTo(identity, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("[engine] encode %s: %v", msgType, err)
		return
	}
	if err := e.fanout.ToIdentity(identity, data); err != nil && !errors.Is(err, relay.ErrNoConnection) {
		log.Printf("[engine] send %s: %v", msgType, err)
	}
}

func (e *Engine) sendConn(connID, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("[engine] encode %s: %v", msgType, err)
		return
	}
	if err := e.fanout.ToConn(connID, data); err != nil {
		log.Printf("[engine] send %s to %s: %v", msgType, connID, err)
	}
}

func (e *Engine) sendError(connID, code, message string) {
	e.sendConn(connID, protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message})
}

// recordOffense counts a blocked message against identity off the loop and
// kicks it if that earned a ban.
func (e *Engine) recordOffense(identity, reason string) {
	if e.offenses == nil {
		return
	}
	e.write(func(ctx context.Context) {
		d, err := e.offenses.RecordOffense(ctx, identity, reason)
		if err != nil {
			log.Printf("[engine] record offense for %s: %v", identity, err)
			return
		}
		if d > 0 {
			e.post(offenderBanned{identity: identity, duration: d})
		}
	})
}

// kick tells a banned identity why and closes its connection. The disconnect
// that follows tears its session down.
func (e *Engine) kick(identity string, d time.Duration) {
	connID, ok := e.registry.Current(identity)
	if !ok {
		return
	}
	log.Printf("[engine] banned %s for %s, closing conn=%s", identity, d, connID)
	e.sendError(connID, protocol.CodeBanned, fmt.Sprintf("banned for %s", d))
	e.transport.Close(connID)
}

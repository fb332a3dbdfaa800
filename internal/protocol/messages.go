// Package protocol defines the WebSocket message types and structures used for
// communication between the client and the engine. All messages are serialized
// as JSON and follow a consistent envelope format with a type discriminator.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeAuthenticate   = "authenticate"
	TypeJoinRoom       = "join_room"
	TypeLeaveRoom      = "leave_room"
	TypeRoomTyping     = "room_typing"
	TypeJoinQueue      = "join_queue"
	TypeLeaveQueue     = "leave_queue"
	TypeSkip           = "skip"
	TypeNext           = "next"
	TypePrevious       = "previous"
	TypeExit           = "exit"
	TypeSessionMessage = "session_message"
	TypeTyping         = "typing"
	TypeSignalOffer    = "signal_offer"
	TypeSignalAnswer   = "signal_answer"
	TypeSignalICE      = "signal_ice"
	TypeAppClosing     = "app_closing"
	TypeAppBackground  = "app_background"
	TypeAppForeground  = "app_foreground"
	TypePing           = "ping"
)

// Server -> Client message types. Session relay reuses the client types for
// session_message, typing, room_typing and the three signal_* envelopes.
const (
	TypeConnectionReady     = "connection_ready"
	TypeAuthenticated       = "authenticated"
	TypeSearching           = "searching"
	TypeMatchFound          = "match_found"
	TypeConnected           = "connected"
	TypePartnerDisconnected = "partner_disconnected"
	TypeQueueLeft           = "queue_left"
	TypePresenceChanged     = "presence_changed"
	TypeRoomMembersStatus   = "room_members_status"
	TypeUserJoined          = "user_joined"
	TypeUserLeft            = "user_left"
	TypeRateLimited         = "rate_limited"
	TypeError               = "error"
	TypePong                = "pong"
)

// Error codes carried by ErrorMsg.
const (
	CodeParseError       = "parse_error"
	CodeUnsupportedType  = "unsupported_type"
	CodeAuthFailed       = "auth_failed"
	CodeNotAuthenticated = "not_authenticated"
	CodeAlreadyInSession = "already_in_session"
	CodeNotInSession     = "not_in_session"
	CodeInvalidSession   = "invalid_session"
	CodeInvalidMessage   = "invalid_message"
	CodeMessageBlocked   = "message_blocked"
	CodeBanned           = "banned"
)

// ErrUnknownType is wrapped by ParseClientMessage for well-formed frames whose
// type is not a client message.
var ErrUnknownType = errors.New("protocol: unknown client message type")

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// ClientMessage is the closed set of messages a client may send. Only types
// declared in this package implement it.
type ClientMessage interface {
	clientMessage()
}

// SessionScoped is implemented by client messages that target a chat session.
type SessionScoped interface {
	ClientMessage
	Session() string
}

// Filters narrows which partners a join_queue request accepts. Empty fields
// impose no constraint.
type Filters struct {
	Gender  string `json:"gender,omitempty"`
	Country string `json:"country,omitempty"`
	State   string `json:"state,omitempty"`
	City    string `json:"city,omitempty"`
}

// AuthenticateMsg admits the connection under an identity. An empty token
// requests an anonymous identity derived from ResumeKey.
type AuthenticateMsg struct {
	Token     string `json:"token"`
	ResumeKey string `json:"resume_key"`
}

// JoinRoomMsg subscribes the connection to a room's fanout group.
type JoinRoomMsg struct {
	RoomID string `json:"room_id"`
}

// LeaveRoomMsg unsubscribes the connection from a room's fanout group.
type LeaveRoomMsg struct {
	RoomID string `json:"room_id"`
}

// RoomTypingMsg is a typing indicator broadcast to a room.
type RoomTypingMsg struct {
	RoomID   string `json:"room_id"`
	IsTyping bool   `json:"is_typing"`
}

// JoinQueueMsg enters the matchmaking queue.
type JoinQueueMsg struct {
	Filters Filters `json:"filters"`
}

// LeaveQueueMsg leaves the matchmaking queue.
type LeaveQueueMsg struct{}

// SkipMsg ends the current session and searches again.
type SkipMsg struct{}

// NextMsg ends the current session and searches again.
type NextMsg struct{}

// PreviousMsg ends the current session and asks to be paired with a
// previously matched identity.
type PreviousMsg struct {
	TargetIdentity string `json:"target_identity"`
}

// ExitMsg ends the current session and leaves matchmaking entirely.
type ExitMsg struct{}

// SessionMessageMsg is a chat message within a session.
type SessionMessageMsg struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
	MediaRef  string `json:"media_ref,omitempty"`
}

// TypingMsg indicates whether the client is typing within a session.
type TypingMsg struct {
	SessionID string `json:"session_id"`
	IsTyping  bool   `json:"is_typing"`
}

// SignalMsg is a WebRTC signaling envelope. Payload is never inspected.
type SignalMsg struct {
	Kind      string          `json:"-"`
	SessionID string          `json:"session_id"`
	Payload   json.RawMessage `json:"payload"`
}

// AppClosingMsg reports that the client app is quitting.
type AppClosingMsg struct{}

// AppBackgroundMsg reports that the client app moved to the background.
type AppBackgroundMsg struct{}

// AppForegroundMsg reports that the client app returned to the foreground.
type AppForegroundMsg struct{}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct{}

func (AuthenticateMsg) clientMessage()   {}
func (JoinRoomMsg) clientMessage()       {}
func (LeaveRoomMsg) clientMessage()      {}
func (RoomTypingMsg) clientMessage()     {}
func (JoinQueueMsg) clientMessage()      {}
func (LeaveQueueMsg) clientMessage()     {}
func (SkipMsg) clientMessage()           {}
func (NextMsg) clientMessage()           {}
func (PreviousMsg) clientMessage()       {}
func (ExitMsg) clientMessage()           {}
func (SessionMessageMsg) clientMessage() {}
func (TypingMsg) clientMessage()         {}
func (SignalMsg) clientMessage()         {}
func (AppClosingMsg) clientMessage()     {}
func (AppBackgroundMsg) clientMessage()  {}
func (AppForegroundMsg) clientMessage()  {}
func (PingMsg) clientMessage()           {}

func (m SessionMessageMsg) Session() string { return m.SessionID }
func (m TypingMsg) Session() string         { return m.SessionID }
func (m SignalMsg) Session() string         { return m.SessionID }

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// Profile is the display snapshot of a matched partner.
type Profile struct {
	Identity string `json:"identity"`
	Username string `json:"username,omitempty"`
	Avatar   string `json:"avatar,omitempty"`
	Gender   string `json:"gender,omitempty"`
	Country  string `json:"country,omitempty"`
	State    string `json:"state,omitempty"`
	City     string `json:"city,omitempty"`
}

// ConnectionReadyMsg is sent when the WebSocket upgrade completes.
type ConnectionReadyMsg struct {
	ConnectionID string `json:"connection_id"`
}

// AuthenticatedMsg confirms the identity the connection was admitted under.
type AuthenticatedMsg struct {
	Identity string `json:"identity"`
}

// SearchingMsg confirms the client is waiting in the matchmaking queue.
type SearchingMsg struct{}

// MatchFoundMsg is sent to both members when a session is formed.
type MatchFoundMsg struct {
	SessionID string  `json:"session_id"`
	Partner   Profile `json:"partner"`
}

// ConnectedMsg is sent to both members once the session is established.
type ConnectedMsg struct {
	SessionID string `json:"session_id"`
}

// ServerSessionMsg is a chat message relayed from the partner.
type ServerSessionMsg struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text,omitempty"`
	MediaRef  string `json:"media_ref,omitempty"`
	Ts        int64  `json:"ts"`
}

// ServerTypingMsg relays the partner's typing indicator.
type ServerTypingMsg struct {
	SessionID string `json:"session_id"`
	IsTyping  bool   `json:"is_typing"`
}

// ServerSignalMsg relays a signaling envelope from the partner.
type ServerSignalMsg struct {
	SessionID string          `json:"session_id"`
	Payload   json.RawMessage `json:"payload"`
}

// PartnerDisconnectedMsg tells the remaining member why the session ended.
type PartnerDisconnectedMsg struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
}

// QueueLeftMsg confirms the client left matchmaking.
type QueueLeftMsg struct{}

// PresenceChangedMsg announces an identity's presence transition.
type PresenceChangedMsg struct {
	Identity string `json:"identity"`
	Status   string `json:"status"`
	LastSeen int64  `json:"last_seen,omitempty"`
}

// MemberStatus is one entry of RoomMembersStatusMsg.
type MemberStatus struct {
	Identity string `json:"identity"`
	Status   string `json:"status"`
}

// RoomMembersStatusMsg lists the presence of every member of a room.
type RoomMembersStatusMsg struct {
	RoomID  string         `json:"room_id"`
	Members []MemberStatus `json:"members"`
}

// RoomMemberMsg announces a join or leave within a room.
type RoomMemberMsg struct {
	RoomID   string `json:"room_id"`
	Identity string `json:"identity"`
}

// ServerRoomTypingMsg relays a room typing indicator.
type ServerRoomTypingMsg struct {
	RoomID   string `json:"room_id"`
	Identity string `json:"identity"`
	IsTyping bool   `json:"is_typing"`
}

// RateLimitedMsg is sent when the client has been rate-limited.
type RateLimitedMsg struct {
	RetryAfter int `json:"retry_after"`
}

// ErrorMsg communicates a rejected request. No state was changed.
type ErrorMsg struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct{}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded variant, and any error
// encountered during parsing. Unknown and server-only types are errors.
func ParseClientMessage(data []byte) (string, ClientMessage, error) {
	if !gjson.ValidBytes(data) {
		return "", nil, fmt.Errorf("protocol: failed to parse message: invalid JSON")
	}
	typ := gjson.GetBytes(data, "type")
	if typ.Type != gjson.String || typ.Str == "" {
		return "", nil, fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	msgType := typ.Str

	var (
		msg ClientMessage
		err error
	)

	switch msgType {
	case TypeAuthenticate:
		var m AuthenticateMsg
		err = json.Unmarshal(data, &m)
		msg = m
	case TypeJoinRoom:
		var m JoinRoomMsg
		err = json.Unmarshal(data, &m)
		msg = m
	case TypeLeaveRoom:
		var m LeaveRoomMsg
		err = json.Unmarshal(data, &m)
		msg = m
	case TypeRoomTyping:
		var m RoomTypingMsg
		err = json.Unmarshal(data, &m)
		msg = m
	case TypeJoinQueue:
		var m JoinQueueMsg
		err = json.Unmarshal(data, &m)
		msg = m
	case TypeLeaveQueue:
		msg = LeaveQueueMsg{}
	case TypeSkip:
		msg = SkipMsg{}
	case TypeNext:
		msg = NextMsg{}
	case TypePrevious:
		var m PreviousMsg
		err = json.Unmarshal(data, &m)
		msg = m
	case TypeExit:
		msg = ExitMsg{}
	case TypeSessionMessage:
		var m SessionMessageMsg
		err = json.Unmarshal(data, &m)
		msg = m
	case TypeTyping:
		var m TypingMsg
		err = json.Unmarshal(data, &m)
		msg = m
	case TypeSignalOffer, TypeSignalAnswer, TypeSignalICE:
		var m SignalMsg
		err = json.Unmarshal(data, &m)
		m.Kind = msgType
		msg = m
	case TypeAppClosing:
		msg = AppClosingMsg{}
	case TypeAppBackground:
		msg = AppBackgroundMsg{}
	case TypeAppForeground:
		msg = AppForegroundMsg{}
	case TypePing:
		msg = PingMsg{}
	default:
		return msgType, nil, fmt.Errorf("%w: %q", ErrUnknownType, msgType)
	}

	if err != nil {
		return msgType, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", msgType, err)
	}
	return msgType, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key. The payload
// should be one of the server message structs.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}
	if m == nil {
		m = make(map[string]json.RawMessage, 1)
	}

	typ, _ := json.Marshal(msgType)
	m["type"] = typ

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}

// MustServerMessage is NewServerMessage for payloads that are known to
// marshal. It panics on error.
func MustServerMessage(msgType string, payload interface{}) []byte {
	data, err := NewServerMessage(msgType, payload)
	if err != nil {
		panic(err)
	}
	return data
}

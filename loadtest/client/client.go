// Package client is a WebSocket test client for the rendezvous server. It
// speaks the JSON protocol over gobwas/ws (the library the server uses) and
// exposes a blocking Expect API so scenarios read top to bottom.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Client -> Server message types.
const (
	TypeAuthenticate   = "authenticate"
	TypeJoinQueue      = "join_queue"
	TypeLeaveQueue     = "leave_queue"
	TypeSkip           = "skip"
	TypeNext           = "next"
	TypeExit           = "exit"
	TypeSessionMessage = "session_message"
	TypeSignalAnswer   = "signal_answer"
	TypeAppClosing     = "app_closing"
	TypePing           = "ping"
)

// Server -> Client message types.
const (
	TypeConnectionReady     = "connection_ready"
	TypeAuthenticated       = "authenticated"
	TypeSearching           = "searching"
	TypeMatchFound          = "match_found"
	TypeConnected           = "connected"
	TypePartnerDisconnected = "partner_disconnected"
	TypePresenceChanged     = "presence_changed"
	TypeRateLimited         = "rate_limited"
	TypeError               = "error"
	TypePong                = "pong"
)

// ErrClosed is returned by Expect once the read loop has stopped.
var ErrClosed = errors.New("client: connection closed")

// Frame is one decoded server frame.
type Frame struct {
	Type string
	Raw  json.RawMessage
	At   time.Time // when it was read
}

// Decode unmarshals the frame into v.
func (f Frame) Decode(v interface{}) error {
	return json.Unmarshal(f.Raw, v)
}

// ServerError is returned by Expect when the server answers with an error
// frame the caller did not ask for.
type ServerError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error %s: %s", e.Code, e.Message)
}

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency   time.Duration
	MessagesReceived int64
	MessagesSent     int64
	Dropped          int64 // frames discarded because nobody was reading
}

// Options tune Dial.
type Options struct {
	// ForwardedFor is sent as X-Forwarded-For so many clients from one host
	// do not share a per-IP connection budget.
	ForwardedFor string
	// Buffer is the number of unread frames kept before new ones are dropped.
	Buffer int
}

// Client is one simulated user connection.
type Client struct {
	conn      net.Conn
	writeMu   sync.Mutex
	frames    chan Frame
	done      chan struct{}
	readDone  chan struct{}
	closeOnce sync.Once

	identity       string
	connectLatency time.Duration
	received       atomic.Int64
	sent           atomic.Int64
	dropped        atomic.Int64
}

// Dial connects to url and starts reading frames in the background.
func Dial(ctx context.Context, url string, opts Options) (*Client, error) {
	if opts.Buffer <= 0 {
		opts.Buffer = 256
	}
	dialer := ws.Dialer{}
	if opts.ForwardedFor != "" {
		dialer.Header = ws.HandshakeHeaderHTTP(http.Header{
			"X-Forwarded-For": []string{opts.ForwardedFor},
		})
	}

	start := time.Now()
	conn, _, _, err := dialer.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	c := &Client{
		conn:           conn,
		frames:         make(chan Frame, opts.Buffer),
		done:           make(chan struct{}),
		readDone:       make(chan struct{}),
		connectLatency: time.Since(start),
	}
	go c.readLoop()
	return c, nil
}

// Authenticate sends credentials and waits for the authenticated reply. An
// empty token asks for an anonymous identity keyed by resumeKey.
func (c *Client) Authenticate(ctx context.Context, token, resumeKey string) (string, error) {
	err := c.Send(map[string]string{
		"type":       TypeAuthenticate,
		"token":      token,
		"resume_key": resumeKey,
	})
	if err != nil {
		return "", err
	}
	f, err := c.Expect(ctx, TypeAuthenticated)
	if err != nil {
		return "", err
	}
	var msg struct {
		Identity string `json:"identity"`
	}
	if err := f.Decode(&msg); err != nil {
		return "", fmt.Errorf("decode authenticated: %w", err)
	}
	c.identity = msg.Identity
	return msg.Identity, nil
}

// JoinQueue enters matchmaking with the given filters (nil for none).
func (c *Client) JoinQueue(filters map[string]string) error {
	msg := map[string]interface{}{"type": TypeJoinQueue}
	if len(filters) > 0 {
		msg["filters"] = filters
	}
	return c.Send(msg)
}

// Send writes msg as a JSON text frame. It is goroutine-safe.
func (c *Client) Send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := wsutil.WriteClientMessage(c.conn, ws.OpText, data); err != nil {
		return err
	}
	c.sent.Add(1)
	return nil
}

// Expect reads frames until one of the given types arrives. Frames of other
// types are discarded, except error frames, which are returned as
// *ServerError unless TypeError is among types.
func (c *Client) Expect(ctx context.Context, types ...string) (Frame, error) {
	for {
		select {
		case <-ctx.Done():
			return Frame{}, fmt.Errorf("waiting for %v: %w", types, ctx.Err())
		case f, ok := <-c.frames:
			if !ok {
				return Frame{}, ErrClosed
			}
			for _, t := range types {
				if f.Type == t {
					return f, nil
				}
			}
			if f.Type == TypeError {
				se := &ServerError{}
				_ = f.Decode(se)
				return Frame{}, se
			}
		}
	}
}

// Identity returns the identity from the last successful Authenticate.
func (c *Client) Identity() string {
	return c.identity
}

// Alive reports whether the server side of the connection is still open.
func (c *Client) Alive() bool {
	select {
	case <-c.readDone:
		return false
	default:
		return true
	}
}

// Close closes the connection. It is safe to call multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// Metrics returns a snapshot of the client's counters.
func (c *Client) Metrics() Metrics {
	return Metrics{
		ConnectLatency:   c.connectLatency,
		MessagesReceived: c.received.Load(),
		MessagesSent:     c.sent.Load(),
		Dropped:          c.dropped.Load(),
	}
}

func (c *Client) readLoop() {
	defer close(c.readDone)
	defer close(c.frames)
	for {
		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			return
		}
		c.received.Add(1)

		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			continue
		}
		f := Frame{Type: envelope.Type, Raw: data, At: time.Now()}
		select {
		case c.frames <- f:
		case <-c.done:
			return
		default:
			c.dropped.Add(1)
		}
	}
}

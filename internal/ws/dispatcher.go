package ws

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/whisper/rendezvous/internal/ban"
	"github.com/whisper/rendezvous/internal/engine"
	"github.com/whisper/rendezvous/internal/metrics"
	"github.com/whisper/rendezvous/internal/protocol"
	"github.com/whisper/rendezvous/internal/ratelimit"
)

// Submitter accepts engine events. *engine.Engine implements it.
type Submitter interface {
	Submit(ev engine.Event) bool
}

// Identifier turns authenticate credentials into an identity.
// *auth.Verifier implements it.
type Identifier interface {
	Identify(ctx context.Context, token, resumeKey, connID string) (string, error)
}

// Limiter is the subset of *ratelimit.Limiter the dispatcher uses.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
	RetryAfter(ctx context.Context, identifier string, rule ratelimit.Rule) time.Duration
}

// BanChecker reports active identity bans. *ban.Store implements it.
type BanChecker interface {
	Check(ctx context.Context, identity string) (ban.Status, bool, error)
}

// Dispatcher is the transport Handler. It decodes frames, answers pings,
// verifies credentials and applies rate limits on the read worker, and
// forwards everything else to the engine as events.
type Dispatcher struct {
	engine   Submitter
	identity Identifier
	limiter  Limiter    // nil disables rate limiting
	bans     BanChecker // nil disables ban checks
	timeout  time.Duration
}

// NewDispatcher creates a Dispatcher. limiter may be nil.
func NewDispatcher(eng Submitter, identity Identifier, limiter Limiter) *Dispatcher {
	return &Dispatcher{
		engine:   eng,
		identity: identity,
		limiter:  limiter,
		timeout:  3 * time.Second,
	}
}

// SetBans enables the ban check on authenticate.
func (d *Dispatcher) SetBans(b BanChecker) {
	d.bans = b
}

// HandleConnect applies the per-IP connection limit before the connection is
// registered.
func (d *Dispatcher) HandleConnect(c *Connection) bool {
	ok, retry := d.allow(c.RemoteIP, ratelimit.RuleConnect)
	if ok {
		return true
	}
	log.Printf("ws: connection rate limit exceeded ip=%s", c.RemoteIP)
	data := protocol.MustServerMessage(protocol.TypeRateLimited, protocol.RateLimitedMsg{RetryAfter: retry})
	_ = c.WriteMessage(data, time.Second)
	return false
}

// HandleMessage routes one data frame.
func (d *Dispatcher) HandleMessage(c *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		code := protocol.CodeParseError
		if errors.Is(err, protocol.ErrUnknownType) {
			code = protocol.CodeUnsupportedType
		}
		log.Printf("ws: rejected frame conn=%s type=%q: %v", c.ID, msgType, err)
		d.sendError(c, code, err.Error())
		return
	}

	switch m := msg.(type) {
	case protocol.PingMsg:
		d.send(c, protocol.TypePong, protocol.PongMsg{})
		return
	case protocol.AuthenticateMsg:
		d.authenticate(c, m)
		return
	}

	if rule, limited := ruleFor(msgType); limited {
		if ok, retry := d.allow(c.ID, rule); !ok {
			metrics.MessagesTotal.WithLabelValues("rate_limited").Inc()
			d.send(c, protocol.TypeRateLimited, protocol.RateLimitedMsg{RetryAfter: retry})
			return
		}
	}

	if !d.engine.Submit(engine.Inbound{ConnID: c.ID, Msg: msg}) {
		log.Printf("ws: engine stopped, dropping %s from conn=%s", msgType, c.ID)
	}
}

// HandleDisconnect reports a removed connection to the engine.
func (d *Dispatcher) HandleDisconnect(connID string) {
	d.engine.Submit(engine.Disconnect{ConnID: connID})
}

func (d *Dispatcher) authenticate(c *Connection, m protocol.AuthenticateMsg) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	identity, err := d.identity.Identify(ctx, m.Token, m.ResumeKey, c.ID)
	if err != nil {
		log.Printf("ws: authentication failed conn=%s: %v", c.ID, err)
		d.sendError(c, protocol.CodeAuthFailed, err.Error())
		return
	}
	if d.bans != nil {
		st, banned, err := d.bans.Check(ctx, identity)
		if err != nil {
			log.Printf("ws: ban check for %s failed, admitting: %v", identity, err)
		}
		if banned {
			log.Printf("ws: rejected banned identity %s conn=%s reason=%s", identity, c.ID, st.Reason)
			msg := "banned"
			if st.Remaining > 0 {
				msg = fmt.Sprintf("banned for another %s", st.Remaining.Round(time.Second))
			}
			d.sendError(c, protocol.CodeBanned, msg)
			return
		}
	}
	d.engine.Submit(engine.Admit{ConnID: c.ID, Identity: identity})
}

// allow checks rule for key and returns the retry-after in whole seconds when
// the limit is exceeded. Limiter errors fail open.
func (d *Dispatcher) allow(key string, rule ratelimit.Rule) (bool, int) {
	if d.limiter == nil {
		return true, 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	ok, _ := d.limiter.Allow(ctx, key, rule)
	if ok {
		return true, 0
	}
	retry := d.limiter.RetryAfter(ctx, key, rule)
	return false, int(math.Ceil(retry.Seconds()))
}

// ruleFor returns the per-connection rate limit for a message type.
func ruleFor(msgType string) (ratelimit.Rule, bool) {
	switch msgType {
	case protocol.TypeSessionMessage:
		return ratelimit.RuleMessage, true
	case protocol.TypeJoinQueue, protocol.TypeSkip, protocol.TypeNext, protocol.TypePrevious:
		return ratelimit.RuleQueue, true
	}
	return ratelimit.Rule{}, false
}

func (d *Dispatcher) send(c *Connection, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("ws: encode %s conn=%s: %v", msgType, c.ID, err)
		return
	}
	if err := c.Enqueue(data); err != nil {
		log.Printf("ws: send %s conn=%s: %v", msgType, c.ID, err)
	}
}

func (d *Dispatcher) sendError(c *Connection, code, message string) {
	d.send(c, protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message})
}

// Package engine is the single owner of all live presence and matchmaking
// state. One goroutine (Run) processes events from a buffered channel and is
// the only code that touches the connection registry, presence tracker,
// matchmaking queue, session manager and room groups. Transport workers,
// timers and background lookups talk to it exclusively by posting events.
package engine

import (
	"context"
	"errors"
	"log"
	"math/rand/v2"
	"time"

	"github.com/whisper/rendezvous/internal/history"
	"github.com/whisper/rendezvous/internal/matching"
	"github.com/whisper/rendezvous/internal/messaging"
	"github.com/whisper/rendezvous/internal/metrics"
	"github.com/whisper/rendezvous/internal/moderation"
	"github.com/whisper/rendezvous/internal/presence"
	"github.com/whisper/rendezvous/internal/protocol"
	"github.com/whisper/rendezvous/internal/registry"
	"github.com/whisper/rendezvous/internal/relay"
	"github.com/whisper/rendezvous/internal/session"
)

// ErrStopped is returned by calls made after Run has returned.
var ErrStopped = errors.New("engine: stopped")

// Transport delivers frames to connections. Send must not block; a full
// per-connection buffer is the transport's problem to resolve (it closes the
// slow consumer). Alive must turn false before the transport submits the
// connection's Disconnect.
type Transport interface {
	Send(connID string, data []byte) error
	Close(connID string)
	Alive(connID string) bool
}

// UserDirectory looks up the profile used for matching and display.
type UserDirectory interface {
	Lookup(ctx context.Context, identity string) (protocol.Profile, error)
}

// MessageStore persists session records and session messages.
type MessageStore interface {
	CreateSession(ctx context.Context, rec history.SessionRecord) error
	EndSession(ctx context.Context, end history.SessionEnd) error
	AppendMessage(ctx context.Context, msg history.Message) error
}

// Notifier sends push notifications. Fire-and-forget.
type Notifier interface {
	Notify(ctx context.Context, n messaging.Notification) error
}

// OffenseRecorder counts moderation offenses and returns the ban duration it
// applied, zero for none. *ban.Store implements it.
type OffenseRecorder interface {
	RecordOffense(ctx context.Context, identity, reason string) (time.Duration, error)
}

// PresenceSink receives every presence transition, e.g. to mirror it.
type PresenceSink interface {
	Record(ctx context.Context, tr presence.Transition) error
}

// Config holds engine tuning.
type Config struct {
	GracePeriod    time.Duration // away -> offline delay after a disconnect
	RequeuePartner bool          // re-enqueue the member left behind when a session ends
	EventBuffer    int           // capacity of the event channel
	WriteBuffer    int           // capacity of the ordered background write queue
	CallTimeout    time.Duration // timeout for each external call
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		GracePeriod: presence.DefaultGracePeriod,
		EventBuffer: 4096,
		WriteBuffer: 1024,
		CallTimeout: 3 * time.Second,
	}
}

// Deps are the engine's collaborators. Only Transport is required, either
// here or through SetTransport.
type Deps struct {
	Transport     Transport
	Directory     UserDirectory
	Store         MessageStore
	Notifier      Notifier
	PresenceSinks []PresenceSink
	Scheduler     presence.Scheduler
	Rand          *rand.Rand
	Filter        *moderation.Filter
	Offenses      OffenseRecorder
}

// Stats is a point-in-time snapshot of engine state.
type Stats struct {
	Connections int `json:"connections"`
	Online      int `json:"online"`
	Away        int `json:"away"`
	Offline     int `json:"offline"`
	Queued      int `json:"queued"`
	Sessions    int `json:"sessions"`
	Rooms       int `json:"rooms"`
}

// Engine owns the registry, presence, queue, sessions and groups.
type Engine struct {
	cfg Config

	events chan Event
	writes chan func(context.Context)
	done   chan struct{}

	registry *registry.Registry
	presence *presence.Tracker
	queue    *matching.Queue
	sessions *session.Manager
	groups   *relay.Groups
	fanout   *relay.Fanout

	transport Transport
	directory UserDirectory
	store     MessageStore
	notifier  Notifier
	sinks     []PresenceSink
	filter    *moderation.Filter
	offenses  OffenseRecorder

	lastFilters map[string]protocol.Filters // identity -> filters of its last join_queue
	pending     map[string]uint64           // identity -> token of the outstanding profile lookup
	lookupSeq   uint64
	avoid       map[string]string // identity -> partner it just skipped or was skipped by

	async func(func())
	write func(func(context.Context))
	now   func() time.Time
}

// New creates an Engine. Call Run to start processing.
func New(cfg Config, deps Deps) *Engine {
	def := DefaultConfig()
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = def.EventBuffer
	}
	if cfg.WriteBuffer <= 0 {
		cfg.WriteBuffer = def.WriteBuffer
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	if deps.Store == nil {
		deps.Store = history.NopStore{}
	}
	if deps.Filter == nil {
		deps.Filter = moderation.NewFilter()
	}

	e := &Engine{
		cfg:         cfg,
		events:      make(chan Event, cfg.EventBuffer),
		writes:      make(chan func(context.Context), cfg.WriteBuffer),
		done:        make(chan struct{}),
		registry:    registry.New(),
		queue:       matching.NewQueue(deps.Rand),
		sessions:    session.NewManager(),
		groups:      relay.NewGroups(),
		transport:   deps.Transport,
		directory:   deps.Directory,
		store:       deps.Store,
		notifier:    deps.Notifier,
		sinks:       deps.PresenceSinks,
		filter:      deps.Filter,
		offenses:    deps.Offenses,
		lastFilters: make(map[string]protocol.Filters),
		pending:     make(map[string]uint64),
		avoid:       make(map[string]string),
		now:         time.Now,
	}
	e.fanout = relay.NewFanout(e.registry, deps.Transport)
	e.presence = presence.NewTracker(cfg.GracePeriod, deps.Scheduler, func(identity string, gen uint64) {
		e.post(graceExpired{identity: identity, gen: gen})
	})
	e.async = func(f func()) { go f() }
	e.write = e.enqueueWrite
	return e
}

// SetTransport replaces the transport. It must be called before Run; the
// transport is usually constructed after the engine it reports to.
func (e *Engine) SetTransport(t Transport) {
	e.transport = t
	e.fanout = relay.NewFanout(e.registry, t)
}

// Run processes events until ctx is cancelled. It must be called exactly
// once.
func (e *Engine) Run(ctx context.Context) {
	defer close(e.done)
	go e.writeLoop()

	log.Printf("[engine] running (grace=%s requeue_partner=%v)", e.cfg.GracePeriod, e.cfg.RequeuePartner)
	for {
		select {
		case <-ctx.Done():
			log.Printf("[engine] stopping: %d connections, %d queued, %d sessions",
				e.registry.Len(), e.queue.Len(), e.sessions.Active())
			return
		case ev := <-e.events:
			metrics.EventQueueDepth.Set(float64(len(e.events)))
			e.handle(ev)
		}
	}
}

// Submit posts an event from the transport. It blocks while the event
// buffer is full and returns false once the engine has stopped.
func (e *Engine) Submit(ev Event) bool {
	return e.post(ev)
}

// Stats returns a snapshot of engine state, read on the engine goroutine.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	reply := make(chan Stats, 1)
	if !e.post(statsRequest{reply: reply}) {
		return Stats{}, ErrStopped
	}
	select {
	case s := <-reply:
		return s, nil
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	case <-e.done:
		return Stats{}, ErrStopped
	}
}

func (e *Engine) post(ev Event) bool {
	select {
	case <-e.done:
		return false
	default:
	}
	select {
	case e.events <- ev:
		return true
	case <-e.done:
		return false
	}
}

func (e *Engine) handle(ev Event) {
	switch ev := ev.(type) {
	case Admit:
		e.admit(ev.ConnID, ev.Identity)
	case Inbound:
		e.inbound(ev.ConnID, ev.Msg)
	case Disconnect:
		e.disconnect(ev.ConnID)
	case graceExpired:
		if tr, ok := e.presence.Expire(ev.identity, ev.gen); ok {
			e.publishPresence(tr)
		}
	case profileLoaded:
		e.profileLoaded(ev)
	case offenderBanned:
		e.kick(ev.identity, ev.duration)
	case statsRequest:
		ev.reply <- e.stats()
	default:
		log.Printf("[engine] unhandled event %T", ev)
	}
}

func (e *Engine) stats() Stats {
	counts := e.presence.Counts()
	return Stats{
		Connections: e.registry.Len(),
		Online:      counts[presence.StatusOnline],
		Away:        counts[presence.StatusAway],
		Offline:     counts[presence.StatusOffline],
		Queued:      e.queue.Len(),
		Sessions:    e.sessions.Active(),
		Rooms:       e.groups.Len(),
	}
}

// enqueueWrite hands an external write to the ordered writer. Writes are
// best-effort: when the queue is full the write is dropped.
func (e *Engine) enqueueWrite(f func(context.Context)) {
	select {
	case e.writes <- f:
	default:
		log.Printf("[engine] write queue full, dropping background write")
	}
}

// writeLoop runs external writes one at a time so that, for example, a
// session row is inserted before its messages and presence mirrors see
// transitions in order.
func (e *Engine) writeLoop() {
	for {
		select {
		case f := <-e.writes:
			ctx, cancel := context.WithTimeout(context.Background(), e.cfg.CallTimeout)
			f(ctx)
			cancel()
		case <-e.done:
			return
		}
	}
}

func (e *Engine) updateGauges() {
	metrics.MatchQueueSize.Set(float64(e.queue.Len()))
	metrics.ActiveSessions.Set(float64(e.sessions.Active()))
}

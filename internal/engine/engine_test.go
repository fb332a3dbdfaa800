package engine

import (
	"context"
	"encoding/json"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/whisper/rendezvous/internal/directory"
	"github.com/whisper/rendezvous/internal/history"
	"github.com/whisper/rendezvous/internal/messaging"
	"github.com/whisper/rendezvous/internal/presence"
	"github.com/whisper/rendezvous/internal/protocol"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeTransport struct {
	mu     sync.Mutex
	frames map[string][][]byte
	closed map[string]bool
	gone   map[string]bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		frames: make(map[string][][]byte),
		closed: make(map[string]bool),
		gone:   make(map[string]bool),
	}
}

func (t *fakeTransport) Alive(connID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.gone[connID]
}

// drop makes connID look removed by the transport.
func (t *fakeTransport) drop(connID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.gone[connID] = true
}

func (t *fakeTransport) Send(connID string, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.frames[connID] = append(t.frames[connID], data)
	return nil
}

func (t *fakeTransport) Close(connID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed[connID] = true
}

// take returns and clears the frames sent to connID.
func (t *fakeTransport) take(connID string) []gjson.Result {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]gjson.Result, 0, len(t.frames[connID]))
	for _, f := range t.frames[connID] {
		out = append(out, gjson.ParseBytes(f))
	}
	delete(t.frames, connID)
	return out
}

// staticDirectory is an in-memory UserDirectory keyed by identity.
type staticDirectory map[string]protocol.Profile

func (s staticDirectory) Lookup(_ context.Context, identity string) (protocol.Profile, error) {
	p, ok := s[identity]
	if !ok {
		return protocol.Profile{}, directory.ErrNotFound
	}
	p.Identity = identity
	return p, nil
}

type fakeTimer struct {
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	was := !t.stopped && !t.fired
	t.stopped = true
	return was
}

type fakeScheduler struct {
	timers []*fakeTimer
}

func (s *fakeScheduler) AfterFunc(_ time.Duration, f func()) presence.Stopper {
	t := &fakeTimer{f: f}
	s.timers = append(s.timers, t)
	return t
}

func (s *fakeScheduler) fireAll() {
	for _, t := range s.timers {
		if t.stopped || t.fired {
			continue
		}
		t.fired = true
		t.f()
	}
}

type recordingStore struct {
	created  []history.SessionRecord
	ended    []history.SessionEnd
	messages []history.Message
}

func (s *recordingStore) CreateSession(_ context.Context, rec history.SessionRecord) error {
	s.created = append(s.created, rec)
	return nil
}

func (s *recordingStore) EndSession(_ context.Context, end history.SessionEnd) error {
	s.ended = append(s.ended, end)
	return nil
}

func (s *recordingStore) AppendMessage(_ context.Context, msg history.Message) error {
	s.messages = append(s.messages, msg)
	return nil
}

type recordingNotifier struct {
	sent []messaging.Notification
}

func (n *recordingNotifier) Notify(_ context.Context, note messaging.Notification) error {
	n.sent = append(n.sent, note)
	return nil
}

type recordingSink struct {
	transitions []presence.Transition
}

func (s *recordingSink) Record(_ context.Context, tr presence.Transition) error {
	s.transitions = append(s.transitions, tr)
	return nil
}

// strictOffenses bans on the second offense.
type strictOffenses struct {
	counts map[string]int
}

func (o *strictOffenses) RecordOffense(_ context.Context, identity, _ string) (time.Duration, error) {
	o.counts[identity]++
	if o.counts[identity] >= 2 {
		return 15 * time.Minute, nil
	}
	return 0, nil
}

// ---------------------------------------------------------------------------
// Harness
// ---------------------------------------------------------------------------

// harness drives an Engine synchronously: events are handled on the test
// goroutine and background work runs inline.
type harness struct {
	t        *testing.T
	e        *Engine
	tr       *fakeTransport
	sched    *fakeScheduler
	store    *recordingStore
	notifier *recordingNotifier
	sink     *recordingSink
}

func newHarness(t *testing.T, cfg Config, dir UserDirectory) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		tr:       newFakeTransport(),
		sched:    &fakeScheduler{},
		store:    &recordingStore{},
		notifier: &recordingNotifier{},
		sink:     &recordingSink{},
	}
	deps := Deps{
		Transport:     h.tr,
		Store:         h.store,
		Notifier:      h.notifier,
		PresenceSinks: []PresenceSink{h.sink},
		Scheduler:     h.sched,
		Rand:          rand.New(rand.NewPCG(1, 2)),
	}
	if dir != nil {
		deps.Directory = dir
	}
	h.e = New(cfg, deps)
	h.e.async = func(f func()) { f() }
	h.e.write = func(f func(context.Context)) { f(context.Background()) }
	return h
}

func (h *harness) do(ev Event) {
	h.e.handle(ev)
	h.drain()
}

func (h *harness) drain() {
	for {
		select {
		case ev := <-h.e.events:
			h.e.handle(ev)
		default:
			return
		}
	}
}

func (h *harness) admit(connID, identity string) {
	h.do(Admit{ConnID: connID, Identity: identity})
}

func (h *harness) send(connID string, msg protocol.ClientMessage) {
	h.do(Inbound{ConnID: connID, Msg: msg})
}

// expire fires every outstanding grace timer.
func (h *harness) expire() {
	h.sched.fireAll()
	h.drain()
}

func types(frames []gjson.Result) []string {
	out := make([]string, 0, len(frames))
	for _, f := range frames {
		out = append(out, f.Get("type").String())
	}
	return out
}

func find(frames []gjson.Result, typ string) (gjson.Result, bool) {
	for _, f := range frames {
		if f.Get("type").String() == typ {
			return f, true
		}
	}
	return gjson.Result{}, false
}

func mustFind(t *testing.T, frames []gjson.Result, typ string) gjson.Result {
	t.Helper()
	f, ok := find(frames, typ)
	require.Truef(t, ok, "no %s frame in %v", typ, types(frames))
	return f
}

// pair admits two identities, queues them and returns the session id.
func (h *harness) pair(connA, idA, connB, idB string) string {
	h.t.Helper()
	h.admit(connA, idA)
	h.admit(connB, idB)
	h.send(connA, protocol.JoinQueueMsg{})
	h.send(connB, protocol.JoinQueueMsg{})
	fa := mustFind(h.t, h.tr.take(connA), protocol.TypeMatchFound)
	fb := mustFind(h.t, h.tr.take(connB), protocol.TypeMatchFound)
	require.Equal(h.t, fa.Get("session_id").String(), fb.Get("session_id").String())
	return fa.Get("session_id").String()
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestAdmit_AuthenticatedAndPresence(t *testing.T) {
	h := newHarness(t, Config{}, nil)

	h.admit("c1", "alice")
	h.admit("c2", "bob")

	frames := h.tr.take("c1")
	assert.Equal(t, "alice", mustFind(t, frames, protocol.TypeAuthenticated).Get("identity").String())
	pc := mustFind(t, frames, protocol.TypePresenceChanged)
	assert.Equal(t, "bob", pc.Get("identity").String())
	assert.Equal(t, "online", pc.Get("status").String())

	// The subject of a transition is not told about itself.
	_, ok := find(h.tr.take("c2"), protocol.TypePresenceChanged)
	assert.False(t, ok)
	require.Len(t, h.sink.transitions, 2)
}

func TestInbound_RequiresAuthentication(t *testing.T) {
	h := newHarness(t, Config{}, nil)

	h.send("c1", protocol.JoinQueueMsg{})
	frames := h.tr.take("c1")
	require.Len(t, frames, 1)
	assert.Equal(t, protocol.CodeNotAuthenticated, frames[0].Get("code").String())

	h.send("c1", protocol.PingMsg{})
	assert.Equal(t, []string{protocol.TypePong}, types(h.tr.take("c1")))
}

func TestMatch_CompatibleFilters(t *testing.T) {
	dir := staticDirectory{
		"alice": {Username: "Alice", Gender: "female", Country: "US"},
		"bob":   {Username: "Bob", Gender: "male", Country: "US"},
	}
	h := newHarness(t, Config{}, dir)
	h.admit("c1", "alice")
	h.admit("c2", "bob")
	h.tr.take("c1")
	h.tr.take("c2")

	h.send("c1", protocol.JoinQueueMsg{Filters: protocol.Filters{Gender: "male"}})
	assert.Equal(t, []string{protocol.TypeSearching}, types(h.tr.take("c1")))

	h.send("c2", protocol.JoinQueueMsg{Filters: protocol.Filters{Country: "us"}})

	fa := mustFind(t, h.tr.take("c1"), protocol.TypeMatchFound)
	fb := mustFind(t, h.tr.take("c2"), protocol.TypeMatchFound)
	assert.Equal(t, fa.Get("session_id").String(), fb.Get("session_id").String())
	assert.Equal(t, "bob", fa.Get("partner.identity").String())
	assert.Equal(t, "Bob", fa.Get("partner.username").String())
	assert.Equal(t, "alice", fb.Get("partner.identity").String())

	require.Len(t, h.store.created, 1)
	assert.Equal(t, fa.Get("session_id").String(), h.store.created[0].ID)
	assert.Equal(t, 0, h.e.queue.Len())
	assert.Equal(t, 1, h.e.sessions.Active())
}

func TestMatch_IncompatibleFiltersKeepWaiting(t *testing.T) {
	dir := staticDirectory{
		"alice": {Gender: "female"},
		"bob":   {Gender: "male"},
	}
	h := newHarness(t, Config{}, dir)
	h.admit("c1", "alice")
	h.admit("c2", "bob")

	h.send("c1", protocol.JoinQueueMsg{Filters: protocol.Filters{Gender: "female"}})
	h.send("c2", protocol.JoinQueueMsg{})

	_, ok := find(h.tr.take("c1"), protocol.TypeMatchFound)
	assert.False(t, ok)
	_, ok = find(h.tr.take("c2"), protocol.TypeMatchFound)
	assert.False(t, ok)
	assert.Equal(t, 2, h.e.queue.Len())
	assert.Equal(t, 0, h.e.sessions.Active())
}

func TestMatch_DirectoryMissFallsBackToBareProfile(t *testing.T) {
	h := newHarness(t, Config{}, staticDirectory{})
	sid := h.pair("c1", "alice", "c2", "bob")
	assert.NotEmpty(t, sid)
}

func TestJoinQueue_RejectedWhileInSession(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.pair("c1", "alice", "c2", "bob")

	h.send("c1", protocol.JoinQueueMsg{})
	frames := h.tr.take("c1")
	require.Len(t, frames, 1)
	assert.Equal(t, protocol.CodeAlreadyInSession, frames[0].Get("code").String())
}

func TestLeaveQueue_CancelsPendingLookup(t *testing.T) {
	h := newHarness(t, Config{}, staticDirectory{})
	h.admit("c1", "alice")

	// Hold the lookup so leave_queue arrives before the result.
	var held func()
	h.e.async = func(f func()) { held = f }
	h.send("c1", protocol.JoinQueueMsg{})
	h.send("c1", protocol.LeaveQueueMsg{})
	require.NotNil(t, held)
	held()
	h.drain()

	assert.Equal(t, 0, h.e.queue.Len())
	assert.Contains(t, types(h.tr.take("c1")), protocol.TypeQueueLeft)
}

func TestSessionRelay_MessagesAndConnected(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	sid := h.pair("c1", "alice", "c2", "bob")

	h.send("c1", protocol.SessionMessageMsg{SessionID: sid, Text: "hello there"})

	assert.Equal(t, []string{protocol.TypeConnected}, types(h.tr.take("c1")))
	fb := h.tr.take("c2")
	msg := mustFind(t, fb, protocol.TypeSessionMessage)
	assert.Equal(t, "hello there", msg.Get("text").String())
	assert.Equal(t, sid, msg.Get("session_id").String())
	mustFind(t, fb, protocol.TypeConnected)

	require.Len(t, h.store.messages, 1)
	assert.Equal(t, "alice", h.store.messages[0].Sender)

	// connected is sent once per session.
	h.send("c2", protocol.SessionMessageMsg{SessionID: sid, Text: "hi"})
	_, ok := find(h.tr.take("c1"), protocol.TypeConnected)
	assert.False(t, ok)
}

func TestSessionRelay_Isolation(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	sid := h.pair("c1", "alice", "c2", "bob")
	h.admit("c3", "carol")
	h.tr.take("c1")
	h.tr.take("c2")
	h.tr.take("c3")

	h.send("c3", protocol.SessionMessageMsg{SessionID: sid, Text: "let me in"})
	frames := h.tr.take("c3")
	require.Len(t, frames, 1)
	assert.Equal(t, protocol.CodeNotInSession, frames[0].Get("code").String())
	assert.Empty(t, h.tr.take("c1"))
	assert.Empty(t, h.tr.take("c2"))

	h.send("c1", protocol.TypingMsg{SessionID: "nope", IsTyping: true})
	frames = h.tr.take("c1")
	require.Len(t, frames, 1)
	assert.Equal(t, protocol.CodeInvalidSession, frames[0].Get("code").String())
	assert.Empty(t, h.store.messages)
}

func TestSessionRelay_BlockedAndInvalid(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	sid := h.pair("c1", "alice", "c2", "bob")

	h.send("c1", protocol.SessionMessageMsg{SessionID: sid, Text: "just kys"})
	h.send("c1", protocol.SessionMessageMsg{SessionID: sid, Text: "visit www.spam.example now"})
	h.send("c1", protocol.SessionMessageMsg{SessionID: sid})

	var codes []string
	for _, f := range h.tr.take("c1") {
		codes = append(codes, f.Get("code").String())
	}
	assert.Equal(t, []string{
		protocol.CodeMessageBlocked,
		protocol.CodeMessageBlocked,
		protocol.CodeInvalidMessage,
	}, codes)
	assert.Empty(t, h.tr.take("c2"))
	assert.Empty(t, h.store.messages)
}

func TestSessionRelay_RepeatOffenderIsKicked(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	offenses := &strictOffenses{counts: make(map[string]int)}
	h.e.offenses = offenses
	sid := h.pair("c1", "alice", "c2", "bob")

	h.send("c1", protocol.SessionMessageMsg{SessionID: sid, Text: "just kys"})
	assert.False(t, h.tr.closed["c1"])
	h.send("c1", protocol.SessionMessageMsg{SessionID: sid, Text: "just kys"})

	var codes []string
	for _, f := range h.tr.take("c1") {
		codes = append(codes, f.Get("code").String())
	}
	assert.Equal(t, []string{
		protocol.CodeMessageBlocked,
		protocol.CodeMessageBlocked,
		protocol.CodeBanned,
	}, codes)
	assert.True(t, h.tr.closed["c1"])
	assert.False(t, h.tr.closed["c2"])
	assert.Equal(t, 2, offenses.counts["alice"])
}

func TestSignal_AnswerMarksConnected(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	sid := h.pair("c1", "alice", "c2", "bob")

	payload := json.RawMessage(`{"sdp":"v=0"}`)
	h.send("c1", protocol.SignalMsg{Kind: protocol.TypeSignalOffer, SessionID: sid, Payload: payload})
	offer := mustFind(t, h.tr.take("c2"), protocol.TypeSignalOffer)
	assert.Equal(t, "v=0", offer.Get("payload.sdp").String())
	_, ok := find(h.tr.take("c1"), protocol.TypeConnected)
	assert.False(t, ok)

	h.send("c2", protocol.SignalMsg{Kind: protocol.TypeSignalAnswer, SessionID: sid, Payload: payload})
	mustFind(t, h.tr.take("c1"), protocol.TypeConnected)
	mustFind(t, h.tr.take("c2"), protocol.TypeConnected)
}

func TestDisconnect_EndsSessionAndGraceExpires(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	sid := h.pair("c1", "alice", "c2", "bob")

	h.do(Disconnect{ConnID: "c1"})

	frames := h.tr.take("c2")
	pd := mustFind(t, frames, protocol.TypePartnerDisconnected)
	assert.Equal(t, sid, pd.Get("session_id").String())
	assert.Equal(t, "disconnected", pd.Get("reason").String())
	pc := mustFind(t, frames, protocol.TypePresenceChanged)
	assert.Equal(t, "away", pc.Get("status").String())
	assert.Equal(t, 0, h.e.sessions.Active())
	require.Len(t, h.store.ended, 1)
	assert.Equal(t, "disconnected", h.store.ended[0].Reason)
	assert.Equal(t, "alice", h.store.ended[0].EndedBy, "the member whose connection was lost")

	h.expire()
	pc = mustFind(t, h.tr.take("c2"), protocol.TypePresenceChanged)
	assert.Equal(t, "offline", pc.Get("status").String())
	assert.NotZero(t, pc.Get("last_seen").Int())
}

func TestReconnectWithinGrace_StaysOnline(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.admit("c1", "alice")
	h.admit("c2", "bob")
	h.tr.take("c2")

	h.do(Disconnect{ConnID: "c1"})
	h.admit("c3", "alice")
	h.expire()

	var statuses []string
	for _, f := range h.tr.take("c2") {
		if f.Get("type").String() == protocol.TypePresenceChanged {
			statuses = append(statuses, f.Get("status").String())
		}
	}
	assert.Equal(t, []string{"away", "online"}, statuses)
	assert.Equal(t, presence.StatusOnline, h.e.presence.Status("alice"))
}

func TestAppClosing_SkipsGrace(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.admit("c1", "alice")
	h.admit("c2", "bob")
	h.tr.take("c2")

	h.send("c1", protocol.AppClosingMsg{})
	h.do(Disconnect{ConnID: "c1"})

	pc := mustFind(t, h.tr.take("c2"), protocol.TypePresenceChanged)
	assert.Equal(t, "offline", pc.Get("status").String())
	assert.Empty(t, h.sched.timers)
}

func TestEviction_NewConnectionReplacesOld(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	sid := h.pair("c1", "alice", "c2", "bob")

	h.admit("c3", "alice")
	assert.True(t, h.tr.closed["c1"])

	frames := h.tr.take("c3")
	mustFind(t, frames, protocol.TypeAuthenticated)
	resumed := mustFind(t, frames, protocol.TypeMatchFound)
	assert.Equal(t, sid, resumed.Get("session_id").String())

	// The evicted connection's late disconnect does not end the session.
	h.do(Disconnect{ConnID: "c1"})
	assert.Equal(t, 1, h.e.sessions.Active())
	_, ok := find(h.tr.take("c2"), protocol.TypePartnerDisconnected)
	assert.False(t, ok)

	h.send("c2", protocol.SessionMessageMsg{SessionID: sid, Text: "still there?"})
	mustFind(t, h.tr.take("c3"), protocol.TypeSessionMessage)
	assert.Empty(t, h.tr.take("c1"))
}

func TestSkip_PartnerNotifiedAndRepairsWhenAlone(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	sid := h.pair("c1", "alice", "c2", "bob")

	h.send("c1", protocol.SkipMsg{})

	pd := mustFind(t, h.tr.take("c2"), protocol.TypePartnerDisconnected)
	assert.Equal(t, sid, pd.Get("session_id").String())
	assert.Equal(t, "partner_skipped", pd.Get("reason").String())
	mustFind(t, h.tr.take("c1"), protocol.TypeSearching)
	assert.Equal(t, 1, h.e.queue.Len())
	assert.Equal(t, 0, h.e.sessions.Active())

	// Nobody else is waiting, so the two compatible identities pair again.
	h.send("c2", protocol.JoinQueueMsg{})
	fa := mustFind(t, h.tr.take("c1"), protocol.TypeMatchFound)
	fb := mustFind(t, h.tr.take("c2"), protocol.TypeMatchFound)
	assert.Equal(t, fa.Get("session_id").String(), fb.Get("session_id").String())
	assert.NotEqual(t, sid, fa.Get("session_id").String())
	assert.Equal(t, 1, h.e.sessions.Active())
	assert.Equal(t, 0, h.e.queue.Len())
}

func TestSkip_PrefersSomeoneNew(t *testing.T) {
	dir := staticDirectory{
		"alice": {Gender: "female"},
		"bob":   {Gender: "male"},
		"carol": {Gender: "male"},
	}
	h := newHarness(t, Config{}, dir)
	h.pair("c1", "alice", "c2", "bob")

	// carol only accepts men, so she never pairs with alice.
	h.admit("c3", "carol")
	h.send("c3", protocol.JoinQueueMsg{Filters: protocol.Filters{Gender: "male"}})
	h.send("c1", protocol.SkipMsg{})
	require.Equal(t, 2, h.e.queue.Len())
	h.tr.take("c2")
	h.tr.take("c3")

	// bob could take either; the one he did not just part with wins.
	h.send("c2", protocol.JoinQueueMsg{})
	mustFind(t, h.tr.take("c2"), protocol.TypeMatchFound)
	mustFind(t, h.tr.take("c3"), protocol.TypeMatchFound)
	assert.True(t, h.e.queue.Contains("alice"))
}

func TestAdmit_ConnectionGoneBeforeAdmit(t *testing.T) {
	h := newHarness(t, Config{}, nil)

	// The transport dropped c1 while its credentials were being checked.
	h.tr.drop("c1")
	h.do(Disconnect{ConnID: "c1"})
	h.admit("c1", "alice")
	h.expire()

	_, ok := h.e.registry.Current("alice")
	assert.False(t, ok)
	assert.Equal(t, presence.StatusOffline, h.e.presence.Status("alice"))
	assert.Empty(t, h.tr.take("c1"))
	assert.Empty(t, h.sink.transitions)

	h.admit("c2", "alice")
	assert.Equal(t, presence.StatusOnline, h.e.presence.Status("alice"))
}

func TestGraceExpiry_ForgetsPartnerHistory(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.pair("c1", "alice", "c2", "bob")
	h.send("c1", protocol.ExitMsg{})
	require.True(t, h.e.sessions.PreviousPartner("alice", "bob"))

	h.do(Disconnect{ConnID: "c1"})
	assert.True(t, h.e.sessions.PreviousPartner("alice", "bob"), "kept while away")

	h.expire()
	assert.Equal(t, presence.StatusOffline, h.e.presence.Status("alice"))
	assert.False(t, h.e.sessions.PreviousPartner("alice", "bob"))
}

func TestJoinQueue_LookupSurvivesReconnect(t *testing.T) {
	h := newHarness(t, Config{}, staticDirectory{"alice": {Username: "Alice"}})
	var deferred []func()
	h.e.async = func(f func()) { deferred = append(deferred, f) }

	h.admit("c1", "alice")
	h.send("c1", protocol.JoinQueueMsg{})
	h.admit("c1b", "alice")
	assert.Equal(t, []string{protocol.TypeAuthenticated}, types(h.tr.take("c1b")))

	for _, f := range deferred {
		f()
	}
	h.drain()

	entry, ok := h.e.queue.Get("alice")
	require.True(t, ok)
	assert.Equal(t, "c1b", entry.ConnID)
	assert.Equal(t, "Alice", entry.Profile.Username)
	mustFind(t, h.tr.take("c1b"), protocol.TypeSearching)
}

func TestNext_WithoutRequeueLeavesPartnerIdle(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.pair("c1", "alice", "c2", "bob")

	h.send("c1", protocol.NextMsg{})

	pd := mustFind(t, h.tr.take("c2"), protocol.TypePartnerDisconnected)
	assert.Equal(t, "partner_requested_next", pd.Get("reason").String())
	assert.True(t, h.e.queue.Contains("alice"))
	assert.False(t, h.e.queue.Contains("bob"))
}

func TestPrevious_PairsWithFormerPartner(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.pair("c1", "alice", "c2", "bob")
	h.send("c1", protocol.ExitMsg{})
	h.tr.take("c1")
	h.tr.take("c2")

	h.admit("c3", "carol")
	h.send("c3", protocol.JoinQueueMsg{})
	h.send("c2", protocol.JoinQueueMsg{})
	mustFind(t, h.tr.take("c2"), protocol.TypeMatchFound) // bob with carol
	h.tr.take("c3")

	h.send("c2", protocol.PreviousMsg{TargetIdentity: "alice"})
	pd := mustFind(t, h.tr.take("c3"), protocol.TypePartnerDisconnected)
	assert.Equal(t, "partner_requested_previous", pd.Get("reason").String())

	h.send("c1", protocol.JoinQueueMsg{})
	mf := mustFind(t, h.tr.take("c1"), protocol.TypeMatchFound)
	assert.Equal(t, "bob", mf.Get("partner.identity").String())
}

func TestExit_LeavesQueueAndEndsSession(t *testing.T) {
	h := newHarness(t, Config{RequeuePartner: true}, nil)
	h.pair("c1", "alice", "c2", "bob")

	h.send("c1", protocol.ExitMsg{})

	mustFind(t, h.tr.take("c1"), protocol.TypeQueueLeft)
	pd := mustFind(t, h.tr.take("c2"), protocol.TypePartnerDisconnected)
	assert.Equal(t, "partner_exited", pd.Get("reason").String())
	assert.False(t, h.e.queue.Contains("alice"))
	assert.True(t, h.e.queue.Contains("bob"))
}

func TestRooms_JoinTypingLeave(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.admit("c1", "alice")
	h.admit("c2", "bob")
	h.send("c1", protocol.JoinRoomMsg{RoomID: "lobby"})
	h.tr.take("c1")
	h.tr.take("c2")

	h.send("c2", protocol.JoinRoomMsg{RoomID: "lobby"})
	status := mustFind(t, h.tr.take("c2"), protocol.TypeRoomMembersStatus)
	assert.Len(t, status.Get("members").Array(), 2)
	joined := mustFind(t, h.tr.take("c1"), protocol.TypeUserJoined)
	assert.Equal(t, "bob", joined.Get("identity").String())

	h.send("c2", protocol.RoomTypingMsg{RoomID: "lobby", IsTyping: true})
	typing := mustFind(t, h.tr.take("c1"), protocol.TypeRoomTyping)
	assert.True(t, typing.Get("is_typing").Bool())
	assert.Empty(t, h.tr.take("c2"))

	h.do(Disconnect{ConnID: "c2"})
	left := mustFind(t, h.tr.take("c1"), protocol.TypeUserLeft)
	assert.Equal(t, "bob", left.Get("identity").String())
	assert.Equal(t, 1, h.e.groups.Len())
}

func TestPush_OnlyWhenAway(t *testing.T) {
	h := newHarness(t, Config{}, staticDirectory{
		"alice": {Username: "Alice"},
		"bob":   {Username: "Bob"},
	})
	sid := h.pair("c1", "alice", "c2", "bob")
	assert.Empty(t, h.notifier.sent)

	h.send("c2", protocol.AppBackgroundMsg{})
	h.send("c1", protocol.SessionMessageMsg{SessionID: sid, Text: "you there?"})

	require.Len(t, h.notifier.sent, 1)
	n := h.notifier.sent[0]
	assert.Equal(t, "bob", n.Identity)
	assert.Equal(t, messaging.KindSessionMessage, n.Kind)
	assert.Equal(t, "Alice", n.From)
	assert.Equal(t, "you there?", n.Preview)

	h.send("c2", protocol.AppForegroundMsg{})
	h.send("c1", protocol.SessionMessageMsg{SessionID: sid, Text: "ok"})
	assert.Len(t, h.notifier.sent, 1)
}

func TestStats(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.pair("c1", "alice", "c2", "bob")
	h.admit("c3", "carol")
	h.send("c3", protocol.JoinQueueMsg{})
	h.send("c3", protocol.JoinRoomMsg{RoomID: "lobby"})

	s := h.e.stats()
	assert.Equal(t, Stats{Connections: 3, Online: 3, Queued: 1, Sessions: 1, Rooms: 1}, s)
}

func TestRun_StatsAndStop(t *testing.T) {
	e := New(Config{}, Deps{Transport: newFakeTransport(), Scheduler: &fakeScheduler{}})
	ctx, cancel := context.WithCancel(context.Background())
	go e.Run(ctx)

	require.True(t, e.Submit(Admit{ConnID: "c1", Identity: "alice"}))
	s, err := e.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Connections)

	cancel()
	<-e.done
	assert.False(t, e.Submit(Disconnect{ConnID: "c1"}))
	_, err = e.Stats(context.Background())
	assert.ErrorIs(t, err, ErrStopped)
}

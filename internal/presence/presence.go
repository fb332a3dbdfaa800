// Package presence derives online/away/offline visibility from connection
// lifecycle events. A brief disconnect only moves an identity to away; it
// drops to offline once the grace period elapses without a reconnect.
package presence

import (
	"log"
	"time"
)

// Status is the visible presence state of an identity.
type Status string

const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusOffline Status = "offline"
)

// DefaultGracePeriod is how long an identity stays away after losing its
// connection before it is reported offline.
const DefaultGracePeriod = 5 * time.Minute

// Stopper cancels a scheduled callback. *time.Timer satisfies it.
type Stopper interface {
	Stop() bool
}

// Scheduler runs f once after d.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Stopper
}

type timeScheduler struct{}

func (timeScheduler) AfterFunc(d time.Duration, f func()) Stopper {
	return time.AfterFunc(d, f)
}

// RealScheduler schedules callbacks with time.AfterFunc.
var RealScheduler Scheduler = timeScheduler{}

// Record is the presence state held for one identity.
type Record struct {
	Status   Status
	LastSeen time.Time

	closing bool
	timer   Stopper
	gen     uint64 // identifies the pending grace timer
}

// Pending reports whether a grace-period timer is outstanding.
func (r Record) Pending() bool {
	return r.timer != nil
}

// Transition describes one status change.
type Transition struct {
	Identity string
	From     Status
	To       Status
	LastSeen time.Time
	At       time.Time
}

// ExpireFunc is called from the timer goroutine when a grace period ends. The
// receiver must hand (identity, gen) back to Tracker.Expire on the goroutine
// that owns the Tracker.
type ExpireFunc func(identity string, gen uint64)

// Tracker owns every PresenceRecord. It is not safe for concurrent use; the
// engine event loop serializes all calls, including timer expiries which are
// delivered through ExpireFunc.
type Tracker struct {
	records map[string]*Record
	grace   time.Duration
	sched   Scheduler
	expire  ExpireFunc
	now     func() time.Time
}

// NewTracker creates a Tracker. A zero grace uses DefaultGracePeriod and a nil
// scheduler uses RealScheduler.
func NewTracker(grace time.Duration, sched Scheduler, expire ExpireFunc) *Tracker {
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	if sched == nil {
		sched = RealScheduler
	}
	return &Tracker{
		records: make(map[string]*Record),
		grace:   grace,
		sched:   sched,
		expire:  expire,
		now:     time.Now,
	}
}

// SetClock overrides the time source.
func (t *Tracker) SetClock(now func() time.Time) {
	t.now = now
}

// Connected moves identity to online after a successful registration and
// cancels any pending grace timer.
func (t *Tracker) Connected(identity string) (Transition, bool) {
	rec := t.record(identity)
	t.cancel(rec)
	rec.closing = false
	return t.set(identity, rec, StatusOnline)
}

// Disconnected is called when identity's current connection was removed. It
// moves to away and starts the grace timer, unless the client already said it
// was closing, in which case the identity is left offline.
func (t *Tracker) Disconnected(identity string) (Transition, bool) {
	rec := t.record(identity)
	t.cancel(rec)
	if rec.closing || rec.Status == StatusOffline {
		return Transition{}, false
	}

	rec.gen++
	gen := rec.gen
	rec.timer = t.sched.AfterFunc(t.grace, func() {
		if t.expire != nil {
			t.expire(identity, gen)
		}
	})
	return t.set(identity, rec, StatusAway)
}

// Expire handles a fired grace timer. Timers that were cancelled or replaced
// after they fired are ignored by comparing generations.
func (t *Tracker) Expire(identity string, gen uint64) (Transition, bool) {
	rec, ok := t.records[identity]
	if !ok || rec.timer == nil || rec.gen != gen {
		return Transition{}, false
	}
	rec.timer = nil
	if rec.Status != StatusAway {
		return Transition{}, false
	}
	rec.LastSeen = t.now()
	return t.set(identity, rec, StatusOffline)
}

// Closing moves identity straight to offline, bypassing the grace period.
func (t *Tracker) Closing(identity string) (Transition, bool) {
	rec := t.record(identity)
	t.cancel(rec)
	rec.closing = true
	rec.LastSeen = t.now()
	return t.set(identity, rec, StatusOffline)
}

// Background marks an online identity away while its connection stays up.
func (t *Tracker) Background(identity string) (Transition, bool) {
	rec := t.record(identity)
	if rec.Status != StatusOnline {
		return Transition{}, false
	}
	return t.set(identity, rec, StatusAway)
}

// Foreground returns a backgrounded identity to online.
func (t *Tracker) Foreground(identity string) (Transition, bool) {
	rec := t.record(identity)
	t.cancel(rec)
	rec.closing = false
	return t.set(identity, rec, StatusOnline)
}

// Status returns identity's status. Unknown identities are offline.
func (t *Tracker) Status(identity string) Status {
	if rec, ok := t.records[identity]; ok {
		return rec.Status
	}
	return StatusOffline
}

// Get returns a copy of identity's record.
func (t *Tracker) Get(identity string) (Record, bool) {
	rec, ok := t.records[identity]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Counts returns the number of identities in each status.
func (t *Tracker) Counts() map[Status]int {
	counts := map[Status]int{StatusOnline: 0, StatusAway: 0, StatusOffline: 0}
	for _, rec := range t.records {
		counts[rec.Status]++
	}
	return counts
}

func (t *Tracker) record(identity string) *Record {
	rec, ok := t.records[identity]
	if !ok {
		rec = &Record{Status: StatusOffline}
		t.records[identity] = rec
	}
	return rec
}

func (t *Tracker) cancel(rec *Record) {
	if rec.timer == nil {
		return
	}
	rec.timer.Stop()
	rec.timer = nil
	rec.gen++
}

func (t *Tracker) set(identity string, rec *Record, to Status) (Transition, bool) {
	from := rec.Status
	if from == to {
		return Transition{}, false
	}
	rec.Status = to
	tr := Transition{
		Identity: identity,
		From:     from,
		To:       to,
		LastSeen: rec.LastSeen,
		At:       t.now(),
	}
	log.Printf("[presence] %s %s -> %s", identity, from, to)
	return tr, true
}

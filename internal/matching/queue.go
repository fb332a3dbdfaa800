// Package matching holds identities waiting for a random-chat partner and
// pairs them under mutual filter constraints.
package matching

import (
	"math/rand/v2"
	"sort"
	"time"

	"github.com/whisper/rendezvous/internal/protocol"
)

// Entry is one identity waiting in the queue. Profile is the snapshot taken
// at enqueue time; filters are always evaluated against it.
type Entry struct {
	Identity   string
	ConnID     string
	Profile    protocol.Profile
	Filter     protocol.Filters
	EnqueuedAt time.Time
}

// MatchCandidate represents a successful pairing of two queued identities.
// A is the identity whose enqueue triggered the match.
type MatchCandidate struct {
	A Entry
	B Entry
}

// Waited returns how long the longer-waiting side spent in the queue.
func (m *MatchCandidate) Waited(now time.Time) time.Duration {
	oldest := m.A.EnqueuedAt
	if m.B.EnqueuedAt.Before(oldest) {
		oldest = m.B.EnqueuedAt
	}
	return now.Sub(oldest)
}

// Queue is the set of waiting identities. It is not safe for concurrent use;
// the engine event loop owns it.
type Queue struct {
	entries map[string]Entry
	rng     *rand.Rand
}

// NewQueue creates an empty queue that picks among candidates using rng. A nil
// rng uses a randomly seeded source.
func NewQueue(rng *rand.Rand) *Queue {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Queue{
		entries: make(map[string]Entry),
		rng:     rng,
	}
}

// Enqueue inserts entry or replaces the identity's existing entry. Replacing
// keeps the original EnqueuedAt so a filter change does not reset wait time.
func (q *Queue) Enqueue(entry Entry) {
	if prev, ok := q.entries[entry.Identity]; ok && !prev.EnqueuedAt.IsZero() {
		entry.EnqueuedAt = prev.EnqueuedAt
	}
	entry.Filter = NormalizeFilters(entry.Filter)
	q.entries[entry.Identity] = entry
}

// Dequeue removes identity. It reports whether an entry was present.
func (q *Queue) Dequeue(identity string) bool {
	if _, ok := q.entries[identity]; !ok {
		return false
	}
	delete(q.entries, identity)
	return true
}

// Get returns identity's entry.
func (q *Queue) Get(identity string) (Entry, bool) {
	e, ok := q.entries[identity]
	return e, ok
}

// Contains reports whether identity is waiting.
func (q *Queue) Contains(identity string) bool {
	_, ok := q.entries[identity]
	return ok
}

// Len returns the number of waiting identities.
func (q *Queue) Len() int {
	return len(q.entries)
}

// TryMatch looks for a partner for identity. Candidates are every other
// waiting entry that busy does not report as occupied and that is compatible
// in both directions. Candidates that avoid reports are only chosen when no
// other candidate exists. One is picked uniformly at random and both entries
// are removed before returning. Returns nil when identity is not queued or no
// candidate exists. busy and avoid may be nil.
func (q *Queue) TryMatch(identity string, busy, avoid func(string) bool) *MatchCandidate {
	self, ok := q.entries[identity]
	if !ok {
		return nil
	}

	candidates := make([]Entry, 0, len(q.entries))
	var fallback []Entry
	for id, e := range q.entries {
		if id == identity {
			continue
		}
		if busy != nil && busy(id) {
			continue
		}
		if !Compatible(self, e) {
			continue
		}
		if avoid != nil && avoid(id) {
			fallback = append(fallback, e)
			continue
		}
		candidates = append(candidates, e)
	}
	if len(candidates) == 0 {
		candidates = fallback
	}
	if len(candidates) == 0 {
		return nil
	}

	// Map iteration order is random; sort so a seeded rng is reproducible.
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Identity < candidates[j].Identity
	})
	partner := candidates[q.rng.IntN(len(candidates))]

	delete(q.entries, identity)
	delete(q.entries, partner.Identity)
	return &MatchCandidate{A: self, B: partner}
}

// Pair removes a and b directly when both are queued and compatible. It backs
// the "previous partner" shortcut which bypasses random selection.
func (q *Queue) Pair(a, b string) *MatchCandidate {
	ea, ok := q.entries[a]
	if !ok {
		return nil
	}
	eb, ok := q.entries[b]
	if !ok || a == b || !Compatible(ea, eb) {
		return nil
	}
	delete(q.entries, a)
	delete(q.entries, b)
	return &MatchCandidate{A: ea, B: eb}
}

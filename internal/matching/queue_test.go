package matching

import (
	"fmt"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/rendezvous/internal/protocol"
)

func entry(identity, gender string, f protocol.Filters) Entry {
	return Entry{
		Identity:   identity,
		ConnID:     "conn-" + identity,
		Profile:    protocol.Profile{Identity: identity, Gender: gender},
		Filter:     f,
		EnqueuedAt: time.Unix(1700000000, 0),
	}
}

func seeded() *rand.Rand {
	return rand.New(rand.NewPCG(1, 2))
}

func TestAccepts(t *testing.T) {
	p := protocol.Profile{Gender: "Female", Country: " US ", City: "Austin"}

	tests := []struct {
		name   string
		filter protocol.Filters
		want   bool
	}{
		{"empty filter accepts anyone", protocol.Filters{}, true},
		{"case insensitive", protocol.Filters{Gender: "female"}, true},
		{"trimmed", protocol.Filters{Country: "us  "}, true},
		{"mismatch", protocol.Filters{Gender: "male"}, false},
		{"all fields must hold", protocol.Filters{Gender: "female", City: "Dallas"}, false},
		{"unset profile field fails a set filter", protocol.Filters{State: "TX"}, false},
		{"whitespace-only filter is empty", protocol.Filters{State: "   "}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Accepts(tt.filter, p))
		})
	}
}

// Scenario A: two open filters pair on the second enqueue.
func TestTryMatch_EmptyFiltersPair(t *testing.T) {
	q := NewQueue(seeded())
	q.Enqueue(entry("x", "male", protocol.Filters{}))
	assert.Nil(t, q.TryMatch("x", nil, nil), "alone in queue")

	q.Enqueue(entry("y", "female", protocol.Filters{}))
	m := q.TryMatch("y", nil, nil)
	require.NotNil(t, m)
	assert.Equal(t, "y", m.A.Identity)
	assert.Equal(t, "x", m.B.Identity)
	assert.Equal(t, 0, q.Len(), "both entries removed in the same step")
}

// Scenario B: Y accepts everyone but X's filter rejects Y.
func TestTryMatch_AsymmetricFilterBlocks(t *testing.T) {
	q := NewQueue(seeded())
	q.Enqueue(entry("x", "female", protocol.Filters{Gender: "female"}))
	q.Enqueue(entry("y", "male", protocol.Filters{}))

	assert.Nil(t, q.TryMatch("y", nil, nil))
	assert.Nil(t, q.TryMatch("x", nil, nil))
	assert.Equal(t, 2, q.Len())
}

// Compatibility must be checked in both directions regardless of who asks.
func TestCompatible_Symmetric(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 4))
	genders := []string{"", "male", "female"}
	countries := []string{"", "us", "US", "de"}

	pick := func(vals []string) string { return vals[rng.IntN(len(vals))] }
	for i := 0; i < 500; i++ {
		a := Entry{
			Identity: "a",
			Profile:  protocol.Profile{Gender: pick(genders[1:]), Country: pick(countries[1:])},
			Filter:   protocol.Filters{Gender: pick(genders), Country: pick(countries)},
		}
		b := Entry{
			Identity: "b",
			Profile:  protocol.Profile{Gender: pick(genders[1:]), Country: pick(countries[1:])},
			Filter:   protocol.Filters{Gender: pick(genders), Country: pick(countries)},
		}
		want := Accepts(a.Filter, b.Profile) && Accepts(b.Filter, a.Profile)
		require.Equal(t, want, Compatible(a, b), "a->b iteration %d", i)
		require.Equal(t, want, Compatible(b, a), "b->a iteration %d", i)

		q := NewQueue(seeded())
		q.Enqueue(a)
		q.Enqueue(b)
		require.Equal(t, want, q.TryMatch("a", nil, nil) != nil)

		q = NewQueue(seeded())
		q.Enqueue(a)
		q.Enqueue(b)
		require.Equal(t, want, q.TryMatch("b", nil, nil) != nil)
	}
}

func TestTryMatch_SkipsBusy(t *testing.T) {
	q := NewQueue(seeded())
	q.Enqueue(entry("x", "male", protocol.Filters{}))
	q.Enqueue(entry("y", "male", protocol.Filters{}))

	busy := func(id string) bool { return id == "x" }
	assert.Nil(t, q.TryMatch("y", busy, nil))
	assert.True(t, q.Contains("x"))
	assert.True(t, q.Contains("y"))
}

func TestTryMatch_AvoidOnlyWhenNoAlternative(t *testing.T) {
	avoid := func(id string) bool { return id == "old" }

	for i := 0; i < 50; i++ {
		q := NewQueue(seeded())
		q.Enqueue(entry("old", "male", protocol.Filters{}))
		q.Enqueue(entry("new", "male", protocol.Filters{}))
		q.Enqueue(entry("me", "male", protocol.Filters{}))
		m := q.TryMatch("me", nil, avoid)
		require.NotNil(t, m)
		require.Equal(t, "new", m.B.Identity)
	}

	// Alone with the avoided entry, the pair still forms.
	q := NewQueue(seeded())
	q.Enqueue(entry("old", "male", protocol.Filters{}))
	q.Enqueue(entry("me", "male", protocol.Filters{}))
	m := q.TryMatch("me", nil, avoid)
	require.NotNil(t, m)
	assert.Equal(t, "old", m.B.Identity)
	assert.Equal(t, 0, q.Len())
}

func TestTryMatch_UniformAmongCandidates(t *testing.T) {
	const n = 4
	counts := make(map[string]int)
	rng := seeded()

	for i := 0; i < 4000; i++ {
		q := NewQueue(rng)
		for c := 0; c < n; c++ {
			q.Enqueue(entry(fmt.Sprintf("c%d", c), "male", protocol.Filters{}))
		}
		q.Enqueue(entry("me", "male", protocol.Filters{}))
		m := q.TryMatch("me", nil, nil)
		require.NotNil(t, m)
		counts[m.B.Identity]++
	}

	require.Len(t, counts, n)
	for id, c := range counts {
		// Expected 1000 each; allow generous slack.
		assert.InDelta(t, 1000, c, 150, "candidate %s", id)
	}
}

func TestEnqueue_ReplaceKeepsWaitStart(t *testing.T) {
	q := NewQueue(seeded())
	first := entry("x", "male", protocol.Filters{})
	q.Enqueue(first)

	again := entry("x", "male", protocol.Filters{Gender: " Female "})
	again.EnqueuedAt = first.EnqueuedAt.Add(time.Minute)
	q.Enqueue(again)

	got, ok := q.Get("x")
	require.True(t, ok)
	assert.Equal(t, first.EnqueuedAt, got.EnqueuedAt)
	assert.Equal(t, "Female", got.Filter.Gender)
	assert.Equal(t, 1, q.Len())
}

func TestDequeue(t *testing.T) {
	q := NewQueue(seeded())
	q.Enqueue(entry("x", "male", protocol.Filters{}))

	assert.True(t, q.Dequeue("x"))
	assert.False(t, q.Dequeue("x"))
	assert.Nil(t, q.TryMatch("x", nil, nil))
}

func TestPair(t *testing.T) {
	q := NewQueue(seeded())
	q.Enqueue(entry("x", "male", protocol.Filters{}))
	q.Enqueue(entry("y", "female", protocol.Filters{Gender: "female"}))
	q.Enqueue(entry("z", "female", protocol.Filters{}))

	assert.Nil(t, q.Pair("x", "y"), "y's filter rejects x")
	assert.Nil(t, q.Pair("x", "missing"))

	m := q.Pair("x", "z")
	require.NotNil(t, m)
	assert.Equal(t, "z", m.B.Identity)
	assert.Equal(t, 1, q.Len())
}

func TestMatchCandidate_Waited(t *testing.T) {
	base := time.Unix(1700000000, 0)
	m := &MatchCandidate{
		A: Entry{EnqueuedAt: base.Add(5 * time.Second)},
		B: Entry{EnqueuedAt: base},
	}
	assert.Equal(t, 10*time.Second, m.Waited(base.Add(10*time.Second)))
}

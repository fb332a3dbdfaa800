package registry

import (
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegister_FirstConnection(t *testing.T) {
	r := New()

	evicted := r.Register("alice", "c1")
	assert.Empty(t, evicted)

	conn, ok := r.Current("alice")
	require.True(t, ok)
	assert.Equal(t, "c1", conn)

	identity, ok := r.Identity("c1")
	require.True(t, ok)
	assert.Equal(t, "alice", identity)
}

func TestRegister_EvictsOlderConnection(t *testing.T) {
	r := New()
	r.Register("alice", "c1")

	evicted := r.Register("alice", "c2")
	assert.Equal(t, "c1", evicted)

	conn, _ := r.Current("alice")
	assert.Equal(t, "c2", conn)

	_, ok := r.Identity("c1")
	assert.False(t, ok, "evicted connection must no longer resolve to the identity")
	assert.Equal(t, 1, r.Len())
}

func TestRegister_SameConnectionTwice(t *testing.T) {
	r := New()
	r.Register("alice", "c1")

	assert.Empty(t, r.Register("alice", "c1"))
	conn, _ := r.Current("alice")
	assert.Equal(t, "c1", conn)
}

func TestRegister_ConnectionSwitchesIdentity(t *testing.T) {
	r := New()
	r.Register("anon:x", "c1")
	r.Register("alice", "c1")

	_, ok := r.Current("anon:x")
	assert.False(t, ok)
	identity, _ := r.Identity("c1")
	assert.Equal(t, "alice", identity)
}

func TestRemove_StaleConnectionKeepsNewerMapping(t *testing.T) {
	r := New()
	r.Register("alice", "c1")
	r.Register("alice", "c2")

	assert.False(t, r.Remove("alice", "c1"), "superseded connection must not clear the mapping")

	conn, ok := r.Current("alice")
	require.True(t, ok)
	assert.Equal(t, "c2", conn)
}

func TestRemove_CurrentConnection(t *testing.T) {
	r := New()
	r.Register("alice", "c1")

	assert.True(t, r.Remove("alice", "c1"))
	_, ok := r.Current("alice")
	assert.False(t, ok)
	_, ok = r.Identity("c1")
	assert.False(t, ok)
	assert.False(t, r.Remove("alice", "c1"), "second remove is a no-op")
}

func TestIdentities_Sorted(t *testing.T) {
	r := New()
	r.Register("carol", "c3")
	r.Register("alice", "c1")
	r.Register("bob", "c2")

	assert.Equal(t, []string{"alice", "bob", "carol"}, r.Identities())
}

// After any sequence of register/remove calls an identity holds at most one
// connection, and it is the most recently registered one not since removed.
func TestAtMostOneConnection_RandomSequences(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	identities := []string{"a", "b", "c"}

	for round := 0; round < 200; round++ {
		r := New()
		latest := make(map[string]string) // model: identity -> live conn
		issued := make(map[string][]string)

		for step := 0; step < 40; step++ {
			identity := identities[rng.IntN(len(identities))]
			if rng.IntN(3) == 0 && len(issued[identity]) > 0 {
				conns := issued[identity]
				conn := conns[rng.IntN(len(conns))]
				cleared := r.Remove(identity, conn)
				if latest[identity] == conn {
					require.True(t, cleared)
					delete(latest, identity)
				} else {
					require.False(t, cleared)
				}
				continue
			}
			conn := fmt.Sprintf("%s-%d-%d", identity, round, step)
			issued[identity] = append(issued[identity], conn)
			r.Register(identity, conn)
			latest[identity] = conn
		}

		for _, identity := range identities {
			got, ok := r.Current(identity)
			want, wantOK := latest[identity]
			require.Equal(t, wantOK, ok, "round %d identity %s", round, identity)
			require.Equal(t, want, got, "round %d identity %s", round, identity)
		}
		require.Equal(t, len(latest), r.Len())
	}
}

// Package registry maps identities to their single current connection.
//
// A Registry is not safe for concurrent use. It is owned by the engine's
// event loop, which is the only goroutine that touches it.
package registry

import "sort"

// Registry tracks which connection currently speaks for each identity and
// the reverse mapping used to resolve the sender of inbound events.
type Registry struct {
	byIdentity map[string]string // identity -> current connection id
	byConn     map[string]string // connection id -> identity
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		byIdentity: make(map[string]string),
		byConn:     make(map[string]string),
	}
}

// Register makes connID the current connection for identity. If identity was
// already bound to a different connection, that connection id is returned so
// the caller can close it; its reverse mapping is dropped so that events still
// in flight from it no longer resolve to identity.
func (r *Registry) Register(identity, connID string) (evicted string) {
	if prev, ok := r.byIdentity[identity]; ok && prev != connID {
		delete(r.byConn, prev)
		evicted = prev
	}
	// A connection can only ever speak for one identity.
	if other, ok := r.byConn[connID]; ok && other != identity {
		if r.byIdentity[other] == connID {
			delete(r.byIdentity, other)
		}
	}
	r.byIdentity[identity] = connID
	r.byConn[connID] = identity
	return evicted
}

// Current returns the connection currently registered for identity.
func (r *Registry) Current(identity string) (string, bool) {
	connID, ok := r.byIdentity[identity]
	return connID, ok
}

// Identity returns the identity connID was admitted under, if connID is still
// the current connection for it.
func (r *Registry) Identity(connID string) (string, bool) {
	identity, ok := r.byConn[connID]
	return identity, ok
}

// Remove clears identity's mapping only if connID is still the registered
// connection. A disconnect for an already-superseded connection must not erase
// the newer mapping. It reports whether the mapping was cleared.
func (r *Registry) Remove(identity, connID string) bool {
	current, ok := r.byIdentity[identity]
	if !ok || current != connID {
		return false
	}
	delete(r.byIdentity, identity)
	delete(r.byConn, connID)
	return true
}

// Identities returns every identity with a current connection, sorted.
func (r *Registry) Identities() []string {
	out := make([]string, 0, len(r.byIdentity))
	for identity := range r.byIdentity {
		out = append(out, identity)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of identities with a current connection.
func (r *Registry) Len() int {
	return len(r.byIdentity)
}

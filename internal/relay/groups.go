package relay

import "sort"

// Groups tracks room subscriptions. Membership is by identity so it survives
// a reconnect that happens before the old connection is removed. It is not
// safe for concurrent use.
type Groups struct {
	rooms    map[string]map[string]struct{} // room -> identities
	byMember map[string]map[string]struct{} // identity -> rooms
}

// NewGroups creates an empty subscription table.
func NewGroups() *Groups {
	return &Groups{
		rooms:    make(map[string]map[string]struct{}),
		byMember: make(map[string]map[string]struct{}),
	}
}

// Join subscribes identity to room. It reports whether identity was newly
// added.
func (g *Groups) Join(room, identity string) bool {
	members, ok := g.rooms[room]
	if !ok {
		members = make(map[string]struct{})
		g.rooms[room] = members
	}
	if _, ok := members[identity]; ok {
		return false
	}
	members[identity] = struct{}{}

	rooms, ok := g.byMember[identity]
	if !ok {
		rooms = make(map[string]struct{})
		g.byMember[identity] = rooms
	}
	rooms[room] = struct{}{}
	return true
}

// Leave unsubscribes identity from room. It reports whether identity was a
// member.
func (g *Groups) Leave(room, identity string) bool {
	members, ok := g.rooms[room]
	if !ok {
		return false
	}
	if _, ok := members[identity]; !ok {
		return false
	}
	delete(members, identity)
	if len(members) == 0 {
		delete(g.rooms, room)
	}
	if rooms, ok := g.byMember[identity]; ok {
		delete(rooms, room)
		if len(rooms) == 0 {
			delete(g.byMember, identity)
		}
	}
	return true
}

// LeaveAll drops every subscription of identity and returns the rooms it
// left, sorted.
func (g *Groups) LeaveAll(identity string) []string {
	rooms := g.RoomsOf(identity)
	for _, room := range rooms {
		g.Leave(room, identity)
	}
	return rooms
}

// Members returns room's subscribers, sorted.
func (g *Groups) Members(room string) []string {
	return sortedKeys(g.rooms[room])
}

// RoomsOf returns the rooms identity is subscribed to, sorted.
func (g *Groups) RoomsOf(identity string) []string {
	return sortedKeys(g.byMember[identity])
}

// IsMember reports whether identity is subscribed to room.
func (g *Groups) IsMember(room, identity string) bool {
	_, ok := g.rooms[room][identity]
	return ok
}

// Len returns the number of non-empty rooms.
func (g *Groups) Len() int {
	return len(g.rooms)
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

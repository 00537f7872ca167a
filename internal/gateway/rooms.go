package gateway

import (
	"sync"

	"github.com/studiodesk/relay/internal/protocol"
)

// UserRoom names the private broadcast group every authenticated
// connection of a user joins.
func UserRoom(userID string) string { return "user:" + userID }

// SoftwareRoom names the group for a software bridge kind.
func SoftwareRoom(software string) string { return "software:" + software }

// Rooms is the in-memory routing table from room name to member
// connections. Rooms exist while they have members; membership is
// removed eagerly on disconnect, never lazily.
type Rooms struct {
	mu    sync.RWMutex
	rooms map[string]map[string]*Conn // room → connID → conn
}

func NewRooms() *Rooms {
	return &Rooms{rooms: make(map[string]map[string]*Conn)}
}

// Join adds conn to room, creating the room on first join.
func (r *Rooms) Join(room string, conn *Conn) {
	r.mu.Lock()
	members, ok := r.rooms[room]
	if !ok {
		members = make(map[string]*Conn)
		r.rooms[room] = members
	}
	members[conn.ID] = conn
	r.mu.Unlock()

	conn.stateMu.Lock()
	conn.joined[room] = struct{}{}
	conn.stateMu.Unlock()
}

// Leave removes conn from room, dropping the room when it empties.
func (r *Rooms) Leave(room string, conn *Conn) {
	r.mu.Lock()
	if members, ok := r.rooms[room]; ok {
		delete(members, conn.ID)
		if len(members) == 0 {
			delete(r.rooms, room)
		}
	}
	r.mu.Unlock()

	conn.stateMu.Lock()
	delete(conn.joined, room)
	conn.stateMu.Unlock()
}

// LeaveAll removes conn from every room it joined. Called on disconnect.
func (r *Rooms) LeaveAll(conn *Conn) {
	conn.stateMu.Lock()
	joined := make([]string, 0, len(conn.joined))
	for room := range conn.joined {
		joined = append(joined, room)
	}
	conn.joined = make(map[string]struct{})
	conn.stateMu.Unlock()

	r.mu.Lock()
	for _, room := range joined {
		if members, ok := r.rooms[room]; ok {
			delete(members, conn.ID)
			if len(members) == 0 {
				delete(r.rooms, room)
			}
		}
	}
	r.mu.Unlock()
}

// Count returns the number of members in room.
func (r *Rooms) Count(room string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[room])
}

// Broadcast fans an event out to every member of room. Best-effort and
// not transactional: a member mid-disconnect may miss the event.
func (r *Rooms) Broadcast(room string, kind protocol.EventKind, payload any) {
	r.BroadcastExcept(room, "", kind, payload)
}

// BroadcastExcept is Broadcast minus one connection, used when the
// originator should not hear its own event.
func (r *Rooms) BroadcastExcept(room, exceptConnID string, kind protocol.EventKind, payload any) {
	r.mu.RLock()
	members := make([]*Conn, 0, len(r.rooms[room]))
	for id, conn := range r.rooms[room] {
		if id == exceptConnID {
			continue
		}
		members = append(members, conn)
	}
	r.mu.RUnlock()

	for _, conn := range members {
		// A failed write here means the member is on its way out; its
		// read loop handles the cleanup.
		_ = conn.send(kind, "", payload)
	}
}

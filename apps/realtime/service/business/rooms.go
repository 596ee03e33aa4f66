package business

import (
	"sync"

	"github.com/zeidalqadri/tenderflow-realtime/internal"
)

const roomShardCount = 16

// ScopeRoom namespaces a room name by tenant so resource ids from different
// tenants never share a room. The scoped form is internal: clients and bus
// events always see the plain room name.
func ScopeRoom(tenantID, room string) string {
	return tenantID + "/" + room
}

// roomShard holds the membership maps for a subset of rooms.
type roomShard struct {
	mu      sync.RWMutex
	members map[string]map[string]Connection // room name -> connection id -> connection
}

// roomIndex tracks which connections belong to which rooms. Rooms are
// sharded by name so broadcasts to different rooms do not contend; a
// reverse index supports removing a connection from everything at once.
//
// Rooms exist only while occupied: the first Join creates the room and the
// last Leave deletes it.
type roomIndex struct {
	shards [roomShardCount]*roomShard

	reverseMu sync.RWMutex
	reverse   map[string]map[string]struct{} // connection id -> room names
}

func newRoomIndex() *roomIndex {
	idx := &roomIndex{
		reverse: make(map[string]map[string]struct{}),
	}
	for i := range roomShardCount {
		idx.shards[i] = &roomShard{
			members: make(map[string]map[string]Connection),
		}
	}
	return idx
}

func (idx *roomIndex) shardFor(room string) *roomShard {
	return idx.shards[internal.ShardForKey(room, roomShardCount)]
}

// Join adds conn to room. Joining a room the connection is already in is a
// no-op; returns true only for a new membership.
func (idx *roomIndex) Join(room string, conn Connection) bool {
	connID := conn.Record().Key()

	shard := idx.shardFor(room)
	shard.mu.Lock()
	occupants, ok := shard.members[room]
	if !ok {
		occupants = make(map[string]Connection)
		shard.members[room] = occupants
	}
	_, already := occupants[connID]
	occupants[connID] = conn
	shard.mu.Unlock()

	if already {
		return false
	}

	idx.reverseMu.Lock()
	rooms, ok := idx.reverse[connID]
	if !ok {
		rooms = make(map[string]struct{})
		idx.reverse[connID] = rooms
	}
	rooms[room] = struct{}{}
	idx.reverseMu.Unlock()

	return true
}

// Leave removes the connection from room. Returns true if it was a member.
func (idx *roomIndex) Leave(room, connID string) bool {
	shard := idx.shardFor(room)
	shard.mu.Lock()
	occupants, ok := shard.members[room]
	var was bool
	if ok {
		_, was = occupants[connID]
		delete(occupants, connID)
		if len(occupants) == 0 {
			delete(shard.members, room)
		}
	}
	shard.mu.Unlock()

	if !was {
		return false
	}

	idx.reverseMu.Lock()
	if rooms, ok := idx.reverse[connID]; ok {
		delete(rooms, room)
		if len(rooms) == 0 {
			delete(idx.reverse, connID)
		}
	}
	idx.reverseMu.Unlock()

	return true
}

// LeaveAll removes the connection from every room it joined and returns the
// rooms it was in. Called on disconnect and by the reaper.
func (idx *roomIndex) LeaveAll(connID string) []string {
	idx.reverseMu.Lock()
	roomSet := idx.reverse[connID]
	delete(idx.reverse, connID)
	idx.reverseMu.Unlock()

	if len(roomSet) == 0 {
		return nil
	}

	rooms := make([]string, 0, len(roomSet))
	for room := range roomSet {
		rooms = append(rooms, room)

		shard := idx.shardFor(room)
		shard.mu.Lock()
		if occupants, ok := shard.members[room]; ok {
			delete(occupants, connID)
			if len(occupants) == 0 {
				delete(shard.members, room)
			}
		}
		shard.mu.Unlock()
	}

	return rooms
}

// Members returns a snapshot of the connections currently in room.
func (idx *roomIndex) Members(room string) []Connection {
	shard := idx.shardFor(room)

	shard.mu.RLock()
	occupants := shard.members[room]
	conns := make([]Connection, 0, len(occupants))
	for _, conn := range occupants {
		conns = append(conns, conn)
	}
	shard.mu.RUnlock()

	return conns
}

// MemberCount returns how many connections are in room.
func (idx *roomIndex) MemberCount(room string) int {
	shard := idx.shardFor(room)

	shard.mu.RLock()
	n := len(shard.members[room])
	shard.mu.RUnlock()
	return n
}

// Rooms lists the rooms the connection currently belongs to.
func (idx *roomIndex) Rooms(connID string) []string {
	idx.reverseMu.RLock()
	roomSet := idx.reverse[connID]
	rooms := make([]string, 0, len(roomSet))
	for room := range roomSet {
		rooms = append(rooms, room)
	}
	idx.reverseMu.RUnlock()
	return rooms
}

// RoomCount returns the number of occupied rooms.
func (idx *roomIndex) RoomCount() int {
	total := 0
	for i := range roomShardCount {
		shard := idx.shards[i]
		shard.mu.RLock()
		total += len(shard.members)
		shard.mu.RUnlock()
	}
	return total
}

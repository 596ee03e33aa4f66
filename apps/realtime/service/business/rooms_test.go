package business //nolint:testpackage // tests exercise unexported room index internals

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScopeRoom(t *testing.T) {
	assert.Equal(t, "tenant-1/tender:42", ScopeRoom("tenant-1", "tender:42"))
	assert.NotEqual(t,
		ScopeRoom("tenant-1", "tender:42"),
		ScopeRoom("tenant-2", "tender:42"),
		"same resource in different tenants must land in different rooms")
}

func TestRoomIndex_JoinAndMembers(t *testing.T) {
	idx := newRoomIndex()

	c1 := poolConn("c1")
	c2 := poolConn("c2")

	assert.True(t, idx.Join("tender:1", c1))
	assert.True(t, idx.Join("tender:1", c2))

	members := idx.Members("tender:1")
	assert.Len(t, members, 2)
	assert.Equal(t, 2, idx.MemberCount("tender:1"))
	assert.Equal(t, 1, idx.RoomCount())
}

func TestRoomIndex_JoinIdempotent(t *testing.T) {
	idx := newRoomIndex()

	c1 := poolConn("c1")

	assert.True(t, idx.Join("tender:1", c1), "first join is a new membership")
	assert.False(t, idx.Join("tender:1", c1), "second join is a no-op")
	assert.Equal(t, 1, idx.MemberCount("tender:1"))
}

func TestRoomIndex_Leave(t *testing.T) {
	idx := newRoomIndex()

	c1 := poolConn("c1")
	idx.Join("tender:1", c1)

	assert.True(t, idx.Leave("tender:1", "c1"))
	assert.False(t, idx.Leave("tender:1", "c1"), "leaving twice reports no membership")
	assert.Equal(t, 0, idx.MemberCount("tender:1"))
	assert.Equal(t, 0, idx.RoomCount(), "empty rooms are deleted")
}

func TestRoomIndex_LeaveUnknownRoom(t *testing.T) {
	idx := newRoomIndex()

	assert.False(t, idx.Leave("tender:none", "c1"))
}

func TestRoomIndex_LeaveAll(t *testing.T) {
	idx := newRoomIndex()

	c1 := poolConn("c1")
	c2 := poolConn("c2")
	idx.Join("tender:1", c1)
	idx.Join("tender:2", c1)
	idx.Join("tender:1", c2)

	rooms := idx.LeaveAll("c1")
	assert.ElementsMatch(t, []string{"tender:1", "tender:2"}, rooms)

	assert.Empty(t, idx.Rooms("c1"))
	assert.Equal(t, 1, idx.MemberCount("tender:1"), "other members remain")
	assert.Equal(t, 0, idx.MemberCount("tender:2"))
	assert.Equal(t, 1, idx.RoomCount())

	assert.Nil(t, idx.LeaveAll("c1"), "second LeaveAll finds nothing")
}

func TestRoomIndex_Rooms(t *testing.T) {
	idx := newRoomIndex()

	c1 := poolConn("c1")
	idx.Join("tender:1", c1)
	idx.Join("tenant:t1", c1)

	assert.ElementsMatch(t, []string{"tender:1", "tenant:t1"}, idx.Rooms("c1"))
	assert.Empty(t, idx.Rooms("unknown"))
}

func TestRoomIndex_ConcurrentJoinLeave(t *testing.T) {
	idx := newRoomIndex()

	var wg sync.WaitGroup
	wg.Add(10)
	for g := range 10 {
		go func(id int) {
			defer wg.Done()
			conn := poolConn(fmt.Sprintf("c%d", id))
			for i := range 20 {
				room := fmt.Sprintf("tender:%d", i%5)
				idx.Join(room, conn)
			}
			idx.LeaveAll(conn.Record().Key())
		}(g)
	}
	wg.Wait()

	require.Equal(t, 0, idx.RoomCount())
}

package business //nolint:testpackage // tests exercise the unexported broadcaster and room index

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeidalqadri/tenderflow-realtime/apps/realtime/service/models"
	"github.com/zeidalqadri/tenderflow-realtime/internal"
)

func newTestBroadcaster(pub *fakePublisher) (*broadcaster, *roomIndex) {
	rooms := newRoomIndex()
	b := NewBroadcaster(rooms, &fakeProvider{pub: pub}, "backplane", "instance-a").(*broadcaster)
	return b, rooms
}

func TestBroadcaster_BroadcastLocal(t *testing.T) {
	b, rooms := newTestBroadcaster(&fakePublisher{})

	c1 := poolConn("c1")
	c2 := poolConn("c2")
	rooms.Join("t1/tender:1", c1)
	rooms.Join("t1/tender:1", c2)

	msg := models.NewServerMessage("tender:updated", "tender:1", nil)
	delivered := b.BroadcastLocal(context.Background(), "t1/tender:1", msg)

	assert.Equal(t, 2, delivered)
	assert.NotNil(t, c1.ConsumeDispatch(context.Background()))
	assert.NotNil(t, c2.ConsumeDispatch(context.Background()))
}

func TestBroadcaster_BroadcastLocalEmptyRoom(t *testing.T) {
	b, _ := newTestBroadcaster(&fakePublisher{})

	msg := models.NewServerMessage("tender:updated", "tender:1", nil)
	assert.Equal(t, 0, b.BroadcastLocal(context.Background(), "t1/tender:1", msg))
}

func TestBroadcaster_BroadcastLocalCountsDrops(t *testing.T) {
	b, rooms := newTestBroadcaster(&fakePublisher{})

	c1 := poolConn("c1")
	rooms.Join("t1/tender:1", c1)

	// Saturate the outbound buffer so the next dispatch drops.
	for range dispatchChannelSize {
		require.True(t, c1.Dispatch(models.NewServerMessage("fill", "", nil)))
	}

	msg := models.NewServerMessage("tender:updated", "tender:1", nil)
	assert.Equal(t, 0, b.BroadcastLocal(context.Background(), "t1/tender:1", msg))
}

func TestBroadcaster_BroadcastRelaysFrame(t *testing.T) {
	pub := &fakePublisher{}
	b, rooms := newTestBroadcaster(pub)

	c1 := poolConn("c1")
	rooms.Join("t1/tender:1", c1)

	msg := models.NewServerMessage(models.ServerTyping, "tender:1", nil)
	require.NoError(t, b.Broadcast(context.Background(), "t1/tender:1", msg))

	// Local delivery happened.
	assert.NotNil(t, c1.ConsumeDispatch(context.Background()))

	// Backplane frame carries origin headers.
	require.Equal(t, 1, pub.count())
	headers := pub.lastHeaders()
	assert.Equal(t, "instance-a", headers[internal.HeaderOriginInstance])
	assert.Equal(t, "t1/tender:1", headers[internal.HeaderRoom])

	frame, ok := pub.published[0].(*models.BroadcastFrame)
	require.True(t, ok)
	assert.Equal(t, "t1/tender:1", frame.Room)
	assert.Equal(t, "tender:1", frame.WireRoom)
	assert.Equal(t, models.ServerTyping, frame.Event)
	assert.Equal(t, "instance-a", frame.Origin)
	assert.NotEmpty(t, frame.ID)

	// The message a sibling delivers names the plain room, not the routing key.
	assert.Equal(t, "tender:1", frame.ServerMessage().Room)
}

func TestBroadcaster_DegradedOnPublishFailure(t *testing.T) {
	pub := &fakePublisher{}
	b, rooms := newTestBroadcaster(pub)

	c1 := poolConn("c1")
	rooms.Join("t1/tender:1", c1)

	pub.setErr(errors.New("broker down"))

	msg := models.NewServerMessage(models.ServerTyping, "tender:1", nil)
	err := b.Broadcast(context.Background(), "t1/tender:1", msg)
	require.ErrorIs(t, err, ErrBackplaneUnavailable)
	assert.True(t, b.Degraded())

	// Local delivery still happened despite the backplane failure.
	assert.NotNil(t, c1.ConsumeDispatch(context.Background()))

	// A successful publish clears the degraded flag.
	pub.setErr(nil)
	require.NoError(t, b.Broadcast(context.Background(), "t1/tender:1", msg))
	assert.False(t, b.Degraded())
}

func TestBroadcaster_DegradedOnProviderFailure(t *testing.T) {
	rooms := newRoomIndex()
	provider := &fakeProvider{err: errors.New("no such topic")}
	b := NewBroadcaster(rooms, provider, "backplane", "instance-a").(*broadcaster)

	msg := models.NewServerMessage(models.ServerTyping, "tender:1", nil)
	err := b.Broadcast(context.Background(), "t1/tender:1", msg)
	require.ErrorIs(t, err, ErrBackplaneUnavailable)
	assert.True(t, b.Degraded())
}

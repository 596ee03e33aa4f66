package queues //nolint:testpackage // wires real broadcasters to the backplane handler

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/pitabwire/frame/data"
	"github.com/pitabwire/frame/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeidalqadri/tenderflow-realtime/apps/realtime/service/business"
	"github.com/zeidalqadri/tenderflow-realtime/apps/realtime/service/models"
)

// fanoutBus is an in-memory backplane topic. Publish marshals the frame and
// hands it to every subscribed worker, the way the broker would.
type fanoutBus struct {
	mu      sync.Mutex
	workers []queue.SubscribeWorker
}

func (fb *fanoutBus) subscribe(w queue.SubscribeWorker) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.workers = append(fb.workers, w)
}

func (fb *fanoutBus) GetPublisher(_ string) (business.Publisher, error) {
	return fb, nil
}

func (fb *fanoutBus) Publish(ctx context.Context, payload any, headers ...map[string]string) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	merged := map[string]string{}
	for _, h := range headers {
		for k, v := range h {
			merged[k] = v
		}
	}

	fb.mu.Lock()
	workers := append([]queue.SubscribeWorker(nil), fb.workers...)
	fb.mu.Unlock()

	for _, w := range workers {
		if err = w.Handle(ctx, merged, raw); err != nil {
			return err
		}
	}
	return nil
}

type nopStream struct{}

func (nopStream) Receive() ([]byte, error) { return nil, nil }
func (nopStream) Send(_ []byte) error      { return nil }
func (nopStream) Close() error             { return nil }

// realtimeInstance is one service instance: a room index, its broadcaster and
// the backplane worker that feeds sibling frames back into it.
type realtimeInstance struct {
	broadcaster business.Broadcaster
	conn        business.Connection
}

func newRealtimeInstance(t *testing.T, bus *fanoutBus, instanceID, connID, room string) *realtimeInstance {
	t.Helper()

	rooms := business.NewRoomIndex()
	b := business.NewBroadcaster(rooms, bus, "backplane", instanceID)
	bus.subscribe(NewBackplaneQueueHandler(instanceID, b))

	conn := business.NewConnection(nopStream{}, &business.Record{
		ConnectionID: connID,
		UserID:       "u-" + connID,
		TenantID:     "t1",
		InstanceID:   instanceID,
	}, 10, 10)
	require.True(t, rooms.Join(room, conn))

	return &realtimeInstance{broadcaster: b, conn: conn}
}

func receiveOne(t *testing.T, conn business.Connection) *models.ServerMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg := conn.ConsumeDispatch(ctx)
	require.NotNil(t, msg)
	return msg
}

func assertNoMore(t *testing.T, conn business.Connection) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.Nil(t, conn.ConsumeDispatch(ctx))
}

func TestBackplane_CrossInstanceFanout(t *testing.T) {
	bus := &fanoutBus{}
	room := "t1/tender:42"
	instA := newRealtimeInstance(t, bus, "instance-a", "cA", room)
	instB := newRealtimeInstance(t, bus, "instance-b", "cB", room)

	msg := models.NewServerMessage("tender:updated", "tender:42", data.JSONMap{"rev": 7})
	require.NoError(t, instA.broadcaster.Broadcast(context.Background(), room, msg))

	// The member on the publishing instance gets the message directly.
	local := receiveOne(t, instA.conn)
	assert.Equal(t, "tender:updated", local.Type)
	assert.Equal(t, "tender:42", local.Room)

	// The member on the sibling instance gets the same wire message through
	// the backplane; the tenant-scoped routing key stays internal.
	remote := receiveOne(t, instB.conn)
	assert.Equal(t, "tender:updated", remote.Type)
	assert.Equal(t, "tender:42", remote.Room)
	assert.Equal(t, float64(7), remote.Data["rev"])

	// Neither connection sees a second copy: instance A skips its own frame.
	assertNoMore(t, instA.conn)
	assertNoMore(t, instB.conn)

	assert.False(t, instA.broadcaster.Degraded())
	assert.False(t, instB.broadcaster.Degraded())
}

func TestBackplane_FanoutIsBidirectional(t *testing.T) {
	bus := &fanoutBus{}
	room := "t1/tender:9"
	instA := newRealtimeInstance(t, bus, "instance-a", "cA", room)
	instB := newRealtimeInstance(t, bus, "instance-b", "cB", room)

	require.NoError(t, instB.broadcaster.Broadcast(context.Background(), room,
		models.NewServerMessage(models.ServerTyping, "tender:9", data.JSONMap{"user_id": "u-cB"})))

	got := receiveOne(t, instA.conn)
	assert.Equal(t, models.ServerTyping, got.Type)
	assertNoMore(t, instA.conn)

	// The originator still sees exactly one local copy.
	receiveOne(t, instB.conn)
	assertNoMore(t, instB.conn)
}

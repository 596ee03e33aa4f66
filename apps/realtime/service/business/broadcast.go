package business

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pitabwire/frame/queue"
	"github.com/pitabwire/util"
	"github.com/zeidalqadri/tenderflow-realtime/apps/realtime/service/models"
	"github.com/zeidalqadri/tenderflow-realtime/internal"
	rtel "github.com/zeidalqadri/tenderflow-realtime/internal/telemetry"
)

// Publisher is the publish slice of a queue topic.
type Publisher interface {
	Publish(ctx context.Context, payload any, headers ...map[string]string) error
}

// PublisherProvider resolves topic publishers by name.
type PublisherProvider interface {
	GetPublisher(name string) (Publisher, error)
}

type queueProvider struct {
	man queue.Manager
}

func (q queueProvider) GetPublisher(name string) (Publisher, error) {
	return q.man.GetPublisher(name)
}

// QueueProvider adapts the frame queue manager to PublisherProvider.
func QueueProvider(man queue.Manager) PublisherProvider {
	return queueProvider{man: man}
}

// broadcaster fans messages out to room members on this instance and relays
// them across the backplane so sibling instances can do the same.
//
// Local delivery never depends on the backplane: when the broker is down the
// adapter flips to degraded, keeps delivering locally, and clears the flag on
// the next successful publish.
type broadcaster struct {
	rooms      *roomIndex
	qMan       PublisherProvider
	topicName  string
	instanceID string

	topicMu sync.Mutex
	topic   Publisher

	degraded atomic.Bool
}

// NewBroadcaster wires the room index to the backplane topic.
func NewBroadcaster(rooms *roomIndex, qMan PublisherProvider, topicName, instanceID string) Broadcaster {
	return &broadcaster{
		rooms:      rooms,
		qMan:       qMan,
		topicName:  topicName,
		instanceID: instanceID,
	}
}

func (b *broadcaster) getTopic() (Publisher, error) {
	b.topicMu.Lock()
	defer b.topicMu.Unlock()

	if b.topic != nil {
		return b.topic, nil
	}

	topic, err := b.qMan.GetPublisher(b.topicName)
	if err != nil {
		return nil, err
	}
	b.topic = topic
	return topic, nil
}

// BroadcastLocal delivers msg to every member of room attached to this
// instance. Slow consumers lose the message rather than stalling the rest of
// the room. Returns how many sockets accepted the message.
func (b *broadcaster) BroadcastLocal(ctx context.Context, room string, msg *models.ServerMessage) int {
	members := b.rooms.Members(room)
	if len(members) == 0 {
		return 0
	}

	delivered := 0
	dropped := 0
	for _, conn := range members {
		if conn.Dispatch(msg) {
			delivered++
		} else {
			dropped++
		}
	}

	rtel.BroadcastsLocalCounter.Add(ctx, int64(delivered))
	if dropped > 0 {
		rtel.BroadcastsDroppedCounter.Add(ctx, int64(dropped))
		util.Log(ctx).WithFields(map[string]any{
			"room":      room,
			"type":      msg.Type,
			"delivered": delivered,
			"dropped":   dropped,
		}).Warn("Dropped broadcast for slow consumers")
	}

	return delivered
}

// Broadcast delivers locally then relays the frame across the backplane.
// A backplane failure degrades the adapter but never undoes local delivery;
// the error tells the caller cross-instance fan-out did not happen.
func (b *broadcaster) Broadcast(ctx context.Context, room string, msg *models.ServerMessage) error {
	ctx, span := rtel.BroadcastTracer.Start(ctx, "broadcast")
	var err error
	defer func() {
		rtel.BroadcastTracer.End(ctx, span, err)
	}()

	b.BroadcastLocal(ctx, room, msg)

	frame := &models.BroadcastFrame{
		ID:        util.IDString(),
		Room:      room,
		WireRoom:  msg.Room,
		Event:     msg.Type,
		Payload:   msg.Data,
		Origin:    b.instanceID,
		Timestamp: msg.Timestamp,
	}

	err = b.publishFrame(ctx, frame)
	return err
}

func (b *broadcaster) publishFrame(ctx context.Context, frame *models.BroadcastFrame) error {
	topic, err := b.getTopic()
	if err != nil {
		b.markDegraded(ctx, err)
		return fmt.Errorf("%w: %w", ErrBackplaneUnavailable, err)
	}

	headers := map[string]string{
		internal.HeaderOriginInstance: b.instanceID,
		internal.HeaderRoom:           frame.Room,
	}

	if err = topic.Publish(ctx, frame, headers); err != nil {
		rtel.BackplaneFailedCounter.Add(ctx, 1)
		b.markDegraded(ctx, err)
		return fmt.Errorf("%w: %w", ErrBackplaneUnavailable, err)
	}

	rtel.BackplanePublishedCounter.Add(ctx, 1)
	if b.degraded.CompareAndSwap(true, false) {
		util.Log(ctx).Info("Backplane recovered, resuming cross-instance broadcasts")
	}

	return nil
}

func (b *broadcaster) markDegraded(ctx context.Context, err error) {
	if b.degraded.CompareAndSwap(false, true) {
		util.Log(ctx).WithError(err).
			WithField("since", time.Now().UTC().Format(time.RFC3339)).
			Error("Backplane unreachable, broadcasts degraded to local delivery")
	}
}

// Degraded reports whether the last backplane publish failed.
func (b *broadcaster) Degraded() bool {
	return b.degraded.Load()
}

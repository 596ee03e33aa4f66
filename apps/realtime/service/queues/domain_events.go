package queues

import (
	"context"
	"encoding/json"

	"github.com/pitabwire/frame/queue"
	"github.com/pitabwire/util"
	"github.com/zeidalqadri/tenderflow-realtime/apps/realtime/service/business"
	"github.com/zeidalqadri/tenderflow-realtime/apps/realtime/service/models"
	rtel "github.com/zeidalqadri/tenderflow-realtime/internal/telemetry"
)

// DomainEventsQueueHandler consumes one bus topic and delivers each event to
// the members of its derived room on this instance.
//
// Delivery is local only: every instance subscribes to every topic, so the
// bus itself is the cross-instance fan-out and relaying through the
// backplane here would duplicate messages. Consumption is at-least-once;
// clients treat redeliveries idempotently.
//
// Malformed or invalid envelopes are logged and dropped, never retried: a
// payload that cannot be decoded today will not decode tomorrow either.
type DomainEventsQueueHandler struct {
	topic       models.Topic
	broadcaster business.Broadcaster
}

func NewDomainEventsQueueHandler(topic models.Topic, broadcaster business.Broadcaster) queue.SubscribeWorker {
	return &DomainEventsQueueHandler{
		topic:       topic,
		broadcaster: broadcaster,
	}
}

func (dq *DomainEventsQueueHandler) Handle(ctx context.Context, _ map[string]string, payload []byte) error {
	var evt models.DomainEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		rtel.EventsInvalidCounter.Add(ctx, 1)
		util.Log(ctx).WithError(err).
			WithField("topic", string(dq.topic)).
			Error("Failed to parse domain event")
		return nil
	}

	if err := evt.Validate(); err != nil {
		rtel.EventsInvalidCounter.Add(ctx, 1)
		util.Log(ctx).WithError(err).WithFields(map[string]any{
			"topic":    string(dq.topic),
			"event_id": evt.ID,
		}).Error("Dropping invalid domain event")
		return nil
	}

	rtel.EventsConsumedCounter.Add(ctx, 1)

	room := evt.Room()
	msg := models.NewServerMessage(string(evt.Type), room.Name(), evt.Payload)
	msg.Timestamp = evt.OccurredAt

	scoped := business.ScopeRoom(evt.TenantID, room.Name())
	delivered := dq.broadcaster.BroadcastLocal(ctx, scoped, msg)

	util.Log(ctx).WithFields(map[string]any{
		"topic":      string(dq.topic),
		"event_id":   evt.ID,
		"event_type": string(evt.Type),
		"room":       room.Name(),
		"delivered":  delivered,
	}).Debug("Delivered domain event")

	return nil
}

// Package queues hosts the subscribe workers that feed broadcasts into the
// local room index: the cross-instance backplane and the domain event bus.
package queues

import (
	"context"
	"encoding/json"

	"github.com/pitabwire/frame/queue"
	"github.com/pitabwire/util"
	"github.com/zeidalqadri/tenderflow-realtime/apps/realtime/service/business"
	"github.com/zeidalqadri/tenderflow-realtime/apps/realtime/service/models"
	"github.com/zeidalqadri/tenderflow-realtime/internal"
)

// BackplaneQueueHandler receives broadcast frames relayed by sibling
// instances and replays them to local room members. Frames this instance
// published are skipped by origin header; malformed frames are logged and
// dropped so the subscription never wedges on a bad message.
type BackplaneQueueHandler struct {
	instanceID  string
	broadcaster business.Broadcaster
}

func NewBackplaneQueueHandler(instanceID string, broadcaster business.Broadcaster) queue.SubscribeWorker {
	return &BackplaneQueueHandler{
		instanceID:  instanceID,
		broadcaster: broadcaster,
	}
}

func (bq *BackplaneQueueHandler) Handle(ctx context.Context, headers map[string]string, payload []byte) error {
	if headers[internal.HeaderOriginInstance] == bq.instanceID {
		return nil
	}

	var frame models.BroadcastFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		util.Log(ctx).WithError(err).Error("Failed to parse backplane frame")
		return nil
	}

	if frame.Origin == bq.instanceID {
		return nil
	}

	if frame.Room == "" || frame.Event == "" {
		util.Log(ctx).WithField("frame_id", frame.ID).Warn("Dropping incomplete backplane frame")
		return nil
	}

	delivered := bq.broadcaster.BroadcastLocal(ctx, frame.Room, frame.ServerMessage())

	util.Log(ctx).WithFields(map[string]any{
		"frame_id":  frame.ID,
		"room":      frame.Room,
		"origin":    frame.Origin,
		"delivered": delivered,
	}).Debug("Replayed backplane frame")

	return nil
}

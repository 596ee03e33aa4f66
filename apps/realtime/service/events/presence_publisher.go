package events

import (
	"context"
	"errors"

	"github.com/pitabwire/frame/data"
	"github.com/pitabwire/util"
	"github.com/zeidalqadri/tenderflow-realtime/apps/realtime/service/business"
	"github.com/zeidalqadri/tenderflow-realtime/apps/realtime/service/models"
)

// PresencePublishHandler turns internal presence transitions into bus
// events. Running it as an event handler keeps the connection path free of
// broker latency: the tracker emits and moves on.
type PresencePublishHandler struct {
	bridge *Bridge
}

func NewPresencePublishHandler(bridge *Bridge) *PresencePublishHandler {
	return &PresencePublishHandler{bridge: bridge}
}

func (h *PresencePublishHandler) Name() string {
	return business.PresenceChangedEventName
}

func (h *PresencePublishHandler) PayloadType() any {
	return &models.PresenceChange{}
}

func (h *PresencePublishHandler) Validate(_ context.Context, payload any) error {
	change, ok := payload.(*models.PresenceChange)
	if !ok {
		return errors.New("invalid payload type, expected models.PresenceChange")
	}
	if change.TenantID == "" || change.UserID == "" {
		return errors.New("presence change requires tenant and user ids")
	}
	return nil
}

func (h *PresencePublishHandler) Execute(ctx context.Context, payload any) error {
	change, ok := payload.(*models.PresenceChange)
	if !ok {
		return errors.New("invalid payload type, expected models.PresenceChange")
	}

	evt := &models.DomainEvent{
		Type:     models.EventUserPresence,
		TenantID: change.TenantID,
		ActorID:  change.UserID,
		Payload: data.JSONMap{
			"user_id": change.UserID,
			"status":  string(change.Status),
		},
		OccurredAt: change.ChangedAt,
	}

	if err := h.bridge.Publish(ctx, evt); err != nil {
		util.Log(ctx).WithError(err).WithFields(map[string]any{
			"tenant_id": change.TenantID,
			"user_id":   change.UserID,
		}).Error("Failed to publish presence change")
		return err
	}

	return nil
}

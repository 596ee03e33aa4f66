package models_test

import (
	"testing"
	"time"

	"github.com/pitabwire/frame/data"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeidalqadri/tenderflow-realtime/apps/realtime/service/models"
)

func tenderEvent(t models.EventType) *models.DomainEvent {
	return &models.DomainEvent{
		ID:           "evt-1",
		Type:         t,
		TenantID:     "tenant-1",
		ActorID:      "user-1",
		ResourceType: "tender",
		ResourceID:   "42",
		Payload:      data.JSONMap{"title": "Road maintenance"},
		OccurredAt:   time.Now().UTC(),
	}
}

func TestEventTypeTopic(t *testing.T) {
	cases := map[models.EventType]models.Topic{
		models.EventTenderStateChanged:   models.TopicTender,
		models.EventDocumentOCRCompleted: models.TopicDocument,
		models.EventCommentAdded:         models.TopicCollaboration,
		models.EventNotification:         models.TopicNotification,
		models.EventUserPresence:         models.TopicPresence,
	}

	for evt, want := range cases {
		topic, ok := evt.Topic()
		require.True(t, ok, "event %s should have a topic", evt)
		assert.Equal(t, want, topic)
	}

	_, ok := models.EventType("tender:exploded").Topic()
	assert.False(t, ok)
}

func TestDomainEventValidate(t *testing.T) {
	t.Run("valid resource event", func(t *testing.T) {
		require.NoError(t, tenderEvent(models.EventTenderUpdated).Validate())
	})

	t.Run("unknown type", func(t *testing.T) {
		evt := tenderEvent("tender:exploded")
		require.ErrorIs(t, evt.Validate(), models.ErrUnknownEventType)
	})

	t.Run("missing tenant", func(t *testing.T) {
		evt := tenderEvent(models.EventTenderUpdated)
		evt.TenantID = ""
		require.ErrorIs(t, evt.Validate(), models.ErrTenantIDRequired)
	})

	t.Run("resource event without resource", func(t *testing.T) {
		evt := tenderEvent(models.EventTenderUpdated)
		evt.ResourceID = ""
		require.ErrorIs(t, evt.Validate(), models.ErrResourceRequired)
	})

	t.Run("notification requires recipient", func(t *testing.T) {
		evt := tenderEvent(models.EventNotification)
		evt.RecipientID = ""
		require.ErrorIs(t, evt.Validate(), models.ErrRecipientRequired)

		evt.RecipientID = "user-2"
		require.NoError(t, evt.Validate())
	})

	t.Run("presence requires actor", func(t *testing.T) {
		evt := tenderEvent(models.EventUserPresence)
		evt.ActorID = ""
		require.ErrorIs(t, evt.Validate(), models.ErrActorRequired)
	})
}

func TestDomainEventRoom(t *testing.T) {
	t.Run("resource scoped", func(t *testing.T) {
		room := tenderEvent(models.EventTenderUpdated).Room()
		assert.Equal(t, "tender:42", room.Name())
	})

	t.Run("tenant scoped", func(t *testing.T) {
		room := tenderEvent(models.EventTenderCreated).Room()
		assert.Equal(t, "tenant:tenant-1", room.Name())
	})

	t.Run("notification targets recipient", func(t *testing.T) {
		evt := tenderEvent(models.EventNotification)
		evt.RecipientID = "user-2"
		assert.Equal(t, "user:user-2", evt.Room().Name())
	})

	t.Run("presence is tenant wide", func(t *testing.T) {
		room := tenderEvent(models.EventUserPresence).Room()
		assert.Equal(t, "tenant:tenant-1", room.Name())
	})
}

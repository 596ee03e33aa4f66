// Package models defines the wire-level message types and the domain event
// envelope carried on the bus.
package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/pitabwire/frame/data"
	"github.com/zeidalqadri/tenderflow-realtime/internal"
)

// EventType identifies a domain event. The rendered form doubles as the
// server-to-client message name, e.g. "tender:updated".
type EventType string

// Tender lifecycle events.
const (
	EventTenderCreated             EventType = "tender:created"
	EventTenderUpdated             EventType = "tender:updated"
	EventTenderDeleted             EventType = "tender:deleted"
	EventTenderStateChanged        EventType = "tender:state_changed"
	EventTenderDeadlineApproaching EventType = "tender:deadline_approaching"
)

// Document lifecycle events.
const (
	EventDocumentUploaded      EventType = "document:uploaded"
	EventDocumentProcessed     EventType = "document:processed"
	EventDocumentDeleted       EventType = "document:deleted"
	EventDocumentOCRCompleted  EventType = "document:ocr_completed"
	EventDocumentScanCompleted EventType = "document:scan_completed"
)

// Collaboration events.
const (
	EventCommentAdded      EventType = "comment:added"
	EventCommentUpdated    EventType = "comment:updated"
	EventCommentDeleted    EventType = "comment:deleted"
	EventAssignmentAdded   EventType = "assignment:added"
	EventAssignmentRemoved EventType = "assignment:removed"
)

// Notification and presence events.
const (
	EventNotification EventType = "notification:created"
	EventUserPresence EventType = "user:presence"
)

// Topic is a durable bus topic name. Every instance subscribes to all topics.
type Topic string

const (
	TopicTender        Topic = "realtime.tender"
	TopicDocument      Topic = "realtime.document"
	TopicCollaboration Topic = "realtime.collaboration"
	TopicNotification  Topic = "realtime.notification"
	TopicPresence      Topic = "realtime.presence"
)

// Topics lists every bus topic, in registration order.
func Topics() []Topic {
	return []Topic{TopicTender, TopicDocument, TopicCollaboration, TopicNotification, TopicPresence}
}

//nolint:gochecknoglobals // static routing table
var eventTopics = map[EventType]Topic{
	EventTenderCreated:             TopicTender,
	EventTenderUpdated:             TopicTender,
	EventTenderDeleted:             TopicTender,
	EventTenderStateChanged:        TopicTender,
	EventTenderDeadlineApproaching: TopicTender,

	EventDocumentUploaded:      TopicDocument,
	EventDocumentProcessed:     TopicDocument,
	EventDocumentDeleted:       TopicDocument,
	EventDocumentOCRCompleted:  TopicDocument,
	EventDocumentScanCompleted: TopicDocument,

	EventCommentAdded:      TopicCollaboration,
	EventCommentUpdated:    TopicCollaboration,
	EventCommentDeleted:    TopicCollaboration,
	EventAssignmentAdded:   TopicCollaboration,
	EventAssignmentRemoved: TopicCollaboration,

	EventNotification: TopicNotification,
	EventUserPresence: TopicPresence,
}

// tenantScoped marks event types delivered to the whole tenant room rather
// than a single resource room: there is no resource room to target yet (a
// freshly created resource) or the event is of tenant-wide interest.
//
//nolint:gochecknoglobals // static routing table
var tenantScoped = map[EventType]bool{
	EventTenderCreated:             true,
	EventTenderDeleted:             true,
	EventTenderDeadlineApproaching: true,
	EventDocumentUploaded:          true,
	EventDocumentDeleted:           true,
	EventUserPresence:              true,
}

// Topic resolves the bus topic carrying this event type.
func (t EventType) Topic() (Topic, bool) {
	topic, ok := eventTopics[t]
	return topic, ok
}

// Validation errors for domain event envelopes. Consumers treat any of these
// as a malformed envelope: logged and dropped, never a crash.
var (
	ErrUnknownEventType    = errors.New("unknown event type")
	ErrTenantIDRequired    = errors.New("tenant id is required")
	ErrResourceRequired    = errors.New("resource type and id are required")
	ErrRecipientRequired   = errors.New("notification requires a recipient id")
	ErrActorRequired       = errors.New("presence event requires an acting user id")
	ErrEnvelopeUnparseable = errors.New("event envelope could not be decoded")
)

// DomainEvent is the immutable envelope published on the bus. Produced once
// by whichever component observed the change; consumed at-least-once by every
// instance. Durability belongs to the bus, not to this service.
type DomainEvent struct {
	ID           string       `json:"id"`
	Type         EventType    `json:"type"`
	TenantID     string       `json:"tenant_id"`
	ActorID      string       `json:"actor_id,omitempty"`
	ResourceType string       `json:"resource_type,omitempty"`
	ResourceID   string       `json:"resource_id,omitempty"`
	RecipientID  string       `json:"recipient_id,omitempty"`
	Payload      data.JSONMap `json:"payload,omitempty"`
	OccurredAt   time.Time    `json:"occurred_at"`
}

// Validate checks the envelope against its expected schema.
func (e *DomainEvent) Validate() error {
	if _, ok := e.Type.Topic(); !ok {
		return fmt.Errorf("%w: %q", ErrUnknownEventType, e.Type)
	}
	if e.TenantID == "" {
		return ErrTenantIDRequired
	}

	switch e.Type {
	case EventNotification:
		if e.RecipientID == "" {
			return ErrRecipientRequired
		}
	case EventUserPresence:
		if e.ActorID == "" {
			return ErrActorRequired
		}
	default:
		if e.ResourceType == "" || e.ResourceID == "" {
			return ErrResourceRequired
		}
	}

	return nil
}

// Room derives the broadcast target implied by the event:
// notifications go to the recipient's personal room, tenant-scoped types to
// the tenant room, everything else to the resource room.
func (e *DomainEvent) Room() internal.Room {
	switch {
	case e.Type == EventNotification:
		return internal.UserRoom(e.RecipientID)
	case tenantScoped[e.Type]:
		return internal.TenantRoom(e.TenantID)
	default:
		return internal.ResourceRoom(e.ResourceType, e.ResourceID)
	}
}

// Package events publishes domain events onto the bus and hosts the
// internal event handlers that feed it.
package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pitabwire/util"
	"github.com/zeidalqadri/tenderflow-realtime/apps/realtime/service/business"
	"github.com/zeidalqadri/tenderflow-realtime/apps/realtime/service/models"
	"github.com/zeidalqadri/tenderflow-realtime/internal"
	"github.com/zeidalqadri/tenderflow-realtime/internal/resilience"
	rtel "github.com/zeidalqadri/tenderflow-realtime/internal/telemetry"
)

const (
	breakerMaxFailures  = 5
	breakerResetTimeout = 15 * time.Second
	breakerHalfOpenMax  = 2
)

// ErrEventRejected marks an envelope that failed validation before publish.
var ErrEventRejected = errors.New("event rejected")

// Bridge publishes domain events to their bus topics. Each topic gets its
// own circuit breaker so a broken broker degrades publishing fast instead
// of stalling callers on every attempt.
type Bridge struct {
	provider business.PublisherProvider

	// topic -> registered queue name
	queueNames map[models.Topic]string

	mu       sync.Mutex
	pubs     map[models.Topic]business.Publisher
	breakers map[models.Topic]*resilience.CircuitBreaker
}

// NewBridge maps every bus topic to its queue name.
func NewBridge(ctx context.Context, provider business.PublisherProvider, queueNames map[models.Topic]string) *Bridge {
	b := &Bridge{
		provider:   provider,
		queueNames: queueNames,
		pubs:       make(map[models.Topic]business.Publisher),
		breakers:   make(map[models.Topic]*resilience.CircuitBreaker),
	}

	for _, topic := range models.Topics() {
		b.breakers[topic] = resilience.NewCircuitBreaker(resilience.Settings{
			Name:                string(topic),
			MaxFailures:         breakerMaxFailures,
			ResetTimeout:        breakerResetTimeout,
			HalfOpenMaxRequests: breakerHalfOpenMax,
			OnStateChange: func(name string, from, to resilience.State) {
				util.Log(ctx).WithFields(map[string]any{
					"topic": name,
					"from":  from.String(),
					"to":    to.String(),
				}).Warn("Event bus circuit breaker state change")
			},
		})
	}

	return b
}

// Publish validates the envelope, stamps missing identifiers, and publishes
// it on the topic its type maps to.
func (b *Bridge) Publish(ctx context.Context, evt *models.DomainEvent) error {
	ctx, span := rtel.EventTracer.Start(ctx, "publish")
	var err error
	defer func() {
		rtel.EventTracer.End(ctx, span, err)
	}()

	if evt.ID == "" {
		evt.ID = util.IDString()
	}
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = time.Now().UTC()
	}

	if err = evt.Validate(); err != nil {
		err = fmt.Errorf("%w: %w", ErrEventRejected, err)
		return err
	}

	topic, _ := evt.Type.Topic()

	pub, pubErr := b.getPublisher(topic)
	if pubErr != nil {
		rtel.EventsPublishFailedCounter.Add(ctx, 1)
		err = pubErr
		return err
	}

	headers := map[string]string{
		internal.HeaderTenantID:  evt.TenantID,
		internal.HeaderEventType: string(evt.Type),
		internal.HeaderRoom:      evt.Room().Name(),
	}

	err = b.breakers[topic].Execute(func() error {
		return pub.Publish(ctx, evt, headers)
	})
	if err != nil {
		rtel.EventsPublishFailedCounter.Add(ctx, 1)
		util.Log(ctx).WithError(err).WithFields(map[string]any{
			"event_id":   evt.ID,
			"event_type": string(evt.Type),
			"topic":      string(topic),
		}).Error("Failed to publish domain event")
		return err
	}

	rtel.EventsPublishedCounter.Add(ctx, 1)
	return nil
}

// Degraded reports whether any topic's circuit is currently open.
func (b *Bridge) Degraded() bool {
	for _, breaker := range b.breakers {
		if breaker.State() == resilience.StateOpen {
			return true
		}
	}
	return false
}

func (b *Bridge) getPublisher(topic models.Topic) (business.Publisher, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if pub, ok := b.pubs[topic]; ok {
		return pub, nil
	}

	name, ok := b.queueNames[topic]
	if !ok {
		return nil, fmt.Errorf("no queue registered for topic %s", topic)
	}

	pub, err := b.provider.GetPublisher(name)
	if err != nil {
		return nil, err
	}
	b.pubs[topic] = pub
	return pub, nil
}

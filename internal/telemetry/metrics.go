// Package telemetry provides OpenTelemetry metrics and tracing for the realtime service.
package telemetry

import "github.com/pitabwire/frame/telemetry"

// Connection metrics track the websocket session lifecycle.
//
//nolint:gochecknoglobals // OpenTelemetry metrics must be global for instrumentation
var (
	ConnectionsActiveGauge = telemetry.DimensionlessMeasure(
		"",
		"realtime.connections.active",
		"Current number of active connections",
	)

	ConnectionsTotalCounter = telemetry.DimensionlessMeasure(
		"",
		"realtime.connections.total",
		"Total connection attempts",
	)

	ConnectionsRejectedCounter = telemetry.DimensionlessMeasure(
		"",
		"realtime.connections.rejected",
		"Connections refused at the gatekeeper",
	)

	ConnectionsReapedCounter = telemetry.DimensionlessMeasure(
		"",
		"realtime.connections.reaped",
		"Stale connections evicted by the reaper",
	)
)

// Broadcast metrics track local and cross-instance fan-out.
//
//nolint:gochecknoglobals // OpenTelemetry metrics must be global for instrumentation
var (
	BroadcastsLocalCounter = telemetry.DimensionlessMeasure(
		"",
		"realtime.broadcasts.local",
		"Messages delivered to sockets on this instance",
	)

	BroadcastsDroppedCounter = telemetry.DimensionlessMeasure(
		"",
		"realtime.broadcasts.dropped",
		"Messages dropped because a dispatch buffer was full",
	)

	BackplanePublishedCounter = telemetry.DimensionlessMeasure(
		"",
		"realtime.backplane.published",
		"Frames published to the backplane",
	)

	BackplaneFailedCounter = telemetry.DimensionlessMeasure(
		"",
		"realtime.backplane.failed",
		"Backplane publish failures",
	)
)

// Domain event metrics track the bus bridge.
//
//nolint:gochecknoglobals // OpenTelemetry metrics must be global for instrumentation
var (
	EventsPublishedCounter = telemetry.DimensionlessMeasure(
		"",
		"realtime.events.published",
		"Domain events published to the bus",
	)

	EventsPublishFailedCounter = telemetry.DimensionlessMeasure(
		"",
		"realtime.events.publish_failed",
		"Domain event publish failures",
	)

	EventsConsumedCounter = telemetry.DimensionlessMeasure(
		"",
		"realtime.events.consumed",
		"Domain events consumed from the bus",
	)

	EventsInvalidCounter = telemetry.DimensionlessMeasure(
		"",
		"realtime.events.invalid",
		"Malformed domain event envelopes dropped",
	)
)

// PresenceChangesCounter tracks presence state transitions.
//
//nolint:gochecknoglobals // OpenTelemetry metrics must be global for instrumentation
var PresenceChangesCounter = telemetry.DimensionlessMeasure(
	"",
	"realtime.presence.changes",
	"Presence state transitions",
)

package telemetry

import (
	"github.com/pitabwire/frame/telemetry"
)

// Service tracers for different components.
//
//nolint:gochecknoglobals // OpenTelemetry tracers must be global for instrumentation
var (
	ConnectionTracer = telemetry.NewTracer("realtime.connection")
	BroadcastTracer  = telemetry.NewTracer("realtime.broadcast")
	EventTracer      = telemetry.NewTracer("realtime.event")
)

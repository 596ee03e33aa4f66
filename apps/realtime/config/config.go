package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/pitabwire/frame/config"
)

type RealtimeConfig struct {
	config.ConfigurationDefault

	// Connection management
	MaxConnections          int `envDefault:"10000" env:"MAX_CONNECTIONS"`
	ConnectionTTLSec        int `envDefault:"3600"  env:"CONNECTION_TTL_SEC"`
	StaleConnectionAgeSec   int `envDefault:"300"   env:"STALE_CONNECTION_THRESHOLD_SEC"`
	ReaperIntervalSec       int `envDefault:"120"   env:"REAPER_INTERVAL_SEC"`
	ShutdownGraceTimeoutSec int `envDefault:"10"    env:"SHUTDOWN_GRACE_TIMEOUT_SEC"`

	// Rate limiting for client-originated messages
	MaxEventsPerSecond int `envDefault:"50"  env:"MAX_EVENTS_PER_SECOND"`
	MaxEventsBurst     int `envDefault:"100" env:"MAX_EVENTS_BURST"`

	// Token verification for the websocket handshake
	JWTSecret string `envDefault:"" env:"JWT_SECRET"`

	// Cache configuration (Redis or similar)
	// Connection records are mirrored to cache so admin tooling and other
	// instances can see who is connected where
	CacheName            string `envDefault:"realtimeCache"          env:"CACHE_NAME"`
	CacheURI             string `envDefault:"redis://localhost:6379" env:"CACHE_URI"`
	CacheCredentialsFile string `envDefault:""                       env:"CACHE_CREDENTIALS_FILE"`

	// Cross-instance broadcast backplane. Every instance both publishes to
	// and subscribes on this topic.
	QueueBackplaneName string `envDefault:"realtime.backplane"       env:"QUEUE_BACKPLANE_NAME"`
	QueueBackplaneURI  string `envDefault:"mem://realtime.backplane" env:"QUEUE_BACKPLANE_URI"`

	// Domain event bus topics. Publishers are shared across instances;
	// each instance subscribes with its own consumer so every instance
	// sees every event.
	QueueTenderEventsName string `envDefault:"realtime.tender"       env:"QUEUE_TENDER_EVENTS_NAME"`
	QueueTenderEventsURI  string `envDefault:"mem://realtime.tender" env:"QUEUE_TENDER_EVENTS_URI"`

	QueueDocumentEventsName string `envDefault:"realtime.document"       env:"QUEUE_DOCUMENT_EVENTS_NAME"`
	QueueDocumentEventsURI  string `envDefault:"mem://realtime.document" env:"QUEUE_DOCUMENT_EVENTS_URI"`

	QueueCollaborationEventsName string `envDefault:"realtime.collaboration"       env:"QUEUE_COLLABORATION_EVENTS_NAME"`
	QueueCollaborationEventsURI  string `envDefault:"mem://realtime.collaboration" env:"QUEUE_COLLABORATION_EVENTS_URI"`

	QueueNotificationEventsName string `envDefault:"realtime.notification"       env:"QUEUE_NOTIFICATION_EVENTS_NAME"`
	QueueNotificationEventsURI  string `envDefault:"mem://realtime.notification" env:"QUEUE_NOTIFICATION_EVENTS_URI"`

	QueuePresenceEventsName string `envDefault:"realtime.presence"       env:"QUEUE_PRESENCE_EVENTS_NAME"`
	QueuePresenceEventsURI  string `envDefault:"mem://realtime.presence" env:"QUEUE_PRESENCE_EVENTS_URI"`
}

// Validate checks that the configuration is valid.
// Returns an error if any validation fails.
func (c *RealtimeConfig) Validate() error {
	var errs []error

	if c.MaxConnections < 1 {
		errs = append(errs, errors.New("MaxConnections must be >= 1"))
	}

	if c.ConnectionTTLSec <= 0 {
		errs = append(errs, errors.New("ConnectionTTLSec must be > 0"))
	}

	if c.StaleConnectionAgeSec <= 0 {
		errs = append(errs, errors.New("StaleConnectionAgeSec must be > 0"))
	}

	if c.ReaperIntervalSec <= 0 {
		errs = append(errs, errors.New("ReaperIntervalSec must be > 0"))
	}

	if c.ReaperIntervalSec >= c.StaleConnectionAgeSec {
		errs = append(errs, fmt.Errorf("ReaperIntervalSec (%d) must be < StaleConnectionAgeSec (%d)",
			c.ReaperIntervalSec, c.StaleConnectionAgeSec))
	}

	if c.MaxEventsPerSecond <= 0 {
		errs = append(errs, errors.New("MaxEventsPerSecond must be > 0"))
	}

	if c.MaxEventsBurst < c.MaxEventsPerSecond {
		errs = append(errs, fmt.Errorf("MaxEventsBurst (%d) must be >= MaxEventsPerSecond (%d)",
			c.MaxEventsBurst, c.MaxEventsPerSecond))
	}

	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWTSecret cannot be empty"))
	}

	if err := validateCacheURI(c.CacheURI, "CacheURI"); err != nil {
		errs = append(errs, err)
	}

	queueURIs := map[string]string{
		"QueueBackplaneURI":           c.QueueBackplaneURI,
		"QueueTenderEventsURI":        c.QueueTenderEventsURI,
		"QueueDocumentEventsURI":      c.QueueDocumentEventsURI,
		"QueueCollaborationEventsURI": c.QueueCollaborationEventsURI,
		"QueueNotificationEventsURI":  c.QueueNotificationEventsURI,
		"QueuePresenceEventsURI":      c.QueuePresenceEventsURI,
	}
	for name, uri := range queueURIs {
		if err := validateQueueURI(uri, name); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// validateCacheURI checks that a cache URI has a valid scheme.
func validateCacheURI(uri, name string) error {
	if uri == "" {
		return fmt.Errorf("%s cannot be empty", name)
	}

	validSchemes := []string{"redis://", "nats://", "mem://", "memory://"}
	for _, scheme := range validSchemes {
		if strings.HasPrefix(uri, scheme) {
			return nil
		}
	}

	return fmt.Errorf("%s has invalid scheme (must be one of: %s): %s", name, strings.Join(validSchemes, ", "), uri)
}

// validateQueueURI checks that a queue URI has a valid scheme. Only brokers
// whose plain subjects broadcast to every subscriber are accepted; queue-group
// brokers would load-balance a topic across instances and each instance needs
// every event.
func validateQueueURI(uri, name string) error {
	if uri == "" {
		return fmt.Errorf("%s cannot be empty", name)
	}

	validSchemes := []string{"mem://", "redis://", "nats://"}
	for _, scheme := range validSchemes {
		if strings.HasPrefix(uri, scheme) {
			return nil
		}
	}

	return fmt.Errorf("%s has invalid scheme (must be one of: %s): %s", name, strings.Join(validSchemes, ", "), uri)
}

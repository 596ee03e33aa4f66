package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/pitabwire/frame"
	"github.com/pitabwire/frame/cache"
	"github.com/pitabwire/frame/cache/jetstreamkv"
	"github.com/pitabwire/frame/cache/valkey"
	"github.com/pitabwire/frame/config"
	"github.com/pitabwire/frame/data"
	"github.com/pitabwire/util"
	rtconfig "github.com/zeidalqadri/tenderflow-realtime/apps/realtime/config"
	"github.com/zeidalqadri/tenderflow-realtime/apps/realtime/service/business"
	"github.com/zeidalqadri/tenderflow-realtime/apps/realtime/service/events"
	"github.com/zeidalqadri/tenderflow-realtime/apps/realtime/service/handlers"
	"github.com/zeidalqadri/tenderflow-realtime/apps/realtime/service/identity"
	"github.com/zeidalqadri/tenderflow-realtime/apps/realtime/service/models"
	"github.com/zeidalqadri/tenderflow-realtime/apps/realtime/service/queues"
	"github.com/zeidalqadri/tenderflow-realtime/internal/health"
)

const cacheProbeTimeout = 2 * time.Second

//nolint:funlen // service wiring happens in one place
func main() {
	ctx := context.Background()

	cfg, err := config.LoadWithOIDC[rtconfig.RealtimeConfig](ctx)
	if err != nil {
		util.Log(ctx).With("err", err).Error("could not process configs")
		return
	}

	if err = cfg.Validate(); err != nil {
		util.Log(ctx).With("err", err).Error("invalid configuration")
		return
	}

	if cfg.Name() == "" {
		cfg.ServiceName = "tenderflow_realtime"
	}

	rawCache, err := setupCache(ctx, cfg)
	if err != nil {
		util.Log(ctx).WithError(err).Fatal("could not setup cache")
	}

	// Unique per process so backplane frames can be traced to their origin.
	instanceID := fmt.Sprintf("realtime-%d", time.Now().UnixNano())

	ctx, svc := frame.NewServiceWithContext(ctx, frame.WithConfig(&cfg),
		frame.WithCache(cfg.CacheName, rawCache))
	defer svc.Stop(ctx)
	log := svc.Log(ctx)

	qManager := svc.QueueManager()
	provider := business.QueueProvider(qManager)

	store := business.NewRecordStore(
		rawCache,
		int32(cfg.MaxConnections),
		time.Duration(cfg.ConnectionTTLSec)*time.Second,
	)
	rooms := business.NewRoomIndex()
	broadcaster := business.NewBroadcaster(rooms, provider, cfg.QueueBackplaneName, instanceID)
	presence := business.NewPresenceTracker(svc.EventsManager())

	connectionManager := business.NewConnectionManager(
		ctx,
		store,
		rooms,
		broadcaster,
		presence,
		instanceID,
		cfg.MaxEventsPerSecond,
		cfg.MaxEventsBurst,
		cfg.StaleConnectionAgeSec,
		cfg.ReaperIntervalSec,
	)
	// Defers run LIFO: the connection manager drains before svc.Stop.
	defer func() {
		drainCtx, drainCancel := context.WithTimeout(
			context.Background(),
			time.Duration(cfg.ShutdownGraceTimeoutSec)*time.Second,
		)
		defer drainCancel()
		if shutdownErr := connectionManager.Shutdown(drainCtx); shutdownErr != nil {
			util.Log(drainCtx).WithError(shutdownErr).Error("connection manager shutdown error")
		}
	}()

	topicQueueNames := map[models.Topic]string{
		models.TopicTender:        cfg.QueueTenderEventsName,
		models.TopicDocument:      cfg.QueueDocumentEventsName,
		models.TopicCollaboration: cfg.QueueCollaborationEventsName,
		models.TopicNotification:  cfg.QueueNotificationEventsName,
		models.TopicPresence:      cfg.QueuePresenceEventsName,
	}
	bridge := events.NewBridge(ctx, provider, topicQueueNames)

	topicQueueURIs := map[models.Topic][2]string{
		models.TopicTender:        {cfg.QueueTenderEventsName, cfg.QueueTenderEventsURI},
		models.TopicDocument:      {cfg.QueueDocumentEventsName, cfg.QueueDocumentEventsURI},
		models.TopicCollaboration: {cfg.QueueCollaborationEventsName, cfg.QueueCollaborationEventsURI},
		models.TopicNotification:  {cfg.QueueNotificationEventsName, cfg.QueueNotificationEventsURI},
		models.TopicPresence:      {cfg.QueuePresenceEventsName, cfg.QueuePresenceEventsURI},
	}

	// Publishers share the topic name so producers on any instance reach the
	// same subject. Subscriptions are registered per instance so no two
	// instances share a consumer identity: every instance sees every event,
	// which the room fan-out depends on.
	serviceOptions := []frame.Option{
		frame.WithRegisterPublisher(cfg.QueueBackplaneName, cfg.QueueBackplaneURI),
		frame.WithRegisterSubscriber(
			instanceSubscription(cfg.QueueBackplaneName, instanceID), cfg.QueueBackplaneURI,
			queues.NewBackplaneQueueHandler(instanceID, broadcaster),
		),
		frame.WithRegisterEvents(events.NewPresencePublishHandler(bridge)),
	}

	for topic, nameURI := range topicQueueURIs {
		serviceOptions = append(serviceOptions,
			frame.WithRegisterPublisher(nameURI[0], nameURI[1]),
			frame.WithRegisterSubscriber(
				instanceSubscription(nameURI[0], instanceID), nameURI[1],
				queues.NewDomainEventsQueueHandler(topic, broadcaster),
			),
		)
	}

	verifier := identity.NewJWTVerifier(cfg.JWTSecret)

	httpHandler := setupRoutes(verifier, connectionManager, broadcaster, bridge, rawCache)
	serviceOptions = append(serviceOptions, frame.WithHTTPHandler(httpHandler))

	svc.Init(ctx, serviceOptions...)

	log.WithField("instance_id", instanceID).Info("Starting realtime service")
	if err = svc.Run(ctx, ""); err != nil {
		log.WithError(err).Fatal("could not run server")
	}
}

// instanceSubscription names a topic subscription for one instance.
func instanceSubscription(topicName, instanceID string) string {
	return fmt.Sprintf("%s.%s", topicName, instanceID)
}

func setupCache(_ context.Context, cfg rtconfig.RealtimeConfig) (cache.RawCache, error) {
	cacheDSN := data.DSN(cfg.CacheURI)

	cacheOptions := []cache.Option{
		cache.WithDSN(cacheDSN),
	}

	if cfg.CacheCredentialsFile != "" {
		cacheOptions = append(cacheOptions, cache.WithCredsFile(cfg.CacheCredentialsFile))
	}

	switch {
	case cacheDSN.IsNats():
		return jetstreamkv.New(cacheOptions...)
	case cacheDSN.IsRedis():
		return valkey.New(cacheOptions...)
	default:
		return cache.NewInMemoryCache(), nil
	}
}

func setupRoutes(
	verifier identity.Verifier,
	connectionManager business.ConnectionManager,
	broadcaster business.Broadcaster,
	bridge *events.Bridge,
	rawCache cache.RawCache,
) http.Handler {
	gatewayHandler := handlers.NewGatewayHandler(verifier, connectionManager)
	statsHandler := handlers.NewStatsHandler(connectionManager)
	adminHandler := handlers.NewAdminHandler(verifier, bridge, connectionManager)

	healthHandler := handlers.NewHealthHandler(
		broadcaster,
		health.NewCacheChecker(rawCache, cacheProbeTimeout),
	)

	mux := http.NewServeMux()
	mux.Handle("/ws", gatewayHandler)
	mux.HandleFunc("/healthz", healthHandler.LivenessHandler)
	mux.HandleFunc("/readyz", healthHandler.ReadinessHandler)
	mux.Handle("/stats", statsHandler)
	mux.HandleFunc("/admin/events", adminHandler.PublishEvent)
	mux.HandleFunc("/admin/stats", adminHandler.Stats)

	return mux
}

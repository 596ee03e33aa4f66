// Package business implements the realtime connection manager: the pool of
// live client sockets, the rooms they belong to, broadcast fan-out and
// presence tracking.
//
// Connection lifecycle:
//  1. Validation and shutdown check (fast-path)
//  2. Registration in the pool plus cache mirror
//  3. Auto-join of the tenant room and the user's personal room
//  4. Presence transition (first connection flips the user online)
//  5. Inbound and outbound workers, one goroutine each
//  6. Wait for error, context end or shutdown
//  7. Cleanup: leave all rooms, presence transition, pool removal
//
// Concurrency model:
//   - Each connection runs two goroutines: inbound reads and outbound pump
//   - All writes to a socket flow through the per-connection dispatch buffer
//     consumed by the single outbound goroutine
//   - Error propagation via buffered channels (pooled for efficiency)
//   - Graceful shutdown by closing shutdownCh; background tasks coordinate
//     via WaitGroup
package business

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pitabwire/frame/data"
	"github.com/pitabwire/util"
	"github.com/zeidalqadri/tenderflow-realtime/apps/realtime/service/models"
	"github.com/zeidalqadri/tenderflow-realtime/internal"
	rtel "github.com/zeidalqadri/tenderflow-realtime/internal/telemetry"
)

const (
	errorChannelBufferSize = 2 // Buffer for inbound/outbound workers

	metricsReportInterval  = 10 * time.Second
	healthCheckInterval    = 60 * time.Second
	shutdownTasksTimeout   = 30 * time.Second
	utilizationThreshold   = 80
	utilizationScaleFactor = 100
)

//nolint:gochecknoglobals // Global pool for efficient channel reuse across connections
var errorChanPool = sync.Pool{
	New: func() any {
		return make(chan error, errorChannelBufferSize)
	},
}

// Sentinel errors checked with errors.Is().
var (
	ErrConnectionPoolFull   = errors.New("connection pool full")
	ErrShuttingDown         = errors.New("connection manager is shutting down")
	ErrInvalidInput         = errors.New("userID and tenantID are required")
	ErrConnectionNotFound   = errors.New("connection not found")
	ErrStreamReceiveFailed  = errors.New("stream receive failed")
	ErrStreamSendFailed     = errors.New("stream send failed")
	ErrBackplaneUnavailable = errors.New("backplane unavailable")
	ErrRoomNotAllowed       = errors.New("room cannot be joined by clients")
)

// ManagerStats is a point-in-time snapshot for the health and admin surfaces.
type ManagerStats struct {
	ActiveConnections int32  `json:"active_connections"`
	TotalConnections  uint64 `json:"total_connections"`
	RejectedConns     uint64 `json:"rejected_connections"`
	DisconnectedConns uint64 `json:"disconnected_connections"`
	ReapedConns       uint64 `json:"reaped_connections"`
	PoolSize          int32  `json:"pool_size"`
	PoolCapacity      int32  `json:"pool_capacity"`
	OccupiedRooms     int    `json:"occupied_rooms"`
	OnlineUsers       int    `json:"online_users"`
	BackplaneDegraded bool   `json:"backplane_degraded"`
	InstanceID        string `json:"instance_id"`
	UptimeSeconds     int64  `json:"uptime_seconds"`
}

// StatsProvider exposes manager statistics to the HTTP surfaces.
type StatsProvider interface {
	Stats() ManagerStats
}

type connectionManager struct {
	store       *RecordStore
	rooms       *roomIndex
	broadcaster Broadcaster
	presence    *PresenceTracker

	instanceID string

	// Configuration
	ratePerSec     int
	rateBurst      int
	staleAge       time.Duration
	reaperInterval time.Duration

	// Shutdown coordination
	shutdownCh   chan struct{}
	shutdownOnce sync.Once
	wg           sync.WaitGroup

	startedAt time.Time

	// Metrics tracking (atomic access for lock-free reads)
	activeConns       int32
	totalConns        uint64
	rejectedConns     uint64
	disconnectedConns uint64
	reapedConns       uint64
}

// NewConnectionManager wires the pool, room index, broadcaster and presence
// tracker into a lifecycle manager and starts its background tasks: the
// stale-connection reaper, metrics reporting and health monitoring.
func NewConnectionManager(
	ctx context.Context,
	store *RecordStore,
	rooms *roomIndex,
	broadcaster Broadcaster,
	presence *PresenceTracker,
	instanceID string,
	maxEventsPerSecond int,
	maxEventsBurst int,
	staleAgeSec int,
	reaperIntervalSec int,
) ConnectionManager {
	cm := &connectionManager{
		store:       store,
		rooms:       rooms,
		broadcaster: broadcaster,
		presence:    presence,

		instanceID: instanceID,

		ratePerSec:     maxEventsPerSecond,
		rateBurst:      maxEventsBurst,
		staleAge:       time.Duration(staleAgeSec) * time.Second,
		reaperInterval: time.Duration(reaperIntervalSec) * time.Second,

		shutdownCh: make(chan struct{}),
		startedAt:  time.Now(),
	}

	cm.startBackgroundTasks(ctx)

	return cm
}

// NewRoomIndex exposes the room index constructor for wiring in main.
func NewRoomIndex() *roomIndex {
	return newRoomIndex()
}

func (cm *connectionManager) startBackgroundTasks(ctx context.Context) {
	cm.wg.Add(1)
	go cm.reapStaleConnections(ctx)

	cm.wg.Add(1)
	go cm.reportMetrics(ctx)

	cm.wg.Add(1)
	go cm.monitorHealth(ctx)
}

// closeRejected releases the socket of a connection that never made it into
// the pool.
func (cm *connectionManager) closeRejected(stream ClientStream) {
	if stream != nil {
		_ = stream.Close()
	}
}

// HandleConnection manages a client connection lifecycle. It blocks until
// the connection closes through client disconnect, context cancellation,
// stream error or shutdown.
//
//nolint:funlen // connection lifecycle coordinates multiple goroutines and cleanup
func (cm *connectionManager) HandleConnection(
	ctx context.Context,
	userID string,
	tenantID string,
	stream ClientStream,
) error {
	// Rejection paths run before the cleanup defer is installed, so each
	// one closes the stream itself; a rejected client must not be left
	// holding an open socket.
	if userID == "" || tenantID == "" {
		atomic.AddUint64(&cm.rejectedConns, 1)
		rtel.ConnectionsRejectedCounter.Add(ctx, 1)
		cm.closeRejected(stream)
		return ErrInvalidInput
	}

	select {
	case <-cm.shutdownCh:
		atomic.AddUint64(&cm.rejectedConns, 1)
		rtel.ConnectionsRejectedCounter.Add(ctx, 1)
		cm.closeRejected(stream)
		return ErrShuttingDown
	default:
	}

	atomic.AddUint64(&cm.totalConns, 1)
	atomic.AddInt32(&cm.activeConns, 1)
	defer atomic.AddInt32(&cm.activeConns, -1)

	rtel.ConnectionsTotalCounter.Add(ctx, 1)
	rtel.ConnectionsActiveGauge.Add(ctx, 1)
	defer rtel.ConnectionsActiveGauge.Add(ctx, -1)

	ctx, span := rtel.ConnectionTracer.Start(ctx, "connection")
	var lifecycleErr error
	defer func() {
		rtel.ConnectionTracer.End(ctx, span, lifecycleErr)
	}()

	now := time.Now()
	rec := &Record{
		ConnectionID: util.IDString(),
		UserID:       userID,
		TenantID:     tenantID,
		InstanceID:   cm.instanceID,
		Presence:     models.PresenceOnline,
		ConnectedAt:  now.Unix(),
		LastActive:   now.Unix(),
	}

	conn := NewConnection(stream, rec, cm.ratePerSec, cm.rateBurst)

	if err := cm.store.Register(ctx, conn); err != nil {
		atomic.AddUint64(&cm.rejectedConns, 1)
		rtel.ConnectionsRejectedCounter.Add(ctx, 1)
		conn.Close()
		lifecycleErr = err
		return err
	}

	// Every connection belongs to its tenant room and the user's personal
	// room for the whole session.
	cm.joinRoom(conn, ScopeRoom(tenantID, internal.TenantRoom(tenantID).Name()))
	cm.joinRoom(conn, ScopeRoom(tenantID, internal.UserRoom(userID).Name()))
	cm.store.Sync(ctx, conn)

	cm.presence.ConnectionOpened(ctx, tenantID, userID)

	util.Log(ctx).WithFields(map[string]any{
		"connection_id": rec.ConnectionID,
		"user_id":       userID,
		"tenant_id":     tenantID,
		"instance_id":   cm.instanceID,
		"pool_size":     cm.store.Count(),
	}).Debug("Client connected")

	defer func() {
		cm.presence.ConnectionClosed(ctx, tenantID, userID)
		cm.rooms.LeaveAll(rec.ConnectionID)

		c := cm.store.Remove(ctx, rec.ConnectionID)
		if c != nil {
			c.Close()
		}

		atomic.AddUint64(&cm.disconnectedConns, 1)

		util.Log(ctx).WithFields(map[string]any{
			"connection_id": rec.ConnectionID,
			"user_id":       userID,
			"duration":      time.Since(now).String(),
		}).Debug("Client disconnected")
	}()

	// Use pooled error channel for efficiency
	errChanInterface := errorChanPool.Get()
	errChan, ok := errChanInterface.(chan error)
	if !ok {
		errChan = make(chan error, errorChannelBufferSize)
	}
	defer func() {
		for len(errChan) > 0 {
			<-errChan
		}
		errorChanPool.Put(errChan)
	}()

	doneCh := make(chan struct{})
	var workerWg sync.WaitGroup

	workerWg.Add(1)
	go func() {
		defer workerWg.Done()
		if err := cm.runInbound(ctx, conn, errChan, doneCh); err != nil {
			util.Log(ctx).WithError(err).Debug("Inbound worker finished with error")
		}
	}()

	workerWg.Add(1)
	go func() {
		defer workerWg.Done()
		if err := cm.runOutbound(ctx, conn, errChan, doneCh); err != nil {
			util.Log(ctx).WithError(err).Debug("Outbound worker finished with error")
		}
	}()

	// Closing the connection unblocks a worker stuck in a stream read.
	select {
	case err := <-errChan:
		close(doneCh)
		conn.Close()
		workerWg.Wait()
		lifecycleErr = err
		return err
	case <-ctx.Done():
		close(doneCh)
		conn.Close()
		workerWg.Wait()
		lifecycleErr = ctx.Err()
		return ctx.Err()
	case <-cm.shutdownCh:
		close(doneCh)
		conn.Close()
		workerWg.Wait()
		lifecycleErr = ErrShuttingDown
		return ErrShuttingDown
	}
}

// joinRoom records membership in both the index and the record snapshot.
func (cm *connectionManager) joinRoom(conn Connection, scopedRoom string) bool {
	if !cm.rooms.Join(scopedRoom, conn) {
		return false
	}

	rec := conn.Record()
	rec.Rooms = append(rec.Rooms, scopedRoom)
	return true
}

// leaveRoom undoes joinRoom.
func (cm *connectionManager) leaveRoom(conn Connection, scopedRoom string) bool {
	rec := conn.Record()
	if !cm.rooms.Leave(scopedRoom, rec.ConnectionID) {
		return false
	}

	rooms := rec.Rooms[:0]
	for _, r := range rec.Rooms {
		if r != scopedRoom {
			rooms = append(rooms, r)
		}
	}
	rec.Rooms = rooms
	return true
}

// runInbound reads client messages until the connection ends. Stream errors
// are fatal; processing errors are reported to the client and the loop
// continues.
func (cm *connectionManager) runInbound(
	ctx context.Context,
	conn Connection,
	errChan chan error,
	doneCh chan struct{},
) error {
	for {
		select {
		case <-doneCh:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		payload, err := conn.Stream().Receive()
		if err != nil {
			select {
			case errChan <- fmt.Errorf("%w: %w", ErrStreamReceiveFailed, err):
			default:
			}
			return err
		}

		if err = cm.handleClientMessage(ctx, conn, payload); err != nil {
			util.Log(ctx).WithError(err).
				WithField("connection_id", conn.Record().ConnectionID).
				Warn("Inbound processing error")

			conn.Dispatch(errorMessage(err))
		}
	}
}

// runOutbound pumps queued messages to the socket. It is the only goroutine
// that writes to the stream, starting with the connected acknowledgement.
func (cm *connectionManager) runOutbound(
	ctx context.Context,
	conn Connection,
	errChan chan error,
	doneCh chan struct{},
) error {
	if err := cm.sendConnectionAck(conn); err != nil {
		select {
		case errChan <- err:
		default:
		}
		return err
	}

	for {
		select {
		case <-doneCh:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
			msg := conn.ConsumeDispatch(ctx)
			if msg == nil {
				continue
			}

			if err := cm.sendMessage(conn, msg); err != nil {
				select {
				case errChan <- err:
				default:
				}
				return err
			}
		}
	}
}

func (cm *connectionManager) sendMessage(conn Connection, msg *models.ServerMessage) error {
	raw, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("encode server message: %w", err)
	}

	if err = conn.Stream().Send(raw); err != nil {
		return fmt.Errorf("%w: %w", ErrStreamSendFailed, err)
	}
	return nil
}

// sendConnectionAck writes the connected acknowledgement. It runs at the top
// of the outbound pump, so it is still the socket's only writer.
func (cm *connectionManager) sendConnectionAck(conn Connection) error {
	rec := conn.Record()
	ack := models.NewServerMessage(models.ServerConnected, "", data.JSONMap{
		"connection_id": rec.ConnectionID,
		"instance_id":   cm.instanceID,
		"user_id":       rec.UserID,
		"tenant_id":     rec.TenantID,
	})

	return cm.sendMessage(conn, ack)
}

// reapStaleConnections periodically closes connections that stopped sending
// pings. A crashed client never sends a close frame; the reaper is what
// keeps the pool and room index honest.
func (cm *connectionManager) reapStaleConnections(ctx context.Context) {
	defer cm.wg.Done()

	ticker := time.NewTicker(cm.reaperInterval)
	defer ticker.Stop()

	for {
		select {
		case <-cm.shutdownCh:
			return
		case <-ticker.C:
			cm.performReap(ctx)
		}
	}
}

// performReap closes every connection idle beyond the stale threshold.
// Closing the stream makes the inbound worker fail, which runs the normal
// disconnect cleanup, so rooms and presence stay consistent.
func (cm *connectionManager) performReap(ctx context.Context) {
	now := time.Now().Unix()
	threshold := int64(cm.staleAge.Seconds())

	reaped := 0
	cm.store.ForEach(func(conn Connection) {
		rec := conn.Record()
		age := now - rec.LastActiveUnix()
		if age <= threshold {
			return
		}

		util.Log(ctx).WithFields(map[string]any{
			"connection_id": rec.ConnectionID,
			"user_id":       rec.UserID,
			"tenant_id":     rec.TenantID,
			"idle_seconds":  age,
		}).Warn("Reaping stale connection")

		conn.Close()
		reaped++
	})

	if reaped > 0 {
		atomic.AddUint64(&cm.reapedConns, uint64(reaped))
		rtel.ConnectionsReapedCounter.Add(ctx, int64(reaped))

		util.Log(ctx).WithFields(map[string]any{
			"count":       reaped,
			"instance_id": cm.instanceID,
		}).Info("Reaped stale connections")
	}
}

// reportMetrics periodically logs connection statistics.
func (cm *connectionManager) reportMetrics(ctx context.Context) {
	defer cm.wg.Done()

	ticker := time.NewTicker(metricsReportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-cm.shutdownCh:
			return
		case <-ticker.C:
			cm.publishMetrics(ctx)
		}
	}
}

func (cm *connectionManager) publishMetrics(ctx context.Context) {
	stats := cm.Stats()

	util.Log(ctx).WithFields(map[string]any{
		"metric_type":              "connection_stats",
		"instance_id":              cm.instanceID,
		"connections_active":       stats.ActiveConnections,
		"connections_total":        stats.TotalConnections,
		"connections_rejected":     stats.RejectedConns,
		"connections_disconnected": stats.DisconnectedConns,
		"connections_reaped":       stats.ReapedConns,
		"pool_size":                stats.PoolSize,
		"occupied_rooms":           stats.OccupiedRooms,
		"online_users":             stats.OnlineUsers,
		"backplane_degraded":       stats.BackplaneDegraded,
	}).Debug("Connection metrics")
}

// monitorHealth warns when pool utilization runs high.
func (cm *connectionManager) monitorHealth(ctx context.Context) {
	defer cm.wg.Done()

	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-cm.shutdownCh:
			return
		case <-ticker.C:
			cm.performHealthCheck(ctx)
		}
	}
}

func (cm *connectionManager) performHealthCheck(ctx context.Context) {
	poolSize := cm.store.Count()
	capacity := cm.store.Capacity()

	utilization := float64(poolSize) / float64(capacity) * utilizationScaleFactor
	if utilization > utilizationThreshold {
		util.Log(ctx).WithFields(map[string]any{
			"pool_size":   poolSize,
			"capacity":    capacity,
			"utilization": fmt.Sprintf("%.2f%%", utilization),
		}).Warn("Connection pool utilization high")
	}
}

// Stats snapshots the manager state for the health and admin surfaces.
func (cm *connectionManager) Stats() ManagerStats {
	return ManagerStats{
		ActiveConnections: atomic.LoadInt32(&cm.activeConns),
		TotalConnections:  atomic.LoadUint64(&cm.totalConns),
		RejectedConns:     atomic.LoadUint64(&cm.rejectedConns),
		DisconnectedConns: atomic.LoadUint64(&cm.disconnectedConns),
		ReapedConns:       atomic.LoadUint64(&cm.reapedConns),
		PoolSize:          cm.store.Count(),
		PoolCapacity:      cm.store.Capacity(),
		OccupiedRooms:     cm.rooms.RoomCount(),
		OnlineUsers:       cm.presence.OnlineCount(),
		BackplaneDegraded: cm.broadcaster.Degraded(),
		InstanceID:        cm.instanceID,
		UptimeSeconds:     int64(time.Since(cm.startedAt).Seconds()),
	}
}

// Shutdown stops background tasks and closes every connection so clients
// reconnect elsewhere. Safe to call more than once.
func (cm *connectionManager) Shutdown(ctx context.Context) error {
	cm.shutdownOnce.Do(func() {
		util.Log(ctx).Info("Shutting down connection manager")
		close(cm.shutdownCh)

		cm.store.ForEach(func(conn Connection) {
			conn.Close()
		})

		done := make(chan struct{})
		go func() {
			cm.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			util.Log(ctx).Info("Connection manager shutdown complete")
		case <-time.After(shutdownTasksTimeout):
			util.Log(ctx).Warn("Connection manager shutdown timed out")
		}
	})

	return nil
}

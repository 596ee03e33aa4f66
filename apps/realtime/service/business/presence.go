package business

import (
	"context"
	"sync"
	"time"

	"github.com/pitabwire/util"
	"github.com/zeidalqadri/tenderflow-realtime/apps/realtime/service/models"
	rtel "github.com/zeidalqadri/tenderflow-realtime/internal/telemetry"
)

// PresenceChangedEventName routes presence transitions through the event
// handler that publishes them on the bus.
const PresenceChangedEventName = "presence.changed.event"

// EventEmitter is the slice of the frame events manager the tracker needs.
type EventEmitter interface {
	Emit(ctx context.Context, name string, payload any) error
}

// userPresence is the refcounted state for one user on this instance.
type userPresence struct {
	connections int
	status      models.PresenceStatus
}

// PresenceTracker derives user availability from connection counts. A user
// goes online with their first connection and offline with their last;
// explicit status updates (away, busy) apply between those edges. Every
// transition is emitted as an internal event, never blocking the caller's
// connection path.
type PresenceTracker struct {
	mu    sync.Mutex
	users map[string]*userPresence

	evtsManager EventEmitter
}

func NewPresenceTracker(evtsManager EventEmitter) *PresenceTracker {
	return &PresenceTracker{
		users:       make(map[string]*userPresence),
		evtsManager: evtsManager,
	}
}

// ConnectionOpened records a new connection for the user. The first
// connection flips the user online.
func (pt *PresenceTracker) ConnectionOpened(ctx context.Context, tenantID, userID string) {
	key := UserKey(tenantID, userID)

	pt.mu.Lock()
	up, ok := pt.users[key]
	if !ok {
		up = &userPresence{status: models.PresenceOnline}
		pt.users[key] = up
	}
	up.connections++
	first := up.connections == 1
	pt.mu.Unlock()

	if first {
		pt.emitChange(ctx, tenantID, userID, models.PresenceOnline)
	}
}

// ConnectionClosed records a closed connection. The last connection flips
// the user offline.
func (pt *PresenceTracker) ConnectionClosed(ctx context.Context, tenantID, userID string) {
	key := UserKey(tenantID, userID)

	pt.mu.Lock()
	up, ok := pt.users[key]
	if !ok {
		pt.mu.Unlock()
		return
	}
	up.connections--
	last := up.connections <= 0
	if last {
		delete(pt.users, key)
	}
	pt.mu.Unlock()

	if last {
		pt.emitChange(ctx, tenantID, userID, models.PresenceOffline)
	}
}

// SetStatus applies a client-reported status. Ignored for users with no
// live connection; repeated identical statuses emit nothing.
func (pt *PresenceTracker) SetStatus(ctx context.Context, tenantID, userID string, status models.PresenceStatus) {
	if !models.ValidPresenceStatus(status) {
		return
	}

	key := UserKey(tenantID, userID)

	pt.mu.Lock()
	up, ok := pt.users[key]
	changed := ok && up.status != status
	if changed {
		up.status = status
	}
	pt.mu.Unlock()

	if changed {
		pt.emitChange(ctx, tenantID, userID, status)
	}
}

// Status reports the user's current availability on this instance.
func (pt *PresenceTracker) Status(tenantID, userID string) models.PresenceStatus {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	if up, ok := pt.users[UserKey(tenantID, userID)]; ok {
		return up.status
	}
	return models.PresenceOffline
}

// OnlineCount returns how many users currently have live connections here.
func (pt *PresenceTracker) OnlineCount() int {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return len(pt.users)
}

func (pt *PresenceTracker) emitChange(ctx context.Context, tenantID, userID string, status models.PresenceStatus) {
	rtel.PresenceChangesCounter.Add(ctx, 1)

	change := &models.PresenceChange{
		TenantID:  tenantID,
		UserID:    userID,
		Status:    status,
		ChangedAt: time.Now().UTC(),
	}

	if err := pt.evtsManager.Emit(ctx, PresenceChangedEventName, change); err != nil {
		util.Log(ctx).WithError(err).WithFields(map[string]any{
			"tenant_id": tenantID,
			"user_id":   userID,
			"status":    string(status),
		}).Error("failed to emit presence change event")
	}
}

package business

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/zeidalqadri/tenderflow-realtime/apps/realtime/service/models"
)

// Record is the per-connection state this instance tracks. A snapshot is
// mirrored to cache so admin tooling and sibling instances can see who is
// connected where. Fields other than LastActive and Presence are immutable
// after registration; LastActive uses atomic access because the reaper reads
// it while the inbound goroutine writes it.
type Record struct {
	ConnectionID string                `json:"connection_id"`
	UserID       string                `json:"user_id"`
	TenantID     string                `json:"tenant_id"`
	InstanceID   string                `json:"instance_id"`
	Presence     models.PresenceStatus `json:"presence"`
	Page         string                `json:"page,omitempty"`
	Rooms        []string              `json:"rooms,omitempty"`
	ConnectedAt  int64                 `json:"connected_at"`
	LastActive   int64                 `json:"last_active"`
}

// Key identifies the record in the local pool.
func (r *Record) Key() string {
	return r.ConnectionID
}

// CacheKey scopes the mirrored record by tenant so cache scans stay cheap.
func (r *Record) CacheKey() string {
	return fmt.Sprintf("tenant:%s:conn:%s", r.TenantID, r.ConnectionID)
}

// Touch marks the record active now, in unix seconds.
func (r *Record) Touch(now int64) {
	atomic.StoreInt64(&r.LastActive, now)
}

// LastActiveUnix reads the activity timestamp without racing the writer.
func (r *Record) LastActiveUnix() int64 {
	return atomic.LoadInt64(&r.LastActive)
}

// ClientStream abstracts the socket a client is attached to. The websocket
// handler provides the production implementation; tests provide fakes.
type ClientStream interface {
	Receive() ([]byte, error)
	Send(payload []byte) error
	Close() error
}

// Connection is an active client attachment with its own outbound buffer and
// inbound rate limiter.
type Connection interface {
	Record() *Record
	Stream() ClientStream

	// Dispatch queues a message for the outbound pump. Returns false when
	// the buffer is full and the message was dropped.
	Dispatch(msg *models.ServerMessage) bool

	// ConsumeDispatch blocks until a message is available or ctx ends.
	ConsumeDispatch(ctx context.Context) *models.ServerMessage

	// AllowInbound reports whether the client is within its rate limit.
	AllowInbound() bool

	Close()
}

// ConnectionManager owns the full lifecycle of client connections.
type ConnectionManager interface {
	HandleConnection(ctx context.Context, userID, tenantID string, stream ClientStream) error
	Stats() ManagerStats
	Shutdown(ctx context.Context) error
}

// Broadcaster fans messages out to room members.
type Broadcaster interface {
	// Broadcast delivers locally and relays across the backplane.
	Broadcast(ctx context.Context, room string, msg *models.ServerMessage) error

	// BroadcastLocal delivers to sockets on this instance only.
	BroadcastLocal(ctx context.Context, room string, msg *models.ServerMessage) int

	// Degraded reports whether the backplane is currently unreachable.
	Degraded() bool
}

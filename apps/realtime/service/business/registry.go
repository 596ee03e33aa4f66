package business

import (
	"context"
	"strings"
	"time"

	"github.com/pitabwire/frame/cache"
	"github.com/pitabwire/util"
)

const cacheMirrorTimeout = 3 * time.Second

// RecordStore keeps the authoritative in-memory pool of connections and
// mirrors each record to cache. The pool is truth for delivery; the cache
// mirror is advisory, for admin tooling and sibling instances, so mirror
// writes are fire-and-forget and never block the connection path.
type RecordStore struct {
	pool     *connectionPool
	recCache cache.Cache[string, Record]
	ttl      time.Duration
}

// NewRecordStore sizes the local pool and attaches the cache mirror.
func NewRecordStore(rawCache cache.RawCache, maxSize int32, ttl time.Duration) *RecordStore {
	return &RecordStore{
		pool: newConnectionPool(maxSize),
		recCache: cache.NewGenericCache[string, Record](rawCache, func(s string) string {
			return s
		}),
		ttl: ttl,
	}
}

// Register adds the connection to the pool and mirrors its record.
// Returns ErrConnectionPoolFull when this instance is at capacity.
func (rs *RecordStore) Register(ctx context.Context, conn Connection) error {
	if err := rs.pool.add(conn); err != nil {
		return err
	}

	rs.mirror(ctx, conn.Record())
	return nil
}

// Sync refreshes the cache mirror after the record changed, refreshing the
// TTL as a side effect. Called on join, leave, presence updates and pings.
func (rs *RecordStore) Sync(ctx context.Context, conn Connection) {
	rs.mirror(ctx, conn.Record())
}

// Update applies a partial mutation to a connection's record and refreshes
// the mirror. Returns false when the connection is not on this instance.
func (rs *RecordStore) Update(ctx context.Context, connID string, mutate func(*Record)) bool {
	conn, ok := rs.pool.get(connID)
	if !ok {
		return false
	}

	mutate(conn.Record())
	rs.mirror(ctx, conn.Record())
	return true
}

// Remove drops the connection from the pool and deletes its mirror.
// Returns the removed connection, nil if it was not present.
func (rs *RecordStore) Remove(ctx context.Context, connID string) Connection {
	conn := rs.pool.remove(connID)
	if conn == nil {
		return nil
	}

	rec := conn.Record()
	go func() {
		mirrorCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cacheMirrorTimeout)
		defer cancel()

		if err := rs.recCache.Delete(mirrorCtx, rec.CacheKey()); err != nil {
			util.Log(mirrorCtx).WithError(err).
				WithField("connection_id", rec.ConnectionID).
				Debug("Failed to delete connection record mirror")
		}
	}()

	return conn
}

// Get looks up a connection by id.
func (rs *RecordStore) Get(connID string) (Connection, bool) {
	return rs.pool.get(connID)
}

// Count returns the number of connections on this instance.
func (rs *RecordStore) Count() int32 {
	return rs.pool.size()
}

// Capacity returns the configured pool limit.
func (rs *RecordStore) Capacity() int32 {
	return rs.pool.maxSize
}

// ForEach visits every connection on this instance.
func (rs *RecordStore) ForEach(fn func(Connection)) {
	rs.pool.forEach(fn)
}

// ListByTenant snapshots the records of a tenant's connections on this
// instance. Used by the admin surface.
func (rs *RecordStore) ListByTenant(tenantID string) []*Record {
	var records []*Record
	rs.pool.forEach(func(conn Connection) {
		rec := conn.Record()
		if rec.TenantID == tenantID {
			records = append(records, rec)
		}
	})
	return records
}

// CountByUser reports how many connections a user holds on this instance.
// Presence transitions hinge on first-connection and last-connection edges.
func (rs *RecordStore) CountByUser(tenantID, userID string) int {
	n := 0
	rs.pool.forEach(func(conn Connection) {
		rec := conn.Record()
		if rec.TenantID == tenantID && rec.UserID == userID {
			n++
		}
	})
	return n
}

// mirror writes the record snapshot to cache without blocking the caller.
func (rs *RecordStore) mirror(ctx context.Context, rec *Record) {
	snapshot := *rec
	snapshot.LastActive = rec.LastActiveUnix()
	snapshot.Rooms = append([]string(nil), rec.Rooms...)

	go func() {
		mirrorCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cacheMirrorTimeout)
		defer cancel()

		if err := rs.recCache.Set(mirrorCtx, snapshot.CacheKey(), snapshot, rs.ttl); err != nil {
			util.Log(mirrorCtx).WithError(err).
				WithField("connection_id", snapshot.ConnectionID).
				Debug("Failed to mirror connection record")
		}
	}()
}

// UserKey builds the tenant-scoped user key used by presence tracking.
func UserKey(tenantID, userID string) string {
	return strings.Join([]string{tenantID, userID}, ":")
}

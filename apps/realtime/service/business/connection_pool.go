package business

import (
	"hash/maphash"
	"sync"
	"sync/atomic"
)

const (
	// poolShardCount is the number of shards for the connection pool.
	// Must be a power of 2 for efficient modulo operation.
	poolShardCount = 32
)

// poolShard represents a single shard of the connection pool.
type poolShard struct {
	mu          sync.RWMutex
	connections map[string]Connection
}

// connectionPool manages active connections with sharding for high concurrency.
// Each shard has its own RWMutex so operations on different shards run in
// parallel; global size is tracked atomically for lock-free reads.
type connectionPool struct {
	shards      [poolShardCount]*poolShard
	hashSeed    maphash.Seed
	maxSize     int32
	currentSize int32 // Atomic access
}

// newConnectionPool creates a sharded connection pool with the specified capacity.
func newConnectionPool(maxSize int32) *connectionPool {
	pool := &connectionPool{
		maxSize:  maxSize,
		hashSeed: maphash.MakeSeed(),
	}

	const minShardCapacity = 64
	shardCapacity := int(maxSize) / poolShardCount
	if shardCapacity < minShardCapacity {
		shardCapacity = minShardCapacity
	}

	for i := range poolShardCount {
		pool.shards[i] = &poolShard{
			connections: make(map[string]Connection, shardCapacity),
		}
	}

	return pool
}

// getShard returns the shard for a given key using maphash (zero-allocation).
func (p *connectionPool) getShard(key string) *poolShard {
	h := maphash.String(p.hashSeed, key)
	return p.shards[h&(poolShardCount-1)]
}

// add inserts a connection into the pool.
// Returns ErrConnectionPoolFull if the pool is at capacity.
// An existing connection under the same key is not replaced.
func (p *connectionPool) add(conn Connection) error {
	// Fast-path check without lock
	if atomic.LoadInt32(&p.currentSize) >= p.maxSize {
		return ErrConnectionPoolFull
	}

	key := conn.Record().Key()
	shard := p.getShard(key)

	shard.mu.Lock()
	if _, exists := shard.connections[key]; !exists {
		shard.connections[key] = conn
		atomic.AddInt32(&p.currentSize, 1)
	}
	shard.mu.Unlock()
	return nil
}

// get retrieves a connection from the pool.
func (p *connectionPool) get(key string) (Connection, bool) {
	shard := p.getShard(key)

	shard.mu.RLock()
	conn, exists := shard.connections[key]
	shard.mu.RUnlock()
	return conn, exists
}

// remove deletes a connection from the pool, returning it if present.
func (p *connectionPool) remove(key string) Connection {
	shard := p.getShard(key)

	shard.mu.Lock()
	conn, exists := shard.connections[key]
	if exists {
		delete(shard.connections, key)
		atomic.AddInt32(&p.currentSize, -1)
	}
	shard.mu.Unlock()
	return conn
}

// size returns the current number of connections in the pool.
func (p *connectionPool) size() int32 {
	return atomic.LoadInt32(&p.currentSize)
}

// forEach iterates over all connections in the pool, calling fn for each.
// Creates snapshots per shard so fn never runs under a shard lock.
func (p *connectionPool) forEach(fn func(Connection)) {
	var allConns []Connection

	for i := range poolShardCount {
		shard := p.shards[i]
		shard.mu.RLock()
		for _, conn := range shard.connections {
			allConns = append(allConns, conn)
		}
		shard.mu.RUnlock()
	}

	for _, conn := range allConns {
		fn(conn)
	}
}

package business

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zeidalqadri/tenderflow-realtime/apps/realtime/service/models"
)

const (
	// dispatchChannelSize bounds the per-connection outbound buffer. A slow
	// client fills its own buffer and loses messages rather than stalling
	// broadcast fan-out for everyone else.
	dispatchChannelSize = 256

	// dispatchTimeout is how long Dispatch waits on a full buffer before
	// counting the message as dropped.
	dispatchTimeout = 5 * time.Millisecond
)

// tokenBucket is a simple rate limiter for client-originated messages.
// Tokens refill continuously at rate per second, capped at burst.
type tokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	burst      float64
	ratePerSec float64
	lastRefill time.Time
}

func newTokenBucket(ratePerSec, burst int) *tokenBucket {
	return &tokenBucket{
		tokens:     float64(burst),
		burst:      float64(burst),
		ratePerSec: float64(ratePerSec),
		lastRefill: time.Now(),
	}
}

// Allow consumes one token if available.
func (tb *tokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(tb.lastRefill).Seconds()
	tb.lastRefill = now

	tb.tokens += elapsed * tb.ratePerSec
	if tb.tokens > tb.burst {
		tb.tokens = tb.burst
	}

	if tb.tokens < 1 {
		return false
	}
	tb.tokens--
	return true
}

// connection couples a client stream with its outbound buffer, rate limiter
// and per-connection counters.
type connection struct {
	record *Record
	stream ClientStream

	dispatchCh chan *models.ServerMessage
	limiter    *tokenBucket

	closeOnce sync.Once
	closedCh  chan struct{}

	// Counters, atomic access.
	dispatched  uint64
	dropped     uint64
	rateLimited uint64
}

// NewConnection wraps a client stream. The rate limiter governs inbound
// messages only; outbound flow control is the dispatch buffer.
func NewConnection(stream ClientStream, record *Record, ratePerSec, burst int) Connection {
	return &connection{
		record:     record,
		stream:     stream,
		dispatchCh: make(chan *models.ServerMessage, dispatchChannelSize),
		limiter:    newTokenBucket(ratePerSec, burst),
		closedCh:   make(chan struct{}),
	}
}

func (c *connection) Record() *Record {
	return c.record
}

func (c *connection) Stream() ClientStream {
	return c.stream
}

// Dispatch queues msg for the outbound pump. A full buffer means the client
// is not keeping up; the message is dropped after a short wait so broadcast
// fan-out never blocks on one slow socket.
func (c *connection) Dispatch(msg *models.ServerMessage) bool {
	select {
	case c.dispatchCh <- msg:
		atomic.AddUint64(&c.dispatched, 1)
		return true
	default:
	}

	timer := time.NewTimer(dispatchTimeout)
	defer timer.Stop()

	select {
	case c.dispatchCh <- msg:
		atomic.AddUint64(&c.dispatched, 1)
		return true
	case <-c.closedCh:
		atomic.AddUint64(&c.dropped, 1)
		return false
	case <-timer.C:
		atomic.AddUint64(&c.dropped, 1)
		return false
	}
}

// ConsumeDispatch blocks until a message is queued, the connection closes,
// or ctx ends. Returns nil when there is nothing more to deliver.
func (c *connection) ConsumeDispatch(ctx context.Context) *models.ServerMessage {
	select {
	case msg := <-c.dispatchCh:
		return msg
	case <-c.closedCh:
		return nil
	case <-ctx.Done():
		return nil
	}
}

func (c *connection) AllowInbound() bool {
	if c.limiter.Allow() {
		return true
	}
	atomic.AddUint64(&c.rateLimited, 1)
	return false
}

func (c *connection) Close() {
	c.closeOnce.Do(func() {
		close(c.closedCh)
		if c.stream != nil {
			_ = c.stream.Close()
		}
	})
}

func (c *connection) DispatchedMessages() uint64 {
	return atomic.LoadUint64(&c.dispatched)
}

func (c *connection) DroppedMessages() uint64 {
	return atomic.LoadUint64(&c.dropped)
}

func (c *connection) RateLimitedCount() uint64 {
	return atomic.LoadUint64(&c.rateLimited)
}

// ChannelUtilization reports how full the outbound buffer is, 0.0 to 1.0.
func (c *connection) ChannelUtilization() float64 {
	return float64(len(c.dispatchCh)) / float64(dispatchChannelSize)
}

package business //nolint:testpackage // tests exercise unexported pool and connection internals

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/pitabwire/util"
	"github.com/zeidalqadri/tenderflow-realtime/apps/realtime/service/models"
)

// fakeStream is an in-memory ClientStream driven by tests.
type fakeStream struct {
	mu       sync.Mutex
	inbound  chan []byte
	sent     [][]byte
	closed   bool
	sendErr  error
	closedCh chan struct{}
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		inbound:  make(chan []byte, 16),
		closedCh: make(chan struct{}),
	}
}

func (fs *fakeStream) Receive() ([]byte, error) {
	select {
	case payload, ok := <-fs.inbound:
		if !ok {
			return nil, io.EOF
		}
		return payload, nil
	case <-fs.closedCh:
		return nil, io.EOF
	}
}

func (fs *fakeStream) Send(payload []byte) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.sendErr != nil {
		return fs.sendErr
	}
	if fs.closed {
		return errors.New("stream closed")
	}
	fs.sent = append(fs.sent, append([]byte(nil), payload...))
	return nil
}

func (fs *fakeStream) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if !fs.closed {
		fs.closed = true
		close(fs.closedCh)
	}
	return nil
}

func (fs *fakeStream) isClosed() bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.closed
}

func (fs *fakeStream) push(payload []byte) {
	fs.inbound <- payload
}

func (fs *fakeStream) sentMessages() [][]byte {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	out := make([][]byte, len(fs.sent))
	copy(out, fs.sent)
	return out
}

// waitForSent polls until the stream has sent at least n messages.
func (fs *fakeStream) waitForSent(n int, timeout time.Duration) [][]byte {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		msgs := fs.sentMessages()
		if len(msgs) >= n {
			return msgs
		}
		time.Sleep(5 * time.Millisecond)
	}
	return fs.sentMessages()
}

// fakePublisher records published frames and can be told to fail.
type fakePublisher struct {
	mu        sync.Mutex
	published []any
	headers   []map[string]string
	err       error
}

func (fp *fakePublisher) Publish(_ context.Context, payload any, headers ...map[string]string) error {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	if fp.err != nil {
		return fp.err
	}
	fp.published = append(fp.published, payload)
	if len(headers) > 0 {
		fp.headers = append(fp.headers, headers[0])
	}
	return nil
}

func (fp *fakePublisher) setErr(err error) {
	fp.mu.Lock()
	fp.err = err
	fp.mu.Unlock()
}

func (fp *fakePublisher) count() int {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	return len(fp.published)
}

func (fp *fakePublisher) lastHeaders() map[string]string {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	if len(fp.headers) == 0 {
		return nil
	}
	return fp.headers[len(fp.headers)-1]
}

// fakeProvider resolves every topic name to the same fake publisher.
type fakeProvider struct {
	pub *fakePublisher
	err error
}

func (fp *fakeProvider) GetPublisher(_ string) (Publisher, error) {
	if fp.err != nil {
		return nil, fp.err
	}
	return fp.pub, nil
}

// fakeEmitter records emitted internal events.
type fakeEmitter struct {
	mu     sync.Mutex
	events []any
	names  []string
}

func (fe *fakeEmitter) Emit(_ context.Context, name string, payload any) error {
	fe.mu.Lock()
	defer fe.mu.Unlock()
	fe.names = append(fe.names, name)
	fe.events = append(fe.events, payload)
	return nil
}

func (fe *fakeEmitter) changes() []*models.PresenceChange {
	fe.mu.Lock()
	defer fe.mu.Unlock()

	var out []*models.PresenceChange
	for _, evt := range fe.events {
		if change, ok := evt.(*models.PresenceChange); ok {
			out = append(out, change)
		}
	}
	return out
}

func testRecord(connID, userID, tenantID string) *Record {
	now := time.Now().Unix()
	if connID == "" {
		connID = util.IDString()
	}
	return &Record{
		ConnectionID: connID,
		UserID:       userID,
		TenantID:     tenantID,
		InstanceID:   "test-instance",
		Presence:     models.PresenceOnline,
		ConnectedAt:  now,
		LastActive:   now,
	}
}

package session

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/leonrode/hackharvard/internal/topics"
	"github.com/leonrode/hackharvard/internal/transcription"
)

const waitTimeout = 2 * time.Second

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type inboundMessage struct {
	messageType int
	data        []byte
}

// fakeTransport is an in-memory websocket peer
type fakeTransport struct {
	in     chan inboundMessage
	writes chan []byte

	mu          sync.Mutex
	closeCode   int
	closeReason string
	failWrites  bool

	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:     make(chan inboundMessage, 64),
		writes: make(chan []byte, 256),
		closed: make(chan struct{}),
	}
}

func (f *fakeTransport) ReadMessage() (int, []byte, error) {
	select {
	case msg := <-f.in:
		return msg.messageType, msg.data, nil
	case <-f.closed:
		return 0, nil, &websocket.CloseError{Code: websocket.CloseAbnormalClosure}
	}
}

func (f *fakeTransport) WriteMessage(_ int, data []byte) error {
	f.mu.Lock()
	fail := f.failWrites
	f.mu.Unlock()
	if fail {
		return errors.New("broken pipe")
	}

	select {
	case <-f.closed:
		return websocket.ErrCloseSent
	default:
	}
	f.writes <- data
	return nil
}

func (f *fakeTransport) WriteControl(messageType int, data []byte, _ time.Time) error {
	if messageType == websocket.CloseMessage && len(data) >= 2 {
		f.mu.Lock()
		f.closeCode = int(binary.BigEndian.Uint16(data[:2]))
		f.closeReason = string(data[2:])
		f.mu.Unlock()
	}
	return nil
}

func (f *fakeTransport) SetReadDeadline(time.Time) error  { return nil }
func (f *fakeTransport) SetWriteDeadline(time.Time) error { return nil }
func (f *fakeTransport) SetPongHandler(func(string) error) {}

func (f *fakeTransport) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000}
}

func (f *fakeTransport) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) closeFrame() (int, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCode, f.closeReason
}

func isOpen(c *Conn) bool {
	select {
	case <-c.Done():
		return false
	default:
		return true
	}
}

// testClient drives one fake connection attached to a hub
type testClient struct {
	t    *testing.T
	tr   *fakeTransport
	conn *Conn
}

func connect(t *testing.T, h *Hub) *testClient {
	t.Helper()

	tr := newFakeTransport()
	c := NewConn(tr, ConnConfig{}, discardLogger(), nil)
	require.NoError(t, h.Accept(c))

	client := &testClient{t: t, tr: tr, conn: c}
	welcome := client.expect("welcome")
	require.Equal(t, WelcomeMessage, welcome["message"])
	return client
}

func (c *testClient) send(v any) {
	c.t.Helper()
	data, err := json.Marshal(v)
	require.NoError(c.t, err)
	c.sendRaw(string(data))
}

func (c *testClient) sendRaw(s string) {
	c.tr.in <- inboundMessage{messageType: websocket.TextMessage, data: []byte(s)}
}

func (c *testClient) register(clientType string) {
	c.t.Helper()
	c.send(map[string]any{"type": "register_client", "client_type": clientType})
	c.expect("connected")
}

func (c *testClient) next() map[string]any {
	c.t.Helper()
	select {
	case data := <-c.tr.writes:
		var msg map[string]any
		require.NoError(c.t, json.Unmarshal(data, &msg))
		return msg
	case <-time.After(waitTimeout):
		c.t.Fatalf("timed out waiting for an event")
		return nil
	}
}

func (c *testClient) expect(msgType string) map[string]any {
	c.t.Helper()
	msg := c.next()
	require.Equal(c.t, msgType, msg["type"], "unexpected event %v", msg)
	return msg
}

func (c *testClient) expectNothing(d time.Duration) {
	c.t.Helper()
	select {
	case data := <-c.tr.writes:
		c.t.Fatalf("unexpected event %s", data)
	case <-time.After(d):
	}
}

// stubEngine records fed audio and publishes events on demand. When gate is
// set, Feed waits for it to close.
type stubEngine struct {
	mu     sync.Mutex
	fed    [][]byte
	events chan transcription.ChunksProduced
	gate   chan struct{}

	closeOnce  sync.Once
	closed     atomic.Bool
	streamEnds atomic.Int32
}

func newStubEngine() *stubEngine {
	return &stubEngine{events: make(chan transcription.ChunksProduced, 16)}
}

func (e *stubEngine) Feed(ctx context.Context, pcm []byte) error {
	if e.gate != nil {
		select {
		case <-e.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if e.closed.Load() {
		return transcription.ErrEngineClosed
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fed = append(e.fed, append([]byte(nil), pcm...))
	return nil
}

func (e *stubEngine) Events() <-chan transcription.ChunksProduced { return e.events }

func (e *stubEngine) EndOfStream() { e.streamEnds.Add(1) }

func (e *stubEngine) Close() error {
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		close(e.events)
	})
	return nil
}

func (e *stubEngine) fedCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.fed)
}

// stubRecommender answers with fn and tracks concurrent calls
type stubRecommender struct {
	fn func(ctx context.Context, snapshots []topics.Snapshot) (map[string][]string, error)

	calls       atomic.Int32
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func (r *stubRecommender) Recommend(ctx context.Context, snapshots []topics.Snapshot) (map[string][]string, error) {
	r.calls.Add(1)
	n := r.inFlight.Add(1)
	defer r.inFlight.Add(-1)
	for {
		peak := r.maxInFlight.Load()
		if n <= peak || r.maxInFlight.CompareAndSwap(peak, n) {
			break
		}
	}
	return r.fn(ctx, snapshots)
}

func staticRecommender(recs map[string][]string) *stubRecommender {
	return &stubRecommender{fn: func(context.Context, []topics.Snapshot) (map[string][]string, error) {
		return recs, nil
	}}
}

// gatedStore holds List calls until gate is closed
type gatedStore struct {
	*topics.MemoryStore
	gate chan struct{}
}

func (s *gatedStore) List(ctx context.Context) ([]topics.Snapshot, error) {
	select {
	case <-s.gate:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return s.MemoryStore.List(ctx)
}

func seedTopic(t *testing.T, store topics.Store, id, description, blurb string) {
	t.Helper()
	require.NoError(t, store.Append(context.Background(), id, description, topics.ContentChunk{
		Blurb:   blurb,
		Content: blurb + " in detail",
	}))
}

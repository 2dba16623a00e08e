package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leonrode/hackharvard/internal/recommend"
	"github.com/leonrode/hackharvard/internal/topics"
	"github.com/leonrode/hackharvard/internal/transcription"
)

type hubFixture struct {
	hub    *Hub
	engine *stubEngine
	store  *topics.MemoryStore
	recs   *stubRecommender
}

func newHubFixture(t *testing.T, config Config, recs *stubRecommender) *hubFixture {
	t.Helper()
	if recs == nil {
		recs = staticRecommender(map[string][]string{})
	}

	f := &hubFixture{
		engine: newStubEngine(),
		store:  topics.NewMemoryStore(),
		recs:   recs,
	}
	f.hub = NewHub("test", config, f.engine, f.store, recs, discardLogger(), nil)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		f.hub.Shutdown(ctx)
	})
	return f
}

func audioChunk(timestamp int, data ...int) map[string]any {
	return map[string]any{"type": "audio_chunk", "data": data, "timestamp": timestamp}
}

func TestHubRegistration(t *testing.T) {
	f := newHubFixture(t, Config{}, nil)

	site := connect(t, f.hub)
	site.send(map[string]any{"type": "register_client", "client_type": "site"})
	msg := site.expect("connected")
	assert.Equal(t, "site", msg["client_type"])
	assert.Equal(t, "Site client connected successfully", msg["message"])
	assert.Equal(t, site.conn.ID(), msg["client_id"])

	phone := connect(t, f.hub)
	phone.send(map[string]any{"type": "register_client", "client_type": "anything"})
	msg = phone.expect("connected")
	assert.Equal(t, "phone", msg["client_type"])
	assert.Equal(t, "Phone client connected successfully", msg["message"])

	info := f.hub.Info()
	assert.Equal(t, 2, info.Connections)
	assert.Equal(t, site.conn.ID(), info.Consumer)
	assert.Equal(t, phone.conn.ID(), info.Producer)
}

func TestHubAuthorizationPrecedesMutation(t *testing.T) {
	f := newHubFixture(t, Config{}, nil)

	stranger := connect(t, f.hub)
	stranger.send(audioChunk(1, 1, 2, 3, 4))
	assert.Equal(t, "Only phone client can send audio", stranger.expect("error")["message"])
	stranger.send(map[string]any{"type": "clear_audio_chunks"})
	assert.Equal(t, "Only phone client can clear audio chunks", stranger.expect("error")["message"])
	stranger.send(map[string]any{"type": "get_recommendations"})
	assert.Equal(t, "Only site client can request recommendations", stranger.expect("error")["message"])

	phone := connect(t, f.hub)
	phone.register("phone")
	phone.send(map[string]any{"type": "get_recommendations"})
	assert.Equal(t, "Only site client can request recommendations", phone.expect("error")["message"])

	site := connect(t, f.hub)
	site.register("site")
	site.send(audioChunk(2, 9, 9, 9, 9))
	assert.Equal(t, "Only phone client can send audio", site.expect("error")["message"])

	assert.Zero(t, f.engine.fedCount())
}

func TestHubLastRegisterWins(t *testing.T) {
	f := newHubFixture(t, Config{}, nil)

	first := connect(t, f.hub)
	first.register("phone")
	second := connect(t, f.hub)
	second.register("phone")

	first.send(audioChunk(1, 1, 2, 3, 4))
	assert.Equal(t, "Only phone client can send audio", first.expect("error")["message"])

	// The evicted connection stays open
	first.send(map[string]any{"type": "toggle_audio_playback", "enabled": true})
	assert.Equal(t, true, first.expect("audio_playback_status")["enabled"])
	assert.True(t, isOpen(first.conn))

	second.send(audioChunk(2, 1, 2, 3, 4))
	assert.Equal(t, "received", second.expect("audio_ack")["status"])
}

func TestHubConsumerLastRegisterWins(t *testing.T) {
	recs := staticRecommender(map[string][]string{"budget": {"ask about timeline"}})
	f := newHubFixture(t, Config{}, recs)
	seedTopic(t, f.store, "budget", "Budget talk", "they mentioned cost")

	first := connect(t, f.hub)
	first.register("site")
	second := connect(t, f.hub)
	second.register("site")

	f.engine.events <- transcription.ChunksProduced{Seq: 1, TopicIDs: []string{"budget"}}
	second.expect("data")
	first.expectNothing(150 * time.Millisecond)

	first.send(map[string]any{"type": "get_recommendations"})
	assert.Equal(t, "Only site client can request recommendations", first.expect("error")["message"])
	assert.True(t, isOpen(first.conn))
	assert.Equal(t, second.conn.ID(), f.hub.Info().Consumer)
}

func TestHubSnapshotSkipsEvictedConsumer(t *testing.T) {
	store := &gatedStore{MemoryStore: topics.NewMemoryStore(), gate: make(chan struct{})}
	hub := NewHub("test", Config{}, newStubEngine(), store, staticRecommender(nil), discardLogger(), nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		hub.Shutdown(ctx)
	})

	first := connect(t, hub)
	first.register("site")
	first.send(map[string]any{"type": "get_recommendations"})

	// Evicted while its topic listing is still in flight
	second := connect(t, hub)
	second.register("site")
	close(store.gate)

	first.expectNothing(150 * time.Millisecond)

	second.send(map[string]any{"type": "get_recommendations"})
	assert.Empty(t, second.expect("data")["data"].(map[string]any)["topics"])
}

func TestHubProducerStreamEnds(t *testing.T) {
	f := newHubFixture(t, Config{}, nil)

	first := connect(t, f.hub)
	first.register("phone")
	first.register("phone")
	assert.Zero(t, f.engine.streamEnds.Load())

	// Replacing the producer ends its stream
	second := connect(t, f.hub)
	second.register("phone")
	assert.Equal(t, int32(1), f.engine.streamEnds.Load())

	// So does stepping down to consumer
	second.register("site")
	assert.Equal(t, int32(2), f.engine.streamEnds.Load())

	third := connect(t, f.hub)
	third.register("phone")
	assert.Equal(t, int32(2), f.engine.streamEnds.Load())

	third.tr.Close()
	require.Eventually(t, func() bool { return f.engine.streamEnds.Load() == 3 }, waitTimeout, 10*time.Millisecond)

	first.tr.Close()
	require.Eventually(t, func() bool { return f.hub.ConnectionCount() == 1 }, waitTimeout, 10*time.Millisecond)
	assert.Equal(t, int32(3), f.engine.streamEnds.Load())
}

func TestHubAudioAck(t *testing.T) {
	f := newHubFixture(t, Config{}, nil)

	phone := connect(t, f.hub)
	phone.register("phone")
	phone.send(audioChunk(1234, 1, 2, 3, 4))

	ack := phone.expect("audio_ack")
	assert.Equal(t, float64(1234), ack["chunk_id"])
	assert.Equal(t, "received", ack["status"])
	assert.Equal(t, "raw_pcm", ack["audio_format"])
	assert.Equal(t, float64(4), ack["chunk_size"])
	assert.Equal(t, 1, f.engine.fedCount())
}

func TestHubAudioAckReportsDecodedSizeWhenStripping(t *testing.T) {
	f := newHubFixture(t, Config{StripHeaders: true}, nil)

	phone := connect(t, f.hub)
	phone.register("phone")

	data := make([]int, 100)
	copy(data, []int{'R', 'I', 'F', 'F'})
	phone.send(audioChunk(1, data...))

	ack := phone.expect("audio_ack")
	assert.Equal(t, "wav", ack["audio_format"])
	assert.Equal(t, float64(100), ack["chunk_size"])

	f.engine.mu.Lock()
	defer f.engine.mu.Unlock()
	require.Len(t, f.engine.fed, 1)
	assert.Len(t, f.engine.fed[0], 56)
}

func TestHubDecodeError(t *testing.T) {
	f := newHubFixture(t, Config{}, nil)

	phone := connect(t, f.hub)
	phone.register("phone")
	phone.send(audioChunk(1, 1, 300))
	assert.Contains(t, phone.expect("error")["message"], "invalid audio data values")

	phone.send(map[string]any{"type": "audio_chunk", "data": "!!not base64!!"})
	assert.Contains(t, phone.expect("error")["message"], "invalid base64 data")

	phone.send(map[string]any{"type": "audio_chunk", "data": 42})
	assert.Contains(t, phone.expect("error")["message"], "invalid audio data format")

	assert.Zero(t, f.engine.fedCount())
	assert.True(t, isOpen(phone.conn))
}

func TestHubProtocolErrors(t *testing.T) {
	f := newHubFixture(t, Config{}, nil)
	c := connect(t, f.hub)

	c.sendRaw("{not json")
	assert.Equal(t, "Invalid JSON", c.expect("error")["message"])

	c.sendRaw(`{"client_type":"site"}`)
	assert.Equal(t, "Missing message type", c.expect("error")["message"])

	c.sendRaw(`{"type":"dance"}`)
	assert.Equal(t, "Unknown message type: dance", c.expect("error")["message"])

	c.tr.in <- inboundMessage{messageType: websocket.BinaryMessage, data: []byte{1, 2}}
	assert.Equal(t, "Binary frames are not supported", c.expect("error")["message"])

	// Still usable afterwards
	c.register("site")
}

func TestHubPlaybackRecordAndClear(t *testing.T) {
	f := newHubFixture(t, Config{RecordLimit: 2}, nil)

	phone := connect(t, f.hub)
	phone.register("phone")

	phone.send(map[string]any{"type": "toggle_audio_playback"})
	assert.Equal(t, true, phone.expect("audio_playback_status")["enabled"])

	for i := 0; i < 3; i++ {
		phone.send(audioChunk(i, 1, 2, 3, 4))
		phone.expect("audio_ack")
	}
	assert.Equal(t, 2, f.hub.Info().RetainedChunks)

	phone.send(map[string]any{"type": "clear_audio_chunks"})
	assert.Equal(t, float64(2), phone.expect("audio_chunks_cleared")["chunks_cleared"])

	phone.send(map[string]any{"type": "toggle_audio_playback", "enabled": false})
	assert.Equal(t, false, phone.expect("audio_playback_status")["enabled"])

	phone.send(audioChunk(9, 1, 2, 3, 4))
	phone.expect("audio_ack")
	phone.send(map[string]any{"type": "clear_audio_chunks"})
	assert.Equal(t, float64(0), phone.expect("audio_chunks_cleared")["chunks_cleared"])
}

func TestHubTimestampsIncreasePerConnection(t *testing.T) {
	f := newHubFixture(t, Config{}, nil)

	phone := connect(t, f.hub)
	phone.register("phone")

	var last float64
	for i := 0; i < 20; i++ {
		phone.send(map[string]any{"type": "toggle_audio_playback"})
		ts := phone.expect("audio_playback_status")["timestamp"].(float64)
		assert.Greater(t, ts, last)
		last = ts
	}
}

func TestHubCyclePushesData(t *testing.T) {
	recs := staticRecommender(map[string][]string{"budget": {"ask about timeline"}})
	f := newHubFixture(t, Config{}, recs)
	seedTopic(t, f.store, "budget", "Budget talk", "they mentioned cost")

	site := connect(t, f.hub)
	site.register("site")

	f.engine.events <- transcription.ChunksProduced{Seq: 1, TopicIDs: []string{"budget", "missing"}}

	data := site.expect("data")
	topicList := data["data"].(map[string]any)["topics"].([]any)
	require.Len(t, topicList, 1)

	topic := topicList[0].(map[string]any)
	assert.Equal(t, "budget", topic["topic_key"])
	assert.Equal(t, "Budget talk", topic["topic_summary"])
	assert.Equal(t, []any{"ask about timeline"}, topic["recommendations"])
	stack := topic["content_stack"].([]any)
	require.Len(t, stack, 1)
	assert.Equal(t, "they mentioned cost", stack[0].(map[string]any)["blurb"])

	// The snapshot is available on request
	site.send(map[string]any{"type": "get_recommendations"})
	snapshot := site.expect("data")
	assert.Equal(t, data["data"], snapshot["data"])

	site.expectNothing(100 * time.Millisecond)
	assert.Equal(t, int32(1), recs.calls.Load())
}

func TestHubCycleWithoutTopicsSkipsProvider(t *testing.T) {
	recs := staticRecommender(map[string][]string{})
	f := newHubFixture(t, Config{}, recs)

	site := connect(t, f.hub)
	site.register("site")

	f.engine.events <- transcription.ChunksProduced{Seq: 1, TopicIDs: []string{"ghost"}}
	site.expectNothing(150 * time.Millisecond)
	assert.Zero(t, recs.calls.Load())
}

func TestHubCyclesAreSequential(t *testing.T) {
	release := make(chan struct{})
	recs := &stubRecommender{fn: func(ctx context.Context, snaps []topics.Snapshot) (map[string][]string, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return map[string][]string{snaps[0].ID: {"follow up on " + snaps[0].ID}}, nil
	}}
	f := newHubFixture(t, Config{}, recs)
	seedTopic(t, f.store, "alpha", "A", "a")
	seedTopic(t, f.store, "beta", "B", "b")

	site := connect(t, f.hub)
	site.register("site")

	f.engine.events <- transcription.ChunksProduced{Seq: 1, TopicIDs: []string{"alpha"}}
	f.engine.events <- transcription.ChunksProduced{Seq: 2, TopicIDs: []string{"beta"}}

	require.Eventually(t, func() bool { return f.hub.Info().PendingCycles == 1 }, waitTimeout, 10*time.Millisecond)
	assert.Equal(t, int32(1), recs.calls.Load())

	release <- struct{}{}
	first := site.expect("data")
	release <- struct{}{}
	second := site.expect("data")

	firstTopics := first["data"].(map[string]any)["topics"].([]any)
	secondTopics := second["data"].(map[string]any)["topics"].([]any)
	assert.Equal(t, "alpha", firstTopics[0].(map[string]any)["topic_key"])
	assert.Equal(t, "beta", secondTopics[0].(map[string]any)["topic_key"])
	assert.Equal(t, int32(1), recs.maxInFlight.Load())
}

func TestHubProviderErrorDropsCycle(t *testing.T) {
	recs := &stubRecommender{fn: func(context.Context, []topics.Snapshot) (map[string][]string, error) {
		return nil, &recommend.ProviderError{Op: "status", StatusCode: 503, Body: "overloaded"}
	}}
	f := newHubFixture(t, Config{}, recs)
	seedTopic(t, f.store, "budget", "Budget", "cost")

	site := connect(t, f.hub)
	site.register("site")

	f.engine.events <- transcription.ChunksProduced{Seq: 1, TopicIDs: []string{"budget"}}
	require.Eventually(t, func() bool { return recs.calls.Load() == 1 }, waitTimeout, 10*time.Millisecond)
	site.expectNothing(100 * time.Millisecond)

	site.send(map[string]any{"type": "get_recommendations"})
	data := site.expect("data")
	assert.Empty(t, data["data"].(map[string]any)["topics"])
}

func TestHubRecommendationsReplacedPerTopic(t *testing.T) {
	answers := []map[string][]string{
		{"budget": {"old"}, "scope": {"keep me"}},
		{"budget": {"new"}},
	}
	call := 0
	recs := &stubRecommender{fn: func(context.Context, []topics.Snapshot) (map[string][]string, error) {
		answer := answers[call]
		call++
		return answer, nil
	}}
	f := newHubFixture(t, Config{}, recs)
	seedTopic(t, f.store, "budget", "Budget", "cost")
	seedTopic(t, f.store, "scope", "Scope", "features")

	site := connect(t, f.hub)
	site.register("site")

	f.engine.events <- transcription.ChunksProduced{Seq: 1, TopicIDs: []string{"budget", "scope"}}
	site.expect("data")
	f.engine.events <- transcription.ChunksProduced{Seq: 2, TopicIDs: []string{"budget"}}
	site.expect("data")

	site.send(map[string]any{"type": "get_recommendations"})
	topicList := site.expect("data")["data"].(map[string]any)["topics"].([]any)
	require.Len(t, topicList, 2)
	assert.Equal(t, []any{"new"}, topicList[0].(map[string]any)["recommendations"])
	assert.Equal(t, []any{"keep me"}, topicList[1].(map[string]any)["recommendations"])
}

func TestHubDisconnectClearsRole(t *testing.T) {
	f := newHubFixture(t, Config{}, nil)

	phone := connect(t, f.hub)
	phone.register("phone")
	require.Equal(t, 1, f.hub.ConnectionCount())

	phone.tr.Close()
	require.Eventually(t, func() bool { return f.hub.ConnectionCount() == 0 }, waitTimeout, 10*time.Millisecond)
	assert.Empty(t, f.hub.Info().Producer)
}

func TestHubWriteFailureClosesConnection(t *testing.T) {
	f := newHubFixture(t, Config{}, nil)

	c := connect(t, f.hub)
	c.tr.mu.Lock()
	c.tr.failWrites = true
	c.tr.mu.Unlock()

	c.send(map[string]any{"type": "toggle_audio_playback"})
	require.Eventually(t, func() bool { return f.hub.ConnectionCount() == 0 }, waitTimeout, 10*time.Millisecond)
	assert.False(t, isOpen(c.conn))
}

func TestHubShutdown(t *testing.T) {
	f := newHubFixture(t, Config{}, nil)

	phone := connect(t, f.hub)
	phone.register("phone")
	site := connect(t, f.hub)
	site.register("site")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.hub.Shutdown(ctx))

	for _, c := range []*testClient{phone, site} {
		msg := c.expect("server_shutdown")
		assert.Equal(t, "Server is shutting down", msg["message"])

		code, reason := c.tr.closeFrame()
		assert.Equal(t, websocket.CloseGoingAway, code)
		assert.Equal(t, "Server shutdown", reason)
		assert.False(t, isOpen(c.conn))
	}

	assert.Equal(t, StateClosed, f.hub.State())
	assert.True(t, f.engine.closed.Load())

	late := NewConn(newFakeTransport(), ConnConfig{}, discardLogger(), nil)
	assert.True(t, errors.Is(f.hub.Accept(late), ErrShutdown))

	// Idempotent
	require.NoError(t, f.hub.Shutdown(ctx))
}

func TestHubShutdownDiscardsQueuedAudio(t *testing.T) {
	f := newHubFixture(t, Config{Mode: ModeBackground, QueueCapacity: 8, StopTimeout: 100 * time.Millisecond}, nil)
	f.engine.gate = make(chan struct{})

	phone := connect(t, f.hub)
	phone.register("phone")

	for i := 1; i <= 5; i++ {
		phone.send(audioChunk(i, i, i, i, i))
		assert.Equal(t, "received", phone.expect("audio_ack")["status"])
	}
	// One chunk is held by the engine, the rest wait in the queue
	require.Eventually(t, func() bool {
		info := f.hub.Info()
		return info.Queue != nil && info.Queue.Length == 4
	}, waitTimeout, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.hub.Shutdown(ctx))
	phone.expect("server_shutdown")

	assert.Zero(t, testutil.ToFloat64(f.hub.metrics.QueueDepth))
	assert.Nil(t, f.hub.Info().Queue)

	close(f.engine.gate)
	require.Never(t, func() bool { return f.engine.fedCount() > 0 }, 100*time.Millisecond, 10*time.Millisecond)

	late := NewConn(newFakeTransport(), ConnConfig{}, discardLogger(), nil)
	assert.True(t, errors.Is(f.hub.Accept(late), ErrShutdown))
}

func TestHubConnectDuringDrain(t *testing.T) {
	f := newHubFixture(t, Config{}, nil)

	joined := connect(t, f.hub)
	assert.Equal(t, 1, f.hub.ConnectionCount())

	// Admitted just before the drain began, handled after
	tr := newFakeTransport()
	late := &testClient{t: t, tr: tr, conn: NewConn(tr, ConnConfig{}, discardLogger(), nil)}
	require.True(t, f.hub.coordinator.BeginDrain())
	f.hub.connCount.Add(1)
	require.True(t, f.hub.post(connectEvent{conn: late.conn}))

	assert.Equal(t, "Server is shutting down", late.expect("server_shutdown")["message"])
	require.Eventually(t, func() bool { return !isOpen(late.conn) }, waitTimeout, 10*time.Millisecond)
	code, reason := tr.closeFrame()
	assert.Equal(t, websocket.CloseGoingAway, code)
	assert.Equal(t, "Server shutdown", reason)
	assert.Equal(t, 1, f.hub.ConnectionCount())

	require.True(t, f.hub.post(shutdownRequest{}))
	<-f.hub.Done()
	joined.expect("server_shutdown")
	assert.Equal(t, StateClosed, f.hub.State())
}

func TestHubBackgroundMode(t *testing.T) {
	f := newHubFixture(t, Config{Mode: ModeBackground, QueueCapacity: 8}, nil)

	phone := connect(t, f.hub)
	phone.register("phone")

	for i := 1; i <= 3; i++ {
		phone.send(audioChunk(i, i, i, i, i))
		ack := phone.expect("audio_ack")
		assert.Equal(t, float64(i), ack["chunk_id"])
		assert.Equal(t, "received", ack["status"])
	}
	require.Eventually(t, func() bool { return f.engine.fedCount() == 3 }, waitTimeout, 10*time.Millisecond)

	f.engine.mu.Lock()
	for i, pcm := range f.engine.fed {
		assert.Equal(t, byte(i+1), pcm[0], "audio must reach the engine in wire order")
	}
	f.engine.mu.Unlock()

	// Non-audio frames are forwarded back to the hub
	phone.send(map[string]any{"type": "toggle_audio_playback", "enabled": true})
	assert.Equal(t, true, phone.expect("audio_playback_status")["enabled"])

	info := f.hub.Info()
	require.NotNil(t, info.Queue)
	assert.Equal(t, 8, info.Queue.Capacity)

	// Switching to consumer hands reading back to the hub
	phone.register("site")
	phone.send(audioChunk(4, 4, 4, 4, 4))
	assert.Equal(t, "Only phone client can send audio", phone.expect("error")["message"])
	assert.Equal(t, 3, f.engine.fedCount())
}

func TestHubBackgroundProducerDisconnect(t *testing.T) {
	f := newHubFixture(t, Config{Mode: ModeBackground}, nil)

	phone := connect(t, f.hub)
	phone.register("phone")
	phone.send(audioChunk(1, 1, 2, 3, 4))
	phone.expect("audio_ack")

	phone.tr.Close()
	require.Eventually(t, func() bool { return f.hub.ConnectionCount() == 0 }, waitTimeout, 10*time.Millisecond)
	assert.Nil(t, f.hub.Info().Queue)

	// A new producer gets a fresh adapter
	next := connect(t, f.hub)
	next.register("phone")
	next.send(audioChunk(2, 5, 6, 7, 8))
	assert.Equal(t, "received", next.expect("audio_ack")["status"])
}

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/leonrode/hackharvard/internal/audio"
	"github.com/leonrode/hackharvard/internal/metrics"
	"github.com/leonrode/hackharvard/internal/protocol"
	"github.com/leonrode/hackharvard/internal/recommend"
	"github.com/leonrode/hackharvard/internal/stream"
	"github.com/leonrode/hackharvard/internal/topics"
	"github.com/leonrode/hackharvard/internal/transcription"
)

// Mode selects how producer audio reaches the transcription engine
type Mode string

const (
	// ModeInline decodes and feeds audio on the hub goroutine
	ModeInline Mode = "inline"
	// ModeBackground hands the producer transport to a background adapter
	ModeBackground Mode = "background"
)

// Client-facing messages
const (
	WelcomeMessage         = "Connected to real-time recommendations server"
	siteConnectedMessage   = "Site client connected successfully"
	phoneConnectedMessage  = "Phone client connected successfully"
	errProducerOnlyAudio   = "Only phone client can send audio"
	errConsumerOnlyRecs    = "Only site client can request recommendations"
	errProducerOnlyClear   = "Only phone client can clear audio chunks"
	errBinaryNotSupported  = "Binary frames are not supported"
	infoRequestTimeout     = time.Second
	snapshotRequestTimeout = 5 * time.Second
)

// Config contains hub settings
type Config struct {
	Mode          Mode
	QueueCapacity int
	StopTimeout   time.Duration
	RecordLimit   int // Zero keeps every retained chunk
	StripHeaders  bool
	CycleTimeout  time.Duration
	InboxSize     int
	Conn          ConnConfig
}

func (c *Config) applyDefaults() {
	if c.Mode == "" {
		c.Mode = ModeInline
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = audio.DefaultQueueCapacity
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 2 * time.Second
	}
	if c.CycleTimeout <= 0 {
		c.CycleTimeout = 30 * time.Second
	}
	if c.InboxSize <= 0 {
		c.InboxSize = 64
	}
	c.Conn.applyDefaults()
}

type (
	connectEvent struct {
		conn *Conn
	}

	// frameEvent carries one inbound frame. reply is nil for frames
	// forwarded by a background adapter.
	frameEvent struct {
		conn  *Conn
		frame stream.Frame
		reply chan<- verdict
	}

	audioEvent struct {
		conn   *Conn
		result stream.Result
	}

	disconnectEvent struct {
		conn *Conn
		err  error
	}

	// snapshotEvent carries a data event resolved off the hub goroutine
	snapshotEvent struct {
		conn   *Conn
		topics []protocol.Topic
	}

	cycleEvent struct {
		seq       uint64
		snapshots []topics.Snapshot
		recs      map[string][]string
		err       error
		started   time.Time
	}

	infoRequest struct {
		reply chan Info
	}

	shutdownRequest struct{}
)

// verdict tells a connection's read pump how to continue
type verdict struct {
	// handoff is set when a background adapter took over the transport;
	// the pump resumes once it is closed
	handoff <-chan struct{}
}

// Info is a point-in-time view of a session
type Info struct {
	ID              string            `json:"id"`
	State           string            `json:"state"`
	Mode            Mode              `json:"mode"`
	CreatedAt       time.Time         `json:"created_at"`
	LastActivity    time.Time         `json:"last_activity"`
	Duration        time.Duration     `json:"duration"`
	Connections     int               `json:"connections"`
	Producer        string            `json:"producer,omitempty"`
	Consumer        string            `json:"consumer,omitempty"`
	PlaybackEnabled bool              `json:"playback_enabled"`
	RetainedChunks  int               `json:"retained_chunks"`
	CycleRunning    bool              `json:"cycle_running"`
	PendingCycles   int               `json:"pending_cycles"`
	Recommended     int               `json:"recommended_topics"`
	Queue           *audio.QueueStats `json:"queue,omitempty"`
	ChunksFed       uint64            `json:"chunks_fed"`
	Engine          any               `json:"engine,omitempty"`
}

// Hub is one session. Its goroutine owns the registry, the recommendation
// set, the playback record and the cycle state; everything else talks to it
// through the inbox.
type Hub struct {
	id          string
	config      Config
	logger      *slog.Logger
	metrics     *metrics.Metrics
	engine      transcription.Engine
	store       topics.Store
	recommender recommend.Engine

	registry    *Registry
	dispatcher  *Dispatcher
	coordinator Coordinator
	normalizer  *stream.Normalizer

	inline          *stream.InlineAdapter
	background      *stream.BackgroundAdapter
	backgroundOwner *Conn
	queueDepth      int

	conns        map[*Conn]struct{}
	recs         map[string][]string
	playback     bool
	record       []audio.Chunk
	cycleRunning bool
	pending      []transcription.ChunksProduced

	inbox  chan any
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// admit orders Accept against the start of a drain, so every accepted
	// connection is handled before the shutdown request
	admit sync.Mutex

	createdAt    time.Time
	lastActivity atomic.Int64
	connCount    atomic.Int32
}

// NewHub creates a session hub and starts its goroutine
func NewHub(id string, config Config, engine transcription.Engine, store topics.Store, recommender recommend.Engine, logger *slog.Logger, m *metrics.Metrics) *Hub {
	config.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.NewMetrics(prometheus.NewRegistry())
	}
	logger = logger.With(slog.String("session_id", id))

	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()

	h := &Hub{
		id:          id,
		config:      config,
		logger:      logger,
		metrics:     m,
		engine:      engine,
		store:       store,
		recommender: recommender,
		registry:    NewRegistry(),
		dispatcher:  NewDispatcher(logger, m),
		normalizer:  &stream.Normalizer{StripHeaders: config.StripHeaders},
		conns:       make(map[*Conn]struct{}),
		recs:        make(map[string][]string),
		inbox:       make(chan any, config.InboxSize),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
		createdAt:   now,
	}
	h.lastActivity.Store(now.UnixNano())

	if config.Mode == ModeInline {
		h.inline = stream.NewInlineAdapter(engine)
		h.inline.Start(nil)
	}

	go h.run()

	logger.Info("Session created", slog.String("mode", string(config.Mode)))
	return h
}

// ID returns the session id
func (h *Hub) ID() string { return h.id }

// State returns the lifecycle state
func (h *Hub) State() State { return h.coordinator.State() }

// ConnectionCount returns the number of open connections
func (h *Hub) ConnectionCount() int { return int(h.connCount.Load()) }

// LastActivity returns the time of the last connection event
func (h *Hub) LastActivity() time.Time {
	return time.Unix(0, h.lastActivity.Load())
}

// CreatedAt returns the session creation time
func (h *Hub) CreatedAt() time.Time { return h.createdAt }

// Done is closed when the hub goroutine has exited
func (h *Hub) Done() <-chan struct{} { return h.done }

func (h *Hub) touch() {
	h.lastActivity.Store(time.Now().UnixNano())
}

// post delivers an event to the hub goroutine. It fails once the hub exited.
func (h *Hub) post(ev any) bool {
	select {
	case h.inbox <- ev:
		return true
	case <-h.done:
		return false
	}
}

// postCtx is post bounded by ctx, used by adapter callbacks
func (h *Hub) postCtx(ctx context.Context, ev any) bool {
	select {
	case h.inbox <- ev:
		return true
	case <-h.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// Accept adds a connection to the session. The hub starts its pumps and
// sends the welcome event. The connection counts as open from here on.
func (h *Hub) Accept(c *Conn) error {
	h.admit.Lock()
	defer h.admit.Unlock()

	if err := h.coordinator.Check(); err != nil {
		return err
	}
	h.connCount.Add(1)
	if !h.post(connectEvent{conn: c}) {
		h.connCount.Add(-1)
		return ErrShutdown
	}
	return nil
}

// Info returns a snapshot of the session, read on the hub goroutine
func (h *Hub) Info() Info {
	reply := make(chan Info, 1)
	if h.post(infoRequest{reply: reply}) {
		select {
		case info := <-reply:
			return info
		case <-h.done:
		case <-time.After(infoRequestTimeout):
		}
	}

	return Info{
		ID:           h.id,
		State:        h.State().String(),
		Mode:         h.config.Mode,
		CreatedAt:    h.createdAt,
		LastActivity: h.LastActivity(),
		Duration:     time.Since(h.createdAt),
		Connections:  h.ConnectionCount(),
	}
}

// Shutdown drains the session: every connection gets a server_shutdown event
// and a 1001 close, queued audio is discarded and adapters are stopped. It is
// idempotent and returns once the hub goroutine exited or ctx is done.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.admit.Lock()
	began := h.coordinator.BeginDrain()
	h.admit.Unlock()

	if began {
		select {
		case h.inbox <- shutdownRequest{}:
		case <-h.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) run() {
	defer close(h.done)

	events := h.engine.Events()
	for {
		select {
		case ev := <-h.inbox:
			if h.handle(ev) {
				return
			}
		case produced, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			h.onChunksProduced(produced)
		}
	}
}

// handle processes one inbox event and reports whether the hub has closed
func (h *Hub) handle(ev any) bool {
	switch ev := ev.(type) {
	case connectEvent:
		h.onConnect(ev.conn)
	case frameEvent:
		v := h.onFrame(ev.conn, ev.frame, ev.reply != nil)
		if ev.reply != nil {
			ev.reply <- v
		}
	case audioEvent:
		if _, ok := h.conns[ev.conn]; ok {
			h.acknowledge(ev.conn, ev.result)
			h.observeQueue()
		}
	case disconnectEvent:
		h.onDisconnect(ev.conn, ev.err)
	case snapshotEvent:
		h.onSnapshot(ev)
	case cycleEvent:
		h.onCycleDone(ev)
	case infoRequest:
		ev.reply <- h.info()
	case shutdownRequest:
		h.drain()
		return true
	default:
		h.logger.Error("Unknown hub event", slog.String("event", fmt.Sprintf("%T", ev)))
	}
	return false
}

func (h *Hub) onConnect(c *Conn) {
	if h.coordinator.State() != StateRunning {
		// Accepted just before the drain began
		h.connCount.Add(-1)
		h.metrics.RecordRejectedOnShutdown()
		c.start()
		h.dispatcher.Send(c, protocol.ServerShutdown{Message: ShutdownMessage})
		c.CloseWith(CloseGoingAway, ShutdownReason)
		return
	}

	h.conns[c] = struct{}{}
	h.touch()
	h.metrics.RecordConnectionOpened()

	c.start()
	go h.pump(c)

	c.logger.Info("Client connected", slog.Int("connections", len(h.conns)))
	h.dispatcher.Send(c, protocol.Welcome{Message: WelcomeMessage})
}

// pump delivers a connection's frames to the hub one at a time and waits for
// each verdict, which keeps per-connection order.
func (h *Hub) pump(c *Conn) {
	for {
		frame, err := c.Next(h.ctx)
		if err != nil {
			h.post(disconnectEvent{conn: c, err: err})
			return
		}

		reply := make(chan verdict, 1)
		if !h.post(frameEvent{conn: c, frame: frame, reply: reply}) {
			return
		}

		var v verdict
		select {
		case v = <-reply:
		case <-h.done:
			return
		}

		if v.handoff != nil {
			select {
			case <-v.handoff:
			case <-h.done:
				return
			}
		}
	}
}

func (h *Hub) onDisconnect(c *Conn, err error) {
	if _, ok := h.conns[c]; !ok {
		return
	}
	delete(h.conns, c)
	h.connCount.Add(-1)
	h.touch()

	held := h.registry.Disconnect(c)
	if h.backgroundOwner == c {
		h.stopBackground()
	}
	if held == RoleProducer {
		h.endStream()
	}
	c.Close()
	h.metrics.RecordConnectionClosed(c.role.String())

	attrs := []any{
		slog.String("role", held.String()),
		slog.Duration("duration", time.Since(c.openedAt)),
		slog.Int("connections", len(h.conns)),
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		attrs = append(attrs, slog.String("reason", err.Error()))
	}
	c.logger.Info("Client disconnected", attrs...)
}

// onFrame parses and dispatches one frame. direct is false for frames
// forwarded by a background adapter, whose transport is already handed off.
func (h *Hub) onFrame(c *Conn, frame stream.Frame, direct bool) verdict {
	if _, ok := h.conns[c]; !ok {
		return verdict{}
	}
	if h.coordinator.State() != StateRunning {
		h.metrics.RecordRejectedOnShutdown()
		return verdict{}
	}
	h.touch()

	if frame.Binary {
		h.sendError(c, protocol.ProtocolErrorf(errBinaryNotSupported))
		return verdict{}
	}

	msg, err := protocol.Parse(frame.Data)
	if err != nil {
		h.sendError(c, err)
		return verdict{}
	}
	h.metrics.RecordMessageReceived(string(msg.Type()))

	switch msg := msg.(type) {
	case protocol.RegisterClient:
		handoff := h.onRegister(c, msg)
		if !direct {
			return verdict{}
		}
		return verdict{handoff: handoff}
	case protocol.AudioChunk:
		h.onAudioChunk(c, msg)
	case protocol.GetRecommendations:
		h.onGetRecommendations(c)
	case protocol.ClearAudioChunks:
		h.onClearAudioChunks(c)
	case protocol.ToggleAudioPlayback:
		h.onTogglePlayback(c, msg)
	}
	return verdict{}
}

func (h *Hub) onRegister(c *Conn, msg protocol.RegisterClient) <-chan struct{} {
	role := RoleProducer
	message := phoneConnectedMessage
	if msg.ClientType == protocol.ClientTypeSite {
		role = RoleConsumer
		message = siteConnectedMessage
	}

	wasProducer := h.registry.IsProducer(c)
	evicted := h.registry.Register(c, role)
	h.metrics.RecordRoleChange(c.role.String(), role.String())
	c.role = role

	// The producer's stream ends when it is replaced or steps down
	if (role == RoleProducer && evicted != nil) || (wasProducer && role != RoleProducer) {
		h.stopBackground()
		h.endStream()
	}

	if evicted != nil {
		c.logger.Info("Replaced registered client",
			slog.String("role", role.String()),
			slog.String("evicted_conn_id", evicted.ID()))
	}

	var handoff <-chan struct{}
	if role == RoleProducer {
		handoff = h.attachProducer(c)
	} else if h.backgroundOwner == c {
		h.stopBackground()
	}

	c.logger.Info("Client registered",
		slog.String("role", role.String()),
		slog.String("client_type", msg.ClientType))
	h.dispatcher.Send(c, protocol.Connected{
		ClientID:   c.ID(),
		ClientType: role.ClientType(),
		Message:    message,
	})

	if role == RoleConsumer && len(h.recs) > 0 {
		h.sendSnapshot(c)
	}
	return handoff
}

// endStream lets the engine flush the utterance it is collecting
func (h *Hub) endStream() {
	if ender, ok := h.engine.(transcription.StreamEnder); ok {
		ender.EndOfStream()
	}
}

// attachProducer starts a background adapter on the producer's transport.
// It returns the channel the read pump waits on, or nil in inline mode.
func (h *Hub) attachProducer(c *Conn) <-chan struct{} {
	if h.config.Mode != ModeBackground {
		return nil
	}
	if h.backgroundOwner == c && h.background != nil && h.background.IsActive() {
		return nil
	}
	h.stopBackground()

	adapter := stream.NewBackgroundAdapter(
		stream.BackgroundConfig{
			QueueCapacity: h.config.QueueCapacity,
			StopTimeout:   h.config.StopTimeout,
		},
		h.engine,
		h.normalizer,
		stream.Callbacks{
			OnAudio: func(ctx context.Context, res stream.Result) {
				h.postCtx(ctx, audioEvent{conn: c, result: res})
			},
			OnFrame: func(ctx context.Context, frame stream.Frame) {
				h.postCtx(ctx, frameEvent{conn: c, frame: frame})
			},
		},
		c.logger,
	)
	if err := adapter.Start(c); err != nil {
		c.logger.Error("Failed to start audio stream", slog.String("error", err.Error()))
		return nil
	}

	h.background = adapter
	h.backgroundOwner = c
	c.logger.Debug("Audio stream started", slog.Int("queue_capacity", h.config.QueueCapacity))
	return adapter.ReaderDone()
}

// stopBackground stops the current adapter, waiting at most the stop timeout
func (h *Hub) stopBackground() {
	if h.background == nil {
		return
	}
	h.background.Stop()

	stats := h.background.QueueStats()
	h.logger.Debug("Audio stream stopped",
		slog.Uint64("enqueued", stats.Enqueued),
		slog.Uint64("dropped", stats.Dropped),
		slog.Uint64("fed", h.background.Fed()))

	h.background = nil
	h.backgroundOwner = nil
	h.observeQueue()
}

// observeQueue keeps the shared queue depth gauge in step with this session
func (h *Hub) observeQueue() {
	depth := 0
	if h.background != nil {
		depth = h.background.QueueStats().Length
	}
	if delta := depth - h.queueDepth; delta != 0 {
		h.metrics.AddQueueDepth(delta)
		h.queueDepth = depth
	}
}

func (h *Hub) onAudioChunk(c *Conn, msg protocol.AudioChunk) {
	if !h.registry.IsProducer(c) {
		h.sendError(c, protocol.AuthorizationError(errProducerOnlyAudio))
		return
	}

	res := stream.Result{ChunkID: msg.Timestamp}
	res.Chunk, res.Size, res.Err = h.normalizer.Normalize(msg)
	if res.Err == nil {
		res.Queued = h.feed(res.Chunk)
	}
	h.acknowledge(c, res)
	h.observeQueue()
}

// feed passes a decoded chunk to the engine according to the session mode
func (h *Hub) feed(chunk audio.Chunk) bool {
	if h.inline != nil {
		if err := h.inline.Push(h.ctx, chunk); err != nil {
			h.logger.Warn("Failed to feed audio chunk",
				slog.Uint64("seq", chunk.Seq),
				slog.String("error", err.Error()))
			return false
		}
		return true
	}
	if h.background != nil {
		return h.background.Enqueue(chunk)
	}
	return false
}

// acknowledge replies to one audio_chunk and retains it when playback is on
func (h *Hub) acknowledge(c *Conn, res stream.Result) {
	if res.Err != nil {
		var decodeErr *audio.DecodeError
		if errors.As(res.Err, &decodeErr) {
			h.metrics.RecordDecodeError(decodeErr.Kind.String())
		}
		h.sendError(c, res.Err)
		return
	}

	status := protocol.AckReceived
	if !res.Queued {
		status = protocol.AckDropped
		c.logger.Warn("Audio chunk dropped", slog.Uint64("seq", res.Chunk.Seq))
	} else {
		h.retain(res.Chunk)
	}
	h.metrics.RecordAudioChunk(status, res.Size)

	h.dispatcher.Send(c, protocol.AudioAck{
		ChunkID:     res.ChunkID,
		Status:      status,
		AudioFormat: string(res.Chunk.Format),
		ChunkSize:   res.Size,
	})
}

func (h *Hub) retain(chunk audio.Chunk) {
	if !h.playback {
		return
	}
	h.record = append(h.record, chunk)
	h.metrics.AddPlaybackRetained(1)

	if limit := h.config.RecordLimit; limit > 0 && len(h.record) > limit {
		over := len(h.record) - limit
		h.record = append(h.record[:0], h.record[over:]...)
		h.metrics.AddPlaybackRetained(-over)
	}
}

func (h *Hub) onGetRecommendations(c *Conn) {
	if !h.registry.IsConsumer(c) {
		h.sendError(c, protocol.AuthorizationError(errConsumerOnlyRecs))
		return
	}
	h.sendSnapshot(c)
}

// sendSnapshot sends a data event with every topic that has recommendations.
// Topic content is read off the hub goroutine and the event comes back as a
// snapshotEvent.
func (h *Hub) sendSnapshot(c *Conn) {
	recs := make(map[string][]string, len(h.recs))
	for id, list := range h.recs {
		recs[id] = list
	}

	go func() {
		ctx, cancel := context.WithTimeout(h.ctx, snapshotRequestTimeout)
		defer cancel()

		snapshots, err := h.store.List(ctx)
		if err != nil {
			h.logger.Warn("Failed to list topics", slog.String("error", err.Error()))
			snapshots = nil
		}

		out := make([]protocol.Topic, 0, len(recs))
		for _, snap := range snapshots {
			if list, ok := recs[snap.ID]; ok {
				out = append(out, topicEntry(snap, list))
			}
		}
		h.post(snapshotEvent{conn: c, topics: out})
	}()
}

// onSnapshot delivers a resolved snapshot if c is still the consumer
func (h *Hub) onSnapshot(ev snapshotEvent) {
	if _, ok := h.conns[ev.conn]; !ok {
		return
	}
	if h.coordinator.State() != StateRunning || !h.registry.IsConsumer(ev.conn) {
		ev.conn.logger.Debug("Snapshot discarded, connection is no longer the consumer")
		return
	}
	h.dispatcher.Send(ev.conn, protocol.Data{Data: protocol.Payload{Topics: ev.topics}})
}

func (h *Hub) onClearAudioChunks(c *Conn) {
	if !h.registry.IsProducer(c) {
		h.sendError(c, protocol.AuthorizationError(errProducerOnlyClear))
		return
	}

	cleared := len(h.record)
	h.metrics.AddPlaybackRetained(-cleared)
	h.record = nil

	if h.background != nil {
		cleared += h.background.Discard()
		h.observeQueue()
	}

	c.logger.Info("Cleared audio chunks", slog.Int("chunks_cleared", cleared))
	h.dispatcher.Send(c, protocol.AudioChunksCleared{ChunksCleared: cleared})
}

func (h *Hub) onTogglePlayback(c *Conn, msg protocol.ToggleAudioPlayback) {
	enabled := !h.playback
	if msg.Enabled != nil {
		enabled = *msg.Enabled
	}
	h.playback = enabled

	c.logger.Debug("Audio playback toggled", slog.Bool("enabled", enabled))
	h.dispatcher.Send(c, protocol.AudioPlaybackStatus{Enabled: enabled})
}

func (h *Hub) sendError(c *Conn, err error) {
	kind := "decode"
	var perr *protocol.Error
	if errors.As(err, &perr) {
		kind = perr.Kind.String()
	}
	h.metrics.RecordRequestError(kind)

	message := err.Error()
	if perr != nil {
		message = perr.Message
	}
	c.logger.Debug("Request rejected", slog.String("kind", kind), slog.String("error", err.Error()))
	h.dispatcher.Send(c, protocol.ErrorEvent{Message: message})
}

// onChunksProduced starts a cycle, or queues the event behind the running one
func (h *Hub) onChunksProduced(produced transcription.ChunksProduced) {
	if h.coordinator.State() != StateRunning {
		return
	}
	if h.cycleRunning {
		h.pending = append(h.pending, produced)
		h.metrics.AddPendingCycles(1)
		h.logger.Debug("Cycle queued", slog.Uint64("seq", produced.Seq), slog.Int("pending", len(h.pending)))
		return
	}
	h.startCycle(produced)
}

// startCycle resolves topics and asks for recommendations off the hub
// goroutine. The result comes back as a cycleEvent.
func (h *Hub) startCycle(produced transcription.ChunksProduced) {
	h.cycleRunning = true
	started := time.Now()

	go func() {
		ctx, cancel := context.WithTimeout(h.ctx, h.config.CycleTimeout)
		defer cancel()

		res := cycleEvent{seq: produced.Seq, started: started}
		res.snapshots = h.resolveTopics(ctx, produced.TopicIDs)
		if len(res.snapshots) > 0 {
			res.recs, res.err = h.recommender.Recommend(ctx, res.snapshots)
		}
		h.post(res)
	}()
}

func (h *Hub) resolveTopics(ctx context.Context, ids []string) []topics.Snapshot {
	seen := make(map[string]struct{}, len(ids))
	snapshots := make([]topics.Snapshot, 0, len(ids))

	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		snap, err := h.store.Get(ctx, id)
		if err != nil {
			h.logger.Warn("Skipping unresolvable topic",
				slog.String("topic_id", id),
				slog.String("error", err.Error()))
			continue
		}
		snapshots = append(snapshots, snap)
	}
	return snapshots
}

func (h *Hub) onCycleDone(res cycleEvent) {
	h.cycleRunning = false
	elapsed := time.Since(res.started)

	switch {
	case len(res.snapshots) == 0:
		h.metrics.RecordCycle("no_topics", elapsed.Seconds())
		h.logger.Debug("Cycle had no resolvable topics", slog.Uint64("seq", res.seq))

	case res.err != nil:
		h.metrics.RecordCycle("provider_error", elapsed.Seconds())
		h.logger.Error("Recommendation cycle dropped",
			slog.Uint64("seq", res.seq),
			slog.Int("topics", len(res.snapshots)),
			slog.String("error", res.err.Error()))

	default:
		out := make([]protocol.Topic, 0, len(res.snapshots))
		for _, snap := range res.snapshots {
			list := res.recs[snap.ID]
			if list == nil {
				list = []string{}
			}
			h.recs[snap.ID] = list
			out = append(out, topicEntry(snap, list))
		}
		h.metrics.RecordCycle("pushed", elapsed.Seconds())

		if consumer := h.registry.Consumer(); consumer != nil {
			h.dispatcher.Send(consumer, protocol.Data{Data: protocol.Payload{Topics: out}})
		} else {
			h.logger.Debug("No consumer registered, recommendations kept", slog.Uint64("seq", res.seq))
		}
		h.logger.Info("Recommendation cycle completed",
			slog.Uint64("seq", res.seq),
			slog.Int("topics", len(out)),
			slog.Duration("duration", elapsed))
	}

	if len(h.pending) > 0 && h.coordinator.State() == StateRunning {
		next := h.pending[0]
		h.pending = h.pending[1:]
		h.metrics.AddPendingCycles(-1)
		h.startCycle(next)
	}
}

func topicEntry(snap topics.Snapshot, recs []string) protocol.Topic {
	stack := make([]protocol.ContentChunk, 0, len(snap.Content))
	for _, chunk := range snap.Content {
		stack = append(stack, protocol.ContentChunk{Blurb: chunk.Blurb, Content: chunk.Content})
	}
	if recs == nil {
		recs = []string{}
	}
	return protocol.Topic{
		TopicKey:        snap.ID,
		TopicSummary:    snap.Description,
		ContentStack:    stack,
		Recommendations: recs,
	}
}

func (h *Hub) info() Info {
	info := Info{
		ID:              h.id,
		State:           h.coordinator.State().String(),
		Mode:            h.config.Mode,
		CreatedAt:       h.createdAt,
		LastActivity:    h.LastActivity(),
		Duration:        time.Since(h.createdAt),
		Connections:     len(h.conns),
		PlaybackEnabled: h.playback,
		RetainedChunks:  len(h.record),
		CycleRunning:    h.cycleRunning,
		PendingCycles:   len(h.pending),
		Recommended:     len(h.recs),
	}
	if p := h.registry.Producer(); p != nil {
		info.Producer = p.ID()
	}
	if c := h.registry.Consumer(); c != nil {
		info.Consumer = c.ID()
	}
	if h.background != nil {
		stats := h.background.QueueStats()
		info.Queue = &stats
		info.ChunksFed = h.background.Fed()
	} else if h.inline != nil {
		info.ChunksFed = h.inline.Fed()
	}
	if s, ok := h.engine.(interface {
		GetStats() transcription.EngineStats
	}); ok {
		info.Engine = s.GetStats()
	}
	return info
}

// drain runs on the hub goroutine once shutdown begins
func (h *Hub) drain() {
	h.logger.Info("Draining session", slog.Int("connections", len(h.conns)))

	for c := range h.conns {
		h.dispatcher.Send(c, protocol.ServerShutdown{Message: ShutdownMessage})
	}

	// Cancels pumps, in-flight cycles and snapshot reads
	h.cancel()

	if h.background != nil {
		discarded := h.background.Discard()
		if discarded > 0 {
			h.logger.Info("Discarded queued audio", slog.Int("chunks", discarded))
		}
		h.stopBackground()
	}
	if h.inline != nil {
		h.inline.Stop()
	}

	for c := range h.conns {
		c.CloseWith(CloseGoingAway, ShutdownReason)
	}
	h.awaitClosed()

	for c := range h.conns {
		h.metrics.RecordConnectionClosed(c.role.String())
		delete(h.conns, c)
	}
	h.connCount.Store(0)

	if err := h.engine.Close(); err != nil {
		h.logger.Warn("Error closing transcription engine", slog.String("error", err.Error()))
	}

	h.metrics.AddPendingCycles(-len(h.pending))
	h.pending = nil
	h.metrics.AddPlaybackRetained(-len(h.record))
	h.record = nil

	h.coordinator.Finish()
	h.logger.Info("Session closed", slog.Duration("duration", time.Since(h.createdAt)))
}

// awaitClosed waits up to the stop timeout for close frames to be written,
// then closes whatever is left
func (h *Hub) awaitClosed() {
	timer := time.NewTimer(h.config.StopTimeout)
	defer timer.Stop()

	for c := range h.conns {
		select {
		case <-c.Done():
		case <-timer.C:
			h.logger.Warn("Connections did not close in time, forcing", slog.Duration("timeout", h.config.StopTimeout))
			for rest := range h.conns {
				rest.Close()
			}
			return
		}
	}
}

package transcription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/leonrode/hackharvard/internal/audio"
	"github.com/leonrode/hackharvard/internal/topics"
	"github.com/leonrode/hackharvard/internal/vad"
)

// ErrEngineClosed is returned by Feed after Close
var ErrEngineClosed = errors.New("transcription engine closed")

// ChunksProduced announces that new transcript material touched the listed topics
type ChunksProduced struct {
	Seq      uint64        `json:"seq"`
	TopicIDs []string      `json:"topic_ids"`
	Text     string        `json:"text"`
	Offset   time.Duration `json:"offset"`
	Duration time.Duration `json:"duration"`
}

// Engine consumes session audio and publishes chunk-produced events
type Engine interface {
	// Feed appends PCM bytes in wire order. It does not block on the network.
	Feed(ctx context.Context, pcm []byte) error

	// Events delivers one event per transcribed utterance that produced topics.
	// The channel is closed by Close.
	Events() <-chan ChunksProduced

	Close() error
}

// StreamEnder is implemented by engines that buffer a partial utterance. The
// hub calls EndOfStream when the producer leaves or is replaced.
type StreamEnder interface {
	EndOfStream()
}

// Transcriber uploads one utterance
type Transcriber interface {
	Transcribe(ctx context.Context, request *Request) (*Response, error)
}

// Recorder receives transcription metrics
type Recorder interface {
	RecordTranscription(success bool, durationSeconds float64)
	RecordTranscriptionRetry()
	RecordSegmentQueued()
}

type nopRecorder struct{}

func (nopRecorder) RecordTranscription(bool, float64) {}
func (nopRecorder) RecordTranscriptionRetry()         {}
func (nopRecorder) RecordSegmentQueued()              {}

// EngineConfig configures an HTTPEngine
type EngineConfig struct {
	SessionID string
	Segmenter audio.SegmenterConfig
	VAD       vad.Config
	Backlog   int // Utterances waiting for upload before new ones are dropped
}

// EngineStats represents engine statistics
type EngineStats struct {
	Segmenter audio.SegmenterStats `json:"segmenter"`
	VAD       vad.Stats            `json:"vad"`
	Queued    uint64               `json:"queued"`
	Dropped   uint64               `json:"dropped"`
	Failed    uint64               `json:"failed"`
	Published uint64               `json:"published"`
	Backlog   int                  `json:"backlog"`
}

// HTTPEngine segments audio locally and transcribes utterances over HTTP
type HTTPEngine struct {
	config      EngineConfig
	detector    *vad.Detector
	segmenter   *audio.Segmenter
	transcriber Transcriber
	store       topics.Store
	recorder    Recorder
	logger      *slog.Logger

	jobs   chan audio.Segment
	events chan ChunksProduced

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool

	queued, dropped, failed, published uint64
}

// NewHTTPEngine creates an engine and starts its upload worker
func NewHTTPEngine(config EngineConfig, transcriber Transcriber, store topics.Store, logger *slog.Logger, recorder Recorder) (*HTTPEngine, error) {
	if transcriber == nil {
		return nil, fmt.Errorf("transcriber is required")
	}
	if store == nil {
		return nil, fmt.Errorf("topic store is required")
	}
	if config.Backlog <= 0 {
		config.Backlog = 16
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	config.VAD.SampleRate = config.Segmenter.SampleRate
	detector, err := vad.NewDetector(config.VAD)
	if err != nil {
		return nil, fmt.Errorf("failed to create voice detector: %w", err)
	}

	segmenter, err := audio.NewSegmenter(config.Segmenter, detector)
	if err != nil {
		return nil, fmt.Errorf("failed to create segmenter: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	e := &HTTPEngine{
		config:      config,
		detector:    detector,
		segmenter:   segmenter,
		transcriber: transcriber,
		store:       store,
		recorder:    recorder,
		logger:      logger.With(slog.String("session_id", config.SessionID)),
		jobs:        make(chan audio.Segment, config.Backlog),
		events:      make(chan ChunksProduced, config.Backlog),
		ctx:         ctx,
		cancel:      cancel,
	}

	e.wg.Add(1)
	go e.uploadWorker()

	e.logger.Debug("Transcription engine started",
		slog.Duration("vad_window", detector.WindowDuration()),
		slog.Int("backlog", config.Backlog))

	return e, nil
}

// Feed appends PCM to the segmenter and queues completed utterances
func (e *HTTPEngine) Feed(ctx context.Context, pcm []byte) error {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return ErrEngineClosed
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	segments, err := e.segmenter.Write(pcm)
	for _, seg := range segments {
		e.enqueue(seg)
	}
	return err
}

func (e *HTTPEngine) enqueue(seg audio.Segment) {
	select {
	case e.jobs <- seg:
		e.mu.Lock()
		e.queued++
		e.mu.Unlock()
		e.recorder.RecordSegmentQueued()
	default:
		e.mu.Lock()
		e.dropped++
		e.mu.Unlock()
		e.logger.Warn("Transcription backlog full, dropping utterance",
			slog.Uint64("seq", seg.Seq),
			slog.Duration("duration", seg.Duration))
	}
}

// EndOfStream queues the utterance being collected, if it qualifies, and
// clears voice detector smoothing so the next stream starts fresh
func (e *HTTPEngine) EndOfStream() {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return
	}

	if seg, ok := e.segmenter.Flush(); ok {
		e.logger.Debug("Flushed trailing utterance",
			slog.Uint64("seq", seg.Seq),
			slog.Duration("duration", seg.Duration))
		e.enqueue(seg)
	}
	e.detector.Reset()
}

// Events returns the chunk-produced channel
func (e *HTTPEngine) Events() <-chan ChunksProduced {
	return e.events
}

// uploadWorker transcribes utterances one at a time so events keep audio order
func (e *HTTPEngine) uploadWorker() {
	defer e.wg.Done()
	defer close(e.events)

	for {
		select {
		case <-e.ctx.Done():
			return
		case seg := <-e.jobs:
			event, ok := e.process(seg)
			if !ok {
				continue
			}
			select {
			case e.events <- event:
				e.mu.Lock()
				e.published++
				e.mu.Unlock()
			case <-e.ctx.Done():
				return
			}
		}
	}
}

// process uploads one utterance and records its topics
func (e *HTTPEngine) process(seg audio.Segment) (ChunksProduced, bool) {
	wav, err := audio.EncodeWAV(seg.PCM, e.config.Segmenter.SampleRate)
	if err != nil {
		e.logger.Error("Failed to encode utterance", slog.Uint64("seq", seg.Seq), slog.String("error", err.Error()))
		return ChunksProduced{}, false
	}

	request := &Request{
		RequestID:  uuid.NewString(),
		SessionID:  e.config.SessionID,
		Seq:        seg.Seq,
		Offset:     seg.Offset,
		Duration:   seg.Duration,
		SampleRate: e.config.Segmenter.SampleRate,
		Audio:      wav,
	}

	resp, err := e.transcriber.Transcribe(e.ctx, request)
	if err != nil {
		if e.ctx.Err() != nil {
			return ChunksProduced{}, false
		}
		e.mu.Lock()
		e.failed++
		e.mu.Unlock()
		e.logger.Error("Transcription failed, dropping utterance",
			slog.Uint64("seq", seg.Seq),
			slog.String("request_id", request.RequestID),
			slog.String("error", err.Error()))
		return ChunksProduced{}, false
	}

	ids := make([]string, 0, len(resp.Topics))
	seen := make(map[string]bool, len(resp.Topics))
	for _, t := range resp.Topics {
		if t.TopicID == "" {
			continue
		}
		chunk := topics.ContentChunk{Blurb: t.Blurb, Content: t.Content}
		if err := e.store.Append(e.ctx, t.TopicID, t.Description, chunk); err != nil {
			e.logger.Error("Failed to store topic update",
				slog.String("topic_id", t.TopicID),
				slog.String("error", err.Error()))
			continue
		}
		if !seen[t.TopicID] {
			seen[t.TopicID] = true
			ids = append(ids, t.TopicID)
		}
	}

	e.logger.Debug("Utterance transcribed",
		slog.Uint64("seq", seg.Seq),
		slog.Duration("duration", seg.Duration),
		slog.Int("topics", len(ids)),
		slog.Int("text_length", len(resp.Text)))

	if len(ids) == 0 {
		return ChunksProduced{}, false
	}

	return ChunksProduced{
		Seq:      seg.Seq,
		TopicIDs: ids,
		Text:     resp.Text,
		Offset:   seg.Offset,
		Duration: seg.Duration,
	}, true
}

// GetStats returns current engine statistics
func (e *HTTPEngine) GetStats() EngineStats {
	e.mu.Lock()
	defer e.mu.Unlock()

	return EngineStats{
		Segmenter: e.segmenter.GetStats(),
		VAD:       e.detector.GetStats(),
		Queued:    e.queued,
		Dropped:   e.dropped,
		Failed:    e.failed,
		Published: e.published,
		Backlog:   len(e.jobs),
	}
}

// Close stops the upload worker and closes the events channel.
// Audio not yet transcribed is discarded.
func (e *HTTPEngine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()
	return nil
}

package stream

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/leonrode/hackharvard/internal/audio"
	"github.com/leonrode/hackharvard/internal/protocol"
)

const defaultStopTimeout = 2 * time.Second

// BackgroundConfig configures a BackgroundAdapter
type BackgroundConfig struct {
	QueueCapacity int
	StopTimeout   time.Duration
}

// Callbacks connect the background reader to its owner. Both are called from
// the reader goroutine in frame order; ctx is canceled when Stop begins.
type Callbacks struct {
	// OnAudio reports every audio_chunk frame, decoded or not
	OnAudio func(ctx context.Context, res Result)
	// OnFrame receives every other frame for normal dispatch
	OnFrame func(ctx context.Context, frame Frame)
}

// BackgroundAdapter reads a producer transport on its own goroutines
type BackgroundAdapter struct {
	config     BackgroundConfig
	sink       Sink
	normalizer *Normalizer
	callbacks  Callbacks
	logger     *slog.Logger

	queue *audio.Queue

	readCtx     context.Context
	cancelRead  context.CancelFunc
	drainCtx    context.Context
	cancelDrain context.CancelFunc

	readerDone chan struct{}
	drainDone  chan struct{}

	started  atomic.Bool
	active   atomic.Bool
	stopOnce sync.Once
	fed      atomic.Uint64
}

// NewBackgroundAdapter creates an adapter that owns a fresh queue
func NewBackgroundAdapter(config BackgroundConfig, sink Sink, normalizer *Normalizer, callbacks Callbacks, logger *slog.Logger) *BackgroundAdapter {
	if config.StopTimeout <= 0 {
		config.StopTimeout = defaultStopTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	if normalizer == nil {
		normalizer = &Normalizer{}
	}

	readCtx, cancelRead := context.WithCancel(context.Background())
	drainCtx, cancelDrain := context.WithCancel(context.Background())

	return &BackgroundAdapter{
		config:      config,
		sink:        sink,
		normalizer:  normalizer,
		callbacks:   callbacks,
		logger:      logger,
		queue:       audio.NewQueue(config.QueueCapacity),
		readCtx:     readCtx,
		cancelRead:  cancelRead,
		drainCtx:    drainCtx,
		cancelDrain: cancelDrain,
		readerDone:  make(chan struct{}),
		drainDone:   make(chan struct{}),
	}
}

// Start launches the reader and drain goroutines on t
func (a *BackgroundAdapter) Start(t Transport) error {
	if !a.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	a.active.Store(true)

	go a.readLoop(t)
	go a.drainLoop()

	return nil
}

// readLoop decodes audio frames into the queue until the transport ends or
// Stop is called. It only reads, decodes and enqueues.
func (a *BackgroundAdapter) readLoop(t Transport) {
	defer close(a.readerDone)

	for {
		frame, err := t.Next(a.readCtx)
		if err != nil {
			if a.readCtx.Err() == nil {
				a.logger.Debug("Producer transport ended", slog.String("error", err.Error()))
			}
			// End of input; let the drain goroutine finish what is queued
			a.queue.Close()
			return
		}

		if frame.Binary {
			a.forward(frame)
			continue
		}

		msg, err := protocol.Parse(frame.Data)
		chunkMsg, isAudio := msg.(protocol.AudioChunk)
		if err != nil || !isAudio {
			a.forward(frame)
			continue
		}

		res := Result{ChunkID: chunkMsg.Timestamp}
		res.Chunk, res.Size, res.Err = a.normalizer.Normalize(chunkMsg)
		if res.Err == nil {
			res.Queued = a.queue.Enqueue(res.Chunk)
		}

		if a.callbacks.OnAudio != nil {
			a.callbacks.OnAudio(a.readCtx, res)
		}
	}
}

func (a *BackgroundAdapter) forward(frame Frame) {
	if a.callbacks.OnFrame != nil {
		a.callbacks.OnFrame(a.readCtx, frame)
	}
}

// drainLoop feeds queued chunks to the sink until the end-of-stream sentinel
func (a *BackgroundAdapter) drainLoop() {
	defer close(a.drainDone)

	for {
		chunk, err := a.queue.Dequeue(a.drainCtx)
		if err != nil {
			if !errors.Is(err, audio.ErrQueueClosed) && !errors.Is(err, context.Canceled) {
				a.logger.Warn("Audio drain stopped", slog.String("error", err.Error()))
			}
			return
		}

		if len(chunk.Data) == 0 {
			continue
		}

		if err := a.sink.Feed(a.drainCtx, chunk.Data); err != nil {
			a.logger.Warn("Failed to feed audio chunk",
				slog.Uint64("seq", chunk.Seq),
				slog.String("error", err.Error()))
			continue
		}
		a.fed.Add(1)
	}
}

// Stop ends intake, emits the end-of-stream sentinel and waits for both
// goroutines up to the stop timeout. Chunks still queued when the timeout
// expires are abandoned.
func (a *BackgroundAdapter) Stop() {
	a.stopOnce.Do(func() {
		a.active.Store(false)
		a.cancelRead()
		a.queue.Close()

		if a.started.CompareAndSwap(false, true) {
			// Never started: release anyone waiting on the goroutines
			a.cancelDrain()
			close(a.readerDone)
			close(a.drainDone)
			return
		}

		timer := time.NewTimer(a.config.StopTimeout)
		defer timer.Stop()

		for _, done := range []chan struct{}{a.readerDone, a.drainDone} {
			select {
			case <-done:
			case <-timer.C:
				a.logger.Warn("Audio stream did not stop in time",
					slog.Duration("timeout", a.config.StopTimeout),
					slog.Int("abandoned_chunks", a.queue.Len()))
				a.cancelDrain()
				return
			}
		}
		a.cancelDrain()
	})
}

// IsActive reports whether the adapter is running
func (a *BackgroundAdapter) IsActive() bool {
	return a.active.Load()
}

// ReaderDone is closed when the reader goroutine has released the transport
func (a *BackgroundAdapter) ReaderDone() <-chan struct{} {
	return a.readerDone
}

// Enqueue queues a chunk decoded outside the reader goroutine. It reports
// false when the queue is full or closed.
func (a *BackgroundAdapter) Enqueue(chunk audio.Chunk) bool {
	if !a.active.Load() {
		return false
	}
	return a.queue.Enqueue(chunk)
}

// Discard drops every queued chunk and returns the count
func (a *BackgroundAdapter) Discard() int {
	return a.queue.Drain()
}

// QueueStats returns the adapter's queue counters
func (a *BackgroundAdapter) QueueStats() audio.QueueStats {
	return a.queue.GetStats()
}

// Fed returns the number of chunks passed to the sink
func (a *BackgroundAdapter) Fed() uint64 {
	return a.fed.Load()
}

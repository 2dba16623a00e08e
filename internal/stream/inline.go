package stream

import (
	"context"
	"sync/atomic"

	"github.com/leonrode/hackharvard/internal/audio"
)

// InlineAdapter feeds chunks synchronously from the caller's goroutine
type InlineAdapter struct {
	sink   Sink
	active atomic.Bool
	fed    atomic.Uint64
}

// NewInlineAdapter creates an adapter feeding sink
func NewInlineAdapter(sink Sink) *InlineAdapter {
	return &InlineAdapter{sink: sink}
}

// Start activates the adapter. The caller keeps reading the transport.
func (a *InlineAdapter) Start(Transport) error {
	if !a.active.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	return nil
}

// Push feeds one chunk. Empty chunks are skipped.
func (a *InlineAdapter) Push(ctx context.Context, chunk audio.Chunk) error {
	if !a.active.Load() {
		return ErrNotActive
	}
	if len(chunk.Data) == 0 {
		return nil
	}
	a.fed.Add(1)
	return a.sink.Feed(ctx, chunk.Data)
}

// Stop deactivates the adapter
func (a *InlineAdapter) Stop() {
	a.active.Store(false)
}

// IsActive reports whether chunks are accepted
func (a *InlineAdapter) IsActive() bool {
	return a.active.Load()
}

// Fed returns the number of chunks passed to the sink
func (a *InlineAdapter) Fed() uint64 {
	return a.fed.Load()
}

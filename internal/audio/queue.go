package audio

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// DefaultQueueCapacity matches the producer's expected burst of buffered chunks
const DefaultQueueCapacity = 100

// ErrQueueClosed is returned by Dequeue once the end-of-stream sentinel is observed
var ErrQueueClosed = errors.New("audio queue closed")

// Queue is a bounded FIFO between the network receive side and the
// transcription feed. Enqueue never blocks: when the queue is full the chunk is
// dropped so the receive path stays live. It is safe for one producer and one
// consumer goroutine without external locking.
type Queue struct {
	items     chan Chunk
	done      chan struct{}
	closeOnce sync.Once

	enqueued atomic.Uint64
	dropped  atomic.Uint64
}

// NewQueue creates a queue holding at most capacity chunks
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &Queue{
		items: make(chan Chunk, capacity),
		done:  make(chan struct{}),
	}
}

// Enqueue adds a chunk, returning false if it was dropped because the queue
// is full or closed
func (q *Queue) Enqueue(chunk Chunk) bool {
	select {
	case <-q.done:
		q.dropped.Add(1)
		return false
	default:
	}

	select {
	case q.items <- chunk:
		q.enqueued.Add(1)
		return true
	default:
		// Queue full, drop chunk
		q.dropped.Add(1)
		return false
	}
}

// Dequeue blocks until a chunk is available, the queue is closed, or ctx is done.
// Chunks already queued when Close is called are still returned in order.
func (q *Queue) Dequeue(ctx context.Context) (Chunk, error) {
	select {
	case chunk := <-q.items:
		return chunk, nil
	default:
	}

	select {
	case chunk := <-q.items:
		return chunk, nil
	case <-q.done:
		select {
		case chunk := <-q.items:
			return chunk, nil
		default:
			return Chunk{}, ErrQueueClosed
		}
	case <-ctx.Done():
		return Chunk{}, ctx.Err()
	}
}

// Close emits the end-of-stream sentinel. It is safe to call more than once.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		close(q.done)
	})
}

// Closed reports whether Close has been called
func (q *Queue) Closed() bool {
	select {
	case <-q.done:
		return true
	default:
		return false
	}
}

// Drain discards every queued chunk without processing it and returns the count
func (q *Queue) Drain() int {
	drained := 0
	for {
		select {
		case <-q.items:
			drained++
		default:
			return drained
		}
	}
}

// Len returns the number of queued chunks
func (q *Queue) Len() int {
	return len(q.items)
}

// Cap returns the queue capacity
func (q *Queue) Cap() int {
	return cap(q.items)
}

// QueueStats represents queue counters for monitoring
type QueueStats struct {
	Length   int    `json:"length"`
	Capacity int    `json:"capacity"`
	Enqueued uint64 `json:"enqueued"`
	Dropped  uint64 `json:"dropped"`
}

// GetStats returns current queue statistics
func (q *Queue) GetStats() QueueStats {
	return QueueStats{
		Length:   q.Len(),
		Capacity: q.Cap(),
		Enqueued: q.enqueued.Load(),
		Dropped:  q.dropped.Load(),
	}
}

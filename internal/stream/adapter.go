package stream

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"github.com/leonrode/hackharvard/internal/audio"
	"github.com/leonrode/hackharvard/internal/protocol"
)

var (
	// ErrNotActive is returned when pushing audio to a stopped adapter
	ErrNotActive = errors.New("audio stream not active")

	// ErrAlreadyStarted is returned by a second Start
	ErrAlreadyStarted = errors.New("audio stream already started")
)

// Frame is one websocket message
type Frame struct {
	Binary bool
	Data   []byte
}

// Transport delivers the frames of one connection in arrival order
type Transport interface {
	// Next blocks until a frame arrives, the transport fails, or ctx is done
	Next(ctx context.Context) (Frame, error)
}

// Sink receives PCM in wire order
type Sink interface {
	Feed(ctx context.Context, pcm []byte) error
}

// Adapter is the audio stream lifecycle shared by both modes
type Adapter interface {
	Start(t Transport) error
	// Stop is idempotent and releases the transport
	Stop()
	IsActive() bool
}

// Normalizer turns audio_chunk payloads into sequenced chunks
type Normalizer struct {
	StripHeaders bool
	seq          atomic.Uint64
}

// Result is the outcome of handling one audio_chunk
type Result struct {
	Chunk   audio.Chunk
	ChunkID json.RawMessage // inbound timestamp, echoed in the ack
	Size    int             // decoded size before header stripping
	Queued  bool            // false when dropped by a full queue
	Err     error           // *audio.DecodeError
}

// Normalize decodes the payload, sniffs its format and optionally strips the
// container header. The returned size is the decoded length.
func (n *Normalizer) Normalize(msg protocol.AudioChunk) (audio.Chunk, int, error) {
	data, err := audio.Decode(msg.Data)
	if err != nil {
		return audio.Chunk{}, 0, err
	}

	chunk := audio.Chunk{
		Seq:        n.seq.Add(1),
		Data:       data,
		Format:     audio.DetectFormat(data),
		ReceivedAt: time.Now(),
	}
	if n.StripHeaders {
		chunk.Data = audio.StripHeader(data)
	}
	return chunk, len(data), nil
}

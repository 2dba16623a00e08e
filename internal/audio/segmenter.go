package audio

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"
)

// SegmentState represents the current state of the segmentation process
type SegmentState int

const (
	StateIdle SegmentState = iota
	StateCollecting
	StateWaitingSilence
)

// String returns the state name used in stats output
func (s SegmentState) String() string {
	switch s {
	case StateCollecting:
		return "collecting"
	case StateWaitingSilence:
		return "waiting_silence"
	default:
		return "idle"
	}
}

// VoiceDetector classifies a fixed-size window of samples
type VoiceDetector interface {
	IsSpeech(samples []int16) (bool, error)
	WindowSize() int
}

// Segment is one utterance cut from the PCM stream
type Segment struct {
	Seq      uint64        `json:"seq"`
	Offset   time.Duration `json:"offset"`   // Start position in stream audio time
	Duration time.Duration `json:"duration"` // Total length including trailing silence
	Speech   time.Duration `json:"speech"`   // Audio time classified as speech
	PCM      []byte        `json:"-"`        // Little-endian PCM-16 mono
}

// SegmenterConfig contains configuration for the segmentation process.
// All durations are measured in audio time derived from SampleRate.
type SegmenterConfig struct {
	SampleRate         int
	MinDuration        time.Duration
	MaxDuration        time.Duration
	MinSpeechDuration  time.Duration
	MinSilenceDuration time.Duration
}

// Segmenter cuts a PCM byte stream into utterances using a voice detector
type Segmenter struct {
	config   SegmenterConfig
	detector VoiceDetector
	window   time.Duration

	state   SegmentState
	pending []byte // bytes not yet forming a full window
	current []byte // bytes of the segment being collected

	segmentStart time.Duration
	speech       time.Duration
	silence      time.Duration
	position     time.Duration // stream audio time consumed so far

	// Statistics
	segmentsCreated uint64
	discarded       uint64
	totalDuration   time.Duration

	mu sync.Mutex
}

// SegmenterStats represents segmenter statistics
type SegmenterStats struct {
	State           string        `json:"state"`
	SegmentsCreated uint64        `json:"segments_created"`
	Discarded       uint64        `json:"discarded"`
	TotalDuration   time.Duration `json:"total_duration"`
	CurrentDuration time.Duration `json:"current_duration"`
}

// NewSegmenter creates a new segmenter
func NewSegmenter(config SegmenterConfig, detector VoiceDetector) (*Segmenter, error) {
	if config.SampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", config.SampleRate)
	}

	if detector == nil || detector.WindowSize() <= 0 {
		return nil, fmt.Errorf("voice detector with positive window size is required")
	}

	if config.MaxDuration <= 0 {
		return nil, fmt.Errorf("max duration must be positive, got %v", config.MaxDuration)
	}

	if config.MinDuration > config.MaxDuration {
		return nil, fmt.Errorf("min duration %v exceeds max duration %v", config.MinDuration, config.MaxDuration)
	}

	return &Segmenter{
		config:   config,
		detector: detector,
		window:   time.Duration(detector.WindowSize()) * time.Second / time.Duration(config.SampleRate),
		state:    StateIdle,
	}, nil
}

// Write consumes PCM bytes and returns any utterances completed by them
func (s *Segmenter) Write(pcm []byte) ([]Segment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending = append(s.pending, pcm...)

	windowBytes := s.detector.WindowSize() * 2
	samples := make([]int16, s.detector.WindowSize())

	var segments []Segment
	for len(s.pending) >= windowBytes {
		frame := s.pending[:windowBytes]
		for i := range samples {
			samples[i] = int16(binary.LittleEndian.Uint16(frame[i*2:]))
		}

		speech, err := s.detector.IsSpeech(samples)
		if err != nil {
			return segments, fmt.Errorf("voice detection failed: %w", err)
		}

		if seg, ok := s.advance(frame, speech); ok {
			segments = append(segments, seg)
		}

		s.pending = s.pending[windowBytes:]
		s.position += s.window
	}

	// Compact so the backing array does not grow without bound.
	s.pending = append([]byte(nil), s.pending...)

	return segments, nil
}

// advance runs the state machine for one window
func (s *Segmenter) advance(frame []byte, speech bool) (Segment, bool) {
	switch s.state {
	case StateIdle:
		if !speech {
			return Segment{}, false
		}
		s.state = StateCollecting
		s.segmentStart = s.position
		s.current = append(s.current[:0], frame...)
		s.speech = s.window
		s.silence = 0

	case StateCollecting:
		s.current = append(s.current, frame...)
		if speech {
			s.speech += s.window
		} else {
			s.state = StateWaitingSilence
			s.silence = s.window
		}

	case StateWaitingSilence:
		s.current = append(s.current, frame...)
		if speech {
			s.state = StateCollecting
			s.speech += s.window
			s.silence = 0
		} else {
			s.silence += s.window
			if s.silence >= s.config.MinSilenceDuration {
				return s.finalize()
			}
		}
	}

	if s.currentDuration() >= s.config.MaxDuration {
		return s.finalize()
	}

	return Segment{}, false
}

func (s *Segmenter) currentDuration() time.Duration {
	return time.Duration(len(s.current)/2) * time.Second / time.Duration(s.config.SampleRate)
}

// finalize closes the current segment. Segments with too little speech are
// discarded and the segmenter returns to idle either way.
func (s *Segmenter) finalize() (Segment, bool) {
	defer s.reset()

	if s.state == StateIdle || len(s.current) == 0 {
		return Segment{}, false
	}

	duration := s.currentDuration()
	if s.speech < s.config.MinSpeechDuration || duration < s.config.MinDuration {
		s.discarded++
		return Segment{}, false
	}

	s.segmentsCreated++
	s.totalDuration += duration

	return Segment{
		Seq:      s.segmentsCreated,
		Offset:   s.segmentStart,
		Duration: duration,
		Speech:   s.speech,
		PCM:      append([]byte(nil), s.current...),
	}, true
}

func (s *Segmenter) reset() {
	s.state = StateIdle
	s.current = s.current[:0]
	s.speech = 0
	s.silence = 0
	s.segmentStart = 0
}

// Flush finalizes the segment being collected, if it qualifies. A trailing
// partial window is dropped.
func (s *Segmenter) Flush() (Segment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending = s.pending[:0]
	return s.finalize()
}

// GetStats returns current segmenter statistics
func (s *Segmenter) GetStats() SegmenterStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return SegmenterStats{
		State:           s.state.String(),
		SegmentsCreated: s.segmentsCreated,
		Discarded:       s.discarded,
		TotalDuration:   s.totalDuration,
		CurrentDuration: s.currentDuration(),
	}
}

package vad

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// fullScaleRMS is the RMS energy treated as probability 1.0.
const fullScaleRMS = 10000.0

// Config holds detector parameters
type Config struct {
	Threshold  float32 // Voice probability threshold (0.0 - 1.0)
	WindowSize int     // Samples per window
	SampleRate int     // Audio sample rate in Hz
	Smoothing  float32 // Weight of the previous result (0 disables smoothing)
}

// Detector classifies PCM windows as speech or silence
type Detector struct {
	threshold  float32
	windowSize int
	sampleRate int
	smoothing  float32

	lastResult float32
	primed     bool // lastResult holds a previous window

	// Statistics
	totalWindows  uint64
	voiceWindows  uint64
	lastProcessed time.Time

	mu sync.Mutex
}

// Result represents the result of voice activity detection for one window
type Result struct {
	Probability float32 `json:"probability"`  // Voice probability (0.0 - 1.0)
	HasVoice    bool    `json:"has_voice"`    // Whether voice was detected
	Confidence  float32 `json:"confidence"`   // Distance from the threshold, scaled to 0-1
	WindowIndex int     `json:"window_index"` // Window index processed
}

// Stats represents detector statistics
type Stats struct {
	TotalWindows    uint64    `json:"total_windows"`
	VoiceWindows    uint64    `json:"voice_windows"`
	VoicePercentage float64   `json:"voice_percentage"`
	LastProcessed   time.Time `json:"last_processed"`
	Threshold       float32   `json:"threshold"`
}

// NewDetector creates a new detector instance
func NewDetector(cfg Config) (*Detector, error) {
	if cfg.Threshold < 0 || cfg.Threshold > 1 {
		return nil, fmt.Errorf("threshold must be between 0 and 1, got %f", cfg.Threshold)
	}

	if cfg.WindowSize <= 0 {
		return nil, fmt.Errorf("window size must be positive, got %d", cfg.WindowSize)
	}

	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", cfg.SampleRate)
	}

	if cfg.Smoothing < 0 || cfg.Smoothing >= 1 {
		return nil, fmt.Errorf("smoothing must be in [0, 1), got %f", cfg.Smoothing)
	}

	return &Detector{
		threshold:  cfg.Threshold,
		windowSize: cfg.WindowSize,
		sampleRate: cfg.SampleRate,
		smoothing:  cfg.Smoothing,
	}, nil
}

// Process classifies one window of samples
func (d *Detector) Process(samples []int16) (Result, error) {
	if len(samples) != d.windowSize {
		return Result{}, fmt.Errorf("expected %d samples, got %d", d.windowSize, len(samples))
	}

	probability := energy(samples)

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.primed {
		probability = (1-d.smoothing)*probability + d.smoothing*d.lastResult
	}
	d.lastResult = probability
	d.primed = true

	hasVoice := probability >= d.threshold

	d.totalWindows++
	if hasVoice {
		d.voiceWindows++
	}
	d.lastProcessed = time.Now()

	confidence := float32(math.Abs(float64(probability - d.threshold)))
	if confidence > 0.5 {
		confidence = 0.5
	}

	return Result{
		Probability: probability,
		HasVoice:    hasVoice,
		Confidence:  confidence * 2,
		WindowIndex: int(d.totalWindows - 1),
	}, nil
}

// IsSpeech reports whether the window contains voice
func (d *Detector) IsSpeech(samples []int16) (bool, error) {
	result, err := d.Process(samples)
	if err != nil {
		return false, err
	}
	return result.HasVoice, nil
}

// energy returns the normalized RMS energy of the window, clamped to [0, 1]
func energy(samples []int16) float32 {
	var sum float64
	for _, sample := range samples {
		sum += float64(sample) * float64(sample)
	}
	rms := math.Sqrt(sum / float64(len(samples)))

	normalized := rms / fullScaleRMS
	if normalized > 1.0 {
		normalized = 1.0
	}
	return float32(normalized)
}

// GetStats returns current detector statistics
func (d *Detector) GetStats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()

	voicePercentage := float64(0)
	if d.totalWindows > 0 {
		voicePercentage = float64(d.voiceWindows) / float64(d.totalWindows) * 100
	}

	return Stats{
		TotalWindows:    d.totalWindows,
		VoiceWindows:    d.voiceWindows,
		VoicePercentage: voicePercentage,
		LastProcessed:   d.lastProcessed,
		Threshold:       d.threshold,
	}
}

// Reset clears smoothing state. Statistics are kept.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.lastResult = 0
	d.primed = false
}

// WindowSize returns the window size in samples
func (d *Detector) WindowSize() int {
	return d.windowSize
}

// WindowDuration returns the audio time covered by one window
func (d *Detector) WindowDuration() time.Duration {
	return time.Duration(d.windowSize) * time.Second / time.Duration(d.sampleRate)
}

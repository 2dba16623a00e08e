package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete service configuration
type Config struct {
	Server         ServerConfig         `yaml:"server" json:"server"`
	Session        SessionConfig        `yaml:"session" json:"session"`
	Audio          AudioConfig          `yaml:"audio" json:"audio"`
	VAD            VADConfig            `yaml:"vad" json:"vad"`
	Transcription  TranscriptionConfig  `yaml:"transcription" json:"transcription"`
	Recommendation RecommendationConfig `yaml:"recommendation" json:"recommendation"`
	Topics         TopicsConfig         `yaml:"topics" json:"topics"`
	Logging        LoggingConfig        `yaml:"logging" json:"logging"`
}

// ServerConfig contains the websocket and HTTP listener configuration
type ServerConfig struct {
	Address         string   `yaml:"address" json:"address"`
	Port            int      `yaml:"port" json:"port"`
	ReadBufferSize  int      `yaml:"read_buffer_size" json:"read_buffer_size"`
	WriteBufferSize int      `yaml:"write_buffer_size" json:"write_buffer_size"`
	MaxMessageSize  int64    `yaml:"max_message_size" json:"max_message_size"` // bytes
	OutboundBuffer  int      `yaml:"outbound_buffer" json:"outbound_buffer"`   // events per connection
	WriteTimeout    int      `yaml:"write_timeout" json:"write_timeout"`       // seconds
	PongTimeout     int      `yaml:"pong_timeout" json:"pong_timeout"`         // seconds
	ShutdownTimeout int      `yaml:"shutdown_timeout" json:"shutdown_timeout"` // seconds
	AllowedOrigins  []string `yaml:"allowed_origins" json:"allowed_origins"`   // empty allows any origin
}

// SessionConfig contains per-session hub parameters
type SessionConfig struct {
	Mode            string  `yaml:"mode" json:"mode"` // inline or background
	QueueCapacity   int     `yaml:"queue_capacity" json:"queue_capacity"`
	StopTimeout     float64 `yaml:"stop_timeout" json:"stop_timeout"` // seconds
	RecordLimit     int     `yaml:"record_limit" json:"record_limit"`
	InboxSize       int     `yaml:"inbox_size" json:"inbox_size"`
	IdleTimeout     int     `yaml:"idle_timeout" json:"idle_timeout"`         // seconds
	CleanupInterval int     `yaml:"cleanup_interval" json:"cleanup_interval"` // seconds
}

// AudioConfig contains audio processing parameters
type AudioConfig struct {
	SampleRate       int     `yaml:"sample_rate" json:"sample_rate"`
	StripHeaders     bool    `yaml:"strip_headers" json:"strip_headers"`
	ChunkMinDuration float64 `yaml:"chunk_min_duration" json:"chunk_min_duration"` // seconds
	ChunkMaxDuration float64 `yaml:"chunk_max_duration" json:"chunk_max_duration"` // seconds
}

// VADConfig contains Voice Activity Detection configuration
type VADConfig struct {
	Threshold          float32 `yaml:"threshold" json:"threshold"`
	WindowSize         int     `yaml:"window_size" json:"window_size"` // samples
	Smoothing          float32 `yaml:"smoothing" json:"smoothing"`
	MinSpeechDuration  float64 `yaml:"min_speech_duration" json:"min_speech_duration"`   // seconds
	MinSilenceDuration float64 `yaml:"min_silence_duration" json:"min_silence_duration"` // seconds
}

// TranscriptionConfig contains transcription API configuration
type TranscriptionConfig struct {
	Endpoint      string  `yaml:"endpoint" json:"endpoint"`
	APIKey        string  `yaml:"api_key" json:"api_key"`
	Timeout       int     `yaml:"timeout" json:"timeout"` // seconds
	MaxRetries    int     `yaml:"max_retries" json:"max_retries"`
	MaxConcurrent int     `yaml:"max_concurrent" json:"max_concurrent"`
	RetryBackoff  float64 `yaml:"retry_backoff" json:"retry_backoff"` // seconds
	Backlog       int     `yaml:"backlog" json:"backlog"`
	Language      string  `yaml:"language" json:"language"`
	Model         string  `yaml:"model" json:"model"`
}

// RecommendationConfig contains the chat-completions client configuration
type RecommendationConfig struct {
	Endpoint          string  `yaml:"endpoint" json:"endpoint"`
	APIKey            string  `yaml:"api_key" json:"api_key"`
	Model             string  `yaml:"model" json:"model"`
	Temperature       float32 `yaml:"temperature" json:"temperature"`
	Timeout           int     `yaml:"timeout" json:"timeout"` // seconds
	MaxRetries        int     `yaml:"max_retries" json:"max_retries"`
	RetryBackoff      float64 `yaml:"retry_backoff" json:"retry_backoff"` // seconds
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second"`
	Burst             int     `yaml:"burst" json:"burst"`
}

// TopicsConfig selects the topic store backend
type TopicsConfig struct {
	Backend       string `yaml:"backend" json:"backend"` // memory or redis
	RedisAddr     string `yaml:"redis_addr" json:"redis_addr"`
	RedisPassword string `yaml:"redis_password" json:"redis_password"`
	RedisDB       int    `yaml:"redis_db" json:"redis_db"`
	Prefix        string `yaml:"prefix" json:"prefix"`
	TTL           int    `yaml:"ttl" json:"ttl"` // seconds
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
	Output string `yaml:"output" json:"output"`
}

// Default returns the configuration used for keys absent from the file
func Default() Config {
	return Config{
		Server: ServerConfig{
			Address:         "0.0.0.0",
			Port:            3001,
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			MaxMessageSize:  4 << 20,
			OutboundBuffer:  64,
			WriteTimeout:    10,
			PongTimeout:     60,
			ShutdownTimeout: 10,
		},
		Session: SessionConfig{
			Mode:            "inline",
			QueueCapacity:   100,
			StopTimeout:     2,
			RecordLimit:     1000,
			InboxSize:       64,
			IdleTimeout:     300,
			CleanupInterval: 30,
		},
		Audio: AudioConfig{
			SampleRate:       16000,
			StripHeaders:     true,
			ChunkMinDuration: 1.0,
			ChunkMaxDuration: 30.0,
		},
		VAD: VADConfig{
			Threshold:          0.5,
			WindowSize:         512,
			Smoothing:          0.3,
			MinSpeechDuration:  0.5,
			MinSilenceDuration: 0.3,
		},
		Transcription: TranscriptionConfig{
			Timeout:       30,
			MaxRetries:    3,
			MaxConcurrent: 4,
			RetryBackoff:  0.5,
			Backlog:       16,
			Language:      "en",
		},
		Recommendation: RecommendationConfig{
			Model:             "gpt-4o-mini",
			Temperature:       0.3,
			Timeout:           30,
			MaxRetries:        2,
			RetryBackoff:      1,
			RequestsPerSecond: 2,
			Burst:             2,
		},
		Topics: TopicsConfig{
			Backend: "memory",
			Prefix:  "relay",
			TTL:     86400,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// Load reads and parses the configuration file over the defaults, applies
// environment overrides and validates the result
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// ApplyEnv overrides settings from the environment. PORT replaces the
// listener port; API keys and the Redis password may be kept out of the file.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PORT %q: %w", v, err)
		}
		c.Server.Port = port
	}
	if v, ok := lookup("TRANSCRIPTION_API_KEY"); ok {
		c.Transcription.APIKey = v
	}
	if v, ok := lookup("RECOMMENDATION_API_KEY"); ok {
		c.Recommendation.APIKey = v
	}
	if v, ok := lookup("REDIS_PASSWORD"); ok {
		c.Topics.RedisPassword = v
	}
	return nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.Session.Validate(); err != nil {
		return fmt.Errorf("session config: %w", err)
	}

	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}

	if err := c.VAD.Validate(); err != nil {
		return fmt.Errorf("vad config: %w", err)
	}

	if err := c.Transcription.Validate(); err != nil {
		return fmt.Errorf("transcription config: %w", err)
	}

	if err := c.Recommendation.Validate(); err != nil {
		return fmt.Errorf("recommendation config: %w", err)
	}

	if err := c.Topics.Validate(); err != nil {
		return fmt.Errorf("topics config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", s.Port)
	}

	if s.Address == "" {
		return fmt.Errorf("address cannot be empty")
	}

	if s.ReadBufferSize < 1024 || s.WriteBufferSize < 1024 {
		return fmt.Errorf("read and write buffer sizes must be at least 1024 bytes, got %d/%d",
			s.ReadBufferSize, s.WriteBufferSize)
	}

	if s.MaxMessageSize < 1024 {
		return fmt.Errorf("max_message_size must be at least 1024 bytes, got %d", s.MaxMessageSize)
	}

	if s.OutboundBuffer < 1 {
		return fmt.Errorf("outbound_buffer must be at least 1, got %d", s.OutboundBuffer)
	}

	if s.WriteTimeout < 1 || s.PongTimeout < 1 || s.ShutdownTimeout < 1 {
		return fmt.Errorf("write_timeout, pong_timeout and shutdown_timeout must be at least 1 second")
	}

	return nil
}

// Validate validates session configuration
func (s *SessionConfig) Validate() error {
	if s.Mode != "inline" && s.Mode != "background" {
		return fmt.Errorf("mode must be 'inline' or 'background', got '%s'", s.Mode)
	}

	if s.QueueCapacity < 1 {
		return fmt.Errorf("queue_capacity must be at least 1, got %d", s.QueueCapacity)
	}

	if s.StopTimeout <= 0 {
		return fmt.Errorf("stop_timeout must be positive, got %f", s.StopTimeout)
	}

	if s.RecordLimit < 0 {
		return fmt.Errorf("record_limit cannot be negative, got %d", s.RecordLimit)
	}

	if s.InboxSize < 1 {
		return fmt.Errorf("inbox_size must be at least 1, got %d", s.InboxSize)
	}

	if s.IdleTimeout < 1 {
		return fmt.Errorf("idle_timeout must be at least 1 second, got %d", s.IdleTimeout)
	}

	if s.CleanupInterval < 1 {
		return fmt.Errorf("cleanup_interval must be at least 1 second, got %d", s.CleanupInterval)
	}

	return nil
}

// Validate validates audio configuration
func (a *AudioConfig) Validate() error {
	if a.SampleRate < 8000 || a.SampleRate > 48000 {
		return fmt.Errorf("sample_rate must be between 8000 and 48000 Hz, got %d", a.SampleRate)
	}

	if a.ChunkMinDuration <= 0 {
		return fmt.Errorf("chunk_min_duration must be positive, got %f", a.ChunkMinDuration)
	}

	if a.ChunkMaxDuration <= a.ChunkMinDuration {
		return fmt.Errorf("chunk_max_duration (%f) must be greater than chunk_min_duration (%f)",
			a.ChunkMaxDuration, a.ChunkMinDuration)
	}

	return nil
}

// Validate validates VAD configuration
func (v *VADConfig) Validate() error {
	if v.Threshold < 0 || v.Threshold > 1 {
		return fmt.Errorf("threshold must be between 0 and 1, got %f", v.Threshold)
	}

	if v.WindowSize < 64 || v.WindowSize > 4096 {
		return fmt.Errorf("window_size must be between 64 and 4096 samples, got %d", v.WindowSize)
	}

	if v.Smoothing < 0 || v.Smoothing >= 1 {
		return fmt.Errorf("smoothing must be between 0 (inclusive) and 1 (exclusive), got %f", v.Smoothing)
	}

	if v.MinSpeechDuration <= 0 {
		return fmt.Errorf("min_speech_duration must be positive, got %f", v.MinSpeechDuration)
	}

	if v.MinSilenceDuration <= 0 {
		return fmt.Errorf("min_silence_duration must be positive, got %f", v.MinSilenceDuration)
	}

	return nil
}

// Validate validates transcription configuration
func (t *TranscriptionConfig) Validate() error {
	if t.Endpoint == "" {
		return fmt.Errorf("endpoint cannot be empty")
	}

	if t.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", t.Timeout)
	}

	if t.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", t.MaxRetries)
	}

	if t.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", t.MaxConcurrent)
	}

	if t.RetryBackoff < 0 {
		return fmt.Errorf("retry_backoff cannot be negative, got %f", t.RetryBackoff)
	}

	if t.Backlog < 1 {
		return fmt.Errorf("backlog must be at least 1, got %d", t.Backlog)
	}

	return nil
}

// Validate validates recommendation configuration
func (r *RecommendationConfig) Validate() error {
	if r.Endpoint == "" {
		return fmt.Errorf("endpoint cannot be empty")
	}

	if r.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", r.Timeout)
	}

	if r.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", r.MaxRetries)
	}

	if r.Temperature < 0 || r.Temperature > 2 {
		return fmt.Errorf("temperature must be between 0 and 2, got %f", r.Temperature)
	}

	if r.RequestsPerSecond < 0 {
		return fmt.Errorf("requests_per_second cannot be negative, got %f", r.RequestsPerSecond)
	}

	if r.RequestsPerSecond > 0 && r.Burst < 1 {
		return fmt.Errorf("burst must be at least 1 when throttling, got %d", r.Burst)
	}

	return nil
}

// Validate validates topic store configuration
func (t *TopicsConfig) Validate() error {
	switch t.Backend {
	case "memory":
	case "redis":
		if t.RedisAddr == "" {
			return fmt.Errorf("redis_addr cannot be empty for the redis backend")
		}
		if t.TTL < 0 {
			return fmt.Errorf("ttl cannot be negative, got %d", t.TTL)
		}
	default:
		return fmt.Errorf("backend must be 'memory' or 'redis', got '%s'", t.Backend)
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	// Output is stdout, stderr or a file path
	return nil
}

// Addr returns the listen address
func (s *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Address, s.Port)
}

// GetWriteTimeoutDuration returns the websocket write timeout as a time.Duration
func (s *ServerConfig) GetWriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// GetPongTimeoutDuration returns the liveness timeout as a time.Duration
func (s *ServerConfig) GetPongTimeoutDuration() time.Duration {
	return time.Duration(s.PongTimeout) * time.Second
}

// GetShutdownTimeoutDuration returns the shutdown budget as a time.Duration
func (s *ServerConfig) GetShutdownTimeoutDuration() time.Duration {
	return time.Duration(s.ShutdownTimeout) * time.Second
}

// GetStopTimeoutDuration returns the adapter stop timeout as a time.Duration
func (s *SessionConfig) GetStopTimeoutDuration() time.Duration {
	return time.Duration(s.StopTimeout * float64(time.Second))
}

// GetIdleTimeoutDuration returns the session idle timeout as a time.Duration
func (s *SessionConfig) GetIdleTimeoutDuration() time.Duration {
	return time.Duration(s.IdleTimeout) * time.Second
}

// GetCleanupIntervalDuration returns the reaper interval as a time.Duration
func (s *SessionConfig) GetCleanupIntervalDuration() time.Duration {
	return time.Duration(s.CleanupInterval) * time.Second
}

// GetChunkMinDuration returns the minimum chunk duration as a time.Duration
func (a *AudioConfig) GetChunkMinDuration() time.Duration {
	return time.Duration(a.ChunkMinDuration * float64(time.Second))
}

// GetChunkMaxDuration returns the maximum chunk duration as a time.Duration
func (a *AudioConfig) GetChunkMaxDuration() time.Duration {
	return time.Duration(a.ChunkMaxDuration * float64(time.Second))
}

// GetMinSpeechDuration returns the minimum speech duration as a time.Duration
func (v *VADConfig) GetMinSpeechDuration() time.Duration {
	return time.Duration(v.MinSpeechDuration * float64(time.Second))
}

// GetMinSilenceDuration returns the minimum silence duration as a time.Duration
func (v *VADConfig) GetMinSilenceDuration() time.Duration {
	return time.Duration(v.MinSilenceDuration * float64(time.Second))
}

// GetTimeoutDuration returns the transcription timeout as a time.Duration
func (t *TranscriptionConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(t.Timeout) * time.Second
}

// GetRetryBackoffDuration returns the first retry delay as a time.Duration
func (t *TranscriptionConfig) GetRetryBackoffDuration() time.Duration {
	return time.Duration(t.RetryBackoff * float64(time.Second))
}

// GetTimeoutDuration returns the recommendation timeout as a time.Duration
func (r *RecommendationConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(r.Timeout) * time.Second
}

// GetRetryBackoffDuration returns the first retry delay as a time.Duration
func (r *RecommendationConfig) GetRetryBackoffDuration() time.Duration {
	return time.Duration(r.RetryBackoff * float64(time.Second))
}

// GetTTLDuration returns the Redis key TTL as a time.Duration
func (t *TopicsConfig) GetTTLDuration() time.Duration {
	return time.Duration(t.TTL) * time.Second
}

// Sanitized returns a copy with secrets masked, for the /config endpoint
func (c Config) Sanitized() Config {
	c.Transcription.APIKey = mask(c.Transcription.APIKey)
	c.Recommendation.APIKey = mask(c.Recommendation.APIKey)
	c.Topics.RedisPassword = mask(c.Topics.RedisPassword)
	c.Server.AllowedOrigins = append([]string(nil), c.Server.AllowedOrigins...)
	return c
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	return "***"
}

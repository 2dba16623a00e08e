package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// validConfig returns defaults with the required endpoints filled in
func validConfig() Config {
	c := Default()
	c.Transcription.Endpoint = "http://localhost:8000/transcribe"
	c.Recommendation.Endpoint = "https://api.example.com/v1/chat/completions"
	return c
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name     string
		modify   func(c *Config)
		errorMsg string
	}{
		{
			name:   "valid configuration",
			modify: func(c *Config) {},
		},
		{
			name:     "invalid server port",
			modify:   func(c *Config) { c.Server.Port = 70000 },
			errorMsg: "port must be between 1 and 65535",
		},
		{
			name:     "empty address",
			modify:   func(c *Config) { c.Server.Address = "" },
			errorMsg: "address cannot be empty",
		},
		{
			name:     "unknown session mode",
			modify:   func(c *Config) { c.Session.Mode = "threaded" },
			errorMsg: "mode must be 'inline' or 'background'",
		},
		{
			name:     "zero queue capacity",
			modify:   func(c *Config) { c.Session.QueueCapacity = 0 },
			errorMsg: "queue_capacity must be at least 1",
		},
		{
			name:     "invalid audio sample rate",
			modify:   func(c *Config) { c.Audio.SampleRate = 4000 },
			errorMsg: "sample_rate must be between 8000 and 48000 Hz",
		},
		{
			name: "invalid chunk duration",
			modify: func(c *Config) {
				c.Audio.ChunkMinDuration = 30
				c.Audio.ChunkMaxDuration = 1
			},
			errorMsg: "chunk_max_duration",
		},
		{
			name:     "invalid VAD threshold",
			modify:   func(c *Config) { c.VAD.Threshold = 1.5 },
			errorMsg: "threshold must be between 0 and 1",
		},
		{
			name:     "missing transcription endpoint",
			modify:   func(c *Config) { c.Transcription.Endpoint = "" },
			errorMsg: "transcription config: endpoint cannot be empty",
		},
		{
			name:     "missing recommendation endpoint",
			modify:   func(c *Config) { c.Recommendation.Endpoint = "" },
			errorMsg: "recommendation config: endpoint cannot be empty",
		},
		{
			name: "throttling without burst",
			modify: func(c *Config) {
				c.Recommendation.RequestsPerSecond = 1
				c.Recommendation.Burst = 0
			},
			errorMsg: "burst must be at least 1",
		},
		{
			name:     "redis backend without address",
			modify:   func(c *Config) { c.Topics.Backend = "redis" },
			errorMsg: "redis_addr cannot be empty",
		},
		{
			name:     "unknown topic backend",
			modify:   func(c *Config) { c.Topics.Backend = "postgres" },
			errorMsg: "backend must be 'memory' or 'redis'",
		},
		{
			name:     "invalid log level",
			modify:   func(c *Config) { c.Logging.Level = "verbose" },
			errorMsg: "level must be one of",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := validConfig()
			tt.modify(&config)

			err := config.Validate()
			if tt.errorMsg == "" {
				if err != nil {
					t.Errorf("Expected no error but got: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Expected error but got none")
			}
			if !strings.Contains(err.Error(), tt.errorMsg) {
				t.Errorf("Expected error to contain '%s', got '%s'", tt.errorMsg, err.Error())
			}
		})
	}
}

func TestConfigLoad(t *testing.T) {
	t.Setenv("PORT", "")
	tempDir := t.TempDir()

	tests := []struct {
		name       string
		configYAML string
		errorMsg   string
		check      func(t *testing.T, c *Config)
	}{
		{
			name: "partial file keeps defaults",
			configYAML: `
server:
  port: 8080
session:
  mode: background
transcription:
  endpoint: "http://localhost:8000/transcribe"
recommendation:
  endpoint: "https://api.example.com/v1/chat/completions"
  model: "gpt-4o"
`,
			check: func(t *testing.T, c *Config) {
				if c.Server.Port != 8080 {
					t.Errorf("Expected port 8080, got %d", c.Server.Port)
				}
				if c.Session.Mode != "background" {
					t.Errorf("Expected background mode, got %s", c.Session.Mode)
				}
				if c.Session.QueueCapacity != 100 {
					t.Errorf("Expected default queue capacity 100, got %d", c.Session.QueueCapacity)
				}
				if !c.Audio.StripHeaders {
					t.Errorf("Expected strip_headers to default to true")
				}
				if c.Recommendation.Model != "gpt-4o" {
					t.Errorf("Expected model gpt-4o, got %s", c.Recommendation.Model)
				}
			},
		},
		{
			name: "strip headers can be disabled",
			configYAML: `
audio:
  strip_headers: false
transcription:
  endpoint: "http://localhost:8000/transcribe"
recommendation:
  endpoint: "https://api.example.com/v1/chat/completions"
`,
			check: func(t *testing.T, c *Config) {
				if c.Audio.StripHeaders {
					t.Errorf("Expected strip_headers false")
				}
			},
		},
		{
			name: "invalid YAML syntax",
			configYAML: `
server:
  port: invalid_number
`,
			errorMsg: "failed to parse",
		},
		{
			name: "missing required fields",
			configYAML: `
server:
  port: 3001
`,
			errorMsg: "endpoint cannot be empty",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configPath := filepath.Join(tempDir, "config.yaml")
			if err := os.WriteFile(configPath, []byte(tt.configYAML), 0644); err != nil {
				t.Fatalf("Failed to create test config file: %v", err)
			}

			config, err := Load(configPath)
			if tt.errorMsg != "" {
				if err == nil {
					t.Fatalf("Expected error but got none")
				}
				if !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("Expected error to contain '%s', got '%s'", tt.errorMsg, err.Error())
				}
				return
			}
			if err != nil {
				t.Fatalf("Expected no error but got: %v", err)
			}
			tt.check(t, config)
		})
	}
}

func TestConfigLoadNonexistentFile(t *testing.T) {
	_, err := Load("nonexistent.yaml")
	if err == nil {
		t.Fatalf("Expected error for nonexistent file but got none")
	}
	if !strings.Contains(err.Error(), "failed to read config file") {
		t.Errorf("Expected error about reading file, got: %v", err)
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"PORT":                   "9090",
		"RECOMMENDATION_API_KEY": "sk-test",
	}
	lookup := func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}

	config := validConfig()
	config.Transcription.APIKey = "from-file"
	if err := config.ApplyEnv(lookup); err != nil {
		t.Fatalf("ApplyEnv failed: %v", err)
	}

	if config.Server.Port != 9090 {
		t.Errorf("Expected PORT override 9090, got %d", config.Server.Port)
	}
	if config.Recommendation.APIKey != "sk-test" {
		t.Errorf("Expected recommendation key from env, got %q", config.Recommendation.APIKey)
	}
	if config.Transcription.APIKey != "from-file" {
		t.Errorf("Expected transcription key untouched, got %q", config.Transcription.APIKey)
	}

	env["PORT"] = "not-a-port"
	if err := config.ApplyEnv(lookup); err == nil {
		t.Errorf("Expected error for invalid PORT")
	}
}

func TestSanitizedMasksSecrets(t *testing.T) {
	config := validConfig()
	config.Transcription.APIKey = "secret-1"
	config.Recommendation.APIKey = "secret-2"

	clean := config.Sanitized()
	if clean.Transcription.APIKey != "***" || clean.Recommendation.APIKey != "***" {
		t.Errorf("Expected masked keys, got %q and %q", clean.Transcription.APIKey, clean.Recommendation.APIKey)
	}
	if clean.Topics.RedisPassword != "" {
		t.Errorf("Expected empty password to stay empty")
	}
	if config.Recommendation.APIKey != "secret-2" {
		t.Errorf("Sanitized must not modify the original")
	}
}

func TestDurationHelpers(t *testing.T) {
	audio := AudioConfig{
		ChunkMinDuration: 1.5,
		ChunkMaxDuration: 10.0,
	}

	if audio.GetChunkMinDuration() != 1500*time.Millisecond {
		t.Errorf("Expected 1.5 seconds, got %v", audio.GetChunkMinDuration())
	}

	if audio.GetChunkMaxDuration() != 10*time.Second {
		t.Errorf("Expected 10 seconds, got %v", audio.GetChunkMaxDuration())
	}

	vad := VADConfig{
		MinSpeechDuration:  0.5,
		MinSilenceDuration: 0.3,
	}

	if vad.GetMinSpeechDuration() != 500*time.Millisecond {
		t.Errorf("Expected 0.5 seconds, got %v", vad.GetMinSpeechDuration())
	}

	if vad.GetMinSilenceDuration() != 300*time.Millisecond {
		t.Errorf("Expected 0.3 seconds, got %v", vad.GetMinSilenceDuration())
	}

	session := SessionConfig{StopTimeout: 2, IdleTimeout: 300, CleanupInterval: 30}

	if session.GetStopTimeoutDuration() != 2*time.Second {
		t.Errorf("Expected 2 seconds, got %v", session.GetStopTimeoutDuration())
	}

	if session.GetIdleTimeoutDuration() != 5*time.Minute {
		t.Errorf("Expected 5 minutes, got %v", session.GetIdleTimeoutDuration())
	}

	recommendation := RecommendationConfig{Timeout: 30, RetryBackoff: 0.25}

	if recommendation.GetTimeoutDuration() != 30*time.Second {
		t.Errorf("Expected 30 seconds, got %v", recommendation.GetTimeoutDuration())
	}

	if recommendation.GetRetryBackoffDuration() != 250*time.Millisecond {
		t.Errorf("Expected 250ms, got %v", recommendation.GetRetryBackoffDuration())
	}

	server := ServerConfig{Address: "127.0.0.1", Port: 3001}
	if server.Addr() != "127.0.0.1:3001" {
		t.Errorf("Expected 127.0.0.1:3001, got %s", server.Addr())
	}
}

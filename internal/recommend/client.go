package recommend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/leonrode/hackharvard/internal/topics"
)

const maxBackoff = 30 * time.Second

// Engine produces recommendations for a set of topic snapshots
type Engine interface {
	Recommend(ctx context.Context, snapshots []topics.Snapshot) (map[string][]string, error)
}

// Recorder receives recommendation metrics
type Recorder interface {
	RecordRecommendation(success bool, durationSeconds float64)
	RecordRecommendationRetry()
}

type nopRecorder struct{}

func (nopRecorder) RecordRecommendation(bool, float64) {}
func (nopRecorder) RecordRecommendationRetry()         {}

// Config contains recommendation client configuration
type Config struct {
	Endpoint          string // Full chat-completions URL
	APIKey            string
	Model             string
	Temperature       float32
	Timeout           time.Duration
	MaxRetries        int
	RetryBackoff      time.Duration
	RequestsPerSecond float64 // Zero disables throttling
	Burst             int
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model,omitempty"`
	Messages    []chatMessage `json:"messages"`
	Temperature float32       `json:"temperature,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// ClientStats represents client statistics
type ClientStats struct {
	TotalRequests   uint64 `json:"total_requests"`
	SuccessRequests uint64 `json:"success_requests"`
	FailedRequests  uint64 `json:"failed_requests"`
	TotalRetries    uint64 `json:"total_retries"`
}

// Client calls an OpenAI-compatible chat-completions endpoint
type Client struct {
	config     Config
	httpClient *http.Client
	limiter    *rate.Limiter
	recorder   Recorder
	logger     *slog.Logger

	totalRequests   uint64
	successRequests uint64
	failedRequests  uint64
	totalRetries    uint64

	mu sync.RWMutex
}

// NewClient creates a new recommendation client
func NewClient(config Config, logger *slog.Logger, recorder Recorder) (*Client, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}

	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	if config.MaxRetries < 0 {
		config.MaxRetries = 2
	}

	if config.RetryBackoff <= 0 {
		config.RetryBackoff = time.Second
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if config.RequestsPerSecond > 0 {
		burst := config.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(config.RequestsPerSecond), burst)
	}

	if recorder == nil {
		recorder = nopRecorder{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		limiter:    limiter,
		recorder:   recorder,
		logger:     logger,
	}, nil
}

// Recommend asks the model for recommendations per topic.
// Failures are returned as *ProviderError.
func (c *Client) Recommend(ctx context.Context, snapshots []topics.Snapshot) (map[string][]string, error) {
	if len(snapshots) == 0 {
		return map[string][]string{}, nil
	}

	prompt, err := BuildPrompt(snapshots)
	if err != nil {
		return nil, &ProviderError{Op: "encode", Err: err}
	}

	startTime := time.Now()
	c.mu.Lock()
	c.totalRequests++
	c.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			c.mu.Lock()
			c.totalRetries++
			c.mu.Unlock()
			c.recorder.RecordRecommendationRetry()

			select {
			case <-time.After(backoff(c.config.RetryBackoff, attempt)):
			case <-ctx.Done():
				lastErr = &ProviderError{Op: "request", Err: ctx.Err()}
				c.finish(false, startTime)
				return nil, lastErr
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			lastErr = &ProviderError{Op: "request", Err: fmt.Errorf("rate limiter: %w", err)}
			break
		}

		var reply string
		reply, lastErr = c.complete(ctx, prompt)
		if lastErr == nil {
			recs, err := ParseRecommendations(reply)
			if err != nil {
				c.logger.Warn("Unparseable recommendation reply", slog.Int("length", len(reply)))
				c.finish(false, startTime)
				return nil, &ProviderError{Op: "parse", Err: err}
			}
			c.finish(true, startTime)
			return recs, nil
		}

		var perr *ProviderError
		if ctx.Err() != nil || !errors.As(lastErr, &perr) || !perr.Retryable() {
			break
		}
	}

	c.finish(false, startTime)
	return nil, lastErr
}

func (c *Client) finish(success bool, startTime time.Time) {
	c.mu.Lock()
	if success {
		c.successRequests++
	} else {
		c.failedRequests++
	}
	c.mu.Unlock()
	c.recorder.RecordRecommendation(success, time.Since(startTime).Seconds())
}

// complete performs one chat-completions request and returns the reply text
func (c *Client) complete(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model:       c.config.Model,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		Temperature: c.config.Temperature,
	})
	if err != nil {
		return "", &ProviderError{Op: "encode", Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", &ProviderError{Op: "encode", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", &ProviderError{Op: "request", Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", &ProviderError{Op: "request", Err: fmt.Errorf("failed to read response body: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body := string(respBody)
		if len(body) > 512 {
			body = body[:512] + "..."
		}
		return "", &ProviderError{Op: "status", StatusCode: resp.StatusCode, Body: body}
	}

	var chat chatResponse
	if err := json.Unmarshal(respBody, &chat); err != nil {
		return "", &ProviderError{Op: "decode", Err: fmt.Errorf("failed to parse response JSON: %w", err)}
	}
	if len(chat.Choices) == 0 {
		return "", &ProviderError{Op: "decode", Err: errors.New("response has no choices")}
	}

	return chat.Choices[0].Message.Content, nil
}

func backoff(base time.Duration, attempt int) time.Duration {
	d := time.Duration(math.Pow(2, float64(attempt-1))) * base
	if d > maxBackoff || d <= 0 {
		return maxBackoff
	}
	return d
}

// GetStats returns current client statistics
func (c *Client) GetStats() ClientStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return ClientStats{
		TotalRequests:   c.totalRequests,
		SuccessRequests: c.successRequests,
		FailedRequests:  c.failedRequests,
		TotalRetries:    c.totalRetries,
	}
}

package transcription

import (
	"fmt"
	"net/http"
)

// ProviderError is a failure of the transcription API
type ProviderError struct {
	Op         string // "encode", "request", "status", "decode"
	StatusCode int    // HTTP status, zero for transport failures
	Body       string // Truncated response body for status failures
	Err        error
}

func (e *ProviderError) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("transcription %s: HTTP error %d: %s", e.Op, e.StatusCode, e.Body)
	case e.Err != nil:
		return fmt.Sprintf("transcription %s: %v", e.Op, e.Err)
	default:
		return "transcription " + e.Op + " failed"
	}
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Retryable reports whether another attempt may succeed: transport
// failures, rate limiting and server errors
func (e *ProviderError) Retryable() bool {
	switch {
	case e.Op == "request":
		return true
	case e.StatusCode == http.StatusTooManyRequests:
		return true
	case e.StatusCode >= 500:
		return true
	default:
		return false
	}
}

const maxErrorBody = 512

func truncate(body []byte) string {
	if len(body) > maxErrorBody {
		return string(body[:maxErrorBody]) + "..."
	}
	return string(body)
}

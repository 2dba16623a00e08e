package recommend

import (
	"fmt"
	"net/http"
)

// ProviderError is a failure of the recommendation provider
type ProviderError struct {
	Op         string // "encode", "request", "status", "decode", "parse"
	StatusCode int
	Body       string
	Err        error
}

func (e *ProviderError) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("recommendation %s: HTTP error %d: %s", e.Op, e.StatusCode, e.Body)
	case e.Err != nil:
		return fmt.Sprintf("recommendation %s: %v", e.Op, e.Err)
	default:
		return "recommendation " + e.Op + " failed"
	}
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Retryable reports whether another attempt may succeed
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

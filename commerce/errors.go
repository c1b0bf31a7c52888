package commerce

import (
	"fmt"
	"net/http"
)

// APIError is any non-2xx answer from a commerce platform.
type APIError struct {
	Platform string
	Op       string
	Status   int
	Body     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s returned %d: %s", e.Platform, e.Op, e.Status, e.Body)
}

// Retryable is true for server faults and throttling.
func (e *APIError) Retryable() bool {
	return e.Status >= 500 || e.Status == http.StatusTooManyRequests
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

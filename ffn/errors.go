package ffn

import (
	"errors"
	"fmt"
	"net/http"
)

// APIError is any non-2xx answer from the fulfillment network.
type APIError struct {
	Op     string
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("ffn: %s returned %d: %s", e.Op, e.Status, e.Body)
}

// Retryable is true for server faults and throttling; other client errors
// will not improve on their own.
func (e *APIError) Retryable() bool {
	return e.Status >= 500 || e.Status == http.StatusTooManyRequests
}

// TokenRevokedError means the refresh grant is dead. The tenant's
// configuration must be re-authorized before any further network calls.
type TokenRevokedError struct {
	Detail string
}

func (e *TokenRevokedError) Error() string {
	return "ffn: refresh token revoked: " + e.Detail
}

func (e *TokenRevokedError) Retryable() bool { return false }

// MissingCredentialsError means the tenant configuration has no usable
// token material at all.
type MissingCredentialsError struct {
	Reason string
}

func (e *MissingCredentialsError) Error() string {
	return "ffn: missing credentials: " + e.Reason
}

func (e *MissingCredentialsError) Retryable() bool { return false }

// IsNotFound reports whether err is the network answering 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

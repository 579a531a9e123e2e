package inference

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNoModel means neither a summary nor an embedding model is set.
	ErrNoModel = errors.New("inference: model required")

	// ErrNoEmbedModel means Embed was called without an embedding model.
	ErrNoEmbedModel = errors.New("inference: no embedding model configured")

	// ErrEmptyResponse means the API answered without choices or vectors.
	ErrEmptyResponse = errors.New("inference: empty response")
)

// APIError is a non-2xx answer from the OpenAI-compatible endpoint.
type APIError struct {
	StatusCode int
	Message    string
	Code       string
	// Endpoint is the path that failed, e.g. /embeddings.
	Endpoint string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("inference: %s returned %d (%s): %s", e.Endpoint, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("inference: %s returned %d: %s", e.Endpoint, e.StatusCode, e.Message)
}

// IsUnauthorized reports a rejected API key.
func (e *APIError) IsUnauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized
}

// IsRetryable reports rate limiting and server-side failures.
func (e *APIError) IsRetryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Package provider defines the ChatProvider contract implemented once per
// backend, the error taxonomy shared by all adapters, and the registry the
// orchestrator resolves providers from.
package provider

import (
	"context"
	"errors"
	"fmt"

	"aibridge/internal/models"
)

// ErrUnknownProvider indicates the requested provider name is not registered.
// It is a client-input fault and is raised before any network activity.
var ErrUnknownProvider = errors.New("unknown provider")

// ErrDuplicateProvider indicates an attempt to register the same provider twice.
var ErrDuplicateProvider = errors.New("provider already registered")

// ErrMalformedSchema indicates a json_schema response format was requested
// without a usable schema payload. It is raised before any network call.
var ErrMalformedSchema = errors.New("json_schema response format requires a schema payload")

// ConfigError indicates a required credential or endpoint is absent. The
// request cannot proceed and is never retried.
type ConfigError struct {
	Missing string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s is not configured", e.Missing)
}

// UpstreamError carries a non-success status returned by a backend. Message
// is extracted from the backend's own error envelope when it is structured,
// otherwise it is the raw body text.
type UpstreamError struct {
	Status  int
	Message string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream error status %d: %s", e.Status, e.Message)
}

// StreamEvent is one element of a streamed completion sequence. Either Chunk
// is populated, or Err carries the failure that ended the stream. After an
// event with a non-nil Err, or a chunk with Done=true, the channel is closed
// and no further events are delivered.
type StreamEvent struct {
	Chunk models.ChatCompletionChunk
	Err   error
}

// ChatProvider translates normalized requests into one backend's wire
// protocol and the backend's responses back into the normalized model.
type ChatProvider interface {
	// Name returns the provider identifier ("openai" or "ollama").
	Name() string

	// ListModels reports the models this provider can serve.
	ListModels(ctx context.Context) ([]models.ModelInfo, error)

	// CreateCompletion performs a single non-streaming completion.
	CreateCompletion(ctx context.Context, req models.ChatCompletionRequest) (*models.ChatCompletionResponse, error)

	// CreateCompletionStream opens a streaming completion. The call performs
	// exactly one network request; its body is consumed incrementally and
	// delivered on the returned channel. The sequence terminates with a
	// chunk where Done=true, or with a single event carrying the error.
	CreateCompletionStream(ctx context.Context, req models.ChatCompletionRequest) (<-chan StreamEvent, error)
}

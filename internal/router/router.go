// Package router orchestrates completions: it resolves the provider
// adapter, invokes the non-streaming or streaming call, extracts usage from
// the result, and feeds the usage tracker before the caller sees the end of
// the response.
package router

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"aibridge/internal/models"
	"aibridge/internal/pricing"
	"aibridge/internal/provider"
	"aibridge/internal/usage"
)

// Router dispatches normalized requests to the appropriate provider and
// records usage for every completed request.
type Router struct {
	registry *provider.Registry
	tracker  *usage.Tracker
}

// New constructs a router backed by the provided registry and tracker.
func New(registry *provider.Registry, tracker *usage.Tracker) *Router {
	return &Router{
		registry: registry,
		tracker:  tracker,
	}
}

// Complete performs a non-streaming completion. Usage is read from the
// response, priced, and recorded before the response is returned.
func (r *Router) Complete(ctx context.Context, req models.ChatCompletionRequest) (*models.ChatCompletionResponse, error) {
	p, err := r.registry.Lookup(req.Provider)
	if err != nil {
		return nil, err
	}

	requestID := uuid.NewString()

	resp, err := p.CreateCompletion(ctx, req)
	if err != nil {
		slog.Error("completion failed",
			"request_id", requestID,
			"provider", req.Provider,
			"error", err,
		)
		return nil, err
	}

	cost := pricing.EstimateCostUSD(resp.Provider, resp.Model, resp.Usage)
	r.tracker.Record(resp.Provider, resp.Model, resp.Usage, req.PromptChars(), cost)

	slog.Info("completion",
		"request_id", requestID,
		"provider", resp.Provider,
		"model", resp.Model,
		"cost_usd", cost,
	)
	return resp, nil
}

// Stream opens a streaming completion and relays its chunks. Every chunk is
// inspected for a usage payload; the most recent candidate is committed to
// the tracker when the terminal chunk arrives, before that chunk is
// forwarded to the caller. A stream abandoned before its terminal chunk
// records nothing.
func (r *Router) Stream(ctx context.Context, req models.ChatCompletionRequest) (<-chan provider.StreamEvent, error) {
	p, err := r.registry.Lookup(req.Provider)
	if err != nil {
		return nil, err
	}

	upstream, err := p.CreateCompletionStream(ctx, req)
	if err != nil {
		return nil, err
	}

	requestID := uuid.NewString()
	promptChars := req.PromptChars()

	out := make(chan provider.StreamEvent)
	go func() {
		defer close(out)

		var candidate *models.UsageCounters

		for ev := range upstream {
			if ev.Err != nil {
				slog.Error("stream failed",
					"request_id", requestID,
					"provider", req.Provider,
					"error", ev.Err,
				)
				forward(ctx, out, ev)
				return
			}

			if ev.Chunk.Usage != nil {
				candidate = ev.Chunk.Usage
			}

			if ev.Chunk.Done {
				ev.Chunk.Usage = candidate
				cost := pricing.EstimateCostUSD(ev.Chunk.Provider, ev.Chunk.Model, candidate)
				r.tracker.Record(ev.Chunk.Provider, ev.Chunk.Model, candidate, promptChars, cost)

				slog.Info("stream completed",
					"request_id", requestID,
					"provider", ev.Chunk.Provider,
					"model", ev.Chunk.Model,
					"cost_usd", cost,
				)
				forward(ctx, out, ev)
				return
			}

			if !forward(ctx, out, ev) {
				return
			}
		}
	}()
	return out, nil
}

// ListModels aggregates model listings across all providers.
func (r *Router) ListModels(ctx context.Context) []models.ModelInfo {
	return r.registry.ListModels(ctx)
}

func forward(ctx context.Context, out chan<- provider.StreamEvent, ev provider.StreamEvent) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

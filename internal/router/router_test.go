package router_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aibridge/internal/models"
	"aibridge/internal/provider"
	"aibridge/internal/router"
	"aibridge/internal/usage"
)

// fakeProvider scripts responses for the orchestration tests.
type fakeProvider struct {
	name     string
	response *models.ChatCompletionResponse
	events   []provider.StreamEvent
	err      error
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) ListModels(ctx context.Context) ([]models.ModelInfo, error) {
	return []models.ModelInfo{{Provider: f.name, Model: "fake-model"}}, nil
}

func (f *fakeProvider) CreateCompletion(ctx context.Context, req models.ChatCompletionRequest) (*models.ChatCompletionResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.response, nil
}

func (f *fakeProvider) CreateCompletionStream(ctx context.Context, req models.ChatCompletionRequest) (<-chan provider.StreamEvent, error) {
	if f.err != nil {
		return nil, f.err
	}

	out := make(chan provider.StreamEvent)
	go func() {
		defer close(out)
		for _, ev := range f.events {
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func newRouter(t *testing.T, providers ...provider.ChatProvider) (*router.Router, *usage.Tracker) {
	t.Helper()

	registry := provider.NewRegistry()
	for _, p := range providers {
		require.NoError(t, registry.Register(p))
	}
	tracker := usage.NewTracker()
	return router.New(registry, tracker), tracker
}

func chatRequest(providerName string) models.ChatCompletionRequest {
	return models.ChatCompletionRequest{
		Provider: providerName,
		Messages: []models.ChatMessage{{Role: "user", Content: "hello"}},
	}
}

func textChunk(delta string) provider.StreamEvent {
	return provider.StreamEvent{Chunk: models.ChatCompletionChunk{
		Provider: "openai",
		Model:    "gpt-4o-mini",
		Delta:    delta,
	}}
}

func TestComplete_RecordsUsageAndCost(t *testing.T) {
	fake := &fakeProvider{
		name: "openai",
		response: &models.ChatCompletionResponse{
			Provider: "openai",
			Model:    "gpt-4o-mini",
			Content:  "hi",
			Usage:    &models.UsageCounters{PromptTokens: 1000, CompletionTokens: 1000},
		},
	}
	rt, tracker := newRouter(t, fake)

	resp, err := rt.Complete(context.Background(), chatRequest("openai"))
	require.NoError(t, err)
	assert.Equal(t, "hi", resp.Content)

	snap := tracker.Current()
	agg := snap.PerModel["openai:gpt-4o-mini"]
	assert.Equal(t, int64(1), agg.Requests)
	assert.Equal(t, int64(1000), agg.PromptTokens)
	assert.Equal(t, int64(5), agg.PromptChars)
	assert.InDelta(t, 0.00075, agg.CostUSD, 1e-12)
}

func TestComplete_UnknownProvider(t *testing.T) {
	rt, tracker := newRouter(t)

	_, err := rt.Complete(context.Background(), chatRequest("nvidia"))

	require.ErrorIs(t, err, provider.ErrUnknownProvider)
	assert.Zero(t, tracker.Current().Totals.Requests)
}

func TestComplete_ProviderErrorRecordsNothing(t *testing.T) {
	fake := &fakeProvider{name: "openai", err: &provider.UpstreamError{Status: 500, Message: "boom"}}
	rt, tracker := newRouter(t, fake)

	_, err := rt.Complete(context.Background(), chatRequest("openai"))

	var upErr *provider.UpstreamError
	require.ErrorAs(t, err, &upErr)
	assert.Zero(t, tracker.Current().Totals.Requests)
}

func TestStream_RelaysChunksAndCommitsUsageOnDone(t *testing.T) {
	fake := &fakeProvider{
		name: "openai",
		events: []provider.StreamEvent{
			textChunk("Hel"),
			textChunk("lo"),
			{Chunk: models.ChatCompletionChunk{
				Provider: "openai",
				Model:    "gpt-4o-mini",
				Usage:    &models.UsageCounters{PromptTokens: 1000, CompletionTokens: 1000},
			}},
			{Chunk: models.ChatCompletionChunk{
				Provider: "openai",
				Model:    "gpt-4o-mini",
				Done:     true,
			}},
		},
	}
	rt, tracker := newRouter(t, fake)

	events, err := rt.Stream(context.Background(), chatRequest("openai"))
	require.NoError(t, err)

	var chunks []models.ChatCompletionChunk
	for ev := range events {
		require.NoError(t, ev.Err)
		chunks = append(chunks, ev.Chunk)

		if ev.Chunk.Done {
			// Usage must already be committed when the terminal chunk
			// reaches the caller.
			snap := tracker.Current()
			assert.Equal(t, int64(1), snap.Totals.Requests)
			assert.Equal(t, int64(1000), snap.Totals.PromptTokens)
		}
	}

	require.Len(t, chunks, 4)
	last := chunks[3]
	assert.True(t, last.Done)
	require.NotNil(t, last.Usage, "terminal chunk carries the captured usage")
	assert.Equal(t, 1000, last.Usage.PromptTokens)

	agg := tracker.Current().PerModel["openai:gpt-4o-mini"]
	assert.InDelta(t, 0.00075, agg.CostUSD, 1e-12)
	assert.Equal(t, int64(5), agg.PromptChars)
}

func TestStream_DoneWithoutUsageRecordsRequestOnly(t *testing.T) {
	fake := &fakeProvider{
		name: "ollama",
		events: []provider.StreamEvent{
			{Chunk: models.ChatCompletionChunk{Provider: "ollama", Model: "llama3", Delta: "hi"}},
			{Chunk: models.ChatCompletionChunk{Provider: "ollama", Model: "llama3", Done: true}},
		},
	}
	rt, tracker := newRouter(t, fake)

	events, err := rt.Stream(context.Background(), chatRequest("ollama"))
	require.NoError(t, err)
	for range events {
	}

	snap := tracker.Current()
	agg := snap.PerModel["ollama:llama3"]
	assert.Equal(t, int64(1), agg.Requests)
	assert.Zero(t, agg.PromptTokens)
	assert.Zero(t, agg.CostUSD)
}

func TestStream_ErrorEventForwardedAndNothingRecorded(t *testing.T) {
	fake := &fakeProvider{
		name: "openai",
		events: []provider.StreamEvent{
			textChunk("partial"),
			{Err: &provider.UpstreamError{Status: 502, Message: "upstream died"}},
		},
	}
	rt, tracker := newRouter(t, fake)

	events, err := rt.Stream(context.Background(), chatRequest("openai"))
	require.NoError(t, err)

	var sawErr bool
	for ev := range events {
		if ev.Err != nil {
			sawErr = true
		}
	}

	assert.True(t, sawErr)
	assert.Zero(t, tracker.Current().Totals.Requests)
}

func TestStream_AbandonedBeforeDoneRecordsNothing(t *testing.T) {
	// Upstream ends without a terminal chunk, as happens when the client
	// walks away mid-stream. No usage may be committed.
	fake := &fakeProvider{
		name:   "openai",
		events: []provider.StreamEvent{textChunk("partial")},
	}
	rt, tracker := newRouter(t, fake)

	events, err := rt.Stream(context.Background(), chatRequest("openai"))
	require.NoError(t, err)
	for range events {
	}

	assert.Zero(t, tracker.Current().Totals.Requests)
}

func TestStream_UnknownProvider(t *testing.T) {
	rt, _ := newRouter(t)

	_, err := rt.Stream(context.Background(), chatRequest("claude"))

	require.ErrorIs(t, err, provider.ErrUnknownProvider)
}

func TestListModels_AggregatesProviders(t *testing.T) {
	rt, _ := newRouter(t,
		&fakeProvider{name: "openai"},
		&fakeProvider{name: "ollama"},
	)

	list := rt.ListModels(context.Background())

	require.Len(t, list, 2)
	providers := []string{list[0].Provider, list[1].Provider}
	assert.Contains(t, providers, "openai")
	assert.Contains(t, providers, "ollama")
}

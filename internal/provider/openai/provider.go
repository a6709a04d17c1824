// Package openai implements the ChatProvider contract for OpenAI-compatible
// chat completion APIs, including SSE streaming with usage totals opted in.
package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"aibridge/internal/config"
	"aibridge/internal/models"
	"aibridge/internal/pricing"
	"aibridge/internal/provider"
	"aibridge/internal/runtime"
)

const (
	contentTypeJSON = "application/json"
	userAgent       = "aibridge/0.1"
	completionsPath = "/chat/completions"

	dataPrefix   = "data: "
	doneSentinel = "data: [DONE]"

	// SSE data lines can carry large deltas; give the scanner headroom.
	maxLineBytes = 1 << 20
)

// Provider implements provider.ChatProvider for the cloud backend.
// Credentials and base URL are resolved from runtime settings on every call
// so overrides made through the settings endpoint take effect immediately.
type Provider struct {
	settings     *runtime.Settings
	defaultModel string
	catalogue    []string
	client       *http.Client
}

// New constructs the cloud adapter. An empty model catalogue falls back to
// the models the pricing table knows about.
func New(cfg config.OpenAIConfig, settings *runtime.Settings, client *http.Client) (*Provider, error) {
	if client == nil {
		return nil, errors.New("http client must not be nil")
	}
	if settings == nil {
		return nil, errors.New("runtime settings must not be nil")
	}

	catalogue := cfg.Models
	if len(catalogue) == 0 {
		catalogue = pricing.KnownOpenAIModels()
	}

	return &Provider{
		settings:     settings,
		defaultModel: cfg.DefaultModel,
		catalogue:    catalogue,
		client:       client,
	}, nil
}

func (p *Provider) Name() string {
	return models.ProviderOpenAI
}

// ListModels reports the configured catalogue; the cloud backend's own
// listing endpoint is not consulted.
func (p *Provider) ListModels(ctx context.Context) ([]models.ModelInfo, error) {
	out := make([]models.ModelInfo, 0, len(p.catalogue))
	for _, m := range p.catalogue {
		out = append(out, models.ModelInfo{
			Provider:    models.ProviderOpenAI,
			Model:       m,
			DisplayName: "OpenAI " + m,
		})
	}
	return out, nil
}

// CreateCompletion performs a single non-streaming completion.
func (p *Provider) CreateCompletion(ctx context.Context, req models.ChatCompletionRequest) (*models.ChatCompletionResponse, error) {
	payload, err := p.buildPayload(req, false)
	if err != nil {
		return nil, err
	}

	httpResp, err := p.post(ctx, payload)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 400 {
		return nil, parseAPIError(httpResp)
	}

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read openai response: %w", err)
	}

	var apiResp apiResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return nil, fmt.Errorf("decode openai response: %w", err)
	}
	if len(apiResp.Choices) == 0 {
		return nil, errors.New("openai response did not include choices")
	}

	text := apiResp.Choices[0].Message.Content
	var content any = text
	if req.ResponseFormat.Structured() {
		// Parse failure falls back to the raw text, not an error.
		var parsed any
		if err := json.Unmarshal([]byte(text), &parsed); err == nil {
			content = parsed
		}
	}

	respModel := apiResp.Model
	if respModel == "" {
		respModel = payload.Model
	}

	return &models.ChatCompletionResponse{
		Provider: models.ProviderOpenAI,
		Model:    respModel,
		Content:  content,
		Usage:    normalizeUsage(apiResp.Usage),
		Raw:      json.RawMessage(body),
	}, nil
}

// CreateCompletionStream opens an SSE completion stream. The network
// request happens here; decoding the body is deferred to the returned
// channel's producer. The terminal chunk carries the cumulative usage the
// backend reported via stream_options.include_usage.
func (p *Provider) CreateCompletionStream(ctx context.Context, req models.ChatCompletionRequest) (<-chan provider.StreamEvent, error) {
	payload, err := p.buildPayload(req, true)
	if err != nil {
		return nil, err
	}

	httpResp, err := p.post(ctx, payload)
	if err != nil {
		return nil, err
	}

	if httpResp.StatusCode >= 400 {
		defer httpResp.Body.Close()
		return nil, parseAPIError(httpResp)
	}

	events := make(chan provider.StreamEvent)
	go p.consumeStream(ctx, httpResp.Body, payload.Model, events)
	return events, nil
}

func (p *Provider) consumeStream(ctx context.Context, body io.ReadCloser, requestModel string, events chan<- provider.StreamEvent) {
	defer close(events)
	defer body.Close()

	// Latest usage candidate observed in the stream. With include_usage the
	// usage envelope arrives after the finish_reason envelope, so it is
	// retained here and committed on the terminal chunk.
	var usageCandidate *models.UsageCounters

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		if strings.TrimSpace(line) == doneSentinel {
			emit(ctx, events, provider.StreamEvent{Chunk: models.ChatCompletionChunk{
				Provider: models.ProviderOpenAI,
				Model:    requestModel,
				Done:     true,
				Usage:    usageCandidate,
				Raw:      json.RawMessage(`{"event":"done"}`),
			}})
			return
		}
		if !strings.HasPrefix(line, dataPrefix) {
			continue
		}

		data := []byte(line[len(dataPrefix):])
		var env streamEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			emit(ctx, events, provider.StreamEvent{Err: fmt.Errorf("decode openai stream event: %w", err)})
			return
		}

		envUsage := normalizeUsage(env.Usage)
		if envUsage != nil {
			usageCandidate = envUsage
		}

		chunkModel := env.Model
		if chunkModel == "" {
			chunkModel = requestModel
		}

		var delta any
		if len(env.Choices) > 0 {
			d := env.Choices[0].Delta
			if d.Content != nil {
				delta = *d.Content
			} else if len(d.ToolCalls) > 0 {
				delta = json.RawMessage(d.ToolCalls)
			}
		}

		ok := emit(ctx, events, provider.StreamEvent{Chunk: models.ChatCompletionChunk{
			Provider: models.ProviderOpenAI,
			Model:    chunkModel,
			Delta:    delta,
			Usage:    envUsage,
			Raw:      json.RawMessage(data),
		}})
		if !ok {
			return
		}
	}

	if err := scanner.Err(); err != nil {
		emit(ctx, events, provider.StreamEvent{Err: fmt.Errorf("read openai stream: %w", err)})
		return
	}

	// EOF without the sentinel: terminate the sequence cleanly anyway so
	// consumers always observe exactly one done chunk.
	emit(ctx, events, provider.StreamEvent{Chunk: models.ChatCompletionChunk{
		Provider: models.ProviderOpenAI,
		Model:    requestModel,
		Done:     true,
		Usage:    usageCandidate,
		Raw:      json.RawMessage(`{"event":"eof"}`),
	}})
}

func emit(ctx context.Context, events chan<- provider.StreamEvent, ev provider.StreamEvent) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (p *Provider) post(ctx context.Context, payload apiPayload) (*http.Response, error) {
	apiKey, baseURL := p.settings.OpenAICredentials()
	if apiKey == "" {
		return nil, &provider.ConfigError{Missing: "OPENAI_API_KEY"}
	}
	if baseURL == "" {
		return nil, &provider.ConfigError{Missing: "OPENAI_BASE_URL"}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+completionsPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("construct request: %w", err)
	}
	httpReq.Header.Set("Content-Type", contentTypeJSON)
	httpReq.Header.Set("Accept", contentTypeJSON)
	httpReq.Header.Set("User-Agent", userAgent)
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai request failed: %w", err)
	}
	return httpResp, nil
}

// --- wire types ---

type apiPayload struct {
	Model          string               `json:"model"`
	Messages       []models.ChatMessage `json:"messages"`
	Stream         bool                 `json:"stream"`
	Temperature    *float64             `json:"temperature,omitempty"`
	MaxTokens      *int                 `json:"max_tokens,omitempty"`
	TopP           *float64             `json:"top_p,omitempty"`
	ResponseFormat map[string]any       `json:"response_format,omitempty"`
	StreamOptions  *streamOptions       `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type apiResponse struct {
	Model   string      `json:"model"`
	Choices []apiChoice `json:"choices"`
	Usage   *apiUsage   `json:"usage,omitempty"`
}

type apiChoice struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	FinishReason string `json:"finish_reason"`
}

type apiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type streamEnvelope struct {
	Model   string         `json:"model"`
	Choices []streamChoice `json:"choices"`
	Usage   *apiUsage      `json:"usage,omitempty"`
}

type streamChoice struct {
	Delta struct {
		Content   *string         `json:"content"`
		ToolCalls json.RawMessage `json:"tool_calls,omitempty"`
	} `json:"delta"`
	FinishReason *string `json:"finish_reason"`
}

func (p *Provider) buildPayload(req models.ChatCompletionRequest, stream bool) (apiPayload, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	payload := apiPayload{
		Model:       model,
		Messages:    req.Messages,
		Stream:      stream,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		TopP:        req.TopP,
	}
	if stream {
		payload.StreamOptions = &streamOptions{IncludeUsage: true}
	}

	if req.ResponseFormat != nil {
		rf, err := mapResponseFormat(req.ResponseFormat)
		if err != nil {
			return apiPayload{}, err
		}
		payload.ResponseFormat = rf
	}

	return payload, nil
}

func mapResponseFormat(f *models.ResponseFormatSpec) (map[string]any, error) {
	switch f.Kind {
	case models.FormatText:
		return map[string]any{"type": "text"}, nil
	case models.FormatJSONObject:
		return map[string]any{"type": "json_object"}, nil
	case models.FormatJSONSchema:
		if len(f.Schema) == 0 {
			return nil, provider.ErrMalformedSchema
		}

		var spec struct {
			Name   string          `json:"name"`
			Schema json.RawMessage `json:"schema"`
		}
		if err := json.Unmarshal(f.Schema, &spec); err != nil {
			return nil, fmt.Errorf("%w: %v", provider.ErrMalformedSchema, err)
		}
		if len(spec.Schema) == 0 {
			return nil, provider.ErrMalformedSchema
		}
		if spec.Name == "" {
			spec.Name = "structured_output"
		}

		return map[string]any{
			"type": "json_schema",
			"json_schema": map[string]any{
				"name":   spec.Name,
				"schema": spec.Schema,
			},
		}, nil
	default:
		return nil, fmt.Errorf("unsupported response format type %q", f.Kind)
	}
}

// normalizeUsage converts the cloud usage block to the normalized shape.
// Absent counters default to zero.
func normalizeUsage(u *apiUsage) *models.UsageCounters {
	if u == nil {
		return nil
	}
	return &models.UsageCounters{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
	}
}

func parseAPIError(resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return &provider.UpstreamError{Status: resp.StatusCode, Message: "failed to read error body"}
	}

	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		return &provider.UpstreamError{Status: resp.StatusCode, Message: envelope.Error.Message}
	}

	return &provider.UpstreamError{Status: resp.StatusCode, Message: strings.TrimSpace(string(body))}
}

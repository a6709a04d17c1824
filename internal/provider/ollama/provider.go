// Package ollama implements the ChatProvider contract for a local Ollama
// inference server: newline-delimited JSON streaming, no authentication,
// and best-effort coercion of free-form output into structured data.
package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"

	"aibridge/internal/config"
	"aibridge/internal/models"
	"aibridge/internal/provider"
)

const (
	contentTypeJSON = "application/json"
	userAgent       = "aibridge/0.1"
	chatPath        = "/api/chat"
	tagsPath        = "/api/tags"

	maxLineBytes = 1 << 20
)

// jsonRegion matches the widest brace-delimited region in free-form text.
// This is a fallback policy for structured output, not a parser; anything
// it cannot parse is returned as the original text.
var jsonRegion = regexp.MustCompile(`(?s)\{.*\}`)

// Provider implements provider.ChatProvider for the local backend.
type Provider struct {
	baseURL      string
	defaultModel string
	client       *http.Client
}

// New constructs the local adapter.
func New(cfg config.OllamaConfig, client *http.Client) (*Provider, error) {
	if client == nil {
		return nil, errors.New("http client must not be nil")
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		return nil, errors.New("base url must not be empty")
	}

	return &Provider{
		baseURL:      baseURL,
		defaultModel: cfg.DefaultModel,
		client:       client,
	}, nil
}

func (p *Provider) Name() string {
	return models.ProviderOllama
}

// ListModels queries the local server's tag listing.
func (p *Provider) ListModels(ctx context.Context) ([]models.ModelInfo, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+tagsPath, nil)
	if err != nil {
		return nil, fmt.Errorf("construct request: %w", err)
	}
	httpReq.Header.Set("Accept", contentTypeJSON)
	httpReq.Header.Set("User-Agent", userAgent)

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("ollama tags request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 400 {
		return nil, parseAPIError(httpResp)
	}

	var tags struct {
		Models []struct {
			Model string `json:"model"`
			Name  string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(httpResp.Body).Decode(&tags); err != nil {
		return nil, fmt.Errorf("decode ollama tags: %w", err)
	}

	out := make([]models.ModelInfo, 0, len(tags.Models))
	for _, m := range tags.Models {
		id := m.Model
		if id == "" {
			id = m.Name
		}
		if id == "" {
			continue
		}
		out = append(out, models.ModelInfo{
			Provider:    models.ProviderOllama,
			Model:       id,
			DisplayName: "Ollama " + id,
		})
	}
	return out, nil
}

// CreateCompletion performs a single non-streaming completion.
func (p *Provider) CreateCompletion(ctx context.Context, req models.ChatCompletionRequest) (*models.ChatCompletionResponse, error) {
	payload := p.buildPayload(req, false)

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
		return nil, fmt.Errorf("read ollama response: %w", err)
	}

	var apiResp chatEnvelope
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return nil, fmt.Errorf("decode ollama response: %w", err)
	}

	var content any = apiResp.Message.Content
	if req.ResponseFormat.Structured() {
		content = ExtractJSON(apiResp.Message.Content)
	}

	respModel := apiResp.Model
	if respModel == "" {
		respModel = payload.Model
	}

	return &models.ChatCompletionResponse{
		Provider: models.ProviderOllama,
		Model:    respModel,
		Content:  content,
		Usage:    apiResp.normalizedUsage(),
		Raw:      json.RawMessage(body),
	}, nil
}

// CreateCompletionStream opens an NDJSON completion stream. Each line maps
// to exactly one chunk; the backend's own done flag marks the terminal
// chunk and reading stops after it.
func (p *Provider) CreateCompletionStream(ctx context.Context, req models.ChatCompletionRequest) (<-chan provider.StreamEvent, error) {
	payload := p.buildPayload(req, true)

	httpResp, err := p.post(ctx, payload)
	if err != nil {
		return nil, err
	}

	if httpResp.StatusCode >= 400 {
		defer httpResp.Body.Close()
		return nil, parseAPIError(httpResp)
	}

	structured := req.ResponseFormat.Structured()
	events := make(chan provider.StreamEvent)
	go p.consumeStream(ctx, httpResp.Body, payload.Model, structured, events)
	return events, nil
}

func (p *Provider) consumeStream(ctx context.Context, body io.ReadCloser, requestModel string, structured bool, events chan<- provider.StreamEvent) {
	defer close(events)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		data := make([]byte, len(line))
		copy(data, line)

		var env chatEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			emit(ctx, events, provider.StreamEvent{Err: fmt.Errorf("decode ollama stream line: %w", err)})
			return
		}

		var delta any = env.Message.Content
		if structured && env.Message.Content != "" {
			delta = ExtractJSON(env.Message.Content)
		}

		chunkModel := env.Model
		if chunkModel == "" {
			chunkModel = requestModel
		}

		ok := emit(ctx, events, provider.StreamEvent{Chunk: models.ChatCompletionChunk{
			Provider: models.ProviderOllama,
			Model:    chunkModel,
			Delta:    delta,
			Done:     env.Done,
			Usage:    env.normalizedUsage(),
			Raw:      json.RawMessage(data),
		}})
		if !ok || env.Done {
			return
		}
	}

	if err := scanner.Err(); err != nil {
		emit(ctx, events, provider.StreamEvent{Err: fmt.Errorf("read ollama stream: %w", err)})
		return
	}

	// The body ended without a done line; close the sequence cleanly.
	emit(ctx, events, provider.StreamEvent{Chunk: models.ChatCompletionChunk{
		Provider: models.ProviderOllama,
		Model:    requestModel,
		Done:     true,
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

func (p *Provider) post(ctx context.Context, payload chatPayload) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+chatPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("construct request: %w", err)
	}
	httpReq.Header.Set("Content-Type", contentTypeJSON)
	httpReq.Header.Set("Accept", contentTypeJSON)
	httpReq.Header.Set("User-Agent", userAgent)

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("ollama request failed: %w", err)
	}
	return httpResp, nil
}

// --- wire types ---

type chatPayload struct {
	Model    string               `json:"model"`
	Messages []models.ChatMessage `json:"messages"`
	Stream   bool                 `json:"stream"`
	Options  map[string]any       `json:"options,omitempty"`
}

// chatEnvelope is both the non-streaming response shape and the per-line
// streaming shape; the final streaming line carries the eval counters.
type chatEnvelope struct {
	Model   string `json:"model"`
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Done            bool `json:"done"`
	EvalCount       int  `json:"eval_count"`
	PromptEvalCount int  `json:"prompt_eval_count"`
	// Older server builds report plain token counters instead.
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// normalizedUsage maps the local backend's counters to the normalized
// shape: prompt_eval_count and eval_count first, with the plain token
// counters as fallback. Returns nil when the envelope carries no counters.
func (e *chatEnvelope) normalizedUsage() *models.UsageCounters {
	if e.EvalCount == 0 && e.PromptEvalCount == 0 && e.PromptTokens == 0 && e.CompletionTokens == 0 {
		return nil
	}

	prompt := e.PromptEvalCount
	if prompt == 0 {
		prompt = e.PromptTokens
	}
	completion := e.EvalCount
	if completion == 0 {
		completion = e.CompletionTokens
	}

	return &models.UsageCounters{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		EvalCount:        e.EvalCount,
	}
}

func (p *Provider) buildPayload(req models.ChatCompletionRequest, stream bool) chatPayload {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	payload := chatPayload{
		Model:    model,
		Messages: p.buildMessages(req),
		Stream:   stream,
	}

	options := make(map[string]any)
	if req.Temperature != nil {
		options["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		options["top_p"] = *req.TopP
	}
	if req.MaxTokens != nil {
		options["num_predict"] = *req.MaxTokens
	}
	if len(options) > 0 {
		payload.Options = options
	}
	return payload
}

// buildMessages prepends a structured-output guardrail system message when
// the caller asked for JSON; the local server has no native response_format
// support so the instruction is the only enforcement.
func (p *Provider) buildMessages(req models.ChatCompletionRequest) []models.ChatMessage {
	if !req.ResponseFormat.Structured() {
		return req.Messages
	}

	instruction, ok := structuredInstruction(req.ResponseFormat)
	if !ok {
		return req.Messages
	}

	out := make([]models.ChatMessage, 0, len(req.Messages)+1)
	out = append(out, instruction)
	out = append(out, req.Messages...)
	return out
}

func structuredInstruction(f *models.ResponseFormatSpec) (models.ChatMessage, bool) {
	switch f.Kind {
	case models.FormatJSONObject:
		return models.ChatMessage{
			Role:    "system",
			Content: "You must answer with a single valid JSON object and no extra text.",
		}, true
	case models.FormatJSONSchema:
		schema := schemaPayload(f.Schema)
		return models.ChatMessage{
			Role: "system",
			Content: fmt.Sprintf(
				"Respond strictly with JSON that validates against the following schema: %s. No commentary.",
				schema,
			),
		}, true
	default:
		return models.ChatMessage{}, false
	}
}

// schemaPayload prefers the nested "schema" property when the caller sent
// the cloud-style {name, schema} wrapper, falling back to the whole payload.
func schemaPayload(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}

	var wrapper struct {
		Schema json.RawMessage `json:"schema"`
	}
	if err := json.Unmarshal(raw, &wrapper); err == nil && len(wrapper.Schema) > 0 {
		return string(wrapper.Schema)
	}
	return string(raw)
}

// ExtractJSON attempts to pull a JSON value out of free-form model output.
// It tries a direct parse, then the widest brace-delimited region, and
// returns the original text unchanged when both fail. Best effort only,
// never an error.
func ExtractJSON(text string) any {
	stripped := strings.TrimSpace(text)
	if stripped == "" {
		return stripped
	}

	var parsed any
	if err := json.Unmarshal([]byte(stripped), &parsed); err == nil {
		return parsed
	}

	if region := jsonRegion.FindString(stripped); region != "" {
		if err := json.Unmarshal([]byte(region), &parsed); err == nil {
			return parsed
		}
	}
	return stripped
}

func parseAPIError(resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return &provider.UpstreamError{Status: resp.StatusCode, Message: "failed to read error body"}
	}

	var envelope struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error != "" {
		return &provider.UpstreamError{Status: resp.StatusCode, Message: envelope.Error}
	}

	return &provider.UpstreamError{Status: resp.StatusCode, Message: strings.TrimSpace(string(body))}
}

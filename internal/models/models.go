// Package models defines the normalized chat schema shared by every
// provider adapter, the orchestrator, and the HTTP layer.
package models

import "encoding/json"

// Provider name constants for the two supported backends.
const (
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"
)

// Response format kinds accepted in a ChatCompletionRequest.
const (
	FormatText       = "text"
	FormatJSONObject = "json_object"
	FormatJSONSchema = "json_schema"
)

// ChatMessage is a single message in a conversation. Messages are immutable
// once constructed; their order forms the conversation.
type ChatMessage struct {
	Role    string `json:"role"` // "system", "user", "assistant" or "tool"
	Content string `json:"content"`
}

// ResponseFormatSpec governs whether and how an adapter coerces free-form
// model output into structured data. Schema is only consulted when Kind is
// "json_schema".
type ResponseFormatSpec struct {
	Kind   string          `json:"type"`
	Schema json.RawMessage `json:"json_schema,omitempty"`
}

// Structured reports whether the caller asked for anything other than plain
// text output.
func (f *ResponseFormatSpec) Structured() bool {
	return f != nil && f.Kind != "" && f.Kind != FormatText
}

// ChatCompletionRequest is the canonical request shape. Provider and Model
// jointly select the adapter and its default model; the numeric knobs are
// pointers so that "absent" is distinguishable from zero.
type ChatCompletionRequest struct {
	Provider       string              `json:"provider"`
	Model          string              `json:"model,omitempty"`
	Messages       []ChatMessage       `json:"messages"`
	Temperature    *float64            `json:"temperature,omitempty"`
	MaxTokens      *int                `json:"max_tokens,omitempty"`
	TopP           *float64            `json:"top_p,omitempty"`
	ResponseFormat *ResponseFormatSpec `json:"response_format,omitempty"`
}

// PromptChars returns the total character count of the request messages,
// used for usage accounting.
func (r ChatCompletionRequest) PromptChars() int {
	total := 0
	for _, m := range r.Messages {
		total += len(m.Content)
	}
	return total
}

// ChatCompletionResponse is the terminal, single value produced by a
// non-streaming completion. Content is free text or, when structured output
// was requested and coercion succeeded, the decoded JSON value. Raw carries
// the opaque backend payload for debugging.
type ChatCompletionResponse struct {
	Provider string          `json:"provider"`
	Model    string          `json:"model"`
	Content  any             `json:"content"`
	Usage    *UsageCounters  `json:"usage,omitempty"`
	Raw      json.RawMessage `json:"raw,omitempty"`
}

// ChatCompletionChunk is one incremental unit of a streamed completion.
// Exactly one chunk per stream carries Done=true and it is the last.
type ChatCompletionChunk struct {
	Provider string          `json:"provider"`
	Model    string          `json:"model"`
	Delta    any             `json:"delta"`
	Done     bool            `json:"done"`
	Usage    *UsageCounters  `json:"usage,omitempty"`
	Raw      json.RawMessage `json:"raw,omitempty"`
}

// UsageCounters is the normalized token accounting shape. EvalCount is the
// local backend's own generation counter, duplicated for bookkeeping; it is
// zero for the cloud backend.
type UsageCounters struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	EvalCount        int `json:"eval_count,omitempty"`
}

// ModelInfo identifies a model a provider can serve.
type ModelInfo struct {
	Provider    string `json:"provider"`
	Model       string `json:"model"`
	DisplayName string `json:"display_name"`
}

// SettingsUpdate is the payload accepted by the settings endpoint. Nil
// fields are left unchanged.
type SettingsUpdate struct {
	OpenAIAPIKey  *string `json:"openai_api_key,omitempty"`
	OpenAIBaseURL *string `json:"openai_base_url,omitempty"`
	ProfileName   *string `json:"profile_name,omitempty"`
	ProfileEmail  *string `json:"profile_email,omitempty"`
}

// SettingsView is the settings endpoint response. The API key itself is
// never echoed back, only whether one is set.
type SettingsView struct {
	OpenAIAPIKeySet bool   `json:"openai_api_key_set"`
	OpenAIBaseURL   string `json:"openai_base_url"`
	ProfileName     string `json:"profile_name"`
	ProfileEmail    string `json:"profile_email,omitempty"`
}

// Package pricing estimates the USD cost of a completed request from its
// normalized usage counters. Rates are per 1K tokens. Lookups never fail:
// unknown models and the local provider cost zero.
package pricing

import (
	"math"
	"strings"

	"aibridge/internal/models"
)

type rate struct {
	Input  float64
	Output float64
}

var openAIRates = map[string]rate{
	"gpt-4o-mini": {Input: 0.00015, Output: 0.0006},
	"gpt-4o":      {Input: 0.0025, Output: 0.01},
	"gpt-4.1":     {Input: 0.0025, Output: 0.01},
}

// KnownOpenAIModels lists the cloud models with a configured rate, used as
// the advertised catalogue fallback.
func KnownOpenAIModels() []string {
	return []string{"gpt-4o-mini", "gpt-4o", "gpt-4.1"}
}

// EstimateCostUSD computes the cost of one request. The result is rounded
// to 10 decimal places and is always >= 0.
func EstimateCostUSD(provider, model string, usage *models.UsageCounters) float64 {
	if usage == nil {
		return 0.0
	}
	if provider != models.ProviderOpenAI {
		return 0.0
	}

	r, ok := openAIRates[model]
	if !ok {
		r, ok = openAIRates[strings.ToLower(model)]
	}
	if !ok {
		return 0.0
	}

	cost := float64(usage.PromptTokens)/1000.0*r.Input +
		float64(usage.CompletionTokens)/1000.0*r.Output
	return math.Round(cost*1e10) / 1e10
}

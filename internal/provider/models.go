package provider

import (
	"math"
	"strings"

	"github.com/taskwave/taskwave/internal/domain"
)

// ---------------------------------------------------------------------------
// Model alias resolution
// ---------------------------------------------------------------------------

// DefaultAnthropicModel is the fallback model ID for the Anthropic provider
// when a user specifies "anthropic" without a specific model name.
const DefaultAnthropicModel = "claude-sonnet-4-6"

// ModelAliases maps user-friendly names to Anthropic API model IDs.
var ModelAliases = map[string]string{
	"claude-sonnet": "claude-sonnet-4-6",
	"claude-haiku":  "claude-haiku-4-5-20251001",
	"claude-opus":   "claude-opus-4-6",
}

// ResolveModel maps user-friendly names to Anthropic API model IDs.
func ResolveModel(name string) string {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return DefaultAnthropicModel
	}
	trimmed = strings.TrimPrefix(trimmed, "anthropic/")
	trimmed = strings.TrimPrefix(trimmed, "anthropic.")
	lower := strings.ToLower(trimmed)
	if resolved, ok := ModelAliases[lower]; ok {
		return resolved
	}
	return trimmed
}

// ---------------------------------------------------------------------------
// Model pricing
// ---------------------------------------------------------------------------

// PricingMap is populated at startup from the pricing config file, falling
// back to built-in defaults. Use SetPricingMap() from main. Local models
// (ollama, self-hosted OpenAI-compatible servers) are absent and cost zero.
var PricingMap map[string]domain.ModelPricing

// SetPricingMap sets the global pricing map.
func SetPricingMap(m map[string]domain.ModelPricing) {
	PricingMap = m
}

// ModelCost returns the estimated cost in USD for a given token count.
func ModelCost(modelID string, inputTokens, outputTokens int) float64 {
	p, ok := PricingMap[modelID]
	if !ok {
		return 0
	}
	return (float64(inputTokens)/1_000_000)*p.InputPerMillion +
		(float64(outputTokens)/1_000_000)*p.OutputPerMillion
}

// ModelCostWithCache returns a cache-adjusted cost estimate.
// Assumptions:
// - cache_read_input_tokens are billed at 10% of normal input.
// - cache_creation_input_tokens are billed at normal input rates.
func ModelCostWithCache(modelID string, inputTokens, outputTokens, cacheCreationInputTokens, cacheReadInputTokens int) float64 {
	// cacheCreationInputTokens reserved for future billing refinement.
	effectiveInput := inputTokens - cacheReadInputTokens + int(math.Round(float64(cacheReadInputTokens)*0.10))
	if effectiveInput < 0 {
		effectiveInput = 0
	}
	return ModelCost(modelID, effectiveInput, outputTokens)
}

// Package provider adapts the model endpoints the engine can talk to:
// Ollama's native chat API, any OpenAI-compatible server (vLLM, llama.cpp,
// LM Studio, paid OpenAI), and the Anthropic Messages API. All adapters
// stream and return the same content-block shape.
package provider

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/taskwave/taskwave/internal/domain"
)

// ---------------------------------------------------------------------------
// Provider-agnostic tool types
// ---------------------------------------------------------------------------

// ToolSpec is a provider-agnostic tool definition. Each adapter converts
// these to its own wire format.
type ToolSpec struct {
	Name        string
	Description string
	Properties  map[string]ToolProp
	Required    []string
}

// ToolProp describes a single tool input property.
type ToolProp struct {
	Type        string
	Description string
	Enum        []string
	// Items describes the element schema when Type is "array".
	Items *ToolProp
	// Properties describes nested object properties (when Type is "object" or
	// Items.Type is "object").
	Properties map[string]ToolProp
	// Required lists required fields when this prop describes an object.
	Required []string
}

// Usage contains token accounting for a streamed model call.
type Usage struct {
	InputTokens              int
	OutputTokens             int
	CacheCreationInputTokens int
	CacheReadInputTokens     int
}

// ---------------------------------------------------------------------------
// Request and Provider interface
// ---------------------------------------------------------------------------

// Request carries one model call. BaseURL selects the endpoint for adapters
// that serve multiple hosts (every pool entry has its own); empty means the
// adapter default. Temperature zero means the provider default.
type Request struct {
	Model       string
	Messages    []domain.TranscriptMessage
	Tools       []ToolSpec
	System      string
	Temperature float64
	MaxTokens   int
	APIKey      string
	BaseURL     string
	OnDelta     func(string)
}

// Provider is one model API adapter.
type Provider interface {
	// StreamChat sends the request with streaming and assembles the full
	// response. Returns content blocks, stop reason, and token usage. Stop
	// reasons are normalized to end_turn / tool_use / max_tokens.
	StreamChat(ctx context.Context, req Request) ([]domain.ContentBlock, string, Usage, error)

	// Name returns the provider name ("ollama", "openai", "anthropic").
	Name() string
}

// GetProvider returns a Provider implementation by name.
func GetProvider(name string) (Provider, error) {
	switch strings.ToLower(name) {
	case "":
		return nil, fmt.Errorf("no provider specified")
	case "ollama":
		return &OllamaProvider{}, nil
	case "openai":
		return &OpenAIProvider{}, nil
	case "anthropic":
		return &AnthropicProvider{}, nil
	default:
		return nil, fmt.Errorf("unknown provider: %s (supported: ollama, openai, anthropic)", name)
	}
}

// ---------------------------------------------------------------------------
// Shared streaming HTTP client
// ---------------------------------------------------------------------------

// streamHTTPClient is shared across all streaming API calls. A single shared
// Transport reuses connections and avoids ephemeral port exhaustion;
// DisableCompression prevents gzip-over-chunked encoding failures on SSE.
var streamHTTPClient = &http.Client{
	Transport: &http.Transport{
		TLSHandshakeTimeout:   30 * time.Second,
		ResponseHeaderTimeout: 2 * time.Minute,
		IdleConnTimeout:       90 * time.Second,
		DisableCompression:    true,
		ForceAttemptHTTP2:     true,
		MaxIdleConnsPerHost:   4,
	},
}

// CloseIdleConnections drops all idle connections from the shared HTTP
// transport. Call before retrying after a stream error so the next attempt
// gets a fresh TCP/TLS connection instead of reusing a stale pooled one.
func CloseIdleConnections() {
	streamHTTPClient.CloseIdleConnections()
}

// ---------------------------------------------------------------------------
// Model resolution
// ---------------------------------------------------------------------------

// ResolveProviderAndModel parses a model specifier like "openai/gpt-4o",
// "claude-haiku", or "qwen3:8b" into a (provider, modelID) pair. Bare names
// that match no known family fall back to fallbackProvider.
func ResolveProviderAndModel(spec, fallbackProvider string) (string, string) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return fallbackProvider, ""
	}

	if idx := strings.Index(spec, "/"); idx > 0 {
		prefix := strings.ToLower(spec[:idx])
		model := spec[idx+1:]
		switch prefix {
		case "anthropic":
			return "anthropic", ResolveModel(model)
		case "openai", "ollama":
			return prefix, model
		}
		// Unknown prefix: treat the whole spec as a model name below.
	}

	lower := strings.ToLower(spec)
	if _, ok := ModelAliases[lower]; ok {
		return "anthropic", ResolveModel(spec)
	}
	if strings.HasPrefix(lower, "claude-") {
		return "anthropic", ResolveModel(spec)
	}
	if strings.HasPrefix(lower, "gpt-") || strings.HasPrefix(lower, "o1") ||
		strings.HasPrefix(lower, "o3") || strings.HasPrefix(lower, "o4") {
		return "openai", spec
	}
	// Local model IDs usually carry a tag suffix (e.g. "qwen3:8b").
	if strings.Contains(spec, ":") {
		return "ollama", spec
	}
	return fallbackProvider, spec
}

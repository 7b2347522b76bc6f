package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/taskwave/taskwave/internal/domain"
)

func TestOllamaProvider_StreamChat_TextOnly(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		fmt.Fprintln(w, `{"message":{"content":"Hello "},"done":false}`)
		fmt.Fprintln(w, `{"message":{"content":"world"},"prompt_eval_count":12,"eval_count":7,"done":true,"done_reason":"stop"}`)
	}))
	defer ts.Close()

	p := &OllamaProvider{}
	var deltas []string
	blocks, stop, usage, err := p.StreamChat(context.Background(), Request{
		Model:   "gemma3:4b",
		BaseURL: ts.URL,
		OnDelta: func(s string) { deltas = append(deltas, s) },
	})
	if err != nil {
		t.Fatalf("StreamChat error: %v", err)
	}
	if stop != "end_turn" {
		t.Fatalf("stop = %q, want end_turn", stop)
	}
	if usage.InputTokens != 12 || usage.OutputTokens != 7 {
		t.Fatalf("usage = %+v, want input=12 output=7", usage)
	}
	if got := strings.Join(deltas, ""); got != "Hello world" {
		t.Fatalf("delta concat = %q", got)
	}
	if len(blocks) != 1 || blocks[0].Type != "text" || blocks[0].Text != "Hello world" {
		t.Fatalf("unexpected blocks: %+v", blocks)
	}
}

func TestOllamaProvider_StreamChat_ToolUse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		fmt.Fprintln(w, `{"message":{"tool_calls":[{"function":{"name":"list_files","arguments":{"path":"."}}}]}, "done":true}`)
	}))
	defer ts.Close()

	p := &OllamaProvider{}
	toolSpecs := []ToolSpec{
		{
			Name:        "list_files",
			Description: "List files",
			Properties: map[string]ToolProp{
				"path": {Type: "string"},
			},
			Required: []string{"path"},
		},
	}
	blocks, stop, _, err := p.StreamChat(context.Background(), Request{
		Model:   "gemma3:4b",
		BaseURL: ts.URL,
		Tools:   toolSpecs,
	})
	if err != nil {
		t.Fatalf("StreamChat error: %v", err)
	}
	if stop != "tool_use" {
		t.Fatalf("stop = %q, want tool_use", stop)
	}
	if len(blocks) != 1 || blocks[0].Type != "tool_use" {
		t.Fatalf("unexpected blocks: %+v", blocks)
	}
	if blocks[0].ToolName != "list_files" {
		t.Fatalf("tool name = %q, want list_files", blocks[0].ToolName)
	}
	if blocks[0].ToolInput["path"] != "." {
		t.Fatalf("tool input path = %#v, want \".\"", blocks[0].ToolInput["path"])
	}
}

func TestOllamaProvider_StreamChat_SendsOptions(t *testing.T) {
	var body map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		fmt.Fprintln(w, `{"message":{"content":"ok"},"done":true,"done_reason":"stop"}`)
	}))
	defer ts.Close()

	p := &OllamaProvider{}
	_, _, _, err := p.StreamChat(context.Background(), Request{
		Model:       "qwen3:8b",
		BaseURL:     ts.URL,
		Temperature: 0.2,
		MaxTokens:   512,
	})
	if err != nil {
		t.Fatalf("StreamChat error: %v", err)
	}
	opts, ok := body["options"].(map[string]any)
	if !ok {
		t.Fatalf("options missing from request body: %#v", body)
	}
	if opts["temperature"] != 0.2 {
		t.Errorf("temperature = %#v, want 0.2", opts["temperature"])
	}
	if opts["num_predict"] != float64(512) {
		t.Errorf("num_predict = %#v, want 512", opts["num_predict"])
	}
}

func TestBuildOllamaMessages_MapsToolHistory(t *testing.T) {
	history := []domain.TranscriptMessage{
		{
			Role: "assistant",
			Blocks: []domain.ContentBlock{
				{Type: "text", Text: "I'll list files."},
				{Type: "tool_use", ToolUseID: "t1", ToolName: "list_files", ToolInput: map[string]any{"path": "."}},
			},
		},
		{
			Role: "user",
			Blocks: []domain.ContentBlock{
				{Type: "tool_result", ToolUseID: "t1", ToolName: "list_files", ToolResult: "a.txt\nb.txt"},
			},
		},
	}
	msgs := buildOllamaMessages(history, "")
	if len(msgs) < 2 {
		t.Fatalf("expected at least 2 messages, got %d", len(msgs))
	}
	if msgs[0]["role"] != "assistant" {
		t.Fatalf("first role = %#v, want assistant", msgs[0]["role"])
	}
	if msgs[1]["role"] != "tool" {
		t.Fatalf("second role = %#v, want tool", msgs[1]["role"])
	}
}

func TestOllamaProvider_StreamChat_FallsBackWhenModelLacksToolSupport(t *testing.T) {
	callCount := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		callCount++
		if callCount == 1 {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"error":"registry.ollama.ai/library/gemma3:4b does not support tools"}`)
			return
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		fmt.Fprintln(w, `{"message":{"content":"Tool-free fallback works"},"done":true,"done_reason":"stop"}`)
	}))
	defer ts.Close()

	p := &OllamaProvider{}
	toolSpecs := []ToolSpec{
		{
			Name:        "list_files",
			Description: "List files",
			Properties: map[string]ToolProp{
				"path": {Type: "string"},
			},
			Required: []string{"path"},
		},
	}
	blocks, stop, _, err := p.StreamChat(context.Background(), Request{
		Model:   "gemma3:4b",
		BaseURL: ts.URL,
		Tools:   toolSpecs,
	})
	if err != nil {
		t.Fatalf("StreamChat error: %v", err)
	}
	if callCount != 2 {
		t.Fatalf("expected 2 requests (tools + fallback), got %d", callCount)
	}
	if stop != "end_turn" {
		t.Fatalf("stop = %q, want end_turn", stop)
	}
	if len(blocks) != 1 || blocks[0].Type != "text" {
		t.Fatalf("unexpected blocks: %+v", blocks)
	}
	if blocks[0].Text != "Tool-free fallback works" {
		t.Fatalf("text = %q", blocks[0].Text)
	}
}

func TestOllamaProvider_StreamChat_HTTPErrorIsAPIError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"error":"server busy"}`)
	}))
	defer ts.Close()

	p := &OllamaProvider{}
	_, _, _, err := p.StreamChat(context.Background(), Request{Model: "qwen3:8b", BaseURL: ts.URL})
	if err == nil {
		t.Fatal("expected error")
	}
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected *APIError, got %T", err)
	}
	if apiErr.StatusCode != 503 {
		t.Errorf("status = %d", apiErr.StatusCode)
	}
	if !apiErr.IsRetryable() {
		t.Error("503 should be retryable")
	}
}

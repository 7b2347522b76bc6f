package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/taskwave/taskwave/internal/domain"
)

func TestParseOpenAISSE_textOnly(t *testing.T) {
	sse := `data: {"choices":[{"index":0,"delta":{"role":"assistant","content":"Hello"}}]}

data: {"choices":[{"index":0,"delta":{"content":" world"}}]}

data: {"choices":[{"index":0,"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":10,"completion_tokens":2}}

data: [DONE]

`
	var deltas []string
	blocks, stop, usage, err := parseOpenAISSE(strings.NewReader(sse), func(s string) {
		deltas = append(deltas, s)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stop != "end_turn" {
		t.Errorf("stop = %q, want end_turn", stop)
	}
	if usage.InputTokens != 10 || usage.OutputTokens != 2 {
		t.Errorf("usage = %+v", usage)
	}
	if len(blocks) != 1 || blocks[0].Text != "Hello world" {
		t.Errorf("blocks = %+v", blocks)
	}
	if len(deltas) != 2 || deltas[0] != "Hello" || deltas[1] != " world" {
		t.Errorf("deltas = %v", deltas)
	}
}

func TestParseOpenAISSE_toolCalls(t *testing.T) {
	sse := `data: {"choices":[{"index":0,"delta":{"role":"assistant","content":""}}]}

data: {"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"run_bash","arguments":""}}]}}]}

data: {"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"command\":"}}]}}]}

data: {"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"ls\"}"}}]}}]}

data: {"choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}

data: [DONE]

`
	blocks, stop, _, err := parseOpenAISSE(strings.NewReader(sse), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stop != "tool_use" {
		t.Errorf("stop = %q, want tool_use", stop)
	}
	if len(blocks) != 1 {
		t.Fatalf("expected 1 tool block, got %d", len(blocks))
	}
	b := blocks[0]
	if b.Type != "tool_use" {
		t.Errorf("type = %q", b.Type)
	}
	if b.ToolUseID != "call_1" {
		t.Errorf("tool_use_id = %q", b.ToolUseID)
	}
	if b.ToolName != "run_bash" {
		t.Errorf("tool_name = %q", b.ToolName)
	}
	if b.ToolInput["command"] != "ls" {
		t.Errorf("tool_input = %v", b.ToolInput)
	}
}

func TestParseOpenAISSE_textAndTools(t *testing.T) {
	sse := `data: {"choices":[{"index":0,"delta":{"content":"thinking..."}}]}

data: {"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"c1","type":"function","function":{"name":"read_file","arguments":"{\"path\":\"main.go\"}"}}]}}]}

data: {"choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}

data: [DONE]

`
	blocks, _, _, err := parseOpenAISSE(strings.NewReader(sse), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(blocks) != 2 {
		t.Fatalf("expected 2 blocks (text + tool), got %d", len(blocks))
	}
	if blocks[0].Type != "text" || blocks[0].Text != "thinking..." {
		t.Errorf("text block = %+v", blocks[0])
	}
	if blocks[1].Type != "tool_use" || blocks[1].ToolName != "read_file" {
		t.Errorf("tool block = %+v", blocks[1])
	}
}

func TestParseOpenAISSE_invalidJSON(t *testing.T) {
	sse := `data: {invalid json}

data: {"choices":[{"index":0,"delta":{"content":"ok"}}]}

data: {"choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}

data: [DONE]

`
	blocks, _, _, err := parseOpenAISSE(strings.NewReader(sse), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Invalid JSON line is skipped; valid content still parsed
	if len(blocks) != 1 || blocks[0].Text != "ok" {
		t.Errorf("blocks = %+v", blocks)
	}
}

func TestParseOpenAISSE_emptyStream(t *testing.T) {
	blocks, stop, _, err := parseOpenAISSE(strings.NewReader("data: [DONE]\n\n"), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(blocks) != 0 {
		t.Errorf("expected 0 blocks, got %d", len(blocks))
	}
	if stop != "end_turn" {
		t.Errorf("stop = %q, want end_turn", stop)
	}
}

func TestBuildOpenAIMessages(t *testing.T) {
	t.Run("system message", func(t *testing.T) {
		msgs := buildOpenAIMessages(nil, "You are helpful.")
		if len(msgs) != 1 {
			t.Fatalf("expected 1 message, got %d", len(msgs))
		}
		if msgs[0].Role != "system" {
			t.Errorf("role = %q", msgs[0].Role)
		}
	})

	t.Run("user and assistant", func(t *testing.T) {
		history := []domain.TranscriptMessage{
			{Role: "user", Content: "hello"},
			{Role: "assistant", Content: "hi there"},
		}
		msgs := buildOpenAIMessages(history, "sys")
		if len(msgs) != 3 {
			t.Fatalf("expected 3 messages, got %d", len(msgs))
		}
		if msgs[0].Role != "system" {
			t.Errorf("msgs[0].Role = %q", msgs[0].Role)
		}
		if msgs[1].Role != "user" {
			t.Errorf("msgs[1].Role = %q", msgs[1].Role)
		}
		if msgs[2].Role != "assistant" {
			t.Errorf("msgs[2].Role = %q", msgs[2].Role)
		}
	})

	t.Run("no system", func(t *testing.T) {
		history := []domain.TranscriptMessage{
			{Role: "user", Content: "hi"},
		}
		msgs := buildOpenAIMessages(history, "")
		if len(msgs) != 1 {
			t.Fatalf("expected 1 message, got %d", len(msgs))
		}
	})

	t.Run("tool results become tool messages", func(t *testing.T) {
		history := []domain.TranscriptMessage{
			{
				Role: "user",
				Blocks: []domain.ContentBlock{
					{Type: "tool_result", ToolUseID: "call_9", ToolResult: "out"},
				},
			},
		}
		msgs := buildOpenAIMessages(history, "")
		if len(msgs) != 1 {
			t.Fatalf("expected 1 message, got %d", len(msgs))
		}
		if msgs[0].Role != "tool" {
			t.Errorf("role = %q, want tool", msgs[0].Role)
		}
		if msgs[0].ToolCallID != "call_9" {
			t.Errorf("tool_call_id = %q", msgs[0].ToolCallID)
		}
	})

	t.Run("long tool results are truncated", func(t *testing.T) {
		history := []domain.TranscriptMessage{
			{
				Role: "user",
				Blocks: []domain.ContentBlock{
					{Type: "tool_result", ToolUseID: "c1", ToolResult: strings.Repeat("x", 20000)},
				},
			},
		}
		msgs := buildOpenAIMessages(history, "")
		if len(msgs) != 1 {
			t.Fatalf("expected 1 message, got %d", len(msgs))
		}
		var content string
		if err := json.Unmarshal(msgs[0].Content, &content); err != nil {
			t.Fatalf("unmarshal content: %v", err)
		}
		if !strings.HasSuffix(content, "... (truncated for context)") {
			t.Error("expected truncation marker")
		}
		if len(content) > 10100 {
			t.Errorf("content length = %d, want <= ~10000", len(content))
		}
	})
}

func TestOpenAIProvider_Name(t *testing.T) {
	p := &OpenAIProvider{}
	if p.Name() != "openai" {
		t.Errorf("Name() = %q", p.Name())
	}
}

func TestOpenAIProvider_StreamChat_success(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("missing auth header")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"hi\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"index\":0,\"delta\":{},\"finish_reason\":\"stop\"}],\"usage\":{\"prompt_tokens\":5,\"completion_tokens\":1}}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer ts.Close()

	p := &OpenAIProvider{}
	blocks, stop, usage, err := p.StreamChat(context.Background(), Request{
		Model:   "gpt-4o",
		APIKey:  "test-key",
		BaseURL: ts.URL,
		System:  "sys",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stop != "end_turn" {
		t.Errorf("stop = %q", stop)
	}
	if len(blocks) != 1 || blocks[0].Text != "hi" {
		t.Errorf("blocks = %+v", blocks)
	}
	if usage.InputTokens != 5 {
		t.Errorf("usage = %+v", usage)
	}
}

func TestOpenAIProvider_StreamChat_httpError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("retry-after-ms", "5000")
		w.WriteHeader(429)
		fmt.Fprint(w, `{"error":{"type":"rate_limit_error","message":"slow down"}}`)
	}))
	defer ts.Close()

	p := &OpenAIProvider{}
	_, _, _, err := p.StreamChat(context.Background(), Request{Model: "gpt-4o", APIKey: "key", BaseURL: ts.URL})
	if err == nil {
		t.Fatal("expected error")
	}
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected *APIError, got %T", err)
	}
	if apiErr.StatusCode != 429 {
		t.Errorf("status = %d", apiErr.StatusCode)
	}
	if apiErr.RetryAfterMs != 5000 {
		t.Errorf("retry after = %d, want 5000", apiErr.RetryAfterMs)
	}
}

func TestOpenAIProvider_StreamChat_sendsParams(t *testing.T) {
	var reqBody openaiRequest
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(raw, &reqBody); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer ts.Close()

	p := &OpenAIProvider{}
	_, _, _, err := p.StreamChat(context.Background(), Request{
		Model:       "qwen-coder",
		BaseURL:     ts.URL + "/v1",
		Temperature: 0.3,
		MaxTokens:   2048,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reqBody.Model != "qwen-coder" {
		t.Errorf("model = %q", reqBody.Model)
	}
	if reqBody.Temperature == nil || *reqBody.Temperature != 0.3 {
		t.Errorf("temperature = %v, want 0.3", reqBody.Temperature)
	}
	if reqBody.MaxTokens != 2048 {
		t.Errorf("max_tokens = %d, want 2048", reqBody.MaxTokens)
	}
	if reqBody.StreamOptions == nil || !reqBody.StreamOptions.IncludeUsage {
		t.Error("stream_options.include_usage not set")
	}
}

func TestConvertOpenAIProp(t *testing.T) {
	prop := ToolProp{
		Type:        "array",
		Description: "list of names",
		Items:       &ToolProp{Type: "string"},
	}
	m := convertOpenAIProp(prop)
	if m["type"] != "array" {
		t.Errorf("type = %v", m["type"])
	}
	if m["description"] != "list of names" {
		t.Errorf("description = %v", m["description"])
	}
}

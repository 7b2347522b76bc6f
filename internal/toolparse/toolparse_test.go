package toolparse

import (
	"testing"
)

func TestParseCarriers(t *testing.T) {
	tests := []struct {
		name     string
		response string
		wantTool string
		wantArg  string // value of args["path"]
	}{
		{
			name:     "fenced function shape",
			response: "I'll read the file.\n```json\n{\"function\":{\"name\":\"read_file\",\"arguments\":{\"path\":\"a.txt\"}}}\n```",
			wantTool: "read_file",
			wantArg:  "a.txt",
		},
		{
			name:     "fenced flattened arguments",
			response: "```json\n{\"name\":\"read_file\",\"arguments\":{\"path\":\"b.txt\"}}\n```",
			wantTool: "read_file",
			wantArg:  "b.txt",
		},
		{
			name:     "fenced flattened parameters alias",
			response: "```\n{\"name\":\"read_file\",\"parameters\":{\"path\":\"c.txt\"}}\n```",
			wantTool: "read_file",
			wantArg:  "c.txt",
		},
		{
			name:     "bare inline object",
			response: "Let me check. {\"name\":\"read_file\",\"arguments\":{\"path\":\"d.txt\"}} Done.",
			wantTool: "read_file",
			wantArg:  "d.txt",
		},
		{
			name:     "thoughts wrapper",
			response: "{\"thoughts\":\"need the file\",\"tool_request\":{\"name\":\"read_file\",\"parameters\":{\"path\":\"e.txt\"}}}",
			wantTool: "read_file",
			wantArg:  "e.txt",
		},
		{
			name:     "tool_call tag",
			response: "<tool_call>{\"name\":\"read_file\",\"arguments\":{\"path\":\"f.txt\"}}</tool_call>",
			wantTool: "read_file",
			wantArg:  "f.txt",
		},
		{
			name:     "dotted server name",
			response: "<tool_call>{\"name\":\"db.query\",\"arguments\":{\"path\":\"g\"}}</tool_call>",
			wantTool: "db.query",
			wantArg:  "g",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Parse(tt.response)
			if len(res.Calls) != 1 {
				t.Fatalf("got %d calls, want 1: %+v", len(res.Calls), res.Calls)
			}
			call := res.Calls[0]
			if call.Name != tt.wantTool {
				t.Errorf("name = %q, want %q", call.Name, tt.wantTool)
			}
			if got, _ := call.Args["path"].(string); got != tt.wantArg {
				t.Errorf("args[path] = %q, want %q", got, tt.wantArg)
			}
			if res.Malformed != 0 {
				t.Errorf("malformed = %d, want 0", res.Malformed)
			}
		})
	}
}

func TestParseNoDoubleCount(t *testing.T) {
	t.Run("wrapper inner object counted once", func(t *testing.T) {
		res := Parse(`{"thoughts":"x","tool_request":{"name":"stat_file","parameters":{"path":"x"}}}`)
		if len(res.Calls) != 1 {
			t.Fatalf("got %d calls, want 1", len(res.Calls))
		}
	})

	t.Run("fenced object counted once", func(t *testing.T) {
		res := Parse("```json\n{\"name\":\"stat_file\",\"arguments\":{\"path\":\"x\"}}\n```")
		if len(res.Calls) != 1 {
			t.Fatalf("got %d calls, want 1", len(res.Calls))
		}
	})

	t.Run("tagged object counted once", func(t *testing.T) {
		res := Parse(`<tool_call>{"name":"stat_file","arguments":{"path":"x"}}</tool_call>`)
		if len(res.Calls) != 1 {
			t.Fatalf("got %d calls, want 1", len(res.Calls))
		}
	})
}

func TestParseOrder(t *testing.T) {
	response := `First {"name":"list_files","arguments":{"path":"src"}} then
<tool_call>{"name":"read_file","arguments":{"path":"src/main.go"}}</tool_call>`

	res := Parse(response)
	if len(res.Calls) != 2 {
		t.Fatalf("got %d calls, want 2", len(res.Calls))
	}
	if res.Calls[0].Name != "list_files" || res.Calls[1].Name != "read_file" {
		t.Errorf("order wrong: %s, %s", res.Calls[0].Name, res.Calls[1].Name)
	}
	if res.Calls[0].End > res.Calls[1].Start {
		t.Error("byte ranges overlap or are out of order")
	}
}

func TestParseThinkStripping(t *testing.T) {
	t.Run("think removed from visible", func(t *testing.T) {
		res := Parse("<think>planning my approach</think>The answer is 4.")
		if res.Visible != "The answer is 4." {
			t.Errorf("visible = %q", res.Visible)
		}
	})

	t.Run("think-only is empty", func(t *testing.T) {
		res := Parse("<think>hmm, what to do</think>")
		if res.Visible != "" {
			t.Errorf("visible = %q, want empty", res.Visible)
		}
		if len(res.Calls) != 0 {
			t.Errorf("got %d calls, want 0", len(res.Calls))
		}
	})

	t.Run("unterminated think is empty", func(t *testing.T) {
		res := Parse("<think>still going and the model stopped")
		if res.Visible != "" {
			t.Errorf("visible = %q, want empty", res.Visible)
		}
	})

	t.Run("call inside think does not execute", func(t *testing.T) {
		res := Parse(`<think>{"name":"bash","arguments":{"command":"rm -rf /"}}</think>ok`)
		if len(res.Calls) != 0 {
			t.Fatalf("got %d calls from think content, want 0", len(res.Calls))
		}
		if res.Visible != "ok" {
			t.Errorf("visible = %q", res.Visible)
		}
	})
}

func TestParseMalformedCarrier(t *testing.T) {
	t.Run("repairable json recovers", func(t *testing.T) {
		res := Parse("```json\n{\"name\":\"read_file\",\"arguments\":{\"path\":\"a.txt\",}}\n```")
		if len(res.Calls) != 1 {
			t.Fatalf("trailing comma should repair; got %d calls, malformed=%d", len(res.Calls), res.Malformed)
		}
	})

	t.Run("hopeless carrier skipped, later carrier kept", func(t *testing.T) {
		response := "<tool_call>{\"name\": read_file no quotes at all {{{</tool_call>\n" +
			"<tool_call>{\"name\":\"stat_file\",\"arguments\":{\"path\":\"x\"}}</tool_call>"
		res := Parse(response)
		if len(res.Calls) != 1 {
			t.Fatalf("got %d calls, want 1", len(res.Calls))
		}
		if res.Calls[0].Name != "stat_file" {
			t.Errorf("kept call = %q, want stat_file", res.Calls[0].Name)
		}
		if res.Malformed == 0 {
			t.Error("expected malformed count > 0")
		}
	})

	t.Run("plain prose json is not a call", func(t *testing.T) {
		res := Parse(`The plan is {"tasks":[{"id":"task_1"}]} as shown.`)
		if len(res.Calls) != 0 {
			t.Fatalf("got %d calls, want 0", len(res.Calls))
		}
		if res.Malformed != 0 {
			t.Errorf("malformed = %d, want 0", res.Malformed)
		}
	})
}

func TestParseStringArguments(t *testing.T) {
	res := Parse(`{"name":"read_file","arguments":"{\"path\":\"nested.txt\"}"}`)
	if len(res.Calls) != 1 {
		t.Fatalf("got %d calls, want 1", len(res.Calls))
	}
	if got, _ := res.Calls[0].Args["path"].(string); got != "nested.txt" {
		t.Errorf("args[path] = %q, want nested.txt", got)
	}
}

func TestSplitName(t *testing.T) {
	tests := []struct {
		in, server, tool string
	}{
		{"read_file", "", "read_file"},
		{"db.query", "db", "query"},
		{"db.schema.list", "db", "schema.list"},
		{".weird", "", ".weird"},
	}
	for _, tt := range tests {
		server, tool := SplitName(tt.in)
		if server != tt.server || tool != tt.tool {
			t.Errorf("SplitName(%q) = (%q, %q), want (%q, %q)", tt.in, server, tool, tt.server, tt.tool)
		}
	}
}

func TestLooksCorrupted(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want bool
	}{
		{"ascii text", "The answer is 4.", false},
		{"empty", "", false},
		{"leading whitespace then ascii", "   \n hello", false},
		{"garbage run", "éèêëìíîï garbage", true},
		{"cjk flood", "结果如下所示请查看", true},
		{"single unicode quote then ascii", "“quoted” plain answer", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := LooksCorrupted(tt.in); got != tt.want {
				t.Errorf("LooksCorrupted(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

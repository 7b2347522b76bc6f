// Package toolparse extracts tool calls from raw model output. Small local
// models rarely emit structured tool-use deltas; they write the call into the
// response text in one of several carrier formats. This package finds them
// all, in order, without double-counting nested carriers.
package toolparse

import (
	"encoding/json"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"github.com/kaptinlin/jsonrepair"
)

// ToolCall is one parsed tool invocation.
type ToolCall struct {
	// Name as written by the model. Undotted names resolve to built-in
	// tools at dispatch time; "server.tool" binds to that MCP server.
	Name string
	Args map[string]any
	// Raw is the carrier text the call was parsed from.
	Raw string
	// Start and End delimit the carrier in the visible response text.
	Start, End int
}

// Result is the output of Parse.
type Result struct {
	// Visible is the response with think segments stripped.
	Visible string
	// Calls are the accepted tool calls in response order.
	Calls []ToolCall
	// Malformed counts carriers that looked like tool calls but did not
	// parse even after repair. These are soft failures.
	Malformed int
}

var (
	thinkPattern    = regexp.MustCompile(`(?s)<think>.*?</think>`)
	openThinkSuffix = regexp.MustCompile(`(?s)<think>.*$`)
	toolTagPattern  = regexp.MustCompile(`(?s)<tool_call>(.*?)</tool_call>`)
	fencePattern    = regexp.MustCompile("(?s)```(?:json|JSON)?[ \t]*\n?(.*?)```")
)

// StripThink removes <think>…</think> segments (and an unterminated trailing
// <think>) and returns the remainder trimmed of outer whitespace.
func StripThink(s string) string {
	out := thinkPattern.ReplaceAllString(s, "")
	out = openThinkSuffix.ReplaceAllString(out, "")
	return strings.TrimSpace(out)
}

// Parse strips think segments from response and extracts every tool-call
// carrier from the visible text. Byte offsets in the returned calls index
// into Result.Visible.
func Parse(response string) Result {
	visible := StripThink(response)
	res := Result{Visible: visible}

	type candidate struct {
		start, end int
		inner      string
		// explicit marks tool_call tags, which always claim to carry a
		// call; failing to parse one counts as malformed.
		explicit bool
	}
	var cands []candidate

	for _, m := range toolTagPattern.FindAllStringSubmatchIndex(visible, -1) {
		cands = append(cands, candidate{m[0], m[1], visible[m[2]:m[3]], true})
	}
	for _, m := range fencePattern.FindAllStringSubmatchIndex(visible, -1) {
		cands = append(cands, candidate{m[0], m[1], visible[m[2]:m[3]], false})
	}
	for _, span := range scanObjects(visible) {
		cands = append(cands, candidate{span[0], span[1], visible[span[0]:span[1]], false})
	}

	// Response order; on ties the wider (outer) carrier wins so that inner
	// objects of wrappers and fences are discarded by containment.
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].start != cands[j].start {
			return cands[i].start < cands[j].start
		}
		return cands[i].end > cands[j].end
	})

	var accepted [][2]int
	contained := func(s, e int) bool {
		for _, a := range accepted {
			if s >= a[0] && e <= a[1] {
				return true
			}
		}
		return false
	}

	for _, c := range cands {
		if contained(c.start, c.end) {
			continue
		}
		call, ok, malformed := decodeCarrier(c.inner, c.explicit)
		if malformed {
			res.Malformed++
			continue
		}
		if !ok {
			// Valid JSON that is not a tool call (a fence of example
			// output, a data object). Not an error, not a carrier.
			continue
		}
		call.Raw = visible[c.start:c.end]
		call.Start, call.End = c.start, c.end
		res.Calls = append(res.Calls, call)
		accepted = append(accepted, [2]int{c.start, c.end})
	}

	sort.Slice(res.Calls, func(i, j int) bool { return res.Calls[i].Start < res.Calls[j].Start })
	return res
}

// scanObjects finds top-level {...} spans in s with a byte state machine,
// skipping string literals and escapes. ASCII delimiters never occur inside
// UTF-8 multi-byte sequences, so byte iteration is safe.
func scanObjects(s string) [][2]int {
	var spans [][2]int
	depth := 0
	start := -1
	inString := false
	escape := false

	for i := 0; i < len(s); i++ {
		b := s[i]
		if escape {
			escape = false
			continue
		}
		if inString {
			if b == '\\' {
				escape = true
			} else if b == '"' {
				inString = false
			}
			continue
		}
		switch b {
		case '"':
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 && start != -1 {
					spans = append(spans, [2]int{start, i + 1})
					start = -1
				}
			}
		}
	}
	return spans
}

// decodeCarrier parses one carrier's inner text. Returns the call and
// ok=true when the text is a tool call; malformed=true when the carrier
// claims to be a tool call but cannot be parsed even after repair.
func decodeCarrier(inner string, explicit bool) (call ToolCall, ok bool, malformed bool) {
	trimmed := strings.TrimSpace(inner)
	if trimmed == "" || trimmed[0] != '{' {
		return ToolCall{}, false, explicit && trimmed != ""
	}

	var obj map[string]any
	if err := json.Unmarshal([]byte(trimmed), &obj); err != nil {
		if !explicit && !looksLikeToolCall(trimmed) {
			return ToolCall{}, false, false
		}
		repaired, rerr := jsonrepair.JSONRepair(trimmed)
		if rerr != nil || json.Unmarshal([]byte(repaired), &obj) != nil {
			return ToolCall{}, false, true
		}
	}

	name, args, found := extractShape(obj)
	if !found || name == "" {
		// Explicit carriers must carry a call; bare JSON may be plain data.
		return ToolCall{}, false, explicit
	}
	return ToolCall{Name: name, Args: args}, true, false
}

// looksLikeToolCall is the cheap pre-repair gate: only strings that mention
// a tool-call key are worth repairing, everything else is prose with braces.
func looksLikeToolCall(s string) bool {
	return strings.Contains(s, `"function"`) ||
		strings.Contains(s, `"tool_request"`) ||
		(strings.Contains(s, `"name"`) &&
			(strings.Contains(s, `"arguments"`) || strings.Contains(s, `"parameters"`)))
}

// extractShape pulls (name, args) out of the supported carrier shapes:
//
//	{"function": {"name": N, "arguments": A}}
//	{"name": N, "arguments": A} / {"name": N, "parameters": A}
//	{"thoughts": T, "tool_request": {"name": N, "parameters": A}}
func extractShape(obj map[string]any) (string, map[string]any, bool) {
	if fn, ok := obj["function"].(map[string]any); ok {
		if name, args, found := nameAndArgs(fn); found {
			return name, args, true
		}
	}
	if req, ok := obj["tool_request"].(map[string]any); ok {
		if name, args, found := nameAndArgs(req); found {
			return name, args, true
		}
	}
	if name, args, found := nameAndArgs(obj); found {
		return name, args, true
	}
	return "", nil, false
}

func nameAndArgs(obj map[string]any) (string, map[string]any, bool) {
	rawName, ok := obj["name"]
	if !ok {
		return "", nil, false
	}
	name, _ := rawName.(string)
	name = strings.TrimSpace(name)

	rawArgs, ok := obj["arguments"]
	if !ok {
		rawArgs, ok = obj["parameters"]
	}
	if !ok {
		return "", nil, false
	}

	switch v := rawArgs.(type) {
	case map[string]any:
		return name, v, true
	case string:
		// Models sometimes double-encode arguments as a JSON string.
		var args map[string]any
		if err := json.Unmarshal([]byte(v), &args); err != nil {
			repaired, rerr := jsonrepair.JSONRepair(v)
			if rerr != nil || json.Unmarshal([]byte(repaired), &args) != nil {
				return name, nil, name != ""
			}
		}
		return name, args, true
	case nil:
		return name, map[string]any{}, true
	default:
		return "", nil, false
	}
}

// SplitName splits a fully-qualified tool name into (server, tool). An
// undotted name has an empty server and resolves against built-ins.
func SplitName(name string) (server, tool string) {
	if i := strings.Index(name, "."); i > 0 {
		return name[:i], name[i+1:]
	}
	return "", name
}

// LooksCorrupted reports whether s starts with garbage: the first
// non-whitespace rune is outside ASCII and the opening run of text is
// mostly non-ASCII. Leading multibyte punctuation from a model that
// answers in a different script entirely is the signature this catches.
func LooksCorrupted(s string) bool {
	runes := []rune(strings.TrimLeftFunc(s, unicode.IsSpace))
	if len(runes) == 0 || runes[0] <= 127 {
		return false
	}
	window := runes
	if len(window) > 8 {
		window = window[:8]
	}
	nonASCII := 0
	for _, r := range window {
		if r > 127 {
			nonASCII++
		}
	}
	return nonASCII*2 > len(window)
}

package artifact

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// FlattenText replaces every artifact block in s with its plain-text
// rendering, preserving the surrounding text. A string without artifact
// blocks comes back unchanged.
func FlattenText(s string) string {
	blocks := Parse(s)
	if len(blocks) == 0 {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	last := 0
	for _, blk := range blocks {
		if blk.Start < last {
			continue
		}
		b.WriteString(s[last:blk.Start])
		b.WriteString(RenderText(blk.Envelope))
		last = blk.End
	}
	b.WriteString(s[last:])
	return b.String()
}

// RenderText flattens an artifact into plain text for transcripts, logs,
// and the aggregator's input. It is lossy on purpose; the structured
// envelope stays available to frontends that want it.
func RenderText(env Envelope) string {
	data := env.Data
	head := env.Title
	if head == "" {
		head = env.Type
	}

	switch env.Type {
	case KindCode:
		lang, _ := data["language"].(string)
		src, _ := data["source"].(string)
		return fmt.Sprintf("%s\n```%s\n%s\n```", head, lang, strings.TrimRight(src, "\n"))

	case KindMarkdown:
		if content := firstString(data, "content", "text"); content != "" {
			return content
		}

	case KindDiff:
		if patch := firstString(data, "diff", "patch"); patch != "" {
			return fmt.Sprintf("%s\n```diff\n%s\n```", head, strings.TrimRight(patch, "\n"))
		}

	case KindTerminal:
		if out := firstString(data, "output", "text"); out != "" {
			return fmt.Sprintf("%s\n```\n%s\n```", head, strings.TrimRight(out, "\n"))
		}

	case KindGraphviz:
		if dot := firstString(data, "dot", "source"); dot != "" {
			return fmt.Sprintf("%s\n```dot\n%s\n```", head, strings.TrimRight(dot, "\n"))
		}

	case KindTable:
		if s := renderTable(head, data); s != "" {
			return s
		}

	case KindChecklist:
		if s := renderChecklist(head, data); s != "" {
			return s
		}

	case KindTimeline:
		if s := renderTimeline(head, data); s != "" {
			return s
		}

	case KindFiletree:
		if s := renderFiletree(head, data); s != "" {
			return s
		}

	case KindToolform, KindBatchtool, KindQuerybuilder, KindWizard:
		if s := renderForm(head, data); s != "" {
			return s
		}
	}

	// Fallback: title plus compact JSON. Covers chart, spreadsheet, gallery,
	// and any kind whose data did not match the expected shape.
	payload, err := json.Marshal(data)
	if err != nil || len(data) == 0 {
		return head
	}
	return fmt.Sprintf("%s\n%s", head, payload)
}

func firstString(data map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := data[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func renderTable(head string, data map[string]any) string {
	cols := stringSlice(data["columns"])
	rows, _ := data["rows"].([]any)
	if len(cols) == 0 && len(rows) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString(head)
	if len(cols) > 0 {
		b.WriteString("\n| " + strings.Join(cols, " | ") + " |")
		sep := make([]string, len(cols))
		for i := range sep {
			sep[i] = "---"
		}
		b.WriteString("\n| " + strings.Join(sep, " | ") + " |")
	}
	for _, raw := range rows {
		cells, _ := raw.([]any)
		parts := make([]string, len(cells))
		for i, c := range cells {
			parts[i] = fmt.Sprint(c)
		}
		b.WriteString("\n| " + strings.Join(parts, " | ") + " |")
	}
	return b.String()
}

func renderChecklist(head string, data map[string]any) string {
	items, _ := data["items"].([]any)
	if len(items) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString(head)
	for _, raw := range items {
		item, _ := raw.(map[string]any)
		text := firstString(item, "text", "label")
		mark := " "
		if done, _ := item["done"].(bool); done {
			mark = "x"
		}
		fmt.Fprintf(&b, "\n- [%s] %s", mark, text)
	}
	return b.String()
}

func renderTimeline(head string, data map[string]any) string {
	events, _ := data["events"].([]any)
	if len(events) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString(head)
	for _, raw := range events {
		ev, _ := raw.(map[string]any)
		at := firstString(ev, "at", "date", "time")
		text := firstString(ev, "text", "label", "title")
		fmt.Fprintf(&b, "\n%s  %s", at, text)
	}
	return b.String()
}

func renderFiletree(head string, data map[string]any) string {
	entries := stringSlice(data["entries"])
	if len(entries) == 0 {
		return ""
	}
	sort.Strings(entries)
	var b strings.Builder
	b.WriteString(head)
	for _, e := range entries {
		depth := strings.Count(e, "/")
		fmt.Fprintf(&b, "\n%s%s", strings.Repeat("  ", depth), e[strings.LastIndexByte(e, '/')+1:])
	}
	return b.String()
}

func renderForm(head string, data map[string]any) string {
	schema, _ := data["schema"].(map[string]any)
	if schema == nil {
		return ""
	}
	props, _ := schema["properties"].(map[string]any)
	if len(props) == 0 {
		return ""
	}
	widgets, _ := data["widgets"].(map[string]any)

	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	fmt.Fprintf(&b, "%s (form)", head)
	for _, name := range names {
		widget := "text"
		if w, ok := widgets[name].(string); ok {
			widget = w
		} else if prop, ok := props[name].(map[string]any); ok {
			widget = WidgetFor(name, prop)
		}
		fmt.Fprintf(&b, "\n  %s: %s", name, widget)
	}
	return b.String()
}

func stringSlice(v any) []string {
	raw, _ := v.([]any)
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

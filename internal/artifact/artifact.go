// Package artifact defines the structured output blocks agents emit for
// rich results: forms, charts, tables, code, spreadsheets. An artifact
// travels inside the response text as a fenced ```artifact:<kind>``` block
// (or an <artifact kind=…> tag) wrapping one {type,title,data} JSON object.
// This package parses and generates those envelopes; it never renders UI.
package artifact

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/kaptinlin/jsonrepair"
)

// Artifact kinds. The set is closed: emitting any other kind is an error.
const (
	KindToolform     = "toolform"
	KindBatchtool    = "batchtool"
	KindQuerybuilder = "querybuilder"
	KindWizard       = "wizard"
	KindSpreadsheet  = "spreadsheet"
	KindChart        = "chart"
	KindCode         = "code"
	KindMarkdown     = "markdown"
	KindFiletree     = "filetree"
	KindDiff         = "diff"
	KindTable        = "table"
	KindTimeline     = "timeline"
	KindChecklist    = "checklist"
	KindGallery      = "gallery"
	KindTerminal     = "terminal"
	KindGraphviz     = "graphviz"
)

var kindSet = map[string]bool{
	KindToolform: true, KindBatchtool: true, KindQuerybuilder: true,
	KindWizard: true, KindSpreadsheet: true, KindChart: true,
	KindCode: true, KindMarkdown: true, KindFiletree: true,
	KindDiff: true, KindTable: true, KindTimeline: true,
	KindChecklist: true, KindGallery: true, KindTerminal: true,
	KindGraphviz: true,
}

// ValidKind reports whether kind is a member of the closed kind set.
func ValidKind(kind string) bool { return kindSet[kind] }

// Kinds returns the closed kind set, sorted.
func Kinds() []string {
	out := make([]string, 0, len(kindSet))
	for k := range kindSet {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// formKinds are the kinds whose data carries a JSON-schema that a frontend
// turns into input widgets. These get widget hints attached on emit.
var formKinds = map[string]bool{
	KindToolform: true, KindBatchtool: true, KindQuerybuilder: true, KindWizard: true,
}

// Envelope is the JSON payload inside an artifact block. Type repeats the
// kind so the payload is self-describing when stored apart from its fence.
type Envelope struct {
	Type  string         `json:"type"`
	Title string         `json:"title"`
	Data  map[string]any `json:"data,omitempty"`
}

// Block is one artifact found in a response, with its byte range in the
// scanned text so transcripts can splice around it.
type Block struct {
	Kind     string
	Envelope Envelope
	Start    int
	End      int
}

var (
	fencePattern = regexp.MustCompile("(?s)```artifact:([a-z]+)[ \t]*\n(.*?)```")
	tagPattern   = regexp.MustCompile(`(?s)<artifact\s+kind="([a-z]+)"\s*>(.*?)</artifact>`)
)

// Parse extracts every artifact block from s in order. Unknown kinds and
// payloads that fail to parse even after repair are skipped; artifacts are
// decoration on a response, never a reason to reject one.
func Parse(s string) []Block {
	type match struct {
		kind       string
		inner      string
		start, end int
	}
	var cands []match
	for _, m := range fencePattern.FindAllStringSubmatchIndex(s, -1) {
		cands = append(cands, match{s[m[2]:m[3]], s[m[4]:m[5]], m[0], m[1]})
	}
	for _, m := range tagPattern.FindAllStringSubmatchIndex(s, -1) {
		cands = append(cands, match{s[m[2]:m[3]], s[m[4]:m[5]], m[0], m[1]})
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].start < cands[j].start })

	var blocks []Block
	for _, c := range cands {
		if !kindSet[c.kind] {
			continue
		}
		env, ok := decodeEnvelope(c.inner)
		if !ok {
			continue
		}
		if env.Type == "" {
			env.Type = c.kind
		}
		blocks = append(blocks, Block{Kind: c.kind, Envelope: env, Start: c.start, End: c.end})
	}
	return blocks
}

func decodeEnvelope(inner string) (Envelope, bool) {
	trimmed := strings.TrimSpace(inner)
	if trimmed == "" || trimmed[0] != '{' {
		return Envelope{}, false
	}
	var env Envelope
	if err := json.Unmarshal([]byte(trimmed), &env); err != nil {
		repaired, rerr := jsonrepair.JSONRepair(trimmed)
		if rerr != nil || json.Unmarshal([]byte(repaired), &env) != nil {
			return Envelope{}, false
		}
	}
	return env, true
}

// Format emits the fenced block for env. The kind is validated and derived
// fields (widget hints, code language) are filled in before marshaling.
func Format(kind string, env Envelope) (string, error) {
	if !kindSet[kind] {
		return "", fmt.Errorf("unknown artifact kind %q (valid: %s)", kind, strings.Join(Kinds(), ", "))
	}
	env.Type = kind
	Normalize(&env)
	payload, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding artifact: %w", err)
	}
	return fmt.Sprintf("```artifact:%s\n%s\n```", kind, payload), nil
}

// Normalize fills the derived fields models usually leave out: widget hints
// for form-like kinds and language detection for code. Existing values are
// never overwritten.
func Normalize(env *Envelope) {
	if env.Data == nil {
		return
	}
	if formKinds[env.Type] {
		if _, has := env.Data["widgets"]; !has {
			if hints := schemaWidgets(env.Data); len(hints) > 0 {
				env.Data["widgets"] = hints
			}
		}
	}
	if env.Type == KindCode {
		if lang, _ := env.Data["language"].(string); lang == "" {
			if src, _ := env.Data["source"].(string); src != "" {
				env.Data["language"] = DetectLanguage(src)
			}
		}
	}
}

// schemaWidgets walks data.schema.properties and infers a widget per
// property.
func schemaWidgets(data map[string]any) map[string]string {
	schema, _ := data["schema"].(map[string]any)
	if schema == nil {
		return nil
	}
	props, _ := schema["properties"].(map[string]any)
	if props == nil {
		return nil
	}
	hints := make(map[string]string, len(props))
	for name, raw := range props {
		prop, _ := raw.(map[string]any)
		hints[name] = WidgetFor(name, prop)
	}
	return hints
}

// WidgetFor infers the input widget for one JSON-schema property. Name
// conventions win over types: a string named "password" is a secret input
// even though its schema type is plain string.
func WidgetFor(name string, prop map[string]any) string {
	lower := strings.ToLower(name)
	typ, _ := prop["type"].(string)
	format, _ := prop["format"].(string)

	switch {
	case prop["enum"] != nil:
		return "select"
	case containsAny(lower, "password", "secret", "token", "api_key", "apikey", "credential"):
		return "secret"
	case containsAny(lower, "path", "file", "dir", "folder"):
		return "file"
	case format == "uri" || containsAny(lower, "url", "uri", "endpoint", "link"):
		return "url"
	case format == "date" || format == "date-time" || containsAny(lower, "date", "deadline", "timestamp"):
		return "date"
	}

	switch typ {
	case "boolean":
		return "checkbox"
	case "integer", "number":
		return "number"
	case "array":
		return "list"
	case "object":
		return "json"
	}
	if maxLen, ok := prop["maxLength"].(float64); ok && maxLen > 120 {
		return "textarea"
	}
	if containsAny(lower, "description", "body", "content", "message", "notes", "prompt") {
		return "textarea"
	}
	return "text"
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// DetectLanguage guesses the language of a code snippet. Chroma's analysers
// are tuned for highlighting, which is exactly the consumer here; unknown
// input comes back as "text".
func DetectLanguage(source string) string {
	lexer := lexers.Analyse(source)
	if lexer == nil {
		return "text"
	}
	name := strings.ToLower(lexer.Config().Name)
	if name == "plaintext" {
		return "text"
	}
	return name
}

// Package tools implements the built-in tool registry: filesystem access,
// shell and python execution, config edits, document extraction, web fetch,
// domain memory mutations, and artifact emitters. Every call is validated
// against the tool's JSON schema before its handler runs, and every result
// is clamped to the caller's context budget.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.uber.org/zap"

	"github.com/taskwave/taskwave/internal/memory"
	"github.com/taskwave/taskwave/internal/provider"
)

// Tool categories. Roles grant access per category, never per tool.
const (
	CategoryFilesystemRead  = "filesystem_read"
	CategoryFilesystemWrite = "filesystem_write"
	CategoryShell           = "shell"
	CategoryPython          = "python"
	CategoryConfig          = "config"
	CategoryMemory          = "memory"
	CategoryArtifact        = "artifact"
	CategoryWeb             = "web"
)

// Categories returns all category names, sorted.
func Categories() []string {
	return []string{
		CategoryArtifact, CategoryConfig, CategoryFilesystemRead,
		CategoryFilesystemWrite, CategoryMemory, CategoryPython,
		CategoryShell, CategoryWeb,
	}
}

// ErrToolNotFound marks dispatch of a name that resolves to no registered
// tool. No handler runs in that case.
var ErrToolNotFound = errors.New("tool not found")

// ErrBadArgs marks inputs rejected by schema validation before the handler
// runs.
var ErrBadArgs = errors.New("invalid arguments")

// DefaultResultBudget caps tool results when the caller sets no budget.
const DefaultResultBudget = 50 * 1024

// Context carries per-session state into handlers. One Context serves all
// tasks of a session; handlers must not mutate it.
type Context struct {
	// Workspace is the absolute directory relative paths resolve against.
	// Tools that write refuse paths outside it.
	Workspace string
	// Agent is the role name recorded on memory mutations.
	Agent string
	// Memory is the session's domain memory. Nil disables memory tools.
	Memory *memory.Memory
	// SettingsPath is the config file read_config and update_config use.
	SettingsPath string
	// ArtifactsDir receives files written by artifact emitters. Empty
	// disables the file emitters.
	ArtifactsDir string
	// ResultBudget caps result bytes per call; 0 means DefaultResultBudget.
	ResultBudget int
	Log          *zap.Logger
}

func (tc *Context) budget() int {
	if tc != nil && tc.ResultBudget > 0 {
		return tc.ResultBudget
	}
	return DefaultResultBudget
}

func (tc *Context) logger() *zap.Logger {
	if tc == nil || tc.Log == nil {
		return zap.NewNop()
	}
	return tc.Log
}

// Handler executes one validated tool call.
type Handler func(ctx context.Context, input map[string]any, tc *Context) (string, error)

// Definition binds a ToolSpec to its category and handler. The compiled
// schema is built from Spec at registration.
type Definition struct {
	Spec     provider.ToolSpec
	Category string
	Execute  Handler

	schema *jsonschema.Schema
}

// Registry is the dispatch table for built-in tools.
type Registry struct {
	defs  map[string]*Definition
	order []string
}

// NewRegistry assembles the built-in tool set. Schema compilation failures
// are programmer errors in static specs and panic; TestSchemasCompile keeps
// that path dead.
func NewRegistry() *Registry {
	defs := []Definition{
		readFileTool(), writeFileTool(), patchFileTool(),
		listFilesTool(), statFileTool(),
		runBashTool(),
		runPythonTool(), runPytestTool(),
		readConfigTool(), updateConfigTool(),
		readDocumentTool(),
		webFetchTool(),
		emitArtifactTool(), artifactSpreadsheetTool(), artifactQRCodeTool(),
	}
	defs = append(defs, memoryTools()...)

	r := &Registry{defs: make(map[string]*Definition, len(defs))}
	for i := range defs {
		def := defs[i]
		def.schema = mustCompileSchema(def.Spec)
		r.defs[def.Spec.Name] = &def
		r.order = append(r.order, def.Spec.Name)
	}
	sort.Strings(r.order)
	return r
}

// Lookup returns the definition for name.
func (r *Registry) Lookup(name string) (*Definition, bool) {
	def, ok := r.defs[name]
	return def, ok
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

// Specs returns the provider tool specs for the tools in the allowed
// categories, excluding names in disabled. A nil allowed map means every
// category.
func (r *Registry) Specs(allowed map[string]bool, disabled map[string]bool) []provider.ToolSpec {
	var out []provider.ToolSpec
	for _, name := range r.order {
		def := r.defs[name]
		if allowed != nil && !allowed[def.Category] {
			continue
		}
		if disabled[name] {
			continue
		}
		out = append(out, def.Spec)
	}
	return out
}

// Dispatch validates input against the tool's schema and runs its handler.
// Unknown names fail before any handler code runs. Results are truncated to
// the context budget with a byte-count marker.
func (r *Registry) Dispatch(ctx context.Context, name string, input map[string]any, tc *Context) (string, error) {
	def, ok := r.defs[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	if tc == nil {
		tc = &Context{}
	}

	norm, err := normalizeInput(input)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadArgs, err)
	}
	if err := def.schema.Validate(any(norm)); err != nil {
		return "", fmt.Errorf("%w for %s: %v", ErrBadArgs, name, err)
	}

	tc.logger().Debug("tool dispatch",
		zap.String("tool", name),
		zap.String("category", def.Category))

	out, err := def.Execute(ctx, norm, tc)
	if err != nil {
		return "", err
	}
	return TruncateResult(out, tc.budget()), nil
}

// normalizeInput round-trips input through JSON so handlers and the schema
// validator see canonical types (float64 numbers, []any slices) no matter
// how the map was built.
func normalizeInput(input map[string]any) (map[string]any, error) {
	if input == nil {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(input)
	if err != nil {
		return nil, err
	}
	var norm map[string]any
	if err := json.Unmarshal(raw, &norm); err != nil {
		return nil, err
	}
	return norm, nil
}

// TruncateResult clamps s to max bytes, appending the total size so the
// model knows how much it did not see. The cut falls on a line boundary
// when one is close.
func TruncateResult(s string, max int) string {
	if len(s) <= max {
		return s
	}
	total := len(s)
	cut := s[:max]
	if i := strings.LastIndexByte(cut, '\n'); i > max-200 && i > 0 {
		cut = cut[:i]
	}
	return fmt.Sprintf("%s\n(truncated, total %d bytes)", cut, total)
}

// mustCompileSchema converts a tool spec into a compiled JSON schema.
func mustCompileSchema(spec provider.ToolSpec) *jsonschema.Schema {
	doc := map[string]any{
		"type":       "object",
		"properties": propsDoc(spec.Properties),
	}
	if len(spec.Required) > 0 {
		doc["required"] = spec.Required
	}

	// Round-trip so the compiler sees decoded JSON, not Go-typed slices.
	raw, err := json.Marshal(doc)
	if err != nil {
		panic(fmt.Sprintf("tools: marshaling schema for %s: %v", spec.Name, err))
	}
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		panic(fmt.Sprintf("tools: parsing schema for %s: %v", spec.Name, err))
	}

	c := jsonschema.NewCompiler()
	url := "tool://" + spec.Name + ".json"
	if err := c.AddResource(url, parsed); err != nil {
		panic(fmt.Sprintf("tools: adding schema for %s: %v", spec.Name, err))
	}
	schema, err := c.Compile(url)
	if err != nil {
		panic(fmt.Sprintf("tools: compiling schema for %s: %v", spec.Name, err))
	}
	return schema
}

func propsDoc(props map[string]provider.ToolProp) map[string]any {
	out := make(map[string]any, len(props))
	for name, p := range props {
		out[name] = propDoc(p)
	}
	return out
}

func propDoc(p provider.ToolProp) map[string]any {
	doc := map[string]any{}
	if p.Type != "" {
		doc["type"] = p.Type
	}
	if p.Description != "" {
		doc["description"] = p.Description
	}
	if len(p.Enum) > 0 {
		doc["enum"] = p.Enum
	}
	if p.Items != nil {
		doc["items"] = propDoc(*p.Items)
	}
	if len(p.Properties) > 0 {
		doc["properties"] = propsDoc(p.Properties)
	}
	if len(p.Required) > 0 {
		doc["required"] = p.Required
	}
	return doc
}

// resolvePath resolves raw against the workspace. Read tools accept any
// resulting absolute path.
func resolvePath(tc *Context, raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("path is required")
	}
	if !filepath.IsAbs(raw) {
		raw = filepath.Join(tc.Workspace, raw)
	}
	return filepath.Clean(raw), nil
}

// resolveWritePath resolves raw and rejects paths escaping the workspace
// root. Write tools always go through this.
func resolveWritePath(tc *Context, raw string) (string, error) {
	path, err := resolvePath(tc, raw)
	if err != nil {
		return "", err
	}
	root := filepath.Clean(tc.Workspace)
	if root == "" {
		return "", fmt.Errorf("no workspace root configured")
	}
	if path != root && !strings.HasPrefix(path, root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %s escapes the workspace root %s", path, root)
	}
	return path, nil
}

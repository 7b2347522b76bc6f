package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Settings is the unified configuration document. Only the keys below are
// managed by the engine; any other key found in the settings file is
// preserved across saves (see Save).
type Settings struct {
	MCPServers      map[string]MCPServerConfig `json:"mcpServers,omitempty"`
	DisabledTools   []string                   `json:"disabledTools,omitempty"`
	DisabledServers []string                   `json:"disabledServers,omitempty"`
	ModelPool       []ModelEndpoint            `json:"modelPool,omitempty"`
	AgentModels     map[string]string          `json:"agentModels,omitempty"`
	Delegation      DelegationSettings         `json:"delegation,omitempty"`
	Validation      ValidationSettings         `json:"validation,omitempty"`
	Escalation      EscalationSettings         `json:"escalation,omitempty"`
	Memory          MemorySettings             `json:"memory,omitempty"`
	SessionTimeout  int                        `json:"sessionTimeout,omitempty"` // minutes
}

// MCPServerConfig describes how to connect to a single MCP server.
type MCPServerConfig struct {
	Transport string            `json:"transport,omitempty"` // "stdio" (default), "sse", or "http"
	Command   string            `json:"command,omitempty"`   // stdio: executable
	Args      []string          `json:"args,omitempty"`      // stdio: arguments
	Env       map[string]string `json:"env,omitempty"`       // stdio: extra env vars
	URL       string            `json:"url,omitempty"`       // sse/http: server URL
	Enabled   *bool             `json:"enabled,omitempty"`   // nil means enabled
}

// IsEnabled reports whether the server is enabled (default true).
func (sc MCPServerConfig) IsEnabled() bool {
	return sc.Enabled == nil || *sc.Enabled
}

// ModelEndpoint is one entry of the model pool.
type ModelEndpoint struct {
	URL           string `json:"url"`
	Model         string `json:"model"`
	MaxConcurrent int    `json:"max_concurrent,omitempty"`
}

// DelegationSettings controls the planner/scheduler pipeline.
type DelegationSettings struct {
	Enabled            *bool          `json:"enabled,omitempty"`
	LoopLimitOverrides map[string]int `json:"loop_limit_overrides,omitempty"`
	PlanMode           string         `json:"plan_mode,omitempty"`
	MaxTasks           int            `json:"max_tasks,omitempty"`
}

// IsEnabled reports whether delegation is enabled (default true).
func (d DelegationSettings) IsEnabled() bool { return d.Enabled == nil || *d.Enabled }

// ValidationSettings controls the quality validator.
type ValidationSettings struct {
	Enabled         bool     `json:"enabled,omitempty"`
	ValidateTasks   []string `json:"validate_tasks,omitempty"` // role names
	MaxRetries      int      `json:"max_retries,omitempty"`
	ValidationModel string   `json:"validation_model,omitempty"`
}

// EscalationSettings controls the paid fallback provider.
type EscalationSettings struct {
	Enabled   bool    `json:"enabled,omitempty"`
	Provider  string  `json:"provider,omitempty"`    // "anthropic" or "openai"
	Model     string  `json:"model,omitempty"`       // escalation model id
	APIKeyRef string  `json:"api_key_ref,omitempty"` // env var holding the key
	Threshold float64 `json:"threshold,omitempty"`   // max estimated USD per call
	RateLimit int     `json:"rate_limit,omitempty"`  // calls per hour
}

// MemorySettings controls the domain memory store.
type MemorySettings struct {
	Enabled       *bool  `json:"enabled,omitempty"`
	StorageDir    string `json:"storage_dir,omitempty"`
	DefaultDomain string `json:"default_domain,omitempty"`
	AutoPersist   *bool  `json:"auto_persist,omitempty"`
}

// IsEnabled reports whether memory is enabled (default true).
func (m MemorySettings) IsEnabled() bool { return m.Enabled == nil || *m.Enabled }

// AutoPersistEnabled reports whether memory auto-persist is on (default true).
func (m MemorySettings) AutoPersistEnabled() bool { return m.AutoPersist == nil || *m.AutoPersist }

// managedKeys are the top-level settings keys owned by the engine. Save
// merges these into the existing file; everything else is left untouched.
var managedKeys = []string{
	"mcpServers", "disabledTools", "disabledServers", "modelPool",
	"agentModels", "delegation", "validation", "escalation", "memory",
	"sessionTimeout",
}

// Load reads settings from path. A missing file yields zero-value settings
// with defaults applied; a malformed file is an error.
func Load(path string) (Settings, error) {
	var s Settings
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		applyDefaults(&s)
		return s, nil
	}
	if err != nil {
		return s, fmt.Errorf("reading settings: %w", err)
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("parsing %s: %w", path, err)
	}
	applyDefaults(&s)
	return s, nil
}

func applyDefaults(s *Settings) {
	if s.Delegation.MaxTasks <= 0 {
		s.Delegation.MaxTasks = 12
	}
	if s.Validation.MaxRetries <= 0 {
		s.Validation.MaxRetries = 3
	}
	if s.SessionTimeout <= 0 {
		s.SessionTimeout = 60
	}
	if s.Memory.StorageDir == "" {
		s.Memory.StorageDir = DefaultMemoryRoot()
	}
	if s.Memory.DefaultDomain == "" {
		s.Memory.DefaultDomain = "general"
	}
	for i := range s.ModelPool {
		if s.ModelPool[i].MaxConcurrent <= 0 {
			s.ModelPool[i].MaxConcurrent = 1
		}
	}
}

// Save merges the managed keys of s into the existing settings file and
// writes the result atomically. Keys the engine does not manage — including
// unknown keys nested inside managed objects — survive the save. Save never
// replaces the file wholesale.
func Save(path string, s Settings) error {
	existing := map[string]any{}
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, &existing); err != nil {
			return fmt.Errorf("parsing existing %s: %w", path, err)
		}
	}

	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshaling settings: %w", err)
	}
	managed := map[string]any{}
	if err := json.Unmarshal(raw, &managed); err != nil {
		return fmt.Errorf("remarshaling settings: %w", err)
	}

	for _, key := range managedKeys {
		val, ok := managed[key]
		if !ok {
			continue
		}
		existing[key] = mergeValue(existing[key], val)
	}

	return writeFileAtomic(path, existing)
}

// Update applies fn to the raw settings document and writes it back
// atomically. This is the escape hatch for targeted edits (removing a
// server, setting an arbitrary dotted key) that a struct merge cannot
// express.
func Update(path string, fn func(raw map[string]any) error) error {
	raw := map[string]any{}
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("parsing existing %s: %w", path, err)
		}
	}
	if err := fn(raw); err != nil {
		return err
	}
	return writeFileAtomic(path, raw)
}

// mergeValue deep-merges src into dst. Objects merge recursively so that
// user-added nested keys survive; arrays and scalars are replaced.
func mergeValue(dst, src any) any {
	dstMap, dstOK := dst.(map[string]any)
	srcMap, srcOK := src.(map[string]any)
	if !dstOK || !srcOK {
		return src
	}
	for k, v := range srcMap {
		dstMap[k] = mergeValue(dstMap[k], v)
	}
	return dstMap
}

func writeFileAtomic(path string, doc map[string]any) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling settings: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing settings: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing settings: %w", err)
	}
	return nil
}

// ExpandedServers returns the enabled MCP server configs with ${VAR} and
// ${VAR:-default} expansion applied to command, args, env values, and URL,
// and with each config validated. disabledServers entries are excluded.
func (s Settings) ExpandedServers() (map[string]MCPServerConfig, error) {
	disabled := make(map[string]bool, len(s.DisabledServers))
	for _, name := range s.DisabledServers {
		disabled[name] = true
	}

	out := make(map[string]MCPServerConfig, len(s.MCPServers))
	for name, sc := range s.MCPServers {
		if disabled[name] || !sc.IsEnabled() {
			continue
		}
		sc.Command = expandEnvVars(sc.Command)
		sc.URL = expandEnvVars(sc.URL)
		args := make([]string, len(sc.Args))
		for i, arg := range sc.Args {
			args[i] = expandEnvVars(arg)
		}
		sc.Args = args
		env := make(map[string]string, len(sc.Env))
		for k, v := range sc.Env {
			env[k] = expandEnvVars(v)
		}
		sc.Env = env
		if err := validateServerConfig(name, sc); err != nil {
			return nil, err
		}
		out[name] = sc
	}
	return out, nil
}

func validateServerConfig(name string, sc MCPServerConfig) error {
	switch sc.Transport {
	case "stdio", "":
		if sc.Command == "" {
			return fmt.Errorf("MCP server %q: stdio transport requires 'command'", name)
		}
	case "sse", "http":
		if sc.URL == "" {
			return fmt.Errorf("MCP server %q: %s transport requires 'url'", name, sc.Transport)
		}
	default:
		return fmt.Errorf("MCP server %q: unknown transport %q (expected 'stdio', 'sse', or 'http')", name, sc.Transport)
	}
	return nil
}

// envVarPattern matches ${VAR} and ${VAR:-default}.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// lookupEnvFunc returns (value, exists) for an environment variable.
// Override in tests to control the environment.
var lookupEnvFunc = os.LookupEnv

// expandEnvVars replaces ${VAR} and ${VAR:-default} patterns with values.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		if len(groups) >= 3 {
			defaultVal = groups[2]
		}
		val, exists := lookupEnvFunc(varName)
		if exists {
			return val
		}
		return strings.TrimSpace(defaultVal)
	})
}

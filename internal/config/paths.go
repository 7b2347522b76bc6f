package config

import (
	"os"
	"path/filepath"
	"strings"
)

// ProviderEnvVars maps provider names to their API key environment variables.
var ProviderEnvVars = map[string]string{
	"anthropic": "ANTHROPIC_API_KEY",
	"openai":    "OPENAI_API_KEY",
}

// configDirOverride is set by tests to redirect ConfigDir.
var configDirOverride string

// ConfigDir returns the config directory for taskwave.
func ConfigDir() string {
	if configDirOverride != "" {
		return configDirOverride
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "taskwave")
}

// DataDir returns ~/.local/share/taskwave, creating it if needed.
func DataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(home, ".local", "share", "taskwave")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	return dir, nil
}

// DefaultSettingsPath returns the standard settings file location.
func DefaultSettingsPath() string {
	dir := ConfigDir()
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, "settings.json")
}

// DefaultAgentsPath returns the standard agents definition file location.
// The file is optional; built-in role definitions apply when it is absent.
func DefaultAgentsPath() string {
	dir := ConfigDir()
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, "agents.yaml")
}

// DefaultMemoryRoot returns the default domain-memory storage root.
func DefaultMemoryRoot() string {
	dir, err := DataDir()
	if err != nil {
		return "memory"
	}
	return filepath.Join(dir, "memory")
}

// ResolveAPIKey resolves an API key for the given escalation provider.
// keyRef may name an environment variable directly (the escalation
// api_key_ref setting); otherwise the provider's standard variable is used.
// Local endpoints (ollama and friends) need no key.
func ResolveAPIKey(providerName, keyRef string) string {
	if keyRef != "" {
		if key := strings.TrimSpace(os.Getenv(keyRef)); key != "" {
			return key
		}
	}
	if envVar, ok := ProviderEnvVars[providerName]; ok {
		return strings.TrimSpace(os.Getenv(envVar))
	}
	return ""
}

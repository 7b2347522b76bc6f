package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Set updates a single settings key from its CLI string form. Structured
// keys (mcpServers, modelPool) are edited in the settings file directly.
func (s *Settings) Set(key, value string) error {
	value = SanitizeValue(value)

	if role, ok := strings.CutPrefix(key, "agent_models."); ok {
		role = strings.ToUpper(strings.TrimSpace(role))
		if role == "" {
			return fmt.Errorf("agent_models key needs a role, e.g. agent_models.CODER")
		}
		// Callers edit snapshots of shared settings, so replace the map
		// rather than writing through it.
		clone := make(map[string]string, len(s.AgentModels)+1)
		for k, v := range s.AgentModels {
			clone[k] = v
		}
		if value == "" {
			delete(clone, role)
		} else {
			clone[role] = value
		}
		s.AgentModels = clone
		return nil
	}

	switch key {
	case "delegation.enabled":
		b, err := ParseBoolish(value)
		if err != nil {
			return err
		}
		s.Delegation.Enabled = &b
	case "delegation.plan_mode":
		if value != "auto" && value != "single" {
			return fmt.Errorf("plan_mode must be auto or single")
		}
		s.Delegation.PlanMode = value
	case "delegation.max_tasks":
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return fmt.Errorf("max_tasks must be a non-negative integer")
		}
		s.Delegation.MaxTasks = n
	case "validation.enabled":
		b, err := ParseBoolish(value)
		if err != nil {
			return err
		}
		s.Validation.Enabled = b
	case "validation.max_retries":
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return fmt.Errorf("max_retries must be a non-negative integer")
		}
		s.Validation.MaxRetries = n
	case "validation.validation_model":
		s.Validation.ValidationModel = value
	case "escalation.enabled":
		b, err := ParseBoolish(value)
		if err != nil {
			return err
		}
		s.Escalation.Enabled = b
	case "escalation.provider":
		if value != "anthropic" && value != "openai" {
			return fmt.Errorf("escalation provider must be anthropic or openai")
		}
		s.Escalation.Provider = value
	case "escalation.model":
		s.Escalation.Model = value
	case "escalation.api_key_ref":
		s.Escalation.APIKeyRef = value
	case "escalation.threshold":
		f, err := strconv.ParseFloat(value, 64)
		if err != nil || f < 0 {
			return fmt.Errorf("threshold must be a non-negative number")
		}
		s.Escalation.Threshold = f
	case "escalation.rate_limit":
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return fmt.Errorf("rate_limit must be a non-negative integer")
		}
		s.Escalation.RateLimit = n
	case "memory.enabled":
		b, err := ParseBoolish(value)
		if err != nil {
			return err
		}
		s.Memory.Enabled = &b
	case "memory.storage_dir":
		s.Memory.StorageDir = value
	case "memory.default_domain":
		s.Memory.DefaultDomain = value
	case "memory.auto_persist":
		b, err := ParseBoolish(value)
		if err != nil {
			return err
		}
		s.Memory.AutoPersist = &b
	case "session_timeout":
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return fmt.Errorf("session_timeout must be minutes as a non-negative integer")
		}
		s.SessionTimeout = n
	case "disabled_tools":
		s.DisabledTools = splitList(value)
	case "disabled_servers":
		s.DisabledServers = splitList(value)
	default:
		return fmt.Errorf("unknown settings key: %s", key)
	}
	return nil
}

// Get returns the display value for a single settings key, or "" for
// unknown keys.
func (s Settings) Get(key string) string {
	if role, ok := strings.CutPrefix(key, "agent_models."); ok {
		return s.AgentModels[strings.ToUpper(strings.TrimSpace(role))]
	}

	switch key {
	case "delegation.enabled":
		return strconv.FormatBool(s.Delegation.IsEnabled())
	case "delegation.plan_mode":
		if s.Delegation.PlanMode == "" {
			return "auto"
		}
		return s.Delegation.PlanMode
	case "delegation.max_tasks":
		return strconv.Itoa(s.Delegation.MaxTasks)
	case "validation.enabled":
		return strconv.FormatBool(s.Validation.Enabled)
	case "validation.max_retries":
		return strconv.Itoa(s.Validation.MaxRetries)
	case "validation.validation_model":
		return s.Validation.ValidationModel
	case "escalation.enabled":
		return strconv.FormatBool(s.Escalation.Enabled)
	case "escalation.provider":
		return s.Escalation.Provider
	case "escalation.model":
		return s.Escalation.Model
	case "escalation.api_key_ref":
		return s.Escalation.APIKeyRef
	case "escalation.threshold":
		return strconv.FormatFloat(s.Escalation.Threshold, 'f', -1, 64)
	case "escalation.rate_limit":
		return strconv.Itoa(s.Escalation.RateLimit)
	case "memory.enabled":
		return strconv.FormatBool(s.Memory.IsEnabled())
	case "memory.storage_dir":
		return s.Memory.StorageDir
	case "memory.default_domain":
		return s.Memory.DefaultDomain
	case "memory.auto_persist":
		return strconv.FormatBool(s.Memory.AutoPersistEnabled())
	case "session_timeout":
		return strconv.Itoa(s.SessionTimeout)
	case "disabled_tools":
		return strings.Join(s.DisabledTools, ",")
	case "disabled_servers":
		return strings.Join(s.DisabledServers, ",")
	default:
		return ""
	}
}

// Keys returns every settable key with its display value, for `config get`
// without arguments.
func (s Settings) Keys() [][2]string {
	keys := []string{
		"delegation.enabled", "delegation.plan_mode", "delegation.max_tasks",
		"validation.enabled", "validation.max_retries", "validation.validation_model",
		"escalation.enabled", "escalation.provider", "escalation.model",
		"escalation.api_key_ref", "escalation.threshold", "escalation.rate_limit",
		"memory.enabled", "memory.storage_dir", "memory.default_domain",
		"memory.auto_persist", "session_timeout", "disabled_tools", "disabled_servers",
	}
	out := make([][2]string, 0, len(keys)+len(s.AgentModels))
	for _, k := range keys {
		out = append(out, [2]string{k, s.Get(k)})
	}
	roles := make([]string, 0, len(s.AgentModels))
	for role := range s.AgentModels {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	for _, role := range roles {
		out = append(out, [2]string{"agent_models." + role, s.AgentModels[role]})
	}
	return out
}

// SanitizeValue strips control characters that tend to sneak in when values
// are pasted into a terminal.
func SanitizeValue(s string) string {
	return strings.Map(func(r rune) rune {
		if (r < 32 && r != '\n' && r != '\t') || r == 0x7F {
			return -1
		}
		return r
	}, strings.TrimSpace(s))
}

// ParseBoolish accepts the usual spellings of a boolean flag.
func ParseBoolish(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "true", "on", "yes", "1":
		return true, nil
	case "false", "off", "no", "0":
		return false, nil
	default:
		return false, fmt.Errorf("invalid boolean value: %s (use true/false, on/off, yes/no)", s)
	}
}

func splitList(value string) []string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

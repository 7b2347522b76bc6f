package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/taskwave/taskwave/internal/config"
	"github.com/taskwave/taskwave/internal/provider"
)

func readConfigTool() Definition {
	return Definition{
		Category: CategoryConfig,
		Spec: provider.ToolSpec{
			Name:        "read_config",
			Description: "Read the engine settings file. Pass a dotted key like 'escalation.model' for one value, or no key for the whole document.",
			Properties: map[string]provider.ToolProp{
				"key": {Type: "string", Description: "Dotted key path (optional)"},
			},
		},
		Execute: func(ctx context.Context, input map[string]any, tc *Context) (string, error) {
			if tc.SettingsPath == "" {
				return "", fmt.Errorf("no settings path configured")
			}
			doc := map[string]any{}
			if data, err := os.ReadFile(tc.SettingsPath); err == nil {
				if err := json.Unmarshal(data, &doc); err != nil {
					return "", fmt.Errorf("parsing %s: %w", tc.SettingsPath, err)
				}
			} else if !os.IsNotExist(err) {
				return "", fmt.Errorf("reading %s: %w", tc.SettingsPath, err)
			}

			key := stringArg(input, "key")
			if key == "" {
				return renderJSONValue(doc), nil
			}

			var cur any = doc
			for _, part := range strings.Split(key, ".") {
				m, ok := cur.(map[string]any)
				if !ok {
					return "", fmt.Errorf("config key %q not found", key)
				}
				cur, ok = m[part]
				if !ok {
					return "", fmt.Errorf("config key %q not found", key)
				}
			}
			return renderJSONValue(cur), nil
		},
	}
}

func updateConfigTool() Definition {
	return Definition{
		Category: CategoryConfig,
		Spec: provider.ToolSpec{
			Name:        "update_config",
			Description: "Set one settings key to a JSON value, merging into the existing file. Other keys, including ones this engine does not manage, are preserved.",
			Properties: map[string]provider.ToolProp{
				"key":   {Type: "string", Description: "Dotted key path, e.g. 'escalation.enabled'"},
				"value": {Description: "New value (any JSON type)"},
			},
			Required: []string{"key", "value"},
		},
		Execute: func(ctx context.Context, input map[string]any, tc *Context) (string, error) {
			if tc.SettingsPath == "" {
				return "", fmt.Errorf("no settings path configured")
			}
			key := strings.TrimSpace(stringArg(input, "key"))
			if key == "" {
				return "", fmt.Errorf("key is required")
			}
			value := input["value"]

			err := config.Update(tc.SettingsPath, func(raw map[string]any) error {
				return setDottedKey(raw, key, value)
			})
			if err != nil {
				return "", err
			}

			encoded, _ := json.Marshal(value)
			return fmt.Sprintf("Set %s = %s", key, encoded), nil
		},
	}
}

// setDottedKey writes value at the dotted path in doc, creating intermediate
// objects. An intermediate that exists but is not an object is an error, not
// something to silently overwrite.
func setDottedKey(doc map[string]any, key string, value any) error {
	parts := strings.Split(key, ".")
	cur := doc
	for i, part := range parts[:len(parts)-1] {
		next, exists := cur[part]
		if !exists {
			child := map[string]any{}
			cur[part] = child
			cur = child
			continue
		}
		child, ok := next.(map[string]any)
		if !ok {
			return fmt.Errorf("config key %q: %s is not an object", key, strings.Join(parts[:i+1], "."))
		}
		cur = child
	}
	cur[parts[len(parts)-1]] = value
	return nil
}

// renderJSONValue prints scalars bare and composites as indented JSON.
func renderJSONValue(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return "null"
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

package mcp

import (
	"fmt"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/taskwave/taskwave/internal/provider"
)

// ToToolSpec converts a discovered server tool to a provider.ToolSpec under
// its qualified "server.tool" name. The InputSchema is whatever the server
// sent over the wire, typically a map[string]any from JSON unmarshalling.
func ToToolSpec(serverName string, tool *mcpsdk.Tool) provider.ToolSpec {
	spec := provider.ToolSpec{
		Name:        QualifiedName(serverName, tool.Name),
		Description: tool.Description,
	}

	schema, ok := tool.InputSchema.(map[string]any)
	if !ok {
		// A schema we cannot walk still yields a callable tool; the server
		// validates arguments on its side.
		return spec
	}

	spec.Properties, spec.Required = propertiesFromSchema(schema)
	return spec
}

// propertiesFromSchema pulls the top-level properties and required list out
// of a JSON Schema object map.
func propertiesFromSchema(schema map[string]any) (map[string]provider.ToolProp, []string) {
	props := map[string]provider.ToolProp{}
	if raw, ok := schema["properties"].(map[string]any); ok {
		for name, rawProp := range raw {
			pm, ok := rawProp.(map[string]any)
			if !ok {
				continue
			}
			props[name] = propFromSchema(pm)
		}
	}
	return props, stringList(schema["required"])
}

// propFromSchema converts one property schema, recursing into array items
// and nested objects.
func propFromSchema(pm map[string]any) provider.ToolProp {
	tp := provider.ToolProp{}

	if t, ok := pm["type"].(string); ok {
		tp.Type = t
	} else {
		// oneOf/anyOf/allOf and friends collapse to a generic object.
		tp.Type = "object"
	}
	if d, ok := pm["description"].(string); ok {
		tp.Description = d
	}
	if enum, ok := pm["enum"].([]any); ok {
		for _, e := range enum {
			tp.Enum = append(tp.Enum, fmt.Sprintf("%v", e))
		}
	}

	if tp.Type == "array" {
		if items, ok := pm["items"].(map[string]any); ok {
			itemProp := propFromSchema(items)
			tp.Items = &itemProp
		}
	}

	if tp.Type == "object" {
		if nested, ok := pm["properties"].(map[string]any); ok {
			tp.Properties = map[string]provider.ToolProp{}
			for name, rawProp := range nested {
				if npm, ok := rawProp.(map[string]any); ok {
					tp.Properties[name] = propFromSchema(npm)
				}
			}
		}
		tp.Required = stringList(pm["required"])
	}

	return tp
}

func stringList(raw any) []string {
	list, ok := raw.([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

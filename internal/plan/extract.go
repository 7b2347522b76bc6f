package plan

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"github.com/taskwave/taskwave/internal/toolparse"
)

// Decode extracts the plan object from raw model output. Models wrap the
// JSON in think segments, code fences, and prose; extraction is lenient
// (first balanced object wins) and only the decode itself is strict.
func Decode(raw string) (*Plan, error) {
	obj, ok := firstObject(toolparse.StripThink(raw))
	if !ok {
		return nil, fmt.Errorf("no JSON object in planner output")
	}

	var p Plan
	if err := json.Unmarshal([]byte(obj), &p); err != nil {
		repaired, rerr := jsonrepair.JSONRepair(obj)
		if rerr != nil {
			return nil, fmt.Errorf("parsing plan: %w", err)
		}
		if err := json.Unmarshal([]byte(repaired), &p); err != nil {
			return nil, fmt.Errorf("parsing repaired plan: %w", err)
		}
	}
	if p.Tasks == nil {
		return nil, fmt.Errorf(`planner output has no "tasks" array`)
	}
	for _, t := range p.Tasks {
		t.AgentType = strings.ToUpper(strings.TrimSpace(t.AgentType))
		t.ID = strings.TrimSpace(t.ID)
		t.Status = StatusPending
	}
	return &p, nil
}

// firstObject returns the first balanced top-level {...} span in s, looking
// inside code fences first so a fenced plan beats stray braces in prose.
func firstObject(s string) (string, bool) {
	if i := strings.Index(s, "```"); i >= 0 {
		rest := s[i+3:]
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
			rest = rest[nl+1:]
		}
		if j := strings.Index(rest, "```"); j >= 0 {
			if obj, ok := balancedObject(rest[:j]); ok {
				return obj, true
			}
		}
	}
	return balancedObject(s)
}

// balancedObject scans for the first complete top-level object, skipping
// string literals and escapes.
func balancedObject(s string) (string, bool) {
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
				if depth == 0 && start >= 0 {
					return s[start : i+1], true
				}
			}
		}
	}
	return "", false
}

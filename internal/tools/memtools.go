package tools

import (
	"context"
	"fmt"

	"github.com/taskwave/taskwave/internal/memory"
	"github.com/taskwave/taskwave/internal/provider"
)

// memoryTools returns the only handlers allowed to mutate domain memory.
// Everything else in the engine reads snapshots.
func memoryTools() []Definition {
	return []Definition{
		addGoalTool(), updateGoalTool(), removeGoalTool(),
		addFeatureTool(), updateFeatureTool(), updateFeatureStatusTool(),
		removeFeatureTool(), moveFeatureTool(),
		addTestResultTool(), logProgressTool(), memorySummaryTool(),
	}
}

func memoryOf(tc *Context) (*memory.Memory, error) {
	if tc == nil || tc.Memory == nil {
		return nil, fmt.Errorf("domain memory is not enabled for this session")
	}
	return tc.Memory, nil
}

func addGoalTool() Definition {
	return Definition{
		Category: CategoryMemory,
		Spec: provider.ToolSpec{
			Name:        "add_goal",
			Description: "Add a project goal to domain memory. Returns the new goal id.",
			Properties: map[string]provider.ToolProp{
				"description": {Type: "string", Description: "What the goal achieves"},
				"constraints": {Type: "array", Description: "Hard constraints on the goal", Items: &provider.ToolProp{Type: "string"}},
			},
			Required: []string{"description"},
		},
		Execute: func(ctx context.Context, input map[string]any, tc *Context) (string, error) {
			m, err := memoryOf(tc)
			if err != nil {
				return "", err
			}
			id, err := m.AddGoal(tc.Agent, stringArg(input, "description"), stringSliceArg(input, "constraints"))
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("Added goal %s: %s", id, stringArg(input, "description")), nil
		},
	}
}

func updateGoalTool() Definition {
	return Definition{
		Category: CategoryMemory,
		Spec: provider.ToolSpec{
			Name:        "update_goal",
			Description: "Edit a goal's description or constraints. At least one change is required.",
			Properties: map[string]provider.ToolProp{
				"goal_id":            {Type: "string", Description: "Goal id, e.g. G1"},
				"description":        {Type: "string", Description: "New description"},
				"add_constraints":    {Type: "array", Items: &provider.ToolProp{Type: "string"}},
				"remove_constraints": {Type: "array", Items: &provider.ToolProp{Type: "string"}},
			},
			Required: []string{"goal_id"},
		},
		Execute: func(ctx context.Context, input map[string]any, tc *Context) (string, error) {
			m, err := memoryOf(tc)
			if err != nil {
				return "", err
			}
			id := stringArg(input, "goal_id")
			err = m.UpdateGoal(tc.Agent, id, stringArg(input, "description"),
				stringSliceArg(input, "add_constraints"), stringSliceArg(input, "remove_constraints"))
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("Updated goal %s", id), nil
		},
	}
}

func removeGoalTool() Definition {
	return Definition{
		Category: CategoryMemory,
		Spec: provider.ToolSpec{
			Name:        "remove_goal",
			Description: "Remove a goal and every feature under it. Without confirm=true this is a dry run reporting what would be removed.",
			Properties: map[string]provider.ToolProp{
				"goal_id": {Type: "string", Description: "Goal id to remove"},
				"confirm": {Type: "boolean", Description: "Actually remove (default false: dry run)"},
			},
			Required: []string{"goal_id"},
		},
		Execute: func(ctx context.Context, input map[string]any, tc *Context) (string, error) {
			m, err := memoryOf(tc)
			if err != nil {
				return "", err
			}
			id := stringArg(input, "goal_id")
			confirm, _ := input["confirm"].(bool)
			n, err := m.RemoveGoal(tc.Agent, id, confirm)
			if err != nil {
				return "", err
			}
			if !confirm {
				return fmt.Sprintf("Goal %s has %d feature(s). Call again with confirm=true to remove.", id, n), nil
			}
			return fmt.Sprintf("Removed goal %s and %d feature(s)", id, n), nil
		},
	}
}

func addFeatureTool() Definition {
	return Definition{
		Category: CategoryMemory,
		Spec: provider.ToolSpec{
			Name:        "add_feature",
			Description: "Add a verifiable feature under a goal. Returns the new feature id.",
			Properties: map[string]provider.ToolProp{
				"goal_id":     {Type: "string", Description: "Parent goal id"},
				"description": {Type: "string", Description: "What the feature delivers"},
				"criteria":    {Type: "array", Description: "Acceptance criteria", Items: &provider.ToolProp{Type: "string"}},
				"priority":    {Type: "integer", Description: "Lower runs first (default 0)"},
			},
			Required: []string{"goal_id", "description"},
		},
		Execute: func(ctx context.Context, input map[string]any, tc *Context) (string, error) {
			m, err := memoryOf(tc)
			if err != nil {
				return "", err
			}
			goalID := stringArg(input, "goal_id")
			id, err := m.AddFeature(tc.Agent, goalID, stringArg(input, "description"),
				stringSliceArg(input, "criteria"), intArg(input, "priority", 0))
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("Added feature %s under %s: %s", id, goalID, stringArg(input, "description")), nil
		},
	}
}

func updateFeatureTool() Definition {
	return Definition{
		Category: CategoryMemory,
		Spec: provider.ToolSpec{
			Name:        "update_feature",
			Description: "Edit a feature's description, criteria, or priority. Status changes go through update_feature_status.",
			Properties: map[string]provider.ToolProp{
				"feature_id":      {Type: "string", Description: "Feature id, e.g. F1"},
				"description":     {Type: "string", Description: "New description"},
				"add_criteria":    {Type: "array", Items: &provider.ToolProp{Type: "string"}},
				"remove_criteria": {Type: "array", Items: &provider.ToolProp{Type: "string"}},
				"priority":        {Type: "integer", Description: "New priority"},
			},
			Required: []string{"feature_id"},
		},
		Execute: func(ctx context.Context, input map[string]any, tc *Context) (string, error) {
			m, err := memoryOf(tc)
			if err != nil {
				return "", err
			}
			var priority *int
			if v, ok := input["priority"].(float64); ok {
				p := int(v)
				priority = &p
			}
			id := stringArg(input, "feature_id")
			err = m.UpdateFeature(tc.Agent, id, stringArg(input, "description"),
				stringSliceArg(input, "add_criteria"), stringSliceArg(input, "remove_criteria"), priority)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("Updated feature %s", id), nil
		},
	}
}

func updateFeatureStatusTool() Definition {
	return Definition{
		Category: CategoryMemory,
		Spec: provider.ToolSpec{
			Name:        "update_feature_status",
			Description: "Transition a feature's status. Completing a feature with failing test results is rejected; record a passing result first.",
			Properties: map[string]provider.ToolProp{
				"feature_id": {Type: "string", Description: "Feature id"},
				"status": {Type: "string", Description: "New status",
					Enum: []string{memory.StatusPending, memory.StatusInProgress, memory.StatusCompleted, memory.StatusFailed, memory.StatusBlocked}},
				"note": {Type: "string", Description: "Optional note recorded on the feature"},
			},
			Required: []string{"feature_id", "status"},
		},
		Execute: func(ctx context.Context, input map[string]any, tc *Context) (string, error) {
			m, err := memoryOf(tc)
			if err != nil {
				return "", err
			}
			id := stringArg(input, "feature_id")
			status := stringArg(input, "status")
			if err := m.UpdateFeatureStatus(tc.Agent, id, status, stringArg(input, "note")); err != nil {
				return "", err
			}
			return fmt.Sprintf("Feature %s status set to %s", id, status), nil
		},
	}
}

func removeFeatureTool() Definition {
	return Definition{
		Category: CategoryMemory,
		Spec: provider.ToolSpec{
			Name:        "remove_feature",
			Description: "Remove a feature from its goal.",
			Properties: map[string]provider.ToolProp{
				"feature_id": {Type: "string", Description: "Feature id to remove"},
			},
			Required: []string{"feature_id"},
		},
		Execute: func(ctx context.Context, input map[string]any, tc *Context) (string, error) {
			m, err := memoryOf(tc)
			if err != nil {
				return "", err
			}
			id := stringArg(input, "feature_id")
			if err := m.RemoveFeature(tc.Agent, id); err != nil {
				return "", err
			}
			return fmt.Sprintf("Removed feature %s", id), nil
		},
	}
}

func moveFeatureTool() Definition {
	return Definition{
		Category: CategoryMemory,
		Spec: provider.ToolSpec{
			Name:        "move_feature",
			Description: "Move a feature to a different goal.",
			Properties: map[string]provider.ToolProp{
				"feature_id": {Type: "string", Description: "Feature to move"},
				"goal_id":    {Type: "string", Description: "Target goal id"},
			},
			Required: []string{"feature_id", "goal_id"},
		},
		Execute: func(ctx context.Context, input map[string]any, tc *Context) (string, error) {
			m, err := memoryOf(tc)
			if err != nil {
				return "", err
			}
			fid := stringArg(input, "feature_id")
			gid := stringArg(input, "goal_id")
			if err := m.MoveFeature(tc.Agent, fid, gid); err != nil {
				return "", err
			}
			return fmt.Sprintf("Moved feature %s to goal %s", fid, gid), nil
		},
	}
}

func addTestResultTool() Definition {
	return Definition{
		Category: CategoryMemory,
		Spec: provider.ToolSpec{
			Name:        "add_test_result",
			Description: "Record a test run for a feature. The feature's status is derived from the latest result per test; a failure blocks completion until a newer passing run.",
			Properties: map[string]provider.ToolProp{
				"feature_id": {Type: "string", Description: "Feature the test belongs to"},
				"test_id":    {Type: "string", Description: "Stable test identifier, e.g. test_login_flow"},
				"passed":     {Type: "boolean", Description: "Whether the test passed"},
				"detail":     {Type: "string", Description: "Failure detail or notes"},
			},
			Required: []string{"feature_id", "test_id", "passed"},
		},
		Execute: func(ctx context.Context, input map[string]any, tc *Context) (string, error) {
			m, err := memoryOf(tc)
			if err != nil {
				return "", err
			}
			fid := stringArg(input, "feature_id")
			testID := stringArg(input, "test_id")
			passed, _ := input["passed"].(bool)
			if err := m.AddTestResult(tc.Agent, fid, testID, passed, stringArg(input, "detail")); err != nil {
				return "", err
			}
			verdict := "passed"
			if !passed {
				verdict = "failed"
			}
			f, _, err := m.GetFeature(fid)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("Recorded %s %s for %s (status now %s)", testID, verdict, fid, f.Status), nil
		},
	}
}

func logProgressTool() Definition {
	return Definition{
		Category: CategoryMemory,
		Spec: provider.ToolSpec{
			Name:        "log_progress",
			Description: "Append a progress entry to domain memory: what was done and how it went.",
			Properties: map[string]provider.ToolProp{
				"action":     {Type: "string", Description: "What was attempted"},
				"outcome":    {Type: "string", Description: "What happened"},
				"feature_id": {Type: "string", Description: "Related feature id (optional)"},
				"artifacts":  {Type: "array", Description: "Paths or ids produced", Items: &provider.ToolProp{Type: "string"}},
			},
			Required: []string{"action", "outcome"},
		},
		Execute: func(ctx context.Context, input map[string]any, tc *Context) (string, error) {
			m, err := memoryOf(tc)
			if err != nil {
				return "", err
			}
			err = m.LogProgress(tc.Agent, stringArg(input, "action"), stringArg(input, "outcome"),
				stringArg(input, "feature_id"), stringSliceArg(input, "artifacts"))
			if err != nil {
				return "", err
			}
			return "Progress logged", nil
		},
	}
}

func memorySummaryTool() Definition {
	return Definition{
		Category: CategoryMemory,
		Spec: provider.ToolSpec{
			Name:        "get_memory_summary",
			Description: "Render the current goals, features, statuses, and recent progress.",
			Properties:  map[string]provider.ToolProp{},
		},
		Execute: func(ctx context.Context, input map[string]any, tc *Context) (string, error) {
			m, err := memoryOf(tc)
			if err != nil {
				return "", err
			}
			return m.Render(), nil
		},
	}
}

// stringSliceArg returns input[key] as a string slice, dropping non-string
// elements.
func stringSliceArg(input map[string]any, key string) []string {
	raw, _ := input[key].([]any)
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

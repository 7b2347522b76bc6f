package memory

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMemory(t *testing.T) *Memory {
	t.Helper()
	m, err := newTestStore(t).Create("coding", "sess-1", "test project")
	require.NoError(t, err)
	return m
}

func seedFeature(t *testing.T, m *Memory) (goalID, featureID string) {
	t.Helper()
	gid, err := m.AddGoal("planner", "ship the widget", nil)
	require.NoError(t, err)
	fid, err := m.AddFeature("planner", gid, "render the widget", []string{"renders"}, 1)
	require.NoError(t, err)
	return gid, fid
}

func TestAddGoalAssignsSequentialIDs(t *testing.T) {
	m := newTestMemory(t)
	g1, err := m.AddGoal("planner", "first", nil)
	require.NoError(t, err)
	g2, err := m.AddGoal("planner", "second", nil)
	require.NoError(t, err)
	assert.Equal(t, "G1", g1)
	assert.Equal(t, "G2", g2)

	_, err = m.AddGoal("planner", "   ", nil)
	require.ErrorIs(t, err, ErrInvariantViolation)
}

func TestAddFeatureRequiresGoal(t *testing.T) {
	m := newTestMemory(t)
	_, err := m.AddFeature("planner", "G99", "floats", nil, 1)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCompletionBlockedByFailingTests(t *testing.T) {
	m := newTestMemory(t)
	_, fid := seedFeature(t, m)

	require.NoError(t, m.AddTestResult("coder", fid, "test_render", false, "panic"))
	f, _, err := m.GetFeature(fid)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, f.Status)

	err = m.UpdateFeatureStatus("coder", fid, StatusCompleted, "")
	require.ErrorIs(t, err, ErrInvariantViolation)

	// A newer passing run for the same test clears the block.
	require.NoError(t, m.AddTestResult("coder", fid, "test_render", true, ""))
	require.NoError(t, m.UpdateFeatureStatus("coder", fid, StatusCompleted, "done"))

	f, _, err = m.GetFeature(fid)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, f.Status)
	assert.Contains(t, f.Notes, "done")
}

func TestForceFeatureStatusOverridesFailingTests(t *testing.T) {
	m := newTestMemory(t)
	_, fid := seedFeature(t, m)
	require.NoError(t, m.AddTestResult("coder", fid, "test_render", false, ""))

	require.NoError(t, m.ForceFeatureStatus("operator", fid, StatusCompleted, "manual override"))
	f, _, err := m.GetFeature(fid)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, f.Status)
}

func TestAddTestResultDerivesStatus(t *testing.T) {
	type result struct {
		testID string
		passed bool
	}
	tests := []struct {
		name    string
		results []result
		want    string
	}{
		{
			name:    "single pass stays in progress",
			results: []result{{"t1", true}},
			want:    StatusInProgress,
		},
		{
			name:    "single fail marks failed",
			results: []result{{"t1", false}},
			want:    StatusFailed,
		},
		{
			name:    "mixed latest results in progress",
			results: []result{{"t1", true}, {"t2", false}, {"t2", false}, {"t1", true}},
			want:    StatusInProgress,
		},
		{
			name:    "all latest failing marks failed",
			results: []result{{"t1", true}, {"t1", false}},
			want:    StatusFailed,
		},
		{
			name:    "retry flips failure back",
			results: []result{{"t1", false}, {"t1", true}},
			want:    StatusInProgress,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestMemory(t)
			_, fid := seedFeature(t, m)
			for _, r := range tt.results {
				require.NoError(t, m.AddTestResult("coder", fid, r.testID, r.passed, ""))
			}
			f, _, err := m.GetFeature(fid)
			require.NoError(t, err)
			assert.Equal(t, tt.want, f.Status)
		})
	}
}

func TestAddTestResultNeverCompletes(t *testing.T) {
	m := newTestMemory(t)
	_, fid := seedFeature(t, m)
	for i := 0; i < 5; i++ {
		require.NoError(t, m.AddTestResult("coder", fid, "t1", true, ""))
	}
	f, _, err := m.GetFeature(fid)
	require.NoError(t, err)
	assert.NotEqual(t, StatusCompleted, f.Status)
}

func TestAddTestResultValidation(t *testing.T) {
	m := newTestMemory(t)
	require.ErrorIs(t, m.AddTestResult("coder", "F99", "t1", true, ""), ErrNotFound)

	_, fid := seedFeature(t, m)
	require.ErrorIs(t, m.AddTestResult("coder", fid, "  ", true, ""), ErrInvariantViolation)
}

func TestGoalCompletionRequiresAllFeatures(t *testing.T) {
	m := newTestMemory(t)
	gid, fid := seedFeature(t, m)
	fid2, err := m.AddFeature("planner", gid, "second feature", nil, 2)
	require.NoError(t, err)

	require.NoError(t, m.UpdateFeatureStatus("coder", fid, StatusCompleted, ""))
	err = m.UpdateGoalStatus("coder", gid, StatusCompleted)
	require.ErrorIs(t, err, ErrInvariantViolation)

	require.NoError(t, m.UpdateFeatureStatus("coder", fid2, StatusCompleted, ""))
	require.NoError(t, m.UpdateGoalStatus("coder", gid, StatusCompleted))
}

func TestUpdateStatusRejectsUnknownValues(t *testing.T) {
	m := newTestMemory(t)
	gid, fid := seedFeature(t, m)
	require.ErrorIs(t, m.UpdateFeatureStatus("coder", fid, "done", ""), ErrInvariantViolation)
	require.ErrorIs(t, m.UpdateGoalStatus("coder", gid, "finished"), ErrInvariantViolation)
}

func TestUpdateGoalRoundTrip(t *testing.T) {
	m := newTestMemory(t)
	gid, err := m.AddGoal("planner", "ship it", []string{"no regressions"})
	require.NoError(t, err)

	require.NoError(t, m.UpdateGoal("operator", gid, "", []string{"under 1s latency"}, nil))
	require.NoError(t, m.UpdateGoal("operator", gid, "", nil, []string{"under 1s latency"}))

	doc := m.Snapshot()
	assert.Equal(t, []string{"no regressions"}, doc.Goals[0].Constraints)
	assert.Equal(t, "ship it", doc.Goals[0].Description)

	require.NoError(t, m.UpdateGoal("operator", gid, "ship it faster", nil, nil))
	assert.Equal(t, "ship it faster", m.Snapshot().Goals[0].Description)

	require.ErrorIs(t, m.UpdateGoal("operator", gid, "", nil, nil), ErrInvariantViolation)
	require.ErrorIs(t, m.UpdateGoal("operator", "G99", "x", nil, nil), ErrNotFound)
}

func TestUpdateFeatureRoundTrip(t *testing.T) {
	m := newTestMemory(t)
	_, fid := seedFeature(t, m)

	// Adding then removing the same criterion restores the original.
	require.NoError(t, m.UpdateFeature("operator", fid, "", []string{"fast"}, nil, nil))
	require.NoError(t, m.UpdateFeature("operator", fid, "", nil, []string{"fast"}, nil))
	f, _, err := m.GetFeature(fid)
	require.NoError(t, err)
	assert.Equal(t, []string{"renders"}, f.Criteria)

	p := 5
	require.NoError(t, m.UpdateFeature("operator", fid, "render widgets fast", nil, nil, &p))
	f, _, err = m.GetFeature(fid)
	require.NoError(t, err)
	assert.Equal(t, "render widgets fast", f.Description)
	assert.Equal(t, 5, f.Priority)

	require.ErrorIs(t, m.UpdateFeature("operator", fid, "", nil, nil, nil), ErrInvariantViolation)
	require.ErrorIs(t, m.UpdateFeature("operator", "F99", "x", nil, nil, nil), ErrNotFound)
}

func TestUpdateFeatureDedupesCriteria(t *testing.T) {
	m := newTestMemory(t)
	_, fid := seedFeature(t, m)
	require.NoError(t, m.UpdateFeature("operator", fid, "", []string{"renders", "fast", "fast"}, nil, nil))
	f, _, err := m.GetFeature(fid)
	require.NoError(t, err)
	assert.Equal(t, []string{"renders", "fast"}, f.Criteria)
}

func TestRemoveFeature(t *testing.T) {
	m := newTestMemory(t)
	gid, fid := seedFeature(t, m)

	require.NoError(t, m.RemoveFeature("operator", fid))
	_, _, err := m.GetFeature(fid)
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, m.RemoveFeature("operator", fid), ErrNotFound)

	doc := m.Snapshot()
	require.Len(t, doc.Goals, 1)
	assert.Empty(t, doc.Goals[0].Features)

	// Feature ids are never reused.
	fid2, err := m.AddFeature("planner", gid, "replacement", nil, 1)
	require.NoError(t, err)
	assert.Equal(t, "F2", fid2)
}

func TestRemoveGoalDryRun(t *testing.T) {
	m := newTestMemory(t)
	gid, _ := seedFeature(t, m)
	_, err := m.AddFeature("planner", gid, "another", nil, 1)
	require.NoError(t, err)

	n, err := m.RemoveGoal("operator", gid, false)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, m.Snapshot().Goals, 1, "dry run must not remove")

	n, err = m.RemoveGoal("operator", gid, true)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Empty(t, m.Snapshot().Goals)

	_, err = m.RemoveGoal("operator", gid, true)
	require.ErrorIs(t, err, ErrNotFound)

	// Sequence counters never rewind, so new ids stay unique.
	g2, err := m.AddGoal("planner", "replacement", nil)
	require.NoError(t, err)
	assert.Equal(t, "G2", g2)
}

func TestMoveFeature(t *testing.T) {
	m := newTestMemory(t)
	g1, fid := seedFeature(t, m)
	g2, err := m.AddGoal("planner", "second goal", nil)
	require.NoError(t, err)

	require.NoError(t, m.MoveFeature("operator", fid, g2))
	_, owner, err := m.GetFeature(fid)
	require.NoError(t, err)
	assert.Equal(t, g2, owner)

	doc := m.Snapshot()
	for _, g := range doc.Goals {
		switch g.ID {
		case g1:
			assert.Empty(t, g.Features)
		case g2:
			assert.Len(t, g.Features, 1)
		}
	}

	// Moving to the current parent is a no-op.
	require.NoError(t, m.MoveFeature("operator", fid, g2))
	require.ErrorIs(t, m.MoveFeature("operator", fid, "G99"), ErrNotFound)
	require.ErrorIs(t, m.MoveFeature("operator", "F99", g2), ErrNotFound)
}

func TestBootstrap(t *testing.T) {
	m := newTestMemory(t)
	err := m.Bootstrap("initializer", []GoalSpec{
		{
			Description: "goal one",
			Constraints: []string{"keep it small"},
			Features: []FeatureSpec{
				{Description: "feature a", Criteria: []string{"works"}, Priority: 1},
				{Description: "feature b", Priority: 2},
			},
		},
		{Description: "goal two", Features: []FeatureSpec{{Description: "feature c"}}},
	})
	require.NoError(t, err)

	doc := m.Snapshot()
	require.Len(t, doc.Goals, 2)
	assert.Equal(t, "G1", doc.Goals[0].ID)
	assert.Equal(t, "F2", doc.Goals[0].Features[1].ID)
	assert.Equal(t, "F3", doc.Goals[1].Features[0].ID)
	assert.Equal(t, StatusPending, doc.Goals[0].Features[0].Status)

	require.ErrorIs(t, m.Bootstrap("initializer", []GoalSpec{{Description: "again"}}), ErrInvariantViolation)
}

func TestBootstrapRejectsEmptySkeleton(t *testing.T) {
	m := newTestMemory(t)
	require.ErrorIs(t, m.Bootstrap("initializer", nil), ErrInvariantViolation)
}

func TestEveryMutationAppendsOneProgressEntry(t *testing.T) {
	m := newTestMemory(t)

	gid, err := m.AddGoal("planner", "goal", nil)
	require.NoError(t, err)
	fid, err := m.AddFeature("planner", gid, "feature", nil, 1)
	require.NoError(t, err)
	require.NoError(t, m.UpdateFeatureStatus("coder", fid, StatusInProgress, ""))
	require.NoError(t, m.AddTestResult("coder", fid, "t1", true, ""))
	require.NoError(t, m.SetState("coder", "k", "v"))
	require.NoError(t, m.LogProgress("coder", "note", "did a thing", fid, nil))

	assert.Len(t, m.Snapshot().Progress, 6)
}

func TestSetStateValidation(t *testing.T) {
	m := newTestMemory(t)
	require.ErrorIs(t, m.SetState("coder", "  ", 1), ErrInvariantViolation)
	require.NoError(t, m.SetState("coder", "lang", "go"))
	assert.Equal(t, "go", m.Snapshot().State["lang"])
}

func TestLogProgressUnknownFeature(t *testing.T) {
	m := newTestMemory(t)
	require.ErrorIs(t, m.LogProgress("coder", "note", "x", "F99", nil), ErrNotFound)
}

func TestRender(t *testing.T) {
	m := newTestMemory(t)
	_, fid := seedFeature(t, m)
	require.NoError(t, m.AddTestResult("coder", fid, "t1", true, ""))
	require.NoError(t, m.AddTestResult("coder", fid, "t2", false, ""))

	out := m.Render()
	assert.Contains(t, out, "test project")
	assert.Contains(t, out, "G1 [pending] ship the widget")
	assert.Contains(t, out, "F1 [in_progress] render the widget")
	assert.Contains(t, out, "(tests: 1 passing, 1 failing)")
	assert.Contains(t, out, "Recent progress:")
}

func TestRenderEmpty(t *testing.T) {
	m := newTestMemory(t)
	assert.Contains(t, m.Render(), "No goals recorded yet.")
}

func TestRenderTruncatesProgress(t *testing.T) {
	m := newTestMemory(t)
	for i := 0; i < recentProgressLines+4; i++ {
		require.NoError(t, m.LogProgress("coder", "step", "tick", "", nil))
	}
	out := m.Render()
	assert.Equal(t, recentProgressLines, strings.Count(out, "- [coder] step: tick"))
}

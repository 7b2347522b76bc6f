package memory

import (
	"fmt"
	"strings"
	"time"
)

// AddGoal appends a new goal and returns its id.
func (m *Memory) AddGoal(agent, description string, constraints []string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	description = strings.TrimSpace(description)
	if description == "" {
		return "", fmt.Errorf("%w: goal description is empty", ErrInvariantViolation)
	}

	m.doc.Metadata.GoalSeq++
	g := &Goal{
		ID:          fmt.Sprintf("G%d", m.doc.Metadata.GoalSeq),
		Description: description,
		Constraints: append([]string{}, constraints...),
		Status:      StatusPending,
		Features:    []*Feature{},
	}
	m.doc.Goals = append(m.doc.Goals, g)
	m.goals[g.ID] = g

	m.record(agent, "add_goal", fmt.Sprintf("%s: %s", g.ID, description), "", nil)
	if err := m.persistLocked(); err != nil {
		return "", err
	}
	return g.ID, nil
}

// AddFeature appends a feature to a goal and returns the feature id.
func (m *Memory) AddFeature(agent, goalID, description string, criteria []string, priority int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.goals[goalID]
	if !ok {
		return "", fmt.Errorf("%w: goal %s", ErrNotFound, goalID)
	}
	description = strings.TrimSpace(description)
	if description == "" {
		return "", fmt.Errorf("%w: feature description is empty", ErrInvariantViolation)
	}

	m.doc.Metadata.FeatureSeq++
	f := &Feature{
		ID:          fmt.Sprintf("F%d", m.doc.Metadata.FeatureSeq),
		Description: description,
		Criteria:    append([]string{}, criteria...),
		Tests:       []string{},
		TestResults: []TestResult{},
		Priority:    priority,
		Status:      StatusPending,
		Notes:       []string{},
	}
	g.Features = append(g.Features, f)
	m.features[f.ID] = f
	m.featureGoal[f.ID] = g.ID

	m.record(agent, "add_feature", fmt.Sprintf("%s under %s: %s", f.ID, g.ID, description), f.ID, nil)
	if err := m.persistLocked(); err != nil {
		return "", err
	}
	return f.ID, nil
}

// UpdateFeatureStatus transitions a feature's status. Marking a feature
// completed while its most recent test results contain a failure is an
// invariant violation; agents have no way to override that.
func (m *Memory) UpdateFeatureStatus(agent, featureID, status, note string) error {
	return m.setFeatureStatus(agent, featureID, status, note, false)
}

// ForceFeatureStatus is the administrative override for status transitions.
// It is deliberately not reachable from any tool handler.
func (m *Memory) ForceFeatureStatus(agent, featureID, status, note string) error {
	return m.setFeatureStatus(agent, featureID, status, note, true)
}

func (m *Memory) setFeatureStatus(agent, featureID, status, note string, force bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.features[featureID]
	if !ok {
		return fmt.Errorf("%w: feature %s", ErrNotFound, featureID)
	}
	if !ValidStatus(status) {
		return fmt.Errorf("%w: unknown status %q", ErrInvariantViolation, status)
	}
	if status == StatusCompleted && !force && f.hasFailingTest() {
		return fmt.Errorf("%w: feature %s has failing test results; fix them before completing", ErrInvariantViolation, featureID)
	}

	prev := f.Status
	f.Status = status
	if note = strings.TrimSpace(note); note != "" {
		f.Notes = append(f.Notes, note)
	}

	m.record(agent, "update_feature_status", fmt.Sprintf("%s: %s -> %s", featureID, prev, status), featureID, nil)
	return m.persistLocked()
}

// UpdateGoal edits a goal's description and constraint list. Adding then
// removing the same constraint restores the original goal.
func (m *Memory) UpdateGoal(agent, goalID, description string, addConstraints, removeConstraints []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.goals[goalID]
	if !ok {
		return fmt.Errorf("%w: goal %s", ErrNotFound, goalID)
	}

	var changes []string
	if description = strings.TrimSpace(description); description != "" && description != g.Description {
		g.Description = description
		changes = append(changes, "description")
	}
	if len(addConstraints) > 0 {
		g.Constraints = appendMissing(g.Constraints, addConstraints)
		changes = append(changes, fmt.Sprintf("+%d constraints", len(addConstraints)))
	}
	if len(removeConstraints) > 0 {
		g.Constraints = removeAll(g.Constraints, removeConstraints)
		changes = append(changes, fmt.Sprintf("-%d constraints", len(removeConstraints)))
	}
	if len(changes) == 0 {
		return fmt.Errorf("%w: update_goal with no changes", ErrInvariantViolation)
	}

	m.record(agent, "update_goal", fmt.Sprintf("%s: %s", goalID, strings.Join(changes, ", ")), "", nil)
	return m.persistLocked()
}

// UpdateFeature edits a feature's description, criteria, or priority. Status
// transitions go through UpdateFeatureStatus, which enforces the test-result
// invariant; this operation cannot change status.
func (m *Memory) UpdateFeature(agent, featureID, description string, addCriteria, removeCriteria []string, priority *int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.features[featureID]
	if !ok {
		return fmt.Errorf("%w: feature %s", ErrNotFound, featureID)
	}

	var changes []string
	if description = strings.TrimSpace(description); description != "" && description != f.Description {
		f.Description = description
		changes = append(changes, "description")
	}
	if len(addCriteria) > 0 {
		f.Criteria = appendMissing(f.Criteria, addCriteria)
		changes = append(changes, fmt.Sprintf("+%d criteria", len(addCriteria)))
	}
	if len(removeCriteria) > 0 {
		f.Criteria = removeAll(f.Criteria, removeCriteria)
		changes = append(changes, fmt.Sprintf("-%d criteria", len(removeCriteria)))
	}
	if priority != nil && *priority != f.Priority {
		f.Priority = *priority
		changes = append(changes, fmt.Sprintf("priority %d", *priority))
	}
	if len(changes) == 0 {
		return fmt.Errorf("%w: update_feature with no changes", ErrInvariantViolation)
	}

	m.record(agent, "update_feature", fmt.Sprintf("%s: %s", featureID, strings.Join(changes, ", ")), featureID, nil)
	return m.persistLocked()
}

// RemoveFeature deletes a feature from its goal.
func (m *Memory) RemoveFeature(agent, featureID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.features[featureID]
	if !ok {
		return fmt.Errorf("%w: feature %s", ErrNotFound, featureID)
	}
	goalID := m.featureGoal[featureID]
	g := m.goals[goalID]
	for i, cand := range g.Features {
		if cand.ID == featureID {
			g.Features = append(g.Features[:i], g.Features[i+1:]...)
			break
		}
	}
	delete(m.features, featureID)
	delete(m.featureGoal, featureID)

	m.record(agent, "remove_feature", fmt.Sprintf("%s removed from %s: %s", featureID, goalID, f.Description), "", nil)
	return m.persistLocked()
}

func appendMissing(list, add []string) []string {
	have := make(map[string]bool, len(list))
	for _, s := range list {
		have[s] = true
	}
	for _, s := range add {
		if s = strings.TrimSpace(s); s != "" && !have[s] {
			list = append(list, s)
			have[s] = true
		}
	}
	return list
}

func removeAll(list, remove []string) []string {
	drop := make(map[string]bool, len(remove))
	for _, s := range remove {
		drop[strings.TrimSpace(s)] = true
	}
	out := list[:0]
	for _, s := range list {
		if !drop[s] {
			out = append(out, s)
		}
	}
	return out
}

// UpdateGoalStatus transitions a goal's status. A goal completes only when
// every feature under it is completed.
func (m *Memory) UpdateGoalStatus(agent, goalID, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.goals[goalID]
	if !ok {
		return fmt.Errorf("%w: goal %s", ErrNotFound, goalID)
	}
	if !ValidStatus(status) {
		return fmt.Errorf("%w: unknown status %q", ErrInvariantViolation, status)
	}
	if status == StatusCompleted {
		for _, f := range g.Features {
			if f.Status != StatusCompleted {
				return fmt.Errorf("%w: goal %s has incomplete feature %s", ErrInvariantViolation, goalID, f.ID)
			}
		}
	}

	prev := g.Status
	g.Status = status
	m.record(agent, "update_goal_status", fmt.Sprintf("%s: %s -> %s", goalID, prev, status), "", nil)
	return m.persistLocked()
}

// AddTestResult appends a test execution record and derives the feature's
// status from the most recent result per test: any failing test marks the
// feature failed (in_progress when results are mixed); an all-passing set
// marks it in_progress. Completion always requires an explicit status
// update.
func (m *Memory) AddTestResult(agent, featureID, testID string, passed bool, detail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.features[featureID]
	if !ok {
		return fmt.Errorf("%w: feature %s", ErrNotFound, featureID)
	}
	testID = strings.TrimSpace(testID)
	if testID == "" {
		return fmt.Errorf("%w: test id is empty", ErrInvariantViolation)
	}

	f.TestResults = append(f.TestResults, TestResult{
		TestID: testID,
		Passed: passed,
		Detail: detail,
		At:     time.Now().UTC(),
	})
	known := false
	for _, t := range f.Tests {
		if t == testID {
			known = true
			break
		}
	}
	if !known {
		f.Tests = append(f.Tests, testID)
	}

	anyFail, anyPass := false, false
	for _, p := range f.latestResults() {
		if p {
			anyPass = true
		} else {
			anyFail = true
		}
	}
	switch {
	case anyFail && anyPass:
		f.Status = StatusInProgress
	case anyFail:
		f.Status = StatusFailed
	default:
		f.Status = StatusInProgress
	}

	verdict := "passed"
	if !passed {
		verdict = "failed"
	}
	m.record(agent, "add_test_result", fmt.Sprintf("%s %s %s -> status %s", featureID, testID, verdict, f.Status), featureID, nil)
	return m.persistLocked()
}

// LogProgress appends a free-form progress entry.
func (m *Memory) LogProgress(agent, action, outcome, featureID string, artifacts []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if featureID != "" {
		if _, ok := m.features[featureID]; !ok {
			return fmt.Errorf("%w: feature %s", ErrNotFound, featureID)
		}
	}
	m.record(agent, action, outcome, featureID, artifacts)
	return m.persistLocked()
}

// RemoveGoal deletes a goal and its features. With confirm=false it makes no
// change and returns the number of features that would be removed.
func (m *Memory) RemoveGoal(agent, goalID string, confirm bool) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.goals[goalID]
	if !ok {
		return 0, fmt.Errorf("%w: goal %s", ErrNotFound, goalID)
	}
	if !confirm {
		return len(g.Features), nil
	}

	for _, f := range g.Features {
		delete(m.features, f.ID)
		delete(m.featureGoal, f.ID)
	}
	delete(m.goals, goalID)
	for i, cand := range m.doc.Goals {
		if cand.ID == goalID {
			m.doc.Goals = append(m.doc.Goals[:i], m.doc.Goals[i+1:]...)
			break
		}
	}

	m.record(agent, "remove_goal", fmt.Sprintf("%s removed with %d features", goalID, len(g.Features)), "", nil)
	if err := m.persistLocked(); err != nil {
		return 0, err
	}
	return len(g.Features), nil
}

// MoveFeature re-parents a feature to another goal.
func (m *Memory) MoveFeature(agent, featureID, targetGoalID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.features[featureID]
	if !ok {
		return fmt.Errorf("%w: feature %s", ErrNotFound, featureID)
	}
	target, ok := m.goals[targetGoalID]
	if !ok {
		return fmt.Errorf("%w: goal %s", ErrNotFound, targetGoalID)
	}
	sourceID := m.featureGoal[featureID]
	if sourceID == targetGoalID {
		return nil
	}

	source := m.goals[sourceID]
	for i, cand := range source.Features {
		if cand.ID == featureID {
			source.Features = append(source.Features[:i], source.Features[i+1:]...)
			break
		}
	}
	target.Features = append(target.Features, f)
	m.featureGoal[featureID] = targetGoalID

	m.record(agent, "move_feature", fmt.Sprintf("%s: %s -> %s", featureID, sourceID, targetGoalID), featureID, nil)
	return m.persistLocked()
}

// SetState stores a value in the domain-specific state map. Values are
// replaced wholesale, never mutated in place.
func (m *Memory) SetState(agent, key string, value any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("%w: state key is empty", ErrInvariantViolation)
	}
	m.doc.State[key] = value

	m.record(agent, "set_state", key, "", nil)
	return m.persistLocked()
}

// GoalSpec and FeatureSpec describe the initializer's bootstrap skeleton.
type GoalSpec struct {
	Description string        `json:"description"`
	Constraints []string      `json:"constraints,omitempty"`
	Features    []FeatureSpec `json:"features"`
}

// FeatureSpec is one feature in a bootstrap skeleton.
type FeatureSpec struct {
	Description string   `json:"description"`
	Criteria    []string `json:"criteria,omitempty"`
	Priority    int      `json:"priority,omitempty"`
}

// Bootstrap populates an empty memory with the goal skeleton in one write.
// It rejects memories that already have goals.
func (m *Memory) Bootstrap(agent string, goals []GoalSpec) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.doc.Goals) > 0 {
		return fmt.Errorf("%w: memory already has goals", ErrInvariantViolation)
	}
	if len(goals) == 0 {
		return fmt.Errorf("%w: bootstrap skeleton is empty", ErrInvariantViolation)
	}

	for _, gs := range goals {
		desc := strings.TrimSpace(gs.Description)
		if desc == "" {
			return fmt.Errorf("%w: goal description is empty", ErrInvariantViolation)
		}
		m.doc.Metadata.GoalSeq++
		g := &Goal{
			ID:          fmt.Sprintf("G%d", m.doc.Metadata.GoalSeq),
			Description: desc,
			Constraints: append([]string{}, gs.Constraints...),
			Status:      StatusPending,
			Features:    []*Feature{},
		}
		for _, fs := range gs.Features {
			fdesc := strings.TrimSpace(fs.Description)
			if fdesc == "" {
				continue
			}
			m.doc.Metadata.FeatureSeq++
			f := &Feature{
				ID:          fmt.Sprintf("F%d", m.doc.Metadata.FeatureSeq),
				Description: fdesc,
				Criteria:    append([]string{}, fs.Criteria...),
				Tests:       []string{},
				TestResults: []TestResult{},
				Priority:    fs.Priority,
				Status:      StatusPending,
				Notes:       []string{},
			}
			g.Features = append(g.Features, f)
			m.features[f.ID] = f
			m.featureGoal[f.ID] = g.ID
		}
		m.doc.Goals = append(m.doc.Goals, g)
		m.goals[g.ID] = g
	}

	m.record(agent, "bootstrap", fmt.Sprintf("%d goals, %d features", len(m.doc.Goals), len(m.features)), "", nil)
	return m.persistLocked()
}

// GetFeature returns a copy of the feature and its owning goal id.
func (m *Memory) GetFeature(featureID string) (Feature, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.features[featureID]
	if !ok {
		return Feature{}, "", fmt.Errorf("%w: feature %s", ErrNotFound, featureID)
	}
	fc := *f
	fc.Criteria = append([]string(nil), f.Criteria...)
	fc.Tests = append([]string(nil), f.Tests...)
	fc.TestResults = append([]TestResult(nil), f.TestResults...)
	fc.Notes = append([]string(nil), f.Notes...)
	return fc, m.featureGoal[featureID], nil
}

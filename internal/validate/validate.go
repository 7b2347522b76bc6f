// Package validate judges task output with a second model. For configured
// roles the executor submits each candidate result here; an invalid verdict
// carries feedback that the executor injects into the retry prompt.
package validate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"
	"go.uber.org/zap"

	"github.com/taskwave/taskwave/internal/config"
	"github.com/taskwave/taskwave/internal/domain"
	"github.com/taskwave/taskwave/internal/tokens"
	"github.com/taskwave/taskwave/internal/toolparse"
)

// DefaultMaxRetries bounds validation-driven retries per task.
const DefaultMaxRetries = 3

// candidateBudget caps how much of the candidate the judge sees.
const candidateBudget = 4096

// Verdict is the judge's decision on one candidate.
type Verdict struct {
	Valid    bool   `json:"valid"`
	Feedback string `json:"feedback,omitempty"`
}

// Caller performs the judging model call and returns the raw response text.
type Caller func(ctx context.Context, system, prompt string) (string, error)

// Validator holds the judging configuration. A nil *Validator or a disabled
// one approves everything.
type Validator struct {
	enabled    bool
	roles      map[string]bool
	maxRetries int
	call       Caller
	log        *zap.Logger
}

// New builds a Validator from settings. call performs the model call against
// the configured validation model; the delegate engine binds it to the
// router, tests bind fakes.
func New(cfg config.ValidationSettings, call Caller, log *zap.Logger) *Validator {
	roles := make(map[string]bool, len(cfg.ValidateTasks))
	for _, r := range cfg.ValidateTasks {
		roles[strings.ToUpper(strings.TrimSpace(r))] = true
	}
	retries := cfg.MaxRetries
	if retries <= 0 {
		retries = DefaultMaxRetries
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Validator{
		enabled:    cfg.Enabled,
		roles:      roles,
		maxRetries: retries,
		call:       call,
		log:        log,
	}
}

// Applies reports whether results from role go through validation.
func (v *Validator) Applies(role domain.AgentRole) bool {
	if v == nil || !v.enabled || v.call == nil {
		return false
	}
	return v.roles[strings.ToUpper(string(role))]
}

// MaxRetries is the per-task budget of validation-driven retries.
func (v *Validator) MaxRetries() int {
	if v == nil || v.maxRetries <= 0 {
		return DefaultMaxRetries
	}
	return v.maxRetries
}

// Check judges one candidate result. Judge failures approve the candidate: a
// broken judge must not sink good work, so call errors and unparseable
// verdicts come back valid with a log line.
func (v *Validator) Check(ctx context.Context, role domain.AgentRole, taskDescription, candidate string) Verdict {
	if !v.Applies(role) {
		return Verdict{Valid: true}
	}

	prompt := fmt.Sprintf(
		"Task given to a %s agent:\n%s\n\nRubric:\n%s\n\nCandidate output:\n%s\n\nJudge the candidate against the rubric.",
		role, taskDescription, RubricFor(role), tokens.Truncate(candidate, candidateBudget),
	)

	raw, err := v.call(ctx, systemPrompt, prompt)
	if err != nil {
		v.log.Warn("validator call failed, approving candidate", zap.String("role", string(role)), zap.Error(err))
		return Verdict{Valid: true}
	}

	verdict, ok := parseVerdict(raw)
	if !ok {
		v.log.Warn("validator verdict unparseable, approving candidate", zap.String("role", string(role)))
		return Verdict{Valid: true}
	}
	if !verdict.Valid && verdict.Feedback == "" {
		verdict.Feedback = "the output does not satisfy the rubric"
	}
	return verdict
}

const systemPrompt = `You are a validation agent. Judge the candidate output against the rubric.

Respond with a single JSON object: {"valid":true} or {"valid":false,"feedback":"..."}.
Feedback must name the concrete defect and what a fix looks like. No other text.`

// parseVerdict extracts the verdict object from raw judge output.
func parseVerdict(raw string) (Verdict, bool) {
	stripped := toolparse.StripThink(raw)
	start := strings.IndexByte(stripped, '{')
	end := strings.LastIndexByte(stripped, '}')
	if start < 0 || end <= start {
		return Verdict{}, false
	}
	obj := stripped[start : end+1]

	var verdict Verdict
	if err := json.Unmarshal([]byte(obj), &verdict); err != nil {
		repaired, rerr := jsonrepair.JSONRepair(obj)
		if rerr != nil || json.Unmarshal([]byte(repaired), &verdict) != nil {
			return Verdict{}, false
		}
	}
	return verdict, true
}

// RubricFor returns the judging criteria for a role. Roles without a
// specific rubric get the generic one.
func RubricFor(role domain.AgentRole) string {
	switch strings.ToUpper(string(role)) {
	case string(domain.RoleCoder):
		return `- Syntax: the code parses in its language; file edits name real paths.
- Security: no injected shell in file content, no hardcoded secrets, no world-writable modes.
- Completeness: every part of the task is addressed; written files contain the required content in the required format.`
	case string(domain.RoleExecutor):
		return `- Command success: the commands the task required actually ran; failures are reported, not hidden.
- Completeness: the reported output covers everything the task asked for.`
	case string(domain.RolePlanner):
		return `- Decomposition: tasks are small, single-purpose, and assigned to sensible roles.
- Flow: dependencies carry data to where it is needed; no orphan results.
- Coverage: the tasks jointly cover the full request, nothing missing, nothing invented.`
	default:
		return `- Accuracy: claims match the task's inputs; nothing fabricated.
- Completeness: the answer covers everything the task asked for.`
	}
}

package router

import (
	"regexp"
	"strconv"
	"strings"
)

// Dimension names one axis of a model's capability profile. Role
// requirements reference dimensions as critical (hard floor) or important
// (tiebreaker).
type Dimension string

const (
	DimReasoning   Dimension = "reasoning"
	DimCoding      Dimension = "coding"
	DimToolUse     Dimension = "tool_use"
	DimInstruction Dimension = "instruction_following"
	DimSpeed       Dimension = "speed"
	DimContext     Dimension = "context"
)

// defaultDimScore is assumed for dimensions a profile does not list.
const defaultDimScore = 0.5

// Profile is the capability estimate for one model family. Scores are in
// [0,1]. Tiers holds the expected quality at task tiers 1..3; families fall
// off at different rates as tasks get harder.
type Profile struct {
	Family string
	Tiers  [3]float64
	Dims   map[Dimension]float64
	// Params is the assumed parameter count in billions when the model
	// name does not carry one (e.g. "phi3:mini"). Zero means unknown.
	Params float64
}

// TierScore returns the profile's score at the given tier, clamped to 1..3.
func (p Profile) TierScore(tier int) float64 {
	if tier < 1 {
		tier = 1
	}
	if tier > 3 {
		tier = 3
	}
	return p.Tiers[tier-1]
}

// Dim returns the profile's score for a dimension, with a neutral default
// for dimensions the profile does not list.
func (p Profile) Dim(d Dimension) float64 {
	if v, ok := p.Dims[d]; ok {
		return v
	}
	return defaultDimScore
}

// profiles maps model-name fragments to capability estimates. First match
// wins, so more specific families come before their generic prefixes
// ("qwen2.5-coder" before "qwen"). The numbers are engine heuristics tuned
// for routing decisions, not benchmarks.
var profiles = []Profile{
	{
		Family: "claude",
		Tiers:  [3]float64{0.95, 0.93, 0.9},
		Dims: map[Dimension]float64{
			DimReasoning: 0.95, DimCoding: 0.9, DimToolUse: 0.95,
			DimInstruction: 0.95, DimSpeed: 0.6, DimContext: 0.9,
		},
		Params: 175,
	},
	{
		Family: "gpt-",
		Tiers:  [3]float64{0.93, 0.9, 0.88},
		Dims: map[Dimension]float64{
			DimReasoning: 0.9, DimCoding: 0.88, DimToolUse: 0.9,
			DimInstruction: 0.92, DimSpeed: 0.65, DimContext: 0.85,
		},
		Params: 170,
	},
	{
		Family: "deepseek-coder",
		Tiers:  [3]float64{0.85, 0.8, 0.72},
		Dims: map[Dimension]float64{
			DimReasoning: 0.7, DimCoding: 0.9, DimToolUse: 0.6,
			DimInstruction: 0.7, DimSpeed: 0.6, DimContext: 0.65,
		},
	},
	{
		Family: "deepseek-r1",
		Tiers:  [3]float64{0.85, 0.82, 0.75},
		Dims: map[Dimension]float64{
			DimReasoning: 0.92, DimCoding: 0.72, DimToolUse: 0.5,
			DimInstruction: 0.6, DimSpeed: 0.35, DimContext: 0.7,
		},
	},
	{
		Family: "qwen2.5-coder",
		Tiers:  [3]float64{0.85, 0.78, 0.68},
		Dims: map[Dimension]float64{
			DimReasoning: 0.7, DimCoding: 0.88, DimToolUse: 0.8,
			DimInstruction: 0.78, DimSpeed: 0.7, DimContext: 0.7,
		},
	},
	{
		Family: "qwen",
		Tiers:  [3]float64{0.8, 0.72, 0.62},
		Dims: map[Dimension]float64{
			DimReasoning: 0.72, DimCoding: 0.65, DimToolUse: 0.78,
			DimInstruction: 0.8, DimSpeed: 0.7, DimContext: 0.72,
		},
	},
	{
		Family: "codellama",
		Tiers:  [3]float64{0.75, 0.68, 0.58},
		Dims: map[Dimension]float64{
			DimReasoning: 0.55, DimCoding: 0.8, DimToolUse: 0.5,
			DimInstruction: 0.6, DimSpeed: 0.65, DimContext: 0.55,
		},
	},
	{
		Family: "llama3",
		Tiers:  [3]float64{0.78, 0.7, 0.6},
		Dims: map[Dimension]float64{
			DimReasoning: 0.7, DimCoding: 0.6, DimToolUse: 0.72,
			DimInstruction: 0.78, DimSpeed: 0.7, DimContext: 0.7,
		},
	},
	{
		Family: "mixtral",
		Tiers:  [3]float64{0.8, 0.72, 0.62},
		Dims: map[Dimension]float64{
			DimReasoning: 0.72, DimCoding: 0.65, DimToolUse: 0.65,
			DimInstruction: 0.72, DimSpeed: 0.5, DimContext: 0.7,
		},
		Params: 47,
	},
	{
		Family: "mistral",
		Tiers:  [3]float64{0.75, 0.66, 0.55},
		Dims: map[Dimension]float64{
			DimReasoning: 0.65, DimCoding: 0.6, DimToolUse: 0.68,
			DimInstruction: 0.72, DimSpeed: 0.75, DimContext: 0.6,
		},
		Params: 7,
	},
	{
		Family: "gemma",
		Tiers:  [3]float64{0.72, 0.62, 0.5},
		Dims: map[Dimension]float64{
			DimReasoning: 0.62, DimCoding: 0.55, DimToolUse: 0.55,
			DimInstruction: 0.7, DimSpeed: 0.8, DimContext: 0.6,
		},
	},
	{
		Family: "phi",
		Tiers:  [3]float64{0.7, 0.6, 0.45},
		Dims: map[Dimension]float64{
			DimReasoning: 0.65, DimCoding: 0.6, DimToolUse: 0.45,
			DimInstruction: 0.65, DimSpeed: 0.85, DimContext: 0.5,
		},
		Params: 3.8,
	},
}

// defaultProfile covers models no family matches: a middling all-rounder
// that degrades quickly on hard tasks.
var defaultProfile = Profile{
	Tiers: [3]float64{0.65, 0.5, 0.35},
	Dims: map[Dimension]float64{
		DimReasoning: 0.5, DimCoding: 0.5, DimToolUse: 0.5,
		DimInstruction: 0.5, DimSpeed: 0.6, DimContext: 0.5,
	},
}

// ProfileFor returns the capability profile for a model name.
func ProfileFor(model string) Profile {
	name := strings.ToLower(model)
	for _, p := range profiles {
		if strings.Contains(name, p.Family) {
			return p
		}
	}
	return defaultProfile
}

// paramsPattern matches parameter counts embedded in model names, like the
// "3b" in "qwen2.5:3b" or the "70b" in "llama3.1:70b-instruct-q4".
var paramsPattern = regexp.MustCompile(`(\d+(?:\.\d+)?)b`)

// ParamsFromName extracts a model's parameter count in billions from its
// name. Returns 0 when the name carries no size; callers should then fall
// back to the family profile's estimate.
func ParamsFromName(model string) float64 {
	matches := paramsPattern.FindAllStringSubmatch(strings.ToLower(model), -1)
	if len(matches) == 0 {
		return 0
	}
	v, err := strconv.ParseFloat(matches[len(matches)-1][1], 64)
	if err != nil {
		return 0
	}
	return v
}

// Task-tier keywords. Single words match on word boundaries so "after" does
// not fire inside "afterwards" or "then" inside "authenticate"; phrases
// match as substrings.
var (
	tier3Words   = regexp.MustCompile(`\b(batch|loop)\b`)
	tier3Phrases = []string{"each file", "python code", "generate code"}
	tier2Words   = regexp.MustCompile(`\b(then|after)\b`)
	tier2Phrases = []string{"multi-step"}
)

// EstimateTier guesses how demanding a task is from its description:
// 3 for batch/code-generation work, 2 for multi-step work, 1 otherwise.
func EstimateTier(description string) int {
	s := strings.ToLower(description)
	if tier3Words.MatchString(s) || containsAny(s, tier3Phrases) {
		return 3
	}
	if tier2Words.MatchString(s) || containsAny(s, tier2Phrases) {
		return 2
	}
	return 1
}

func containsAny(s string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

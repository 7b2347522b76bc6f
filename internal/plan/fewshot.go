package plan

import (
	"sort"
	"strings"
)

// Example is one worked planning example shown to the planner model.
type Example struct {
	Query string
	Plan  string
}

// examples are scored against the user query by keyword overlap; the top
// SelectExamples(n) are prepended to the planner prompt. Each one
// demonstrates a rule the planner tends to break: inlining data into
// dependent task descriptions, keeping plans small, and fanning out
// independent work.
var examples = []Example{
	{
		Query: "Read the first 10 lines of README.md",
		Plan: `{"tasks":[
  {"id":"task_1","description":"Read lines 1-10 of README.md and report them verbatim","agent_type":"READER","dependencies":[]}
]}`,
	},
	{
		Query: "Count the .go files under internal/ and under pkg/ separately, then compare the counts",
		Plan: `{"tasks":[
  {"id":"task_1","description":"List the .go files under internal/ and report the count","agent_type":"EXECUTOR","dependencies":[]},
  {"id":"task_2","description":"List the .go files under pkg/ and report the count","agent_type":"EXECUTOR","dependencies":[]},
  {"id":"task_3","description":"Compare the two counts and state which directory has more .go files","agent_type":"AGGREGATOR","dependencies":["task_1","task_2"]}
]}`,
	},
	{
		Query: "Fix the off-by-one bug in parser.go and verify the tests still pass",
		Plan: `{"tasks":[
  {"id":"task_1","description":"Read parser.go and locate the off-by-one bug, quoting the offending lines","agent_type":"READER","dependencies":[]},
  {"id":"task_2","description":"Fix the off-by-one bug found in task_1 in parser.go. Apply the smallest edit that corrects the boundary","agent_type":"CODER","dependencies":["task_1"]},
  {"id":"task_3","description":"Run the test suite and report pass or fail with the failing test names if any","agent_type":"EXECUTOR","dependencies":["task_2"]}
]}`,
	},
	{
		Query: "Research what structured logging libraries exist for Go and write a short recommendation to docs/logging.md",
		Plan: `{"tasks":[
  {"id":"task_1","description":"Research the main structured logging libraries for Go (zap, zerolog, slog) and summarize their trade-offs with sources","agent_type":"RESEARCHER","dependencies":[]},
  {"id":"task_2","description":"Write docs/logging.md containing a short recommendation based on the trade-offs from task_1","agent_type":"CODER","dependencies":["task_1"]}
]}`,
	},
	{
		Query: "For each config file in conf.d, validate its JSON syntax",
		Plan: `{"tasks":[
  {"id":"task_1","description":"List the files in conf.d and include the full file names in your answer","agent_type":"READER","dependencies":[]},
  {"id":"task_2","description":"For each file name reported by task_1, run a JSON syntax check and report per-file pass or fail","agent_type":"EXECUTOR","dependencies":["task_1"]}
]}`,
	},
}

// SelectExamples returns the k examples whose queries best overlap the user
// query, best first. Zero-overlap examples are dropped; an empty result is
// fine, the planner prompt works without examples.
func SelectExamples(query string, k int) []Example {
	if k <= 0 {
		return nil
	}
	queryWords := keywords(query)

	type scored struct {
		ex    Example
		score int
		idx   int
	}
	var ranked []scored
	for i, ex := range examples {
		s := overlap(queryWords, keywords(ex.Query))
		if s > 0 {
			ranked = append(ranked, scored{ex, s, i})
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].idx < ranked[j].idx
	})

	if len(ranked) > k {
		ranked = ranked[:k]
	}
	out := make([]Example, len(ranked))
	for i, r := range ranked {
		out[i] = r.ex
	}
	return out
}

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "into": true,
	"then": true, "that": true, "this": true, "from": true, "are": true,
	"under": true, "each": true, "its": true, "any": true, "all": true,
}

func keywords(s string) map[string]bool {
	words := map[string]bool{}
	for _, w := range strings.Fields(strings.ToLower(s)) {
		w = strings.Trim(w, ".,;:!?\"'()[]{}")
		if len(w) < 3 || stopwords[w] {
			continue
		}
		words[w] = true
	}
	return words
}

func overlap(a, b map[string]bool) int {
	n := 0
	for w := range a {
		if b[w] {
			n++
		}
	}
	return n
}

// Package router selects models from the configured pool for agent roles
// and enforces per-endpoint concurrency. Selection combines a static
// capability profile per model family with a live outcome histogram fed by
// the executor, so models that keep failing a role sink in the ranking.
package router

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/taskwave/taskwave/internal/config"
	"github.com/taskwave/taskwave/internal/domain"
)

// Outcome is the executor's verdict on one model call, reported back to the
// router's histogram.
type Outcome string

const (
	OutcomeSuccess        Outcome = "success"
	OutcomeEmptyResponse  Outcome = "empty_response"
	OutcomeValidationFail Outcome = "validation_fail"
	OutcomeError          Outcome = "error"
)

const (
	// maxFallbacks is how many fallback models Select returns after the
	// primary.
	maxFallbacks = 2
	// recentWindow is how many recent outcomes per (model, role) feed the
	// failure penalty.
	recentWindow = 20
	// failurePenalty is subtracted from a model's score once per recent
	// failure, capped at maxFailurePenalty.
	failurePenalty    = 0.05
	maxFailurePenalty = 0.5
	// smallModelPenalty scales down the tier score of sub-7B models on
	// tier-3 tasks.
	smallModelPenalty = 0.30
	smallParamCutoff  = 7.0
)

// Endpoint is one entry of the model pool: a model served at a URL with a
// bounded number of concurrent requests.
type Endpoint struct {
	URL   string
	Model string
	Slots int

	sem *semaphore.Weighted
}

func (e *Endpoint) String() string {
	return e.Model + "@" + e.URL
}

// Requirement is what a role demands of a model.
type Requirement struct {
	MinScore      float64
	MinTier       int
	CriticalFloor float64
	Critical      []Dimension
	Important     []Dimension
}

// roleRequirements covers the built-in roles. Roles added through the
// agents overlay fall back to defaultRequirement.
var roleRequirements = map[domain.AgentRole]Requirement{
	domain.RolePlanner: {
		MinScore: 0.5, MinTier: 2, CriticalFloor: 0.5,
		Critical:  []Dimension{DimReasoning, DimInstruction},
		Important: []Dimension{DimContext},
	},
	domain.RoleReader: {
		MinScore: 0.35, MinTier: 1, CriticalFloor: 0.4,
		Critical:  []Dimension{DimInstruction},
		Important: []Dimension{DimSpeed, DimContext},
	},
	domain.RoleCoder: {
		MinScore: 0.5, MinTier: 2, CriticalFloor: 0.5,
		Critical:  []Dimension{DimCoding},
		Important: []Dimension{DimReasoning, DimToolUse},
	},
	domain.RoleExecutor: {
		MinScore: 0.4, MinTier: 1, CriticalFloor: 0.45,
		Critical:  []Dimension{DimToolUse},
		Important: []Dimension{DimInstruction, DimSpeed},
	},
	domain.RoleResearcher: {
		MinScore: 0.45, MinTier: 1, CriticalFloor: 0.45,
		Critical:  []Dimension{DimReasoning, DimContext},
		Important: []Dimension{DimToolUse},
	},
	domain.RoleInitializer: {
		MinScore: 0.45, MinTier: 2, CriticalFloor: 0.5,
		Critical:  []Dimension{DimInstruction},
		Important: []Dimension{DimReasoning},
	},
	domain.RoleValidator: {
		MinScore: 0.45, MinTier: 1, CriticalFloor: 0.5,
		Critical:  []Dimension{DimReasoning},
		Important: []Dimension{DimInstruction, DimSpeed},
	},
	domain.RoleAggregator: {
		MinScore: 0.4, MinTier: 1, CriticalFloor: 0.45,
		Critical:  []Dimension{DimInstruction},
		Important: []Dimension{DimReasoning, DimContext},
	},
}

var defaultRequirement = Requirement{
	MinScore: 0.35, MinTier: 1, CriticalFloor: 0.4,
	Critical:  []Dimension{DimInstruction},
	Important: []Dimension{DimReasoning},
}

// RequirementFor returns the routing requirement for a role.
func RequirementFor(role domain.AgentRole) Requirement {
	if req, ok := roleRequirements[strings.ToUpper(string(role))]; ok {
		return req
	}
	return defaultRequirement
}

// Selection is the result of routing one task: the model to try first and
// the fallback chain behind it. Every fallback passed the same filters the
// primary did (or the same best-effort relaxation, when nothing qualified).
type Selection struct {
	Role      domain.AgentRole
	Tier      int
	Primary   *Endpoint
	Fallbacks []*Endpoint
}

// Chain returns primary followed by the fallbacks.
func (s Selection) Chain() []*Endpoint {
	return append([]*Endpoint{s.Primary}, s.Fallbacks...)
}

// Models returns the model names in chain order, for logging.
func (s Selection) Models() []string {
	out := make([]string, 0, 1+len(s.Fallbacks))
	for _, e := range s.Chain() {
		out = append(out, e.Model)
	}
	return out
}

type statKey struct {
	model string
	role  string
}

type modelStats struct {
	counts       map[Outcome]int
	recent       []Outcome
	totalLatency time.Duration
	samples      int
}

// Router routes (role, task) pairs to pool endpoints.
type Router struct {
	log  *zap.Logger
	pool []*Endpoint
	pins map[domain.AgentRole]string

	mu    sync.Mutex
	stats map[statKey]*modelStats
}

// New builds a router over the configured model pool. agentModels pins a
// role to a model name: the pinned model becomes primary whenever it is in
// the pool and qualifies for the role.
func New(pool []config.ModelEndpoint, agentModels map[string]string, log *zap.Logger) *Router {
	if log == nil {
		log = zap.NewNop()
	}
	r := &Router{
		log:   log,
		pins:  make(map[domain.AgentRole]string, len(agentModels)),
		stats: make(map[statKey]*modelStats),
	}
	for _, me := range pool {
		slots := me.MaxConcurrent
		if slots < 1 {
			slots = 1
		}
		r.pool = append(r.pool, &Endpoint{
			URL:   me.URL,
			Model: me.Model,
			Slots: slots,
			sem:   semaphore.NewWeighted(int64(slots)),
		})
	}
	for role, model := range agentModels {
		r.pins[strings.ToUpper(role)] = model
	}
	return r
}

// Pool returns the configured endpoints.
func (r *Router) Pool() []*Endpoint {
	return append([]*Endpoint(nil), r.pool...)
}

// Capacity is the total concurrency across the pool. The scheduler sizes
// its global semaphore from it.
func (r *Router) Capacity() int {
	total := 0
	for _, e := range r.pool {
		total += e.Slots
	}
	return total
}

// Find returns the pool endpoint serving the named model.
func (r *Router) Find(model string) (*Endpoint, bool) {
	for _, e := range r.pool {
		if e.Model == model {
			return e, true
		}
	}
	return nil, false
}

// Select picks the primary model and fallback chain for a task. The task
// tier is estimated from the description and raised to the role's minimum.
// When no model passes the role's filters, Select degrades to a best-effort
// ranking over the whole pool rather than failing the task before it runs.
func (r *Router) Select(role domain.AgentRole, description string) (Selection, error) {
	if len(r.pool) == 0 {
		return Selection{}, fmt.Errorf("model pool is empty")
	}

	req := RequirementFor(role)
	tier := EstimateTier(description)
	if tier < req.MinTier {
		tier = req.MinTier
	}

	ranked := r.rank(role, req, tier, true)
	if len(ranked) == 0 {
		r.log.Warn("no model meets role requirements, using best-effort ranking",
			zap.String("role", string(role)), zap.Int("tier", tier))
		ranked = r.rank(role, req, tier, false)
	}

	if pin := r.pins[strings.ToUpper(string(role))]; pin != "" {
		if i := indexOfModel(ranked, pin); i > 0 {
			pinned := ranked[i]
			ranked = append(ranked[:i], ranked[i+1:]...)
			ranked = append([]scoredEndpoint{pinned}, ranked...)
		} else if i < 0 {
			r.log.Warn("pinned model not eligible, ignoring pin",
				zap.String("role", string(role)), zap.String("model", pin))
		}
	}

	sel := Selection{Role: role, Tier: tier, Primary: ranked[0].ep}
	seen := map[string]bool{ranked[0].ep.Model: true}
	for _, s := range ranked[1:] {
		if len(sel.Fallbacks) == maxFallbacks {
			break
		}
		if seen[s.ep.Model] {
			continue
		}
		seen[s.ep.Model] = true
		sel.Fallbacks = append(sel.Fallbacks, s.ep)
	}

	r.log.Debug("model selected",
		zap.String("role", string(role)),
		zap.Int("tier", tier),
		zap.String("primary", sel.Primary.Model),
		zap.Strings("fallbacks", sel.Models()[1:]))
	return sel, nil
}

type scoredEndpoint struct {
	ep           *Endpoint
	score        float64
	importantSum float64
	latency      time.Duration
}

// rank scores the pool for (role, tier) and sorts best-first. With filter
// set, endpoints below the role's minimum score or any critical-dimension
// floor are excluded.
func (r *Router) rank(role domain.AgentRole, req Requirement, tier int, filter bool) []scoredEndpoint {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []scoredEndpoint
	for _, e := range r.pool {
		prof := ProfileFor(e.Model)
		tierScore := prof.TierScore(tier)

		if tier == 3 {
			params := ParamsFromName(e.Model)
			if params == 0 {
				params = prof.Params
			}
			if params > 0 && params < smallParamCutoff {
				tierScore *= 1 - smallModelPenalty
			}
		}
		if filter && tierScore < req.MinScore {
			continue
		}

		criticalOK := true
		criticalSum := 0.0
		for _, d := range req.Critical {
			v := prof.Dim(d)
			if filter && v < req.CriticalFloor {
				criticalOK = false
				break
			}
			criticalSum += v
		}
		if !criticalOK {
			continue
		}
		criticalMean := 0.0
		if len(req.Critical) > 0 {
			criticalMean = criticalSum / float64(len(req.Critical))
		}

		importantSum := 0.0
		for _, d := range req.Important {
			importantSum += prof.Dim(d)
		}

		score := 0.6*tierScore + 0.4*criticalMean - r.penaltyLocked(e.Model, role)
		out = append(out, scoredEndpoint{
			ep:           e,
			score:        score,
			importantSum: importantSum,
			latency:      r.meanLatencyLocked(e.Model, role),
		})
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if diff := a.score - b.score; diff > 1e-9 || diff < -1e-9 {
			return a.score > b.score
		}
		if a.importantSum != b.importantSum {
			return a.importantSum > b.importantSum
		}
		return a.latency < b.latency
	})
	return out
}

func indexOfModel(ranked []scoredEndpoint, model string) int {
	for i, s := range ranked {
		if s.ep.Model == model {
			return i
		}
	}
	return -1
}

// Acquire takes one concurrency slot on the endpoint, blocking until a
// slot frees or ctx is done. The returned release is idempotent.
func (r *Router) Acquire(ctx context.Context, e *Endpoint) (func(), error) {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquiring slot on %s: %w", e, err)
	}
	var once sync.Once
	return func() { once.Do(func() { e.sem.Release(1) }) }, nil
}

// Report feeds one executor outcome into the histogram. Zero latency means
// the call never completed and records no latency sample.
func (r *Router) Report(model string, role domain.AgentRole, outcome Outcome, latency time.Duration) {
	key := statKey{model: model, role: strings.ToUpper(string(role))}

	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.stats[key]
	if !ok {
		st = &modelStats{counts: make(map[Outcome]int)}
		r.stats[key] = st
	}
	st.counts[outcome]++
	st.recent = append(st.recent, outcome)
	if len(st.recent) > recentWindow {
		st.recent = st.recent[1:]
	}
	if latency > 0 {
		st.totalLatency += latency
		st.samples++
	}
}

// penaltyLocked is the recent-failure penalty for (model, role). Caller
// holds r.mu.
func (r *Router) penaltyLocked(model string, role domain.AgentRole) float64 {
	st, ok := r.stats[statKey{model: model, role: strings.ToUpper(string(role))}]
	if !ok {
		return 0
	}
	failures := 0
	for _, o := range st.recent {
		if o != OutcomeSuccess {
			failures++
		}
	}
	p := float64(failures) * failurePenalty
	if p > maxFailurePenalty {
		p = maxFailurePenalty
	}
	return p
}

// meanLatencyLocked returns the observed mean latency for (model, role), or
// zero when there is no sample yet. Caller holds r.mu.
func (r *Router) meanLatencyLocked(model string, role domain.AgentRole) time.Duration {
	st, ok := r.stats[statKey{model: model, role: strings.ToUpper(string(role))}]
	if !ok || st.samples == 0 {
		return 0
	}
	return st.totalLatency / time.Duration(st.samples)
}

// RoleModelStats is one histogram row, for status surfaces.
type RoleModelStats struct {
	Model          string        `json:"model"`
	Role           string        `json:"role"`
	Success        int           `json:"success"`
	EmptyResponse  int           `json:"empty_response"`
	ValidationFail int           `json:"validation_fail"`
	Error          int           `json:"error"`
	MeanLatency    time.Duration `json:"mean_latency"`
}

// Stats snapshots the outcome histogram, sorted by model then role.
func (r *Router) Stats() []RoleModelStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]RoleModelStats, 0, len(r.stats))
	for key, st := range r.stats {
		row := RoleModelStats{
			Model:          key.model,
			Role:           key.role,
			Success:        st.counts[OutcomeSuccess],
			EmptyResponse:  st.counts[OutcomeEmptyResponse],
			ValidationFail: st.counts[OutcomeValidationFail],
			Error:          st.counts[OutcomeError],
		}
		if st.samples > 0 {
			row.MeanLatency = st.totalLatency / time.Duration(st.samples)
		}
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Model != out[j].Model {
			return out[i].Model < out[j].Model
		}
		return out[i].Role < out[j].Role
	})
	return out
}

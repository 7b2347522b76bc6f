package router

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskwave/taskwave/internal/config"
	"github.com/taskwave/taskwave/internal/domain"
)

func poolOf(models ...string) []config.ModelEndpoint {
	out := make([]config.ModelEndpoint, 0, len(models))
	for _, m := range models {
		out = append(out, config.ModelEndpoint{
			URL:           "http://localhost:11434",
			Model:         m,
			MaxConcurrent: 2,
		})
	}
	return out
}

func TestEstimateTier(t *testing.T) {
	cases := []struct {
		description string
		want        int
	}{
		{"Rename every file in a batch", 3},
		{"Loop over the entries and sum them", 3},
		{"Write python code to parse the log", 3},
		{"Generate code for the new endpoint", 3},
		{"Process each file under docs/", 3},
		{"Read the config, then summarize it", 2},
		{"Clean up after the build", 2},
		{"This is a multi-step migration", 2},
		{"Read README.md", 1},
		// Keyword words match on boundaries, not inside other words.
		{"Authenticate the user", 1},
		{"Afterwards, compile everything", 1},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, EstimateTier(tc.description), tc.description)
	}
}

func TestParamsFromName(t *testing.T) {
	assert.Equal(t, 3.0, ParamsFromName("qwen2.5:3b"))
	assert.Equal(t, 70.0, ParamsFromName("llama3.1:70b-instruct-q4_K_M"))
	assert.Equal(t, 1.5, ParamsFromName("deepseek-r1:1.5b"))
	assert.Equal(t, 7.0, ParamsFromName("mixtral:8x7b"))
	assert.Equal(t, 0.0, ParamsFromName("mistral:latest"))
}

func TestProfileForPrefersSpecificFamily(t *testing.T) {
	assert.Equal(t, "qwen2.5-coder", ProfileFor("qwen2.5-coder:7b").Family)
	assert.Equal(t, "qwen", ProfileFor("qwen2.5:7b").Family)
	assert.Equal(t, "deepseek-r1", ProfileFor("deepseek-r1:7b-qwen-distill").Family)
	assert.Equal(t, "", ProfileFor("somemodel:latest").Family)
}

func TestSelectRanksPoolForRole(t *testing.T) {
	r := New(poolOf("qwen2.5:14b", "llama3.1:8b", "mistral:7b"), nil, nil)

	sel, err := r.Select(domain.RoleReader, "Read README.md")
	require.NoError(t, err)
	assert.Equal(t, 1, sel.Tier)
	assert.Equal(t, "qwen2.5:14b", sel.Primary.Model)
	assert.Equal(t, []string{"qwen2.5:14b", "llama3.1:8b", "mistral:7b"}, sel.Models())
}

func TestSelectPenalizesSmallModelsOnTierThree(t *testing.T) {
	r := New(poolOf("qwen2.5:3b", "qwen2.5:14b"), nil, nil)

	sel, err := r.Select(domain.RoleCoder, "Generate code for each file in src/")
	require.NoError(t, err)
	assert.Equal(t, 3, sel.Tier)
	assert.Equal(t, "qwen2.5:14b", sel.Primary.Model)
	// The 3B variant falls below the role's minimum score at tier 3.
	assert.Empty(t, sel.Fallbacks)
}

func TestSelectRaisesTierToRoleMinimum(t *testing.T) {
	r := New(poolOf("qwen2.5:14b"), nil, nil)
	sel, err := r.Select(domain.RolePlanner, "Plan the work")
	require.NoError(t, err)
	assert.Equal(t, 2, sel.Tier)
}

func TestSelectHonorsPinnedModel(t *testing.T) {
	r := New(poolOf("qwen2.5:14b", "llama3.1:8b", "mistral:7b"),
		map[string]string{"reader": "mistral:7b"}, nil)

	sel, err := r.Select(domain.RoleReader, "Read README.md")
	require.NoError(t, err)
	assert.Equal(t, "mistral:7b", sel.Primary.Model)
	assert.Equal(t, []string{"mistral:7b", "qwen2.5:14b", "llama3.1:8b"}, sel.Models())
}

func TestSelectIgnoresUnknownPin(t *testing.T) {
	r := New(poolOf("qwen2.5:14b"), map[string]string{"READER": "gone:1b"}, nil)
	sel, err := r.Select(domain.RoleReader, "Read README.md")
	require.NoError(t, err)
	assert.Equal(t, "qwen2.5:14b", sel.Primary.Model)
}

func TestReportedFailuresSinkModel(t *testing.T) {
	r := New(poolOf("llama3.1:8b", "llama3:8b"), nil, nil)

	for i := 0; i < 5; i++ {
		r.Report("llama3.1:8b", domain.RoleReader, OutcomeError, 0)
	}

	sel, err := r.Select(domain.RoleReader, "Read README.md")
	require.NoError(t, err)
	assert.Equal(t, "llama3:8b", sel.Primary.Model)
}

func TestFailurePenaltyIsPerRole(t *testing.T) {
	r := New(poolOf("llama3.1:8b", "llama3:8b"), nil, nil)
	r.Report("llama3.1:8b", domain.RoleExecutor, OutcomeError, 0)
	r.Report("llama3.1:8b", domain.RoleExecutor, OutcomeError, 0)
	r.Report("llama3.1:8b", domain.RoleReader, OutcomeSuccess, 50*time.Millisecond)
	r.Report("llama3:8b", domain.RoleReader, OutcomeSuccess, 2*time.Second)

	// Executor failures do not bleed into reader routing; the reader tie
	// breaks on latency instead.
	sel, err := r.Select(domain.RoleReader, "Read README.md")
	require.NoError(t, err)
	assert.Equal(t, "llama3.1:8b", sel.Primary.Model)
}

func TestSelectTieBreaksOnLatency(t *testing.T) {
	r := New(poolOf("llama3.1:8b", "llama3:8b"), nil, nil)
	r.Report("llama3.1:8b", domain.RoleReader, OutcomeSuccess, 2*time.Second)
	r.Report("llama3:8b", domain.RoleReader, OutcomeSuccess, 100*time.Millisecond)

	sel, err := r.Select(domain.RoleReader, "Read README.md")
	require.NoError(t, err)
	assert.Equal(t, "llama3:8b", sel.Primary.Model)
}

func TestSelectBestEffortWhenNothingQualifies(t *testing.T) {
	r := New(poolOf("tinymodel:1b"), nil, nil)

	// An unknown 1B model fails the coder filters at tier 3, but routing
	// still returns it rather than failing the task before it runs.
	sel, err := r.Select(domain.RoleCoder, "Generate code for the parser")
	require.NoError(t, err)
	assert.Equal(t, "tinymodel:1b", sel.Primary.Model)
}

func TestSelectEmptyPool(t *testing.T) {
	r := New(nil, nil, nil)
	_, err := r.Select(domain.RoleReader, "anything")
	require.Error(t, err)
}

func TestAcquireBlocksAtEndpointCapacity(t *testing.T) {
	pool := []config.ModelEndpoint{{URL: "http://localhost:11434", Model: "m", MaxConcurrent: 1}}
	r := New(pool, nil, nil)
	e := r.Pool()[0]

	release, err := r.Acquire(context.Background(), e)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = r.Acquire(ctx, e)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// Release is idempotent: calling it twice frees one slot, not two.
	release()
	release()

	r1, err := r.Acquire(context.Background(), e)
	require.NoError(t, err)
	defer r1()

	ctx2, cancel2 := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel2()
	_, err = r.Acquire(ctx2, e)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStatsSnapshot(t *testing.T) {
	r := New(poolOf("m1", "m2"), nil, nil)
	r.Report("m1", domain.RoleReader, OutcomeSuccess, 100*time.Millisecond)
	r.Report("m1", domain.RoleReader, OutcomeSuccess, 300*time.Millisecond)
	r.Report("m1", domain.RoleReader, OutcomeEmptyResponse, 0)
	r.Report("m2", domain.RoleCoder, OutcomeValidationFail, 0)

	stats := r.Stats()
	require.Len(t, stats, 2)

	assert.Equal(t, "m1", stats[0].Model)
	assert.Equal(t, "READER", stats[0].Role)
	assert.Equal(t, 2, stats[0].Success)
	assert.Equal(t, 1, stats[0].EmptyResponse)
	assert.Equal(t, 200*time.Millisecond, stats[0].MeanLatency)

	assert.Equal(t, "m2", stats[1].Model)
	assert.Equal(t, 1, stats[1].ValidationFail)
}

func TestCapacityAndFind(t *testing.T) {
	r := New([]config.ModelEndpoint{
		{URL: "http://a", Model: "m1", MaxConcurrent: 3},
		{URL: "http://b", Model: "m2"},
	}, nil, nil)

	assert.Equal(t, 4, r.Capacity()) // missing MaxConcurrent defaults to 1

	e, ok := r.Find("m2")
	require.True(t, ok)
	assert.Equal(t, "http://b", e.URL)
	_, ok = r.Find("absent")
	assert.False(t, ok)
}

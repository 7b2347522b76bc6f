package plan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeBareObject(t *testing.T) {
	p, err := Decode(`{"tasks":[{"id":"task_1","description":"read it","agent_type":"reader","dependencies":[]}]}`)
	require.NoError(t, err)
	require.Len(t, p.Tasks, 1)
	assert.Equal(t, "task_1", p.Tasks[0].ID)
	assert.Equal(t, "READER", p.Tasks[0].AgentType, "agent_type is normalized to upper case")
	assert.Equal(t, StatusPending, p.Tasks[0].Status)
}

func TestDecodeFencedWithProse(t *testing.T) {
	raw := "Here is the plan you asked for:\n```json\n" +
		`{"tasks":[{"id":"task_1","description":"list files","agent_type":"EXECUTOR","dependencies":[]}]}` +
		"\n```\nLet me know if you need changes."
	p, err := Decode(raw)
	require.NoError(t, err)
	require.Len(t, p.Tasks, 1)
	assert.Equal(t, "EXECUTOR", p.Tasks[0].AgentType)
}

func TestDecodeStripsThink(t *testing.T) {
	raw := "<think>I should make two tasks.</think>" +
		`{"tasks":[{"id":"task_1","description":"a","agent_type":"READER","dependencies":[]},` +
		`{"id":"task_2","description":"b","agent_type":"CODER","dependencies":["task_1"]}]}`
	p, err := Decode(raw)
	require.NoError(t, err)
	assert.Len(t, p.Tasks, 2)
}

func TestDecodeTakesFirstBalancedObject(t *testing.T) {
	raw := `{"tasks":[{"id":"task_1","description":"a","agent_type":"READER","dependencies":[]}]}` +
		` and also {"tasks":[{"id":"task_9","description":"z","agent_type":"CODER","dependencies":[]}]}`
	p, err := Decode(raw)
	require.NoError(t, err)
	require.Len(t, p.Tasks, 1)
	assert.Equal(t, "task_1", p.Tasks[0].ID)
}

func TestDecodeRepairsSloppyJSON(t *testing.T) {
	// Trailing comma and single quotes: jsonrepair territory.
	raw := `{'tasks':[{'id':'task_1','description':'a','agent_type':'READER','dependencies':[],}]}`
	p, err := Decode(raw)
	require.NoError(t, err)
	require.Len(t, p.Tasks, 1)
	assert.Equal(t, "task_1", p.Tasks[0].ID)
}

func TestDecodeRejectsNoObject(t *testing.T) {
	_, err := Decode("I could not produce a plan, sorry.")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no JSON object")
}

func TestDecodeRejectsMissingTasks(t *testing.T) {
	_, err := Decode(`{"steps":[{"id":"task_1"}]}`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `no "tasks" array`)
}

func TestDecodeBracesInsideStrings(t *testing.T) {
	p, err := Decode(`{"tasks":[{"id":"task_1","description":"write {\"a\":1} to file","agent_type":"CODER","dependencies":[]}]}`)
	require.NoError(t, err)
	require.Len(t, p.Tasks, 1)
	assert.Contains(t, p.Tasks[0].Description, `{"a":1}`)
}

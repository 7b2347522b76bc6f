package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTranscriptMessageTextContent(t *testing.T) {
	t.Run("plain content", func(t *testing.T) {
		m := TranscriptMessage{Role: "user", Content: "hello"}
		assert.False(t, m.HasBlocks())
		assert.Equal(t, "hello", m.TextContent())
	})

	t.Run("text blocks joined", func(t *testing.T) {
		m := TranscriptMessage{Role: "assistant", Blocks: []ContentBlock{
			{Type: "text", Text: "first"},
			{Type: "tool_use", ToolName: "read_file"},
			{Type: "text", Text: "second"},
		}}
		assert.True(t, m.HasBlocks())
		assert.Equal(t, "first\nsecond", m.TextContent())
	})

	t.Run("blocks without text", func(t *testing.T) {
		m := TranscriptMessage{Role: "assistant", Blocks: []ContentBlock{
			{Type: "tool_use", ToolName: "run_bash"},
		}}
		assert.Equal(t, "", m.TextContent())
	})
}

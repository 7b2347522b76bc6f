package tools

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadDocumentRejectsUnsupportedType(t *testing.T) {
	r := NewRegistry()
	tc := newTestContext(t)
	require.NoError(t, os.WriteFile(filepath.Join(tc.Workspace, "notes.txt"), []byte("plain"), 0o644))

	_, err := r.Dispatch(context.Background(), "read_document", map[string]any{"path": "notes.txt"}, tc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unsupported document type ".txt"`)
}

func TestReadDocumentMissingFile(t *testing.T) {
	r := NewRegistry()
	tc := newTestContext(t)
	_, err := r.Dispatch(context.Background(), "read_document", map[string]any{"path": "missing.pdf"}, tc)
	require.Error(t, err)
}

func TestDocxToText(t *testing.T) {
	xml := `<w:document><w:body>` +
		`<w:p><w:r><w:t>First paragraph.</w:t></w:r></w:p>` +
		`<w:p><w:r><w:t>Name:</w:t></w:r><w:tab/><w:r><w:t>Ada &amp; Grace</w:t></w:r></w:p>` +
		`<w:p><w:r><w:t>Line one</w:t></w:r><w:br/><w:r><w:t>line two</w:t></w:r></w:p>` +
		`<w:p></w:p><w:p></w:p><w:p></w:p>` +
		`<w:p><w:r><w:t>Last.</w:t></w:r></w:p>` +
		`</w:body></w:document>`

	got := docxToText(xml)
	want := "First paragraph.\nName:\tAda & Grace\nLine one\nline two\n\nLast."
	assert.Equal(t, want, got)
}

func TestDocxToTextEmpty(t *testing.T) {
	assert.Equal(t, "", docxToText("<w:document><w:body></w:body></w:document>"))
}

package tools

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeWorkspaceFile(t *testing.T, tc *Context, name, content string) string {
	t.Helper()
	path := filepath.Join(tc.Workspace, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestPatchFileSingleChange(t *testing.T) {
	r := NewRegistry()
	tc := newTestContext(t)
	path := writeWorkspaceFile(t, tc, "main.go", "package main\n\nfunc run() error {\n\treturn nil\n}\n")

	out := dispatch(t, r, tc, "patch_file", map[string]any{
		"path": "main.go",
		"changes": []any{
			map[string]any{"search": "func run() error {", "replace": "func run(ctx context.Context) error {"},
		},
	})
	assert.Contains(t, out, "Applied 1 change(s) to main.go")
	assert.Contains(t, out, "+1 -1 lines")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "func run(ctx context.Context) error {")
}

func TestPatchFileSequentialChanges(t *testing.T) {
	r := NewRegistry()
	tc := newTestContext(t)
	path := writeWorkspaceFile(t, tc, "cfg.txt", "host: localhost\nport: 8080\n")

	dispatch(t, r, tc, "patch_file", map[string]any{
		"path": "cfg.txt",
		"changes": []any{
			map[string]any{"search": "localhost", "replace": "0.0.0.0"},
			// Sees the result of the first change.
			map[string]any{"search": "host: 0.0.0.0\nport: 8080", "replace": "host: 0.0.0.0\nport: 9090"},
		},
	})

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "host: 0.0.0.0\nport: 9090\n", string(data))
}

func TestPatchFileAmbiguousSearchFailsWholePatch(t *testing.T) {
	r := NewRegistry()
	tc := newTestContext(t)
	original := "x = 1\nx = 1\n"
	path := writeWorkspaceFile(t, tc, "dup.txt", original)

	_, err := r.Dispatch(context.Background(), "patch_file", map[string]any{
		"path": "dup.txt",
		"changes": []any{
			map[string]any{"search": "y", "replace": "z"}, // would fail anyway
			map[string]any{"search": "x = 1", "replace": "x = 2"},
		},
	}, tc)
	require.Error(t, err)

	_, err = r.Dispatch(context.Background(), "patch_file", map[string]any{
		"path": "dup.txt",
		"changes": []any{
			map[string]any{"search": "x = 1", "replace": "x = 2"},
		},
	}, tc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "matches 2 locations")

	// All-or-nothing: the file is untouched after both failures.
	data, rerr := os.ReadFile(path)
	require.NoError(t, rerr)
	assert.Equal(t, original, string(data))
}

func TestPatchFileOccurrencePicksMatch(t *testing.T) {
	r := NewRegistry()
	tc := newTestContext(t)
	path := writeWorkspaceFile(t, tc, "dup.txt", "x = 1\nx = 1\nx = 1\n")

	dispatch(t, r, tc, "patch_file", map[string]any{
		"path": "dup.txt",
		"changes": []any{
			map[string]any{"search": "x = 1", "replace": "x = 2", "occurrence": float64(2)},
		},
	})

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "x = 1\nx = 2\nx = 1\n", string(data))
}

func TestPatchFileOccurrenceOutOfRange(t *testing.T) {
	r := NewRegistry()
	tc := newTestContext(t)
	writeWorkspaceFile(t, tc, "one.txt", "x = 1\n")

	_, err := r.Dispatch(context.Background(), "patch_file", map[string]any{
		"path": "one.txt",
		"changes": []any{
			map[string]any{"search": "x = 1", "replace": "x = 2", "occurrence": float64(3)},
		},
	}, tc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of range")
}

func TestPatchFileSearchNotFound(t *testing.T) {
	r := NewRegistry()
	tc := newTestContext(t)
	writeWorkspaceFile(t, tc, "a.txt", "hello\n")

	_, err := r.Dispatch(context.Background(), "patch_file", map[string]any{
		"path": "a.txt",
		"changes": []any{
			map[string]any{"search": "goodbye", "replace": "farewell"},
		},
	}, tc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "change 1")
	assert.Contains(t, err.Error(), "not found")
}

func TestPatchFileMissingFile(t *testing.T) {
	r := NewRegistry()
	tc := newTestContext(t)
	_, err := r.Dispatch(context.Background(), "patch_file", map[string]any{
		"path":    "missing.txt",
		"changes": []any{map[string]any{"search": "a", "replace": "b"}},
	}, tc)
	require.Error(t, err)
}

func TestPatchFileRejectsEscape(t *testing.T) {
	r := NewRegistry()
	tc := newTestContext(t)
	_, err := r.Dispatch(context.Background(), "patch_file", map[string]any{
		"path":    "../outside.txt",
		"changes": []any{map[string]any{"search": "a", "replace": "b"}},
	}, tc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "escapes the workspace root")
}

func TestNthIndex(t *testing.T) {
	assert.Equal(t, 0, nthIndex("abcabc", "abc", 1))
	assert.Equal(t, 3, nthIndex("abcabc", "abc", 2))
	assert.Equal(t, -1, nthIndex("abcabc", "abc", 3))
	// Counting is non-overlapping, matching strings.Count.
	assert.Equal(t, -1, nthIndex("aaa", "aa", 2))
}

func TestDiffSummary(t *testing.T) {
	assert.Equal(t, "+0 -0 lines", diffSummary("a\nb\n", "a\nb\n"))
	assert.Equal(t, "+1 -0 lines", diffSummary("a\n", "a\nb\n"))
	assert.Equal(t, "+1 -1 lines", diffSummary("a\nold\nc\n", "a\nnew\nc\n"))
	assert.Equal(t, "+0 -2 lines", diffSummary("a\nb\nc\n", "a\n"))
}

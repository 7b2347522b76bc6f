package tools

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dispatch(t *testing.T, r *Registry, tc *Context, name string, input map[string]any) string {
	t.Helper()
	out, err := r.Dispatch(context.Background(), name, input, tc)
	require.NoError(t, err)
	return out
}

func TestReadFileFull(t *testing.T) {
	r := NewRegistry()
	tc := newTestContext(t)
	require.NoError(t, os.WriteFile(filepath.Join(tc.Workspace, "main.go"), []byte("package main\n\nfunc main() {}\n"), 0o644))

	out := dispatch(t, r, tc, "read_file", map[string]any{"path": "main.go"})
	assert.Equal(t, "main.go (full, 3 lines)\n   1→package main\n   2→\n   3→func main() {}", out)
}

func TestReadFileWindow(t *testing.T) {
	r := NewRegistry()
	tc := newTestContext(t)
	content := "one\ntwo\nthree\nfour\nfive\n"
	require.NoError(t, os.WriteFile(filepath.Join(tc.Workspace, "list.txt"), []byte(content), 0o644))

	out := dispatch(t, r, tc, "read_file", map[string]any{
		"path": "list.txt", "offset": float64(2), "limit": float64(3),
	})
	assert.Equal(t, "list.txt (lines 2–4 of 5)\n   2→two\n   3→three\n   4→four", out)
}

func TestReadFileOffsetPastEnd(t *testing.T) {
	r := NewRegistry()
	tc := newTestContext(t)
	require.NoError(t, os.WriteFile(filepath.Join(tc.Workspace, "s.txt"), []byte("only\n"), 0o644))

	_, err := r.Dispatch(context.Background(), "read_file", map[string]any{
		"path": "s.txt", "offset": float64(10),
	}, tc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "past the end")
}

func TestReadFileEmpty(t *testing.T) {
	r := NewRegistry()
	tc := newTestContext(t)
	require.NoError(t, os.WriteFile(filepath.Join(tc.Workspace, "empty.txt"), nil, 0o644))

	out := dispatch(t, r, tc, "read_file", map[string]any{"path": "empty.txt"})
	assert.Contains(t, out, "empty.txt (full, 0 lines)")
	assert.Contains(t, out, "(empty file)")
}

func TestReadFileRejectsBinary(t *testing.T) {
	r := NewRegistry()
	tc := newTestContext(t)
	require.NoError(t, os.WriteFile(filepath.Join(tc.Workspace, "bin"), []byte{0x7f, 'E', 'L', 'F', 0x00, 0x01}, 0o644))

	_, err := r.Dispatch(context.Background(), "read_file", map[string]any{"path": "bin"}, tc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "binary")
}

func TestReadFileMissing(t *testing.T) {
	r := NewRegistry()
	tc := newTestContext(t)
	_, err := r.Dispatch(context.Background(), "read_file", map[string]any{"path": "nope.txt"}, tc)
	require.Error(t, err)
}

func TestWriteFileCreatesParents(t *testing.T) {
	r := NewRegistry()
	tc := newTestContext(t)

	out := dispatch(t, r, tc, "write_file", map[string]any{
		"path": "deep/nested/file.txt", "content": "hello",
	})
	assert.Equal(t, "Wrote 5 bytes to deep/nested/file.txt", out)

	data, err := os.ReadFile(filepath.Join(tc.Workspace, "deep/nested/file.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestWriteFileRejectsEscape(t *testing.T) {
	r := NewRegistry()
	tc := newTestContext(t)

	_, err := r.Dispatch(context.Background(), "write_file", map[string]any{
		"path": "../escape.txt", "content": "x",
	}, tc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "escapes the workspace root")
}

func TestWriteFileRejectsDirectory(t *testing.T) {
	r := NewRegistry()
	tc := newTestContext(t)
	require.NoError(t, os.Mkdir(filepath.Join(tc.Workspace, "sub"), 0o755))

	_, err := r.Dispatch(context.Background(), "write_file", map[string]any{
		"path": "sub", "content": "x",
	}, tc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "is a directory")
}

func TestWriteFileLeavesNoTempOnSuccess(t *testing.T) {
	r := NewRegistry()
	tc := newTestContext(t)
	dispatch(t, r, tc, "write_file", map[string]any{"path": "a.txt", "content": "x"})

	entries, err := os.ReadDir(tc.Workspace)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "a.txt", entries[0].Name())
}

func TestListFilesFlat(t *testing.T) {
	r := NewRegistry()
	tc := newTestContext(t)
	require.NoError(t, os.WriteFile(filepath.Join(tc.Workspace, "b.txt"), []byte("b"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(tc.Workspace, "a.txt"), []byte("a"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(tc.Workspace, "src"), 0o755))

	out := dispatch(t, r, tc, "list_files", map[string]any{})
	assert.Equal(t, "a.txt\nb.txt\nsrc/", out)
}

func TestListFilesRecursiveSkipsDependencyDirs(t *testing.T) {
	r := NewRegistry()
	tc := newTestContext(t)
	require.NoError(t, os.MkdirAll(filepath.Join(tc.Workspace, "src/pkg"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(tc.Workspace, "node_modules/dep"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(tc.Workspace, "src/pkg/a.go"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(tc.Workspace, "node_modules/dep/index.js"), []byte("x"), 0o644))

	out := dispatch(t, r, tc, "list_files", map[string]any{"recursive": true})
	assert.Contains(t, out, "src/pkg/a.go")
	assert.NotContains(t, out, "index.js")
}

func TestListFilesEmptyDir(t *testing.T) {
	r := NewRegistry()
	tc := newTestContext(t)
	out := dispatch(t, r, tc, "list_files", map[string]any{})
	assert.Contains(t, out, "is empty")
}

func TestStatFile(t *testing.T) {
	r := NewRegistry()
	tc := newTestContext(t)
	require.NoError(t, os.WriteFile(filepath.Join(tc.Workspace, "f.txt"), []byte("hello"), 0o644))

	out := dispatch(t, r, tc, "stat_file", map[string]any{"path": "f.txt"})
	assert.Contains(t, out, "f.txt: file, 5 bytes")
	assert.Contains(t, out, "modified ")

	out = dispatch(t, r, tc, "stat_file", map[string]any{"path": "."})
	assert.Contains(t, out, "directory, 1 entries")
}

func TestIsBinary(t *testing.T) {
	assert.False(t, isBinary([]byte("plain text\nwith lines\n")))
	assert.True(t, isBinary([]byte{'a', 0x00, 'b'}))
	assert.False(t, isBinary(nil))
}

func TestSplitLines(t *testing.T) {
	assert.Nil(t, splitLines(""))
	assert.Equal(t, []string{"a", "b"}, splitLines("a\nb\n"))
	assert.Equal(t, []string{"a", "b"}, splitLines("a\nb"))
	assert.Equal(t, []string{"a", ""}, splitLines("a\n\n"))
}

package tools

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/taskwave/taskwave/internal/provider"
)

const (
	// defaultReadLimit is how many lines read_file returns when the caller
	// sets no limit.
	defaultReadLimit = 2000
	// maxListEntries caps list_files output.
	maxListEntries = 500
)

func readFileTool() Definition {
	return Definition{
		Category: CategoryFilesystemRead,
		Spec: provider.ToolSpec{
			Name:        "read_file",
			Description: "Read a text file with 1-based line numbers. Large files are paged: pass offset (first line to read) and limit (max lines) to read a specific window.",
			Properties: map[string]provider.ToolProp{
				"path":   {Type: "string", Description: "File path, absolute or relative to the workspace"},
				"offset": {Type: "integer", Description: "First line to read, 1-based (default 1)"},
				"limit":  {Type: "integer", Description: "Maximum number of lines to return (default 2000)"},
			},
			Required: []string{"path"},
		},
		Execute: func(ctx context.Context, input map[string]any, tc *Context) (string, error) {
			path, err := resolvePath(tc, stringArg(input, "path"))
			if err != nil {
				return "", err
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return "", fmt.Errorf("reading %s: %w", path, err)
			}
			if isBinary(data) {
				return "", fmt.Errorf("%s is a binary file", path)
			}

			lines := splitLines(string(data))
			total := len(lines)

			offset := intArg(input, "offset", 1)
			limit := intArg(input, "limit", defaultReadLimit)
			if offset < 1 {
				offset = 1
			}
			if limit < 1 {
				limit = defaultReadLimit
			}
			if total > 0 && offset > total {
				return "", fmt.Errorf("offset %d is past the end of %s (%d lines)", offset, path, total)
			}

			end := offset + limit - 1
			if end > total {
				end = total
			}

			display := stringArg(input, "path")
			var b strings.Builder
			if offset == 1 && end == total {
				fmt.Fprintf(&b, "%s (full, %d lines)\n", display, total)
			} else {
				fmt.Fprintf(&b, "%s (lines %d–%d of %d)\n", display, offset, end, total)
			}
			for i := offset; i <= end; i++ {
				fmt.Fprintf(&b, "%4d→%s\n", i, lines[i-1])
			}
			if total == 0 {
				b.WriteString("(empty file)\n")
			}
			return strings.TrimSuffix(b.String(), "\n"), nil
		},
	}
}

func writeFileTool() Definition {
	return Definition{
		Category: CategoryFilesystemWrite,
		Spec: provider.ToolSpec{
			Name:        "write_file",
			Description: "Write content to a file inside the workspace, creating parent directories as needed. The write is atomic: either the full content lands or the previous file is untouched.",
			Properties: map[string]provider.ToolProp{
				"path":    {Type: "string", Description: "Destination path inside the workspace"},
				"content": {Type: "string", Description: "Full file content to write"},
			},
			Required: []string{"path", "content"},
		},
		Execute: func(ctx context.Context, input map[string]any, tc *Context) (string, error) {
			path, err := resolveWritePath(tc, stringArg(input, "path"))
			if err != nil {
				return "", err
			}
			if info, err := os.Stat(path); err == nil && info.IsDir() {
				return "", fmt.Errorf("%s is a directory", path)
			}
			content := stringArg(input, "content")
			if err := writeFileAtomic(path, []byte(content)); err != nil {
				return "", err
			}
			return fmt.Sprintf("Wrote %d bytes to %s", len(content), stringArg(input, "path")), nil
		},
	}
}

// writeFileAtomic writes data to path via a temp file and rename.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".tw-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("setting mode on %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing %s: %w", path, err)
	}
	return nil
}

// skipDirs are directory names pruned from recursive listings.
var skipDirs = map[string]bool{
	".git": true, "node_modules": true, ".venv": true, "venv": true,
	"__pycache__": true, ".cache": true, "dist": true, "build": true,
	".next": true, "target": true, ".idea": true,
}

func listFilesTool() Definition {
	return Definition{
		Category: CategoryFilesystemRead,
		Spec: provider.ToolSpec{
			Name:        "list_files",
			Description: "List directory contents. Directories are suffixed with '/'. Recursive listings prune dependency and VCS directories.",
			Properties: map[string]provider.ToolProp{
				"path":      {Type: "string", Description: "Directory to list (default: workspace root)"},
				"recursive": {Type: "boolean", Description: "Walk subdirectories (default false)"},
			},
		},
		Execute: func(ctx context.Context, input map[string]any, tc *Context) (string, error) {
			raw := stringArg(input, "path")
			if raw == "" {
				raw = "."
			}
			root, err := resolvePath(tc, raw)
			if err != nil {
				return "", err
			}
			info, err := os.Stat(root)
			if err != nil {
				return "", fmt.Errorf("listing %s: %w", root, err)
			}
			if !info.IsDir() {
				return "", fmt.Errorf("%s is not a directory", root)
			}

			recursive, _ := input["recursive"].(bool)
			var entries []string
			truncated := false

			if recursive {
				err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
					if err != nil {
						return nil
					}
					if path == root {
						return nil
					}
					if d.IsDir() && skipDirs[d.Name()] {
						return filepath.SkipDir
					}
					rel, rerr := filepath.Rel(root, path)
					if rerr != nil {
						return nil
					}
					if d.IsDir() {
						rel += "/"
					}
					entries = append(entries, rel)
					if len(entries) >= maxListEntries {
						truncated = true
						return filepath.SkipAll
					}
					return nil
				})
				if err != nil {
					return "", fmt.Errorf("walking %s: %w", root, err)
				}
			} else {
				dirEntries, err := os.ReadDir(root)
				if err != nil {
					return "", fmt.Errorf("listing %s: %w", root, err)
				}
				for _, e := range dirEntries {
					name := e.Name()
					if e.IsDir() {
						name += "/"
					}
					entries = append(entries, name)
					if len(entries) >= maxListEntries {
						truncated = true
						break
					}
				}
			}

			if len(entries) == 0 {
				return fmt.Sprintf("%s is empty", raw), nil
			}
			sort.Strings(entries)
			out := strings.Join(entries, "\n")
			if truncated {
				out += fmt.Sprintf("\n... more entries not shown (first %d listed)", maxListEntries)
			}
			return out, nil
		},
	}
}

func statFileTool() Definition {
	return Definition{
		Category: CategoryFilesystemRead,
		Spec: provider.ToolSpec{
			Name:        "stat_file",
			Description: "Report a path's type, size, permissions, and modification time.",
			Properties: map[string]provider.ToolProp{
				"path": {Type: "string", Description: "Path to inspect"},
			},
			Required: []string{"path"},
		},
		Execute: func(ctx context.Context, input map[string]any, tc *Context) (string, error) {
			path, err := resolvePath(tc, stringArg(input, "path"))
			if err != nil {
				return "", err
			}
			info, err := os.Stat(path)
			if err != nil {
				return "", fmt.Errorf("stat %s: %w", path, err)
			}
			kind := "file"
			extra := fmt.Sprintf("%d bytes", info.Size())
			if info.IsDir() {
				kind = "directory"
				if children, err := os.ReadDir(path); err == nil {
					extra = fmt.Sprintf("%d entries", len(children))
				}
			}
			return fmt.Sprintf("%s: %s, %s, mode %s, modified %s",
				stringArg(input, "path"), kind, extra, info.Mode(),
				info.ModTime().UTC().Format("2006-01-02T15:04:05Z")), nil
		},
	}
}

// splitLines splits file content into display lines. A trailing newline
// does not produce a phantom empty last line.
func splitLines(content string) []string {
	if content == "" {
		return nil
	}
	lines := strings.Split(content, "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// isBinary reports whether data looks like a binary file: a NUL byte in the
// first 8KB.
func isBinary(data []byte) bool {
	probe := data
	if len(probe) > 8192 {
		probe = probe[:8192]
	}
	return bytes.IndexByte(probe, 0) >= 0
}

// stringArg returns input[key] as a trimmed-nothing string ("" when absent
// or not a string).
func stringArg(input map[string]any, key string) string {
	s, _ := input[key].(string)
	return s
}

// intArg returns input[key] as an int, tolerating the float64 JSON decode.
func intArg(input map[string]any, key string, def int) int {
	switch v := input[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return def
}

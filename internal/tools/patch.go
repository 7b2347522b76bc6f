package tools

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/taskwave/taskwave/internal/provider"
)

func patchFileTool() Definition {
	return Definition{
		Category: CategoryFilesystemWrite,
		Spec: provider.ToolSpec{
			Name:        "patch_file",
			Description: "Edit a file by exact search-and-replace. Changes apply in order against the in-memory content and land atomically: if any change fails, the file is untouched. A search text matching more than once requires an occurrence number.",
			Properties: map[string]provider.ToolProp{
				"path": {Type: "string", Description: "File to edit, inside the workspace"},
				"changes": {
					Type:        "array",
					Description: "Edits to apply in order",
					Items: &provider.ToolProp{
						Type: "object",
						Properties: map[string]provider.ToolProp{
							"search":     {Type: "string", Description: "Exact text to find"},
							"replace":    {Type: "string", Description: "Replacement text"},
							"occurrence": {Type: "integer", Description: "Which match to replace, 1-based, when search matches more than once"},
						},
						Required: []string{"search", "replace"},
					},
				},
			},
			Required: []string{"path", "changes"},
		},
		Execute: func(ctx context.Context, input map[string]any, tc *Context) (string, error) {
			path, err := resolveWritePath(tc, stringArg(input, "path"))
			if err != nil {
				return "", err
			}
			rawChanges, _ := input["changes"].([]any)
			if len(rawChanges) == 0 {
				return "", fmt.Errorf("at least one change is required")
			}

			data, err := os.ReadFile(path)
			if err != nil {
				return "", fmt.Errorf("reading %s: %w", path, err)
			}
			original := string(data)

			current := original
			for i, raw := range rawChanges {
				change, _ := raw.(map[string]any)
				current, err = applyChange(current, change)
				if err != nil {
					return "", fmt.Errorf("change %d: %w", i+1, err)
				}
			}

			if err := writeFileAtomic(path, []byte(current)); err != nil {
				return "", err
			}
			return fmt.Sprintf("Applied %d change(s) to %s (%s)",
				len(rawChanges), stringArg(input, "path"), diffSummary(original, current)), nil
		},
	}
}

// applyChange performs one search/replace on content. Zero matches and
// ambiguous matches without an occurrence both fail, which fails the whole
// patch.
func applyChange(content string, change map[string]any) (string, error) {
	search := stringArg(change, "search")
	if search == "" {
		return "", fmt.Errorf("search text is empty")
	}
	replace := stringArg(change, "replace")

	count := strings.Count(content, search)
	if count == 0 {
		return "", fmt.Errorf("search text not found: %q", clip(search, 80))
	}

	occurrence := intArg(change, "occurrence", 0)
	if occurrence == 0 {
		if count > 1 {
			return "", fmt.Errorf("search text matches %d locations; pass occurrence to pick one: %q", count, clip(search, 80))
		}
		return strings.Replace(content, search, replace, 1), nil
	}
	if occurrence < 1 || occurrence > count {
		return "", fmt.Errorf("occurrence %d out of range (search matches %d times)", occurrence, count)
	}

	idx := nthIndex(content, search, occurrence)
	return content[:idx] + replace + content[idx+len(search):], nil
}

// nthIndex returns the byte offset of the n-th non-overlapping occurrence
// of sub in s. Counting matches strings.Count.
func nthIndex(s, sub string, n int) int {
	base := 0
	for i := 1; ; i++ {
		j := strings.Index(s[base:], sub)
		if j < 0 {
			return -1
		}
		if i == n {
			return base + j
		}
		base += j + len(sub)
	}
}

// diffSummary reports the line delta between two versions.
func diffSummary(before, after string) string {
	dmp := diffmatchpatch.New()
	a, b, lineArr := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lineArr)

	added, removed := 0, 0
	for _, d := range diffs {
		n := strings.Count(d.Text, "\n")
		if d.Text != "" && !strings.HasSuffix(d.Text, "\n") {
			n++
		}
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			added += n
		case diffmatchpatch.DiffDelete:
			removed += n
		}
	}
	return fmt.Sprintf("+%d -%d lines", added, removed)
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

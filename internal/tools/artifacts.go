package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	qrcode "github.com/skip2/go-qrcode"
	"github.com/xuri/excelize/v2"

	"github.com/taskwave/taskwave/internal/artifact"
	"github.com/taskwave/taskwave/internal/provider"
)

func emitArtifactTool() Definition {
	return Definition{
		Category: CategoryArtifact,
		Spec: provider.ToolSpec{
			Name:        "emit_artifact",
			Description: "Emit a structured artifact block (chart, table, form, code, ...) for the frontend to render. The block is returned as your tool result; include it in your answer unchanged.",
			Properties: map[string]provider.ToolProp{
				"kind":  {Type: "string", Description: "Artifact kind", Enum: artifact.Kinds()},
				"title": {Type: "string", Description: "Human-readable title"},
				"data":  {Type: "object", Description: "Kind-specific payload"},
			},
			Required: []string{"kind", "title"},
		},
		Execute: func(ctx context.Context, input map[string]any, tc *Context) (string, error) {
			data, _ := input["data"].(map[string]any)
			return artifact.Format(stringArg(input, "kind"), artifact.Envelope{
				Title: stringArg(input, "title"),
				Data:  data,
			})
		},
	}
}

func artifactSpreadsheetTool() Definition {
	return Definition{
		Category: CategoryArtifact,
		Spec: provider.ToolSpec{
			Name:        "artifact_spreadsheet",
			Description: "Write an .xlsx workbook into the session artifacts directory. Each sheet is a name plus rows of cell values; the first row is conventionally the header.",
			Properties: map[string]provider.ToolProp{
				"title": {Type: "string", Description: "Workbook title"},
				"sheets": {
					Type:        "array",
					Description: "Sheets to create, in order",
					Items: &provider.ToolProp{
						Type: "object",
						Properties: map[string]provider.ToolProp{
							"name": {Type: "string", Description: "Sheet name"},
							"rows": {Type: "array", Description: "Rows of cell values", Items: &provider.ToolProp{Type: "array"}},
						},
						Required: []string{"rows"},
					},
				},
				"filename": {Type: "string", Description: "Target file name (default derived from title)"},
			},
			Required: []string{"title", "sheets"},
		},
		Execute: func(ctx context.Context, input map[string]any, tc *Context) (string, error) {
			dir, err := artifactsDir(tc)
			if err != nil {
				return "", err
			}
			rawSheets, _ := input["sheets"].([]any)
			if len(rawSheets) == 0 {
				return "", fmt.Errorf("at least one sheet is required")
			}

			title := stringArg(input, "title")
			filename, err := artifactFilename(stringArg(input, "filename"), title, ".xlsx")
			if err != nil {
				return "", err
			}
			path := filepath.Join(dir, filename)

			f := excelize.NewFile()
			defer f.Close()

			var sheetInfo []any
			totalRows := 0
			for i, raw := range rawSheets {
				sheet, _ := raw.(map[string]any)
				name := stringArg(sheet, "name")
				if name == "" {
					name = fmt.Sprintf("Sheet%d", i+1)
				}
				if i == 0 {
					if err := f.SetSheetName("Sheet1", name); err != nil {
						return "", fmt.Errorf("naming sheet %q: %w", name, err)
					}
				} else if _, err := f.NewSheet(name); err != nil {
					return "", fmt.Errorf("creating sheet %q: %w", name, err)
				}

				rows, _ := sheet["rows"].([]any)
				for r, rawRow := range rows {
					cells, _ := rawRow.([]any)
					cell, err := excelize.CoordinatesToCellName(1, r+1)
					if err != nil {
						return "", fmt.Errorf("sheet %q row %d: %w", name, r+1, err)
					}
					if err := f.SetSheetRow(name, cell, &cells); err != nil {
						return "", fmt.Errorf("sheet %q row %d: %w", name, r+1, err)
					}
				}
				totalRows += len(rows)
				sheetInfo = append(sheetInfo, map[string]any{"name": name, "rows": len(rows)})
			}

			if err := f.SaveAs(path); err != nil {
				return "", fmt.Errorf("writing %s: %w", path, err)
			}

			block, err := artifact.Format(artifact.KindSpreadsheet, artifact.Envelope{
				Title: title,
				Data:  map[string]any{"path": path, "sheets": sheetInfo},
			})
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("%s\nWrote %s (%d sheets, %d rows)", block, path, len(rawSheets), totalRows), nil
		},
	}
}

func artifactQRCodeTool() Definition {
	return Definition{
		Category: CategoryArtifact,
		Spec: provider.ToolSpec{
			Name:        "artifact_qrcode",
			Description: "Encode text as a QR code PNG in the session artifacts directory.",
			Properties: map[string]provider.ToolProp{
				"content":  {Type: "string", Description: "Text or URL to encode"},
				"title":    {Type: "string", Description: "Caption for the image"},
				"filename": {Type: "string", Description: "Target file name (default derived from title)"},
				"size":     {Type: "integer", Description: "Image size in pixels (default 256)"},
			},
			Required: []string{"content"},
		},
		Execute: func(ctx context.Context, input map[string]any, tc *Context) (string, error) {
			dir, err := artifactsDir(tc)
			if err != nil {
				return "", err
			}
			content := stringArg(input, "content")
			if content == "" {
				return "", fmt.Errorf("content is required")
			}
			title := stringArg(input, "title")
			if title == "" {
				title = "QR code"
			}
			size := intArg(input, "size", 256)
			if size < 64 {
				size = 64
			}
			if size > 2048 {
				size = 2048
			}

			filename, err := artifactFilename(stringArg(input, "filename"), title, ".png")
			if err != nil {
				return "", err
			}
			path := filepath.Join(dir, filename)

			if err := qrcode.WriteFile(content, qrcode.Medium, size, path); err != nil {
				return "", fmt.Errorf("encoding QR code: %w", err)
			}

			block, err := artifact.Format(artifact.KindGallery, artifact.Envelope{
				Title: title,
				Data: map[string]any{
					"images": []any{map[string]any{"path": path, "caption": content}},
				},
			})
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("%s\nWrote %s", block, path), nil
		},
	}
}

func artifactsDir(tc *Context) (string, error) {
	if tc == nil || tc.ArtifactsDir == "" {
		return "", fmt.Errorf("no artifacts directory configured for this session")
	}
	if err := os.MkdirAll(tc.ArtifactsDir, 0o755); err != nil {
		return "", fmt.Errorf("creating artifacts dir: %w", err)
	}
	return tc.ArtifactsDir, nil
}

// artifactFilename validates a caller-supplied name or derives one from the
// title. Names are plain basenames; separators would escape the artifacts
// directory.
func artifactFilename(name, title, ext string) (string, error) {
	if name != "" {
		if name != filepath.Base(name) || strings.Contains(name, "..") {
			return "", fmt.Errorf("filename %q must be a plain file name", name)
		}
		if !strings.HasSuffix(strings.ToLower(name), ext) {
			name += ext
		}
		return name, nil
	}
	return slugify(title) + ext, nil
}

func slugify(s string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
		if b.Len() >= 40 {
			break
		}
	}
	out := strings.Trim(b.String(), "-")
	if out == "" {
		return "artifact"
	}
	return out
}

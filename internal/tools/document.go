package tools

import (
	"bytes"
	"context"
	"fmt"
	"html"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/nguyenthenguyen/docx"

	"github.com/taskwave/taskwave/internal/provider"
)

func readDocumentTool() Definition {
	return Definition{
		Category: CategoryFilesystemRead,
		Spec: provider.ToolSpec{
			Name:        "read_document",
			Description: "Extract plain text from a PDF or DOCX document. For plain text files use read_file.",
			Properties: map[string]provider.ToolProp{
				"path": {Type: "string", Description: "Path to a .pdf or .docx file"},
			},
			Required: []string{"path"},
		},
		Execute: func(ctx context.Context, input map[string]any, tc *Context) (string, error) {
			path, err := resolvePath(tc, stringArg(input, "path"))
			if err != nil {
				return "", err
			}
			switch strings.ToLower(filepath.Ext(path)) {
			case ".pdf":
				return extractPDF(path)
			case ".docx":
				return extractDocx(path)
			default:
				return "", fmt.Errorf("unsupported document type %q (expected .pdf or .docx)", filepath.Ext(path))
			}
		},
	}
}

func extractPDF(path string) (string, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	reader, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extracting text from %s: %w", path, err)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(reader); err != nil {
		return "", fmt.Errorf("reading text from %s: %w", path, err)
	}

	text := strings.TrimSpace(buf.String())
	if text == "" {
		return fmt.Sprintf("(no extractable text in %s, %d pages)", path, r.NumPage()), nil
	}
	return fmt.Sprintf("%s (%d pages)\n\n%s", path, r.NumPage(), text), nil
}

var xmlTagPattern = regexp.MustCompile(`<[^>]*>`)

func extractDocx(path string) (string, error) {
	r, err := docx.ReadDocxFile(path)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", path, err)
	}
	defer r.Close()

	content := r.Editable().GetContent()
	text := docxToText(content)
	if text == "" {
		return fmt.Sprintf("(no extractable text in %s)", path), nil
	}
	return fmt.Sprintf("%s\n\n%s", path, text), nil
}

// docxToText flattens WordprocessingML: paragraph and break tags become
// newlines, tabs become tabs, everything else in angle brackets goes away.
func docxToText(xml string) string {
	replaced := strings.NewReplacer(
		"</w:p>", "\n",
		"<w:br/>", "\n",
		"<w:tab/>", "\t",
	).Replace(xml)
	stripped := xmlTagPattern.ReplaceAllString(replaced, "")
	text := html.UnescapeString(stripped)

	for strings.Contains(text, "\n\n\n") {
		text = strings.ReplaceAll(text, "\n\n\n", "\n\n")
	}
	return strings.TrimSpace(text)
}

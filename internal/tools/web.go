package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/taskwave/taskwave/internal/provider"
)

// webFetchHTTPClient is overridable in tests.
var webFetchHTTPClient = &http.Client{Timeout: 30 * time.Second}

const (
	// defaultFetchLimit bounds how much of a response body web_fetch reads.
	defaultFetchLimit = 1 << 20
	maxFetchLimit     = 5 << 20
)

func webFetchTool() Definition {
	return Definition{
		Category: CategoryWeb,
		Spec: provider.ToolSpec{
			Name:        "web_fetch",
			Description: "Fetch a URL and return its text. HTML is reduced to readable plain text; other content types come back as-is.",
			Properties: map[string]provider.ToolProp{
				"url":       {Type: "string", Description: "http or https URL to fetch"},
				"max_bytes": {Type: "integer", Description: "Maximum bytes to read from the response (default 1MB)"},
			},
			Required: []string{"url"},
		},
		Execute: func(ctx context.Context, input map[string]any, tc *Context) (string, error) {
			rawURL := stringArg(input, "url")
			limit := intArg(input, "max_bytes", defaultFetchLimit)
			if limit <= 0 {
				limit = defaultFetchLimit
			}
			if limit > maxFetchLimit {
				limit = maxFetchLimit
			}
			return fetchAsText(ctx, rawURL, int64(limit))
		},
	}
}

func fetchAsText(ctx context.Context, rawURL string, limit int64) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parsing url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported url scheme %q (http and https only)", u.Scheme)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", "taskwave/1.0")

	resp, err := webFetchHTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("HTTP %d fetching %s", resp.StatusCode, rawURL)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", rawURL, err)
	}
	content := string(data)

	ct := resp.Header.Get("Content-Type")
	if strings.Contains(ct, "html") || strings.HasPrefix(strings.TrimSpace(content), "<") {
		return htmlToText(content), nil
	}
	return content, nil
}

// skipTags subtrees contribute no text.
var skipTags = map[string]bool{
	"script": true, "style": true, "noscript": true, "iframe": true,
	"svg": true, "template": true,
}

// blockTags end with a line break in the extracted text.
var blockTags = map[string]bool{
	"p": true, "div": true, "br": true, "li": true, "tr": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"section": true, "article": true, "header": true, "footer": true,
	"ul": true, "ol": true, "table": true, "pre": true, "blockquote": true,
	"title": true,
}

// htmlToText reduces an HTML document to readable text. Parse errors fall
// back to the raw content; the html parser is forgiving enough that this
// path is rare.
func htmlToText(content string) string {
	doc, err := html.Parse(strings.NewReader(content))
	if err != nil {
		return content
	}

	var b strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && skipTags[n.Data] {
			return
		}
		if n.Type == html.TextNode {
			if text := strings.Join(strings.Fields(n.Data), " "); text != "" {
				b.WriteString(text)
				b.WriteByte(' ')
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && blockTags[n.Data] {
			b.WriteByte('\n')
		}
	}
	walk(doc)

	lines := strings.Split(b.String(), "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			if !blank && len(out) > 0 {
				out = append(out, "")
			}
			blank = true
			continue
		}
		out = append(out, line)
		blank = false
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

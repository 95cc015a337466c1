package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"golang.org/x/net/html"
)

var (
	multiNewlinePattern = regexp.MustCompile(`\n{3,}`)
	multiSpacePattern   = regexp.MustCompile(`[ \t]{2,}`)
)

// WebFetchTool fetches a URL and returns readable text.
type WebFetchTool struct {
	client   *http.Client
	maxBytes int64
}

// NewWebFetchTool creates the tool with a 30s HTTP timeout.
func NewWebFetchTool() *WebFetchTool {
	return &WebFetchTool{
		client:   &http.Client{Timeout: 30 * time.Second},
		maxBytes: 2 << 20,
	}
}

func (t *WebFetchTool) Name() string { return "web_fetch" }
func (t *WebFetchTool) Description() string {
	return "Fetch a web page and return its readable text content."
}

func (t *WebFetchTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url":       map[string]any{"type": "string", "description": "The http(s) URL to fetch"},
			"max_chars": map[string]any{"type": "integer", "minimum": 100, "description": "Maximum characters to return (default 50000)"},
		},
		"required": []any{"url"},
	}
}

func (t *WebFetchTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	url := stringArg(args, "url")
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return "", fmt.Errorf("only http and https URLs are supported")
	}
	maxChars := intArg(args, "max_chars", 50000)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; pocketclaw/1.0)")
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.8")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching URL: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, t.maxBytes))
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}

	text := string(body)
	if strings.Contains(resp.Header.Get("Content-Type"), "html") {
		text, err = htmlToText(text)
		if err != nil {
			return "", fmt.Errorf("parsing HTML: %w", err)
		}
	}
	if cut := Truncate(text, maxChars); cut != text {
		text = cut + "\n\n[...truncated...]"
	}
	return text, nil
}

// htmlToText flattens an HTML document into lightly formatted text.
func htmlToText(src string) (string, error) {
	doc, err := html.Parse(strings.NewReader(src))
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	extractText(doc, &sb, 0)

	out := multiSpacePattern.ReplaceAllString(sb.String(), " ")
	out = multiNewlinePattern.ReplaceAllString(out, "\n\n")
	return strings.TrimSpace(out), nil
}

func extractText(n *html.Node, sb *strings.Builder, depth int) {
	if depth > 60 {
		return
	}
	switch n.Type {
	case html.TextNode:
		if text := strings.TrimSpace(n.Data); text != "" {
			sb.WriteString(text)
			sb.WriteString(" ")
		}
	case html.ElementNode:
		switch n.Data {
		case "script", "style", "noscript", "iframe", "svg":
			return
		case "h1", "h2", "h3":
			sb.WriteString("\n\n" + strings.Repeat("#", int(n.Data[1]-'0')) + " ")
		case "p", "div", "section", "article":
			sb.WriteString("\n\n")
		case "br":
			sb.WriteString("\n")
		case "li":
			sb.WriteString("\n- ")
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		extractText(c, sb, depth+1)
	}
}

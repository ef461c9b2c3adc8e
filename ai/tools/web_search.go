package tools

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	ddgHTMLEndpoint      = "https://duckduckgo.com/html/"
	defaultMaxFetchChars = 5000
	webSearchUserAgent   = "MulInOne/1.0"
)

var (
	resultAnchor = regexp.MustCompile(`(?is)<a[^>]*class="result__a"[^>]*href="([^"]+)"[^>]*>(.*?)</a>`)
	scriptBlock  = regexp.MustCompile(`(?is)<script[\s\S]*?</script>`)
	styleBlock   = regexp.MustCompile(`(?is)<style[\s\S]*?</style>`)
	htmlTag      = regexp.MustCompile(`<[^>]+>`)
	whitespace   = regexp.MustCompile(`\s+`)
)

// WebSearch queries the DuckDuckGo HTML endpoint and optionally fetches the
// top result pages for snippets.
type WebSearch struct {
	client        *http.Client
	maxFetchChars int
}

// NewWebSearch builds the tool; client may be nil.
func NewWebSearch(client *http.Client) *WebSearch {
	if client == nil {
		client = &http.Client{Timeout: 8 * time.Second}
	}
	return &WebSearch{client: client, maxFetchChars: defaultMaxFetchChars}
}

func (w *WebSearch) Name() string { return "web_search" }

func (w *WebSearch) Description() string {
	return "搜索互联网获取最新信息。Search the web; returns result titles, urls and optional text snippets."
}

func (w *WebSearch) Parameters() string {
	return `{
		"type": "object",
		"properties": {
			"query": {"type": "string", "description": "Search query"},
			"top_k": {"type": "integer", "description": "Number of results, default 5"},
			"fetch_snippets": {"type": "boolean", "description": "Fetch each result page for a text snippet"}
		},
		"required": ["query"]
	}`
}

type webSearchArgs struct {
	Query         string `json:"query"`
	TopK          int    `json:"top_k"`
	FetchSnippets bool   `json:"fetch_snippets"`
}

// SearchResult is one entry returned to the LLM.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

func (w *WebSearch) Call(ctx context.Context, raw json.RawMessage) (string, error) {
	var args webSearchArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return "", errors.Wrap(err, "invalid web_search arguments")
	}
	if strings.TrimSpace(args.Query) == "" {
		return "", errors.New("query is required")
	}
	if args.TopK <= 0 {
		args.TopK = 5
	}

	results, err := w.search(ctx, args.Query, args.TopK)
	if err != nil {
		return "", err
	}
	if args.FetchSnippets {
		for i := range results {
			snippet, err := w.fetch(ctx, results[i].URL)
			if err != nil {
				continue
			}
			results[i].Snippet = snippet
		}
	}

	out, err := json.Marshal(results)
	if err != nil {
		return "", errors.Wrap(err, "failed to encode results")
	}
	return string(out), nil
}

func (w *WebSearch) search(ctx context.Context, query string, topK int) ([]SearchResult, error) {
	endpoint := ddgHTMLEndpoint + "?q=" + url.QueryEscape(query)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build search request")
	}
	req.Header.Set("User-Agent", webSearchUserAgent)

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "search request failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return nil, errors.Wrap(err, "failed to read search response")
	}

	return ParseSearchResults(string(body), topK), nil
}

// ParseSearchResults extracts result anchors from the DuckDuckGo HTML page.
func ParseSearchResults(html string, topK int) []SearchResult {
	results := []SearchResult{}
	for _, m := range resultAnchor.FindAllStringSubmatch(html, -1) {
		title := strings.TrimSpace(htmlTag.ReplaceAllString(m[2], ""))
		results = append(results, SearchResult{
			Title: title,
			URL:   strings.TrimSpace(m[1]),
		})
		if len(results) >= topK {
			break
		}
	}
	return results
}

// fetch downloads a page and returns cleaned text up to maxFetchChars.
func (w *WebSearch) fetch(ctx context.Context, pageURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", errors.Wrap(err, "failed to build fetch request")
	}
	req.Header.Set("User-Agent", webSearchUserAgent)

	resp, err := w.client.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "fetch request failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return "", errors.Wrap(err, "failed to read page")
	}
	return CleanHTML(string(body), w.maxFetchChars), nil
}

// CleanHTML strips scripts, styles and tags, collapses whitespace and caps
// the length in runes.
func CleanHTML(html string, maxChars int) string {
	text := scriptBlock.ReplaceAllString(html, " ")
	text = styleBlock.ReplaceAllString(text, " ")
	text = htmlTag.ReplaceAllString(text, " ")
	text = strings.TrimSpace(whitespace.ReplaceAllString(text, " "))
	runes := []rune(text)
	if maxChars > 0 && len(runes) > maxChars {
		return string(runes[:maxChars])
	}
	return text
}

package tools

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	readability "github.com/go-shiori/go-readability"
	"golang.org/x/sync/errgroup"

	"github.com/mohammad-safakhou/taskforge/internal/capability"
	"github.com/mohammad-safakhou/taskforge/internal/core"
)

const (
	DefaultFetchTimeout = 15 * time.Second
	MaxCharsDefault     = 20000
	userAgent           = "taskforge/1.0 (+https://github.com/mohammad-safakhou/taskforge)"
)

// Renderer returns the HTML of a page.
type Renderer interface {
	Render(ctx context.Context, pageURL string) (string, error)
}

type RendererType string

const (
	ChromedpRendererType RendererType = "chromedp"
	HTTPRendererType     RendererType = "http"
)

// NewRenderer builds a renderer by type name.
func NewRenderer(kind RendererType) (Renderer, error) {
	switch kind {
	case ChromedpRendererType:
		return ChromedpRenderer{}, nil
	case HTTPRendererType, "":
		return HTTPRenderer{Client: &http.Client{}}, nil
	default:
		return nil, fmt.Errorf("unsupported renderer type %q", kind)
	}
}

// ChromedpRenderer loads pages in a headless browser.
type ChromedpRenderer struct{}

func (ChromedpRenderer) Render(ctx context.Context, pageURL string) (string, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.UserAgent(userAgent),
	)
	actx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()
	bctx, cancelBrowser := chromedp.NewContext(actx)
	defer cancelBrowser()

	var html string
	err := chromedp.Run(bctx,
		chromedp.Navigate(pageURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	return html, err
}

// HTTPRenderer performs a plain GET without executing scripts.
type HTTPRenderer struct {
	Client   *http.Client
	MaxBytes int64
}

func (r HTTPRenderer) Render(ctx context.Context, pageURL string) (string, error) {
	client := r.Client
	if client == nil {
		client = http.DefaultClient
	}
	limit := r.MaxBytes
	if limit <= 0 {
		limit = 5 << 20
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("http status %d", resp.StatusCode)
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// FetchTool implements fetch_extract and its http_fetch fallback.
type FetchTool struct {
	name        string
	renderer    Renderer
	timeout     time.Duration
	maxChars    int
	concurrency int
	now         func() time.Time
	logger      *log.Logger
}

type FetchOption func(*FetchTool)

func WithFetchTimeout(d time.Duration) FetchOption {
	return func(t *FetchTool) {
		if d > 0 {
			t.timeout = d
		}
	}
}

func WithMaxChars(n int) FetchOption {
	return func(t *FetchTool) {
		if n > 0 {
			t.maxChars = n
		}
	}
}

// WithConcurrency caps simultaneous page loads within one batch.
func WithConcurrency(n int) FetchOption {
	return func(t *FetchTool) {
		if n > 0 {
			t.concurrency = n
		}
	}
}

func WithFetchLogger(l *log.Logger) FetchOption {
	return func(t *FetchTool) { t.logger = l }
}

func WithFetchClock(now func() time.Time) FetchOption {
	return func(t *FetchTool) { t.now = now }
}

// NewFetchTool builds the primary fetch_extract skill.
func NewFetchTool(r Renderer, opts ...FetchOption) *FetchTool {
	return newFetchTool(capability.SkillFetchExtract, r, opts...)
}

// NewHTTPFetchTool builds the http_fetch fallback over the plain HTTP renderer.
func NewHTTPFetchTool(client *http.Client, opts ...FetchOption) *FetchTool {
	return newFetchTool(capability.SkillHTTPFetch, HTTPRenderer{Client: client}, opts...)
}

func newFetchTool(name string, r Renderer, opts ...FetchOption) *FetchTool {
	t := &FetchTool{
		name:        name,
		renderer:    r,
		timeout:     DefaultFetchTimeout,
		maxChars:    MaxCharsDefault,
		concurrency: 4,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = discardLogger(t.logger, "[TOOLS] ")
	return t
}

func (t *FetchTool) Name() string { return t.name }

// Invoke reads URLs from a search.results input or the urls param. Per-URL failures
// become documents with Error set; the call fails only when no document was fetched.
func (t *FetchTool) Invoke(ctx context.Context, req Request) Result {
	urls, err := t.collectURLs(req)
	if err != nil {
		return Fail("%s: %v", t.name, err)
	}
	if len(urls) == 0 {
		return Fail("%s: no urls to fetch", t.name)
	}
	if limit := paramInt(req.Params, "max_documents", 0); limit > 0 && len(urls) > limit {
		urls = urls[:limit]
	}

	docs := make([]core.Document, len(urls))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.concurrency)
	for i, u := range urls {
		g.Go(func() error {
			docs[i] = t.fetchOne(gctx, u)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return Fail("%s: %v", t.name, err)
	}

	failed := 0
	for _, d := range docs {
		if d.Failed() {
			failed++
		}
	}
	t.logger.Printf("%s run=%s node=%s urls=%d failed=%d", t.name, req.RunID, req.NodeID, len(docs), failed)
	if failed == len(docs) {
		return Fail("%s: all %d urls failed, first error: %s", t.name, len(docs), docs[0].Error)
	}
	return OK(core.ContractDocumentsRaw, docs, fmt.Sprintf("fetched=%d failed=%d", len(docs)-failed, failed))
}

func (t *FetchTool) collectURLs(req Request) ([]string, error) {
	var urls []string
	if env, ok := core.FindEnvelope(req.Inputs, core.ContractSearchResults); ok {
		hits, err := core.DecodeEnvelope[[]core.SearchHit](env, core.ContractSearchResults)
		if err != nil {
			return nil, err
		}
		for _, h := range hits {
			urls = append(urls, h.URL)
		}
	}
	urls = append(urls, paramStrings(req.Params, "urls")...)
	seen := make(map[string]struct{}, len(urls))
	out := urls[:0]
	for _, u := range urls {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out, nil
}

func (t *FetchTool) fetchOne(ctx context.Context, pageURL string) core.Document {
	doc := core.Document{URL: pageURL, Meta: map[string]string{"renderer": t.name, "accessed": t.now().UTC().Format(time.RFC3339)}}
	parsed, err := url.Parse(pageURL)
	if err != nil || parsed.Host == "" {
		doc.Error = "invalid url"
		return doc
	}
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	t0 := time.Now()
	html, err := t.renderer.Render(ctx, pageURL)
	doc.Meta["render_ms"] = fmt.Sprint(time.Since(t0).Milliseconds())
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			doc.Error = "timeout"
		} else {
			doc.Error = err.Error()
		}
		return doc
	}

	article, err := readability.FromReader(strings.NewReader(html), parsed)
	if err != nil {
		doc.Error = "extract: " + err.Error()
		return doc
	}
	text := strings.TrimSpace(article.TextContent)
	if text == "" {
		doc.Error = "empty content"
		return doc
	}
	if len(text) > t.maxChars {
		text = truncateUTF8(text, t.maxChars)
	}
	doc.Title = strings.TrimSpace(article.Title)
	doc.Author = strings.TrimSpace(article.Byline)
	doc.Content = text
	if article.PublishedTime != nil {
		doc.PublishedAt = article.PublishedTime.UTC().Format(time.RFC3339)
	}
	if article.SiteName != "" {
		doc.Meta["site_name"] = article.SiteName
	}
	if article.Excerpt != "" {
		doc.Meta["excerpt"] = strings.TrimSpace(article.Excerpt)
	}
	if article.Language != "" {
		doc.Meta["language"] = article.Language
	}
	return doc
}

func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !isRuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }

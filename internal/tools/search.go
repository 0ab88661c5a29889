package tools

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"

	"golang.org/x/time/rate"

	"github.com/mohammad-safakhou/taskforge/internal/capability"
	"github.com/mohammad-safakhou/taskforge/internal/core"
	"github.com/mohammad-safakhou/taskforge/internal/policy"
)

// SearchResult is a raw provider hit before ranking.
type SearchResult struct {
	Title   string
	URL     string
	Snippet string
}

// Searcher discovers candidate URLs for a query.
type Searcher interface {
	Discover(ctx context.Context, q string, k int, sites []string, recency int) ([]SearchResult, error)
}

type Provider string

const (
	SerperProvider Provider = "serper"
	BraveProvider  Provider = "brave"
)

var ErrUnsupportedProvider = errors.New("unsupported search provider")

// NewSearcher builds a provider client over a shared HTTP client.
func NewSearcher(provider Provider, apiKey string, client *HTTPClient) (Searcher, error) {
	if client == nil {
		client = NewHTTPClient(0, 2, 0)
	}
	switch provider {
	case SerperProvider:
		return SerperSearch{APIKey: apiKey, HTTP: client, Endpoint: "https://google.serper.dev/search"}, nil
	case BraveProvider:
		return BraveSearch{APIKey: apiKey, HTTP: client, Endpoint: "https://api.search.brave.com/res/v1/web/search"}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProvider, provider)
	}
}

type BraveSearch struct {
	APIKey   string
	Endpoint string
	HTTP     *HTTPClient
}

func (s BraveSearch) Discover(ctx context.Context, q string, k int, sites []string, recency int) ([]SearchResult, error) {
	query := q
	if len(sites) > 0 {
		query = q + " " + siteClause(sites)
	}
	params := url.Values{}
	params.Set("q", query)
	params.Set("count", fmt.Sprint(k))
	if recency > 0 {
		params.Set("freshness", braveFreshness(recency))
	}
	var raw struct {
		Web struct {
			Results []struct {
				Title   string `json:"title"`
				URL     string `json:"url"`
				Snippet string `json:"description"`
			} `json:"results"`
		} `json:"web"`
	}
	headers := map[string]string{"Accept": "application/json", "X-Subscription-Token": s.APIKey}
	if err := s.HTTP.DoJSON(ctx, "GET", s.Endpoint+"?"+params.Encode(), headers, nil, &raw); err != nil {
		return nil, fmt.Errorf("brave search: %w", err)
	}
	var out []SearchResult
	for i, r := range raw.Web.Results {
		if i >= k {
			break
		}
		out = append(out, SearchResult{Title: r.Title, URL: r.URL, Snippet: r.Snippet})
	}
	return out, nil
}

type SerperSearch struct {
	APIKey   string
	Endpoint string
	HTTP     *HTTPClient
}

func (s SerperSearch) Discover(ctx context.Context, q string, k int, sites []string, recency int) ([]SearchResult, error) {
	query := q
	if len(sites) > 0 {
		query = q + " " + siteClause(sites)
	}
	payload := map[string]any{"q": query, "num": k}
	if recency > 0 {
		payload["tbs"] = serperRecency(recency)
	}
	var raw struct {
		Organic []struct {
			Title   string `json:"title"`
			Link    string `json:"link"`
			Snippet string `json:"snippet"`
		} `json:"organic"`
	}
	headers := map[string]string{"X-API-KEY": s.APIKey}
	if err := s.HTTP.DoJSON(ctx, "POST", s.Endpoint, headers, payload, &raw); err != nil {
		return nil, fmt.Errorf("serper search: %w", err)
	}
	var out []SearchResult
	for i, r := range raw.Organic {
		if i >= k {
			break
		}
		out = append(out, SearchResult{Title: r.Title, URL: r.Link, Snippet: r.Snippet})
	}
	return out, nil
}

func siteClause(sites []string) string {
	parts := make([]string, 0, len(sites))
	for _, s := range sites {
		if h := policy.Host(s); h != "" {
			parts = append(parts, "site:"+h)
		}
	}
	return strings.Join(parts, " OR ")
}

func braveFreshness(days int) string {
	switch {
	case days <= 1:
		return "pd"
	case days <= 7:
		return "pw"
	case days <= 31:
		return "pm"
	default:
		return "py"
	}
}

func serperRecency(days int) string {
	switch {
	case days <= 1:
		return "qdr:d"
	case days <= 7:
		return "qdr:w"
	case days <= 31:
		return "qdr:m"
	default:
		return "qdr:y"
	}
}

// SearchTool implements the web_search skill.
type SearchTool struct {
	searcher   Searcher
	limiter    *rate.Limiter
	policy     policy.DomainPolicy
	maxResults int
	logger     *log.Logger
}

type SearchOption func(*SearchTool)

// WithRateLimit throttles provider calls to perSecond requests with the given burst.
func WithRateLimit(perSecond float64, burst int) SearchOption {
	return func(t *SearchTool) {
		if perSecond <= 0 {
			return
		}
		if burst <= 0 {
			burst = 1
		}
		t.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithSearchPolicy applies a global domain policy on top of per-request params.
func WithSearchPolicy(p policy.DomainPolicy) SearchOption {
	return func(t *SearchTool) { t.policy = p }
}

func WithMaxResults(n int) SearchOption {
	return func(t *SearchTool) {
		if n > 0 {
			t.maxResults = n
		}
	}
}

func WithSearchLogger(l *log.Logger) SearchOption {
	return func(t *SearchTool) { t.logger = l }
}

func NewSearchTool(s Searcher, opts ...SearchOption) *SearchTool {
	t := &SearchTool{searcher: s, maxResults: 8}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = discardLogger(t.logger, "[TOOLS] ")
	return t
}

func (t *SearchTool) Name() string { return capability.SkillWebSearch }

// Invoke params: query, seed_queries, seed_urls, allow_domains, block_domains, max_results, recency_days.
func (t *SearchTool) Invoke(ctx context.Context, req Request) Result {
	query := paramString(req.Params, "query")
	if query == "" {
		if seeds := paramStrings(req.Params, "seed_queries"); len(seeds) > 0 {
			query = seeds[0]
		}
	}
	seedURLs := paramStrings(req.Params, "seed_urls")
	if query == "" && len(seedURLs) == 0 {
		return Fail("web_search: query is required")
	}
	k := paramInt(req.Params, "max_results", t.maxResults)
	if k <= 0 {
		k = t.maxResults
	}
	allow := paramStrings(req.Params, "allow_domains")
	pol := t.policy.ForJob(core.JobSpec{Constraints: core.Constraints{
		AllowDomains: allow,
		BlockDomains: paramStrings(req.Params, "block_domains"),
	}})

	seen := map[string]struct{}{}
	var hits []core.SearchHit
	add := func(hit core.SearchHit) {
		key := strings.TrimSpace(hit.URL)
		if key == "" || !pol.Permits(key) {
			return
		}
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		hits = append(hits, hit)
	}
	for _, u := range seedURLs {
		add(core.SearchHit{URL: u, Site: policy.Host(u), Score: 1})
	}

	var logs []string
	if query != "" && t.searcher != nil {
		if t.limiter != nil {
			if err := t.limiter.Wait(ctx); err != nil {
				return Fail("web_search: rate limiter: %v", err)
			}
		}
		results, err := t.searcher.Discover(ctx, query, k, pol.Allowed(), paramInt(req.Params, "recency_days", 0))
		if err != nil {
			if len(hits) == 0 {
				return Fail("web_search: %v", err)
			}
			logs = append(logs, fmt.Sprintf("provider error ignored, using %d seed urls: %v", len(hits), err))
		}
		for rank, r := range results {
			add(core.SearchHit{
				URL:     r.URL,
				Title:   strings.TrimSpace(r.Title),
				Site:    policy.Host(r.URL),
				Score:   1 / float64(rank+1),
				Snippet: strings.TrimSpace(r.Snippet),
			})
		}
	}
	if len(hits) == 0 {
		return Fail("web_search: no results for %q", query)
	}
	if len(hits) > k+len(seedURLs) {
		hits = hits[:k+len(seedURLs)]
	}
	t.logger.Printf("web_search run=%s node=%s query=%q hits=%d", req.RunID, req.NodeID, query, len(hits))
	logs = append(logs, fmt.Sprintf("query=%q hits=%d", query, len(hits)))
	return OK(core.ContractSearchResults, hits, logs...)
}

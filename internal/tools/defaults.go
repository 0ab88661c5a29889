package tools

import (
	"log"
	"net/http"
	"time"

	"github.com/mohammad-safakhou/taskforge/internal/policy"
)

// Deps wires the built-in tools to their external services.
type Deps struct {
	Searcher      Searcher
	Renderer      Renderer
	HTTPClient    *http.Client
	LLM           LLM
	Policy        policy.DomainPolicy
	SearchRate    float64
	SearchBurst   int
	MaxResults    int
	FetchTimeout  time.Duration
	FetchMaxChars int
	FetchParallel int
	Logger        *log.Logger
}

// NewDefaultRegistry registers the seven built-in tools (five skills plus fallbacks).
func NewDefaultRegistry(d Deps) *Registry {
	fetchOpts := []FetchOption{
		WithFetchTimeout(d.FetchTimeout),
		WithMaxChars(d.FetchMaxChars),
		WithConcurrency(d.FetchParallel),
		WithFetchLogger(d.Logger),
	}
	renderer := d.Renderer
	if renderer == nil {
		renderer = HTTPRenderer{Client: d.HTTPClient}
	}
	var primary FindingsStrategy
	if d.LLM != nil {
		primary = LLMStrategy{LLM: d.LLM}
	}
	return NewRegistry(
		NewSearchTool(d.Searcher,
			WithRateLimit(d.SearchRate, d.SearchBurst),
			WithSearchPolicy(d.Policy),
			WithMaxResults(d.MaxResults),
			WithSearchLogger(d.Logger),
		),
		NewFetchTool(renderer, fetchOpts...),
		NewHTTPFetchTool(d.HTTPClient, fetchOpts...),
		NewNormalizeTool(d.Logger),
		NewStructureFindingsTool(primary, d.Logger),
		NewKeywordFindingsTool(d.Logger),
		NewReportTool(d.Logger),
	)
}

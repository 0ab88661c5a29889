package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"sort"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/blevesearch/bleve"

	"github.com/mohammad-safakhou/taskforge/internal/capability"
	"github.com/mohammad-safakhou/taskforge/internal/core"
)

const (
	defaultMaxFindings = 8
	maxSnippetRunes    = 200
	minSentenceRunes   = 20
	maxSentencesPerDoc = 60
	llmDocChars        = 1500
)

// FindingsStrategy turns clean documents into findings.
type FindingsStrategy interface {
	Name() string
	Extract(ctx context.Context, query string, docs []core.Document, max int) ([]core.Finding, int64, error)
}

// FindingsTool implements structure_findings (primary strategy with keyword fallback)
// and keyword_findings (keyword strategy only).
type FindingsTool struct {
	name     string
	primary  FindingsStrategy
	fallback FindingsStrategy
	logger   *log.Logger
}

// NewStructureFindingsTool uses primary when set and falls back to the keyword strategy
// when primary is nil, fails or returns nothing.
func NewStructureFindingsTool(primary FindingsStrategy, logger *log.Logger) *FindingsTool {
	return &FindingsTool{
		name:     capability.SkillStructureFindings,
		primary:  primary,
		fallback: KeywordStrategy{},
		logger:   discardLogger(logger, "[TOOLS] "),
	}
}

func NewKeywordFindingsTool(logger *log.Logger) *FindingsTool {
	return &FindingsTool{
		name:     capability.SkillKeywordFindings,
		fallback: KeywordStrategy{},
		logger:   discardLogger(logger, "[TOOLS] "),
	}
}

func (t *FindingsTool) Name() string { return t.name }

func (t *FindingsTool) Invoke(ctx context.Context, req Request) Result {
	env, ok := core.FindEnvelope(req.Inputs, core.ContractDocumentsClean)
	if !ok {
		return Fail("%s: missing %s input", t.name, core.ContractDocumentsClean)
	}
	docs, err := core.DecodeEnvelope[[]core.Document](env, core.ContractDocumentsClean)
	if err != nil {
		return Fail("%s: %v", t.name, err)
	}
	if len(docs) == 0 {
		return Fail("%s: no documents", t.name)
	}
	query := paramString(req.Params, "query")
	max := paramInt(req.Params, "max_findings", defaultMaxFindings)
	if max <= 0 {
		max = defaultMaxFindings
	}

	var (
		logs   []string
		tokens int64
	)
	if t.primary != nil {
		findings, used, err := t.primary.Extract(ctx, query, docs, max)
		tokens += used
		if err == nil && len(findings) > 0 {
			res := OK(core.ContractFindings, bound(findings, max), fmt.Sprintf("strategy=%s findings=%d", t.primary.Name(), len(findings)))
			res.Tokens = tokens
			return res
		}
		if err == nil {
			err = errors.New("no findings")
		}
		t.logger.Printf("%s run=%s node=%s primary=%s failed, falling back: %v", t.name, req.RunID, req.NodeID, t.primary.Name(), err)
		logs = append(logs, fmt.Sprintf("strategy=%s failed: %v", t.primary.Name(), err))
	}

	findings, _, err := t.fallback.Extract(ctx, query, docs, max)
	if err != nil {
		res := Fail("%s: %v", t.name, err)
		res.Tokens = tokens
		return res
	}
	if len(findings) == 0 {
		res := Fail("%s: no findings extracted", t.name)
		res.Tokens = tokens
		return res
	}
	logs = append(logs, fmt.Sprintf("strategy=%s findings=%d", t.fallback.Name(), len(findings)))
	res := OK(core.ContractFindings, bound(findings, max), logs...)
	res.Tokens = tokens
	return res
}

func bound(findings []core.Finding, max int) []core.Finding {
	if len(findings) > max {
		return findings[:max]
	}
	return findings
}

// LLMStrategy prompts a completion service for findings in JSON.
type LLMStrategy struct {
	LLM LLM
}

func (LLMStrategy) Name() string { return "llm" }

const findingsSystemPrompt = `You extract factual findings from source documents.
Reply with a JSON array only. Each element: {"claim": string, "sources": [document numbers], "snippet": string, "confidence": number between 0 and 1}.
Every claim must be supported by at least one listed document. Do not invent sources.`

func (s LLMStrategy) Extract(ctx context.Context, query string, docs []core.Document, max int) ([]core.Finding, int64, error) {
	if s.LLM == nil {
		return nil, 0, ErrLLMUnavailable
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Topic: %s\nReturn at most %d findings.\n\n", query, max)
	for i, d := range docs {
		fmt.Fprintf(&b, "[%d] %s\nURL: %s\n%s\n\n", i+1, d.Title, d.URL, truncateUTF8(d.Content, llmDocChars))
	}
	text, tokens, err := s.LLM.Generate(ctx, findingsSystemPrompt, b.String())
	if err != nil {
		return nil, tokens, err
	}
	raw, err := ExtractJSON(text)
	if err != nil {
		return nil, tokens, fmt.Errorf("parse llm findings: %w", err)
	}
	var items []struct {
		Claim      string  `json:"claim"`
		Sources    []int   `json:"sources"`
		Snippet    string  `json:"snippet"`
		Confidence float64 `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil, tokens, fmt.Errorf("decode llm findings: %w", err)
	}
	var out []core.Finding
	for _, it := range items {
		claim := strings.TrimSpace(it.Claim)
		if claim == "" {
			continue
		}
		var cites []core.Citation
		for _, n := range it.Sources {
			if n < 1 || n > len(docs) {
				continue
			}
			snippet := it.Snippet
			if snippet == "" {
				snippet = docs[n-1].Content
			}
			cites = append(cites, citationFor(docs[n-1], snippet))
		}
		if len(cites) == 0 {
			continue
		}
		out = append(out, core.Finding{Claim: claim, Citations: cites, Confidence: clampConfidence(it.Confidence)})
	}
	return out, tokens, nil
}

// KeywordStrategy indexes document sentences in an in-memory bleve index and
// turns the best-scoring sentences for the query into findings.
type KeywordStrategy struct{}

func (KeywordStrategy) Name() string { return "keyword" }

type indexedSentence struct {
	Text string `json:"text"`
	doc  int
}

func (KeywordStrategy) Extract(ctx context.Context, query string, docs []core.Document, max int) ([]core.Finding, int64, error) {
	index, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, 0, fmt.Errorf("keyword index: %w", err)
	}
	defer index.Close()

	sentences := map[string]indexedSentence{}
	for di, d := range docs {
		for si, s := range splitSentences(d.Content) {
			if si >= maxSentencesPerDoc {
				break
			}
			id := fmt.Sprintf("d%03d_s%03d", di, si)
			entry := indexedSentence{Text: s, doc: di}
			sentences[id] = entry
			if err := index.Index(id, entry); err != nil {
				return nil, 0, fmt.Errorf("keyword index: %w", err)
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}

	terms := Keywords(query)
	var findings []core.Finding
	if len(terms) > 0 && len(sentences) > 0 {
		q := bleve.NewMatchQuery(strings.Join(terms, " "))
		req := bleve.NewSearchRequestOptions(q, max*4, 0, false)
		res, err := index.Search(req)
		if err != nil {
			return nil, 0, fmt.Errorf("keyword search: %w", err)
		}
		hits := res.Hits
		sort.SliceStable(hits, func(i, j int) bool {
			if hits[i].Score != hits[j].Score {
				return hits[i].Score > hits[j].Score
			}
			return hits[i].ID < hits[j].ID
		})
		top := 0.0
		if len(hits) > 0 {
			top = hits[0].Score
		}
		seen := map[string]struct{}{}
		for _, h := range hits {
			s, ok := sentences[h.ID]
			if !ok {
				continue
			}
			if _, dup := seen[s.Text]; dup {
				continue
			}
			seen[s.Text] = struct{}{}
			conf := 0.3
			if top > 0 {
				conf = 0.2 + 0.6*h.Score/top
			}
			findings = append(findings, core.Finding{
				Claim:      s.Text,
				Citations:  []core.Citation{citationFor(docs[s.doc], s.Text)},
				Confidence: clampConfidence(conf),
			})
			if len(findings) >= max {
				break
			}
		}
	}
	if len(findings) > 0 {
		return findings, 0, nil
	}

	// No term matched: fall back to each document's lead sentence.
	for _, d := range docs {
		lead := splitSentences(d.Content)
		if len(lead) == 0 {
			continue
		}
		findings = append(findings, core.Finding{
			Claim:      lead[0],
			Citations:  []core.Citation{citationFor(d, lead[0])},
			Confidence: 0.3,
		})
		if len(findings) >= max {
			break
		}
	}
	return findings, 0, nil
}

var stopwords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "and": {}, "or": {}, "of": {}, "to": {}, "in": {}, "on": {}, "for": {},
	"about": {}, "with": {}, "is": {}, "are": {}, "it": {}, "its": {}, "this": {}, "that": {}, "by": {},
	"please": {}, "research": {}, "investigate": {}, "analyze": {}, "summarize": {}, "company": {},
}

// Keywords extracts lowercase search terms from free text, dropping stopwords.
func Keywords(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '.')
	})
	seen := map[string]struct{}{}
	var out []string
	for _, f := range fields {
		f = strings.Trim(f, "-.")
		if f == "" || utf8.RuneCountInString(f) < 2 {
			continue
		}
		if _, stop := stopwords[f]; stop {
			continue
		}
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}

func splitSentences(text string) []string {
	var (
		out []string
		b   strings.Builder
	)
	flush := func() {
		s := strings.Join(strings.Fields(b.String()), " ")
		b.Reset()
		if utf8.RuneCountInString(s) >= minSentenceRunes {
			out = append(out, s)
		}
	}
	runes := []rune(text)
	for i, r := range runes {
		switch r {
		case '\n':
			flush()
			continue
		case '。', '！', '？':
			b.WriteRune(r)
			flush()
			continue
		case '.', '!', '?':
			b.WriteRune(r)
			if i+1 == len(runes) || unicode.IsSpace(runes[i+1]) {
				flush()
			}
			continue
		}
		b.WriteRune(r)
	}
	flush()
	return out
}

func citationFor(d core.Document, snippet string) core.Citation {
	c := core.Citation{
		URL:       d.URL,
		Title:     d.Title,
		Snippet:   snippetOf(snippet),
		Published: d.PublishedAt,
	}
	if ts, ok := d.Meta["accessed"]; ok {
		if at, err := time.Parse(time.RFC3339, ts); err == nil {
			c.Accessed = at
		}
	}
	return c
}

func snippetOf(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= maxSnippetRunes {
		return s
	}
	r := []rune(s)
	return string(r[:maxSnippetRunes]) + "…"
}

func clampConfidence(v float64) float64 {
	if math.IsNaN(v) || v <= 0 {
		return 0.1
	}
	if v > 1 {
		v = 1
	}
	return math.Round(v*100) / 100
}

package tools

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"strconv"
	"strings"

	"github.com/mohammad-safakhou/taskforge/internal/capability"
	"github.com/mohammad-safakhou/taskforge/internal/core"
)

// ReportTool implements synthesize_report.
type ReportTool struct {
	logger *log.Logger
}

func NewReportTool(logger *log.Logger) *ReportTool {
	return &ReportTool{logger: discardLogger(logger, "[TOOLS] ")}
}

func (t *ReportTool) Name() string { return capability.SkillSynthesizeReport }

// Invoke params: title, query, format (md|csv|json), outline.
func (t *ReportTool) Invoke(ctx context.Context, req Request) Result {
	env, ok := core.FindEnvelope(req.Inputs, core.ContractFindings)
	if !ok {
		return Fail("synthesize_report: missing %s input", core.ContractFindings)
	}
	findings, err := core.DecodeEnvelope[[]core.Finding](env, core.ContractFindings)
	if err != nil {
		return Fail("synthesize_report: %v", err)
	}
	if len(findings) == 0 {
		return Fail("synthesize_report: no findings to report")
	}

	title := paramString(req.Params, "title")
	if title == "" {
		title = paramString(req.Params, "query")
	}
	if title == "" {
		title = "Research report"
	}
	format := strings.ToLower(paramString(req.Params, "format"))
	if format == "" || format == "markdown" {
		format = "md"
	}

	citations, refs := collectCitations(findings)
	var body string
	switch format {
	case "md":
		body = renderMarkdown(title, findings, citations, refs, paramStrings(req.Params, "outline"))
	case "csv":
		body, err = renderCSV(findings)
	case "json":
		body, err = renderJSON(title, findings, citations)
	default:
		return Fail("synthesize_report: unsupported format %q", format)
	}
	if err != nil {
		return Fail("synthesize_report: %v", err)
	}
	t.logger.Printf("synthesize_report run=%s node=%s format=%s findings=%d sources=%d",
		req.RunID, req.NodeID, format, len(findings), len(citations))
	return OK(core.ContractReport, core.Report{Title: title, Format: format, Body: body, Citations: citations},
		fmt.Sprintf("findings=%d sources=%d", len(findings), len(citations)))
}

// collectCitations dedupes citations by URL in order of first use and returns, per
// finding, the 1-based source numbers it cites.
func collectCitations(findings []core.Finding) ([]core.Citation, [][]int) {
	index := map[string]int{}
	var out []core.Citation
	refs := make([][]int, len(findings))
	for i, f := range findings {
		for _, c := range f.Citations {
			key := strings.TrimSpace(c.URL)
			if key == "" {
				continue
			}
			n, ok := index[key]
			if !ok {
				out = append(out, c)
				n = len(out)
				index[key] = n
			}
			if !containsInt(refs[i], n) {
				refs[i] = append(refs[i], n)
			}
		}
	}
	return out, refs
}

func renderMarkdown(title string, findings []core.Finding, citations []core.Citation, refs [][]int, outline []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", title)
	b.WriteString("## Summary\n\n")
	fmt.Fprintf(&b, "%d findings drawn from %d sources.\n\n", len(findings), len(citations))
	if len(outline) > 0 {
		b.WriteString("## Outline\n\n")
		for _, o := range outline {
			fmt.Fprintf(&b, "- %s\n", o)
		}
		b.WriteString("\n")
	}
	b.WriteString("## Findings\n\n")
	for i, f := range findings {
		fmt.Fprintf(&b, "%d. %s", i+1, f.Claim)
		for _, n := range refs[i] {
			fmt.Fprintf(&b, " [%d]", n)
		}
		fmt.Fprintf(&b, " (confidence %.2f)\n", f.Confidence)
	}
	b.WriteString("\n## Sources\n\n")
	for i, c := range citations {
		fmt.Fprintf(&b, "%s\n", FormatCitation(i+1, c))
	}
	return b.String()
}

// FormatCitation renders: [n] Title "snippet" (domain, YYYY-MM-DD) <url>
func FormatCitation(n int, c core.Citation) string {
	parts := []string{fmt.Sprintf("[%d]", n)}
	if t := strings.TrimSpace(c.Title); t != "" {
		parts = append(parts, t)
	}
	if s := strings.TrimSpace(c.Snippet); s != "" {
		parts = append(parts, strconv.Quote(s))
	}
	if u, err := url.Parse(c.URL); err == nil && u.Host != "" {
		meta := strings.ToLower(u.Hostname())
		switch {
		case len(c.Published) >= 10:
			meta += ", " + c.Published[:10]
		case !c.Accessed.IsZero():
			meta += ", retrieved " + c.Accessed.Format("2006-01-02")
		}
		parts = append(parts, "("+meta+")")
	}
	if c.URL != "" {
		parts = append(parts, "<"+c.URL+">")
	}
	return strings.Join(parts, " ")
}

func renderCSV(findings []core.Finding) (string, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write([]string{"claim", "confidence", "sources"}); err != nil {
		return "", err
	}
	for _, f := range findings {
		urls := make([]string, 0, len(f.Citations))
		for _, c := range f.Citations {
			urls = append(urls, c.URL)
		}
		if err := w.Write([]string{f.Claim, strconv.FormatFloat(f.Confidence, 'f', 2, 64), strings.Join(urls, " ")}); err != nil {
			return "", err
		}
	}
	w.Flush()
	return buf.String(), w.Error()
}

func renderJSON(title string, findings []core.Finding, citations []core.Citation) (string, error) {
	b, err := json.MarshalIndent(struct {
		Title     string          `json:"title"`
		Findings  []core.Finding  `json:"findings"`
		Citations []core.Citation `json:"citations"`
	}{title, findings, citations}, "", "  ")
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func containsInt(xs []int, v int) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

package runner

import (
	"context"
	"strings"
	"unicode"

	"github.com/mohammad-safakhou/taskforge/internal/core"
)

// AcceptanceChecker evaluates a job's acceptance criteria against a settled run.
type AcceptanceChecker interface {
	Check(ctx context.Context, out Outcome) []core.AcceptanceResult
}

// PermissiveAcceptance accepts every criterion without inspecting the deliverables.
type PermissiveAcceptance struct{}

func (PermissiveAcceptance) Check(_ context.Context, out Outcome) []core.AcceptanceResult {
	res := make([]core.AcceptanceResult, 0, len(out.Job.AcceptanceCriteria))
	for _, c := range out.Job.AcceptanceCriteria {
		res = append(res, core.AcceptanceResult{Criterion: c, Passed: true, Detail: "accepted without verification"})
	}
	return res
}

// KeywordAcceptance looks for evidence of each criterion in the deliverable text.
// Criteria about sources need at least one URL; others need at least half of their
// significant words to appear.
type KeywordAcceptance struct{}

var sourceWords = []string{"url", "source", "cite", "citation", "link", "出典", "ソース", "リンク", "引用"}

var stopWords = map[string]bool{
	"report": true, "includes": true, "include": true, "every": true, "each": true, "with": true,
	"from": true, "that": true, "this": true, "their": true, "into": true, "must": true,
	"should": true, "have": true, "about": true, "draw": true, "draws": true,
}

func (KeywordAcceptance) Check(_ context.Context, out Outcome) []core.AcceptanceResult {
	var text strings.Builder
	for _, d := range out.Deliverables {
		if a, ok := out.Artifacts[d.ArtifactID]; ok {
			text.WriteString(a.Content)
			text.WriteString("\n")
		}
	}
	body := strings.ToLower(text.String())

	res := make([]core.AcceptanceResult, 0, len(out.Job.AcceptanceCriteria))
	for _, c := range out.Job.AcceptanceCriteria {
		r := core.AcceptanceResult{Criterion: c}
		lc := strings.ToLower(c)
		switch {
		case body == "":
			r.Detail = "no deliverable content to check"
		case containsAny(lc, sourceWords):
			r.Passed = strings.Contains(body, "http://") || strings.Contains(body, "https://")
			r.Detail = "deliverable cites no URLs"
			if r.Passed {
				r.Detail = "deliverable cites source URLs"
			}
		default:
			words := significantWords(lc)
			if len(words) == 0 {
				r.Detail = "criterion has no checkable keywords"
				break
			}
			hits := 0
			for _, w := range words {
				if strings.Contains(body, w) {
					hits++
				}
			}
			r.Passed = hits*2 >= len(words)
			r.Detail = "keywords found: " + strings.Join(found(body, words), ", ")
			if hits == 0 {
				r.Detail = "no criterion keywords found in deliverable"
			}
		}
		res = append(res, r)
	}
	return res
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func significantWords(s string) []string {
	seen := map[string]bool{}
	var out []string
	for _, w := range strings.FieldsFunc(s, func(r rune) bool { return !unicode.IsLetter(r) && !unicode.IsDigit(r) }) {
		if len([]rune(w)) < 4 || stopWords[w] || seen[w] {
			continue
		}
		seen[w] = true
		out = append(out, w)
	}
	return out
}

func found(body string, words []string) []string {
	var out []string
	for _, w := range words {
		if strings.Contains(body, w) {
			out = append(out, w)
		}
	}
	return out
}

package planner

import (
	"regexp"
	"strings"

	"github.com/mohammad-safakhou/taskforge/internal/core"
)

var (
	requestSuffixes = regexp.MustCompile(`(?i)(\s*(and|then)?\s*(please\s+)?(summari[sz]e|report on|write up)\s+(it|them|this|the results)\.?|\s*please\.?|について(詳しく)?(調べて|調査して|まとめて|教えて)(ください|下さい)?。?|を(調べて|調査して|まとめて|分析して)(ください|下さい)?。?)\s*$`)
	requestPrefixes = regexp.MustCompile(`(?i)^\s*(please\s+)?(research|investigate|look into|find out about|analy[sz]e|compare|monitor|study|summari[sz]e)\s+`)
)

// ExtractQuery strips request phrasing ("please research ...", "... and summarize it",
// "...について調べてください") from intent and returns the subject.
func ExtractQuery(intent string) string {
	q := strings.TrimSpace(intent)
	for i := 0; i < 3; i++ {
		next := strings.TrimSpace(requestPrefixes.ReplaceAllString(q, ""))
		next = strings.TrimSpace(requestSuffixes.ReplaceAllString(next, ""))
		if next == q {
			break
		}
		q = next
	}
	q = strings.TrimRight(q, " .。!！?？")
	if q == "" {
		return strings.TrimSpace(intent)
	}
	return q
}

var inlineURL = regexp.MustCompile(`https?://\S+`)

// queryFor picks the search query for a job: the stripped intent, else the goal,
// else the first seed query.
func queryFor(job core.JobSpec) string {
	if intent := strings.TrimSpace(inlineURL.ReplaceAllString(job.Intent, " ")); intent != "" {
		return ExtractQuery(intent)
	}
	if g := strings.TrimSpace(job.Goal); g != "" {
		return g
	}
	for _, s := range job.Inputs.SeedQueries {
		if s = strings.TrimSpace(s); s != "" {
			return s
		}
	}
	return ""
}

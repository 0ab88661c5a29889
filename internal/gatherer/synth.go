package gatherer

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/mohammad-safakhou/taskforge/internal/core"
	"github.com/mohammad-safakhou/taskforge/internal/planner"
	"github.com/mohammad-safakhou/taskforge/internal/policy"
)

var deadlineTable = []struct {
	phrases  []string
	duration string
}{
	{[]string{"一時間", "one hour", "an hour"}, "PT1H"},
	{[]string{"今日中", "本日中", "today", "end of day"}, "PT24H"},
	{[]string{"明日まで", "明日", "tomorrow"}, "P1D"},
	{[]string{"今週中", "this week"}, "P7D"},
}

var (
	hoursPattern = regexp.MustCompile(`(?i)([0-9０-９]+)\s*(時間|hours?)`)
	daysPattern  = regexp.MustCompile(`(?i)([0-9０-９]+)\s*(日|days?)`)
	noLimit      = regexp.MustCompile(`(?i)制限なし|期限なし|いつでも|no (limit|deadline)|whenever`)
	urlPattern   = regexp.MustCompile(`https?://[^\s　"'<>）)]+`)
	domainAnswer = regexp.MustCompile(`(?i)^([a-z0-9-]+\.)+[a-z]{2,}$`)
)

// DeadlineHint converts a deadline answer to an ISO-8601 duration. It returns nil for
// "no limit" and for phrases it cannot read.
func DeadlineHint(answer string) *string {
	answer = strings.TrimSpace(answer)
	if answer == "" || noLimit.MatchString(answer) {
		return nil
	}
	if m := hoursPattern.FindStringSubmatch(answer); m != nil {
		d := fmt.Sprintf("PT%dH", parseDigits(m[1]))
		return &d
	}
	if m := daysPattern.FindStringSubmatch(answer); m != nil {
		d := fmt.Sprintf("P%dD", parseDigits(m[1]))
		return &d
	}
	lower := strings.ToLower(answer)
	for _, row := range deadlineTable {
		for _, p := range row.phrases {
			if strings.Contains(lower, p) {
				d := row.duration
				return &d
			}
		}
	}
	return nil
}

func deliverableFor(answer string) core.Deliverable {
	switch answer {
	case "CSV表":
		return core.Deliverable{Type: "table", Format: "csv"}
	case "JSON":
		return core.Deliverable{Type: "dataset", Format: "json"}
	default:
		return core.Deliverable{Type: "report", Format: "md"}
	}
}

func privacyFor(answer string) core.PrivacyLevel {
	switch answer {
	case "社外公開可能":
		return core.PrivacyPublic
	case "機密":
		return core.PrivacyConfidential
	default:
		return core.PrivacyInternal
	}
}

// languagesOf reports the scripts present in text as language codes.
func languagesOf(text string) []string {
	var ja, en bool
	for _, r := range text {
		switch {
		case unicode.In(r, unicode.Hiragana, unicode.Katakana, unicode.Han):
			ja = true
		case r < unicode.MaxASCII && unicode.IsLetter(r):
			en = true
		}
	}
	var out []string
	if ja {
		out = append(out, "ja")
	}
	if en {
		out = append(out, "en")
	}
	return out
}

// BuildJobSpec synthesizes the job contract from a session whose answers are complete.
func BuildJobSpec(s Session, now time.Time) core.JobSpec {
	deliverable := deliverableFor(s.Answers[QDeliverable])
	taskType := s.TaskType
	if !taskType.Valid() {
		_, taskType = Detect(s.Intent)
		if taskType == "" {
			taskType = core.TaskMixed
		}
	}

	var seedURLs []string
	seen := map[string]bool{}
	for _, u := range urlPattern.FindAllString(s.Intent, -1) {
		u = strings.TrimRight(u, ".,。、")
		if !seen[u] {
			seen[u] = true
			seedURLs = append(seedURLs, u)
		}
	}
	goal := planner.ExtractQuery(urlPattern.ReplaceAllString(s.Intent, ""))
	if goal == "" {
		goal = s.Intent
	}

	constraints := core.Constraints{
		Languages:    languagesOf(s.Intent),
		Privacy:      privacyFor(s.Answers[QPrivacy]),
		DeadlineHint: DeadlineHint(s.Answers[QDeadline]),
	}

	var notes []string
	criteria := []string{}
	switch deliverable.Type {
	case "report":
		criteria = append(criteria,
			"Report cites source URLs for every finding",
			"Report includes a summary of the key findings",
		)
	case "table":
		criteria = append(criteria, "Table lists every finding with its source URLs")
	default:
		criteria = append(criteria, "Dataset lists every finding with its source URLs")
	}

	switch sources := strings.TrimSpace(s.Answers[QSources]); {
	case sources == "公式サイトのみ":
		notes = append(notes, "official_only")
		criteria = append(criteria, "Sources are limited to official sites")
		for _, u := range seedURLs {
			if h := policy.Host(u); h != "" {
				constraints.AllowDomains = appendUnique(constraints.AllowDomains, h)
			}
		}
	case sources == "ニュースサイト":
		notes = append(notes, "news_sources")
		criteria = append(criteria, "Findings draw on the latest news sources")
	case sources == "" || sources == "制限なし":
	default:
		for _, f := range strings.FieldsFunc(sources, func(r rune) bool {
			return unicode.IsSpace(r) || strings.ContainsRune(",、，/", r)
		}) {
			if h := policy.Host(f); domainAnswer.MatchString(h) {
				constraints.AllowDomains = appendUnique(constraints.AllowDomains, h)
			}
		}
		if len(constraints.AllowDomains) == 0 {
			notes = append(notes, "sources: "+sources)
		}
	}

	return core.JobSpec{
		TaskID:       "task_" + s.ID,
		Intent:       s.Intent,
		Goal:         goal,
		TaskType:     taskType,
		Deliverables: []core.Deliverable{deliverable},
		Inputs: core.JobInputs{
			SeedQueries: []string{goal},
			SeedURLs:    seedURLs,
		},
		Constraints:        constraints,
		AcceptanceCriteria: criteria,
		Notes:              strings.Join(notes, "; "),
		CreatedAt:          now,
	}
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}

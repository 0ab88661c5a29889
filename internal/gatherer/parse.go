package gatherer

import (
	"regexp"
	"strings"
)

// numberMarker matches "1.", "1)", "１．", "2：" and circled numbers, at the start of
// the text or after a separator.
var numberMarker = regexp.MustCompile(`(?:^|[\s　、,;])(?:([0-9０-９]{1,2})\s*[.)．）:：、]|([①-⑳]))`)

var segmentSeparators = regexp.MustCompile(`[\n、，,;；/／]+`)

type numbered struct {
	n    int
	text string
}

// splitNumbered returns the numbered fragments of text in order of appearance.
func splitNumbered(text string) []numbered {
	locs := numberMarker.FindAllStringSubmatchIndex(text, -1)
	if len(locs) == 0 {
		return nil
	}
	out := make([]numbered, 0, len(locs))
	for i, loc := range locs {
		var n int
		switch {
		case loc[2] >= 0:
			n = parseDigits(text[loc[2]:loc[3]])
		case loc[4] >= 0:
			r := []rune(text[loc[4]:loc[5]])[0]
			n = int(r-'①') + 1
		}
		end := len(text)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		out = append(out, numbered{n: n, text: strings.TrimSpace(text[loc[1]:end])})
	}
	return out
}

func parseDigits(s string) int {
	n := 0
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			n = n*10 + int(r-'0')
		case r >= '０' && r <= '９':
			n = n*10 + int(r-'０')
		}
	}
	return n
}

// ParseAnswers maps a user message onto the outstanding questions.
// Numbered fragments are matched positionally against outstanding; when numbering
// is absent or ambiguous, fragments are matched by option keywords instead.
// Questions with no usable fragment are left out of the result.
func ParseAnswers(outstanding []Question, text string) map[string]string {
	answers := map[string]string{}
	text = strings.TrimSpace(text)
	if text == "" || len(outstanding) == 0 {
		return answers
	}

	if parts := splitNumbered(text); len(parts) > 0 && unambiguous(parts, len(outstanding)) {
		for _, p := range parts {
			q := outstanding[p.n-1]
			if v, ok := q.match(p.text); ok {
				answers[q.ID] = v
			}
		}
		return answers
	}

	if len(outstanding) == 1 {
		if v, ok := outstanding[0].match(text); ok {
			answers[outstanding[0].ID] = v
		}
		return answers
	}

	segments := splitSegments(text)
	if len(segments) == len(outstanding) {
		positional := map[string]string{}
		for i, seg := range segments {
			if v, ok := outstanding[i].match(seg); ok {
				positional[outstanding[i].ID] = v
			}
		}
		if len(positional) == len(outstanding) {
			return positional
		}
	}

	// Keyword fallback: each segment answers the first unanswered question whose
	// options it names.
	for _, seg := range segments {
		for _, q := range outstanding {
			if _, done := answers[q.ID]; done {
				continue
			}
			if v, ok := q.matchOption(seg); ok {
				answers[q.ID] = v
				break
			}
		}
	}
	return answers
}

func unambiguous(parts []numbered, k int) bool {
	seen := map[int]bool{}
	for _, p := range parts {
		if p.n < 1 || p.n > k || seen[p.n] {
			return false
		}
		seen[p.n] = true
	}
	return true
}

func splitSegments(text string) []string {
	var out []string
	for _, s := range segmentSeparators.Split(text, -1) {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// matchOption is match without the free-text escape hatch.
func (q Question) matchOption(fragment string) (string, bool) {
	if q.Type == QuestionText {
		return "", false
	}
	q.FreeText = false
	return q.match(fragment)
}

package planner

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/mohammad-safakhou/taskforge/internal/capability"
	"github.com/mohammad-safakhou/taskforge/internal/core"
)

var (
	researchPattern = []string{
		capability.SkillWebSearch,
		capability.SkillFetchExtract,
		capability.SkillNormalizeDedupe,
		capability.SkillStructureFindings,
		capability.SkillSynthesizeReport,
	}
	analysisPattern = []string{
		capability.SkillFetchExtract,
		capability.SkillNormalizeDedupe,
		capability.SkillStructureFindings,
		capability.SkillSynthesizeReport,
	}
	genericPattern = []string{
		capability.SkillWebSearch,
		capability.SkillFetchExtract,
		capability.SkillStructureFindings,
		capability.SkillSynthesizeReport,
	}
)

// DefaultPatterns maps task types to routing patterns. Types not listed use the generic pattern.
func DefaultPatterns() map[core.TaskType][]string {
	return map[core.TaskType][]string{
		core.TaskResearch:   researchPattern,
		core.TaskComparison: researchPattern,
		core.TaskMonitoring: researchPattern,
		core.TaskAnalysis:   analysisPattern,
	}
}

type skillText struct {
	title   string
	purpose string
}

var skillTexts = map[string]skillText{
	capability.SkillWebSearch: {
		title:   "Search for sources",
		purpose: "Discover candidate source URLs for the query, honouring domain policy and freshness",
	},
	capability.SkillFetchExtract: {
		title:   "Fetch and extract",
		purpose: "Fetch each source page and extract its readable text and metadata",
	},
	capability.SkillHTTPFetch: {
		title:   "Fetch over HTTP",
		purpose: "Fetch each source page without a browser and extract its readable text",
	},
	capability.SkillNormalizeDedupe: {
		title:   "Normalize and dedupe",
		purpose: "Clean extracted text and remove duplicate documents",
	},
	capability.SkillStructureFindings: {
		title:   "Structure findings",
		purpose: "Extract key claims with citations to the source URLs that support them",
	},
	capability.SkillKeywordFindings: {
		title:   "Keyword findings",
		purpose: "Extract claims matching the query keywords with citations to their source URLs",
	},
	capability.SkillSynthesizeReport: {
		title:   "Synthesize report",
		purpose: "Write the deliverable with a summary, findings and a cited source list",
	},
}

func textFor(skill string) skillText {
	if t, ok := skillTexts[skill]; ok {
		return t
	}
	return skillText{title: skill, purpose: "Run " + skill}
}

// acceptsSearch lists skills that can consume search results directly.
var acceptsSearch = map[string]bool{
	capability.SkillFetchExtract: true,
	capability.SkillHTTPFetch:    true,
}

const (
	defaultMaxResults   = 8
	defaultMaxDocuments = 8
	defaultMaxFindings  = 8
	defaultMinChars     = 40
)

// paramsFor derives the node parameters of skill from the job.
func paramsFor(skill string, job core.JobSpec, query string, first bool) map[string]any {
	p := map[string]any{}
	switch skill {
	case capability.SkillWebSearch:
		p["query"] = query
		p["max_results"] = defaultMaxResults
		if len(job.Inputs.SeedQueries) > 0 {
			p["seed_queries"] = append([]string(nil), job.Inputs.SeedQueries...)
		}
		if len(job.Inputs.SeedURLs) > 0 {
			p["seed_urls"] = append([]string(nil), job.Inputs.SeedURLs...)
		}
		if len(job.Constraints.AllowDomains) > 0 {
			p["allow_domains"] = append([]string(nil), job.Constraints.AllowDomains...)
		}
		if len(job.Constraints.BlockDomains) > 0 {
			p["block_domains"] = append([]string(nil), job.Constraints.BlockDomains...)
		}
		if days := recencyDays(job.Constraints.TimeRange); days > 0 {
			p["recency_days"] = days
		}
	case capability.SkillFetchExtract, capability.SkillHTTPFetch:
		p["max_documents"] = defaultMaxDocuments
		if first && len(job.Inputs.SeedURLs) > 0 {
			p["urls"] = append([]string(nil), job.Inputs.SeedURLs...)
		}
	case capability.SkillNormalizeDedupe:
		p["min_chars"] = defaultMinChars
	case capability.SkillStructureFindings, capability.SkillKeywordFindings:
		p["query"] = query
		p["max_findings"] = defaultMaxFindings
		if len(job.Constraints.Languages) > 0 {
			p["languages"] = append([]string(nil), job.Constraints.Languages...)
		}
	case capability.SkillSynthesizeReport:
		d := primaryDeliverable(job)
		p["title"] = reportTitle(query)
		p["query"] = query
		p["format"] = d.Format
		if len(d.Outline) > 0 {
			p["outline"] = append([]string(nil), d.Outline...)
		}
	}
	return p
}

func primaryDeliverable(job core.JobSpec) core.Deliverable {
	if len(job.Deliverables) > 0 && job.Deliverables[0].Format != "" {
		return job.Deliverables[0]
	}
	return core.Deliverable{Type: "report", Format: "md"}
}

func reportTitle(query string) string {
	if query == "" {
		return "Research report"
	}
	return query + " report"
}

var isoDays = regexp.MustCompile(`(?i)^P(?:(\d+)Y)?(?:(\d+)M)?(?:(\d+)W)?(?:(\d+)D)?$`)

// recencyDays reads a time range such as "P30D", "past_week" or "last 3 months".
func recencyDays(tr string) int {
	tr = strings.ToLower(strings.TrimSpace(tr))
	if tr == "" {
		return 0
	}
	if m := isoDays.FindStringSubmatch(strings.ToUpper(tr)); m != nil {
		n := func(s string, mult int) int {
			v, _ := strconv.Atoi(s)
			return v * mult
		}
		return n(m[1], 365) + n(m[2], 30) + n(m[3], 7) + n(m[4], 1)
	}
	units := []struct {
		word string
		days int
	}{{"day", 1}, {"week", 7}, {"month", 30}, {"year", 365}}
	for _, u := range units {
		if !strings.Contains(tr, u.word) {
			continue
		}
		count := 1
		for _, f := range strings.FieldsFunc(tr, func(r rune) bool { return r == ' ' || r == '_' || r == '-' }) {
			if v, err := strconv.Atoi(f); err == nil && v > 0 {
				count = v
				break
			}
		}
		return count * u.days
	}
	return 0
}

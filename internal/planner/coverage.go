package planner

import (
	"strings"

	"github.com/mohammad-safakhou/taskforge/internal/capability"
	"github.com/mohammad-safakhou/taskforge/internal/core"
)

// coverageGroup ties criterion keywords to the skills whose nodes satisfy them.
type coverageGroup struct {
	keywords []string
	skills   []string
}

var coverageGroups = []coverageGroup{
	{
		keywords: []string{"cite", "citation", "url", "link", "reference", "出典", "引用", "参照", "リンク"},
		skills:   []string{capability.SkillStructureFindings, capability.SkillKeywordFindings, capability.SkillSynthesizeReport},
	},
	{
		keywords: []string{"summary", "summar", "report", "overview", "deliverable", "要約", "まとめ", "レポート", "報告"},
		skills:   []string{capability.SkillSynthesizeReport},
	},
	{
		keywords: []string{"table", "csv", "dataset", "json", "表", "データ"},
		skills:   []string{capability.SkillSynthesizeReport},
	},
	{
		keywords: []string{"source", "official", "website", "site", "公式", "ソース", "情報源", "サイト"},
		skills:   []string{capability.SkillWebSearch, capability.SkillFetchExtract, capability.SkillHTTPFetch},
	},
	{
		keywords: []string{"fresh", "latest", "recent", "news", "up to date", "最新", "ニュース", "直近"},
		skills:   []string{capability.SkillWebSearch},
	},
	{
		keywords: []string{"dedupe", "de-dup", "duplicate", "unique", "clean", "重複", "整形"},
		skills:   []string{capability.SkillNormalizeDedupe},
	},
	{
		keywords: []string{"finding", "claim", "fact", "insight", "evidence", "所見", "事実", "根拠"},
		skills:   []string{capability.SkillStructureFindings, capability.SkillKeywordFindings},
	},
	{
		keywords: []string{"compare", "comparison", "versus", "比較"},
		skills:   []string{capability.SkillStructureFindings, capability.SkillSynthesizeReport},
	},
}

// computeCoverage maps each criterion, in input order and with its original text, to the
// plan nodes that satisfy it. Criteria no node satisfies, blank ones included, are returned
// as gaps, never dropped.
func computeCoverage(criteria []string, nodes []core.PlanNode) ([]core.Coverage, []string) {
	coverage := []core.Coverage{}
	gaps := []string{}
	for _, criterion := range criteria {
		if strings.TrimSpace(criterion) == "" {
			gaps = append(gaps, criterion)
			continue
		}

		lower := strings.ToLower(criterion)
		wanted := map[string]bool{}
		for _, g := range coverageGroups {
			if containsAny(lower, g.keywords) {
				for _, s := range g.skills {
					wanted[s] = true
				}
			}
		}
		var ids []string
		for _, n := range nodes {
			if wanted[n.Skill] || purposeMatches(lower, n.Purpose) {
				ids = append(ids, n.ID)
			}
		}
		if len(ids) == 0 {
			gaps = append(gaps, criterion)
			continue
		}
		coverage = append(coverage, core.Coverage{Criterion: criterion, NodeIDs: ids})
	}
	return coverage, gaps
}

func containsAny(s string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}

// purposeMatches reports whether a criterion quotes a distinctive word of a node's purpose.
func purposeMatches(criterion, purpose string) bool {
	for _, w := range strings.Fields(strings.ToLower(purpose)) {
		w = strings.Trim(w, ",.")
		if len(w) >= 8 && strings.Contains(criterion, w) {
			return true
		}
	}
	return false
}

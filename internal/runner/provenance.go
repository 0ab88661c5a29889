package runner

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/mohammad-safakhou/taskforge/internal/core"
)

// ProvenanceBuilder derives lineage entries for the artifacts of a settled run.
type ProvenanceBuilder interface {
	Build(ctx context.Context, out Outcome) []core.ProvenanceEntry
}

// LineageProvenance records, for every produced artifact, the node and skill that made it,
// the artifacts it was derived from and the source URLs it carries.
type LineageProvenance struct{}

func (LineageProvenance) Build(_ context.Context, out Outcome) []core.ProvenanceEntry {
	entries := []core.ProvenanceEntry{}
	for _, n := range out.Nodes {
		if n.Status != core.NodeSuccess {
			continue
		}
		for _, id := range n.OutputRefs {
			e := core.ProvenanceEntry{
				ArtifactID: id,
				NodeID:     n.NodeID,
				Skill:      n.Skill,
				Inputs:     append([]string(nil), n.InputRefs...),
			}
			if a, ok := out.Artifacts[id]; ok {
				e.Sources = sourcesOf(a)
			}
			entries = append(entries, e)
		}
	}
	return entries
}

var urlPattern = regexp.MustCompile(`https?://[^\s<>()"\]\[]+`)

// sourcesOf lists the distinct URLs an artifact refers to, in order of appearance.
func sourcesOf(a core.Artifact) []string {
	var urls []string
	if a.Type == core.ArtifactJSON {
		var env core.Envelope
		if err := json.Unmarshal([]byte(a.Content), &env); err == nil && env.Contract != "" {
			urls = envelopeURLs(env)
		}
	}
	if urls == nil {
		urls = urlPattern.FindAllString(a.Content, -1)
	}
	seen := map[string]bool{}
	var out []string
	for _, u := range urls {
		u = strings.TrimRight(u, ".,;")
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		out = append(out, u)
	}
	return out
}

func envelopeURLs(env core.Envelope) []string {
	urls := []string{}
	switch env.Contract {
	case core.ContractSearchResults:
		hits, _ := core.DecodeEnvelope[[]core.SearchHit](env, env.Contract)
		for _, h := range hits {
			urls = append(urls, h.URL)
		}
	case core.ContractDocumentsRaw, core.ContractDocumentsClean:
		docs, _ := core.DecodeEnvelope[[]core.Document](env, env.Contract)
		for _, d := range docs {
			if !d.Failed() {
				urls = append(urls, d.URL)
			}
		}
	case core.ContractFindings:
		findings, _ := core.DecodeEnvelope[[]core.Finding](env, env.Contract)
		for _, f := range findings {
			for _, c := range f.Citations {
				urls = append(urls, c.URL)
			}
		}
	case core.ContractReport:
		rep, _ := core.DecodeEnvelope[core.Report](env, env.Contract)
		for _, c := range rep.Citations {
			urls = append(urls, c.URL)
		}
	default:
		return nil
	}
	return urls
}

package capability

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/mohammad-safakhou/taskforge/internal/core"
)

// Built-in skill names.
const (
	SkillWebSearch         = "web_search"
	SkillFetchExtract      = "fetch_extract"
	SkillHTTPFetch         = "http_fetch"
	SkillNormalizeDedupe   = "normalize_dedupe"
	SkillStructureFindings = "structure_findings"
	SkillKeywordFindings   = "keyword_findings"
	SkillSynthesizeReport  = "synthesize_report"
)

// SkillCard is the registry metadata for a skill module.
type SkillCard struct {
	Name          string          `json:"name"`
	Version       string          `json:"version"`
	Description   string          `json:"description"`
	Preconditions []string        `json:"preconditions"`
	CostHint      string          `json:"cost_hint"` // low, mid, high
	Tokens        int64           `json:"tokens"`
	P50LatencyMS  int64           `json:"p50_latency_ms"`
	RiskNotes     []string        `json:"risk_notes"`
	Fallbacks     []string        `json:"fallbacks"`
	Output        core.NodeOutput `json:"output"`
	Network       bool            `json:"network"`
	Checksum      string          `json:"checksum"`
	Signature     string          `json:"signature"`
}

// DefaultSkillCards returns the built-in skill catalog.
func DefaultSkillCards() []SkillCard {
	return []SkillCard{
		{
			Name:          SkillWebSearch,
			Version:       "v1",
			Description:   "Searches the web for candidate sources",
			Preconditions: []string{"search provider api key configured"},
			CostHint:      "low",
			P50LatencyMS:  1500,
			RiskNotes:     []string{"provider ranking may favour popular domains"},
			Output:        core.NodeOutput{Contract: core.ContractSearchResults, ArtifactType: core.ArtifactJSON},
			Network:       true,
		},
		{
			Name:          SkillFetchExtract,
			Version:       "v1",
			Description:   "Fetches pages and extracts readable content",
			Preconditions: []string{"headless browser available"},
			CostHint:      "mid",
			P50LatencyMS:  8000,
			RiskNotes:     []string{"some pages block automated fetches", "paywalled content is skipped"},
			Fallbacks:     []string{SkillHTTPFetch},
			Output:        core.NodeOutput{Contract: core.ContractDocumentsRaw, ArtifactType: core.ArtifactJSON},
			Network:       true,
		},
		{
			Name:         SkillHTTPFetch,
			Version:      "v1",
			Description:  "Fetches pages over plain HTTP and extracts readable content",
			CostHint:     "low",
			P50LatencyMS: 3000,
			RiskNotes:    []string{"script-rendered pages come back empty"},
			Output:       core.NodeOutput{Contract: core.ContractDocumentsRaw, ArtifactType: core.ArtifactJSON},
			Network:      true,
		},
		{
			Name:         SkillNormalizeDedupe,
			Version:      "v1",
			Description:  "Strips markup noise and removes duplicate documents",
			CostHint:     "low",
			P50LatencyMS: 200,
			Output:       core.NodeOutput{Contract: core.ContractDocumentsClean, ArtifactType: core.ArtifactJSON},
		},
		{
			Name:          SkillStructureFindings,
			Version:       "v1",
			Description:   "Extracts claims with supporting citations",
			Preconditions: []string{"language model configured"},
			CostHint:      "high",
			Tokens:        6000,
			P50LatencyMS:  12000,
			RiskNotes:     []string{"model output may paraphrase sources loosely"},
			Fallbacks:     []string{SkillKeywordFindings},
			Output:        core.NodeOutput{Contract: core.ContractFindings, ArtifactType: core.ArtifactJSON},
			Network:       true,
		},
		{
			Name:         SkillKeywordFindings,
			Version:      "v1",
			Description:  "Extracts claims by keyword search over documents",
			CostHint:     "low",
			P50LatencyMS: 500,
			RiskNotes:    []string{"claims are verbatim sentences, not summaries"},
			Output:       core.NodeOutput{Contract: core.ContractFindings, ArtifactType: core.ArtifactJSON},
		},
		{
			Name:         SkillSynthesizeReport,
			Version:      "v1",
			Description:  "Synthesizes findings into a cited report",
			CostHint:     "low",
			P50LatencyMS: 300,
			Output:       core.NodeOutput{Contract: core.ContractReport, ArtifactType: core.ArtifactMarkdown},
		},
	}
}

// DefaultRequired lists the skills every routing pattern may reference.
var DefaultRequired = []string{
	SkillWebSearch,
	SkillFetchExtract,
	SkillNormalizeDedupe,
	SkillStructureFindings,
	SkillSynthesizeReport,
}

// Registry holds validated SkillCards keyed by name.
type Registry struct {
	skills map[string]SkillCard
}

// ErrSkillMissing indicates a required skill is not registered.
var ErrSkillMissing = fmt.Errorf("required skill missing")

// NewRegistry validates SkillCards and ensures required skills exist.
// When signingSecret is empty signatures are not checked.
func NewRegistry(cards []SkillCard, signingSecret string, required []string) (*Registry, error) {
	reg := &Registry{skills: make(map[string]SkillCard)}
	for _, sc := range cards {
		if err := ValidateSkillCard(sc); err != nil {
			return nil, err
		}
		if err := validateSignature(sc, signingSecret); err != nil {
			return nil, fmt.Errorf("skill %s@%s signature invalid: %w", sc.Name, sc.Version, err)
		}
		existing, ok := reg.skills[sc.Name]
		if !ok || versionGreater(sc.Version, existing.Version) {
			reg.skills[sc.Name] = sc
		}
	}
	if required == nil {
		required = DefaultRequired
	}
	for _, r := range required {
		if _, ok := reg.skills[r]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrSkillMissing, r)
		}
	}
	return reg, nil
}

// MustDefault builds a registry from DefaultSkillCards and panics on error.
func MustDefault() *Registry {
	reg, err := NewRegistry(DefaultSkillCards(), "", nil)
	if err != nil {
		panic(err)
	}
	return reg
}

// Skill returns the SkillCard registered under name.
func (r *Registry) Skill(name string) (SkillCard, bool) {
	if r == nil {
		return SkillCard{}, false
	}
	sc, ok := r.skills[name]
	return sc, ok
}

// Names returns the registered skill names in sorted order.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	out := make([]string, 0, len(r.skills))
	for name := range r.skills {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ValidateSkillCard checks the fields required for planning.
func ValidateSkillCard(sc SkillCard) error {
	if strings.TrimSpace(sc.Name) == "" {
		return fmt.Errorf("skill name required")
	}
	if strings.TrimSpace(sc.Version) == "" {
		return fmt.Errorf("skill %s: version required", sc.Name)
	}
	if sc.Output.Contract == "" {
		return fmt.Errorf("skill %s: output contract required", sc.Name)
	}
	if !sc.Output.ArtifactType.Valid() {
		return fmt.Errorf("skill %s: unsupported artifact type %q", sc.Name, sc.Output.ArtifactType)
	}
	switch sc.CostHint {
	case "", "low", "mid", "high":
	default:
		return fmt.Errorf("skill %s: unknown cost hint %q", sc.Name, sc.CostHint)
	}
	return nil
}

// ComputeChecksum returns a deterministic hash of the card payload (excluding checksum and signature).
func ComputeChecksum(sc SkillCard) (string, error) {
	sc.Checksum = ""
	sc.Signature = ""
	normalized, err := json.Marshal(sc)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(normalized)
	return hex.EncodeToString(sum[:]), nil
}

// VerifyChecksum compares the stored checksum with the computed one.
func VerifyChecksum(sc SkillCard) error {
	want, err := ComputeChecksum(sc)
	if err != nil {
		return err
	}
	if sc.Checksum != want {
		return fmt.Errorf("checksum mismatch for %s@%s", sc.Name, sc.Version)
	}
	return nil
}

// SignSkillCard computes an HMAC signature using the signing secret.
func SignSkillCard(sc SkillCard, secret string) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("signing secret is empty")
	}
	checksum, err := ComputeChecksum(sc)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(checksum))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

func validateSignature(sc SkillCard, secret string) error {
	if secret == "" {
		return nil
	}
	expected, err := SignSkillCard(sc, secret)
	if err != nil {
		return err
	}
	if !hmac.Equal([]byte(expected), []byte(sc.Signature)) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}

func versionGreater(a, b string) bool {
	if a == b {
		return false
	}
	return compareVersions(splitVersion(a), splitVersion(b)) > 0
}

func splitVersion(v string) []int {
	parts := strings.Split(strings.TrimPrefix(v, "v"), ".")
	out := make([]int, len(parts))
	for i, p := range parts {
		fmt.Sscanf(p, "%d", &out[i])
	}
	return out
}

func compareVersions(a, b []int) int {
	n := max(len(a), len(b))
	for i := 0; i < n; i++ {
		ai, bi := 0, 0
		if i < len(a) {
			ai = a[i]
		}
		if i < len(b) {
			bi = b[i]
		}
		if ai != bi {
			if ai > bi {
				return 1
			}
			return -1
		}
	}
	return 0
}

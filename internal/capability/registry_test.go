package capability

import (
	"errors"
	"testing"

	"github.com/mohammad-safakhou/taskforge/internal/core"
)

func mustSign(t *testing.T, sc SkillCard, secret string) SkillCard {
	t.Helper()
	if sc.Output.Contract == "" {
		sc.Output = core.NodeOutput{Contract: core.ContractFindings, ArtifactType: core.ArtifactJSON}
	}
	checksum, err := ComputeChecksum(sc)
	if err != nil {
		t.Fatalf("ComputeChecksum: %v", err)
	}
	sc.Checksum = checksum
	sig, err := SignSkillCard(sc, secret)
	if err != nil {
		t.Fatalf("SignSkillCard: %v", err)
	}
	sc.Signature = sig
	return sc
}

func TestDefaultRegistryHasRequiredSkills(t *testing.T) {
	reg, err := NewRegistry(DefaultSkillCards(), "", nil)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	for _, name := range DefaultRequired {
		if _, ok := reg.Skill(name); !ok {
			t.Fatalf("expected %s to be registered", name)
		}
	}
	fetch, _ := reg.Skill(SkillFetchExtract)
	if len(fetch.Fallbacks) != 1 || fetch.Fallbacks[0] != SkillHTTPFetch {
		t.Fatalf("unexpected fetch fallbacks: %v", fetch.Fallbacks)
	}
	for _, fb := range fetch.Fallbacks {
		if _, ok := reg.Skill(fb); !ok {
			t.Fatalf("fallback %s not registered", fb)
		}
	}
}

func TestNewRegistryRejectsInvalidSignature(t *testing.T) {
	sc := mustSign(t, SkillCard{Name: SkillStructureFindings, Version: "v1"}, "top-secret")
	sc.Signature = "deadbeef"

	if _, err := NewRegistry([]SkillCard{sc}, "top-secret", []string{SkillStructureFindings}); err == nil {
		t.Fatalf("expected signature validation to fail")
	}
}

func TestNewRegistryEnforcesRequiredSkills(t *testing.T) {
	search := mustSign(t, SkillCard{Name: SkillWebSearch, Version: "v1"}, "top-secret")

	_, err := NewRegistry([]SkillCard{search}, "top-secret", []string{SkillWebSearch, SkillSynthesizeReport})
	if !errors.Is(err, ErrSkillMissing) {
		t.Fatalf("expected ErrSkillMissing, got %v", err)
	}
}

func TestNewRegistryPrefersLatestVersion(t *testing.T) {
	old := mustSign(t, SkillCard{Name: SkillWebSearch, Version: "v1"}, "s")
	newer := mustSign(t, SkillCard{Name: SkillWebSearch, Version: "v1.10"}, "s")
	mid := mustSign(t, SkillCard{Name: SkillWebSearch, Version: "v1.2"}, "s")

	reg, err := NewRegistry([]SkillCard{old, newer, mid}, "s", []string{SkillWebSearch})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	sc, ok := reg.Skill(SkillWebSearch)
	if !ok {
		t.Fatalf("expected skill to exist")
	}
	if sc.Version != "v1.10" {
		t.Fatalf("expected latest version, got %s", sc.Version)
	}
}

func TestValidateSkillCard(t *testing.T) {
	valid := SkillCard{Name: "x", Version: "v1", Output: core.NodeOutput{Contract: "c", ArtifactType: core.ArtifactCSV}}
	if err := ValidateSkillCard(valid); err != nil {
		t.Fatalf("expected valid card, got %v", err)
	}
	cases := []SkillCard{
		{Version: "v1", Output: valid.Output},
		{Name: "x", Output: valid.Output},
		{Name: "x", Version: "v1", Output: core.NodeOutput{Contract: "c", ArtifactType: "pdf"}},
		{Name: "x", Version: "v1", Output: valid.Output, CostHint: "huge"},
	}
	for i, sc := range cases {
		if err := ValidateSkillCard(sc); err == nil {
			t.Fatalf("case %d: expected validation failure", i)
		}
	}
}

func TestVerifyChecksum(t *testing.T) {
	sc := DefaultSkillCards()[0]
	checksum, err := ComputeChecksum(sc)
	if err != nil {
		t.Fatalf("ComputeChecksum: %v", err)
	}
	sc.Checksum = checksum
	if err := VerifyChecksum(sc); err != nil {
		t.Fatalf("expected checksum to validate, got %v", err)
	}
	sc.Description = "tampered"
	if err := VerifyChecksum(sc); err == nil {
		t.Fatalf("expected checksum mismatch error")
	}
}

func TestNamesSorted(t *testing.T) {
	reg := MustDefault()
	names := reg.Names()
	for i := 1; i < len(names); i++ {
		if names[i-1] > names[i] {
			t.Fatalf("names not sorted: %v", names)
		}
	}
}

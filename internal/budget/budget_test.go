package budget

import (
	"errors"
	"testing"
	"time"

	"github.com/mohammad-safakhou/taskforge/internal/core"
)

func TestConfigValidate(t *testing.T) {
	neg := int64(-1)
	cfg := Config{MaxTokens: &neg}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error")
	}
	d := -time.Second
	cfg = Config{MaxDuration: &d}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected duration validation error")
	}
}

func TestMergeClone(t *testing.T) {
	tokens := int64(500)
	base := Config{MaxTokens: &tokens}
	d := time.Hour
	merged := Merge(base, Config{MaxDuration: &d})
	if merged.MaxTokens == nil || *merged.MaxTokens != 500 || merged.MaxDuration == nil || *merged.MaxDuration != time.Hour {
		t.Fatalf("unexpected merge: %+v", merged)
	}
	*merged.MaxTokens = 1
	if *base.MaxTokens != 500 {
		t.Fatalf("merge should not alias base")
	}
	if !(Config{}).IsZero() || merged.IsZero() {
		t.Fatalf("IsZero")
	}
}

func TestParseISODuration(t *testing.T) {
	cases := map[string]time.Duration{
		"PT1H":    time.Hour,
		"PT24H":   24 * time.Hour,
		"P1D":     24 * time.Hour,
		"P7D":     7 * 24 * time.Hour,
		"P2W":     14 * 24 * time.Hour,
		"PT1H30M": 90 * time.Minute,
	}
	for in, want := range cases {
		got, err := ParseISODuration(in)
		if err != nil || got != want {
			t.Fatalf("ParseISODuration(%q) = %v, %v", in, got, err)
		}
	}
	for _, bad := range []string{"", "P", "PT", "1 hour", "P1Y"} {
		if _, err := ParseISODuration(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestFromJob(t *testing.T) {
	hint := "PT1H"
	job := core.JobSpec{Constraints: core.Constraints{TokenBudget: 2000, DeadlineHint: &hint}}
	cfg := FromJob(job)
	if cfg.MaxTokens == nil || *cfg.MaxTokens != 2000 || cfg.MaxDuration == nil || *cfg.MaxDuration != time.Hour {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if !FromJob(core.JobSpec{}).IsZero() {
		t.Fatalf("empty job should have no limits")
	}
}

func TestMonitorAddAndTime(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	maxTokens := int64(1000)
	maxTime := time.Minute
	mon := NewMonitor(Config{MaxTokens: &maxTokens, MaxDuration: &maxTime}, clock)
	if err := mon.Add(400); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err := mon.Add(700)
	var exceeded ErrExceeded
	if !errors.As(err, &exceeded) || exceeded.Kind != "tokens" {
		t.Fatalf("expected token budget breach, got %v", err)
	}
	_ = mon.Add(10)
	if err := mon.CheckTime(); err != nil {
		t.Fatalf("unexpected time breach: %v", err)
	}
	now = now.Add(2 * time.Minute)
	if err := mon.CheckTime(); err == nil {
		t.Fatalf("expected time breach")
	}
	breaches := mon.Breaches()
	if len(breaches) != 2 || breaches[0].Kind != "tokens" || breaches[0].Usage != "1110 tokens" || breaches[1].Kind != "time" {
		t.Fatalf("unexpected breaches: %+v", breaches)
	}
	tokens, elapsed := mon.Usage()
	if tokens != 1110 || elapsed != 2*time.Minute {
		t.Fatalf("usage = %d %v", tokens, elapsed)
	}
}

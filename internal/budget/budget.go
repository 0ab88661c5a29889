package budget

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/mohammad-safakhou/taskforge/internal/core"
)

// Config defines the guardrails of a run.
type Config struct {
	MaxTokens   *int64
	MaxDuration *time.Duration
}

// Validate ensures the budget values are sane before use.
func (c Config) Validate() error {
	if c.MaxTokens != nil && *c.MaxTokens < 0 {
		return fmt.Errorf("max_tokens cannot be negative")
	}
	if c.MaxDuration != nil && *c.MaxDuration < 0 {
		return fmt.Errorf("max_duration cannot be negative")
	}
	return nil
}

// Clone produces a deep copy of the config.
func (c Config) Clone() Config {
	var clone Config
	if c.MaxTokens != nil {
		v := *c.MaxTokens
		clone.MaxTokens = &v
	}
	if c.MaxDuration != nil {
		v := *c.MaxDuration
		clone.MaxDuration = &v
	}
	return clone
}

// Merge overlays non-nil values from override onto base.
func Merge(base Config, override Config) Config {
	result := base.Clone()
	if override.MaxTokens != nil {
		v := *override.MaxTokens
		result.MaxTokens = &v
	}
	if override.MaxDuration != nil {
		v := *override.MaxDuration
		result.MaxDuration = &v
	}
	return result
}

// IsZero reports whether the config defines no explicit limits.
func (c Config) IsZero() bool {
	if c.MaxTokens != nil && *c.MaxTokens != 0 {
		return false
	}
	return c.MaxDuration == nil || *c.MaxDuration == 0
}

// FromJob derives limits from a job's token budget and deadline hint.
// An unreadable deadline hint leaves the duration unlimited.
func FromJob(job core.JobSpec) Config {
	var cfg Config
	if job.Constraints.TokenBudget > 0 {
		v := job.Constraints.TokenBudget
		cfg.MaxTokens = &v
	}
	if job.Constraints.DeadlineHint != nil {
		if d, err := ParseISODuration(*job.Constraints.DeadlineHint); err == nil && d > 0 {
			cfg.MaxDuration = &d
		}
	}
	return cfg
}

var isoDuration = regexp.MustCompile(`^P(?:(\d+)W)?(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+)S)?)?$`)

// ParseISODuration parses the week/day/time subset of ISO-8601 durations ("PT1H", "P1D", "P2W").
func ParseISODuration(s string) (time.Duration, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	m := isoDuration.FindStringSubmatch(s)
	if m == nil || s == "P" || s == "PT" {
		return 0, fmt.Errorf("invalid ISO-8601 duration %q", s)
	}
	units := []time.Duration{7 * 24 * time.Hour, 24 * time.Hour, time.Hour, time.Minute, time.Second}
	var total time.Duration
	for i, u := range units {
		if m[i+1] == "" {
			continue
		}
		n, err := strconv.Atoi(m[i+1])
		if err != nil {
			return 0, fmt.Errorf("invalid ISO-8601 duration %q: %w", s, err)
		}
		total += time.Duration(n) * u
	}
	return total, nil
}

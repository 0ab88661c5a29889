package runner

import (
	"math"
	"time"

	"github.com/mohammad-safakhou/taskforge/internal/core"
)

// Backoff controls the delay between attempts of a failed node.
type Backoff struct {
	Initial    time.Duration `mapstructure:"initial" json:"initial"`
	Factor     float64       `mapstructure:"factor" json:"factor"`
	MaxRetries int           `mapstructure:"max_retries" json:"max_retries"`
}

// Delay returns the wait after the given zero-based attempt: Initial * Factor^attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Initial <= 0 {
		return 0
	}
	f := b.Factor
	if f <= 0 {
		f = 1
	}
	return time.Duration(float64(b.Initial) * math.Pow(f, float64(attempt)))
}

// EnvConfig is the environment a run executes in.
type EnvConfig struct {
	Parallelism map[string]int `mapstructure:"parallelism" json:"parallelism"`
	NodeTimeout time.Duration  `mapstructure:"node_timeout" json:"node_timeout"`
	Backoff     Backoff        `mapstructure:"backoff" json:"backoff"`
}

// DefaultEnvConfig returns the stock ceilings, a 60s node timeout and three retries
// starting at one second, doubling each time.
func DefaultEnvConfig() EnvConfig {
	return EnvConfig{
		Parallelism: map[string]int{
			string(core.ParallelismSequential): 1,
			string(core.ParallelismSafe):       2,
			string(core.ParallelismAggressive): 4,
		},
		NodeTimeout: 60 * time.Second,
		Backoff:     Backoff{Initial: time.Second, Factor: 2, MaxRetries: 3},
	}
}

// Normalize fills zero values from the defaults.
func (c EnvConfig) Normalize() EnvConfig {
	def := DefaultEnvConfig()
	out := c
	out.Parallelism = make(map[string]int, len(def.Parallelism))
	for k, v := range def.Parallelism {
		out.Parallelism[k] = v
	}
	for k, v := range c.Parallelism {
		if v > 0 {
			out.Parallelism[k] = v
		}
	}
	if out.NodeTimeout <= 0 {
		out.NodeTimeout = def.NodeTimeout
	}
	if out.Backoff.Factor <= 0 {
		out.Backoff.Factor = def.Backoff.Factor
	}
	if out.Backoff.MaxRetries < 0 {
		out.Backoff.MaxRetries = 0
	}
	return out
}

// Ceiling is the maximum number of nodes executing at once under the given policy.
// Unknown policies run sequentially.
func (c EnvConfig) Ceiling(p core.Parallelism) int {
	if n, ok := c.Parallelism[string(p)]; ok && n > 0 {
		return n
	}
	return 1
}

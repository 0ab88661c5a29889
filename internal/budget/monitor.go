package budget

import (
	"fmt"
	"sync"
	"time"
)

// Monitor tracks actual usage against configured limits during execution.
// Breaches are recorded once per kind; execution is never stopped by the monitor.
type Monitor struct {
	config     Config
	tokensUsed int64
	startTime  time.Time
	now        func() time.Time
	breaches   []ErrExceeded
	mu         sync.Mutex
}

// NewMonitor clones the provided config and starts tracking usage.
func NewMonitor(cfg Config, now func() time.Time) *Monitor {
	if now == nil {
		now = time.Now
	}
	return &Monitor{
		config:    cfg.Clone(),
		startTime: now(),
		now:       now,
	}
}

// Add records token usage, returning an error if the limit is breached.
func (m *Monitor) Add(tokens int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokensUsed += tokens
	if m.config.MaxTokens != nil && m.tokensUsed > *m.config.MaxTokens {
		return m.record(ErrExceeded{
			Kind:  "tokens",
			Usage: fmt.Sprintf("%d tokens", m.tokensUsed),
			Limit: fmt.Sprintf("%d tokens", *m.config.MaxTokens),
		})
	}
	return nil
}

// CheckTime verifies elapsed time against the configured limit.
func (m *Monitor) CheckTime() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.config.MaxDuration == nil || *m.config.MaxDuration <= 0 {
		return nil
	}
	elapsed := m.now().Sub(m.startTime)
	if elapsed > *m.config.MaxDuration {
		return m.record(ErrExceeded{
			Kind:  "time",
			Usage: elapsed.Round(time.Millisecond).String(),
			Limit: m.config.MaxDuration.String(),
		})
	}
	return nil
}

func (m *Monitor) record(e ErrExceeded) error {
	for i, b := range m.breaches {
		if b.Kind == e.Kind {
			m.breaches[i] = e
			return e
		}
	}
	m.breaches = append(m.breaches, e)
	return e
}

// Breaches returns the latest breach of each kind, in the order first seen.
func (m *Monitor) Breaches() []ErrExceeded {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ErrExceeded(nil), m.breaches...)
}

// Usage returns the accumulated metrics.
func (m *Monitor) Usage() (tokens int64, elapsed time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tokensUsed, m.now().Sub(m.startTime)
}

// Config returns a clone of the underlying budget config.
func (m *Monitor) Config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.config.Clone()
}

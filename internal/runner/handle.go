package runner

import (
	"context"
	"sync"

	"github.com/mohammad-safakhou/taskforge/internal/core"
)

// Handle tracks a run started in the background.
type Handle struct {
	RunID string

	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	status core.RunStatus
	result *core.RunnerResult
	err    error
}

func newHandle(runID string, cancel context.CancelFunc) *Handle {
	return &Handle{RunID: runID, cancel: cancel, done: make(chan struct{}), status: core.RunQueued}
}

// Status returns the current lifecycle state of the run.
func (h *Handle) Status() core.RunStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// Done is closed once the run has finished and its result is available.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the run finishes or ctx ends.
func (h *Handle) Wait(ctx context.Context) (*core.RunnerResult, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.done:
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result, h.err
}

// Cancel asks the run to stop. Executing tools observe it through their context; nodes
// not yet settled fail and the run finalises with whatever was produced.
func (h *Handle) Cancel() { h.cancel() }

func (h *Handle) setStatus(s core.RunStatus) {
	h.mu.Lock()
	h.status = s
	h.mu.Unlock()
}

func (h *Handle) finish(res *core.RunnerResult, err error) {
	h.mu.Lock()
	h.result, h.err = res, err
	h.mu.Unlock()
	close(h.done)
}

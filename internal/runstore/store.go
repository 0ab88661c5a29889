// Package runstore persists RunnerSessions so callers can poll run status.
package runstore

import (
	"context"
	"errors"

	"github.com/mohammad-safakhou/taskforge/internal/core"
)

var (
	ErrRunNotFound = errors.New("run not found")
	ErrRunExists   = errors.New("run already exists")
)

// Filter narrows Query results; empty fields match everything.
type Filter struct {
	ConversationID string
	OwnerID        string
	// Unowned restricts results to sessions without an owner. It is ignored when
	// OwnerID is set.
	Unowned bool
	Status  core.RunStatus
}

func (f Filter) matches(s core.RunnerSession) bool {
	if f.ConversationID != "" && s.ConversationID != f.ConversationID {
		return false
	}
	if f.OwnerID != "" && s.OwnerID != f.OwnerID {
		return false
	}
	if f.OwnerID == "" && f.Unowned && s.OwnerID != "" {
		return false
	}
	if f.Status != "" && s.Status != f.Status {
		return false
	}
	return true
}

// Store is the document store for runner sessions, keyed by run id.
type Store interface {
	Create(ctx context.Context, s core.RunnerSession) error
	Get(ctx context.Context, runID string) (core.RunnerSession, error)
	// Update applies fn to the stored session and persists the result atomically.
	Update(ctx context.Context, runID string, fn func(*core.RunnerSession) error) (core.RunnerSession, error)
	// Query returns matching sessions, newest first. limit <= 0 means no limit.
	Query(ctx context.Context, f Filter, limit int) ([]core.RunnerSession, error)
}

package runner

import (
	"context"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/mohammad-safakhou/taskforge/internal/artifact"
	"github.com/mohammad-safakhou/taskforge/internal/capability"
	"github.com/mohammad-safakhou/taskforge/internal/core"
	"github.com/mohammad-safakhou/taskforge/internal/policy"
	"github.com/mohammad-safakhou/taskforge/internal/runstore"
	"github.com/mohammad-safakhou/taskforge/internal/tools"
)

// Runner executes PlanSpecs against the tool registry.
type Runner struct {
	artifacts  artifact.Store
	sessions   runstore.Store
	tools      *tools.Registry
	skills     *capability.Registry
	env        EnvConfig
	logger     *log.Logger
	metrics    Metrics
	acceptance AcceptanceChecker
	provenance ProvenanceBuilder
	policy     *policy.DomainPolicy
	now        func() time.Time
	sleep      func(context.Context, time.Duration) error
	newID      func() string
	tracer     trace.Tracer
	inflight   *inflight
}

// Option configures runner behaviour.
type Option func(*Runner)

func WithArtifactStore(s artifact.Store) Option { return func(r *Runner) { r.artifacts = s } }

func WithSessionStore(s runstore.Store) Option { return func(r *Runner) { r.sessions = s } }

func WithTools(reg *tools.Registry) Option { return func(r *Runner) { r.tools = reg } }

// WithSkills supplies skill cards. Plans binding a skill unknown to the registry are rejected,
// and card fallbacks apply to nodes that declare none.
func WithSkills(reg *capability.Registry) Option { return func(r *Runner) { r.skills = reg } }

func WithEnv(env EnvConfig) Option { return func(r *Runner) { r.env = env.Normalize() } }

func WithLogger(l *log.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithMetrics sets runner metrics callbacks.
func WithMetrics(m Metrics) Option { return func(r *Runner) { r.metrics = m } }

func WithAcceptance(a AcceptanceChecker) Option { return func(r *Runner) { r.acceptance = a } }

func WithProvenance(p ProvenanceBuilder) Option { return func(r *Runner) { r.provenance = p } }

// WithPolicy applies an environment domain policy on top of each job's own constraints
// before network skills are invoked.
func WithPolicy(p policy.DomainPolicy) Option { return func(r *Runner) { r.policy = &p } }

func WithClock(now func() time.Time) Option { return func(r *Runner) { r.now = now } }

// WithSleep replaces the backoff sleep. The function must return early with ctx.Err() on cancellation.
func WithSleep(fn func(context.Context, time.Duration) error) Option {
	return func(r *Runner) { r.sleep = fn }
}

func WithIDGenerator(fn func() string) Option { return func(r *Runner) { r.newID = fn } }

// New creates a Runner. Stores default to in-memory implementations.
func New(opts ...Option) *Runner {
	r := &Runner{
		env:        DefaultEnvConfig(),
		logger:     log.New(io.Discard, "[RUNNER] ", log.LstdFlags),
		acceptance: PermissiveAcceptance{},
		provenance: LineageProvenance{},
		now:        func() time.Time { return time.Now().UTC() },
		sleep:      sleepCtx,
		newID:      uuid.NewString,
		tracer:     otel.Tracer("taskforge/runner"),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.artifacts == nil {
		r.artifacts = artifact.NewMemoryStore()
	}
	if r.sessions == nil {
		r.sessions = runstore.NewMemoryStore()
	}
	r.inflight = &inflight{report: r.metrics.InFlight}
	return r
}

// MaxInFlight is the highest number of nodes this runner has executed at once.
func (r *Runner) MaxInFlight() int { return r.inflight.max() }

// Sessions exposes the run store for status polling.
func (r *Runner) Sessions() runstore.Store { return r.sessions }

// Artifacts exposes the artifact store holding run outputs.
func (r *Runner) Artifacts() artifact.Store { return r.artifacts }

// RunRequest identifies the job and plan to execute and who asked for it.
type RunRequest struct {
	RunID          string
	ConversationID string
	OwnerID        string
	Job            core.JobSpec
	Plan           core.PlanSpec
}

// SubmitRun executes plan for job to completion with a runner built from opts.
func SubmitRun(ctx context.Context, job core.JobSpec, plan core.PlanSpec, skills *capability.Registry, env EnvConfig, opts ...Option) (*core.RunnerResult, error) {
	opts = append(opts, WithSkills(skills), WithEnv(env))
	return New(opts...).Submit(ctx, RunRequest{Job: job, Plan: plan})
}

// Submit creates a queued session, runs it to completion and returns the result.
// Structural plan errors yield a failed result together with an error wrapping ErrStructural.
func (r *Runner) Submit(ctx context.Context, req RunRequest) (*core.RunnerResult, error) {
	sess, err := r.create(ctx, req)
	if err != nil {
		return nil, err
	}
	return r.execute(ctx, sess, nil)
}

// Start creates the session synchronously and executes it in the background.
// The run is detached from ctx cancellation; use Handle.Cancel to stop it.
func (r *Runner) Start(ctx context.Context, req RunRequest) (*Handle, error) {
	sess, err := r.create(ctx, req)
	if err != nil {
		return nil, err
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h := newHandle(sess.RunID, cancel)
	go func() {
		defer cancel()
		res, err := r.execute(runCtx, sess, h.setStatus)
		h.finish(res, err)
	}()
	return h, nil
}

func (r *Runner) create(ctx context.Context, req RunRequest) (core.RunnerSession, error) {
	if r.tools == nil {
		return core.RunnerSession{}, ErrNoTools
	}
	runID := req.RunID
	if runID == "" {
		runID = "run_" + r.newID()
	}
	sess := core.RunnerSession{
		ID:             "sess_" + r.newID(),
		RunID:          runID,
		ConversationID: req.ConversationID,
		OwnerID:        req.OwnerID,
		Status:         core.RunQueued,
		Job:            req.Job,
		Plan:           req.Plan,
		NodeArtifacts:  map[string][]string{},
		NodeResults:    map[string]core.NodeResult{},
		CreatedAt:      r.now(),
	}
	if err := r.sessions.Create(ctx, sess); err != nil {
		return core.RunnerSession{}, fmt.Errorf("create run %s: %w", runID, err)
	}
	r.logger.Printf("run queued run=%s task=%s plan=%s nodes=%d", runID, req.Job.TaskID, req.Plan.PlanID, len(req.Plan.Graph.Nodes))
	return sess, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mohammad-safakhou/taskforge/internal/artifact"
	"github.com/mohammad-safakhou/taskforge/internal/capability"
	"github.com/mohammad-safakhou/taskforge/internal/core"
	"github.com/mohammad-safakhou/taskforge/internal/tools"
)

// runNode executes one node with retries and returns its settled result.
func (r *Runner) runNode(ctx context.Context, st *runState, node core.PlanNode) core.NodeResult {
	ctx, span := r.tracer.Start(ctx, "runner.node", trace.WithAttributes(
		attribute.String("run_id", st.runID),
		attribute.String("node_id", node.ID),
		attribute.String("skill", node.Skill),
	))
	defer span.End()
	r.inflight.enter()
	defer r.inflight.leave()

	res := core.NodeResult{NodeID: node.ID, Skill: node.Skill, Status: core.NodeFailed, StartedAt: r.now()}
	chain := r.skillChain(node)
	maxAttempts := r.env.Backoff.MaxRetries + 1
	r.event(st, core.EventNodeStarted, node.ID, 1, node.Title)

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := r.env.Backoff.Delay(attempt - 1)
			r.event(st, core.EventNodeRetry, node.ID, attempt+1, fmt.Sprintf("after %s: %v", delay, lastErr))
			if err := r.sleep(ctx, delay); err != nil {
				lastErr = err
				break
			}
		}
		res.Attempts = attempt + 1

		out, err := r.attempt(ctx, st, node, chain, attempt, &res)
		if r.metrics.NodeAttempt != nil {
			r.metrics.NodeAttempt(ctx, node, attempt+1, err == nil)
		}
		if err == nil {
			res.Status = core.NodeSuccess
			res.OutputRefs = out
			lastErr = nil
			break
		}
		lastErr = err
		res.Logs = append(res.Logs, fmt.Sprintf("attempt %d: %v", attempt+1, err))
		if ctx.Err() != nil {
			break
		}
	}

	res.EndedAt = r.now()
	res.DurationMS = res.EndedAt.Sub(res.StartedAt).Milliseconds()
	if r.metrics.NodeDuration != nil {
		r.metrics.NodeDuration(ctx, node, res.EndedAt.Sub(res.StartedAt))
	}
	_ = st.monitor.CheckTime()

	if res.Status == core.NodeSuccess {
		r.event(st, core.EventNodeCompleted, node.ID, res.Attempts, fmt.Sprintf("skill=%s outputs=%d", res.Skill, len(res.OutputRefs)))
		return res
	}
	nerr := &NodeError{NodeID: node.ID, Attempts: res.Attempts, Err: lastErr}
	res.Error = nerr.Error()
	span.RecordError(nerr)
	span.SetStatus(codes.Error, "node failed")
	r.event(st, core.EventNodeFailed, node.ID, res.Attempts, lastErr.Error())
	return res
}

// attempt resolves inputs and tries the node's skill followed by its fallbacks.
func (r *Runner) attempt(ctx context.Context, st *runState, node core.PlanNode, chain []string, attempt int, res *core.NodeResult) ([]string, error) {
	inputs, refs, err := r.resolveInputs(ctx, st, node)
	if err != nil {
		return nil, err
	}
	res.InputRefs = refs

	var errs []error
	for _, skill := range chain {
		tool, ok := r.tools.Lookup(skill)
		if !ok {
			errs = append(errs, fmt.Errorf("%s: no tool registered", skill))
			continue
		}
		out := r.invoke(ctx, tool, tools.Request{
			RunID:  st.runID,
			NodeID: node.ID,
			Params: r.paramsFor(st.job, node, skill),
			Inputs: inputs,
		})
		if out.Tokens > 0 {
			_ = st.monitor.Add(out.Tokens)
		}
		res.Logs = append(res.Logs, out.Logs...)
		if !out.Success || out.Output == nil {
			msg := out.Error
			if msg == "" {
				msg = "no output produced"
			}
			errs = append(errs, fmt.Errorf("%s: %s", skill, msg))
			continue
		}
		if want := primaryOutput(node).Contract; want != "" && out.Output.Contract != want {
			errs = append(errs, fmt.Errorf("%s: %w: want %s, got %s", skill, core.ErrContractMismatch, want, out.Output.Contract))
			continue
		}
		ids, err := r.storeOutput(ctx, st.runID, node, skill, attempt, *out.Output)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: store output: %w", skill, err))
			continue
		}
		res.Skill = skill
		return ids, nil
	}
	return nil, errors.Join(errs...)
}

// invoke races the tool against the node timeout. A tool that ignores its context keeps
// running in the background; its late result is discarded.
func (r *Runner) invoke(ctx context.Context, tool tools.Tool, req tools.Request) tools.Result {
	tctx, cancel := context.WithTimeout(ctx, r.env.NodeTimeout)
	defer cancel()
	ch := make(chan tools.Result, 1)
	go func() { ch <- tools.SafeInvoke(tctx, tool, req) }()
	select {
	case out := <-ch:
		return out
	case <-tctx.Done():
		if errors.Is(tctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return tools.Fail("timed out after %s", r.env.NodeTimeout)
		}
		return tools.Fail("cancelled: %v", ctx.Err())
	}
}

func (r *Runner) skillChain(node core.PlanNode) []string {
	chain := []string{node.Skill}
	fallbacks := node.Fallbacks
	if len(fallbacks) == 0 && r.skills != nil {
		if card, ok := r.skills.Skill(node.Skill); ok {
			fallbacks = card.Fallbacks
		}
	}
	for _, f := range fallbacks {
		if f != "" && f != node.Skill {
			chain = append(chain, f)
		}
	}
	return chain
}

// paramsFor copies the node params and narrows network skills by the runner's domain policy.
func (r *Runner) paramsFor(job core.JobSpec, node core.PlanNode, skill string) map[string]any {
	params := make(map[string]any, len(node.Params)+1)
	for k, v := range node.Params {
		params[k] = v
	}
	if r.policy == nil || !r.isNetwork(skill) {
		return params
	}
	pol := r.policy.ForJob(job)
	if blocked := pol.Blocked(); len(blocked) > 0 {
		params["block_domains"] = blocked
	}
	if allowed := pol.Allowed(); len(allowed) > 0 {
		params["allow_domains"] = allowed
	}
	if urls, ok := params["urls"]; ok {
		var kept []string
		for _, u := range anyStrings(urls) {
			if pol.Permits(u) {
				kept = append(kept, u)
			}
		}
		params["urls"] = kept
	}
	return params
}

func (r *Runner) isNetwork(skill string) bool {
	if r.skills != nil {
		if card, ok := r.skills.Skill(skill); ok {
			return card.Network
		}
	}
	switch skill {
	case capability.SkillWebSearch, capability.SkillFetchExtract, capability.SkillHTTPFetch:
		return true
	}
	return false
}

func anyStrings(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, x := range t {
			if s, ok := x.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return []string{t}
	}
	return nil
}

func primaryOutput(node core.PlanNode) core.NodeOutput {
	if len(node.Outputs) == 0 {
		return core.NodeOutput{ArtifactType: core.ArtifactJSON}
	}
	return node.Outputs[0]
}

// resolveInputs loads the envelopes a node consumes. A nil source is the job itself.
func (r *Runner) resolveInputs(ctx context.Context, st *runState, node core.PlanNode) ([]core.Envelope, []string, error) {
	var (
		envs []core.Envelope
		refs []string
	)
	for _, in := range node.Inputs {
		if in.Source == nil {
			env, err := core.NewEnvelope(core.ContractJobInput, st.job)
			if err != nil {
				return nil, nil, err
			}
			envs = append(envs, env)
			continue
		}
		src := *in.Source
		ids := st.artifactsOf(src)
		if len(ids) == 0 {
			return nil, nil, errInput{source: src, contract: in.Contract, reason: "source produced no artifacts"}
		}
		arts, err := r.artifacts.GetMany(ctx, ids)
		if err != nil {
			return nil, nil, errInput{source: src, contract: in.Contract, reason: err.Error()}
		}
		found := false
		for _, id := range ids {
			a, ok := arts[id]
			if !ok || a.Deleted() {
				continue
			}
			env := envelopeOf(a, in.Contract)
			if in.Contract != "" && env.Contract != in.Contract {
				continue
			}
			envs = append(envs, env)
			refs = append(refs, id)
			found = true
		}
		if !found {
			return nil, nil, errInput{source: src, contract: in.Contract, reason: "no stored artifact carries the contract"}
		}
	}
	return envs, refs, nil
}

// envelopeOf decodes a stored envelope, or wraps non-envelope content as a JSON string
// under the artifact's recorded contract.
func envelopeOf(a core.Artifact, want string) core.Envelope {
	if a.Type == core.ArtifactJSON {
		var env core.Envelope
		if err := json.Unmarshal([]byte(a.Content), &env); err == nil && env.Contract != "" && len(env.Data) > 0 {
			return env
		}
	}
	contract := a.Metadata[core.MetaContract]
	if contract == "" {
		contract = want
	}
	data, _ := json.Marshal(a.Content)
	return core.Envelope{Contract: contract, Data: data}
}

// storeOutput persists a tool output as the node's primary artifact. Reports are stored as
// their rendered body; every other contract as its JSON envelope.
func (r *Runner) storeOutput(ctx context.Context, runID string, node core.PlanNode, skill string, attempt int, env core.Envelope) ([]string, error) {
	meta := map[string]string{
		core.MetaRunID:    runID,
		core.MetaNodeID:   node.ID,
		core.MetaContract: env.Contract,
		core.MetaSkill:    skill,
		core.MetaAttempt:  strconv.Itoa(attempt + 1),
	}
	req := artifact.PutRequest{Type: core.ArtifactJSON, Metadata: meta}
	if env.Contract == core.ContractReport {
		rep, err := core.DecodeEnvelope[core.Report](env, core.ContractReport)
		if err != nil {
			return nil, err
		}
		req.Content = rep.Body
		meta["title"] = rep.Title
		meta["sources"] = strconv.Itoa(len(rep.Citations))
		switch strings.ToLower(rep.Format) {
		case "csv":
			req.Type = core.ArtifactCSV
		case "json":
			req.Type = core.ArtifactJSON
		default:
			req.Type = core.ArtifactMarkdown
		}
	} else {
		data, err := json.Marshal(env)
		if err != nil {
			return nil, err
		}
		req.Content = string(data)
	}
	ref, err := r.artifacts.Put(ctx, req)
	if err != nil {
		return nil, err
	}
	return []string{ref.ID}, nil
}

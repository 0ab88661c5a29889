package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/mohammad-safakhou/taskforge/internal/core"
)

// Request is the input of a tool invocation.
type Request struct {
	RunID  string
	NodeID string
	Params map[string]any
	Inputs []core.Envelope
}

// Result is the outcome of a tool invocation. Tools report failures here instead of returning errors.
type Result struct {
	Success bool
	Output  *core.Envelope
	Error   string
	Tokens  int64
	Logs    []string
}

// Tool is the executable counterpart of a skill card.
type Tool interface {
	Name() string
	Invoke(ctx context.Context, req Request) Result
}

// Fail builds a failed result.
func Fail(format string, args ...any) Result {
	return Result{Error: fmt.Sprintf(format, args...)}
}

// OK wraps v in an envelope of the given contract.
func OK(contract string, v any, logs ...string) Result {
	env, err := core.NewEnvelope(contract, v)
	if err != nil {
		return Fail("%v", err)
	}
	return Result{Success: true, Output: &env, Logs: logs}
}

// Registry maps skill names to tools.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry registers the given tools by name.
func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		r.Register(t)
	}
	return r
}

// Register adds or replaces a tool.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Lookup returns the tool for a skill name.
func (r *Registry) Lookup(name string) (Tool, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names lists registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tools))
	for name := range r.tools {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// SafeInvoke calls the tool and converts a panic into a failed result.
func SafeInvoke(ctx context.Context, t Tool, req Request) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Fail("%s panicked: %v", t.Name(), r)
		}
	}()
	return t.Invoke(ctx, req)
}

// Func adapts a function into a Tool.
type Func struct {
	ToolName string
	Fn       func(ctx context.Context, req Request) Result
}

func (f Func) Name() string { return f.ToolName }
func (f Func) Invoke(ctx context.Context, req Request) Result { return f.Fn(ctx, req) }

func discardLogger(l *log.Logger, prefix string) *log.Logger {
	if l != nil {
		return l
	}
	return log.New(io.Discard, prefix, log.LstdFlags)
}

func paramString(params map[string]any, key string) string {
	switch v := params[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case fmt.Stringer:
		return strings.TrimSpace(v.String())
	case nil:
		return ""
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

func paramStrings(params map[string]any, key string) []string {
	var out []string
	switch v := params[key].(type) {
	case []string:
		out = append(out, v...)
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
	case string:
		if v != "" {
			out = strings.Split(v, ",")
		}
	}
	cleaned := out[:0]
	for _, s := range out {
		if s = strings.TrimSpace(s); s != "" {
			cleaned = append(cleaned, s)
		}
	}
	return cleaned
}

func paramInt(params map[string]any, key string, def int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return def
}

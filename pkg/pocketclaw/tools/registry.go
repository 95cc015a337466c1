package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/xeipuuv/gojsonschema"

	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/provider"
)

const (
	// DefaultTimeout bounds a single tool call.
	DefaultTimeout = 60 * time.Second

	// MaxResultChars caps a tool result before it enters the conversation.
	MaxResultChars = 100_000
)

// Gate serializes tool execution across every registry that shares it.
// The main loop and all subagents share one gate, so two tool calls never
// touch the workspace at the same time.
type Gate struct {
	ch chan struct{}
}

// NewGate creates an open gate.
func NewGate() *Gate { return &Gate{ch: make(chan struct{}, 1)} }

// Acquire blocks until the gate is free or ctx is done.
func (g *Gate) Acquire(ctx context.Context) error {
	select {
	case g.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees the gate.
func (g *Gate) Release() { <-g.ch }

type entry struct {
	tool   Tool
	schema *gojsonschema.Schema
}

// Registry maps tool names to tools.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]*entry
	gate    *Gate
	timeout time.Duration
	auditor Auditor
	logger  *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithTimeout sets the per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithAuditor records every call.
func WithAuditor(a Auditor) Option {
	return func(r *Registry) { r.auditor = a }
}

// WithGate shares an existing gate.
func WithGate(g *Gate) Option {
	return func(r *Registry) {
		if g != nil {
			r.gate = g
		}
	}
}

// NewRegistry creates an empty registry with its own gate.
func NewRegistry(logger *slog.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		tools:   make(map[string]*entry),
		gate:    NewGate(),
		timeout: DefaultTimeout,
		logger:  logger.With("component", "tools"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds or replaces a tool. The parameter schema is compiled once;
// an invalid schema is a programming error and is reported here.
func (r *Registry) Register(t Tool) error {
	params := t.Parameters()
	if params == nil {
		params = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(params))
	if err != nil {
		return fmt.Errorf("tool %q: invalid parameter schema: %w", t.Name(), err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; exists {
		r.logger.Debug("replacing tool", "name", t.Name())
	}
	r.tools[t.Name()] = &entry{tool: t, schema: schema}
	return nil
}

// MustRegister is Register for built-ins whose schemas are static.
func (r *Registry) MustRegister(t Tool) {
	if err := r.Register(t); err != nil {
		panic(err)
	}
}

// Unregister removes a tool.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	delete(r.tools, name)
	r.mu.Unlock()
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[name]
	if !ok {
		return nil, false
	}
	return e.tool, true
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions returns the schema list sent to the model, sorted by name.
func (r *Registry) Definitions() []provider.ToolDefinition {
	names := r.Names()
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]provider.ToolDefinition, 0, len(names))
	for _, name := range names {
		if e, ok := r.tools[name]; ok {
			defs = append(defs, ToDefinition(e.tool))
		}
	}
	return defs
}

// Clone returns a registry with the same tools (minus exclude), sharing the
// gate, timeout and auditor.
func (r *Registry) Clone(exclude ...string) *Registry {
	skip := make(map[string]bool, len(exclude))
	for _, name := range exclude {
		skip[name] = true
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	cp := &Registry{
		tools:   make(map[string]*entry, len(r.tools)),
		gate:    r.gate,
		timeout: r.timeout,
		auditor: r.auditor,
		logger:  r.logger,
	}
	for name, e := range r.tools {
		if !skip[name] {
			cp.tools[name] = e
		}
	}
	return cp
}

// ExecuteCall decodes the model's JSON arguments and runs the call.
func (r *Registry) ExecuteCall(ctx context.Context, call provider.ToolCall) Result {
	args, err := parseArgs(call.Function.Arguments)
	if err != nil {
		return errorResult(fmt.Errorf("invalid arguments for %s: %w", call.Function.Name, err))
	}
	return r.Execute(ctx, call.Function.Name, args)
}

// Execute validates args against the tool's schema and runs it under the
// shared gate with the registry timeout.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (res Result) {
	r.mu.RLock()
	e, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return errorResult(fmt.Errorf("tool %q not found", name))
	}
	if args == nil {
		args = map[string]any{}
	}

	if err := validate(e.schema, args); err != nil {
		r.logger.Warn("tool arguments rejected", "name", name, "error", err)
		return errorResult(fmt.Errorf("invalid arguments for %s: %w", name, err))
	}

	if err := r.gate.Acquire(ctx); err != nil {
		return errorResult(fmt.Errorf("%s cancelled while waiting for workspace: %w", name, err))
	}
	defer r.gate.Release()

	execCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	defer func() {
		res.Duration = time.Since(start)
		if r.auditor != nil {
			turn, _ := TurnFromContext(ctx)
			r.auditor.Record(ctx, AuditEntry{
				Tool:       name,
				SessionKey: turn.SessionKey,
				Args:       args,
				Result:     res.Content,
				IsError:    res.IsError,
				Duration:   res.Duration,
			})
		}
	}()

	r.logger.Debug("executing tool", "name", name)
	output, err := r.run(execCtx, e.tool, args)
	if err != nil {
		if execCtx.Err() == context.DeadlineExceeded {
			err = fmt.Errorf("timed out after %s: %w", r.timeout, err)
		}
		r.logger.Warn("tool execution failed", "name", name, "error", err, "duration_ms", time.Since(start).Milliseconds())
		return errorResult(err)
	}

	if cut := Truncate(output, MaxResultChars); cut != output {
		original := utf8.RuneCountInString(output)
		output = cut + fmt.Sprintf("\n\n... [truncated: result was %d chars]", original)
	}
	r.logger.Info("tool executed", "name", name, "duration_ms", time.Since(start).Milliseconds(), "output_len", len(output))
	return Result{Content: output}
}

func (r *Registry) run(ctx context.Context, t Tool, args map[string]any) (out string, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("tool panicked", "name", t.Name(), "panic", p, "stack", string(debug.Stack()))
			err = fmt.Errorf("tool panicked: %v", p)
		}
	}()
	return t.Execute(ctx, args)
}

func validate(schema *gojsonschema.Schema, args map[string]any) error {
	result, err := schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return err
	}
	if result.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return fmt.Errorf("%s", strings.Join(msgs, "; "))
}

func errorResult(err error) Result {
	return Result{Content: "Error: " + err.Error(), IsError: true}
}

// parseArgs decodes JSON-encoded tool arguments.
func parseArgs(raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "{}" || raw == "null" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fmt.Errorf("invalid JSON arguments: %w", err)
	}
	return args, nil
}

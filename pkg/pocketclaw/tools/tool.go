// Package tools provides the name-indexed tool registry used by the agent
// loop and subagents, plus the built-in tools.
//
// Tools never fail a turn: unknown names, invalid arguments, tool errors and
// panics all come back as a textual "Error: ..." result the model can read.
package tools

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/provider"
)

// Tool is a callable capability exposed to the model.
type Tool interface {
	Name() string
	Description() string

	// Parameters returns the JSON Schema (type "object") for the arguments.
	Parameters() map[string]any

	// Execute runs the tool. Returned errors are converted to text by the
	// registry.
	Execute(ctx context.Context, args map[string]any) (string, error)
}

// Result is the outcome of one tool call.
type Result struct {
	Content  string
	IsError  bool
	Duration time.Duration
}

// ToDefinition converts a tool into the OpenAI function format.
func ToDefinition(t Tool) provider.ToolDefinition {
	params := t.Parameters()
	if params == nil {
		params = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	raw, _ := json.Marshal(params)
	return provider.ToolDefinition{
		Type: "function",
		Function: provider.FunctionDef{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  raw,
		},
	}
}

// Func adapts a plain function into a Tool.
type Func struct {
	ToolName        string
	ToolDescription string
	Schema          map[string]any
	Fn              func(ctx context.Context, args map[string]any) (string, error)
}

func (f *Func) Name() string               { return f.ToolName }
func (f *Func) Description() string        { return f.ToolDescription }
func (f *Func) Parameters() map[string]any { return f.Schema }

func (f *Func) Execute(ctx context.Context, args map[string]any) (string, error) {
	return f.Fn(ctx, args)
}

// Truncate returns at most n runes of s, never splitting a character.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}

// ---------- argument helpers ----------

func stringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

func intArg(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	}
	return def
}

func boolArg(args map[string]any, key string, def bool) bool {
	if v, ok := args[key].(bool); ok {
		return v
	}
	return def
}

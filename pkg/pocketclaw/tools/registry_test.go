package tools

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/database"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/provider"
)

func echoTool() *Func {
	return &Func{
		ToolName:        "echo",
		ToolDescription: "Echo the text back",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"text":  map[string]any{"type": "string"},
				"times": map[string]any{"type": "integer", "minimum": 1},
			},
			"required": []any{"text"},
		},
		Fn: func(ctx context.Context, args map[string]any) (string, error) {
			return strings.Repeat(stringArg(args, "text"), intArg(args, "times", 1)), nil
		},
	}
}

func TestRegistryExecute(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	r.MustRegister(echoTool())
	r.MustRegister(&Func{
		ToolName: "fail",
		Fn: func(ctx context.Context, args map[string]any) (string, error) {
			return "", errors.New("disk on fire")
		},
	})
	r.MustRegister(&Func{
		ToolName: "panic",
		Fn: func(ctx context.Context, args map[string]any) (string, error) {
			panic("oops")
		},
	})

	tests := []struct {
		name        string
		tool        string
		args        map[string]any
		wantContent string
		wantError   bool
	}{
		{"success", "echo", map[string]any{"text": "hi", "times": 2}, "hihi", false},
		{"unknown tool", "nope", nil, `Error: tool "nope" not found`, true},
		{"missing required", "echo", map[string]any{}, "Error: invalid arguments for echo", true},
		{"wrong type", "echo", map[string]any{"text": 5}, "Error: invalid arguments for echo", true},
		{"below minimum", "echo", map[string]any{"text": "a", "times": 0}, "Error: invalid arguments for echo", true},
		{"tool error", "fail", nil, "Error: disk on fire", true},
		{"panic recovered", "panic", nil, "Error: tool panicked: oops", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			res := r.Execute(context.Background(), tt.tool, tt.args)
			if res.IsError != tt.wantError {
				t.Errorf("IsError = %v, want %v (content %q)", res.IsError, tt.wantError, res.Content)
			}
			if !strings.HasPrefix(res.Content, tt.wantContent) {
				t.Errorf("Content = %q, want prefix %q", res.Content, tt.wantContent)
			}
		})
	}
}

func TestRegistryExecuteCallDecodesJSON(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	r.MustRegister(echoTool())

	res := r.ExecuteCall(context.Background(), provider.ToolCall{
		ID:       "call_1",
		Function: provider.FunctionCall{Name: "echo", Arguments: `{"text":"ab","times":3}`},
	})
	if res.IsError || res.Content != "ababab" {
		t.Errorf("ExecuteCall = %+v", res)
	}

	res = r.ExecuteCall(context.Background(), provider.ToolCall{
		Function: provider.FunctionCall{Name: "echo", Arguments: `{not json`},
	})
	if !res.IsError || !strings.Contains(res.Content, "invalid arguments for echo") {
		t.Errorf("bad JSON result = %+v", res)
	}
}

func TestRegistryRejectsInvalidSchema(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	err := r.Register(&Func{
		ToolName: "broken",
		Schema:   map[string]any{"type": 42},
	})
	if err == nil {
		t.Fatal("Register accepted an invalid schema")
	}
	if _, ok := r.Get("broken"); ok {
		t.Error("invalid tool was registered")
	}
}

func TestRegistryTimeout(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil, WithTimeout(20*time.Millisecond))
	r.MustRegister(&Func{
		ToolName: "slow",
		Fn: func(ctx context.Context, args map[string]any) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		},
	})
	res := r.Execute(context.Background(), "slow", nil)
	if !res.IsError || !strings.Contains(res.Content, "timed out") {
		t.Errorf("result = %+v", res)
	}
}

func TestRegistryTruncatesLargeResults(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	r.MustRegister(&Func{
		ToolName: "big",
		Fn: func(ctx context.Context, args map[string]any) (string, error) {
			return strings.Repeat("x", MaxResultChars+10), nil
		},
	})
	res := r.Execute(context.Background(), "big", nil)
	if !strings.Contains(res.Content, "[truncated: result was") {
		t.Error("large result was not truncated")
	}
	if len(res.Content) > MaxResultChars+100 {
		t.Errorf("truncated result is %d chars", len(res.Content))
	}
}

func TestGateSerializesAcrossClones(t *testing.T) {
	t.Parallel()

	var (
		active  atomic.Int32
		overlap atomic.Bool
	)
	primary := NewRegistry(nil)
	primary.MustRegister(&Func{
		ToolName: "work",
		Fn: func(ctx context.Context, args map[string]any) (string, error) {
			if active.Add(1) > 1 {
				overlap.Store(true)
			}
			time.Sleep(5 * time.Millisecond)
			active.Add(-1)
			return "ok", nil
		},
	})
	sub := primary.Clone()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			primary.Execute(context.Background(), "work", nil)
		}()
		go func() {
			defer wg.Done()
			sub.Execute(context.Background(), "work", nil)
		}()
	}
	wg.Wait()

	if overlap.Load() {
		t.Error("two tool calls ran at the same time")
	}
}

func TestCloneExcludesTools(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	for _, name := range []string{"read_file", "message", "spawn", "cron"} {
		r.MustRegister(&Func{ToolName: name})
	}
	sub := r.Clone("message", "spawn", "cron")

	if got := strings.Join(sub.Names(), ","); got != "read_file" {
		t.Errorf("clone tools = %s", got)
	}
	if got := len(r.Names()); got != 4 {
		t.Errorf("original lost tools: %d", got)
	}
	defs := r.Definitions()
	if defs[0].Function.Name != "cron" || defs[0].Type != "function" {
		t.Errorf("definitions not sorted: %+v", defs[0])
	}
}

func TestAuditorRecordsCalls(t *testing.T) {
	t.Parallel()

	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	auditor := NewSQLiteAuditor(db, nil)
	r := NewRegistry(nil, WithAuditor(auditor))
	r.MustRegister(echoTool())
	r.MustRegister(&Func{
		ToolName: "fail",
		Fn: func(ctx context.Context, args map[string]any) (string, error) {
			return "", errors.New("nope")
		},
	})

	ctx := WithTurn(context.Background(), Turn{Channel: "telegram", ChatID: "42", SessionKey: "telegram:42"})
	r.Execute(ctx, "echo", map[string]any{"text": "hello"})
	r.Execute(ctx, "fail", nil)

	entries, err := auditor.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d audit rows, want 2", len(entries))
	}
	if !entries[0].IsError || entries[1].IsError {
		t.Errorf("error flags = %v, %v", entries[0].IsError, entries[1].IsError)
	}
	if entries[1].Result != "hello" || entries[1].SessionKey != "telegram:42" || entries[1].Args["text"] != "hello" {
		t.Errorf("entry = %+v", entries[1])
	}
}

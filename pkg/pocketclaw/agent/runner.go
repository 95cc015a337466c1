package agent

import (
	"context"
	"log/slog"

	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/provider"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/session"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/tools"
)

// runner drives the model and tools cycle for one turn. The main loop and
// subagents share it with their own registry and iteration cap.
type runner struct {
	provider    provider.Provider
	tools       *tools.Registry
	model       string
	maxTokens   int
	temperature float64
	maxIter     int
	fallback    string
	logger      *slog.Logger
}

// run calls the model up to maxIter times. Tool calls run sequentially in
// the order the model gave them. A model error ends the turn and is
// returned with the records collected so far.
func (r *runner) run(ctx context.Context, msgs []provider.Message) (string, []session.ToolCallRecord, error) {
	var (
		records []session.ToolCallRecord
		defs    []provider.ToolDefinition
	)
	if r.tools != nil {
		defs = r.tools.Definitions()
	}

	for iter := 1; iter <= r.maxIter; iter++ {
		resp, err := r.provider.Chat(ctx, provider.ChatRequest{
			Messages:    msgs,
			Tools:       defs,
			Model:       r.model,
			MaxTokens:   r.maxTokens,
			Temperature: r.temperature,
		})
		if err != nil {
			return "", records, err
		}

		if !resp.HasToolCalls() {
			if resp.Content == "" {
				return r.fallback, records, nil
			}
			return resp.Content, records, nil
		}

		msgs = AddAssistantMessage(msgs, resp.Content, resp.ToolCalls)
		for _, call := range resp.ToolCalls {
			res := r.tools.ExecuteCall(ctx, call)
			r.logger.Debug("tool call finished",
				"iteration", iter,
				"tool", call.Function.Name,
				"is_error", res.IsError,
				"duration_ms", res.Duration.Milliseconds(),
			)
			records = append(records, session.ToolCallRecord{
				ID:        call.ID,
				Name:      call.Function.Name,
				Arguments: call.Function.Arguments,
				Result:    res.Content,
				IsError:   res.IsError,
			})
			msgs = AddToolResult(msgs, call.ID, call.Function.Name, res.Content)
		}
	}

	r.logger.Warn("tool iteration limit reached", "max_iterations", r.maxIter)
	return r.fallback, records, nil
}

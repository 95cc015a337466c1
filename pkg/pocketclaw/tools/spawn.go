package tools

import (
	"context"
	"fmt"
)

// Spawner starts background tasks; the agent's subagent manager implements it.
type Spawner interface {
	SpawnTask(ctx context.Context, task, label, originChannel, originChatID string) (id string, err error)
}

// SpawnTool starts a subagent for long or independent work. Its result is
// announced back to the conversation that spawned it.
type SpawnTool struct {
	spawner Spawner
}

// NewSpawnTool creates the tool.
func NewSpawnTool(s Spawner) *SpawnTool { return &SpawnTool{spawner: s} }

func (t *SpawnTool) Name() string { return "spawn" }
func (t *SpawnTool) Description() string {
	return "Spawn a subagent to handle a task in the background. " +
		"Use it for complex or time-consuming work. The subagent reports back when done."
}

func (t *SpawnTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"task":  map[string]any{"type": "string", "minLength": 1, "description": "The task for the subagent"},
			"label": map[string]any{"type": "string", "description": "Optional short label for display"},
		},
		"required": []any{"task"},
	}
}

func (t *SpawnTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	turn, _ := TurnFromContext(ctx)
	channel, chatID := turn.Channel, turn.ChatID
	if channel == "" {
		channel, chatID = "cli", "direct"
	}
	task, label := stringArg(args, "task"), stringArg(args, "label")
	id, err := t.spawner.SpawnTask(ctx, task, label, channel, chatID)
	if err != nil {
		return "", err
	}
	if label == "" {
		label = id
	}
	return fmt.Sprintf("Subagent [%s] started (id: %s). I'll notify you when it completes.", label, id), nil
}

package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/scheduler"
)

// CronService is the subset of the scheduler the cron tool drives.
type CronService interface {
	AddJob(name string, sched scheduler.Schedule, payload scheduler.Payload, deleteAfterRun bool) (*scheduler.Job, error)
	ListJobs(includeDisabled bool) []*scheduler.Job
	RemoveJob(id string) bool
}

// CronTool lets the model schedule reminders and recurring tasks.
type CronTool struct {
	svc CronService
}

// NewCronTool creates the tool.
func NewCronTool(svc CronService) *CronTool { return &CronTool{svc: svc} }

func (t *CronTool) Name() string { return "cron" }
func (t *CronTool) Description() string {
	return "Schedule reminders and recurring tasks. Actions: add, list, remove. " +
		"For add, give exactly one of every_seconds, cron_expr or at (RFC3339)."
}

func (t *CronTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"action":        map[string]any{"type": "string", "enum": []any{"add", "list", "remove"}},
			"message":       map[string]any{"type": "string", "description": "What the agent should do when the job fires"},
			"every_seconds": map[string]any{"type": "integer", "minimum": 1},
			"cron_expr":     map[string]any{"type": "string", "description": "5-field cron expression, e.g. '0 9 * * *'"},
			"tz":            map[string]any{"type": "string", "description": "IANA timezone for cron_expr"},
			"at":            map[string]any{"type": "string", "description": "One-time RFC3339 timestamp"},
			"job_id":        map[string]any{"type": "string", "description": "Job id for remove"},
		},
		"required": []any{"action"},
	}
}

func (t *CronTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	switch stringArg(args, "action") {
	case "add":
		return t.add(ctx, args)
	case "list":
		return t.list(), nil
	case "remove":
		id := stringArg(args, "job_id")
		if id == "" {
			return "", fmt.Errorf("job_id is required for remove")
		}
		if !t.svc.RemoveJob(id) {
			return "", fmt.Errorf("job %s not found", id)
		}
		return "Removed job " + id, nil
	default:
		return "", fmt.Errorf("unknown action %q", stringArg(args, "action"))
	}
}

func (t *CronTool) add(ctx context.Context, args map[string]any) (string, error) {
	message := stringArg(args, "message")
	if message == "" {
		return "", fmt.Errorf("message is required for add")
	}
	turn, ok := TurnFromContext(ctx)
	if !ok || turn.Channel == "" || turn.ChatID == "" {
		return "", fmt.Errorf("no session context (channel/chat_id)")
	}

	var (
		sched          scheduler.Schedule
		deleteAfterRun bool
	)
	every := intArg(args, "every_seconds", 0)
	expr := stringArg(args, "cron_expr")
	at := stringArg(args, "at")
	switch {
	case every > 0:
		sched = scheduler.Schedule{Kind: scheduler.KindEvery, EveryMs: int64(every) * 1000}
	case expr != "":
		sched = scheduler.Schedule{Kind: scheduler.KindCron, Expr: expr, TZ: stringArg(args, "tz")}
	case at != "":
		when, err := time.Parse(time.RFC3339, at)
		if err != nil {
			return "", fmt.Errorf("invalid at timestamp: %w", err)
		}
		sched = scheduler.Schedule{Kind: scheduler.KindAt, AtMs: when.UnixMilli()}
		deleteAfterRun = true
	default:
		return "", fmt.Errorf("one of every_seconds, cron_expr or at is required")
	}

	name := Truncate(message, 30)
	job, err := t.svc.AddJob(name, sched, scheduler.Payload{
		Kind:    scheduler.PayloadAgentTurn,
		Message: message,
		Deliver: true,
		Channel: turn.Channel,
		To:      turn.ChatID,
	}, deleteAfterRun)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Created job '%s' (id: %s)", job.Name, job.ID), nil
}

func (t *CronTool) list() string {
	jobs := t.svc.ListJobs(false)
	if len(jobs) == 0 {
		return "No scheduled jobs."
	}
	var b strings.Builder
	b.WriteString("Scheduled jobs:\n")
	for _, j := range jobs {
		fmt.Fprintf(&b, "- %s (id: %s, %s)\n", j.Name, j.ID, j.Schedule.Describe())
	}
	return strings.TrimRight(b.String(), "\n")
}

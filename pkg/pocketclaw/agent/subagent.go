package agent

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/bus"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/provider"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/tools"
)

// subagentFallback is the result when a subagent hits its iteration cap.
const subagentFallback = "Task completed but no final response was generated."

// SubagentDeniedTools are never available to subagents: they cannot talk to
// the user, spawn further subagents or schedule jobs.
var SubagentDeniedTools = []string{"message", "spawn", "cron"}

// SubagentConfig configures background tasks.
type SubagentConfig struct {
	// MaxConcurrent caps running subagents; extra spawns wait for a slot.
	MaxConcurrent int `yaml:"max_concurrent"`

	// MaxIterations bounds model calls per subagent (default: 15).
	MaxIterations int `yaml:"max_iterations"`

	// TimeoutSeconds bounds one subagent run (default: 600).
	TimeoutSeconds int `yaml:"timeout_seconds"`

	// Model overrides the main model for subagents.
	Model string `yaml:"model"`

	// MaxTokens and Temperature override the main loop's request settings.
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
}

// Inherit fills unset model settings from the main loop's config.
func (c SubagentConfig) Inherit(loop Config) SubagentConfig {
	if c.Model == "" {
		c.Model = loop.Model
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = loop.MaxTokens
	}
	if c.Temperature == 0 {
		c.Temperature = loop.Temperature
	}
	return c
}

// DefaultSubagentConfig returns the defaults.
func DefaultSubagentConfig() SubagentConfig {
	return SubagentConfig{MaxConcurrent: 4, MaxIterations: 15, TimeoutSeconds: 600}
}

// SubagentStatus is the lifecycle state of a task.
type SubagentStatus string

const (
	SubagentRunning   SubagentStatus = "running"
	SubagentCompleted SubagentStatus = "completed"
	SubagentFailed    SubagentStatus = "failed"
	SubagentCancelled SubagentStatus = "cancelled"
)

// InboundPublisher receives completion announcements; *bus.MessageBus
// implements it.
type InboundPublisher interface {
	PublishInbound(msg bus.InboundMessage) error
}

// SubagentTask is one background run. ID, Label, Task, Origin and StartedAt
// never change; the rest is read through methods.
type SubagentTask struct {
	ID        string
	Label     string
	Task      string
	Origin    bus.Origin
	StartedAt time.Time

	mu         sync.Mutex
	status     SubagentStatus
	result     string
	err        string
	finishedAt time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// Status returns the current state.
func (t *SubagentTask) Status() SubagentStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Result returns the final answer (or error text) once finished.
func (t *SubagentTask) Result() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result
}

// Err returns the failure message, if any.
func (t *SubagentTask) Err() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// FinishedAt is zero while running.
func (t *SubagentTask) FinishedAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finishedAt
}

// Done is closed when the task finishes.
func (t *SubagentTask) Done() <-chan struct{} { return t.done }

// Cancel stops the task. Cancelled tasks are not announced.
func (t *SubagentTask) Cancel() { t.cancel() }

// Wait blocks until the task finishes or ctx is done.
func (t *SubagentTask) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SubagentManager runs tasks in the background and announces each result
// back to the conversation that asked for it.
type SubagentManager struct {
	cfg       SubagentConfig
	provider  provider.Provider
	parent    *tools.Registry
	publisher InboundPublisher
	workspace string
	logger    *slog.Logger

	db *sql.DB

	root       context.Context
	rootCancel context.CancelFunc
	sem        chan struct{}
	wg         sync.WaitGroup

	mu    sync.Mutex
	tasks map[string]*SubagentTask
}

// NewSubagentManager creates a manager. Subagents get a copy of parent's
// tools minus SubagentDeniedTools, taken at spawn time.
func NewSubagentManager(cfg SubagentConfig, p provider.Provider, parent *tools.Registry, pub InboundPublisher, workspace string, logger *slog.Logger) *SubagentManager {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultSubagentConfig()
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = def.MaxIterations
	}
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = def.TimeoutSeconds
	}
	root, cancel := context.WithCancel(context.Background())
	return &SubagentManager{
		cfg:        cfg,
		provider:   p,
		parent:     parent,
		publisher:  pub,
		workspace:  workspace,
		logger:     logger.With("component", "subagents"),
		root:       root,
		rootCancel: cancel,
		sem:        make(chan struct{}, cfg.MaxConcurrent),
		tasks:      make(map[string]*SubagentTask),
	}
}

// SetDB records finished runs in the subagent_runs table.
func (m *SubagentManager) SetDB(db *sql.DB) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.db = db
}

// Spawn starts task in the background. The run is detached from ctx: it
// outlives the turn that spawned it and stops only on completion, timeout,
// Cancel or CancelAll.
func (m *SubagentManager) Spawn(ctx context.Context, task, label, originChannel, originChatID string) (*SubagentTask, error) {
	if task == "" {
		return nil, errors.New("subagent task is required")
	}
	if err := m.root.Err(); err != nil {
		return nil, errors.New("subagent manager is shut down")
	}

	id := uuid.New().String()[:8]
	if label == "" {
		label = task
		if cut := tools.Truncate(label, 30); cut != label {
			label = cut + "..."
		}
	}
	timeout := time.Duration(m.cfg.TimeoutSeconds) * time.Second
	runCtx, cancel := context.WithTimeout(m.root, timeout)

	t := &SubagentTask{
		ID:        id,
		Label:     label,
		Task:      task,
		Origin:    bus.Origin{Channel: originChannel, ChatID: originChatID, Source: bus.SourceSubagent},
		StartedAt: time.Now(),
		status:    SubagentRunning,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	m.mu.Lock()
	m.tasks[id] = t
	m.mu.Unlock()
	m.persist(t)

	m.logger.Info("spawning subagent", "id", id, "label", label, "origin", originChannel+":"+originChatID)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(t.done)
		defer cancel()

		select {
		case m.sem <- struct{}{}:
			defer func() { <-m.sem }()
		case <-runCtx.Done():
			m.finish(t, "", runCtx.Err())
			return
		}

		result, err := m.execute(runCtx, t)
		if err == nil && runCtx.Err() != nil {
			err = runCtx.Err()
		}
		m.finish(t, result, err)
	}()

	return t, nil
}

// SpawnTask lets the spawn tool start subagents.
func (m *SubagentManager) SpawnTask(ctx context.Context, task, label, originChannel, originChatID string) (string, error) {
	t, err := m.Spawn(ctx, task, label, originChannel, originChatID)
	if err != nil {
		return "", err
	}
	return t.ID, nil
}

func (m *SubagentManager) execute(ctx context.Context, t *SubagentTask) (string, error) {
	reg := m.parent.Clone(SubagentDeniedTools...)
	model := m.cfg.Model
	if model == "" {
		model = m.provider.DefaultModel()
	}
	r := &runner{
		provider:    m.provider,
		tools:       reg,
		model:       model,
		maxTokens:   m.cfg.MaxTokens,
		temperature: m.cfg.Temperature,
		maxIter:     m.cfg.MaxIterations,
		fallback:    subagentFallback,
		logger:      m.logger.With("subagent", t.ID),
	}
	msgs := []provider.Message{
		{Role: "system", Content: m.systemPrompt(t.Task)},
		{Role: "user", Content: t.Task},
	}
	ctx = tools.WithTurn(ctx, tools.Turn{SessionKey: "subagent:" + t.ID})
	result, _, err := r.run(ctx, msgs)
	return result, err
}

func (m *SubagentManager) systemPrompt(task string) string {
	ws, _ := filepath.Abs(m.workspace)
	return fmt.Sprintf(`# Subagent

You are a subagent working on one task for the main agent.

## Task
%s

## Rules
1. Stay on the task. Do not start side projects.
2. Your final reply is handed to the main agent, which reports to the user.
3. You cannot message the user, spawn subagents or schedule jobs.
4. Be concise but include what the main agent needs.

## Workspace
%s`, task, ws)
}

// finish records the outcome, persists it and announces it once.
func (m *SubagentManager) finish(t *SubagentTask, result string, err error) {
	t.mu.Lock()
	t.finishedAt = time.Now()
	switch {
	case errors.Is(err, context.Canceled):
		t.status = SubagentCancelled
		t.err = "cancelled"
	case errors.Is(err, context.DeadlineExceeded):
		t.status = SubagentFailed
		t.err = fmt.Sprintf("timed out after %ds", m.cfg.TimeoutSeconds)
		t.result = "Error: " + t.err
	case err != nil:
		t.status = SubagentFailed
		t.err = err.Error()
		t.result = "Error: " + t.err
	default:
		t.status = SubagentCompleted
		t.result = result
	}
	status, res := t.status, t.result
	duration := t.finishedAt.Sub(t.StartedAt)
	t.mu.Unlock()

	m.logger.Info("subagent finished", "id", t.ID, "status", status, "duration", duration, "result_len", len(res))
	m.persist(t)

	if status == SubagentCancelled || m.publisher == nil {
		return
	}
	msg := bus.NewSystemMessage(bus.SourceSubagent, t.Origin.Channel, t.Origin.ChatID, announcement(t.Label, t.Task, status, res))
	if err := m.publisher.PublishInbound(msg); err != nil {
		m.logger.Error("failed to announce subagent result", "id", t.ID, "error", err)
	}
}

func announcement(label, task string, status SubagentStatus, result string) string {
	outcome := "completed successfully"
	if status != SubagentCompleted {
		outcome = "failed"
	}
	return fmt.Sprintf("[Subagent '%s' %s]\n\nTask: %s\n\nResult:\n%s\n\n"+
		"Summarize this naturally for the user. Keep it brief (1-2 sentences). "+
		"Do not mention technical details like \"subagent\" or task IDs.",
		label, outcome, task, result)
}

func (m *SubagentManager) persist(t *SubagentTask) {
	m.mu.Lock()
	db := m.db
	m.mu.Unlock()
	if db == nil {
		return
	}

	t.mu.Lock()
	var finished any
	if !t.finishedAt.IsZero() {
		finished = t.finishedAt.UTC().Format(time.RFC3339Nano)
	}
	status, result, errText := string(t.status), t.result, t.err
	t.mu.Unlock()

	_, err := db.Exec(`
		INSERT OR REPLACE INTO subagent_runs
			(id, label, task, status, result, error, origin_channel, origin_chat_id, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Label, t.Task, status, result, errText,
		t.Origin.Channel, t.Origin.ChatID,
		t.StartedAt.UTC().Format(time.RFC3339Nano), finished,
	)
	if err != nil {
		m.logger.Warn("failed to persist subagent run", "id", t.ID, "error", err)
	}
}

// Get returns a task by id.
func (m *SubagentManager) Get(id string) (*SubagentTask, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	return t, ok
}

// List returns all tasks of this process, oldest first.
func (m *SubagentManager) List() []*SubagentTask {
	m.mu.Lock()
	out := make([]*SubagentTask, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Running counts unfinished tasks.
func (m *SubagentManager) Running() int {
	n := 0
	for _, t := range m.List() {
		if t.Status() == SubagentRunning {
			n++
		}
	}
	return n
}

// CancelAll cancels every task and refuses new spawns.
func (m *SubagentManager) CancelAll() {
	m.rootCancel()
}

// Wait blocks until every task has finished or ctx is done.
func (m *SubagentManager) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ tools.Spawner = (*SubagentManager)(nil)

package agent

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/bus"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/database"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/provider"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/provider/providertest"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/scheduler"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/session"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/tools"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestLoop(t *testing.T, p provider.Provider, cfg Config, b *bus.MessageBus) *Loop {
	t.Helper()
	dir := t.TempDir()
	reg := tools.NewRegistry(nil)
	tools.RegisterFilesystem(reg, tools.Workspace{Dir: dir, Restrict: true})
	return NewLoop(cfg, Deps{
		Bus:      b,
		Provider: p,
		Tools:    reg,
		Context:  NewContextBuilder(dir, ""),
	}, nil)
}

func history(t *testing.T, l *Loop, key string) []session.Message {
	t.Helper()
	return l.Sessions().GetOrCreate(key).History(0)
}

func TestLoopRecordsUserAndAssistantPerTurn(t *testing.T) {
	t.Parallel()
	p := &providertest.Scripted{Fallback: providertest.Echo()}
	l := newTestLoop(t, p, DefaultConfig(), nil)
	ctx := context.Background()

	for i, text := range []string{"hello", "how are you", "bye"} {
		answer, err := l.ProcessDirect(ctx, text, "")
		if err != nil {
			t.Fatalf("turn %d: %v", i, err)
		}
		if want := "echo: " + text; answer != want {
			t.Errorf("turn %d answer = %q, want %q", i, answer, want)
		}
	}

	msgs := history(t, l, "cli:direct")
	if len(msgs) != 6 {
		t.Fatalf("session has %d entries, want 6", len(msgs))
	}
	for i, m := range msgs {
		want := session.RoleUser
		if i%2 == 1 {
			want = session.RoleAssistant
		}
		if m.Role != want {
			t.Errorf("entry %d role = %s, want %s", i, m.Role, want)
		}
	}

	// The third request carries both earlier exchanges.
	reqs := p.Requests()
	if got := len(reqs[2].Messages); got != 6 {
		t.Errorf("third request has %d messages, want 6", got)
	}
}

func TestLoopIterationCap(t *testing.T) {
	t.Parallel()
	p := &providertest.Scripted{Fallback: providertest.CallTool("c1", "list_dir", `{"path":"."}`)}
	cfg := DefaultConfig()
	cfg.MaxToolIterations = 3
	l := newTestLoop(t, p, cfg, nil)

	answer, err := l.ProcessDirect(context.Background(), "loop forever", "")
	if err != nil {
		t.Fatal(err)
	}
	if answer != FallbackResponse {
		t.Errorf("answer = %q, want fallback", answer)
	}
	if got := p.Calls(); got != 3 {
		t.Errorf("model called %d times, want 3", got)
	}
	msgs := history(t, l, "cli:direct")
	if len(msgs) != 2 || len(msgs[1].ToolCalls) != 3 {
		t.Fatalf("history = %+v", msgs)
	}
}

func TestLoopPersistsToolErrorsVerbatim(t *testing.T) {
	t.Parallel()
	p := &providertest.Scripted{Steps: []providertest.Step{
		providertest.CallTool("c1", "read_file", `{"path":"nope.txt"}`),
		providertest.Text("That file does not exist."),
	}}
	l := newTestLoop(t, p, DefaultConfig(), nil)

	answer, err := l.ProcessDirect(context.Background(), "read nope.txt", "")
	if err != nil {
		t.Fatal(err)
	}
	if answer != "That file does not exist." {
		t.Errorf("answer = %q", answer)
	}

	msgs := history(t, l, "cli:direct")
	if len(msgs) != 2 {
		t.Fatalf("got %d entries, want 2", len(msgs))
	}
	calls := msgs[1].ToolCalls
	if len(calls) != 1 {
		t.Fatalf("got %d tool records, want 1", len(calls))
	}
	if calls[0].Result != "Error: file not found: nope.txt" || !calls[0].IsError {
		t.Errorf("record = %+v", calls[0])
	}

	// The second model call saw the tool result.
	second := p.Requests()[1].Messages
	last := second[len(second)-1]
	if last.Role != "tool" || last.ToolCallID != "c1" || provider.TextContent(last.Content) != "Error: file not found: nope.txt" {
		t.Errorf("tool message = %+v", last)
	}
}

func TestLoopModelErrorBecomesReply(t *testing.T) {
	t.Parallel()
	p := &providertest.Scripted{Steps: []providertest.Step{providertest.Fail("upstream 500")}}
	l := newTestLoop(t, p, DefaultConfig(), nil)

	answer, err := l.ProcessDirect(context.Background(), "hi", "")
	if err != nil {
		t.Fatal(err)
	}
	if answer != "Sorry, I encountered an error: upstream 500" {
		t.Errorf("answer = %q", answer)
	}
	if got := len(history(t, l, "cli:direct")); got != 2 {
		t.Errorf("session has %d entries, want 2", got)
	}
}

func TestLoopNewCommandClearsSession(t *testing.T) {
	t.Parallel()
	p := &providertest.Scripted{Fallback: providertest.Echo()}
	l := newTestLoop(t, p, DefaultConfig(), nil)
	ctx := context.Background()

	if _, err := l.ProcessDirect(ctx, "remember this", ""); err != nil {
		t.Fatal(err)
	}
	answer, err := l.ProcessDirect(ctx, "/new", "")
	if err != nil {
		t.Fatal(err)
	}
	if answer != "New session started." {
		t.Errorf("answer = %q", answer)
	}
	if got := len(history(t, l, "cli:direct")); got != 0 {
		t.Errorf("session has %d entries after /new", got)
	}
	if got := p.Calls(); got != 1 {
		t.Errorf("model called %d times, want 1", got)
	}
}

func TestLoopConcurrentTurnsSameSession(t *testing.T) {
	t.Parallel()
	p := &providertest.Scripted{Fallback: providertest.Echo()}
	l := newTestLoop(t, p, DefaultConfig(), nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.ProcessDirect(context.Background(), "ping", "telegram:1"); err != nil {
				t.Errorf("ProcessDirect: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := len(history(t, l, "telegram:1")); got != 20 {
		t.Errorf("session has %d entries, want 20", got)
	}
}

func TestLoopRunConsumesBus(t *testing.T) {
	t.Parallel()
	b := bus.New(nil)
	p := &providertest.Scripted{Fallback: providertest.Echo()}
	l := newTestLoop(t, p, DefaultConfig(), b)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- l.Run(ctx) }()

	err := b.PublishInbound(bus.InboundMessage{
		Channel:  "telegram",
		SenderID: "99",
		ChatID:   "7",
		Content:  "hi there",
		ReplyTo:  "m1",
	})
	if err != nil {
		t.Fatal(err)
	}

	out, ok := b.ConsumeOutbound(context.Background(), 5*time.Second)
	if !ok {
		cancel()
		<-errc
		t.Fatal("no reply published")
	}
	if out.Channel != "telegram" || out.ChatID != "7" || out.Content != "echo: hi there" || out.ReplyTo != "m1" {
		t.Errorf("reply = %+v", out)
	}

	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
}

func TestLoopRunJobAndHeartbeat(t *testing.T) {
	t.Parallel()
	p := &providertest.Scripted{Fallback: providertest.Echo()}
	l := newTestLoop(t, p, DefaultConfig(), nil)
	ctx := context.Background()

	job := &scheduler.Job{ID: "j1", Payload: scheduler.Payload{Message: "stretch", Channel: "telegram", To: "42"}}
	answer, err := l.RunJob(ctx, job)
	if err != nil {
		t.Fatal(err)
	}
	if answer != "echo: [System: scheduler] stretch" {
		t.Errorf("job answer = %q", answer)
	}
	msgs := history(t, l, "cron:j1")
	if len(msgs) != 2 || msgs[0].Source != "scheduler" {
		t.Errorf("job session = %+v", msgs)
	}
	sys := provider.TextContent(p.Requests()[0].Messages[0].Content)
	if !strings.Contains(sys, "Channel: telegram\nChat ID: 42") {
		t.Errorf("system prompt does not name the job target:\n%s", sys)
	}

	if _, err := l.Heartbeat(ctx, "check tasks", "heartbeat:main"); err != nil {
		t.Fatal(err)
	}
	if got := len(history(t, l, "heartbeat:main")); got != 2 {
		t.Errorf("heartbeat session has %d entries", got)
	}
}

func TestHeartbeatTurnTargetsConfiguredChat(t *testing.T) {
	t.Parallel()
	p := &providertest.Scripted{Fallback: providertest.Echo()}
	l := newTestLoop(t, p, DefaultConfig(), nil)

	handler := l.HeartbeatTo("discord", "99")
	if _, err := handler(context.Background(), "check tasks", "heartbeat:main"); err != nil {
		t.Fatal(err)
	}
	sys := provider.TextContent(p.Requests()[0].Messages[0].Content)
	if !strings.Contains(sys, "Channel: discord\nChat ID: 99") {
		t.Errorf("heartbeat turn does not target the configured chat:\n%s", sys)
	}
}

func TestContextBuilderSystemPrompt(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "AGENTS.md"), []byte("Be kind.\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "memory"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "memory", "MEMORY.md"), []byte("User likes tea."), 0o644); err != nil {
		t.Fatal(err)
	}

	b := NewContextBuilder(dir, "")
	prompt := b.SystemPrompt(&SystemContext{Channel: "telegram", ChatID: "42"})
	for _, want := range []string{
		"# pocketclaw",
		"## Current Session\nChannel: telegram\nChat ID: 42",
		"## AGENTS.md\n\nBe kind.",
		"# Memory\n\nUser likes tea.",
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("system prompt missing %q", want)
		}
	}
	if strings.Contains(prompt, "## SOUL.md") {
		t.Error("absent bootstrap file rendered")
	}
}

func TestContextBuilderMessages(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	img := filepath.Join(dir, "pic.png")
	if err := os.WriteFile(img, []byte{0x89, 'P', 'N', 'G'}, 0o644); err != nil {
		t.Fatal(err)
	}
	doc := filepath.Join(dir, "report.pdf")

	b := NewContextBuilder(dir, "")
	hist := []session.Message{
		{Role: session.RoleUser, Content: "earlier"},
		{Role: session.RoleTool, Content: "ignored"},
		{Role: session.RoleAssistant, Content: "reply"},
	}
	msgs := b.BuildMessages(hist, "look at this", nil, []string{img, doc})
	if len(msgs) != 4 {
		t.Fatalf("got %d messages, want 4", len(msgs))
	}
	if msgs[0].Role != "system" || msgs[1].Content != "earlier" || msgs[2].Content != "reply" {
		t.Errorf("unexpected prefix: %+v", msgs[:3])
	}

	parts, ok := msgs[3].Content.([]provider.ContentPart)
	if !ok {
		t.Fatalf("user content is %T, want parts", msgs[3].Content)
	}
	if len(parts) != 2 {
		t.Fatalf("got %d parts, want 2", len(parts))
	}
	if parts[0].Type != "image_url" || !strings.HasPrefix(parts[0].ImageURL.URL, "data:image/png;base64,") {
		t.Errorf("image part = %+v", parts[0])
	}
	if parts[1].Type != "text" || !strings.Contains(parts[1].Text, "[Attached files]\n"+doc) {
		t.Errorf("text part = %+v", parts[1])
	}

	plain := b.BuildMessages(nil, "just text", nil, nil)
	if plain[1].Content != "just text" {
		t.Errorf("plain content = %#v", plain[1].Content)
	}
}

// blockingProvider answers only when ctx ends.
type blockingProvider struct{}

func (blockingProvider) Chat(ctx context.Context, _ provider.ChatRequest) (*provider.ChatResponse, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (blockingProvider) DefaultModel() string { return "blocking" }

// countingProvider tracks how many calls overlap.
type countingProvider struct {
	active, peak atomic.Int32
}

func (p *countingProvider) Chat(ctx context.Context, _ provider.ChatRequest) (*provider.ChatResponse, error) {
	n := p.active.Add(1)
	defer p.active.Add(-1)
	for {
		old := p.peak.Load()
		if n <= old || p.peak.CompareAndSwap(old, n) {
			break
		}
	}
	time.Sleep(30 * time.Millisecond)
	return &provider.ChatResponse{Content: "ok"}, nil
}

func (p *countingProvider) DefaultModel() string { return "counting" }

func TestSubagentAnnouncesToOrigin(t *testing.T) {
	t.Parallel()
	b := bus.New(nil)
	l := newTestLoop(t, &providertest.Scripted{Fallback: providertest.Echo()}, DefaultConfig(), b)
	l.Tools().MustRegister(tools.NewSpawnTool(nil))
	l.Tools().MustRegister(tools.NewMessageTool(b))

	sub := &providertest.Scripted{Fallback: providertest.Text("found 3 files")}
	mgr := NewSubagentManager(DefaultSubagentConfig(), sub, l.Tools(), b, t.TempDir(), nil)

	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	mgr.SetDB(db)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	task, err := mgr.Spawn(ctx, "count the files", "count", "telegram", "42")
	if err != nil {
		t.Fatal(err)
	}
	if err := task.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	if task.Status() != SubagentCompleted || task.Result() != "found 3 files" {
		t.Fatalf("task = %s %q", task.Status(), task.Result())
	}

	for _, def := range sub.Requests()[0].Tools {
		switch def.Function.Name {
		case "spawn", "message", "cron":
			t.Errorf("subagent was offered %s", def.Function.Name)
		}
	}

	msg, ok := b.ConsumeInbound(ctx, time.Second)
	if !ok {
		t.Fatal("no announcement published")
	}
	if !msg.IsSystem() || msg.SessionKey() != "telegram:42" {
		t.Errorf("announcement = %+v", msg)
	}
	if !strings.HasPrefix(msg.Content, "[Subagent 'count' completed successfully]") ||
		!strings.Contains(msg.Content, "Result:\nfound 3 files") {
		t.Errorf("announcement content = %q", msg.Content)
	}
	if _, ok := b.ConsumeInbound(ctx, 100*time.Millisecond); ok {
		t.Error("more than one announcement published")
	}

	out, err := l.ProcessMessage(ctx, msg)
	if err != nil {
		t.Fatal(err)
	}
	if out.Channel != "telegram" || out.ChatID != "42" {
		t.Errorf("reply routed to %s:%s", out.Channel, out.ChatID)
	}
	msgs := history(t, l, "telegram:42")
	if len(msgs) != 2 || msgs[0].Source != "subagent" || !strings.HasPrefix(msgs[0].Content, "[System: subagent] ") {
		t.Errorf("origin session = %+v", msgs)
	}

	var status string
	if err := db.QueryRow("SELECT status FROM subagent_runs WHERE id = ?", task.ID).Scan(&status); err != nil {
		t.Fatal(err)
	}
	if status != "completed" {
		t.Errorf("persisted status = %q", status)
	}
	if err := mgr.Wait(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestSubagentRequestSettingsAndLabel(t *testing.T) {
	t.Parallel()
	cfg := DefaultSubagentConfig().Inherit(Config{Model: "main-model", MaxTokens: 512, Temperature: 0.3})
	if cfg.Model != "main-model" || cfg.MaxTokens != 512 || cfg.Temperature != 0.3 {
		t.Fatalf("inherited config = %+v", cfg)
	}
	own := SubagentConfig{Model: "small", MaxTokens: 128}.Inherit(Config{Model: "main-model", MaxTokens: 512})
	if own.Model != "small" || own.MaxTokens != 128 {
		t.Errorf("explicit subagent settings overridden: %+v", own)
	}

	sub := &providertest.Scripted{Fallback: providertest.Text("done")}
	mgr := NewSubagentManager(cfg, sub, tools.NewRegistry(nil), bus.New(nil), t.TempDir(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	task, err := mgr.Spawn(ctx, strings.Repeat("ü", 40), "", "cli", "direct")
	if err != nil {
		t.Fatal(err)
	}
	if err := task.Wait(ctx); err != nil {
		t.Fatal(err)
	}

	req := sub.Requests()[0]
	if req.Model != "main-model" || req.MaxTokens != 512 || req.Temperature != 0.3 {
		t.Errorf("subagent request model=%q max_tokens=%d temperature=%v", req.Model, req.MaxTokens, req.Temperature)
	}
	if want := strings.Repeat("ü", 30) + "..."; task.Label != want {
		t.Errorf("label = %q, want %q", task.Label, want)
	}
}

func TestSubagentCancelIsSilent(t *testing.T) {
	t.Parallel()
	b := bus.New(nil)
	mgr := NewSubagentManager(DefaultSubagentConfig(), blockingProvider{}, tools.NewRegistry(nil), b, t.TempDir(), nil)
	ctx := context.Background()

	task, err := mgr.Spawn(ctx, "wait forever", "", "discord", "5")
	if err != nil {
		t.Fatal(err)
	}
	if task.Label != "wait forever" {
		t.Errorf("label = %q", task.Label)
	}
	if got := mgr.Running(); got != 1 {
		t.Errorf("Running = %d, want 1", got)
	}
	task.Cancel()

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := task.Wait(waitCtx); err != nil {
		t.Fatal(err)
	}
	if task.Status() != SubagentCancelled {
		t.Errorf("status = %s", task.Status())
	}
	if _, ok := b.ConsumeInbound(ctx, 100*time.Millisecond); ok {
		t.Error("cancelled task was announced")
	}
}

func TestSubagentTimeoutAnnouncesFailure(t *testing.T) {
	t.Parallel()
	b := bus.New(nil)
	cfg := DefaultSubagentConfig()
	cfg.TimeoutSeconds = 1
	mgr := NewSubagentManager(cfg, blockingProvider{}, tools.NewRegistry(nil), b, t.TempDir(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	task, err := mgr.Spawn(ctx, "slow", "slow", "telegram", "1")
	if err != nil {
		t.Fatal(err)
	}
	if err := task.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	if task.Status() != SubagentFailed {
		t.Errorf("status = %s", task.Status())
	}

	msg, ok := b.ConsumeInbound(ctx, time.Second)
	if !ok {
		t.Fatal("no announcement")
	}
	if !strings.HasPrefix(msg.Content, "[Subagent 'slow' failed]") || !strings.Contains(msg.Content, "timed out after 1s") {
		t.Errorf("announcement = %q", msg.Content)
	}
}

func TestSubagentConcurrencyLimit(t *testing.T) {
	t.Parallel()
	p := &countingProvider{}
	cfg := DefaultSubagentConfig()
	cfg.MaxConcurrent = 1
	mgr := NewSubagentManager(cfg, p, tools.NewRegistry(nil), nil, t.TempDir(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var tasks []*SubagentTask
	for i := 0; i < 3; i++ {
		task, err := mgr.Spawn(ctx, "work", "", "cli", "direct")
		if err != nil {
			t.Fatal(err)
		}
		tasks = append(tasks, task)
	}
	if err := mgr.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	for _, task := range tasks {
		if task.Status() != SubagentCompleted {
			t.Errorf("task %s status = %s", task.ID, task.Status())
		}
	}
	if got := p.peak.Load(); got != 1 {
		t.Errorf("peak concurrency = %d, want 1", got)
	}
	if got := len(mgr.List()); got != 3 {
		t.Errorf("List returned %d tasks", got)
	}
}

func TestSubagentRejectsAfterCancelAll(t *testing.T) {
	t.Parallel()
	mgr := NewSubagentManager(DefaultSubagentConfig(), blockingProvider{}, tools.NewRegistry(nil), nil, t.TempDir(), nil)
	task, err := mgr.Spawn(context.Background(), "a", "", "cli", "direct")
	if err != nil {
		t.Fatal(err)
	}
	mgr.CancelAll()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := mgr.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	if task.Status() != SubagentCancelled {
		t.Errorf("status = %s", task.Status())
	}
	if _, err := mgr.Spawn(context.Background(), "b", "", "cli", "direct"); err == nil {
		t.Error("spawn after CancelAll succeeded")
	}
}

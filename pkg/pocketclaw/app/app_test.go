package app

import (
	"context"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/bus"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/config"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/provider/providertest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// recorder is a channel that keeps whatever it is asked to send.
type recorder struct {
	mu   sync.Mutex
	sent []bus.OutboundMessage
	got  chan struct{}
}

func newRecorder() *recorder { return &recorder{got: make(chan struct{}, 16)} }

func (r *recorder) Name() string { return "test" }

func (r *recorder) Start(ctx context.Context) error { return nil }

func (r *recorder) Stop() error { return nil }

func (r *recorder) IsRunning() bool { return true }

func (r *recorder) Send(ctx context.Context, msg bus.OutboundMessage) error {
	r.mu.Lock()
	r.sent = append(r.sent, msg)
	r.mu.Unlock()
	r.got <- struct{}{}
	return nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Agent.Workspace = filepath.Join(dir, "workspace")
	cfg.Sessions.Dir = filepath.Join(dir, "sessions")
	cfg.Scheduler.StorePath = filepath.Join(dir, "cron", "jobs.json")
	cfg.Scheduler.Tick = 50 * time.Millisecond
	cfg.Database.Path = ":memory:"
	return cfg
}

func TestNewRegistersAllTools(t *testing.T) {
	t.Parallel()
	a, err := New(testConfig(t), nil, WithProvider(&providertest.Scripted{}), WithoutConfiguredChannels())
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	names := a.Tools().Names()
	for _, want := range []string{"read_file", "write_file", "edit_file", "list_dir", "exec", "web_fetch", "message", "spawn", "cron"} {
		if !slices.Contains(names, want) {
			t.Errorf("tool %q not registered (have %v)", want, names)
		}
	}
}

func TestNewRejectsUnknownSessionBackend(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Sessions.Backend = "redis"
	if _, err := New(cfg, nil, WithProvider(&providertest.Scripted{})); err == nil {
		t.Error("New accepted an unknown session backend")
	}
}

func TestRunAnswersAndShutsDown(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Sessions.Backend = "sqlite"

	rec := newRecorder()
	p := &providertest.Scripted{Steps: []providertest.Step{providertest.Text("hi there")}}
	a, err := New(cfg, nil, WithProvider(p), WithoutConfiguredChannels(), WithChannels(rec))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	err = a.Bus().PublishInbound(bus.InboundMessage{
		Channel: "test", SenderID: "u1", ChatID: "room", Content: "hello",
	})
	if err != nil {
		t.Fatal(err)
	}

	select {
	case <-rec.got:
	case <-time.After(5 * time.Second):
		t.Fatal("no reply delivered")
	}
	rec.mu.Lock()
	reply := rec.sent[0]
	rec.mu.Unlock()
	if reply.ChatID != "room" || reply.Content != "hi there" {
		t.Errorf("reply = %+v", reply)
	}

	sess := a.Sessions().GetOrCreate("test:room")
	if n := len(sess.History(0)); n != 2 {
		t.Errorf("session has %d entries, want 2", n)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v", err)
		}
	case <-time.After(ShutdownTimeout + 5*time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if a.DB() != nil {
		t.Error("database not released after Run")
	}
}

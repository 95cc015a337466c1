package heartbeat

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/bus"
)

type capturePublisher struct {
	mu   sync.Mutex
	msgs []bus.OutboundMessage
}

func (p *capturePublisher) PublishOutbound(msg bus.OutboundMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg)
	return nil
}

func writeHeartbeat(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestHasActionableContent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
		want    bool
	}{
		{"empty", "", false},
		{"headings only", "# Heartbeat\n\n## Tasks\n", false},
		{"empty checkboxes", "# Tasks\n- [ ]\n* [ ]\n- [x]\n", false},
		{"comment", "<!-- add tasks below -->\n", false},
		{"multiline comment", "<!--\nremind me\n-->\n", false},
		{"task", "# Tasks\n- [ ] check the build\n", true},
		{"plain text", "Send a good-morning message.", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := HasActionableContent(tt.content); got != tt.want {
				t.Errorf("HasActionableContent(%q) = %v, want %v", tt.content, got, tt.want)
			}
		})
	}
}

func TestIsOK(t *testing.T) {
	t.Parallel()

	for _, reply := range []string{"HEARTBEAT_OK", "  heartbeat_ok\n", "**HEARTBEAT_OK**", ""} {
		if !IsOK(reply) {
			t.Errorf("IsOK(%q) = false", reply)
		}
	}
	if IsOK("Your build is failing.") {
		t.Error("IsOK accepted a real report")
	}
}

func TestTriggerNow(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		file      string
		reply     string
		wantCalls int
		wantSent  int
	}{
		{"missing file skips the model", "", "", 0, 0},
		{"nothing actionable skips the model", "# Heartbeat\n- [ ]\n", "", 0, 0},
		{"ok reply is silent", "- [ ] check mail", "HEARTBEAT_OK", 1, 0},
		{"report is delivered", "- [ ] check mail", "You have 3 unread emails.", 1, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			dir := t.TempDir()
			if tt.file != "" {
				writeHeartbeat(t, dir, tt.file)
			}
			calls := 0
			handler := func(ctx context.Context, prompt, sessionKey string) (string, error) {
				calls++
				if sessionKey != SessionKey {
					t.Errorf("session key = %q, want %q", sessionKey, SessionKey)
				}
				return tt.reply, nil
			}
			pub := &capturePublisher{}
			cfg := Config{Enabled: true, Channel: "telegram", ChatID: "42"}
			svc := New(cfg, dir, handler, pub, nil)

			if _, err := svc.TriggerNow(context.Background()); err != nil {
				t.Fatalf("TriggerNow: %v", err)
			}
			if calls != tt.wantCalls {
				t.Errorf("handler calls = %d, want %d", calls, tt.wantCalls)
			}
			if len(pub.msgs) != tt.wantSent {
				t.Fatalf("sent %d messages, want %d", len(pub.msgs), tt.wantSent)
			}
			if tt.wantSent > 0 && (pub.msgs[0].Channel != "telegram" || pub.msgs[0].ChatID != "42") {
				t.Errorf("sent to %s:%s", pub.msgs[0].Channel, pub.msgs[0].ChatID)
			}
		})
	}
}

func TestActiveHours(t *testing.T) {
	t.Parallel()

	at := func(h int) time.Time { return time.Date(2026, 1, 1, h, 30, 0, 0, time.UTC) }
	tests := []struct {
		start, end, hour int
		want             bool
	}{
		{0, 0, 3, true},
		{9, 22, 8, false},
		{9, 22, 9, true},
		{9, 22, 22, false},
		{22, 6, 23, true},
		{22, 6, 5, true},
		{22, 6, 12, false},
	}
	for _, tt := range tests {
		svc := New(Config{ActiveStart: tt.start, ActiveEnd: tt.end}, "", nil, nil, nil)
		if got := svc.active(at(tt.hour)); got != tt.want {
			t.Errorf("active(%d) in [%d,%d) = %v, want %v", tt.hour, tt.start, tt.end, got, tt.want)
		}
	}
}

func TestLoopTicks(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeHeartbeat(t, dir, "ping the user")

	ticked := make(chan struct{}, 4)
	handler := func(ctx context.Context, prompt, sessionKey string) (string, error) {
		select {
		case ticked <- struct{}{}:
		default:
		}
		return OKToken, nil
	}
	svc := New(Config{Enabled: true, Interval: 20 * time.Millisecond}, dir, handler, nil, nil)
	svc.Start(context.Background())
	defer svc.Stop()

	select {
	case <-ticked:
	case <-time.After(2 * time.Second):
		t.Fatal("heartbeat never ticked")
	}
}

package channels

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"go.uber.org/goleak"

	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/bus"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestBaseAllowList(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		allow  []string
		sender string
		want   bool
	}{
		{"empty list admits all", nil, "123", true},
		{"exact id", []string{"123"}, "123", true},
		{"compound id part", []string{"123"}, "123|alice", true},
		{"compound username part", []string{"alice"}, "123|alice", true},
		{"full compound", []string{"123|alice"}, "123|alice", true},
		{"unknown", []string{"alice"}, "456|bob", false},
		{"plain unknown", []string{"123"}, "456", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBase("test", bus.New(nil), tt.allow, nil)
			if got := b.IsAllowed(tt.sender); got != tt.want {
				t.Errorf("IsAllowed(%q) = %v, want %v", tt.sender, got, tt.want)
			}
		})
	}
}

func TestBaseHandleMessage(t *testing.T) {
	t.Parallel()
	q := bus.New(nil)
	b := NewBase("telegram", q, []string{"alice"}, nil)

	if b.HandleMessage("2|bob", "9", "hi", nil, nil) {
		t.Error("unauthorized sender accepted")
	}
	if !b.HandleMessage("1|alice", "9", "hello", []string{"/tmp/a.jpg"}, map[string]string{"message_id": "77"}) {
		t.Fatal("authorized sender rejected")
	}

	msg, ok := q.ConsumeInbound(context.Background(), time.Second)
	if !ok {
		t.Fatal("nothing published")
	}
	if msg.Channel != "telegram" || msg.ChatID != "9" || msg.Content != "hello" || msg.ReplyTo != "77" || len(msg.Media) != 1 {
		t.Errorf("published %+v", msg)
	}
	if got := q.InboundDepth(); got != 0 {
		t.Errorf("queue depth = %d, want 0", got)
	}
}

func TestSplitMessage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		text   string
		max    int
		chunks int
	}{
		{"short", "hello", 10, 1},
		{"paragraphs", strings.Repeat("a", 8) + "\n\n" + strings.Repeat("b", 8), 12, 2},
		{"words", strings.Repeat("word ", 10), 12, 5},
		{"hard cut", strings.Repeat("x", 25), 10, 3},
		{"multibyte", strings.Repeat("é", 10), 5, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SplitMessage(tt.text, tt.max)
			if len(got) != tt.chunks {
				t.Fatalf("got %d chunks %q, want %d", len(got), got, tt.chunks)
			}
			for _, c := range got {
				if len(c) > tt.max {
					t.Errorf("chunk %q exceeds %d bytes", c, tt.max)
				}
				if !utf8.ValidString(c) {
					t.Errorf("chunk %q is not valid UTF-8", c)
				}
			}
		})
	}
}

func TestFormatForTelegram(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want string
	}{
		{"**bold** and *it*", "<b>bold</b> and <i>it</i>"},
		{"a < b & c", "a &lt; b &amp; c"},
		{"use `x<y`", "use <code>x&lt;y</code>"},
		{"```go\nfmt.Println(1)\n```", "<pre><code>fmt.Println(1)</code></pre>"},
		{"# Title", "<b>Title</b>"},
		{"[site](https://example.com)", `<a href="https://example.com">site</a>`},
		{"~~old~~", "<s>old</s>"},
		{"- item", "• item"},
		{"snake_case_name", "snake_case_name"},
	}
	for _, tt := range tests {
		if got := FormatForTelegram(tt.in); got != tt.want {
			t.Errorf("FormatForTelegram(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFormatForWhatsApp(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want string
	}{
		{"**bold**", "*bold*"},
		{"*it*", "_it_"},
		{"## Header", "*Header*"},
		{"[site](https://example.com)", "site (https://example.com)"},
		{"~~old~~", "~old~"},
		{"keep `**raw**`", "keep `**raw**`"},
	}
	for _, tt := range tests {
		if got := FormatForWhatsApp(tt.in); got != tt.want {
			t.Errorf("FormatForWhatsApp(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

type fakeChannel struct {
	name     string
	startErr error

	mu      sync.Mutex
	running bool
	sent    []bus.OutboundMessage
	sendErr error
}

func (f *fakeChannel) Name() string { return f.name }

func (f *fakeChannel) Start(ctx context.Context) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.mu.Lock()
	f.running = true
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) Stop() error {
	f.mu.Lock()
	f.running = false
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeChannel) IsRunning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakeChannel) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func TestManagerDispatch(t *testing.T) {
	t.Parallel()
	q := bus.New(nil)
	m := NewManager(q, nil)

	good := &fakeChannel{name: "telegram"}
	broken := &fakeChannel{name: "discord", sendErr: errors.New("rate limited")}
	dead := &fakeChannel{name: "whatsapp", startErr: errors.New("no session")}
	for _, ch := range []Channel{good, broken, dead} {
		if err := m.Register(ch); err != nil {
			t.Fatal(err)
		}
	}
	if err := m.Register(&fakeChannel{name: "telegram"}); err == nil {
		t.Error("duplicate registration accepted")
	}

	if err := m.StartAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer m.StopAll()

	// Failures on unknown or broken channels must not stop delivery.
	for _, msg := range []bus.OutboundMessage{
		{Channel: "nowhere", ChatID: "1", Content: "lost"},
		{Channel: "discord", ChatID: "1", Content: "fails"},
		{Channel: "whatsapp", ChatID: "1", Content: "not running"},
		{Channel: "telegram", ChatID: "42", Content: "delivered"},
	} {
		if err := q.PublishOutbound(msg); err != nil {
			t.Fatal(err)
		}
	}

	deadline := time.Now().Add(5 * time.Second)
	for good.sentCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if good.sentCount() != 1 || good.sent[0].Content != "delivered" {
		t.Fatalf("telegram received %+v", good.sent)
	}

	status := m.Status()
	want := []Status{{"discord", true}, {"telegram", true}, {"whatsapp", false}}
	if len(status) != len(want) {
		t.Fatalf("Status = %+v", status)
	}
	for i := range want {
		if status[i] != want[i] {
			t.Errorf("Status[%d] = %+v, want %+v", i, status[i], want[i])
		}
	}

	err := m.Send(context.Background(), bus.OutboundMessage{Channel: "nowhere"})
	if !errors.Is(err, ErrChannelNotFound) {
		t.Errorf("Send to unknown channel = %v", err)
	}
}

func TestManagerAllChannelsFail(t *testing.T) {
	t.Parallel()
	m := NewManager(bus.New(nil), nil)
	if err := m.Register(&fakeChannel{name: "x", startErr: errors.New("boom")}); err != nil {
		t.Fatal(err)
	}
	if err := m.StartAll(context.Background()); err == nil {
		t.Error("StartAll succeeded with no working channel")
	}
	m.StopAll()
}

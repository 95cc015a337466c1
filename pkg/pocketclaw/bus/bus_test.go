package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestBusFIFO(t *testing.T) {
	t.Parallel()
	b := New(nil)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if err := b.PublishInbound(InboundMessage{Channel: "cli", ChatID: "1", Content: fmt.Sprint(i)}); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}
	if got := b.InboundDepth(); got != 10 {
		t.Fatalf("InboundDepth = %d, want 10", got)
	}
	for i := 0; i < 10; i++ {
		msg, ok := b.ConsumeInbound(ctx, time.Second)
		if !ok {
			t.Fatalf("consume %d: empty", i)
		}
		if msg.Content != fmt.Sprint(i) {
			t.Errorf("consume %d: got %q", i, msg.Content)
		}
		if msg.Timestamp.IsZero() {
			t.Error("timestamp should be set on publish")
		}
	}
}

func TestBusConsumeTimeout(t *testing.T) {
	t.Parallel()
	b := New(nil)

	start := time.Now()
	_, ok := b.ConsumeOutbound(context.Background(), 50*time.Millisecond)
	if ok {
		t.Fatal("expected empty result")
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("returned too early: %v", elapsed)
	}
}

func TestBusConsumeContextCancel(t *testing.T) {
	t.Parallel()
	b := New(nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan bool)
	go func() {
		_, ok := b.ConsumeInbound(ctx, 0)
		done <- ok
	}()

	cancel()
	select {
	case ok := <-done:
		if ok {
			t.Error("expected ok=false after cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("consumer did not observe cancellation")
	}
}

func TestBusWakesWaitingConsumer(t *testing.T) {
	t.Parallel()
	b := New(nil)

	got := make(chan OutboundMessage, 1)
	go func() {
		msg, ok := b.ConsumeOutbound(context.Background(), 2*time.Second)
		if ok {
			got <- msg
		}
		close(got)
	}()

	time.Sleep(20 * time.Millisecond)
	if err := b.PublishOutbound(OutboundMessage{Channel: "telegram", ChatID: "42", Content: "hi"}); err != nil {
		t.Fatal(err)
	}

	select {
	case msg := <-got:
		if msg.Content != "hi" {
			t.Errorf("content = %q", msg.Content)
		}
	case <-time.After(time.Second):
		t.Fatal("consumer was not woken by publish")
	}
}

func TestBusConcurrentConsumers(t *testing.T) {
	t.Parallel()
	b := New(nil)
	const total = 200

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[string]bool)
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				msg, ok := b.ConsumeInbound(context.Background(), 200*time.Millisecond)
				if !ok {
					return
				}
				mu.Lock()
				seen[msg.Content] = true
				mu.Unlock()
			}
		}()
	}
	for i := 0; i < total; i++ {
		_ = b.PublishInbound(InboundMessage{Content: fmt.Sprint(i)})
	}
	wg.Wait()

	if len(seen) != total {
		t.Errorf("consumed %d distinct messages, want %d", len(seen), total)
	}
}

func TestBusOverflow(t *testing.T) {
	t.Parallel()

	t.Run("reject newest", func(t *testing.T) {
		b := NewWithOptions(Options{MaxDepth: 2}, nil)
		_ = b.PublishOutbound(OutboundMessage{Content: "a"})
		_ = b.PublishOutbound(OutboundMessage{Content: "b"})
		if err := b.PublishOutbound(OutboundMessage{Content: "c"}); !errors.Is(err, ErrQueueFull) {
			t.Fatalf("err = %v, want ErrQueueFull", err)
		}
		msg, _ := b.ConsumeOutbound(context.Background(), time.Millisecond)
		if msg.Content != "a" {
			t.Errorf("head = %q, want a", msg.Content)
		}
	})

	t.Run("drop oldest", func(t *testing.T) {
		b := NewWithOptions(Options{MaxDepth: 2, Overflow: OverflowDropOldest}, nil)
		for _, c := range []string{"a", "b", "c"} {
			if err := b.PublishOutbound(OutboundMessage{Content: c}); err != nil {
				t.Fatal(err)
			}
		}
		msg, _ := b.ConsumeOutbound(context.Background(), time.Millisecond)
		if msg.Content != "b" {
			t.Errorf("head = %q, want b", msg.Content)
		}
		if _, out := b.Dropped(); out != 1 {
			t.Errorf("dropped = %d, want 1", out)
		}
	})
}

func TestBusClose(t *testing.T) {
	t.Parallel()
	b := New(nil)
	_ = b.PublishInbound(InboundMessage{Content: "queued"})
	b.Close()

	if err := b.PublishInbound(InboundMessage{}); !errors.Is(err, ErrClosed) {
		t.Errorf("publish after close: %v", err)
	}
	if msg, ok := b.ConsumeInbound(context.Background(), time.Second); !ok || msg.Content != "queued" {
		t.Errorf("queued message should survive close, got %v %q", ok, msg.Content)
	}
	if _, ok := b.ConsumeInbound(context.Background(), time.Second); ok {
		t.Error("drained closed bus should return ok=false")
	}
}

func TestSessionKeyResolution(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		msg  InboundMessage
		want string
	}{
		{"regular", InboundMessage{Channel: "telegram", ChatID: "42"}, "telegram:42"},
		{"system typed origin", NewSystemMessage(SourceSubagent, "telegram", "42", "done"), "telegram:42"},
		{"system token only", InboundMessage{Channel: SystemChannel, ChatID: "discord:123:thread"}, "discord:123:thread"},
		{"system without colon", InboundMessage{Channel: SystemChannel, ChatID: "direct"}, "cli:direct"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.msg.SessionKey(); got != tt.want {
				t.Errorf("SessionKey() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSystemSource(t *testing.T) {
	t.Parallel()
	msg := NewSystemMessage(SourceScheduler, "cli", "direct", "x")
	if msg.SystemSource() != SourceScheduler {
		t.Errorf("SystemSource = %q", msg.SystemSource())
	}
	if (InboundMessage{Channel: "cli"}).SystemSource() != "" {
		t.Error("regular message should have no system source")
	}
	legacy := InboundMessage{Channel: SystemChannel, SenderID: "subagent", ChatID: "cli:1"}
	if legacy.SystemSource() != SourceSubagent {
		t.Errorf("legacy SystemSource = %q", legacy.SystemSource())
	}
}

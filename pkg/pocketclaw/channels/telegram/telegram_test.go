package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/bus"
)

// fakeBotAPI serves just enough of the Bot API for the adapter.
type fakeBotAPI struct {
	mu      sync.Mutex
	served  bool
	updates []map[string]any
	sent    []map[string]any
}

func (f *fakeBotAPI) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/file/botTOKEN/") {
			_, _ = w.Write([]byte("JPEGDATA"))
			return
		}
		method := strings.TrimPrefix(r.URL.Path, "/botTOKEN/")

		var payload map[string]any
		_ = json.NewDecoder(r.Body).Decode(&payload)

		reply := func(result any) {
			_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": result})
		}

		switch method {
		case "getMe":
			reply(map[string]any{"id": 1, "is_bot": true, "username": "pocket_bot"})
		case "getUpdates":
			f.mu.Lock()
			first := !f.served
			f.served = true
			f.mu.Unlock()
			if first {
				reply(f.updates)
				return
			}
			select {
			case <-r.Context().Done():
			case <-time.After(50 * time.Millisecond):
			}
			reply([]any{})
		case "getFile":
			reply(map[string]any{"file_id": payload["file_id"], "file_path": "photos/p.jpg"})
		case "sendChatAction":
			reply(true)
		case "sendMessage":
			f.mu.Lock()
			f.sent = append(f.sent, payload)
			f.mu.Unlock()
			if _, html := payload["parse_mode"]; html && strings.Contains(fmt.Sprint(payload["text"]), "BROKEN") {
				_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "description": "Bad Request: can't parse entities"})
				return
			}
			reply(map[string]any{"message_id": 100})
		default:
			t.Errorf("unexpected method %q", method)
			_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "description": "unknown method"})
		}
	})
}

func (f *fakeBotAPI) sentMessages() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]map[string]any(nil), f.sent...)
}

func TestTelegramReceiveAndSend(t *testing.T) {
	api := &fakeBotAPI{updates: []map[string]any{
		{
			"update_id": 10,
			"message": map[string]any{
				"message_id": 4, "date": 0, "text": "let me in",
				"from": map[string]any{"id": 8, "username": "bob"},
				"chat": map[string]any{"id": 8, "type": "private"},
			},
		},
		{
			"update_id": 11,
			"message": map[string]any{
				"message_id": 5, "date": 0, "caption": "look",
				"from": map[string]any{"id": 7, "username": "alice"},
				"chat": map[string]any{"id": 42, "type": "private"},
				"photo": []map[string]any{{"file_id": "small"}, {"file_id": "large"}},
			},
		},
	}}
	srv := httptest.NewServer(api.handler(t))
	defer srv.Close()

	mediaDir := t.TempDir()
	q := bus.New(nil)
	tg := New(Config{
		Token:       "TOKEN",
		APIBase:     srv.URL,
		AllowFrom:   []string{"alice"},
		MediaDir:    mediaDir,
		PollTimeout: 1,
	}, q, nil)

	ctx := context.Background()
	if err := tg.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer tg.Stop()

	msg, ok := q.ConsumeInbound(ctx, 5*time.Second)
	if !ok {
		t.Fatal("no inbound message")
	}
	if msg.Channel != "telegram" || msg.ChatID != "42" || msg.SenderID != "7|alice" || msg.ReplyTo != "5" {
		t.Errorf("inbound = %+v", msg)
	}
	if len(msg.Media) != 1 {
		t.Fatalf("media = %v", msg.Media)
	}
	data, err := os.ReadFile(msg.Media[0])
	if err != nil || string(data) != "JPEGDATA" {
		t.Errorf("downloaded %q, %v", data, err)
	}
	if !strings.HasPrefix(msg.Content, "look\n[image: ") {
		t.Errorf("content = %q", msg.Content)
	}
	if _, ok := q.ConsumeInbound(ctx, 200*time.Millisecond); ok {
		t.Error("message from a sender outside allow_from was published")
	}

	err = tg.Send(ctx, bus.OutboundMessage{Channel: "telegram", ChatID: "42", Content: "**done**", ReplyTo: "5"})
	if err != nil {
		t.Fatal(err)
	}
	err = tg.Send(ctx, bus.OutboundMessage{Channel: "telegram", ChatID: "42", Content: "BROKEN"})
	if err != nil {
		t.Fatal(err)
	}

	sent := api.sentMessages()
	if len(sent) != 3 {
		t.Fatalf("sendMessage called %d times, want 3", len(sent))
	}
	if sent[0]["text"] != "<b>done</b>" || sent[0]["parse_mode"] != "HTML" || sent[0]["reply_parameters"] == nil {
		t.Errorf("first send = %v", sent[0])
	}
	if _, ok := sent[2]["parse_mode"]; ok || sent[2]["text"] != "BROKEN" {
		t.Errorf("plain-text retry = %v", sent[2])
	}
}

func TestTelegramRequiresToken(t *testing.T) {
	tg := New(Config{}, bus.New(nil), nil)
	if err := tg.Start(context.Background()); err == nil {
		t.Error("Start without token succeeded")
	}
}

func TestTelegramSendInvalidChat(t *testing.T) {
	tg := New(Config{Token: "TOKEN"}, bus.New(nil), nil)
	tg.SetRunning(true)
	if err := tg.Send(context.Background(), bus.OutboundMessage{ChatID: "not-a-number", Content: "x"}); err == nil {
		t.Error("Send to invalid chat succeeded")
	}
}

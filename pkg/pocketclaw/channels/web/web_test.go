package web

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/bus"
)

func startWeb(t *testing.T, cfg Config) (*Web, *bus.MessageBus) {
	t.Helper()
	q := bus.New(nil)
	cfg.Addr = "127.0.0.1:0"
	w := New(cfg, q, nil)
	if err := w.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = w.Stop() })
	return w, q
}

func TestWebRoundTrip(t *testing.T) {
	w, q := startWeb(t, Config{})

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+w.Addr()+"/ws?chat_id=abc", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var hello Frame
	if err := conn.ReadJSON(&hello); err != nil {
		t.Fatal(err)
	}
	if hello.Type != "hello" || hello.ChatID != "abc" {
		t.Errorf("hello = %+v", hello)
	}

	if err := conn.WriteJSON(Frame{Type: "message", Content: "hi bot"}); err != nil {
		t.Fatal(err)
	}
	msg, ok := q.ConsumeInbound(context.Background(), 5*time.Second)
	if !ok {
		t.Fatal("no inbound message")
	}
	if msg.Channel != "web" || msg.ChatID != "abc" || msg.Content != "hi bot" {
		t.Errorf("inbound = %+v", msg)
	}

	if err := w.Send(context.Background(), bus.OutboundMessage{Channel: "web", ChatID: "abc", Content: "hello human"}); err != nil {
		t.Fatal(err)
	}
	var reply Frame
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatal(err)
	}
	if reply.Type != "message" || reply.Content != "hello human" {
		t.Errorf("reply = %+v", reply)
	}

	if err := w.Send(context.Background(), bus.OutboundMessage{ChatID: "nobody", Content: "x"}); err == nil {
		t.Error("Send to unknown chat succeeded")
	}
}

func TestWebAllowList(t *testing.T) {
	w, _ := startWeb(t, Config{AllowFrom: []string{"friend"}})

	_, resp, err := websocket.DefaultDialer.Dial("ws://"+w.Addr()+"/ws?chat_id=stranger", nil)
	if err == nil {
		t.Fatal("stranger connected")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("response = %v", resp)
	}

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+w.Addr()+"/ws?chat_id=friend", nil)
	if err != nil {
		t.Fatal(err)
	}
	conn.Close()
}

func TestWebServesIndex(t *testing.T) {
	w, _ := startWeb(t, Config{})

	resp, err := http.Get("http://" + w.Addr() + "/")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || len(body) == 0 {
		t.Errorf("index: %s, %d bytes", resp.Status, len(body))
	}
}

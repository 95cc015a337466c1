// Package web implements a browser chat channel over WebSocket. Each
// connection is one conversation, identified by the chat_id query parameter
// or a generated id.
package web

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/bus"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/channels"
)

//go:embed index.html
var indexHTML []byte

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 64 << 10
)

// Config holds web channel configuration.
type Config struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`

	// AllowFrom lists chat ids allowed to connect. Empty means everyone.
	AllowFrom []string `yaml:"allow_from"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{Addr: "127.0.0.1:8089"}
}

// Frame is the JSON envelope exchanged with the browser.
type Frame struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
	ChatID  string `json:"chat_id,omitempty"`
}

// client is one browser connection; writes are serialized by mu.
type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) write(f Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(f)
}

func (c *client) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// Web implements channels.Channel.
type Web struct {
	*channels.Base
	cfg      Config
	upgrader websocket.Upgrader
	server   *http.Server
	listener net.Listener

	mu      sync.RWMutex
	clients map[string]*client

	wg sync.WaitGroup
}

// New creates a web channel publishing to pub.
func New(cfg Config, pub channels.InboundPublisher, logger *slog.Logger) *Web {
	if cfg.Addr == "" {
		cfg.Addr = DefaultConfig().Addr
	}
	w := &Web{
		Base:    channels.NewBase("web", pub, cfg.AllowFrom, logger),
		cfg:     cfg,
		clients: make(map[string]*client),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", w.handleIndex)
	mux.HandleFunc("/ws", w.handleWS)
	w.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	return w
}

// Addr returns the bound address once started.
func (w *Web) Addr() string {
	if w.listener == nil {
		return w.cfg.Addr
	}
	return w.listener.Addr().String()
}

// Start binds the listener and serves in the background.
func (w *Web) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", w.cfg.Addr)
	if err != nil {
		return fmt.Errorf("web: listen %s: %w", w.cfg.Addr, err)
	}
	w.listener = ln
	w.SetRunning(true)
	w.Logger().Info("web: listening", "addr", ln.Addr().String())

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if err := w.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			w.Logger().Error("web: server stopped", "error", err)
		}
	}()
	return nil
}

// Stop shuts the server down and closes every connection.
func (w *Web) Stop() error {
	w.SetRunning(false)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := w.server.Shutdown(ctx)

	// Hijacked connections are not closed by Shutdown.
	w.mu.Lock()
	for id, c := range w.clients {
		_ = c.conn.Close()
		delete(w.clients, id)
	}
	w.mu.Unlock()

	w.wg.Wait()
	if err != nil {
		return fmt.Errorf("web: shutdown: %w", err)
	}
	return nil
}

// Send writes a reply to the browser holding msg.ChatID.
func (w *Web) Send(ctx context.Context, msg bus.OutboundMessage) error {
	w.mu.RLock()
	c, ok := w.clients[msg.ChatID]
	w.mu.RUnlock()
	if !ok {
		return fmt.Errorf("web: no connection for chat %q", msg.ChatID)
	}
	return c.write(Frame{Type: "message", Content: msg.Content, ChatID: msg.ChatID})
}

func (w *Web) handleIndex(rw http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(rw, r)
		return
	}
	rw.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = rw.Write(indexHTML)
}

func (w *Web) handleWS(rw http.ResponseWriter, r *http.Request) {
	chatID := r.URL.Query().Get("chat_id")
	if chatID == "" {
		chatID = uuid.New().String()[:8]
	}
	if !w.IsAllowed(chatID) {
		http.Error(rw, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := w.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		w.Logger().Warn("web: upgrade failed", "error", err)
		return
	}
	c := &client{conn: conn}

	w.mu.Lock()
	if old, ok := w.clients[chatID]; ok {
		_ = old.conn.Close()
	}
	w.clients[chatID] = c
	w.mu.Unlock()
	w.Logger().Info("web: client connected", "chat_id", chatID)

	if err := c.write(Frame{Type: "hello", ChatID: chatID}); err != nil {
		w.drop(chatID, c)
		return
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.readLoop(chatID, c)
	}()
}

func (w *Web) readLoop(chatID string, c *client) {
	defer w.drop(chatID, c)

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := c.ping(); err != nil {
					return
				}
			}
		}
	}()

	for {
		var f Frame
		if err := c.conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				w.Logger().Debug("web: read failed", "chat_id", chatID, "error", err)
			}
			return
		}
		if f.Type != "message" || f.Content == "" {
			continue
		}
		w.HandleMessage(chatID, chatID, f.Content, nil, nil)
	}
}

func (w *Web) drop(chatID string, c *client) {
	w.mu.Lock()
	if w.clients[chatID] == c {
		delete(w.clients, chatID)
	}
	w.mu.Unlock()
	_ = c.conn.Close()
	w.Logger().Info("web: client disconnected", "chat_id", chatID)
}

var _ channels.Channel = (*Web)(nil)

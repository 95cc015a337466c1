// Package channels connects chat platforms to the message bus. Each adapter
// (Telegram, Discord, WhatsApp, web, CLI) implements Channel; the Manager
// starts them and routes agent replies back to the right one.
package channels

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/bus"
)

// Channel is a chat platform adapter.
type Channel interface {
	// Name returns the channel identifier ("telegram", "discord", ...).
	Name() string

	// Start connects to the platform and begins receiving messages. It
	// returns once the adapter is running; receiving continues in the
	// background until Stop or ctx cancellation.
	Start(ctx context.Context) error

	// Stop disconnects and waits for background work to finish.
	Stop() error

	// Send delivers one reply.
	Send(ctx context.Context, msg bus.OutboundMessage) error

	// IsRunning reports whether the adapter is connected.
	IsRunning() bool
}

// InboundPublisher accepts messages from adapters; *bus.MessageBus
// implements it.
type InboundPublisher interface {
	PublishInbound(msg bus.InboundMessage) error
}

// Errors.
var (
	ErrChannelNotFound = errors.New("channel not found")
	ErrNotRunning      = errors.New("channel is not running")
)

// Base carries what every adapter shares: its name, the allow-list and the
// inbound queue. Adapters embed it.
type Base struct {
	name      string
	pub       InboundPublisher
	allowFrom []string
	logger    *slog.Logger
	running   atomic.Bool
}

// NewBase creates the shared part of an adapter. An empty allowFrom admits
// every sender.
func NewBase(name string, pub InboundPublisher, allowFrom []string, logger *slog.Logger) *Base {
	if logger == nil {
		logger = slog.Default()
	}
	return &Base{
		name:      name,
		pub:       pub,
		allowFrom: allowFrom,
		logger:    logger.With("component", name),
	}
}

// Name returns the channel name.
func (b *Base) Name() string { return b.name }

// IsRunning reports the state set by SetRunning.
func (b *Base) IsRunning() bool { return b.running.Load() }

// SetRunning records the connection state.
func (b *Base) SetRunning(v bool) { b.running.Store(v) }

// Logger returns the adapter's logger.
func (b *Base) Logger() *slog.Logger { return b.logger }

// IsAllowed checks senderID against the allow-list. Compound ids of the form
// "id|username" match when either part is listed.
func (b *Base) IsAllowed(senderID string) bool {
	if len(b.allowFrom) == 0 {
		return true
	}
	candidates := []string{senderID}
	if strings.Contains(senderID, "|") {
		for _, part := range strings.Split(senderID, "|") {
			if part != "" {
				candidates = append(candidates, part)
			}
		}
	}
	for _, allowed := range b.allowFrom {
		for _, c := range candidates {
			if allowed == c {
				return true
			}
		}
	}
	return false
}

// HandleMessage publishes an inbound message if the sender is allowed. It
// reports whether the message was accepted.
func (b *Base) HandleMessage(senderID, chatID, content string, media []string, metadata map[string]string) bool {
	if !b.IsAllowed(senderID) {
		b.logger.Warn("message from unauthorized sender dropped", "sender", senderID, "chat_id", chatID)
		return false
	}
	msg := bus.InboundMessage{
		Channel:   b.name,
		SenderID:  senderID,
		ChatID:    chatID,
		Content:   content,
		Media:     media,
		Metadata:  metadata,
		Timestamp: time.Now(),
	}
	if metadata != nil {
		msg.ReplyTo = metadata["message_id"]
	}
	if err := b.pub.PublishInbound(msg); err != nil {
		b.logger.Error("failed to publish inbound message", "chat_id", chatID, "error", err)
		return false
	}
	return true
}

// SplitMessage cuts text into chunks of at most maxLen bytes, preferring
// paragraph breaks, then line breaks, then spaces. Chunks never split a
// UTF-8 sequence.
func SplitMessage(text string, maxLen int) []string {
	if maxLen <= 0 || len(text) <= maxLen {
		return []string{text}
	}
	var chunks []string
	for len(text) > maxLen {
		window := text[:maxLen]
		cut := -1
		for _, sep := range []string{"\n\n", "\n", " "} {
			if idx := strings.LastIndex(window, sep); idx > maxLen/2 {
				cut = idx + len(sep)
				break
			}
		}
		if cut < 0 {
			cut = maxLen
			for cut > 0 && !utf8Start(text[cut]) {
				cut--
			}
			if cut == 0 {
				cut = maxLen
			}
		}
		chunks = append(chunks, strings.TrimRight(text[:cut], " \n"))
		text = strings.TrimLeft(text[cut:], " \n")
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}

func utf8Start(b byte) bool { return b&0xC0 != 0x80 }

// Package bus connects channel adapters to the agent loop through two
// independent FIFO queues: inbound (adapters → agent) and outbound
// (agent → channel dispatcher).
package bus

import (
	"strings"
	"time"
)

// SystemChannel is the reserved channel name for synthetic messages produced
// by the runtime itself (subagent completions, scheduler injections).
const SystemChannel = "system"

// Source identifies which runtime component produced a system message.
type Source string

const (
	SourceSubagent  Source = "subagent"
	SourceScheduler Source = "scheduler"
	SourceHeartbeat Source = "heartbeat"
)

// Origin addresses the conversation a system message belongs to.
type Origin struct {
	Channel string `json:"channel"`
	ChatID  string `json:"chat_id"`
	Source  Source `json:"source"`
}

// InboundMessage is a message received from a channel or injected by the
// runtime. It is never mutated after being published.
type InboundMessage struct {
	// Channel is the source channel name ("telegram", "discord", "system").
	Channel string `json:"channel"`

	// SenderID identifies the sender within the channel.
	SenderID string `json:"sender_id"`

	// ChatID identifies the conversation. For system messages it carries
	// "origin_channel:origin_chat_id".
	ChatID string `json:"chat_id"`

	// Content is the message text.
	Content string `json:"content"`

	// Media lists local file paths attached to the message.
	Media []string `json:"media,omitempty"`

	// Origin is set only on system messages.
	Origin *Origin `json:"origin,omitempty"`

	// ReplyTo is the platform message ID this message answers, if any.
	ReplyTo string `json:"reply_to,omitempty"`

	// Metadata holds channel-specific passthrough data (message ids,
	// usernames). The runtime never interprets it.
	Metadata map[string]string `json:"metadata,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// OutboundMessage is a reply produced by the agent loop for one channel.
type OutboundMessage struct {
	Channel  string            `json:"channel"`
	ChatID   string            `json:"chat_id"`
	Content  string            `json:"content"`
	Media    []string          `json:"media,omitempty"`
	ReplyTo  string            `json:"reply_to,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// NewSystemMessage builds a synthetic inbound message that resolves back to
// the originChannel:originChatID conversation.
func NewSystemMessage(source Source, originChannel, originChatID, content string) InboundMessage {
	return InboundMessage{
		Channel:  SystemChannel,
		SenderID: string(source),
		ChatID:   originChannel + ":" + originChatID,
		Content:  content,
		Origin: &Origin{
			Channel: originChannel,
			ChatID:  originChatID,
			Source:  source,
		},
		Timestamp: time.Now(),
	}
}

// IsSystem reports whether the message was produced by the runtime.
func (m InboundMessage) IsSystem() bool { return m.Channel == SystemChannel }

// Target returns the channel and chat a reply to this message must go to.
// For system messages this is the origin conversation.
func (m InboundMessage) Target() (channel, chatID string) {
	if !m.IsSystem() {
		return m.Channel, m.ChatID
	}
	if m.Origin != nil && m.Origin.Channel != "" {
		return m.Origin.Channel, m.Origin.ChatID
	}
	return ParseOrigin(m.ChatID)
}

// SessionKey returns the conversation key ("channel:chatId").
func (m InboundMessage) SessionKey() string {
	channel, chatID := m.Target()
	return SessionKey(channel, chatID)
}

// SystemSource returns the producer of a system message, or "" for
// regular channel traffic.
func (m InboundMessage) SystemSource() Source {
	if !m.IsSystem() {
		return ""
	}
	if m.Origin != nil && m.Origin.Source != "" {
		return m.Origin.Source
	}
	return Source(m.SenderID)
}

// SessionKey joins a channel and chat id into a session key.
func SessionKey(channel, chatID string) string {
	return channel + ":" + chatID
}

// ParseOrigin splits an "origin_channel:origin_chat_id" token at the first
// colon. A token without a colon is treated as a CLI chat id.
func ParseOrigin(token string) (channel, chatID string) {
	if i := strings.Index(token, ":"); i >= 0 {
		return token[:i], token[i+1:]
	}
	return "cli", token
}

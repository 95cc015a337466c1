package tools

import (
	"context"
	"fmt"

	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/bus"
)

// Publisher accepts outbound messages; *bus.MessageBus implements it.
type Publisher interface {
	PublishOutbound(msg bus.OutboundMessage) error
}

// MessageTool lets the model send a message mid-turn, to the current
// conversation or to an explicit channel/chat.
type MessageTool struct {
	pub Publisher
}

// NewMessageTool creates the tool.
func NewMessageTool(pub Publisher) *MessageTool { return &MessageTool{pub: pub} }

func (t *MessageTool) Name() string { return "message" }
func (t *MessageTool) Description() string {
	return "Send a message to the user. Defaults to the current conversation; channel and chat_id override it."
}

func (t *MessageTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"content": map[string]any{"type": "string", "description": "The message text"},
			"channel": map[string]any{"type": "string", "description": "Optional target channel (telegram, discord, whatsapp, web, cli)"},
			"chat_id": map[string]any{"type": "string", "description": "Optional target chat/user id"},
		},
		"required": []any{"content"},
	}
}

func (t *MessageTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	channel, chatID := stringArg(args, "channel"), stringArg(args, "chat_id")
	if turn, ok := TurnFromContext(ctx); ok {
		if channel == "" {
			channel = turn.Channel
		}
		if chatID == "" {
			chatID = turn.ChatID
		}
	}
	if channel == "" || chatID == "" {
		return "", fmt.Errorf("no target channel/chat specified")
	}
	if t.pub == nil {
		return "", fmt.Errorf("message sending not configured")
	}
	if err := t.pub.PublishOutbound(bus.OutboundMessage{
		Channel: channel,
		ChatID:  chatID,
		Content: stringArg(args, "content"),
	}); err != nil {
		return "", fmt.Errorf("sending message: %w", err)
	}
	return fmt.Sprintf("Message sent to %s:%s", channel, chatID), nil
}

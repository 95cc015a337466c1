// Package agent is the turn engine: it turns one inbound message into one
// reply by alternating model calls and tool executions, then records the
// exchange in the conversation's session.
package agent

import (
	"encoding/base64"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/provider"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/session"
)

// BootstrapFiles are read from the workspace root, in this order, and
// appended to the system prompt when present.
var BootstrapFiles = []string{"AGENTS.md", "SOUL.md", "USER.md", "TOOLS.md", "IDENTITY.md"}

// memoryFile is the agent's long-term notes, relative to the workspace.
const memoryFile = "memory/MEMORY.md"

// maxImageBytes caps images inlined into a request.
const maxImageBytes = 10 << 20

// SystemContext tells the model which conversation it is answering.
type SystemContext struct {
	Channel string
	ChatID  string
}

// ContextBuilder assembles the model-facing message list.
type ContextBuilder struct {
	workspace string
	name      string
	now       func() time.Time
}

// NewContextBuilder creates a builder rooted at workspace.
func NewContextBuilder(workspace, name string) *ContextBuilder {
	if name == "" {
		name = "pocketclaw"
	}
	return &ContextBuilder{workspace: workspace, name: name, now: time.Now}
}

// Workspace returns the workspace path.
func (b *ContextBuilder) Workspace() string { return b.workspace }

// SystemPrompt renders identity, time, workspace layout, bootstrap files and
// long-term memory.
func (b *ContextBuilder) SystemPrompt(sc *SystemContext) string {
	ws, _ := filepath.Abs(b.workspace)
	now := b.now()

	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s\n\n", b.name)
	fmt.Fprintf(&sb, "You are %s, a helpful personal assistant. You can read, write and edit files, "+
		"run shell commands, fetch web pages, message the user on their chat channels, "+
		"schedule reminders and spawn background subagents for longer tasks.\n\n", b.name)
	fmt.Fprintf(&sb, "## Current Time\n%s (%s)\n\n", now.Format("2006-01-02 15:04 (Monday)"), now.Location())
	fmt.Fprintf(&sb, "## Runtime\n%s/%s\n\n", runtime.GOOS, runtime.GOARCH)
	fmt.Fprintf(&sb, "## Workspace\nYour workspace is at: %s\n", ws)
	fmt.Fprintf(&sb, "- Long-term memory: %s\n", filepath.Join(ws, memoryFile))
	fmt.Fprintf(&sb, "- Heartbeat tasks: %s\n\n", filepath.Join(ws, "HEARTBEAT.md"))
	sb.WriteString("Reply directly with text for normal conversation. Use the message tool only to reach a different chat.\n")
	sb.WriteString("When you learn something worth remembering, write it to the memory file.")

	if sc != nil && sc.Channel != "" {
		fmt.Fprintf(&sb, "\n\n## Current Session\nChannel: %s\nChat ID: %s", sc.Channel, sc.ChatID)
	}

	for _, name := range BootstrapFiles {
		if content := b.readWorkspaceFile(name); content != "" {
			fmt.Fprintf(&sb, "\n\n---\n\n## %s\n\n%s", name, content)
		}
	}
	if memory := b.readWorkspaceFile(memoryFile); memory != "" {
		fmt.Fprintf(&sb, "\n\n---\n\n# Memory\n\n%s", memory)
	}
	return sb.String()
}

func (b *ContextBuilder) readWorkspaceFile(rel string) string {
	data, err := os.ReadFile(filepath.Join(b.workspace, rel))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// BuildMessages returns system prompt, history and the new user message.
func (b *ContextBuilder) BuildMessages(history []session.Message, content string, sc *SystemContext, media []string) []provider.Message {
	msgs := make([]provider.Message, 0, len(history)+2)
	msgs = append(msgs, provider.Message{Role: "system", Content: b.SystemPrompt(sc)})
	for _, h := range history {
		if h.Role != session.RoleUser && h.Role != session.RoleAssistant {
			continue
		}
		msgs = append(msgs, provider.Message{Role: string(h.Role), Content: h.Content})
	}
	msgs = append(msgs, provider.Message{Role: "user", Content: userContent(content, media)})
	return msgs
}

// userContent inlines images as base64 data URLs and lists other
// attachments by path.
func userContent(text string, media []string) any {
	if len(media) == 0 {
		return text
	}
	var (
		images []provider.ContentPart
		others []string
	)
	for _, path := range media {
		mimeType := mime.TypeByExtension(strings.ToLower(filepath.Ext(path)))
		if !strings.HasPrefix(mimeType, "image/") {
			others = append(others, path)
			continue
		}
		info, err := os.Stat(path)
		if err != nil || info.Size() > maxImageBytes {
			others = append(others, path)
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			others = append(others, path)
			continue
		}
		images = append(images, provider.ContentPart{
			Type: "image_url",
			ImageURL: &provider.ImageURL{
				URL: "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data),
			},
		})
	}

	if len(others) > 0 {
		text += "\n\n[Attached files]\n" + strings.Join(others, "\n")
	}
	if len(images) == 0 {
		return text
	}
	return append(images, provider.ContentPart{Type: "text", Text: text})
}

// AddAssistantMessage appends the model's tool-calling reply.
func AddAssistantMessage(msgs []provider.Message, content string, calls []provider.ToolCall) []provider.Message {
	return append(msgs, provider.Message{Role: "assistant", Content: content, ToolCalls: calls})
}

// AddToolResult appends one tool result.
func AddToolResult(msgs []provider.Message, callID, name, result string) []provider.Message {
	return append(msgs, provider.Message{Role: "tool", ToolCallID: callID, Name: name, Content: result})
}

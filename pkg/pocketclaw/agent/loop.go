package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/bus"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/provider"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/scheduler"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/session"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/tools"
)

const (
	// DefaultMaxToolIterations bounds model calls in one turn.
	DefaultMaxToolIterations = 20

	// FallbackResponse is the answer when the turn ends without text.
	FallbackResponse = "I've completed processing but have no response to give."

	// errorReplyPrefix starts the answer sent when the model call fails.
	errorReplyPrefix = "Sorry, I encountered an error: "

	// consumeWait bounds each inbound poll so Run notices cancellation.
	consumeWait = time.Second
)

// Config tunes the turn engine.
type Config struct {
	Model             string  `yaml:"model"`
	MaxTokens         int     `yaml:"max_tokens"`
	Temperature       float64 `yaml:"temperature"`
	MaxToolIterations int     `yaml:"max_tool_iterations"`
	HistoryLimit      int     `yaml:"history_limit"`
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		MaxTokens:         8192,
		Temperature:       0.7,
		MaxToolIterations: DefaultMaxToolIterations,
		HistoryLimit:      session.DefaultHistoryLimit,
	}
}

// Deps are the collaborators a Loop drives.
type Deps struct {
	Bus      *bus.MessageBus
	Provider provider.Provider
	Tools    *tools.Registry
	Sessions *session.Store
	Context  *ContextBuilder
}

// Loop consumes inbound messages and produces one reply per message.
type Loop struct {
	cfg      Config
	bus      *bus.MessageBus
	provider provider.Provider
	tools    *tools.Registry
	sessions *session.Store
	context  *ContextBuilder
	logger   *slog.Logger
}

// NewLoop wires a turn engine. Missing tools, sessions or context builder
// get empty in-memory defaults.
func NewLoop(cfg Config, deps Deps, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxToolIterations <= 0 {
		cfg.MaxToolIterations = DefaultMaxToolIterations
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = session.DefaultHistoryLimit
	}
	if cfg.Model == "" && deps.Provider != nil {
		cfg.Model = deps.Provider.DefaultModel()
	}
	if deps.Tools == nil {
		deps.Tools = tools.NewRegistry(logger)
	}
	if deps.Sessions == nil {
		deps.Sessions = session.NewStore(nil, logger)
	}
	if deps.Context == nil {
		deps.Context = NewContextBuilder(".", "")
	}
	return &Loop{
		cfg:      cfg,
		bus:      deps.Bus,
		provider: deps.Provider,
		tools:    deps.Tools,
		sessions: deps.Sessions,
		context:  deps.Context,
		logger:   logger.With("component", "agent"),
	}
}

// Tools exposes the registry so callers can register more tools.
func (l *Loop) Tools() *tools.Registry { return l.tools }

// Sessions exposes the session store.
func (l *Loop) Sessions() *session.Store { return l.sessions }

// Run consumes the inbound queue until ctx is done. Each message is
// processed to completion before the next is taken.
func (l *Loop) Run(ctx context.Context) error {
	if l.bus == nil {
		return errors.New("agent loop has no message bus")
	}
	l.logger.Info("agent loop started", "model", l.cfg.Model, "tools", len(l.tools.Names()))
	for {
		msg, ok := l.bus.ConsumeInbound(ctx, consumeWait)
		if !ok {
			if ctx.Err() != nil {
				l.logger.Info("agent loop stopped")
				return nil
			}
			continue
		}

		out, err := l.ProcessMessage(ctx, msg)
		if err != nil {
			l.logger.Error("failed to process message", "channel", msg.Channel, "chat_id", msg.ChatID, "error", err)
			continue
		}
		if out == nil {
			continue
		}
		if err := l.bus.PublishOutbound(*out); err != nil {
			l.logger.Error("failed to publish reply", "channel", out.Channel, "error", err)
		}
	}
}

// ProcessMessage runs one turn for msg and returns the reply to publish.
// System messages are answered in their origin conversation.
func (l *Loop) ProcessMessage(ctx context.Context, msg bus.InboundMessage) (*bus.OutboundMessage, error) {
	channel, chatID := msg.Target()
	source := ""
	if msg.IsSystem() {
		source = string(msg.SystemSource())
	}
	answer, err := l.process(ctx, turnInput{
		sessionKey: msg.SessionKey(),
		channel:    channel,
		chatID:     chatID,
		content:    msg.Content,
		media:      msg.Media,
		source:     source,
		commands:   !msg.IsSystem(),
	})
	if err != nil {
		return nil, err
	}
	return &bus.OutboundMessage{
		Channel:  channel,
		ChatID:   chatID,
		Content:  answer,
		ReplyTo:  msg.ReplyTo,
		Metadata: msg.Metadata,
	}, nil
}

// ProcessDirect runs a turn outside the bus in the CLI conversation (or
// sessionKey when given) and returns the answer.
func (l *Loop) ProcessDirect(ctx context.Context, content, sessionKey string) (string, error) {
	if sessionKey == "" {
		sessionKey = bus.SessionKey("cli", "direct")
	}
	channel, chatID := bus.ParseOrigin(sessionKey)
	return l.ProcessDirectTo(ctx, content, sessionKey, channel, chatID)
}

// ProcessDirectTo runs a turn outside the bus, recorded under sessionKey,
// with channel/chatID as the delivery target tools see.
func (l *Loop) ProcessDirectTo(ctx context.Context, content, sessionKey, channel, chatID string) (string, error) {
	return l.process(ctx, turnInput{
		sessionKey: sessionKey,
		channel:    channel,
		chatID:     chatID,
		content:    content,
		commands:   true,
	})
}

// RunJob is the scheduler's handler: one turn per firing under the job's
// own session.
func (l *Loop) RunJob(ctx context.Context, job *scheduler.Job) (string, error) {
	channel, chatID := job.Payload.Channel, job.Payload.To
	if channel == "" || chatID == "" {
		channel, chatID = "cli", "direct"
	}
	return l.process(ctx, turnInput{
		sessionKey: job.SessionKey(),
		channel:    channel,
		chatID:     chatID,
		content:    job.Payload.Message,
		source:     string(bus.SourceScheduler),
	})
}

// Heartbeat runs a heartbeat turn with no delivery target.
func (l *Loop) Heartbeat(ctx context.Context, prompt, sessionKey string) (string, error) {
	return l.HeartbeatTo("", "")(ctx, prompt, sessionKey)
}

// HeartbeatTo returns the heartbeat service's handler. Tools called during
// the turn see channel/chatID as the conversation, the same place the
// heartbeat delivers its report.
func (l *Loop) HeartbeatTo(channel, chatID string) func(ctx context.Context, prompt, sessionKey string) (string, error) {
	if channel == "" || chatID == "" {
		channel, chatID = "cli", "heartbeat"
	}
	return func(ctx context.Context, prompt, sessionKey string) (string, error) {
		return l.process(ctx, turnInput{
			sessionKey: sessionKey,
			channel:    channel,
			chatID:     chatID,
			content:    prompt,
			source:     string(bus.SourceHeartbeat),
		})
	}
}

type turnInput struct {
	sessionKey      string
	channel, chatID string
	content         string
	media           []string
	source          string
	commands        bool
}

// process is the turn: lock the session, answer commands or run the model,
// then record the user entry and the answer. The lock is held throughout so
// one session never has two turns in flight.
func (l *Loop) process(ctx context.Context, in turnInput) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	unlock := l.sessions.Lock(in.sessionKey)
	defer unlock()

	sess := l.sessions.GetOrCreate(in.sessionKey)
	preview := in.content
	if cut := tools.Truncate(preview, 80); cut != preview {
		preview = cut + "..."
	}
	l.logger.Info("processing message", "session", in.sessionKey, "source", in.source, "preview", preview)

	if in.commands {
		if reply, ok := l.handleCommand(sess, in.content); ok {
			return reply, nil
		}
	}

	content := in.content
	if in.source != "" {
		content = fmt.Sprintf("[System: %s] %s", in.source, in.content)
	}

	msgs := l.context.BuildMessages(
		sess.History(l.cfg.HistoryLimit),
		content,
		&SystemContext{Channel: in.channel, ChatID: in.chatID},
		in.media,
	)

	r := &runner{
		provider:    l.provider,
		tools:       l.tools,
		model:       l.cfg.Model,
		maxTokens:   l.cfg.MaxTokens,
		temperature: l.cfg.Temperature,
		maxIter:     l.cfg.MaxToolIterations,
		fallback:    FallbackResponse,
		logger:      l.logger,
	}
	turnCtx := tools.WithTurn(ctx, tools.Turn{Channel: in.channel, ChatID: in.chatID, SessionKey: in.sessionKey})

	start := time.Now()
	answer, records, err := r.run(turnCtx, msgs)
	if err != nil {
		l.logger.Error("model call failed", "session", in.sessionKey, "error", err)
		answer = errorReplyPrefix + err.Error()
	}

	sess.AddMessage(session.Message{Role: session.RoleUser, Content: content, Source: in.source})
	sess.AddMessage(session.Message{Role: session.RoleAssistant, Content: answer, ToolCalls: records})
	if err := l.sessions.Save(sess); err != nil {
		l.logger.Error("failed to save session", "session", in.sessionKey, "error", err)
	}

	l.logger.Info("turn completed",
		"session", in.sessionKey,
		"tool_calls", len(records),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return answer, nil
}

// handleCommand answers slash commands without calling the model.
func (l *Loop) handleCommand(sess *session.Session, content string) (string, bool) {
	fields := strings.Fields(strings.TrimSpace(content))
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return "", false
	}
	switch strings.ToLower(fields[0]) {
	case "/new":
		sess.Clear()
		if err := l.sessions.Save(sess); err != nil {
			l.logger.Error("failed to save cleared session", "session", sess.Key, "error", err)
		}
		return "New session started.", true
	case "/help":
		return "Commands:\n/new - Start a new conversation\n/help - Show available commands", true
	}
	return "", false
}

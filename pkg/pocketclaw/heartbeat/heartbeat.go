// Package heartbeat wakes the agent periodically to review HEARTBEAT.md and
// act on anything it lists. Quiet ticks cost nothing: a file with no
// actionable lines is skipped before the model is called.
package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/bus"
)

const (
	// FileName is read from the workspace root on every tick.
	FileName = "HEARTBEAT.md"

	// SessionKey records every heartbeat turn in one conversation.
	SessionKey = "heartbeat:main"

	// OKToken is the reply that means "nothing to report".
	OKToken = "HEARTBEAT_OK"

	// DefaultInterval between ticks.
	DefaultInterval = 30 * time.Minute
)

// Prompt is sent to the agent when HEARTBEAT.md has work in it.
const Prompt = "Read HEARTBEAT.md in your workspace (if it exists).\n" +
	"Follow any instructions or tasks listed there.\n" +
	"If nothing needs attention, reply with just: " + OKToken

// Config configures the heartbeat.
type Config struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`

	// ActiveStart and ActiveEnd bound the local hours ticks run in
	// ([start, end)). Equal values mean always active.
	ActiveStart int `yaml:"active_start"`
	ActiveEnd   int `yaml:"active_end"`

	// Channel and ChatID receive anything the agent reports.
	Channel string `yaml:"channel"`
	ChatID  string `yaml:"chat_id"`
}

// DefaultConfig returns an enabled heartbeat that runs around the clock.
// Ticks cost nothing while HEARTBEAT.md has no actionable content.
func DefaultConfig() Config {
	return Config{Enabled: true, Interval: DefaultInterval}
}

// Handler runs one agent turn and returns its reply.
type Handler func(ctx context.Context, prompt, sessionKey string) (string, error)

// Publisher delivers reports; *bus.MessageBus implements it.
type Publisher interface {
	PublishOutbound(msg bus.OutboundMessage) error
}

// Service runs the heartbeat loop.
type Service struct {
	cfg       Config
	workspace string
	handler   Handler
	publisher Publisher
	logger    *slog.Logger
	now       func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a heartbeat for the given workspace.
func New(cfg Config, workspace string, handler Handler, publisher Publisher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	return &Service{
		cfg:       cfg,
		workspace: workspace,
		handler:   handler,
		publisher: publisher,
		logger:    logger.With("component", "heartbeat"),
		now:       time.Now,
	}
}

// Start begins ticking in the background. A disabled heartbeat is a no-op.
func (s *Service) Start(ctx context.Context) {
	if !s.cfg.Enabled {
		s.logger.Info("heartbeat disabled")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	hbCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop(hbCtx)
	}()

	s.logger.Info("heartbeat started",
		"interval", s.cfg.Interval.String(),
		"active_hours", fmt.Sprintf("%02d:00-%02d:00", s.cfg.ActiveStart, s.cfg.ActiveEnd),
		"channel", s.cfg.Channel,
	)
}

// Stop ends the loop and waits for an in-flight tick.
func (s *Service) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		s.wg.Wait()
		s.logger.Info("heartbeat stopped")
	}
}

func (s *Service) loop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.active(s.now()) {
				s.logger.Debug("outside active hours, skipping")
				continue
			}
			if _, err := s.TriggerNow(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("heartbeat tick failed", "error", err)
			}
		}
	}
}

func (s *Service) active(now time.Time) bool {
	start, end := s.cfg.ActiveStart, s.cfg.ActiveEnd
	if start == end {
		return true
	}
	h := now.Hour()
	if start < end {
		return h >= start && h < end
	}
	// Window wraps midnight, e.g. 22 to 6.
	return h >= start || h < end
}

// TriggerNow runs one heartbeat immediately, ignoring active hours. It
// returns the agent's reply, or "" when HEARTBEAT.md had nothing to act on.
func (s *Service) TriggerNow(ctx context.Context) (string, error) {
	content, err := os.ReadFile(filepath.Join(s.workspace, FileName))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("reading %s: %w", FileName, err)
	}
	if !HasActionableContent(string(content)) {
		s.logger.Debug("no actionable heartbeat content")
		return "", nil
	}
	if s.handler == nil {
		return "", fmt.Errorf("no heartbeat handler configured")
	}

	s.logger.Info("heartbeat tick")
	reply, err := s.handler(ctx, Prompt, SessionKey)
	if err != nil {
		return "", fmt.Errorf("heartbeat turn: %w", err)
	}

	if IsOK(reply) {
		s.logger.Debug("heartbeat: nothing to deliver")
		return reply, nil
	}
	if s.cfg.Channel == "" || s.cfg.ChatID == "" || s.publisher == nil {
		s.logger.Info("heartbeat produced a report but has no delivery target", "reply_len", len(reply))
		return reply, nil
	}
	if err := s.publisher.PublishOutbound(bus.OutboundMessage{
		Channel: s.cfg.Channel,
		ChatID:  s.cfg.ChatID,
		Content: reply,
	}); err != nil {
		return reply, fmt.Errorf("delivering heartbeat report: %w", err)
	}
	s.logger.Info("heartbeat report delivered", "channel", s.cfg.Channel, "reply_len", len(reply))
	return reply, nil
}

// IsOK reports whether a reply means "nothing to report". The token may be
// surrounded by whitespace or markdown emphasis.
func IsOK(reply string) bool {
	trimmed := strings.Trim(strings.TrimSpace(reply), "*_`")
	return trimmed == "" || strings.EqualFold(trimmed, OKToken)
}

// HasActionableContent reports whether the file has anything besides
// headings, blank lines, HTML comments and empty checklist items.
func HasActionableContent(content string) bool {
	inComment := false
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if inComment {
			if strings.Contains(line, "-->") {
				inComment = false
			}
			continue
		}
		switch {
		case line == "",
			strings.HasPrefix(line, "#"),
			line == "- [ ]", line == "* [ ]",
			line == "- [x]", line == "* [x]":
			continue
		case strings.HasPrefix(line, "<!--"):
			if !strings.Contains(line, "-->") {
				inComment = true
			}
			continue
		}
		return true
	}
	return false
}

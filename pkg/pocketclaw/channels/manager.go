package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/bus"
)

// dispatchWait bounds each outbound poll so the dispatcher notices shutdown.
const dispatchWait = time.Second

// OutboundSource is the reply queue the dispatcher drains; *bus.MessageBus
// implements it.
type OutboundSource interface {
	ConsumeOutbound(ctx context.Context, timeout time.Duration) (bus.OutboundMessage, bool)
}

// Status describes one registered channel.
type Status struct {
	Name    string `json:"name"`
	Running bool   `json:"running"`
}

// Manager owns the enabled adapters and the outbound dispatcher.
type Manager struct {
	source OutboundSource
	logger *slog.Logger

	mu       sync.RWMutex
	channels map[string]Channel

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a manager that delivers replies from source.
func NewManager(source OutboundSource, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		source:   source,
		logger:   logger.With("component", "channels"),
		channels: make(map[string]Channel),
	}
}

// Register adds an adapter. Names must be unique.
func (m *Manager) Register(ch Channel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	name := ch.Name()
	if _, exists := m.channels[name]; exists {
		return fmt.Errorf("channel %q already registered", name)
	}
	m.channels[name] = ch
	m.logger.Info("channel registered", "channel", name)
	return nil
}

// Get returns an adapter by name.
func (m *Manager) Get(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[name]
	return ch, ok
}

// Names returns registered channel names, sorted.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// StartAll starts every adapter and the outbound dispatcher. Adapters that
// fail to start are logged and skipped; it is an error only when channels
// are registered and none started.
func (m *Manager) StartAll(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.dispatch(ctx)
	}()

	names := m.Names()
	if len(names) == 0 {
		m.logger.Warn("no channels enabled")
		return nil
	}

	started := 0
	for _, name := range names {
		ch, _ := m.Get(name)
		if err := ch.Start(ctx); err != nil {
			m.logger.Error("failed to start channel", "channel", name, "error", err)
			continue
		}
		started++
		m.logger.Info("channel started", "channel", name)
	}
	if started == 0 {
		return fmt.Errorf("no channel started (%d registered)", len(names))
	}
	return nil
}

// StopAll stops the dispatcher, then every adapter.
func (m *Manager) StopAll() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()

	for _, name := range m.Names() {
		ch, _ := m.Get(name)
		if err := ch.Stop(); err != nil {
			m.logger.Error("failed to stop channel", "channel", name, "error", err)
		}
	}
	m.logger.Info("channels stopped")
}

// Send delivers msg through its channel.
func (m *Manager) Send(ctx context.Context, msg bus.OutboundMessage) error {
	ch, ok := m.Get(msg.Channel)
	if !ok {
		return fmt.Errorf("%w: %s", ErrChannelNotFound, msg.Channel)
	}
	if !ch.IsRunning() {
		return fmt.Errorf("%w: %s", ErrNotRunning, msg.Channel)
	}
	return ch.Send(ctx, msg)
}

// Status reports every registered channel, sorted by name.
func (m *Manager) Status() []Status {
	names := m.Names()
	out := make([]Status, 0, len(names))
	for _, name := range names {
		ch, _ := m.Get(name)
		out = append(out, Status{Name: name, Running: ch.IsRunning()})
	}
	return out
}

// dispatch drains the outbound queue until ctx is done. Delivery failures
// are logged and the message dropped.
func (m *Manager) dispatch(ctx context.Context) {
	for {
		msg, ok := m.source.ConsumeOutbound(ctx, dispatchWait)
		if !ok {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		if err := m.Send(ctx, msg); err != nil {
			m.logger.Error("failed to deliver reply", "channel", msg.Channel, "chat_id", msg.ChatID, "error", err)
		}
	}
}

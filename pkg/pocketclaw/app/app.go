// Package app assembles pocketclaw from a Config: message bus, database,
// sessions, tools, provider, agent loop, subagents, scheduler, heartbeat
// and chat channels. It owns startup order and graceful shutdown.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/agent"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/bus"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/channels"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/channels/cli"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/channels/discord"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/channels/telegram"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/channels/web"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/channels/whatsapp"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/config"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/database"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/heartbeat"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/provider"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/scheduler"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/session"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/tools"
)

// ShutdownTimeout bounds how long Run waits for subsystems to stop.
const ShutdownTimeout = 10 * time.Second

// Option customizes New.
type Option func(*options)

type options struct {
	provider       provider.Provider
	channels       []channels.Channel
	onQR           whatsapp.QRHandler
	skipConfigured bool
	termIn         io.Reader
	termOut        io.Writer
}

// WithProvider replaces the OpenAI-compatible client built from the config.
func WithProvider(p provider.Provider) Option {
	return func(o *options) { o.provider = p }
}

// WithChannels registers extra channels alongside the configured ones.
func WithChannels(chs ...channels.Channel) Option {
	return func(o *options) { o.channels = append(o.channels, chs...) }
}

// WithoutConfiguredChannels skips the channels enabled in the config.
func WithoutConfiguredChannels() Option {
	return func(o *options) { o.skipConfigured = true }
}

// WithTerminal adds the "cli" channel reading lines from in and writing
// replies to out.
func WithTerminal(in io.Reader, out io.Writer) Option {
	return func(o *options) { o.termIn, o.termOut = in, out }
}

// WithQRHandler receives WhatsApp pairing codes.
func WithQRHandler(h whatsapp.QRHandler) Option {
	return func(o *options) { o.onQR = h }
}

// App is a fully wired pocketclaw instance.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	bus       *bus.MessageBus
	db        *sql.DB
	sessions  *session.Store
	tools     *tools.Registry
	provider  provider.Provider
	loop      *agent.Loop
	subagents *agent.SubagentManager
	scheduler *scheduler.Service
	heartbeat *heartbeat.Service
	channels  *channels.Manager
}

// New builds every component but starts nothing. Close (or Run) releases
// the database.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*App, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	workspace := cfg.Agent.Workspace
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return nil, fmt.Errorf("creating workspace: %w", err)
	}

	db, err := database.Open(cfg.Database.Path)
	if err != nil {
		return nil, err
	}

	a := &App{
		cfg:    cfg,
		logger: logger,
		bus:    bus.NewWithOptions(cfg.Bus, logger),
		db:     db,
	}

	if err := a.buildSessions(); err != nil {
		db.Close()
		return nil, err
	}

	a.provider = o.provider
	if a.provider == nil {
		a.provider = provider.NewOpenAI(cfg.Provider, logger)
	}

	if err := a.buildTools(); err != nil {
		db.Close()
		return nil, err
	}

	loopCfg := cfg.Agent.Config
	if loopCfg.Model == "" {
		loopCfg.Model = cfg.Provider.Model
	}
	a.loop = agent.NewLoop(loopCfg, agent.Deps{
		Bus:      a.bus,
		Provider: a.provider,
		Tools:    a.tools,
		Sessions: a.sessions,
		Context:  agent.NewContextBuilder(workspace, cfg.Agent.Name),
	}, logger)

	subCfg := cfg.Subagents.Inherit(loopCfg)
	a.subagents = agent.NewSubagentManager(subCfg, a.provider, a.tools, a.bus, workspace, logger)
	a.subagents.SetDB(db)
	a.tools.MustRegister(tools.NewSpawnTool(a.subagents))

	schedOpts := []scheduler.Option{}
	if cfg.Scheduler.Tick > 0 {
		schedOpts = append(schedOpts, scheduler.WithTick(cfg.Scheduler.Tick))
	}
	a.scheduler = scheduler.NewService(
		scheduler.NewFileStore(cfg.Scheduler.StorePath, logger),
		a.loop.RunJob, a.bus, logger, schedOpts...,
	)
	a.tools.MustRegister(tools.NewCronTool(a.scheduler))

	a.heartbeat = heartbeat.New(cfg.Heartbeat, workspace, a.loop.HeartbeatTo(cfg.Heartbeat.Channel, cfg.Heartbeat.ChatID), a.bus, logger)

	a.channels = channels.NewManager(a.bus, logger)
	if !o.skipConfigured {
		for _, ch := range a.configuredChannels(o.onQR) {
			if err := a.channels.Register(ch); err != nil {
				db.Close()
				return nil, err
			}
		}
	}
	extra := o.channels
	if o.termIn != nil {
		extra = append(extra, cli.New(o.termIn, o.termOut, a.bus, logger))
	}
	for _, ch := range extra {
		if err := a.channels.Register(ch); err != nil {
			db.Close()
			return nil, err
		}
	}

	return a, nil
}

func (a *App) buildSessions() error {
	var p session.Persister
	switch a.cfg.Sessions.Backend {
	case "sqlite":
		p = session.NewSQLitePersister(a.db, a.logger)
	case "", "file":
		fp, err := session.NewFilePersister(a.cfg.Sessions.Dir, a.logger)
		if err != nil {
			return fmt.Errorf("opening session dir: %w", err)
		}
		p = fp
	default:
		return fmt.Errorf("unknown session backend %q", a.cfg.Sessions.Backend)
	}
	a.sessions = session.NewStore(p, a.logger)
	return nil
}

func (a *App) buildTools() error {
	tc := a.cfg.Tools
	opts := []tools.Option{tools.WithGate(tools.NewGate())}
	if tc.TimeoutSeconds > 0 {
		opts = append(opts, tools.WithTimeout(time.Duration(tc.TimeoutSeconds)*time.Second))
	}
	if tc.Audit {
		opts = append(opts, tools.WithAuditor(tools.NewSQLiteAuditor(a.db, a.logger)))
	}
	a.tools = tools.NewRegistry(a.logger, opts...)

	ws := tools.Workspace{Dir: a.cfg.Agent.Workspace, Restrict: tc.RestrictToWorkspace}
	tools.RegisterFilesystem(a.tools, ws)

	execTool, err := tools.NewExecTool(ws, tools.ExecConfig{
		Timeout:      time.Duration(tc.Exec.TimeoutSeconds) * time.Second,
		DenyPatterns: tc.Exec.DenyPatterns,
	})
	if err != nil {
		return fmt.Errorf("configuring exec tool: %w", err)
	}
	a.tools.MustRegister(execTool)
	a.tools.MustRegister(tools.NewWebFetchTool())
	a.tools.MustRegister(tools.NewMessageTool(a.bus))
	return nil
}

func (a *App) configuredChannels(onQR whatsapp.QRHandler) []channels.Channel {
	cc := a.cfg.Channels
	var out []channels.Channel
	if cc.Telegram.Enabled {
		out = append(out, telegram.New(cc.Telegram, a.bus, a.logger))
	}
	if cc.Discord.Enabled {
		out = append(out, discord.New(cc.Discord, a.bus, a.logger))
	}
	if cc.WhatsApp.Enabled {
		out = append(out, whatsapp.New(cc.WhatsApp, a.bus, onQR, a.logger))
	}
	if cc.Web.Enabled {
		out = append(out, web.New(cc.Web, a.bus, a.logger))
	}
	return out
}

// Bus returns the message bus.
func (a *App) Bus() *bus.MessageBus { return a.bus }

// DB returns the central database.
func (a *App) DB() *sql.DB { return a.db }

// Loop returns the agent loop.
func (a *App) Loop() *agent.Loop { return a.loop }

// Sessions returns the session store.
func (a *App) Sessions() *session.Store { return a.sessions }

// Tools returns the main tool registry.
func (a *App) Tools() *tools.Registry { return a.tools }

// Subagents returns the subagent manager.
func (a *App) Subagents() *agent.SubagentManager { return a.subagents }

// Scheduler returns the job scheduler.
func (a *App) Scheduler() *scheduler.Service { return a.scheduler }

// Heartbeat returns the heartbeat service.
func (a *App) Heartbeat() *heartbeat.Service { return a.heartbeat }

// Channels returns the channel manager.
func (a *App) Channels() *channels.Manager { return a.channels }

// Run starts every subsystem and processes messages until ctx is done,
// then shuts down in reverse order and releases the database.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if err := a.channels.StartAll(gctx); err != nil {
		a.channels.StopAll()
		a.Close()
		return fmt.Errorf("starting channels: %w", err)
	}
	if a.cfg.Scheduler.Enabled {
		if err := a.scheduler.Start(gctx); err != nil {
			a.logger.Error("failed to start scheduler", "error", err)
		}
	}
	a.heartbeat.Start(gctx)

	g.Go(func() error { return a.loop.Run(gctx) })

	a.logger.Info("pocketclaw running",
		"name", a.cfg.Agent.Name,
		"workspace", a.cfg.Agent.Workspace,
		"channels", a.channels.Names(),
	)

	err := g.Wait()
	a.shutdown()
	return err
}

// shutdown stops producers before consumers, bounded by ShutdownTimeout.
func (a *App) shutdown() {
	a.logger.Info("shutting down")
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.subagents.CancelAll()
		waitCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		if err := a.subagents.Wait(waitCtx); err != nil {
			a.logger.Warn("subagents still running at shutdown", "error", err)
		}
		cancel()
		a.heartbeat.Stop()
		a.scheduler.Stop()
		a.channels.StopAll()
	}()

	select {
	case <-done:
		a.logger.Info("shutdown complete")
	case <-time.After(ShutdownTimeout):
		a.logger.Warn("shutdown timed out, forcing exit", "timeout", ShutdownTimeout)
	}
	a.Close()
}

// Close releases the bus and database. It does not stop running services;
// use it for one-shot commands that never called Run.
func (a *App) Close() error {
	a.bus.Close()
	if a.db == nil {
		return nil
	}
	err := a.db.Close()
	a.db = nil
	if err != nil && !errors.Is(err, sql.ErrConnDone) {
		return err
	}
	return nil
}

// Package config loads pocketclaw's YAML configuration. Values may reference
// environment variables (${VAR}, ${VAR:-default}, ${VAR:?message}); .env and
// .env.local are loaded first. Secrets are resolved separately through the
// vault, the OS keyring and the environment (see ResolveAPIKey).
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/agent"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/bus"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/channels/discord"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/channels/telegram"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/channels/web"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/channels/whatsapp"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/heartbeat"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/provider"
)

// Config is the root of config.yaml.
type Config struct {
	Agent     AgentConfig          `yaml:"agent"`
	Provider  provider.Config      `yaml:"provider"`
	Bus       bus.Options          `yaml:"bus"`
	Sessions  SessionsConfig       `yaml:"sessions"`
	Tools     ToolsConfig          `yaml:"tools"`
	Subagents agent.SubagentConfig `yaml:"subagents"`
	Scheduler SchedulerConfig      `yaml:"scheduler"`
	Heartbeat heartbeat.Config     `yaml:"heartbeat"`
	Channels  ChannelsConfig       `yaml:"channels"`
	Database  DatabaseConfig       `yaml:"database"`
	Logging   LoggingConfig        `yaml:"logging"`
}

// AgentConfig configures the turn engine and its workspace.
type AgentConfig struct {
	Name      string `yaml:"name"`
	Workspace string `yaml:"workspace"`

	agent.Config `yaml:",inline"`
}

// SessionsConfig selects where transcripts are stored.
type SessionsConfig struct {
	// Backend is "file" (one JSONL file per session) or "sqlite".
	Backend string `yaml:"backend"`
	Dir     string `yaml:"dir"`
}

// ToolsConfig configures the built-in tools.
type ToolsConfig struct {
	// TimeoutSeconds bounds any single tool call.
	TimeoutSeconds int `yaml:"timeout_seconds"`

	// RestrictToWorkspace confines file tools and exec to the workspace.
	RestrictToWorkspace bool `yaml:"restrict_to_workspace"`

	Exec ExecConfig `yaml:"exec"`

	// Audit records every tool call in the database.
	Audit bool `yaml:"audit"`
}

// ExecConfig configures the shell tool.
type ExecConfig struct {
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	DenyPatterns   []string `yaml:"deny_patterns"`
}

// SchedulerConfig configures the job scheduler.
type SchedulerConfig struct {
	Enabled   bool          `yaml:"enabled"`
	StorePath string        `yaml:"store_path"`
	Tick      time.Duration `yaml:"tick"`
}

// ChannelsConfig holds one section per chat platform.
type ChannelsConfig struct {
	Telegram telegram.Config `yaml:"telegram"`
	Discord  discord.Config  `yaml:"discord"`
	WhatsApp whatsapp.Config `yaml:"whatsapp"`
	Web      web.Config      `yaml:"web"`
}

// DatabaseConfig locates the central SQLite database.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig configures slog output.
type LoggingConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`

	// Format is "text" or "json".
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file overrides a value.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			Name:      "pocketclaw",
			Workspace: "./workspace",
			Config:    agent.DefaultConfig(),
		},
		Provider: provider.Config{
			BaseURL: "https://api.openai.com/v1",
			Model:   "gpt-4o-mini",
		},
		Sessions: SessionsConfig{Backend: "file", Dir: "./data/sessions"},
		Tools: ToolsConfig{
			TimeoutSeconds:      60,
			RestrictToWorkspace: true,
			Exec:                ExecConfig{TimeoutSeconds: 60},
			Audit:               true,
		},
		Subagents: agent.DefaultSubagentConfig(),
		Scheduler: SchedulerConfig{
			Enabled:   true,
			StorePath: "./data/cron/jobs.json",
			Tick:      time.Second,
		},
		Heartbeat: heartbeat.DefaultConfig(),
		Channels: ChannelsConfig{
			Telegram: telegram.DefaultConfig(),
			WhatsApp: whatsapp.DefaultConfig(),
			Web:      web.DefaultConfig(),
		},
		Database: DatabaseConfig{Path: "./data/pocketclaw.db"},
		Logging:  LoggingConfig{Level: "info", Format: "text"},
	}
}

// Validate reports configuration errors that would make startup fail.
func (c *Config) Validate() error {
	var errs []error
	if c.Agent.Workspace == "" {
		errs = append(errs, errors.New("agent.workspace is required"))
	}
	if c.Agent.MaxToolIterations < 1 {
		errs = append(errs, fmt.Errorf("agent.max_tool_iterations must be >= 1, got %d", c.Agent.MaxToolIterations))
	}
	switch c.Sessions.Backend {
	case "file", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("sessions.backend must be file or sqlite, got %q", c.Sessions.Backend))
	}
	switch c.Bus.Overflow {
	case "", bus.OverflowReject, bus.OverflowDropOldest:
	default:
		errs = append(errs, fmt.Errorf("bus.overflow must be reject or drop_oldest, got %q", c.Bus.Overflow))
	}
	if c.Bus.MaxDepth < 0 {
		errs = append(errs, errors.New("bus.max_depth must be >= 0"))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format))
	}
	if c.Heartbeat.Enabled && c.Heartbeat.Interval <= 0 {
		errs = append(errs, fmt.Errorf("heartbeat.interval must be positive, got %s", c.Heartbeat.Interval))
	}
	if c.Channels.Telegram.Enabled && c.Channels.Telegram.Token == "" {
		errs = append(errs, errors.New("channels.telegram.token is required when telegram is enabled"))
	}
	if c.Channels.Discord.Enabled && c.Channels.Discord.Token == "" {
		errs = append(errs, errors.New("channels.discord.token is required when discord is enabled"))
	}
	return errors.Join(errs...)
}

// Load reads path, expands environment references and overlays the result
// on Default.
func Load(path string) (*Config, error) {
	loadEnvFiles()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	expanded, err := ExpandEnv(string(data))
	if err != nil {
		return nil, fmt.Errorf("expanding %s: %w", path, err)
	}
	return Parse([]byte(expanded))
}

// LoadOrDefault loads path, or the first file FindConfigFile discovers, or
// returns Default when there is none. The second result is the file used.
func LoadOrDefault(path string) (*Config, string, error) {
	if path == "" {
		path = FindConfigFile()
	}
	if path == "" {
		loadEnvFiles()
		return Default(), "", nil
	}
	cfg, err := Load(path)
	return cfg, path, err
}

// Parse decodes YAML over the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	return cfg, nil
}

// Save writes cfg as YAML with owner-only permissions. An existing file is
// kept as path+".bak". API keys are never written.
func Save(cfg *Config, path string) error {
	clean := *cfg
	clean.Provider.APIKey = ""

	data, err := yaml.Marshal(&clean)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating config dir: %w", err)
		}
	}
	if old, err := os.ReadFile(path); err == nil {
		if err := os.WriteFile(path+".bak", old, 0o600); err != nil {
			return fmt.Errorf("writing backup: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// FindConfigFile returns the first existing standard config location, or "".
func FindConfigFile() string {
	candidates := []string{"config.yaml", "config.yml", "pocketclaw.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".pocketclaw", "config.yaml"))
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// loadEnvFiles loads .env and .env.local; existing variables win.
func loadEnvFiles() {
	for _, f := range []string{".env", ".env.local"} {
		_ = godotenv.Load(f)
	}
}

// envVarPattern matches ${VAR}, ${VAR:-default} and ${VAR:?message}.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::([-?])([^}]*))?\}`)

// ExpandEnv replaces environment references in s. Unset variables without
// a default are left as written so they stay visible in the output;
// ${VAR:?message} fails instead.
func ExpandEnv(s string) (string, error) {
	var missing []string
	out := envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		m := envVarPattern.FindStringSubmatch(match)
		name, op, arg := m[1], m[2], m[3]
		val, ok := os.LookupEnv(name)
		if ok && val != "" {
			return val
		}
		switch op {
		case "-":
			return arg
		case "?":
			msg := arg
			if msg == "" {
				msg = "is required"
			}
			missing = append(missing, name+": "+msg)
			return ""
		}
		if ok {
			return val
		}
		return match
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("missing environment variables: %s", strings.Join(missing, "; "))
	}
	return out, nil
}

// IsEnvReference reports whether s is still an unexpanded ${VAR}.
func IsEnvReference(s string) bool {
	return strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}")
}

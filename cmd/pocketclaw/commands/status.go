package commands

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/app"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/config"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/database"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/tools"
)

// newStatusCmd creates `pocketclaw status`, a summary of configuration and
// stored state.
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show configuration and stored state",
		Args:  cobra.NoArgs,
		RunE:  runStatus,
	}
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cfg, used, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cmd, cfg, quietLogOutput(cmd))
	_, keySource := config.ResolveAPIKey(cfg, config.VaultFile, logger)

	a, err := app.New(cfg, logger, app.WithoutConfiguredChannels())
	if err != nil {
		return err
	}
	defer a.Close()

	if used == "" {
		used = "(defaults, no config file found)"
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	row := func(k string, v any) { fmt.Fprintf(w, "%s\t%v\n", k, v) }

	row("Config", used)
	row("Workspace", cfg.Agent.Workspace)
	row("Model", fmt.Sprintf("%s @ %s", cfg.Provider.Model, cfg.Provider.BaseURL))
	row("API key", keySource)

	var enabled []string
	if cfg.Channels.Telegram.Enabled {
		enabled = append(enabled, "telegram")
	}
	if cfg.Channels.Discord.Enabled {
		enabled = append(enabled, "discord")
	}
	if cfg.Channels.WhatsApp.Enabled {
		enabled = append(enabled, "whatsapp")
	}
	if cfg.Channels.Web.Enabled {
		enabled = append(enabled, "web ("+cfg.Channels.Web.Addr+")")
	}
	if len(enabled) == 0 {
		row("Channels", "none")
	} else {
		row("Channels", enabled)
	}

	if infos, err := a.Sessions().List(); err == nil {
		row("Sessions", fmt.Sprintf("%d (%s backend)", len(infos), cfg.Sessions.Backend))
	} else {
		row("Sessions", "error: "+err.Error())
	}

	st := a.Scheduler().Status()
	jobs := fmt.Sprintf("%d (%d enabled)", st.Jobs, st.Enabled)
	if !st.NextWakeAt.IsZero() {
		jobs += ", next " + st.NextWakeAt.Format(time.DateTime)
	}
	row("Jobs", jobs)

	hb := "disabled"
	if cfg.Heartbeat.Enabled {
		hb = "every " + cfg.Heartbeat.Interval.String()
	}
	row("Heartbeat", hb)

	if v, err := database.CurrentVersion(a.DB()); err == nil {
		row("Database", fmt.Sprintf("%s (schema v%d)", cfg.Database.Path, v))
	}
	if recent, err := tools.NewSQLiteAuditor(a.DB(), logger).Recent(context.Background(), 5); err == nil && len(recent) > 0 {
		names := make([]string, 0, len(recent))
		for _, e := range recent {
			names = append(names, e.Tool)
		}
		row("Recent tools", names)
	}
	return w.Flush()
}

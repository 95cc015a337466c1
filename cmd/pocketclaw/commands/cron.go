package commands

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/app"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/scheduler"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/session"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/tools"
)

// newCronCmd creates `pocketclaw cron` for managing scheduled jobs.
func newCronCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "cron",
		Aliases: []string{"schedule"},
		Short:   "Manage scheduled jobs",
		Long: `Manage jobs that run an agent turn on a schedule. Jobs are stored in
scheduler.store_path. A running server keeps its own copy of the job list,
so stop it before editing jobs here (or ask the assistant to do it).

Examples:
  pocketclaw cron list
  pocketclaw cron add "every 30 minutes" "Check disk usage"
  pocketclaw cron add "0 9 * * 1-5" "Send me a briefing" --deliver --channel telegram --to 42
  pocketclaw cron add "in 2 hours" "Remind me to call Ana" --deliver --channel whatsapp --to 5511999998888
  pocketclaw cron run <id>`,
	}
	cmd.AddCommand(
		newCronListCmd(),
		newCronAddCmd(),
		newCronRemoveCmd(),
		newCronEnableCmd(true),
		newCronEnableCmd(false),
		newCronRunCmd(),
	)
	return cmd
}

// withApp builds a channel-less App for one-shot commands and closes it.
func withApp(cmd *cobra.Command, fn func(a *app.App) error) error {
	a, _, _, err := buildApp(cmd, quietLogOutput(cmd), app.WithoutConfiguredChannels())
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func newCronListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List scheduled jobs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			all, _ := cmd.Flags().GetBool("all")
			return withApp(cmd, func(a *app.App) error {
				jobs := a.Scheduler().ListJobs(all)
				if len(jobs) == 0 {
					fmt.Println("No scheduled jobs.")
					return nil
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tNAME\tSCHEDULE\tENABLED\tNEXT RUN\tLAST")
				for _, j := range jobs {
					next := "-"
					if t := j.NextRun(); !t.IsZero() {
						next = t.Format(time.DateTime)
					}
					last := j.State.LastStatus
					if last == "" {
						last = "-"
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%s\t%s\n",
						j.ID, j.Name, j.Schedule.Describe(), j.Enabled, next, last)
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().BoolP("all", "a", false, "include disabled jobs")
	return cmd
}

func newCronAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add <schedule> <message>",
		Short: "Add a job",
		Long: `Add a job. The schedule accepts "every 10 minutes", "daily at 9am",
"weekly on monday at 14:30", "in 2 hours", an RFC 3339 time or a cron
expression such as "0 9 * * 1-5".`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sched, oneShot, err := scheduler.ParseSchedule(args[0], time.Now())
			if err != nil {
				return err
			}
			if tz, _ := cmd.Flags().GetString("tz"); tz != "" {
				sched.TZ = tz
			}
			name, _ := cmd.Flags().GetString("name")
			if name == "" {
				name = tools.Truncate(args[1], 30)
			}
			deliver, _ := cmd.Flags().GetBool("deliver")
			channel, _ := cmd.Flags().GetString("channel")
			to, _ := cmd.Flags().GetString("to")
			if deliver && (channel == "" || to == "") {
				return fmt.Errorf("--deliver needs --channel and --to")
			}
			keep, _ := cmd.Flags().GetBool("keep")

			return withApp(cmd, func(a *app.App) error {
				job, err := a.Scheduler().AddJob(name, sched, scheduler.Payload{
					Kind:    scheduler.PayloadAgentTurn,
					Message: args[1],
					Deliver: deliver,
					Channel: channel,
					To:      to,
				}, oneShot && !keep)
				if err != nil {
					return err
				}
				fmt.Printf("Job %s added (%s), next run %s.\n",
					job.ID, job.Schedule.Describe(), job.NextRun().Format(time.DateTime))
				return nil
			})
		},
	}
	cmd.Flags().String("name", "", "job name (default: start of the message)")
	cmd.Flags().String("tz", "", "IANA time zone for cron expressions")
	cmd.Flags().Bool("deliver", false, "send the answer to --channel/--to")
	cmd.Flags().String("channel", "", "delivery channel (telegram, discord, whatsapp, web)")
	cmd.Flags().String("to", "", "delivery chat id")
	cmd.Flags().Bool("keep", false, "keep one-shot jobs after they run (disabled)")
	return cmd
}

func newCronRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "remove <id>",
		Aliases: []string{"rm"},
		Short:   "Remove a job",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(a *app.App) error {
				if !a.Scheduler().RemoveJob(args[0]) {
					return fmt.Errorf("job %q not found", args[0])
				}
				fmt.Printf("Job %s removed.\n", args[0])
				return nil
			})
		},
	}
}

func newCronEnableCmd(enable bool) *cobra.Command {
	use, short := "enable <id>", "Enable a job"
	if !enable {
		use, short = "disable <id>", "Disable a job"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(a *app.App) error {
				job, err := a.Scheduler().EnableJob(args[0], enable)
				if err != nil {
					return err
				}
				state := "disabled"
				if job.Enabled {
					state = "enabled, next run " + job.NextRun().Format(time.DateTime)
				}
				fmt.Printf("Job %s %s.\n", job.ID, state)
				return nil
			})
		},
	}
}

func newCronRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <id>",
		Short: "Run a job now and print the answer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			force, _ := cmd.Flags().GetBool("force")
			return withApp(cmd, func(a *app.App) error {
				ran, err := a.Scheduler().RunJob(context.Background(), args[0], force)
				if err != nil {
					return err
				}
				if !ran {
					return fmt.Errorf("job %s is disabled (use --force)", args[0])
				}
				if job, ok := a.Scheduler().GetJob(args[0]); ok && job.State.LastError != "" {
					return fmt.Errorf("job failed: %s", job.State.LastError)
				}
				if reply := lastAssistantReply(a.Sessions(), "cron:"+args[0]); reply != "" {
					fmt.Println(reply)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolP("force", "f", false, "run even if the job is disabled")
	return cmd
}

// lastAssistantReply returns the newest assistant entry of a session.
func lastAssistantReply(store *session.Store, key string) string {
	history := store.GetOrCreate(key).History(0)
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == session.RoleAssistant {
			return history[i].Content
		}
	}
	return ""
}

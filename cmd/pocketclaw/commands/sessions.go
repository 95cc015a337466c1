package commands

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/app"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/session"
)

// newSessionsCmd creates `pocketclaw sessions` for inspecting transcripts.
func newSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect conversation transcripts",
		Long: `List, show and delete stored conversations. Keys have the form
channel:chat_id, e.g. telegram:42 or cron:1a2b3c4d.`,
	}
	cmd.AddCommand(newSessionsListCmd(), newSessionsShowCmd(), newSessionsDeleteCmd())
	return cmd
}

func newSessionsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List sessions, most recently updated first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(a *app.App) error {
				infos, err := a.Sessions().List()
				if err != nil {
					return err
				}
				if len(infos) == 0 {
					fmt.Println("No sessions.")
					return nil
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "KEY\tMESSAGES\tUPDATED")
				for _, info := range infos {
					fmt.Fprintf(w, "%s\t%d\t%s\n", info.Key, info.MessageCount, info.UpdatedAt.Local().Format(time.DateTime))
				}
				return w.Flush()
			})
		},
	}
}

func newSessionsShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <key>",
		Short: "Print a session's transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			tools, _ := cmd.Flags().GetBool("tools")
			return withApp(cmd, func(a *app.App) error {
				sess := a.Sessions().GetOrCreate(args[0])
				history := sess.History(limit)
				if len(history) == 0 {
					return fmt.Errorf("session %q not found or empty", args[0])
				}
				for _, m := range history {
					printEntry(m, tools)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntP("limit", "n", 0, "show only the last N entries (0 = all)")
	cmd.Flags().Bool("tools", false, "include tool calls and results")
	return cmd
}

func printEntry(m session.Message, withTools bool) {
	who := string(m.Role)
	if m.Source != "" {
		who += " (" + m.Source + ")"
	}
	fmt.Printf("[%s] %s:\n%s\n", m.Timestamp.Local().Format(time.DateTime), who, m.Content)
	if withTools {
		for _, tc := range m.ToolCalls {
			status := "ok"
			if tc.IsError {
				status = "error"
			}
			fmt.Printf("  -> %s(%s) [%s]\n     %s\n", tc.Name, tc.Arguments, status,
				strings.ReplaceAll(tc.Result, "\n", "\n     "))
		}
	}
	fmt.Println()
}

func newSessionsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "delete <key>",
		Aliases: []string{"rm"},
		Short:   "Delete a session",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(a *app.App) error {
				if err := a.Sessions().Delete(args[0]); err != nil {
					return err
				}
				fmt.Printf("Session %s deleted.\n", args[0])
				return nil
			})
		},
	}
}

package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/app"
)

// newChatCmd creates `pocketclaw chat` for one-off questions or an
// interactive session in the terminal.
func newChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Talk to the assistant from the terminal",
		Long: `Send one message and print the answer, or start an interactive
session when no message is given. Type /new to start a fresh conversation,
exit or Ctrl+D to quit.

Examples:
  pocketclaw chat "Summarize notes.md"
  pocketclaw chat
  pocketclaw chat --session cli:work`,
		Args: cobra.MaximumNArgs(1),
		RunE: runChat,
	}
	cmd.Flags().StringP("session", "s", "cli:direct", "session key (channel:chat_id)")
	return cmd
}

func runChat(cmd *cobra.Command, args []string) error {
	a, _, _, err := buildApp(cmd, quietLogOutput(cmd), app.WithoutConfiguredChannels())
	if err != nil {
		return err
	}
	defer func() {
		a.Subagents().CancelAll()
		waitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Subagents().Wait(waitCtx)
		a.Close()
	}()

	sessionKey, _ := cmd.Flags().GetString("session")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if len(args) == 1 {
		reply, err := a.Loop().ProcessDirect(ctx, args[0], sessionKey)
		if err != nil {
			return err
		}
		fmt.Println(reply)
		return nil
	}
	return chatREPL(ctx, a, sessionKey)
}

// lineReader is satisfied by readline and by the plain-stdin fallback.
type lineReader interface {
	Readline() (string, error)
	Close() error
}

type plainReader struct{ sc *bufio.Scanner }

func (p plainReader) Readline() (string, error) {
	if !p.sc.Scan() {
		if err := p.sc.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return p.sc.Text(), nil
}

func (p plainReader) Close() error { return nil }

func newLineReader() (lineReader, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return plainReader{sc: bufio.NewScanner(os.Stdin)}, nil
	}
	history := ""
	if home, err := os.UserHomeDir(); err == nil {
		history = filepath.Join(home, ".pocketclaw", "chat_history")
		_ = os.MkdirAll(filepath.Dir(history), 0o700)
	}
	return readline.NewEx(&readline.Config{
		Prompt:          "you> ",
		HistoryFile:     history,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
}

func chatREPL(ctx context.Context, a *app.App, sessionKey string) error {
	rl, err := newLineReader()
	if err != nil {
		return fmt.Errorf("starting prompt: %w", err)
	}
	defer rl.Close()

	fmt.Println("pocketclaw chat. Type exit or press Ctrl+D to quit.")
	for {
		printAnnouncements(ctx, a, sessionKey)

		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return nil
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		line = strings.TrimSpace(line)
		switch line {
		case "":
			continue
		case "exit", "quit", "/exit", "/quit":
			return nil
		}

		reply, err := a.Loop().ProcessDirect(ctx, line, sessionKey)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			continue
		}
		fmt.Printf("\npocketclaw> %s\n\n", reply)
	}
}

// printAnnouncements answers subagent reports that arrived since the last
// prompt. Nothing else consumes the bus in chat mode.
func printAnnouncements(ctx context.Context, a *app.App, sessionKey string) {
	for {
		msg, ok := a.Bus().ConsumeInbound(ctx, 10*time.Millisecond)
		if !ok {
			return
		}
		out, err := a.Loop().ProcessMessage(ctx, msg)
		if err != nil || out == nil {
			continue
		}
		fmt.Printf("\npocketclaw (%s)> %s\n\n", msg.SystemSource(), out.Content)
	}
}

package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"
)

// DefaultDenyPatterns block obviously destructive commands.
var DefaultDenyPatterns = []string{
	`\brm\s+-[rf]{1,2}\s+/(\s|$)`,
	`\bmkfs(\.\w+)?\b`,
	`\bdd\s+if=`,
	`\b(shutdown|reboot|poweroff|halt)\b`,
	`:\(\)\s*\{\s*:\|:&\s*\};:`,
	`>\s*/dev/sd[a-z]`,
}

// ExecConfig configures the exec tool.
type ExecConfig struct {
	// Timeout for one command (default: 60s).
	Timeout time.Duration

	// DenyPatterns are regular expressions; a matching command is refused.
	DenyPatterns []string

	// MaxOutput caps combined output (default: 10000 chars).
	MaxOutput int
}

// ExecTool runs a shell command in the workspace.
type ExecTool struct {
	ws      Workspace
	cfg     ExecConfig
	denyRes []*regexp.Regexp
}

// NewExecTool compiles the deny patterns.
func NewExecTool(ws Workspace, cfg ExecConfig) (*ExecTool, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxOutput <= 0 {
		cfg.MaxOutput = 10000
	}
	if cfg.DenyPatterns == nil {
		cfg.DenyPatterns = DefaultDenyPatterns
	}
	t := &ExecTool{ws: ws, cfg: cfg}
	for _, p := range cfg.DenyPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid deny pattern %q: %w", p, err)
		}
		t.denyRes = append(t.denyRes, re)
	}
	return t, nil
}

func (t *ExecTool) Name() string { return "exec" }
func (t *ExecTool) Description() string {
	return "Execute a shell command and return its output. Use with caution."
}

func (t *ExecTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command":     map[string]any{"type": "string", "description": "The shell command to execute"},
			"working_dir": map[string]any{"type": "string", "description": "Optional working directory"},
		},
		"required": []any{"command"},
	}
}

func (t *ExecTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	command := strings.TrimSpace(stringArg(args, "command"))
	if command == "" {
		return "", fmt.Errorf("command is required")
	}
	for _, re := range t.denyRes {
		if re.MatchString(command) {
			return "", fmt.Errorf("command blocked by safety guard")
		}
	}

	dir := t.ws.Dir
	if wd := stringArg(args, "working_dir"); wd != "" {
		resolved, err := t.ws.Resolve(wd)
		if err != nil {
			return "", err
		}
		dir = resolved
	}

	runCtx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	cmd.Dir = dir
	// Background children can hold the pipes open after sh is killed.
	cmd.WaitDelay = time.Second
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if runCtx.Err() == context.DeadlineExceeded {
		return "", fmt.Errorf("command timed out after %s", t.cfg.Timeout)
	}

	var out strings.Builder
	out.WriteString(stdout.String())
	if stderr.Len() > 0 {
		if out.Len() > 0 {
			out.WriteString("\n")
		}
		out.WriteString("STDERR:\n")
		out.WriteString(stderr.String())
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		fmt.Fprintf(&out, "\nExit code: %d", exitErr.ExitCode())
	} else if err != nil {
		return "", fmt.Errorf("running command: %w", err)
	}

	result := out.String()
	if result == "" {
		result = "(no output)"
	}
	if len(result) > t.cfg.MaxOutput {
		result = result[:t.cfg.MaxOutput] + fmt.Sprintf("\n... (truncated, %d more chars)", len(result)-t.cfg.MaxOutput)
	}
	return result, nil
}

package tools

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Workspace resolves tool paths. Relative paths are joined to Dir; when
// Restrict is set, paths escaping Dir are refused.
type Workspace struct {
	Dir      string
	Restrict bool
}

// Resolve returns the absolute path for p.
func (w Workspace) Resolve(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("path is required")
	}
	if strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			p = filepath.Join(home, p[2:])
		}
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(w.Dir, p)
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	if w.Restrict && w.Dir != "" {
		root, err := filepath.Abs(w.Dir)
		if err != nil {
			return "", err
		}
		rel, err := filepath.Rel(root, abs)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return "", fmt.Errorf("path %s is outside the workspace", p)
		}
	}
	return abs, nil
}

// RegisterFilesystem adds read_file, write_file, edit_file and list_dir.
func RegisterFilesystem(r *Registry, ws Workspace) {
	r.MustRegister(&ReadFileTool{ws: ws})
	r.MustRegister(&WriteFileTool{ws: ws})
	r.MustRegister(&EditFileTool{ws: ws})
	r.MustRegister(&ListDirTool{ws: ws})
}

// ReadFileTool reads a text file.
type ReadFileTool struct{ ws Workspace }

func (t *ReadFileTool) Name() string        { return "read_file" }
func (t *ReadFileTool) Description() string { return "Read the contents of a file at the given path." }

func (t *ReadFileTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{"type": "string", "description": "File path to read"},
		},
		"required": []any{"path"},
	}
}

func (t *ReadFileTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	path, err := t.ws.Resolve(stringArg(args, "path"))
	if err != nil {
		return "", err
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("file not found: %s", stringArg(args, "path"))
		}
		return "", err
	}
	if info.IsDir() {
		return "", fmt.Errorf("not a file: %s", stringArg(args, "path"))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading file: %w", err)
	}
	return string(data), nil
}

// WriteFileTool creates or overwrites a file.
type WriteFileTool struct{ ws Workspace }

func (t *WriteFileTool) Name() string { return "write_file" }
func (t *WriteFileTool) Description() string {
	return "Write content to a file at the given path. Creates parent directories if needed."
}

func (t *WriteFileTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":    map[string]any{"type": "string", "description": "File path to write to"},
			"content": map[string]any{"type": "string", "description": "Content to write"},
		},
		"required": []any{"path", "content"},
	}
}

func (t *WriteFileTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	path, err := t.ws.Resolve(stringArg(args, "path"))
	if err != nil {
		return "", err
	}
	content := stringArg(args, "content")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("writing file: %w", err)
	}
	return fmt.Sprintf("Successfully wrote %d bytes to %s", len(content), stringArg(args, "path")), nil
}

// EditFileTool replaces one exact occurrence of a text fragment.
type EditFileTool struct{ ws Workspace }

func (t *EditFileTool) Name() string { return "edit_file" }
func (t *EditFileTool) Description() string {
	return "Edit a file by replacing old_text with new_text. old_text must match exactly once."
}

func (t *EditFileTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":     map[string]any{"type": "string", "description": "File path to edit"},
			"old_text": map[string]any{"type": "string", "description": "Exact text to find"},
			"new_text": map[string]any{"type": "string", "description": "Replacement text"},
		},
		"required": []any{"path", "old_text", "new_text"},
	}
}

func (t *EditFileTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	path, err := t.ws.Resolve(stringArg(args, "path"))
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("file not found: %s", stringArg(args, "path"))
		}
		return "", err
	}
	oldText, newText := stringArg(args, "old_text"), stringArg(args, "new_text")
	content := string(data)
	switch n := strings.Count(content, oldText); {
	case oldText == "" || n == 0:
		return "", fmt.Errorf("old_text not found in file")
	case n > 1:
		return "", fmt.Errorf("old_text appears %d times; provide more context to make it unique", n)
	}
	content = strings.Replace(content, oldText, newText, 1)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("writing file: %w", err)
	}
	return "Successfully edited " + stringArg(args, "path"), nil
}

// ListDirTool lists a directory.
type ListDirTool struct{ ws Workspace }

func (t *ListDirTool) Name() string        { return "list_dir" }
func (t *ListDirTool) Description() string { return "List the contents of a directory." }

func (t *ListDirTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{"type": "string", "description": "Directory path to list"},
		},
		"required": []any{"path"},
	}
}

func (t *ListDirTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	path, err := t.ws.Resolve(stringArg(args, "path"))
	if err != nil {
		return "", err
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("directory not found: %s", stringArg(args, "path"))
		}
		return "", err
	}
	if len(entries) == 0 {
		return "Directory " + stringArg(args, "path") + " is empty", nil
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	var b strings.Builder
	for _, e := range entries {
		if e.IsDir() {
			b.WriteString("[dir]  ")
		} else {
			b.WriteString("[file] ")
		}
		b.WriteString(e.Name())
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

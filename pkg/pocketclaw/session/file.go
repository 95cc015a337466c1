package session

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const defaultSessionsDir = "./data/sessions"

// metadataType marks the first line of a session file.
const metadataType = "metadata"

// metadataLine is the first JSONL line of every session file.
type metadataLine struct {
	Type      string            `json:"_type"`
	Key       string            `json:"key"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// FilePersister stores one JSONL file per session: a metadata line followed
// by one line per message. Saves rewrite the whole file through a temp file
// and rename, so readers never observe a partial write.
type FilePersister struct {
	dir    string
	logger *slog.Logger
}

// NewFilePersister creates the directory if needed.
func NewFilePersister(dir string, logger *slog.Logger) (*FilePersister, error) {
	if dir == "" {
		dir = defaultSessionsDir
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create sessions dir %q: %w", dir, err)
	}
	return &FilePersister{dir: dir, logger: logger.With("component", "sessions.file")}, nil
}

// safeFilename returns a filesystem-safe name for a session key. Bytes
// outside [A-Za-z0-9._-] become %XX, so distinct keys never share a file.
func safeFilename(key string) string {
	var sb strings.Builder
	for i := 0; i < len(key); i++ {
		c := key[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9',
			c == '.', c == '_', c == '-':
			sb.WriteByte(c)
		default:
			fmt.Fprintf(&sb, "%%%02X", c)
		}
	}
	return sb.String()
}

// Path returns the file that holds key.
func (p *FilePersister) Path(key string) string {
	return filepath.Join(p.dir, safeFilename(key)+".jsonl")
}

// Load reads a session file.
func (p *FilePersister) Load(key string) (*Session, error) {
	f, err := os.Open(p.Path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("open session file: %w", err)
	}
	defer f.Close()

	s := New(key)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	first := true
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if first {
			first = false
			var meta metadataLine
			if err := json.Unmarshal([]byte(line), &meta); err != nil || meta.Type != metadataType {
				return nil, fmt.Errorf("corrupt metadata line in %s", p.Path(key))
			}
			if meta.Key != "" && meta.Key != key {
				p.logger.Warn("session file belongs to another key", "key", key, "file_key", meta.Key)
				return nil, ErrNotFound
			}
			s.CreatedAt = meta.CreatedAt
			s.UpdatedAt = meta.UpdatedAt
			if meta.Metadata != nil {
				s.Metadata = meta.Metadata
			}
			continue
		}
		var msg Message
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			p.logger.Warn("skip invalid jsonl line", "key", key, "error", err)
			continue
		}
		s.Messages = append(s.Messages, msg)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan session file: %w", err)
	}
	if first {
		return nil, fmt.Errorf("empty session file %s", p.Path(key))
	}
	return s, nil
}

// Save writes the full session.
func (p *FilePersister) Save(s *Session) error {
	tmp, err := os.CreateTemp(p.dir, ".session-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	w := bufio.NewWriter(tmp)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)

	meta := metadataLine{
		Type:      metadataType,
		Key:       s.Key,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
		Metadata:  s.Metadata,
	}
	if err := enc.Encode(meta); err != nil {
		tmp.Close()
		return fmt.Errorf("encode metadata: %w", err)
	}
	for _, m := range s.Messages {
		if err := enc.Encode(m); err != nil {
			tmp.Close()
			return fmt.Errorf("encode message: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("flush session file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync session file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close session file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return fmt.Errorf("chmod session file: %w", err)
	}
	if err := os.Rename(tmpName, p.Path(s.Key)); err != nil {
		return fmt.Errorf("replace session file: %w", err)
	}
	return nil
}

// Delete removes the session file.
func (p *FilePersister) Delete(key string) error {
	if err := os.Remove(p.Path(key)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNotFound
		}
		return err
	}
	return nil
}

// List scans the directory, reading the metadata line of each file.
func (p *FilePersister) List() ([]Info, error) {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read sessions dir: %w", err)
	}

	var out []Info
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jsonl") {
			continue
		}
		path := filepath.Join(p.dir, e.Name())
		info, err := p.readInfo(path)
		if err != nil {
			p.logger.Warn("skip unreadable session file", "path", path, "error", err)
			continue
		}
		out = append(out, info)
	}
	return out, nil
}

func (p *FilePersister) readInfo(path string) (Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return Info{}, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	info := Info{Path: path}
	first := true
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if first {
			first = false
			var meta metadataLine
			if err := json.Unmarshal([]byte(line), &meta); err != nil || meta.Type != metadataType {
				return Info{}, fmt.Errorf("corrupt metadata line")
			}
			info.Key = meta.Key
			info.CreatedAt = meta.CreatedAt
			info.UpdatedAt = meta.UpdatedAt
			continue
		}
		info.MessageCount++
	}
	if first {
		return Info{}, fmt.Errorf("empty session file")
	}
	return info, scanner.Err()
}

var _ Persister = (*FilePersister)(nil)

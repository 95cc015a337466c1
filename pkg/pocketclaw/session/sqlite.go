package session

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// SQLitePersister stores sessions in the central database (sessions and
// session_messages tables). Save replaces a session's rows in one
// transaction.
type SQLitePersister struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLitePersister wraps an open database; see database.Open.
func NewSQLitePersister(db *sql.DB, logger *slog.Logger) *SQLitePersister {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLitePersister{db: db, logger: logger.With("component", "sessions.sqlite")}
}

// Load reads a session and its messages.
func (p *SQLitePersister) Load(key string) (*Session, error) {
	var created, updated, metaJSON string
	err := p.db.QueryRow(
		`SELECT created_at, updated_at, metadata FROM sessions WHERE key = ?`, key,
	).Scan(&created, &updated, &metaJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query session: %w", err)
	}

	s := New(key)
	s.CreatedAt = parseTime(created)
	s.UpdatedAt = parseTime(updated)
	if metaJSON != "" {
		if err := json.Unmarshal([]byte(metaJSON), &s.Metadata); err != nil {
			p.logger.Warn("invalid session metadata, ignoring", "key", key, "error", err)
			s.Metadata = make(map[string]string)
		}
	}

	rows, err := p.db.Query(
		`SELECT role, content, source, tool_calls, created_at
		 FROM session_messages WHERE session_key = ? ORDER BY seq`, key)
	if err != nil {
		return nil, fmt.Errorf("query session messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var role, content, source, calls, ts string
		if err := rows.Scan(&role, &content, &source, &calls, &ts); err != nil {
			return nil, fmt.Errorf("scan session message: %w", err)
		}
		msg := Message{
			Role:      Role(role),
			Content:   content,
			Source:    source,
			Timestamp: parseTime(ts),
		}
		if calls != "" {
			if err := json.Unmarshal([]byte(calls), &msg.ToolCalls); err != nil {
				p.logger.Warn("invalid tool call record, ignoring", "key", key, "error", err)
			}
		}
		s.Messages = append(s.Messages, msg)
	}
	return s, rows.Err()
}

// Save replaces the session row and all of its messages.
func (p *SQLitePersister) Save(s *Session) error {
	meta, err := json.Marshal(s.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	tx, err := p.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`INSERT INTO sessions (key, created_at, updated_at, metadata) VALUES (?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET updated_at = excluded.updated_at, metadata = excluded.metadata`,
		s.Key, formatTime(s.CreatedAt), formatTime(s.UpdatedAt), string(meta),
	); err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM session_messages WHERE session_key = ?`, s.Key); err != nil {
		return fmt.Errorf("clear session messages: %w", err)
	}

	stmt, err := tx.Prepare(
		`INSERT INTO session_messages (session_key, seq, role, content, source, tool_calls, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for i, m := range s.Messages {
		calls := ""
		if len(m.ToolCalls) > 0 {
			b, err := json.Marshal(m.ToolCalls)
			if err != nil {
				return fmt.Errorf("marshal tool calls: %w", err)
			}
			calls = string(b)
		}
		if _, err := stmt.Exec(s.Key, i, string(m.Role), m.Content, m.Source, calls, formatTime(m.Timestamp)); err != nil {
			return fmt.Errorf("insert session message: %w", err)
		}
	}
	return tx.Commit()
}

// Delete removes a session and its messages.
func (p *SQLitePersister) Delete(key string) error {
	res, err := p.db.Exec(`DELETE FROM sessions WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if _, err := p.db.Exec(`DELETE FROM session_messages WHERE session_key = ?`, key); err != nil {
		return fmt.Errorf("delete session messages: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns one Info per stored session.
func (p *SQLitePersister) List() ([]Info, error) {
	rows, err := p.db.Query(
		`SELECT s.key, s.created_at, s.updated_at,
		        (SELECT COUNT(*) FROM session_messages m WHERE m.session_key = s.key)
		 FROM sessions s`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []Info
	for rows.Next() {
		var info Info
		var created, updated string
		if err := rows.Scan(&info.Key, &created, &updated, &info.MessageCount); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		info.CreatedAt = parseTime(created)
		info.UpdatedAt = parseTime(updated)
		out = append(out, info)
	}
	return out, rows.Err()
}

func formatTime(t time.Time) string { return t.Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

var _ Persister = (*SQLitePersister)(nil)

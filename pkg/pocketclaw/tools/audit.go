package tools

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"time"
)

// AuditEntry describes one finished tool call.
type AuditEntry struct {
	Tool       string
	SessionKey string
	Args       map[string]any
	Result     string
	IsError    bool
	Duration   time.Duration
}

// Auditor receives every tool call made through a registry.
type Auditor interface {
	Record(ctx context.Context, e AuditEntry)
}

// SQLiteAuditor writes to the tool_audit table. Failures are logged and
// never surface to the caller.
type SQLiteAuditor struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteAuditor wraps an open database; see database.Open.
func NewSQLiteAuditor(db *sql.DB, logger *slog.Logger) *SQLiteAuditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLiteAuditor{db: db, logger: logger.With("component", "tools.audit")}
}

// Record inserts one row. Long results are truncated.
func (a *SQLiteAuditor) Record(ctx context.Context, e AuditEntry) {
	args, _ := json.Marshal(e.Args)
	result := Truncate(e.Result, 2000)
	isErr := 0
	if e.IsError {
		isErr = 1
	}
	// The turn's context may already be cancelled; the audit row is still wanted.
	_, err := a.db.ExecContext(context.WithoutCancel(ctx),
		`INSERT INTO tool_audit (tool, session_key, args, result, is_error, duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.Tool, e.SessionKey, string(args), result, isErr, e.Duration.Milliseconds(),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		a.logger.Warn("failed to write tool audit", "tool", e.Tool, "error", err)
	}
}

// Recent returns the latest n audit rows, newest first.
func (a *SQLiteAuditor) Recent(ctx context.Context, n int) ([]AuditEntry, error) {
	rows, err := a.db.QueryContext(ctx,
		`SELECT tool, session_key, args, result, is_error, duration_ms
		 FROM tool_audit ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var (
			e    AuditEntry
			args string
			isEr int
			ms   int64
		)
		if err := rows.Scan(&e.Tool, &e.SessionKey, &args, &e.Result, &isEr, &ms); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(args), &e.Args)
		e.IsError = isEr != 0
		e.Duration = time.Duration(ms) * time.Millisecond
		out = append(out, e)
	}
	return out, rows.Err()
}

// Package session keeps per-conversation transcripts. A Store caches
// sessions in memory and writes them through a Persister (JSONL files or
// SQLite) at the end of every turn.
package session

import (
	"errors"
	"sync"
	"time"
)

// DefaultHistoryLimit is how many recent messages are fed back to the model.
const DefaultHistoryLimit = 50

// ErrNotFound is returned by persisters when no record exists for a key.
var ErrNotFound = errors.New("session: not found")

// Role of a transcript entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCallRecord captures one tool invocation made while producing an
// assistant entry.
type ToolCallRecord struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
	Result    string `json:"result"`
	IsError   bool   `json:"is_error,omitempty"`
}

// Message is one transcript entry. Entries are only ever appended.
type Message struct {
	Role      Role             `json:"role"`
	Content   string           `json:"content"`
	Timestamp time.Time        `json:"timestamp"`
	ToolCalls []ToolCallRecord `json:"tool_calls,omitempty"`

	// Source tags user entries produced by the runtime ("subagent",
	// "scheduler") rather than typed by a person.
	Source string `json:"source,omitempty"`
}

// Session is the transcript of one conversation, keyed "channel:chatId".
type Session struct {
	Key       string            `json:"key"`
	Messages  []Message         `json:"messages"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
	Metadata  map[string]string `json:"metadata"`

	mu sync.RWMutex
}

// New creates an empty session.
func New(key string) *Session {
	now := time.Now()
	return &Session{
		Key:       key,
		CreatedAt: now,
		UpdatedAt: now,
		Metadata:  make(map[string]string),
	}
}

// AddMessage appends an entry, stamping it when no timestamp is set.
func (s *Session) AddMessage(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	s.Messages = append(s.Messages, msg)
	s.UpdatedAt = time.Now()
}

// History returns a copy of the most recent max entries (all when max <= 0).
func (s *Session) History(max int) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	start := 0
	if max > 0 && len(s.Messages) > max {
		start = len(s.Messages) - max
	}
	out := make([]Message, len(s.Messages)-start)
	copy(out, s.Messages[start:])
	return out
}

// Len returns the number of entries.
func (s *Session) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.Messages)
}

// Clear drops all entries but keeps metadata.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Messages = nil
	s.UpdatedAt = time.Now()
}

// SetMetadata sets one metadata value.
func (s *Session) SetMetadata(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Metadata == nil {
		s.Metadata = make(map[string]string)
	}
	s.Metadata[key] = value
}

// Snapshot returns a deep copy safe to hand to a persister.
func (s *Session) Snapshot() *Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := &Session{
		Key:       s.Key,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
		Messages:  make([]Message, len(s.Messages)),
		Metadata:  make(map[string]string, len(s.Metadata)),
	}
	for i, m := range s.Messages {
		if len(m.ToolCalls) > 0 {
			m.ToolCalls = append([]ToolCallRecord(nil), m.ToolCalls...)
		}
		cp.Messages[i] = m
	}
	for k, v := range s.Metadata {
		cp.Metadata[k] = v
	}
	return cp
}

// Info is the listing view of a persisted session.
type Info struct {
	Key          string    `json:"key"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	MessageCount int       `json:"message_count"`
	Path         string    `json:"path,omitempty"`
}

// Persister is the durable backend behind a Store.
type Persister interface {
	// Load returns ErrNotFound when no record exists. Any other error means
	// the record exists but could not be read.
	Load(key string) (*Session, error)

	// Save replaces the whole record for s.Key.
	Save(s *Session) error

	Delete(key string) error
	List() ([]Info, error)
}

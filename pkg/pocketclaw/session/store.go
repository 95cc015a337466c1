package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Store is the keyed session cache. The cache is authoritative while the
// process runs; Save writes the whole session back through the persister.
//
// Writers must hold Lock(key) across the read-modify-save cycle so there is
// at most one writer per key.
type Store struct {
	persister Persister
	logger    *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session

	locksMu sync.Mutex
	locks   map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// NewStore creates a store backed by p.
func NewStore(p Persister, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		persister: p,
		logger:    logger.With("component", "sessions"),
		sessions:  make(map[string]*Session),
		locks:     make(map[string]*keyLock),
	}
}

// Lock acquires the per-key writer lock and returns its release func.
// Lock entries are reference counted and removed when unused.
func (st *Store) Lock(key string) (unlock func()) {
	st.locksMu.Lock()
	l, ok := st.locks[key]
	if !ok {
		l = &keyLock{}
		st.locks[key] = l
	}
	l.refs++
	st.locksMu.Unlock()

	l.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Unlock()
			st.locksMu.Lock()
			l.refs--
			if l.refs == 0 {
				delete(st.locks, key)
			}
			st.locksMu.Unlock()
		})
	}
}

// GetOrCreate returns the cached session, loading it from the persister on a
// cache miss. Missing or unreadable records yield a fresh session.
func (st *Store) GetOrCreate(key string) *Session {
	st.mu.RLock()
	s, ok := st.sessions[key]
	st.mu.RUnlock()
	if ok {
		return s
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if s, ok := st.sessions[key]; ok {
		return s
	}

	s = st.load(key)
	st.sessions[key] = s
	return s
}

func (st *Store) load(key string) *Session {
	if st.persister == nil {
		return New(key)
	}
	s, err := st.persister.Load(key)
	switch {
	case err == nil:
		st.logger.Debug("session loaded", "key", key, "messages", len(s.Messages))
		return s
	case errors.Is(err, ErrNotFound):
		return New(key)
	default:
		st.logger.Warn("session record unreadable, starting fresh", "key", key, "error", err)
		return New(key)
	}
}

// Save persists the session. The cache entry is replaced by s so callers
// that built a session outside GetOrCreate still see it afterwards.
func (st *Store) Save(s *Session) error {
	if s == nil {
		return fmt.Errorf("session: nil session")
	}
	s.mu.Lock()
	s.UpdatedAt = time.Now()
	s.mu.Unlock()

	st.mu.Lock()
	st.sessions[s.Key] = s
	st.mu.Unlock()

	if st.persister == nil {
		return nil
	}
	if err := st.persister.Save(s.Snapshot()); err != nil {
		return fmt.Errorf("save session %q: %w", s.Key, err)
	}
	return nil
}

// Delete removes the session from the cache and the persister.
func (st *Store) Delete(key string) error {
	st.mu.Lock()
	delete(st.sessions, key)
	st.mu.Unlock()

	if st.persister == nil {
		return nil
	}
	if err := st.persister.Delete(key); err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("delete session %q: %w", key, err)
	}
	return nil
}

// Invalidate drops the cache entry so the next GetOrCreate reloads it.
func (st *Store) Invalidate(key string) {
	st.mu.Lock()
	delete(st.sessions, key)
	st.mu.Unlock()
}

// List returns persisted sessions merged with unsaved cached ones, most
// recently updated first.
func (st *Store) List() ([]Info, error) {
	byKey := make(map[string]Info)
	if st.persister != nil {
		infos, err := st.persister.List()
		if err != nil {
			return nil, fmt.Errorf("list sessions: %w", err)
		}
		for _, info := range infos {
			byKey[info.Key] = info
		}
	}

	st.mu.RLock()
	for key, s := range st.sessions {
		s.mu.RLock()
		info := byKey[key]
		info.Key = key
		info.CreatedAt = s.CreatedAt
		info.UpdatedAt = s.UpdatedAt
		info.MessageCount = len(s.Messages)
		s.mu.RUnlock()
		byKey[key] = info
	}
	st.mu.RUnlock()

	out := make([]Info, 0, len(byKey))
	for _, info := range byKey {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].Key < out[j].Key
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

package conversation

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore keeps everything in process memory for local/dev use and
// tests. Each session and each user's memory list has its own mutex.
type InMemoryStore struct {
	sessions sync.Map // Key -> *sessionEntry
	memories sync.Map // user id -> *memoryEntry
	now      func() time.Time
}

type sessionEntry struct {
	mu sync.Mutex
	s  *Session
}

type memoryEntry struct {
	mu    sync.RWMutex
	facts []MemoryFact
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{now: func() time.Time { return time.Now().UTC() }}
}

func (s *InMemoryStore) GetOrCreate(_ context.Context, key Key) (*Session, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	e := s.entry(key)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.s.LastAccessedAt = s.now()
	return cloneHeader(e.s), nil
}

func (s *InMemoryStore) Get(_ context.Context, key Key) (*Session, error) {
	e, ok := s.lookup(key)
	if !ok {
		return nil, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return clone(e.s), nil
}

func (s *InMemoryStore) AppendTurn(_ context.Context, key Key, role Role, text string) (Turn, error) {
	e, ok := s.lookup(key)
	if !ok {
		return Turn{}, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return s.appendLocked(e.s, role, text), nil
}

func (s *InMemoryStore) AppendExchange(_ context.Context, key Key, userText, assistantText string, stateOverlay map[string]any) ([2]Turn, error) {
	e, ok := s.lookup(key)
	if !ok {
		return [2]Turn{}, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := [2]Turn{
		s.appendLocked(e.s, RoleUser, userText),
		s.appendLocked(e.s, RoleAssistant, assistantText),
	}
	if len(stateOverlay) > 0 {
		e.s.State = MergeState(e.s.State, stateOverlay)
	}
	return out, nil
}

func (s *InMemoryStore) HistoryWindow(_ context.Context, key Key, maxTurns int) ([]Turn, error) {
	e, ok := s.lookup(key)
	if !ok {
		return nil, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return window(e.s.Turns, maxTurns), nil
}

func (s *InMemoryStore) Summarize(_ context.Context, key Key, text string, cutoverSeq int64) error {
	e, ok := s.lookup(key)
	if !ok {
		return ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := checkSummary(text, cutoverSeq, e.s.LastSeq, e.s.Summary); err != nil {
		return err
	}
	kept := make([]Turn, 0, len(e.s.Turns))
	for _, t := range e.s.Turns {
		if t.Seq > cutoverSeq {
			kept = append(kept, t)
		}
	}
	e.s.Turns = kept
	e.s.Summary = &Summary{Text: text, CutoverSeq: cutoverSeq, CreatedAt: s.now()}
	return nil
}

func (s *InMemoryStore) UpdateState(_ context.Context, key Key, fn func(state map[string]any) error) error {
	e, ok := s.lookup(key)
	if !ok {
		return ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	next := CloneState(e.s.State)
	if err := fn(next); err != nil {
		return err
	}
	e.s.State = next
	e.s.LastAccessedAt = s.now()
	return nil
}

func (s *InMemoryStore) MemoriesFor(_ context.Context, userID string) ([]MemoryFact, error) {
	v, ok := s.memories.Load(userID)
	if !ok {
		return nil, nil
	}
	m := v.(*memoryEntry)
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]MemoryFact(nil), m.facts...), nil
}

func (s *InMemoryStore) AddMemory(_ context.Context, userID string, fact MemoryFact) (MemoryFact, error) {
	fact = normalizeFact(userID, fact, s.now())
	v, _ := s.memories.LoadOrStore(userID, &memoryEntry{})
	m := v.(*memoryEntry)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.facts = append(m.facts, fact)
	return fact, nil
}

func (s *InMemoryStore) Ping(context.Context) error { return nil }

func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) entry(key Key) *sessionEntry {
	if v, ok := s.sessions.Load(key); ok {
		return v.(*sessionEntry)
	}
	now := s.now()
	fresh := &sessionEntry{s: &Session{
		ID:             key.SessionID,
		UserID:         key.UserID,
		State:          map[string]any{},
		CreatedAt:      now,
		LastAccessedAt: now,
	}}
	v, _ := s.sessions.LoadOrStore(key, fresh)
	return v.(*sessionEntry)
}

func (s *InMemoryStore) lookup(key Key) (*sessionEntry, bool) {
	v, ok := s.sessions.Load(key)
	if !ok {
		return nil, false
	}
	return v.(*sessionEntry), true
}

func (s *InMemoryStore) appendLocked(sess *Session, role Role, text string) Turn {
	now := s.now()
	sess.LastSeq++
	t := Turn{Seq: sess.LastSeq, Role: role, Text: text, CreatedAt: now}
	sess.Turns = append(sess.Turns, t)
	sess.LastAccessedAt = now
	return t
}

func normalizeFact(userID string, fact MemoryFact, now time.Time) MemoryFact {
	if fact.ID == "" {
		fact.ID = uuid.NewString()
	}
	if fact.CreatedAt.IsZero() {
		fact.CreatedAt = now
	}
	fact.UserID = userID
	return fact
}

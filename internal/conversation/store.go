// Package conversation persists sessions, their turns and per-user memory
// facts behind a single Store contract with in-memory, PostgreSQL and Redis
// engines.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound       = errors.New("session not found")
	ErrInvalidKey     = errors.New("user id and session id are required")
	ErrInvalidCutover = errors.New("invalid summary cutover")
	ErrEmptySummary   = errors.New("summary text is empty")
	// ErrUnavailable wraps every failure of the underlying engine.
	ErrUnavailable = errors.New("conversation store unavailable")
)

// Store is safe for concurrent use. Operations on one Key never observe or
// affect another Key, and operations on different Keys do not contend on a
// shared lock.
type Store interface {
	// GetOrCreate returns the session for key, creating an empty one on
	// first reference. Concurrent callers observe the same session. The
	// returned session carries no turns; read them with HistoryWindow or Get.
	GetOrCreate(ctx context.Context, key Key) (*Session, error)
	// Get returns ErrNotFound for sessions that were never created.
	Get(ctx context.Context, key Key) (*Session, error)
	// AppendTurn appends one turn with the next sequence number.
	AppendTurn(ctx context.Context, key Key, role Role, text string) (Turn, error)
	// AppendExchange atomically appends a user turn and the assistant reply
	// with adjacent sequence numbers and merges stateOverlay into the
	// session state. Either everything is stored or nothing is.
	AppendExchange(ctx context.Context, key Key, userText, assistantText string, stateOverlay map[string]any) ([2]Turn, error)
	// HistoryWindow returns up to maxTurns of the most recent unsummarized
	// turns in chronological order.
	HistoryWindow(ctx context.Context, key Key, maxTurns int) ([]Turn, error)
	// Summarize atomically replaces every turn with seq <= cutoverSeq by text.
	Summarize(ctx context.Context, key Key, text string, cutoverSeq int64) error
	// UpdateState runs fn against the session state and stores the result
	// atomically. fn may be invoked more than once by optimistic engines.
	UpdateState(ctx context.Context, key Key, fn func(state map[string]any) error) error

	MemoriesFor(ctx context.Context, userID string) ([]MemoryFact, error)
	// AddMemory appends a fact. No deduplication is applied.
	AddMemory(ctx context.Context, userID string, fact MemoryFact) (MemoryFact, error)

	Ping(ctx context.Context) error
	Close() error
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}

func checkKey(key Key) error {
	if !key.Valid() {
		return ErrInvalidKey
	}
	return nil
}

func checkSummary(text string, cutoverSeq, lastSeq int64, current *Summary) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptySummary
	}
	if cutoverSeq <= 0 || cutoverSeq > lastSeq {
		return fmt.Errorf("%w: cutover %d outside 1..%d", ErrInvalidCutover, cutoverSeq, lastSeq)
	}
	if current != nil && cutoverSeq <= current.CutoverSeq {
		return fmt.Errorf("%w: cutover %d does not advance past existing cutover %d", ErrInvalidCutover, cutoverSeq, current.CutoverSeq)
	}
	return nil
}

package conversation

import (
	"strings"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Key identifies a session. Session ids are only unique per user.
type Key struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
}

func (k Key) String() string {
	return k.UserID + "/" + k.SessionID
}

func (k Key) Valid() bool {
	return strings.TrimSpace(k.UserID) != "" && strings.TrimSpace(k.SessionID) != ""
}

// Turn is one immutable message in a session. Seq is strictly increasing
// within a session and is never reused.
type Turn struct {
	Seq       int64     `json:"seq"`
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Summary stands in for every turn with Seq <= CutoverSeq.
type Summary struct {
	Text       string    `json:"text"`
	CutoverSeq int64     `json:"cutover_seq"`
	CreatedAt  time.Time `json:"created_at"`
}

// Session is a snapshot of one conversation. Turns holds only the turns
// after the summary cutover, in sequence order.
type Session struct {
	ID             string         `json:"session_id"`
	UserID         string         `json:"user_id"`
	Turns          []Turn         `json:"turns"`
	Summary        *Summary       `json:"summary,omitempty"`
	State          map[string]any `json:"state"`
	LastSeq        int64          `json:"last_seq"`
	CreatedAt      time.Time      `json:"created_at"`
	LastAccessedAt time.Time      `json:"last_accessed_at"`
}

func (s *Session) Key() Key {
	return Key{UserID: s.UserID, SessionID: s.ID}
}

// Ephemeral returns an unsaved session for turns that carry no session id.
func Ephemeral(userID string, now time.Time) *Session {
	return &Session{
		UserID:         userID,
		State:          map[string]any{},
		CreatedAt:      now,
		LastAccessedAt: now,
	}
}

// MemoryFact is a durable piece of information about a user, shared by all
// of that user's sessions.
type MemoryFact struct {
	ID              string    `json:"id"`
	UserID          string    `json:"user_id"`
	Text            string    `json:"fact_text"`
	SourceSessionID string    `json:"source_session_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

func clone(s *Session) *Session {
	c := cloneHeader(s)
	c.Turns = append([]Turn(nil), s.Turns...)
	return c
}

// cloneHeader copies everything but the turns.
func cloneHeader(s *Session) *Session {
	c := *s
	c.Turns = nil
	if s.Summary != nil {
		sum := *s.Summary
		c.Summary = &sum
	}
	c.State = CloneState(s.State)
	return &c
}

// CloneState deep-copies the JSON-shaped values held in session state.
func CloneState(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneState(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}

// MergeState applies overlay on top of state. Nil overlay values delete keys.
func MergeState(state, overlay map[string]any) map[string]any {
	out := CloneState(state)
	for k, v := range overlay {
		if v == nil {
			delete(out, k)
			continue
		}
		out[k] = cloneValue(v)
	}
	return out
}

// window returns the newest max turns of turns in chronological order.
func window(turns []Turn, max int) []Turn {
	if max <= 0 || len(turns) == 0 {
		return nil
	}
	if max > len(turns) {
		max = len(turns)
	}
	return append([]Turn(nil), turns[len(turns)-max:]...)
}

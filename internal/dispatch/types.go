package dispatch

import (
	"errors"
	"fmt"
)

// Reason classifies a failed turn.
type Reason string

const (
	ReasonInvalidRequest        Reason = "invalid_request"
	ReasonStoreUnavailable      Reason = "store_unavailable"
	ReasonCredentialUnavailable Reason = "credential_unavailable"
	ReasonConfigError           Reason = "config_error"
	ReasonInvocationError       Reason = "invocation_error"
	ReasonPersistPartial        Reason = "persist_partial"
	ReasonCancelled             Reason = "cancelled"
)

// Stage is a state of the per-turn state machine.
type Stage string

const (
	StageReceived           Stage = "received"
	StageSessionResolved    Stage = "session_resolved"
	StageCredentialObtained Stage = "credential_obtained"
	StageContextAssembled   Stage = "context_assembled"
	StageInvoked            Stage = "invoked"
	StagePersisted          Stage = "persisted"
	StageCompleted          Stage = "completed"
)

// TurnError is the terminal Failed state. Stage is the last state the turn
// reached before failing.
type TurnError struct {
	Reason Reason
	Stage  Stage
	Err    error
}

func (e *TurnError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("turn failed after %s: %s", e.Stage, e.Reason)
	}
	return fmt.Sprintf("turn failed after %s: %s: %v", e.Stage, e.Reason, e.Err)
}

func (e *TurnError) Unwrap() error { return e.Err }

// ReasonOf returns the failure reason carried by err, or "" when err is not
// a *TurnError.
func ReasonOf(err error) Reason {
	var te *TurnError
	if errors.As(err, &te) {
		return te.Reason
	}
	return ""
}

// Request is one inbound turn. An empty SessionID makes the turn ephemeral:
// nothing is read from or written to the store.
type Request struct {
	UserID       string         `json:"user_id"`
	SessionID    string         `json:"session_id,omitempty"`
	Message      string         `json:"message"`
	StateOverlay map[string]any `json:"session_state_overlay,omitempty"`
}

// Result is returned for completed turns and alongside a PersistPartial
// TurnError.
type Result struct {
	Text         string `json:"text"`
	UserID       string `json:"user_id"`
	SessionID    string `json:"session_id,omitempty"`
	UserSeq      int64  `json:"user_seq,omitempty"`
	AssistantSeq int64  `json:"assistant_seq,omitempty"`
	Ephemeral    bool   `json:"ephemeral,omitempty"`
	Model        string `json:"model,omitempty"`
	Warning      string `json:"warning,omitempty"`
}

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeClientTurn         MessageType = "client_turn"
	TypeClientControl      MessageType = "client_control"
	TypeAssistantTextDelta MessageType = "assistant_text_delta"
	TypeAssistantTurnEnd   MessageType = "assistant_turn_end"
	TypeSystemEvent        MessageType = "system_event"
	TypeErrorEvent         MessageType = "error_event"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// ClientTurn asks for one conversational turn. SessionID may be empty for
// an ephemeral turn.
type ClientTurn struct {
	Type         MessageType    `json:"type"`
	TurnID       string         `json:"turn_id,omitempty"`
	UserID       string         `json:"user_id"`
	SessionID    string         `json:"session_id,omitempty"`
	Message      string         `json:"message"`
	StateOverlay map[string]any `json:"session_state_overlay,omitempty"`
}

// ClientControl currently supports the "ping" action.
type ClientControl struct {
	Type   MessageType `json:"type"`
	Action string      `json:"action"`
}

type AssistantTextDelta struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	TurnID    string      `json:"turn_id"`
	TextDelta string      `json:"text_delta"`
}

type AssistantTurnEnd struct {
	Type         MessageType `json:"type"`
	SessionID    string      `json:"session_id,omitempty"`
	TurnID       string      `json:"turn_id"`
	Text         string      `json:"text"`
	UserSeq      int64       `json:"user_seq,omitempty"`
	AssistantSeq int64       `json:"assistant_seq,omitempty"`
	Warning      string      `json:"warning,omitempty"`
}

type SystemEvent struct {
	Type   MessageType `json:"type"`
	Code   string      `json:"code"`
	Detail string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	TurnID    string      `json:"turn_id,omitempty"`
	Code      string      `json:"code"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientTurn:
		var msg ClientTurn
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.UserID) == "" || strings.TrimSpace(msg.Message) == "" {
			return nil, errors.New("invalid client_turn: user_id and message are required")
		}
		return msg, nil
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Action == "" {
			return nil, errors.New("invalid client_control")
		}
		return msg, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, env.Type)
	}
}

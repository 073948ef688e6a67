package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/parley/internal/dispatch"
	"github.com/ent0n29/parley/internal/protocol"
	"github.com/ent0n29/parley/internal/reliability"
)

// handleTurnWS streams turns over one websocket. Turns from a connection are
// dispatched one at a time in arrival order; the reply for each streams back
// as assistant_text_delta messages followed by assistant_turn_end or
// error_event.
func (s *Server) handleTurnWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	inbound := make(chan any, 64)
	outbound := make(chan any, 256)

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		defer close(outbound)
		for msg := range inbound {
			switch m := msg.(type) {
			case protocol.ClientTurn:
				s.runWSTurn(ctx, m, outbound)
			case protocol.ClientControl:
				enqueue(ctx, outbound, protocol.SystemEvent{Type: protocol.TypeSystemEvent, Code: "pong"})
			}
		}
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for msg := range outbound {
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(msg); err != nil {
				cancel()
				// Keep draining so the turn runner never blocks.
				for range outbound {
				}
				return
			}
			if t, ok := messageTypeOf(msg); ok {
				s.metrics.ObserveWSMessage("outbound", string(t))
			}
		}
	}()

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			enqueue(ctx, outbound, protocol.ErrorEvent{
				Type:   protocol.TypeErrorEvent,
				Code:   "invalid_client_message",
				Detail: err.Error(),
			})
			continue
		}
		if t, ok := messageTypeOf(parsed); ok {
			s.metrics.ObserveWSMessage("inbound", string(t))
		}
		select {
		case <-ctx.Done():
			break readLoop
		case inbound <- parsed:
		}
	}

	cancel()
	close(inbound)
	<-runDone
	<-writerDone
}

func (s *Server) runWSTurn(ctx context.Context, m protocol.ClientTurn, outbound chan<- any) {
	turnID := m.TurnID
	if turnID == "" {
		turnID = uuid.NewString()
	}
	res, err := s.dispatcher.Dispatch(ctx, dispatch.Request{
		UserID:       m.UserID,
		SessionID:    m.SessionID,
		Message:      m.Message,
		StateOverlay: m.StateOverlay,
	}, func(fragment string) error {
		if !enqueue(ctx, outbound, protocol.AssistantTextDelta{
			Type:      protocol.TypeAssistantTextDelta,
			SessionID: m.SessionID,
			TurnID:    turnID,
			TextDelta: fragment,
		}) {
			return ctx.Err()
		}
		return nil
	})
	if err != nil && !isPersistPartial(err) {
		_, code := turnErrorStatus(err)
		enqueue(ctx, outbound, protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			SessionID: m.SessionID,
			TurnID:    turnID,
			Code:      code,
			Retryable: reliability.IsRetryable(err),
			Detail:    err.Error(),
		})
		return
	}
	enqueue(ctx, outbound, protocol.AssistantTurnEnd{
		Type:         protocol.TypeAssistantTurnEnd,
		SessionID:    m.SessionID,
		TurnID:       turnID,
		Text:         res.Text,
		UserSeq:      res.UserSeq,
		AssistantSeq: res.AssistantSeq,
		Warning:      res.Warning,
	})
}

// enqueue reports false when the connection is gone.
func enqueue(ctx context.Context, outbound chan<- any, msg any) bool {
	select {
	case outbound <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.ClientTurn:
		return m.Type, true
	case protocol.ClientControl:
		return m.Type, true
	case protocol.AssistantTextDelta:
		return m.Type, true
	case protocol.AssistantTurnEnd:
		return m.Type, true
	case protocol.SystemEvent:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}

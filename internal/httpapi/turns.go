package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/ent0n29/parley/internal/dispatch"
	"github.com/ent0n29/parley/internal/reliability"
)

// statusClientClosed follows the nginx convention for a caller that hung up.
const statusClientClosed = 499

type turnRequest struct {
	UserID       string         `json:"user_id"`
	SessionID    string         `json:"session_id"`
	Message      string         `json:"message"`
	StateOverlay map[string]any `json:"session_state_overlay"`
	Stream       bool           `json:"stream"`
}

func (t turnRequest) dispatchRequest() dispatch.Request {
	return dispatch.Request{
		UserID:       t.UserID,
		SessionID:    t.SessionID,
		Message:      t.Message,
		StateOverlay: t.StateOverlay,
	}
}

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	var req turnRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, string(dispatch.ReasonInvalidRequest), err.Error())
		return
	}
	if req.Stream {
		s.streamTurn(w, r, req)
		return
	}

	res, err := s.dispatcher.Dispatch(r.Context(), req.dispatchRequest(), nil)
	if err != nil && !isPersistPartial(err) {
		status, code := turnErrorStatus(err)
		respondError(w, status, code, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// streamTurn answers with server-sent events: "fragment" for each piece of
// the reply, then "done" with the result or "error".
func (s *Server) streamTurn(w http.ResponseWriter, r *http.Request, req turnRequest) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming_unsupported", "response writer cannot flush")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	send := func(event string, v any) error {
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, raw); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	res, err := s.dispatcher.Dispatch(r.Context(), req.dispatchRequest(), func(fragment string) error {
		return send("fragment", map[string]string{"text_delta": fragment})
	})
	if err != nil && !isPersistPartial(err) {
		_, code := turnErrorStatus(err)
		_ = send("error", errorResponse{Error: errorBody{Code: code, Message: err.Error()}})
		return
	}
	_ = send("done", res)
}

func isPersistPartial(err error) bool {
	return dispatch.ReasonOf(err) == dispatch.ReasonPersistPartial
}

// turnErrorStatus maps a failed turn to an HTTP status and error code. The
// code is the failure reason so callers can tell failures apart from an
// empty answer.
func turnErrorStatus(err error) (int, string) {
	reason := dispatch.ReasonOf(err)
	switch reason {
	case dispatch.ReasonInvalidRequest:
		return http.StatusBadRequest, string(reason)
	case dispatch.ReasonStoreUnavailable, dispatch.ReasonCredentialUnavailable:
		return http.StatusServiceUnavailable, string(reason)
	case dispatch.ReasonConfigError:
		return http.StatusInternalServerError, string(reason)
	case dispatch.ReasonInvocationError:
		if reliability.IsRetryable(err) {
			return http.StatusServiceUnavailable, string(reason)
		}
		return http.StatusBadGateway, string(reason)
	case dispatch.ReasonCancelled:
		return statusClientClosed, string(reason)
	}
	if errors.Is(err, errEmptyBody) {
		return http.StatusBadRequest, string(dispatch.ReasonInvalidRequest)
	}
	return http.StatusInternalServerError, "internal_error"
}

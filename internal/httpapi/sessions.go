package httpapi

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/parley/internal/conversation"
	"github.com/ent0n29/parley/internal/dispatch"
	"github.com/ent0n29/parley/internal/tools"
)

func keyFromPath(r *http.Request) conversation.Key {
	return conversation.Key{
		UserID:    chi.URLParam(r, "user_id"),
		SessionID: chi.URLParam(r, "session_id"),
	}
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.store.Get(r.Context(), keyFromPath(r))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleListMemories(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")
	facts, err := s.store.MemoriesFor(r.Context(), userID)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if facts == nil {
		facts = []conversation.MemoryFact{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"user_id": userID, "memories": facts})
}

func (s *Server) handleRunTool(w http.ResponseWriter, r *http.Request) {
	var args map[string]any
	if err := decodeJSON(r, &args); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, string(dispatch.ReasonInvalidRequest), err.Error())
		return
	}
	name := chi.URLParam(r, "name")
	out, err := s.dispatcher.RunTool(r.Context(), keyFromPath(r), name, args)
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, map[string]any{"tool": name, "result": out})
	case errors.Is(err, tools.ErrUnknownTool):
		respondError(w, http.StatusNotFound, "unknown_tool", err.Error())
	case errors.Is(err, tools.ErrInvalidArgs), errors.Is(err, tools.ErrUndeclaredKey):
		respondError(w, http.StatusBadRequest, "invalid_tool_call", err.Error())
	case dispatch.ReasonOf(err) != "":
		status, code := turnErrorStatus(err)
		respondError(w, status, code, err.Error())
	default:
		respondStoreError(w, err)
	}
}

func respondStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, conversation.ErrNotFound):
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
	case errors.Is(err, conversation.ErrInvalidKey):
		respondError(w, http.StatusBadRequest, string(dispatch.ReasonInvalidRequest), err.Error())
	case errors.Is(err, conversation.ErrUnavailable):
		respondError(w, http.StatusServiceUnavailable, string(dispatch.ReasonStoreUnavailable), err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/ent0n29/parley/internal/conversation"
	"github.com/ent0n29/parley/internal/credential"
	"github.com/ent0n29/parley/internal/dispatch"
	"github.com/ent0n29/parley/internal/observability"
	"github.com/ent0n29/parley/internal/provider"
)

// Dispatcher runs turns and tools.
type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request, onFragment provider.FragmentHandler) (*dispatch.Result, error)
	RunTool(ctx context.Context, key conversation.Key, name string, args map[string]any) (any, error)
}

// CredentialStatus exposes the held credential for readiness checks.
type CredentialStatus interface {
	Held() (*credential.Credential, bool)
}

type Options struct {
	AllowAnyOrigin bool
	Dispatcher     Dispatcher
	Store          conversation.Store
	Credentials    CredentialStatus
	Metrics        *observability.Metrics
	Logger         logrus.FieldLogger
}

type Server struct {
	dispatcher Dispatcher
	store      conversation.Store
	creds      CredentialStatus
	metrics    *observability.Metrics
	log        logrus.FieldLogger
	upgrader   websocket.Upgrader
}

func New(opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = observability.DiscardLogger()
	}
	return &Server{
		dispatcher: opts.Dispatcher,
		store:      opts.Store,
		creds:      opts.Credentials,
		metrics:    opts.Metrics,
		log:        log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if opts.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/v1/perf/latency", s.handlePerfLatency)
	r.Delete("/v1/perf/latency", s.handleResetPerfLatency)

	r.Post("/v1/turns", s.handleTurn)
	r.Get("/v1/turns/ws", s.handleTurnWS)
	r.Get("/v1/users/{user_id}/sessions/{session_id}", s.handleGetSession)
	r.Get("/v1/users/{user_id}/memories", s.handleListMemories)
	r.Post("/v1/users/{user_id}/sessions/{session_id}/tools/{name}", s.handleRunTool)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"store_mode": conversation.Mode(s.store),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{"store": "ok", "credential": "ok"}
	ready := true

	if err := s.store.Ping(r.Context()); err != nil {
		checks["store"] = err.Error()
		ready = false
	}
	if s.creds != nil {
		cred, ok := s.creds.Held()
		switch {
		case !ok:
			checks["credential"] = "not obtained"
			ready = false
		case cred.Expired(timeNow()):
			checks["credential"] = "expired"
			ready = false
		}
	}

	status, code := "ready", http.StatusOK
	if !ready {
		status, code = "not_ready", http.StatusServiceUnavailable
	}
	respondJSON(w, code, map[string]any{
		"status":     status,
		"store_mode": conversation.Mode(s.store),
		"checks":     checks,
	})
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

var (
	errEmptyBody = errors.New("empty body")
	timeNow      = func() time.Time { return time.Now().UTC() }
)

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: errorBody{Code: code, Message: message}})
}

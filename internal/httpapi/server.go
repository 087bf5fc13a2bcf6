package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/rtbridge/internal/config"
	"github.com/ent0n29/rtbridge/internal/journal"
	"github.com/ent0n29/rtbridge/internal/mux"
	"github.com/ent0n29/rtbridge/internal/observability"
	"github.com/ent0n29/rtbridge/internal/protocol"
	"github.com/ent0n29/rtbridge/internal/session"
)

// RealtimeSession is the slice of the client surface the bridge needs. The
// concrete client satisfies it; tests substitute fakes.
type RealtimeSession interface {
	Subscribe(tag protocol.EventType, fn mux.Handler)
	SubscribeUnknown(fn mux.Handler)
	SendText(text string) error
	AppendAudio(pcm []byte, sampleRate int) error
	CommitInput() error
	CreateResponse(instructions string) error
	SendToolResult(toolCallID, toolName string, result json.RawMessage) error
	Session() session.Snapshot
	Done() <-chan struct{}
	Err() error
	Close() error
}

// SessionOpener dials one upstream realtime session per gateway connection.
type SessionOpener interface {
	OpenSession(ctx context.Context) (RealtimeSession, error)
}

type Server struct {
	cfg      config.Config
	opener   SessionOpener
	journal  journal.Store
	metrics  *observability.Metrics
	upgrader websocket.Upgrader
}

func New(cfg config.Config, opener SessionOpener, store journal.Store, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:     cfg,
		opener:  opener,
		journal: store,
		metrics: metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only allow browser websocket connections from the same
				// origin unless explicitly opened up.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
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

	r.Get("/v1/sessions/{id}", s.handleGetSession)
	r.Get("/v1/sessions/{id}/events", s.handleListSessionEvents)
	r.Get("/v1/perf/latency", s.handlePerfLatency)
	r.Get("/ws/session/{id}", s.handleSessionWS)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"upstream": s.cfg.UpstreamWSURL,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if strings.TrimSpace(id) == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}
	rec, err := s.journal.Session(r.Context(), id)
	if errors.Is(err, journal.ErrNotFound) {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "journal_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (s *Server) handleListSessionEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if strings.TrimSpace(id) == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}
	events, err := s.journal.Events(r.Context(), id)
	if errors.Is(err, journal.ErrNotFound) {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "journal_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"session_id": id, "events": events})
}

func (s *Server) handlePerfLatency(w http.ResponseWriter, _ *http.Request) {
	if s.metrics == nil {
		respondJSON(w, http.StatusOK, observability.LatencySnapshot{})
		return
	}
	respondJSON(w, http.StatusOK, s.metrics.Window.Snapshot())
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

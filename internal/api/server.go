// Package api is the admin and per-agent HTTP surface: bearer-token
// auth with explicit public exemptions, the per-agent routes, lexicon
// validation at every ingress, and the canonical error mapping.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentmesh/backend/internal/agent"
	"github.com/agentmesh/backend/internal/config"
	"github.com/agentmesh/backend/internal/events"
	"github.com/agentmesh/backend/internal/lexicon"
	"github.com/agentmesh/backend/internal/memory"
	"github.com/agentmesh/backend/internal/relay"
)

// Server wires the host, relay, and emitter behind the router.
type Server struct {
	cfg     *config.Config
	host    *agent.Host
	relay   *relay.Relay
	emitter *events.Emitter
	logger  *slog.Logger
}

// NewServer builds the HTTP surface.
func NewServer(cfg *config.Config, host *agent.Host, rl *relay.Relay, emitter *events.Emitter) *Server {
	return &Server{
		cfg:     cfg,
		host:    host,
		relay:   rl,
		emitter: emitter,
		logger:  slog.Default().With("component", "api"),
	}
}

// Router assembles all routes with middleware applied.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "Method Not Allowed")
	})

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/.well-known/agent-network.json", s.handleWellKnown).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	s.relay.Routes(r)

	a := r.PathPrefix("/agents/{name}").Subrouter()
	a.HandleFunc("", s.handleCreate).Methods(http.MethodPost)
	a.HandleFunc("/config", s.handleGetConfig).Methods(http.MethodGet)
	a.HandleFunc("/config", s.handlePatchConfig).Methods(http.MethodPatch)
	a.HandleFunc("/identity", s.handleIdentity).Methods(http.MethodGet)
	a.HandleFunc("/profile", s.docHandler("profile")).Methods(http.MethodGet, http.MethodPut)
	a.HandleFunc("/character", s.docHandler("character")).Methods(http.MethodGet, http.MethodPut)
	a.HandleFunc("/memory", s.handleMemoryPost).Methods(http.MethodPost)
	a.HandleFunc("/memory", s.handleMemoryGet).Methods(http.MethodGet)
	a.HandleFunc("/memory", s.handleMemoryPut).Methods(http.MethodPut)
	a.HandleFunc("/memory", s.handleMemoryDelete).Methods(http.MethodDelete)
	a.HandleFunc("/share", s.handleShare).Methods(http.MethodPost)
	a.HandleFunc("/shared", s.handleShared).Methods(http.MethodGet)
	a.HandleFunc("/inbox", s.handleInboxPost).Methods(http.MethodPost)
	a.HandleFunc("/inbox", s.handleInboxGet).Methods(http.MethodGet)
	a.HandleFunc("/prompt", s.handlePrompt).Methods(http.MethodPost)
	a.HandleFunc("/observations", s.handleObservations).Methods(http.MethodGet)
	a.HandleFunc("/execute", s.handleExecute).Methods(http.MethodPost)
	a.HandleFunc("/loop/start", s.handleLoopStart).Methods(http.MethodPost)
	a.HandleFunc("/loop/stop", s.handleLoopStop).Methods(http.MethodPost)
	a.HandleFunc("/loop/status", s.handleLoopStatus).Methods(http.MethodGet)
	a.HandleFunc("/trace", s.handleTrace).Methods(http.MethodGet)
	a.HandleFunc("/ws", s.handleAgentWS).Methods(http.MethodGet)

	// Auth runs as router middleware so the matched path template is
	// available for the public-route exemptions.
	r.Use(s.authMiddleware)

	return s.recoverMiddleware(s.corsMiddleware(r))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeValidationError surfaces a lexicon issue list as a 400.
func writeValidationError(w http.ResponseWriter, err error) bool {
	var verr *lexicon.ValidationError
	if errors.As(err, &verr) {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error":  "Invalid record",
			"issues": verr.Issues,
		})
		return true
	}
	return false
}

// mapStoreError translates memory-layer sentinels to HTTP statuses.
func (s *Server) mapStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, memory.ErrNotFound):
		writeError(w, http.StatusNotFound, "record not found")
	case errors.Is(err, memory.ErrAgentExists):
		writeError(w, http.StatusConflict, "agent already exists")
	case errors.Is(err, memory.ErrInvalidRecord),
		errors.Is(err, memory.ErrTypeMismatch),
		errors.Is(err, memory.ErrPublicShare):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("internal error", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
	}
}

// recoverMiddleware turns panics into the opaque 500 body, logging the
// detail with the route tag.
func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic serving request",
					"path", r.URL.Path, "panic", rec, "stack", string(debug.Stack()))
				writeError(w, http.StatusInternalServerError, "Internal Server Error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.cfg.CORSOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// publicRoute reports whether a request is exempt from the bearer token.
func publicRoute(r *http.Request) bool {
	if r.Method == http.MethodOptions {
		return true
	}
	switch r.URL.Path {
	case "/health", "/.well-known/agent-network.json", "/metrics":
		return true
	}
	if r.Method != http.MethodGet {
		return false
	}
	// Public per-agent reads.
	if route := mux.CurrentRoute(r); route != nil {
		if m, err := route.GetPathTemplate(); err == nil {
			switch m {
			case "/agents/{name}/identity", "/agents/{name}/profile", "/agents/{name}/character":
				return true
			}
		}
	}
	return false
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if publicRoute(r) {
			next.ServeHTTP(w, r)
			return
		}
		token := ""
		if h := r.Header.Get("Authorization"); len(h) > 7 && h[:7] == "Bearer " {
			token = h[7:]
		}
		if token == "" {
			// WS upgrades pass the token in the query string.
			token = r.URL.Query().Get("token")
		}
		if s.cfg.AdminToken != "" && token == s.cfg.AdminToken {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("WWW-Authenticate", "Bearer")
		writeError(w, http.StatusUnauthorized, "unauthorized")
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if missing := s.cfg.MissingBindings(); len(missing) > 0 {
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"ok":      false,
			"missing": missing,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

func (s *Server) handleWellKnown(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"name":     "agent-mesh",
		"version":  "1",
		"firehose": "/firehose",
		"agents":   "/agents",
	})
}

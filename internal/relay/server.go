package relay

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/rideboard/internal/config"
)

// Server exposes the hub on two listeners: the public websocket channel and
// the private hook the lifecycle engine posts events to.
type Server struct {
	Hub    *Hub
	Cfg    config.RelayConfig
	Logger *slog.Logger

	upgrader websocket.Upgrader
}

func NewServer(hub *Hub, cfg config.RelayConfig, logger *slog.Logger) *Server {
	s := &Server{Hub: hub, Cfg: cfg, Logger: logger}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return s.originAllowed(r.Header.Get("Origin"))
		},
	}
	return s
}

// originAllowed compares against the configured allow-list. Requests
// without an Origin header are not browsers and pass; the header is a
// browser-enforced protection only.
func (s *Server) originAllowed(origin string) bool {
	if origin == "" {
		return true
	}
	origin = strings.TrimSuffix(origin, "/")
	for _, allowed := range s.Cfg.AllowedOrigins {
		if strings.EqualFold(origin, strings.TrimSuffix(allowed, "/")) {
			return true
		}
	}
	return false
}

// PublicHandler serves the subscriber channel.
func (s *Server) PublicHandler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/ws", s.handleSubscribe).Methods("GET")
	r.HandleFunc("/healthz", handleHealthz).Methods("GET")
	return r
}

// PrivateHandler serves the authenticated hook plus metrics.
func (s *Server) PrivateHandler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/broadcast", s.handleBroadcast).Methods("POST")
	r.HandleFunc("/healthz", handleHealthz).Methods("GET")
	r.Handle("/metrics", promhttp.Handler())
	return r
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response
		s.Logger.Debug("websocket upgrade rejected", "remote", r.RemoteAddr, "error", err)
		return
	}
	s.Hub.Subscribe(conn)
}

// authorized does a constant-time comparison of the caller's secret. An
// empty configured secret authenticates nobody: fail closed, not open.
func (s *Server) authorized(r *http.Request) bool {
	if s.Cfg.Secret == "" {
		return false
	}
	got := r.Header.Get("X-Relay-Secret")
	return subtle.ConstantTimeCompare([]byte(got), []byte(s.Cfg.Secret)) == 1
}

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeJSON(w, http.StatusForbidden, map[string]any{"ok": false, "error": "forbidden"})
		return
	}
	var msg Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "bad_request"})
		return
	}
	if msg.Event == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "missing_event"})
		return
	}
	s.Hub.Broadcast(msg)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

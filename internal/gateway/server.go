// Package gateway exposes the session pool over an OpenAI-compatible HTTP
// facade: a fixed, small route table (health, models, diagnostics, chat
// completions) fronted by a non-configurable CORS policy, since the trust
// boundary for this gateway is the loopback interface it listens on.
package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/basket/kiro-gateway/internal/bus"
	"github.com/basket/kiro-gateway/internal/pool"
)

const syntheticModelID = "kiro-gateway"

// Config wires a Server to the session pool it fronts.
type Config struct {
	Pool        *pool.SessionPool
	Bus         *bus.Bus
	Logger      *slog.Logger
	ServiceName string

	// Diagnostics enables the optional /ws/diagnostics side-channel.
	Diagnostics bool
}

// Server is the HTTP facade in front of a SessionPool (§4.3).
type Server struct {
	cfg        Config
	startedAt  time.Time
	instanceID string
}

// New constructs a Server. Call Handler to obtain the http.Handler to serve.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "kiro-gateway"
	}
	return &Server{cfg: cfg, startedAt: time.Now(), instanceID: uuid.NewString()}
}

// Handler builds the route mux wrapped in the fixed CORS middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/v1/models", s.handleModels)
	mux.HandleFunc("/sessions", s.handleSessions)
	mux.HandleFunc("/v1/chat/completions", s.handleChatCompletions)
	if s.cfg.Diagnostics && s.cfg.Bus != nil {
		mux.HandleFunc("/ws/diagnostics", s.handleDiagnosticsWS)
	}
	// "/" is net/http's catch-all pattern; distinguish the bare root from
	// every other unmatched path so unknown routes 404 per §4.3.
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" {
			s.handleHealth(w, r)
			return
		}
		writeJSONError(w, http.StatusNotFound, "Not found")
	})

	return corsMiddleware(requestSizeLimitMiddleware(defaultMaxRequestBytes)(mux))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"service":     s.cfg.ServiceName,
		"instance_id": s.instanceID,
	})
}

func (s *Server) handleModels(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, ModelListResponse{
		Object: "list",
		Data: []Model{
			{
				ID:      syntheticModelID,
				Object:  "model",
				Created: s.startedAt.Unix(),
				OwnedBy: "kiro-gateway",
			},
		},
	})
}

func (s *Server) handleSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Pool.Diagnostics())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{"message": message},
	})
}

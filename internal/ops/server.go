package ops

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/sawpanic/tradeguard/internal/bus"
	"github.com/sawpanic/tradeguard/internal/cache"
	"github.com/sawpanic/tradeguard/internal/config"
	"github.com/sawpanic/tradeguard/internal/gate"
	"github.com/sawpanic/tradeguard/internal/metrics"
	"github.com/sawpanic/tradeguard/internal/mode"
	"github.com/sawpanic/tradeguard/internal/recovery"
	"github.com/sawpanic/tradeguard/internal/state"
	"github.com/sawpanic/tradeguard/internal/wal"
)

// Server is the operator API surface: force-mode, recovery control, status,
// permissions, metrics, and a websocket mode-change feed. It is read-mostly
// plumbing; nothing here sits on the decision path.
type Server struct {
	cfg      config.OpsConfig
	svc      *state.Service
	orch     *recovery.Orchestrator
	gate     *gate.Gate
	eventBus *bus.Bus
	buffer   *wal.Buffer
	snaps    *cache.Cache
	registry *metrics.Registry
	logger   zerolog.Logger
	upgrader websocket.Upgrader
}

// New wires the operator server over the running components.
func New(cfg config.OpsConfig, svc *state.Service, orch *recovery.Orchestrator, g *gate.Gate,
	b *bus.Bus, buffer *wal.Buffer, snaps *cache.Cache, registry *metrics.Registry, logger zerolog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		svc:      svc,
		orch:     orch,
		gate:     g,
		eventBus: b,
		buffer:   buffer,
		snaps:    snaps,
		registry: registry,
		logger:   logger.With().Str("component", "ops").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// Router builds the mux router.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/permissions", s.handlePermissions).Methods(http.MethodGet)
	api.HandleFunc("/mode/force", s.handleForceMode).Methods(http.MethodPost)
	api.HandleFunc("/recovery/start", s.handleStartRecovery).Methods(http.MethodPost)
	api.HandleFunc("/cache/{resource}", s.handleCache).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.registry.Prometheus(), promhttp.HandlerOpts{}))
	r.HandleFunc("/ws/mode", s.handleModeFeed)
	return r
}

// ListenAndServe runs the HTTP server until it fails.
func (s *Server) ListenAndServe() error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.Info().Str("addr", s.cfg.ListenAddr).Msg("operator API listening")
	return srv.ListenAndServe()
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	m, stage := s.gate.Current()
	writeJSON(w, http.StatusOK, map[string]any{
		"mode":         m.String(),
		"stage":        stage.String(),
		"sources":      s.svc.SourceStatuses(),
		"live_reasons": s.svc.LiveReasons(),
		"recovery":     s.orch.Status(),
		"bus":          s.eventBus.Stats(),
		"wal": map[string]any{
			"entries": s.buffer.Len(),
			"bytes":   s.buffer.Bytes(),
		},
		"cache_staleness": s.snaps.Staleness(),
	})
}

func (s *Server) handlePermissions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.gate.Table())
}

type forceModeRequest struct {
	Mode       string `json:"mode"`
	TTLSeconds int    `json:"ttl_seconds"`
	OperatorID string `json:"operator_id"`
	Reason     string `json:"reason"`
}

func (s *Server) handleForceMode(w http.ResponseWriter, r *http.Request) {
	var req forceModeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.OperatorID == "" {
		writeError(w, http.StatusBadRequest, "operator_id is required")
		return
	}
	target, ok := mode.ParseMode(req.Mode)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown mode: "+req.Mode)
		return
	}
	t := s.svc.Force(target, time.Duration(req.TTLSeconds)*time.Second, req.OperatorID, req.Reason)
	s.logger.Info().Str("operator", req.OperatorID).Str("mode", req.Mode).Msg("operator forced mode")
	writeJSON(w, http.StatusOK, t)
}

type startRecoveryRequest struct {
	OperatorID string `json:"operator_id"`
}

func (s *Server) handleStartRecovery(w http.ResponseWriter, r *http.Request) {
	var req startRecoveryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	runID, err := s.orch.Start(recovery.TriggerManual, req.OperatorID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID})
}

func (s *Server) handleCache(w http.ResponseWriter, r *http.Request) {
	resource := mux.Vars(r)["resource"]
	d := s.gate.Allows(gate.ActionQuery)
	if !d.Allowed {
		writeError(w, http.StatusServiceUnavailable, "queries not permitted in mode "+d.Mode.String())
		return
	}
	// Stale snapshots are always labeled with their age; the caller renders
	// both the value and its staleness.
	writeJSON(w, http.StatusOK, map[string]any{
		"from_cache": d.FromCache,
		"snapshots":  s.snaps.List(resource),
	})
}

// handleModeFeed streams applied transitions over a websocket. Slow readers
// miss updates rather than backing up the state service.
func (s *Server) handleModeFeed(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	sub := s.svc.Subscribe()
	defer s.svc.Unsubscribe(sub)
	for t := range sub {
		if err := conn.WriteJSON(t); err != nil {
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

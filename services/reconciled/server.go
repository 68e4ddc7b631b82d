package reconciled

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"chainsettle/services/reconciled/eventstore"
	"chainsettle/services/reconciled/models"
	"chainsettle/services/reconciled/sweeper"
	"chainsettle/services/reconciled/watcher"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// ServerConfig captures the dependencies required to construct the server.
type ServerConfig struct {
	Events     *eventstore.Store
	Health     *watcher.Health
	Sweeper    *sweeper.Sweeper
	Push       http.Handler
	Offramp    http.Handler
	Operator   OperatorConfig
	ReportsDir string
	Logger     *slog.Logger
}

// Server exposes health, metrics, intake webhooks and the operator API.
type Server struct {
	events     *eventstore.Store
	health     *watcher.Health
	sweeper    *sweeper.Sweeper
	push       http.Handler
	offramp    http.Handler
	auth       *operatorAuth
	reportsDir string
	logger     *slog.Logger

	router http.Handler
}

// NewServer constructs the router.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	srv := &Server{
		events:     cfg.Events,
		health:     cfg.Health,
		sweeper:    cfg.Sweeper,
		push:       cfg.Push,
		offramp:    cfg.Offramp,
		auth:       newOperatorAuth(cfg.Operator, logger),
		reportsDir: cfg.ReportsDir,
		logger:     logger,
	}
	srv.router = otelhttp.NewHandler(srv.buildRouter(), "reconciled")
	return srv
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	if s.push != nil {
		r.Method(http.MethodPost, "/v1/webhooks/{network}", s.push)
	}
	if s.offramp != nil {
		r.Method(http.MethodPost, "/v1/offramp/settlements", s.offramp)
	}

	r.Route("/v1/operator", func(op chi.Router) {
		op.Group(func(read chi.Router) {
			read.Use(s.auth.require(ScopeRead))
			read.Get("/events", s.handleListEvents)
			read.Get("/events/{network}/{txHash}", s.handleGetEvent)
			read.Get("/anomalies", s.handleListAnomalies)
			read.Get("/rejected", s.handleListRejected)
		})
		op.Group(func(ops chi.Router) {
			ops.Use(s.auth.require(ScopeReports))
			ops.Post("/sweep", s.handleSweep)
			ops.Post("/reports", s.handleReport)
		})
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := "ok"
	var networks []watcher.NetworkStatus
	if s.health != nil {
		networks = s.health.Snapshot()
	}
	for _, n := range networks {
		if n.Degraded {
			status = "degraded"
			break
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": status, "networks": networks})
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var statuses []models.EventStatus
	for _, raw := range strings.Split(r.URL.Query().Get("status"), ",") {
		raw = strings.ToLower(strings.TrimSpace(raw))
		if raw == "" {
			continue
		}
		status := models.EventStatus(raw)
		if !knownStatus(status) {
			writeError(w, http.StatusBadRequest, "unknown status "+raw)
			return
		}
		statuses = append(statuses, status)
	}
	if len(statuses) == 0 {
		statuses = []models.EventStatus{models.StatusFailed, models.StatusOrphaned}
	}
	events, err := s.events.ListByStatus(r.Context(), statuses, limit)
	if err != nil {
		s.logger.Error("list events failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "list events failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	event, err := s.events.Get(r.Context(), chi.URLParam(r, "network"), chi.URLParam(r, "txHash"))
	if err != nil {
		if errors.Is(err, eventstore.ErrNotFound) {
			writeError(w, http.StatusNotFound, "event not found")
			return
		}
		s.logger.Error("get event failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "get event failed")
		return
	}
	writeJSON(w, http.StatusOK, event)
}

func (s *Server) handleListAnomalies(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	kind := models.AnomalyKind(strings.ToLower(strings.TrimSpace(r.URL.Query().Get("kind"))))
	anomalies, err := s.events.ListAnomalies(r.Context(), kind, limit)
	if err != nil {
		s.logger.Error("list anomalies failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "list anomalies failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"anomalies": anomalies})
}

func (s *Server) handleListRejected(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rejected, err := s.events.ListRejected(r.Context(), limit)
	if err != nil {
		s.logger.Error("list rejected failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "list rejected failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rejected": rejected})
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	if s.sweeper == nil {
		writeError(w, http.StatusServiceUnavailable, "sweeper not configured")
		return
	}
	report, err := s.sweeper.Sweep(r.Context())
	if err != nil {
		if errors.Is(err, sweeper.ErrSweepInProgress) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		s.logger.Error("manual sweep failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "sweep failed")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	if s.sweeper == nil {
		writeError(w, http.StatusServiceUnavailable, "sweeper not configured")
		return
	}
	export, err := s.sweeper.ExportReport(r.Context(), s.reportsDir)
	if err != nil {
		s.logger.Error("exception report failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "report failed")
		return
	}
	writeJSON(w, http.StatusCreated, export)
}

func parseLimit(r *http.Request) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return defaultListLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return limit, nil
}

func knownStatus(status models.EventStatus) bool {
	switch status {
	case models.StatusPending, models.StatusConfirmed, models.StatusApplying,
		models.StatusApplied, models.StatusFailed, models.StatusOrphaned:
		return true
	default:
		return false
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

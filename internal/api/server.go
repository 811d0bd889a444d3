package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"emissionguard/internal/config"
	"emissionguard/internal/metrics"
	"emissionguard/internal/model"
	"emissionguard/internal/monitor"
)

// Monitor is the vehicle registry as seen by the HTTP layer.
type Monitor interface {
	Start(vehicleID string) (bool, error)
	Stop(vehicleID string) error
	Get(vehicleID string) (model.Snapshot, bool)
	AlertsSince(vehicleID string, ts time.Time) ([]model.Alert, bool)
	List() []model.Snapshot
	Vehicles() []string
}

type AlertArchive interface {
	ListAlerts(ctx context.Context, vehicleID string, limit int) ([]model.Alert, error)
}

type Server struct {
	cfg     *config.Manager
	monitor Monitor
	archive AlertArchive
	hub     *Hub
	logger  *slog.Logger
	version string
	started time.Time
}

type statusResponse struct {
	Status     string       `json:"status"`
	Time       string       `json:"time"`
	Uptime     string       `json:"uptime"`
	Version    string       `json:"version"`
	ConfigPath string       `json:"config_path"`
	Profile    string       `json:"profile"`
	Live       liveStatus   `json:"live"`
	Thresholds thresholds   `json:"thresholds"`
	Schedule   scheduleInfo `json:"schedule"`
	Vehicles   []string     `json:"vehicles"`
	Archive    bool         `json:"archive"`
	Streams    int          `json:"streams"`
}

type liveStatus struct {
	Enabled   bool   `json:"enabled"`
	Transport string `json:"transport"`
	Topics    string `json:"topic_template"`
}

type thresholds struct {
	COWarn    float64 `json:"co_warn"`
	CODanger  float64 `json:"co_danger"`
	CO2Warn   float64 `json:"co2_warn"`
	CO2Danger float64 `json:"co2_danger"`
}

type scheduleInfo struct {
	SimulatedTick  string `json:"simulated_tick"`
	WindowRefresh  string `json:"window_refresh"`
	NoticeDelay    string `json:"notice_delay"`
	NoticeInterval string `json:"notice_interval"`
}

// archive may be nil when the alert archive is disabled; hub may be nil when
// streaming is not wired.
func NewServer(cfg *config.Manager, mon Monitor, archive AlertArchive, hub *Hub, logger *slog.Logger, version string) *Server {
	if cfg == nil {
		cfg = config.NewStaticManager(nil)
	}
	return &Server{
		cfg:     cfg,
		monitor: mon,
		archive: archive,
		hub:     hub,
		logger:  logger,
		version: version,
		started: time.Now().UTC(),
	}
}

func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/vehicles", s.handleVehicles).Methods(http.MethodGet)
	r.HandleFunc("/vehicles/{id}", s.handleVehicle).Methods(http.MethodGet)
	r.HandleFunc("/vehicles/{id}/alerts", s.handleVehicleAlerts).Methods(http.MethodGet)
	r.HandleFunc("/vehicles/{id}/monitor", s.handleStartMonitor).Methods(http.MethodPut)
	r.HandleFunc("/vehicles/{id}/monitor", s.handleStopMonitor).Methods(http.MethodDelete)
	r.HandleFunc("/vehicles/{id}/stream", s.handleStream).Methods(http.MethodGet)
	r.HandleFunc("/archive/alerts", s.handleArchive).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	return r
}

// Start serves the API until ctx is done. It returns nil when the API is
// disabled.
func Start(ctx context.Context, cfg *config.Manager, srv *Server, logger *slog.Logger) *http.Server {
	if cfg == nil || srv == nil {
		return nil
	}
	current := cfg.Get().API
	if !current.Enabled {
		if logger != nil {
			logger.Info("api disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("api enabled", "addr", current.Addr)
	}
	httpServer := &http.Server{
		Addr:              current.Addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			if logger != nil {
				logger.Error("api server error", "err", err)
			}
		}
	}()
	return httpServer
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	cfg := s.cfg.Get()
	streams := 0
	if s.hub != nil {
		streams = s.hub.Clients()
	}
	resp := statusResponse{
		Status:     "ok",
		Time:       time.Now().UTC().Format(time.RFC3339Nano),
		Uptime:     time.Since(s.started).Round(time.Second).String(),
		Version:    s.version,
		ConfigPath: s.cfg.Path(),
		Profile:    cfg.Profile,
		Live: liveStatus{
			Enabled:   cfg.Live.Enabled,
			Transport: cfg.Live.Transport,
			Topics:    cfg.Live.TopicTemplate,
		},
		Thresholds: thresholds{
			COWarn:    cfg.Alerts.COWarn,
			CODanger:  cfg.Alerts.CODanger,
			CO2Warn:   cfg.Alerts.CO2Warn,
			CO2Danger: cfg.Alerts.CO2Danger,
		},
		Schedule: scheduleInfo{
			SimulatedTick:  cfg.Schedule.SimulatedTick.String(),
			WindowRefresh:  cfg.Schedule.WindowRefresh.String(),
			NoticeDelay:    cfg.Schedule.NoticeDelay.String(),
			NoticeInterval: cfg.Schedule.NoticeInterval.String(),
		},
		Vehicles: s.monitor.Vehicles(),
		Archive:  s.archive != nil,
		Streams:  streams,
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleVehicles(w http.ResponseWriter, r *http.Request) {
	list := s.monitor.List()
	writeJSON(w, http.StatusOK, map[string]any{
		"vehicles": list,
		"count":    len(list),
	})
}

func (s *Server) handleVehicle(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.monitor.Get(vehicleID(r))
	if !ok {
		writeError(w, http.StatusNotFound, "vehicle is not monitored")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleVehicleAlerts lists the alert log, newest first. since (RFC 3339)
// keeps alerts raised at or after that instant.
func (s *Server) handleVehicleAlerts(w http.ResponseWriter, r *http.Request) {
	id := vehicleID(r)
	limit, ok := parseLimit(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		ts, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid since, want RFC 3339")
			return
		}
		since = ts
	}
	list, ok := s.monitor.AlertsSince(id, since)
	if !ok {
		writeError(w, http.StatusNotFound, "vehicle is not monitored")
		return
	}
	if limit > 0 && limit < len(list) {
		list = list[:limit]
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"vehicle_id": id,
		"alerts":     list,
		"count":      len(list),
	})
}

func (s *Server) handleStartMonitor(w http.ResponseWriter, r *http.Request) {
	id := vehicleID(r)
	started, err := s.monitor.Start(id)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, monitor.ErrEmptyVehicle) {
			status = http.StatusBadRequest
		}
		writeError(w, status, err.Error())
		return
	}
	snap, _ := s.monitor.Get(id)
	status := http.StatusOK
	if started {
		status = http.StatusCreated
		if s.logger != nil {
			s.logger.Info("monitoring requested", "vehicle_id", id)
		}
	}
	writeJSON(w, status, snap)
}

func (s *Server) handleStopMonitor(w http.ResponseWriter, r *http.Request) {
	id := vehicleID(r)
	if err := s.monitor.Stop(id); err != nil {
		if errors.Is(err, monitor.ErrNotMonitored) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if s.hub != nil {
		s.hub.CloseVehicle(id)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "streaming disabled")
		return
	}
	s.hub.Serve(w, r, vehicleID(r))
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		writeError(w, http.StatusServiceUnavailable, "alert archive disabled")
		return
	}
	limit, ok := parseLimit(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	list, err := s.archive.ListAlerts(r.Context(), r.URL.Query().Get("vehicle_id"), limit)
	if err != nil {
		if s.logger != nil {
			s.logger.Error("archive query failed", "err", err)
		}
		writeError(w, http.StatusInternalServerError, "archive query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": list,
		"count":  len(list),
	})
}

// vehicleID is the {id} route variable without surrounding whitespace, the
// form the registry keys vehicles by.
func vehicleID(r *http.Request) string {
	return strings.TrimSpace(mux.Vars(r)["id"])
}

func parseLimit(r *http.Request) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return 0, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// Package api implements the HTTP query and command surface.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/corvids-nest/iris/internal/alerts"
	"github.com/corvids-nest/iris/internal/buildinfo"
	"github.com/corvids-nest/iris/internal/codec"
	"github.com/corvids-nest/iris/internal/command"
	"github.com/corvids-nest/iris/internal/config"
	"github.com/corvids-nest/iris/internal/ota"
	"github.com/corvids-nest/iris/internal/state"
	"github.com/corvids-nest/iris/internal/storage"
)

// writeJSON encodes v as JSON to w, logging failures at debug level;
// they almost always mean the client went away mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP server. All handlers read from the state store
// or SQLite; writes go through the command dispatcher.
type Server struct {
	listen     string
	states     *state.Store
	store      *storage.Store
	dispatcher *command.Dispatcher
	evaluator  *alerts.Evaluator
	orch       *ota.Orchestrator
	wsHandler  http.Handler
	otaCfg     config.OTAConfig
	logger     *slog.Logger

	server *http.Server
}

// NewServer creates the server; Start runs it.
func NewServer(listen string, states *state.Store, store *storage.Store, dispatcher *command.Dispatcher,
	evaluator *alerts.Evaluator, orch *ota.Orchestrator, wsHandler http.Handler,
	otaCfg config.OTAConfig, logger *slog.Logger) *Server {
	return &Server{
		listen:     listen,
		states:     states,
		store:      store,
		dispatcher: dispatcher,
		evaluator:  evaluator,
		orch:       orch,
		wsHandler:  wsHandler,
		otaCfg:     otaCfg,
		logger:     logger,
	}
}

// Routes builds the request mux.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("GET /api/weather", s.handleWeather)
	mux.HandleFunc("GET /api/weather/history", s.handleWeatherHistory)
	mux.HandleFunc("GET /api/freezer", s.handleFreezer)
	mux.HandleFunc("GET /api/garage/door", s.handleDoorGet)
	mux.HandleFunc("POST /api/garage/door", s.handleDoorCommand)
	mux.HandleFunc("GET /api/garage/light", s.handleLightGet)
	mux.HandleFunc("POST /api/garage/light", s.handleLightCommand)

	mux.HandleFunc("GET /api/devices", s.handleDeviceList)
	mux.HandleFunc("GET /api/devices/{id}", s.handleDeviceGet)
	mux.HandleFunc("POST /api/devices/{id}/reboot", s.handleReboot)
	mux.HandleFunc("POST /api/devices/{id}/ping", s.handlePing)
	mux.HandleFunc("POST /api/devices/{id}/update", s.handleUpdateTrigger)
	mux.HandleFunc("GET /api/devices/{id}/update/preview", s.handleUpdatePreview)
	mux.HandleFunc("GET /api/updates", s.handleUpdateList)

	mux.HandleFunc("GET /api/alerts", s.handleAlerts)
	mux.HandleFunc("GET /api/incidents", s.handleIncidents)
	mux.HandleFunc("POST /api/incidents/{device}/{code}/resolve", s.handleIncidentResolve)

	mux.HandleFunc("GET /api/history", s.handleHistory)

	if s.wsHandler != nil {
		mux.Handle("GET /ws", s.wsHandler)
	}
	return s.withLogging(mux)
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        s.listen,
		Handler:     s.Routes(),
		ReadTimeout: 2 * time.Second,
		// WebSocket upgrades need the write deadline off; the hub sets
		// per-frame deadlines itself.
		WriteTimeout: 0,
	}
	s.logger.Info("starting API server", "listen", s.listen)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func writeError(w http.ResponseWriter, logger *slog.Logger, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]string{"error": msg}); err != nil {
		logger.Debug("failed to write error response", "error", err)
	}
}

// commandStatus maps dispatcher errors to HTTP statuses.
func commandStatus(err error) int {
	switch {
	case errors.Is(err, command.ErrUnknownDevice):
		return http.StatusNotFound
	case errors.Is(err, command.ErrBusUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}

// --- Health ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"status":  "ok",
		"version": buildinfo.Version,
		"uptime":  buildinfo.Uptime().Truncate(time.Second).String(),
		"devices": len(s.states.SnapshotAll()),
	}, s.logger)
}

// --- Sensors ---

func (s *Server) handleWeather(w http.ResponseWriter, r *http.Request) {
	dev, ok := s.states.SnapshotDevice(codec.DeviceGarage)
	if !ok || dev.Weather == nil {
		writeError(w, s.logger, http.StatusNotFound, "no weather data yet")
		return
	}
	writeJSON(w, dev.Weather, s.logger)
}

func (s *Server) handleWeatherHistory(w http.ResponseWriter, r *http.Request) {
	from, to, bucket, err := historyWindow(r)
	if err != nil {
		writeError(w, s.logger, http.StatusBadRequest, err.Error())
		return
	}
	temp, err := s.store.ReadingHistory(r.Context(), codec.DeviceGarage, codec.MetricWeatherTempF, from, to, bucket)
	if err != nil {
		s.logger.Error("weather history query failed", "error", err)
		writeError(w, s.logger, http.StatusInternalServerError, "history query failed")
		return
	}
	pressure, err := s.store.ReadingHistory(r.Context(), codec.DeviceGarage, codec.MetricWeatherPressure, from, to, bucket)
	if err != nil {
		s.logger.Error("weather history query failed", "error", err)
		writeError(w, s.logger, http.StatusInternalServerError, "history query failed")
		return
	}
	writeJSON(w, map[string]any{
		"temperature_f": temp,
		"pressure_inhg": pressure,
	}, s.logger)
}

func (s *Server) handleFreezer(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]any)
	for id, dev := range s.states.SnapshotAll() {
		if dev.Freezer == nil {
			continue
		}
		probes := make(map[string]state.MetricSample)
		for metric, sample := range dev.Metrics {
			if strings.HasPrefix(metric, "freezer_") {
				probes[metric] = sample
			}
		}
		out[id] = map[string]any{
			"freezer": dev.Freezer,
			"probes":  probes,
		}
	}
	if len(out) == 0 {
		writeError(w, s.logger, http.StatusNotFound, "no freezer data yet")
		return
	}
	writeJSON(w, out, s.logger)
}

func (s *Server) handleDoorGet(w http.ResponseWriter, r *http.Request) {
	dev, ok := s.states.SnapshotDevice(codec.DeviceGarage)
	if !ok || dev.Door == nil {
		writeError(w, s.logger, http.StatusNotFound, "no door state yet")
		return
	}
	writeJSON(w, dev.Door, s.logger)
}

func (s *Server) handleLightGet(w http.ResponseWriter, r *http.Request) {
	dev, ok := s.states.SnapshotDevice(codec.DeviceGarage)
	if !ok || dev.Light == nil {
		writeError(w, s.logger, http.StatusNotFound, "no light state yet")
		return
	}
	writeJSON(w, dev.Light, s.logger)
}

// --- Commands ---

type actionRequest struct {
	Action string `json:"action"`
}

func (s *Server) handleDoorCommand(w http.ResponseWriter, r *http.Request) {
	var req actionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, s.logger, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.dispatcher.Door(req.Action); err != nil {
		writeError(w, s.logger, commandStatus(err), err.Error())
		return
	}
	writeJSON(w, map[string]string{"status": "ok", "action": req.Action}, s.logger)
}

func (s *Server) handleLightCommand(w http.ResponseWriter, r *http.Request) {
	var req actionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, s.logger, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.dispatcher.Light(req.Action); err != nil {
		writeError(w, s.logger, commandStatus(err), err.Error())
		return
	}
	writeJSON(w, map[string]string{"status": "ok", "action": req.Action}, s.logger)
}

// --- Devices ---

func (s *Server) handleDeviceList(w http.ResponseWriter, r *http.Request) {
	all := s.states.SnapshotAll()
	ids := make([]string, 0, len(all))
	for id := range all {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	devices := make([]state.DeviceState, 0, len(ids))
	for _, id := range ids {
		devices = append(devices, all[id])
	}
	writeJSON(w, map[string]any{"devices": devices}, s.logger)
}

func (s *Server) handleDeviceGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	dev, ok := s.states.SnapshotDevice(id)
	if !ok {
		writeError(w, s.logger, http.StatusNotFound, "unknown device "+id)
		return
	}
	resp := map[string]any{"device": dev}
	if s.store != nil {
		boots, err := s.store.Boots(r.Context(), id, 10)
		if err != nil {
			s.logger.Error("boots query failed", "device_id", id, "error", err)
		} else {
			resp["boots"] = boots
		}
	}
	writeJSON(w, resp, s.logger)
}

func (s *Server) handleReboot(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.dispatcher.Reboot(id); err != nil {
		writeError(w, s.logger, commandStatus(err), err.Error())
		return
	}
	writeJSON(w, map[string]string{"status": "ok", "device_id": id}, s.logger)
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.dispatcher.Ping(id); err != nil {
		writeError(w, s.logger, commandStatus(err), err.Error())
		return
	}
	writeJSON(w, map[string]string{"status": "ok", "device_id": id}, s.logger)
}

// --- Updates ---

type updateRequest struct {
	Ref      string `json:"ref"`
	Strategy string `json:"strategy"`
}

func (s *Server) updateParams(ref, strategy string) (string, ota.URLStrategy) {
	if ref == "" {
		ref = s.otaCfg.DefaultRef
	}
	if strategy == "" {
		// A configured proxy base overrides the raw-content default.
		if s.otaCfg.ProxyBase != "" {
			strategy = string(ota.StrategyProxy)
		} else {
			strategy = string(ota.StrategyRaw)
		}
	}
	return ref, ota.URLStrategy(strategy)
}

func (s *Server) handleUpdateTrigger(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req updateRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, s.logger, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	ref, strategy := s.updateParams(req.Ref, req.Strategy)
	attempt, err := s.dispatcher.TriggerUpdate(id, ref, strategy)
	if err != nil {
		writeError(w, s.logger, commandStatus(err), err.Error())
		return
	}
	writeJSON(w, attempt, s.logger)
}

func (s *Server) handleUpdatePreview(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ref, strategy := s.updateParams(r.URL.Query().Get("ref"), r.URL.Query().Get("strategy"))
	manifest, err := s.dispatcher.PreviewUpdate(id, ref, strategy)
	if err != nil {
		writeError(w, s.logger, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, manifest, s.logger)
}

func (s *Server) handleUpdateList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"attempts": s.orch.Attempts()}, s.logger)
}

// --- Alerts and incidents ---

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	// Recompute so the response reflects the snapshot at request time,
	// not the last evaluation tick.
	writeJSON(w, map[string]any{"alerts": s.evaluator.Evaluate()}, s.logger)
}

func (s *Server) handleIncidents(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("all") == "true" && s.store != nil {
		rows, err := s.store.Incidents(r.Context(), false, 100)
		if err != nil {
			s.logger.Error("incidents query failed", "error", err)
			writeError(w, s.logger, http.StatusInternalServerError, "incidents query failed")
			return
		}
		writeJSON(w, map[string]any{"incidents": rows}, s.logger)
		return
	}
	writeJSON(w, map[string]any{"incidents": s.states.OpenIncidents()}, s.logger)
}

func (s *Server) handleIncidentResolve(w http.ResponseWriter, r *http.Request) {
	device := r.PathValue("device")
	code := r.PathValue("code")
	var req struct {
		Note string `json:"note"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, s.logger, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	if err := s.states.ResolveIncident(device, code, req.Note); err != nil {
		writeError(w, s.logger, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, map[string]string{"status": "resolved", "device_id": device, "code": code}, s.logger)
}

// --- History ---

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	device := r.URL.Query().Get("device")
	metric := r.URL.Query().Get("metric")
	if device == "" || metric == "" {
		writeError(w, s.logger, http.StatusBadRequest, "device and metric are required")
		return
	}
	from, to, bucket, err := historyWindow(r)
	if err != nil {
		writeError(w, s.logger, http.StatusBadRequest, err.Error())
		return
	}
	points, err := s.store.ReadingHistory(r.Context(), device, metric, from, to, bucket)
	if err != nil {
		s.logger.Error("history query failed", "device_id", device, "metric", metric, "error", err)
		writeError(w, s.logger, http.StatusInternalServerError, "history query failed")
		return
	}
	writeJSON(w, map[string]any{"points": points}, s.logger)
}

// historyWindow parses hours and bucket query parameters.
func historyWindow(r *http.Request) (from, to time.Time, bucket time.Duration, err error) {
	hours := 24
	if h := r.URL.Query().Get("hours"); h != "" {
		hours, err = strconv.Atoi(h)
		if err != nil || hours <= 0 || hours > 24*90 {
			return from, to, bucket, fmt.Errorf("invalid hours %q", h)
		}
	}
	bucket, err = storage.ParseBucket(r.URL.Query().Get("bucket"))
	if err != nil {
		return from, to, bucket, err
	}
	to = time.Now()
	from = to.Add(-time.Duration(hours) * time.Hour)
	return from, to, bucket, nil
}

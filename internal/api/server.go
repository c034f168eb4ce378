package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"haulwatch/internal/catalog"
	"haulwatch/internal/config"
	"haulwatch/internal/extract"
	"haulwatch/internal/jobs"
	"haulwatch/internal/license"
	"haulwatch/internal/model"
)

type Server struct {
	cfg       *config.Manager
	registry  *jobs.Registry
	extractor *extract.Extractor
	catalog   *catalog.Manager
	licenses  *license.Manager
	logger    *slog.Logger
	version   string
}

func Start(ctx context.Context, cfg *config.Manager, registry *jobs.Registry, extractor *extract.Extractor, cat *catalog.Manager, lic *license.Manager, logger *slog.Logger, version string) *http.Server {
	if cfg == nil {
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
	server := &Server{
		cfg:       cfg,
		registry:  registry,
		extractor: extractor,
		catalog:   cat,
		licenses:  lic,
		logger:    logger,
		version:   version,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/status", server.handleStatus)
	mux.HandleFunc("/extract", server.handleExtract)
	mux.HandleFunc("/extract/", server.handleExtractByID)
	mux.HandleFunc("/results/", server.handleResults)
	mux.HandleFunc("/vehicles", server.handleVehicles)
	mux.HandleFunc("/export-data", server.handleExportData)
	mux.HandleFunc("/alarm-types", server.handleAlarmTypes)
	mux.HandleFunc("/alarm-types/defaults", server.handleAlarmTypeDefaults)
	mux.HandleFunc("/alarm-types/add", server.handleAlarmTypeAdd)
	mux.HandleFunc("/alarm-types/reset", server.handleAlarmTypeReset)
	mux.HandleFunc("/alarm-types/", server.handleAlarmTypeRemove)
	mux.HandleFunc("/extraction-settings", server.handleExtractionSettings)
	mux.HandleFunc("/validate-license", server.handleValidateLicense)
	mux.HandleFunc("/generate-license", server.handleGenerateLicense)
	mux.HandleFunc("/system-info", server.handleSystemInfo)
	mux.HandleFunc("/admin/clear", server.handleClear)

	httpServer := &http.Server{Addr: current.Addr, Handler: mux}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if logger != nil {
				logger.Error("api server error", "err", err)
			}
		}
	}()
	return httpServer
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "healthy",
		"time":        time.Now().UTC().Format(time.RFC3339Nano),
		"version":     s.version,
		"active_jobs": s.registry.ActiveCount(),
		"total_jobs":  len(s.registry.List()),
	})
}

type extractRequest struct {
	TimeRange struct {
		Start time.Time `json:"start"`
		End   time.Time `json:"end"`
	} `json:"time_range"`
	SelectedAlarms   []string `json:"selected_alarms"`
	SelectedVehicles []string `json:"selected_vehicles"`
}

func (s *Server) handleExtract(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	var req extractRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	modelReq := model.ExtractionRequest{
		TimeRange:        model.TimeRange{Start: req.TimeRange.Start.UTC(), End: req.TimeRange.End.UTC()},
		SelectedAlarms:   req.SelectedAlarms,
		SelectedVehicles: req.SelectedVehicles,
	}
	jobID, err := s.extractor.Submit(modelReq, nil)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.logger != nil {
		s.logger.Info("extraction job submitted", "job_id", jobID)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "started",
		"job_id":  jobID,
		"message": "Alarm extraction started",
	})
}

func (s *Server) handleExtractByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/extract/")
	if id, ok := strings.CutSuffix(rest, "/cancel"); ok {
		s.handleCancel(w, r, id)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	job, ok := s.registry.Get(rest)
	if !ok {
		writeError(w, http.StatusNotFound, "extraction job not found")
		return
	}
	vehicles := make(map[string]bool)
	for _, ev := range job.Events {
		vehicles[ev.Vehicle] = true
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":            job.Status,
		"message":           job.Message,
		"progress":          job.Progress,
		"current_operation": job.CurrentOperation,
		"events_found":      len(job.Events),
		"vehicles_found":    len(vehicles),
	})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if _, ok := s.registry.Get(id); !ok {
		writeError(w, http.StatusNotFound, "extraction job not found")
		return
	}
	if !s.extractor.Cancel(id) {
		writeError(w, http.StatusConflict, "job is not running")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"message": "cancellation requested",
	})
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/results/")
	job, ok := s.registry.Get(id)
	if !ok || job.Status != model.StatusCompleted {
		writeError(w, http.StatusNotFound, "extraction results not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "success",
		"message": job.Message,
		"events":  job.Events,
		"summary": job.Summary,
	})
}

func (s *Server) handleVehicles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	seen := make(map[string]bool)
	for _, job := range s.registry.List() {
		if job.Status != model.StatusCompleted {
			continue
		}
		for _, ev := range job.Events {
			seen[ev.Vehicle] = true
		}
	}
	vehicles := make([]string, 0, len(seen))
	for v := range seen {
		vehicles = append(vehicles, v)
	}
	sort.Strings(vehicles)
	writeJSON(w, http.StatusOK, map[string]any{
		"vehicles": vehicles,
		"count":    len(vehicles),
	})
}

func (s *Server) handleExportData(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	vehicleFilter := splitParam(r.URL.Query().Get("vehicle_ids"))
	alarmFilter := splitParam(r.URL.Query().Get("alarm_types"))

	var out []model.AlarmEvent
	for _, job := range s.registry.List() {
		if job.Status != model.StatusCompleted {
			continue
		}
		for _, ev := range job.Events {
			if len(vehicleFilter) > 0 && !contains(vehicleFilter, ev.Vehicle) {
				continue
			}
			if len(alarmFilter) > 0 && !contains(alarmFilter, ev.AlarmType) {
				continue
			}
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	writeJSON(w, http.StatusOK, map[string]any{
		"events": out,
		"count":  len(out),
	})
}

func (s *Server) handleAlarmTypes(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{
			"current_alarm_types": s.catalog.Current(),
			"default_alarm_types": s.catalog.Defaults(),
			"stats":               s.catalog.Stats(),
		})
	case http.MethodPost:
		var req struct {
			AlarmTypes []string `json:"alarm_types"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if err := s.catalog.Replace(req.AlarmTypes); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":      "ok",
			"alarm_types": s.catalog.Current(),
		})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleAlarmTypeDefaults(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	defaults := s.catalog.Defaults()
	writeJSON(w, http.StatusOK, map[string]any{
		"default_alarm_types": defaults,
		"count":               len(defaults),
	})
}

func (s *Server) handleAlarmTypeAdd(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		AlarmType string `json:"alarm_type"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.catalog.Add(req.AlarmType); err != nil {
		status := http.StatusBadRequest
		if strings.Contains(err.Error(), "already exists") {
			status = http.StatusConflict
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"alarm_types": s.catalog.Current(),
	})
}

func (s *Server) handleAlarmTypeReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := s.catalog.ResetToDefaults(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"alarm_types": s.catalog.Current(),
	})
}

func (s *Server) handleAlarmTypeRemove(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	alarmType := strings.TrimPrefix(r.URL.Path, "/alarm-types/")
	if err := s.catalog.Remove(alarmType); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"alarm_types": s.catalog.Current(),
	})
}

func (s *Server) handleExtractionSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{
			"extraction_settings": s.catalog.Settings(),
		})
	case http.MethodPost:
		var req struct {
			Settings catalog.Settings `json:"extraction_settings"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if err := s.catalog.UpdateSettings(req.Settings); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":              "ok",
			"extraction_settings": s.catalog.Settings(),
		})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleValidateLicense(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.licenses == nil {
		writeError(w, http.StatusServiceUnavailable, "license management disabled")
		return
	}
	var req struct {
		LicenseKey string `json:"license_key"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.LicenseKey) == "" {
		writeError(w, http.StatusBadRequest, "license_key is required")
		return
	}
	writeJSON(w, http.StatusOK, s.licenses.Validate(req.LicenseKey))
}

func (s *Server) handleGenerateLicense(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.licenses == nil {
		writeError(w, http.StatusServiceUnavailable, "license management disabled")
		return
	}
	admin := s.licenses.Validate(r.URL.Query().Get("admin_key"))
	if !admin.Valid || admin.UserType != license.UserTypeAdmin {
		writeError(w, http.StatusForbidden, "admin access required")
		return
	}
	var req struct {
		Name       string `json:"name"`
		MACAddress string `json:"mac_address"`
		ExpiryDate string `json:"expiry_date"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	key, err := s.licenses.Generate(req.Name, req.MACAddress, req.ExpiryDate, license.UserTypeRegular)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rec := license.Record{
		Name:        req.Name,
		MACAddress:  license.NormalizeMAC(req.MACAddress),
		ExpiryDate:  req.ExpiryDate,
		CreatedDate: time.Now().UTC().Format("2006-01-02"),
		UserType:    license.UserTypeRegular,
	}
	if err := s.licenses.Add(key, rec); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"license_key": key,
		"name":        req.Name,
		"expiry_date": req.ExpiryDate,
	})
}

func (s *Server) handleSystemInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	macs := license.MachineMACs()
	var primary string
	if len(macs) > 0 {
		primary = macs[0]
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"mac_addresses":  macs,
		"primary_mac":    primary,
		"total_adapters": len(macs),
	})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	cleared := s.registry.Clear()
	if s.logger != nil {
		s.logger.Info("job registry cleared", "jobs", cleared)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"jobs_cleared": cleared,
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, out any) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return false
	}
	if err := json.Unmarshal(body, out); err != nil {
		var syntaxErr *json.SyntaxError
		if errors.As(err, &syntaxErr) {
			writeError(w, http.StatusBadRequest, "malformed JSON body")
		} else {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		}
		return false
	}
	return true
}

func splitParam(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{
		"status":  "error",
		"message": message,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

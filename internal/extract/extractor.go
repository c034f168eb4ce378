package extract

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"haulwatch/internal/catalog"
	"haulwatch/internal/jobs"
	"haulwatch/internal/model"
	"haulwatch/internal/store"
)

const (
	// MaxRange bounds how much history one job may sweep.
	MaxRange = 30 * time.Hour
	// MinRange guards against degenerate ranges that cannot hold telemetry.
	MinRange = 6 * time.Second
)

var ErrEmptySelection = errors.New("at least one alarm type must be selected")

// ValidateRequest checks a request before any store query is issued. The
// same checks run at submission and again when a job is picked up.
func ValidateRequest(req model.ExtractionRequest) error {
	if len(req.SelectedAlarms) == 0 {
		return ErrEmptySelection
	}
	d := req.TimeRange.Duration()
	if d <= 0 {
		return errors.New("end time must be after start time")
	}
	if d < MinRange {
		return fmt.Errorf("time range must be at least %s", MinRange)
	}
	if d > MaxRange {
		return fmt.Errorf("time range (%.1fh) exceeds maximum %.0fh", d.Hours(), MaxRange.Hours())
	}
	return nil
}

// Archiver persists a completed job's events and summary.
type Archiver interface {
	SaveJob(job model.Job) error
}

// Publisher forwards a completed job's events downstream.
type Publisher interface {
	PublishJob(job model.Job) error
}

// Extractor drives the extraction pipeline for each submitted job: locate
// classified alarm events, then correlate telemetry per event, under the
// process-wide gateway's rate limiting. Each job owns exactly one store
// connection for its lifetime.
type Extractor struct {
	gw       *store.Gateway
	dial     func() store.Client
	bucket   string
	catalog  *catalog.Manager
	registry *jobs.Registry
	archive  Archiver
	exporter Publisher
	logger   *slog.Logger

	mu      sync.Mutex
	running map[string]*Token
}

func New(gw *store.Gateway, dial func() store.Client, bucket string, cat *catalog.Manager, registry *jobs.Registry, logger *slog.Logger) *Extractor {
	return &Extractor{
		gw:       gw,
		dial:     dial,
		bucket:   bucket,
		catalog:  cat,
		registry: registry,
		logger:   logger,
		running:  make(map[string]*Token),
	}
}

// WithArchive attaches an optional result archive.
func (e *Extractor) WithArchive(a Archiver) *Extractor {
	e.archive = a
	return e
}

// WithExporter attaches an optional downstream publisher.
func (e *Extractor) WithExporter(p Publisher) *Extractor {
	e.exporter = p
	return e
}

// Submit validates the request, registers a pending job and schedules it.
// The optional external predicate is consulted at every cancellation
// checkpoint alongside the job's own token.
func (e *Extractor) Submit(req model.ExtractionRequest, external func() bool) (string, error) {
	if err := ValidateRequest(req); err != nil {
		return "", err
	}
	id := e.registry.Create(req)
	tok := NewToken(external)
	e.mu.Lock()
	e.running[id] = tok
	e.mu.Unlock()
	go e.run(id, tok)
	return id, nil
}

// Cancel requests cooperative cancellation of a job. It returns false when
// the job is unknown or already finished.
func (e *Extractor) Cancel(id string) bool {
	e.mu.Lock()
	tok, ok := e.running[id]
	e.mu.Unlock()
	if !ok {
		return false
	}
	tok.Cancel(ErrCancelledByUser)
	return true
}

func (e *Extractor) run(id string, tok *Token) {
	defer func() {
		e.mu.Lock()
		delete(e.running, id)
		e.mu.Unlock()
	}()
	defer func() {
		// The job record must always end terminal, whatever went wrong.
		if r := recover(); r != nil {
			if e.logger != nil {
				e.logger.Error("extraction panicked", "job_id", id, "panic", r)
			}
			e.registry.Fail(id, fmt.Sprintf("internal error: %v", r))
		}
	}()

	job, ok := e.registry.Get(id)
	if !ok {
		return
	}
	req := job.Request
	if err := ValidateRequest(req); err != nil {
		e.registry.Fail(id, err.Error())
		return
	}

	// Catalog and tuning are read once and held fixed for the job.
	types := e.catalog.Current()
	settings := e.catalog.Settings()

	e.registry.SetRunning(id, "Connecting to telemetry store", "Establishing store connection", 10)
	if e.logger != nil {
		e.logger.Info("extraction started", "job_id", id,
			"range_hours", req.TimeRange.Duration().Hours(),
			"selected_alarms", len(req.SelectedAlarms))
	}

	sess := store.NewSession(e.gw, e.dial(), tok)
	defer sess.Close()

	started := time.Now()
	if _, err := sess.Query(e.smokeQuery(), "connection test"); err != nil {
		e.finish(id, err, "store connection failed")
		return
	}

	e.registry.UpdateProgress(id, 20, "Extracting alarm events from time range")
	classifier := NewClassifier(types)
	locator := NewLocator(sess, e.bucket, classifier, e.logger)
	events, err := locator.FindEvents(req.TimeRange, req.SelectedAlarms, req.SelectedVehicles)
	if err != nil {
		e.finish(id, err, "alarm location failed")
		return
	}
	if len(events) == 0 {
		e.complete(id, nil, req.TimeRange, time.Since(started))
		return
	}
	if e.logger != nil {
		e.logger.Info("alarm events located", "job_id", id, "count", len(events))
	}

	correlator := NewCorrelator(sess, e.bucket, settings, tok, e.logger)
	enriched := make([]model.AlarmEvent, 0, len(events))
	for i, ev := range events {
		if err := tok.Err(); err != nil {
			e.registry.Cancelled(id, "Extraction cancelled by user")
			return
		}
		e.registry.UpdateProgress(id, progressFor(i, len(events)),
			fmt.Sprintf("Correlating telemetry for event %d/%d (%s)", i+1, len(events), ev.Vehicle))

		tel, err := correlator.Correlate(ev.Vehicle, ev.Timestamp)
		if err != nil {
			// Only cancellation escapes the correlator.
			e.registry.Cancelled(id, "Extraction cancelled by user")
			return
		}
		ev.Telemetry = tel
		enriched = append(enriched, ev)
		e.registry.AppendEvent(id, ev)
		e.registry.UpdateProgress(id, progressFor(i+1, len(events)),
			fmt.Sprintf("Processed event %d/%d", i+1, len(events)))
		pauseBetweenEvents(settings.QueryDelay, tok)
	}

	e.complete(id, enriched, req.TimeRange, time.Since(started))
}

func (e *Extractor) complete(id string, events []model.AlarmEvent, tr model.TimeRange, took time.Duration) {
	summary := buildSummary(events, tr, took)
	e.registry.Complete(id, fmt.Sprintf("Completed: %d alarm events extracted", len(events)), summary)
	if e.logger != nil {
		e.logger.Info("extraction completed", "job_id", id,
			"events", len(events), "took", took.Round(time.Millisecond))
	}
	if e.archive == nil && e.exporter == nil {
		return
	}
	job, ok := e.registry.Get(id)
	if !ok {
		return
	}
	if e.archive != nil {
		if err := e.archive.SaveJob(job); err != nil && e.logger != nil {
			e.logger.Warn("failed to archive extraction results", "job_id", id, "err", err)
		}
	}
	if e.exporter != nil {
		if err := e.exporter.PublishJob(job); err != nil && e.logger != nil {
			e.logger.Warn("failed to publish extraction results", "job_id", id, "err", err)
		}
	}
}

// finish resolves a job-level failure into cancelled or failed.
func (e *Extractor) finish(id string, err error, context string) {
	if isCancelled(err) {
		e.registry.Cancelled(id, "Extraction cancelled by user")
		return
	}
	e.registry.Fail(id, context+": "+err.Error())
	if e.logger != nil {
		e.logger.Error("extraction failed", "job_id", id, "context", context, "err", err)
	}
}

func (e *Extractor) smokeQuery() string {
	return fmt.Sprintf("import \"influxdata/influxdb/schema\"\nschema.measurements(bucket: %s)\n  |> limit(n: 1)", fluxString(e.bucket))
}

func isCancelled(err error) bool {
	return errors.Is(err, store.ErrCancelled) || errors.Is(err, ErrCancelledByUser)
}

// progressFor maps event completion onto the 20-100 band; the first 20
// points cover connection and alarm location.
func progressFor(done, total int) int {
	if total <= 0 {
		return 100
	}
	p := 20 + (80*done)/total
	if p > 100 {
		p = 100
	}
	return p
}

func pauseBetweenEvents(delay time.Duration, tok *Token) {
	if delay <= 0 || tok.Err() != nil {
		return
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-tok.Done():
	}
}

func buildSummary(events []model.AlarmEvent, tr model.TimeRange, took time.Duration) model.Summary {
	vehicleSet := make(map[string]bool)
	typeSet := make(map[string]bool)
	vehicles := make([]string, 0)
	alarmTypes := make([]string, 0)
	for _, ev := range events {
		if !vehicleSet[ev.Vehicle] {
			vehicleSet[ev.Vehicle] = true
			vehicles = append(vehicles, ev.Vehicle)
		}
		if !typeSet[ev.AlarmType] {
			typeSet[ev.AlarmType] = true
			alarmTypes = append(alarmTypes, ev.AlarmType)
		}
	}
	sort.Strings(vehicles)
	return model.Summary{
		TotalEvents:       len(events),
		UniqueVehicles:    len(vehicles),
		Vehicles:          vehicles,
		AlarmTypesFound:   alarmTypes,
		TimeRangeHours:    round2(tr.Duration().Hours()),
		ExtractionSeconds: round2(took.Seconds()),
	}
}

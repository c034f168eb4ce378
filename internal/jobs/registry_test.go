package jobs

import (
	"testing"
	"time"

	"haulwatch/internal/model"
)

func testRequest() model.ExtractionRequest {
	start := time.Date(2026, 3, 14, 6, 0, 0, 0, time.UTC)
	return model.ExtractionRequest{
		TimeRange:      model.TimeRange{Start: start, End: start.Add(8 * time.Hour)},
		SelectedAlarms: []string{"Off Path"},
	}
}

func TestCreateAndGet(t *testing.T) {
	r := NewRegistry()
	id := r.Create(testRequest())
	if id == "" {
		t.Fatalf("empty job id")
	}
	job, ok := r.Get(id)
	if !ok {
		t.Fatalf("job not found")
	}
	if job.Status != model.StatusPending {
		t.Fatalf("status = %s", job.Status)
	}
	if job.Progress != 0 {
		t.Fatalf("progress = %d", job.Progress)
	}
	if _, ok := r.Get("missing"); ok {
		t.Fatalf("found a job that was never created")
	}
}

func TestGetReturnsSnapshot(t *testing.T) {
	r := NewRegistry()
	id := r.Create(testRequest())
	r.SetRunning(id, "running", "locating", 10)
	r.AppendEvent(id, model.AlarmEvent{AlarmType: "Off Path", Vehicle: "DT059"})

	job, _ := r.Get(id)
	job.Events[0].Vehicle = "MUTATED"
	job.Status = model.StatusFailed

	fresh, _ := r.Get(id)
	if fresh.Events[0].Vehicle != "DT059" {
		t.Fatalf("snapshot mutation leaked into registry")
	}
	if fresh.Status != model.StatusRunning {
		t.Fatalf("status = %s", fresh.Status)
	}
}

func TestTerminalJobsAreImmutable(t *testing.T) {
	r := NewRegistry()
	id := r.Create(testRequest())
	r.Complete(id, "done", model.Summary{TotalEvents: 3})

	r.Fail(id, "too late")
	r.Cancelled(id, "too late")
	r.UpdateProgress(id, 1, "too late")
	r.AppendEvent(id, model.AlarmEvent{Vehicle: "DT059"})

	job, _ := r.Get(id)
	if job.Status != model.StatusCompleted {
		t.Fatalf("status = %s", job.Status)
	}
	if job.Progress != 100 {
		t.Fatalf("progress = %d", job.Progress)
	}
	if len(job.Events) != 0 {
		t.Fatalf("events appended to terminal job")
	}
	if job.Summary == nil || job.Summary.TotalEvents != 3 {
		t.Fatalf("summary = %+v", job.Summary)
	}
}

func TestFailRecordsError(t *testing.T) {
	r := NewRegistry()
	id := r.Create(testRequest())
	r.Fail(id, "store unreachable")

	job, _ := r.Get(id)
	if job.Status != model.StatusFailed {
		t.Fatalf("status = %s", job.Status)
	}
	if job.Error != "store unreachable" {
		t.Fatalf("error = %q", job.Error)
	}
	if job.CompletionTime == nil {
		t.Fatalf("missing completion time")
	}
}

func TestClearAndActiveCount(t *testing.T) {
	r := NewRegistry()
	a := r.Create(testRequest())
	r.Create(testRequest())
	c := r.Create(testRequest())
	r.Complete(c, "done", model.Summary{})

	if got := r.ActiveCount(); got != 2 {
		t.Fatalf("active = %d, want 2", got)
	}
	if got := r.Clear(); got != 3 {
		t.Fatalf("cleared = %d, want 3", got)
	}
	if _, ok := r.Get(a); ok {
		t.Fatalf("job survived clear")
	}
	if got := r.ActiveCount(); got != 0 {
		t.Fatalf("active after clear = %d", got)
	}
}

// Package jobs owns every extraction job record for its lifetime. The
// orchestrator mutates a job only through these methods while it is the
// job's single active runner; everyone else gets snapshots.
package jobs

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"haulwatch/internal/model"
)

type Registry struct {
	mu   sync.RWMutex
	jobs map[string]*model.Job
}

func NewRegistry() *Registry {
	return &Registry{jobs: make(map[string]*model.Job)}
}

// Create registers a new pending job and returns its identifier.
func (r *Registry) Create(req model.ExtractionRequest) string {
	id := uuid.NewString()
	job := &model.Job{
		ID:               id,
		Status:           model.StatusPending,
		Message:          "Extraction job created",
		CurrentOperation: "Initializing alarm extraction",
		Request:          req,
		StartTime:        time.Now().UTC(),
	}
	r.mu.Lock()
	r.jobs[id] = job
	r.mu.Unlock()
	return id
}

// Get returns a snapshot of the job, safe to hold across registry updates.
func (r *Registry) Get(id string) (model.Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[id]
	if !ok {
		return model.Job{}, false
	}
	return snapshot(job), true
}

func (r *Registry) List() []model.Job {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Job, 0, len(r.jobs))
	for _, job := range r.jobs {
		out = append(out, snapshot(job))
	}
	return out
}

// Clear drops every record unconditionally, running jobs included. It is an
// administrative reset, not part of the cancellation flow.
func (r *Registry) Clear() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.jobs)
	r.jobs = make(map[string]*model.Job)
	return n
}

func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, job := range r.jobs {
		if !job.Status.Terminal() {
			n++
		}
	}
	return n
}

// SetRunning transitions pending → running. Terminal jobs are left alone.
func (r *Registry) SetRunning(id, message, operation string, progress int) {
	r.update(id, func(job *model.Job) {
		job.Status = model.StatusRunning
		job.Message = message
		job.CurrentOperation = operation
		job.Progress = progress
	})
}

func (r *Registry) UpdateProgress(id string, progress int, operation string) {
	r.update(id, func(job *model.Job) {
		job.Progress = progress
		job.CurrentOperation = operation
	})
}

func (r *Registry) AppendEvent(id string, ev model.AlarmEvent) {
	r.update(id, func(job *model.Job) {
		job.Events = append(job.Events, ev)
	})
}

func (r *Registry) Complete(id, message string, summary model.Summary) {
	r.update(id, func(job *model.Job) {
		now := time.Now().UTC()
		job.Status = model.StatusCompleted
		job.Message = message
		job.Progress = 100
		job.CurrentOperation = "Alarm extraction completed"
		job.Summary = &summary
		job.CompletionTime = &now
	})
}

func (r *Registry) Fail(id, errMsg string) {
	r.update(id, func(job *model.Job) {
		now := time.Now().UTC()
		job.Status = model.StatusFailed
		job.Message = "Extraction failed: " + errMsg
		job.Error = errMsg
		job.CurrentOperation = "Failed: " + errMsg
		job.CompletionTime = &now
	})
}

func (r *Registry) Cancelled(id, reason string) {
	r.update(id, func(job *model.Job) {
		now := time.Now().UTC()
		job.Status = model.StatusCancelled
		job.Message = reason
		job.CurrentOperation = "Extraction cancelled"
		job.CompletionTime = &now
	})
}

// update applies fn under the lock. Terminal states never transition out.
func (r *Registry) update(id string, fn func(*model.Job)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok || job.Status.Terminal() {
		return
	}
	fn(job)
}

func snapshot(job *model.Job) model.Job {
	out := *job
	out.Events = append([]model.AlarmEvent(nil), job.Events...)
	if job.Summary != nil {
		s := *job.Summary
		out.Summary = &s
	}
	if job.CompletionTime != nil {
		t := *job.CompletionTime
		out.CompletionTime = &t
	}
	return out
}

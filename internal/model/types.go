package model

import "time"

type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
	StatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether no further status transitions are possible.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// AlarmTelemetry holds the sensor readings correlated with one alarm event.
// Every field is optional: a nil pointer means the underlying windowed query
// returned no usable points, which is a valid terminal state.
type AlarmTelemetry struct {
	Latitude      *float64 `json:"latitude"`
	Longitude     *float64 `json:"longitude"`
	SpeedKmh      *float64 `json:"speed_kmh"`
	OffPathErrorM *float64 `json:"off_path_error_m"`
	PitchDeg      *float64 `json:"pitch_deg"`
	PitchMinDeg   *float64 `json:"pitch_min_deg"`
	PitchMaxDeg   *float64 `json:"pitch_max_deg"`
	RollDeg       *float64 `json:"roll_deg"`
	RollMinDeg    *float64 `json:"roll_min_deg"`
	RollMaxDeg    *float64 `json:"roll_max_deg"`
}

type AlarmEvent struct {
	AlarmType string         `json:"alarm_type"`
	Vehicle   string         `json:"vehicle"`
	Timestamp time.Time      `json:"timestamp"`
	Title     string         `json:"title"`
	Telemetry AlarmTelemetry `json:"telemetry"`
}

type Summary struct {
	TotalEvents       int      `json:"total_events"`
	UniqueVehicles    int      `json:"unique_vehicles"`
	Vehicles          []string `json:"vehicles"`
	AlarmTypesFound   []string `json:"alarm_types_found"`
	TimeRangeHours    float64  `json:"time_range_hours"`
	ExtractionSeconds float64  `json:"extraction_seconds"`
}

type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (r TimeRange) Duration() time.Duration {
	return r.End.Sub(r.Start)
}

type ExtractionRequest struct {
	TimeRange        TimeRange `json:"time_range"`
	SelectedAlarms   []string  `json:"selected_alarms"`
	SelectedVehicles []string  `json:"selected_vehicles,omitempty"`
}

// Job is one end-to-end run of the extraction pipeline. Job records are owned
// by the registry; callers only ever see copies.
type Job struct {
	ID               string            `json:"id"`
	Status           JobStatus         `json:"status"`
	Message          string            `json:"message"`
	Progress         int               `json:"progress"`
	CurrentOperation string            `json:"current_operation"`
	Request          ExtractionRequest `json:"request"`
	Events           []AlarmEvent      `json:"events"`
	Summary          *Summary          `json:"summary,omitempty"`
	Error            string            `json:"error,omitempty"`
	StartTime        time.Time         `json:"start_time"`
	CompletionTime   *time.Time        `json:"completion_time,omitempty"`
}

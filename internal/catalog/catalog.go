// Package catalog manages the ordered alarm-type catalog and the extraction
// tuning parameters. Both are persisted to a single JSON file after every
// mutation; catalog order is significant because the classifier takes the
// first matching entry.
package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// DefaultAlarmTypes is the factory catalog for autonomous haul trucks.
var DefaultAlarmTypes = []string{
	"Dump Bed Cannot Be Raised While Vehicle Tilted",
	"Tilt exceeded with dump bed raised",
	"Off Path",
	"Steering Restricted",
	"Bump Detected: Dump",
	"Bump Detected: Close",
	"Undocumented Error c419",
	"Failed to Drive When Commanded",
	"Slippery Conditions Caused Vehicle To Stop",
}

type Settings struct {
	QueryDelay        time.Duration `json:"-"`
	MaxPointsPerQuery int           `json:"max_points_per_query"`
	TelemetryWindow   time.Duration `json:"-"`

	// Seconds fields are the persisted form; durations above are derived.
	QueryDelaySeconds      float64 `json:"query_delay_seconds"`
	TelemetryWindowSeconds float64 `json:"telemetry_window_seconds"`
}

func DefaultSettings() Settings {
	s := Settings{
		QueryDelaySeconds:      0.1,
		MaxPointsPerQuery:      1000,
		TelemetryWindowSeconds: 0.5,
	}
	s.sync()
	return s
}

func (s *Settings) sync() {
	s.QueryDelay = time.Duration(s.QueryDelaySeconds * float64(time.Second))
	s.TelemetryWindow = time.Duration(s.TelemetryWindowSeconds * float64(time.Second))
}

func (s Settings) Validate() error {
	if s.QueryDelaySeconds < 0 {
		return errors.New("query_delay_seconds must be non-negative")
	}
	if s.MaxPointsPerQuery < 1 {
		return errors.New("max_points_per_query must be at least 1")
	}
	if s.TelemetryWindowSeconds < 0 {
		return errors.New("telemetry_window_seconds must be non-negative")
	}
	return nil
}

type fileFormat struct {
	DefaultAlarmTypes []string `json:"default_alarm_types"`
	CurrentAlarmTypes []string `json:"current_alarm_types"`
	Settings          Settings `json:"extraction_settings"`
}

type Stats struct {
	CurrentCount    int      `json:"current_count"`
	DefaultCount    int      `json:"default_count"`
	UsingDefaults   bool     `json:"is_using_defaults"`
	CustomAdditions []string `json:"custom_additions"`
	RemovedDefaults []string `json:"removed_defaults"`
}

// Manager is the process-wide owner of the catalog file. Reads hand out
// copies so in-flight jobs hold a fixed view of the catalog.
type Manager struct {
	mu       sync.Mutex
	path     string
	defaults []string
	current  []string
	settings Settings
}

func NewManager(path string) (*Manager, error) {
	m := &Manager{
		path:     path,
		defaults: append([]string(nil), DefaultAlarmTypes...),
		current:  append([]string(nil), DefaultAlarmTypes...),
		settings: DefaultSettings(),
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := m.save(); err != nil {
			return nil, err
		}
		return m, nil
	}
	if err := m.load(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) load() error {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return err
	}
	var ff fileFormat
	if err := json.Unmarshal(data, &ff); err != nil {
		return fmt.Errorf("parse catalog file %s: %w", m.path, err)
	}
	if len(ff.DefaultAlarmTypes) > 0 {
		m.defaults = ff.DefaultAlarmTypes
	}
	if len(ff.CurrentAlarmTypes) > 0 {
		m.current = ff.CurrentAlarmTypes
	}
	if ff.Settings.MaxPointsPerQuery > 0 {
		ff.Settings.sync()
		if err := ff.Settings.Validate(); err != nil {
			return fmt.Errorf("catalog file %s: %w", m.path, err)
		}
		m.settings = ff.Settings
	}
	return nil
}

// save persists the catalog; callers must hold mu.
func (m *Manager) save() error {
	ff := fileFormat{
		DefaultAlarmTypes: m.defaults,
		CurrentAlarmTypes: m.current,
		Settings:          m.settings,
	}
	data, err := json.MarshalIndent(ff, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(m.path, data, 0o644)
}

// Current returns a copy of the user-editable catalog in order.
func (m *Manager) Current() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.current...)
}

// Defaults returns a copy of the factory catalog.
func (m *Manager) Defaults() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.defaults...)
}

func (m *Manager) Settings() Settings {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settings
}

func (m *Manager) UpdateSettings(s Settings) error {
	s.sync()
	if err := s.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.settings
	m.settings = s
	if err := m.save(); err != nil {
		m.settings = prev
		return err
	}
	return nil
}

// Replace swaps the whole current catalog. Blank entries are dropped, order
// of the remainder is preserved.
func (m *Manager) Replace(types []string) error {
	clean := make([]string, 0, len(types))
	for _, t := range types {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		clean = append(clean, t)
	}
	if len(clean) == 0 {
		return errors.New("no valid alarm types provided")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.current
	m.current = clean
	if err := m.save(); err != nil {
		m.current = prev
		return err
	}
	return nil
}

func (m *Manager) Add(alarmType string) error {
	alarmType = strings.TrimSpace(alarmType)
	if alarmType == "" {
		return errors.New("alarm type is empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.current {
		if t == alarmType {
			return fmt.Errorf("alarm type %q already exists", alarmType)
		}
	}
	m.current = append(m.current, alarmType)
	if err := m.save(); err != nil {
		m.current = m.current[:len(m.current)-1]
		return err
	}
	return nil
}

func (m *Manager) Remove(alarmType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := -1
	for i, t := range m.current {
		if t == alarmType {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("alarm type %q not found", alarmType)
	}
	prev := append([]string(nil), m.current...)
	m.current = append(m.current[:idx], m.current[idx+1:]...)
	if err := m.save(); err != nil {
		m.current = prev
		return err
	}
	return nil
}

func (m *Manager) ResetToDefaults() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.current
	m.current = append([]string(nil), m.defaults...)
	if err := m.save(); err != nil {
		m.current = prev
		return err
	}
	return nil
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Stats{
		CurrentCount:    len(m.current),
		DefaultCount:    len(m.defaults),
		CustomAdditions: []string{},
		RemovedDefaults: []string{},
	}
	defaultSet := make(map[string]bool, len(m.defaults))
	for _, t := range m.defaults {
		defaultSet[t] = true
	}
	currentSet := make(map[string]bool, len(m.current))
	for _, t := range m.current {
		currentSet[t] = true
		if !defaultSet[t] {
			st.CustomAdditions = append(st.CustomAdditions, t)
		}
	}
	for _, t := range m.defaults {
		if !currentSet[t] {
			st.RemovedDefaults = append(st.RemovedDefaults, t)
		}
	}
	st.UsingDefaults = len(m.current) == len(m.defaults)
	if st.UsingDefaults {
		for i, t := range m.current {
			if m.defaults[i] != t {
				st.UsingDefaults = false
				break
			}
		}
	}
	return st
}

package catalog

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestManager(t *testing.T) (*Manager, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "alarm_types.json")
	m, err := NewManager(path)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return m, path
}

func TestNewManagerSeedsDefaults(t *testing.T) {
	m, _ := newTestManager(t)
	current := m.Current()
	if len(current) != len(DefaultAlarmTypes) {
		t.Fatalf("current = %d entries, want %d", len(current), len(DefaultAlarmTypes))
	}
	for i, want := range DefaultAlarmTypes {
		if current[i] != want {
			t.Fatalf("entry %d = %q, want %q", i, current[i], want)
		}
	}
	if s := m.Settings(); s.MaxPointsPerQuery != 1000 {
		t.Fatalf("settings = %+v", s)
	}
}

func TestMutationsPersistAcrossReopen(t *testing.T) {
	m, path := newTestManager(t)
	if err := m.Add("Custom Brake Fault"); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := m.Remove("Off Path"); err != nil {
		t.Fatalf("remove: %v", err)
	}

	reopened, err := NewManager(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	current := reopened.Current()
	found := false
	for _, typ := range current {
		if typ == "Off Path" {
			t.Fatalf("removed type survived reopen")
		}
		if typ == "Custom Brake Fault" {
			found = true
		}
	}
	if !found {
		t.Fatalf("added type lost on reopen")
	}
}

func TestAddDuplicate(t *testing.T) {
	m, _ := newTestManager(t)
	if err := m.Add("Off Path"); err == nil {
		t.Fatalf("expected duplicate error")
	}
	if err := m.Add("   "); err == nil {
		t.Fatalf("expected empty error")
	}
}

func TestRemoveMissing(t *testing.T) {
	m, _ := newTestManager(t)
	if err := m.Remove("No Such Alarm"); err == nil {
		t.Fatalf("expected not-found error")
	}
}

func TestReplaceDropsBlanks(t *testing.T) {
	m, _ := newTestManager(t)
	if err := m.Replace([]string{" Off Path ", "", "  ", "Steering Restricted"}); err != nil {
		t.Fatalf("replace: %v", err)
	}
	current := m.Current()
	if len(current) != 2 || current[0] != "Off Path" || current[1] != "Steering Restricted" {
		t.Fatalf("current = %v", current)
	}
	if err := m.Replace([]string{"", "  "}); err == nil {
		t.Fatalf("expected error for all-blank replacement")
	}
}

func TestResetToDefaults(t *testing.T) {
	m, _ := newTestManager(t)
	if err := m.Replace([]string{"Only One"}); err != nil {
		t.Fatalf("replace: %v", err)
	}
	if err := m.ResetToDefaults(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if got := m.Current(); len(got) != len(DefaultAlarmTypes) {
		t.Fatalf("current = %v", got)
	}
	st := m.Stats()
	if !st.UsingDefaults {
		t.Fatalf("stats = %+v", st)
	}
}

func TestStatsTracksDrift(t *testing.T) {
	m, _ := newTestManager(t)
	if err := m.Add("Custom Brake Fault"); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := m.Remove("Off Path"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	st := m.Stats()
	if st.UsingDefaults {
		t.Fatalf("expected drift")
	}
	if len(st.CustomAdditions) != 1 || st.CustomAdditions[0] != "Custom Brake Fault" {
		t.Fatalf("additions = %v", st.CustomAdditions)
	}
	if len(st.RemovedDefaults) != 1 || st.RemovedDefaults[0] != "Off Path" {
		t.Fatalf("removed = %v", st.RemovedDefaults)
	}
}

func TestUpdateSettings(t *testing.T) {
	m, path := newTestManager(t)
	err := m.UpdateSettings(Settings{
		QueryDelaySeconds:      0.25,
		MaxPointsPerQuery:      500,
		TelemetryWindowSeconds: 1.5,
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	s := m.Settings()
	if s.QueryDelay != 250*time.Millisecond {
		t.Fatalf("query delay = %v", s.QueryDelay)
	}
	if s.TelemetryWindow != 1500*time.Millisecond {
		t.Fatalf("window = %v", s.TelemetryWindow)
	}

	reopened, err := NewManager(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if got := reopened.Settings(); got.MaxPointsPerQuery != 500 || got.QueryDelay != 250*time.Millisecond {
		t.Fatalf("settings after reopen = %+v", got)
	}
}

func TestUpdateSettingsRejectsInvalid(t *testing.T) {
	m, _ := newTestManager(t)
	bad := []Settings{
		{QueryDelaySeconds: -1, MaxPointsPerQuery: 100, TelemetryWindowSeconds: 0.5},
		{QueryDelaySeconds: 0.1, MaxPointsPerQuery: 0, TelemetryWindowSeconds: 0.5},
		{QueryDelaySeconds: 0.1, MaxPointsPerQuery: 100, TelemetryWindowSeconds: -0.5},
	}
	for i, s := range bad {
		if err := m.UpdateSettings(s); err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
	}
	if got := m.Settings(); got.MaxPointsPerQuery != 1000 {
		t.Fatalf("settings changed by rejected update: %+v", got)
	}
}

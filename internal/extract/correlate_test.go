package extract

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"haulwatch/internal/catalog"
	"haulwatch/internal/store"
)

// fakeClient answers store queries from a function keyed on the query text.
type fakeClient struct {
	mu      sync.Mutex
	calls   []string
	respond func(flux string) ([]store.Row, error)
}

func (f *fakeClient) Query(ctx context.Context, flux string) ([]store.Row, error) {
	f.mu.Lock()
	f.calls = append(f.calls, flux)
	f.mu.Unlock()
	if f.respond == nil {
		return nil, nil
	}
	return f.respond(flux)
}

func (f *fakeClient) Ping(ctx context.Context) error { return nil }
func (f *fakeClient) Close()                         {}

func (f *fakeClient) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeClient) queries() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func newTestSession(t *testing.T, client *fakeClient, tok *Token) *store.Session {
	t.Helper()
	gw := store.NewGateway(2*time.Second, 10*time.Millisecond, nil)
	t.Cleanup(gw.Close)
	if tok == nil {
		tok = NewToken(nil)
	}
	return store.NewSession(gw, client, tok)
}

func fastSettings() catalog.Settings {
	s := catalog.DefaultSettings()
	s.QueryDelay = 0
	return s
}

func seriesRows(values ...float64) []store.Row {
	rows := make([]store.Row, len(values))
	for i, v := range values {
		rows[i] = store.Row{"_value": v}
	}
	return rows
}

func TestCorrelateSpeedConversion(t *testing.T) {
	client := &fakeClient{respond: func(flux string) ([]store.Row, error) {
		if strings.Contains(flux, `"Velocity X"`) {
			return seriesRows(-2.0, 1.0, -3.5), nil
		}
		return nil, nil
	}}
	c := NewCorrelator(newTestSession(t, client, nil), "MobiusLog", fastSettings(), nil, nil)

	tel, err := c.Correlate("DT059", time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tel.SpeedKmh == nil {
		t.Fatalf("expected speed")
	}
	// Largest absolute sample 3.5 m/s converted to km/h.
	if *tel.SpeedKmh != 12.6 {
		t.Fatalf("speed = %v, want 12.6", *tel.SpeedKmh)
	}
}

func TestCorrelateAttitudeDegrees(t *testing.T) {
	client := &fakeClient{respond: func(flux string) ([]store.Row, error) {
		if strings.Contains(flux, `"Attitude Pitch"`) || strings.Contains(flux, `"Attitude Roll"`) {
			return seriesRows(0.01, -0.02, 0.015), nil
		}
		return nil, nil
	}}
	c := NewCorrelator(newTestSession(t, client, nil), "MobiusLog", fastSettings(), nil, nil)

	tel, err := c.Correlate("DT059", time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tel.PitchDeg == nil || tel.PitchMinDeg == nil || tel.PitchMaxDeg == nil {
		t.Fatalf("expected pitch fields")
	}
	if *tel.PitchDeg != 1.15 {
		t.Fatalf("pitch = %v, want 1.15", *tel.PitchDeg)
	}
	if *tel.PitchMinDeg != -1.15 {
		t.Fatalf("pitch min = %v, want -1.15", *tel.PitchMinDeg)
	}
	if *tel.PitchMaxDeg != 0.86 {
		t.Fatalf("pitch max = %v, want 0.86", *tel.PitchMaxDeg)
	}
	if tel.RollDeg == nil || *tel.RollDeg != 1.15 {
		t.Fatalf("roll = %v, want 1.15", tel.RollDeg)
	}
}

func TestCorrelatePosition(t *testing.T) {
	client := &fakeClient{respond: func(flux string) ([]store.Row, error) {
		if strings.Contains(flux, `"PositionGroup.GlobalPosition"`) {
			return []store.Row{{"Value.Latitude": -22.5312, "Value.Longitude": 119.3021}}, nil
		}
		return nil, nil
	}}
	c := NewCorrelator(newTestSession(t, client, nil), "MobiusLog", fastSettings(), nil, nil)

	tel, err := c.Correlate("DT059", time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tel.Latitude == nil || *tel.Latitude != -22.5312 {
		t.Fatalf("latitude = %v", tel.Latitude)
	}
	if tel.Longitude == nil || *tel.Longitude != 119.3021 {
		t.Fatalf("longitude = %v", tel.Longitude)
	}
}

func TestCorrelateAbsentSeries(t *testing.T) {
	client := &fakeClient{}
	c := NewCorrelator(newTestSession(t, client, nil), "MobiusLog", fastSettings(), nil, nil)

	tel, err := c.Correlate("DT059", time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tel.Latitude != nil || tel.SpeedKmh != nil || tel.OffPathErrorM != nil ||
		tel.PitchDeg != nil || tel.RollDeg != nil {
		t.Fatalf("expected all fields absent, got %+v", tel)
	}
	if client.callCount() != 5 {
		t.Fatalf("expected 5 sub-queries, got %d", client.callCount())
	}
}

func TestCorrelateSubQueryFailureIsNotFatal(t *testing.T) {
	client := &fakeClient{respond: func(flux string) ([]store.Row, error) {
		switch {
		case strings.Contains(flux, `"Velocity X"`):
			return nil, fmt.Errorf("series unavailable")
		case strings.Contains(flux, `"Off Path Error"`):
			return seriesRows(0.42), nil
		}
		return nil, nil
	}}
	c := NewCorrelator(newTestSession(t, client, nil), "MobiusLog", fastSettings(), nil, nil)

	tel, err := c.Correlate("DT059", time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tel.SpeedKmh != nil {
		t.Fatalf("failed sub-query must leave its field absent")
	}
	if tel.OffPathErrorM == nil || *tel.OffPathErrorM != 0.42 {
		t.Fatalf("off-path = %v, want 0.42", tel.OffPathErrorM)
	}
}

func TestCorrelateCancellationIsFatal(t *testing.T) {
	client := &fakeClient{}
	tok := NewToken(nil)
	tok.Cancel(ErrCancelledByUser)
	c := NewCorrelator(newTestSession(t, client, tok), "MobiusLog", fastSettings(), tok, nil)

	_, err := c.Correlate("DT059", time.Now())
	if !errors.Is(err, store.ErrCancelled) {
		t.Fatalf("expected cancellation error, got %v", err)
	}
	if client.callCount() != 0 {
		t.Fatalf("cancelled job must not issue sub-queries")
	}
}

func TestRound2(t *testing.T) {
	cases := []struct{ in, want float64 }{
		{1.14650, 1.15},
		{-1.14650, -1.15},
		{0.004, 0.0},
		{12.599999, 12.6},
	}
	for _, c := range cases {
		if got := round2(c.in); got != c.want {
			t.Fatalf("round2(%v) = %v, want %v", c.in, got, c.want)
		}
	}
}

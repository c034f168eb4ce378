package extract

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"haulwatch/internal/catalog"
	"haulwatch/internal/model"
	"haulwatch/internal/store"
)

const (
	positionMeasurement = "PositionGroup.GlobalPosition"
	speedMeasurement    = "Velocity X"
	offPathMeasurement  = "Off Path Error"
	pitchMeasurement    = "Attitude Pitch"
	rollMeasurement     = "Attitude Roll"

	// Native speed samples are m/s.
	speedToKmh = 3.6
	// Attitude samples divide by this to land in degrees.
	degFactor = 0.0174444
)

// Correlator enriches one alarm event with windowed sensor telemetry. The
// five sub-queries run strictly in sequence with the configured delay after
// each one; sequential execution is the rate limiter, not a shortcut.
type Correlator struct {
	sess     *store.Session
	bucket   string
	settings catalog.Settings
	tok      *Token
	logger   *slog.Logger
}

func NewCorrelator(sess *store.Session, bucket string, settings catalog.Settings, tok *Token, logger *slog.Logger) *Correlator {
	return &Correlator{sess: sess, bucket: bucket, settings: settings, tok: tok, logger: logger}
}

// Correlate samples position, speed, off-path error, pitch and roll in the
// symmetric window around ts. A sub-query failure leaves its field absent
// and never aborts the event; cancellation always propagates.
func (c *Correlator) Correlate(vehicle string, ts time.Time) (model.AlarmTelemetry, error) {
	var tel model.AlarmTelemetry
	start := ts.Add(-c.settings.TelemetryWindow)
	end := ts.Add(c.settings.TelemetryWindow)

	if err := c.position(vehicle, start, end, &tel); err != nil {
		return tel, err
	}
	if err := c.speed(vehicle, start, end, &tel); err != nil {
		return tel, err
	}
	if err := c.offPath(vehicle, start, end, &tel); err != nil {
		return tel, err
	}
	if err := c.attitude(vehicle, start, end, pitchMeasurement, &tel.PitchDeg, &tel.PitchMinDeg, &tel.PitchMaxDeg); err != nil {
		return tel, err
	}
	if err := c.attitude(vehicle, start, end, rollMeasurement, &tel.RollDeg, &tel.RollMinDeg, &tel.RollMaxDeg); err != nil {
		return tel, err
	}
	return tel, nil
}

func (c *Correlator) position(vehicle string, start, end time.Time, tel *model.AlarmTelemetry) error {
	flux := c.positionQuery(vehicle, start, end)
	rows, err := c.sess.Query(flux, "position query for "+vehicle)
	if fatal, err := c.subQueryResult(err, vehicle, "position"); fatal {
		return err
	}
	if len(rows) > 0 {
		if lat, ok := rows[0].Float("Value.Latitude"); ok {
			tel.Latitude = &lat
		}
		if lon, ok := rows[0].Float("Value.Longitude"); ok {
			tel.Longitude = &lon
		}
	}
	c.pause()
	return nil
}

func (c *Correlator) speed(vehicle string, start, end time.Time, tel *model.AlarmTelemetry) error {
	flux := c.valueSeriesQuery(speedMeasurement, vehicle, start, end)
	rows, err := c.sess.Query(flux, "speed query for "+vehicle)
	if fatal, err := c.subQueryResult(err, vehicle, "speed"); fatal {
		return err
	}
	values := rowValues(rows)
	if len(values) > 0 {
		kmh := round2(maxAbs(values) * speedToKmh)
		tel.SpeedKmh = &kmh
	}
	c.pause()
	return nil
}

func (c *Correlator) offPath(vehicle string, start, end time.Time, tel *model.AlarmTelemetry) error {
	flux := c.valueSeriesQuery(offPathMeasurement, vehicle, start, end)
	rows, err := c.sess.Query(flux, "off-path query for "+vehicle)
	if fatal, err := c.subQueryResult(err, vehicle, "off-path"); fatal {
		return err
	}
	values := rowValues(rows)
	if len(values) > 0 {
		m := round2(maxAbs(values))
		tel.OffPathErrorM = &m
	}
	c.pause()
	return nil
}

// attitude reduces one angular series to its headline absolute deviation in
// degrees plus the raw converted min and max for reference.
func (c *Correlator) attitude(vehicle string, start, end time.Time, measurement string, headline, minOut, maxOut **float64) error {
	label := strings.ToLower(measurement) + " query for " + vehicle
	flux := c.valueSeriesQuery(measurement, vehicle, start, end)
	rows, err := c.sess.Query(flux, label)
	if fatal, err := c.subQueryResult(err, vehicle, measurement); fatal {
		return err
	}
	raw := rowValues(rows)
	if len(raw) > 0 {
		deg := make([]float64, len(raw))
		for i, v := range raw {
			deg[i] = v / degFactor
		}
		h := round2(maxAbs(deg))
		lo := round2(minOf(deg))
		hi := round2(maxOf(deg))
		*headline = &h
		*minOut = &lo
		*maxOut = &hi
	}
	c.pause()
	return nil
}

// subQueryResult decides whether a sub-query error aborts the event.
// Cancellation is fatal; anything else is logged and the field stays absent.
func (c *Correlator) subQueryResult(err error, vehicle, what string) (bool, error) {
	if err == nil {
		return false, nil
	}
	if errors.Is(err, store.ErrCancelled) {
		return true, err
	}
	if c.logger != nil {
		c.logger.Warn("telemetry sub-query failed",
			"vehicle", vehicle, "series", what, "err", err)
	}
	c.pause()
	return false, nil
}

// pause applies the configured inter-query delay, skipped once the job is
// cancelled or failed.
func (c *Correlator) pause() {
	if c.settings.QueryDelay <= 0 {
		return
	}
	if c.tok != nil && c.tok.Err() != nil {
		return
	}
	timer := time.NewTimer(c.settings.QueryDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-tokenDone(c.tok):
	}
}

func tokenDone(tok *Token) <-chan struct{} {
	if tok == nil {
		return nil
	}
	return tok.Done()
}

func (c *Correlator) positionQuery(vehicle string, start, end time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "from(bucket: %s)\n", fluxString(c.bucket))
	fmt.Fprintf(&b, "  |> range(start: %s, stop: %s)\n", formatWindowTime(start), formatWindowTime(end))
	fmt.Fprintf(&b, "  |> filter(fn: (r) => r._measurement == %s)\n", fluxString(positionMeasurement))
	fmt.Fprintf(&b, "  |> filter(fn: (r) => r[%s] == %s)\n", fluxString(vehicleTag), fluxString(vehicle))
	b.WriteString("  |> filter(fn: (r) => r._field == \"Value.Latitude\" or r._field == \"Value.Longitude\")\n")
	b.WriteString("  |> pivot(rowKey: [\"_time\"], columnKey: [\"_field\"], valueColumn: \"_value\")\n")
	b.WriteString("  |> sort(columns: [\"_time\"], desc: true)\n")
	b.WriteString("  |> limit(n: 1)")
	return b.String()
}

func (c *Correlator) valueSeriesQuery(measurement, vehicle string, start, end time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "from(bucket: %s)\n", fluxString(c.bucket))
	fmt.Fprintf(&b, "  |> range(start: %s, stop: %s)\n", formatWindowTime(start), formatWindowTime(end))
	fmt.Fprintf(&b, "  |> filter(fn: (r) => r._measurement == %s)\n", fluxString(measurement))
	fmt.Fprintf(&b, "  |> filter(fn: (r) => r[%s] == %s)\n", fluxString(vehicleTag), fluxString(vehicle))
	b.WriteString("  |> filter(fn: (r) => r._field == \"Value\")\n")
	b.WriteString("  |> sort(columns: [\"_time\"], desc: true)\n")
	fmt.Fprintf(&b, "  |> limit(n: %d)", c.settings.MaxPointsPerQuery)
	return b.String()
}

func rowValues(rows []store.Row) []float64 {
	values := make([]float64, 0, len(rows))
	for _, row := range rows {
		if v, ok := row.Float("_value"); ok {
			values = append(values, v)
		}
	}
	return values
}

func maxAbs(values []float64) float64 {
	m := 0.0
	for _, v := range values {
		if a := math.Abs(v); a > m {
			m = a
		}
	}
	return m
}

func minOf(values []float64) float64 {
	m := values[0]
	for _, v := range values[1:] {
		if v < m {
			m = v
		}
	}
	return m
}

func maxOf(values []float64) float64 {
	m := values[0]
	for _, v := range values[1:] {
		if v > m {
			m = v
		}
	}
	return m
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

package extract

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"haulwatch/internal/model"
	"haulwatch/internal/store"
)

const (
	notificationMeasurement = "Notification State"
	vehicleTag              = "Vehicle"

	// Outer alarm queries use second precision; windowed telemetry
	// sub-queries use microsecond precision.
	rangeTimeLayout  = "2006-01-02T15:04:05Z"
	windowTimeLayout = "2006-01-02T15:04:05.000000Z"
)

// Locator finds classified alarm events in a time range with a single query
// over the notification-state history.
type Locator struct {
	sess       *store.Session
	bucket     string
	classifier *Classifier
	logger     *slog.Logger
}

func NewLocator(sess *store.Session, bucket string, classifier *Classifier, logger *slog.Logger) *Locator {
	return &Locator{sess: sess, bucket: bucket, classifier: classifier, logger: logger}
}

// FindEvents returns classified events, most recent first, without telemetry.
// Selected types not present in the catalog are silently excluded; if nothing
// remains, no query is issued at all.
func (l *Locator) FindEvents(tr model.TimeRange, selectedAlarms, selectedVehicles []string) ([]model.AlarmEvent, error) {
	flux, ok := l.buildQuery(tr, selectedAlarms, selectedVehicles)
	if !ok {
		if l.logger != nil {
			l.logger.Info("no selected alarm type is in the catalog, skipping query")
		}
		return nil, nil
	}

	rows, err := l.sess.Query(flux, "alarm events query")
	if err != nil {
		return nil, err
	}

	events := make([]model.AlarmEvent, 0, len(rows))
	for _, row := range rows {
		title, _ := row.String("_value")
		alarmType, ok := l.classifier.Classify(title)
		if !ok {
			continue
		}
		vehicle, _ := row.String(vehicleTag)
		ts, ok := row.Time("_time")
		if !ok {
			continue
		}
		events = append(events, model.AlarmEvent{
			AlarmType: alarmType,
			Vehicle:   vehicle,
			Timestamp: ts.UTC(),
			Title:     title,
		})
	}
	return events, nil
}

func (l *Locator) buildQuery(tr model.TimeRange, selectedAlarms, selectedVehicles []string) (string, bool) {
	var patterns []string
	for _, alarm := range selectedAlarms {
		if !l.classifier.Contains(alarm) {
			continue
		}
		patterns = append(patterns, fmt.Sprintf(`r._value =~ /%s/`, titlePattern(alarm)))
	}
	if len(patterns) == 0 {
		return "", false
	}

	var b strings.Builder
	fmt.Fprintf(&b, "from(bucket: %s)\n", fluxString(l.bucket))
	fmt.Fprintf(&b, "  |> range(start: %s, stop: %s)\n",
		tr.Start.UTC().Format(rangeTimeLayout), tr.End.UTC().Format(rangeTimeLayout))
	fmt.Fprintf(&b, "  |> filter(fn: (r) => r._measurement == %s)\n", fluxString(notificationMeasurement))
	b.WriteString("  |> filter(fn: (r) => r._field == \"Title\")\n")
	fmt.Fprintf(&b, "  |> filter(fn: (r) => %s)\n", strings.Join(patterns, " or "))
	if len(selectedVehicles) > 0 {
		var conds []string
		for _, v := range selectedVehicles {
			conds = append(conds, fmt.Sprintf(`r[%s] == %s`, fluxString(vehicleTag), fluxString(v)))
		}
		fmt.Fprintf(&b, "  |> filter(fn: (r) => %s)\n", strings.Join(conds, " or "))
	}
	b.WriteString(`  |> sort(columns: ["_time"], desc: true)`)
	return b.String(), true
}

// titlePattern turns an alarm type into a title-matching regex: keywords are
// regex-quoted and joined by wildcards, mirroring how the classifier treats
// whitespace.
func titlePattern(alarmType string) string {
	words := strings.Fields(alarmType)
	quoted := make([]string, 0, len(words))
	for _, w := range words {
		quoted = append(quoted, escapeRegexPart(w))
	}
	return ".*" + strings.Join(quoted, ".*") + ".*"
}

func escapeRegexPart(s string) string {
	return strings.ReplaceAll(regexp.QuoteMeta(s), "/", `\/`)
}

// fluxString renders a safe Flux string literal. Every user-controlled value
// embedded in query text goes through here.
func fluxString(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte('"')
	return b.String()
}

func formatWindowTime(t time.Time) string {
	return t.UTC().Format(windowTimeLayout)
}

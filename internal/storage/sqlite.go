package storage

import (
	"context"
	"database/sql"
	"strings"

	_ "modernc.org/sqlite"

	"haulwatch/internal/model"
)

type sqliteStore struct {
	baseStore
}

func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:haulwatch.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	return &sqliteStore{baseStore{db: db}}, nil
}

func (s *sqliteStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS extraction_jobs (
			job_id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			archived_at TEXT NOT NULL,
			range_start TEXT NOT NULL,
			range_end TEXT NOT NULL,
			total_events INTEGER NOT NULL,
			summary_json TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS alarm_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id TEXT NOT NULL,
			ts TEXT NOT NULL,
			vehicle TEXT NOT NULL,
			alarm_type TEXT NOT NULL,
			title TEXT NOT NULL,
			latitude REAL,
			longitude REAL,
			speed_kmh REAL,
			off_path_error_m REAL,
			pitch_deg REAL,
			roll_deg REAL,
			telemetry_json TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alarm_events_job ON alarm_events(job_id)`,
		`CREATE INDEX IF NOT EXISTS idx_alarm_events_vehicle ON alarm_events(vehicle, ts)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqliteStore) SaveJob(job model.Job) error {
	if s.db == nil {
		return nil
	}
	ctx := context.Background()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO extraction_jobs (job_id, status, archived_at, range_start, range_end, total_events, summary_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		job.ID,
		string(job.Status),
		nowUTC(),
		job.Request.TimeRange.Start.UTC(),
		job.Request.TimeRange.End.UTC(),
		len(job.Events),
		encodeJSON(job.Summary),
	); err != nil {
		_ = tx.Rollback()
		return err
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO alarm_events (job_id, ts, vehicle, alarm_type, title, latitude, longitude, speed_kmh, off_path_error_m, pitch_deg, roll_deg, telemetry_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()
	for _, ev := range job.Events {
		if _, err := stmt.ExecContext(ctx,
			job.ID,
			ev.Timestamp.UTC(),
			ev.Vehicle,
			ev.AlarmType,
			ev.Title,
			nullFloat(ev.Telemetry.Latitude),
			nullFloat(ev.Telemetry.Longitude),
			nullFloat(ev.Telemetry.SpeedKmh),
			nullFloat(ev.Telemetry.OffPathErrorM),
			nullFloat(ev.Telemetry.PitchDeg),
			nullFloat(ev.Telemetry.RollDeg),
			encodeJSON(ev.Telemetry),
		); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

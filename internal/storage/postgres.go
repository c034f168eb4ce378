package storage

import (
	"context"
	"database/sql"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"

	"haulwatch/internal/model"
)

type postgresStore struct {
	baseStore
}

func NewPostgres(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/haulwatch?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &postgresStore{baseStore{db: db}}, nil
}

func (s *postgresStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS extraction_jobs (
			job_id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			archived_at TIMESTAMPTZ NOT NULL,
			range_start TIMESTAMPTZ NOT NULL,
			range_end TIMESTAMPTZ NOT NULL,
			total_events INTEGER NOT NULL,
			summary_json JSONB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS alarm_events (
			id BIGSERIAL PRIMARY KEY,
			job_id TEXT NOT NULL,
			ts TIMESTAMPTZ NOT NULL,
			vehicle TEXT NOT NULL,
			alarm_type TEXT NOT NULL,
			title TEXT NOT NULL,
			latitude DOUBLE PRECISION,
			longitude DOUBLE PRECISION,
			speed_kmh DOUBLE PRECISION,
			off_path_error_m DOUBLE PRECISION,
			pitch_deg DOUBLE PRECISION,
			roll_deg DOUBLE PRECISION,
			telemetry_json JSONB NOT NULL
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

func (s *postgresStore) SaveJob(job model.Job) error {
	if s.db == nil {
		return nil
	}
	ctx := context.Background()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO extraction_jobs (job_id, status, archived_at, range_start, range_end, total_events, summary_json)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (job_id) DO UPDATE SET status = EXCLUDED.status, archived_at = EXCLUDED.archived_at,
			total_events = EXCLUDED.total_events, summary_json = EXCLUDED.summary_json`,
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
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`)
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

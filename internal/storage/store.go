// Package storage archives completed extraction jobs to a relational
// database so enriched events survive a process restart. It is optional and
// config-gated; the registry stays the live source of truth.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"haulwatch/internal/config"
	"haulwatch/internal/model"
)

type Store interface {
	Init(ctx context.Context) error
	Close() error
	SaveJob(job model.Job) error
}

func NewStore(cfg config.ArchiveConfig) (Store, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch strings.ToLower(cfg.Driver) {
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	default:
		return nil, errors.New("unsupported archive driver")
	}
}

type baseStore struct {
	db *sql.DB
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func encodeJSON(value any) string {
	data, _ := json.Marshal(value)
	return string(data)
}

func nullFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nowUTC() time.Time {
	return time.Now().UTC()
}

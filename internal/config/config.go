package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel string        `json:"log_level" yaml:"log_level"`
	Store    StoreConfig   `json:"store" yaml:"store"`
	API      APIConfig     `json:"api" yaml:"api"`
	Catalog  CatalogConfig `json:"catalog" yaml:"catalog"`
	License  LicenseConfig `json:"license" yaml:"license"`
	Archive  ArchiveConfig `json:"archive" yaml:"archive"`
	Export   ExportConfig  `json:"export" yaml:"export"`
}

// StoreConfig describes the telemetry store the extraction jobs query.
type StoreConfig struct {
	URL          string        `json:"url" yaml:"url"`
	Token        string        `json:"token" yaml:"token"`
	Org          string        `json:"org" yaml:"org"`
	Bucket       string        `json:"bucket" yaml:"bucket"`
	QueryTimeout time.Duration `json:"query_timeout" yaml:"query_timeout"`
	CancelPoll   time.Duration `json:"cancel_poll" yaml:"cancel_poll"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type CatalogConfig struct {
	Path string `json:"path" yaml:"path"`
}

type LicenseConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"`
	Secret  string `json:"secret" yaml:"secret"`
}

type ArchiveConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Driver  string `json:"driver" yaml:"driver"`
	DSN     string `json:"dsn" yaml:"dsn"`
}

type ExportConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Store: StoreConfig{
			URL:          "http://localhost:8086",
			Bucket:       "MobiusLog",
			QueryTimeout: 10 * time.Second,
			CancelPoll:   2 * time.Second,
		},
		API:     APIConfig{Enabled: true, Addr: ":9501"},
		Catalog: CatalogConfig{Path: "alarm_types.json"},
		License: LicenseConfig{Enabled: false, Path: "licenses.json"},
		Archive: ArchiveConfig{Enabled: false, Driver: "sqlite", DSN: "file:haulwatch.db?_pragma=busy_timeout(5000)"},
		Export:  ExportConfig{Enabled: false},
	}
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()

	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	var decodeErr error
	if looksLikeJSON(trimmed) {
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	} else {
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	if path == "" || cfg == nil {
		return errors.New("config path or config is empty")
	}
	var data []byte
	var err error
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".json" {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func applyDefaults(cfg *Config) {
	if cfg.Store.QueryTimeout <= 0 {
		cfg.Store.QueryTimeout = 10 * time.Second
	}
	if cfg.Store.CancelPoll <= 0 {
		cfg.Store.CancelPoll = 2 * time.Second
	}
	if cfg.Store.Bucket == "" {
		cfg.Store.Bucket = "MobiusLog"
	}
	if cfg.Catalog.Path == "" {
		cfg.Catalog.Path = "alarm_types.json"
	}
	if cfg.License.Path == "" {
		cfg.License.Path = "licenses.json"
	}
}

func Validate(cfg *Config) error {
	if cfg.Store.URL == "" {
		return errors.New("store.url is required")
	}
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	if cfg.Store.CancelPoll > cfg.Store.QueryTimeout {
		return fmt.Errorf("store.cancel_poll (%s) must not exceed store.query_timeout (%s)",
			cfg.Store.CancelPoll, cfg.Store.QueryTimeout)
	}
	if cfg.Archive.Enabled && cfg.Archive.Driver == "" {
		return errors.New("archive.driver required when archive.enabled is true")
	}
	if cfg.Export.Enabled {
		if len(cfg.Export.Brokers) == 0 || cfg.Export.Topic == "" {
			return errors.New("export requires brokers and topic")
		}
	}
	if cfg.License.Enabled && cfg.License.Secret == "" {
		return errors.New("license.secret required when license.enabled is true")
	}
	return nil
}

type Manager struct {
	path    string
	cfg     atomic.Value
	modTime time.Time
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	info, err := os.Stat(path)
	if err == nil {
		m.modTime = info.ModTime()
	}
	return m, nil
}

// NewStaticManager wraps a fixed config with no backing file, for tests and
// embedded use.
func NewStaticManager(cfg *Config) *Manager {
	m := &Manager{}
	m.cfg.Store(cfg)
	return m
}

func (m *Manager) Get() *Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*Config)
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Reload() (*Config, error) {
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return cfg, nil
}

func (m *Manager) Update(cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if m.path != "" {
		if err := Save(m.path, cfg); err != nil {
			return err
		}
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return nil
}

func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}

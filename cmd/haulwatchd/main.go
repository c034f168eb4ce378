package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"haulwatch/internal/api"
	"haulwatch/internal/catalog"
	"haulwatch/internal/config"
	"haulwatch/internal/export"
	"haulwatch/internal/extract"
	"haulwatch/internal/jobs"
	"haulwatch/internal/license"
	"haulwatch/internal/logging"
	"haulwatch/internal/storage"
	"haulwatch/internal/store"
)

const version = "1.2.0"

func main() {
	configPath := flag.String("config", "haulwatch.yaml", "path to configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "haulwatchd:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	resolved := config.ResolvePath(configPath)
	if _, err := os.Stat(resolved); errors.Is(err, os.ErrNotExist) {
		if err := config.Save(resolved, config.DefaultConfig()); err != nil {
			return fmt.Errorf("write default config: %w", err)
		}
	}
	cfgMgr, err := config.NewManager(resolved)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := cfgMgr.Get()

	logger := logging.NewLogger(cfg.LogLevel, os.Stdout)
	logger.Info("starting haulwatchd", "version", version, "config", configPath)

	cat, err := catalog.NewManager(config.ResolvePath(cfg.Catalog.Path))
	if err != nil {
		return fmt.Errorf("open alarm catalog: %w", err)
	}

	var licenses *license.Manager
	if cfg.License.Enabled {
		licenses, err = license.NewManager(config.ResolvePath(cfg.License.Path), []byte(cfg.License.Secret), logger)
		if err != nil {
			return fmt.Errorf("open license store: %w", err)
		}
	}

	registry := jobs.NewRegistry()
	gateway := store.NewGateway(cfg.Store.QueryTimeout, cfg.Store.CancelPoll, logger)

	dial := func() store.Client {
		sc := cfg.Store
		return store.Dial(sc.URL, sc.Token, sc.Org, sc.QueryTimeout)
	}
	extractor := extract.New(gateway, dial, cfg.Store.Bucket, cat, registry, logger)

	archive, err := storage.NewStore(cfg.Archive)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	if archive != nil {
		if err := archive.Init(context.Background()); err != nil {
			return fmt.Errorf("init archive: %w", err)
		}
		extractor.WithArchive(archive)
		logger.Info("result archive enabled", "driver", cfg.Archive.Driver)
	}

	exporter := export.NewPublisher(cfg.Export, logger)
	if exporter != nil {
		extractor.WithExporter(exporter)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	httpServer := api.Start(ctx, cfgMgr, registry, extractor, cat, licenses, logger, version)
	if httpServer == nil {
		return fmt.Errorf("api server is disabled, nothing to serve")
	}

	<-ctx.Done()
	logger.Info("shutting down")

	gateway.Close()
	if archive != nil {
		if err := archive.Close(); err != nil {
			logger.Error("archive close error", "err", err)
		}
	}
	if exporter != nil {
		if err := exporter.Close(); err != nil {
			logger.Error("export close error", "err", err)
		}
	}
	logger.Info("shutdown complete")
	return nil
}

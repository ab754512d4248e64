// Package main wires together the targetfeed ingestion pipeline.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/targetfeed/targetfeed/internal/archive"
	"github.com/targetfeed/targetfeed/internal/config"
	"github.com/targetfeed/targetfeed/internal/fetch"
	"github.com/targetfeed/targetfeed/internal/ingest"
	"github.com/targetfeed/targetfeed/internal/logging"
	"github.com/targetfeed/targetfeed/internal/notify"
	"github.com/targetfeed/targetfeed/internal/notify/pubsub"
	"github.com/targetfeed/targetfeed/internal/ops"
	"github.com/targetfeed/targetfeed/internal/staging"
	"github.com/targetfeed/targetfeed/internal/store"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("startup failed", zap.Error(err))
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	area := staging.New(cfg.Staging.RootDir)
	if err := area.EnsureDirs(); err != nil {
		return err
	}

	st, err := store.New(ctx, store.Config{
		DSN:      cfg.DB.DSN,
		MaxConns: cfg.DB.MaxConns,
	})
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return err
	}

	var publisher notify.Publisher = notify.NewLogPublisher(logger)
	if cfg.Notify.ProjectID != "" {
		ps, err := pubsub.New(ctx, cfg.Notify.ProjectID, cfg.Notify.Topic)
		if err != nil {
			return err
		}
		defer func() {
			if closeErr := ps.Close(); closeErr != nil {
				logger.Warn("close pubsub publisher failed", zap.Error(closeErr))
			}
		}()
		publisher = ps
	}

	var archiver archive.Uploader
	if cfg.Archive.GCSBucket != "" {
		gcs, err := archive.New(ctx, archive.Config{
			Bucket: cfg.Archive.GCSBucket,
			Prefix: cfg.Archive.Prefix,
		})
		if err != nil {
			return err
		}
		defer func() {
			if closeErr := gcs.Close(); closeErr != nil {
				logger.Warn("close gcs archiver failed", zap.Error(closeErr))
			}
		}()
		archiver = gcs
	}

	fetcher, err := fetch.New(fetch.Config{
		BaseURL:        cfg.Source.BaseURL,
		PollInterval:   cfg.FetchPollInterval(),
		DownloadDelay:  cfg.DownloadDelay(),
		Timeout:        cfg.HTTPTimeout(),
		MaxRetries:     cfg.HTTP.MaxRetries,
		BackoffInitial: time.Duration(cfg.HTTP.BackoffInitialMs) * time.Millisecond,
		BackoffMax:     time.Duration(cfg.HTTP.BackoffMaxMs) * time.Millisecond,
	}, area, logger.Named("fetch"))
	if err != nil {
		return err
	}

	ingestor := ingest.New(area, st, publisher, archiver, ingest.Config{
		PollInterval:    cfg.IngestPollInterval(),
		ErrorBackoff:    cfg.IngestErrorBackoff(),
		MaxParseRetries: cfg.Ingest.MaxParseRetries,
		NotifyTopic:     cfg.Notify.Topic,
	}, logger.Named("ingest"))

	opsServer := ops.New(cfg.Server.Port, logger.Named("ops"))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		fetcher.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		ingestor.Run(ctx)
	}()
	go func() {
		if err := opsServer.Start(); err != nil {
			logger.Error("ops server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := opsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("ops server shutdown failed", zap.Error(err))
	}
	wg.Wait()
	return nil
}

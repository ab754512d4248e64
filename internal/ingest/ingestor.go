// Package ingest drains the pending staging directory into the relational
// store, idempotently and at-most-once effective.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/targetfeed/targetfeed/internal/archive"
	"github.com/targetfeed/targetfeed/internal/metrics"
	"github.com/targetfeed/targetfeed/internal/notify"
	"github.com/targetfeed/targetfeed/internal/staging"
	"github.com/targetfeed/targetfeed/internal/store"
)

// Repository is the slice of the store the ingestor needs.
type Repository interface {
	UpsertFile(ctx context.Context, file store.FileUpsert) (int64, bool, error)
	InsertRecords(ctx context.Context, file store.FileUpsert, targets []store.Target, randoms []store.Random) (int64, error)
}

// Config controls Ingestor behavior. MaxParseRetries bounds how many cycles
// an unparseable file is retried before quarantine; zero retries forever.
type Config struct {
	PollInterval    time.Duration
	ErrorBackoff    time.Duration
	MaxParseRetries int
	NotifyTopic     string
}

// Ingestor scans pending, ingests each file and relocates it to processed.
type Ingestor struct {
	area      staging.Area
	repo      Repository
	publisher notify.Publisher
	archiver  archive.Uploader
	cfg       Config
	logger    *zap.Logger

	// parseFailures counts consecutive parse failures per filename. It is
	// process-local, so a restart grants a quarantined-candidate file a fresh
	// retry budget.
	parseFailures map[string]int
}

// New constructs an Ingestor. The publisher and archiver are optional.
func New(
	area staging.Area,
	repo Repository,
	publisher notify.Publisher,
	archiver archive.Uploader,
	cfg Config,
	logger *zap.Logger,
) *Ingestor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = 30 * time.Second
	}
	return &Ingestor{
		area:          area,
		repo:          repo,
		publisher:     publisher,
		archiver:      archiver,
		cfg:           cfg,
		logger:        logger,
		parseFailures: make(map[string]int),
	}
}

// Run polls pending until the context finishes. A cycle-level error elevates
// the sleep to the error backoff instead of crashing the process.
func (i *Ingestor) Run(ctx context.Context) {
	for {
		sleep := i.cfg.PollInterval
		if err := i.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			i.logger.Error("ingest cycle failed", zap.Error(err))
			sleep = i.cfg.ErrorBackoff
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}
	}
}

// RunOnce drains the current pending set in lexicographic order. One file's
// failure never blocks its siblings.
func (i *Ingestor) RunOnce(ctx context.Context) error {
	runID := uuid.NewString()
	names, err := i.area.ListPending()
	if err != nil {
		return fmt.Errorf("list pending: %w", err)
	}
	for _, name := range names {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger := i.logger.With(zap.String("file", name), zap.String("run_id", runID))
		if strings.EqualFold(name, staging.LatestAlias) {
			// Duplicate alias of the newest timestamped file; never ingested.
			if err := i.area.MoveToProcessed(name); err != nil {
				logger.Error("relocate latest alias failed", zap.Error(err))
			}
			continue
		}
		if err := i.processFile(ctx, name, runID, logger); err != nil {
			logger.Error("processing failed, file stays in pending", zap.Error(err))
		}
	}
	return nil
}

// processFile runs the per-file state machine: hashed/metadata-upserted →
// (skip if already ingested) → parsed → extracted → inserted → relocated.
// Any error before relocation leaves the file in pending for the next cycle.
func (i *Ingestor) processFile(ctx context.Context, name, runID string, logger *zap.Logger) error {
	data, err := os.ReadFile(i.area.PendingPath(name))
	if err != nil {
		return fmt.Errorf("read pending file: %w", err)
	}
	sum := sha256.Sum256(data)
	file := store.FileUpsert{
		Filename:  name,
		FetchedAt: ParseFilenameTimestamp(name),
		SHA256:    hex.EncodeToString(sum[:]),
		SizeBytes: int64(len(data)),
	}

	fileID, alreadyIngested, err := i.repo.UpsertFile(ctx, file)
	if err != nil {
		return fmt.Errorf("upsert file record: %w", err)
	}
	if alreadyIngested {
		logger.Info("file already ingested, skipping", zap.Int64("file_id", fileID))
		metrics.FilesSkippedTotal.Inc()
		return i.finish(ctx, name, data, logger)
	}

	extraction, err := Extract(data)
	if err != nil {
		metrics.ParseErrorsTotal.Inc()
		return i.recordParseFailure(name, err, logger)
	}
	delete(i.parseFailures, name)
	i.recordDrops(extraction, logger)

	if _, err := i.repo.InsertRecords(ctx, file, extraction.Targets, extraction.Randoms); err != nil {
		return fmt.Errorf("insert records: %w", err)
	}
	metrics.TargetsInsertedTotal.Add(float64(len(extraction.Targets)))
	metrics.RandomsInsertedTotal.Add(float64(len(extraction.Randoms)))
	metrics.FilesIngestedTotal.Inc()
	logger.Info("file ingested",
		zap.Int64("file_id", fileID),
		zap.Int("targets", len(extraction.Targets)),
		zap.Int("randoms", len(extraction.Randoms)),
		zap.Int("duplicates_skipped", extraction.DuplicateTargets),
	)

	i.publish(ctx, name, file, extraction, runID, logger)
	return i.finish(ctx, name, data, logger)
}

// recordParseFailure counts the failure and, once the retry budget is spent,
// moves the file into failed/ so it stops churning every cycle. With no
// budget configured the file stays in pending and is retried indefinitely.
func (i *Ingestor) recordParseFailure(name string, parseErr error, logger *zap.Logger) error {
	i.parseFailures[name]++
	attempts := i.parseFailures[name]
	if i.cfg.MaxParseRetries > 0 && attempts >= i.cfg.MaxParseRetries {
		if err := i.area.MoveToFailed(name); err != nil {
			return fmt.Errorf("quarantine %s after parse failure: %w", name, err)
		}
		delete(i.parseFailures, name)
		metrics.FilesQuarantinedTotal.Inc()
		logger.Error("unparseable file quarantined",
			zap.Int("attempts", attempts),
			zap.Error(parseErr),
		)
		return nil
	}
	return fmt.Errorf("parse %s (attempt %d): %w", name, attempts, parseErr)
}

// finish relocates the file and mirrors it to the archive. Relocation is
// ordered strictly after the insert transaction commit so that "processed"
// always implies "durably stored".
func (i *Ingestor) finish(ctx context.Context, name string, data []byte, logger *zap.Logger) error {
	if err := i.area.MoveToProcessed(name); err != nil {
		return fmt.Errorf("move to processed: %w", err)
	}
	if i.archiver != nil {
		uri, err := i.archiver.Upload(ctx, name, data)
		if err != nil {
			// Best-effort: the local processed copy remains authoritative.
			logger.Warn("archive upload failed", zap.Error(err))
		} else {
			logger.Debug("archived", zap.String("uri", uri))
		}
	}
	return nil
}

func (i *Ingestor) recordDrops(extraction Extraction, logger *zap.Logger) {
	malformed := extraction.MalformedTargets + extraction.MalformedRandoms
	if malformed > 0 {
		metrics.MalformedRecordsTotal.Add(float64(malformed))
		logger.Warn("dropped malformed records",
			zap.Int("targets", extraction.MalformedTargets),
			zap.Int("randoms", extraction.MalformedRandoms),
			zap.String("sample", extraction.MalformedSample),
		)
	}
	if extraction.DuplicateTargets > 0 {
		metrics.DuplicateTargetsTotal.Add(float64(extraction.DuplicateTargets))
	}
	if extraction.TargetsWithoutHost > 0 {
		logger.Debug("dropped targets without a usable host",
			zap.Int("count", extraction.TargetsWithoutHost))
	}
}

func (i *Ingestor) publish(ctx context.Context, name string, file store.FileUpsert, extraction Extraction, runID string, logger *zap.Logger) {
	if i.publisher == nil {
		return
	}
	payload := map[string]any{
		"filename":           name,
		"sha256":             file.SHA256,
		"size_bytes":         file.SizeBytes,
		"targets":            len(extraction.Targets),
		"randoms":            len(extraction.Randoms),
		"duplicates_skipped": extraction.DuplicateTargets,
		"run_id":             runID,
	}
	if _, err := i.publisher.Publish(ctx, i.cfg.NotifyTopic, payload); err != nil {
		logger.Warn("publish ingest event failed", zap.Error(err))
	}
}

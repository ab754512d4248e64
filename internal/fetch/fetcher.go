// Package fetch discovers remote source files and materializes them into the
// pending staging directory.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/targetfeed/targetfeed/internal/metrics"
	"github.com/targetfeed/targetfeed/internal/staging"
)

// Config controls Fetcher behavior.
type Config struct {
	BaseURL        string
	PollInterval   time.Duration
	DownloadDelay  time.Duration
	Timeout        time.Duration
	MaxRetries     int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

// Fetcher lists the remote source and downloads each unseen JSON file into
// pending via an atomic temp-file-then-rename write.
type Fetcher struct {
	cfg    Config
	area   staging.Area
	client *http.Client
	policy retryPolicy
	logger *zap.Logger
}

// New constructs a Fetcher.
func New(cfg Config, area staging.Area, logger *zap.Logger) (*Fetcher, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if !strings.HasSuffix(cfg.BaseURL, "/") {
		cfg.BaseURL += "/"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{
		cfg:    cfg,
		area:   area,
		client: &http.Client{Timeout: cfg.Timeout},
		policy: newRetryPolicy(cfg.MaxRetries, cfg.BackoffInitial, cfg.BackoffMax),
		logger: logger,
	}, nil
}

// Run polls the remote listing until the context finishes.
func (f *Fetcher) Run(ctx context.Context) {
	for {
		if err := f.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			f.logger.Error("fetch cycle failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(f.cfg.PollInterval):
		}
	}
}

// RunOnce performs one discovery pass. A listing failure aborts the pass; a
// single file's download failure is logged and the pass continues.
func (f *Fetcher) RunOnce(ctx context.Context) error {
	files, err := f.listWithRetry(ctx)
	if err != nil {
		metrics.ListingErrorsTotal.Inc()
		return err
	}
	for _, fileURL := range files {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := f.download(ctx, fileURL); err != nil {
			metrics.DownloadErrorsTotal.Inc()
			f.logger.Error("download failed", zap.String("url", fileURL), zap.Error(err))
		}
	}
	return nil
}

// listWithRetry fetches the directory listing, retrying transient failures
// with the same policy as downloads.
func (f *Fetcher) listWithRetry(ctx context.Context) ([]string, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		files, err := listJSONFiles(f.cfg.BaseURL, f.cfg.Timeout)
		if err == nil {
			return files, nil
		}
		lastErr = err
		if attempt >= f.policy.maxAttempts || ctx.Err() != nil {
			return nil, lastErr
		}
		f.logger.Debug("retrying listing fetch", zap.Int("attempt", attempt+1), zap.Error(err))
		select {
		case <-ctx.Done():
			return nil, lastErr
		case <-time.After(f.policy.backoff(attempt)):
		}
	}
}

// download materializes one remote file into pending, unless it was already
// fetched or another worker is mid-download.
func (f *Fetcher) download(ctx context.Context, fileURL string) error {
	parsed, err := url.Parse(fileURL)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}
	name := path.Base(parsed.Path)

	if strings.EqualFold(name, staging.LatestAlias) {
		f.logger.Debug("skipping latest alias", zap.String("file", name))
		return nil
	}
	if f.area.Seen(name) {
		f.logger.Debug("already fetched", zap.String("file", name))
		return nil
	}
	if f.area.PartialExists(name) {
		f.logger.Info("partial exists, another worker is downloading", zap.String("file", name))
		return nil
	}

	tmp := f.area.PartialPath(name)
	if err := f.streamTo(ctx, fileURL, tmp); err != nil {
		if rmErr := os.Remove(tmp); rmErr != nil && !os.IsNotExist(rmErr) {
			f.logger.Warn("remove partial file failed", zap.String("path", tmp), zap.Error(rmErr))
		}
		return err
	}

	// Rename, not copy: no observer ever sees a partially-written final name.
	if err := os.Rename(tmp, f.area.PendingPath(name)); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename into pending: %w", err)
	}
	metrics.DownloadsTotal.Inc()
	f.logger.Info("saved to pending", zap.String("file", name))

	if f.cfg.DownloadDelay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(f.cfg.DownloadDelay):
		}
	}
	return nil
}

// streamTo downloads the resource body into the temp file.
func (f *Fetcher) streamTo(ctx context.Context, fileURL, tmp string) error {
	resp, err := f.get(ctx, fileURL)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d for %s", resp.StatusCode, fileURL)
	}

	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		_ = out.Close()
		return fmt.Errorf("stream body: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	return nil
}

// get issues a GET with per-request retries on transient transport errors.
func (f *Fetcher) get(ctx context.Context, fileURL string) (*http.Response, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		resp, err := f.client.Do(req)
		status := 0
		if err == nil {
			status = resp.StatusCode
		}
		if !f.policy.shouldRetry(err, status, attempt) {
			if err != nil {
				return nil, fmt.Errorf("get %s: %w", fileURL, err)
			}
			return resp, nil
		}
		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("status %d", status)
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
		}
		f.logger.Debug("retrying request",
			zap.String("url", fileURL),
			zap.Int("attempt", attempt+1),
			zap.Error(lastErr),
		)
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("get %s: %w", fileURL, ctx.Err())
		case <-time.After(f.policy.backoff(attempt)):
		}
	}
}

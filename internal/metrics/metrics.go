// Package metrics exposes Prometheus counters for the ingestion pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DownloadsTotal tracks files successfully materialized into pending.
	DownloadsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "targetfeed_downloads_total",
		Help: "The total number of source files downloaded into pending.",
	})
	// DownloadErrorsTotal tracks failed download attempts.
	DownloadErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "targetfeed_download_errors_total",
		Help: "The total number of failed file downloads.",
	})
	// ListingErrorsTotal tracks directory-listing fetch failures.
	ListingErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "targetfeed_listing_errors_total",
		Help: "The total number of failed directory listing fetches.",
	})
	// FilesIngestedTotal tracks files fully ingested and relocated.
	FilesIngestedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "targetfeed_files_ingested_total",
		Help: "The total number of files ingested into the relational store.",
	})
	// FilesSkippedTotal tracks unchanged files short-circuited on re-ingest.
	FilesSkippedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "targetfeed_files_skipped_total",
		Help: "The total number of files skipped because they were already ingested.",
	})
	// ParseErrorsTotal tracks files whose JSON could not be parsed.
	ParseErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "targetfeed_parse_errors_total",
		Help: "The total number of files left in pending due to parse failures.",
	})
	// TargetsInsertedTotal tracks target rows written.
	TargetsInsertedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "targetfeed_targets_inserted_total",
		Help: "The total number of target records inserted.",
	})
	// RandomsInsertedTotal tracks random-generator rows written.
	RandomsInsertedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "targetfeed_randoms_inserted_total",
		Help: "The total number of random records inserted.",
	})
	// DuplicateTargetsTotal tracks intra-file duplicates suppressed by
	// normalized host.
	DuplicateTargetsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "targetfeed_duplicate_targets_total",
		Help: "The total number of duplicate targets suppressed within a file.",
	})
	// FilesQuarantinedTotal tracks files moved to failed/ after exhausting
	// parse retries.
	FilesQuarantinedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "targetfeed_files_quarantined_total",
		Help: "The total number of unparseable files quarantined into failed.",
	})
	// MalformedRecordsTotal tracks individual records dropped for bad shape.
	MalformedRecordsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "targetfeed_malformed_records_total",
		Help: "The total number of malformed target/random records dropped.",
	})
)

// Package store provides Postgres persistence for the ingestion pipeline.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

// PgxIface is the subset of pgxpool.Pool the store uses. pgxmock satisfies it
// in tests.
type PgxIface interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Ping(ctx context.Context) error
	Close()
}

// Store is the system of record and the idempotency ledger for staged files.
type Store struct {
	pool PgxIface
}

// New connects to Postgres and pings it to fail fast on bad configuration.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewWithPool constructs a Store from an existing pool (primarily for testing).
func NewWithPool(pool PgxIface) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

const upsertFileSQL = `
INSERT INTO files (filename, fetched_at, sha256, size_bytes, processed_at)
VALUES ($1, $2, $3, $4, NOW())
ON CONFLICT (filename) DO UPDATE
SET sha256 = EXCLUDED.sha256,
	size_bytes = EXCLUDED.size_bytes,
	fetched_at = COALESCE(files.fetched_at, EXCLUDED.fetched_at),
	processed_at = NOW()
RETURNING id`

// UpsertFile refreshes the file row and reports whether the file is already
// fully ingested. AlreadyIngested is true only when the stored hash and size
// match the incoming ones and at least one target row exists for the file;
// that is the fast path that lets re-delivery of an unchanged file skip
// parsing entirely. fetched_at is first-write-wins.
func (s *Store) UpsertFile(ctx context.Context, file FileUpsert) (int64, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, false, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var (
		priorID     int64
		priorSHA    string
		priorSize   int64
		hadPriorRow = true
	)
	err = tx.QueryRow(ctx,
		`SELECT id, sha256, size_bytes FROM files WHERE filename = $1`,
		file.Filename,
	).Scan(&priorID, &priorSHA, &priorSize)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return 0, false, fmt.Errorf("select file %s: %w", file.Filename, err)
		}
		hadPriorRow = false
	}

	alreadyIngested := false
	if hadPriorRow && priorSHA == file.SHA256 && priorSize == file.SizeBytes {
		var exists bool
		err = tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM targets WHERE file_id = $1)`,
			priorID,
		).Scan(&exists)
		if err != nil {
			return 0, false, fmt.Errorf("check targets for file %d: %w", priorID, err)
		}
		alreadyIngested = exists
	}

	var fileID int64
	err = tx.QueryRow(ctx, upsertFileSQL,
		file.Filename, file.FetchedAt, file.SHA256, file.SizeBytes,
	).Scan(&fileID)
	if err != nil {
		return 0, false, fmt.Errorf("upsert file %s: %w", file.Filename, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, false, fmt.Errorf("commit: %w", err)
	}
	return fileID, alreadyIngested, nil
}

const insertTargetSQL = `
INSERT INTO targets
	(file_id, target_id, request_id, host, normalized_host, ip, type, method, port, use_ssl, path, body, headers)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

const insertRandomSQL = `
INSERT INTO randoms (file_id, name, remote_id, digit, upper, lower, min_value, max_value)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

// InsertRecords writes the extracted record set for one file. The file-row
// upsert and every child insert share a single transaction, so a crash
// mid-file never leaves partial target/random rows visible.
func (s *Store) InsertRecords(ctx context.Context, file FileUpsert, targets []Target, randoms []Random) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var fileID int64
	err = tx.QueryRow(ctx, upsertFileSQL,
		file.Filename, file.FetchedAt, file.SHA256, file.SizeBytes,
	).Scan(&fileID)
	if err != nil {
		return 0, fmt.Errorf("upsert file %s: %w", file.Filename, err)
	}

	batch := &pgx.Batch{}
	for _, r := range randoms {
		batch.Queue(insertRandomSQL,
			fileID, r.Name, r.RemoteID, r.Digit, r.Upper, r.Lower, r.Min, r.Max)
	}
	for _, t := range targets {
		batch.Queue(insertTargetSQL,
			fileID, t.TargetID, t.RequestID, t.Host, t.NormalizedHost,
			t.IP, t.Type, t.Method, t.Port, t.UseSSL, t.Path, t.Body, t.Headers)
	}
	if batch.Len() > 0 {
		br := tx.SendBatch(ctx, batch)
		for i := 0; i < batch.Len(); i++ {
			if _, err := br.Exec(); err != nil {
				_ = br.Close()
				return 0, fmt.Errorf("insert records for %s: %w", file.Filename, err)
			}
		}
		if err := br.Close(); err != nil {
			return 0, fmt.Errorf("close batch for %s: %w", file.Filename, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return fileID, nil
}

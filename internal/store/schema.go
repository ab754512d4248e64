package store

import (
	"context"
	"fmt"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS files (
	id BIGSERIAL PRIMARY KEY,
	filename TEXT NOT NULL UNIQUE,
	fetched_at TIMESTAMPTZ,
	sha256 TEXT NOT NULL,
	size_bytes BIGINT NOT NULL,
	processed_at TIMESTAMPTZ
)`,
	`CREATE TABLE IF NOT EXISTS targets (
	id BIGSERIAL PRIMARY KEY,
	file_id BIGINT NOT NULL REFERENCES files(id) ON DELETE CASCADE,
	target_id TEXT,
	request_id TEXT,
	host TEXT,
	normalized_host TEXT,
	ip TEXT,
	type TEXT,
	method TEXT,
	port INTEGER,
	use_ssl BOOLEAN,
	path TEXT,
	body JSONB,
	headers JSONB
)`,
	`CREATE TABLE IF NOT EXISTS randoms (
	id BIGSERIAL PRIMARY KEY,
	file_id BIGINT NOT NULL REFERENCES files(id) ON DELETE CASCADE,
	name TEXT,
	remote_id TEXT,
	digit BOOLEAN,
	upper BOOLEAN,
	lower BOOLEAN,
	min_value BIGINT,
	max_value BIGINT
)`,
	`CREATE INDEX IF NOT EXISTS idx_targets_file_id ON targets (file_id)`,
	`CREATE INDEX IF NOT EXISTS idx_targets_normalized_host ON targets (normalized_host)`,
	`CREATE INDEX IF NOT EXISTS idx_randoms_file_id ON randoms (file_id)`,
}

// Migrate applies the idempotent schema DDL.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

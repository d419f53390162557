// Streamlog - Durable Device Log Ingestion and Live Streaming
// Copyright 2026 Streamlog contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamlog-dev/streamlog

// Package storage implements the storage sink on DuckDB: chunked
// transactional batch inserts with oversized-message overflow, the existence
// check the queue uses for post-failure reconciliation, and the read paths
// the HTTP layer serves.
package storage

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/streamlog-dev/streamlog/internal/logging"
)

// Config holds DuckDB settings.
type Config struct {
	// Path is the database file. Empty means in-memory (tests).
	Path string `koanf:"path"`

	// MaxMemory caps DuckDB's memory use, e.g. "2GB".
	MaxMemory string `koanf:"max_memory"`
}

// DB wraps the DuckDB connection shared by the sink and the stats recorder.
type DB struct {
	conn *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id             VARCHAR PRIMARY KEY,
	ts             TIMESTAMP NOT NULL,
	log_level      VARCHAR NOT NULL,
	application_id VARCHAR NOT NULL,
	platform       VARCHAR NOT NULL,
	bundle_id      VARCHAR NOT NULL,
	device_id      VARCHAR NOT NULL,
	device_name    VARCHAR NOT NULL,
	os_name        VARCHAR NOT NULL,
	message        VARCHAR NOT NULL,
	tags           JSON,
	meta           JSON,
	stack_trace    VARCHAR
);
CREATE INDEX IF NOT EXISTS idx_events_app_ts ON events (application_id, ts DESC, id DESC);

CREATE TABLE IF NOT EXISTS event_contents (
	id      VARCHAR PRIMARY KEY,
	message VARCHAR NOT NULL
);

CREATE TABLE IF NOT EXISTS application_stats (
	application_id VARCHAR NOT NULL,
	day            DATE NOT NULL,
	log_level      VARCHAR NOT NULL,
	events         BIGINT NOT NULL,
	PRIMARY KEY (application_id, day, log_level)
);
`

// Open opens (or creates) the database and applies the schema.
func Open(cfg Config) (*DB, error) {
	dsn := cfg.Path
	if dsn != "" && cfg.MaxMemory != "" {
		dsn = fmt.Sprintf("%s?max_memory=%s", cfg.Path, cfg.MaxMemory)
	}

	conn, err := sql.Open("duckdb", dsn)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping duckdb: %w", err)
	}
	if _, err := conn.Exec(schema); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	logging.Info().Str("path", cfg.Path).Msg("storage opened")
	return &DB{conn: conn}, nil
}

// Conn exposes the raw connection for collaborators sharing the database
// (the stats recorder).
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// Ping verifies the database is reachable.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// Close closes the database.
func (db *DB) Close() error {
	return db.conn.Close()
}

// tx runs fn inside a transaction, rolling back on error.
func (db *DB) tx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			logging.Warn().Err(rbErr).Msg("rollback failed")
		}
		return err
	}
	return tx.Commit()
}

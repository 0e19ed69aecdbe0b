package artifact

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteSink is a SQLite implementation of Sink.
//
// It stores artifacts in a single-file database. Designed for:
//   - Development and testing with zero setup
//   - Single-process deployments requiring checkpoint durability
//   - Prototyping before migrating to a shared store
//
// The sink enables WAL mode for concurrent reads, auto-migrates its
// schema on first use, and keeps a single writer connection as SQLite
// requires.
//
// Schema:
//
//	artifacts(uri PRIMARY KEY, artifact_id, content_type, content_hash,
//	          size_bytes, metadata, created_at, content)
type SQLiteSink struct {
	db *sql.DB
}

// NewSQLiteSink opens (or creates) the database at path and migrates
// the schema. Use ":memory:" for an in-memory database in tests.
func NewSQLiteSink(path string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &SQLiteSink{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteSink) createTables(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS artifacts (
    uri          TEXT PRIMARY KEY,
    artifact_id  TEXT NOT NULL,
    content_type TEXT NOT NULL,
    content_hash TEXT NOT NULL,
    size_bytes   INTEGER NOT NULL,
    metadata     TEXT NOT NULL,
    created_at   TEXT NOT NULL,
    content      BLOB NOT NULL
)`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create artifacts table: %w", err)
	}
	return nil
}

// Put stores content under its content-addressed URI. Re-storing
// identical content is a no-op (INSERT OR IGNORE): same hash, same
// content.
func (s *SQLiteSink) Put(ctx context.Context, contentType string, content []byte, metadata map[string]string) (Artifact, error) {
	record := describe(contentType, content, metadata, time.Now().UTC())

	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return Artifact{}, fmt.Errorf("failed to encode artifact metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
INSERT OR IGNORE INTO artifacts
    (uri, artifact_id, content_type, content_hash, size_bytes, metadata, created_at, content)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		record.URI, record.ArtifactID, record.ContentType, record.ContentHash,
		record.SizeBytes, string(metaJSON), record.CreatedAt.Format(time.RFC3339Nano), content)
	if err != nil {
		return Artifact{}, fmt.Errorf("failed to store artifact: %w", err)
	}
	return record, nil
}

// Get retrieves stored bytes by URI.
func (s *SQLiteSink) Get(ctx context.Context, uri string) ([]byte, error) {
	var content []byte
	err := s.db.QueryRowContext(ctx, `SELECT content FROM artifacts WHERE uri = ?`, uri).Scan(&content)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, uri)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load artifact: %w", err)
	}
	return content, nil
}

// Close releases the database connection.
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}

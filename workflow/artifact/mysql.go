package artifact

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLSink is a MySQL implementation of Sink for shared deployments
// where multiple orchestrator processes persist checkpoints to one
// store.
//
// DSN format (github.com/go-sql-driver/mysql):
//
//	user:password@tcp(host:3306)/dbname?parseTime=true
//
// The sink auto-migrates its schema on first use. Content addressing
// makes writes idempotent: a duplicate-key insert of the same URI is
// ignored.
type MySQLSink struct {
	db *sql.DB
}

// NewMySQLSink opens a connection pool against the DSN and migrates
// the schema.
func NewMySQLSink(dsn string) (*MySQLSink, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	s := &MySQLSink{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *MySQLSink) createTables(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS artifacts (
    uri          VARCHAR(255) PRIMARY KEY,
    artifact_id  VARCHAR(64)  NOT NULL,
    content_type VARCHAR(128) NOT NULL,
    content_hash CHAR(64)     NOT NULL,
    size_bytes   INT          NOT NULL,
    metadata     TEXT         NOT NULL,
    created_at   VARCHAR(64)  NOT NULL,
    content      LONGBLOB     NOT NULL
)`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create artifacts table: %w", err)
	}
	return nil
}

// Put stores content under its content-addressed URI.
func (s *MySQLSink) Put(ctx context.Context, contentType string, content []byte, metadata map[string]string) (Artifact, error) {
	record := describe(contentType, content, metadata, time.Now().UTC())

	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return Artifact{}, fmt.Errorf("failed to encode artifact metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
INSERT IGNORE INTO artifacts
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
func (s *MySQLSink) Get(ctx context.Context, uri string) ([]byte, error) {
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

// Close releases the connection pool.
func (s *MySQLSink) Close() error {
	return s.db.Close()
}

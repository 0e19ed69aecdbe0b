// Package artifact provides content-addressed storage for serialized
// checkpoint snapshots.
//
// Artifacts are addressed by the SHA-256 of their content, so a URI is
// a stable immutable reference: identical content always maps to the
// same URI, and the core verifies the hash on every read.
package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned when a URI does not resolve to stored content.
var ErrNotFound = errors.New("artifact not found")

// URIPrefix is the scheme under which artifacts are addressed.
const URIPrefix = "saferun://artifacts/"

// Artifact describes one stored record.
type Artifact struct {
	ArtifactID  string            `json:"artifact_id"`
	URI         string            `json:"uri"`
	ContentType string            `json:"type"`
	ContentHash string            `json:"content_hash"`
	SizeBytes   int               `json:"size_bytes"`
	Metadata    map[string]string `json:"metadata"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Sink is the artifact facility contract.
//
// Implementations can use:
//   - In-memory storage (testing, see MemSink)
//   - SQLite (single-file persistence, see SQLiteSink)
//   - MySQL (shared persistence, see MySQLSink)
//
// Put must return a content hash equal to the SHA-256 of the stored
// bytes; the workflow core verifies this on read and fails the
// workflow on mismatch.
type Sink interface {
	// Put stores content and returns its content-addressed record.
	Put(ctx context.Context, contentType string, content []byte, metadata map[string]string) (Artifact, error)

	// Get retrieves the raw bytes for a URI.
	// Returns ErrNotFound for unknown URIs.
	Get(ctx context.Context, uri string) ([]byte, error)
}

// Hash returns the hex-encoded SHA-256 of content.
func Hash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// describe builds the Artifact record for content being stored.
func describe(contentType string, content []byte, metadata map[string]string, createdAt time.Time) Artifact {
	hash := Hash(content)
	return Artifact{
		ArtifactID:  "artifact_" + hash[:16],
		URI:         URIPrefix + hash,
		ContentType: contentType,
		ContentHash: hash,
		SizeBytes:   len(content),
		Metadata:    metadata,
		CreatedAt:   createdAt,
	}
}

// hashFromURI extracts the content hash from a saferun artifact URI.
func hashFromURI(uri string) (string, bool) {
	if !strings.HasPrefix(uri, URIPrefix) {
		return "", false
	}
	hash := strings.TrimPrefix(uri, URIPrefix)
	if hash == "" {
		return "", false
	}
	return hash, true
}

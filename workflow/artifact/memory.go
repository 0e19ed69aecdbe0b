package artifact

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemSink is an in-memory implementation of Sink.
//
// Designed for testing, demos, and workflows where checkpoint
// durability beyond the process is not required. Thread-safe.
//
// Content is keyed by URI; storing identical content twice is a no-op
// because content addressing makes the records identical.
type MemSink struct {
	mu      sync.RWMutex
	records map[string]Artifact
	content map[string][]byte
}

// NewMemSink creates an empty in-memory artifact sink.
func NewMemSink() *MemSink {
	return &MemSink{
		records: make(map[string]Artifact),
		content: make(map[string][]byte),
	}
}

// Put stores content and returns its content-addressed record.
func (m *MemSink) Put(_ context.Context, contentType string, content []byte, metadata map[string]string) (Artifact, error) {
	record := describe(contentType, content, metadata, time.Now().UTC())

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.records[record.URI]; !exists {
		stored := make([]byte, len(content))
		copy(stored, content)
		m.records[record.URI] = record
		m.content[record.URI] = stored
	}
	return record, nil
}

// Get retrieves stored bytes by URI.
func (m *MemSink) Get(_ context.Context, uri string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	content, ok := m.content[uri]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, uri)
	}
	out := make([]byte, len(content))
	copy(out, content)
	return out, nil
}

// Len reports how many distinct artifacts are stored.
func (m *MemSink) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

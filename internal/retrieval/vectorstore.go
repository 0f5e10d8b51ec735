package retrieval

import (
	"context"
	"time"
)

// VectorStore is the interface for vector storage and similarity search backends.
// The current implementation uses SQLite with brute-force cosine similarity.
//
// Every record belongs to one data source and carries the index date of the
// sync run that last wrote it. DeleteStale relies on that tag to remove
// content a newer run did not refresh.
type VectorStore interface {
	// Upsert inserts records, replacing any existing record with the same ID.
	Upsert(ctx context.Context, records []Record) error

	// Search performs vector similarity search, returning the top-K most similar records.
	Search(ctx context.Context, vector []float32, topK int, filter Filter) ([]ScoredRecord, error)

	// GetByIDs returns records matching the given IDs.
	GetByIDs(ctx context.Context, ids []string) ([]Record, error)

	// Delete removes records by ID. Missing IDs are ignored.
	Delete(ctx context.Context, ids []string) error

	// DeleteStale removes every record of dataSourceID whose index date is
	// before the given time and returns the removed IDs.
	DeleteStale(ctx context.Context, dataSourceID string, before time.Time) ([]string, error)

	// Count returns the number of records of a data source, or of all
	// sources when dataSourceID is empty.
	Count(ctx context.Context, dataSourceID string) (int, error)
}

// Filter narrows a search. Zero values match everything.
type Filter struct {
	DataSourceID string
	SourceType   string
}

// Record represents a row in the vector store.
type Record struct {
	ID           string
	DataSourceID string
	SourceType   string
	TextChunk    string
	Embedding    []float32
	IndexDate    time.Time
	Metadata     map[string]any
	CreatedAt    time.Time
}

// ScoredRecord is a Record with a similarity score attached.
type ScoredRecord struct {
	Record
	Score float32
}

package retrieval

import (
	"context"
	"time"
)

// VectorStore is the interface for vector storage and similarity search
// backends. The current implementation uses SQLite with brute-force cosine
// similarity, which is adequate for a civic knowledge base of tens of
// thousands of chunks. An ANN-capable backend can replace it behind this
// interface; ExportAll exists so the data can be migrated over.
type VectorStore interface {
	// Insert adds records to the store.
	Insert(records []Record) error

	// Search returns the top-K records most similar to vector.
	Search(vector []float32, topK int) ([]ScoredRecord, error)

	// GetByIDs returns records matching the given IDs.
	GetByIDs(ctx context.Context, ids []string) ([]Record, error)

	// DeleteByDoc removes every record ingested from the given document.
	DeleteByDoc(docID string) error

	// ExportAll returns all records, oldest first.
	ExportAll() ([]Record, error)

	// Count returns the number of stored records.
	Count() (int, error)
}

// Record is one embedded chunk of a civic knowledge document.
type Record struct {
	ID        string
	DocID     string
	Title     string
	Article   string // act section or article reference, "" when none
	County    string // "" for national material
	TextChunk string
	Embedding []float32
	CreatedAt time.Time
}

// ScoredRecord is a Record with a similarity score attached.
type ScoredRecord struct {
	Record
	Score float32
}

package retrieval

import (
	"context"
	"strings"
	"time"
)

// countyBoost is the multiplier applied to chunks tagged with the user's home
// county, so county-specific bylaws and bulletins outrank national material of
// comparable similarity. Scores are capped at 1.0 to stay valid cosine values.
const countyBoost = 1.15

// ContextChunk is a retrieved knowledge fragment with its similarity score.
type ContextChunk struct {
	ID        string
	DocID     string
	Title     string
	Article   string
	County    string
	Text      string
	Score     float32
	Local     bool // chunk matched the user's county
	CreatedAt time.Time
}

// Retriever combines embedding and vector search to find relevant civic
// knowledge, with county-aware reranking.
type Retriever struct {
	embedder *Embedder
	store    VectorStore
}

// NewRetriever creates a Retriever backed by the given Embedder and VectorStore.
func NewRetriever(embedder *Embedder, store VectorStore) *Retriever {
	return &Retriever{embedder: embedder, store: store}
}

// Retrieve embeds the query and returns the top-K most similar chunks.
// When county is non-empty, chunks from that county get a score boost and the
// results are re-sorted, so local material wins ties against national acts.
func (r *Retriever) Retrieve(ctx context.Context, query, county string, topK int) ([]ContextChunk, error) {
	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	scored, err := r.store.Search(vec, topK)
	if err != nil {
		return nil, err
	}

	chunks := scoredToChunks(scored)
	if county != "" {
		boostCounty(chunks, county)
	}
	return chunks, nil
}

// RetrieveByIDs returns chunks for the given record IDs, without scores.
func (r *Retriever) RetrieveByIDs(ctx context.Context, ids []string) ([]ContextChunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	records, err := r.store.GetByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	chunks := make([]ContextChunk, len(records))
	for i, rec := range records {
		chunks[i] = recordToChunk(rec, 0)
	}
	return chunks, nil
}

// boostCounty marks chunks whose document county contains the user's county
// (case-insensitive, so "Nairobi County" matches "Nairobi") and lifts their
// scores.
func boostCounty(chunks []ContextChunk, county string) {
	needle := strings.ToLower(county)
	for i := range chunks {
		if chunks[i].County != "" && strings.Contains(strings.ToLower(chunks[i].County), needle) {
			chunks[i].Local = true
			boosted := chunks[i].Score * countyBoost
			if boosted > 1.0 {
				boosted = 1.0
			}
			chunks[i].Score = boosted
		}
	}
	// Insertion sort by score descending; topK slices are small.
	for i := 1; i < len(chunks); i++ {
		for j := i; j > 0 && chunks[j].Score > chunks[j-1].Score; j-- {
			chunks[j], chunks[j-1] = chunks[j-1], chunks[j]
		}
	}
}

func scoredToChunks(scored []ScoredRecord) []ContextChunk {
	chunks := make([]ContextChunk, len(scored))
	for i, s := range scored {
		chunks[i] = recordToChunk(s.Record, s.Score)
	}
	return chunks
}

func recordToChunk(r Record, score float32) ContextChunk {
	return ContextChunk{
		ID:        r.ID,
		DocID:     r.DocID,
		Title:     r.Title,
		Article:   r.Article,
		County:    r.County,
		Text:      r.TextChunk,
		Score:     score,
		CreatedAt: r.CreatedAt,
	}
}

package retrieval

import (
	"context"
	"time"
)

// ContextChunk is a retrieved fragment of an ingested document with its
// similarity score.
type ContextChunk struct {
	ID           string         `json:"id"`
	DataSourceID string         `json:"dataSourceId"`
	SourceType   string         `json:"type"`
	Text         string         `json:"text"`
	Score        float32        `json:"score"`
	URL          string         `json:"url,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	IndexDate    time.Time      `json:"indexDate"`
}

// Retriever combines embedding and vector search to find relevant context.
type Retriever struct {
	embedder *Embedder
	store    VectorStore
}

// NewRetriever creates a Retriever backed by the given Embedder and VectorStore.
func NewRetriever(embedder *Embedder, store VectorStore) *Retriever {
	return &Retriever{embedder: embedder, store: store}
}

// Retrieve embeds the query and returns the top-K most similar chunks.
func (r *Retriever) Retrieve(ctx context.Context, query string, topK int, filter Filter) ([]ContextChunk, error) {
	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	scored, err := r.store.Search(ctx, vec, topK, filter)
	if err != nil {
		return nil, err
	}

	return scoredToChunks(scored), nil
}

// RetrieveByIDs returns chunks for the given record IDs, unscored.
func (r *Retriever) RetrieveByIDs(ctx context.Context, ids []string) ([]ContextChunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	records, err := r.store.GetByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	scored := make([]ScoredRecord, len(records))
	for i, rec := range records {
		scored[i] = ScoredRecord{Record: rec}
	}
	return scoredToChunks(scored), nil
}

func scoredToChunks(scored []ScoredRecord) []ContextChunk {
	chunks := make([]ContextChunk, len(scored))
	for i, s := range scored {
		url, _ := s.Metadata["url"].(string)
		chunks[i] = ContextChunk{
			ID:           s.ID,
			DataSourceID: s.DataSourceID,
			SourceType:   s.SourceType,
			Text:         s.TextChunk,
			Score:        s.Score,
			URL:          url,
			Metadata:     s.Metadata,
			IndexDate:    s.IndexDate,
		}
	}
	return chunks
}

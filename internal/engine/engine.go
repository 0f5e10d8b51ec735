package engine

import "context"

// Engine abstracts the embedding backend. The retrieval embedder and the
// serve startup checks use this interface instead of a concrete client.
type Engine interface {
	// Embed returns the embedding vector for the given text using the specified model.
	Embed(ctx context.Context, model string, text string) ([]float32, error)

	// EmbedBatch embeds several texts in one call. The result is index
	// aligned with texts.
	EmbedBatch(ctx context.Context, model string, texts []string) ([][]float32, error)

	// IsRunning reports whether the backend is reachable.
	IsRunning(ctx context.Context) bool

	// ListModels returns the names of all locally available models.
	ListModels(ctx context.Context) ([]string, error)

	// HasModel reports whether the given model name is available locally.
	HasModel(ctx context.Context, name string) bool

	// PullModel downloads a model. The optional callback receives progress updates.
	PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error
}

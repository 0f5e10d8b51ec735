// Package document turns fetched text into embedded, indexed chunks.
package document

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tmc/langchaingo/textsplitter"

	"github.com/kalambet/sourcesync/internal/retrieval"
	"github.com/kalambet/sourcesync/internal/storage"
)

// Chunk metadata keys written on every vector.
const (
	MetaDataSourceID = "dataSourceId"
	MetaIndexDate    = "indexDate"
	MetaType         = "type"
	MetaName         = "name"
	MetaURL          = "url"
	MetaChunkIndex   = "chunkIndex"
	MetaTitle        = "title"
)

// ErrNoContent is returned when a document has no text to index.
var ErrNoContent = errors.New("document has no indexable text")

// Embedder produces one vector per text, index aligned.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Linker records which vectors belong to a data source.
type Linker interface {
	LinkVectors(ctx context.Context, links []storage.VectorLink) error
}

// Config controls chunking.
type Config struct {
	ChunkSize    int
	ChunkOverlap int
}

func (c Config) withDefaults() Config {
	if c.ChunkSize <= 0 {
		c.ChunkSize = 1000
	}
	if c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize {
		c.ChunkOverlap = c.ChunkSize / 5
	}
	return c
}

// Document is one piece of fetched content belonging to a data source.
type Document struct {
	DataSourceID string
	Type         storage.DataSourceType
	Name         string
	URL          string
	// Title is prefixed to every chunk. YouTube callers pass
	// "<video> by <author>".
	Title    string
	Text     string
	Metadata map[string]any
}

// Result lists the vector IDs written for a document.
type Result struct {
	IDs    []string
	Chunks int
}

// Processor splits, embeds, upserts and links documents.
type Processor struct {
	embedder Embedder
	store    retrieval.VectorStore
	linker   Linker
	splitter textsplitter.RecursiveCharacter
	logger   *slog.Logger
}

func NewProcessor(embedder Embedder, store retrieval.VectorStore, linker Linker, cfg Config, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Processor{
		embedder: embedder,
		store:    store,
		linker:   linker,
		splitter: textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(cfg.ChunkSize),
			textsplitter.WithChunkOverlap(cfg.ChunkOverlap),
		),
		logger: logger,
	}
}

// Process indexes doc with the given index date. Chunk IDs are derived from
// the data source, URL and chunk position, so re-indexing the same document
// overwrites its vectors and moves their index date forward.
func (p *Processor) Process(ctx context.Context, doc Document, indexDate time.Time) (Result, error) {
	text := strings.TrimSpace(doc.Text)
	if text == "" {
		return Result{}, ErrNoContent
	}
	pieces, err := p.splitter.SplitText(text)
	if err != nil {
		return Result{}, fmt.Errorf("splitting %s: %w", doc.URL, err)
	}
	pieces = nonEmpty(pieces)
	if len(pieces) == 0 {
		return Result{}, ErrNoContent
	}

	texts := make([]string, len(pieces))
	for i, piece := range pieces {
		texts[i] = prefixTitle(doc.Title, piece)
	}

	vecs, err := p.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return Result{}, fmt.Errorf("embedding %s: %w", doc.URL, err)
	}
	if len(vecs) != len(texts) {
		return Result{}, fmt.Errorf("embedding %s: got %d vectors for %d chunks", doc.URL, len(vecs), len(texts))
	}

	records := make([]retrieval.Record, len(texts))
	links := make([]storage.VectorLink, len(texts))
	ids := make([]string, len(texts))
	for i := range texts {
		id := ChunkID(doc.DataSourceID, doc.URL, i)
		ids[i] = id
		records[i] = retrieval.Record{
			ID:           id,
			DataSourceID: doc.DataSourceID,
			SourceType:   string(doc.Type),
			TextChunk:    texts[i],
			Embedding:    vecs[i],
			IndexDate:    indexDate,
			Metadata:     chunkMetadata(doc, indexDate, i),
		}
		// Distance stays 0: nothing is being searched at ingestion.
		links[i] = storage.VectorLink{DataSourceID: doc.DataSourceID, VectorID: id}
	}

	if err := p.store.Upsert(ctx, records); err != nil {
		return Result{}, fmt.Errorf("upserting chunks of %s: %w", doc.URL, err)
	}
	if err := p.linker.LinkVectors(ctx, links); err != nil {
		return Result{}, fmt.Errorf("linking chunks of %s: %w", doc.URL, err)
	}

	p.logger.Debug("document indexed", "data_source_id", doc.DataSourceID, "url", doc.URL, "chunks", len(ids))
	return Result{IDs: ids, Chunks: len(ids)}, nil
}

// ChunkID is the vector ID of chunk index of url within a data source.
func ChunkID(dataSourceID, url string, index int) string {
	name := dataSourceID + "|" + url + "|" + strconv.Itoa(index)
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(name)).String()
}

// chunkMetadata layers the standard keys over the caller's metadata so a
// caller cannot mislabel the owning source or index date.
func chunkMetadata(doc Document, indexDate time.Time, index int) map[string]any {
	meta := make(map[string]any, len(doc.Metadata)+7)
	for k, v := range doc.Metadata {
		meta[k] = v
	}
	meta[MetaDataSourceID] = doc.DataSourceID
	meta[MetaIndexDate] = indexDate.UnixMilli()
	meta[MetaType] = string(doc.Type)
	meta[MetaName] = doc.Name
	meta[MetaURL] = doc.URL
	meta[MetaChunkIndex] = index
	if doc.Title != "" {
		meta[MetaTitle] = doc.Title
	}
	return meta
}

func prefixTitle(title, text string) string {
	if title == "" {
		return text
	}
	return "Title: " + title + "\n\n" + text
}

func nonEmpty(pieces []string) []string {
	out := pieces[:0]
	for _, p := range pieces {
		if strings.TrimSpace(p) != "" {
			out = append(out, p)
		}
	}
	return out
}

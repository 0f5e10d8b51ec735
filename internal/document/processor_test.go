package document

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/sourcesync/internal/retrieval"
	"github.com/kalambet/sourcesync/internal/storage"
)

type fakeEmbedder struct {
	mu    sync.Mutex
	texts []string
	err   error
}

func (f *fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.mu.Lock()
	f.texts = append(f.texts, texts...)
	f.mu.Unlock()
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, float32(i + 1), 0.5}
	}
	return out, nil
}

type fixture struct {
	store    *storage.Store
	vectors  *retrieval.SQLiteStore
	embedder *fakeEmbedder
	proc     *Processor
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	s, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.CreateDataSource(context.Background(), storage.DataSource{ID: "ds-1", Type: storage.TypeWebPage, Name: "Docs"}))

	f := &fixture{store: s, vectors: retrieval.NewSQLiteStore(s.DB()), embedder: &fakeEmbedder{}}
	f.proc = NewProcessor(f.embedder, f.vectors, s, cfg, nil)
	return f
}

func TestProcess_ChunksPrefixedAndTagged(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{ChunkSize: 40, ChunkOverlap: 10})
	indexDate := time.Now().Truncate(time.Millisecond)

	text := strings.Repeat("Sitemaps help crawlers find pages. ", 6)
	res, err := f.proc.Process(ctx, Document{
		DataSourceID: "ds-1",
		Type:         storage.TypeWebPage,
		Name:         "Docs",
		URL:          "https://x.com/blog/a",
		Title:        "Blog A",
		Text:         text,
		Metadata:     map[string]any{"lang": "en", MetaDataSourceID: "spoofed"},
	}, indexDate)
	require.NoError(t, err)
	require.Greater(t, res.Chunks, 1, "text should be split into several chunks")
	assert.Len(t, res.IDs, res.Chunks)

	for _, embedded := range f.embedder.texts {
		assert.True(t, strings.HasPrefix(embedded, "Title: Blog A\n\n"), "chunk %q lacks title prefix", embedded)
	}

	recs, err := f.vectors.GetByIDs(ctx, res.IDs[:1])
	require.NoError(t, err)
	require.Len(t, recs, 1)
	meta := recs[0].Metadata
	assert.Equal(t, "ds-1", meta[MetaDataSourceID])
	assert.Equal(t, "https://x.com/blog/a", meta[MetaURL])
	assert.Equal(t, "WEBPAGE", meta[MetaType])
	assert.Equal(t, "Docs", meta[MetaName])
	assert.Equal(t, "en", meta["lang"])
	assert.EqualValues(t, indexDate.UnixMilli(), meta[MetaIndexDate])
	assert.Equal(t, indexDate.UnixMilli(), recs[0].IndexDate.UnixMilli())

	linked, err := f.store.LinkedVectorIDs(ctx, "ds-1")
	require.NoError(t, err)
	assert.ElementsMatch(t, res.IDs, linked)
}

func TestProcess_ReindexRestampsSameIDs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	doc := Document{DataSourceID: "ds-1", Type: storage.TypeWebPage, URL: "https://x.com/a", Text: "hello world"}

	t1 := time.Now().Add(-time.Hour)
	first, err := f.proc.Process(ctx, doc, t1)
	require.NoError(t, err)

	t2 := time.Now()
	second, err := f.proc.Process(ctx, doc, t2)
	require.NoError(t, err)
	assert.Equal(t, first.IDs, second.IDs)

	n, err := f.vectors.Count(ctx, "ds-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stale, err := f.vectors.DeleteStale(ctx, "ds-1", t2)
	require.NoError(t, err)
	assert.Empty(t, stale, "restamped vector must not be stale")
}

func TestProcess_EmptyText(t *testing.T) {
	f := newFixture(t, Config{})
	_, err := f.proc.Process(context.Background(), Document{DataSourceID: "ds-1", Text: "  \n\t "}, time.Now())
	assert.ErrorIs(t, err, ErrNoContent)
}

func TestProcess_EmbedErrorWritesNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.embedder.err = errors.New("engine down")

	_, err := f.proc.Process(ctx, Document{DataSourceID: "ds-1", URL: "u", Text: "some text"}, time.Now())
	require.Error(t, err)

	n, err := f.vectors.Count(ctx, "ds-1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestChunkID_Deterministic(t *testing.T) {
	assert.Equal(t, ChunkID("ds", "u", 0), ChunkID("ds", "u", 0))
	assert.NotEqual(t, ChunkID("ds", "u", 0), ChunkID("ds", "u", 1))
	assert.NotEqual(t, ChunkID("ds", "u", 0), ChunkID("other", "u", 0))
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{ChunkSize: 100, ChunkOverlap: 100}.withDefaults()
	assert.Equal(t, 20, cfg.ChunkOverlap)
	assert.Equal(t, 1000, Config{}.withDefaults().ChunkSize)
}

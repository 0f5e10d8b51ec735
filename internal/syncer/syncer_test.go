package syncer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/sourcesync/internal/blob"
	"github.com/kalambet/sourcesync/internal/document"
	"github.com/kalambet/sourcesync/internal/extract"
	"github.com/kalambet/sourcesync/internal/fetch"
	"github.com/kalambet/sourcesync/internal/ingest"
	"github.com/kalambet/sourcesync/internal/operation"
	"github.com/kalambet/sourcesync/internal/queue"
	"github.com/kalambet/sourcesync/internal/retrieval"
	"github.com/kalambet/sourcesync/internal/sitemap"
	"github.com/kalambet/sourcesync/internal/source"
	"github.com/kalambet/sourcesync/internal/storage"
	"github.com/kalambet/sourcesync/internal/vectorsync"
	"github.com/kalambet/sourcesync/internal/youtube"
)

type fakeEmbedder struct {
	mu    sync.Mutex
	texts []string
}

func (f *fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	f.texts = append(f.texts, texts...)
	f.mu.Unlock()
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

type fakeVideos struct {
	video youtube.Video
	err   error
}

func (f fakeVideos) Fetch(context.Context, string) (youtube.Video, error) {
	return f.video, f.err
}

// site is a tiny website whose routes can be swapped between syncs.
type site struct {
	mu     sync.Mutex
	routes map[string]string
	srv    *httptest.Server
}

func (s *site) set(path, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routes[path] = body
}

type env struct {
	store    *storage.Store
	vectors  *retrieval.SQLiteStore
	tracker  *operation.Tracker
	embedder *fakeEmbedder
	site     *site
	worker   *ingest.Worker
	svc      *Service
	blobDir  string
}

func newEnv(t *testing.T, videos fakeVideos) *env {
	t.Helper()
	s, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	st := &site{routes: map[string]string{}}
	st.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		st.mu.Lock()
		body, ok := st.routes[r.URL.Path]
		st.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		switch {
		case strings.HasSuffix(r.URL.Path, ".xml"):
			w.Header().Set("Content-Type", "application/xml")
		case strings.HasSuffix(r.URL.Path, ".txt"):
			w.Header().Set("Content-Type", "text/plain")
		case strings.HasSuffix(r.URL.Path, ".bin"):
			w.Header().Set("Content-Type", "application/octet-stream")
		default:
			w.Header().Set("Content-Type", "text/html")
		}
		io.WriteString(w, strings.ReplaceAll(body, "{{base}}", st.srv.URL))
	}))
	t.Cleanup(st.srv.Close)

	e := &env{
		store:    s,
		vectors:  retrieval.NewSQLiteStore(s.DB()),
		tracker:  operation.NewTracker(s, nil),
		embedder: &fakeEmbedder{},
		site:     st,
		blobDir:  t.TempDir(),
	}
	fetcher := fetch.New(fetch.Config{Timeout: 5 * time.Second})
	q := queue.NewSQLiteQueue(s, time.Minute, 1)
	proc := document.NewProcessor(e.embedder, e.vectors, s, document.Config{ChunkSize: 60, ChunkOverlap: 0}, nil)
	pruner := vectorsync.NewPruner(e.vectors, s, nil)
	fin := ingest.NewFinalizer(e.tracker, s, pruner, nil)
	blobs, err := blob.NewStore(e.blobDir)
	require.NoError(t, err)

	e.worker = ingest.NewWorker(ingest.Deps{
		Queue: q, Fetcher: fetcher, Extractor: extract.New(), Processor: proc,
		Tracker: e.tracker, Sources: s, Finalizer: fin,
	}, ingest.Config{}, nil)
	e.svc = New(Deps{
		Sources:   s,
		Tracker:   e.tracker,
		Fetcher:   fetcher,
		Extractor: extract.New(),
		Processor: proc,
		YouTube:   videos,
		Crawler:   sitemap.New(fetcher, q, sitemap.Config{Concurrency: 2}, nil),
		Blobs:     blobs,
		Pruner:    pruner,
		Finalizer: fin,
	}, nil)
	return e
}

func (e *env) addSource(t *testing.T, id string, typ storage.DataSourceType, url string, meta map[string]any) {
	t.Helper()
	require.NoError(t, e.store.CreateDataSource(context.Background(), storage.DataSource{
		ID: id, Type: typ, Name: "src-" + id, URL: url, Metadata: meta,
	}))
}

func (e *env) drain(t *testing.T) {
	t.Helper()
	for {
		ok, err := e.worker.RunOnce(context.Background())
		require.NoError(t, err)
		if !ok {
			return
		}
	}
}

func (e *env) lastOperation(t *testing.T, dsID string) storage.IndexOperation {
	t.Helper()
	ops, err := e.store.ListOperations(context.Background(), dsID, 1)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	return ops[0]
}

func html(title, body string) string {
	return fmt.Sprintf("<html><head><title>%s</title></head><body><p>%s</p></body></html>", title, body)
}

func TestSync_FileIsUnsupportedAndTouchesNothing(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, fakeVideos{})
	e.addSource(t, "f1", storage.TypeFile, "", nil)
	e.addSource(t, "u1", storage.DataSourceType("FTP"), "ftp://x", nil)

	for _, id := range []string{"f1", "f1", "u1"} {
		_, err := e.svc.Sync(ctx, id, true)
		var ute *source.UnsupportedTypeError
		require.ErrorAs(t, err, &ute)
		ops, err := e.store.ListOperations(ctx, id, 10)
		require.NoError(t, err)
		assert.Empty(t, ops, "no operation may be created for %s", id)
	}

	_, err := e.svc.Sync(ctx, "f1", true)
	assert.Contains(t, err.Error(), "must be uploaded directly, cannot be synced")
	n, err := e.vectors.Count(ctx, "")
	require.NoError(t, err)
	assert.Zero(t, n)
	ds, err := e.store.GetDataSource(ctx, "f1")
	require.NoError(t, err)
	assert.Nil(t, ds.LastManualSync)
}

func TestSync_MissingSource(t *testing.T) {
	e := newEnv(t, fakeVideos{})
	_, err := e.svc.Sync(context.Background(), "nope", true)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSync_ConflictWhileRunning(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, fakeVideos{})
	e.site.set("/page", html("P", "Body"))
	e.addSource(t, "w1", storage.TypeWebPage, e.site.srv.URL+"/page", nil)

	running, err := e.tracker.Begin(ctx, "w1", nil)
	require.NoError(t, err)

	_, err = e.svc.Sync(ctx, "w1", true)
	var ce *operation.ConflictError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, running.ID, ce.OperationID)
}

func TestSync_WebPage(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, fakeVideos{})
	e.site.set("/page", html("Hello", "Some page content to index."))
	e.addSource(t, "w1", storage.TypeWebPage, e.site.srv.URL+"/page", nil)

	ds, err := e.svc.Sync(ctx, "w1", true)
	require.NoError(t, err)
	assert.Equal(t, 1, ds.NumberOfDocuments)
	assert.NotNil(t, ds.LastManualSync)
	assert.Nil(t, ds.LastAutomaticSync)

	op := e.lastOperation(t, "w1")
	assert.Equal(t, storage.StatusSucceeded, op.Status)
	assert.Equal(t, 1, storage.IntValue(op.Metadata, storage.MetaDocumentCount))
	require.NotEmpty(t, e.embedder.texts)
	assert.True(t, strings.HasPrefix(e.embedder.texts[0], "Title: Hello\n\n"))

	linked, err := e.store.LinkedVectorIDs(ctx, "w1")
	require.NoError(t, err)
	assert.Len(t, linked, 1)
}

// Sync #1 writes several chunks; the page then shrinks and sync #2 rewrites
// only the first one. The chunks sync #2 did not rewrite are pruned.
func TestSync_PrunesUnrefreshedVectors(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, fakeVideos{})
	long := strings.Repeat("alpha beta gamma delta epsilon. ", 12)
	e.site.set("/page", html("", long))
	e.addSource(t, "w1", storage.TypeWebPage, e.site.srv.URL+"/page", nil)

	t1 := time.Now().Add(-time.Hour)
	e.svc.now = func() time.Time { return t1 }
	_, err := e.svc.Sync(ctx, "w1", false)
	require.NoError(t, err)
	first, err := e.vectors.Count(ctx, "w1")
	require.NoError(t, err)
	require.Greater(t, first, 1)

	e.site.set("/page", html("", "alpha beta gamma."))
	t2 := time.Now()
	e.svc.now = func() time.Time { return t2 }
	ds, err := e.svc.Sync(ctx, "w1", false)
	require.NoError(t, err)

	second, err := e.vectors.Count(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, 1, second)
	assert.Equal(t, 1, ds.NumberOfDocuments)
	assert.NotNil(t, ds.LastAutomaticSync)

	recs, err := e.vectors.GetByIDs(ctx, []string{document.ChunkID("w1", e.site.srv.URL+"/page", 0)})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, t2.UnixMilli(), recs[0].IndexDate.UnixMilli())

	op := e.lastOperation(t, "w1")
	assert.Equal(t, first-1, storage.IntValue(op.Metadata, ingest.MetaPrunedVectors))
}

func TestSync_WebPageFetchFailureFailsOperation(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, fakeVideos{})
	e.addSource(t, "w1", storage.TypeWebPage, e.site.srv.URL+"/missing", nil)

	_, err := e.svc.Sync(ctx, "w1", true)
	var fe *fetch.FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, http.StatusNotFound, fe.StatusCode)

	op := e.lastOperation(t, "w1")
	assert.Equal(t, storage.StatusFailed, op.Status)
	require.Len(t, op.ErrorMessages, 1)

	// The failed run no longer blocks a retry.
	e.site.set("/missing", html("Back", "Content returned."))
	_, err = e.svc.Sync(ctx, "w1", true)
	require.NoError(t, err)
}

func TestSync_YouTube(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, fakeVideos{video: youtube.Video{
		ID: "abc", Title: "Channels", Author: "Gopher", Transcript: "Channels are typed conduits.",
	}})
	e.addSource(t, "y1", storage.TypeYouTube, "https://youtu.be/abc", nil)

	ds, err := e.svc.Sync(ctx, "y1", true)
	require.NoError(t, err)
	assert.Equal(t, 1, ds.NumberOfDocuments)
	require.NotEmpty(t, e.embedder.texts)
	assert.True(t, strings.HasPrefix(e.embedder.texts[0], "Title: Channels by Gopher\n\n"))

	recs, err := e.vectors.GetByIDs(ctx, []string{document.ChunkID("y1", "https://youtu.be/abc", 0)})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "abc", recs[0].Metadata["videoId"])
	assert.Equal(t, "YOUTUBE", recs[0].Metadata[document.MetaType])
}

func TestSync_YouTubeFailure(t *testing.T) {
	e := newEnv(t, fakeVideos{err: youtube.ErrNoTranscript})
	e.addSource(t, "y1", storage.TypeYouTube, "https://youtu.be/abc", nil)

	_, err := e.svc.Sync(context.Background(), "y1", true)
	require.ErrorIs(t, err, youtube.ErrNoTranscript)
	assert.Equal(t, storage.StatusFailed, e.lastOperation(t, "y1").Status)
}

func TestSync_RemoteFileStoredAsBlob(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, fakeVideos{})
	e.site.set("/report.bin", "binary payload")
	e.addSource(t, "r1", storage.TypeRemoteFile, e.site.srv.URL+"/report.bin", nil)

	ds, err := e.svc.Sync(ctx, "r1", true)
	require.NoError(t, err)
	assert.Equal(t, 1, ds.NumberOfDocuments)

	op := e.lastOperation(t, "r1")
	assert.Equal(t, storage.StatusSucceeded, op.Status)
	assert.Equal(t, "r1/report.bin", op.Metadata[MetaBlobKey])

	blobs, err := blob.NewStore(e.blobDir)
	require.NoError(t, err)
	r, err := blobs.Open(ctx, "r1/report.bin")
	require.NoError(t, err)
	defer r.Close()
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "binary payload", string(got))
}

func crawlSite(e *env) {
	e.site.set("/robots.txt", "User-agent: *\nSitemap: {{base}}/sitemap.xml\n")
	e.site.set("/sitemap.xml", `<?xml version="1.0"?>
<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
<url><loc>{{base}}/blog/a</loc></url>
<url><loc>{{base}}/docs/b</loc></url>
</urlset>`)
	e.site.set("/blog/a", html("A", "Blog post A."))
	e.site.set("/docs/b", html("B", "Docs page B."))
}

func TestSync_WebCrawlCompletesAfterWorkersDrain(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, fakeVideos{})
	crawlSite(e)
	e.addSource(t, "c1", storage.TypeWebCrawl, e.site.srv.URL, map[string]any{source.MetaPathRegex: "blog/.*"})

	_, err := e.svc.Sync(ctx, "c1", true)
	require.NoError(t, err)

	op := e.lastOperation(t, "c1")
	assert.Equal(t, storage.StatusRunning, op.Status)
	assert.Equal(t, 1, storage.IntValue(op.Metadata, MetaURLCount))
	assert.Equal(t, 1, storage.IntValue(op.Metadata, storage.MetaTotalURLs))
	assert.Equal(t, "blog/.*", op.Metadata[storage.MetaURLRegex])

	e.drain(t)
	op = e.lastOperation(t, "c1")
	assert.Equal(t, storage.StatusSucceeded, op.Status)
	assert.Equal(t, []string{e.site.srv.URL + "/blog/a"}, storage.StringList(op.Metadata, storage.MetaSucceededURLs))

	ds, err := e.store.GetDataSource(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 1, ds.NumberOfDocuments)
}

func TestCrawl_PartialFailureEndsFailedWithCounts(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, fakeVideos{})
	e.site.set("/index.xml", `<sitemapindex>
<sitemap><loc>{{base}}/good.xml</loc></sitemap>
<sitemap><loc>{{base}}/broken.xml</loc></sitemap>
</sitemapindex>`)
	e.site.set("/good.xml", `<urlset><url><loc>{{base}}/blog/a</loc></url></urlset>`)
	e.site.set("/blog/a", html("A", "Blog post A."))
	e.addSource(t, "c1", storage.TypeWebCrawl, e.site.srv.URL, nil)

	op, err := e.svc.Crawl(ctx, "c1", e.site.srv.URL+"/index.xml", "", map[string]any{"requestedBy": "test"})
	require.NoError(t, err)
	assert.Equal(t, storage.StatusRunning, op.Status)
	assert.Equal(t, "test", op.Metadata["requestedBy"])
	assert.Equal(t, e.site.srv.URL, op.Metadata[storage.MetaBaseURL])
	require.NotEmpty(t, op.ErrorMessages, "broken branch must be recorded")

	e.drain(t)
	op, err = e.tracker.Get(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusFailed, op.Status)
	assert.Equal(t, 1, storage.IntValue(op.Metadata, ingest.MetaSucceededCount))
	assert.Equal(t, 1, storage.IntValue(op.Metadata, MetaURLCount))
}

func TestCrawl_NothingFoundFinishesImmediately(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, fakeVideos{})
	crawlSite(e)
	e.addSource(t, "c1", storage.TypeWebCrawl, e.site.srv.URL, nil)

	op, err := e.svc.Crawl(ctx, "c1", "", "nothing-matches/.*", nil)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusSucceeded, op.Status)
	assert.Zero(t, storage.IntValue(op.Metadata, MetaURLCount))
}

func TestCrawl_Rejections(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, fakeVideos{})
	e.addSource(t, "w1", storage.TypeWebPage, "https://x.com", nil)
	e.addSource(t, "c1", storage.TypeWebCrawl, "https://x.com", nil)

	_, err := e.svc.Crawl(ctx, "w1", "https://x.com", "", nil)
	var ute *source.UnsupportedTypeError
	assert.ErrorAs(t, err, &ute)

	_, err = e.svc.Crawl(ctx, "c1", "https://x.com", "([", nil)
	require.Error(t, err)
	ops, err := e.store.ListOperations(ctx, "c1", 10)
	require.NoError(t, err)
	assert.Empty(t, ops, "invalid regex must not open an operation")

	_, err = e.svc.Crawl(ctx, "missing", "", "", nil)
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

// hangingServer blocks its first n requests until the client gives up and
// serves body afterwards.
func hangingServer(t *testing.T, n int, body string) *httptest.Server {
	t.Helper()
	var mu sync.Mutex
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		hang := calls <= n
		mu.Unlock()
		if hang {
			<-r.Context().Done()
			return
		}
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSync_CancelledRunStillEndsFailed(t *testing.T) {
	e := newEnv(t, fakeVideos{})
	srv := hangingServer(t, 1, html("Slow", "Eventually served."))
	e.addSource(t, "w1", storage.TypeWebPage, srv.URL+"/page", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := e.svc.Sync(ctx, "w1", true)
	require.Error(t, err)

	op := e.lastOperation(t, "w1")
	assert.Equal(t, storage.StatusFailed, op.Status)
	require.NotEmpty(t, op.ErrorMessages)

	// The source is not locked by the interrupted run.
	_, err = e.svc.Sync(context.Background(), "w1", true)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusSucceeded, e.lastOperation(t, "w1").Status)
}

func TestCrawl_CancelledDiscoveryRecordsTotals(t *testing.T) {
	e := newEnv(t, fakeVideos{})
	slow := hangingServer(t, 100, "")
	e.site.set("/index.xml", `<sitemapindex>
<sitemap><loc>{{base}}/good.xml</loc></sitemap>
<sitemap><loc>`+slow.URL+`/slow.xml</loc></sitemap>
</sitemapindex>`)
	e.site.set("/good.xml", `<urlset><url><loc>{{base}}/blog/a</loc></url></urlset>`)
	e.site.set("/blog/a", html("A", "Blog post A."))
	e.addSource(t, "c1", storage.TypeWebCrawl, e.site.srv.URL, nil)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(150*time.Millisecond, cancel)
	op, err := e.svc.Crawl(ctx, "c1", e.site.srv.URL+"/index.xml", "", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, storage.IntValue(op.Metadata, MetaURLCount))
	assert.Equal(t, true, op.Metadata[storage.MetaDiscoveryDone])
	require.NotEmpty(t, op.ErrorMessages)

	e.drain(t)
	op, err = e.tracker.Get(context.Background(), op.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusFailed, op.Status, "an interrupted crawl is never finalized as succeeded")
}

func TestCrawl_TimeoutEndsFailedWithMessage(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, fakeVideos{})
	slow := hangingServer(t, 100, "")
	e.site.set("/index.xml", `<sitemapindex>
<sitemap><loc>{{base}}/good.xml</loc></sitemap>
<sitemap><loc>`+slow.URL+`/slow.xml</loc></sitemap>
</sitemapindex>`)
	e.site.set("/good.xml", `<urlset><url><loc>{{base}}/blog/a</loc></url></urlset>`)
	e.site.set("/blog/a", html("A", "Blog post A."))
	e.addSource(t, "c1", storage.TypeWebCrawl, e.site.srv.URL, nil)

	e.svc.deps.Crawler = sitemap.New(
		fetch.New(fetch.Config{Timeout: 5 * time.Second}),
		queue.NewSQLiteQueue(e.store, time.Minute, 1),
		sitemap.Config{Concurrency: 2, Timeout: 200 * time.Millisecond},
		nil,
	)

	op, err := e.svc.Crawl(ctx, "c1", e.site.srv.URL+"/index.xml", "", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, storage.IntValue(op.Metadata, MetaURLCount))

	e.drain(t)
	op, err = e.tracker.Get(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusFailed, op.Status)
	assert.Equal(t, 1, storage.IntValue(op.Metadata, MetaURLCount))
	assert.Equal(t, 1, storage.IntValue(op.Metadata, ingest.MetaSucceededCount))
	assert.Contains(t, strings.Join(op.ErrorMessages, "\n"), "timed out after 200ms")
}

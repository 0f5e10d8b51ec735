// Package syncer runs sync and crawl requests for data sources: it guards
// against concurrent runs, routes each source kind to its fetch strategy and
// prunes content the run did not refresh.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/kalambet/sourcesync/internal/blob"
	"github.com/kalambet/sourcesync/internal/document"
	"github.com/kalambet/sourcesync/internal/extract"
	"github.com/kalambet/sourcesync/internal/fetch"
	"github.com/kalambet/sourcesync/internal/ingest"
	"github.com/kalambet/sourcesync/internal/sitemap"
	"github.com/kalambet/sourcesync/internal/source"
	"github.com/kalambet/sourcesync/internal/storage"
	"github.com/kalambet/sourcesync/internal/youtube"
)

// Operation metadata written by sync runs.
const (
	MetaName            = "name"
	MetaURL             = "url"
	MetaType            = "type"
	MetaManual          = "manual"
	MetaURLCount        = "urlCount"
	MetaSitemapsVisited = "sitemapsVisited"
	MetaBlobKey         = "blobKey"
	MetaBytes           = "bytes"
	MetaContentType     = "contentType"
)

// SourceStore is the data source persistence a sync needs.
type SourceStore interface {
	GetDataSource(ctx context.Context, id string) (storage.DataSource, error)
	MarkSyncStarted(ctx context.Context, id string, manual bool, at time.Time) error
	SetDocumentCount(ctx context.Context, id string, n int) error
	AddDocumentCount(ctx context.Context, id string, delta int) error
}

// Tracker is the index operation state machine.
type Tracker interface {
	Begin(ctx context.Context, dataSourceID string, meta map[string]any) (storage.IndexOperation, error)
	ingest.OperationTracker
}

type Fetcher interface {
	Get(ctx context.Context, url string) (*fetch.Response, error)
	Stream(ctx context.Context, url string, w io.Writer) (string, int64, error)
}

type Extractor interface {
	Extract(body []byte, contentType, sourceURL string) (extract.Content, error)
}

type Processor interface {
	Process(ctx context.Context, doc document.Document, indexDate time.Time) (document.Result, error)
}

type VideoFetcher interface {
	Fetch(ctx context.Context, videoURL string) (youtube.Video, error)
}

type Crawler interface {
	Crawl(ctx context.Context, req sitemap.Request) (sitemap.Result, error)
}

type BlobStore interface {
	Create(ctx context.Context, key string) (*blob.Writer, error)
}

// Deps are the collaborators of a Service.
type Deps struct {
	Sources   SourceStore
	Tracker   Tracker
	Fetcher   Fetcher
	Extractor Extractor
	Processor Processor
	YouTube   VideoFetcher
	Crawler   Crawler
	Blobs     BlobStore
	Pruner    ingest.Pruner
	Finalizer *ingest.Finalizer
}

type Service struct {
	deps   Deps
	logger *slog.Logger
	now    func() time.Time
}

func New(deps Deps, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{deps: deps, logger: logger, now: time.Now}
}

// Sync re-ingests a data source. It fails with *source.UnsupportedTypeError
// before touching anything for sources that cannot be synced, and with
// *operation.ConflictError when a run is already in progress. WEB_CRAWL
// sources return once discovery has finished; their operation completes when
// the queued pages have been processed.
func (s *Service) Sync(ctx context.Context, dataSourceID string, manual bool) (storage.DataSource, error) {
	ds, err := s.deps.Sources.GetDataSource(ctx, dataSourceID)
	if err != nil {
		return storage.DataSource{}, fmt.Errorf("loading data source %s: %w", dataSourceID, err)
	}
	src, err := source.FromDataSource(ds)
	if err != nil {
		return storage.DataSource{}, err
	}

	syncStart := s.now().UTC().Truncate(time.Millisecond)
	meta := map[string]any{
		MetaName:              ds.Name,
		MetaURL:               ds.URL,
		MetaType:              string(ds.Type),
		MetaManual:            manual,
		storage.MetaSyncStart: syncStart.UnixMilli(),
	}
	if wc, ok := src.(source.WebCrawl); ok {
		meta[storage.MetaBaseURL] = wc.URL
		meta[storage.MetaURLRegex] = wc.PathRegex
	}

	op, err := s.begin(ctx, ds.ID, manual, syncStart, meta)
	if err != nil {
		return storage.DataSource{}, err
	}
	log := s.logger.With("data_source_id", ds.ID, "operation_id", op.ID, "type", ds.Type)
	log.Info("sync started", "manual", manual)

	var runErr error
	switch src := src.(type) {
	case source.WebCrawl:
		_, runErr = s.runCrawl(ctx, op, ds, src)
	case source.WebPage:
		runErr = s.finish(ctx, op, ds, syncStart, true, func() (outcome, error) { return s.syncPage(ctx, ds, src, syncStart) })
	case source.YouTube:
		runErr = s.finish(ctx, op, ds, syncStart, true, func() (outcome, error) { return s.syncVideo(ctx, ds, src, syncStart) })
	case source.RemoteFile:
		// The file is only stored here; its chunks are written by a later
		// step, so there is nothing re-stamped to prune against.
		runErr = s.finish(ctx, op, ds, syncStart, false, func() (outcome, error) { return s.syncFile(ctx, ds, src) })
	default:
		runErr = &source.UnsupportedTypeError{Type: src.Kind()}
	}

	rctx, cancel := detached(ctx)
	defer cancel()
	updated, err := s.deps.Sources.GetDataSource(rctx, ds.ID)
	if err != nil {
		updated = ds
	}
	if runErr != nil {
		return updated, runErr
	}
	return updated, nil
}

// Crawl starts a sitemap crawl of rawURL for a WEB_CRAWL data source and
// returns its operation once discovery has finished. meta is recorded on the
// operation.
func (s *Service) Crawl(ctx context.Context, dataSourceID, rawURL, pathRegex string, meta map[string]any) (storage.IndexOperation, error) {
	ds, err := s.deps.Sources.GetDataSource(ctx, dataSourceID)
	if err != nil {
		return storage.IndexOperation{}, fmt.Errorf("loading data source %s: %w", dataSourceID, err)
	}
	if ds.Type != storage.TypeWebCrawl {
		return storage.IndexOperation{}, &source.UnsupportedTypeError{Type: ds.Type}
	}
	if rawURL == "" {
		rawURL = ds.URL
	}
	wc := source.NewWebCrawl(rawURL, pathRegex, "")
	if _, err := sitemap.MatchPattern(wc.URL, wc.PathRegex); err != nil {
		return storage.IndexOperation{}, err
	}

	syncStart := s.now().UTC().Truncate(time.Millisecond)
	opMeta := storage.MergeMetadata(meta, map[string]any{
		MetaName:              ds.Name,
		MetaURL:               rawURL,
		MetaType:              string(ds.Type),
		MetaManual:            true,
		storage.MetaBaseURL:   wc.URL,
		storage.MetaURLRegex:  wc.PathRegex,
		storage.MetaSyncStart: syncStart.UnixMilli(),
	})
	op, err := s.begin(ctx, ds.ID, true, syncStart, opMeta)
	if err != nil {
		return storage.IndexOperation{}, err
	}
	return s.runCrawl(ctx, op, ds, wc)
}

func (s *Service) begin(ctx context.Context, dataSourceID string, manual bool, syncStart time.Time, meta map[string]any) (storage.IndexOperation, error) {
	op, err := s.deps.Tracker.Begin(ctx, dataSourceID, meta)
	if err != nil {
		return storage.IndexOperation{}, err
	}
	if err := s.deps.Sources.MarkSyncStarted(ctx, dataSourceID, manual, syncStart); err != nil {
		err = fmt.Errorf("marking sync start: %w", err)
		s.failOp(ctx, op.ID, err)
		return storage.IndexOperation{}, err
	}
	return op, nil
}

// runCrawl discovers pages and records the totals the finalizer waits for.
// Every discovered URL is eventually reported as succeeded or failed: queued
// ones by workers, rejected batches right here.
func (s *Service) runCrawl(ctx context.Context, op storage.IndexOperation, ds storage.DataSource, wc source.WebCrawl) (storage.IndexOperation, error) {
	res, err := s.deps.Crawler.Crawl(ctx, sitemap.Request{
		BaseURL:      wc.URL,
		SitemapURL:   wc.SitemapURL,
		PathRegex:    wc.PathRegex,
		OperationID:  op.ID,
		DataSourceID: ds.ID,
		Name:         ds.Name,
	})

	// Discovery totals must land even when ctx ended mid-crawl, or the
	// operation could never be finalized.
	rctx, cancel := detached(ctx)
	defer cancel()
	if err != nil {
		s.failOp(rctx, op.ID, err)
		return s.refresh(rctx, op), err
	}

	for _, e := range res.Errors {
		if _, err := s.deps.Tracker.AppendError(rctx, op.ID, e.Error()); err != nil {
			s.logger.Warn("recording crawl error failed", "operation_id", op.ID, "error", err)
		}
	}
	patch := map[string]any{
		MetaURLCount:              res.URLCount,
		MetaSitemapsVisited:       res.SitemapsVisited,
		storage.MetaTotalURLs:     res.URLCount + len(res.FailedURLs),
		storage.MetaDiscoveryDone: true,
	}
	if len(res.FailedURLs) > 0 {
		patch[storage.MetaFailedURLs] = res.FailedURLs
	}
	updated, err := s.deps.Tracker.Merge(rctx, op.ID, patch)
	if err != nil {
		if errors.Is(err, storage.ErrTerminalOperation) {
			return s.refresh(rctx, op), nil
		}
		s.failOp(rctx, op.ID, err)
		return s.refresh(rctx, op), err
	}

	if s.deps.Finalizer != nil {
		if err := s.deps.Finalizer.Check(rctx, updated); err != nil {
			s.logger.Error("finalizing crawl failed", "operation_id", op.ID, "error", err)
		}
	}
	return s.refresh(rctx, updated), nil
}

// outcome is the result of a synchronous fetch strategy.
type outcome struct {
	documents int
	meta      map[string]any
}

// finish runs a synchronous strategy and closes the operation. A failed run
// keeps whatever was recorded and is not pruned.
func (s *Service) finish(ctx context.Context, op storage.IndexOperation, ds storage.DataSource, syncStart time.Time, prune bool, run func() (outcome, error)) error {
	out, err := run()
	if err != nil {
		s.failOp(ctx, op.ID, err)
		return err
	}

	counts := storage.MergeMetadata(out.meta, map[string]any{storage.MetaDocumentCount: out.documents})
	if prune {
		n, err := s.deps.Pruner.Prune(ctx, ds.ID, syncStart)
		if err != nil {
			s.failOp(ctx, op.ID, err)
			return err
		}
		counts[ingest.MetaPrunedVectors] = n
	}
	rctx, cancel := detached(ctx)
	defer cancel()
	if err := s.deps.Sources.SetDocumentCount(rctx, ds.ID, out.documents); err != nil {
		err = fmt.Errorf("updating document count: %w", err)
		s.failOp(ctx, op.ID, err)
		return err
	}
	if _, err := s.deps.Tracker.Succeed(rctx, op.ID, counts); err != nil {
		return err
	}
	return nil
}

func (s *Service) syncPage(ctx context.Context, ds storage.DataSource, p source.WebPage, syncStart time.Time) (outcome, error) {
	resp, err := s.deps.Fetcher.Get(ctx, p.URL)
	if err != nil {
		return outcome{}, err
	}
	content, err := s.deps.Extractor.Extract(resp.Body, resp.ContentType, resp.URL)
	if err != nil {
		return outcome{}, fmt.Errorf("extracting %s: %w", p.URL, err)
	}
	res, err := s.deps.Processor.Process(ctx, document.Document{
		DataSourceID: ds.ID,
		Type:         storage.TypeWebPage,
		Name:         ds.Name,
		URL:          p.URL,
		Title:        content.Title,
		Text:         content.Text,
	}, syncStart)
	if err != nil {
		return outcome{}, err
	}
	return outcome{documents: res.Chunks}, nil
}

func (s *Service) syncVideo(ctx context.Context, ds storage.DataSource, y source.YouTube, syncStart time.Time) (outcome, error) {
	v, err := s.deps.YouTube.Fetch(ctx, y.URL)
	if err != nil {
		return outcome{}, err
	}
	res, err := s.deps.Processor.Process(ctx, document.Document{
		DataSourceID: ds.ID,
		Type:         storage.TypeYouTube,
		Name:         ds.Name,
		URL:          y.URL,
		Title:        v.DisplayTitle(),
		Text:         v.Transcript,
		Metadata:     map[string]any{"videoId": v.ID, "author": v.Author},
	}, syncStart)
	if err != nil {
		return outcome{}, err
	}
	return outcome{documents: res.Chunks}, nil
}

func (s *Service) syncFile(ctx context.Context, ds storage.DataSource, f source.RemoteFile) (outcome, error) {
	key := ds.ID + "/" + fileName(f)
	w, err := s.deps.Blobs.Create(ctx, key)
	if err != nil {
		return outcome{}, err
	}
	contentType, n, err := s.deps.Fetcher.Stream(ctx, f.URL, w)
	if err != nil {
		w.Abort()
		return outcome{}, err
	}
	if err := w.Commit(); err != nil {
		return outcome{}, err
	}
	return outcome{documents: 1, meta: map[string]any{
		MetaBlobKey:     key,
		MetaBytes:       n,
		MetaContentType: contentType,
	}}, nil
}

func fileName(f source.RemoteFile) string {
	u := f.URL
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		u = u[:i]
	}
	if base := path.Base(u); base != "" && base != "." && base != "/" && !strings.Contains(base, ":") {
		return base
	}
	if f.Name != "" {
		return strings.ReplaceAll(f.Name, "/", "_")
	}
	return "file"
}

// recordTimeout bounds the bookkeeping writes made after a run's own context
// may already be done.
const recordTimeout = 10 * time.Second

// detached returns a context that survives cancellation of ctx, so a run's
// terminal state is written even when its caller has gone away.
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
}

// failOp records cause on the operation even after ctx is done.
func (s *Service) failOp(ctx context.Context, id string, cause error) {
	ctx, cancel := detached(ctx)
	defer cancel()
	if _, err := s.deps.Tracker.Fail(ctx, id, cause.Error()); err != nil {
		s.logger.Error("marking operation failed failed", "operation_id", id, "error", err)
	}
}

func (s *Service) refresh(ctx context.Context, op storage.IndexOperation) storage.IndexOperation {
	if fresh, err := s.deps.Tracker.Get(ctx, op.ID); err == nil {
		return fresh
	}
	return op
}

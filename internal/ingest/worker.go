// Package ingest consumes queued URL messages: each is fetched, extracted,
// indexed and reported back onto its index operation.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/kalambet/sourcesync/internal/document"
	"github.com/kalambet/sourcesync/internal/extract"
	"github.com/kalambet/sourcesync/internal/fetch"
	"github.com/kalambet/sourcesync/internal/queue"
	"github.com/kalambet/sourcesync/internal/storage"
)

// Consumer is the receiving side of the dispatch queue.
type Consumer interface {
	Claim(ctx context.Context) (*queue.Delivery, error)
	Ack(ctx context.Context, d *queue.Delivery) error
	Nack(ctx context.Context, d *queue.Delivery, cause error) (bool, error)
}

type Fetcher interface {
	Get(ctx context.Context, url string) (*fetch.Response, error)
}

type Extractor interface {
	Extract(body []byte, contentType, sourceURL string) (extract.Content, error)
}

type Processor interface {
	Process(ctx context.Context, doc document.Document, indexDate time.Time) (document.Result, error)
}

// Deps are the collaborators of a Worker.
type Deps struct {
	Queue     Consumer
	Fetcher   Fetcher
	Extractor Extractor
	Processor Processor
	Tracker   OperationTracker
	Sources   SourceStore
	Finalizer *Finalizer
}

// Config controls worker concurrency and idle polling.
type Config struct {
	Workers      int           // concurrent jobs. Default: 4.
	PollInterval time.Duration // wait when the queue is empty. Default: 500ms.
}

// Worker processes index_url messages from the queue.
type Worker struct {
	deps   Deps
	config Config
	logger *slog.Logger
}

func NewWorker(deps Deps, cfg Config, logger *slog.Logger) *Worker {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{deps: deps, config: cfg, logger: logger}
}

// Run claims messages until ctx is cancelled and handles them on a pool of
// Config.Workers goroutines. It returns after in-flight messages finish.
func (w *Worker) Run(ctx context.Context) error {
	pool, err := ants.NewPool(w.config.Workers)
	if err != nil {
		return fmt.Errorf("creating worker pool: %w", err)
	}
	defer pool.Release()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		if ctx.Err() != nil {
			return nil
		}
		// Wait for a free slot before leasing so claimed messages do not sit
		// idle while their visibility timeout runs.
		if pool.Free() == 0 {
			if !sleep(ctx, 10*time.Millisecond) {
				return nil
			}
			continue
		}

		d, err := w.deps.Queue.Claim(ctx)
		if err != nil {
			w.logger.Error("claiming message failed", "error", err)
		}
		if d == nil {
			if !sleep(ctx, w.config.PollInterval) {
				return nil
			}
			continue
		}

		wg.Add(1)
		if err := pool.Submit(func() {
			defer wg.Done()
			w.Handle(ctx, d)
		}); err != nil {
			wg.Done()
			w.logger.Error("submitting message failed", "job_id", d.JobID, "error", err)
		}
	}
}

// RunOnce claims and handles a single message synchronously. It reports
// whether a message was handled.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	d, err := w.deps.Queue.Claim(ctx)
	if err != nil {
		return false, err
	}
	if d == nil {
		return false, nil
	}
	w.Handle(ctx, d)
	return true, nil
}

// Handle indexes one delivered URL and reports the outcome.
func (w *Worker) Handle(ctx context.Context, d *queue.Delivery) {
	msg := d.Message
	log := w.logger.With("operation_id", msg.IndexOperationID, "url", msg.URL, "attempt", d.Attempt)

	op, err := w.deps.Tracker.Get(ctx, msg.IndexOperationID)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && op.Status.Terminal()) {
		// Nothing left to report into.
		log.Debug("dropping message for missing or finished operation")
		w.ack(ctx, d, log)
		return
	}
	if err != nil {
		w.nack(ctx, d, op, fmt.Errorf("loading operation: %w", err), log)
		return
	}

	chunks, err := w.index(ctx, msg, op)
	if err != nil {
		if ctx.Err() != nil {
			// Shutting down; the lease expires and the message is redelivered.
			return
		}
		w.nack(ctx, d, op, err, log)
		return
	}

	alreadyCounted := slices.Contains(storage.StringList(op.Metadata, storage.MetaSucceededURLs), msg.URL)
	if !alreadyCounted && chunks > 0 {
		if err := w.deps.Sources.AddDocumentCount(ctx, op.DataSourceID, chunks); err != nil {
			log.Warn("updating document count failed", "error", err)
		}
	}

	updated, err := w.deps.Tracker.RecordURLs(ctx, op.ID, []string{msg.URL}, nil)
	if err != nil {
		log.Warn("recording succeeded url failed", "error", err)
		w.ack(ctx, d, log)
		return
	}
	w.ack(ctx, d, log)
	log.Info("url indexed", "chunks", chunks)
	w.finalize(ctx, updated, log)
}

// index fetches and indexes one URL and returns the number of chunks written.
func (w *Worker) index(ctx context.Context, msg queue.Message, op storage.IndexOperation) (int, error) {
	resp, err := w.deps.Fetcher.Get(ctx, msg.URL)
	if err != nil {
		return 0, err
	}
	content, err := w.deps.Extractor.Extract(resp.Body, resp.ContentType, resp.URL)
	if errors.Is(err, extract.ErrEmpty) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("extracting %s: %w", msg.URL, err)
	}

	res, err := w.deps.Processor.Process(ctx, document.Document{
		DataSourceID: op.DataSourceID,
		Type:         storage.TypeWebCrawl,
		Name:         msg.Name,
		URL:          msg.URL,
		Title:        content.Title,
		Text:         content.Text,
	}, SyncStart(op))
	if errors.Is(err, document.ErrNoContent) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return res.Chunks, nil
}

func (w *Worker) nack(ctx context.Context, d *queue.Delivery, op storage.IndexOperation, cause error, log *slog.Logger) {
	terminal, err := w.deps.Queue.Nack(ctx, d, cause)
	if err != nil {
		log.Error("recording failed attempt failed", "error", err)
		return
	}
	if !terminal {
		log.Warn("indexing url failed, will retry", "error", cause)
		return
	}

	log.Warn("indexing url failed permanently", "error", cause)
	if op.ID == "" {
		return
	}
	if _, err := w.deps.Tracker.AppendError(ctx, op.ID, fmt.Sprintf("%s: %v", d.Message.URL, cause)); err != nil {
		log.Warn("appending operation error failed", "error", err)
	}
	updated, err := w.deps.Tracker.RecordURLs(ctx, op.ID, nil, []string{d.Message.URL})
	if err != nil {
		log.Warn("recording failed url failed", "error", err)
		return
	}
	w.finalize(ctx, updated, log)
}

func (w *Worker) ack(ctx context.Context, d *queue.Delivery, log *slog.Logger) {
	if err := w.deps.Queue.Ack(ctx, d); err != nil {
		log.Error("acking message failed", "error", err)
	}
}

func (w *Worker) finalize(ctx context.Context, op storage.IndexOperation, log *slog.Logger) {
	if w.deps.Finalizer == nil {
		return
	}
	if err := w.deps.Finalizer.Check(ctx, op); err != nil {
		log.Error("finalizing operation failed", "error", err)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

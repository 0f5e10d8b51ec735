package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/sourcesync/internal/storage"
)

// Final count keys merged into a finished crawl operation.
const (
	MetaSucceededCount = "succeededCount"
	MetaFailedCount    = "failedCount"
	MetaPrunedVectors  = "prunedVectors"
)

// OperationTracker is the part of operation.Tracker the worker uses.
type OperationTracker interface {
	Get(ctx context.Context, id string) (storage.IndexOperation, error)
	RecordURLs(ctx context.Context, id string, succeeded, failed []string) (storage.IndexOperation, error)
	Merge(ctx context.Context, id string, patch map[string]any) (storage.IndexOperation, error)
	AppendError(ctx context.Context, id, msg string) (storage.IndexOperation, error)
	Succeed(ctx context.Context, id string, counts map[string]any) (storage.IndexOperation, error)
	Fail(ctx context.Context, id, msg string) (storage.IndexOperation, error)
}

// SourceStore reads and counts data source documents.
type SourceStore interface {
	GetDataSource(ctx context.Context, id string) (storage.DataSource, error)
	AddDocumentCount(ctx context.Context, id string, delta int) error
}

// Pruner deletes vectors a run did not refresh.
type Pruner interface {
	Prune(ctx context.Context, dataSourceID string, syncStart time.Time) (int, error)
}

// Finalizer closes a crawl operation once discovery has finished and every
// enqueued URL has been reported.
type Finalizer struct {
	tracker OperationTracker
	sources SourceStore
	pruner  Pruner
	logger  *slog.Logger
}

func NewFinalizer(tracker OperationTracker, sources SourceStore, pruner Pruner, logger *slog.Logger) *Finalizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Finalizer{tracker: tracker, sources: sources, pruner: pruner, logger: logger}
}

// SyncStart returns the index date of the run op belongs to.
func SyncStart(op storage.IndexOperation) time.Time {
	if ms := storage.IntValue(op.Metadata, storage.MetaSyncStart); ms > 0 {
		return time.UnixMilli(int64(ms)).UTC()
	}
	return op.CreatedAt
}

// Complete reports whether op has nothing left to wait for.
func Complete(op storage.IndexOperation) bool {
	if !storage.BoolValue(op.Metadata, storage.MetaDiscoveryDone) {
		return false
	}
	seen := make(map[string]struct{})
	for _, u := range storage.StringList(op.Metadata, storage.MetaSucceededURLs) {
		seen[u] = struct{}{}
	}
	for _, u := range storage.StringList(op.Metadata, storage.MetaFailedURLs) {
		seen[u] = struct{}{}
	}
	return len(seen) >= storage.IntValue(op.Metadata, storage.MetaTotalURLs)
}

// Check finalizes op when it is complete. A run with failed URLs or
// recorded errors ends FAILED and is not pruned. Losing a race with another
// finalizer is not an error.
func (f *Finalizer) Check(ctx context.Context, op storage.IndexOperation) error {
	if op.Status.Terminal() || !Complete(op) {
		return nil
	}

	succeeded := storage.StringList(op.Metadata, storage.MetaSucceededURLs)
	failed := storage.StringList(op.Metadata, storage.MetaFailedURLs)
	counts := map[string]any{
		MetaSucceededCount: len(succeeded),
		MetaFailedCount:    len(failed),
	}
	if ds, err := f.sources.GetDataSource(ctx, op.DataSourceID); err == nil {
		counts[storage.MetaDocumentCount] = ds.NumberOfDocuments
	}

	if len(failed) > 0 || len(op.ErrorMessages) > 0 {
		return f.fail(ctx, op, counts, failureMessage(len(failed), storage.IntValue(op.Metadata, storage.MetaTotalURLs)))
	}

	pruned, err := f.pruner.Prune(ctx, op.DataSourceID, SyncStart(op))
	if err != nil {
		return f.fail(ctx, op, counts, err.Error())
	}
	counts[MetaPrunedVectors] = pruned

	if _, err := f.tracker.Succeed(ctx, op.ID, counts); err != nil {
		if errors.Is(err, storage.ErrTerminalOperation) {
			return nil
		}
		return err
	}
	return nil
}

func (f *Finalizer) fail(ctx context.Context, op storage.IndexOperation, counts map[string]any, msg string) error {
	if _, err := f.tracker.Merge(ctx, op.ID, counts); err != nil {
		if errors.Is(err, storage.ErrTerminalOperation) {
			return nil
		}
		return err
	}
	if _, err := f.tracker.Fail(ctx, op.ID, msg); err != nil && !errors.Is(err, storage.ErrTerminalOperation) {
		return err
	}
	return nil
}

func failureMessage(failed, total int) string {
	if failed == 0 {
		return "crawl finished with errors"
	}
	return fmt.Sprintf("%d of %d urls failed", failed, total)
}

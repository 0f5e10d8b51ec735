// Package operation records ingestion attempts against data sources.
package operation

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/kalambet/sourcesync/internal/storage"
)

// Store is the persistence the tracker needs.
type Store interface {
	InsertRunningOperation(ctx context.Context, op storage.IndexOperation) (storage.IndexOperation, *storage.IndexOperation, error)
	MergeOperationMetadata(ctx context.Context, id string, patch map[string]any) (storage.IndexOperation, error)
	AppendOperationError(ctx context.Context, id, msg string) (storage.IndexOperation, error)
	FinishOperation(ctx context.Context, id string, status storage.OperationStatus, patch map[string]any, errMsg string) (storage.IndexOperation, error)
	GetOperation(ctx context.Context, id string) (storage.IndexOperation, error)
}

// ConflictError is returned by Begin when the data source already has a
// RUNNING operation.
type ConflictError struct {
	DataSourceID string
	OperationID  string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("data source %s already has a running index operation (%s)", e.DataSourceID, e.OperationID)
}

// Tracker drives the RUNNING -> SUCCEEDED | FAILED state machine.
type Tracker struct {
	store  Store
	logger *slog.Logger
}

func NewTracker(store Store, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{store: store, logger: logger}
}

// Begin opens a RUNNING operation for dataSourceID seeded with meta.
func (t *Tracker) Begin(ctx context.Context, dataSourceID string, meta map[string]any) (storage.IndexOperation, error) {
	op, existing, err := t.store.InsertRunningOperation(ctx, storage.IndexOperation{
		ID:           uuid.New().String(),
		DataSourceID: dataSourceID,
		Metadata:     storage.MergeMetadata(nil, meta),
	})
	if err != nil {
		return storage.IndexOperation{}, fmt.Errorf("beginning index operation: %w", err)
	}
	if existing != nil {
		return storage.IndexOperation{}, &ConflictError{DataSourceID: dataSourceID, OperationID: existing.ID}
	}
	t.logger.Info("index operation started", "data_source_id", dataSourceID, "operation_id", op.ID)
	return op, nil
}

// Succeed finishes a RUNNING operation and merges the final counts.
func (t *Tracker) Succeed(ctx context.Context, id string, counts map[string]any) (storage.IndexOperation, error) {
	op, err := t.store.FinishOperation(ctx, id, storage.StatusSucceeded, counts, "")
	if err != nil {
		return storage.IndexOperation{}, fmt.Errorf("marking operation %s succeeded: %w", id, err)
	}
	t.logger.Info("index operation succeeded", "operation_id", id, "data_source_id", op.DataSourceID)
	return op, nil
}

// Fail records msg and marks the operation FAILED. Metadata recorded so far
// is kept. Failing an operation that is already FAILED only records msg.
func (t *Tracker) Fail(ctx context.Context, id, msg string) (storage.IndexOperation, error) {
	op, err := t.store.FinishOperation(ctx, id, storage.StatusFailed, nil, msg)
	if err != nil {
		return storage.IndexOperation{}, fmt.Errorf("marking operation %s failed: %w", id, err)
	}
	t.logger.Warn("index operation failed", "operation_id", id, "data_source_id", op.DataSourceID, "error", msg)
	return op, nil
}

// RecordURLs adds per-URL outcomes to the operation. Concurrent callers may
// report in any order.
func (t *Tracker) RecordURLs(ctx context.Context, id string, succeeded, failed []string) (storage.IndexOperation, error) {
	patch := map[string]any{}
	if len(succeeded) > 0 {
		patch[storage.MetaSucceededURLs] = succeeded
	}
	if len(failed) > 0 {
		patch[storage.MetaFailedURLs] = failed
	}
	if len(patch) == 0 {
		return t.store.GetOperation(ctx, id)
	}
	op, err := t.store.MergeOperationMetadata(ctx, id, patch)
	if err != nil {
		return storage.IndexOperation{}, fmt.Errorf("recording urls on operation %s: %w", id, err)
	}
	return op, nil
}

// Merge applies a metadata patch to a RUNNING operation.
func (t *Tracker) Merge(ctx context.Context, id string, patch map[string]any) (storage.IndexOperation, error) {
	op, err := t.store.MergeOperationMetadata(ctx, id, patch)
	if err != nil {
		return storage.IndexOperation{}, fmt.Errorf("updating operation %s: %w", id, err)
	}
	return op, nil
}

func (t *Tracker) AppendError(ctx context.Context, id, msg string) (storage.IndexOperation, error) {
	op, err := t.store.AppendOperationError(ctx, id, msg)
	if err != nil {
		return storage.IndexOperation{}, fmt.Errorf("appending error to operation %s: %w", id, err)
	}
	return op, nil
}

func (t *Tracker) Get(ctx context.Context, id string) (storage.IndexOperation, error) {
	return t.store.GetOperation(ctx, id)
}

package storage

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"time"
)

const operationColumns = `id, data_source_id, status, metadata, error_messages, created_at, updated_at`

// InsertRunningOperation inserts op with status RUNNING unless the data
// source already has a RUNNING operation, in which case nothing is written
// and the existing operation is returned instead.
func (s *Store) InsertRunningOperation(ctx context.Context, op IndexOperation) (inserted IndexOperation, existing *IndexOperation, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return IndexOperation{}, nil, fmt.Errorf("beginning operation transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+operationColumns+` FROM index_operations
		WHERE data_source_id = ? AND status = ? LIMIT 1`, op.DataSourceID, string(StatusRunning))
	running, err := scanOperation(row)
	switch {
	case err == nil:
		return IndexOperation{}, &running, nil
	case err != sql.ErrNoRows:
		return IndexOperation{}, nil, fmt.Errorf("checking running operation: %w", err)
	}

	now := time.Now().UTC()
	op.Status = StatusRunning
	op.CreatedAt = now
	op.UpdatedAt = now
	if op.Metadata == nil {
		op.Metadata = map[string]any{}
	}
	if op.ErrorMessages == nil {
		op.ErrorMessages = []string{}
	}
	meta, err := encodeJSON(op.Metadata)
	if err != nil {
		return IndexOperation{}, nil, fmt.Errorf("encoding metadata: %w", err)
	}
	errs, err := encodeJSON(op.ErrorMessages)
	if err != nil {
		return IndexOperation{}, nil, fmt.Errorf("encoding error messages: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO index_operations (id, data_source_id, status, metadata, error_messages, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		op.ID, op.DataSourceID, string(op.Status), meta, errs, formatTime(now), formatTime(now),
	); err != nil {
		return IndexOperation{}, nil, fmt.Errorf("inserting operation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return IndexOperation{}, nil, fmt.Errorf("committing operation: %w", err)
	}
	return op, nil, nil
}

func (s *Store) GetOperation(ctx context.Context, id string) (IndexOperation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+operationColumns+` FROM index_operations WHERE id = ?`, id)
	op, err := scanOperation(row)
	if err == sql.ErrNoRows {
		return IndexOperation{}, ErrNotFound
	}
	return op, err
}

// ListOperations returns the most recent operations of a data source first.
func (s *Store) ListOperations(ctx context.Context, dataSourceID string, limit int) ([]IndexOperation, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+operationColumns+` FROM index_operations
		WHERE data_source_id = ? ORDER BY created_at DESC LIMIT ?`, dataSourceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []IndexOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, op)
	}
	return results, rows.Err()
}

// MergeOperationMetadata applies patch to a RUNNING operation with
// MergeMetadata semantics inside a single transaction.
func (s *Store) MergeOperationMetadata(ctx context.Context, id string, patch map[string]any) (IndexOperation, error) {
	return s.mutateOperation(ctx, id, func(op *IndexOperation) error {
		if op.Status.Terminal() {
			return ErrTerminalOperation
		}
		op.Metadata = MergeMetadata(op.Metadata, patch)
		return nil
	})
}

// AppendOperationError records msg on a RUNNING operation. A message that is
// already present is not repeated.
func (s *Store) AppendOperationError(ctx context.Context, id, msg string) (IndexOperation, error) {
	return s.mutateOperation(ctx, id, func(op *IndexOperation) error {
		if op.Status.Terminal() {
			return ErrTerminalOperation
		}
		op.ErrorMessages = appendUnique(op.ErrorMessages, msg)
		return nil
	})
}

// FinishOperation moves a RUNNING operation to status, merging patch and
// appending errMsg when non-empty. Finishing an already FAILED operation as
// FAILED again only appends the message, which keeps repeated failure
// reports harmless. Every other transition out of a terminal state returns
// ErrTerminalOperation.
func (s *Store) FinishOperation(ctx context.Context, id string, status OperationStatus, patch map[string]any, errMsg string) (IndexOperation, error) {
	if !status.Terminal() {
		return IndexOperation{}, fmt.Errorf("finishing operation %s: %q is not a terminal status", id, status)
	}
	return s.mutateOperation(ctx, id, func(op *IndexOperation) error {
		switch {
		case op.Status == StatusRunning:
			op.Status = status
		case op.Status == StatusFailed && status == StatusFailed:
		default:
			return ErrTerminalOperation
		}
		if len(patch) > 0 {
			op.Metadata = MergeMetadata(op.Metadata, patch)
		}
		if errMsg != "" {
			op.ErrorMessages = appendUnique(op.ErrorMessages, errMsg)
		}
		return nil
	})
}

// RunningOperation returns the RUNNING operation of a data source, if any.
func (s *Store) RunningOperation(ctx context.Context, dataSourceID string) (IndexOperation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+operationColumns+` FROM index_operations
		WHERE data_source_id = ? AND status = ? LIMIT 1`, dataSourceID, string(StatusRunning))
	op, err := scanOperation(row)
	if err == sql.ErrNoRows {
		return IndexOperation{}, ErrNotFound
	}
	return op, err
}

func (s *Store) mutateOperation(ctx context.Context, id string, fn func(op *IndexOperation) error) (IndexOperation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return IndexOperation{}, fmt.Errorf("beginning operation update: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+operationColumns+` FROM index_operations WHERE id = ?`, id)
	op, err := scanOperation(row)
	if err == sql.ErrNoRows {
		return IndexOperation{}, ErrNotFound
	}
	if err != nil {
		return IndexOperation{}, err
	}

	if err := fn(&op); err != nil {
		return IndexOperation{}, err
	}

	meta, err := encodeJSON(op.Metadata)
	if err != nil {
		return IndexOperation{}, fmt.Errorf("encoding metadata: %w", err)
	}
	errs, err := encodeJSON(op.ErrorMessages)
	if err != nil {
		return IndexOperation{}, fmt.Errorf("encoding error messages: %w", err)
	}
	op.UpdatedAt = time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `UPDATE index_operations
		SET status = ?, metadata = ?, error_messages = ?, updated_at = ? WHERE id = ?`,
		string(op.Status), meta, errs, formatTime(op.UpdatedAt), id,
	); err != nil {
		return IndexOperation{}, fmt.Errorf("updating operation %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return IndexOperation{}, fmt.Errorf("committing operation update: %w", err)
	}
	return op, nil
}

func scanOperation(r rowScanner) (IndexOperation, error) {
	var op IndexOperation
	var status, meta, errs, createdAt, updatedAt string
	if err := r.Scan(&op.ID, &op.DataSourceID, &status, &meta, &errs, &createdAt, &updatedAt); err != nil {
		return IndexOperation{}, err
	}
	op.Status = OperationStatus(status)

	var err error
	if op.Metadata, err = decodeMetadata(meta); err != nil {
		return IndexOperation{}, err
	}
	if op.ErrorMessages, err = decodeStrings(errs); err != nil {
		return IndexOperation{}, err
	}
	if op.CreatedAt, err = parseTime(createdAt); err != nil {
		return IndexOperation{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if op.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return IndexOperation{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return op, nil
}

func appendUnique(list []string, msg string) []string {
	if slices.Contains(list, msg) {
		return list
	}
	return append(list, msg)
}

package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

const dataSourceColumns = `id, type, name, url, metadata, number_of_documents, last_manual_sync, last_automatic_sync, created_at, updated_at`

func (s *Store) CreateDataSource(ctx context.Context, ds DataSource) error {
	now := time.Now().UTC()
	if ds.CreatedAt.IsZero() {
		ds.CreatedAt = now
	}
	if ds.Metadata == nil {
		ds.Metadata = map[string]any{}
	}
	meta, err := encodeJSON(ds.Metadata)
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO data_sources (id, type, name, url, metadata, number_of_documents, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ds.ID, string(ds.Type), ds.Name, ds.URL, meta, ds.NumberOfDocuments,
		formatTime(ds.CreatedAt), formatTime(now),
	)
	return err
}

func (s *Store) GetDataSource(ctx context.Context, id string) (DataSource, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+dataSourceColumns+` FROM data_sources WHERE id = ?`, id)
	ds, err := scanDataSource(row)
	if err == sql.ErrNoRows {
		return DataSource{}, ErrNotFound
	}
	return ds, err
}

func (s *Store) ListDataSources(ctx context.Context, limit, offset int) ([]DataSource, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+dataSourceColumns+`
		FROM data_sources ORDER BY created_at ASC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []DataSource
	for rows.Next() {
		ds, err := scanDataSource(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, ds)
	}
	return results, rows.Err()
}

// MarkSyncStarted resets the document count and stamps the manual or
// automatic sync time.
func (s *Store) MarkSyncStarted(ctx context.Context, id string, manual bool, at time.Time) error {
	column := "last_automatic_sync"
	if manual {
		column = "last_manual_sync"
	}
	res, err := s.db.ExecContext(ctx, `UPDATE data_sources
		SET number_of_documents = 0, `+column+` = ?, updated_at = ? WHERE id = ?`,
		formatTime(at), formatTime(time.Now()), id)
	return expectOneRow(res, err)
}

func (s *Store) SetDocumentCount(ctx context.Context, id string, n int) error {
	res, err := s.db.ExecContext(ctx, `UPDATE data_sources SET number_of_documents = ?, updated_at = ? WHERE id = ?`,
		n, formatTime(time.Now()), id)
	return expectOneRow(res, err)
}

// AddDocumentCount increments the document count in place so independent
// workers never overwrite each other's contribution.
func (s *Store) AddDocumentCount(ctx context.Context, id string, delta int) error {
	res, err := s.db.ExecContext(ctx, `UPDATE data_sources
		SET number_of_documents = number_of_documents + ?, updated_at = ? WHERE id = ?`,
		delta, formatTime(time.Now()), id)
	return expectOneRow(res, err)
}

// LinkVectors records which vector rows belong to a data source. Existing
// links are left untouched, so re-ingesting the same chunk is a no-op.
func (s *Store) LinkVectors(ctx context.Context, links []VectorLink) error {
	if len(links) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning link transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO data_source_vectors (data_source_id, vector_id, distance, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(data_source_id, vector_id) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("preparing link statement: %w", err)
	}
	defer stmt.Close()

	now := formatTime(time.Now())
	for _, l := range links {
		if _, err := stmt.ExecContext(ctx, l.DataSourceID, l.VectorID, l.Distance, now); err != nil {
			return fmt.Errorf("linking vector %s: %w", l.VectorID, err)
		}
	}
	return tx.Commit()
}

func (s *Store) UnlinkVectors(ctx context.Context, dataSourceID string, vectorIDs []string) error {
	if len(vectorIDs) == 0 {
		return nil
	}
	args := make([]any, 0, len(vectorIDs)+1)
	args = append(args, dataSourceID)
	for _, id := range vectorIDs {
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM data_source_vectors
		WHERE data_source_id = ? AND vector_id IN (?`+strings.Repeat(",?", len(vectorIDs)-1)+`)`, args...)
	return err
}

func (s *Store) LinkedVectorIDs(ctx context.Context, dataSourceID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT vector_id FROM data_source_vectors
		WHERE data_source_id = ? ORDER BY vector_id`, dataSourceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDataSource(r rowScanner) (DataSource, error) {
	var ds DataSource
	var typ, meta, createdAt, updatedAt string
	var manual, automatic sql.NullString
	if err := r.Scan(&ds.ID, &typ, &ds.Name, &ds.URL, &meta, &ds.NumberOfDocuments,
		&manual, &automatic, &createdAt, &updatedAt); err != nil {
		return DataSource{}, err
	}
	ds.Type = DataSourceType(typ)

	var err error
	if ds.Metadata, err = decodeMetadata(meta); err != nil {
		return DataSource{}, err
	}
	if ds.LastManualSync, err = parseNullTime(manual); err != nil {
		return DataSource{}, fmt.Errorf("parsing last_manual_sync: %w", err)
	}
	if ds.LastAutomaticSync, err = parseNullTime(automatic); err != nil {
		return DataSource{}, fmt.Errorf("parsing last_automatic_sync: %w", err)
	}
	if ds.CreatedAt, err = parseTime(createdAt); err != nil {
		return DataSource{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if ds.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return DataSource{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return ds, nil
}

func expectOneRow(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

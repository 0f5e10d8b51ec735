package retrieval

import (
	"container/heap"
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
)

// Compile-time check that SQLiteStore implements VectorStore.
var _ VectorStore = (*SQLiteStore)(nil)

// SQLiteStore provides vector storage and brute-force cosine similarity search
// backed by SQLite. This is the default implementation of VectorStore.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps an existing *sql.DB for vector operations.
// The source_vectors table must already exist (created via migrations).
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// DB exposes the underlying handle for direct ID lookups.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

const recordColumns = `id, data_source_id, source_type, text_chunk, embedding, index_date, metadata, created_at`

// Upsert writes records in one transaction. A record whose ID already exists
// is overwritten, which moves its index date forward.
func (s *SQLiteStore) Upsert(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning upsert transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO source_vectors (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			data_source_id = excluded.data_source_id,
			source_type    = excluded.source_type,
			text_chunk     = excluded.text_chunk,
			embedding      = excluded.embedding,
			index_date     = excluded.index_date,
			metadata       = excluded.metadata`)
	if err != nil {
		return fmt.Errorf("preparing upsert statement: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		createdAt := r.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		meta, err := json.Marshal(orEmpty(r.Metadata))
		if err != nil {
			return fmt.Errorf("encoding metadata for %s: %w", r.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, r.ID, r.DataSourceID, r.SourceType, r.TextChunk,
			encodeFloat32s(r.Embedding), r.IndexDate.UnixMilli(), string(meta), createdAt.Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("upserting record %s: %w", r.ID, err)
		}
	}

	return tx.Commit()
}

// idScore holds only the ID and score during the scan phase of Search.
// Full record details are fetched only for top-K winners.
type idScore struct {
	ID    string
	Score float32
}

// Search performs brute-force cosine similarity search over the vectors that
// pass filter, returning the top-K most similar records.
func (s *SQLiteStore) Search(ctx context.Context, vector []float32, topK int, filter Filter) ([]ScoredRecord, error) {
	queryNorm := norm(vector)
	if queryNorm == 0 || topK <= 0 {
		return nil, nil
	}

	where, args := filter.clause()
	// Phase 1: scan only id + embedding to find top-K candidates.
	rows, err := s.db.QueryContext(ctx, `SELECT id, embedding FROM source_vectors`+where, args...)
	if err != nil {
		return nil, fmt.Errorf("querying vectors: %w", err)
	}
	defer rows.Close()

	h := &idScoreHeap{}
	heap.Init(h)

	// Reusable buffer for decoding embeddings to avoid per-row allocations.
	var buf []float32

	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}

		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", id, err)
		}

		score := dotProduct(vector, buf, queryNorm)
		if h.Len() < topK {
			heap.Push(h, idScore{ID: id, Score: score})
		} else if score > (*h)[0].Score {
			(*h)[0] = idScore{ID: id, Score: score}
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}
	rows.Close()

	if h.Len() == 0 {
		return nil, nil
	}

	// Phase 2: fetch full records only for the top-K IDs.
	topIDs := make([]string, h.Len())
	scores := make(map[string]float32, h.Len())
	for i := len(topIDs) - 1; i >= 0; i-- {
		item := heap.Pop(h).(idScore)
		topIDs[i] = item.ID
		scores[item.ID] = item.Score
	}

	records, err := s.GetByIDs(ctx, topIDs)
	if err != nil {
		return nil, fmt.Errorf("fetching top-K records: %w", err)
	}
	results := make([]ScoredRecord, len(records))
	for i, r := range records {
		results[i] = ScoredRecord{Record: r, Score: scores[r.ID]}
	}

	// Sort results by score descending (IN query doesn't preserve order).
	sortByScore(results)

	return results, nil
}

func (f Filter) clause() (string, []any) {
	var conds []string
	var args []any
	if f.DataSourceID != "" {
		conds = append(conds, "data_source_id = ?")
		args = append(args, f.DataSourceID)
	}
	if f.SourceType != "" {
		conds = append(conds, "source_type = ?")
		args = append(args, f.SourceType)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// sortByScore sorts ScoredRecords by Score descending. Used for small slices (topK).
func sortByScore(results []ScoredRecord) {
	for i := 1; i < len(results); i++ {
		for j := i; j > 0 && results[j].Score > results[j-1].Score; j-- {
			results[j], results[j-1] = results[j-1], results[j]
		}
	}
}

// Delete removes records by ID.
func (s *SQLiteStore) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM source_vectors WHERE id IN (?`+strings.Repeat(",?", len(ids)-1)+`)`,
		stringArgs(ids)...)
	if err != nil {
		return fmt.Errorf("deleting %d records: %w", len(ids), err)
	}
	return nil
}

// DeleteStale removes the records of dataSourceID with index_date < before.
func (s *SQLiteStore) DeleteStale(ctx context.Context, dataSourceID string, before time.Time) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning prune transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT id FROM source_vectors
		WHERE data_source_id = ? AND index_date < ? ORDER BY id`, dataSourceID, before.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("selecting stale vectors: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning stale id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating stale ids: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM source_vectors WHERE data_source_id = ? AND index_date < ?`,
		dataSourceID, before.UnixMilli()); err != nil {
		return nil, fmt.Errorf("deleting stale vectors: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing prune: %w", err)
	}
	return ids, nil
}

// Count returns the number of records, optionally for one data source.
func (s *SQLiteStore) Count(ctx context.Context, dataSourceID string) (int, error) {
	where, args := Filter{DataSourceID: dataSourceID}.clause()
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM source_vectors"+where, args...).Scan(&count)
	return count, err
}

// GetByIDs returns records matching the given IDs.
func (s *SQLiteStore) GetByIDs(ctx context.Context, ids []string) ([]Record, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	query := `SELECT ` + recordColumns + ` FROM source_vectors WHERE id IN (?` + strings.Repeat(",?", len(ids)-1) + `)`
	rows, err := s.db.QueryContext(ctx, query, stringArgs(ids)...)
	if err != nil {
		return nil, fmt.Errorf("querying by IDs: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		var blob []byte
		var indexDate int64
		var meta, createdAt string
		if err := rows.Scan(&r.ID, &r.DataSourceID, &r.SourceType, &r.TextChunk, &blob, &indexDate, &meta, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		embedding, err := decodeFloat32s(blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", r.ID, err)
		}
		r.Embedding = embedding
		r.IndexDate = time.UnixMilli(indexDate).UTC()
		if err := json.Unmarshal([]byte(meta), &r.Metadata); err != nil {
			return nil, fmt.Errorf("decoding metadata for %s: %w", r.ID, err)
		}
		t, err := time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at for id %s: %w", r.ID, err)
		}
		r.CreatedAt = t
		records = append(records, r)
	}
	return records, rows.Err()
}

func stringArgs(ids []string) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32s deserializes little-endian bytes into a new float32 slice.
// Returns an error if the byte slice length is not a multiple of 4 (indicates data corruption).
func decodeFloat32s(b []byte) ([]float32, error) {
	return decodeFloat32sInto(nil, b)
}

// decodeFloat32sInto decodes little-endian bytes into the provided buffer,
// reusing it to avoid per-row allocations during search scans.
func decodeFloat32sInto(buf []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	if cap(buf) < n {
		buf = make([]float32, n)
	} else {
		buf = buf[:n]
	}
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return buf, nil
}

// norm returns the L2 norm of a vector.
func norm(v []float32) float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return float32(math.Sqrt(sum))
}

// dotProduct computes cosine similarity as dot(a,b) / (aNorm * bNorm).
// aNorm is the precomputed L2 norm of vector a.
func dotProduct(a, b []float32, aNorm float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var dot float64
	var bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	bNorm := math.Sqrt(bNormSq)
	if bNorm == 0 {
		return 0
	}
	return float32(dot / (float64(aNorm) * bNorm))
}

// idScoreHeap is a min-heap of idScore ordered by Score.
// Used during the scan phase of Search to track top-K candidates by ID only.
type idScoreHeap []idScore

func (h idScoreHeap) Len() int           { return len(h) }
func (h idScoreHeap) Less(i, j int) bool { return h[i].Score < h[j].Score }
func (h idScoreHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *idScoreHeap) Push(x any)        { *h = append(*h, x.(idScore)) }
func (h *idScoreHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

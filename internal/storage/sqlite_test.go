package storage

import (
	"context"
	"testing"
	"time"
)

var ctx = context.Background()

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// the schema_version count stays correct (migration not re-applied).
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}

	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}

	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

func TestMigrationsOrdered(t *testing.T) {
	s := openTestStore(t)

	versions, err := s.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(versions) == 0 {
		t.Fatal("expected at least one applied migration")
	}
	for i := 1; i < len(versions); i++ {
		if versions[i] <= versions[i-1] {
			t.Errorf("migrations not in ascending order: %v", versions)
			break
		}
	}
}

func TestIndexesExist(t *testing.T) {
	s := openTestStore(t)

	indexes := []string{
		"idx_index_operations_source_status",
		"idx_index_operations_one_running",
		"idx_jobs_status_run_after",
		"idx_source_vectors_source_date",
	}
	for _, idx := range indexes {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", idx).Scan(&count)
		if err != nil {
			t.Fatalf("querying sqlite_master for %q: %v", idx, err)
		}
		if count != 1 {
			t.Errorf("index %q not found in sqlite_master", idx)
		}
	}
}

func TestDataSourceRoundTrip(t *testing.T) {
	s := openTestStore(t)

	want := DataSource{
		ID:       "ds-1",
		Type:     TypeWebCrawl,
		Name:     "Docs",
		URL:      "https://example.com",
		Metadata: map[string]any{"pathRegex": "blog/.*"},
	}
	if err := s.CreateDataSource(ctx, want); err != nil {
		t.Fatalf("CreateDataSource: %v", err)
	}

	got, err := s.GetDataSource(ctx, "ds-1")
	if err != nil {
		t.Fatalf("GetDataSource: %v", err)
	}
	if got.Type != TypeWebCrawl || got.Name != "Docs" || got.URL != "https://example.com" {
		t.Errorf("round-trip mismatch: %+v", got)
	}
	if got.Metadata["pathRegex"] != "blog/.*" {
		t.Errorf("metadata pathRegex = %v, want blog/.*", got.Metadata["pathRegex"])
	}
	if got.LastManualSync != nil || got.LastAutomaticSync != nil {
		t.Errorf("expected no sync timestamps, got %v / %v", got.LastManualSync, got.LastAutomaticSync)
	}

	if _, err := s.GetDataSource(ctx, "missing"); err != ErrNotFound {
		t.Errorf("GetDataSource(missing) err = %v, want ErrNotFound", err)
	}
}

func TestMarkSyncStarted_ResetsCount(t *testing.T) {
	s := openTestStore(t)
	if err := s.CreateDataSource(ctx, DataSource{ID: "ds-1", Type: TypeWebPage, Name: "p", NumberOfDocuments: 7}); err != nil {
		t.Fatalf("CreateDataSource: %v", err)
	}

	at := time.Now().UTC().Truncate(time.Millisecond)
	if err := s.MarkSyncStarted(ctx, "ds-1", true, at); err != nil {
		t.Fatalf("MarkSyncStarted: %v", err)
	}
	ds, err := s.GetDataSource(ctx, "ds-1")
	if err != nil {
		t.Fatalf("GetDataSource: %v", err)
	}
	if ds.NumberOfDocuments != 0 {
		t.Errorf("NumberOfDocuments = %d, want 0", ds.NumberOfDocuments)
	}
	if ds.LastManualSync == nil || !ds.LastManualSync.Equal(at) {
		t.Errorf("LastManualSync = %v, want %v", ds.LastManualSync, at)
	}
	if ds.LastAutomaticSync != nil {
		t.Errorf("LastAutomaticSync = %v, want nil", ds.LastAutomaticSync)
	}

	if err := s.AddDocumentCount(ctx, "ds-1", 3); err != nil {
		t.Fatalf("AddDocumentCount: %v", err)
	}
	if err := s.AddDocumentCount(ctx, "ds-1", 4); err != nil {
		t.Fatalf("AddDocumentCount: %v", err)
	}
	ds, _ = s.GetDataSource(ctx, "ds-1")
	if ds.NumberOfDocuments != 7 {
		t.Errorf("NumberOfDocuments = %d, want 7", ds.NumberOfDocuments)
	}

	if err := s.MarkSyncStarted(ctx, "missing", false, at); err != ErrNotFound {
		t.Errorf("MarkSyncStarted(missing) err = %v, want ErrNotFound", err)
	}
}

func TestLinkVectors_Idempotent(t *testing.T) {
	s := openTestStore(t)
	if err := s.CreateDataSource(ctx, DataSource{ID: "ds-1", Type: TypeWebPage, Name: "p"}); err != nil {
		t.Fatalf("CreateDataSource: %v", err)
	}

	links := []VectorLink{{DataSourceID: "ds-1", VectorID: "v1"}, {DataSourceID: "ds-1", VectorID: "v2"}}
	for i := 0; i < 2; i++ {
		if err := s.LinkVectors(ctx, links); err != nil {
			t.Fatalf("LinkVectors #%d: %v", i, err)
		}
	}
	ids, err := s.LinkedVectorIDs(ctx, "ds-1")
	if err != nil {
		t.Fatalf("LinkedVectorIDs: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("linked ids = %v, want 2 entries", ids)
	}

	if err := s.UnlinkVectors(ctx, "ds-1", []string{"v1"}); err != nil {
		t.Fatalf("UnlinkVectors: %v", err)
	}
	ids, _ = s.LinkedVectorIDs(ctx, "ds-1")
	if len(ids) != 1 || ids[0] != "v2" {
		t.Errorf("linked ids after unlink = %v, want [v2]", ids)
	}
}

func TestLinkVectors_StoresDistance(t *testing.T) {
	s := openTestStore(t)
	if err := s.CreateDataSource(ctx, DataSource{ID: "ds-1", Type: TypeWebPage, Name: "p"}); err != nil {
		t.Fatalf("CreateDataSource: %v", err)
	}
	links := []VectorLink{{DataSourceID: "ds-1", VectorID: "v1"}, {DataSourceID: "ds-1", VectorID: "v2", Distance: 0.25}}
	if err := s.LinkVectors(ctx, links); err != nil {
		t.Fatalf("LinkVectors: %v", err)
	}

	want := map[string]float64{"v1": 0, "v2": 0.25}
	for id, d := range want {
		var got float64
		err := s.DB().QueryRowContext(ctx,
			`SELECT distance FROM data_source_vectors WHERE data_source_id = ? AND vector_id = ?`, "ds-1", id).Scan(&got)
		if err != nil {
			t.Fatalf("reading distance of %s: %v", id, err)
		}
		if got != d {
			t.Errorf("distance of %s = %v, want %v", id, got, d)
		}
	}
}

func TestEnqueueAndClaimJob(t *testing.T) {
	s := openTestStore(t)

	job := Job{ID: "j-claim-1", Type: "index_url", PayloadJSON: `{"url":"u1"}`}
	if err := s.EnqueueJob(ctx, job); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	got, err := s.ClaimNextJob(ctx, []string{"index_url"}, time.Minute)
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if got == nil {
		t.Fatal("ClaimNextJob returned nil")
	}
	if got.ID != "j-claim-1" {
		t.Errorf("ID = %q, want %q", got.ID, "j-claim-1")
	}
	if got.Status != "running" {
		t.Errorf("Status = %q, want %q", got.Status, "running")
	}
	if got.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", got.MaxAttempts)
	}

	again, err := s.ClaimNextJob(ctx, []string{"index_url"}, time.Minute)
	if err != nil {
		t.Fatalf("second ClaimNextJob: %v", err)
	}
	if again != nil {
		t.Errorf("leased job claimed twice: %+v", again)
	}
}

func TestClaimNextJob_ExpiredLeaseIsRedelivered(t *testing.T) {
	s := openTestStore(t)
	if err := s.EnqueueJob(ctx, Job{ID: "j1", Type: "index_url", PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	first, err := s.ClaimNextJob(ctx, []string{"index_url"}, -time.Second)
	if err != nil || first == nil {
		t.Fatalf("first claim = %v, %v", first, err)
	}
	second, err := s.ClaimNextJob(ctx, []string{"index_url"}, time.Minute)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if second == nil || second.ID != "j1" {
		t.Fatalf("expired lease not redelivered, got %+v", second)
	}
}

func TestClaimNextJob_TypeFilter(t *testing.T) {
	s := openTestStore(t)
	if err := s.EnqueueJobs(ctx, []Job{
		{ID: "a", Type: "other", PayloadJSON: `{}`},
		{ID: "b", Type: "index_url", PayloadJSON: `{}`},
	}); err != nil {
		t.Fatalf("EnqueueJobs: %v", err)
	}

	got, err := s.ClaimNextJob(ctx, []string{"index_url"}, time.Minute)
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if got == nil || got.ID != "b" {
		t.Fatalf("claimed %+v, want job b", got)
	}
}

func TestEnqueueJobs_AllOrNothing(t *testing.T) {
	s := openTestStore(t)
	err := s.EnqueueJobs(ctx, []Job{
		{ID: "dup", Type: "index_url", PayloadJSON: `{}`},
		{ID: "dup", Type: "index_url", PayloadJSON: `{}`},
	})
	if err == nil {
		t.Fatal("expected duplicate id error")
	}
	counts, err := s.JobCounts(ctx, "index_url")
	if err != nil {
		t.Fatalf("JobCounts: %v", err)
	}
	if counts["pending"] != 0 {
		t.Errorf("pending = %d, want 0 after rolled back batch", counts["pending"])
	}
}

func TestFailJob_BackoffThenTerminal(t *testing.T) {
	s := openTestStore(t)
	if err := s.EnqueueJob(ctx, Job{ID: "j1", Type: "index_url", PayloadJSON: `{}`, MaxAttempts: 2}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	terminal, err := s.FailJob(ctx, "j1", "boom")
	if err != nil {
		t.Fatalf("FailJob 1: %v", err)
	}
	if terminal {
		t.Error("first failure reported terminal")
	}
	var status, lastErr string
	if err := s.db.QueryRow(`SELECT status, last_error FROM jobs WHERE id = 'j1'`).Scan(&status, &lastErr); err != nil {
		t.Fatalf("query: %v", err)
	}
	if status != "pending" || lastErr != "boom" {
		t.Errorf("after first failure status=%q last_error=%q", status, lastErr)
	}

	terminal, err = s.FailJob(ctx, "j1", "boom again")
	if err != nil {
		t.Fatalf("FailJob 2: %v", err)
	}
	if !terminal {
		t.Error("second failure should be terminal with max_attempts=2")
	}

	if _, err := s.FailJob(ctx, "missing", "x"); err != ErrNotFound {
		t.Errorf("FailJob(missing) err = %v, want ErrNotFound", err)
	}
}

func TestCompleteJob(t *testing.T) {
	s := openTestStore(t)
	if err := s.EnqueueJob(ctx, Job{ID: "j1", Type: "index_url", PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if err := s.CompleteJob(ctx, "j1"); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}
	counts, _ := s.JobCounts(ctx, "index_url")
	if counts["completed"] != 1 {
		t.Errorf("completed = %d, want 1", counts["completed"])
	}
	if err := s.CompleteJob(ctx, "missing"); err != ErrNotFound {
		t.Errorf("CompleteJob(missing) err = %v, want ErrNotFound", err)
	}
}

// Package queue carries per-URL indexing work from discovery to workers with
// at-least-once delivery.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/sourcesync/internal/storage"
)

// JobType is the job type used for URL indexing messages.
const JobType = "index_url"

// MaxBatchSize is the largest number of messages one SendBatch accepts.
const MaxBatchSize = 10

// Message asks a worker to index one URL on behalf of an operation.
type Message struct {
	Name             string `json:"name"`
	URL              string `json:"url"`
	IndexOperationID string `json:"indexOperationId"`
	DataSourceID     string `json:"dataSourceId"`
}

// Dispatcher sends batches of messages.
type Dispatcher interface {
	SendBatch(ctx context.Context, msgs []Message) error
}

// QueueDispatchError reports a batch that could not be enqueued.
type QueueDispatchError struct {
	URLs []string
	Err  error
}

func (e *QueueDispatchError) Error() string {
	return fmt.Sprintf("enqueueing batch of %d urls: %v", len(e.URLs), e.Err)
}

func (e *QueueDispatchError) Unwrap() error { return e.Err }

// Store is the job table the SQLite queue runs on.
type Store interface {
	EnqueueJobs(ctx context.Context, jobs []storage.Job) error
	ClaimNextJob(ctx context.Context, types []string, visibility time.Duration) (*storage.Job, error)
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id, errMsg string) (bool, error)
}

// Delivery is a claimed message. Attempt starts at 1.
type Delivery struct {
	JobID   string
	Attempt int
	Message Message
}

// SQLiteQueue stores messages as jobs. A claimed message that is neither
// acked nor nacked before its visibility timeout is delivered again.
type SQLiteQueue struct {
	store       Store
	visibility  time.Duration
	maxAttempts int
}

func NewSQLiteQueue(store Store, visibility time.Duration, maxAttempts int) *SQLiteQueue {
	if visibility <= 0 {
		visibility = 5 * time.Minute
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &SQLiteQueue{store: store, visibility: visibility, maxAttempts: maxAttempts}
}

// SendBatch enqueues all messages atomically.
func (q *SQLiteQueue) SendBatch(ctx context.Context, msgs []Message) error {
	urls := make([]string, len(msgs))
	for i, m := range msgs {
		urls[i] = m.URL
	}
	if len(msgs) > MaxBatchSize {
		return &QueueDispatchError{URLs: urls, Err: fmt.Errorf("batch size %d exceeds %d", len(msgs), MaxBatchSize)}
	}

	jobs := make([]storage.Job, 0, len(msgs))
	for _, m := range msgs {
		payload, err := json.Marshal(m)
		if err != nil {
			return &QueueDispatchError{URLs: urls, Err: fmt.Errorf("encoding message: %w", err)}
		}
		jobs = append(jobs, storage.Job{
			ID:          uuid.New().String(),
			Type:        JobType,
			PayloadJSON: string(payload),
			MaxAttempts: q.maxAttempts,
		})
	}
	if err := q.store.EnqueueJobs(ctx, jobs); err != nil {
		return &QueueDispatchError{URLs: urls, Err: err}
	}
	return nil
}

// Claim leases the next message, or returns nil when the queue is empty.
func (q *SQLiteQueue) Claim(ctx context.Context) (*Delivery, error) {
	job, err := q.store.ClaimNextJob(ctx, []string{JobType}, q.visibility)
	if err != nil {
		return nil, fmt.Errorf("claiming message: %w", err)
	}
	if job == nil {
		return nil, nil
	}
	var m Message
	if err := json.Unmarshal([]byte(job.PayloadJSON), &m); err != nil {
		// A payload that cannot be decoded will never succeed.
		if _, ferr := q.store.FailJob(ctx, job.ID, "invalid payload: "+err.Error()); ferr != nil {
			return nil, fmt.Errorf("failing undecodable job %s: %w", job.ID, ferr)
		}
		return nil, fmt.Errorf("decoding job %s: %w", job.ID, err)
	}
	return &Delivery{JobID: job.ID, Attempt: job.Attempts + 1, Message: m}, nil
}

func (q *SQLiteQueue) Ack(ctx context.Context, d *Delivery) error {
	return q.store.CompleteJob(ctx, d.JobID)
}

// Nack records a failed attempt. It reports true when the message has used
// all its attempts and will not be delivered again.
func (q *SQLiteQueue) Nack(ctx context.Context, d *Delivery, cause error) (bool, error) {
	return q.store.FailJob(ctx, d.JobID, cause.Error())
}

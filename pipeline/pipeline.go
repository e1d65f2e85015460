// Package pipeline holds the job intake and coordination logic shared by the
// API, the workers and the CLI. Storage, queueing and delivery are injected.
package pipeline

import (
	"context"
	"strconv"
	"time"

	"fileconvert/models"
)

// JobStore is the authoritative record of jobs and batches. Every mutation is
// conditional on the current status and returns models.ErrInvalidTransition
// when the condition does not hold, so duplicate deliveries and racing
// cancels cannot corrupt a record.
//
// Worker-side writes are fenced by the attempt number handed out by
// MarkProcessing: once a job is reclaimed or reset, the previous holder's
// writes fail with ErrInvalidTransition.
type JobStore interface {
	CreateJob(ctx context.Context, job *models.ConversionJob) error
	CreateBatch(ctx context.Context, batch *models.BatchJob, jobs []*models.ConversionJob) error
	GetJob(ctx context.Context, id string) (*models.ConversionJob, error)
	GetBatch(ctx context.Context, id string) (*models.BatchJob, error)
	ListBatchMembers(ctx context.Context, batchID string) ([]*models.ConversionJob, error)
	ListJobsByStatus(ctx context.Context, status models.JobStatus, limit int) ([]*models.ConversionJob, error)
	// ListJobsByUser pages through a user's jobs, newest first.
	ListJobsByUser(ctx context.Context, userID string, filter models.ListFilter) ([]*models.ConversionJob, error)
	ListBatchesByUser(ctx context.Context, userID string, filter models.ListFilter) ([]*models.BatchJob, error)

	// MarkProcessing claims a pending job for execution and starts a new attempt.
	MarkProcessing(ctx context.Context, id string) (*models.ConversionJob, error)
	// Heartbeat renews the lease held by attempt.
	Heartbeat(ctx context.Context, id string, attempt int) error
	// ReclaimStale takes over a processing job whose lease was last renewed
	// before staleBefore. The returned job carries the new attempt number.
	ReclaimStale(ctx context.Context, id string, staleBefore time.Time) (*models.ConversionJob, error)
	// UpdateProgress raises progress while processing; lower values are ignored.
	UpdateProgress(ctx context.Context, id string, attempt, pct int) error
	MarkCompleted(ctx context.Context, id string, attempt int, outputRef string, outputSize int64) (*models.ConversionJob, error)
	// MarkRetry sends a processing job back to pending, eligible at availableAt.
	MarkRetry(ctx context.Context, id string, attempt int, availableAt time.Time) (*models.ConversionJob, error)
	MarkFailed(ctx context.Context, id string, attempt int, errMsg string) (*models.ConversionJob, error)
	// RequestCancel cancels a pending job outright and flags a processing one.
	RequestCancel(ctx context.Context, id string) (*models.ConversionJob, error)
	IsCancelRequested(ctx context.Context, id string) (bool, error)
	MarkCancelled(ctx context.Context, id string, attempt int) (*models.ConversionJob, error)
	// ResetForRetry re-admits a failed job under a new reservation.
	ResetForRetry(ctx context.Context, id, reservationID string) (*models.ConversionJob, error)

	// MarkFinalized records that the follow-up work for a terminal job at
	// generation has run. ListUnfinalized returns terminal jobs still owed it.
	MarkFinalized(ctx context.Context, id string, generation int) error
	ListUnfinalized(ctx context.Context, limit int) ([]*models.ConversionJob, error)

	// RecomputeBatch derives the batch aggregate from fresh member state and
	// stores it, serialized per batch.
	RecomputeBatch(ctx context.Context, batchID string) (*models.BatchJob, error)

	// ClaimNotification persists ev once and reports whether this call won.
	ClaimNotification(ctx context.Context, ev models.WebhookEvent) (bool, error)
	// AcquireDelivery locks an undelivered event for owner until the given
	// time and returns the attempts made so far. It reports false when the
	// event is delivered, exhausted or locked by another owner.
	AcquireDelivery(ctx context.Context, key, owner string, maxAttempts int, until time.Time) (int, bool, error)
	RecordDelivery(ctx context.Context, key string, attempts int, lastErr string, delivered bool) error
	// PendingDeliveries returns unlocked events that still have attempts left.
	PendingDeliveries(ctx context.Context, maxAttempts, limit int) ([]models.WebhookEvent, error)
}

// QuotaTracker holds per-user monthly usage with atomic reservations.
type QuotaTracker interface {
	Reserve(ctx context.Context, userID string, cost models.Cost) (*models.Reservation, error)
	// Commit converts a held reservation into usage, truing up storage.
	Commit(ctx context.Context, reservationID string, actual models.Cost) error
	// Release returns a held reservation. Releasing twice is a no-op.
	Release(ctx context.Context, reservationID string) error
	Get(ctx context.Context, userID string) (*models.QuotaRecord, error)
	// ResetExpired rolls every record from a past period into the current one.
	ResetExpired(ctx context.Context, now time.Time) (int, error)
}

// QueueItem is an execution request. Higher Priority pops first, then lower Seq.
type QueueItem struct {
	JobID       string
	Priority    int
	Seq         int64
	AvailableAt time.Time
}

// Queue orders pending jobs for the workers. Enqueue is idempotent per job.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	// Dequeue blocks until an eligible item is available or ctx is done.
	Dequeue(ctx context.Context) (string, error)
	Remove(ctx context.Context, jobID string) error
	Len(ctx context.Context) (int64, error)
}

// BlobStore keeps input and output bytes.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// Notifier delivers webhook events asynchronously.
type Notifier interface {
	Notify(ctx context.Context, ev models.WebhookEvent) error
}

// InputKey names a job's uploaded input.
func InputKey(jobID, format string) string { return "inputs/" + jobID + "." + format }

// OutputKey names the output of one attempt, so a superseded attempt never
// touches the blob of the one that replaced it.
func OutputKey(jobID string, attempt int, format string) string {
	return "outputs/" + jobID + "-" + strconv.Itoa(attempt) + "." + format
}

// ItemFor builds the queue entry for a pending job.
func ItemFor(job *models.ConversionJob) QueueItem {
	return QueueItem{
		JobID:       job.ID,
		Priority:    job.Priority,
		Seq:         job.Seq,
		AvailableAt: job.AvailableAt,
	}
}

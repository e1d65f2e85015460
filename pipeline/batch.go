package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"fileconvert/models"
)

// BatchCoordinator runs the follow-up work owed after a terminal job
// transition: settling the quota reservation, announcing the job and keeping
// the owning batch aggregate current. Every step is idempotent, so recovery
// can replay it for jobs whose worker died before finishing it.
type BatchCoordinator struct {
	store    JobStore
	quota    QuotaTracker
	blobs    BlobStore
	notifier Notifier
}

func NewBatchCoordinator(store JobStore, quota QuotaTracker, blobs BlobStore, notifier Notifier) *BatchCoordinator {
	return &BatchCoordinator{store: store, quota: quota, blobs: blobs, notifier: notifier}
}

// Recompute refreshes the batch aggregate from member state. The first
// recomputation that sees the batch terminal wins the notification claim;
// later ones are absorbed by the notifier's dedup.
func (c *BatchCoordinator) Recompute(ctx context.Context, batchID string) (*models.BatchJob, error) {
	batch, err := c.store.RecomputeBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if !batch.Status.IsTerminal() {
		return batch, nil
	}

	log.Printf("[Batch] Batch %s is %s (%d/%d completed, %d failed, %d cancelled)",
		batch.ID, batch.Status, batch.CompletedFiles, batch.TotalFiles, batch.FailedFiles, batch.CancelledFiles)

	if batch.WebhookURL != "" && c.notifier != nil {
		ev := models.WebhookEvent{
			Key:     models.NotificationKey(models.EventKindBatch, batch.ID, batch.Generation, batch.Status),
			URL:     batch.WebhookURL,
			Payload: models.BatchPayload(batch, time.Now().UTC()),
		}
		if err := c.notifier.Notify(ctx, ev); err != nil {
			return batch, fmt.Errorf("failed to queue webhook for batch %s: %w", batch.ID, err)
		}
	}
	return batch, nil
}

// JobFinished is called after a job's terminal transition has been stored.
// The job is marked finalized only when every step succeeded; otherwise the
// joined error is returned and the recovery sweep replays the whole sequence.
func (c *BatchCoordinator) JobFinished(ctx context.Context, job *models.ConversionJob) error {
	var errs []error

	switch job.Status {
	case models.StatusCompleted:
		actual := models.Cost{Conversions: 1, StorageMB: models.StorageMB(job.OutputSizeBytes)}
		if err := c.quota.Commit(ctx, job.ReservationID, actual); err != nil && !errors.Is(err, models.ErrNotFound) {
			errs = append(errs, fmt.Errorf("commit reservation: %w", err))
		}
	case models.StatusFailed, models.StatusCancelled:
		if err := c.quota.Release(ctx, job.ReservationID); err != nil {
			errs = append(errs, fmt.Errorf("release reservation: %w", err))
		}
	}

	if job.Status == models.StatusCancelled && job.InputRef != "" {
		if err := c.blobs.Delete(ctx, job.InputRef); err != nil {
			errs = append(errs, fmt.Errorf("delete input: %w", err))
		}
	}

	if job.WebhookURL != "" && c.notifier != nil {
		ev := models.WebhookEvent{
			Key:     models.NotificationKey(models.EventKindJob, job.ID, job.Generation, job.Status),
			URL:     job.WebhookURL,
			Payload: models.JobPayload(job, time.Now().UTC()),
		}
		if err := c.notifier.Notify(ctx, ev); err != nil {
			errs = append(errs, fmt.Errorf("queue webhook: %w", err))
		}
	}

	if job.BatchID != "" {
		if _, err := c.Recompute(ctx, job.BatchID); err != nil {
			errs = append(errs, fmt.Errorf("recompute batch %s: %w", job.BatchID, err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("job %s follow-up: %w", job.ID, errors.Join(errs...))
	}

	// A reset for manual retry moves the generation on; the new attempt owns
	// finalization then.
	if err := c.store.MarkFinalized(ctx, job.ID, job.Generation); err != nil && !errors.Is(err, models.ErrInvalidTransition) {
		return fmt.Errorf("job %s: mark finalized: %w", job.ID, err)
	}
	return nil
}

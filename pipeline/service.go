package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"fileconvert/models"
	"fileconvert/registry"
)

// Deps wires a Service.
type Deps struct {
	Store    JobStore
	Quota    QuotaTracker
	Queue    Queue
	Blobs    BlobStore
	Registry *registry.Registry
	Notifier Notifier
	Limits   Limits
}

// Service is the operation surface exposed to the API and the CLI.
type Service struct {
	store       JobStore
	quota       QuotaTracker
	queue       Queue
	blobs       BlobStore
	registry    *registry.Registry
	dispatcher  *Dispatcher
	coordinator *BatchCoordinator
}

func NewService(d Deps) *Service {
	return &Service{
		store:       d.Store,
		quota:       d.Quota,
		queue:       d.Queue,
		blobs:       d.Blobs,
		registry:    d.Registry,
		dispatcher:  NewDispatcher(d.Store, d.Quota, d.Queue, d.Blobs, d.Registry, d.Limits),
		coordinator: NewBatchCoordinator(d.Store, d.Quota, d.Blobs, d.Notifier),
	}
}

func (s *Service) Coordinator() *BatchCoordinator { return s.coordinator }

// JobSummary is the per-member view inside a batch status.
type JobSummary struct {
	ID                 string           `json:"id"`
	InputFormat        string           `json:"input_format"`
	Status             models.JobStatus `json:"status"`
	ProgressPercentage int              `json:"progress_percentage"`
	RetryCount         int              `json:"retry_count"`
	OutputDownloadRef  string           `json:"output_download_ref,omitempty"`
	ErrorMessage       string           `json:"error_message,omitempty"`
}

// BatchStatus is a batch snapshot with its members.
type BatchStatus struct {
	*models.BatchJob
	ProgressPercentage int          `json:"progress_percentage"`
	Jobs               []JobSummary `json:"jobs"`
}

func (s *Service) SubmitJob(ctx context.Context, req SubmitRequest) (*models.ConversionJob, error) {
	return s.dispatcher.Submit(ctx, req)
}

func (s *Service) SubmitBatch(ctx context.Context, req BatchRequest) (*models.BatchJob, error) {
	return s.dispatcher.SubmitBatch(ctx, req)
}

// GetJobStatus returns a job snapshot. A non-empty userID must own the job.
func (s *Service) GetJobStatus(ctx context.Context, userID, id string) (*models.ConversionJob, error) {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if userID != "" && job.UserID != userID {
		return nil, fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}
	return job, nil
}

// DownloadResult returns the converted bytes of a completed job.
func (s *Service) DownloadResult(ctx context.Context, userID, id string) ([]byte, *models.ConversionJob, error) {
	job, err := s.GetJobStatus(ctx, userID, id)
	if err != nil {
		return nil, nil, err
	}
	if job.Status != models.StatusCompleted {
		return nil, job, fmt.Errorf("job %s is %s: %w", id, job.Status, models.ErrNotReady)
	}
	data, err := s.blobs.Get(ctx, job.OutputRef)
	if err != nil {
		return nil, job, fmt.Errorf("failed to fetch output of job %s: %w", id, err)
	}
	return data, job, nil
}

// CancelJob cancels a pending job immediately and flags a processing one for
// the worker's next checkpoint.
func (s *Service) CancelJob(ctx context.Context, userID, id string) (*models.ConversionJob, error) {
	if _, err := s.GetJobStatus(ctx, userID, id); err != nil {
		return nil, err
	}
	job, err := s.store.RequestCancel(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status != models.StatusCancelled {
		log.Printf("[Dispatcher] Cancellation requested for running job %s", id)
		return job, nil
	}

	if err := s.queue.Remove(ctx, id); err != nil {
		log.Printf("[Dispatcher] Failed to remove cancelled job %s from queue: %v", id, err)
	}
	log.Printf("[Dispatcher] Job %s cancelled", id)
	if err := s.coordinator.JobFinished(context.WithoutCancel(ctx), job); err != nil {
		log.Printf("[Dispatcher] %v; recovery will retry", err)
	}
	return job, nil
}

// RetryJob re-admits a failed job with a reset retry count under a fresh
// quota reservation. Cancelled jobs cannot be retried.
func (s *Service) RetryJob(ctx context.Context, userID, id string) (*models.ConversionJob, error) {
	job, err := s.GetJobStatus(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if job.Status != models.StatusFailed {
		return nil, fmt.Errorf("job %s is %s: %w", id, job.Status, models.ErrInvalidTransition)
	}

	res, err := s.quota.Reserve(ctx, job.UserID, models.Cost{Conversions: 1, StorageMB: models.StorageMB(job.InputSizeBytes)})
	if err != nil {
		return nil, err
	}
	job, err = s.store.ResetForRetry(ctx, id, res.ID)
	if err != nil {
		if relErr := s.quota.Release(context.WithoutCancel(ctx), res.ID); relErr != nil {
			log.Printf("[Quota] Failed to release reservation %s for job %s: %v", res.ID, id, relErr)
		}
		return nil, err
	}

	if err := s.queue.Enqueue(ctx, ItemFor(job)); err != nil {
		log.Printf("[Dispatcher] Failed to enqueue retried job %s: %v", id, err)
	}
	if job.BatchID != "" {
		if _, err := s.coordinator.Recompute(ctx, job.BatchID); err != nil {
			log.Printf("[Batch] Failed to recompute batch %s: %v", job.BatchID, err)
		}
	}
	log.Printf("[Dispatcher] Job %s re-admitted (generation %d)", id, job.Generation)
	return job, nil
}

func (s *Service) GetBatchStatus(ctx context.Context, userID, id string) (*BatchStatus, error) {
	batch, err := s.store.GetBatch(ctx, id)
	if err != nil {
		return nil, err
	}
	if userID != "" && batch.UserID != userID {
		return nil, fmt.Errorf("batch %s: %w", id, models.ErrNotFound)
	}
	members, err := s.store.ListBatchMembers(ctx, id)
	if err != nil {
		return nil, err
	}
	if batch, err = s.reconcileBatch(ctx, batch, members); err != nil {
		return nil, err
	}

	status := &BatchStatus{BatchJob: batch, ProgressPercentage: batch.ProgressPercentage()}
	for _, m := range members {
		status.Jobs = append(status.Jobs, JobSummary{
			ID:                 m.ID,
			InputFormat:        m.InputFormat,
			Status:             m.Status,
			ProgressPercentage: m.ProgressPercentage,
			RetryCount:         m.RetryCount,
			OutputDownloadRef:  m.OutputRef,
			ErrorMessage:       m.ErrorMessage,
		})
	}
	return status, nil
}

// reconcileBatch repairs a stored aggregate that disagrees with its members,
// which happens when a worker died between a member's terminal write and the
// batch recompute.
func (s *Service) reconcileBatch(ctx context.Context, batch *models.BatchJob, members []*models.ConversionJob) (*models.BatchJob, error) {
	states := make([]models.MemberState, len(members))
	for i, m := range members {
		states[i] = models.MemberState{Status: m.Status, Generation: m.Generation}
	}
	agg := models.AggregateBatch(states)
	if agg.Status == batch.Status && agg.Total == batch.TotalFiles && agg.Completed == batch.CompletedFiles &&
		agg.Failed == batch.FailedFiles && agg.Cancelled == batch.CancelledFiles && agg.Generation == batch.Generation {
		return batch, nil
	}

	log.Printf("[Batch] Batch %s aggregate is stale (%s, want %s); recomputing", batch.ID, batch.Status, agg.Status)
	fresh, err := s.coordinator.Recompute(context.WithoutCancel(ctx), batch.ID)
	if fresh == nil {
		return nil, err
	}
	if err != nil {
		log.Printf("[Batch] %v", err)
	}
	return fresh, nil
}

// CancelBatch cancels every member that has not finished yet.
func (s *Service) CancelBatch(ctx context.Context, userID, id string) (*BatchStatus, error) {
	status, err := s.GetBatchStatus(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	for _, m := range status.Jobs {
		if m.Status.IsTerminal() {
			continue
		}
		if _, err := s.CancelJob(ctx, "", m.ID); err != nil && !errors.Is(err, models.ErrInvalidTransition) {
			return nil, err
		}
	}
	return s.GetBatchStatus(ctx, userID, id)
}

// ListJobs pages through the caller's jobs, newest first.
func (s *Service) ListJobs(ctx context.Context, userID string, filter models.ListFilter) ([]*models.ConversionJob, error) {
	if userID == "" {
		return nil, models.NewValidationError("user_id", "is required")
	}
	return s.store.ListJobsByUser(ctx, userID, filter)
}

func (s *Service) ListBatches(ctx context.Context, userID string, filter models.ListFilter) ([]*models.BatchJob, error) {
	if userID == "" {
		return nil, models.NewValidationError("user_id", "is required")
	}
	return s.store.ListBatchesByUser(ctx, userID, filter)
}

// HistoryEntry is a finished job with its processing time.
type HistoryEntry struct {
	*models.ConversionJob
	ProcessingSeconds float64 `json:"processing_seconds"`
}

// History lists the caller's finished jobs. A status filter is narrowed to
// terminal states.
func (s *Service) History(ctx context.Context, userID string, filter models.ListFilter) ([]HistoryEntry, error) {
	var statuses []models.JobStatus
	for _, st := range filter.Statuses {
		if st.IsTerminal() {
			statuses = append(statuses, st)
		}
	}
	if len(filter.Statuses) > 0 && len(statuses) == 0 {
		return []HistoryEntry{}, nil
	}
	if len(statuses) == 0 {
		statuses = models.TerminalStatuses
	}
	filter.Statuses = statuses

	jobs, err := s.ListJobs(ctx, userID, filter)
	if err != nil {
		return nil, err
	}
	entries := make([]HistoryEntry, len(jobs))
	for i, job := range jobs {
		entries[i] = HistoryEntry{ConversionJob: job, ProcessingSeconds: job.Duration().Seconds()}
	}
	return entries, nil
}

func (s *Service) GetQuota(ctx context.Context, userID string) (*models.QuotaRecord, error) {
	if userID == "" {
		return nil, models.NewValidationError("user_id", "is required")
	}
	return s.quota.Get(ctx, userID)
}

func (s *Service) SupportedConversions() []registry.Pair {
	return s.registry.Pairs()
}

func (s *Service) Formats() []registry.Format {
	return s.registry.Formats()
}

// FormatsInCategory returns the catalogue entries of one category.
func (s *Service) FormatsInCategory(category string) []registry.Format {
	return s.registry.ByCategory()[strings.ToLower(strings.TrimSpace(category))]
}

func (s *Service) FormatCategories() []string {
	return s.registry.Categories()
}

func (s *Service) FormatsByCategory() map[string][]registry.Format {
	return s.registry.ByCategory()
}

func (s *Service) ContentType(format string) string {
	return s.registry.ContentType(format)
}

// QueueDepth reports how many jobs wait for a worker, delayed retries included.
func (s *Service) QueueDepth(ctx context.Context) (int64, error) {
	return s.queue.Len(ctx)
}

package pipeline

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"fileconvert/models"
	"fileconvert/registry"

	"github.com/google/uuid"
)

const (
	MinPriority = 1
	MaxPriority = 4
)

// Limits are the admission rules applied to every submission.
type Limits struct {
	MaxInputBytes   int64
	DefaultPriority int
	MaxRetries      int
	MaxBatchFiles   int
}

// SubmitRequest is one file to convert. InputFormat may be empty when
// Filename carries an extension.
type SubmitRequest struct {
	UserID       string
	Filename     string
	Input        []byte
	InputFormat  string
	OutputFormat string
	Options      map[string]any
	WebhookURL   string
	Priority     int  // 0 selects the default
	MaxRetries   *int // nil selects the default
}

// BatchFile is one member of a batch submission.
type BatchFile struct {
	Filename    string
	Data        []byte
	InputFormat string
}

type BatchRequest struct {
	UserID       string
	Name         string
	OutputFormat string
	Files        []BatchFile
	Options      map[string]any
	WebhookURL   string
	Priority     int
}

// Dispatcher validates submissions, reserves quota, stores inputs and
// enqueues the resulting jobs.
type Dispatcher struct {
	store    JobStore
	quota    QuotaTracker
	queue    Queue
	blobs    BlobStore
	registry *registry.Registry
	limits   Limits
}

func NewDispatcher(store JobStore, quota QuotaTracker, queue Queue, blobs BlobStore, reg *registry.Registry, limits Limits) *Dispatcher {
	return &Dispatcher{
		store:    store,
		quota:    quota,
		queue:    queue,
		blobs:    blobs,
		registry: reg,
		limits:   limits,
	}
}

// inputFormat picks the declared format, falling back to the file extension.
func inputFormat(declared, filename string) string {
	if declared != "" {
		return registry.Normalize(declared)
	}
	return registry.Normalize(filepath.Ext(filename))
}

func (d *Dispatcher) validatePair(from, to string) error {
	if from == "" {
		return models.NewValidationError("input_format", "is required when the file has no extension")
	}
	if !d.registry.IsRegistered(from) {
		return models.NewValidationError("input_format", "format %q is not supported", from)
	}
	if f, ok := d.registry.Format(to); !ok || !f.Output {
		return models.NewValidationError("output_format", "format %q is not supported", to)
	}
	if !d.registry.Supports(from, to) {
		return models.NewValidationError("output_format", "conversion %s -> %s is not supported", from, to)
	}
	return nil
}

func (d *Dispatcher) validateSize(field string, size int) error {
	if size == 0 {
		return models.NewValidationError(field, "is empty")
	}
	if d.limits.MaxInputBytes > 0 && int64(size) > d.limits.MaxInputBytes {
		return models.NewValidationError(field, "size %d exceeds the %d byte limit", size, d.limits.MaxInputBytes)
	}
	return nil
}

func (d *Dispatcher) priority(p int) (int, error) {
	if p == 0 {
		return d.limits.DefaultPriority, nil
	}
	if p < MinPriority || p > MaxPriority {
		return 0, models.NewValidationError("priority", "must be between %d and %d", MinPriority, MaxPriority)
	}
	return p, nil
}

func validateWebhookURL(raw string) error {
	if raw == "" {
		return nil
	}
	u, err := url.ParseRequestURI(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return models.NewValidationError("webhook_url", "must be an absolute http(s) URL")
	}
	return nil
}

func (d *Dispatcher) newJob(userID, from, to string, size int, priority, maxRetries int, opts map[string]any, webhookURL string) *models.ConversionJob {
	now := time.Now().UTC()
	id := uuid.NewString()
	return &models.ConversionJob{
		ID:             id,
		UserID:         userID,
		InputFormat:    from,
		OutputFormat:   to,
		Options:        opts,
		Status:         models.StatusPending,
		Priority:       priority,
		MaxRetries:     maxRetries,
		InputSizeBytes: int64(size),
		InputRef:       InputKey(id, from),
		WebhookURL:     webhookURL,
		CreatedAt:      now,
		UpdatedAt:      now,
		AvailableAt:    now,
	}
}

// cleanup undoes admission side effects. It runs detached from the request
// context so a disconnecting caller cannot leave a reservation held.
func (d *Dispatcher) cleanup(ctx context.Context, reservations []string, blobKeys []string) {
	ctx = context.WithoutCancel(ctx)
	for _, id := range reservations {
		if err := d.quota.Release(ctx, id); err != nil {
			log.Printf("[Dispatcher] Failed to release reservation %s: %v", id, err)
		}
	}
	for _, key := range blobKeys {
		if err := d.blobs.Delete(ctx, key); err != nil {
			log.Printf("[Dispatcher] Failed to delete blob %s: %v", key, err)
		}
	}
}

func (d *Dispatcher) enqueue(ctx context.Context, job *models.ConversionJob) {
	if err := d.queue.Enqueue(ctx, ItemFor(job)); err != nil {
		// The job is persisted as pending; the recovery sweep re-enqueues it.
		log.Printf("[Dispatcher] Failed to enqueue job %s: %v", job.ID, err)
	}
}

// Submit admits one job. On any error no job exists and no quota is held.
func (d *Dispatcher) Submit(ctx context.Context, req SubmitRequest) (*models.ConversionJob, error) {
	if strings.TrimSpace(req.UserID) == "" {
		return nil, models.NewValidationError("user_id", "is required")
	}
	from, to := inputFormat(req.InputFormat, req.Filename), registry.Normalize(req.OutputFormat)
	if err := d.validatePair(from, to); err != nil {
		return nil, err
	}
	if err := d.validateSize("file", len(req.Input)); err != nil {
		return nil, err
	}
	if err := validateWebhookURL(req.WebhookURL); err != nil {
		return nil, err
	}
	priority, err := d.priority(req.Priority)
	if err != nil {
		return nil, err
	}
	maxRetries := d.limits.MaxRetries
	if req.MaxRetries != nil {
		if *req.MaxRetries < 0 {
			return nil, models.NewValidationError("max_retries", "must not be negative")
		}
		maxRetries = *req.MaxRetries
	}

	job := d.newJob(req.UserID, from, to, len(req.Input), priority, maxRetries, req.Options, req.WebhookURL)

	res, err := d.quota.Reserve(ctx, req.UserID, models.Cost{Conversions: 1, StorageMB: models.StorageMB(job.InputSizeBytes)})
	if err != nil {
		return nil, err
	}
	job.ReservationID = res.ID

	if err := d.blobs.Put(ctx, job.InputRef, req.Input, d.registry.ContentType(from)); err != nil {
		d.cleanup(ctx, []string{res.ID}, nil)
		return nil, fmt.Errorf("failed to store input: %w", err)
	}

	if err := d.store.CreateJob(ctx, job); err != nil {
		d.cleanup(ctx, []string{res.ID}, []string{job.InputRef})
		return nil, fmt.Errorf("failed to persist job: %w", err)
	}

	d.enqueue(ctx, job)
	log.Printf("[Dispatcher] Job %s admitted (%s -> %s, %d bytes, priority %d)", job.ID, from, to, job.InputSizeBytes, priority)
	return job, nil
}

// SubmitBatch admits every file or none. Per-file conversion failures are a
// runtime outcome and show up in the batch counters later.
func (d *Dispatcher) SubmitBatch(ctx context.Context, req BatchRequest) (*models.BatchJob, error) {
	if strings.TrimSpace(req.UserID) == "" {
		return nil, models.NewValidationError("user_id", "is required")
	}
	if len(req.Files) == 0 {
		return nil, models.NewValidationError("files", "at least one file is required")
	}
	if d.limits.MaxBatchFiles > 0 && len(req.Files) > d.limits.MaxBatchFiles {
		return nil, models.NewValidationError("files", "at most %d files per batch", d.limits.MaxBatchFiles)
	}
	to := registry.Normalize(req.OutputFormat)
	if err := validateWebhookURL(req.WebhookURL); err != nil {
		return nil, err
	}
	priority, err := d.priority(req.Priority)
	if err != nil {
		return nil, err
	}

	jobs := make([]*models.ConversionJob, 0, len(req.Files))
	for i, f := range req.Files {
		from := inputFormat(f.InputFormat, f.Filename)
		if err := d.validatePair(from, to); err != nil {
			return nil, fmt.Errorf("file %d (%s): %w", i, f.Filename, err)
		}
		if err := d.validateSize(fmt.Sprintf("files[%d]", i), len(f.Data)); err != nil {
			return nil, err
		}
		jobs = append(jobs, d.newJob(req.UserID, from, to, len(f.Data), priority, d.limits.MaxRetries, req.Options, ""))
	}

	var reservations, blobKeys []string
	for _, job := range jobs {
		res, err := d.quota.Reserve(ctx, req.UserID, models.Cost{Conversions: 1, StorageMB: models.StorageMB(job.InputSizeBytes)})
		if err != nil {
			d.cleanup(ctx, reservations, nil)
			return nil, err
		}
		job.ReservationID = res.ID
		reservations = append(reservations, res.ID)
	}

	for i, job := range jobs {
		if err := d.blobs.Put(ctx, job.InputRef, req.Files[i].Data, d.registry.ContentType(job.InputFormat)); err != nil {
			d.cleanup(ctx, reservations, blobKeys)
			return nil, fmt.Errorf("failed to store input: %w", err)
		}
		blobKeys = append(blobKeys, job.InputRef)
	}

	now := time.Now().UTC()
	batch := &models.BatchJob{
		ID:           uuid.NewString(),
		UserID:       req.UserID,
		Name:         req.Name,
		OutputFormat: to,
		Options:      req.Options,
		Status:       models.StatusPending,
		WebhookURL:   req.WebhookURL,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := d.store.CreateBatch(ctx, batch, jobs); err != nil {
		d.cleanup(ctx, reservations, blobKeys)
		return nil, fmt.Errorf("failed to persist batch: %w", err)
	}

	for _, job := range jobs {
		d.enqueue(ctx, job)
	}
	log.Printf("[Dispatcher] Batch %s admitted with %d files (-> %s)", batch.ID, len(jobs), to)
	return batch, nil
}

package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"fileconvert/models"

	"github.com/google/uuid"
)

// MemoryStore is a single-process job store used by the memory backend and
// tests. It applies the same conditional transitions as PostgresStore.
type MemoryStore struct {
	mu         sync.RWMutex
	seq        int64
	jobs       map[string]*models.ConversionJob
	batches    map[string]*models.BatchJob
	deliveries map[string]*DeliveryRecord
	now        func() time.Time
}

// DeliveryRecord is the stored outcome of one webhook notification.
type DeliveryRecord struct {
	Key         string
	URL         string
	Payload     models.WebhookPayload
	Attempts    int
	LastError   string
	Delivered   bool
	Owner       string
	LockedUntil time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:       make(map[string]*models.ConversionJob),
		batches:    make(map[string]*models.BatchJob),
		deliveries: make(map[string]*DeliveryRecord),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source used for updated_at and delivery locks.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func (s *MemoryStore) insertLocked(job *models.ConversionJob) error {
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	now := s.now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = job.CreatedAt
	}
	if job.AvailableAt.IsZero() {
		job.AvailableAt = job.CreatedAt
	}
	s.seq++
	job.Seq = s.seq
	s.jobs[job.ID] = job.Clone()
	return nil
}

func (s *MemoryStore) CreateJob(ctx context.Context, job *models.ConversionJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(job)
}

func (s *MemoryStore) CreateBatch(ctx context.Context, batch *models.BatchJob, jobs []*models.ConversionJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.batches[batch.ID]; exists {
		return fmt.Errorf("batch %s already exists", batch.ID)
	}
	seen := make(map[string]bool, len(jobs))
	for _, job := range jobs {
		if _, exists := s.jobs[job.ID]; exists || seen[job.ID] {
			return fmt.Errorf("job %s already exists", job.ID)
		}
		seen[job.ID] = true
	}

	if batch.CreatedAt.IsZero() {
		batch.CreatedAt = s.now()
	}
	batch.UpdatedAt = batch.CreatedAt
	batch.TotalFiles = len(jobs)
	batch.JobIDs = batch.JobIDs[:0]
	for _, job := range jobs {
		job.BatchID = batch.ID
		if err := s.insertLocked(job); err != nil {
			return err
		}
		batch.JobIDs = append(batch.JobIDs, job.ID)
	}
	s.batches[batch.ID] = batch.Clone()
	return nil
}

func (s *MemoryStore) GetJob(ctx context.Context, id string) (*models.ConversionJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}
	return job.Clone(), nil
}

func (s *MemoryStore) GetBatch(ctx context.Context, id string) (*models.BatchJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	batch, ok := s.batches[id]
	if !ok {
		return nil, fmt.Errorf("batch %s: %w", id, models.ErrNotFound)
	}
	return batch.Clone(), nil
}

func (s *MemoryStore) ListBatchMembers(ctx context.Context, batchID string) ([]*models.ConversionJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	batch, ok := s.batches[batchID]
	if !ok {
		return nil, fmt.Errorf("batch %s: %w", batchID, models.ErrNotFound)
	}
	jobs := make([]*models.ConversionJob, 0, len(batch.JobIDs))
	for _, id := range batch.JobIDs {
		jobs = append(jobs, s.jobs[id].Clone())
	}
	return jobs, nil
}

func (s *MemoryStore) ListJobsByStatus(ctx context.Context, status models.JobStatus, limit int) ([]*models.ConversionJob, error) {
	s.mu.RLock()
	var jobs []*models.ConversionJob
	for _, job := range s.jobs {
		if job.Status == status {
			jobs = append(jobs, job.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].Priority != jobs[j].Priority {
			return jobs[i].Priority > jobs[j].Priority
		}
		return jobs[i].Seq < jobs[j].Seq
	})
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (s *MemoryStore) ListJobsByUser(ctx context.Context, userID string, filter models.ListFilter) ([]*models.ConversionJob, error) {
	filter = filter.Normalized()
	s.mu.RLock()
	var jobs []*models.ConversionJob
	for _, job := range s.jobs {
		if job.UserID == userID && filter.Matches(job.Status) {
			jobs = append(jobs, job.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(jobs, func(i, j int) bool {
		if !jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
		}
		return jobs[i].Seq > jobs[j].Seq
	})
	return page(jobs, filter), nil
}

func (s *MemoryStore) ListBatchesByUser(ctx context.Context, userID string, filter models.ListFilter) ([]*models.BatchJob, error) {
	filter = filter.Normalized()
	s.mu.RLock()
	var batches []*models.BatchJob
	for _, batch := range s.batches {
		if batch.UserID == userID && filter.Matches(batch.Status) {
			batches = append(batches, batch.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(batches, func(i, j int) bool {
		if !batches[i].CreatedAt.Equal(batches[j].CreatedAt) {
			return batches[i].CreatedAt.After(batches[j].CreatedAt)
		}
		return batches[i].ID < batches[j].ID
	})
	return page(batches, filter), nil
}

func page[T any](items []T, filter models.ListFilter) []T {
	if filter.Offset >= len(items) {
		return nil
	}
	items = items[filter.Offset:]
	if len(items) > filter.Limit {
		items = items[:filter.Limit]
	}
	return items
}

// update applies fn to the stored job when it is in one of the allowed states.
func (s *MemoryStore) update(id string, allowed []models.JobStatus, fn func(j *models.ConversionJob, now time.Time) bool) (*models.ConversionJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}
	if !statusIn(job.Status, allowed) {
		return nil, fmt.Errorf("job %s is %s: %w", id, job.Status, models.ErrInvalidTransition)
	}
	now := s.now()
	if !fn(job, now) {
		return nil, fmt.Errorf("job %s: %w", id, models.ErrInvalidTransition)
	}
	job.UpdatedAt = now
	return job.Clone(), nil
}

// updateOwned is update restricted to the processing attempt that still
// holds the job.
func (s *MemoryStore) updateOwned(id string, attempt int, fn func(j *models.ConversionJob, now time.Time) bool) (*models.ConversionJob, error) {
	return s.update(id, onlyProcessing, func(j *models.ConversionJob, now time.Time) bool {
		return j.Attempt == attempt && fn(j, now)
	})
}

func statusIn(s models.JobStatus, allowed []models.JobStatus) bool {
	for _, a := range allowed {
		if s == a {
			return true
		}
	}
	return false
}

var (
	onlyPending    = []models.JobStatus{models.StatusPending}
	onlyProcessing = []models.JobStatus{models.StatusProcessing}
	onlyFailed     = []models.JobStatus{models.StatusFailed}
	cancellable    = []models.JobStatus{models.StatusPending, models.StatusProcessing}
)

func (s *MemoryStore) MarkProcessing(ctx context.Context, id string) (*models.ConversionJob, error) {
	return s.update(id, onlyPending, func(j *models.ConversionJob, now time.Time) bool {
		j.Status = models.StatusProcessing
		j.Attempt++
		if j.StartedAt == nil {
			j.StartedAt = &now
		}
		return true
	})
}

func (s *MemoryStore) Heartbeat(ctx context.Context, id string, attempt int) error {
	_, err := s.updateOwned(id, attempt, func(j *models.ConversionJob, now time.Time) bool { return true })
	return err
}

func (s *MemoryStore) ReclaimStale(ctx context.Context, id string, staleBefore time.Time) (*models.ConversionJob, error) {
	return s.update(id, onlyProcessing, func(j *models.ConversionJob, now time.Time) bool {
		if !j.UpdatedAt.Before(staleBefore) {
			return false
		}
		j.Attempt++
		return true
	})
}

func (s *MemoryStore) UpdateProgress(ctx context.Context, id string, attempt, pct int) error {
	pct = models.ClampProgress(pct)
	_, err := s.updateOwned(id, attempt, func(j *models.ConversionJob, now time.Time) bool {
		j.ProgressPercentage = max(j.ProgressPercentage, pct)
		return true
	})
	return err
}

func (s *MemoryStore) MarkCompleted(ctx context.Context, id string, attempt int, outputRef string, outputSize int64) (*models.ConversionJob, error) {
	return s.updateOwned(id, attempt, func(j *models.ConversionJob, now time.Time) bool {
		j.Status = models.StatusCompleted
		j.ProgressPercentage = 100
		j.OutputRef = outputRef
		j.OutputSizeBytes = outputSize
		j.CompletedAt = &now
		return true
	})
}

func (s *MemoryStore) MarkRetry(ctx context.Context, id string, attempt int, availableAt time.Time) (*models.ConversionJob, error) {
	return s.updateOwned(id, attempt, func(j *models.ConversionJob, now time.Time) bool {
		if !j.RetriesLeft() {
			return false
		}
		j.Status = models.StatusPending
		j.RetryCount++
		j.ProgressPercentage = 0
		j.AvailableAt = availableAt.UTC()
		return true
	})
}

func (s *MemoryStore) MarkFailed(ctx context.Context, id string, attempt int, errMsg string) (*models.ConversionJob, error) {
	return s.updateOwned(id, attempt, func(j *models.ConversionJob, now time.Time) bool {
		j.Status = models.StatusFailed
		j.ErrorMessage = errMsg
		j.CompletedAt = &now
		return true
	})
}

func (s *MemoryStore) RequestCancel(ctx context.Context, id string) (*models.ConversionJob, error) {
	return s.update(id, cancellable, func(j *models.ConversionJob, now time.Time) bool {
		if j.Status == models.StatusPending {
			j.Status = models.StatusCancelled
			j.CompletedAt = &now
		}
		j.CancelRequested = true
		return true
	})
}

func (s *MemoryStore) IsCancelRequested(ctx context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return false, fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}
	return job.CancelRequested, nil
}

func (s *MemoryStore) MarkCancelled(ctx context.Context, id string, attempt int) (*models.ConversionJob, error) {
	return s.updateOwned(id, attempt, func(j *models.ConversionJob, now time.Time) bool {
		j.Status = models.StatusCancelled
		j.CompletedAt = &now
		return true
	})
}

func (s *MemoryStore) ResetForRetry(ctx context.Context, id, reservationID string) (*models.ConversionJob, error) {
	return s.update(id, onlyFailed, func(j *models.ConversionJob, now time.Time) bool {
		j.Status = models.StatusPending
		j.RetryCount = 0
		j.ProgressPercentage = 0
		j.Generation++
		j.Finalized = false
		j.ErrorMessage = ""
		j.OutputRef = ""
		j.OutputSizeBytes = 0
		j.ReservationID = reservationID
		j.CancelRequested = false
		j.CompletedAt = nil
		j.AvailableAt = now
		return true
	})
}

func (s *MemoryStore) MarkFinalized(ctx context.Context, id string, generation int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}
	if !job.IsTerminal() || job.Generation != generation {
		return fmt.Errorf("job %s is %s at generation %d: %w", id, job.Status, job.Generation, models.ErrInvalidTransition)
	}
	job.Finalized = true
	return nil
}

func (s *MemoryStore) ListUnfinalized(ctx context.Context, limit int) ([]*models.ConversionJob, error) {
	s.mu.RLock()
	var jobs []*models.ConversionJob
	for _, job := range s.jobs {
		if job.IsTerminal() && !job.Finalized {
			jobs = append(jobs, job.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(jobs, func(i, j int) bool { return jobs[i].Seq < jobs[j].Seq })
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

// RecomputeBatch holds the store lock for the whole read-aggregate-write, the
// in-memory equivalent of the row lock PostgresStore takes.
func (s *MemoryStore) RecomputeBatch(ctx context.Context, batchID string) (*models.BatchJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch, ok := s.batches[batchID]
	if !ok {
		return nil, fmt.Errorf("batch %s: %w", batchID, models.ErrNotFound)
	}
	members := make([]models.MemberState, 0, len(batch.JobIDs))
	for _, id := range batch.JobIDs {
		if job, ok := s.jobs[id]; ok {
			members = append(members, models.MemberState{Status: job.Status, Generation: job.Generation})
		}
	}
	batch.Apply(models.AggregateBatch(members), s.now())
	return batch.Clone(), nil
}

func (s *MemoryStore) ClaimNotification(ctx context.Context, ev models.WebhookEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.deliveries[ev.Key]; exists {
		return false, nil
	}
	now := s.now()
	s.deliveries[ev.Key] = &DeliveryRecord{
		Key:       ev.Key,
		URL:       ev.URL,
		Payload:   ev.Payload,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return true, nil
}

func (s *MemoryStore) AcquireDelivery(ctx context.Context, key, owner string, maxAttempts int, until time.Time) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[key]
	if !ok {
		return 0, false, fmt.Errorf("delivery %s: %w", key, models.ErrNotFound)
	}
	if d.Delivered || d.Attempts >= maxAttempts {
		return d.Attempts, false, nil
	}
	if d.Owner != "" && d.Owner != owner && d.LockedUntil.After(s.now()) {
		return d.Attempts, false, nil
	}
	d.Owner = owner
	d.LockedUntil = until.UTC()
	return d.Attempts, true, nil
}

func (s *MemoryStore) RecordDelivery(ctx context.Context, key string, attempts int, lastErr string, delivered bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[key]
	if !ok {
		return fmt.Errorf("delivery %s: %w", key, models.ErrNotFound)
	}
	d.Attempts = attempts
	d.LastError = lastErr
	d.Delivered = delivered
	d.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) PendingDeliveries(ctx context.Context, maxAttempts, limit int) ([]models.WebhookEvent, error) {
	s.mu.RLock()
	now := s.now()
	var pending []*DeliveryRecord
	for _, d := range s.deliveries {
		if d.Delivered || d.Attempts >= maxAttempts {
			continue
		}
		if d.Owner != "" && d.LockedUntil.After(now) {
			continue
		}
		c := *d
		pending = append(pending, &c)
	}
	s.mu.RUnlock()

	sort.Slice(pending, func(i, j int) bool {
		if !pending[i].CreatedAt.Equal(pending[j].CreatedAt) {
			return pending[i].CreatedAt.Before(pending[j].CreatedAt)
		}
		return pending[i].Key < pending[j].Key
	})
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	events := make([]models.WebhookEvent, len(pending))
	for i, d := range pending {
		events[i] = models.WebhookEvent{Key: d.Key, URL: d.URL, Payload: d.Payload, Attempts: d.Attempts}
	}
	return events, nil
}

// Delivery returns a copy of the delivery record for key.
func (s *MemoryStore) Delivery(key string) (DeliveryRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.deliveries[key]
	if !ok {
		return DeliveryRecord{}, false
	}
	return *d, true
}

// MemoryQuota is the in-process quota tracker. A single mutex makes each
// reserve, commit and release atomic.
type MemoryQuota struct {
	mu           sync.Mutex
	limits       QuotaLimits
	records      map[string]*models.QuotaRecord
	reservations map[string]*models.Reservation
	now          func() time.Time
}

func NewMemoryQuota(limits QuotaLimits) *MemoryQuota {
	return &MemoryQuota{
		limits:       limits,
		records:      make(map[string]*models.QuotaRecord),
		reservations: make(map[string]*models.Reservation),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source.
func (q *MemoryQuota) SetClock(now func() time.Time) {
	q.mu.Lock()
	q.now = now
	q.mu.Unlock()
}

// SetLimits changes one user's limits, creating the record when needed.
func (q *MemoryQuota) SetLimits(userID string, conversions int, storageMB int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	rec := q.recordLocked(userID)
	rec.ConversionsLimit = conversions
	rec.StorageLimitMB = storageMB
}

func (q *MemoryQuota) recordLocked(userID string) *models.QuotaRecord {
	now := q.now()
	rec, ok := q.records[userID]
	if !ok {
		rec = &models.QuotaRecord{
			UserID:           userID,
			ConversionsLimit: q.limits.Conversions,
			StorageLimitMB:   q.limits.StorageMB,
			PeriodStart:      models.PeriodStart(now),
			UpdatedAt:        now,
		}
		q.records[userID] = rec
	}
	rec.Rollover(now)
	return rec
}

func (q *MemoryQuota) Reserve(ctx context.Context, userID string, cost models.Cost) (*models.Reservation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	rec := q.recordLocked(userID)
	if !rec.Allows(cost) {
		return nil, fmt.Errorf("user %s: %w", userID, models.ErrQuotaExceeded)
	}
	now := q.now()
	rec.ConversionsUsed += cost.Conversions
	rec.StorageUsedMB += cost.StorageMB
	rec.UpdatedAt = now

	res := &models.Reservation{
		ID:          uuid.NewString(),
		UserID:      userID,
		Cost:        cost,
		State:       models.ReservationHeld,
		PeriodStart: rec.PeriodStart,
		CreatedAt:   now,
	}
	q.reservations[res.ID] = res
	c := *res
	return &c, nil
}

func (q *MemoryQuota) settleLocked(res *models.Reservation, d models.Cost) {
	rec := q.recordLocked(res.UserID)
	if !rec.PeriodStart.Equal(res.PeriodStart) {
		return
	}
	rec.ConversionsUsed = max(rec.ConversionsUsed+d.Conversions, 0)
	rec.StorageUsedMB = max(rec.StorageUsedMB+d.StorageMB, 0)
	rec.UpdatedAt = q.now()
}

func (q *MemoryQuota) Commit(ctx context.Context, reservationID string, actual models.Cost) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	res, ok := q.reservations[reservationID]
	if !ok {
		return fmt.Errorf("reservation %s: %w", reservationID, models.ErrNotFound)
	}
	if res.State != models.ReservationHeld {
		return nil
	}
	q.settleLocked(res, models.Cost{StorageMB: actual.StorageMB - res.Cost.StorageMB})
	res.Cost.StorageMB = actual.StorageMB
	res.State = models.ReservationCommitted
	return nil
}

func (q *MemoryQuota) Release(ctx context.Context, reservationID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	res, ok := q.reservations[reservationID]
	if !ok || res.State != models.ReservationHeld {
		return nil
	}
	q.settleLocked(res, models.Cost{Conversions: -res.Cost.Conversions, StorageMB: -res.Cost.StorageMB})
	res.State = models.ReservationReleased
	return nil
}

func (q *MemoryQuota) Get(ctx context.Context, userID string) (*models.QuotaRecord, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	rec := *q.recordLocked(userID)
	return &rec, nil
}

// Reservation returns a copy of a reservation for inspection.
func (q *MemoryQuota) Reservation(id string) (models.Reservation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	res, ok := q.reservations[id]
	if !ok {
		return models.Reservation{}, false
	}
	return *res, true
}

func (q *MemoryQuota) ResetExpired(ctx context.Context, now time.Time) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, rec := range q.records {
		if rec.Rollover(now) {
			n++
		}
	}
	return n, nil
}

// MemoryBlobStore keeps blobs in a map.
type MemoryBlobStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{blobs: make(map[string][]byte)}
}

func (b *MemoryBlobStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	b.mu.Lock()
	b.blobs[key] = append([]byte(nil), data...)
	b.mu.Unlock()
	return nil
}

func (b *MemoryBlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	data, ok := b.blobs[key]
	if !ok {
		return nil, fmt.Errorf("blob %s: %w", key, models.ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}

func (b *MemoryBlobStore) Delete(ctx context.Context, key string) error {
	b.mu.Lock()
	delete(b.blobs, key)
	b.mu.Unlock()
	return nil
}

// Keys lists stored blob keys in order.
func (b *MemoryBlobStore) Keys() []string {
	b.mu.RLock()
	keys := make([]string, 0, len(b.blobs))
	for k := range b.blobs {
		keys = append(keys, k)
	}
	b.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

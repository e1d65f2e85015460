package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"fileconvert/models"

	"github.com/lib/pq"
)

const jobColumns = `id, seq, user_id, batch_id, input_format, output_format, options, status,
	priority, progress_percentage, retry_count, max_retries, generation,
	input_size_bytes, output_size_bytes, input_ref, output_ref, reservation_id,
	webhook_url, error_message, cancel_requested,
	created_at, updated_at, available_at, started_at, completed_at, attempt, finalized`

const batchColumns = `id, user_id, name, output_format, options, status,
	total_files, completed_files, failed_files, cancelled_files, generation,
	webhook_url, created_at, updated_at, completed_at`

// PostgresStore is the durable job store.
type PostgresStore struct {
	db *sql.DB
}

// OpenDatabase connects and pings Postgres.
func OpenDatabase(databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func scanJob(row rowScanner) (*models.ConversionJob, error) {
	var (
		j         models.ConversionJob
		batchID   sql.NullString
		options   []byte
		status    string
		started   sql.NullTime
		completed sql.NullTime
	)
	err := row.Scan(
		&j.ID, &j.Seq, &j.UserID, &batchID, &j.InputFormat, &j.OutputFormat, &options, &status,
		&j.Priority, &j.ProgressPercentage, &j.RetryCount, &j.MaxRetries, &j.Generation,
		&j.InputSizeBytes, &j.OutputSizeBytes, &j.InputRef, &j.OutputRef, &j.ReservationID,
		&j.WebhookURL, &j.ErrorMessage, &j.CancelRequested,
		&j.CreatedAt, &j.UpdatedAt, &j.AvailableAt, &started, &completed, &j.Attempt, &j.Finalized,
	)
	if err != nil {
		return nil, err
	}
	j.BatchID = batchID.String
	j.Status = models.JobStatus(status)
	if err := decodeOptions(options, &j.Options); err != nil {
		return nil, fmt.Errorf("job %s: %w", j.ID, err)
	}
	if started.Valid {
		t := started.Time
		j.StartedAt = &t
	}
	if completed.Valid {
		t := completed.Time
		j.CompletedAt = &t
	}
	return &j, nil
}

func scanBatch(row rowScanner) (*models.BatchJob, error) {
	var (
		b         models.BatchJob
		options   []byte
		status    string
		completed sql.NullTime
	)
	err := row.Scan(
		&b.ID, &b.UserID, &b.Name, &b.OutputFormat, &options, &status,
		&b.TotalFiles, &b.CompletedFiles, &b.FailedFiles, &b.CancelledFiles, &b.Generation,
		&b.WebhookURL, &b.CreatedAt, &b.UpdatedAt, &completed,
	)
	if err != nil {
		return nil, err
	}
	b.Status = models.JobStatus(status)
	if err := decodeOptions(options, &b.Options); err != nil {
		return nil, fmt.Errorf("batch %s: %w", b.ID, err)
	}
	if completed.Valid {
		t := completed.Time
		b.CompletedAt = &t
	}
	return &b, nil
}

func encodeOptions(opts map[string]any) ([]byte, error) {
	if opts == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(opts)
}

func decodeOptions(raw []byte, dst *map[string]any) error {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Errorf("decode options: %w", err)
	}
	if len(m) > 0 {
		*dst = m
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func insertJob(ctx context.Context, q queryRower, job *models.ConversionJob) error {
	options, err := encodeOptions(job.Options)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = job.CreatedAt
	}
	if job.AvailableAt.IsZero() {
		job.AvailableAt = job.CreatedAt
	}

	query := `INSERT INTO conversion_jobs (
		id, user_id, batch_id, input_format, output_format, options, status, priority,
		progress_percentage, retry_count, max_retries, generation, input_size_bytes,
		input_ref, reservation_id, webhook_url, created_at, updated_at, available_at
	) VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	RETURNING seq`

	err = q.QueryRowContext(ctx, query,
		job.ID, job.UserID, job.BatchID, job.InputFormat, job.OutputFormat, options, string(job.Status), job.Priority,
		job.ProgressPercentage, job.RetryCount, job.MaxRetries, job.Generation, job.InputSizeBytes,
		job.InputRef, job.ReservationID, job.WebhookURL, job.CreatedAt, job.UpdatedAt, job.AvailableAt,
	).Scan(&job.Seq)
	if isUniqueViolation(err) {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to insert job %s: %w", job.ID, err)
	}
	return nil
}

// CreateJob inserts a job and fills in its store-assigned sequence number.
func (s *PostgresStore) CreateJob(ctx context.Context, job *models.ConversionJob) error {
	return insertJob(ctx, s.db, job)
}

// CreateBatch inserts a batch and all of its members in one transaction.
func (s *PostgresStore) CreateBatch(ctx context.Context, batch *models.BatchJob, jobs []*models.ConversionJob) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	options, err := encodeOptions(batch.Options)
	if err != nil {
		return err
	}
	if batch.CreatedAt.IsZero() {
		batch.CreatedAt = time.Now().UTC()
	}
	batch.UpdatedAt = batch.CreatedAt
	batch.TotalFiles = len(jobs)

	_, err = tx.ExecContext(ctx, `INSERT INTO conversion_batches (
		id, user_id, name, output_format, options, status, total_files, webhook_url, created_at, updated_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		batch.ID, batch.UserID, batch.Name, batch.OutputFormat, options, string(batch.Status),
		batch.TotalFiles, batch.WebhookURL, batch.CreatedAt, batch.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("batch %s already exists", batch.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to insert batch %s: %w", batch.ID, err)
	}

	batch.JobIDs = batch.JobIDs[:0]
	for _, job := range jobs {
		job.BatchID = batch.ID
		if err := insertJob(ctx, tx, job); err != nil {
			return err
		}
		batch.JobIDs = append(batch.JobIDs, job.ID)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit batch %s: %w", batch.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*models.ConversionJob, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM conversion_jobs WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}
	return job, err
}

func (s *PostgresStore) GetBatch(ctx context.Context, id string) (*models.BatchJob, error) {
	batch, err := scanBatch(s.db.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM conversion_batches WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("batch %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if batch.JobIDs, err = s.memberIDs(ctx, s.db, id); err != nil {
		return nil, err
	}
	return batch, nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *PostgresStore) memberIDs(ctx context.Context, q queryer, batchID string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT id FROM conversion_jobs WHERE batch_id = $1 ORDER BY seq`, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to list batch members: %w", err)
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

func (s *PostgresStore) queryJobs(ctx context.Context, query string, args ...any) ([]*models.ConversionJob, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.ConversionJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *PostgresStore) ListBatchMembers(ctx context.Context, batchID string) ([]*models.ConversionJob, error) {
	return s.queryJobs(ctx, `SELECT `+jobColumns+` FROM conversion_jobs WHERE batch_id = $1 ORDER BY seq`, batchID)
}

// ListJobsByStatus returns jobs in queue order. A non-positive limit means all.
func (s *PostgresStore) ListJobsByStatus(ctx context.Context, status models.JobStatus, limit int) ([]*models.ConversionJob, error) {
	var lim sql.NullInt64
	if limit > 0 {
		lim = sql.NullInt64{Int64: int64(limit), Valid: true}
	}
	return s.queryJobs(ctx, `SELECT `+jobColumns+` FROM conversion_jobs
		WHERE status = $1 ORDER BY priority DESC, seq LIMIT $2`, string(status), lim)
}

// ListJobsByUser pages through a user's jobs, newest first. A NULL status
// array matches every status.
func (s *PostgresStore) ListJobsByUser(ctx context.Context, userID string, filter models.ListFilter) ([]*models.ConversionJob, error) {
	filter = filter.Normalized()
	return s.queryJobs(ctx, `SELECT `+jobColumns+` FROM conversion_jobs
		WHERE user_id = $1 AND ($2::text[] IS NULL OR status = ANY($2::text[]))
		ORDER BY created_at DESC, seq DESC
		LIMIT $3 OFFSET $4`,
		userID, pq.Array(filter.StatusStrings()), filter.Limit, filter.Offset)
}

func (s *PostgresStore) ListBatchesByUser(ctx context.Context, userID string, filter models.ListFilter) ([]*models.BatchJob, error) {
	filter = filter.Normalized()
	rows, err := s.db.QueryContext(ctx, `SELECT `+batchColumns+` FROM conversion_batches
		WHERE user_id = $1 AND ($2::text[] IS NULL OR status = ANY($2::text[]))
		ORDER BY created_at DESC, id
		LIMIT $3 OFFSET $4`,
		userID, pq.Array(filter.StatusStrings()), filter.Limit, filter.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query batches: %w", err)
	}
	var batches []*models.BatchJob
	for rows.Next() {
		batch, err := scanBatch(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		batches = append(batches, batch)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, batch := range batches {
		if batch.JobIDs, err = s.memberIDs(ctx, s.db, batch.ID); err != nil {
			return nil, err
		}
	}
	return batches, nil
}

// updateJob runs a conditional UPDATE ... RETURNING. No row means the job is
// missing or not in the state the update requires.
func (s *PostgresStore) updateJob(ctx context.Context, id, query string, args ...any) (*models.ConversionJob, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, s.missing(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update job %s: %w", id, err)
	}
	return job, nil
}

func (s *PostgresStore) missing(ctx context.Context, id string) error {
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM conversion_jobs WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}
	return fmt.Errorf("job %s: %w", id, models.ErrInvalidTransition)
}

func (s *PostgresStore) MarkProcessing(ctx context.Context, id string) (*models.ConversionJob, error) {
	return s.updateJob(ctx, id, `UPDATE conversion_jobs
		SET status = 'processing', attempt = attempt + 1,
			started_at = COALESCE(started_at, $2), updated_at = $2
		WHERE id = $1 AND status = 'pending'
		RETURNING `+jobColumns, id, time.Now().UTC())
}

// Heartbeat renews the lease by touching updated_at.
func (s *PostgresStore) Heartbeat(ctx context.Context, id string, attempt int) error {
	_, err := s.updateJob(ctx, id, `UPDATE conversion_jobs SET updated_at = $3
		WHERE id = $1 AND status = 'processing' AND attempt = $2
		RETURNING `+jobColumns, id, attempt, time.Now().UTC())
	return err
}

// ReclaimStale bumps the attempt of a processing job whose lease lapsed,
// fencing out whichever worker held it.
func (s *PostgresStore) ReclaimStale(ctx context.Context, id string, staleBefore time.Time) (*models.ConversionJob, error) {
	return s.updateJob(ctx, id, `UPDATE conversion_jobs
		SET attempt = attempt + 1, updated_at = $3
		WHERE id = $1 AND status = 'processing' AND updated_at < $2
		RETURNING `+jobColumns, id, staleBefore.UTC(), time.Now().UTC())
}

func (s *PostgresStore) UpdateProgress(ctx context.Context, id string, attempt, pct int) error {
	_, err := s.updateJob(ctx, id, `UPDATE conversion_jobs
		SET progress_percentage = GREATEST(progress_percentage, $3), updated_at = $4
		WHERE id = $1 AND status = 'processing' AND attempt = $2
		RETURNING `+jobColumns, id, attempt, models.ClampProgress(pct), time.Now().UTC())
	return err
}

func (s *PostgresStore) MarkCompleted(ctx context.Context, id string, attempt int, outputRef string, outputSize int64) (*models.ConversionJob, error) {
	return s.updateJob(ctx, id, `UPDATE conversion_jobs
		SET status = 'completed', progress_percentage = 100, output_ref = $3, output_size_bytes = $4,
			completed_at = $2, updated_at = $2
		WHERE id = $1 AND status = 'processing' AND attempt = $5
		RETURNING `+jobColumns, id, time.Now().UTC(), outputRef, outputSize, attempt)
}

func (s *PostgresStore) MarkRetry(ctx context.Context, id string, attempt int, availableAt time.Time) (*models.ConversionJob, error) {
	return s.updateJob(ctx, id, `UPDATE conversion_jobs
		SET status = 'pending', retry_count = retry_count + 1, progress_percentage = 0,
			available_at = $3, updated_at = $2
		WHERE id = $1 AND status = 'processing' AND attempt = $4 AND retry_count < max_retries
		RETURNING `+jobColumns, id, time.Now().UTC(), availableAt.UTC(), attempt)
}

func (s *PostgresStore) MarkFailed(ctx context.Context, id string, attempt int, errMsg string) (*models.ConversionJob, error) {
	return s.updateJob(ctx, id, `UPDATE conversion_jobs
		SET status = 'failed', error_message = $3, completed_at = $2, updated_at = $2
		WHERE id = $1 AND status = 'processing' AND attempt = $4
		RETURNING `+jobColumns, id, time.Now().UTC(), errMsg, attempt)
}

func (s *PostgresStore) RequestCancel(ctx context.Context, id string) (*models.ConversionJob, error) {
	return s.updateJob(ctx, id, `UPDATE conversion_jobs
		SET status = CASE WHEN status = 'pending' THEN 'cancelled' ELSE status END,
			completed_at = CASE WHEN status = 'pending' THEN $2 ELSE completed_at END,
			cancel_requested = TRUE, updated_at = $2
		WHERE id = $1 AND status IN ('pending', 'processing')
		RETURNING `+jobColumns, id, time.Now().UTC())
}

func (s *PostgresStore) IsCancelRequested(ctx context.Context, id string) (bool, error) {
	var requested bool
	err := s.db.QueryRowContext(ctx, `SELECT cancel_requested FROM conversion_jobs WHERE id = $1`, id).Scan(&requested)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}
	return requested, err
}

func (s *PostgresStore) MarkCancelled(ctx context.Context, id string, attempt int) (*models.ConversionJob, error) {
	return s.updateJob(ctx, id, `UPDATE conversion_jobs
		SET status = 'cancelled', completed_at = $2, updated_at = $2
		WHERE id = $1 AND status = 'processing' AND attempt = $3
		RETURNING `+jobColumns, id, time.Now().UTC(), attempt)
}

func (s *PostgresStore) ResetForRetry(ctx context.Context, id, reservationID string) (*models.ConversionJob, error) {
	return s.updateJob(ctx, id, `UPDATE conversion_jobs
		SET status = 'pending', retry_count = 0, progress_percentage = 0, generation = generation + 1,
			error_message = '', output_ref = '', output_size_bytes = 0, reservation_id = $3,
			cancel_requested = FALSE, finalized = FALSE, completed_at = NULL, available_at = $2, updated_at = $2
		WHERE id = $1 AND status = 'failed'
		RETURNING `+jobColumns, id, time.Now().UTC(), reservationID)
}

func (s *PostgresStore) MarkFinalized(ctx context.Context, id string, generation int) error {
	_, err := s.updateJob(ctx, id, `UPDATE conversion_jobs SET finalized = TRUE
		WHERE id = $1 AND generation = $2 AND status IN ('completed', 'failed', 'cancelled')
		RETURNING `+jobColumns, id, generation)
	return err
}

func (s *PostgresStore) ListUnfinalized(ctx context.Context, limit int) ([]*models.ConversionJob, error) {
	var lim sql.NullInt64
	if limit > 0 {
		lim = sql.NullInt64{Int64: int64(limit), Valid: true}
	}
	return s.queryJobs(ctx, `SELECT `+jobColumns+` FROM conversion_jobs
		WHERE NOT finalized AND status IN ('completed', 'failed', 'cancelled')
		ORDER BY seq LIMIT $1`, lim)
}

// RecomputeBatch locks the batch row, aggregates the members as they are now
// and writes the result before releasing the lock.
func (s *PostgresStore) RecomputeBatch(ctx context.Context, batchID string) (*models.BatchJob, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var locked string
	err = tx.QueryRowContext(ctx, `SELECT id FROM conversion_batches WHERE id = $1 FOR UPDATE`, batchID).Scan(&locked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("batch %s: %w", batchID, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock batch %s: %w", batchID, err)
	}

	rows, err := tx.QueryContext(ctx, `SELECT status, generation FROM conversion_jobs WHERE batch_id = $1`, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to read batch members: %w", err)
	}
	var members []models.MemberState
	for rows.Next() {
		var m models.MemberState
		var status string
		if err := rows.Scan(&status, &m.Generation); err != nil {
			rows.Close()
			return nil, err
		}
		m.Status = models.JobStatus(status)
		members = append(members, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	agg := models.AggregateBatch(members)
	batch, err := scanBatch(tx.QueryRowContext(ctx, `UPDATE conversion_batches
		SET status = $2, total_files = $3, completed_files = $4, failed_files = $5, cancelled_files = $6,
			generation = $7, updated_at = $8,
			completed_at = CASE WHEN $9 THEN COALESCE(completed_at, $8) ELSE NULL END
		WHERE id = $1
		RETURNING `+batchColumns,
		batchID, string(agg.Status), agg.Total, agg.Completed, agg.Failed, agg.Cancelled,
		agg.Generation, time.Now().UTC(), agg.Status.IsTerminal(),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to update batch %s: %w", batchID, err)
	}
	if batch.JobIDs, err = s.memberIDs(ctx, tx, batchID); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit batch %s: %w", batchID, err)
	}
	return batch, nil
}

func (s *PostgresStore) ClaimNotification(ctx context.Context, ev models.WebhookEvent) (bool, error) {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return false, fmt.Errorf("failed to encode notification %s: %w", ev.Key, err)
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `INSERT INTO webhook_deliveries (key, url, payload, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4) ON CONFLICT (key) DO NOTHING`, ev.Key, ev.URL, payload, now)
	if err != nil {
		return false, fmt.Errorf("failed to claim notification %s: %w", ev.Key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// AcquireDelivery takes the row lock for owner unless another owner holds an
// unexpired one.
func (s *PostgresStore) AcquireDelivery(ctx context.Context, key, owner string, maxAttempts int, until time.Time) (int, bool, error) {
	var attempts int
	err := s.db.QueryRowContext(ctx, `UPDATE webhook_deliveries
		SET owner = $2, locked_until = $4
		WHERE key = $1 AND NOT delivered AND attempts < $3
			AND (owner = $2 OR owner = '' OR locked_until IS NULL OR locked_until < $5)
		RETURNING attempts`, key, owner, maxAttempts, until.UTC(), time.Now().UTC()).Scan(&attempts)
	if err == nil {
		return attempts, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, false, fmt.Errorf("failed to acquire delivery %s: %w", key, err)
	}
	err = s.db.QueryRowContext(ctx, `SELECT attempts FROM webhook_deliveries WHERE key = $1`, key).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, fmt.Errorf("delivery %s: %w", key, models.ErrNotFound)
	}
	if err != nil {
		return 0, false, err
	}
	return attempts, false, nil
}

func (s *PostgresStore) RecordDelivery(ctx context.Context, key string, attempts int, lastErr string, delivered bool) error {
	_, err := s.db.ExecContext(ctx, `UPDATE webhook_deliveries
		SET attempts = $2, last_error = $3, delivered = $4, updated_at = $5
		WHERE key = $1`, key, attempts, lastErr, delivered, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record delivery %s: %w", key, err)
	}
	return nil
}

func (s *PostgresStore) PendingDeliveries(ctx context.Context, maxAttempts, limit int) ([]models.WebhookEvent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, url, payload, attempts FROM webhook_deliveries
		WHERE NOT delivered AND attempts < $1 AND payload IS NOT NULL
			AND (owner = '' OR locked_until IS NULL OR locked_until < $2)
		ORDER BY created_at, key
		LIMIT $3`, maxAttempts, time.Now().UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending deliveries: %w", err)
	}
	defer rows.Close()

	var events []models.WebhookEvent
	for rows.Next() {
		var (
			ev      models.WebhookEvent
			payload []byte
		)
		if err := rows.Scan(&ev.Key, &ev.URL, &payload, &ev.Attempts); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(payload, &ev.Payload); err != nil {
			return nil, fmt.Errorf("delivery %s: decode payload: %w", ev.Key, err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

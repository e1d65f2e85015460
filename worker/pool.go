package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"fileconvert/config"
	"fileconvert/models"
	"fileconvert/pipeline"
	"fileconvert/registry"

	"github.com/getsentry/sentry-go"
)

const queueErrorDelay = 5 * time.Second

type Pool struct {
	config      *config.Config
	store       pipeline.JobStore
	queue       pipeline.Queue
	blobs       pipeline.BlobStore
	quota       pipeline.QuotaTracker
	registry    *registry.Registry
	coordinator *pipeline.BatchCoordinator
}

func NewPool(cfg *config.Config, deps pipeline.Deps, coordinator *pipeline.BatchCoordinator) *Pool {
	return &Pool{
		config:      cfg,
		store:       deps.Store,
		queue:       deps.Queue,
		blobs:       deps.Blobs,
		quota:       deps.Quota,
		registry:    deps.Registry,
		coordinator: coordinator,
	}
}

// Run starts the configured number of workers plus the recovery and quota
// reset loops, and blocks until ctx is done and all of them have returned.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup

	for i := 0; i < p.config.WorkerCount; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			p.StartWorker(ctx, workerID)
		}(i)
	}

	wg.Add(2)
	go func() {
		defer wg.Done()
		p.RecoveryLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		p.QuotaResetLoop(ctx)
	}()

	log.Printf("Started %d conversion workers", p.config.WorkerCount)
	wg.Wait()
}

func (p *Pool) StartWorker(ctx context.Context, workerID int) {
	log.Printf("[Worker %d] Starting", workerID)

	for {
		select {
		case <-ctx.Done():
			log.Printf("[Worker %d] Shutting down", workerID)
			return
		default:
		}

		jobID, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Printf("[Worker %d] Shutting down", workerID)
				return
			}
			log.Printf("[Worker %d] Queue error: %v", workerID, err)
			select {
			case <-ctx.Done():
			case <-time.After(queueErrorDelay):
			}
			continue
		}

		p.processJob(ctx, workerID, jobID)
	}
}

// Backoff returns base * 2^retryCount, capped at ceiling.
func Backoff(base, ceiling time.Duration, retryCount int) time.Duration {
	delay := base
	for i := 0; i < retryCount && delay < ceiling; i++ {
		delay *= 2
	}
	if delay > ceiling {
		delay = ceiling
	}
	return delay
}

// timeoutFor grows the execution ceiling with input size.
func (p *Pool) timeoutFor(inputBytes int64) time.Duration {
	timeout := p.config.ConversionTimeout + time.Duration(models.StorageMB(inputBytes))*p.config.TimeoutPerMB
	if p.config.TimeoutMax > 0 && timeout > p.config.TimeoutMax {
		timeout = p.config.TimeoutMax
	}
	return timeout
}

// errLeaseLost cancels an attempt whose job was reclaimed by recovery.
var errLeaseLost = errors.New("job lease lost")

// holdLease renews the attempt's lease until the returned stop func is
// called. When the store refuses a renewal the attempt has been fenced out
// and lost is invoked.
func (p *Pool) holdLease(ctx context.Context, who string, job *models.ConversionJob, lost context.CancelCauseFunc) (stop func()) {
	interval := max(p.config.LeaseTimeout/3, time.Millisecond)
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := p.store.Heartbeat(context.WithoutCancel(ctx), job.ID, job.Attempt)
				if errors.Is(err, models.ErrInvalidTransition) || errors.Is(err, models.ErrNotFound) {
					log.Printf("%s Lease on job %s (attempt %d) lost", who, job.ID, job.Attempt)
					lost(errLeaseLost)
					return
				}
				if err != nil {
					log.Printf("%s Failed to renew lease on job %s: %v", who, job.ID, err)
				}
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() { close(done) })
		wg.Wait()
	}
}

func (p *Pool) processJob(ctx context.Context, workerID int, jobID string) {
	who := fmt.Sprintf("[Worker %d]", workerID)

	job, err := p.store.MarkProcessing(ctx, jobID)
	if err != nil {
		if errors.Is(err, models.ErrInvalidTransition) || errors.Is(err, models.ErrNotFound) {
			// Cancelled while queued, or a duplicate delivery.
			log.Printf("%s Skipping job %s: %v", who, jobID, err)
		} else {
			log.Printf("%s Failed to claim job %s: %v", who, jobID, err)
		}
		return
	}

	log.Printf("%s Processing job %s (%s -> %s, attempt %d/%d)",
		who, job.ID, job.InputFormat, job.OutputFormat, job.RetryCount+1, job.MaxRetries+1)

	// State writes below must land even when shutdown cancels ctx.
	sctx := context.WithoutCancel(ctx)

	jobCtx, cancelJob := context.WithCancelCause(ctx)
	defer cancelJob(nil)
	stopLease := p.holdLease(jobCtx, who, job, cancelJob)
	defer stopLease()

	if p.cancelRequested(sctx, job.ID) {
		p.finishCancelled(sctx, who, job, "claim")
		return
	}

	timeoutCtx, cancel := context.WithTimeout(jobCtx, p.timeoutFor(job.InputSizeBytes))
	defer cancel()

	startTime := time.Now()

	input, err := p.blobs.Get(timeoutCtx, job.InputRef)
	if err != nil {
		p.fail(jobCtx, who, job, stageError(timeoutCtx, "input download", err))
		return
	}
	p.progress(sctx, job, 10)

	if p.cancelRequested(sctx, job.ID) {
		p.finishCancelled(sctx, who, job, "download")
		return
	}

	output, err := p.convert(timeoutCtx, job, input)
	if err != nil {
		p.fail(jobCtx, who, job, stageError(timeoutCtx, "conversion", err))
		return
	}

	if p.cancelRequested(sctx, job.ID) {
		p.finishCancelled(sctx, who, job, "conversion")
		return
	}

	outputKey := pipeline.OutputKey(job.ID, job.Attempt, job.OutputFormat)
	if err := p.blobs.Put(timeoutCtx, outputKey, output, p.registry.ContentType(job.OutputFormat)); err != nil {
		p.fail(jobCtx, who, job, stageError(timeoutCtx, "output upload", err))
		return
	}
	p.progress(sctx, job, 90)

	if p.cancelRequested(sctx, job.ID) {
		p.deleteBlob(sctx, who, outputKey)
		p.finishCancelled(sctx, who, job, "upload")
		return
	}

	done, err := p.store.MarkCompleted(sctx, job.ID, job.Attempt, outputKey, int64(len(output)))
	if err != nil {
		log.Printf("%s Failed to mark job %s completed: %v", who, job.ID, err)
		if errors.Is(err, models.ErrInvalidTransition) {
			// Superseded attempt; the output key is ours alone.
			p.deleteBlob(sctx, who, outputKey)
		}
		return
	}
	stopLease()

	log.Printf("%s Job %s completed successfully (%.2fs, %d bytes)", who, done.ID, time.Since(startTime).Seconds(), done.OutputSizeBytes)
	p.finished(sctx, who, done)
}

// finished runs the coordinator follow-up for a stored terminal transition.
// Whatever it cannot finish now is replayed by the recovery sweep.
func (p *Pool) finished(ctx context.Context, who string, job *models.ConversionJob) {
	if err := p.coordinator.JobFinished(ctx, job); err != nil {
		log.Printf("%s %v; recovery will retry", who, err)
	}
}

func stageError(ctx context.Context, stage string, err error) *models.ConversionError {
	timedOut := errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded)
	return &models.ConversionError{Stage: stage, Timeout: timedOut, Err: err}
}

type convertResult struct {
	output []byte
	err    error
}

// convert runs the converter under ctx. A converter that ignores ctx is
// abandoned at the deadline; a panicking one becomes a conversion error.
func (p *Pool) convert(ctx context.Context, job *models.ConversionJob, input []byte) ([]byte, error) {
	// An abandoned converter must not keep reporting into a later attempt.
	var finished atomic.Bool
	defer finished.Store(true)

	progressCtx := registry.WithProgress(ctx, func(pct int) {
		if finished.Load() {
			return
		}
		pct = max(0, min(pct, 100))
		p.progress(context.WithoutCancel(ctx), job, 10+pct*70/100)
	})

	ch := make(chan convertResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- convertResult{err: fmt.Errorf("converter panic: %v", r)}
			}
		}()
		out, err := p.registry.Convert(progressCtx, input, job.InputFormat, job.OutputFormat, job.Options)
		ch <- convertResult{output: out, err: err}
	}()

	select {
	case r := <-ch:
		return r.output, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pool) progress(ctx context.Context, job *models.ConversionJob, pct int) {
	if err := p.store.UpdateProgress(ctx, job.ID, job.Attempt, pct); err != nil {
		log.Printf("[Worker] Failed to update progress for job %s: %v", job.ID, err)
	}
}

func (p *Pool) cancelRequested(ctx context.Context, jobID string) bool {
	requested, err := p.store.IsCancelRequested(ctx, jobID)
	if err != nil {
		log.Printf("[Worker] Failed to read cancel flag for job %s: %v", jobID, err)
		return false
	}
	return requested
}

func (p *Pool) deleteBlob(ctx context.Context, who, key string) {
	if err := p.blobs.Delete(ctx, key); err != nil {
		log.Printf("%s Failed to delete blob %s: %v", who, key, err)
	}
}

func (p *Pool) finishCancelled(ctx context.Context, who string, job *models.ConversionJob, checkpoint string) {
	cancelled, err := p.store.MarkCancelled(ctx, job.ID, job.Attempt)
	if err != nil {
		log.Printf("%s Failed to mark job %s cancelled: %v", who, job.ID, err)
		return
	}
	log.Printf("%s Job %s cancelled at %s checkpoint", who, job.ID, checkpoint)
	p.finished(ctx, who, cancelled)
}

// fail routes a failed attempt to retry or to the terminal failed state. An
// attempt that lost its lease leaves the job to its new holder; one
// interrupted by shutdown is left processing until its lease expires.
func (p *Pool) fail(ctx context.Context, who string, job *models.ConversionJob, cause error) {
	if errors.Is(context.Cause(ctx), errLeaseLost) {
		log.Printf("%s Abandoning job %s: attempt %d was reclaimed", who, job.ID, job.Attempt)
		return
	}
	if ctx.Err() != nil {
		log.Printf("%s Shutdown interrupted job %s; it will be recovered once its lease expires", who, job.ID)
		return
	}
	p.handleJobFailure(context.WithoutCancel(ctx), who, job, cause)
}

func (p *Pool) handleJobFailure(ctx context.Context, who string, job *models.ConversionJob, cause error) {
	log.Printf("%s Job %s failed: %v", who, job.ID, cause)

	// A pending cancellation wins over another attempt.
	if p.cancelRequested(ctx, job.ID) {
		p.finishCancelled(ctx, who, job, "failure")
		return
	}

	if job.RetriesLeft() {
		delay := Backoff(p.config.BackoffBase, p.config.BackoffMax, job.RetryCount)
		retried, err := p.store.MarkRetry(ctx, job.ID, job.Attempt, time.Now().Add(delay))
		if err != nil {
			log.Printf("%s Failed to schedule retry for job %s: %v", who, job.ID, err)
			return
		}
		if err := p.queue.Enqueue(ctx, pipeline.ItemFor(retried)); err != nil {
			log.Printf("%s Failed to enqueue retry for job %s: %v", who, job.ID, err)
		}
		log.Printf("%s Scheduled retry %d/%d for job %s in %v", who, retried.RetryCount, retried.MaxRetries, job.ID, delay)
		return
	}

	failed, err := p.store.MarkFailed(ctx, job.ID, job.Attempt, cause.Error())
	if err != nil {
		log.Printf("%s Failed to mark job %s failed: %v", who, job.ID, err)
		return
	}

	perm := &models.PermanentFailure{JobID: job.ID, Attempts: job.RetryCount + 1, Err: cause}
	log.Printf("%s %v", who, perm)
	capturePermanentFailure(failed, perm)

	p.finished(ctx, who, failed)
}

func capturePermanentFailure(job *models.ConversionJob, err error) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("job_id", job.ID)
		scope.SetTag("conversion", job.InputFormat+"->"+job.OutputFormat)
		if job.BatchID != "" {
			scope.SetTag("batch_id", job.BatchID)
		}
		scope.SetContext("job", sentry.Context{
			"retry_count": job.RetryCount,
			"max_retries": job.MaxRetries,
			"input_bytes": job.InputSizeBytes,
		})
		sentry.CaptureException(err)
	})
}

package worker

import (
	"context"
	"errors"
	"log"
	"time"

	"fileconvert/models"
	"fileconvert/pipeline"
)

// finalizeBatchSize bounds how many unfinalized jobs one sweep replays.
const finalizeBatchSize = 100

// RecoverOrphaned runs at startup and on every recovery tick. Processing jobs
// whose lease expired are reclaimed and count as a failed attempt; jobs still
// renewed by a live worker are left alone. Pending jobs are pushed back onto
// the queue, and terminal jobs whose follow-up never finished have it
// replayed. It returns how many jobs it touched.
func (p *Pool) RecoverOrphaned(ctx context.Context) (int, error) {
	reclaimed, err := p.reclaimExpired(ctx)
	if err != nil {
		return 0, err
	}
	requeued, err := p.requeuePending(ctx)
	if err != nil {
		return reclaimed, err
	}
	finalized, err := p.finalizeTerminal(ctx)
	if err != nil {
		return reclaimed + requeued, err
	}

	if reclaimed > 0 || finalized > 0 {
		log.Printf("[Recovery] Reclaimed %d expired jobs, re-enqueued %d pending, finalized %d", reclaimed, requeued, finalized)
	}
	return reclaimed + requeued + finalized, nil
}

// reclaimExpired takes over processing jobs whose lease has not been renewed
// within LeaseTimeout. The reclaim bumps the attempt, so the old holder's
// writes are refused if it turns out to be alive after all.
func (p *Pool) reclaimExpired(ctx context.Context) (int, error) {
	processing, err := p.store.ListJobsByStatus(ctx, models.StatusProcessing, 0)
	if err != nil {
		return 0, err
	}

	staleBefore := time.Now().UTC().Add(-p.config.LeaseTimeout)
	n := 0
	for _, job := range processing {
		if !job.UpdatedAt.Before(staleBefore) {
			continue
		}
		reclaimed, err := p.store.ReclaimStale(ctx, job.ID, staleBefore)
		if errors.Is(err, models.ErrInvalidTransition) || errors.Is(err, models.ErrNotFound) {
			continue
		}
		if err != nil {
			log.Printf("[Recovery] Failed to reclaim job %s: %v", job.ID, err)
			continue
		}
		log.Printf("[Recovery] Lease on job %s expired; reclaimed as attempt %d", job.ID, reclaimed.Attempt)
		cause := &models.ConversionError{Stage: "execution", Err: errors.New("worker lost while processing")}
		p.handleJobFailure(ctx, "[Recovery]", reclaimed, cause)
		n++
	}
	return n, nil
}

// requeuePending enqueues every pending job. Enqueue is idempotent and the
// claim is conditional, so jobs already queued or in flight are unaffected.
func (p *Pool) requeuePending(ctx context.Context) (int, error) {
	pending, err := p.store.ListJobsByStatus(ctx, models.StatusPending, 0)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, job := range pending {
		if err := p.queue.Enqueue(ctx, pipeline.ItemFor(job)); err != nil {
			log.Printf("[Recovery] Failed to enqueue job %s: %v", job.ID, err)
			continue
		}
		n++
	}
	return n, nil
}

// finalizeTerminal replays the coordinator follow-up for terminal jobs that
// were never marked finalized, e.g. after a crash between the terminal write
// and the quota settlement or batch recompute.
func (p *Pool) finalizeTerminal(ctx context.Context) (int, error) {
	jobs, err := p.store.ListUnfinalized(ctx, finalizeBatchSize)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, job := range jobs {
		if err := p.coordinator.JobFinished(ctx, job); err != nil {
			log.Printf("[Recovery] %v", err)
			continue
		}
		n++
	}
	return n, nil
}

func (p *Pool) RecoveryLoop(ctx context.Context) {
	ticker := time.NewTicker(p.config.RecoveryInterval)
	defer ticker.Stop()

	log.Println("[Recovery] Starting recovery loop")

	for {
		select {
		case <-ctx.Done():
			log.Println("[Recovery] Shutting down")
			return
		case <-ticker.C:
			if _, err := p.RecoverOrphaned(ctx); err != nil && ctx.Err() == nil {
				log.Printf("[Recovery] Sweep failed: %v", err)
			}
		}
	}
}

// ResetQuotas rolls expired quota periods over once.
func (p *Pool) ResetQuotas(ctx context.Context) (int, error) {
	n, err := p.quota.ResetExpired(ctx, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Printf("[Quota] Reset %d quota records for the new period", n)
	}
	return n, nil
}

func (p *Pool) QuotaResetLoop(ctx context.Context) {
	ticker := time.NewTicker(p.config.QuotaResetInterval)
	defer ticker.Stop()

	log.Println("[Quota] Starting quota reset loop")
	if _, err := p.ResetQuotas(ctx); err != nil {
		log.Printf("[Quota] Reset failed: %v", err)
	}

	for {
		select {
		case <-ctx.Done():
			log.Println("[Quota] Shutting down")
			return
		case <-ticker.C:
			if _, err := p.ResetQuotas(ctx); err != nil {
				log.Printf("[Quota] Reset failed: %v", err)
			}
		}
	}
}

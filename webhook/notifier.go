// Package webhook delivers terminal job and batch notifications over HTTP.
// Events are persisted before delivery and handed to their own goroutines with
// their own retry budget, so a slow or failing endpoint never holds up
// conversions or changes job state.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"fileconvert/config"
	"fileconvert/models"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const (
	userAgent            = "fileconvert-webhook/1.0"
	defaultQueueSize     = 256
	defaultSweepInterval = 30 * time.Second
	maxResponseToRead    = 64 * 1024
)

// Store persists claimed notifications and their delivery state. Rows that
// are neither delivered nor out of attempts are picked up again by the sweep.
type Store interface {
	ClaimNotification(ctx context.Context, ev models.WebhookEvent) (bool, error)
	AcquireDelivery(ctx context.Context, key, owner string, maxAttempts int, until time.Time) (int, bool, error)
	RecordDelivery(ctx context.Context, key string, attempts int, lastErr string, delivered bool) error
	PendingDeliveries(ctx context.Context, maxAttempts, limit int) ([]models.WebhookEvent, error)
}

type Options struct {
	MaxAttempts   int
	BackoffBase   time.Duration
	BackoffMax    time.Duration
	Timeout       time.Duration
	Workers       int
	RatePerSec    float64
	QueueSize     int
	SweepInterval time.Duration
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		MaxAttempts:   cfg.WebhookMaxAttempts,
		BackoffBase:   cfg.WebhookBackoffBase,
		BackoffMax:    cfg.WebhookBackoffMax,
		Timeout:       cfg.WebhookTimeout,
		Workers:       cfg.WebhookWorkers,
		RatePerSec:    cfg.WebhookRatePerSec,
		SweepInterval: cfg.WebhookSweep,
	}
}

type Notifier struct {
	store   Store
	client  *http.Client
	opts    Options
	limiter *rate.Limiter
	owner   string

	mu         sync.RWMutex
	stopped    bool
	deliveries chan models.WebhookEvent
	stopSweep  chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]bool

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func NewNotifier(store Store, opts Options) *Notifier {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.QueueSize < 1 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = defaultSweepInterval
	}

	limit := rate.Inf
	if opts.RatePerSec > 0 {
		limit = rate.Limit(opts.RatePerSec)
	}

	return &Notifier{
		store: store,
		client: &http.Client{
			Timeout: opts.Timeout,
		},
		opts:       opts,
		limiter:    rate.NewLimiter(limit, opts.Workers),
		owner:      uuid.NewString(),
		deliveries: make(chan models.WebhookEvent, opts.QueueSize),
		stopSweep:  make(chan struct{}),
		inflight:   make(map[string]bool),
	}
}

// Notify persists ev and hands it to the delivery workers without blocking.
// A key that was already claimed is dropped silently, which makes repeated
// terminal signals for the same transition harmless. When the queue is full
// or the notifier is stopped the stored event waits for the redelivery sweep.
func (n *Notifier) Notify(ctx context.Context, ev models.WebhookEvent) error {
	won, err := n.store.ClaimNotification(ctx, ev)
	if err != nil {
		return fmt.Errorf("failed to claim notification %s: %w", ev.Key, err)
	}
	if !won {
		return nil
	}
	if !n.offer(ev) {
		log.Printf("[Webhook] %s deferred to the redelivery sweep", ev.Key)
	}
	return nil
}

// offer queues ev unless it is already queued here. It reports false when the
// queue is full or closed.
func (n *Notifier) offer(ev models.WebhookEvent) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.stopped {
		return false
	}

	n.inflightMu.Lock()
	if n.inflight[ev.Key] {
		n.inflightMu.Unlock()
		return true
	}
	n.inflight[ev.Key] = true
	n.inflightMu.Unlock()

	select {
	case n.deliveries <- ev:
		return true
	default:
		n.done(ev.Key)
		return false
	}
}

func (n *Notifier) done(key string) {
	n.inflightMu.Lock()
	delete(n.inflight, key)
	n.inflightMu.Unlock()
}

// Start launches the delivery workers, queues whatever earlier runs left
// undelivered and keeps sweeping for such events every SweepInterval.
func (n *Notifier) Start(ctx context.Context) {
	ctx, n.cancel = context.WithCancel(ctx)
	for i := 0; i < n.opts.Workers; i++ {
		n.wg.Add(1)
		go func(workerID int) {
			defer n.wg.Done()
			log.Printf("[Webhook] Delivery worker %d started", workerID)
			for ev := range n.deliveries {
				n.deliver(ctx, ev)
				n.done(ev.Key)
			}
		}(i)
	}

	n.sweep(ctx)

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ticker := time.NewTicker(n.opts.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-n.stopSweep:
				return
			case <-ticker.C:
				n.sweep(ctx)
			}
		}
	}()
}

// sweep queues stored events that are undelivered, unlocked and still have
// attempts left. It returns how many it queued.
func (n *Notifier) sweep(ctx context.Context) int {
	events, err := n.store.PendingDeliveries(ctx, n.opts.MaxAttempts, n.opts.QueueSize)
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("[Webhook] Redelivery sweep failed: %v", err)
		}
		return 0
	}
	queued := 0
	for _, ev := range events {
		if !n.offer(ev) {
			break
		}
		queued++
	}
	if queued > 0 {
		log.Printf("[Webhook] Redelivery sweep queued %d events", queued)
	}
	return queued
}

// Stop refuses new notifications and waits for queued ones to be delivered.
// When ctx ends first, in-flight retries are abandoned; their stored rows are
// redelivered once the delivery lock lapses.
func (n *Notifier) Stop(ctx context.Context) error {
	n.mu.Lock()
	if !n.stopped {
		n.stopped = true
		close(n.deliveries)
		close(n.stopSweep)
	}
	n.mu.Unlock()

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		if n.cancel != nil {
			n.cancel()
		}
		<-done
		return ctx.Err()
	}
}

// deliver runs one round of attempts for ev, resuming from the attempts
// already stored. Each attempt first renews the delivery lock, so two
// instances never post the same event concurrently. A round cut short by
// shutdown is left for a later sweep.
func (n *Notifier) deliver(ctx context.Context, ev models.WebhookEvent) {
	body, err := json.Marshal(ev.Payload)
	if err != nil {
		n.record(ctx, ev.Key, n.opts.MaxAttempts, err.Error(), false)
		log.Printf("[Webhook] Failed to encode payload for %s: %v", ev.Key, err)
		return
	}

	var (
		attempts   = ev.Attempts
		lastErr    error
		lastStatus int
	)
	for round := 0; ; round++ {
		if round > 0 {
			if err := sleep(ctx, backoff(n.opts.BackoffBase, n.opts.BackoffMax, attempts-1)); err != nil {
				return
			}
		}
		if err := n.limiter.Wait(ctx); err != nil {
			return
		}

		until := time.Now().Add(2*n.opts.Timeout + n.opts.BackoffMax)
		stored, ok, err := n.store.AcquireDelivery(ctx, ev.Key, n.owner, n.opts.MaxAttempts, until)
		if err != nil {
			log.Printf("[Webhook] Failed to lock delivery of %s: %v", ev.Key, err)
			return
		}
		if !ok {
			return
		}

		attempts = stored + 1
		lastStatus, lastErr = n.post(ctx, ev, body)
		if lastErr == nil {
			n.record(ctx, ev.Key, attempts, "", true)
			log.Printf("[Webhook] Delivered %s to %s (attempt %d)", ev.Key, ev.URL, attempts)
			return
		}
		n.record(ctx, ev.Key, attempts, lastErr.Error(), false)
		log.Printf("[Webhook] Attempt %d/%d for %s failed: %v", attempts, n.opts.MaxAttempts, ev.Key, lastErr)

		if attempts >= n.opts.MaxAttempts {
			break
		}
		if ctx.Err() != nil {
			return
		}
	}

	failure := &models.DeliveryFailure{URL: ev.URL, Attempts: attempts, StatusCode: lastStatus, Err: lastErr}
	log.Printf("[Webhook] %v", failure)
	captureDeliveryFailure(ev, failure)
}

type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("endpoint returned status %d", e.code)
}

func (n *Notifier) post(ctx context.Context, ev models.WebhookEvent, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ev.URL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-Webhook-Event", ev.Payload.Type+"."+string(ev.Payload.Status))
	req.Header.Set("X-Webhook-Key", ev.Key)

	resp, err := n.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseToRead))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, &statusError{code: resp.StatusCode}
	}
	return resp.StatusCode, nil
}

func (n *Notifier) record(ctx context.Context, key string, attempts int, lastErr string, delivered bool) {
	if err := n.store.RecordDelivery(context.WithoutCancel(ctx), key, attempts, lastErr, delivered); err != nil {
		log.Printf("[Webhook] Failed to record delivery of %s: %v", key, err)
	}
}

func backoff(base, ceiling time.Duration, n int) time.Duration {
	delay := base
	for i := 0; i < n && delay < ceiling; i++ {
		delay *= 2
	}
	if delay > ceiling {
		delay = ceiling
	}
	return delay
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func captureDeliveryFailure(ev models.WebhookEvent, err error) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("webhook_key", ev.Key)
		scope.SetTag(ev.Payload.Type+"_id", ev.Payload.ID)
		scope.SetContext("webhook", sentry.Context{
			"url":    ev.URL,
			"status": string(ev.Payload.Status),
		})
		sentry.CaptureException(err)
	})
}

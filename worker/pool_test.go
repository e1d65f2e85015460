package worker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"fileconvert/config"
	"fileconvert/models"
	"fileconvert/pipeline"
	"fileconvert/registry"
	"fileconvert/services"
)

// recordingNotifier claims keys like the webhook notifier does and keeps the
// events that won.
type recordingNotifier struct {
	store  pipeline.JobStore
	mu     sync.Mutex
	events []models.WebhookEvent
}

func (n *recordingNotifier) Notify(ctx context.Context, ev models.WebhookEvent) error {
	ok, err := n.store.ClaimNotification(ctx, ev)
	if err != nil || !ok {
		return err
	}
	n.mu.Lock()
	n.events = append(n.events, ev)
	n.mu.Unlock()
	return nil
}

func (n *recordingNotifier) Events() []models.WebhookEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]models.WebhookEvent(nil), n.events...)
}

type harness struct {
	cfg      *config.Config
	store    *services.MemoryStore
	quota    *services.MemoryQuota
	queue    *services.MemoryQueue
	blobs    *services.MemoryBlobStore
	notifier *recordingNotifier
	deps     pipeline.Deps
	svc      *pipeline.Service
	pool     *Pool
}

func testConfig() *config.Config {
	return &config.Config{
		WorkerCount:        1,
		ConversionTimeout:  2 * time.Second,
		TimeoutPerMB:       time.Second,
		TimeoutMax:         5 * time.Second,
		BackoffBase:        time.Millisecond,
		BackoffMax:         5 * time.Millisecond,
		PollInterval:       5 * time.Millisecond,
		RecoveryInterval:   time.Hour,
		QuotaResetInterval: time.Hour,
		LeaseTimeout:       time.Minute,
	}
}

func newHarness(t *testing.T, cfg *config.Config, conv registry.Converter, maxRetries int) *harness {
	t.Helper()

	reg := registry.New()
	for _, name := range []string{"pdf", "txt", "docx"} {
		reg.RegisterFormat(registry.Format{Name: name, Category: "document", Input: true, Output: true})
	}
	if err := reg.Register("pdf", "txt", conv); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := reg.Register("pdf", "docx", conv); err != nil {
		t.Fatalf("Register: %v", err)
	}

	h := &harness{
		cfg:   cfg,
		store: services.NewMemoryStore(),
		quota: services.NewMemoryQuota(services.QuotaLimits{Conversions: 10, StorageMB: 100}),
		queue: services.NewMemoryQueue(cfg.PollInterval),
		blobs: services.NewMemoryBlobStore(),
	}
	h.notifier = &recordingNotifier{store: h.store}

	deps := pipeline.Deps{
		Store:    h.store,
		Quota:    h.quota,
		Queue:    h.queue,
		Blobs:    h.blobs,
		Registry: reg,
		Notifier: h.notifier,
		Limits:   pipeline.Limits{MaxInputBytes: 1 << 20, DefaultPriority: 2, MaxRetries: maxRetries, MaxBatchFiles: 10},
	}
	h.deps = deps
	h.svc = pipeline.NewService(deps)
	h.pool = NewPool(cfg, deps, h.svc.Coordinator())
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	startWorker(t, h.pool, 1)
}

func startWorker(t *testing.T, p *Pool, workerID int) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.StartWorker(ctx, workerID)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (h *harness) waitTerminal(t *testing.T, id string) *models.ConversionJob {
	t.Helper()
	var job *models.ConversionJob
	waitFor(t, "job "+id+" to finish", func() bool {
		j, err := h.store.GetJob(context.Background(), id)
		if err != nil {
			t.Fatalf("GetJob: %v", err)
		}
		job = j
		return j.IsTerminal() && j.Finalized
	})
	if err := job.CheckInvariants(); err != nil {
		t.Errorf("invariants: %v", err)
	}
	return job
}

func (h *harness) submit(t *testing.T, input string, maxRetries *int) *models.ConversionJob {
	t.Helper()
	job, err := h.svc.SubmitJob(context.Background(), pipeline.SubmitRequest{
		UserID:       "user-1",
		Input:        []byte(input),
		InputFormat:  "pdf",
		OutputFormat: "txt",
		WebhookURL:   "http://hooks.test/job",
		MaxRetries:   maxRetries,
	})
	if err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}
	return job
}

func intPtr(n int) *int { return &n }

func TestPool_RetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	conv := registry.ConverterFunc(func(ctx context.Context, in []byte, from, to string, opts map[string]any) ([]byte, error) {
		if calls.Add(1) <= 2 {
			return nil, errors.New("transient converter failure")
		}
		return []byte("extracted text"), nil
	})
	h := newHarness(t, testConfig(), conv, 3)

	job := h.submit(t, "%PDF-1.4", intPtr(2))
	h.start(t)

	got := h.waitTerminal(t, job.ID)
	if got.Status != models.StatusCompleted {
		t.Fatalf("status = %s, want completed (error %q)", got.Status, got.ErrorMessage)
	}
	if got.RetryCount != 2 {
		t.Errorf("retry_count = %d, want 2", got.RetryCount)
	}
	if got.ProgressPercentage != 100 || got.OutputSizeBytes != int64(len("extracted text")) {
		t.Errorf("progress=%d output=%d", got.ProgressPercentage, got.OutputSizeBytes)
	}
	if calls.Load() != 3 {
		t.Errorf("converter calls = %d, want 3", calls.Load())
	}

	rec, _ := h.quota.Get(context.Background(), "user-1")
	if rec.ConversionsUsed != 1 {
		t.Errorf("conversions_used = %d, want 1", rec.ConversionsUsed)
	}
	if res, _ := h.quota.Reservation(got.ReservationID); res.State != models.ReservationCommitted {
		t.Errorf("reservation state = %s", res.State)
	}

	out, _, err := h.svc.DownloadResult(context.Background(), "user-1", job.ID)
	if err != nil || string(out) != "extracted text" {
		t.Errorf("DownloadResult = %q, %v", out, err)
	}

	events := h.notifier.Events()
	if len(events) != 1 || events[0].Payload.Status != models.StatusCompleted {
		t.Fatalf("events = %+v, want one completed", events)
	}
	if events[0].Payload.OutputDownloadRef != pipeline.OutputKey(job.ID, got.Attempt, "txt") {
		t.Errorf("output_download_ref = %q", events[0].Payload.OutputDownloadRef)
	}
}

func TestPool_ExhaustedRetriesFail(t *testing.T) {
	conv := registry.ConverterFunc(func(context.Context, []byte, string, string, map[string]any) ([]byte, error) {
		return nil, errors.New("unreadable document")
	})
	h := newHarness(t, testConfig(), conv, 1)

	job := h.submit(t, "%PDF-1.4", nil)
	h.start(t)

	got := h.waitTerminal(t, job.ID)
	if got.Status != models.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if got.RetryCount != 1 || !strings.Contains(got.ErrorMessage, "unreadable document") {
		t.Errorf("retry_count=%d error=%q", got.RetryCount, got.ErrorMessage)
	}

	rec, _ := h.quota.Get(context.Background(), "user-1")
	if rec.ConversionsUsed != 0 || rec.StorageUsedMB != 0 {
		t.Errorf("quota not released: %+v", rec)
	}

	events := h.notifier.Events()
	if len(events) != 1 || events[0].Payload.Status != models.StatusFailed || events[0].Payload.ErrorMessage == "" {
		t.Fatalf("events = %+v, want one failed", events)
	}

	// A manual retry gets a fresh reservation and a distinct notification key.
	retried, err := h.svc.RetryJob(context.Background(), "user-1", job.ID)
	if err != nil {
		t.Fatalf("RetryJob: %v", err)
	}
	if retried.Generation != 1 || retried.ReservationID == got.ReservationID {
		t.Errorf("unexpected retried job %+v", retried)
	}
	h.waitTerminal(t, job.ID)
	events = h.notifier.Events()
	if len(events) != 2 || events[0].Key == events[1].Key {
		t.Fatalf("expected a second, distinct failed event, got %+v", events)
	}
}

func TestPool_BatchFailsOnlyWhenAllMembersTerminal(t *testing.T) {
	releaseC := make(chan struct{})
	conv := registry.ConverterFunc(func(ctx context.Context, in []byte, from, to string, opts map[string]any) ([]byte, error) {
		switch string(in) {
		case "B":
			return nil, errors.New("corrupt member")
		case "C":
			select {
			case <-releaseC:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return []byte("docx:" + string(in)), nil
	})
	h := newHarness(t, testConfig(), conv, 0)
	ctx := context.Background()

	batch, err := h.svc.SubmitBatch(ctx, pipeline.BatchRequest{
		UserID:       "user-1",
		OutputFormat: "docx",
		WebhookURL:   "http://hooks.test/batch",
		Files: []pipeline.BatchFile{
			{Filename: "a.pdf", Data: []byte("A")},
			{Filename: "b.pdf", Data: []byte("B")},
			{Filename: "c.pdf", Data: []byte("C")},
		},
	})
	if err != nil {
		t.Fatalf("SubmitBatch: %v", err)
	}
	h.start(t)

	waitFor(t, "A completed, B failed, C processing", func() bool {
		st, err := h.svc.GetBatchStatus(ctx, "user-1", batch.ID)
		if err != nil {
			t.Fatalf("GetBatchStatus: %v", err)
		}
		return st.Jobs[0].Status == models.StatusCompleted &&
			st.Jobs[1].Status == models.StatusFailed &&
			st.Jobs[2].Status == models.StatusProcessing
	})

	st, _ := h.svc.GetBatchStatus(ctx, "user-1", batch.ID)
	if st.Status != models.StatusProcessing {
		t.Fatalf("batch status = %s before all members finished, want processing", st.Status)
	}
	if len(h.notifier.Events()) != 0 {
		t.Fatalf("batch notified early: %+v", h.notifier.Events())
	}

	close(releaseC)

	waitFor(t, "batch failed", func() bool {
		b, _ := h.store.GetBatch(ctx, batch.ID)
		return b.Status == models.StatusFailed
	})
	b, _ := h.store.GetBatch(ctx, batch.ID)
	if b.CompletedFiles != 2 || b.FailedFiles != 1 || b.TotalFiles != 3 || b.CompletedAt == nil {
		t.Errorf("unexpected batch counts %+v", b)
	}

	for i := 0; i < 3; i++ {
		if _, err := h.svc.Coordinator().Recompute(ctx, batch.ID); err != nil {
			t.Fatalf("Recompute: %v", err)
		}
	}
	events := h.notifier.Events()
	if len(events) != 1 || events[0].Payload.Type != models.EventKindBatch || events[0].Payload.Status != models.StatusFailed {
		t.Fatalf("events = %+v, want exactly one failed batch event", events)
	}
}

func TestPool_CooperativeCancel(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	conv := registry.ConverterFunc(func(ctx context.Context, in []byte, from, to string, opts map[string]any) ([]byte, error) {
		close(entered)
		<-release
		return []byte("partial"), nil
	})
	h := newHarness(t, testConfig(), conv, 3)
	ctx := context.Background()

	job := h.submit(t, "%PDF-1.4", nil)
	h.start(t)

	select {
	case <-entered:
	case <-time.After(3 * time.Second):
		t.Fatal("converter never started")
	}

	flagged, err := h.svc.CancelJob(ctx, "user-1", job.ID)
	if err != nil {
		t.Fatalf("CancelJob: %v", err)
	}
	if flagged.Status != models.StatusProcessing || !flagged.CancelRequested {
		t.Fatalf("running job should only be flagged, got %s", flagged.Status)
	}
	close(release)

	got := h.waitTerminal(t, job.ID)
	if got.Status != models.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}
	for _, key := range h.blobs.Keys() {
		if strings.HasPrefix(key, "outputs/") {
			t.Errorf("partial output %s was kept", key)
		}
	}
	rec, _ := h.quota.Get(ctx, "user-1")
	if rec.ConversionsUsed != 0 {
		t.Errorf("conversions_used = %d, want 0", rec.ConversionsUsed)
	}
	events := h.notifier.Events()
	if len(events) != 1 || events[0].Payload.Status != models.StatusCancelled {
		t.Fatalf("events = %+v, want one cancelled", events)
	}
}

func TestPool_TimeoutIsAConversionFailure(t *testing.T) {
	cfg := testConfig()
	cfg.ConversionTimeout = 30 * time.Millisecond
	cfg.TimeoutMax = 30 * time.Millisecond

	conv := registry.ConverterFunc(func(context.Context, []byte, string, string, map[string]any) ([]byte, error) {
		time.Sleep(300 * time.Millisecond)
		return []byte("too late"), nil
	})
	h := newHarness(t, cfg, conv, 0)

	job := h.submit(t, "%PDF-1.4", nil)
	h.start(t)

	got := h.waitTerminal(t, job.ID)
	if got.Status != models.StatusFailed || !strings.Contains(got.ErrorMessage, "timed out") {
		t.Fatalf("status=%s error=%q, want failed timeout", got.Status, got.ErrorMessage)
	}
}

func TestPool_ConverterPanicIsRecovered(t *testing.T) {
	conv := registry.ConverterFunc(func(context.Context, []byte, string, string, map[string]any) ([]byte, error) {
		panic("nil table")
	})
	h := newHarness(t, testConfig(), conv, 0)

	job := h.submit(t, "%PDF-1.4", nil)
	h.start(t)

	got := h.waitTerminal(t, job.ID)
	if got.Status != models.StatusFailed || !strings.Contains(got.ErrorMessage, "panic") {
		t.Fatalf("status=%s error=%q, want failed panic", got.Status, got.ErrorMessage)
	}
}

func TestPool_ProgressIsMappedIntoProcessingBand(t *testing.T) {
	reported := make(chan struct{})
	release := make(chan struct{})
	conv := registry.ConverterFunc(func(ctx context.Context, in []byte, from, to string, opts map[string]any) ([]byte, error) {
		registry.ReportProgress(ctx, 50)
		close(reported)
		<-release
		return []byte("ok"), nil
	})
	h := newHarness(t, testConfig(), conv, 0)

	job := h.submit(t, "%PDF-1.4", nil)
	h.start(t)
	<-reported

	got, _ := h.store.GetJob(context.Background(), job.ID)
	if got.ProgressPercentage != 45 {
		t.Errorf("progress = %d, want 45", got.ProgressPercentage)
	}
	close(release)

	if got := h.waitTerminal(t, job.ID); got.ProgressPercentage != 100 {
		t.Errorf("final progress = %d", got.ProgressPercentage)
	}
}

func TestPool_RecoverOrphaned(t *testing.T) {
	conv := registry.ConverterFunc(func(context.Context, []byte, string, string, map[string]any) ([]byte, error) {
		return []byte("ok"), nil
	})
	h := newHarness(t, testConfig(), conv, 3)
	ctx := context.Background()

	crashed := h.submit(t, "one", nil)
	lost := h.submit(t, "two", nil)

	// Drain the queue: one job was claimed by a worker that died, the other
	// entry vanished with it.
	for i := 0; i < 2; i++ {
		if _, err := h.queue.Dequeue(ctx); err != nil {
			t.Fatalf("Dequeue: %v", err)
		}
	}
	// The dead worker last renewed its lease well past LeaseTimeout ago.
	h.store.SetClock(func() time.Time { return time.Now().UTC().Add(-2 * h.cfg.LeaseTimeout) })
	if _, err := h.store.MarkProcessing(ctx, crashed.ID); err != nil {
		t.Fatalf("MarkProcessing: %v", err)
	}
	h.store.SetClock(func() time.Time { return time.Now().UTC() })

	if _, err := h.pool.RecoverOrphaned(ctx); err != nil {
		t.Fatalf("RecoverOrphaned: %v", err)
	}

	got, _ := h.store.GetJob(ctx, crashed.ID)
	if got.Status != models.StatusPending || got.RetryCount != 1 {
		t.Errorf("crashed job status=%s retry=%d, want pending/1", got.Status, got.RetryCount)
	}
	if n, _ := h.queue.Len(ctx); n != 2 {
		t.Errorf("queue length = %d, want 2", n)
	}

	h.start(t)
	if got := h.waitTerminal(t, lost.ID); got.Status != models.StatusCompleted {
		t.Errorf("lost job status = %s", got.Status)
	}
	if got := h.waitTerminal(t, crashed.ID); got.Status != models.StatusCompleted {
		t.Errorf("crashed job status = %s", got.Status)
	}
}

func TestPool_RecoveryLeavesLiveJobAlone(t *testing.T) {
	cfg := testConfig()
	cfg.LeaseTimeout = 60 * time.Millisecond

	entered := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	conv := registry.ConverterFunc(func(ctx context.Context, in []byte, from, to string, opts map[string]any) ([]byte, error) {
		if calls.Add(1) == 1 {
			close(entered)
		}
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return []byte("converted once"), nil
	})
	h := newHarness(t, cfg, conv, 3)
	ctx := context.Background()

	job := h.submit(t, "%PDF-1.4", nil)
	h.start(t)
	<-entered

	// A second deployment sharing the store runs recovery and a worker while
	// the first one is still converting, long enough for an unrenewed lease
	// to expire several times over.
	peer := NewPool(cfg, h.deps, h.svc.Coordinator())
	startWorker(t, peer, 2)
	for i := 0; i < 5; i++ {
		time.Sleep(cfg.LeaseTimeout)
		if _, err := peer.RecoverOrphaned(ctx); err != nil {
			t.Fatalf("RecoverOrphaned: %v", err)
		}
	}

	got, _ := h.store.GetJob(ctx, job.ID)
	if got.Status != models.StatusProcessing || got.Attempt != 1 || got.RetryCount != 0 {
		t.Fatalf("live job was disturbed: status=%s attempt=%d retry=%d", got.Status, got.Attempt, got.RetryCount)
	}
	close(release)

	got = h.waitTerminal(t, job.ID)
	if got.Status != models.StatusCompleted || got.RetryCount != 0 {
		t.Fatalf("status=%s retry=%d, want completed on the first attempt", got.Status, got.RetryCount)
	}
	if calls.Load() != 1 {
		t.Errorf("converter calls = %d, want 1", calls.Load())
	}
	out, _, err := h.svc.DownloadResult(ctx, "user-1", job.ID)
	if err != nil || string(out) != "converted once" {
		t.Errorf("DownloadResult = %q, %v", out, err)
	}
}

func TestPool_LostLeaseAbandonsAttempt(t *testing.T) {
	cfg := testConfig()
	cfg.LeaseTimeout = 30 * time.Millisecond

	entered := make(chan struct{})
	stopped := make(chan error, 1)
	conv := registry.ConverterFunc(func(ctx context.Context, in []byte, from, to string, opts map[string]any) ([]byte, error) {
		close(entered)
		<-ctx.Done()
		stopped <- ctx.Err()
		return nil, ctx.Err()
	})
	h := newHarness(t, cfg, conv, 3)
	ctx := context.Background()

	job := h.submit(t, "%PDF-1.4", nil)
	h.start(t)
	<-entered

	// Another instance takes the job over, as recovery would after a stall.
	reclaimed, err := h.store.ReclaimStale(ctx, job.ID, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("ReclaimStale: %v", err)
	}

	select {
	case <-stopped:
	case <-time.After(3 * time.Second):
		t.Fatal("converter was not cancelled after the lease was lost")
	}

	// Give the worker time to run its failure path, if it wrongly took one.
	time.Sleep(50 * time.Millisecond)
	got, _ := h.store.GetJob(ctx, job.ID)
	if got.Status != models.StatusProcessing || got.Attempt != reclaimed.Attempt || got.RetryCount != 0 {
		t.Fatalf("superseded worker touched the job: status=%s attempt=%d retry=%d", got.Status, got.Attempt, got.RetryCount)
	}
	for _, key := range h.blobs.Keys() {
		if strings.HasPrefix(key, "outputs/") {
			t.Errorf("abandoned attempt wrote %s", key)
		}
	}
}

func TestPool_SupersededAttemptKeepsOutputsApart(t *testing.T) {
	conv := registry.ConverterFunc(func(context.Context, []byte, string, string, map[string]any) ([]byte, error) {
		return []byte("fresh"), nil
	})
	h := newHarness(t, testConfig(), conv, 3)
	ctx := context.Background()

	job := h.submit(t, "%PDF-1.4", nil)
	if _, err := h.queue.Dequeue(ctx); err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	h.store.SetClock(func() time.Time { return time.Now().UTC().Add(-2 * h.cfg.LeaseTimeout) })
	zombie, err := h.store.MarkProcessing(ctx, job.ID)
	if err != nil {
		t.Fatalf("MarkProcessing: %v", err)
	}
	h.store.SetClock(func() time.Time { return time.Now().UTC() })

	if _, err := h.pool.RecoverOrphaned(ctx); err != nil {
		t.Fatalf("RecoverOrphaned: %v", err)
	}
	h.start(t)
	got := h.waitTerminal(t, job.ID)
	if got.Status != models.StatusCompleted || got.Attempt <= zombie.Attempt {
		t.Fatalf("status=%s attempt=%d", got.Status, got.Attempt)
	}

	// The stalled worker wakes up and tries to finish its attempt.
	staleKey := pipeline.OutputKey(job.ID, zombie.Attempt, "txt")
	_ = h.blobs.Put(ctx, staleKey, []byte("stale"), "text/plain")
	if _, err := h.store.MarkCompleted(ctx, job.ID, zombie.Attempt, staleKey, 5); !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("stale MarkCompleted err = %v, want ErrInvalidTransition", err)
	}
	_ = h.blobs.Delete(ctx, staleKey)

	out, _, err := h.svc.DownloadResult(ctx, "user-1", job.ID)
	if err != nil || string(out) != "fresh" {
		t.Fatalf("DownloadResult = %q, %v", out, err)
	}
}

func TestRecovery_FinishesInterruptedFollowUp(t *testing.T) {
	conv := registry.ConverterFunc(func(context.Context, []byte, string, string, map[string]any) ([]byte, error) {
		return []byte("ok"), nil
	})
	h := newHarness(t, testConfig(), conv, 0)
	ctx := context.Background()

	batch, err := h.svc.SubmitBatch(ctx, pipeline.BatchRequest{
		UserID:       "user-1",
		OutputFormat: "txt",
		WebhookURL:   "http://hooks.test/batch",
		Files:        []pipeline.BatchFile{{Filename: "a.pdf", Data: []byte("A")}},
	})
	if err != nil {
		t.Fatalf("SubmitBatch: %v", err)
	}
	id := batch.JobIDs[0]

	// A worker stores the terminal transition and dies before settling quota,
	// notifying or recomputing the batch.
	claimed, err := h.store.MarkProcessing(ctx, id)
	if err != nil {
		t.Fatalf("MarkProcessing: %v", err)
	}
	key := pipeline.OutputKey(id, claimed.Attempt, "txt")
	_ = h.blobs.Put(ctx, key, []byte("ok"), "text/plain")
	if _, err := h.store.MarkCompleted(ctx, id, claimed.Attempt, key, 2); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}
	if b, _ := h.store.GetBatch(ctx, batch.ID); b.Status.IsTerminal() {
		t.Fatalf("batch already %s before recovery", b.Status)
	}

	n, err := h.pool.RecoverOrphaned(ctx)
	if err != nil {
		t.Fatalf("RecoverOrphaned: %v", err)
	}
	if n != 1 {
		t.Errorf("RecoverOrphaned touched %d jobs, want 1", n)
	}

	job, _ := h.store.GetJob(ctx, id)
	if !job.Finalized {
		t.Error("job not marked finalized")
	}
	if res, _ := h.quota.Reservation(job.ReservationID); res.State != models.ReservationCommitted {
		t.Errorf("reservation state = %s, want committed", res.State)
	}
	b, _ := h.store.GetBatch(ctx, batch.ID)
	if b.Status != models.StatusCompleted || b.CompletedFiles != 1 {
		t.Errorf("batch = %s (%d completed), want completed", b.Status, b.CompletedFiles)
	}
	events := h.notifier.Events()
	if len(events) != 1 || events[0].Payload.Type != models.EventKindBatch {
		t.Fatalf("events = %+v, want one batch event", events)
	}

	// A second sweep finds nothing left to do.
	if n, _ := h.pool.RecoverOrphaned(ctx); n != 0 {
		t.Errorf("second sweep touched %d jobs", n)
	}
	if len(h.notifier.Events()) != 1 {
		t.Errorf("replay notified twice")
	}
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		retry int
		want  time.Duration
	}{
		{0, 2 * time.Second},
		{1, 4 * time.Second},
		{2, 8 * time.Second},
		{3, 16 * time.Second},
		{4, 30 * time.Second},
		{40, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := Backoff(2*time.Second, 30*time.Second, tt.retry); got != tt.want {
			t.Errorf("Backoff(retry=%d) = %v, want %v", tt.retry, got, tt.want)
		}
	}
}

func TestTimeoutFor(t *testing.T) {
	p := &Pool{config: &config.Config{
		ConversionTimeout: 120 * time.Second,
		TimeoutPerMB:      2 * time.Second,
		TimeoutMax:        900 * time.Second,
	}}
	tests := []struct {
		bytes int64
		want  time.Duration
	}{
		{0, 120 * time.Second},
		{1, 122 * time.Second},
		{10 * 1024 * 1024, 140 * time.Second},
		{1024 * 1024 * 1024, 900 * time.Second},
	}
	for _, tt := range tests {
		if got := p.timeoutFor(tt.bytes); got != tt.want {
			t.Errorf("timeoutFor(%d) = %v, want %v", tt.bytes, got, tt.want)
		}
	}
}

package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"fileconvert/models"
	"fileconvert/services"
)

func testOptions() Options {
	return Options{
		MaxAttempts: 3,
		BackoffBase: time.Millisecond,
		BackoffMax:  5 * time.Millisecond,
		Timeout:     time.Second,
		Workers:     2,
	}
}

func jobEvent(url, id string, status models.JobStatus) models.WebhookEvent {
	return models.WebhookEvent{
		Key: models.NotificationKey(models.EventKindJob, id, 0, status),
		URL: url,
		Payload: models.WebhookPayload{
			ID:        id,
			Type:      models.EventKindJob,
			Status:    status,
			Timestamp: time.Now().UTC(),
		},
	}
}

func stopNotifier(t *testing.T, n *Notifier) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := n.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestNotify_DeliversOncePerKey(t *testing.T) {
	var (
		mu       sync.Mutex
		requests []*http.Request
		bodies   []models.WebhookPayload
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p models.WebhookPayload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			t.Errorf("decode body: %v", err)
		}
		mu.Lock()
		requests = append(requests, r)
		bodies = append(bodies, p)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	store := services.NewMemoryStore()
	n := NewNotifier(store, testOptions())
	n.Start(context.Background())

	ev := jobEvent(srv.URL+"/hook", "job-1", models.StatusCompleted)
	ev.Payload.OutputDownloadRef = "outputs/job-1.txt"
	for i := 0; i < 3; i++ {
		if err := n.Notify(context.Background(), ev); err != nil {
			t.Fatalf("Notify: %v", err)
		}
	}
	stopNotifier(t, n)

	mu.Lock()
	defer mu.Unlock()
	if len(requests) != 1 {
		t.Fatalf("requests = %d, want 1", len(requests))
	}
	r := requests[0]
	if r.Method != http.MethodPost || r.URL.Path != "/hook" {
		t.Errorf("request = %s %s", r.Method, r.URL.Path)
	}
	if got := r.Header.Get("X-Webhook-Event"); got != "job.completed" {
		t.Errorf("X-Webhook-Event = %q", got)
	}
	if got := r.Header.Get("User-Agent"); got != userAgent {
		t.Errorf("User-Agent = %q", got)
	}
	if got := r.Header.Get("X-Webhook-Key"); got != ev.Key {
		t.Errorf("X-Webhook-Key = %q", got)
	}
	if bodies[0].ID != "job-1" || bodies[0].OutputDownloadRef != "outputs/job-1.txt" {
		t.Errorf("payload = %+v", bodies[0])
	}

	rec, ok := store.Delivery(ev.Key)
	if !ok || !rec.Delivered || rec.Attempts != 1 || rec.LastError != "" {
		t.Errorf("delivery record = %+v", rec)
	}
}

func TestNotify_RetriesUntilSuccess(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := services.NewMemoryStore()
	n := NewNotifier(store, testOptions())
	n.Start(context.Background())

	ev := jobEvent(srv.URL, "job-2", models.StatusFailed)
	if err := n.Notify(context.Background(), ev); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	stopNotifier(t, n)

	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
	rec, _ := store.Delivery(ev.Key)
	if !rec.Delivered || rec.Attempts != 3 {
		t.Errorf("delivery record = %+v", rec)
	}
}

func TestNotify_GivesUpAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	store := services.NewMemoryStore()
	n := NewNotifier(store, testOptions())
	n.Start(context.Background())

	ev := jobEvent(srv.URL, "job-3", models.StatusCancelled)
	if err := n.Notify(context.Background(), ev); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	stopNotifier(t, n)

	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
	rec, _ := store.Delivery(ev.Key)
	if rec.Delivered || rec.Attempts != 3 || !strings.Contains(rec.LastError, "503") {
		t.Errorf("delivery record = %+v", rec)
	}
}

func TestNotify_QueuedBeforeStart(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	store := services.NewMemoryStore()
	n := NewNotifier(store, testOptions())
	for _, id := range []string{"a", "b", "c", "d"} {
		if err := n.Notify(context.Background(), jobEvent(srv.URL, id, models.StatusCompleted)); err != nil {
			t.Fatalf("Notify: %v", err)
		}
	}
	n.Start(context.Background())
	stopNotifier(t, n)

	if calls.Load() != 4 {
		t.Errorf("calls = %d, want 4", calls.Load())
	}
}

func TestNotify_AfterStopIsRedeliveredByNextNotifier(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	store := services.NewMemoryStore()
	n := NewNotifier(store, testOptions())
	n.Start(context.Background())
	stopNotifier(t, n)

	ev := jobEvent(srv.URL, "late", models.StatusCompleted)
	if err := n.Notify(context.Background(), ev); err != nil {
		t.Fatalf("Notify after Stop: %v", err)
	}
	rec, ok := store.Delivery(ev.Key)
	if !ok || rec.Delivered || rec.Attempts != 0 {
		t.Fatalf("delivery record = %+v", rec)
	}

	next := NewNotifier(store, testOptions())
	next.Start(context.Background())
	stopNotifier(t, next)

	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
	if rec, _ := store.Delivery(ev.Key); !rec.Delivered || rec.Attempts != 1 {
		t.Errorf("delivery record = %+v", rec)
	}
}

func TestNotify_StalledEndpointDoesNotBlockCallers(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	store := services.NewMemoryStore()
	opts := testOptions()
	opts.Workers = 1
	opts.QueueSize = 2
	opts.Timeout = 5 * time.Second
	n := NewNotifier(store, opts)
	n.Start(context.Background())

	var events []models.WebhookEvent
	start := time.Now()
	for i := 0; i < 10; i++ {
		ev := jobEvent(srv.URL, fmt.Sprintf("stalled-%d", i), models.StatusCompleted)
		events = append(events, ev)
		if err := n.Notify(context.WithoutCancel(context.Background()), ev); err != nil {
			t.Fatalf("Notify %d: %v", i, err)
		}
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Notify blocked for %v behind a stalled endpoint", elapsed)
	}
	for _, ev := range events {
		if _, ok := store.Delivery(ev.Key); !ok {
			t.Fatalf("event %s was not persisted", ev.Key)
		}
	}

	close(release)
	stopNotifier(t, n)

	opts.QueueSize = 16
	next := NewNotifier(store, opts)
	next.Start(context.Background())
	stopNotifier(t, next)

	for _, ev := range events {
		if rec, _ := store.Delivery(ev.Key); !rec.Delivered {
			t.Errorf("event %s not delivered: %+v", ev.Key, rec)
		}
	}
	if calls.Load() != int32(len(events)) {
		t.Errorf("calls = %d, want %d", calls.Load(), len(events))
	}
}

func TestSweep_ResumesAttemptBudget(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	store := services.NewMemoryStore()
	ctx := context.Background()

	partial := jobEvent(srv.URL, "partial", models.StatusFailed)
	exhausted := jobEvent(srv.URL, "exhausted", models.StatusFailed)
	for _, ev := range []models.WebhookEvent{partial, exhausted} {
		if _, err := store.ClaimNotification(ctx, ev); err != nil {
			t.Fatalf("ClaimNotification: %v", err)
		}
	}
	if err := store.RecordDelivery(ctx, partial.Key, 2, "earlier failure", false); err != nil {
		t.Fatalf("RecordDelivery: %v", err)
	}
	if err := store.RecordDelivery(ctx, exhausted.Key, 3, "earlier failure", false); err != nil {
		t.Fatalf("RecordDelivery: %v", err)
	}

	n := NewNotifier(store, testOptions())
	n.Start(ctx)
	stopNotifier(t, n)

	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1 (one attempt left on partial, none on exhausted)", calls.Load())
	}
	if rec, _ := store.Delivery(partial.Key); rec.Attempts != 3 || rec.Delivered {
		t.Errorf("partial record = %+v", rec)
	}
	if rec, _ := store.Delivery(exhausted.Key); rec.Attempts != 3 {
		t.Errorf("exhausted record = %+v", rec)
	}
}

func TestDeliver_SkipsEventLockedByAnotherInstance(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	store := services.NewMemoryStore()
	ctx := context.Background()
	ev := jobEvent(srv.URL, "locked", models.StatusCompleted)
	if _, err := store.ClaimNotification(ctx, ev); err != nil {
		t.Fatalf("ClaimNotification: %v", err)
	}
	if _, ok, err := store.AcquireDelivery(ctx, ev.Key, "other-instance", 3, time.Now().Add(time.Hour)); err != nil || !ok {
		t.Fatalf("AcquireDelivery = %v, %v", ok, err)
	}

	n := NewNotifier(store, testOptions())
	n.deliver(ctx, ev)

	if calls.Load() != 0 {
		t.Errorf("calls = %d, want 0", calls.Load())
	}
	if rec, _ := store.Delivery(ev.Key); rec.Delivered || rec.Owner != "other-instance" {
		t.Errorf("delivery record = %+v", rec)
	}
}

func TestStop_AbandonsRetriesWhenContextEnds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	opts := testOptions()
	opts.MaxAttempts = 100
	opts.BackoffBase = time.Hour
	opts.BackoffMax = time.Hour

	n := NewNotifier(services.NewMemoryStore(), opts)
	n.Start(context.Background())
	if err := n.Notify(context.Background(), jobEvent(srv.URL, "slow", models.StatusFailed)); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	if err := n.Stop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Stop error = %v, want deadline exceeded", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Stop took %v", elapsed)
	}
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		n    int
		want time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{5, 32 * time.Second},
		{6, time.Minute},
		{60, time.Minute},
	}
	for _, tt := range tests {
		if got := backoff(time.Second, time.Minute, tt.n); got != tt.want {
			t.Errorf("backoff(%d) = %v, want %v", tt.n, got, tt.want)
		}
	}
}

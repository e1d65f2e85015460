package models

import (
	"fmt"
	"time"
)

const (
	EventKindJob   = "job"
	EventKindBatch = "batch"
)

// WebhookPayload is the body POSTed to a webhook_url on a terminal transition.
type WebhookPayload struct {
	ID                string    `json:"id"`
	Type              string    `json:"type"`
	Status            JobStatus `json:"status"`
	OutputDownloadRef string    `json:"output_download_ref,omitempty"`
	ErrorMessage      string    `json:"error_message,omitempty"`
	TotalFiles        int       `json:"total_files,omitempty"`
	CompletedFiles    int       `json:"completed_files,omitempty"`
	FailedFiles       int       `json:"failed_files,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
}

// NotificationKey identifies one terminal transition. The generation changes
// when a failed job is manually re-admitted, so a later outcome gets its own key.
func NotificationKey(kind, id string, generation int, status JobStatus) string {
	return fmt.Sprintf("%s:%s:%d:%s", kind, id, generation, status)
}

// JobPayload builds the webhook body for a terminal job.
func JobPayload(job *ConversionJob, now time.Time) WebhookPayload {
	p := WebhookPayload{
		ID:        job.ID,
		Type:      EventKindJob,
		Status:    job.Status,
		Timestamp: now,
	}
	if job.Status == StatusCompleted {
		p.OutputDownloadRef = job.OutputRef
	}
	if job.Status == StatusFailed {
		p.ErrorMessage = job.ErrorMessage
	}
	return p
}

// BatchPayload builds the webhook body for a terminal batch.
func BatchPayload(batch *BatchJob, now time.Time) WebhookPayload {
	return WebhookPayload{
		ID:             batch.ID,
		Type:           EventKindBatch,
		Status:         batch.Status,
		TotalFiles:     batch.TotalFiles,
		CompletedFiles: batch.CompletedFiles,
		FailedFiles:    batch.FailedFiles,
		Timestamp:      now,
	}
}

// WebhookEvent is one terminal transition to announce. Key deduplicates
// deliveries of the same transition. Attempts counts delivery attempts already
// made when the event is loaded back from the store.
type WebhookEvent struct {
	Key      string
	URL      string
	Payload  WebhookPayload
	Attempts int
}

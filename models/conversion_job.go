package models

import (
	"fmt"
	"time"
)

// ConversionJob is the durable record of one file conversion request.
type ConversionJob struct {
	ID                 string         `json:"id"`
	Seq                int64          `json:"-"`
	UserID             string         `json:"user_id"`
	BatchID            string         `json:"batch_id,omitempty"`
	InputFormat        string         `json:"input_format"`
	OutputFormat       string         `json:"output_format"`
	Options            map[string]any `json:"options,omitempty"`
	Status             JobStatus      `json:"status"`
	Priority           int            `json:"priority"`
	ProgressPercentage int            `json:"progress_percentage"`
	RetryCount         int            `json:"retry_count"`
	MaxRetries         int            `json:"max_retries"`
	Generation         int            `json:"-"`
	Attempt            int            `json:"-"`
	Finalized          bool           `json:"-"`
	InputSizeBytes     int64          `json:"input_size_bytes"`
	OutputSizeBytes    int64          `json:"output_size_bytes,omitempty"`
	InputRef           string         `json:"-"`
	OutputRef          string         `json:"output_download_ref,omitempty"`
	ReservationID      string         `json:"-"`
	WebhookURL         string         `json:"webhook_url,omitempty"`
	ErrorMessage       string         `json:"error_message,omitempty"`
	CancelRequested    bool           `json:"cancel_requested,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
	AvailableAt        time.Time      `json:"-"`
	StartedAt          *time.Time     `json:"started_at,omitempty"`
	CompletedAt        *time.Time     `json:"completed_at,omitempty"`
}

// IsTerminal reports whether the job has reached completed, failed or cancelled.
func (j *ConversionJob) IsTerminal() bool {
	return j.Status.IsTerminal()
}

// Duration returns the processing wall time of a finished job.
func (j *ConversionJob) Duration() time.Duration {
	if j.StartedAt == nil || j.CompletedAt == nil {
		return 0
	}
	return j.CompletedAt.Sub(*j.StartedAt)
}

// RetriesLeft reports whether an automatic retry is still allowed.
func (j *ConversionJob) RetriesLeft() bool {
	return j.RetryCount < j.MaxRetries
}

// Clone returns a deep copy so snapshots never alias store state.
func (j *ConversionJob) Clone() *ConversionJob {
	if j == nil {
		return nil
	}
	c := *j
	if j.Options != nil {
		c.Options = make(map[string]any, len(j.Options))
		for k, v := range j.Options {
			c.Options[k] = v
		}
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// CheckInvariants verifies the record-level rules every stored job obeys.
func (j *ConversionJob) CheckInvariants() error {
	if !j.Status.Valid() {
		return fmt.Errorf("job %s: unknown status %q", j.ID, j.Status)
	}
	if j.IsTerminal() != (j.CompletedAt != nil) {
		return fmt.Errorf("job %s: completed_at set=%t with status %s", j.ID, j.CompletedAt != nil, j.Status)
	}
	if (j.ProgressPercentage == 100) != (j.Status == StatusCompleted) {
		return fmt.Errorf("job %s: progress %d with status %s", j.ID, j.ProgressPercentage, j.Status)
	}
	if j.ProgressPercentage < 0 || j.ProgressPercentage > 100 {
		return fmt.Errorf("job %s: progress %d out of range", j.ID, j.ProgressPercentage)
	}
	if j.RetryCount > j.MaxRetries {
		return fmt.Errorf("job %s: retry_count %d exceeds max_retries %d", j.ID, j.RetryCount, j.MaxRetries)
	}
	if j.ErrorMessage != "" && j.Status != StatusFailed {
		return fmt.Errorf("job %s: error_message set with status %s", j.ID, j.Status)
	}
	return nil
}

// ClampProgress keeps in-flight progress inside [0, 99]; 100 is reserved for
// the completion write.
func ClampProgress(pct int) int {
	if pct < 0 {
		return 0
	}
	if pct > 99 {
		return 99
	}
	return pct
}

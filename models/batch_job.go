package models

import "time"

// BatchJob groups conversion jobs submitted together. Its status is derived
// from member states and never set directly.
type BatchJob struct {
	ID             string         `json:"id"`
	UserID         string         `json:"user_id"`
	Name           string         `json:"name,omitempty"`
	OutputFormat   string         `json:"output_format"`
	Options        map[string]any `json:"options,omitempty"`
	Status         JobStatus      `json:"status"`
	TotalFiles     int            `json:"total_files"`
	CompletedFiles int            `json:"completed_files"`
	FailedFiles    int            `json:"failed_files"`
	CancelledFiles int            `json:"cancelled_files"`
	Generation     int            `json:"-"`
	WebhookURL     string         `json:"webhook_url,omitempty"`
	JobIDs         []string       `json:"job_ids"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
}

// ProgressPercentage is the share of members that finished successfully.
func (b *BatchJob) ProgressPercentage() int {
	if b.TotalFiles == 0 {
		return 0
	}
	return b.CompletedFiles * 100 / b.TotalFiles
}

// Clone returns a deep copy of the batch.
func (b *BatchJob) Clone() *BatchJob {
	if b == nil {
		return nil
	}
	c := *b
	c.JobIDs = append([]string(nil), b.JobIDs...)
	if b.Options != nil {
		c.Options = make(map[string]any, len(b.Options))
		for k, v := range b.Options {
			c.Options[k] = v
		}
	}
	if b.CompletedAt != nil {
		t := *b.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// Apply writes a freshly computed aggregate onto the batch.
func (b *BatchJob) Apply(agg BatchAggregate, now time.Time) {
	b.Status = agg.Status
	b.TotalFiles = agg.Total
	b.CompletedFiles = agg.Completed
	b.FailedFiles = agg.Failed
	b.CancelledFiles = agg.Cancelled
	b.Generation = agg.Generation
	b.UpdatedAt = now
	if agg.Status.IsTerminal() {
		if b.CompletedAt == nil {
			b.CompletedAt = &now
		}
	} else {
		b.CompletedAt = nil
	}
}

// MemberState is the slice of a member job the aggregation looks at.
type MemberState struct {
	Status     JobStatus
	Generation int
}

// BatchAggregate is the derived batch state for a set of members.
type BatchAggregate struct {
	Status     JobStatus
	Total      int
	Completed  int
	Failed     int
	Cancelled  int
	Pending    int
	Generation int
}

// AggregateBatch derives the batch status from member states. It depends only
// on the multiset of states, so delivery order of completions is irrelevant.
func AggregateBatch(members []MemberState) BatchAggregate {
	agg := BatchAggregate{Total: len(members)}
	for _, m := range members {
		agg.Generation += m.Generation
		switch m.Status {
		case StatusCompleted:
			agg.Completed++
		case StatusFailed:
			agg.Failed++
		case StatusCancelled:
			agg.Cancelled++
		case StatusPending:
			agg.Pending++
		}
	}

	terminal := agg.Completed + agg.Failed + agg.Cancelled
	switch {
	case agg.Total == 0:
		agg.Status = StatusPending
	case agg.Completed == agg.Total:
		agg.Status = StatusCompleted
	case terminal == agg.Total && agg.Failed > 0:
		agg.Status = StatusFailed
	case terminal == agg.Total:
		agg.Status = StatusCancelled
	case agg.Pending == agg.Total:
		agg.Status = StatusPending
	default:
		agg.Status = StatusProcessing
	}
	return agg
}

package models

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// ListFilter narrows and pages a per-user listing. An empty Statuses matches
// every status.
type ListFilter struct {
	Statuses []JobStatus
	Limit    int
	Offset   int
}

// Normalized clamps Limit into [1, MaxPageSize] and Offset to zero or more.
func (f ListFilter) Normalized() ListFilter {
	if f.Limit <= 0 {
		f.Limit = DefaultPageSize
	}
	if f.Limit > MaxPageSize {
		f.Limit = MaxPageSize
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

func (f ListFilter) Matches(s JobStatus) bool {
	if len(f.Statuses) == 0 {
		return true
	}
	for _, want := range f.Statuses {
		if want == s {
			return true
		}
	}
	return false
}

// StatusStrings returns the filter statuses as plain strings, nil when empty.
func (f ListFilter) StatusStrings() []string {
	if len(f.Statuses) == 0 {
		return nil
	}
	out := make([]string, len(f.Statuses))
	for i, s := range f.Statuses {
		out[i] = string(s)
	}
	return out
}

// TerminalStatuses lists the states a job can finish in.
var TerminalStatuses = []JobStatus{StatusCompleted, StatusFailed, StatusCancelled}

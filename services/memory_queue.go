package services

import (
	"context"
	"sync"
	"time"

	"fileconvert/pipeline"
)

// MemoryQueue is an in-process priority queue with delayed eligibility.
type MemoryQueue struct {
	mu    sync.Mutex
	items map[string]pipeline.QueueItem
	wake  chan struct{}
	poll  time.Duration
}

func NewMemoryQueue(poll time.Duration) *MemoryQueue {
	if poll <= 0 {
		poll = time.Second
	}
	return &MemoryQueue{
		items: make(map[string]pipeline.QueueItem),
		wake:  make(chan struct{}, 1),
		poll:  poll,
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, item pipeline.QueueItem) error {
	q.mu.Lock()
	if _, queued := q.items[item.JobID]; !queued {
		q.items[item.JobID] = item
	}
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// next pops the best eligible item. When none is eligible it returns how
// long until the earliest delayed item becomes due.
func (q *MemoryQueue) next(now time.Time) (string, time.Duration, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var (
		best     pipeline.QueueItem
		found    bool
		earliest time.Duration = -1
	)
	for _, it := range q.items {
		if it.AvailableAt.After(now) {
			if d := it.AvailableAt.Sub(now); earliest < 0 || d < earliest {
				earliest = d
			}
			continue
		}
		if !found || it.Priority > best.Priority || (it.Priority == best.Priority && it.Seq < best.Seq) {
			best, found = it, true
		}
	}
	if found {
		delete(q.items, best.JobID)
		return best.JobID, 0, true
	}
	return "", earliest, false
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (string, error) {
	for {
		id, wait, ok := q.next(time.Now())
		if ok {
			return id, nil
		}
		if wait < 0 || wait > q.poll {
			wait = q.poll
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		case <-q.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (q *MemoryQueue) Remove(ctx context.Context, jobID string) error {
	q.mu.Lock()
	delete(q.items, jobID)
	q.mu.Unlock()
	return nil
}

func (q *MemoryQueue) Len(ctx context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.items)), nil
}

package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fileconvert/pipeline"

	"github.com/redis/go-redis/v9"
)

// Ready entries are scored so that ZPOPMIN yields the highest priority first
// and, within a priority, the lowest sequence number.
const priorityWeight = 1e12

// enqueueScript adds a job to the ready set, or to the delayed set when it is
// not yet due. A job already present in either set is left where it is.
var enqueueScript = redis.NewScript(`
if redis.call('ZSCORE', KEYS[1], ARGV[1]) or redis.call('ZSCORE', KEYS[2], ARGV[1]) then
	return 0
end
if tonumber(ARGV[3]) <= tonumber(ARGV[4]) then
	redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
else
	redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
	redis.call('HSET', KEYS[3], ARGV[1], ARGV[2])
end
return 1
`)

// promoteScript moves due delayed jobs back into the ready set at their
// original priority.
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, id in ipairs(due) do
	local score = redis.call('HGET', KEYS[3], id)
	if score then
		redis.call('ZADD', KEYS[1], score, id)
	end
	redis.call('ZREM', KEYS[2], id)
	redis.call('HDEL', KEYS[3], id)
end
return #due
`)

// RedisQueue keeps pending job ids in Redis sorted sets shared by every worker
// process.
type RedisQueue struct {
	client  *redis.Client
	ready   string
	delayed string
	scores  string
	poll    time.Duration
}

func NewRedisQueue(client *redis.Client, readyKey, delayedKey string, poll time.Duration) *RedisQueue {
	if poll <= 0 {
		poll = time.Second
	}
	return &RedisQueue{
		client:  client,
		ready:   readyKey,
		delayed: delayedKey,
		scores:  delayedKey + ":scores",
		poll:    poll,
	}
}

func readyScore(item pipeline.QueueItem) float64 {
	return -float64(item.Priority)*priorityWeight + float64(item.Seq)
}

func (q *RedisQueue) keys() []string {
	return []string{q.ready, q.delayed, q.scores}
}

func (q *RedisQueue) Enqueue(ctx context.Context, item pipeline.QueueItem) error {
	due := item.AvailableAt.UnixMilli()
	if item.AvailableAt.IsZero() {
		due = 0
	}
	err := enqueueScript.Run(ctx, q.client, q.keys(),
		item.JobID, readyScore(item), due, time.Now().UnixMilli()).Err()
	if err != nil {
		return fmt.Errorf("failed to enqueue job %s: %w", item.JobID, err)
	}
	return nil
}

// Promote moves due delayed jobs to the ready set and returns how many moved.
func (q *RedisQueue) Promote(ctx context.Context) (int64, error) {
	n, err := promoteScript.Run(ctx, q.client, q.keys(), time.Now().UnixMilli(), 100).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to promote delayed jobs: %w", err)
	}
	return n, nil
}

// Dequeue polls the ready set. BZPOPMIN would not see jobs that become due in
// the delayed set, so the loop promotes before every pop.
func (q *RedisQueue) Dequeue(ctx context.Context) (string, error) {
	for {
		if _, err := q.Promote(ctx); err != nil {
			return "", err
		}

		res, err := q.client.ZPopMin(ctx, q.ready, 1).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return "", fmt.Errorf("failed to pop ready queue: %w", err)
		}
		if len(res) > 0 {
			if id, ok := res[0].Member.(string); ok {
				return id, nil
			}
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(q.poll):
		}
	}
}

func (q *RedisQueue) Remove(ctx context.Context, jobID string) error {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, q.ready, jobID)
		pipe.ZRem(ctx, q.delayed, jobID)
		pipe.HDel(ctx, q.scores, jobID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to remove job %s: %w", jobID, err)
	}
	return nil
}

func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	pipe := q.client.Pipeline()
	ready := pipe.ZCard(ctx, q.ready)
	delayed := pipe.ZCard(ctx, q.delayed)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to read queue length: %w", err)
	}
	return ready.Val() + delayed.Val(), nil
}

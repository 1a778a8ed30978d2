package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	inflightKey   = "queue:inflight"
	scheduledKey  = "queue:scheduled"
	jobMetaPrefix = "queue:jobmeta:"
)

// RedisQueue holds the ready lists, retry schedule, lease set and dead-letter
// lists for every work class. Job state lives in the durable store; Redis only
// orders and leases ids.
type RedisQueue struct {
	client *redis.Client
}

func NewRedisQueue(client *redis.Client) *RedisQueue {
	return &RedisQueue{client: client}
}

func readyKey(queue string) string {
	return fmt.Sprintf("queue:ready:%s", queue)
}

func dlqKey(queue string) string {
	return fmt.Sprintf("queue:dlq:%s", queue)
}

func metaKey(jobID string) string {
	return jobMetaPrefix + jobID
}

// Enqueue makes a job immediately claimable on its queue.
func (q *RedisQueue) Enqueue(ctx context.Context, queue, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, metaKey(jobID), "queue", queue)
	pipe.RPush(ctx, readyKey(queue), jobID)
	_, err := pipe.Exec(ctx)
	return err
}

// Schedule parks a job until runAt; PromoteScheduled moves it to ready.
func (q *RedisQueue) Schedule(ctx context.Context, queue, jobID string, runAt time.Time) error {
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, metaKey(jobID), "queue", queue)
	pipe.ZRem(ctx, inflightKey, jobID)
	pipe.ZAdd(ctx, scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: jobID})
	_, err := pipe.Exec(ctx)
	return err
}

func (q *RedisQueue) queueOf(ctx context.Context, jobID string) string {
	name, err := q.client.HGet(ctx, metaKey(jobID), "queue").Result()
	if err != nil || name == "" {
		return "default"
	}
	return name
}

// PromoteScheduled moves due scheduled jobs onto their ready lists. It returns
// how many were promoted. Each id is pushed only by the caller whose removal
// from the schedule succeeded.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, scheduledKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now.UnixMilli()),
		Count: limit,
	}).Result()
	if err != nil {
		return 0, err
	}

	promoted := 0
	for _, id := range ids {
		n, err := promoteScript.Run(ctx, q.client, []string{scheduledKey, readyKey(q.queueOf(ctx, id))}, id).Int()
		if err != nil {
			return promoted, err
		}
		promoted += n
	}
	return promoted, nil
}

// Tracked reports whether Redis knows the job: it was enqueued or scheduled
// and has not been acked or cancelled since.
func (q *RedisQueue) Tracked(ctx context.Context, jobID string) (bool, error) {
	n, err := q.client.Exists(ctx, metaKey(jobID)).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// DequeueWithLease pops the next job of a queue and leases it until now+lease.
// An empty queue returns "" and no error.
func (q *RedisQueue) DequeueWithLease(ctx context.Context, queue string, lease time.Duration) (string, error) {
	res, err := dequeueScript.Run(ctx, q.client, []string{readyKey(queue), inflightKey},
		time.Now().Add(lease).UnixMilli()).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	jobID, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	return jobID, nil
}

// ExtendLease pushes the lease deadline forward for an in-flight job.
func (q *RedisQueue) ExtendLease(ctx context.Context, jobID string, extension time.Duration) error {
	return q.client.ZAdd(ctx, inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: jobID,
	}).Err()
}

// Ack drops the lease and meta record of a job that reached a terminal state.
func (q *RedisQueue) Ack(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, inflightKey, jobID)
	pipe.Del(ctx, metaKey(jobID))
	_, err := pipe.Exec(ctx)
	return err
}

// ReclaimExpired removes leases that ran out and returns their job ids. The
// caller decides whether each job is retried or dead-lettered.
func (q *RedisQueue) ReclaimExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, inflightKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now.UnixMilli()),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	var reclaimed []string
	for _, id := range ids {
		// ZREM is the claim: only one reclaimer gets 1 back.
		n, err := q.client.ZRem(ctx, inflightKey, id).Result()
		if err != nil {
			return reclaimed, err
		}
		if n == 1 {
			reclaimed = append(reclaimed, id)
		}
	}
	return reclaimed, nil
}

// Cancel removes a job from its ready list, the schedule and the lease set.
func (q *RedisQueue) Cancel(ctx context.Context, queue, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, readyKey(queue), 0, jobID)
	pipe.ZRem(ctx, inflightKey, jobID)
	pipe.ZRem(ctx, scheduledKey, jobID)
	pipe.Del(ctx, metaKey(jobID))
	_, err := pipe.Exec(ctx)
	return err
}

// DLQPush appends to a queue's dead-letter list for operational inspection.
func (q *RedisQueue) DLQPush(ctx context.Context, queue, jobID string) error {
	return q.client.RPush(ctx, dlqKey(queue), jobID).Err()
}

// DLQPeek reads the oldest dead-lettered job ids of a queue.
func (q *RedisQueue) DLQPeek(ctx context.Context, queue string, count int64) ([]string, error) {
	return q.client.LRange(ctx, dlqKey(queue), 0, count-1).Result()
}

// ReadyDepth returns the length of a queue's ready list.
func (q *RedisQueue) ReadyDepth(ctx context.Context, queue string) (int64, error) {
	return q.client.LLen(ctx, readyKey(queue)).Result()
}

var dequeueScript = redis.NewScript(`
local job = redis.call('LPOP', KEYS[1])
if job then
  redis.call('ZADD', KEYS[2], ARGV[1], job)
  return job
end
return nil
`)

var promoteScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 1 then
  redis.call('RPUSH', KEYS[2], ARGV[1])
  return 1
end
return 0
`)

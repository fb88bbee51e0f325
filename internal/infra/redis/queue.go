package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vietddude/dialer/internal/core/domain"
	"github.com/vietddude/dialer/internal/queue"
)

// CompletedRetention is how long a completed job's record is kept for
// deduplication after it leaves the queue.
const CompletedRetention = 24 * time.Hour

// Each job lives in a hash; the partitions hold ids only.
//
//	<prefix>:waiting   list, LPUSH in / RPOP out
//	<prefix>:delayed   zset scored by ready time (ms)
//	<prefix>:active    zset scored by lease deadline (ms)
//	<prefix>:failed    zset scored by failure time (ms)
//	<prefix>:job:<id>  hash: data, options, status, progress, result
var enqueueScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if status and status ~= 'failed' then
  return 0
end
redis.call('ZREM', KEYS[4], ARGV[1])
redis.call('DEL', KEYS[1])
if tonumber(ARGV[4]) > 0 then
  redis.call('HSET', KEYS[1], 'data', ARGV[2], 'options', ARGV[3], 'status', 'delayed')
  redis.call('ZADD', KEYS[3], ARGV[4], ARGV[1])
else
  redis.call('HSET', KEYS[1], 'data', ARGV[2], 'options', ARGV[3], 'status', 'waiting')
  redis.call('LPUSH', KEYS[2], ARGV[1])
end
return 1
`)

var dequeueScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[3], '-inf', ARGV[1])
for _, id in ipairs(due) do
  redis.call('ZREM', KEYS[3], id)
  redis.call('LPUSH', KEYS[1], id)
  redis.call('HSET', ARGV[3] .. id, 'status', 'waiting')
end
local id = redis.call('RPOP', KEYS[1])
if not id then
  return false
end
redis.call('ZADD', KEYS[2], ARGV[2], id)
redis.call('HSET', ARGV[3] .. id, 'status', 'active')
return id
`)

var requeueScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('RPUSH', KEYS[2], id)
  redis.call('HSET', ARGV[2] .. id, 'status', 'waiting')
end
return #ids
`)

// Queue is a Redis-backed queue.Queue.
type Queue struct {
	queue.Notifier

	client     *Client
	rdb        *redis.Client
	prefix     string
	visibility time.Duration
	now        func() time.Time
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithQueueClock overrides the time source.
func WithQueueClock(now func() time.Time) QueueOption {
	return func(q *Queue) { q.now = now }
}

// NewQueue creates a queue named name whose leases last visibility. The
// queue takes ownership of client and closes it on Close.
func NewQueue(client *Client, name string, visibility time.Duration, opts ...QueueOption) *Queue {
	q := &Queue{
		client:     client,
		rdb:        client.rdb,
		prefix:     "dialer:" + name,
		visibility: visibility,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Key helpers
func (q *Queue) waitingKey() string      { return q.prefix + ":waiting" }
func (q *Queue) delayedKey() string      { return q.prefix + ":delayed" }
func (q *Queue) activeKey() string       { return q.prefix + ":active" }
func (q *Queue) failedKey() string       { return q.prefix + ":failed" }
func (q *Queue) completedKey() string    { return q.prefix + ":completed" }
func (q *Queue) jobPrefix() string       { return q.prefix + ":job:" }
func (q *Queue) jobKey(id string) string { return q.jobPrefix() + id }

func ms(t time.Time) int64 { return t.UnixMilli() }

// Enqueue submits a job. See queue.Queue for deduplication rules.
func (q *Queue) Enqueue(ctx context.Context, spec queue.JobSpec, opts queue.JobOptions) (string, error) {
	now := q.now()
	job := queue.NewJob(spec, opts, now)
	if err := job.Validate(); err != nil {
		return "", err
	}

	data, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job: %w", err)
	}
	optData, err := json.Marshal(opts)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job options: %w", err)
	}

	var readyAt int64
	if opts.Delay > 0 {
		readyAt = ms(now.Add(opts.Delay))
	}

	keys := []string{q.jobKey(job.ID), q.waitingKey(), q.delayedKey(), q.failedKey()}
	if err := enqueueScript.Run(ctx, q.rdb, keys, job.ID, data, optData, readyAt).Err(); err != nil {
		return "", fmt.Errorf("enqueue failed: %w", err)
	}
	return job.ID, nil
}

// Dequeue promotes due delayed jobs and leases the oldest waiting job.
func (q *Queue) Dequeue(ctx context.Context) (*queue.Delivery, error) {
	now := q.now()
	leaseEnd := now.Add(q.visibility)

	keys := []string{q.waitingKey(), q.activeKey(), q.delayedKey()}
	id, err := dequeueScript.Run(ctx, q.rdb, keys, ms(now), ms(leaseEnd), q.jobPrefix()).Text()
	if errors.Is(err, redis.Nil) {
		return nil, queue.ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue failed: %w", err)
	}

	job, opts, err := q.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return &queue.Delivery{Job: job, Options: opts, LeasedUntil: leaseEnd}, nil
}

func (q *Queue) load(ctx context.Context, id string) (*domain.Job, queue.JobOptions, error) {
	vals, err := q.rdb.HMGet(ctx, q.jobKey(id), "data", "options").Result()
	if err != nil {
		return nil, queue.JobOptions{}, fmt.Errorf("failed to load job %s: %w", id, err)
	}
	data, ok := vals[0].(string)
	if !ok {
		return nil, queue.JobOptions{}, fmt.Errorf("%w: %s", queue.ErrJobNotFound, id)
	}

	var job domain.Job
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return nil, queue.JobOptions{}, fmt.Errorf("failed to unmarshal job %s: %w", id, err)
	}
	var opts queue.JobOptions
	if raw, ok := vals[1].(string); ok {
		if err := json.Unmarshal([]byte(raw), &opts); err != nil {
			return nil, queue.JobOptions{}, fmt.Errorf("failed to unmarshal options of %s: %w", id, err)
		}
	}
	return &job, opts, nil
}

// Progress records a progress update on the job hash.
func (q *Queue) Progress(ctx context.Context, id string, p domain.JobProgress) error {
	exists, err := q.rdb.Exists(ctx, q.jobKey(id)).Result()
	if err != nil {
		return fmt.Errorf("exists failed: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("%w: %s", queue.ErrJobNotFound, id)
	}

	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = q.now()
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal progress: %w", err)
	}
	return q.rdb.HSet(ctx, q.jobKey(id), "progress", data).Err()
}

// GetProgress returns the last progress update of a job.
func (q *Queue) GetProgress(ctx context.Context, id string) (domain.JobProgress, error) {
	var p domain.JobProgress
	raw, err := q.rdb.HGet(ctx, q.jobKey(id), "progress").Result()
	if errors.Is(err, redis.Nil) {
		return p, nil
	}
	if err != nil {
		return p, fmt.Errorf("hget failed: %w", err)
	}
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return p, fmt.Errorf("failed to unmarshal progress: %w", err)
	}
	return p, nil
}

// Status returns the queue-side status of a job, or "" when unknown.
func (q *Queue) Status(ctx context.Context, id string) (domain.JobStatus, error) {
	s, err := q.rdb.HGet(ctx, q.jobKey(id), "status").Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("hget failed: %w", err)
	}
	return domain.JobStatus(s), nil
}

func (q *Queue) ensureActive(ctx context.Context, id string) error {
	_, err := q.rdb.ZScore(ctx, q.activeKey(), id).Result()
	if errors.Is(err, redis.Nil) {
		return fmt.Errorf("%w: %s", queue.ErrNotActive, id)
	}
	if err != nil {
		return fmt.Errorf("zscore failed: %w", err)
	}
	return nil
}

// Complete removes the job from the active partition and keeps its record
// for CompletedRetention.
func (q *Queue) Complete(ctx context.Context, id string, res domain.JobResult) error {
	if err := q.ensureActive(ctx, id); err != nil {
		return err
	}
	job, _, err := q.load(ctx, id)
	if err != nil {
		return err
	}
	result, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	_, err = q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, q.activeKey(), id)
		pipe.HSet(ctx, q.jobKey(id), "status", string(domain.JobStatusCompleted), "result", result)
		pipe.Expire(ctx, q.jobKey(id), CompletedRetention)
		pipe.Incr(ctx, q.completedKey())
		return nil
	})
	if err != nil {
		return fmt.Errorf("complete failed: %w", err)
	}

	q.NotifyCompleted(job, res)
	return nil
}

// Fail records a failed attempt; see queue.Queue.
func (q *Queue) Fail(ctx context.Context, id string, res domain.JobResult, retry bool) error {
	if err := q.ensureActive(ctx, id); err != nil {
		return err
	}
	job, opts, err := q.load(ctx, id)
	if err != nil {
		return err
	}

	now := q.now()
	redeliver := queue.ApplyFailure(job, res, retry, now)

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	result, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	_, err = q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, q.activeKey(), id)
		if redeliver {
			readyAt := now.Add(opts.RetryDelay(job.RetryCount))
			pipe.HSet(ctx, q.jobKey(id), "data", data, "result", result, "status", string(domain.JobStatusDelayed))
			pipe.ZAdd(ctx, q.delayedKey(), redis.Z{Score: float64(ms(readyAt)), Member: id})
		} else {
			pipe.HSet(ctx, q.jobKey(id), "data", data, "result", result, "status", string(domain.JobStatusFailed))
			pipe.ZAdd(ctx, q.failedKey(), redis.Z{Score: float64(ms(now)), Member: id})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("fail failed: %w", err)
	}

	q.NotifyFailed(job, res, !redeliver)
	return nil
}

// RequeueExpired moves jobs whose lease ended to the front of waiting.
func (q *Queue) RequeueExpired(ctx context.Context) (int, error) {
	keys := []string{q.activeKey(), q.waitingKey()}
	n, err := requeueScript.Run(ctx, q.rdb, keys, ms(q.now()), q.jobPrefix()).Int()
	if err != nil {
		return 0, fmt.Errorf("requeue failed: %w", err)
	}
	return n, nil
}

// Failed lists the most recent failed jobs.
func (q *Queue) Failed(ctx context.Context, limit int) ([]queue.FailedJob, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	entries, err := q.rdb.ZRevRangeWithScores(ctx, q.failedKey(), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("zrevrange failed: %w", err)
	}

	out := make([]queue.FailedJob, 0, len(entries))
	for _, z := range entries {
		id, _ := z.Member.(string)
		job, _, err := q.load(ctx, id)
		if err != nil {
			return nil, err
		}

		fj := queue.FailedJob{Job: job, FailedAt: time.UnixMilli(int64(z.Score)).UTC()}
		raw, err := q.rdb.HGet(ctx, q.jobKey(id), "result").Result()
		if err == nil {
			_ = json.Unmarshal([]byte(raw), &fj.Result)
		}
		out = append(out, fj)
	}
	return out, nil
}

// Stats counts jobs per partition.
func (q *Queue) Stats(ctx context.Context) (queue.Stats, error) {
	pipe := q.rdb.Pipeline()
	waiting := pipe.LLen(ctx, q.waitingKey())
	delayed := pipe.ZCard(ctx, q.delayedKey())
	active := pipe.ZCard(ctx, q.activeKey())
	failed := pipe.ZCard(ctx, q.failedKey())
	completed := pipe.Get(ctx, q.completedKey())
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return queue.Stats{}, fmt.Errorf("stats failed: %w", err)
	}

	s := queue.Stats{
		Waiting: waiting.Val(),
		Delayed: delayed.Val(),
		Active:  active.Val(),
		Failed:  failed.Val(),
	}
	if v, err := strconv.ParseInt(completed.Val(), 10, 64); err == nil {
		s.Completed = v
	}

	return s, nil
}

// Ping checks the connection.
func (q *Queue) Ping(ctx context.Context) error {
	return q.rdb.Ping(ctx).Err()
}

// Close closes the underlying Redis client.
func (q *Queue) Close() error {
	return q.client.Close()
}

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis layout, all keys under "<name>:":
//
//	job:<id>   string, Job JSON
//	waiting    zset, score = availability in unix millis
//	active     zset of claimed job ids, score = lease expiry in unix millis
//	completed  list, newest first
//	failed     list, newest first

var addScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('SET', KEYS[1], ARGV[1])
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[3])
return 1
`)

var claimScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #ids == 0 then
  return false
end
redis.call('ZREM', KEYS[1], ids[1])
redis.call('ZADD', KEYS[2], ARGV[2], ids[1])
return ids[1]
`)

// renewScript replaces the job blob and extends its lease only if nobody
// touched either since the caller read the blob.
var renewScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) ~= ARGV[1] then
  return 0
end
if not redis.call('ZSCORE', KEYS[2], ARGV[4]) then
  return 0
end
redis.call('SET', KEYS[1], ARGV[2])
redis.call('ZADD', KEYS[2], 'XX', ARGV[3], ARGV[4])
return 1
`)

var recoverScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('ZADD', KEYS[2], ARGV[1], id)
end
return ids
`)

// requeueScript rewrites a recovered job blob unless a claimer got to it first.
var requeueScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) ~= ARGV[1] then
  return 0
end
if redis.call('ZSCORE', KEYS[2], ARGV[3]) then
  return 0
end
redis.call('SET', KEYS[1], ARGV[2])
return 1
`)

// RedisStore is a Store shared by every process pointed at the same Redis.
type RedisStore struct {
	client *redis.Client
	name   string
	keep   Retention
}

func NewRedisStore(client *redis.Client, name string, keep Retention) *RedisStore {
	if name == "" {
		name = "orders"
	}
	return &RedisStore{client: client, name: "swapflow:" + name, keep: keep}
}

func (s *RedisStore) key(parts ...string) string {
	k := s.name
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (s *RedisStore) jobKey(id string) string { return s.key("job", id) }

func (s *RedisStore) load(ctx context.Context, id string) (Job, error) {
	job, _, err := s.loadRaw(ctx, id)
	return job, err
}

// loadRaw also returns the stored blob for compare-and-set scripts.
func (s *RedisStore) loadRaw(ctx context.Context, id string) (Job, string, error) {
	data, err := s.client.Get(ctx, s.jobKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return Job{}, "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Job{}, "", err
	}
	var job Job
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return Job{}, "", fmt.Errorf("failed to unmarshal job %s: %w", id, err)
	}
	return job, data, nil
}

func encodeJob(job Job) (string, error) {
	data, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job %s: %w", job.ID, err)
	}
	return string(data), nil
}

func (s *RedisStore) Add(ctx context.Context, job Job) (bool, error) {
	job.State = StateWaiting
	data, err := encodeJob(job)
	if err != nil {
		return false, err
	}
	n, err := addScript.Run(ctx, s.client,
		[]string{s.jobKey(job.ID), s.key("waiting")},
		data, job.AvailableAt.UnixMilli(), job.ID).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *RedisStore) Claim(ctx context.Context, now, leaseUntil time.Time) (Job, error) {
	id, err := claimScript.Run(ctx, s.client,
		[]string{s.key("waiting"), s.key("active")}, now.UnixMilli(), leaseUntil.UnixMilli()).Text()
	if errors.Is(err, redis.Nil) {
		return Job{}, ErrEmpty
	}
	if err != nil {
		return Job{}, err
	}
	// The id is now exclusively ours, so the read-modify-write below is safe.
	job, err := s.load(ctx, id)
	if err != nil {
		return Job{}, err
	}
	job.State = StateActive
	job.Attempt++
	job.LeaseUntil = leaseUntil
	if err := s.save(ctx, s.client, job); err != nil {
		return Job{}, err
	}
	return job, nil
}

func (s *RedisStore) save(ctx context.Context, c redis.Cmdable, job Job) error {
	data, err := encodeJob(job)
	if err != nil {
		return err
	}
	return c.Set(ctx, s.jobKey(job.ID), data, 0).Err()
}

func (s *RedisStore) SaveCheckpoint(ctx context.Context, job Job, leaseUntil time.Time) error {
	stored, raw, err := s.loadRaw(ctx, job.ID)
	if err != nil {
		return err
	}
	if stored.State != StateActive || stored.Attempt != job.Attempt {
		return fmt.Errorf("%w: %s attempt %d", ErrLeaseLost, job.ID, job.Attempt)
	}
	stored.Checkpoint = job.Checkpoint
	stored.LeaseUntil = leaseUntil
	data, err := encodeJob(stored)
	if err != nil {
		return err
	}
	ok, err := renewScript.Run(ctx, s.client,
		[]string{s.jobKey(job.ID), s.key("active")},
		raw, data, leaseUntil.UnixMilli(), job.ID).Int64()
	if err != nil {
		return err
	}
	if ok == 0 {
		return fmt.Errorf("%w: %s attempt %d", ErrLeaseLost, job.ID, job.Attempt)
	}
	return nil
}

func (s *RedisStore) Retry(ctx context.Context, id string, availableAt time.Time, errMsg string) error {
	job, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	job.State = StateWaiting
	job.AvailableAt = availableAt
	job.LeaseUntil = time.Time{}
	job.LastError = errMsg
	data, err := encodeJob(job)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.jobKey(id), data, 0)
		pipe.ZRem(ctx, s.key("active"), id)
		pipe.ZAdd(ctx, s.key("waiting"), redis.Z{Score: float64(availableAt.UnixMilli()), Member: id})
		return nil
	})
	return err
}

func (s *RedisStore) Complete(ctx context.Context, id string, now time.Time) error {
	return s.finish(ctx, id, now, StateCompleted, "completed", "", s.keep.KeepCompleted)
}

func (s *RedisStore) Fail(ctx context.Context, id string, now time.Time, errMsg string) error {
	return s.finish(ctx, id, now, StateFailed, "failed", errMsg, s.keep.KeepFailed)
}

func (s *RedisStore) finish(ctx context.Context, id string, now time.Time, state State, list, errMsg string, keep int) error {
	job, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	job.State = state
	job.FinishedAt = now
	job.LeaseUntil = time.Time{}
	if errMsg != "" {
		job.LastError = errMsg
	}
	data, err := encodeJob(job)
	if err != nil {
		return err
	}
	listKey := s.key(list)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.jobKey(id), data, 0)
		pipe.ZRem(ctx, s.key("active"), id)
		pipe.LPush(ctx, listKey, id)
		return nil
	})
	if err != nil {
		return err
	}
	return s.prune(ctx, listKey, keep)
}

func (s *RedisStore) prune(ctx context.Context, listKey string, keep int) error {
	if keep <= 0 {
		return nil
	}
	stale, err := s.client.LRange(ctx, listKey, int64(keep), -1).Result()
	if err != nil || len(stale) == 0 {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LTrim(ctx, listKey, 0, int64(keep)-1)
		for _, id := range stale {
			pipe.Del(ctx, s.jobKey(id))
		}
		return nil
	})
	return err
}

func (s *RedisStore) Get(ctx context.Context, id string) (Job, error) { return s.load(ctx, id) }

func (s *RedisStore) Counts(ctx context.Context) (Counts, error) {
	var (
		waiting   *redis.IntCmd
		active    *redis.IntCmd
		completed *redis.IntCmd
		failed    *redis.IntCmd
	)
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		waiting = pipe.ZCard(ctx, s.key("waiting"))
		active = pipe.ZCard(ctx, s.key("active"))
		completed = pipe.LLen(ctx, s.key("completed"))
		failed = pipe.LLen(ctx, s.key("failed"))
		return nil
	})
	if err != nil {
		return Counts{}, err
	}
	return Counts{
		Waiting:   waiting.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}, nil
}

func (s *RedisStore) Recover(ctx context.Context, now time.Time) (int, error) {
	ids, err := recoverScript.Run(ctx, s.client,
		[]string{s.key("active"), s.key("waiting")}, now.UnixMilli()).StringSlice()
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		job, raw, err := s.loadRaw(ctx, id)
		if err != nil {
			return 0, err
		}
		job.State = StateWaiting
		job.AvailableAt = now
		job.LeaseUntil = time.Time{}
		data, err := encodeJob(job)
		if err != nil {
			return 0, err
		}
		// A zero result means another node claimed it in between; its blob wins.
		if err := requeueScript.Run(ctx, s.client,
			[]string{s.jobKey(id), s.key("active")}, raw, data, id).Err(); err != nil {
			return 0, err
		}
	}
	return len(ids), nil
}

// Close releases the client.
func (s *RedisStore) Close() error { return s.client.Close() }

var _ Store = (*RedisStore)(nil)

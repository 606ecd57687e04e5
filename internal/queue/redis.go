package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/rendis/flowrun/pkg/schema"
)

// RedisQueue implements Queue on Redis so the HTTP process and the worker
// can run separately. Ready jobs sit in a list and move atomically into a
// processing list on dequeue; retries wait in a sorted set scored by due
// time; registrations live in one hash keyed by slot.
type RedisQueue struct {
	client goredis.Cmdable
	policy RetryPolicy
	prefix string
	poll   time.Duration
	logger *slog.Logger
}

var _ Queue = (*RedisQueue)(nil)

// RedisOption configures a RedisQueue.
type RedisOption func(*RedisQueue)

// WithRedisLogger sets the logger.
func WithRedisLogger(l *slog.Logger) RedisOption {
	return func(q *RedisQueue) { q.logger = l }
}

// WithKeyPrefix namespaces every key; the default is "flowrun:workflow-jobs:".
func WithKeyPrefix(prefix string) RedisOption {
	return func(q *RedisQueue) { q.prefix = prefix }
}

// WithPollInterval bounds how long Dequeue blocks before re-checking
// delayed retries and its context.
func WithPollInterval(d time.Duration) RedisOption {
	return func(q *RedisQueue) { q.poll = d }
}

// NewRedisQueue creates a queue on client. The caller owns the client.
func NewRedisQueue(client goredis.Cmdable, policy RetryPolicy, opts ...RedisOption) *RedisQueue {
	q := &RedisQueue{
		client: client,
		policy: policy,
		prefix: "flowrun:" + DefaultName + ":",
		poll:   time.Second,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

func (q *RedisQueue) readyKey() string       { return q.prefix + "ready" }
func (q *RedisQueue) processingKey() string  { return q.prefix + "processing" }
func (q *RedisQueue) delayedKey() string     { return q.prefix + "delayed" }
func (q *RedisQueue) deadKey() string        { return q.prefix + "dead" }
func (q *RedisQueue) repeatablesKey() string { return q.prefix + "repeatables" }
func (q *RedisQueue) jobKey(id string) string {
	return q.prefix + "job:" + id
}

// Ping verifies the connection.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func (q *RedisQueue) Enqueue(ctx context.Context, task schema.Task) (string, error) {
	body, err := json.Marshal(task)
	if err != nil {
		return "", fmt.Errorf("marshal task: %w", err)
	}
	id := uuid.NewString()

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.jobKey(id), "task", string(body), "attempt", 1)
	pipe.LPush(ctx, q.readyKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", queueError("enqueue", err)
	}
	return id, nil
}

func (q *RedisQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := q.promoteDue(ctx); err != nil {
			return nil, err
		}

		id, err := q.client.BRPopLPush(ctx, q.readyKey(), q.processingKey(), q.poll).Result()
		if errors.Is(err, goredis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, queueError("dequeue", err)
		}

		d, err := q.load(ctx, id)
		if err != nil {
			// Job hash vanished; drop the orphan id so it is not redelivered.
			q.logger.WarnContext(ctx, "dropping orphaned job", slog.String("job_id", id), slog.String("error", err.Error()))
			q.client.LRem(ctx, q.processingKey(), 1, id)
			continue
		}
		return d, nil
	}
}

// promoteDue moves retries whose backoff elapsed back onto the ready list.
func (q *RedisQueue) promoteDue(ctx context.Context) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	ids, err := q.client.ZRangeByScore(ctx, q.delayedKey(), &goredis.ZRangeBy{Min: "-inf", Max: now}).Result()
	if err != nil {
		return queueError("promote", err)
	}
	for _, id := range ids {
		// ZRem decides ownership when several workers promote concurrently.
		removed, err := q.client.ZRem(ctx, q.delayedKey(), id).Result()
		if err != nil {
			return queueError("promote", err)
		}
		if removed == 1 {
			if err := q.client.LPush(ctx, q.readyKey(), id).Err(); err != nil {
				return queueError("promote", err)
			}
		}
	}
	return nil
}

func (q *RedisQueue) load(ctx context.Context, id string) (*Delivery, error) {
	fields, err := q.client.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return nil, err
	}
	raw, ok := fields["task"]
	if !ok {
		return nil, fmt.Errorf("job %s has no task", id)
	}
	d := &Delivery{JobID: id, Attempt: 1}
	if err := json.Unmarshal([]byte(raw), &d.Task); err != nil {
		return nil, fmt.Errorf("unmarshal task %s: %w", id, err)
	}
	if a, err := strconv.Atoi(fields["attempt"]); err == nil {
		d.Attempt = a
	}
	return d, nil
}

func (q *RedisQueue) Ack(ctx context.Context, d *Delivery) error {
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.processingKey(), 1, d.JobID)
	pipe.Del(ctx, q.jobKey(d.JobID))
	if _, err := pipe.Exec(ctx); err != nil {
		return queueError("ack", err)
	}
	return nil
}

func (q *RedisQueue) Nack(ctx context.Context, d *Delivery, cause error) error {
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.processingKey(), 1, d.JobID)

	if q.policy.ShouldRetry(d.Attempt, cause) {
		pipe.HSet(ctx, q.jobKey(d.JobID), "attempt", d.Attempt+1)
		due := time.Now().Add(q.policy.NextDelay(d.Attempt))
		pipe.ZAdd(ctx, q.delayedKey(), goredis.Z{Score: float64(due.UnixMilli()), Member: d.JobID})
	} else {
		msg := ""
		if cause != nil {
			msg = cause.Error()
		}
		entry, err := json.Marshal(DeadTask{Delivery: *d, Error: msg, FailedAt: time.Now().UTC()})
		if err != nil {
			return fmt.Errorf("marshal dead task: %w", err)
		}
		pipe.RPush(ctx, q.deadKey(), string(entry))
		pipe.Del(ctx, q.jobKey(d.JobID))
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return queueError("nack", err)
	}
	return nil
}

func (q *RedisQueue) Dead(ctx context.Context) ([]DeadTask, error) {
	items, err := q.client.LRange(ctx, q.deadKey(), 0, -1).Result()
	if err != nil {
		return nil, queueError("dead", err)
	}
	out := make([]DeadTask, 0, len(items))
	for _, item := range items {
		var dt DeadTask
		if err := json.Unmarshal([]byte(item), &dt); err != nil {
			continue
		}
		out = append(out, dt)
	}
	return out, nil
}

// RequeueInflight moves every job left in the processing list back to ready.
// Call it once at worker start-up, before any consumer runs, to redeliver
// work interrupted by a crash.
func (q *RedisQueue) RequeueInflight(ctx context.Context) (int, error) {
	n := 0
	for {
		_, err := q.client.RPopLPush(ctx, q.processingKey(), q.readyKey()).Result()
		if errors.Is(err, goredis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, queueError("requeue", err)
		}
		n++
	}
}

func (q *RedisQueue) Repeatables(ctx context.Context) ([]schema.Registration, error) {
	all, err := q.client.HGetAll(ctx, q.repeatablesKey()).Result()
	if err != nil {
		return nil, queueError("list repeatables", err)
	}
	out := make([]schema.Registration, 0, len(all))
	for slot, raw := range all {
		var reg schema.Registration
		if err := json.Unmarshal([]byte(raw), &reg); err != nil {
			q.logger.Warn("skipping malformed repeatable", slog.String("slot", slot), slog.String("error", err.Error()))
			continue
		}
		out = append(out, reg)
	}
	return out, nil
}

func (q *RedisQueue) AddRepeatable(ctx context.Context, reg schema.Registration) error {
	raw, err := json.Marshal(reg)
	if err != nil {
		return fmt.Errorf("marshal repeatable: %w", err)
	}
	if err := q.client.HSet(ctx, q.repeatablesKey(), reg.SlotKey, string(raw)).Err(); err != nil {
		return queueError("add repeatable", err)
	}
	return nil
}

func (q *RedisQueue) RemoveRepeatable(ctx context.Context, slotKey string) (bool, error) {
	n, err := q.client.HDel(ctx, q.repeatablesKey(), slotKey).Result()
	if err != nil {
		return false, queueError("remove repeatable", err)
	}
	return n > 0, nil
}

func (q *RedisQueue) AdvanceRepeatable(ctx context.Context, slotKey string, next time.Time) error {
	raw, err := q.client.HGet(ctx, q.repeatablesKey(), slotKey).Result()
	if errors.Is(err, goredis.Nil) {
		return schema.NewErrorf(schema.ErrCodeNotFound, "repeatable %q not found", slotKey)
	}
	if err != nil {
		return queueError("advance repeatable", err)
	}
	var reg schema.Registration
	if err := json.Unmarshal([]byte(raw), &reg); err != nil {
		return fmt.Errorf("unmarshal repeatable %q: %w", slotKey, err)
	}
	reg.NextRunAt = next
	updated, err := json.Marshal(reg)
	if err != nil {
		return fmt.Errorf("marshal repeatable: %w", err)
	}
	return q.swapRepeatable(ctx, slotKey, raw, string(updated))
}

// swapRepeatableScript writes ARGV[3] only while the slot still holds ARGV[2].
// Returns -1 when the slot is gone, 0 when it was replaced, 1 on write.
var swapRepeatableScript = goredis.NewScript(`
local cur = redis.call('HGET', KEYS[1], ARGV[1])
if not cur then return -1 end
if cur ~= ARGV[2] then return 0 end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[3])
return 1
`)

// swapRepeatable replaces the slot's value if it is still old. A slot removed
// meanwhile stays removed; a slot re-registered meanwhile keeps the new value.
func (q *RedisQueue) swapRepeatable(ctx context.Context, slotKey, old, updated string) error {
	res, err := swapRepeatableScript.Run(ctx, q.client, []string{q.repeatablesKey()}, slotKey, old, updated).Int()
	if err != nil {
		return queueError("advance repeatable", err)
	}
	switch res {
	case -1:
		return schema.NewErrorf(schema.ErrCodeNotFound, "repeatable %q not found", slotKey)
	case 0:
		q.logger.DebugContext(ctx, "repeatable changed while advancing, keeping the new registration",
			slog.String("slot", slotKey))
	}
	return nil
}

// Close is a no-op; the caller owns the Redis client.
func (q *RedisQueue) Close() error { return nil }

package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"post-dispatch/internal/models"
	"post-dispatch/internal/redisconn"
	"post-dispatch/internal/telemetry"
)

const queuesSetKey = "posts:queues"

var (
	// ErrUnavailable signals the queue backend is unreachable. Enqueue and
	// Stats callers are expected to degrade rather than fail hard.
	ErrUnavailable = errors.New("queue backend unavailable")
	// ErrNotFound means no known queue holds the job id.
	ErrNotFound = errors.New("job not found")
	// ErrStaleLock means the supplied lock token does not match the stored
	// claim token; the job may have been reclaimed.
	ErrStaleLock = errors.New("stale lock token")
)

// Options tune claim leasing and terminal-job retention.
type Options struct {
	ClaimLease   time.Duration
	CompletedCap int
	FailedCap    int
	MaxRetries   int
}

// Coordinator maps (platform, region) pairs to independent work queues and
// owns enqueue, claim, finalization, statistics and cleanup.
type Coordinator struct {
	conn *redisconn.Manager
	opts Options
}

// New builds a coordinator over the shared connection manager.
func New(conn *redisconn.Manager, opts Options) *Coordinator {
	if opts.ClaimLease == 0 {
		opts.ClaimLease = 15 * time.Minute
	}
	if opts.CompletedCap == 0 {
		opts.CompletedCap = 100
	}
	if opts.FailedCap == 0 {
		opts.FailedCap = 50
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	return &Coordinator{conn: conn, opts: opts}
}

// QueueName returns the sharding key for a platform/region pair.
func QueueName(platform, region string) string {
	return fmt.Sprintf("posts:%s:%s", platform, region)
}

func waitingKey(q string) string   { return q + ":waiting" }
func delayedKey(q string) string   { return q + ":delayed" }
func activeKey(q string) string    { return q + ":active" }
func completedKey(q string) string { return q + ":completed" }
func failedKey(q string) string    { return q + ":failed" }
func jobKey(q, id string) string   { return q + ":job:" + id }
func claimKey(q, id string) string { return q + ":claim:" + id }

// enqueueScript creates the job hash only if the id is new, then routes it
// to the delayed zset or the waiting list.
// KEYS: job, waiting, delayed, queues-set
// ARGV: jobID, payload JSON, maxRetries, runAtMs, nowMs, queueName
var enqueueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
local state = 'waiting'
if tonumber(ARGV[4]) > tonumber(ARGV[5]) then
  state = 'delayed'
  redis.call('ZADD', KEYS[3], ARGV[4], ARGV[1])
else
  redis.call('RPUSH', KEYS[2], ARGV[1])
end
redis.call('HSET', KEYS[1],
  'payload', ARGV[2],
  'state', state,
  'attempts', 0,
  'max_retries', ARGV[3],
  'created_at', ARGV[5])
redis.call('SADD', KEYS[4], ARGV[6])
return 1
`)

// claimScript is the compare-and-swap at the heart of job ownership: it
// refuses to claim when owner_worker is already set, otherwise it sets the
// owner, writes claim metadata with the minted lock token, and moves the id
// from waiting to the active lease zset in one atomic step.
// KEYS: job, claim, waiting, active
// ARGV: workerID, claimedAtMs, lockToken, leaseExpiryMs, jobID
var claimScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
local owner = redis.call('HGET', KEYS[1], 'owner_worker')
if owner and owner ~= '' then
  return 0
end
redis.call('HSET', KEYS[1],
  'owner_worker', ARGV[1],
  'owner_claimed_at', ARGV[2],
  'state', 'active')
redis.call('HSET', KEYS[2],
  'worker_id', ARGV[1],
  'claimed_at', ARGV[2],
  'lock_token', ARGV[3],
  'status', 'claimed')
redis.call('LREM', KEYS[3], 1, ARGV[5])
redis.call('ZADD', KEYS[4], ARGV[4], ARGV[5])
return 1
`)

// EnqueueOptions carries per-job overrides.
type EnqueueOptions struct {
	MaxRetries int
}

// Enqueue inserts a job using the payload's idempotency key as the job id,
// so re-submission of the same logical job is a no-op. The initial delay is
// max(0, scheduledTime-now). A wrapped ErrUnavailable is returned when the
// backend is unreachable.
func (c *Coordinator) Enqueue(ctx context.Context, platform, region string, payload models.PostJobPayload, opts EnqueueOptions) (*models.Job, bool, error) {
	if payload.IdempotencyKey == "" {
		return nil, false, errors.New("idempotency key is required")
	}
	maxRetries := opts.MaxRetries
	if maxRetries == 0 {
		maxRetries = payload.MaxRetries
	}
	if maxRetries == 0 {
		maxRetries = c.opts.MaxRetries
	}
	payload.Platform = platform
	payload.Region = region
	payload.MaxRetries = maxRetries

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, false, fmt.Errorf("marshal payload: %w", err)
	}

	q := QueueName(platform, region)
	id := payload.IdempotencyKey
	now := time.Now()
	runAt := now
	if payload.ScheduledTime.After(now) {
		runAt = payload.ScheduledTime
	}

	res, err := enqueueScript.Run(ctx, c.conn.Get(),
		[]string{jobKey(q, id), waitingKey(q), delayedKey(q), queuesSetKey},
		id, string(raw), maxRetries, runAt.UnixMilli(), now.UnixMilli(), q,
	).Int()
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if res == 0 {
		telemetry.EnqueueDuplicates.Inc()
		existing, err := c.loadJob(ctx, q, id)
		if err != nil {
			return nil, true, err
		}
		return existing, true, nil
	}

	telemetry.EnqueueCounter.Inc()
	state := models.StateWaiting
	if runAt.After(now) {
		state = models.StateDelayed
	}
	return &models.Job{
		ID:         id,
		Queue:      q,
		Payload:    payload,
		State:      state,
		MaxRetries: maxRetries,
		CreatedAt:  now,
	}, false, nil
}

// Claim atomically takes ownership of up to limit waiting jobs for a worker
// and mints a lock token per job. Candidates are read oldest first, twice
// the requested limit, so losses to concurrent claimers can be skipped.
func (c *Coordinator) Claim(ctx context.Context, platform, region, workerID string, limit int) ([]models.Job, error) {
	if limit <= 0 {
		limit = 1
	}
	q := QueueName(platform, region)
	client := c.conn.Get()

	candidates, err := client.LRange(ctx, waitingKey(q), 0, int64(2*limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("read waiting jobs: %w", err)
	}

	now := time.Now()
	leaseExpiry := now.Add(c.opts.ClaimLease).UnixMilli()
	claimed := make([]models.Job, 0, limit)
	for _, id := range candidates {
		if len(claimed) >= limit {
			break
		}
		token := uuid.New().String()
		res, err := claimScript.Run(ctx, client,
			[]string{jobKey(q, id), claimKey(q, id), waitingKey(q), activeKey(q)},
			workerID, now.UnixMilli(), token, leaseExpiry, id,
		).Int()
		if err != nil {
			return nil, fmt.Errorf("claim job %s: %w", id, err)
		}
		switch res {
		case 0:
			// Another claimer set the owner first; skip to the next candidate.
			telemetry.ClaimRaceLosses.Inc()
			continue
		case -1:
			continue
		}
		job, err := c.loadJob(ctx, q, id)
		if err != nil {
			continue
		}
		job.LockToken = token
		telemetry.ClaimsGranted.Inc()
		claimed = append(claimed, *job)
	}
	return claimed, nil
}

// Finalize locates the job across all known queues and moves it to
// completed or failed, fenced by the lock token stored at claim time.
func (c *Coordinator) Finalize(ctx context.Context, jobID string, result models.PostJobResult, token string) error {
	client := c.conn.Get()
	queues, err := c.knownQueues(ctx)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, q := range queues {
		exists, err := client.Exists(ctx, jobKey(q, jobID)).Result()
		if err != nil || exists == 0 {
			continue
		}

		stored, err := client.HGet(ctx, claimKey(q, jobID), "lock_token").Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("read lock token: %w", err)
		}
		if token != "" && stored != token {
			return ErrStaleLock
		}

		terminal := completedKey(q)
		state := models.StateCompleted
		keep := c.opts.CompletedCap
		if !result.Success {
			terminal = failedKey(q)
			state = models.StateFailed
			keep = c.opts.FailedCap
		}

		pipe := client.TxPipeline()
		pipe.ZRem(ctx, activeKey(q), jobID)
		pipe.ZAdd(ctx, terminal, redis.Z{Score: float64(now.UnixMilli()), Member: jobID})
		pipe.HSet(ctx, jobKey(q, jobID), "state", state, "finished_at", now.UnixMilli())
		if result.Error != "" {
			pipe.HSet(ctx, jobKey(q, jobID), "last_error", result.Error)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("finalize job %s: %w", jobID, err)
		}
		return c.enforceCap(ctx, q, terminal, keep)
	}
	return ErrNotFound
}

// FindByID is a best-effort scan across all known queues; nil when absent.
// The returned job carries the stored claim token for fencing checks.
func (c *Coordinator) FindByID(ctx context.Context, jobID string) (*models.Job, error) {
	queues, err := c.knownQueues(ctx)
	if err != nil {
		return nil, err
	}
	for _, q := range queues {
		job, err := c.loadJob(ctx, q, jobID)
		if err != nil {
			continue
		}
		return job, nil
	}
	return nil, nil
}

// UpdateProgress records worker-reported progress on the claim metadata.
// Claim state itself is not mutated.
func (c *Coordinator) UpdateProgress(ctx context.Context, jobID, status, message string, percent int) error {
	job, err := c.FindByID(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return ErrNotFound
	}
	return c.conn.Get().HSet(ctx, claimKey(job.Queue, jobID),
		"status", status,
		"message", message,
		"percent", percent,
		"updated_at", time.Now().UnixMilli(),
	).Err()
}

// QueueCounts holds per-state totals for one queue.
type QueueCounts struct {
	Waiting   int64  `json:"waiting"`
	Active    int64  `json:"active"`
	Delayed   int64  `json:"delayed"`
	Completed int64  `json:"completed"`
	Failed    int64  `json:"failed"`
	Total     int64  `json:"total"`
	Error     string `json:"error,omitempty"`
}

// Stats returns counts per state per queue, filtered by optional platform
// and region substrings. A queue whose probe fails reports its own error
// without failing the aggregation.
func (c *Coordinator) Stats(ctx context.Context, platformFilter, regionFilter string) (map[string]QueueCounts, error) {
	queues, err := c.knownQueues(ctx)
	if err != nil {
		return nil, err
	}
	client := c.conn.Get()
	stats := make(map[string]QueueCounts, len(queues))
	for _, q := range queues {
		if platformFilter != "" && !strings.Contains(q, ":"+platformFilter+":") {
			continue
		}
		if regionFilter != "" && !strings.HasSuffix(q, ":"+regionFilter) {
			continue
		}

		pipe := client.Pipeline()
		waiting := pipe.LLen(ctx, waitingKey(q))
		active := pipe.ZCard(ctx, activeKey(q))
		delayed := pipe.ZCard(ctx, delayedKey(q))
		completed := pipe.ZCard(ctx, completedKey(q))
		failed := pipe.ZCard(ctx, failedKey(q))
		if _, err := pipe.Exec(ctx); err != nil {
			stats[q] = QueueCounts{Error: err.Error()}
			continue
		}
		counts := QueueCounts{
			Waiting:   waiting.Val(),
			Active:    active.Val(),
			Delayed:   delayed.Val(),
			Completed: completed.Val(),
			Failed:    failed.Val(),
		}
		counts.Total = counts.Waiting + counts.Active + counts.Delayed + counts.Completed + counts.Failed
		stats[q] = counts
	}
	return stats, nil
}

// Cleanup sweeps completed and failed jobs older than the threshold. Jobs
// younger than the threshold are never deleted; the retention caps are
// enforced at finalize time instead.
func (c *Coordinator) Cleanup(ctx context.Context, olderThan time.Duration) error {
	queues, err := c.knownQueues(ctx)
	if err != nil {
		return err
	}
	cutoff := time.Now().Add(-olderThan).UnixMilli()
	for _, q := range queues {
		for _, key := range []string{completedKey(q), failedKey(q)} {
			if err := c.dropTerminal(ctx, q, key, fmt.Sprintf("%d", cutoff)); err != nil {
				return err
			}
		}
	}
	return nil
}

// PromoteDelayed moves due delayed jobs into their waiting lists. Returns
// how many were promoted.
func (c *Coordinator) PromoteDelayed(ctx context.Context, now time.Time, batch int64) (int, error) {
	queues, err := c.knownQueues(ctx)
	if err != nil {
		return 0, err
	}
	client := c.conn.Get()
	promoted := 0
	for _, q := range queues {
		ids, err := client.ZRangeByScore(ctx, delayedKey(q), &redis.ZRangeBy{
			Min: "-inf", Max: fmt.Sprintf("%d", now.UnixMilli()), Offset: 0, Count: batch,
		}).Result()
		if err != nil || len(ids) == 0 {
			continue
		}
		pipe := client.TxPipeline()
		for _, id := range ids {
			pipe.ZRem(ctx, delayedKey(q), id)
			pipe.RPush(ctx, waitingKey(q), id)
			pipe.HSet(ctx, jobKey(q, id), "state", models.StateWaiting)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			continue
		}
		promoted += len(ids)
	}
	return promoted, nil
}

// RequeueExpired returns jobs whose claim lease lapsed to the waiting state:
// owner and claim metadata are cleared and the attempt count incremented, so
// a stale callback from the previous owner is fenced out.
func (c *Coordinator) RequeueExpired(ctx context.Context, now time.Time, batch int64) ([]string, error) {
	queues, err := c.knownQueues(ctx)
	if err != nil {
		return nil, err
	}
	client := c.conn.Get()
	var requeued []string
	for _, q := range queues {
		ids, err := client.ZRangeByScore(ctx, activeKey(q), &redis.ZRangeBy{
			Min: "-inf", Max: fmt.Sprintf("%d", now.UnixMilli()), Offset: 0, Count: batch,
		}).Result()
		if err != nil || len(ids) == 0 {
			continue
		}
		pipe := client.TxPipeline()
		for _, id := range ids {
			pipe.ZRem(ctx, activeKey(q), id)
			pipe.HDel(ctx, jobKey(q, id), "owner_worker", "owner_claimed_at")
			pipe.HIncrBy(ctx, jobKey(q, id), "attempts", 1)
			pipe.HSet(ctx, jobKey(q, id), "state", models.StateWaiting)
			pipe.Del(ctx, claimKey(q, id))
			pipe.RPush(ctx, waitingKey(q), id)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			continue
		}
		requeued = append(requeued, ids...)
	}
	return requeued, nil
}

// Release performs an explicit retry: ownership is cleared and the job is
// scheduled back into the delayed set after the given delay.
func (c *Coordinator) Release(ctx context.Context, jobID string, delay time.Duration) error {
	job, err := c.FindByID(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return ErrNotFound
	}
	q := job.Queue
	runAt := time.Now().Add(delay).UnixMilli()
	pipe := c.conn.Get().TxPipeline()
	pipe.ZRem(ctx, activeKey(q), jobID)
	pipe.LRem(ctx, waitingKey(q), 0, jobID)
	pipe.HDel(ctx, jobKey(q, jobID), "owner_worker", "owner_claimed_at")
	pipe.HIncrBy(ctx, jobKey(q, jobID), "attempts", 1)
	pipe.HSet(ctx, jobKey(q, jobID), "state", models.StateDelayed)
	pipe.Del(ctx, claimKey(q, jobID))
	pipe.ZAdd(ctx, delayedKey(q), redis.Z{Score: float64(runAt), Member: jobID})
	_, err = pipe.Exec(ctx)
	return err
}

// IsHealthy is true only if the connection manager is healthy and a
// representative queue can be probed.
func (c *Coordinator) IsHealthy(ctx context.Context) bool {
	if !c.conn.IsHealthy(ctx) {
		return false
	}
	return c.conn.Get().LLen(ctx, waitingKey(QueueName("probe", "health"))).Err() == nil
}

func (c *Coordinator) knownQueues(ctx context.Context) ([]string, error) {
	queues, err := c.conn.Get().SMembers(ctx, queuesSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	sort.Strings(queues)
	return queues, nil
}

func (c *Coordinator) loadJob(ctx context.Context, q, id string) (*models.Job, error) {
	client := c.conn.Get()
	fields, err := client.HGetAll(ctx, jobKey(q, id)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}

	var payload models.PostJobPayload
	if err := json.Unmarshal([]byte(fields["payload"]), &payload); err != nil {
		return nil, fmt.Errorf("unmarshal payload for %s: %w", id, err)
	}
	job := &models.Job{
		ID:            id,
		Queue:         q,
		Payload:       payload,
		State:         fields["state"],
		OwnerWorkerID: fields["owner_worker"],
	}
	job.Attempts, _ = strconv.Atoi(fields["attempts"])
	job.MaxRetries, _ = strconv.Atoi(fields["max_retries"])
	if ms, err := strconv.ParseInt(fields["created_at"], 10, 64); err == nil {
		job.CreatedAt = time.UnixMilli(ms)
	}
	if ms, err := strconv.ParseInt(fields["owner_claimed_at"], 10, 64); err == nil {
		job.ClaimedAt = time.UnixMilli(ms)
	}
	if token, err := client.HGet(ctx, claimKey(q, id), "lock_token").Result(); err == nil {
		job.LockToken = token
	}
	return job, nil
}

func (c *Coordinator) dropTerminal(ctx context.Context, q, key, maxScore string) error {
	client := c.conn.Get()
	ids, err := client.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: "-inf", Max: maxScore}).Result()
	if err != nil || len(ids) == 0 {
		return err
	}
	pipe := client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, key, id)
		pipe.Del(ctx, jobKey(q, id), claimKey(q, id))
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (c *Coordinator) enforceCap(ctx context.Context, q, key string, keep int) error {
	client := c.conn.Get()
	count, err := client.ZCard(ctx, key).Result()
	if err != nil || count <= int64(keep) {
		return err
	}
	// Oldest entries beyond the cap are evicted along with their job state.
	ids, err := client.ZRange(ctx, key, 0, count-int64(keep)-1).Result()
	if err != nil || len(ids) == 0 {
		return err
	}
	pipe := client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, key, id)
		pipe.Del(ctx, jobKey(q, id), claimKey(q, id))
	}
	_, err = pipe.Exec(ctx)
	return err
}

// Package queue is a durable multi-consumer job queue on Redis. Every job
// carries a key; at most one job per key is active at any instant.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"vodpipeline/config"
	"vodpipeline/models"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	ErrDuplicateJob = errors.New("a job for this key is already queued")
	ErrKeyBusy      = errors.New("another job for this key is active")
	ErrNoJob        = errors.New("no job available")
	ErrLeaseLost    = errors.New("job lease lost")
	errJobMissing   = errors.New("job record missing")
)

var (
	releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0`)

	extendScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0`)

	// activateScript takes the key's lease for a popped job, provided
	// recovery has not put the job back in the meantime. Returns -1 when the
	// job left processing, 0 when the key is busy.
	activateScript = redis.NewScript(`
if not redis.call('LPOS', KEYS[1], ARGV[1]) then
	return -1
end
if not redis.call('SET', KEYS[2], ARGV[2], 'NX', 'PX', ARGV[3]) then
	return 0
end
redis.call('SET', KEYS[3], ARGV[4])
redis.call('HDEL', KEYS[4], ARGV[1])
redis.call('XADD', KEYS[5], 'MAXLEN', '~', ARGV[6], '*', ARGV[7], ARGV[5])
return 1`)

	// finishScript takes a job out of processing, either dropping it or
	// parking it in the delayed set, and emits its event. With the owner
	// guard the caller's lease token must still hold the key; with the
	// orphan guard the job must be unleased and still in processing.
	finishScript = redis.NewScript(`
local holder = redis.call('GET', KEYS[1])
if ARGV[3] == 'owner' then
	if holder ~= ARGV[2] then
		return 0
	end
elseif holder == ARGV[2] then
	return 0
end
if redis.call('LREM', KEYS[3], 1, ARGV[1]) == 0 and ARGV[3] ~= 'owner' then
	return 0
end
if ARGV[4] == 'delay' then
	redis.call('SET', KEYS[4], ARGV[5])
	redis.call('ZADD', KEYS[5], ARGV[6], ARGV[1])
else
	redis.call('DEL', KEYS[4])
	if redis.call('GET', KEYS[2]) == ARGV[1] then
		redis.call('DEL', KEYS[2])
	end
end
redis.call('HDEL', KEYS[7], ARGV[1])
if ARGV[7] ~= '' then
	redis.call('XADD', KEYS[6], 'MAXLEN', '~', ARGV[8], '*', ARGV[9], ARGV[7])
end
if holder == ARGV[2] then
	redis.call('DEL', KEYS[1])
end
return 1`)

	promoteScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 100)
for _, id in ipairs(ids) do
	redis.call('ZREM', KEYS[1], id)
	redis.call('LPUSH', KEYS[2], id)
end
return #ids`)
)

const (
	maxBackoff   = 30 * time.Second
	eventsMaxLen = 10000
)

type Options struct {
	Prefix     string
	LeaseTTL   time.Duration
	MaxRetries int
	DeferDelay time.Duration
	// BlockTimeout bounds each blocking stream read in Subscribe.
	BlockTimeout time.Duration
}

type Queue struct {
	rdb          *redis.Client
	prefix       string
	leaseTTL     time.Duration
	maxRetries   int
	deferDelay   time.Duration
	blockTimeout time.Duration
}

func New(rdb *redis.Client, opts Options) *Queue {
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 30 * time.Second
	}
	if opts.DeferDelay <= 0 {
		opts.DeferDelay = 5 * time.Second
	}
	if opts.BlockTimeout <= 0 {
		opts.BlockTimeout = 5 * time.Second
	}
	return &Queue{
		rdb:          rdb,
		prefix:       opts.Prefix,
		leaseTTL:     opts.LeaseTTL,
		maxRetries:   opts.MaxRetries,
		deferDelay:   opts.DeferDelay,
		blockTimeout: opts.BlockTimeout,
	}
}

// LeaseTTL is how long an active job survives without a heartbeat.
func (q *Queue) LeaseTTL() time.Duration {
	return q.leaseTTL
}

func (q *Queue) jobKey(id string) string { return config.ApplyPrefix("job:"+id, q.prefix) }
func (q *Queue) claimKey(key string) string {
	return config.ApplyPrefix("claim:"+key, q.prefix)
}
func (q *Queue) leaseKey(key string) string {
	return config.ApplyPrefix("active:"+key, q.prefix)
}
func (q *Queue) listKey(t models.JobType, state string) string {
	return config.ApplyPrefix("queue:"+string(t)+":"+state, q.prefix)
}
func (q *Queue) pendingKey(t models.JobType) string    { return q.listKey(t, "pending") }
func (q *Queue) processingKey(t models.JobType) string { return q.listKey(t, "processing") }
func (q *Queue) delayedKey(t models.JobType) string    { return q.listKey(t, "delayed") }

// unleasedKey maps popped jobs that never took a lease to when recovery
// first saw them.
func (q *Queue) unleasedKey(t models.JobType) string { return q.listKey(t, "unleased") }
func (q *Queue) eventsKey() string                     { return config.ApplyPrefix("events", q.prefix) }

// Handle identifies an enqueued job.
type Handle struct {
	ID   string
	Type models.JobType
	Key  string
}

type EnqueueOptions struct {
	// JobID defaults to a random UUID.
	JobID string
	// RejectDuplicate fails the enqueue while the key has a queued or
	// active job instead of queueing behind it.
	RejectDuplicate bool
}

// Enqueue stores a job, emits its waiting event and makes it available to
// workers of jobType.
func (q *Queue) Enqueue(ctx context.Context, jobType models.JobType, key string, payload any, opts EnqueueOptions) (Handle, error) {
	if key == "" {
		return Handle{}, fmt.Errorf("job key is required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Handle{}, fmt.Errorf("marshal payload: %w", err)
	}

	id := opts.JobID
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now().UTC()
	job := models.Job{
		ID:         id,
		Type:       jobType,
		Key:        key,
		Payload:    data,
		Status:     models.JobWaiting,
		MaxRetries: q.maxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	jobJSON, err := json.Marshal(job)
	if err != nil {
		return Handle{}, err
	}

	if opts.RejectDuplicate {
		ok, err := q.rdb.SetNX(ctx, q.claimKey(key), id, 0).Result()
		if err != nil {
			return Handle{}, fmt.Errorf("claim key %s: %w", key, err)
		}
		if !ok {
			return Handle{}, fmt.Errorf("%w: %s", ErrDuplicateJob, key)
		}
	}

	ok, err := q.rdb.SetNX(ctx, q.jobKey(id), jobJSON, 0).Result()
	if err != nil || !ok {
		if opts.RejectDuplicate {
			q.release(context.WithoutCancel(ctx), q.claimKey(key), id)
		}
		if err != nil {
			return Handle{}, fmt.Errorf("store job %s: %w", id, err)
		}
		return Handle{}, fmt.Errorf("%w: job %s exists", ErrDuplicateJob, id)
	}

	_, err = q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		// The waiting event goes first so no consumer can see active before it.
		if err := q.addEvent(ctx, pipe, models.Event{Kind: models.EventWaiting, Job: job}); err != nil {
			return err
		}
		pipe.LPush(ctx, q.pendingKey(jobType), id)
		return nil
	})
	if err != nil {
		cleanup := context.WithoutCancel(ctx)
		q.rdb.Del(cleanup, q.jobKey(id))
		if opts.RejectDuplicate {
			q.release(cleanup, q.claimKey(key), id)
		}
		return Handle{}, fmt.Errorf("enqueue job %s: %w", id, err)
	}

	return Handle{ID: id, Type: jobType, Key: key}, nil
}

// Reserve blocks up to wait for a job of jobType and makes it active. It
// returns ErrNoJob on timeout and ErrKeyBusy when the popped job had to be
// deferred because another job with its key is active.
func (q *Queue) Reserve(ctx context.Context, jobType models.JobType, wait time.Duration) (*models.Job, error) {
	if err := q.promoteDelayed(ctx, jobType); err != nil {
		return nil, err
	}

	// Atomic pop from pending and push to processing
	id, err := q.rdb.BRPopLPush(ctx, q.pendingKey(jobType), q.processingKey(jobType), wait).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoJob
	}
	if err != nil {
		return nil, err
	}

	job, err := q.Get(ctx, id)
	if errors.Is(err, errJobMissing) {
		q.rdb.LRem(ctx, q.processingKey(jobType), 1, id)
		return nil, ErrNoJob
	}
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	active := *job
	active.Status = models.JobActive
	active.Attempts++
	active.StartedAt = now
	active.UpdatedAt = now
	active.LeaseToken = job.ID + "/" + uuid.NewString()
	jobJSON, err := json.Marshal(active)
	if err != nil {
		return nil, err
	}
	ev, err := encodeEvent(models.Event{Kind: models.EventActive, Job: active})
	if err != nil {
		return nil, err
	}

	n, err := activateScript.Run(ctx, q.rdb,
		[]string{q.processingKey(jobType), q.leaseKey(job.Key), q.jobKey(job.ID), q.unleasedKey(jobType), q.eventsKey()},
		job.ID, active.LeaseToken, q.leaseTTL.Milliseconds(), jobJSON, ev, eventsMaxLen, eventField,
	).Int()
	if err != nil {
		return nil, fmt.Errorf("activate job %s: %w", job.ID, err)
	}
	switch n {
	case -1:
		return nil, ErrNoJob
	case 0:
		if err := q.Defer(ctx, job, q.deferDelay); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s", ErrKeyBusy, job.Key)
	}
	return &active, nil
}

// Heartbeat extends the active lease of job.
func (q *Queue) Heartbeat(ctx context.Context, job *models.Job) error {
	n, err := extendScript.Run(ctx, q.rdb, []string{q.leaseKey(job.Key)}, job.LeaseToken, q.leaseTTL.Milliseconds()).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrLeaseLost, job.ID)
	}
	return nil
}

// Progress emits a progress event; job state is not persisted.
func (q *Queue) Progress(ctx context.Context, job *models.Job, percent float64) error {
	return q.addEvent(ctx, q.rdb, models.Event{Kind: models.EventProgress, Job: *job, Progress: percent})
}

type finishGuard string

const (
	guardOwner  finishGuard = "owner"
	guardOrphan finishGuard = "orphan"
)

type finishAction string

const (
	actionRemove finishAction = "remove"
	actionDelay  finishAction = "delay"
)

// finish applies a terminal or rescheduling step atomically with its event.
// It reports false when the guard did not hold and nothing changed.
func (q *Queue) finish(ctx context.Context, job *models.Job, guard finishGuard, action finishAction, delay time.Duration, ev models.Event) (bool, error) {
	token := job.LeaseToken
	if action == actionDelay {
		job.LeaseToken = ""
	}
	jobJSON, err := json.Marshal(job)
	if err != nil {
		return false, err
	}
	var evData string
	if ev.Kind != "" {
		ev.Job = *job
		if evData, err = encodeEvent(ev); err != nil {
			return false, err
		}
	}
	due := time.Now().Add(delay).UnixMilli()

	n, err := finishScript.Run(ctx, q.rdb,
		[]string{
			q.leaseKey(job.Key), q.claimKey(job.Key), q.processingKey(job.Type),
			q.jobKey(job.ID), q.delayedKey(job.Type), q.eventsKey(), q.unleasedKey(job.Type),
		},
		job.ID, token, string(guard), string(action), jobJSON, due, evData, eventsMaxLen, eventField,
	).Int()
	if err != nil {
		return false, fmt.Errorf("update job %s: %w", job.ID, err)
	}
	return n == 1, nil
}

func lostLease(job *models.Job) error {
	return fmt.Errorf("%w: %s", ErrLeaseLost, job.ID)
}

// Complete removes the job and emits its completed event with result. It
// fails with ErrLeaseLost when the caller no longer holds the job's lease.
func (q *Queue) Complete(ctx context.Context, job *models.Job, result any) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	job.Status = models.JobCompleted
	job.UpdatedAt = time.Now().UTC()

	ok, err := q.finish(ctx, job, guardOwner, actionRemove, 0, models.Event{Kind: models.EventCompleted, Result: data})
	if err != nil {
		return err
	}
	if !ok {
		return lostLease(job)
	}
	return nil
}

// Fail records a failed attempt. While retries remain the job is scheduled
// again with exponential backoff and retried is true; otherwise the job is
// discarded and a failed event emitted. It fails with ErrLeaseLost when the
// caller no longer holds the job's lease.
func (q *Queue) Fail(ctx context.Context, job *models.Job, cause error) (retried bool, err error) {
	retried, ok, err := q.fail(ctx, job, cause, guardOwner)
	if err == nil && !ok {
		err = lostLease(job)
	}
	return retried, err
}

func (q *Queue) fail(ctx context.Context, job *models.Job, cause error, guard finishGuard) (retried, ok bool, err error) {
	job.UpdatedAt = time.Now().UTC()
	if job.Attempts <= job.MaxRetries {
		job.Status = models.JobWaiting
		ok, err = q.finish(ctx, job, guard, actionDelay, backoff(job.Attempts), models.Event{Kind: models.EventRetrying, Error: cause.Error()})
		return ok, ok, err
	}
	job.Status = models.JobFailed
	ok, err = q.finish(ctx, job, guard, actionRemove, 0, models.Event{Kind: models.EventFailed, Error: cause.Error()})
	return false, ok, err
}

// Defer puts a reserved job back behind the others for at least delay
// without counting an attempt. An active job emits a waiting event and
// gives up its lease.
func (q *Queue) Defer(ctx context.Context, job *models.Job, delay time.Duration) error {
	wasActive := job.Status == models.JobActive
	if wasActive && job.Attempts > 0 {
		job.Attempts--
	}
	job.Status = models.JobWaiting
	job.UpdatedAt = time.Now().UTC()

	guard := guardOrphan
	var ev models.Event
	if wasActive {
		guard = guardOwner
		ev = models.Event{Kind: models.EventWaiting}
	}
	ok, err := q.finish(ctx, job, guard, actionDelay, delay, ev)
	if err != nil {
		return err
	}
	if !ok {
		if wasActive {
			return lostLease(job)
		}
		return fmt.Errorf("%w: %s left processing", errJobMissing, job.ID)
	}
	return nil
}

// Get loads a queued or active job.
func (q *Queue) Get(ctx context.Context, id string) (*models.Job, error) {
	data, err := q.rdb.Get(ctx, q.jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", errJobMissing, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", id, err)
	}
	var job models.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &job, nil
}

// List returns the jobs of jobType that are pending, delayed or processing.
func (q *Queue) List(ctx context.Context, jobType models.JobType) ([]models.Job, error) {
	var ids []string
	for _, key := range []string{q.processingKey(jobType), q.pendingKey(jobType)} {
		part, err := q.rdb.LRange(ctx, key, 0, -1).Result()
		if err != nil {
			return nil, err
		}
		ids = append(ids, part...)
	}
	delayed, err := q.rdb.ZRange(ctx, q.delayedKey(jobType), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	ids = append(ids, delayed...)

	jobs := make([]models.Job, 0, len(ids))
	for _, id := range ids {
		job, err := q.Get(ctx, id)
		if errors.Is(err, errJobMissing) {
			continue
		}
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, nil
}

func (q *Queue) promoteDelayed(ctx context.Context, jobType models.JobType) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	err := promoteScript.Run(ctx, q.rdb, []string{q.delayedKey(jobType), q.pendingKey(jobType)}, now).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("promote delayed %s jobs: %w", jobType, err)
	}
	return nil
}

func (q *Queue) release(ctx context.Context, key, owner string) {
	releaseScript.Run(ctx, q.rdb, []string{key}, owner)
}

func backoff(attempt int) time.Duration {
	delay := time.Duration(math.Pow(2, float64(attempt))) * time.Second
	if delay > maxBackoff {
		delay = maxBackoff
	}
	return delay
}

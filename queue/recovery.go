package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"vodpipeline/models"

	"github.com/redis/go-redis/v9"
)

// RestartPolicy decides what happens to jobs whose worker disappeared.
type RestartPolicy string

const (
	// PolicyFail fails stale jobs so their videos leave Processing (or
	// retries them when retries are configured).
	PolicyFail RestartPolicy = "fail"
	// PolicyAbandon drops stale jobs without an event.
	PolicyAbandon RestartPolicy = "abandon"
)

var ErrWorkerLost = errors.New("worker stopped before the job finished")

var jobTypes = []models.JobType{models.JobTranscodeVideo, models.JobTranscodeCaption}

// requeueScript returns a popped job that never took a lease to the front of
// pending. The first call only records when the job was seen; the job moves
// once it stayed unleased for the grace period.
var requeueScript = redis.NewScript(`
if not redis.call('LPOS', KEYS[1], ARGV[1]) then
	redis.call('HDEL', KEYS[4], ARGV[1])
	return 0
end
local holder = redis.call('GET', KEYS[3])
if holder and string.sub(holder, 1, #ARGV[1] + 1) == ARGV[1] .. '/' then
	return 0
end
local seen = redis.call('HGET', KEYS[4], ARGV[1])
if not seen then
	redis.call('HSET', KEYS[4], ARGV[1], ARGV[2])
	return 0
end
if tonumber(ARGV[2]) - tonumber(seen) < tonumber(ARGV[3]) then
	return 0
end
redis.call('LREM', KEYS[1], 1, ARGV[1])
redis.call('RPUSH', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[4], ARGV[1])
return 1`)

// Recover scans processing jobs and returns how many it touched. Active jobs
// whose lease is gone are failed or abandoned per policy. Jobs a worker
// popped but never activated go back to pending once they stayed unleased
// for a lease period.
func (q *Queue) Recover(ctx context.Context, policy RestartPolicy) (int, error) {
	recovered := 0
	for _, jobType := range jobTypes {
		ids, err := q.rdb.LRange(ctx, q.processingKey(jobType), 0, -1).Result()
		if err != nil {
			return recovered, fmt.Errorf("get processing queue: %w", err)
		}

		for _, id := range ids {
			job, err := q.Get(ctx, id)
			if errors.Is(err, errJobMissing) {
				q.rdb.LRem(ctx, q.processingKey(jobType), 1, id)
				continue
			}
			if err != nil {
				return recovered, err
			}

			if job.Status != models.JobActive {
				requeued, err := q.requeueUnleased(ctx, job)
				if err != nil {
					return recovered, err
				}
				if requeued {
					log.Printf("[Recovery] Requeued %s job %s (key %s) that never started", job.Type, job.ID, job.Key)
					recovered++
				}
				continue
			}

			stale, err := q.isStale(ctx, job)
			if err != nil {
				return recovered, err
			}
			if !stale {
				continue
			}

			var ok bool
			switch policy {
			case PolicyAbandon:
				ok, err = q.finish(ctx, job, guardOrphan, actionRemove, 0, models.Event{})
				if err != nil {
					return recovered, err
				}
				if ok {
					log.Printf("[Recovery] Abandoned %s job %s (key %s)", job.Type, job.ID, job.Key)
				}
			default:
				var retried bool
				retried, ok, err = q.fail(ctx, job, ErrWorkerLost, guardOrphan)
				if err != nil {
					return recovered, err
				}
				if ok {
					log.Printf("[Recovery] Stale %s job %s (key %s) retried=%v", job.Type, job.ID, job.Key, retried)
				}
			}
			if ok {
				recovered++
			}
		}
	}
	return recovered, nil
}

// isStale reports whether an active job's lease is no longer held by it.
// Leases only disappear by expiring, since finishing a job removes it from
// processing in the same step.
func (q *Queue) isStale(ctx context.Context, job *models.Job) (bool, error) {
	holder, err := q.rdb.Get(ctx, q.leaseKey(job.Key)).Result()
	if errors.Is(err, redis.Nil) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return holder != job.LeaseToken, nil
}

func (q *Queue) requeueUnleased(ctx context.Context, job *models.Job) (bool, error) {
	n, err := requeueScript.Run(ctx, q.rdb,
		[]string{q.processingKey(job.Type), q.pendingKey(job.Type), q.leaseKey(job.Key), q.unleasedKey(job.Type)},
		job.ID, time.Now().UnixMilli(), q.leaseTTL.Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("requeue job %s: %w", job.ID, err)
	}
	return n == 1, nil
}

// RecoveryLoop runs Recover immediately and then every interval.
func (q *Queue) RecoveryLoop(ctx context.Context, interval time.Duration, policy RestartPolicy) {
	log.Printf("[Recovery] Starting stale job recovery loop (policy=%s)", policy)

	q.recoverOnce(ctx, policy)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[Recovery] Shutting down")
			return
		case <-ticker.C:
			q.recoverOnce(ctx, policy)
		}
	}
}

func (q *Queue) recoverOnce(ctx context.Context, policy RestartPolicy) {
	n, err := q.Recover(ctx, policy)
	if err != nil {
		log.Printf("[Recovery] Failed: %v", err)
		return
	}
	if n > 0 {
		log.Printf("[Recovery] Recovered %d stale jobs", n)
	}
}

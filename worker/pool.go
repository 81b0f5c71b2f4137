package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"vodpipeline/config"
	"vodpipeline/models"
	"vodpipeline/queue"
	"vodpipeline/services"
)

// ErrNotReady makes the pool defer a job instead of failing it.
var ErrNotReady = errors.New("job prerequisites not met yet")

const (
	reserveWait       = 5 * time.Second
	progressStep      = 5.0
	redisErrorBackoff = 5 * time.Second
)

// Handler executes one job and returns the value published with its
// completed event.
type Handler interface {
	Handle(ctx context.Context, job *models.Job, progress services.ProgressFunc) (any, error)
}

// Queue is the part of queue.Queue the pool drives.
type Queue interface {
	Reserve(ctx context.Context, jobType models.JobType, wait time.Duration) (*models.Job, error)
	Heartbeat(ctx context.Context, job *models.Job) error
	Progress(ctx context.Context, job *models.Job, percent float64) error
	Complete(ctx context.Context, job *models.Job, result any) error
	Fail(ctx context.Context, job *models.Job, cause error) (bool, error)
	Defer(ctx context.Context, job *models.Job, delay time.Duration) error
	LeaseTTL() time.Duration
}

type Pool struct {
	config   *config.Config
	queue    Queue
	handlers map[models.JobType]Handler
}

func NewPool(cfg *config.Config, q Queue, handlers map[models.JobType]Handler) *Pool {
	return &Pool{
		config:   cfg,
		queue:    q,
		handlers: handlers,
	}
}

func (p *Pool) StartWorker(ctx context.Context, workerID int, jobType models.JobType) {
	handler, ok := p.handlers[jobType]
	if !ok {
		log.Printf("[Worker %d] No handler for %s jobs", workerID, jobType)
		return
	}
	log.Printf("[Worker %d] Starting (%s)", workerID, jobType)

	// Deferred jobs are only promoted between reserves.
	wait := reserveWait
	if d := p.config.DeferDelay; d > 0 && d < wait {
		wait = d
	}

	for {
		select {
		case <-ctx.Done():
			log.Printf("[Worker %d] Shutting down", workerID)
			return
		default:
			job, err := p.queue.Reserve(ctx, jobType, wait)

			if errors.Is(err, queue.ErrNoJob) {
				continue
			}

			if errors.Is(err, queue.ErrKeyBusy) {
				log.Printf("[Worker %d] Deferred job: %v", workerID, err)
				continue
			}

			if err != nil {
				if ctx.Err() != nil {
					continue
				}
				log.Printf("[Worker %d] Redis error: %v", workerID, err)
				select {
				case <-ctx.Done():
				case <-time.After(redisErrorBackoff):
				}
				continue
			}

			p.processJob(ctx, workerID, handler, job)
		}
	}
}

func (p *Pool) processJob(ctx context.Context, workerID int, handler Handler, job *models.Job) {
	log.Printf("[Worker %d] Processing %s job %s (key %s, attempt %d)", workerID, job.Type, job.ID, job.Key, job.Attempts)

	// jobCtx ends on shutdown or when the heartbeat finds the lease gone.
	jobCtx, cancelJob := context.WithCancelCause(ctx)
	defer cancelJob(nil)

	handlerCtx := jobCtx
	if p.config.JobTimeout > 0 {
		var cancel context.CancelFunc
		handlerCtx, cancel = context.WithTimeout(jobCtx, p.config.JobTimeout)
		defer cancel()
	}

	stopHeartbeat := p.heartbeat(jobCtx, workerID, job, cancelJob)
	startTime := time.Now()

	result, err := handler.Handle(handlerCtx, job, p.progressReporter(jobCtx, workerID, job))
	stopHeartbeat()

	// Another worker may own the key by now; nothing about this run is
	// recorded.
	if errors.Is(context.Cause(jobCtx), queue.ErrLeaseLost) {
		log.Printf("[Worker %d] Job %s lost its lease, discarding the run", workerID, job.ID)
		return
	}

	// Queue bookkeeping must finish even while shutting down.
	bookkeeping := context.WithoutCancel(ctx)

	if errors.Is(err, ErrNotReady) {
		if derr := p.queue.Defer(bookkeeping, job, p.config.DeferDelay); derr != nil {
			log.Printf("[Worker %d] Failed to defer job %s: %v", workerID, job.ID, derr)
			return
		}
		log.Printf("[Worker %d] Job %s deferred: %v", workerID, job.ID, err)
		return
	}

	if err != nil && ctx.Err() != nil {
		// Interrupted by shutdown: the attempt does not count and the job is
		// picked up again right away.
		if derr := p.queue.Defer(bookkeeping, job, 0); derr != nil {
			log.Printf("[Worker %d] Failed to requeue interrupted job %s: %v", workerID, job.ID, derr)
			return
		}
		log.Printf("[Worker %d] Job %s interrupted by shutdown, requeued", workerID, job.ID)
		return
	}

	if err != nil {
		p.handleJobFailure(bookkeeping, workerID, job, err)
		return
	}

	if err := p.queue.Complete(bookkeeping, job, result); err != nil {
		log.Printf("[Worker %d] Failed to complete job %s: %v", workerID, job.ID, err)
		return
	}

	log.Printf("[Worker %d] Job %s completed successfully (%.2fs)", workerID, job.ID, time.Since(startTime).Seconds())
}

func (p *Pool) handleJobFailure(ctx context.Context, workerID int, job *models.Job, cause error) {
	log.Printf("[Worker %d] Job %s failed: %v", workerID, job.ID, cause)

	retried, err := p.queue.Fail(ctx, job, cause)
	if err != nil {
		log.Printf("[Worker %d] Failed to record failure of job %s: %v", workerID, job.ID, err)
		return
	}
	if retried {
		log.Printf("[Worker %d] Scheduled retry %d/%d for job %s", workerID, job.Attempts, job.MaxRetries, job.ID)
		return
	}
	log.Printf("[Worker %d] Job %s discarded after %d attempt(s)", workerID, job.ID, job.Attempts)
}

// heartbeat keeps the job's lease alive until the returned func is called.
// Losing the lease cancels the job through lost.
func (p *Pool) heartbeat(ctx context.Context, workerID int, job *models.Job, lost context.CancelCauseFunc) func() {
	interval := p.queue.LeaseTTL() / 3
	if interval <= 0 {
		interval = time.Second
	}
	hbCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				err := p.queue.Heartbeat(hbCtx, job)
				if err == nil || hbCtx.Err() != nil {
					continue
				}
				if errors.Is(err, queue.ErrLeaseLost) {
					log.Printf("[Worker %d] Lease of job %s lost, stopping it", workerID, job.ID)
					lost(err)
					return
				}
				log.Printf("[Worker %d] Heartbeat for job %s failed: %v", workerID, job.ID, err)
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

// progressReporter publishes progress in coarse steps.
func (p *Pool) progressReporter(ctx context.Context, workerID int, job *models.Job) services.ProgressFunc {
	last := -progressStep
	return func(percent float64) {
		if ctx.Err() != nil {
			return
		}
		if percent < 100 && percent-last < progressStep {
			return
		}
		if percent >= 100 && last >= 100 {
			return
		}
		last = percent
		if err := p.queue.Progress(ctx, job, percent); err != nil {
			log.Printf("[Worker %d] Progress for job %s not published: %v", workerID, job.ID, err)
		}
	}
}

func decodePayload[T any](job *models.Job) (T, error) {
	var v T
	if err := job.DecodePayload(&v); err != nil {
		return v, fmt.Errorf("decode %s payload of job %s: %w", job.Type, job.ID, err)
	}
	return v, nil
}

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"vodpipeline/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

const testWait = 100 * time.Millisecond

func newTestQueue(t *testing.T, opts Options) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	if opts.Prefix == "" {
		opts.Prefix = "test:"
	}
	if opts.BlockTimeout == 0 {
		opts.BlockTimeout = testWait
	}
	return New(rdb, opts), mr
}

// events returns every lifecycle event written so far, oldest first.
func events(t *testing.T, q *Queue) []models.Event {
	t.Helper()
	msgs, err := q.rdb.XRange(context.Background(), q.eventsKey(), "-", "+").Result()
	if err != nil {
		t.Fatalf("XRange: %v", err)
	}
	out := make([]models.Event, 0, len(msgs))
	for _, m := range msgs {
		ev, err := decodeEvent(m)
		if err != nil {
			t.Fatalf("decode event: %v", err)
		}
		out = append(out, ev)
	}
	return out
}

func kinds(evs []models.Event, jobID string) []models.EventKind {
	var out []models.EventKind
	for _, ev := range evs {
		if ev.Job.ID == jobID {
			out = append(out, ev.Kind)
		}
	}
	return out
}

func equalKinds(got []models.EventKind, want ...models.EventKind) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func enqueueCaption(t *testing.T, q *Queue, key string) Handle {
	t.Helper()
	h, err := q.Enqueue(context.Background(), models.JobTranscodeCaption, key, models.TranscodeCaptionPayload{VideoID: key}, EnqueueOptions{})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return h
}

func TestQueue_EnqueueReserveComplete(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	ctx := context.Background()

	h, err := q.Enqueue(ctx, models.JobTranscodeVideo, "v1", models.TranscodeVideoPayload{VideoID: "v1"}, EnqueueOptions{JobID: "v1", RejectDuplicate: true})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if h.ID != "v1" || h.Key != "v1" {
		t.Fatalf("unexpected handle %+v", h)
	}

	job, err := q.Reserve(ctx, models.JobTranscodeVideo, testWait)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if job.Status != models.JobActive || job.Attempts != 1 {
		t.Fatalf("unexpected reserved job %+v", job)
	}
	var payload models.TranscodeVideoPayload
	if err := job.DecodePayload(&payload); err != nil || payload.VideoID != "v1" {
		t.Fatalf("payload round trip: %+v %v", payload, err)
	}

	if err := q.Progress(ctx, job, 40); err != nil {
		t.Fatal(err)
	}
	if err := q.Complete(ctx, job, models.TranscodeVideoResult{Renditions: []string{"1080p"}}); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	evs := events(t, q)
	if got := kinds(evs, "v1"); !equalKinds(got, models.EventWaiting, models.EventActive, models.EventProgress, models.EventCompleted) {
		t.Fatalf("unexpected event order %v", got)
	}
	var result models.TranscodeVideoResult
	if err := json.Unmarshal(evs[len(evs)-1].Result, &result); err != nil || result.Renditions[0] != "1080p" {
		t.Fatalf("completed event result: %s (%v)", evs[len(evs)-1].Result, err)
	}

	jobs, err := q.List(ctx, models.JobTranscodeVideo)
	if err != nil || len(jobs) != 0 {
		t.Fatalf("completed job still listed: %v %v", jobs, err)
	}
	if _, err := q.Get(ctx, "v1"); !errors.Is(err, errJobMissing) {
		t.Fatalf("completed job record should be gone, got %v", err)
	}
}

func TestQueue_RejectDuplicateUntilFinished(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	ctx := context.Background()
	opts := EnqueueOptions{JobID: "v1", RejectDuplicate: true}

	if _, err := q.Enqueue(ctx, models.JobTranscodeVideo, "v1", nil, opts); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Enqueue(ctx, models.JobTranscodeVideo, "v1", nil, opts); !errors.Is(err, ErrDuplicateJob) {
		t.Fatalf("expected ErrDuplicateJob while queued, got %v", err)
	}

	job, err := q.Reserve(ctx, models.JobTranscodeVideo, testWait)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := q.Enqueue(ctx, models.JobTranscodeVideo, "v1", nil, opts); !errors.Is(err, ErrDuplicateJob) {
		t.Fatalf("expected ErrDuplicateJob while active, got %v", err)
	}

	if _, err := q.Fail(ctx, job, errors.New("encoder exited 1")); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Enqueue(ctx, models.JobTranscodeVideo, "v1", nil, opts); err != nil {
		t.Fatalf("enqueue after failure should succeed, got %v", err)
	}
}

func TestQueue_SameKeyNeverActiveTwice(t *testing.T) {
	q, _ := newTestQueue(t, Options{DeferDelay: 10 * time.Millisecond})
	ctx := context.Background()

	first := enqueueCaption(t, q, "v1")
	second := enqueueCaption(t, q, "v1")

	job, err := q.Reserve(ctx, models.JobTranscodeCaption, testWait)
	if err != nil || job.ID != first.ID {
		t.Fatalf("expected first job, got %+v %v", job, err)
	}

	if _, err := q.Reserve(ctx, models.JobTranscodeCaption, testWait); !errors.Is(err, ErrKeyBusy) {
		t.Fatalf("expected ErrKeyBusy, got %v", err)
	}
	deferred, err := q.Get(ctx, second.ID)
	if err != nil {
		t.Fatal(err)
	}
	if deferred.Attempts != 0 || deferred.Status != models.JobWaiting {
		t.Fatalf("deferral should not count as an attempt: %+v", deferred)
	}

	if err := q.Complete(ctx, job, nil); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)

	next, err := q.Reserve(ctx, models.JobTranscodeCaption, testWait)
	if err != nil || next.ID != second.ID {
		t.Fatalf("expected deferred job after release, got %+v %v", next, err)
	}
	if got := kinds(events(t, q), second.ID); !equalKinds(got, models.EventWaiting, models.EventActive) {
		t.Fatalf("deferral at pickup must not emit events, got %v", got)
	}
}

func TestQueue_ConcurrentReserveSameKey(t *testing.T) {
	q, _ := newTestQueue(t, Options{DeferDelay: time.Minute})
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		enqueueCaption(t, q, "v1")
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		active int
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := q.Reserve(ctx, models.JobTranscodeCaption, testWait); err != nil {
				return
			}
			mu.Lock()
			active++
			mu.Unlock()
		}()
	}
	wg.Wait()

	if active != 1 {
		t.Fatalf("expected exactly one active job for the key, got %d", active)
	}
}

func TestQueue_FailWithoutRetries(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	ctx := context.Background()

	h := enqueueCaption(t, q, "v1")
	job, err := q.Reserve(ctx, models.JobTranscodeCaption, testWait)
	if err != nil {
		t.Fatal(err)
	}

	retried, err := q.Fail(ctx, job, errors.New("mux failed"))
	if err != nil || retried {
		t.Fatalf("expected terminal failure, got retried=%v err=%v", retried, err)
	}

	evs := events(t, q)
	if got := kinds(evs, h.ID); !equalKinds(got, models.EventWaiting, models.EventActive, models.EventFailed) {
		t.Fatalf("unexpected events %v", got)
	}
	if evs[len(evs)-1].Error != "mux failed" {
		t.Fatalf("failed event should carry the cause, got %q", evs[len(evs)-1].Error)
	}

	// The key is free again.
	enqueueCaption(t, q, "v1")
	if _, err := q.Reserve(ctx, models.JobTranscodeCaption, testWait); err != nil {
		t.Fatalf("key still held after failure: %v", err)
	}
}

func TestQueue_FailSchedulesRetry(t *testing.T) {
	q, mr := newTestQueue(t, Options{MaxRetries: 1})
	ctx := context.Background()

	h := enqueueCaption(t, q, "v1")
	job, err := q.Reserve(ctx, models.JobTranscodeCaption, testWait)
	if err != nil {
		t.Fatal(err)
	}

	retried, err := q.Fail(ctx, job, errors.New("transient"))
	if err != nil || !retried {
		t.Fatalf("expected retry, got retried=%v err=%v", retried, err)
	}
	if _, err := mr.ZScore(q.delayedKey(models.JobTranscodeCaption), h.ID); err != nil {
		t.Fatalf("retried job not in delayed set: %v", err)
	}
	if mr.Exists(q.leaseKey("v1")) {
		t.Fatal("lease must be released while the retry waits")
	}
	if got := kinds(events(t, q), h.ID); !equalKinds(got, models.EventWaiting, models.EventActive, models.EventRetrying) {
		t.Fatalf("unexpected events %v", got)
	}

	stored, err := q.Get(ctx, h.ID)
	if err != nil || stored.Attempts != 1 || stored.Status != models.JobWaiting {
		t.Fatalf("unexpected stored job %+v %v", stored, err)
	}
}

func TestQueue_HeartbeatAfterLeaseLost(t *testing.T) {
	q, mr := newTestQueue(t, Options{LeaseTTL: time.Second})
	ctx := context.Background()

	enqueueCaption(t, q, "v1")
	job, err := q.Reserve(ctx, models.JobTranscodeCaption, testWait)
	if err != nil {
		t.Fatal(err)
	}
	if err := q.Heartbeat(ctx, job); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}

	mr.FastForward(2 * time.Second)
	if err := q.Heartbeat(ctx, job); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("expected ErrLeaseLost, got %v", err)
	}
}

func TestBackoff(t *testing.T) {
	t.Parallel()

	if backoff(1) != 2*time.Second || backoff(3) != 8*time.Second {
		t.Fatal("unexpected exponential backoff")
	}
	if backoff(10) != maxBackoff {
		t.Fatalf("backoff should cap at %s", maxBackoff)
	}
}

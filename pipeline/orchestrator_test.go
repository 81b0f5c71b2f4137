package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"vodpipeline/models"
	"vodpipeline/queue"
	"vodpipeline/services"
)

type orchestratorFixture struct {
	store  *services.VideoStore
	mirror *fakeMirror
	orch   *Orchestrator
	video  *models.Video
	source string
}

func newOrchestratorFixture(t *testing.T) *orchestratorFixture {
	t.Helper()
	root := t.TempDir()
	source := filepath.Join(root, "uploads", "lecture.mp4")
	writeFile(t, source, "mp4")

	store := newTestStore(t)
	video := &models.Video{
		ID:                  "v1",
		DurationSeconds:     30,
		OriginalAssetRef:    source,
		WorkingDirectoryRef: filepath.Join(root, "videos", "v1"),
	}
	if err := store.Create(context.Background(), video); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(video.WorkingDirectoryRef, 0755); err != nil {
		t.Fatal(err)
	}

	mirror := &fakeMirror{}
	return &orchestratorFixture{
		store:  store,
		mirror: mirror,
		orch:   NewOrchestrator(nil, store, mirror, "pipeline", "test"),
		video:  video,
		source: source,
	}
}

func (f *orchestratorFixture) videoEvent(t *testing.T, kind models.EventKind, result any) models.Event {
	t.Helper()
	payload, _ := json.Marshal(models.TranscodeVideoPayload{
		VideoID:    f.video.ID,
		SourcePath: f.source,
		WorkingDir: f.video.WorkingDirectoryRef,
	})
	ev := models.Event{
		Kind: kind,
		Job:  models.Job{ID: f.video.ID, Type: models.JobTranscodeVideo, Key: f.video.ID, Payload: payload},
	}
	if result != nil {
		ev.Result, _ = json.Marshal(result)
	}
	return ev
}

func (f *orchestratorFixture) captionEvent(t *testing.T, kind models.EventKind, lang, name string) models.Event {
	t.Helper()
	payload, _ := json.Marshal(models.TranscodeCaptionPayload{
		VideoID:     f.video.ID,
		CaptionPath: "/captions/" + lang + ".vtt",
		WorkingDir:  f.video.WorkingDirectoryRef,
		LanguageTag: lang,
		DisplayName: name,
	})
	ev := models.Event{
		Kind: kind,
		Job:  models.Job{ID: "cap-" + lang, Type: models.JobTranscodeCaption, Key: f.video.ID, Payload: payload},
	}
	if kind == models.EventCompleted {
		ev.Result, _ = json.Marshal(models.TranscodeCaptionResult{
			RenditionName:      services.SubtitlePlaylistName(name),
			MasterManifestPath: filepath.Join(f.video.WorkingDirectoryRef, services.MasterManifestName),
			LanguageTag:        lang,
			DisplayName:        name,
		})
	}
	return ev
}

func (f *orchestratorFixture) handle(t *testing.T, ev models.Event) {
	t.Helper()
	if err := f.orch.Handle(context.Background(), ev); err != nil {
		t.Fatalf("Handle %s: %v", ev.Kind, err)
	}
}

func (f *orchestratorFixture) status(t *testing.T) models.VideoStatus {
	t.Helper()
	v, err := f.store.Get(context.Background(), f.video.ID)
	if err != nil {
		t.Fatal(err)
	}
	return v.Status
}

// transcoded drives the video through a successful transcode.
func (f *orchestratorFixture) transcoded(t *testing.T) {
	t.Helper()
	writeFile(t, filepath.Join(f.video.WorkingDirectoryRef, services.MasterManifestName), sampleMaster)
	f.handle(t, f.videoEvent(t, models.EventWaiting, nil))
	f.handle(t, f.videoEvent(t, models.EventActive, nil))
	f.handle(t, f.videoEvent(t, models.EventCompleted, models.TranscodeVideoResult{
		Renditions: services.DefaultLadder.Labels(),
		MasterPath: filepath.Join(f.video.WorkingDirectoryRef, services.MasterManifestName),
	}))
}

func TestOrchestrator_VideoLifecycle(t *testing.T) {
	t.Parallel()
	f := newOrchestratorFixture(t)

	f.handle(t, f.videoEvent(t, models.EventWaiting, nil))
	if s := f.status(t); s != models.StatusWaitingInQueue {
		t.Fatalf("after waiting: %q", s)
	}
	f.handle(t, f.videoEvent(t, models.EventActive, nil))
	f.handle(t, f.videoEvent(t, models.EventProgress, nil))
	// A retry re-activates the job; the video is already Processing.
	f.handle(t, f.videoEvent(t, models.EventActive, nil))
	if s := f.status(t); s != models.StatusProcessing {
		t.Fatalf("after active: %q", s)
	}

	f.handle(t, f.videoEvent(t, models.EventCompleted, models.TranscodeVideoResult{
		Renditions: services.DefaultLadder.Labels(),
	}))

	v, _ := f.store.Get(context.Background(), f.video.ID)
	if v.Status != models.StatusReadyToPublish {
		t.Fatalf("after completed: %q", v.Status)
	}
	if strings.Join(v.AvailableRenditions, ",") != "1080p,720p,360p" {
		t.Fatalf("renditions not recorded: %v", v.AvailableRenditions)
	}
	if v.OriginalAssetRef != "" {
		t.Fatal("source reference should be released")
	}
	if _, err := os.Stat(f.source); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("source file should be removed, stat err=%v", err)
	}
	if len(f.mirror.mirrors) != 1 {
		t.Fatalf("expected the package to be mirrored once, got %d", len(f.mirror.mirrors))
	}
}

func TestOrchestrator_VideoFailure(t *testing.T) {
	t.Parallel()
	f := newOrchestratorFixture(t)

	f.handle(t, f.videoEvent(t, models.EventWaiting, nil))
	f.handle(t, f.videoEvent(t, models.EventActive, nil))
	ev := f.videoEvent(t, models.EventFailed, nil)
	ev.Error = "ffmpeg exited with code 1"
	f.handle(t, ev)

	if s := f.status(t); s != models.StatusFailedInProcessing {
		t.Fatalf("expected FailedInProcessing, got %q", s)
	}
	if _, err := os.Stat(f.source); err != nil {
		t.Fatalf("failed transcode must keep the source: %v", err)
	}
}

func TestOrchestrator_IgnoresEventsForDeletedVideo(t *testing.T) {
	t.Parallel()
	f := newOrchestratorFixture(t)

	f.handle(t, f.videoEvent(t, models.EventWaiting, nil))
	if err := f.store.MarkDeleted(context.Background(), f.video.ID); err != nil {
		t.Fatal(err)
	}
	f.handle(t, f.videoEvent(t, models.EventActive, nil))
	f.handle(t, f.videoEvent(t, models.EventCompleted, models.TranscodeVideoResult{Renditions: []string{"1080p"}}))

	if s := f.status(t); s != models.StatusDeleted {
		t.Fatalf("deleted video changed status to %q", s)
	}
}

func TestOrchestrator_CaptionMerge(t *testing.T) {
	t.Parallel()
	f := newOrchestratorFixture(t)
	f.transcoded(t)

	dir := f.video.WorkingDirectoryRef
	writeFile(t, filepath.Join(dir, "sub_English.m3u8"), "#EXTM3U\n")
	writeFile(t, filepath.Join(dir, "redundant_English.ts"), "ts")
	writeFile(t, filepath.Join(dir, "redundant_English.m3u8"), "#EXTM3U\n")

	f.handle(t, f.captionEvent(t, models.EventCompleted, "en", "English"))
	f.handle(t, f.captionEvent(t, models.EventCompleted, "es", "Español"))

	master, err := os.ReadFile(filepath.Join(dir, services.MasterManifestName))
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		`NAME="English",DEFAULT=NO,AUTOSELECT=NO,FORCED=NO,LANGUAGE="en",URI="sub_English.m3u8"`,
		`NAME="Español",DEFAULT=NO,AUTOSELECT=NO,FORCED=NO,LANGUAGE="es",URI="sub_Espanol.m3u8"`,
	} {
		if !strings.Contains(string(master), want) {
			t.Fatalf("master missing %s:\n%s", want, master)
		}
	}
	if n := strings.Count(string(master), `SUBTITLES="subtitle"`); n != 3 {
		t.Fatalf("expected every variant to reference the subtitle group, got %d", n)
	}

	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "redundant_") {
			t.Fatalf("byproduct %s not purged", e.Name())
		}
	}

	v, _ := f.store.Get(context.Background(), f.video.ID)
	if len(v.Captions) != 2 || v.Captions[0].RenditionName != "sub_English.m3u8" || v.Captions[1].RenditionName != "sub_Espanol.m3u8" {
		t.Fatalf("unexpected captions %+v", v.Captions)
	}

	last := f.mirror.mirrors[len(f.mirror.mirrors)-1]
	for _, name := range last.names {
		if name != services.MasterManifestName && !strings.HasPrefix(name, "sub_") {
			t.Fatalf("caption mirror uploaded %s", name)
		}
	}
}

func TestOrchestrator_FailedMergeKeepsByproducts(t *testing.T) {
	t.Parallel()
	f := newOrchestratorFixture(t)
	f.transcoded(t)

	dir := f.video.WorkingDirectoryRef
	if err := os.Remove(filepath.Join(dir, services.MasterManifestName)); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(dir, "redundant_English.ts"), "ts")

	if err := f.orch.Handle(context.Background(), f.captionEvent(t, models.EventCompleted, "en", "English")); err == nil {
		t.Fatal("expected merge error without a master playlist")
	}
	if _, err := os.Stat(filepath.Join(dir, "redundant_English.ts")); err != nil {
		t.Fatalf("byproducts must survive a failed merge: %v", err)
	}
	v, _ := f.store.Get(context.Background(), f.video.ID)
	for _, c := range v.Captions {
		if c.RenditionName != "" {
			t.Fatalf("caption result stored despite failed merge: %+v", c)
		}
	}
}

func TestOrchestrator_CaptionFailureLeavesVideo(t *testing.T) {
	t.Parallel()
	f := newOrchestratorFixture(t)
	f.transcoded(t)

	ev := f.captionEvent(t, models.EventFailed, "en", "English")
	ev.Error = "mux failed"
	f.handle(t, ev)

	if s := f.status(t); s != models.StatusReadyToPublish {
		t.Fatalf("caption failure changed video status to %q", s)
	}
}

func TestOrchestrator_OutOfOrderEvents(t *testing.T) {
	t.Parallel()
	f := newOrchestratorFixture(t)

	// Another consumer still holds the waiting event.
	f.handle(t, f.videoEvent(t, models.EventActive, nil))
	if s := f.status(t); s != models.StatusProcessing {
		t.Fatalf("active before waiting: %q", s)
	}
	f.handle(t, f.videoEvent(t, models.EventWaiting, nil))
	if s := f.status(t); s != models.StatusProcessing {
		t.Fatalf("late waiting event moved the video back to %q", s)
	}
	f.handle(t, f.videoEvent(t, models.EventCompleted, models.TranscodeVideoResult{
		Renditions: services.DefaultLadder.Labels(),
	}))
	if s := f.status(t); s != models.StatusReadyToPublish {
		t.Fatalf("after completed: %q", s)
	}
}

func TestOrchestrator_OutcomeBeforeQueueEvents(t *testing.T) {
	t.Parallel()

	t.Run("completed", func(t *testing.T) {
		f := newOrchestratorFixture(t)
		f.handle(t, f.videoEvent(t, models.EventCompleted, models.TranscodeVideoResult{Renditions: []string{"720p"}}))
		f.handle(t, f.videoEvent(t, models.EventWaiting, nil))
		f.handle(t, f.videoEvent(t, models.EventActive, nil))

		v, _ := f.store.Get(context.Background(), f.video.ID)
		if v.Status != models.StatusReadyToPublish {
			t.Fatalf("expected ReadyToPublish, got %q", v.Status)
		}
		if len(v.AvailableRenditions) != 1 || v.AvailableRenditions[0] != "720p" {
			t.Fatalf("renditions not recorded: %v", v.AvailableRenditions)
		}
	})

	t.Run("failed", func(t *testing.T) {
		f := newOrchestratorFixture(t)
		ev := f.videoEvent(t, models.EventFailed, nil)
		ev.Error = "no space left on device"
		f.handle(t, ev)
		f.handle(t, f.videoEvent(t, models.EventActive, nil))

		if s := f.status(t); s != models.StatusFailedInProcessing {
			t.Fatalf("expected FailedInProcessing, got %q", s)
		}
	})
}

func TestForwardPath(t *testing.T) {
	t.Parallel()
	tests := []struct {
		from, to models.VideoStatus
		want     []models.VideoStatus
	}{
		{models.StatusReadyForProcessing, models.StatusWaitingInQueue, []models.VideoStatus{models.StatusWaitingInQueue}},
		{models.StatusReadyForProcessing, models.StatusProcessing, []models.VideoStatus{models.StatusWaitingInQueue, models.StatusProcessing}},
		{models.StatusWaitingInQueue, models.StatusFailedInProcessing, []models.VideoStatus{models.StatusProcessing, models.StatusFailedInProcessing}},
		{models.StatusProcessing, models.StatusReadyToPublish, []models.VideoStatus{models.StatusReadyToPublish}},
		{models.StatusProcessing, models.StatusWaitingInQueue, nil},
		{models.StatusFailedInProcessing, models.StatusProcessing, nil},
		{models.StatusReadyToPublish, models.StatusFailedInProcessing, nil},
		{models.StatusPublished, models.StatusProcessing, nil},
	}
	for _, tt := range tests {
		got := forwardPath(tt.from, tt.to)
		if !slices.Equal(got, tt.want) {
			t.Errorf("forwardPath(%q, %q) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

// flakyStore fails SetRenditions while failures is positive.
type flakyStore struct {
	*services.VideoStore
	failures atomic.Int32
	calls    atomic.Int32
}

func (s *flakyStore) SetRenditions(ctx context.Context, id string, renditions []string) error {
	s.calls.Add(1)
	if s.failures.Add(-1) >= 0 {
		return errors.New("database is locked")
	}
	return s.VideoStore.SetRenditions(ctx, id, renditions)
}

// runOrchestrator runs o until the returned stop func is called.
func runOrchestrator(o *Orchestrator) (stop func()) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		o.Run(ctx)
	}()
	return func() {
		cancel()
		<-done
	}
}

// completeTranscodeJob drives a transcode job for the fixture's video
// through the queue so its events land on the stream.
func (f *orchestratorFixture) completeTranscodeJob(t *testing.T, q *queue.Queue) {
	t.Helper()
	ctx := context.Background()
	if _, err := NewJobs(q).EnqueueVideoTranscode(ctx, f.video.ID, f.source, f.video.WorkingDirectoryRef); err != nil {
		t.Fatal(err)
	}
	job, err := q.Reserve(ctx, models.JobTranscodeVideo, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if err := q.Complete(ctx, job, models.TranscodeVideoResult{Renditions: []string{"1080p", "360p"}}); err != nil {
		t.Fatal(err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestOrchestrator_RunRetriesStoreErrors(t *testing.T) {
	t.Parallel()
	f := newOrchestratorFixture(t)
	q, rdb := newTestQueueClient(t)
	store := &flakyStore{VideoStore: f.store}
	store.failures.Store(1)

	orch := NewOrchestrator(q, store, nil, "pipeline", "test")
	orch.retryDelay = time.Millisecond
	stop := runOrchestrator(orch)
	defer stop()

	f.completeTranscodeJob(t, q)
	waitFor(t, "ReadyToPublish", func() bool { return f.status(t) == models.StatusReadyToPublish })

	stop()
	pending, err := rdb.XPending(context.Background(), "test:events", "pipeline").Result()
	if err != nil {
		t.Fatal(err)
	}
	if pending.Count != 0 {
		t.Fatalf("expected every event acknowledged, %d pending", pending.Count)
	}
	if n := store.calls.Load(); n != 2 {
		t.Fatalf("expected one retry, SetRenditions called %d times", n)
	}
}

func TestOrchestrator_RunLeavesFailedEventPending(t *testing.T) {
	t.Parallel()
	f := newOrchestratorFixture(t)
	q, rdb := newTestQueueClient(t)
	store := &flakyStore{VideoStore: f.store}
	store.failures.Store(1 << 20)

	orch := NewOrchestrator(q, store, nil, "pipeline", "test")
	orch.retryDelay = time.Millisecond
	stop := runOrchestrator(orch)

	f.completeTranscodeJob(t, q)
	waitFor(t, "every handling attempt", func() bool { return store.calls.Load() >= int32(handleAttempts) })
	stop()

	pending, err := rdb.XPending(context.Background(), "test:events", "pipeline").Result()
	if err != nil {
		t.Fatal(err)
	}
	if pending.Count != 1 {
		t.Fatalf("expected the completed event to stay pending, got %d", pending.Count)
	}
	if s := f.status(t); s != models.StatusProcessing {
		t.Fatalf("expected Processing while the result is unrecorded, got %q", s)
	}

	// The store recovers and the same consumer resubscribes.
	store.failures.Store(0)
	stop = runOrchestrator(orch)
	defer stop()
	waitFor(t, "redelivered completion", func() bool { return f.status(t) == models.StatusReadyToPublish })

	v, _ := f.store.Get(context.Background(), f.video.ID)
	if strings.Join(v.AvailableRenditions, ",") != "1080p,360p" {
		t.Fatalf("renditions not recorded: %v", v.AvailableRenditions)
	}
}

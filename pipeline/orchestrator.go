package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"slices"
	"strings"
	"time"

	"vodpipeline/manifest"
	"vodpipeline/models"
	"vodpipeline/queue"
	"vodpipeline/services"
)

// Store is the video metadata the pipelines read and write.
type Store interface {
	Create(ctx context.Context, v *models.Video) error
	Get(ctx context.Context, id string) (*models.Video, error)
	TransitionStatus(ctx context.Context, id string, from, to models.VideoStatus) error
	SetRenditions(ctx context.Context, id string, renditions []string) error
	ReleaseSourceAsset(ctx context.Context, id string) error
	SetThumbnail(ctx context.Context, id, thumbnail string) error
	AddCaption(ctx context.Context, videoID string, c models.Caption) error
	AppendCaptionResult(ctx context.Context, videoID, languageTag, displayName, renditionName string) error
	Publish(ctx context.Context, id string) error
	MarkDeleted(ctx context.Context, id string) error
}

// Mirror copies packaged output to remote storage. A nil Mirror disables it.
type Mirror interface {
	MirrorDir(ctx context.Context, videoID, dir string, include func(name string) bool) (int, error)
	DeleteVideo(ctx context.Context, videoID string) error
}

// Orchestrator turns job lifecycle events into video state changes. For
// transcode jobs it drives the status machine; for caption jobs it merges
// the muxed subtitle rendition into the master manifest.
type Orchestrator struct {
	queue    *queue.Queue
	store    Store
	mirror   Mirror
	group    string
	consumer string

	attempts   int
	retryDelay time.Duration
}

const (
	handleAttempts   = 3
	handleRetryDelay = time.Second
)

// errMalformedEvent marks events that can never be applied.
var errMalformedEvent = errors.New("malformed event")

func NewOrchestrator(q *queue.Queue, store Store, mirror Mirror, group, consumer string) *Orchestrator {
	return &Orchestrator{
		queue:      q,
		store:      store,
		mirror:     mirror,
		group:      group,
		consumer:   consumer,
		attempts:   handleAttempts,
		retryDelay: handleRetryDelay,
	}
}

// Run consumes events until ctx ends. An event is acknowledged once it was
// applied or can never be. Events that keep failing for other reasons, such
// as an unreachable store, stay pending and are delivered again when the
// consumer resubscribes.
func (o *Orchestrator) Run(ctx context.Context) error {
	deliveries, err := o.queue.Subscribe(ctx, o.group, o.consumer)
	if err != nil {
		return err
	}
	log.Printf("[Pipeline] Listening for job events (group=%s consumer=%s)", o.group, o.consumer)

	for d := range deliveries {
		err := o.handleWithRetry(ctx, d.Event)
		if err != nil {
			log.Printf("[Pipeline] %s event for %s job %s: %v", d.Event.Kind, d.Event.Job.Type, d.Event.Job.ID, err)
			if !permanent(err) {
				log.Printf("[Pipeline] Leaving event %s pending for redelivery", d.Event.ID)
				continue
			}
		}
		if err := d.Ack(context.WithoutCancel(ctx)); err != nil {
			log.Printf("[Pipeline] Failed to ack event %s: %v", d.Event.ID, err)
		}
	}
	log.Println("[Pipeline] Shutting down")
	return nil
}

func (o *Orchestrator) handleWithRetry(ctx context.Context, ev models.Event) error {
	var err error
	for attempt := 1; attempt <= o.attempts; attempt++ {
		err = o.Handle(ctx, ev)
		if err == nil || permanent(err) || attempt == o.attempts {
			return err
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(o.retryDelay * time.Duration(attempt)):
		}
	}
	return err
}

// permanent reports whether handling an event again cannot succeed.
func permanent(err error) bool {
	return errors.Is(err, errMalformedEvent) ||
		errors.Is(err, models.ErrVideoNotFound) ||
		errors.Is(err, models.ErrInvalidTransition) ||
		errors.Is(err, manifest.ErrNotMaster) ||
		errors.Is(err, os.ErrNotExist)
}

// Handle applies one event.
func (o *Orchestrator) Handle(ctx context.Context, ev models.Event) error {
	switch ev.Job.Type {
	case models.JobTranscodeVideo:
		return o.handleVideoEvent(ctx, ev)
	case models.JobTranscodeCaption:
		return o.handleCaptionEvent(ctx, ev)
	default:
		return fmt.Errorf("%w: unknown job type %q", errMalformedEvent, ev.Job.Type)
	}
}

func (o *Orchestrator) handleVideoEvent(ctx context.Context, ev models.Event) error {
	videoID := ev.Job.Key

	switch ev.Kind {
	case models.EventWaiting:
		return o.advance(ctx, videoID, models.StatusWaitingInQueue)
	case models.EventActive:
		return o.advance(ctx, videoID, models.StatusProcessing)
	case models.EventProgress:
		log.Printf("[Pipeline] Video %s transcoding: %.0f%%", videoID, ev.Progress)
		return nil
	case models.EventRetrying:
		log.Printf("[Pipeline] Video %s transcode attempt %d failed, retrying: %s", videoID, ev.Job.Attempts, ev.Error)
		return nil
	case models.EventCompleted:
		return o.completeTranscode(ctx, videoID, ev)
	case models.EventFailed:
		log.Printf("[Pipeline] Video %s transcode failed: %s", videoID, ev.Error)
		return o.advance(ctx, videoID, models.StatusFailedInProcessing)
	}
	return nil
}

// queueStages is the order a transcode job moves a video through before its
// outcome.
var queueStages = []models.VideoStatus{
	models.StatusReadyForProcessing,
	models.StatusWaitingInQueue,
	models.StatusProcessing,
}

// forwardPath lists the statuses between from (exclusive) and to
// (inclusive). Events of one job can be handled out of order by different
// consumers, so a later event implies the stages before it. It returns nil
// when to is not ahead of from.
func forwardPath(from, to models.VideoStatus) []models.VideoStatus {
	start := slices.Index(queueStages, from)
	if start < 0 {
		return nil
	}
	var path []models.VideoStatus
	for _, s := range queueStages[start+1:] {
		path = append(path, s)
		if s == to {
			return path
		}
	}
	if to == models.StatusReadyToPublish || to == models.StatusFailedInProcessing {
		return append(path, to)
	}
	return nil
}

// advance moves the video forward to status through any stages it has not
// passed yet. Redelivered events, the active event that follows a retry and
// events overtaken by later ones leave the video alone.
func (o *Orchestrator) advance(ctx context.Context, videoID string, to models.VideoStatus) error {
	video, err := o.store.Get(ctx, videoID)
	if err != nil {
		return err
	}
	if video.Status == to {
		return nil
	}
	if video.Status == models.StatusDeleted {
		log.Printf("[Pipeline] Video %s was deleted, ignoring move to %q", videoID, to)
		return nil
	}

	path := forwardPath(video.Status, to)
	if path == nil {
		log.Printf("[Pipeline] Video %s is %q, ignoring stale move to %q", videoID, video.Status, to)
		return nil
	}
	from := video.Status
	for _, next := range path {
		if err := o.store.TransitionStatus(ctx, videoID, from, next); err != nil {
			return err
		}
		log.Printf("[Pipeline] Video %s: %q -> %q", videoID, from, next)
		from = next
	}
	return nil
}

func (o *Orchestrator) completeTranscode(ctx context.Context, videoID string, ev models.Event) error {
	var result models.TranscodeVideoResult
	if err := decodeResult(ev, &result); err != nil {
		return err
	}

	// The waiting and active events may not have been applied yet.
	if err := o.advance(ctx, videoID, models.StatusProcessing); err != nil {
		return err
	}
	video, err := o.store.Get(ctx, videoID)
	if err != nil {
		return err
	}
	if video.Status != models.StatusProcessing {
		log.Printf("[Pipeline] Video %s is %q, not recording transcode result", videoID, video.Status)
		return nil
	}

	if err := o.store.SetRenditions(ctx, videoID, result.Renditions); err != nil {
		return err
	}
	if err := o.releaseSource(ctx, video); err != nil {
		return err
	}
	if err := o.store.TransitionStatus(ctx, videoID, models.StatusProcessing, models.StatusReadyToPublish); err != nil {
		return err
	}
	log.Printf("[Pipeline] Video %s ready to publish (%s)", videoID, strings.Join(result.Renditions, ", "))

	if o.mirror != nil {
		n, err := o.mirror.MirrorDir(ctx, videoID, video.WorkingDirectoryRef, nil)
		if err != nil {
			log.Printf("[Pipeline] Mirroring video %s failed: %v", videoID, err)
		} else {
			log.Printf("[Pipeline] Mirrored %d files for video %s", n, videoID)
		}
	}
	return nil
}

// releaseSource deletes a local original once the package exists. Remote
// originals stay where the uploader put them.
func (o *Orchestrator) releaseSource(ctx context.Context, video *models.Video) error {
	ref := video.OriginalAssetRef
	if ref != "" && !services.IsS3Ref(ref) {
		if err := os.Remove(ref); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove source %s: %w", ref, err)
		}
	}
	return o.store.ReleaseSourceAsset(ctx, video.ID)
}

func (o *Orchestrator) handleCaptionEvent(ctx context.Context, ev models.Event) error {
	switch ev.Kind {
	case models.EventCompleted:
		return o.mergeCaption(ctx, ev)
	case models.EventFailed:
		log.Printf("[Pipeline] Caption job %s for video %s failed: %s", ev.Job.ID, ev.Job.Key, ev.Error)
	case models.EventRetrying:
		log.Printf("[Pipeline] Caption job %s for video %s retrying: %s", ev.Job.ID, ev.Job.Key, ev.Error)
	}
	return nil
}

func (o *Orchestrator) mergeCaption(ctx context.Context, ev models.Event) error {
	var payload models.TranscodeCaptionPayload
	if err := ev.Job.DecodePayload(&payload); err != nil {
		return fmt.Errorf("%w: decode caption payload: %v", errMalformedEvent, err)
	}
	var result models.TranscodeCaptionResult
	if err := decodeResult(ev, &result); err != nil {
		return err
	}

	video, err := o.store.Get(ctx, payload.VideoID)
	if err != nil {
		return err
	}
	if !video.Status.AcceptsCaptionMerge() {
		log.Printf("[Pipeline] Video %s is %q, skipping caption merge", video.ID, video.Status)
		return nil
	}

	if err := o.mergeLocked(ctx, payload.WorkingDir, result); err != nil {
		return err
	}

	if err := o.store.AppendCaptionResult(ctx, video.ID, result.LanguageTag, result.DisplayName, result.RenditionName); err != nil {
		return err
	}
	log.Printf("[Pipeline] Caption %q (%s) added to video %s", result.DisplayName, result.LanguageTag, video.ID)

	if o.mirror != nil {
		_, err := o.mirror.MirrorDir(ctx, video.ID, payload.WorkingDir, func(name string) bool {
			return name == services.MasterManifestName || strings.HasPrefix(name, "sub_")
		})
		if err != nil {
			log.Printf("[Pipeline] Mirroring captions of video %s failed: %v", video.ID, err)
		}
	}
	return nil
}

// mergeLocked rewrites the master manifest and purges the muxer byproducts.
// Byproducts are kept when the merge fails so the run can be inspected.
func (o *Orchestrator) mergeLocked(ctx context.Context, dir string, result models.TranscodeCaptionResult) error {
	unlock, err := manifest.Lock(ctx, dir)
	if err != nil {
		return err
	}
	defer unlock()

	if err := manifest.MergeCaption(result.MasterManifestPath, result.RenditionName, result.LanguageTag, result.DisplayName); err != nil {
		return fmt.Errorf("merge caption into %s: %w", result.MasterManifestPath, err)
	}
	removed, err := manifest.PurgeRedundant(dir)
	if err != nil {
		return fmt.Errorf("purge muxer byproducts: %w", err)
	}
	if len(removed) > 0 {
		log.Printf("[Pipeline] Removed %d muxer byproducts in %s", len(removed), dir)
	}
	return nil
}

func decodeResult(ev models.Event, v any) error {
	if len(ev.Result) == 0 {
		return fmt.Errorf("%w: completed event for job %s carries no result", errMalformedEvent, ev.Job.ID)
	}
	if err := json.Unmarshal(ev.Result, v); err != nil {
		return fmt.Errorf("%w: decode result of job %s: %v", errMalformedEvent, ev.Job.ID, err)
	}
	return nil
}

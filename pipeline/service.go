package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"vodpipeline/models"
	"vodpipeline/queue"
	"vodpipeline/services"

	"github.com/google/uuid"
	"golang.org/x/text/language"
	"golang.org/x/text/language/display"
)

var (
	ErrInvalidLanguage = errors.New("invalid caption language tag")
	ErrNotTranscoded   = errors.New("video has no renditions")
)

const thumbnailName = "thumbnail.png"

// Service is the action surface used by the CLI: registering sources,
// starting work and the publish/delete lifecycle.
type Service struct {
	store       Store
	jobs        *Jobs
	prober      services.Prober
	thumbnailer *services.Thumbnailer
	mirror      Mirror
	storageDir  string
}

type ServiceOptions struct {
	Store       Store
	Jobs        *Jobs
	Prober      services.Prober
	Thumbnailer *services.Thumbnailer
	Mirror      Mirror
	StorageDir  string
}

func NewService(opts ServiceOptions) *Service {
	return &Service{
		store:       opts.Store,
		jobs:        opts.Jobs,
		prober:      opts.Prober,
		thumbnailer: opts.Thumbnailer,
		mirror:      opts.Mirror,
		storageDir:  opts.StorageDir,
	}
}

// RegisterVideo validates a local source and records a new video in
// ReadyForProcessing. Sources without an audio stream are rejected here.
func (s *Service) RegisterVideo(ctx context.Context, sourcePath, title string) (*models.Video, error) {
	probe, err := s.prober.Probe(ctx, sourcePath)
	if err != nil {
		return nil, err
	}
	if err := probe.ValidateForTranscode(); err != nil {
		return nil, fmt.Errorf("%s: %w", sourcePath, err)
	}

	absSource, err := filepath.Abs(sourcePath)
	if err != nil {
		return nil, err
	}
	id := uuid.NewString()
	workDir, err := filepath.Abs(filepath.Join(s.storageDir, id))
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(workDir, 0755); err != nil {
		return nil, fmt.Errorf("create working directory: %w", err)
	}

	if title == "" {
		title = filepath.Base(sourcePath)
	}
	video := &models.Video{
		ID:                  id,
		Title:               title,
		Status:              models.StatusReadyForProcessing,
		DurationSeconds:     probe.Duration,
		OriginalAssetRef:    absSource,
		Source:              probe.SourceDetails(absSource),
		WorkingDirectoryRef: workDir,
	}
	if err := s.store.Create(ctx, video); err != nil {
		os.RemoveAll(workDir)
		return nil, err
	}

	if s.thumbnailer != nil {
		thumb, err := s.captureThumbnail(ctx, video)
		if err != nil {
			log.Printf("[Pipeline] Thumbnail for video %s failed: %v", id, err)
		} else {
			video.Thumbnail = thumb
		}
	}
	return video, nil
}

// CaptureThumbnail grabs a still from the source into the working directory.
// It only works while the source asset has not been released.
func (s *Service) CaptureThumbnail(ctx context.Context, videoID string) (string, error) {
	if s.thumbnailer == nil {
		return "", errors.New("thumbnails are not configured")
	}
	video, err := s.liveVideo(ctx, videoID)
	if err != nil {
		return "", err
	}
	return s.captureThumbnail(ctx, video)
}

func (s *Service) captureThumbnail(ctx context.Context, video *models.Video) (string, error) {
	if video.OriginalAssetRef == "" || services.IsS3Ref(video.OriginalAssetRef) {
		return "", fmt.Errorf("video %s has no local source asset", video.ID)
	}
	thumb := filepath.Join(video.WorkingDirectoryRef, thumbnailName)
	if err := s.thumbnailer.Capture(ctx, video.OriginalAssetRef, thumb, video.DurationSeconds); err != nil {
		return "", err
	}
	if err := s.store.SetThumbnail(ctx, video.ID, thumb); err != nil {
		return "", err
	}
	return thumb, nil
}

// StartTranscoding queues the transcode of a video in ReadyForProcessing.
// The source is probed again so unusable media fails before enqueueing.
func (s *Service) StartTranscoding(ctx context.Context, videoID string) (queue.Handle, error) {
	video, err := s.liveVideo(ctx, videoID)
	if err != nil {
		return queue.Handle{}, err
	}
	if video.Status != models.StatusReadyForProcessing {
		return queue.Handle{}, fmt.Errorf("%w: video %s is %q", models.ErrInvalidTransition, videoID, video.Status)
	}
	if video.OriginalAssetRef == "" {
		return queue.Handle{}, fmt.Errorf("video %s has no source asset", videoID)
	}
	if !services.IsS3Ref(video.OriginalAssetRef) {
		probe, err := s.prober.Probe(ctx, video.OriginalAssetRef)
		if err != nil {
			return queue.Handle{}, err
		}
		if err := probe.ValidateForTranscode(); err != nil {
			return queue.Handle{}, err
		}
	}
	return s.jobs.EnqueueVideoTranscode(ctx, video.ID, video.OriginalAssetRef, video.WorkingDirectoryRef)
}

// AddCaption records a caption and queues its packaging. The display name
// defaults to the English name of the language.
func (s *Service) AddCaption(ctx context.Context, videoID, captionPath, languageTag, displayName string) (queue.Handle, error) {
	tag, err := language.Parse(languageTag)
	if err != nil {
		return queue.Handle{}, fmt.Errorf("%w %q: %v", ErrInvalidLanguage, languageTag, err)
	}
	languageTag = tag.String()
	if displayName == "" {
		displayName = display.English.Tags().Name(tag)
	}

	video, err := s.liveVideo(ctx, videoID)
	if err != nil {
		return queue.Handle{}, err
	}
	if video.Status == models.StatusFailedInProcessing {
		return queue.Handle{}, fmt.Errorf("video %s failed processing; captions cannot be packaged", videoID)
	}

	absCaption, err := filepath.Abs(captionPath)
	if err != nil {
		return queue.Handle{}, err
	}
	if _, err := os.Stat(absCaption); err != nil {
		return queue.Handle{}, fmt.Errorf("caption file: %w", err)
	}

	if err := s.store.AddCaption(ctx, videoID, models.Caption{
		LanguageTag:    languageTag,
		DisplayName:    displayName,
		SourceAssetRef: absCaption,
		UpdatedAt:      time.Now().UTC(),
	}); err != nil {
		return queue.Handle{}, err
	}
	return s.jobs.EnqueueCaptionTranscode(ctx, videoID, absCaption, video.WorkingDirectoryRef, languageTag, displayName)
}

// Publish requires a fully transcoded video.
func (s *Service) Publish(ctx context.Context, videoID string) error {
	video, err := s.liveVideo(ctx, videoID)
	if err != nil {
		return err
	}
	if video.Status != models.StatusReadyToPublish {
		return fmt.Errorf("%w: video %s is %q", models.ErrInvalidTransition, videoID, video.Status)
	}
	if len(video.AvailableRenditions) == 0 {
		return fmt.Errorf("%w: %s", ErrNotTranscoded, videoID)
	}
	return s.store.Publish(ctx, videoID)
}

// Delete removes every derived artifact of a video and marks it Deleted.
// The record itself is kept.
func (s *Service) Delete(ctx context.Context, videoID string) error {
	video, err := s.liveVideo(ctx, videoID)
	if err != nil {
		return err
	}

	if video.WorkingDirectoryRef != "" {
		if err := os.RemoveAll(video.WorkingDirectoryRef); err != nil {
			return fmt.Errorf("remove working directory: %w", err)
		}
	}
	if ref := video.OriginalAssetRef; ref != "" && !services.IsS3Ref(ref) {
		if err := os.Remove(ref); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove source: %w", err)
		}
	}
	if s.mirror != nil {
		if err := s.mirror.DeleteVideo(ctx, videoID); err != nil {
			return fmt.Errorf("delete mirrored objects: %w", err)
		}
	}
	return s.store.MarkDeleted(ctx, videoID)
}

// Video returns a video in any state, including Deleted.
func (s *Service) Video(ctx context.Context, videoID string) (*models.Video, error) {
	return s.store.Get(ctx, videoID)
}

func (s *Service) liveVideo(ctx context.Context, videoID string) (*models.Video, error) {
	video, err := s.store.Get(ctx, videoID)
	if err != nil {
		return nil, err
	}
	if video.Status == models.StatusDeleted {
		return nil, fmt.Errorf("%w: %s", models.ErrVideoNotFound, videoID)
	}
	return video, nil
}

package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"vodpipeline/manifest"
	"vodpipeline/models"
	"vodpipeline/services"
)

// TranscodeHandler runs the encode for transcode-video jobs.
type TranscodeHandler struct {
	transcoder *services.Transcoder
	s3         *services.S3Service
	plan       services.RenditionPlan
}

// NewTranscodeHandler builds the handler; s3 may be nil when sources are
// always local.
func NewTranscodeHandler(transcoder *services.Transcoder, s3 *services.S3Service, plan services.RenditionPlan) *TranscodeHandler {
	return &TranscodeHandler{transcoder: transcoder, s3: s3, plan: plan}
}

func (h *TranscodeHandler) Handle(ctx context.Context, job *models.Job, progress services.ProgressFunc) (any, error) {
	payload, err := decodePayload[models.TranscodeVideoPayload](job)
	if err != nil {
		return nil, err
	}

	source := payload.SourcePath
	if services.IsS3Ref(source) {
		if h.s3 == nil {
			return nil, fmt.Errorf("source %s is on S3 but no bucket is configured", source)
		}
		stagingDir := filepath.Join(payload.WorkingDir, ".source")
		defer os.RemoveAll(stagingDir)

		source, err = h.s3.Download(ctx, payload.SourcePath, stagingDir)
		if err != nil {
			return nil, err
		}
	}

	res, err := h.transcoder.Transcode(ctx, source, payload.WorkingDir, h.plan, progress)
	if err != nil {
		return nil, err
	}
	return models.TranscodeVideoResult{Renditions: res.Renditions, MasterPath: res.MasterPath}, nil
}

// VideoReader loads video metadata.
type VideoReader interface {
	Get(ctx context.Context, id string) (*models.Video, error)
}

// CaptionHandler muxes one caption into a subtitle rendition. The manifest
// merge happens later, in the caption pipeline.
type CaptionHandler struct {
	videos VideoReader
	muxer  *services.Muxer
}

func NewCaptionHandler(videos VideoReader, muxer *services.Muxer) *CaptionHandler {
	return &CaptionHandler{videos: videos, muxer: muxer}
}

func (h *CaptionHandler) Handle(ctx context.Context, job *models.Job, _ services.ProgressFunc) (any, error) {
	payload, err := decodePayload[models.TranscodeCaptionPayload](job)
	if err != nil {
		return nil, err
	}

	video, err := h.videos.Get(ctx, payload.VideoID)
	if err != nil {
		return nil, err
	}
	switch {
	case video.Status == models.StatusDeleted, video.Status == models.StatusFailedInProcessing:
		return nil, fmt.Errorf("video %s is %q; caption cannot be packaged", video.ID, video.Status)
	case !video.Status.AcceptsCaptionMerge():
		return nil, fmt.Errorf("%w: video %s is %q", ErrNotReady, video.ID, video.Status)
	}

	// The muxer's byproducts share a prefix that the merge step purges, so
	// muxing and merging for one video never overlap.
	unlock, err := manifest.Lock(ctx, payload.WorkingDir)
	if err != nil {
		return nil, err
	}
	defer unlock()

	res, err := h.muxer.MuxCaption(ctx, services.MuxRequest{
		CaptionPath: payload.CaptionPath,
		OutputDir:   payload.WorkingDir,
		LanguageTag: payload.LanguageTag,
		DisplayName: payload.DisplayName,
	})
	if err != nil {
		return nil, err
	}

	return models.TranscodeCaptionResult{
		RenditionName:      res.RenditionName,
		MasterManifestPath: res.MasterManifestPath,
		LanguageTag:        payload.LanguageTag,
		DisplayName:        payload.DisplayName,
	}, nil
}

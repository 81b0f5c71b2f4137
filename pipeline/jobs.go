package pipeline

import (
	"context"

	"vodpipeline/models"
	"vodpipeline/queue"
)

// Jobs is the enqueue surface for the two media job types. Both are keyed
// by video ID so work for one video never runs concurrently.
type Jobs struct {
	queue *queue.Queue
}

func NewJobs(q *queue.Queue) *Jobs {
	return &Jobs{queue: q}
}

// EnqueueVideoTranscode fails with queue.ErrDuplicateJob while a transcode
// for the same video is still queued or running.
func (j *Jobs) EnqueueVideoTranscode(ctx context.Context, videoID, sourcePath, workingDir string) (queue.Handle, error) {
	payload := models.TranscodeVideoPayload{
		VideoID:    videoID,
		SourcePath: sourcePath,
		WorkingDir: workingDir,
	}
	return j.queue.Enqueue(ctx, models.JobTranscodeVideo, videoID, payload, queue.EnqueueOptions{
		JobID:           videoID,
		RejectDuplicate: true,
	})
}

// EnqueueCaptionTranscode queues behind any other job for the same video.
func (j *Jobs) EnqueueCaptionTranscode(ctx context.Context, videoID, captionPath, workingDir, languageTag, displayName string) (queue.Handle, error) {
	payload := models.TranscodeCaptionPayload{
		VideoID:     videoID,
		CaptionPath: captionPath,
		WorkingDir:  workingDir,
		LanguageTag: languageTag,
		DisplayName: displayName,
	}
	return j.queue.Enqueue(ctx, models.JobTranscodeCaption, videoID, payload, queue.EnqueueOptions{})
}

package services

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

const (
	thumbnailOffsetSeconds = 30.0
	thumbnailSize          = "640x360"
)

// Thumbnailer grabs a single frame; it runs inline and is never queued.
type Thumbnailer struct {
	binary string
	runner CommandRunner
}

func NewThumbnailer(binary string, runner CommandRunner) *Thumbnailer {
	return &Thumbnailer{binary: binary, runner: runner}
}

func (t *Thumbnailer) Capture(ctx context.Context, sourcePath, outputPath string, durationSeconds float64) error {
	if err := os.MkdirAll(filepath.Dir(outputPath), 0755); err != nil {
		return fmt.Errorf("create thumbnail dir: %w", err)
	}
	err := t.runner.Run(ctx, Command{
		Name: t.binary,
		Args: BuildThumbnailArgs(sourcePath, outputPath, durationSeconds),
	})
	if err != nil {
		return fmt.Errorf("capture thumbnail: %w", err)
	}
	return nil
}

// BuildThumbnailArgs seeks to 30s, or to the middle of shorter sources.
func BuildThumbnailArgs(sourcePath, outputPath string, durationSeconds float64) []string {
	offset := thumbnailOffsetSeconds
	if durationSeconds > 0 && durationSeconds <= offset {
		offset = durationSeconds / 2
	}
	return []string{
		"-loglevel", "error",
		"-y",
		"-ss", fmt.Sprintf("%.3f", offset),
		"-i", sourcePath,
		"-frames:v", "1",
		"-s", thumbnailSize,
		outputPath,
	}
}

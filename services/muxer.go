package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"vodpipeline/manifest"
)

var ErrMissingTopRendition = errors.New("top rendition segment not found")

type MuxRequest struct {
	CaptionPath string
	OutputDir   string
	LanguageTag string
	DisplayName string
}

type MuxResult struct {
	RenditionName      string
	MasterManifestPath string
}

// Muxer remuxes a caption file against the top rendition to produce a
// subtitle-only HLS rendition next to the transcoded package.
type Muxer struct {
	binary   string
	niceness int
	runner   CommandRunner
}

func NewMuxer(binary string, niceness int, runner CommandRunner) *Muxer {
	return &Muxer{binary: binary, niceness: niceness, runner: runner}
}

// SubtitlePlaylistName is the playlist filename for a caption display name.
func SubtitlePlaylistName(displayName string) string {
	return "sub_" + manifest.Slugify(displayName) + ".m3u8"
}

func (m *Muxer) MuxCaption(ctx context.Context, req MuxRequest) (MuxResult, error) {
	if req.CaptionPath == "" || req.OutputDir == "" {
		return MuxResult{}, fmt.Errorf("caption path and output dir are required")
	}
	if req.DisplayName == "" {
		return MuxResult{}, fmt.Errorf("caption display name is required")
	}

	segment := filepath.Join(req.OutputDir, TopRenditionSegment)
	if _, err := os.Stat(segment); err != nil {
		return MuxResult{}, fmt.Errorf("%w: %s", ErrMissingTopRendition, segment)
	}
	captionPath, err := filepath.Abs(req.CaptionPath)
	if err != nil {
		return MuxResult{}, fmt.Errorf("resolve caption path: %w", err)
	}
	if _, err := os.Stat(captionPath); err != nil {
		return MuxResult{}, fmt.Errorf("caption source: %w", err)
	}

	err = m.runner.Run(ctx, Command{
		Name:     m.binary,
		Args:     BuildMuxArgs(captionPath, req.LanguageTag, req.DisplayName),
		Dir:      req.OutputDir,
		Niceness: m.niceness,
	})
	if err != nil {
		return MuxResult{}, fmt.Errorf("mux caption %s: %w", req.LanguageTag, err)
	}

	return MuxResult{
		RenditionName:      SubtitlePlaylistName(req.DisplayName),
		MasterManifestPath: filepath.Join(req.OutputDir, MasterManifestName),
	}, nil
}

// BuildMuxArgs returns the ffmpeg invocation run inside the video's working
// directory. The copied video stream only exists to carry the subtitle
// stream through the HLS muxer; its outputs use the redundant prefix.
func BuildMuxArgs(captionPath, languageTag, displayName string) []string {
	slug := manifest.Slugify(displayName)
	return []string{
		"-loglevel", "error",
		"-nostats",
		"-y",
		"-i", TopRenditionSegment,
		"-i", captionPath,
		"-c:v", "copy",
		"-c:a", "copy",
		"-c:s", "webvtt",
		"-map", "0:v",
		"-map", "1:s",
		"-metadata:s:s:0", "language=" + languageTag,
		"-shortest",
		"-f", "hls",
		"-hls_flags", "+independent_segments+program_date_time+single_file",
		"-hls_time", strconv.Itoa(hlsSegmentSeconds),
		"-hls_playlist_type", "vod",
		"-hls_subtitle_path", SubtitlePlaylistName(displayName),
		"-hls_segment_type", "mpegts",
		"-var_stream_map", "v:0,s:0,name:" + slug + ",sgroup:" + manifest.SubtitleGroupID,
		"-hls_segment_filename", manifest.RedundantPrefix + "%v.ts",
		manifest.RedundantPrefix + "%v.m3u8",
	}
}

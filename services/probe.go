package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"strconv"
	"strings"

	"vodpipeline/models"
)

var ErrNoAudioStream = errors.New("source does not contain an audio stream")

type Stream struct {
	Index     int
	CodecType string
	CodecName string
	Width     int
	Height    int
	Channels  int
	BitRate   int
	FrameRate float64
}

type ProbeResult struct {
	Streams  []Stream
	Duration float64
	Size     int64
	BitRate  int
}

func (r *ProbeResult) firstStream(codecType string) (Stream, bool) {
	for _, s := range r.Streams {
		if s.CodecType == codecType {
			return s, true
		}
	}
	return Stream{}, false
}

// SourceDetails summarizes the probed source for the video record.
func (r *ProbeResult) SourceDetails(path string) *models.SourceDetails {
	d := &models.SourceDetails{
		Filename:       filepath.Base(path),
		FileSize:       r.Size,
		Duration:       r.Duration,
		OverallBitrate: r.BitRate,
	}
	if v, ok := r.firstStream("video"); ok {
		d.FrameRate = v.FrameRate
		d.Resolution = fmt.Sprintf("%dx%d", v.Width, v.Height)
		d.VideoCodec = v.CodecName
		d.VideoBitrate = v.BitRate
	}
	if a, ok := r.firstStream("audio"); ok {
		d.AudioCodec = a.CodecName
		d.AudioBitrate = a.BitRate
		d.AudioChannels = a.Channels
	}
	return d
}

// HasAudio reports whether the source carries at least one audio stream.
func (r *ProbeResult) HasAudio() bool {
	_, ok := r.firstStream("audio")
	return ok
}

// ValidateForTranscode rejects sources the encode pipeline cannot package:
// a video-only file has no second stream to feed the audio renditions.
func (r *ProbeResult) ValidateForTranscode() error {
	if len(r.Streams) < 2 || !r.HasAudio() {
		return ErrNoAudioStream
	}
	if r.Duration <= 0 {
		return fmt.Errorf("source duration must be positive, got %.3f", r.Duration)
	}
	return nil
}

// Prober inspects a media file without modifying it.
type Prober interface {
	Probe(ctx context.Context, path string) (*ProbeResult, error)
}

type FFprobe struct {
	binary string
	runner CommandRunner
}

func NewFFprobe(binary string, runner CommandRunner) *FFprobe {
	return &FFprobe{binary: binary, runner: runner}
}

type ffprobeOutput struct {
	Streams []ffprobeStream `json:"streams"`
	Format  ffprobeFormat   `json:"format"`
}

type ffprobeStream struct {
	Index     int    `json:"index"`
	CodecName string `json:"codec_name"`
	CodecType string `json:"codec_type"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	Channels  int    `json:"channels"`
	BitRate   string `json:"bit_rate"`
	FrameRate string `json:"avg_frame_rate"`
}

type ffprobeFormat struct {
	Duration string `json:"duration"`
	Size     string `json:"size"`
	BitRate  string `json:"bit_rate"`
}

func (p *FFprobe) Probe(ctx context.Context, path string) (*ProbeResult, error) {
	var out bytes.Buffer
	err := p.runner.Run(ctx, Command{
		Name: p.binary,
		Args: []string{
			"-v", "error",
			"-show_format",
			"-show_streams",
			"-of", "json",
			path,
		},
		Stdout: &out,
	})
	if err != nil {
		return nil, fmt.Errorf("probe %s: %w", path, err)
	}
	return parseProbeOutput(out.Bytes())
}

func parseProbeOutput(data []byte) (*ProbeResult, error) {
	var ff ffprobeOutput
	if err := json.Unmarshal(data, &ff); err != nil {
		return nil, fmt.Errorf("decode ffprobe output: %w", err)
	}

	result := &ProbeResult{}
	if dur, err := strconv.ParseFloat(ff.Format.Duration, 64); err == nil {
		result.Duration = dur
	}
	if size, err := strconv.ParseInt(ff.Format.Size, 10, 64); err == nil {
		result.Size = size
	}
	result.BitRate, _ = strconv.Atoi(ff.Format.BitRate)
	for _, s := range ff.Streams {
		bitRate, _ := strconv.Atoi(s.BitRate)
		result.Streams = append(result.Streams, Stream{
			Index:     s.Index,
			CodecType: s.CodecType,
			CodecName: s.CodecName,
			Width:     s.Width,
			Height:    s.Height,
			Channels:  s.Channels,
			BitRate:   bitRate,
			FrameRate: parseFrameRate(s.FrameRate),
		})
	}
	return result, nil
}

// parseFrameRate turns ffprobe's "30000/1001" into frames per second rounded
// to two decimals. Unknown rates ("0/0") are 0.
func parseFrameRate(ratio string) float64 {
	num, den, found := strings.Cut(ratio, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	if !found {
		return math.Round(n*100) / 100
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0
	}
	return math.Round(n/d*100) / 100
}

package services

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// Filenames other components rely on by name.
const (
	MasterManifestName  = "master.m3u8"
	TopRenditionName    = "1080p"
	TopRenditionSegment = "segment_" + TopRenditionName + ".ts"

	variantPlaylistPattern = "manifest_%v.m3u8"
	variantSegmentPattern  = "segment_%v.ts"
	outputFrameRate        = 30
	hlsSegmentSeconds      = 6
)

// Rendition is one rung of the encoding ladder.
type Rendition struct {
	Name         string
	Height       int
	MaxRate      int
	BufSize      int
	Level        string
	AudioBitrate int
}

// RenditionPlan is the ordered ladder, highest quality first.
type RenditionPlan []Rendition

func (p RenditionPlan) Labels() []string {
	labels := make([]string, len(p))
	for i, r := range p {
		labels[i] = r.Name
	}
	return labels
}

// DefaultLadder is fixed; it is not derived from the source resolution.
var DefaultLadder = RenditionPlan{
	{Name: "1080p", Height: 1080, MaxRate: 2_000_000, BufSize: 4_000_000, Level: "4.0", AudioBitrate: 192_000},
	{Name: "720p", Height: 720, MaxRate: 1_200_000, BufSize: 2_000_000, Level: "3.1", AudioBitrate: 128_000},
	{Name: "360p", Height: 360, MaxRate: 700_000, BufSize: 1_000_000, Level: "3.1", AudioBitrate: 96_000},
}

type TranscodeResult struct {
	Renditions []string
	MasterPath string
}

// ProgressFunc receives completion as a percentage in [0, 100].
type ProgressFunc func(percent float64)

type Transcoder struct {
	binary   string
	niceness int
	runner   CommandRunner
	prober   Prober
}

func NewTranscoder(binary string, niceness int, runner CommandRunner, prober Prober) *Transcoder {
	return &Transcoder{binary: binary, niceness: niceness, runner: runner, prober: prober}
}

// Transcode packages sourcePath into one HLS set under outputDir. Partial
// output is left in place when the encoder fails.
func (t *Transcoder) Transcode(ctx context.Context, sourcePath, outputDir string, plan RenditionPlan, progress ProgressFunc) (TranscodeResult, error) {
	if len(plan) == 0 {
		return TranscodeResult{}, fmt.Errorf("rendition plan is empty")
	}

	probe, err := t.prober.Probe(ctx, sourcePath)
	if err != nil {
		return TranscodeResult{}, err
	}
	if err := probe.ValidateForTranscode(); err != nil {
		return TranscodeResult{}, err
	}

	absSource, err := filepath.Abs(sourcePath)
	if err != nil {
		return TranscodeResult{}, fmt.Errorf("resolve source path: %w", err)
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return TranscodeResult{}, fmt.Errorf("create output dir: %w", err)
	}

	cmd := Command{
		Name:     t.binary,
		Args:     BuildTranscodeArgs(absSource, plan),
		Dir:      outputDir,
		Niceness: t.niceness,
	}
	if progress != nil {
		pw := newProgressWriter(probe.Duration, progress)
		defer pw.Close()
		cmd.Stdout = pw
	}

	if err := t.runner.Run(ctx, cmd); err != nil {
		return TranscodeResult{}, fmt.Errorf("transcode %s: %w", filepath.Base(sourcePath), err)
	}

	masterPath := filepath.Join(outputDir, MasterManifestName)
	if _, err := os.Stat(masterPath); err != nil {
		return TranscodeResult{}, fmt.Errorf("encoder did not write %s: %w", MasterManifestName, err)
	}

	return TranscodeResult{Renditions: plan.Labels(), MasterPath: masterPath}, nil
}

// BuildTranscodeArgs returns one multi-output ffmpeg invocation: the video is
// resampled to a fixed frame rate, split per rendition and scaled, each
// output gets a matched audio track, and everything is muxed as one HLS set
// sharing a master playlist.
func BuildTranscodeArgs(sourcePath string, plan RenditionPlan) []string {
	args := []string{
		"-loglevel", "error",
		"-nostats",
		"-y",
		"-progress", "pipe:1",
		"-i", sourcePath,
		"-filter_complex", filterGraph(plan),
		"-codec:v", "libx264",
		"-crf:v", "23",
		"-profile:v", "high",
		"-pix_fmt:v", "yuv420p",
		"-rc-lookahead:v", "60",
		"-force_key_frames:v", "expr:gte(t,n_forced*2.000)",
		"-b-pyramid:v", "strict",
		"-preset:v", "medium",
	}

	for i, r := range plan {
		args = append(args,
			"-map", "["+r.Name+"]",
			fmt.Sprintf("-maxrate:v:%d", i), strconv.Itoa(r.MaxRate),
			fmt.Sprintf("-bufsize:v:%d", i), strconv.Itoa(r.BufSize),
			fmt.Sprintf("-level:v:%d", i), r.Level,
		)
	}

	args = append(args, "-codec:a", "aac", "-ac:a", "2")
	for i, r := range plan {
		args = append(args,
			"-map", "0:a:0",
			fmt.Sprintf("-b:a:%d", i), strconv.Itoa(r.AudioBitrate),
		)
	}

	args = append(args,
		"-f", "hls",
		"-hls_flags", "+independent_segments+program_date_time+single_file",
		"-hls_time", strconv.Itoa(hlsSegmentSeconds),
		"-hls_playlist_type", "vod",
		"-hls_segment_type", "mpegts",
		"-master_pl_name", MasterManifestName,
		"-var_stream_map", varStreamMap(plan),
		"-hls_segment_filename", variantSegmentPattern,
		variantPlaylistPattern,
	)
	return args
}

func filterGraph(plan RenditionPlan) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[0:v]fps=fps=%d,split=%d", outputFrameRate, len(plan))
	for i := range plan {
		fmt.Fprintf(&b, "[v%d]", i+1)
	}
	for i, r := range plan {
		fmt.Fprintf(&b, ";[v%d]scale=width=-2:height=%d[%s]", i+1, r.Height, r.Name)
	}
	return b.String()
}

func varStreamMap(plan RenditionPlan) string {
	entries := make([]string, len(plan))
	for i, r := range plan {
		entries[i] = fmt.Sprintf("v:%d,a:%d,name:%s", i, i, r.Name)
	}
	return strings.Join(entries, " ")
}

// progressWriter turns ffmpeg "-progress" key=value output into percentages.
type progressWriter struct {
	pw       *io.PipeWriter
	done     chan struct{}
	once     sync.Once
	duration float64
	report   ProgressFunc
}

func newProgressWriter(durationSeconds float64, report ProgressFunc) *progressWriter {
	pr, pw := io.Pipe()
	w := &progressWriter{pw: pw, done: make(chan struct{}), duration: durationSeconds, report: report}
	go w.consume(pr)
	return w
}

func (w *progressWriter) Write(p []byte) (int, error) {
	return w.pw.Write(p)
}

func (w *progressWriter) Close() error {
	w.once.Do(func() {
		_ = w.pw.Close()
		<-w.done
	})
	return nil
}

func (w *progressWriter) consume(r *io.PipeReader) {
	defer close(w.done)
	defer r.Close()

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(scanner.Text()), "=")
		if !ok {
			continue
		}
		switch key {
		case "out_time_us", "out_time_ms":
			// ffmpeg reports both keys in microseconds.
			us, err := strconv.ParseInt(value, 10, 64)
			if err != nil || w.duration <= 0 {
				continue
			}
			w.report(clampPercent(float64(us) / 1e6 / w.duration * 100))
		case "progress":
			if value == "end" {
				w.report(100)
			}
		}
	}
	// Drain so the encoder never blocks on a full pipe.
	_, _ = io.Copy(io.Discard, r)
}

func clampPercent(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

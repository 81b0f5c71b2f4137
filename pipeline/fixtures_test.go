package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"vodpipeline/queue"
	"vodpipeline/services"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

const sampleMaster = `#EXTM3U
#EXT-X-VERSION:6
#EXT-X-INDEPENDENT-SEGMENTS

#EXT-X-STREAM-INF:BANDWIDTH=2387600,RESOLUTION=1920x1080,CODECS="avc1.640028,mp4a.40.2"
manifest_1080p.m3u8

#EXT-X-STREAM-INF:BANDWIDTH=1460800,RESOLUTION=1280x720,CODECS="avc1.64001f,mp4a.40.2"
manifest_720p.m3u8

#EXT-X-STREAM-INF:BANDWIDTH=875600,RESOLUTION=640x360,CODECS="avc1.64001f,mp4a.40.2"
manifest_360p.m3u8
`

func newTestStore(t *testing.T) *services.VideoStore {
	t.Helper()
	store, err := services.NewVideoStore("sqlite", filepath.Join(t.TempDir(), "videos.db"))
	if err != nil {
		t.Fatalf("NewVideoStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestQueue(t *testing.T) *queue.Queue {
	t.Helper()
	q, _ := newTestQueueClient(t)
	return q
}

// newTestQueueClient also returns the client so tests can inspect the
// event stream's consumer groups.
func newTestQueueClient(t *testing.T) (*queue.Queue, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	q := queue.New(rdb, queue.Options{
		Prefix:       "test:",
		LeaseTTL:     5 * time.Second,
		DeferDelay:   50 * time.Millisecond,
		BlockTimeout: 100 * time.Millisecond,
	})
	return q, rdb
}

type fakeProber struct{ result *services.ProbeResult }

func (f fakeProber) Probe(context.Context, string) (*services.ProbeResult, error) {
	return f.result, nil
}

func audioVideo(duration float64) *services.ProbeResult {
	return &services.ProbeResult{
		Streams: []services.Stream{
			{CodecType: "video", CodecName: "h264", Width: 1280, Height: 720, FrameRate: 25},
			{CodecType: "audio", CodecName: "aac", Channels: 2},
		},
		Duration: duration,
	}
}

// ffmpegFake writes the files the real encoder and muxer would produce.
type ffmpegFake struct {
	mu       sync.Mutex
	commands []services.Command
}

func (f *ffmpegFake) Run(_ context.Context, c services.Command) error {
	f.mu.Lock()
	f.commands = append(f.commands, c)
	f.mu.Unlock()

	write := func(name, content string) error {
		return os.WriteFile(filepath.Join(c.Dir, name), []byte(content), 0644)
	}
	args := strings.Join(c.Args, " ")
	switch {
	case strings.Contains(args, "-hls_subtitle_path"):
		for i, a := range c.Args {
			if a == "-hls_subtitle_path" {
				if err := write(c.Args[i+1], "#EXTM3U\n"); err != nil {
					return err
				}
			}
		}
		if err := write("redundant_0.ts", "ts"); err != nil {
			return err
		}
		return write("redundant_0.m3u8", "#EXTM3U\n")
	case strings.Contains(args, "-master_pl_name"):
		if err := write(services.TopRenditionSegment, "ts"); err != nil {
			return err
		}
		return write(services.MasterManifestName, sampleMaster)
	}
	return nil
}

type mirrorCall struct {
	videoID string
	names   []string
}

type fakeMirror struct {
	mu      sync.Mutex
	mirrors []mirrorCall
	deleted []string
}

func (m *fakeMirror) MirrorDir(_ context.Context, videoID, dir string, include func(string) bool) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	call := mirrorCall{videoID: videoID}
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") || (include != nil && !include(e.Name())) {
			continue
		}
		call.names = append(call.names, e.Name())
	}
	m.mu.Lock()
	m.mirrors = append(m.mirrors, call)
	m.mu.Unlock()
	return len(call.names), nil
}

func (m *fakeMirror) DeleteVideo(_ context.Context, videoID string) error {
	m.mu.Lock()
	m.deleted = append(m.deleted, videoID)
	m.mu.Unlock()
	return nil
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

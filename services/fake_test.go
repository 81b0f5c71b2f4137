package services

import (
	"context"
	"net/http"
	"sync"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

// fakeRunner records every command and optionally simulates its effects.
type fakeRunner struct {
	mu       sync.Mutex
	commands []Command
	run      func(Command) error
}

func (f *fakeRunner) Run(_ context.Context, c Command) error {
	f.mu.Lock()
	f.commands = append(f.commands, c)
	f.mu.Unlock()
	if f.run != nil {
		return f.run(c)
	}
	return nil
}

func (f *fakeRunner) calls() []Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Command(nil), f.commands...)
}

type fakeProber struct {
	result *ProbeResult
	err    error
}

func (f fakeProber) Probe(context.Context, string) (*ProbeResult, error) {
	return f.result, f.err
}

func audioVideoProbe(duration float64) *ProbeResult {
	return &ProbeResult{
		Streams: []Stream{
			{Index: 0, CodecType: "video", CodecName: "h264", Width: 1920, Height: 1080},
			{Index: 1, CodecType: "audio", CodecName: "aac", Channels: 2},
		},
		Duration: duration,
	}
}

package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"cansat-groundstation/internal/replay"
)

func TestSummarizeCapture(t *testing.T) {
	long := strings.Repeat("9", 600) + "\n"
	chunks := []replay.Chunk{
		{},
		{At: 0, Data: []byte(goodFrame + "garbage\n")},
		{At: 200 * time.Millisecond, Data: []byte(goodFrame[:10])},
		{At: 300 * time.Millisecond, Data: []byte(goodFrame[10:] + long)},
		// The second run starts mid-frame; a fresh decoder must not join it
		// to the first run's tail.
		{At: 400 * time.Millisecond, Data: []byte(goodFrame[:15])},
		{},
		{At: time.Second, Data: []byte(goodFrame)},
		{At: 1500 * time.Millisecond, Data: []byte("57,214")},
	}

	s := summarizeCapture(chunks)
	if s.Segments != 2 {
		t.Fatalf("segments=%d want 2", s.Segments)
	}
	if s.Chunks != 6 {
		t.Fatalf("chunks=%d want 6", s.Chunks)
	}
	if s.FramesOK != 3 || s.FramesCorrupt != 1 || s.FramesTruncated != 1 {
		t.Fatalf("ok=%d corrupt=%d truncated=%d", s.FramesOK, s.FramesCorrupt, s.FramesTruncated)
	}
	if s.Partial != 15+6 {
		t.Fatalf("partial=%d want %d", s.Partial, 15+6)
	}
	if s.MaxDuration != 1500*time.Millisecond {
		t.Fatalf("maxDuration=%s", s.MaxDuration)
	}
}

func TestSummarizeCapture_DataWithoutStart(t *testing.T) {
	s := summarizeCapture([]replay.Chunk{{At: 0, Data: []byte(goodFrame)}})
	if s.Segments != 1 || s.FramesOK != 1 {
		t.Fatalf("summary=%+v", s)
	}
}

func TestPrintCaptureSummary(t *testing.T) {
	path := writeCapture(t, goodFrame, goodFrame)

	var buf bytes.Buffer
	if err := printCaptureSummary(&buf, path); err != nil {
		t.Fatalf("printCaptureSummary() error: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"path: " + path, "segments: 1", "chunks: 2", "frames_ok: 2", "frames_corrupt: 0", "bytes: 104 B"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}

	if err := printCaptureSummary(&buf, " "); err == nil {
		t.Fatalf("expected error for empty path")
	}
}

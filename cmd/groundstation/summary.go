package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"cansat-groundstation/internal/frame"
	"cansat-groundstation/internal/replay"
	"cansat-groundstation/internal/telemetry"
)

type captureSummary struct {
	Segments int
	Chunks   int
	Bytes    uint64

	FramesOK        uint64
	FramesCorrupt   uint64
	FramesTruncated uint64
	// Bytes of an unfinished frame left at the end of a segment.
	Partial int

	MaxDuration time.Duration
}

// summarizeCapture decodes chunks offline. Every segment gets a fresh
// decoder, the same as a new run of the link would.
func summarizeCapture(chunks []replay.Chunk) captureSummary {
	var s captureSummary
	var dec *frame.Decoder

	endSegment := func() {
		if dec == nil {
			return
		}
		st := dec.Stats()
		s.FramesOK += st.FramesOK
		s.FramesCorrupt += st.FramesCorrupt
		s.FramesTruncated += st.FramesTruncated
		s.Partial += dec.Pending()
	}
	newDecoder := func() *frame.Decoder {
		return frame.New(frame.Config{
			Parse: telemetry.ParseOptions{GyroUnit: telemetry.GyroDegPerSec, Limits: telemetry.DefaultLimits()},
		})
	}

	for _, c := range chunks {
		if c.IsStart() {
			endSegment()
			s.Segments++
			dec = newDecoder()
			continue
		}
		if dec == nil {
			// Data before any START still counts as one segment.
			s.Segments++
			dec = newDecoder()
		}
		s.Chunks++
		s.Bytes += uint64(len(c.Data))
		if c.At > s.MaxDuration {
			s.MaxDuration = c.At
		}
		dec.Feed(c.Data)
	}
	endSegment()
	return s
}

func printCaptureSummary(w io.Writer, path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return fmt.Errorf("path is empty")
	}
	chunks, err := replay.ReadFile(path)
	if err != nil {
		return err
	}
	s := summarizeCapture(chunks)

	fmt.Fprintf(w, "path: %s\n", path)
	fmt.Fprintf(w, "segments: %d\n", s.Segments)
	fmt.Fprintf(w, "chunks: %s\n", humanize.Comma(int64(s.Chunks)))
	fmt.Fprintf(w, "bytes: %s\n", humanize.Bytes(s.Bytes))
	fmt.Fprintf(w, "frames_ok: %s\n", humanize.Comma(int64(s.FramesOK)))
	fmt.Fprintf(w, "frames_corrupt: %s\n", humanize.Comma(int64(s.FramesCorrupt)))
	fmt.Fprintf(w, "frames_truncated: %s\n", humanize.Comma(int64(s.FramesTruncated)))
	fmt.Fprintf(w, "partial_bytes: %d\n", s.Partial)
	fmt.Fprintf(w, "max_duration: %s\n", s.MaxDuration)
	return nil
}

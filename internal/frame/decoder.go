package frame

import (
	"sync/atomic"
	"time"

	"cansat-groundstation/internal/telemetry"
)

const DefaultMaxFrameLen = 512

type state uint8

const (
	stateSeeking state = iota
	stateAccumulating
	stateDiscarding
)

func (s state) String() string {
	switch s {
	case stateSeeking:
		return "seeking"
	case stateAccumulating:
		return "accumulating"
	case stateDiscarding:
		return "discarding"
	default:
		return "unknown"
	}
}

// Config controls a Decoder. Zero values pick defaults.
type Config struct {
	MaxFrameLen int
	Parse       telemetry.ParseOptions

	// Now stamps each emitted record. Defaults to time.Now.
	Now func() time.Time
}

// Stats are cumulative counters since construction or the last Reset.
type Stats struct {
	FramesOK        uint64 `json:"frames_ok"`
	FramesCorrupt   uint64 `json:"frames_corrupt"`
	FramesTruncated uint64 `json:"frames_truncated"`
}

// Decoder turns an unaligned byte stream into validated telemetry records.
//
// Feed must be called from a single goroutine. Stats may be read from any
// goroutine.
type Decoder struct {
	maxLen int
	parse  telemetry.ParseOptions
	now    func() time.Time

	st  state
	buf []byte
	seq uint64

	ok        atomic.Uint64
	corrupt   atomic.Uint64
	truncated atomic.Uint64
}

func New(cfg Config) *Decoder {
	d := &Decoder{
		maxLen: cfg.MaxFrameLen,
		parse:  cfg.Parse,
		now:    cfg.Now,
	}
	if d.maxLen <= 0 {
		d.maxLen = DefaultMaxFrameLen
	}
	if d.now == nil {
		d.now = time.Now
	}
	d.buf = make([]byte, 0, d.maxLen)
	return d
}

// Feed consumes p and returns the records completed by it, in stream order.
// Records are identical for any chunking of the same byte stream.
func (d *Decoder) Feed(p []byte) []telemetry.Record {
	var out []telemetry.Record
	for _, b := range p {
		switch d.st {
		case stateSeeking:
			if b == '\n' || b == '\r' {
				continue
			}
			d.buf = append(d.buf[:0], b)
			d.st = stateAccumulating

		case stateAccumulating:
			if b == '\n' {
				if rec, ok := d.emit(); ok {
					out = append(out, rec)
				}
				d.buf = d.buf[:0]
				d.st = stateSeeking
				continue
			}
			if len(d.buf) >= d.maxLen {
				d.truncated.Add(1)
				d.buf = d.buf[:0]
				d.st = stateDiscarding
				continue
			}
			d.buf = append(d.buf, b)

		case stateDiscarding:
			if b == '\n' {
				d.st = stateSeeking
			}
		}
	}
	return out
}

func (d *Decoder) emit() (telemetry.Record, bool) {
	rec, err := telemetry.ParseFrame(d.buf, d.parse)
	if err != nil {
		d.corrupt.Add(1)
		return telemetry.Record{}, false
	}
	d.seq++
	rec.Seq = d.seq
	rec.ReceivedAt = d.now()
	d.ok.Add(1)
	return rec, true
}

// Pending reports how many bytes of an incomplete frame are buffered.
func (d *Decoder) Pending() int { return len(d.buf) }

func (d *Decoder) Stats() Stats {
	return Stats{
		FramesOK:        d.ok.Load(),
		FramesCorrupt:   d.corrupt.Load(),
		FramesTruncated: d.truncated.Load(),
	}
}

// Resync drops any partial frame and skips input up to the next newline.
// Used after a link outage, when the first bytes may start mid-line.
// Counters and sequence numbers are kept.
func (d *Decoder) Resync() {
	d.buf = d.buf[:0]
	d.st = stateDiscarding
}

// Reset drops any partial frame, restarts sequence numbering and zeroes the
// counters.
func (d *Decoder) Reset() {
	d.st = stateSeeking
	d.buf = d.buf[:0]
	d.seq = 0
	d.ok.Store(0)
	d.corrupt.Store(0)
	d.truncated.Store(0)
}

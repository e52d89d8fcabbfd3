package replay

import (
	"errors"
	"fmt"
	"time"
)

type Sleeper interface {
	Sleep(d time.Duration)
}

type realSleeper struct{}

func (realSleeper) Sleep(d time.Duration) { time.Sleep(d) }

type PortOptions struct {
	// Speed scales capture time: 1.0 = real time, 2.0 = twice as fast.
	// Zero or negative disables pacing.
	Speed float64
	// Loop restarts from the first chunk after the last one.
	Loop bool
	// ReadTimeout bounds how long Read waits for the next chunk.
	ReadTimeout time.Duration

	Now     func() time.Time
	Sleeper Sleeper
}

// Port plays captured chunks back through the same Read/Close contract as
// a serial port. When the capture ends (and Loop is off) the port goes
// quiet, like a device that stopped transmitting.
type Port struct {
	chunks []Chunk
	opts   PortOptions

	idx     int
	pending []byte

	// Wall time corresponding to capture time origin.
	base   time.Time
	origin time.Duration
	based  bool

	closed bool
}

func OpenPort(path string, opts PortOptions) (*Port, error) {
	chunks, err := ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("replay %s: %w", path, err)
	}
	return NewPort(chunks, opts)
}

func NewPort(chunks []Chunk, opts PortOptions) (*Port, error) {
	n := 0
	for _, c := range chunks {
		if !c.IsStart() {
			n++
		}
	}
	if n == 0 {
		return nil, errors.New("replay: capture has no data")
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 100 * time.Millisecond
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sleeper == nil {
		opts.Sleeper = realSleeper{}
	}
	return &Port{chunks: chunks, opts: opts}, nil
}

func (p *Port) Read(b []byte) (int, error) {
	if p.closed {
		return 0, errors.New("replay: port closed")
	}
	if len(p.pending) > 0 {
		n := copy(b, p.pending)
		p.pending = p.pending[n:]
		return n, nil
	}

	for {
		if p.idx >= len(p.chunks) {
			if !p.opts.Loop {
				p.opts.Sleeper.Sleep(p.opts.ReadTimeout)
				return 0, nil
			}
			p.idx = 0
			p.based = false
		}
		c := p.chunks[p.idx]
		if c.IsStart() {
			p.based = false
			p.idx++
			continue
		}

		now := p.opts.Now()
		if !p.based {
			p.base = now
			p.origin = c.At
			p.based = true
		}
		if p.opts.Speed > 0 {
			due := p.base.Add(time.Duration(float64(c.At-p.origin) / p.opts.Speed))
			if wait := due.Sub(now); wait > 0 {
				if wait > p.opts.ReadTimeout {
					p.opts.Sleeper.Sleep(p.opts.ReadTimeout)
					return 0, nil
				}
				p.opts.Sleeper.Sleep(wait)
			}
		}

		p.idx++
		n := copy(b, c.Data)
		p.pending = c.Data[n:]
		return n, nil
	}
}

func (p *Port) Close() error {
	p.closed = true
	return nil
}

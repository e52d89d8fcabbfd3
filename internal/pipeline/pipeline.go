package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"cansat-groundstation/internal/ahrs"
	"cansat-groundstation/internal/frame"
	"cansat-groundstation/internal/telemetry"
	"cansat-groundstation/internal/transport"
)

var ErrRunning = errors.New("pipeline: already running")

// RawSink receives every chunk read from the transport, before decoding.
type RawSink interface {
	WriteChunk(now time.Time, p []byte) error
}

type Options struct {
	Frame frame.Config
	AHRS  ahrs.Config

	BackoffMin time.Duration
	BackoffMax time.Duration

	ReadBufferSize int

	// Capture, if set, gets a copy of the raw byte stream.
	Capture RawSink

	// Open defaults to transport.Open.
	Open func(transport.Config) (transport.Port, error)
	Now  func() time.Time
}

type Stats struct {
	FramesOK        uint64 `json:"frames_ok"`
	FramesCorrupt   uint64 `json:"frames_corrupt"`
	FramesTruncated uint64 `json:"frames_truncated"`
	ReconnectCount  uint64 `json:"reconnect_count"`
	BytesRead       uint64 `json:"bytes_read"`
	Dropped         uint64 `json:"dropped"`
	Subscribers     int    `json:"subscribers"`
}

// Snapshot is the current state, readable at any time from any goroutine.
type Snapshot struct {
	Running      bool             `json:"running"`
	Link         LinkEvent        `json:"link"`
	HaveRecord   bool             `json:"have_record"`
	Record       telemetry.Record `json:"record"`
	HaveAttitude bool             `json:"have_attitude"`
	Attitude     ahrs.Estimate    `json:"attitude"`
	Stats        Stats            `json:"stats"`
}

// Pipeline reads a transport, decodes frames, fuses attitude and fans the
// results out to subscribers. One goroutine owns the transport, decoder and
// estimator for the lifetime of a session.
type Pipeline struct {
	opts Options

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	subMu  sync.RWMutex
	subs   map[int]*Subscription
	nextID int

	latestMu sync.RWMutex
	latest   Snapshot

	dec        atomic.Pointer[frame.Decoder]
	reconnects atomic.Uint64
	bytesRead  atomic.Uint64
	dropped    atomic.Uint64
}

func New(opts Options) *Pipeline {
	if opts.ReadBufferSize <= 0 {
		opts.ReadBufferSize = 4096
	}
	if opts.Open == nil {
		opts.Open = transport.Open
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Frame.Now == nil {
		opts.Frame.Now = opts.Now
	}
	return &Pipeline{opts: opts, subs: make(map[int]*Subscription)}
}

// Start validates cfg and launches the ingestion loop. An invalid cfg is
// returned as *transport.ConfigError and nothing is started. A port that
// cannot be opened yet is not an error: the loop keeps retrying and reports
// Reconnecting events.
//
// The loop runs until Stop is called or ctx ends.
func (p *Pipeline) Start(ctx context.Context, cfg transport.Config) error {
	if p == nil {
		return fmt.Errorf("pipeline: nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	cfg = cfg.WithDefaults()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done != nil {
		select {
		case <-p.done:
		default:
			return ErrRunning
		}
	}

	dec := frame.New(p.opts.Frame)
	est := ahrs.New(p.opts.AHRS)
	p.dec.Store(dec)
	p.reconnects.Store(0)
	p.bytesRead.Store(0)

	p.latestMu.Lock()
	p.latest = Snapshot{Running: true, Link: LinkEvent{State: LinkDown, Device: cfg.String(), At: p.opts.Now()}}
	p.latestMu.Unlock()

	if p.cancel != nil {
		p.cancel()
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	p.cancel = cancel
	p.done = done
	go p.run(runCtx, cfg, dec, est, done)
	return nil
}

// Stop ends the session and returns once the transport is closed. Calling it
// when nothing runs is a no-op.
func (p *Pipeline) Stop() {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done == nil {
		return
	}
	p.cancel()
	<-p.done
	p.cancel = nil
	p.done = nil
}

// Close stops the session and detaches every subscriber. Block subscribers
// get the events already queued for them first; others lose them.
func (p *Pipeline) Close() {
	if p == nil {
		return
	}
	p.Stop()
	p.subMu.RLock()
	subs := make([]*Subscription, 0, len(p.subs))
	for _, s := range p.subs {
		subs = append(subs, s)
	}
	p.subMu.RUnlock()
	for _, s := range subs {
		if s.opts.Policy == Block {
			s.drain.Store(true)
		}
		s.Cancel()
	}
}

// Latest returns the most recent record, attitude and link state. It never
// waits on subscribers.
func (p *Pipeline) Latest() Snapshot {
	p.latestMu.RLock()
	snap := p.latest
	p.latestMu.RUnlock()
	snap.Stats = p.Stats()
	return snap
}

func (p *Pipeline) Stats() Stats {
	var st Stats
	if dec := p.dec.Load(); dec != nil {
		fs := dec.Stats()
		st.FramesOK = fs.FramesOK
		st.FramesCorrupt = fs.FramesCorrupt
		st.FramesTruncated = fs.FramesTruncated
	}
	st.ReconnectCount = p.reconnects.Load()
	st.BytesRead = p.bytesRead.Load()
	st.Dropped = p.dropped.Load()
	p.subMu.RLock()
	st.Subscribers = len(p.subs)
	p.subMu.RUnlock()
	return st
}

// Subscribe registers sub. It may be called before or during a session.
// Cancel must not be called from inside the subscriber's own callbacks.
func (p *Pipeline) Subscribe(sub Subscriber, opts SubscribeOptions) *Subscription {
	if opts.Queue <= 0 {
		opts.Queue = DefaultQueue
	}
	if opts.BlockTimeout <= 0 {
		opts.BlockTimeout = DefaultBlockTimeout
	}

	p.subMu.Lock()
	p.nextID++
	s := &Subscription{
		id:   p.nextID,
		name: opts.Name,
		sub:  sub,
		opts: opts,
		p:    p,
		ch:   make(chan event, opts.Queue),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	if s.name == "" {
		s.name = fmt.Sprintf("sub-%d", s.id)
	}
	// Late subscribers learn the current link state first.
	p.latestMu.RLock()
	link := p.latest.Link
	p.latestMu.RUnlock()
	if link.State != LinkDown {
		s.ch <- event{kind: eventLink, link: link}
	}
	p.subs[s.id] = s
	p.subMu.Unlock()

	go s.loop()
	return s
}

func (p *Pipeline) removeSub(id int) {
	p.subMu.Lock()
	delete(p.subs, id)
	p.subMu.Unlock()
}

// dispatch stops waiting on Block subscribers once ctx ends.
func (p *Pipeline) dispatch(ctx context.Context, ev event) {
	p.subMu.RLock()
	defer p.subMu.RUnlock()
	for _, s := range p.subs {
		s.enqueue(ctx, ev)
	}
}

func (p *Pipeline) publishLink(ctx context.Context, ev LinkEvent) {
	p.latestMu.Lock()
	p.latest.Link = ev
	p.latestMu.Unlock()
	p.dispatch(ctx, event{kind: eventLink, link: ev})
}

func (p *Pipeline) run(ctx context.Context, cfg transport.Config, dec *frame.Decoder, est *ahrs.Estimator, done chan struct{}) {
	defer close(done)
	defer func() {
		p.latestMu.Lock()
		p.latest.Running = false
		p.latest.Link = LinkEvent{State: LinkDown, Device: cfg.String(), At: p.opts.Now()}
		p.latestMu.Unlock()
	}()

	device := cfg.String()
	bo := newBackoff(p.opts.BackoffMin, p.opts.BackoffMax)
	buf := make([]byte, p.opts.ReadBufferSize)
	attempt := 0
	everConnected := false

	for {
		if ctx.Err() != nil {
			return
		}

		port, err := p.opts.Open(cfg)
		if err == nil {
			if everConnected {
				dec.Resync()
			}
			everConnected = true
			connectedAt := p.opts.Now()
			readBefore := p.bytesRead.Load()
			okBefore := dec.Stats().FramesOK
			log.Printf("link connected %s", device)
			p.publishLink(ctx, LinkEvent{State: LinkConnected, Device: device, At: connectedAt})

			err = p.readLoop(ctx, port, dec, est, buf)
			_ = port.Close()
			if ctx.Err() != nil {
				return
			}
			// A port that opens and fails before delivering a frame keeps
			// backing off.
			if dec.Stats().FramesOK > okBefore {
				attempt = 0
				bo.reset()
			}
			up := p.opts.Now().Sub(connectedAt).Round(time.Millisecond)
			read := p.bytesRead.Load() - readBefore
			log.Printf("link lost %s after=%s read=%s err=%v", device, up, humanize.Bytes(read), err)
			p.publishLink(ctx, LinkEvent{State: LinkLost, Device: device, At: p.opts.Now(), Err: errString(err)})
		}

		attempt++
		delay := bo.next()
		p.reconnects.Add(1)
		if attempt == 1 || attempt%10 == 0 {
			log.Printf("link reconnecting %s attempt=%d delay=%s err=%v", device, attempt, delay, err)
		}
		p.publishLink(ctx, LinkEvent{State: LinkReconnecting, Device: device, At: p.opts.Now(), Attempt: attempt, Delay: delay, Err: errString(err)})
		if !sleepCtx(ctx, delay) {
			return
		}
	}
}

// readLoop returns nil only when ctx ends; otherwise the transport error.
func (p *Pipeline) readLoop(ctx context.Context, port transport.Port, dec *frame.Decoder, est *ahrs.Estimator, buf []byte) error {
	captureFailed := false
	for {
		if ctx.Err() != nil {
			return nil
		}
		n, err := port.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			p.bytesRead.Add(uint64(n))
			if p.opts.Capture != nil && !captureFailed {
				if cerr := p.opts.Capture.WriteChunk(p.opts.Now(), chunk); cerr != nil {
					log.Printf("capture write failed, disabling for this link: %v", cerr)
					captureFailed = true
				}
			}
			for _, rec := range dec.Feed(chunk) {
				if ctx.Err() != nil {
					return nil
				}
				e := est.Fuse(ahrs.SampleFromRecord(rec))
				p.latestMu.Lock()
				p.latest.Record, p.latest.HaveRecord = rec, true
				p.latest.Attitude, p.latest.HaveAttitude = e, true
				p.latestMu.Unlock()
				p.dispatch(ctx, event{kind: eventRecord, rec: rec})
				p.dispatch(ctx, event{kind: eventAttitude, est: e})
			}
		}
		if err != nil {
			return err
		}
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

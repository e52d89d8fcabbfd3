package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"cansat-groundstation/internal/ahrs"
	"cansat-groundstation/internal/telemetry"
)

// Subscriber receives pipeline output in decode order on its own goroutine.
type Subscriber interface {
	OnRecord(telemetry.Record)
	OnAttitude(ahrs.Estimate)
	OnLink(LinkEvent)
}

// Funcs adapts optional callbacks to a Subscriber.
type Funcs struct {
	Record   func(telemetry.Record)
	Attitude func(ahrs.Estimate)
	Link     func(LinkEvent)
}

func (f Funcs) OnRecord(r telemetry.Record) {
	if f.Record != nil {
		f.Record(r)
	}
}

func (f Funcs) OnAttitude(e ahrs.Estimate) {
	if f.Attitude != nil {
		f.Attitude(e)
	}
}

func (f Funcs) OnLink(ev LinkEvent) {
	if f.Link != nil {
		f.Link(ev)
	}
}

// Policy decides what happens when a subscriber's queue is full.
type Policy int

const (
	// DropOldest discards the oldest queued event to make room.
	DropOldest Policy = iota
	// Block waits up to BlockTimeout for room, then drops the new event.
	Block
)

func (p Policy) String() string {
	if p == Block {
		return "block"
	}
	return "drop_oldest"
}

type SubscribeOptions struct {
	Name         string
	Queue        int
	Policy       Policy
	BlockTimeout time.Duration
}

const (
	DefaultQueue        = 256
	DefaultBlockTimeout = time.Second
)

type eventKind uint8

const (
	eventRecord eventKind = iota
	eventAttitude
	eventLink
)

type event struct {
	kind eventKind
	rec  telemetry.Record
	est  ahrs.Estimate
	link LinkEvent
}

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	id   int
	name string
	sub  Subscriber
	opts SubscribeOptions
	p    *Pipeline

	ch      chan event
	drain   atomic.Bool
	quit    chan struct{}
	done    chan struct{}
	dropped atomic.Uint64

	cancelOnce sync.Once
}

func (s *Subscription) Name() string { return s.name }

// Dropped counts events this subscriber never saw.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Cancel detaches the subscriber and waits for its goroutine to exit.
// Queued events are discarded. Safe to call more than once.
func (s *Subscription) Cancel() {
	if s == nil {
		return
	}
	s.cancelOnce.Do(func() {
		s.p.removeSub(s.id)
		close(s.quit)
		<-s.done
	})
}

func (s *Subscription) loop() {
	defer close(s.done)
	for {
		select {
		case <-s.quit:
			if s.drain.Load() {
				for {
					select {
					case ev := <-s.ch:
						s.deliver(ev)
					default:
						return
					}
				}
			}
			return
		case ev := <-s.ch:
			s.deliver(ev)
		}
	}
}

func (s *Subscription) deliver(ev event) {
	switch ev.kind {
	case eventRecord:
		s.sub.OnRecord(ev.rec)
	case eventAttitude:
		s.sub.OnAttitude(ev.est)
	case eventLink:
		s.sub.OnLink(ev.link)
	}
}

// enqueue never blocks longer than BlockTimeout, and not at all once ctx
// has ended.
func (s *Subscription) enqueue(ctx context.Context, ev event) {
	if s.opts.Policy == Block {
		select {
		case s.ch <- ev:
			return
		default:
		}
		t := time.NewTimer(s.opts.BlockTimeout)
		defer t.Stop()
		select {
		case s.ch <- ev:
		case <-t.C:
			s.drop()
		case <-ctx.Done():
			s.drop()
		case <-s.quit:
		}
		return
	}

	for {
		select {
		case s.ch <- ev:
			return
		default:
		}
		select {
		case <-s.ch:
			s.drop()
		default:
		}
	}
}

func (s *Subscription) drop() {
	s.dropped.Add(1)
	s.p.dropped.Add(1)
}

package storage

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"cansat-groundstation/internal/ahrs"
	"cansat-groundstation/internal/pipeline"
	"cansat-groundstation/internal/telemetry"
)

type RecorderOptions struct {
	BatchSize     int
	FlushInterval time.Duration
}

// Recorder is a pipeline.Subscriber that batches records into a Store.
// The attitude fused from a record is attached to that record's row before
// the row is written. Batches are written when full, every FlushInterval,
// when the link is lost and on Close.
type Recorder struct {
	store     *Store
	sessionID int64
	opts      RecorderOptions

	mu    sync.Mutex
	batch []Row

	written atomic.Uint64
	failed  atomic.Uint64

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

var _ pipeline.Subscriber = (*Recorder)(nil)

func NewRecorder(store *Store, sessionID int64, opts RecorderOptions) *Recorder {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 2 * time.Second
	}
	r := &Recorder{
		store:     store,
		sessionID: sessionID,
		opts:      opts,
		batch:     make([]Row, 0, opts.BatchSize),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go r.loop()
	return r
}

func (r *Recorder) loop() {
	defer close(r.done)
	t := time.NewTicker(r.opts.FlushInterval)
	defer t.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-t.C:
			r.flush(true)
		}
	}
}

func (r *Recorder) OnRecord(rec telemetry.Record) {
	r.mu.Lock()
	r.batch = append(r.batch, Row{Record: rec})
	// Attitude normally follows at once and triggers the size flush; this
	// only bounds the batch if it never does.
	full := len(r.batch) >= 2*r.opts.BatchSize
	r.mu.Unlock()
	if full {
		r.Flush()
	}
}

func (r *Recorder) OnAttitude(e ahrs.Estimate) {
	r.mu.Lock()
	for i := len(r.batch) - 1; i >= 0; i-- {
		if r.batch[i].Record.Seq == e.Seq {
			r.batch[i].HaveAttitude = true
			r.batch[i].Q = e.Q
			r.batch[i].HeadingDeg = e.HeadingDeg
			break
		}
	}
	full := len(r.batch) >= r.opts.BatchSize
	r.mu.Unlock()
	if full {
		r.Flush()
	}
}

func (r *Recorder) OnLink(ev pipeline.LinkEvent) {
	if ev.State == pipeline.LinkLost {
		r.Flush()
	}
}

// Flush writes the pending batch. On failure the rows are dropped and
// counted; the ground station keeps running without storage.
func (r *Recorder) Flush() { r.flush(false) }

// flush with holdUnpaired keeps the newest row back while its attitude has
// not arrived yet. The timer runs beside the subscriber callbacks and may
// fire between a record and its attitude.
func (r *Recorder) flush(holdUnpaired bool) {
	r.mu.Lock()
	rows := r.batch
	var held []Row
	if holdUnpaired && len(rows) > 0 && !rows[len(rows)-1].HaveAttitude {
		held = append(held, rows[len(rows)-1])
		rows = rows[:len(rows)-1]
	}
	if len(rows) == 0 {
		r.mu.Unlock()
		return
	}
	r.batch = append(make([]Row, 0, r.opts.BatchSize), held...)
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.store.InsertRecords(ctx, r.sessionID, rows); err != nil {
		n := r.failed.Add(uint64(len(rows)))
		log.Printf("storage: dropped %d rows (total dropped %s): %v", len(rows), humanize.Comma(int64(n)), err)
		return
	}
	r.written.Add(uint64(len(rows)))
}

// Written and Failed count rows by outcome.
func (r *Recorder) Written() uint64 { return r.written.Load() }
func (r *Recorder) Failed() uint64  { return r.failed.Load() }

// Close stops the flush timer and writes whatever is pending. It does not
// close the Store.
func (r *Recorder) Close() {
	r.closeOnce.Do(func() {
		close(r.stop)
		<-r.done
		r.Flush()
	})
}

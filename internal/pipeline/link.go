package pipeline

import (
	"context"
	"time"
)

type LinkState int

const (
	LinkDown LinkState = iota
	LinkConnected
	LinkLost
	LinkReconnecting
)

func (s LinkState) String() string {
	switch s {
	case LinkDown:
		return "down"
	case LinkConnected:
		return "connected"
	case LinkLost:
		return "lost"
	case LinkReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

func (s LinkState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// LinkEvent reports a transport state change.
type LinkEvent struct {
	State  LinkState `json:"state"`
	Device string    `json:"device"`
	At     time.Time `json:"at"`

	// Reconnecting only: attempt number since the link last delivered a
	// frame and the wait before that attempt.
	Attempt int           `json:"attempt,omitempty"`
	Delay   time.Duration `json:"delay_ns,omitempty"`

	Err string `json:"error,omitempty"`
}

const (
	DefaultBackoffMin = 100 * time.Millisecond
	DefaultBackoffMax = 5 * time.Second
)

// backoff doubles from min up to max.
type backoff struct {
	min, max time.Duration
	cur      time.Duration
}

func newBackoff(min, max time.Duration) *backoff {
	if min <= 0 {
		min = DefaultBackoffMin
	}
	if max <= 0 {
		max = DefaultBackoffMax
	}
	if max < min {
		max = min
	}
	return &backoff{min: min, max: max, cur: min}
}

// next returns the delay to use now and advances.
func (b *backoff) next() time.Duration {
	d := b.cur
	b.cur *= 2
	if b.cur > b.max {
		b.cur = b.max
	}
	return d
}

func (b *backoff) reset() { b.cur = b.min }

// sleepCtx waits d or until ctx is done; false means ctx ended.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

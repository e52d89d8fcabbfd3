// Package statusled drives a GPIO line as a link indicator: on while the
// CanSat link is up, off otherwise.
package statusled

import (
	"fmt"
	"log"
	"sync"

	"cansat-groundstation/internal/ahrs"
	"cansat-groundstation/internal/pipeline"
	"cansat-groundstation/internal/telemetry"
)

type Config struct {
	// Chip is a gpiochip name or path, e.g. "gpiochip0".
	Chip      string
	Line      int
	ActiveLow bool
}

type outputLine interface {
	SetValue(v int) error
	Close() error
}

// LED is a pipeline.Subscriber.
type LED struct {
	mu   sync.Mutex
	out  outputLine
	on   bool
	errs int
}

var _ pipeline.Subscriber = (*LED)(nil)

func Open(cfg Config) (*LED, error) {
	if cfg.Line < 0 {
		return nil, fmt.Errorf("statusled: invalid line %d", cfg.Line)
	}
	out, err := openLineFn(cfg)
	if err != nil {
		return nil, err
	}
	return &LED{out: out}, nil
}

func (l *LED) OnRecord(telemetry.Record) {}
func (l *LED) OnAttitude(ahrs.Estimate)  {}

func (l *LED) OnLink(ev pipeline.LinkEvent) {
	l.set(ev.State == pipeline.LinkConnected)
}

// On reports the last state written.
func (l *LED) On() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.on
}

func (l *LED) set(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.out == nil {
		return
	}
	v := 0
	if on {
		v = 1
	}
	if err := l.out.SetValue(v); err != nil {
		l.errs++
		if l.errs == 1 {
			log.Printf("statusled: set %d failed: %v", v, err)
		}
		return
	}
	l.on = on
}

// Close turns the LED off and releases the line.
func (l *LED) Close() error {
	if l == nil {
		return nil
	}
	l.set(false)
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.out == nil {
		return nil
	}
	err := l.out.Close()
	l.out = nil
	return err
}

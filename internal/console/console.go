// Package console prints a live one-line-per-frame view of the telemetry
// stream to a terminal.
package console

import (
	"fmt"
	"io"

	"github.com/fatih/color"

	"cansat-groundstation/internal/ahrs"
	"cansat-groundstation/internal/pipeline"
	"cansat-groundstation/internal/telemetry"
)

type Options struct {
	// Every prints one record line per N records. Link events always print.
	Every   int
	NoColor bool
}

// Printer is a pipeline.Subscriber. A record line is printed once the
// attitude fused from it arrives, so both appear together.
type Printer struct {
	w    io.Writer
	opts Options

	seqc  *color.Color
	okc   *color.Color
	warnc *color.Color
	errc  *color.Color

	pending *telemetry.Record
	count   uint64
}

var _ pipeline.Subscriber = (*Printer)(nil)

func New(w io.Writer, opts Options) *Printer {
	if opts.Every <= 0 {
		opts.Every = 1
	}
	p := &Printer{
		w:     w,
		opts:  opts,
		seqc:  color.New(color.FgCyan),
		okc:   color.New(color.FgGreen, color.Bold),
		warnc: color.New(color.FgYellow),
		errc:  color.New(color.FgRed, color.Bold),
	}
	if opts.NoColor {
		for _, c := range []*color.Color{p.seqc, p.okc, p.warnc, p.errc} {
			c.DisableColor()
		}
	}
	return p
}

func (p *Printer) OnRecord(r telemetry.Record) {
	if p.pending != nil {
		p.printRecord(*p.pending, nil)
	}
	p.pending = &r
}

func (p *Printer) OnAttitude(e ahrs.Estimate) {
	if p.pending == nil || p.pending.Seq != e.Seq {
		return
	}
	rec := *p.pending
	p.pending = nil
	p.printRecord(rec, &e)
}

func (p *Printer) OnLink(ev pipeline.LinkEvent) {
	if p.pending != nil {
		p.printRecord(*p.pending, nil)
		p.pending = nil
	}
	ts := ev.At.Format("15:04:05.000")
	switch ev.State {
	case pipeline.LinkConnected:
		p.okc.Fprintf(p.w, "%s link connected %s\n", ts, ev.Device)
	case pipeline.LinkLost:
		p.errc.Fprintf(p.w, "%s link lost %s: %s\n", ts, ev.Device, ev.Err)
	case pipeline.LinkReconnecting:
		p.warnc.Fprintf(p.w, "%s link reconnecting attempt=%d in %s\n", ts, ev.Attempt, ev.Delay)
	default:
		fmt.Fprintf(p.w, "%s link %s\n", ts, ev.State)
	}
}

func (p *Printer) printRecord(r telemetry.Record, e *ahrs.Estimate) {
	p.count++
	if (p.count-1)%uint64(p.opts.Every) != 0 {
		return
	}
	p.seqc.Fprintf(p.w, "#%-6d", r.Seq)
	fmt.Fprintf(p.w, " %s alt=%.1fm p=%.1fhPa t=%.1fC hum=%.0f%% bat=%.0f%% pos=%.5f,%.5f",
		r.ReceivedAt.Format("15:04:05.000"),
		r.AltitudeM, r.PressureHPa, r.TemperatureC, r.HumidityPct, r.BatteryPct,
		r.LatDeg, r.LonDeg,
	)
	if e != nil {
		fmt.Fprintf(p.w, " roll=%.1f pitch=%.1f hdg=%.1f", e.RollDeg, e.PitchDeg, e.HeadingDeg)
		if e.Flags != 0 {
			p.warnc.Fprintf(p.w, " [%s]", e.Flags)
		}
	}
	fmt.Fprintln(p.w)
}

//go:build linux && (arm || arm64)

package statusled

import (
	"fmt"

	"github.com/warthog618/go-gpiocdev"
)

// openLine requests one line of a GPIO character device as an output,
// initially off.
func openLine(cfg Config) (outputLine, error) {
	chip, err := gpiocdev.NewChip(cfg.Chip)
	if err != nil {
		return nil, fmt.Errorf("statusled: open %s: %w", cfg.Chip, err)
	}
	opts := []gpiocdev.LineReqOption{gpiocdev.AsOutput(0), gpiocdev.WithConsumer("cansat-groundstation-led")}
	if cfg.ActiveLow {
		opts = append(opts, gpiocdev.AsActiveLow)
	}
	line, err := chip.RequestLine(cfg.Line, opts...)
	if err != nil {
		_ = chip.Close()
		return nil, fmt.Errorf("statusled: request %s line %d: %w", cfg.Chip, cfg.Line, err)
	}
	return &gpiodLine{chip: chip, line: line}, nil
}

var openLineFn = openLine

type gpiodLine struct {
	chip *gpiocdev.Chip
	line *gpiocdev.Line
}

func (g *gpiodLine) SetValue(v int) error {
	if g == nil || g.line == nil {
		return fmt.Errorf("statusled: line not initialized")
	}
	return g.line.SetValue(v)
}

func (g *gpiodLine) Close() error {
	if g == nil || g.line == nil {
		return nil
	}
	err := g.line.Close()
	g.line = nil
	if g.chip != nil {
		_ = g.chip.Close()
		g.chip = nil
	}
	return err
}

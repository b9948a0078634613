//go:build linux

package indicator

import (
	"fmt"

	"github.com/warthog618/go-gpiocdev"
)

// gpioLine is an LED line on a GPIO character device.
type gpioLine struct {
	chip *gpiocdev.Chip
	line *gpiocdev.Line
}

// OpenLine requests offset on chip as an output, initially off.
func OpenLine(chip string, offset int, activeLow bool) (Line, error) {
	c, err := gpiocdev.NewChip(chip)
	if err != nil {
		return nil, fmt.Errorf("open gpio chip %s: %w", chip, err)
	}
	opts := []gpiocdev.LineReqOption{gpiocdev.AsOutput(0)}
	if activeLow {
		opts = append(opts, gpiocdev.AsActiveLow)
	}
	l, err := c.RequestLine(offset, opts...)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("request led line %d: %w", offset, err)
	}
	return &gpioLine{chip: c, line: l}, nil
}

func (g *gpioLine) SetValue(v int) error {
	return g.line.SetValue(v)
}

func (g *gpioLine) Close() error {
	var errs []error
	if err := g.line.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close led line: %w", err))
	}
	if err := g.chip.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close chip: %w", err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}

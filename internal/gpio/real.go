//go:build linux

package gpio

import (
	"fmt"
	"sync"
	"time"

	"github.com/warthog618/go-gpiocdev"
)

// openRetryInterval is the pause between line requests while waiting for a
// busy line to be released.
const openRetryInterval = 100 * time.Millisecond

// consumer labels the lines we hold in gpioinfo output.
const consumer = "relay-timer"

// RealOutput drives relays through the Linux GPIO character device.
type RealOutput struct {
	mu    sync.Mutex
	chip  *gpiocdev.Chip
	pins  []Pin
	lines []*gpiocdev.Line
}

// NewRealOutput opens the GPIO chip. Lines are requested per channel by Open.
func NewRealOutput(chip string, pins []Pin) (*RealOutput, error) {
	c, err := gpiocdev.NewChip(chip, gpiocdev.WithConsumer(consumer))
	if err != nil {
		return nil, fmt.Errorf("open gpio chip %s: %w", chip, err)
	}
	return &RealOutput{
		chip:  c,
		pins:  pins,
		lines: make([]*gpiocdev.Line, len(pins)),
	}, nil
}

// Open requests the channel's line as an output, initially inactive.
// A busy line is retried until timeout.
func (r *RealOutput) Open(channel int, timeout time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if channel < 0 || channel >= len(r.pins) {
		return fmt.Errorf("%w: %d", ErrUnknownChannel, channel)
	}
	if r.lines[channel] != nil {
		return nil
	}

	pin := r.pins[channel]
	opts := []gpiocdev.LineReqOption{gpiocdev.AsOutput(0)}
	if pin.ActiveLow {
		opts = append(opts, gpiocdev.AsActiveLow)
	}

	deadline := time.Now().Add(timeout)
	for {
		line, err := r.chip.RequestLine(pin.Offset, opts...)
		if err == nil {
			r.lines[channel] = line
			return nil
		}
		if !time.Now().Before(deadline) {
			return fmt.Errorf("request relay %d pin %d: %w", channel, pin.Offset, err)
		}
		time.Sleep(openRetryInterval)
	}
}

// SetLevel drives the channel's line active (On) or inactive (Off).
func (r *RealOutput) SetLevel(channel int, on bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	line, err := r.line(channel)
	if err != nil {
		return err
	}
	v := 0
	if on {
		v = 1
	}
	if err := line.SetValue(v); err != nil {
		return fmt.Errorf("set relay %d: %w", channel, err)
	}
	return nil
}

// Close drives the line inactive and releases it.
// The line is reconfigured to input with pull-down (matching Pi boot
// defaults) so a relay board cannot be held energised across a reboot.
func (r *RealOutput) Close(channel int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	line, err := r.line(channel)
	if err != nil {
		return err
	}
	r.lines[channel] = nil

	var errs []error
	if err := line.SetValue(0); err != nil {
		errs = append(errs, fmt.Errorf("drive relay %d off: %w", channel, err))
	}
	if err := line.Reconfigure(gpiocdev.AsInput, gpiocdev.WithPullDown); err != nil {
		errs = append(errs, fmt.Errorf("reconfigure relay %d: %w", channel, err))
	}
	if err := line.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close relay %d: %w", channel, err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}

// Shutdown releases the chip. Lines still open are closed first.
func (r *RealOutput) Shutdown() error {
	var errs []error
	for ch := range r.pins {
		r.mu.Lock()
		open := r.lines[ch] != nil
		r.mu.Unlock()
		if !open {
			continue
		}
		if err := r.Close(ch); err != nil {
			errs = append(errs, err)
		}
	}
	if err := r.chip.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close chip: %w", err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// line returns the open line for channel. Caller holds mu.
func (r *RealOutput) line(channel int) (*gpiocdev.Line, error) {
	if channel < 0 || channel >= len(r.pins) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownChannel, channel)
	}
	if r.lines[channel] == nil {
		return nil, fmt.Errorf("%w: relay %d", ErrNotOpen, channel)
	}
	return r.lines[channel], nil
}

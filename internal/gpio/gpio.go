// Package gpio drives relay outputs with hardware abstraction.
// The real implementation uses the Linux GPIO character device.
// The fake implementation allows testing without hardware.
package gpio

import (
	"errors"
	"time"
)

// Output drives a set of binary relay channels. Channels are addressed by
// index into the configured pin list.
type Output interface {
	// Open claims the channel's line as an output driven Off, retrying
	// until timeout if the line is busy.
	Open(channel int, timeout time.Duration) error

	// SetLevel drives the channel On or Off.
	SetLevel(channel int, on bool) error

	// Close drives the channel Off and releases the line.
	Close(channel int) error
}

// DefaultChip is the GPIO chip on a Raspberry Pi.
const DefaultChip = "gpiochip0"

// Pin describes how one channel maps onto a GPIO line.
type Pin struct {
	Offset    int  // BCM line offset
	ActiveLow bool // most opto-isolated relay boards energise on a low line
}

var (
	// ErrUnknownChannel is returned for channel indexes outside the pin list.
	ErrUnknownChannel = errors.New("gpio: unknown channel")

	// ErrNotOpen is returned when a channel is driven before Open succeeded.
	ErrNotOpen = errors.New("gpio: channel not open")
)

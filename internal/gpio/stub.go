//go:build !linux

package gpio

import (
	"errors"
	"time"
)

// RealOutput is not available on non-Linux platforms.
type RealOutput struct{}

// NewRealOutput returns an error on non-Linux platforms.
func NewRealOutput(chip string, pins []Pin) (*RealOutput, error) {
	return nil, errors.New("gpio: not supported on this platform (requires Linux)")
}

// Open is not implemented on non-Linux platforms.
func (r *RealOutput) Open(channel int, timeout time.Duration) error {
	return errors.New("gpio: not supported")
}

// SetLevel is not implemented on non-Linux platforms.
func (r *RealOutput) SetLevel(channel int, on bool) error {
	return errors.New("gpio: not supported")
}

// Close is not implemented on non-Linux platforms.
func (r *RealOutput) Close(channel int) error {
	return nil
}

// Shutdown is not implemented on non-Linux platforms.
func (r *RealOutput) Shutdown() error {
	return nil
}

package gpio

import (
	"fmt"
	"sync"
	"time"
)

// Command is one SetLevel call recorded by FakeOutput.
type Command struct {
	Channel int
	On      bool
}

// FakeOutput is a test double that records commands.
// It is safe for concurrent use, since drivers call it from timer goroutines.
type FakeOutput struct {
	mu sync.Mutex

	channels int
	open     []bool
	levels   []bool
	commands []Command
	closed   []int

	// SetError, if set, will be returned by SetLevel (after recording).
	SetError error

	// OpenError, if set, will be returned by Open.
	OpenError error
}

// NewFakeOutput creates a FakeOutput with the given number of channels.
func NewFakeOutput(channels int) *FakeOutput {
	return &FakeOutput{
		channels: channels,
		open:     make([]bool, channels),
		levels:   make([]bool, channels),
	}
}

// Open marks the channel open.
func (f *FakeOutput) Open(channel int, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.OpenError != nil {
		return f.OpenError
	}
	if channel < 0 || channel >= f.channels {
		return fmt.Errorf("%w: %d", ErrUnknownChannel, channel)
	}
	f.open[channel] = true
	return nil
}

// SetLevel records the command and, unless SetError is set, applies it.
func (f *FakeOutput) SetLevel(channel int, on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if channel < 0 || channel >= f.channels {
		return fmt.Errorf("%w: %d", ErrUnknownChannel, channel)
	}
	f.commands = append(f.commands, Command{Channel: channel, On: on})
	if f.SetError != nil {
		return f.SetError
	}
	if !f.open[channel] {
		return fmt.Errorf("%w: relay %d", ErrNotOpen, channel)
	}
	f.levels[channel] = on
	return nil
}

// Close drives the channel off and marks it closed.
func (f *FakeOutput) Close(channel int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if channel < 0 || channel >= f.channels {
		return fmt.Errorf("%w: %d", ErrUnknownChannel, channel)
	}
	f.open[channel] = false
	f.levels[channel] = false
	f.closed = append(f.closed, channel)
	return nil
}

// SetFailure sets or clears the error returned by SetLevel.
func (f *FakeOutput) SetFailure(err error) {
	f.mu.Lock()
	f.SetError = err
	f.mu.Unlock()
}

// Level returns the physical level last applied to channel.
func (f *FakeOutput) Level(channel int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.levels[channel]
}

// IsOpen reports whether channel is open.
func (f *FakeOutput) IsOpen(channel int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open[channel]
}

// Commands returns a copy of the recorded SetLevel calls.
func (f *FakeOutput) Commands() []Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Command(nil), f.commands...)
}

// Closed returns the channels closed so far, in order.
func (f *FakeOutput) Closed() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.closed...)
}

// Reset clears recorded commands and failures. Open state is kept.
func (f *FakeOutput) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = nil
	f.closed = nil
	f.SetError = nil
	f.OpenError = nil
}

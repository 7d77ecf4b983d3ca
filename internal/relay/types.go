// Package relay contains the per-channel timing and state-accounting engine.
// This package has NO external dependencies (no GPIO, MQTT, OS, or time.Sleep).
// Wall-clock time comes from an injectable clock.
package relay

import (
	"errors"
	"fmt"
	"time"
)

// Level is the commanded output level of a channel.
type Level string

const (
	Off Level = "OFF"
	On  Level = "ON"
)

// Bool reports whether the level is On.
func (l Level) Bool() bool {
	return l == On
}

// LevelOf converts a boolean to a Level.
func LevelOf(on bool) Level {
	if on {
		return On
	}
	return Off
}

// Sink applies a level to one physical output channel.
type Sink interface {
	SetLevel(channel int, on bool) error
}

// Transition is the result of a committed level change.
type Transition struct {
	Channel int
	State   Level
	Toggles uint64
	At      time.Time
}

// Step is a transition driven by the autonomous cycle, together with the
// delay before the next one should be requested.
type Step struct {
	Transition
	Next time.Duration
}

// Snapshot is a point-in-time view of a channel.
// It is a value type, safe to use after the engine lock is released.
type Snapshot struct {
	Channel    int
	State      Level
	Toggles    uint64
	Running    bool
	OnPeriod   time.Duration
	OffPeriod  time.Duration
	TotalOn    time.Duration
	TotalOff   time.Duration
	LastChange time.Time // zero if no transition since construction or reset
	Activated  bool
	Now        time.Time
}

var (
	// ErrInvalidConfiguration is returned when a cycle is started with a
	// non-positive half-period. The engine is left unchanged.
	ErrInvalidConfiguration = errors.New("relay: invalid configuration")

	// ErrHardwareUnavailable matches any *HardwareError.
	ErrHardwareUnavailable = errors.New("relay: hardware unavailable")
)

// HardwareError reports that the sink rejected a command. The logical state
// was committed before the sink was called and is not rolled back.
type HardwareError struct {
	Channel int
	Level   Level
	Err     error
}

func (e *HardwareError) Error() string {
	return fmt.Sprintf("relay %d: set %s: %v", e.Channel, e.Level, e.Err)
}

func (e *HardwareError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrHardwareUnavailable) match.
func (e *HardwareError) Is(target error) bool {
	return target == ErrHardwareUnavailable
}

package relay

import (
	"fmt"
	"sync"
	"time"
)

// Engine owns the state of a single relay channel.
//
// All mutations go through Toggle, ForceOn, Stop, Reset, StartCycle and
// AdvanceCycle. They read-modify-write the accumulators and must not
// interleave, so they take the write lock. Snapshot takes the read lock.
type Engine struct {
	channel int
	sink    Sink
	now     func() time.Time

	mu         sync.RWMutex
	state      Level
	toggles    uint64
	onPeriod   time.Duration
	offPeriod  time.Duration
	running    bool
	totalOn    time.Duration
	totalOff   time.Duration
	lastChange time.Time
	activated  bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces time.Now as the engine's wall clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// New creates an engine for the given channel. The channel starts Off,
// not running, and never activated. The sink is not touched.
func New(channel int, sink Sink, opts ...Option) *Engine {
	e := &Engine{
		channel: channel,
		sink:    sink,
		now:     time.Now,
		state:   Off,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Channel returns the channel index this engine drives.
func (e *Engine) Channel() int {
	return e.channel
}

// Running reports whether the autonomous cycle is active.
func (e *Engine) Running() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running
}

// Toggle flips the level.
func (e *Engine) Toggle() (Transition, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.toggle(false)
}

// ForceOn drives the channel On regardless of its current level.
// It still counts as a transition.
func (e *Engine) ForceOn() (Transition, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.toggle(true)
}

// Stop ends any cycle and drives the channel Off. The toggle count is not
// changed. Calling Stop again accrues nothing more.
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	e.accrue(now)
	e.state = Off
	e.running = false
	e.lastChange = now
	return e.apply()
}

// Reset zeroes the counters and forgets the activation history. Level,
// running flag and the physical output are left as they are.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.toggles = 0
	e.totalOn = 0
	e.totalOff = 0
	e.lastChange = time.Time{}
	e.activated = false
}

// CheckPeriods reports whether on and off are usable cycle half-periods.
func CheckPeriods(on, off time.Duration) error {
	if on <= 0 || off <= 0 {
		return fmt.Errorf("%w: on=%v off=%v must be positive", ErrInvalidConfiguration, on, off)
	}
	return nil
}

// StartCycle begins autonomous cycling with the given half-periods. The
// channel is forced On immediately; the returned delay is how long the
// caller should wait before calling AdvanceCycle.
//
// A hardware error is returned together with a valid delay: the cycle has
// started and the caller decides whether to keep scheduling.
func (e *Engine) StartCycle(on, off time.Duration) (time.Duration, error) {
	if err := CheckPeriods(on, off); err != nil {
		return 0, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.onPeriod = on
	e.offPeriod = off
	e.running = true
	_, err := e.toggle(true)
	return on, err
}

// AdvanceCycle performs the next scheduled transition. It returns ok=false
// without doing anything if the cycle is no longer running.
func (e *Engine) AdvanceCycle() (step Step, ok bool, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running {
		return Step{}, false, nil
	}

	tr, err := e.toggle(false)
	next := e.offPeriod
	if tr.State == On {
		next = e.onPeriod
	}
	return Step{Transition: tr, Next: next}, true, err
}

// Resync re-applies the committed level to the sink without changing any
// state. It is the retry path after a HardwareError.
func (e *Engine) Resync() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.apply()
}

// Snapshot returns the channel state with the totals projected forward to
// now. Nothing is committed.
func (e *Engine) Snapshot(now time.Time) Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()

	s := Snapshot{
		Channel:    e.channel,
		State:      e.state,
		Toggles:    e.toggles,
		Running:    e.running,
		OnPeriod:   e.onPeriod,
		OffPeriod:  e.offPeriod,
		TotalOn:    e.totalOn,
		TotalOff:   e.totalOff,
		LastChange: e.lastChange,
		Activated:  e.activated,
		Now:        now,
	}
	on, off := e.pending(now)
	s.TotalOn += on
	s.TotalOff += off
	return s
}

// toggle is the single transition primitive shared by manual and cycle
// driven changes. Caller holds the write lock.
func (e *Engine) toggle(forceOn bool) (Transition, error) {
	now := e.now()
	e.accrue(now)

	if forceOn {
		e.state = On
	} else if e.state == On {
		e.state = Off
	} else {
		e.state = On
	}
	if e.state == On {
		e.activated = true
	}

	e.toggles++
	e.lastChange = now

	tr := Transition{
		Channel: e.channel,
		State:   e.state,
		Toggles: e.toggles,
		At:      now,
	}
	return tr, e.apply()
}

// accrue commits the time spent in the current level since the last change.
func (e *Engine) accrue(now time.Time) {
	on, off := e.pending(now)
	e.totalOn += on
	e.totalOff += off
}

// pending returns the uncommitted on and off time up to now.
func (e *Engine) pending(now time.Time) (on, off time.Duration) {
	if e.lastChange.IsZero() {
		return 0, 0
	}
	elapsed := now.Sub(e.lastChange)
	if elapsed < 0 {
		// Wall clock stepped backwards; totals never decrease.
		elapsed = 0
	}
	if e.state == On {
		return elapsed, 0
	}
	if e.activated {
		return 0, elapsed
	}
	return 0, 0
}

func (e *Engine) apply() error {
	if e.sink == nil {
		return nil
	}
	if err := e.sink.SetLevel(e.channel, e.state.Bool()); err != nil {
		return &HardwareError{Channel: e.channel, Level: e.state, Err: err}
	}
	return nil
}

package driver

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sweeney/relay-timer/internal/mqtt"
	"github.com/sweeney/relay-timer/internal/relay"
)

// Channel is the single writer for one relay engine. Every mutation and
// every scheduled step runs under mu together with its report, so intents
// from HTTP, MQTT and the timer goroutine never interleave and subscribers
// see changes in commit order.
type Channel struct {
	id      int
	spec    Spec
	bank    *Bank
	engine  *relay.Engine
	limiter *rate.Limiter
	log     *zap.Logger

	mu      sync.Mutex
	timer   Timer
	gen     uint64 // bumped on every Start and Stop; stale timers compare unequal
	faulted bool
}

// ID returns the channel index.
func (c *Channel) ID() int {
	return c.id
}

// Name returns the configured channel name.
func (c *Channel) Name() string {
	return c.spec.Name
}

// Defaults returns the configured half-periods.
func (c *Channel) Defaults() (on, off time.Duration) {
	return c.spec.OnPeriod, c.spec.OffPeriod
}

// Snapshot returns the live view of the channel.
func (c *Channel) Snapshot() relay.Snapshot {
	return c.engine.Snapshot(c.bank.now())
}

// Toggle flips the relay.
func (c *Channel) Toggle() (relay.Snapshot, error) {
	if !c.limiter.Allow() {
		return c.Snapshot(), ErrRateLimited
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.engine.Toggle()
	c.noteFault(err)
	return c.report(mqtt.CauseManual, err), err
}

// ForceOn drives the relay On.
func (c *Channel) ForceOn() (relay.Snapshot, error) {
	if !c.limiter.Allow() {
		return c.Snapshot(), ErrRateLimited
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.engine.ForceOn()
	c.noteFault(err)
	return c.report(mqtt.CauseManual, err), err
}

// Start begins autonomous cycling. Restarting a running cycle forces On
// again and abandons the previously scheduled step. Invalid half-periods
// are rejected before they cost a rate limit token.
func (c *Channel) Start(on, off time.Duration) (relay.Snapshot, error) {
	if err := relay.CheckPeriods(on, off); err != nil {
		return c.Snapshot(), err
	}
	if !c.limiter.Allow() {
		return c.Snapshot(), ErrRateLimited
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delay, err := c.engine.StartCycle(on, off)
	if errors.Is(err, relay.ErrInvalidConfiguration) {
		return c.Snapshot(), err
	}
	c.noteFault(err)
	c.schedule(delay)

	c.log.Info("cycle started", zap.Duration("on", on), zap.Duration("off", off))
	return c.report(mqtt.CauseStart, err), err
}

// Stop ends any cycle and drives the relay Off.
func (c *Channel) Stop() (relay.Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	err := c.engine.Stop()
	c.cancel()
	c.noteFault(err)
	return c.report(mqtt.CauseStop, err), err
}

// Reset zeroes the counters.
func (c *Channel) Reset() (relay.Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.engine.Reset()
	return c.report(mqtt.CauseReset, nil), nil
}

// schedule arms the timer for the next step of the current generation.
// Caller holds mu.
func (c *Channel) schedule(delay time.Duration) {
	c.cancel()
	gen := c.gen
	c.timer = c.bank.sched.AfterFunc(delay, func() { c.advance(gen) })
}

// cancel invalidates any pending step. A timer that already fired sees a
// newer generation and does nothing. Caller holds mu.
func (c *Channel) cancel() {
	c.gen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// advance runs one scheduled cycle step.
func (c *Channel) advance(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}
	step, ok, err := c.engine.AdvanceCycle()
	if !ok {
		c.timer = nil
		return
	}
	c.noteFault(err)
	c.timer = c.bank.sched.AfterFunc(step.Next, func() { c.advance(gen) })
	c.report(mqtt.CauseCycle, err)
}

// noteFault marks the channel faulted on a hardware error. Logical state is
// already committed; refresh retries the output. Caller holds mu.
func (c *Channel) noteFault(err error) {
	if errors.Is(err, relay.ErrHardwareUnavailable) {
		c.faulted = true
	}
}

// refresh records a live snapshot and retries the output if faulted.
func (c *Channel) refresh() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.faulted {
		if err := c.engine.Resync(); err == nil {
			c.faulted = false
			c.log.Info("output recovered")
			if c.bank.rec != nil {
				c.bank.rec.SetFault(c.id, nil)
			}
			c.report(mqtt.CauseResync, nil)
			return
		}
	}
	if c.bank.rec != nil {
		c.bank.rec.UpdateChannel(c.Snapshot())
	}
}

// report records and publishes the channel state after a change. Caller
// holds mu, so reports leave in the order the changes were committed.
func (c *Channel) report(cause mqtt.Cause, err error) relay.Snapshot {
	snap := c.Snapshot()

	if err != nil {
		c.log.Error("output command failed",
			zap.String("cause", string(cause)),
			zap.String("state", string(snap.State)),
			zap.Error(err))
	} else {
		c.log.Debug("relay changed",
			zap.String("cause", string(cause)),
			zap.String("state", string(snap.State)),
			zap.Uint64("toggles", snap.Toggles))
	}

	if c.bank.rec != nil {
		c.bank.rec.UpdateChannel(snap)
		if err != nil {
			c.bank.rec.SetFault(c.id, err)
		}
	}

	if c.bank.notify != nil {
		event := mqtt.NewEvent(snap, c.spec.Name, cause)
		if err != nil {
			event.Error = err.Error()
		}
		if perr := c.bank.notify.Publish(event); perr != nil {
			c.log.Warn("publish error", zap.Error(perr))
		}
	}
	return snap
}

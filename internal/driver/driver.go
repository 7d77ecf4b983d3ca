// Package driver runs relay engines against a GPIO output: it schedules
// cycle steps, forwards user intents, keeps the status tracker current and
// retries the output after hardware faults.
package driver

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sweeney/relay-timer/internal/gpio"
	"github.com/sweeney/relay-timer/internal/mqtt"
	"github.com/sweeney/relay-timer/internal/relay"
)

var (
	// ErrUnknownChannel is returned for channel indexes the bank does not own.
	ErrUnknownChannel = errors.New("driver: unknown channel")

	// ErrRateLimited is returned when manual intents arrive faster than the
	// configured rate. Stop and Reset are never limited.
	ErrRateLimited = errors.New("driver: too many requests")
)

// Timer is a pending scheduled call.
type Timer interface {
	Stop() bool
}

// Scheduler runs f after d on its own goroutine.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realScheduler struct{}

func (realScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Notifier receives relay events. mqtt.Publisher satisfies it.
type Notifier interface {
	Publish(event mqtt.Event) error
}

// Recorder stores the latest view of each channel. status.Tracker satisfies it.
type Recorder interface {
	UpdateChannel(s relay.Snapshot)
	SetFault(channel int, err error)
}

// Spec describes one channel. OnPeriod and OffPeriod are used by
// Bank.Start when the caller passes zero.
type Spec struct {
	Name      string
	OnPeriod  time.Duration
	OffPeriod time.Duration
}

// Option configures a Bank.
type Option func(*Bank)

// WithLogger sets the logger. The default discards everything.
func WithLogger(log *zap.Logger) Option {
	return func(b *Bank) { b.log = log }
}

// WithNotifier sets where relay events are published.
func WithNotifier(n Notifier) Option {
	return func(b *Bank) { b.notify = n }
}

// WithRecorder sets where snapshots are recorded.
func WithRecorder(r Recorder) Option {
	return func(b *Bank) { b.rec = r }
}

// WithScheduler replaces the time.AfterFunc based scheduler.
func WithScheduler(s Scheduler) Option {
	return func(b *Bank) { b.sched = s }
}

// WithClock replaces time.Now for the engines and snapshots.
func WithClock(now func() time.Time) Option {
	return func(b *Bank) { b.now = now }
}

// WithIntentRate limits manual intents per channel. A zero or negative
// limit disables limiting.
func WithIntentRate(perSecond float64, burst int) Option {
	return func(b *Bank) {
		b.intentRate = rate.Inf
		if perSecond > 0 {
			b.intentRate = rate.Limit(perSecond)
		}
		b.intentBurst = burst
	}
}

// Bank owns one Channel per configured relay.
type Bank struct {
	out      gpio.Output
	channels []*Channel

	log         *zap.Logger
	notify      Notifier
	rec         Recorder
	sched       Scheduler
	now         func() time.Time
	intentRate  rate.Limit
	intentBurst int
}

// New creates a bank with one engine per spec. Channel i drives output
// channel i. Nothing touches the output until Open.
func New(out gpio.Output, specs []Spec, opts ...Option) *Bank {
	b := &Bank{
		out:         out,
		log:         zap.NewNop(),
		sched:       realScheduler{},
		now:         time.Now,
		intentRate:  rate.Inf,
		intentBurst: 1,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.intentBurst < 1 {
		b.intentBurst = 1
	}

	b.channels = make([]*Channel, len(specs))
	for i, spec := range specs {
		b.channels[i] = &Channel{
			id:      i,
			spec:    spec,
			bank:    b,
			engine:  relay.New(i, out, relay.WithClock(b.now)),
			limiter: rate.NewLimiter(b.intentRate, b.intentBurst),
			log:     b.log.With(zap.Int("channel", i), zap.String("name", spec.Name)),
		}
	}
	return b
}

// Open claims every output line and drives it Off. The engines are not
// touched, so no transition is recorded.
func (b *Bank) Open(timeout time.Duration) error {
	for _, c := range b.channels {
		if err := b.out.Open(c.id, timeout); err != nil {
			return fmt.Errorf("open relay %d (%s): %w", c.id, c.spec.Name, err)
		}
		if err := b.out.SetLevel(c.id, false); err != nil {
			return fmt.Errorf("init relay %d (%s): %w", c.id, c.spec.Name, err)
		}
		if b.rec != nil {
			b.rec.UpdateChannel(c.engine.Snapshot(b.now()))
		}
	}
	return nil
}

// Len returns the number of channels.
func (b *Bank) Len() int {
	return len(b.channels)
}

// Channel returns the channel with the given index.
func (b *Bank) Channel(id int) (*Channel, error) {
	if id < 0 || id >= len(b.channels) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownChannel, id)
	}
	return b.channels[id], nil
}

// Refresh records a live snapshot of every channel and retries the output
// of faulted channels. It is called periodically by the daemon loop.
func (b *Bank) Refresh() {
	for _, c := range b.channels {
		c.refresh()
	}
}

// Close stops every channel and releases its output line.
func (b *Bank) Close() error {
	var errs []error
	for _, c := range b.channels {
		if _, err := c.Stop(); err != nil {
			errs = append(errs, err)
		}
		if err := b.out.Close(c.id); err != nil {
			errs = append(errs, fmt.Errorf("close relay %d: %w", c.id, err))
		}
	}
	return errors.Join(errs...)
}

// Toggle flips channel id.
func (b *Bank) Toggle(id int) (relay.Snapshot, error) {
	c, err := b.Channel(id)
	if err != nil {
		return relay.Snapshot{}, err
	}
	return c.Toggle()
}

// ForceOn drives channel id On.
func (b *Bank) ForceOn(id int) (relay.Snapshot, error) {
	c, err := b.Channel(id)
	if err != nil {
		return relay.Snapshot{}, err
	}
	return c.ForceOn()
}

// Start begins cycling channel id. A zero half-period is replaced by the
// channel's configured default; negative values are passed through and
// rejected by the engine.
func (b *Bank) Start(id int, on, off time.Duration) (relay.Snapshot, error) {
	c, err := b.Channel(id)
	if err != nil {
		return relay.Snapshot{}, err
	}
	if on == 0 {
		on = c.spec.OnPeriod
	}
	if off == 0 {
		off = c.spec.OffPeriod
	}
	return c.Start(on, off)
}

// Stop stops channel id.
func (b *Bank) Stop(id int) (relay.Snapshot, error) {
	c, err := b.Channel(id)
	if err != nil {
		return relay.Snapshot{}, err
	}
	return c.Stop()
}

// Reset zeroes the counters of channel id.
func (b *Bank) Reset(id int) (relay.Snapshot, error) {
	c, err := b.Channel(id)
	if err != nil {
		return relay.Snapshot{}, err
	}
	return c.Reset()
}

// HandleCommand applies an intent received over MQTT.
func (b *Bank) HandleCommand(cmd mqtt.Command) error {
	var err error
	switch cmd.Action {
	case mqtt.ActionToggle:
		_, err = b.Toggle(cmd.Channel)
	case mqtt.ActionOn:
		_, err = b.ForceOn(cmd.Channel)
	case mqtt.ActionStart:
		_, err = b.Start(cmd.Channel, cmd.OnPeriod(), cmd.OffPeriod())
	case mqtt.ActionStop:
		_, err = b.Stop(cmd.Channel)
	case mqtt.ActionReset:
		_, err = b.Reset(cmd.Channel)
	default:
		err = fmt.Errorf("%w: %q", mqtt.ErrBadCommand, cmd.Action)
	}
	return err
}

package internal

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/sweeney/relay-timer/internal/driver"
	"github.com/sweeney/relay-timer/internal/gpio"
	"github.com/sweeney/relay-timer/internal/mqtt"
	"github.com/sweeney/relay-timer/internal/relay"
	"github.com/sweeney/relay-timer/internal/status"
)

// manualTimer and manualScheduler let the test fire scheduled steps in order.
type manualTimer struct {
	d    time.Duration
	f    func()
	dead bool
}

func (t *manualTimer) Stop() bool {
	was := !t.dead
	t.dead = true
	return was
}

type manualScheduler struct {
	timers []*manualTimer
}

func (s *manualScheduler) AfterFunc(d time.Duration, f func()) driver.Timer {
	t := &manualTimer{d: d, f: f}
	s.timers = append(s.timers, t)
	return t
}

// next returns the single live timer, or nil.
func (s *manualScheduler) next() *manualTimer {
	for i := len(s.timers) - 1; i >= 0; i-- {
		if !s.timers[i].dead {
			return s.timers[i]
		}
	}
	return nil
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

type rig struct {
	out     *gpio.FakeOutput
	pub     *mqtt.FakePublisher
	tracker *status.Tracker
	sched   *manualScheduler
	clock   *clock
	bank    *driver.Bank
}

func newRig(t *testing.T) *rig {
	t.Helper()
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	r := &rig{
		out:   gpio.NewFakeOutput(1),
		pub:   mqtt.NewFakePublisher(),
		sched: &manualScheduler{},
		clock: &clock{t: start},
	}
	r.tracker = status.NewTracker(start, status.Config{Broker: "tcp://broker:1883"},
		[]status.ChannelInfo{{Name: "heater", Pin: 17}})
	r.bank = driver.New(r.out, []driver.Spec{{Name: "heater"}},
		driver.WithNotifier(r.pub),
		driver.WithRecorder(r.tracker),
		driver.WithScheduler(r.sched),
		driver.WithClock(r.clock.now))
	if err := r.bank.Open(time.Second); err != nil {
		t.Fatalf("open: %v", err)
	}
	r.out.Reset()
	return r
}

// step advances the clock by the pending delay and fires the timer.
func (r *rig) step(t *testing.T) {
	t.Helper()
	tm := r.sched.next()
	if tm == nil {
		t.Fatal("no pending step")
	}
	r.clock.advance(tm.d)
	tm.dead = true
	tm.f()
}

// TestIntegrationCycle drives a 500/500ms cycle through three scheduled steps
// and checks hardware commands, published payloads and the status snapshot.
func TestIntegrationCycle(t *testing.T) {
	r := newRig(t)

	if _, err := r.bank.Start(0, 500*time.Millisecond, 500*time.Millisecond); err != nil {
		t.Fatalf("start: %v", err)
	}
	for i := 0; i < 3; i++ {
		r.step(t)
	}

	wantLevels := []bool{true, false, true, false}
	cmds := r.out.Commands()
	if len(cmds) != len(wantLevels) {
		t.Fatalf("expected %d output commands, got %d", len(wantLevels), len(cmds))
	}
	for i, want := range wantLevels {
		if cmds[i].On != want {
			t.Errorf("command %d: got on=%v, want %v", i, cmds[i].On, want)
		}
	}

	events := r.pub.RecordedEvents()
	if len(events) != 4 {
		t.Fatalf("expected 4 events, got %d", len(events))
	}
	wantStates := []relay.Level{relay.On, relay.Off, relay.On, relay.Off}
	for i, e := range events {
		if e.State != wantStates[i] {
			t.Errorf("event %d: state %s, want %s", i, e.State, wantStates[i])
		}
		if e.Toggles != uint64(i+1) {
			t.Errorf("event %d: toggles %d, want %d", i, e.Toggles, i+1)
		}
	}
	if events[0].Cause != mqtt.CauseStart {
		t.Errorf("event 0: cause %s, want START", events[0].Cause)
	}

	ch, ok := r.tracker.Snapshot().Channel(0)
	if !ok {
		t.Fatal("channel 0 missing from tracker")
	}
	if ch.Toggles != 4 || ch.State != relay.Off || !ch.Running {
		t.Errorf("tracker: toggles=%d state=%s running=%v", ch.Toggles, ch.State, ch.Running)
	}
	if ch.TotalOn != time.Second || ch.TotalOff != 500*time.Millisecond {
		t.Errorf("tracker totals: on=%v off=%v", ch.TotalOn, ch.TotalOff)
	}
	if next := r.sched.next(); next == nil || next.d != 500*time.Millisecond {
		t.Errorf("expected next step in 500ms, got %+v", next)
	}
}

// TestIntegrationIdleBeforeActivationNotCounted checks that time spent Off
// before the first activation never shows up in totals.
func TestIntegrationIdleBeforeActivationNotCounted(t *testing.T) {
	r := newRig(t)

	r.clock.advance(10 * time.Second)
	r.bank.Refresh()
	ch, _ := r.tracker.Snapshot().Channel(0)
	if ch.TotalOff != 0 {
		t.Errorf("pre-activation off: got %v, want 0", ch.TotalOff)
	}

	if _, err := r.bank.Toggle(0); err != nil {
		t.Fatalf("toggle on: %v", err)
	}
	r.clock.advance(2 * time.Second)
	if _, err := r.bank.Toggle(0); err != nil {
		t.Fatalf("toggle off: %v", err)
	}
	r.clock.advance(3 * time.Second)
	r.bank.Refresh()

	ch, _ = r.tracker.Snapshot().Channel(0)
	if ch.TotalOn != 2*time.Second {
		t.Errorf("total on: got %v, want 2s", ch.TotalOn)
	}
	if ch.TotalOff != 3*time.Second {
		t.Errorf("total off: got %v, want 3s", ch.TotalOff)
	}
}

// TestIntegrationStopThenAdvanceIsIgnored checks that a step that fires after
// Stop has no effect.
func TestIntegrationStopThenAdvanceIsIgnored(t *testing.T) {
	r := newRig(t)

	if _, err := r.bank.Start(0, time.Second, time.Second); err != nil {
		t.Fatalf("start: %v", err)
	}
	stale := r.sched.next()
	if _, err := r.bank.Stop(0); err != nil {
		t.Fatalf("stop: %v", err)
	}
	stale.f()

	ch, _ := r.tracker.Snapshot().Channel(0)
	if ch.Toggles != 1 || ch.State != relay.Off || ch.Running {
		t.Errorf("after stale step: toggles=%d state=%s running=%v", ch.Toggles, ch.State, ch.Running)
	}
	if n := len(r.out.Commands()); n != 2 {
		t.Errorf("expected 2 output commands (on, stop), got %d", n)
	}
}

// TestIntegrationPayloadFormat checks the JSON published for a transition.
func TestIntegrationPayloadFormat(t *testing.T) {
	r := newRig(t)

	if _, err := r.bank.Toggle(0); err != nil {
		t.Fatalf("toggle: %v", err)
	}

	if len(r.pub.Payloads) != 1 {
		t.Fatalf("expected 1 payload, got %d", len(r.pub.Payloads))
	}
	var p mqtt.Payload
	if err := json.Unmarshal(r.pub.Payloads[0], &p); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if p.Relay.Event != "MANUAL" || p.Relay.State != "ON" || p.Relay.Name != "heater" {
		t.Errorf("payload: got %+v", p.Relay)
	}
	if p.Relay.Timestamp != "2026-01-01T12:00:00Z" {
		t.Errorf("timestamp: got %q", p.Relay.Timestamp)
	}
	if p.Relay.ID == "" {
		t.Error("expected event id")
	}
}

// TestIntegrationHardwareFaultRecovery checks that a rejected command keeps
// the logical state, surfaces the fault, and is retried on refresh.
func TestIntegrationHardwareFaultRecovery(t *testing.T) {
	r := newRig(t)
	r.out.SetFailure(errors.New("chip gone"))

	_, err := r.bank.Start(0, time.Second, time.Second)
	if !errors.Is(err, relay.ErrHardwareUnavailable) {
		t.Fatalf("expected hardware error, got %v", err)
	}
	r.step(t) // cycle continues on logical state

	snap := r.tracker.Snapshot()
	var sj status.StatusJSON
	if err := json.Unmarshal(status.FormatJSON(snap), &sj); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if !sj.Status.Relays[0].Faulted || sj.Status.Relays[0].State != "OFF" || sj.Status.Relays[0].Toggles != 2 {
		t.Errorf("status while faulted: %+v", sj.Status.Relays[0])
	}

	r.out.SetFailure(nil)
	r.step(t) // On again, output accepts it
	r.bank.Refresh()

	ch, _ := r.tracker.Snapshot().Channel(0)
	if ch.Faulted {
		t.Error("expected fault cleared")
	}
	if !r.out.Level(0) {
		t.Error("expected output high")
	}
}

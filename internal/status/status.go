// Package status provides a thread-safe status tracker for the relay-timer daemon.
// It holds the last snapshot taken of each channel and is read by the HTTP
// handlers, the MQTT heartbeat and the metrics collector.
package status

import (
	"sync"
	"time"

	"github.com/sweeney/relay-timer/internal/relay"
)

// NetworkInfo contains network state as reported by pi-helper.
type NetworkInfo struct {
	Type       string
	IP         string
	Status     string
	Gateway    string
	WifiStatus string
	SSID       string
}

// Config contains daemon configuration for display.
type Config struct {
	Chip        string
	RefreshMs   int64
	HeartbeatMs int64
	Broker      string
	TopicPrefix string
	HTTPAddr    string
}

// ChannelInfo is the static description of a channel.
type ChannelInfo struct {
	Name string
	Pin  int
}

// Channel is the last known view of one relay channel.
type Channel struct {
	relay.Snapshot
	ChannelInfo
	Faulted   bool
	LastError string
}

// Snapshot is a point-in-time view of daemon state.
// It is a value type, safe to use after the lock is released.
type Snapshot struct {
	Channels      []Channel
	StartTime     time.Time
	Now           time.Time
	MQTTConnected bool
	Network       *NetworkInfo
	Config        Config
}

// Uptime returns the duration since the daemon started.
func (s Snapshot) Uptime() time.Duration {
	return s.Now.Sub(s.StartTime)
}

// Channel returns the channel with the given index.
func (s Snapshot) Channel(id int) (Channel, bool) {
	if id < 0 || id >= len(s.Channels) {
		return Channel{}, false
	}
	return s.Channels[id], true
}

// Tracker holds mutable daemon state behind an RWMutex.
type Tracker struct {
	mu   sync.RWMutex
	snap Snapshot
}

// NewTracker creates a Tracker with the given start time, config and channels.
func NewTracker(startTime time.Time, cfg Config, channels []ChannelInfo) *Tracker {
	chans := make([]Channel, len(channels))
	for i, info := range channels {
		chans[i] = Channel{
			Snapshot:    relay.Snapshot{Channel: i, State: relay.Off},
			ChannelInfo: info,
		}
	}
	return &Tracker{
		snap: Snapshot{
			Channels:  chans,
			StartTime: startTime,
			Config:    cfg,
		},
	}
}

// UpdateChannel stores the latest engine snapshot for a channel.
// Snapshots for unknown channels are ignored.
func (t *Tracker) UpdateChannel(s relay.Snapshot) {
	t.mu.Lock()
	if s.Channel >= 0 && s.Channel < len(t.snap.Channels) {
		t.snap.Channels[s.Channel].Snapshot = s
	}
	t.mu.Unlock()
}

// SetFault records (err != nil) or clears (err == nil) a hardware fault.
func (t *Tracker) SetFault(channel int, err error) {
	t.mu.Lock()
	if channel >= 0 && channel < len(t.snap.Channels) {
		c := &t.snap.Channels[channel]
		c.Faulted = err != nil
		c.LastError = ""
		if err != nil {
			c.LastError = err.Error()
		}
	}
	t.mu.Unlock()
}

// SetMQTTConnected sets the MQTT connection status.
func (t *Tracker) SetMQTTConnected(connected bool) {
	t.mu.Lock()
	t.snap.MQTTConnected = connected
	t.mu.Unlock()
}

// SetNetwork sets the network info.
func (t *Tracker) SetNetwork(info *NetworkInfo) {
	t.mu.Lock()
	t.snap.Network = info
	t.mu.Unlock()
}

// Snapshot returns a point-in-time copy of the daemon state.
// The Now field is set to the current time at the moment of the call.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	s := t.snap
	s.Channels = append([]Channel(nil), t.snap.Channels...)
	t.mu.RUnlock()
	s.Now = time.Now()
	return s
}

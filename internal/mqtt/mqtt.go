// Package mqtt publishes relay events and receives relay commands over MQTT,
// with an abstraction for testing.
package mqtt

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/sweeney/relay-timer/internal/relay"
)

// DefaultTopicPrefix is the topic root used when none is configured.
const DefaultTopicPrefix = "home/relays"

// Topics holds the MQTT topics derived from a prefix.
type Topics struct {
	Events  string // relay transition events
	System  string // lifecycle events
	Command string // inbound user intents
}

// NewTopics derives the topic set from prefix.
func NewTopics(prefix string) Topics {
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return Topics{
		Events:  prefix + "/events",
		System:  prefix + "/system",
		Command: prefix + "/command",
	}
}

// Publisher publishes events to MQTT.
type Publisher interface {
	// Publish sends a relay event to the broker.
	// Returns error if publishing fails (should not crash the process).
	Publish(event Event) error

	// PublishSystem sends a system lifecycle event to the broker.
	PublishSystem(event SystemEvent) error

	// Close disconnects from the broker.
	Close() error
}

// ConnectionStatus reports whether the MQTT connection is active.
type ConnectionStatus interface {
	IsConnected() bool
}

// Cause describes what triggered a relay event.
type Cause string

const (
	CauseManual Cause = "MANUAL" // user toggle or force on
	CauseStart  Cause = "START"  // forced On that begins a cycle
	CauseCycle  Cause = "CYCLE"  // scheduled half-period step
	CauseStop   Cause = "STOP"
	CauseReset  Cause = "RESET"
	CauseResync Cause = "RESYNC" // output accepted the level again after a fault
)

// Event is a relay state change to be published.
type Event struct {
	ID        string
	Timestamp time.Time
	Channel   int
	Name      string
	State     relay.Level
	Toggles   uint64
	Running   bool
	TotalOn   time.Duration
	TotalOff  time.Duration
	Cause     Cause
	Error     string
}

// NewEvent builds an event from a channel snapshot taken right after the
// change. Each event gets a fresh random ID.
func NewEvent(snap relay.Snapshot, name string, cause Cause) Event {
	return Event{
		ID:        uuid.NewString(),
		Timestamp: snap.Now,
		Channel:   snap.Channel,
		Name:      name,
		State:     snap.State,
		Toggles:   snap.Toggles,
		Running:   snap.Running,
		TotalOn:   snap.TotalOn,
		TotalOff:  snap.TotalOff,
		Cause:     cause,
	}
}

// SystemEvent represents a system lifecycle event (e.g., startup, shutdown, heartbeat).
type SystemEvent struct {
	Timestamp  time.Time
	Event      string // e.g., "STARTUP", "SHUTDOWN", "HEARTBEAT"
	Reason     string // e.g., "SIGTERM", "SIGINT" (shutdown only)
	RawPayload []byte // Pre-formatted JSON payload; if set, FormatSystemPayload returns it directly
	Retained   bool   // Whether the message should be retained by the broker
}

// Payload represents the MQTT message payload structure.
type Payload struct {
	Relay RelayPayload `json:"relay"`
}

// RelayPayload contains the relay event details.
type RelayPayload struct {
	ID           string  `json:"id"`
	Timestamp    string  `json:"timestamp"`
	Event        string  `json:"event"`
	Channel      int     `json:"channel"`
	Name         string  `json:"name,omitempty"`
	State        string  `json:"state"`
	Toggles      uint64  `json:"toggles"`
	Running      bool    `json:"running"`
	TotalOnSecs  float64 `json:"total_on_s"`
	TotalOffSecs float64 `json:"total_off_s"`
	Error        string  `json:"error,omitempty"`
}

// FormatPayload creates the JSON payload for a relay event.
func FormatPayload(event Event) ([]byte, error) {
	payload := Payload{
		Relay: RelayPayload{
			ID:           event.ID,
			Timestamp:    event.Timestamp.UTC().Format(time.RFC3339Nano),
			Event:        string(event.Cause),
			Channel:      event.Channel,
			Name:         event.Name,
			State:        string(event.State),
			Toggles:      event.Toggles,
			Running:      event.Running,
			TotalOnSecs:  event.TotalOn.Seconds(),
			TotalOffSecs: event.TotalOff.Seconds(),
			Error:        event.Error,
		},
	}
	return json.Marshal(payload)
}

// SystemPayload represents the MQTT message payload for system events.
// Used for the LWT, which cannot carry a live status snapshot.
type SystemPayload struct {
	System SystemPayloadInner `json:"system"`
}

// SystemPayloadInner contains the system event details.
type SystemPayloadInner struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Reason    string `json:"reason,omitempty"`
}

// FormatSystemPayload creates the JSON payload for a system event.
// If event.RawPayload is set, it is returned directly (used for full status snapshots).
func FormatSystemPayload(event SystemEvent) ([]byte, error) {
	if event.RawPayload != nil {
		return event.RawPayload, nil
	}

	payload := SystemPayload{
		System: SystemPayloadInner{
			Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
			Event:     event.Event,
			Reason:    event.Reason,
		},
	}
	return json.Marshal(payload)
}

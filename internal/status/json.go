package status

import (
	"encoding/json"
	"time"
)

// StatusJSON is the top-level JSON envelope for status output.
type StatusJSON struct {
	Status StatusInner `json:"status"`
}

// StatusInner contains the status details.
type StatusInner struct {
	Event         string        `json:"event,omitempty"`
	Reason        string        `json:"reason,omitempty"`
	UptimeSeconds int64         `json:"uptime_seconds"`
	StartTime     string        `json:"start_time"`
	Timestamp     string        `json:"timestamp"`
	MQTT          MQTTStatus    `json:"mqtt"`
	Relays        []ChannelJSON `json:"relays"`
	Network       *NetworkJSON  `json:"network,omitempty"`
	Config        ConfigJSON    `json:"config"`
}

// MQTTStatus reports MQTT connection state.
type MQTTStatus struct {
	Connected bool   `json:"connected"`
	Broker    string `json:"broker"`
}

// ChannelJSON is the JSON representation of one relay channel.
type ChannelJSON struct {
	ID           int     `json:"id"`
	Name         string  `json:"name"`
	Pin          int     `json:"pin"`
	State        string  `json:"state"`
	Toggles      uint64  `json:"toggles"`
	Running      bool    `json:"running"`
	OnMs         int64   `json:"on_ms"`
	OffMs        int64   `json:"off_ms"`
	TotalOnSecs  float64 `json:"total_on_s"`
	TotalOffSecs float64 `json:"total_off_s"`
	LastChange   string  `json:"last_change,omitempty"`
	Faulted      bool    `json:"faulted"`
	LastError    string  `json:"error,omitempty"`
}

// NetworkJSON is the JSON representation of network info.
type NetworkJSON struct {
	Type       string `json:"type"`
	IP         string `json:"ip"`
	Status     string `json:"status"`
	Gateway    string `json:"gateway"`
	WifiStatus string `json:"wifi_status"`
	SSID       string `json:"ssid"`
}

// ConfigJSON is the JSON representation of daemon config.
type ConfigJSON struct {
	Chip        string `json:"chip"`
	RefreshMs   int64  `json:"refresh_ms"`
	HeartbeatMs int64  `json:"heartbeat_ms"`
	Broker      string `json:"broker"`
	TopicPrefix string `json:"topic_prefix"`
	HTTPAddr    string `json:"http_addr"`
}

// FormatChannel converts a channel to its JSON form.
func FormatChannel(c Channel) ChannelJSON {
	cj := ChannelJSON{
		ID:           c.Snapshot.Channel,
		Name:         c.Name,
		Pin:          c.Pin,
		State:        string(c.State),
		Toggles:      c.Toggles,
		Running:      c.Running,
		OnMs:         c.OnPeriod.Milliseconds(),
		OffMs:        c.OffPeriod.Milliseconds(),
		TotalOnSecs:  c.TotalOn.Seconds(),
		TotalOffSecs: c.TotalOff.Seconds(),
		Faulted:      c.Faulted,
		LastError:    c.LastError,
	}
	if cj.State == "" {
		cj.State = "UNKNOWN"
	}
	if !c.LastChange.IsZero() {
		cj.LastChange = c.LastChange.UTC().Format(time.RFC3339Nano)
	}
	return cj
}

func buildInner(snap Snapshot) StatusInner {
	relays := make([]ChannelJSON, len(snap.Channels))
	for i, c := range snap.Channels {
		relays[i] = FormatChannel(c)
	}

	inner := StatusInner{
		UptimeSeconds: int64(snap.Uptime().Truncate(time.Second).Seconds()),
		StartTime:     snap.StartTime.UTC().Format(time.RFC3339),
		Timestamp:     snap.Now.UTC().Format(time.RFC3339),
		MQTT:          MQTTStatus{Connected: snap.MQTTConnected, Broker: snap.Config.Broker},
		Relays:        relays,
		Config: ConfigJSON{
			Chip:        snap.Config.Chip,
			RefreshMs:   snap.Config.RefreshMs,
			HeartbeatMs: snap.Config.HeartbeatMs,
			Broker:      snap.Config.Broker,
			TopicPrefix: snap.Config.TopicPrefix,
			HTTPAddr:    snap.Config.HTTPAddr,
		},
	}
	if snap.Network != nil {
		inner.Network = &NetworkJSON{
			Type:       snap.Network.Type,
			IP:         snap.Network.IP,
			Status:     snap.Network.Status,
			Gateway:    snap.Network.Gateway,
			WifiStatus: snap.Network.WifiStatus,
			SSID:       snap.Network.SSID,
		}
	}
	return inner
}

// FormatJSON returns the JSON status for the web endpoint (no event/reason).
func FormatJSON(snap Snapshot) []byte {
	data, _ := json.MarshalIndent(StatusJSON{Status: buildInner(snap)}, "", "  ")
	return data
}

// FormatStatusEvent returns the JSON status for an MQTT system event.
func FormatStatusEvent(snap Snapshot, event, reason string) []byte {
	inner := buildInner(snap)
	inner.Event = event
	inner.Reason = reason

	data, _ := json.Marshal(StatusJSON{Status: inner})
	return data
}

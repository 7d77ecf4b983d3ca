package mqtt

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Action is a user intent received on the command topic.
type Action string

const (
	ActionToggle Action = "toggle"
	ActionOn     Action = "on"
	ActionStart  Action = "start"
	ActionStop   Action = "stop"
	ActionReset  Action = "reset"
)

// ErrBadCommand is returned for command payloads that cannot be acted on.
var ErrBadCommand = errors.New("mqtt: bad command")

// Command is a decoded command message.
type Command struct {
	Channel int    `json:"channel"`
	Action  Action `json:"action"`
	OnMs    int64  `json:"on_ms,omitempty"`
	OffMs   int64  `json:"off_ms,omitempty"`
}

// OnPeriod returns the requested on half-period.
func (c Command) OnPeriod() time.Duration {
	return time.Duration(c.OnMs) * time.Millisecond
}

// OffPeriod returns the requested off half-period.
func (c Command) OffPeriod() time.Duration {
	return time.Duration(c.OffMs) * time.Millisecond
}

// CommandHandler acts on a decoded command.
type CommandHandler func(Command) error

// ParseCommand decodes a command payload. Action names are case-insensitive.
// Duration validation is left to the relay engine so that both MQTT and HTTP
// report the same error.
func ParseCommand(payload []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return Command{}, fmt.Errorf("%w: %v", ErrBadCommand, err)
	}
	cmd.Action = Action(strings.ToLower(string(cmd.Action)))

	switch cmd.Action {
	case ActionToggle, ActionOn, ActionStart, ActionStop, ActionReset:
	case "":
		return Command{}, fmt.Errorf("%w: missing action", ErrBadCommand)
	default:
		return Command{}, fmt.Errorf("%w: unknown action %q", ErrBadCommand, cmd.Action)
	}
	if cmd.Channel < 0 {
		return Command{}, fmt.Errorf("%w: channel %d", ErrBadCommand, cmd.Channel)
	}
	return cmd, nil
}

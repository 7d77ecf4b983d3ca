// Package config loads daemon configuration from an optional YAML file and
// RELAY_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix for environment overrides, e.g. RELAY_MQTT_BROKER.
const EnvPrefix = "RELAY"

// ErrInvalid is wrapped by every Validate failure.
var ErrInvalid = errors.New("invalid config")

// GPIOConfig selects the output chip.
type GPIOConfig struct {
	Chip          string `mapstructure:"chip" yaml:"chip"`
	OpenTimeoutMs int64  `mapstructure:"open_timeout_ms" yaml:"open_timeout_ms"`
}

// OpenTimeout returns how long to keep retrying a line request.
func (g GPIOConfig) OpenTimeout() time.Duration {
	return time.Duration(g.OpenTimeoutMs) * time.Millisecond
}

// CycleConfig holds default half-periods.
type CycleConfig struct {
	OnMs  int64 `mapstructure:"on_ms" yaml:"on_ms"`
	OffMs int64 `mapstructure:"off_ms" yaml:"off_ms"`
}

// ChannelConfig describes one relay channel. Zero half-periods fall back to
// the top-level cycle defaults.
type ChannelConfig struct {
	Name      string `mapstructure:"name" yaml:"name"`
	Pin       int    `mapstructure:"pin" yaml:"pin"`
	ActiveLow bool   `mapstructure:"active_low" yaml:"active_low"`
	OnMs      int64  `mapstructure:"on_ms" yaml:"on_ms,omitempty"`
	OffMs     int64  `mapstructure:"off_ms" yaml:"off_ms,omitempty"`
	Autostart bool   `mapstructure:"autostart" yaml:"autostart"`
}

// MQTTConfig configures the broker connection.
type MQTTConfig struct {
	Broker      string `mapstructure:"broker" yaml:"broker"`
	ClientID    string `mapstructure:"client_id" yaml:"client_id,omitempty"`
	TopicPrefix string `mapstructure:"topic_prefix" yaml:"topic_prefix"`
	BufferSize  int    `mapstructure:"buffer_size" yaml:"buffer_size"`
}

// HTTPConfig configures the status server. An empty addr disables it.
type HTTPConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// IntentConfig limits manual intents per channel. Rate 0 disables limiting.
type IntentConfig struct {
	Rate  float64 `mapstructure:"rate" yaml:"rate"`
	Burst int     `mapstructure:"burst" yaml:"burst"`
}

// LumberjackConfig configures log file rotation.
type LumberjackConfig struct {
	Filename   string `mapstructure:"filename" yaml:"filename,omitempty"`
	MaxSizeMB  int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age" yaml:"max_age"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level  string           `mapstructure:"level" yaml:"level"`
	Format string           `mapstructure:"format" yaml:"format"`
	File   LumberjackConfig `mapstructure:"file" yaml:"file"`
}

// Config is the top-level configuration.
type Config struct {
	GPIO        GPIOConfig      `mapstructure:"gpio" yaml:"gpio"`
	Cycle       CycleConfig     `mapstructure:"cycle" yaml:"cycle"`
	Channels    []ChannelConfig `mapstructure:"channels" yaml:"channels"`
	RefreshMs   int64           `mapstructure:"refresh_ms" yaml:"refresh_ms"`
	HeartbeatMs int64           `mapstructure:"heartbeat_ms" yaml:"heartbeat_ms"`
	MQTT        MQTTConfig      `mapstructure:"mqtt" yaml:"mqtt"`
	HTTP        HTTPConfig      `mapstructure:"http" yaml:"http"`
	Intents     IntentConfig    `mapstructure:"intents" yaml:"intents"`
	Logging     LoggingConfig   `mapstructure:"logging" yaml:"logging"`
}

// Refresh returns the snapshot refresh interval.
func (c *Config) Refresh() time.Duration {
	return time.Duration(c.RefreshMs) * time.Millisecond
}

// Heartbeat returns the heartbeat interval. Zero disables heartbeats.
func (c *Config) Heartbeat() time.Duration {
	return time.Duration(c.HeartbeatMs) * time.Millisecond
}

// Periods returns the half-periods for channel i, applying cycle defaults.
func (c *Config) Periods(i int) (on, off time.Duration) {
	ch := c.Channels[i]
	onMs, offMs := ch.OnMs, ch.OffMs
	if onMs == 0 {
		onMs = c.Cycle.OnMs
	}
	if offMs == 0 {
		offMs = c.Cycle.OffMs
	}
	return time.Duration(onMs) * time.Millisecond, time.Duration(offMs) * time.Millisecond
}

// Load reads configuration from path (if non-empty), then RELAY_CONFIG,
// then relay-timer.yaml in the working directory or /etc/relay-timer. A
// missing file is not an error: defaults and the environment still apply.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = v.GetString("config")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/relay-timer")
		v.SetConfigName("relay-timer")
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.normalize()
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("gpio.chip", "gpiochip0")
	v.SetDefault("gpio.open_timeout_ms", 5000)

	v.SetDefault("cycle.on_ms", 1000)
	v.SetDefault("cycle.off_ms", 1000)

	v.SetDefault("channels", []map[string]any{
		{"name": "relay-0", "pin": 17},
		{"name": "relay-1", "pin": 27},
		{"name": "relay-2", "pin": 22},
		{"name": "relay-3", "pin": 23},
	})

	v.SetDefault("refresh_ms", 1000)
	v.SetDefault("heartbeat_ms", 15*60*1000)

	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.client_id", "")
	v.SetDefault("mqtt.topic_prefix", "home/relays")
	v.SetDefault("mqtt.buffer_size", 1000)

	v.SetDefault("http.addr", ":80")

	v.SetDefault("intents.rate", 5)
	v.SetDefault("intents.burst", 5)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.file.filename", "")
	v.SetDefault("logging.file.max_size", 10)
	v.SetDefault("logging.file.max_backups", 3)
	v.SetDefault("logging.file.max_age", 28)
	v.SetDefault("logging.file.compress", true)
}

func (c *Config) normalize() {
	for i := range c.Channels {
		if c.Channels[i].Name == "" {
			c.Channels[i].Name = fmt.Sprintf("relay-%d", i)
		}
	}
	c.Logging.Level = strings.ToLower(c.Logging.Level)
	c.Logging.Format = strings.ToLower(c.Logging.Format)
}

// Validate reports every problem found, joined into one error.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if len(c.Channels) == 0 {
		bad("no channels configured")
	}
	if c.Cycle.OnMs <= 0 || c.Cycle.OffMs <= 0 {
		bad("cycle.on_ms and cycle.off_ms must be positive")
	}
	pins := make(map[int]string)
	names := make(map[string]bool)
	for i, ch := range c.Channels {
		if ch.Pin < 0 {
			bad("channel %d (%s): negative pin %d", i, ch.Name, ch.Pin)
		}
		if other, dup := pins[ch.Pin]; dup {
			bad("channel %d (%s): pin %d already used by %s", i, ch.Name, ch.Pin, other)
		}
		pins[ch.Pin] = ch.Name
		if names[ch.Name] {
			bad("channel %d: duplicate name %q", i, ch.Name)
		}
		names[ch.Name] = true
		if ch.OnMs < 0 || ch.OffMs < 0 {
			bad("channel %d (%s): half-periods must not be negative", i, ch.Name)
		}
	}
	if c.RefreshMs <= 0 {
		bad("refresh_ms must be positive")
	}
	if c.HeartbeatMs < 0 {
		bad("heartbeat_ms must not be negative")
	}
	if c.GPIO.OpenTimeoutMs < 0 {
		bad("gpio.open_timeout_ms must not be negative")
	}
	if c.MQTT.Broker == "" {
		bad("mqtt.broker is required")
	}
	if c.MQTT.BufferSize < 0 {
		bad("mqtt.buffer_size must not be negative")
	}
	if c.Intents.Rate < 0 {
		bad("intents.rate must not be negative")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		bad("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		bad("logging.format %q is not json or console", c.Logging.Format)
	}
	return errors.Join(errs...)
}

// Dump renders the effective configuration as YAML.
func Dump(c *Config) ([]byte, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return out, nil
}

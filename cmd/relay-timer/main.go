// Command relay-timer drives GPIO relays on manual or cyclic schedules and
// reports their state over HTTP and MQTT.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/sweeney/relay-timer/internal/config"
	"github.com/sweeney/relay-timer/internal/driver"
	"github.com/sweeney/relay-timer/internal/gpio"
	"github.com/sweeney/relay-timer/internal/logging"
	"github.com/sweeney/relay-timer/internal/metrics"
	"github.com/sweeney/relay-timer/internal/mqtt"
	"github.com/sweeney/relay-timer/internal/status"
	"github.com/sweeney/relay-timer/internal/web"
)

// commandQueueSize bounds MQTT commands waiting for the main loop.
const commandQueueSize = 32

var errCommandQueueFull = errors.New("command queue full")

func main() {
	configPath := flag.String("config", "", "YAML config file (default: $RELAY_CONFIG, ./relay-timer.yaml, /etc/relay-timer/relay-timer.yaml)")
	broker := flag.String("broker", "", "MQTT broker address (overrides config)")
	httpAddr := flag.String("http", "", `HTTP status address (overrides config, "off" disables)`)
	printConfig := flag.Bool("print-config", false, "Print the effective config as YAML and exit")

	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
	applyFlags(cfg, *broker, *httpAddr)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}

	if *printConfig {
		out, err := config.Dump(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
		os.Stdout.Write(out)
		return
	}

	logger, err := logging.InitLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("fatal", zap.Error(err))
	}
}

// applyFlags overlays command-line overrides on the loaded config.
func applyFlags(cfg *config.Config, broker, httpAddr string) {
	if broker != "" {
		cfg.MQTT.Broker = broker
	}
	switch httpAddr {
	case "":
	case "off":
		cfg.HTTP.Addr = ""
	default:
		cfg.HTTP.Addr = httpAddr
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	pins := make([]gpio.Pin, len(cfg.Channels))
	infos := make([]status.ChannelInfo, len(cfg.Channels))
	specs := make([]driver.Spec, len(cfg.Channels))
	for i, ch := range cfg.Channels {
		pins[i] = gpio.Pin{Offset: ch.Pin, ActiveLow: ch.ActiveLow}
		infos[i] = status.ChannelInfo{Name: ch.Name, Pin: ch.Pin}
		on, off := cfg.Periods(i)
		specs[i] = driver.Spec{Name: ch.Name, OnPeriod: on, OffPeriod: off}
	}

	// Initialize GPIO
	out, err := gpio.NewRealOutput(cfg.GPIO.Chip, pins)
	if err != nil {
		return fmt.Errorf("init gpio: %w", err)
	}
	defer out.Shutdown()

	// Initialize status tracker (before STARTUP so snapshot is available)
	tracker := status.NewTracker(time.Now(), status.Config{
		Chip:        cfg.GPIO.Chip,
		RefreshMs:   cfg.RefreshMs,
		HeartbeatMs: cfg.HeartbeatMs,
		Broker:      cfg.MQTT.Broker,
		TopicPrefix: cfg.MQTT.TopicPrefix,
		HTTPAddr:    cfg.HTTP.Addr,
	}, infos)
	if net := readNetworkInfo(); net != nil {
		tracker.SetNetwork(net)
	}

	reg := metrics.NewRegistry()
	reg.MustRegister(metrics.NewCollector(tracker))
	intents := metrics.NewIntents(reg)

	// Initialize MQTT. Commands are queued for the main loop.
	cmds := make(chan mqtt.Command, commandQueueSize)
	publisher := mqtt.NewRealClient(mqtt.Options{
		Broker:     cfg.MQTT.Broker,
		ClientID:   cfg.MQTT.ClientID,
		Topics:     mqtt.NewTopics(cfg.MQTT.TopicPrefix),
		BufferSize: cfg.MQTT.BufferSize,
		Logger:     log,
	}, func(cmd mqtt.Command) error {
		select {
		case cmds <- cmd:
			return nil
		default:
			return errCommandQueueFull
		}
	})
	defer publisher.Close()

	bank := driver.New(out, specs,
		driver.WithLogger(log.Named("driver")),
		driver.WithNotifier(publisher),
		driver.WithRecorder(tracker),
		driver.WithIntentRate(cfg.Intents.Rate, cfg.Intents.Burst),
	)
	if err := bank.Open(cfg.GPIO.OpenTimeout()); err != nil {
		return fmt.Errorf("open relays: %w", err)
	}
	defer func() {
		if err := bank.Close(); err != nil {
			log.Warn("release relays", zap.Error(err))
		}
	}()

	// Publish startup event with full status snapshot
	snap := tracker.Snapshot()
	startupEvent := mqtt.SystemEvent{
		Timestamp:  snap.Now,
		Event:      "STARTUP",
		Retained:   true,
		RawPayload: status.FormatStatusEvent(snap, "STARTUP", ""),
	}
	if err := publisher.PublishSystem(startupEvent); err != nil {
		log.Warn("failed to publish startup event", zap.Error(err))
	} else {
		log.Info("published startup event")
	}

	for i, ch := range cfg.Channels {
		if !ch.Autostart {
			continue
		}
		if _, err := bank.Start(i, 0, 0); err != nil {
			log.Warn("autostart", zap.Int("channel", i), zap.String("name", ch.Name), zap.Error(err))
		}
	}

	// Start HTTP status server
	if cfg.HTTP.Addr != "" {
		srv := web.New(cfg.HTTP.Addr, tracker, bank,
			web.WithLogger(log.Named("web")),
			web.WithMetrics(metrics.Handler(reg)),
			web.WithIntentMetrics(intents))
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("http server error", zap.Error(err))
			}
		}()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(ctx)
		}()
		log.Info("http status server listening", zap.String("addr", cfg.HTTP.Addr))
	}

	log.Info("started",
		zap.String("chip", cfg.GPIO.Chip),
		zap.Int("channels", len(cfg.Channels)),
		zap.String("broker", cfg.MQTT.Broker),
		zap.Duration("refresh", cfg.Refresh()),
		zap.Duration("heartbeat", cfg.Heartbeat()))

	ticker := time.NewTicker(cfg.Refresh())
	defer ticker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	l := &loop{
		log:        log,
		bank:       bank,
		publisher:  publisher,
		mqttStatus: publisher,
		tracker:    tracker,
		intents:    intents,
		heartbeat:  cfg.Heartbeat(),
		now:        time.Now,
	}
	return l.run(ticker.C, cmds, sigCh)
}

// loop is the daemon's main select loop. It owns periodic refresh,
// heartbeats, queued MQTT commands and shutdown.
type loop struct {
	log        *zap.Logger
	bank       *driver.Bank
	publisher  mqtt.Publisher
	mqttStatus mqtt.ConnectionStatus
	tracker    *status.Tracker
	intents    *metrics.Intents
	heartbeat  time.Duration
	now        func() time.Time
}

func (l *loop) run(tick <-chan time.Time, cmds <-chan mqtt.Command, sig <-chan os.Signal) error {
	lastHeartbeat := l.now()

	for {
		select {
		case s := <-sig:
			l.log.Info("shutting down", zap.Stringer("signal", s))
			signalName := "UNKNOWN"
			if s == syscall.SIGINT {
				signalName = "SIGINT"
			} else if s == syscall.SIGTERM {
				signalName = "SIGTERM"
			}
			l.publishStatus("SHUTDOWN", signalName, true)
			return nil

		case cmd := <-cmds:
			err := l.bank.HandleCommand(cmd)
			l.intents.Observe("mqtt", string(cmd.Action), err)
			if err != nil {
				l.log.Warn("command failed",
					zap.Int("channel", cmd.Channel),
					zap.String("action", string(cmd.Action)),
					zap.Error(err))
			}

		case <-tick:
			t := l.now()
			l.bank.Refresh()
			if l.mqttStatus != nil {
				l.tracker.SetMQTTConnected(l.mqttStatus.IsConnected())
			}

			if l.heartbeat > 0 && t.Sub(lastHeartbeat) >= l.heartbeat {
				lastHeartbeat = t
				// Refresh network info for heartbeat
				if net := readNetworkInfo(); net != nil {
					l.tracker.SetNetwork(net)
				}
				l.log.Debug("heartbeat")
				l.publishStatus("HEARTBEAT", "", false)
			}
		}
	}
}

// publishStatus sends a system event carrying the full status snapshot.
func (l *loop) publishStatus(event, reason string, retained bool) {
	if l.mqttStatus != nil {
		l.tracker.SetMQTTConnected(l.mqttStatus.IsConnected())
	}
	snap := l.tracker.Snapshot()
	se := mqtt.SystemEvent{
		Timestamp:  snap.Now,
		Event:      event,
		Reason:     reason,
		Retained:   retained,
		RawPayload: status.FormatStatusEvent(snap, event, reason),
	}
	if err := l.publisher.PublishSystem(se); err != nil {
		l.log.Warn("failed to publish system event", zap.String("event", event), zap.Error(err))
	} else {
		l.log.Info("published system event", zap.String("event", event))
	}
}

// pi-helper env var names (written to /run/pi-helper.env).
const (
	envNetworkType       = "NETWORK_TYPE"
	envNetworkIP         = "NETWORK_IP"
	envNetworkStatus     = "NETWORK_STATUS"
	envNetworkGateway    = "NETWORK_GATEWAY"
	envNetworkWifiStatus = "NETWORK_WIFI_STATUS"
	envNetworkWifiSSID   = "NETWORK_WIFI_SSID"
)

func readNetworkInfo() *status.NetworkInfo {
	s := os.Getenv(envNetworkStatus)
	if s == "" {
		return nil
	}
	return &status.NetworkInfo{
		Type:       os.Getenv(envNetworkType),
		IP:         os.Getenv(envNetworkIP),
		Status:     s,
		Gateway:    os.Getenv(envNetworkGateway),
		WifiStatus: os.Getenv(envNetworkWifiStatus),
		SSID:       os.Getenv(envNetworkWifiSSID),
	}
}

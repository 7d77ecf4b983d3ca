package mqtt

import (
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultBufferSize is the number of relay events held while disconnected.
const DefaultBufferSize = 256

const publishTimeout = 5 * time.Second

// Options configures a RealClient.
type Options struct {
	Broker     string
	ClientID   string // empty derives "relay-timer-<random>"
	Topics     Topics
	BufferSize int
	Logger     *zap.Logger
}

// RealClient publishes to an actual MQTT broker and forwards messages on the
// command topic to a handler. Messages published while the connection is
// down wait in an outbox and are replayed on reconnect.
type RealClient struct {
	client  paho.Client
	topics  Topics
	log     *zap.Logger
	handler CommandHandler

	mu  sync.Mutex
	buf *outbox
}

// NewRealClient creates a client and starts connecting in the background.
// It never blocks on the broker: relays keep running while it is away.
func NewRealClient(opts Options, handler CommandHandler) *RealClient {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.ClientID == "" {
		opts.ClientID = "relay-timer-" + uuid.NewString()[:8]
	}

	c := &RealClient{
		topics:  opts.Topics,
		log:     opts.Logger.Named("mqtt"),
		handler: handler,
		buf:     newOutbox(opts.BufferSize, opts.Logger.Named("mqtt")),
	}

	po := paho.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			c.log.Warn("connection lost", zap.Error(err))
		})

	will, err := FormatSystemPayload(SystemEvent{
		Timestamp: time.Now(),
		Event:     "SHUTDOWN",
		Reason:    "MQTT_DISCONNECT",
	})
	if err != nil {
		c.log.Error("no last will", zap.Error(err))
	} else {
		po.SetWill(opts.Topics.System, string(will), 1, true)
	}

	c.client = paho.NewClient(po)
	c.client.Connect()
	return c
}

func (c *RealClient) onConnect(client paho.Client) {
	c.log.Info("connected")

	if c.handler != nil {
		token := client.Subscribe(c.topics.Command, 1, func(_ paho.Client, msg paho.Message) {
			c.dispatch(msg.Payload())
		})
		if token.WaitTimeout(publishTimeout) && token.Error() != nil {
			c.log.Error("subscribe failed", zap.String("topic", c.topics.Command), zap.Error(token.Error()))
		}
	}

	c.mu.Lock()
	pending := c.buf.drain()
	c.mu.Unlock()
	if len(pending) > 0 {
		c.log.Info("replaying buffered messages", zap.Int("count", len(pending)))
	}
	for _, m := range pending {
		if err := c.send(m); err != nil {
			c.log.Warn("replay failed", zap.String("topic", m.topic), zap.Error(err))
		}
	}
}

// dispatch decodes a command payload and hands it to the handler.
func (c *RealClient) dispatch(payload []byte) {
	cmd, err := ParseCommand(payload)
	if err != nil {
		c.log.Warn("ignoring command", zap.ByteString("payload", payload), zap.Error(err))
		return
	}
	if err := c.handler(cmd); err != nil {
		c.log.Warn("command failed",
			zap.Int("channel", cmd.Channel),
			zap.String("action", string(cmd.Action)),
			zap.Error(err))
	}
}

// Publish sends a relay event to the MQTT broker.
func (c *RealClient) Publish(event Event) error {
	payload, err := FormatPayload(event)
	if err != nil {
		return fmt.Errorf("format payload: %w", err)
	}
	// QoS 0 (at-most-once), not retained
	return c.publish(pendingMsg{topic: c.topics.Events, payload: payload})
}

// PublishSystem sends a system lifecycle event to the MQTT broker.
func (c *RealClient) PublishSystem(event SystemEvent) error {
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return fmt.Errorf("format system payload: %w", err)
	}
	// QoS 1 (at-least-once) for lifecycle events - we want to ensure delivery
	return c.publish(pendingMsg{topic: c.topics.System, payload: payload, qos: 1, retained: event.Retained})
}

// publish sends m, or queues it while the connection is down. The check
// and the push happen under mu, and onConnect drains under mu after the
// connection opens, so a queued message is always replayed.
func (c *RealClient) publish(m pendingMsg) error {
	c.mu.Lock()
	if !c.client.IsConnectionOpen() {
		c.buf.push(m)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	return c.send(m)
}

func (c *RealClient) send(m pendingMsg) error {
	token := c.client.Publish(m.topic, m.qos, m.retained, m.payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish %s: timeout", m.topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", m.topic, err)
	}
	return nil
}

// IsConnected reports whether the broker connection is up.
func (c *RealClient) IsConnected() bool {
	return c.client.IsConnectionOpen()
}

// Close disconnects from the broker.
func (c *RealClient) Close() error {
	c.client.Disconnect(1000) // 1 second timeout
	return nil
}

package broker

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Publisher is the minimal outbound surface the Dispatcher depends on.
// Defining it here (rather than requiring the concrete Client) lets the
// Dispatcher be tested against a fake without a broker running.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Topics subscribed to for inbound dispatch traffic.
const (
	TopicAckWildcard   = "disp/ack/+"
	TopicEvtWildcard   = "disp/evt/+"
	TopicStateWildcard = "disp/state/+"
	TopicVisionWildcard = "disp/vision/#"
)

func cmdTopic(nodeID int) string {
	return fmt.Sprintf("disp/cmd/%d", nodeID)
}

// TopicCmd1 and TopicCmd2 are the outbound dispatch command topics.
var (
	TopicCmd1 = cmdTopic(1)
	TopicCmd2 = cmdTopic(2)
)

// Client wraps a paho.mqtt.golang client. The initial connect is retried
// with jittered exponential backoff; later reconnects are left to paho's
// auto-reconnect. While disconnected, Publish logs and skips the message so
// a broker outage degrades dispatch to "no-op and log" instead of blocking
// or crashing — matching the "broker disconnected" policy of falling back
// to a client that logs skipped publishes.
type Client struct {
	mqttClient mqtt.Client
	log        *slog.Logger
}

// NewClient constructs a paho client for host:port with clientID, wiring
// onMessage as the handler for every subscribed topic. It blocks until the
// initial connection succeeds or ctx is done.
func NewClient(ctx context.Context, host string, port int, clientID string, log *slog.Logger, onMessage func(topic string, payload []byte)) (*Client, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", host, port))
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetOrderMatters(false)
	opts.SetDefaultPublishHandler(func(c mqtt.Client, m mqtt.Message) {
		onMessage(m.Topic(), m.Payload())
	})

	c := &Client{log: log}
	opts.SetOnConnectHandler(func(cl mqtt.Client) {
		log.Info("broker connected")
		for _, topic := range []string{TopicAckWildcard, TopicEvtWildcard, TopicStateWildcard, TopicVisionWildcard} {
			if token := cl.Subscribe(topic, 1, nil); token.Wait() && token.Error() != nil {
				log.Error("subscribe failed", "topic", topic, "error", token.Error())
			}
		}
	})
	opts.SetConnectionLostHandler(func(cl mqtt.Client, err error) {
		log.Warn("broker connection lost", "error", err)
	})

	c.mqttClient = mqtt.NewClient(opts)

	if err := connectWithBackoff(ctx, c.mqttClient, log); err != nil {
		return nil, err
	}
	return c, nil
}

// connectWithBackoff retries Connect with exponential backoff and jitter
// until it succeeds or ctx is done.
func connectWithBackoff(ctx context.Context, client mqtt.Client, log *slog.Logger) error {
	backoff := 250 * time.Millisecond
	const maxBackoff = 10 * time.Second

	for attempt := 1; ; attempt++ {
		token := client.Connect()
		if token.WaitTimeout(5 * time.Second) {
			if token.Error() == nil {
				return nil
			}
			log.Warn("broker connect attempt failed", "attempt", attempt, "error", token.Error())
		} else {
			log.Warn("broker connect attempt timed out", "attempt", attempt)
		}

		jitter := time.Duration(rand.Int63n(int64(backoff) / 2))
		wait := backoff + jitter

		select {
		case <-ctx.Done():
			return fmt.Errorf("broker: connect canceled: %w", ctx.Err())
		case <-time.After(wait):
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// Publish sends payload to topic at QoS 1, not retained. If the client is
// not currently connected, it logs and returns nil — the dispatcher treats
// a skipped publish as a non-fatal degradation, not an error to propagate.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	if !c.mqttClient.IsConnectionOpen() {
		c.log.Warn("publish skipped: broker not connected", "topic", topic)
		return nil
	}
	token := c.mqttClient.Publish(topic, 1, false, payload)
	done := make(chan struct{})
	go func() {
		token.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
	}
	if token.Error() != nil {
		c.log.Error("publish failed", "topic", topic, "error", token.Error())
	}
	return nil
}

// Disconnect gracefully closes the broker connection.
func (c *Client) Disconnect() {
	c.mqttClient.Disconnect(250)
}

// noopPublisher is the degraded fallback used by callers that need a
// Publisher before a broker connection exists yet (e.g. during tests, or
// while the initial connect is still retrying).
type noopPublisher struct {
	log *slog.Logger
}

// NewNoopPublisher returns a Publisher that logs every publish it is asked
// to perform and otherwise does nothing.
func NewNoopPublisher(log *slog.Logger) Publisher {
	return &noopPublisher{log: log}
}

func (n *noopPublisher) Publish(_ context.Context, topic string, _ []byte) error {
	n.log.Warn("publish skipped: no broker client configured", "topic", topic)
	return nil
}

// Package mqtt wraps the paho client shared by the inbound subscriber and the
// event publisher.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"printerwatch/internal/config"
	"printerwatch/internal/logging"
)

// QoS used for every publish and subscription: at-least-once.
const QoS byte = 1

var ErrNotConnected = errors.New("mqtt client not connected")

// Message is an inbound publish, reduced to what ingestion needs.
type Message struct {
	Topic     string
	Payload   []byte
	MessageID uint16
	Duplicate bool
}

type Handler func(Message)

// Client is a connected paho client.
type Client struct {
	client  paho.Client
	timeout time.Duration
	logger  *slog.Logger
}

// ClientID appends a random suffix so replicas never steal each other's
// session.
func ClientID(base string) string {
	if base == "" {
		base = "printerwatch"
	}
	return base + "-" + uuid.NewString()[:8]
}

func Connect(ctx context.Context, cfg config.MQTTConfig, logger *slog.Logger) (*Client, error) {
	if cfg.Broker == "" {
		return nil, errors.New("mqtt broker not configured")
	}
	logger = logging.OrDiscard(logger)
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	opts := paho.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(ClientID(cfg.ClientID)).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(false).
		SetConnectTimeout(timeout).
		SetOrderMatters(true).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			logger.Warn("mqtt connection lost", "err", err)
		}).
		SetOnConnectHandler(func(paho.Client) {
			logger.Info("mqtt connected", "broker", cfg.Broker)
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	c := paho.NewClient(opts)
	if err := wait(ctx, c.Connect(), timeout); err != nil {
		return nil, fmt.Errorf("connect to %s: %w", cfg.Broker, err)
	}
	return &Client{client: c, timeout: timeout, logger: logger}, nil
}

// Publish sends payload with QoS 1 and waits for the broker's PUBACK.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	if !c.client.IsConnectionOpen() {
		return ErrNotConnected
	}
	return wait(ctx, c.client.Publish(topic, QoS, false, payload), c.timeout)
}

// Subscribe delivers every message on topic to h, one at a time and in
// arrival order. A blocking h holds back further deliveries.
func (c *Client) Subscribe(ctx context.Context, topic string, h Handler) error {
	tok := c.client.Subscribe(topic, QoS, func(_ paho.Client, m paho.Message) {
		h(Message{
			Topic:     m.Topic(),
			Payload:   m.Payload(),
			MessageID: m.MessageID(),
			Duplicate: m.Duplicate(),
		})
	})
	return wait(ctx, tok, c.timeout)
}

func (c *Client) Unsubscribe(topic string) error {
	return wait(context.Background(), c.client.Unsubscribe(topic), c.timeout)
}

func (c *Client) IsConnected() bool {
	return c.client.IsConnectionOpen()
}

func (c *Client) Close() error {
	c.client.Disconnect(1000)
	return nil
}

func wait(ctx context.Context, tok paho.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-tok.Done():
		return tok.Error()
	case <-timer.C:
		return errors.New("mqtt operation timed out")
	case <-ctx.Done():
		return ctx.Err()
	}
}

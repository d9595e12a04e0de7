// Package mqtt publishes pipeline events to an MQTT broker so operator
// tooling can subscribe to alerts and dispatches.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

const (
	connectTimeout  = 30 * time.Second
	publishTimeout  = 10 * time.Second
	disconnectQuiet = 250
	qosAtLeastOnce  = 1
)

// Config configures the broker connection.
type Config struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
}

// client is the subset of paho.Client the publisher uses.
type client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	IsConnected() bool
	Disconnect(quiesce uint)
}

// Publisher sends JSON events to "<prefix>/<event/path>".
type Publisher struct {
	client  client
	prefix  string
	timeout time.Duration
	logger  *zap.Logger
}

// Connect dials the broker and returns a Publisher. paho reconnects on its own
// after the first successful connect.
func Connect(ctx context.Context, cfg Config, logger *zap.Logger) (*Publisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(false)
	opts.SetOnConnectHandler(func(paho.Client) {
		logger.Info("mqtt connected", zap.String("broker", cfg.Broker))
	})
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		logger.Warn("mqtt connection lost", zap.String("broker", cfg.Broker), zap.Error(err))
	})

	c := paho.NewClient(opts)
	if err := wait(ctx, c.Connect(), connectTimeout); err != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", cfg.Broker, err)
	}
	return newPublisher(c, cfg.TopicPrefix, logger), nil
}

func newPublisher(c client, prefix string, logger *zap.Logger) *Publisher {
	return &Publisher{client: c, prefix: strings.Trim(prefix, "/"), timeout: publishTimeout, logger: logger}
}

// TopicPath maps "case.alerted" to "<prefix>/case/alerted".
func TopicPath(prefix, topic string) string {
	path := strings.ReplaceAll(topic, ".", "/")
	if prefix == "" {
		return path
	}
	return prefix + "/" + path
}

// Publish marshals payload and publishes it with QoS 1. The returned id is the
// MQTT packet id.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if !p.client.IsConnected() {
		return "", fmt.Errorf("not connected to MQTT broker")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	path := TopicPath(p.prefix, topic)
	token := p.client.Publish(path, qosAtLeastOnce, false, data)
	if err := wait(ctx, token, p.timeout); err != nil {
		return "", fmt.Errorf("publish %s: %w", path, err)
	}
	p.logger.Debug("mqtt event published", zap.String("topic", path), zap.Int("bytes", len(data)))
	if pt, ok := token.(interface{ MessageID() uint16 }); ok {
		return strconv.Itoa(int(pt.MessageID())), nil
	}
	return "", nil
}

// Close disconnects from the broker.
func (p *Publisher) Close() {
	p.client.Disconnect(disconnectQuiet)
}

func wait(ctx context.Context, token paho.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-token.Done():
		return token.Error()
	case <-timer.C:
		return fmt.Errorf("timed out after %s", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

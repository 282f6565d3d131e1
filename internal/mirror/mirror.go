// Package mirror publishes overlay snapshots to an MQTT broker so other processes can
// follow the analysis results.
package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"facecam-go/internal/types"
)

const (
	EncodingJSON    = "json"
	EncodingMsgpack = "msgpack"
)

type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// Stats counts publish outcomes.
type Stats struct {
	Published uint64
	Errors    uint64
	Connected bool
}

type Mirror struct {
	broker   string
	clientID string
	topic    string
	encoding string
	logger   *zap.SugaredLogger

	newClient func(*mqtt.ClientOptions) mqtt.Client
	client    mqtt.Client
	pub       publisher

	connected atomic.Bool
	published atomic.Uint64
	errors    atomic.Uint64
}

// New prepares a mirror publishing to <prefix>/overlay. Connect must be called before
// Publish.
func New(broker, prefix, encoding, clientID string, logger *zap.SugaredLogger) *Mirror {
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}
	return &Mirror{
		broker:   broker,
		clientID: clientID,
		topic:    Topic(prefix),
		encoding: encoding,
		logger:   logger,

		newClient: mqtt.NewClient,
	}
}

// Topic returns the overlay topic under prefix.
func Topic(prefix string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return "overlay"
	}
	return prefix + "/overlay"
}

// Connect starts the client. The client keeps reconnecting on its own after the first
// connection.
func (m *Mirror) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(m.broker)
	opts.SetClientID(m.clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		m.connected.Store(true)
		m.logger.Infow("mqtt connection established", "broker", m.broker, "client_id", m.clientID)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		m.connected.Store(false)
		m.logger.Warnw("mqtt connection lost, will auto-reconnect", "broker", m.broker, "error", err)
	}

	client := m.newClient(opts)

	m.logger.Infow("connecting to mqtt broker", "broker", m.broker, "topic", m.topic)
	token := client.Connect()
	var err error
	select {
	case <-token.Done():
		if terr := token.Error(); terr != nil {
			err = fmt.Errorf("mqtt connection failed: %w", terr)
		}
	case <-time.After(5 * time.Second):
		err = fmt.Errorf("mqtt connection timeout")
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		// ConnectRetry keeps the client dialing in the background until disconnected.
		client.Disconnect(0)
		return err
	}
	m.client = client
	m.pub = client
	m.connected.Store(true)
	return nil
}

// Encode renders snap in the given encoding.
func Encode(snap types.UISnapshot, encoding string) ([]byte, error) {
	switch encoding {
	case EncodingJSON, "":
		return json.Marshal(snap)
	case EncodingMsgpack:
		return msgpack.Marshal(snap)
	}
	return nil, fmt.Errorf("unknown encoding %q", encoding)
}

// Publish sends snap as a retained message so late subscribers see the current
// overlay.
func (m *Mirror) Publish(snap types.UISnapshot) error {
	if m.pub == nil || !m.connected.Load() {
		m.errors.Add(1)
		return fmt.Errorf("mqtt not connected")
	}
	payload, err := Encode(snap, m.encoding)
	if err != nil {
		m.errors.Add(1)
		return fmt.Errorf("failed to encode overlay: %w", err)
	}
	token := m.pub.Publish(m.topic, 0, true, payload)
	if !token.WaitTimeout(2 * time.Second) {
		m.errors.Add(1)
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		m.errors.Add(1)
		return fmt.Errorf("publish failed: %w", err)
	}
	m.published.Add(1)
	return nil
}

func (m *Mirror) Stats() Stats {
	return Stats{
		Published: m.published.Load(),
		Errors:    m.errors.Load(),
		Connected: m.connected.Load(),
	}
}

// Close disconnects from the broker.
func (m *Mirror) Close() error {
	if m.client != nil {
		m.client.Disconnect(250)
	}
	m.connected.Store(false)
	return nil
}

package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"

	"github.com/itohio/enose/pkg/config"
)

const (
	mqttKeepAlive       = 20 // seconds
	mqttDisconnectGrace = 2 * time.Second
)

// MQTT publishes to one topic. The connection manager reconnects on its own;
// publishes issued while offline wait for the connection or their deadline.
type MQTT struct {
	cm    *autopaho.ConnectionManager
	topic string
	qos   byte
}

// mqttClientConfig builds the autopaho configuration for cfg.
func mqttClientConfig(cfg config.MQTTConfig, logger *slog.Logger) (autopaho.ClientConfig, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return autopaho.ClientConfig{}, fmt.Errorf("invalid mqtt url: %w", err)
	}

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "enose-" + uuid.NewString()
	}

	return autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{u},
		KeepAlive:                     mqttKeepAlive,
		CleanStartOnInitialConnection: true,
		OnConnectionUp: func(*autopaho.ConnectionManager, *paho.Connack) {
			logger.Info("mqtt connected", "url", u.Redacted(), "client_id", clientID)
		},
		OnConnectError: func(err error) {
			logger.Warn("mqtt connection attempt failed", "url", u.Redacted(), "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: clientID,
			OnClientError: func(err error) {
				logger.Warn("mqtt client error", "error", err)
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				logger.Warn("mqtt server requested disconnect", "reason_code", d.ReasonCode)
			},
		},
	}, nil
}

// DialMQTT starts the MQTT connection manager. It does not wait for the
// first connection.
func DialMQTT(ctx context.Context, cfg config.MQTTConfig, logger *slog.Logger) (*MQTT, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cc, err := mqttClientConfig(cfg, logger)
	if err != nil {
		return nil, err
	}
	cm, err := autopaho.NewConnection(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to start mqtt client: %w", err)
	}
	return &MQTT{cm: cm, topic: cfg.Topic, qos: byte(cfg.QoS)}, nil
}

// Publish sends payload to the configured topic.
func (m *MQTT) Publish(ctx context.Context, payload []byte) error {
	_, err := m.cm.Publish(ctx, &paho.Publish{
		QoS:     m.qos,
		Topic:   m.topic,
		Payload: payload,
	})
	return err
}

// Close disconnects from the broker.
func (m *MQTT) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), mqttDisconnectGrace)
	defer cancel()
	return m.cm.Disconnect(ctx)
}

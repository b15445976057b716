package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const mqttWaitTimeout = 5 * time.Second

// mqttPublisher is the subset of mqtt.Client the sink uses.
type mqttPublisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// mqttSink publishes events to <topic>/<channel_id>.
type mqttSink struct {
	id     string
	topic  string
	qos    byte
	client mqttPublisher
	log    Logger
}

func newMQTTSink(_ context.Context, cfg SinkConfig, log Logger) (Sink, error) {
	if cfg.MQTT == nil {
		return nil, fmt.Errorf("notifier %q missing mqtt configuration", cfg.ID)
	}
	log = ensureLogger(log)
	broker := cfg.MQTT.Broker
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(cfg.MQTT.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	if cfg.MQTT.Username != "" {
		opts.SetUsername(cfg.MQTT.Username)
		opts.SetPassword(cfg.MQTT.Password)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		log.WarnObj("mqtt connection lost, will auto-reconnect", "notify_mqtt", map[string]any{
			"notifier_id": cfg.ID,
			"broker":      broker,
			"error":       err.Error(),
		})
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(mqttWaitTimeout) {
		return nil, fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connection failed: %w", err)
	}

	return &mqttSink{
		id:     cfg.ID,
		topic:  strings.TrimRight(cfg.MQTT.Topic, "/"),
		qos:    byte(cfg.MQTT.QoS),
		client: client,
		log:    log,
	}, nil
}

func (m *mqttSink) ID() string   { return m.id }
func (m *mqttSink) Type() string { return TypeMQTT }

func (m *mqttSink) Send(ctx context.Context, evt Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	topic := m.topic + "/" + evt.ChannelID
	token := m.client.Publish(topic, m.qos, false, payload)

	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(mqttWaitTimeout):
		return fmt.Errorf("mqtt publish to %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt publish to %s: %w", topic, err)
	}
	return nil
}

package outputs

import (
	"context"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const mqttTimeout = 5 * time.Second

// MQTT publishes the document as a retained message, so late subscribers
// see the last deployment.
type MQTT struct {
	client mqtt.Client
	topic  string
}

func NewMQTT(broker, topic, clientID string) (*MQTT, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetConnectTimeout(mqttTimeout).
		SetAutoReconnect(false)
	c := mqtt.NewClient(opts)
	tok := c.Connect()
	if !tok.WaitTimeout(mqttTimeout) {
		return nil, fmt.Errorf("connect mqtt %s: timeout", broker)
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("connect mqtt %s: %w", broker, err)
	}
	return &MQTT{client: c, topic: topic}, nil
}

func (m *MQTT) Publish(ctx context.Context, doc Document) error {
	b, err := doc.encode()
	if err != nil {
		return err
	}
	tok := m.client.Publish(m.topic, 1, true, b)
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(mqttTimeout):
		return fmt.Errorf("publish %s: timeout", m.topic)
	}
}

func (m *MQTT) Close() error {
	m.client.Disconnect(250)
	return nil
}

package outputs

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// heldToken completes when done is closed.
type heldToken struct {
	done chan struct{}
	err  error
}

func (t *heldToken) Wait() bool                     { <-t.done; return true }
func (t *heldToken) WaitTimeout(time.Duration) bool { return t.Wait() }
func (t *heldToken) Done() <-chan struct{}          { return t.done }
func (t *heldToken) Error() error                   { return t.err }

type capturingClient struct {
	mqtt.Client
	tok      *heldToken
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

func (c *capturingClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.topic, c.qos, c.retained = topic, qos, retained
	c.payload, _ = payload.([]byte)
	return c.tok
}

func TestMQTTUnreachable(t *testing.T) {
	_, err := NewMQTT("tcp://127.0.0.1:1", "airstack/outputs", "airstack-test")
	assert.ErrorContains(t, err, "connect mqtt tcp://127.0.0.1:1")
}

func TestMQTTPublishRetained(t *testing.T) {
	done := make(chan struct{})
	close(done)
	c := &capturingClient{tok: &heldToken{done: done}}
	m := &MQTT{client: c, topic: "airstack/outputs"}

	doc := Document{DeploymentID: "d-1", Stack: "airflow", Values: map[string]string{"network": "airflow_network"}}
	require.NoError(t, m.Publish(context.Background(), doc))
	assert.Equal(t, "airstack/outputs", c.topic)
	assert.Equal(t, byte(1), c.qos)
	assert.True(t, c.retained)

	var got Document
	require.NoError(t, json.Unmarshal(c.payload, &got))
	assert.Equal(t, doc.Values, got.Values)
}

func TestMQTTPublishCanceled(t *testing.T) {
	c := &capturingClient{tok: &heldToken{done: make(chan struct{})}}
	m := &MQTT{client: c, topic: "airstack/outputs"}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, m.Publish(ctx, Document{}), context.Canceled)
}

package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePublisher struct {
	mu       sync.Mutex
	messages map[string][][]byte
}

func (f *fakePublisher) Publish(topic string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.messages == nil {
		f.messages = make(map[string][][]byte)
	}
	f.messages[topic] = append(f.messages[topic], payload)
	return nil
}

func (f *fakePublisher) last(t *testing.T, topic string, v any) {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := f.messages[topic]
	require.NotEmpty(t, msgs)
	require.NoError(t, json.Unmarshal(msgs[len(msgs)-1], v))
}

func TestMQTTRequiresHandshake(t *testing.T) {
	gw, sink := newGateway(t)
	pub := &fakePublisher{}
	a := NewMQTTAdapter(context.Background(), gw, pub, zerolog.Nop())

	body := []byte(`{"sensor_id":"p-1","readings":[{"value":1,"timestamp":"2026-05-04T09:59:00Z"}]}`)
	require.Error(t, a.FromMQTT("sensors/gw-1/data", body))

	var ack Ack
	pub.last(t, "sensors/gw-1/ack", &ack)
	assert.Contains(t, ack.Error, "no handshake")
	assert.Empty(t, sink.all())
}

func TestMQTTHelloThenData(t *testing.T) {
	gw, sink := newGateway(t)
	pub := &fakePublisher{}
	a := NewMQTTAdapter(context.Background(), gw, pub, zerolog.Nop())

	require.NoError(t, a.FromMQTT("sensors/gw-1/hello", []byte(`{"api_key":"key-1"}`)))
	var hs handshakeAck
	pub.last(t, "sensors/gw-1/ack", &hs)
	assert.True(t, hs.OK)

	body := []byte(`{"sensor_id":"p-1","readings":[{"value":1.5,"timestamp":"2026-05-04T09:59:00Z"},{"value":1.6,"timestamp":"2026-05-04T09:59:10Z"}]}`)
	require.NoError(t, a.FromMQTT("sensors/gw-1/data", body))

	var ack Ack
	pub.last(t, "sensors/gw-1/ack", &ack)
	assert.Equal(t, 2, ack.Accepted)

	got := sink.all()
	require.Len(t, got, 2)
	assert.Equal(t, "gw-1", got[0].DeviceID)
	assert.Equal(t, time.Date(2026, 5, 4, 9, 59, 10, 0, time.UTC), got[1].ObservedAt)
}

func TestMQTTDeviceMustMatchTopic(t *testing.T) {
	gw, sink := newGateway(t)
	pub := &fakePublisher{}
	a := NewMQTTAdapter(context.Background(), gw, pub, zerolog.Nop())
	require.NoError(t, a.FromMQTT("sensors/gw-1/hello", []byte(`{"api_key":"key-1"}`)))

	err := a.FromMQTT("sensors/gw-1/data", []byte(`{"device_id":"gw-2","sensor_id":"p-1","readings":[{"value":1,"timestamp":1777888700}]}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMalformed)
	assert.Empty(t, sink.all())
}

func TestMQTTFailedHelloDropsSession(t *testing.T) {
	gw, _ := newGateway(t)
	pub := &fakePublisher{}
	a := NewMQTTAdapter(context.Background(), gw, pub, zerolog.Nop())

	require.NoError(t, a.FromMQTT("sensors/gw-1/hello", []byte(`{"api_key":"key-1"}`)))
	require.Error(t, a.FromMQTT("sensors/gw-1/hello", []byte(`{"api_key":"revoked-or-wrong"}`)))
	require.Error(t, a.FromMQTT("sensors/gw-1/data", []byte(`{"sensor_id":"p-1","readings":[{"value":1,"timestamp":1777888700}]}`)))
}

func TestMQTTUnexpectedTopic(t *testing.T) {
	gw, _ := newGateway(t)
	a := NewMQTTAdapter(context.Background(), gw, nil, zerolog.Nop())
	assert.Error(t, a.FromMQTT("energy/readings", []byte(`{}`)))
	assert.Error(t, a.FromMQTT("sensors/gw-1/status", []byte(`{}`)))
}

// pendingToken never completes until finish is called.
type pendingToken struct {
	done chan struct{}
	err  error
}

func (t *pendingToken) Wait() bool { <-t.done; return true }
func (t *pendingToken) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}
func (t *pendingToken) Done() <-chan struct{} { return t.done }
func (t *pendingToken) Error() error          { return t.err }

type stalledClient struct {
	mqtt.Client
	mu     sync.Mutex
	tokens []*pendingToken
	topics []string
}

func (c *stalledClient) Publish(topic string, _ byte, _ bool, _ interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	tok := &pendingToken{done: make(chan struct{}), err: errors.New("connection lost")}
	c.tokens = append(c.tokens, tok)
	c.topics = append(c.topics, topic)
	return tok
}

func TestMQTTAckDoesNotWaitForBroker(t *testing.T) {
	gw, _ := newGateway(t)
	client := &stalledClient{}
	a := NewMQTTAdapter(context.Background(), gw, NewClientPublisher(client, 1, zerolog.Nop()), zerolog.Nop())

	start := time.Now()
	require.NoError(t, a.FromMQTT("sensors/gw-1/hello", []byte(`{"api_key":"key-1"}`)))
	body := []byte(`{"sensor_id":"p-1","readings":[{"value":1,"timestamp":"2026-05-04T09:59:00Z"}]}`)
	_ = a.FromMQTT("sensors/gw-1/data", body)
	assert.Less(t, time.Since(start), time.Second, "handler returned while acks were still pending")

	client.mu.Lock()
	defer client.mu.Unlock()
	assert.Equal(t, []string{"sensors/gw-1/ack", "sensors/gw-1/ack"}, client.topics)
	for _, tok := range client.tokens {
		close(tok.done)
	}
}

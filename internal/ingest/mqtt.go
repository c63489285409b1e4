package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/ANIKETSHETTY47/sensor-alert-pipeline/internal/auth"
)

const (
	TopicHello = "sensors/+/hello"
	TopicData  = "sensors/+/data"
)

// Publisher sends acknowledgements back to devices.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

const ackTimeout = 5 * time.Second

type clientPublisher struct {
	client mqtt.Client
	qos    byte
	log    zerolog.Logger
}

// Publish hands the ack to the client and returns at once. Handlers run on
// paho's ordered router and must not wait on the token.
func (p clientPublisher) Publish(topic string, payload []byte) error {
	token := p.client.Publish(topic, p.qos, false, payload)
	go p.watch(topic, token)
	return nil
}

func (p clientPublisher) watch(topic string, token mqtt.Token) {
	timer := time.NewTimer(ackTimeout)
	defer timer.Stop()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			p.log.Debug().Err(err).Str("topic", topic).Msg("mqtt ack not delivered")
		}
	case <-timer.C:
		p.log.Debug().Str("topic", topic).Msg("mqtt ack timed out")
	}
}

func NewClientPublisher(client mqtt.Client, qos byte, logger zerolog.Logger) Publisher {
	return clientPublisher{client: client, qos: qos, log: logger}
}

// MQTTAdapter ingests from sensors/{device_id}/data after a device has
// announced its credential on sensors/{device_id}/hello.
type MQTTAdapter struct {
	gw  *Gateway
	pub Publisher
	log zerolog.Logger
	ctx context.Context

	mu       sync.RWMutex
	sessions map[string]Handshake
}

func NewMQTTAdapter(ctx context.Context, gw *Gateway, pub Publisher, logger zerolog.Logger) *MQTTAdapter {
	return &MQTTAdapter{
		gw:       gw,
		pub:      pub,
		log:      logger,
		ctx:      ctx,
		sessions: make(map[string]Handshake),
	}
}

// Subscribe registers the hello and data handlers on client.
func (a *MQTTAdapter) Subscribe(client mqtt.Client, qos byte) error {
	handler := func(_ mqtt.Client, msg mqtt.Message) {
		if err := a.FromMQTT(msg.Topic(), msg.Payload()); err != nil {
			a.log.Warn().Err(err).Str("topic", msg.Topic()).Msg("mqtt ingest failed")
		}
	}
	filters := map[string]byte{TopicHello: qos, TopicData: qos}
	if token := client.SubscribeMultiple(filters, handler); token.Wait() && token.Error() != nil {
		return fmt.Errorf("subscribe failed: %w", token.Error())
	}
	return nil
}

// FromMQTT handles one message. The returned error is for logging; the
// device learns the outcome from its ack topic.
func (a *MQTTAdapter) FromMQTT(topic string, payload []byte) error {
	device, kind, ok := parseTopic(topic)
	if !ok {
		return fmt.Errorf("unexpected topic %q", topic)
	}
	switch kind {
	case "hello":
		return a.hello(device, payload)
	case "data":
		return a.data(device, payload)
	}
	return fmt.Errorf("unexpected topic %q", topic)
}

func (a *MQTTAdapter) hello(device string, payload []byte) error {
	var hs Handshake
	if err := json.Unmarshal(payload, &hs); err != nil {
		a.ack(device, handshakeAck{Error: "malformed handshake"})
		return fmt.Errorf("decode handshake: %w", err)
	}
	who, err := a.gw.auth.Authenticate(hs.TenantID, hs.APIKey)
	if err != nil {
		a.forget(device)
		a.ack(device, handshakeAck{Error: err.Error()})
		return err
	}
	a.mu.Lock()
	a.sessions[device] = hs
	a.mu.Unlock()
	a.ack(device, handshakeAck{OK: true, TenantID: who.TenantID})
	return nil
}

func (a *MQTTAdapter) data(device string, payload []byte) error {
	a.mu.RLock()
	hs, ok := a.sessions[device]
	a.mu.RUnlock()
	if !ok {
		err := &auth.Error{Kind: auth.KindInvalid, Detail: "no handshake for device " + device}
		a.gw.rejectAll(TransportMQTT, "auth", Payload{})
		a.ack(device, Ack{Error: err.Error()})
		return err
	}

	p, err := Decode(payload)
	if err != nil {
		a.gw.rejectAll(TransportMQTT, reason(err), Payload{})
		a.ack(device, Ack{Error: err.Error()})
		return err
	}
	if p.DeviceID == "" {
		p.DeviceID = device
	}
	if p.DeviceID != device {
		err := &ValidationError{Index: -1, Field: "device_id", Reason: "does not match topic", Err: ErrMalformed}
		a.gw.rejectAll(TransportMQTT, reason(err), p)
		a.ack(device, Ack{Error: err.Error()})
		return err
	}

	ack, err := a.gw.Ingest(a.ctx, TransportMQTT, hs.TenantID, hs.APIKey, p)
	if err != nil {
		ack.Error = err.Error()
	}
	a.ack(device, ack)
	return err
}

func (a *MQTTAdapter) forget(device string) {
	a.mu.Lock()
	delete(a.sessions, device)
	a.mu.Unlock()
}

func (a *MQTTAdapter) ack(device string, v any) {
	if a.pub == nil {
		return
	}
	body, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := a.pub.Publish(AckTopic(device), body); err != nil {
		a.log.Debug().Err(err).Str("device_id", device).Msg("mqtt ack not delivered")
	}
}

func AckTopic(device string) string { return "sensors/" + device + "/ack" }

func parseTopic(topic string) (device, kind string, ok bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != "sensors" || parts[1] == "" {
		return "", "", false
	}
	return parts[1], parts[2], true
}

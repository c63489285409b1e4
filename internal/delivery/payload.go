package delivery

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ANIKETSHETTY47/sensor-alert-pipeline/internal/domain"
)

// WebhookPayload is the outbound webhook body. Signature covers the JSON
// encoding of the payload with Signature empty; the X-Signature header covers
// the full body as sent.
type WebhookPayload struct {
	EventType  domain.EventType `json:"event_type"`
	AlertID    string           `json:"alert_id"`
	TenantID   string           `json:"tenant_id"`
	SensorID   string           `json:"sensor_id"`
	Severity   domain.Severity  `json:"severity"`
	Status     string           `json:"status"`
	DetectedAt time.Time        `json:"detected_at"`
	Value      float64          `json:"value"`
	Signature  string           `json:"signature,omitempty"`
}

func payloadFor(ev domain.AlertEvent) WebhookPayload {
	return WebhookPayload{
		EventType:  ev.Type,
		AlertID:    ev.Alert.ID,
		TenantID:   ev.Alert.TenantID,
		SensorID:   ev.Alert.SensorID,
		Severity:   ev.Alert.Severity,
		Status:     string(ev.Alert.Status),
		DetectedAt: ev.Alert.DetectedAt.UTC(),
		Value:      ev.Alert.Value,
	}
}

// EncodePayload serialises and signs the payload for one subscription.
func EncodePayload(secret string, p WebhookPayload) ([]byte, error) {
	p.Signature = ""
	canonical, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode webhook payload: %w", err)
	}
	p.Signature = Sign(secret, canonical)
	body, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode webhook payload: %w", err)
	}
	return body, nil
}

// VerifyPayload checks the embedded signature field of a received body.
func VerifyPayload(secret string, body []byte) (WebhookPayload, bool) {
	var p WebhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return WebhookPayload{}, false
	}
	sig := p.Signature
	p.Signature = ""
	canonical, err := json.Marshal(p)
	if err != nil {
		return WebhookPayload{}, false
	}
	p.Signature = sig
	return p, Verify(secret, canonical, signaturePrefix+sig)
}

package domain

import (
	"time"
)

type SensorType string

const (
	SensorPressure SensorType = "pressure"
	SensorFlow     SensorType = "flow"
	SensorLevel    SensorType = "level"
)

type Tenant struct {
	ID        string `db:"id" json:"id" yaml:"id"`
	Name      string `db:"name" json:"name" yaml:"name"`
	Suspended bool   `db:"suspended" json:"suspended" yaml:"suspended"`
}

// Credential is a device credential as held by the registry. Only the
// SHA-256 hex digest of the secret is ever stored.
type Credential struct {
	Hash        string   `db:"hash" json:"-" yaml:"hash"`
	TenantID    string   `db:"tenant_id" json:"tenant_id" yaml:"tenant_id"`
	DeviceID    string   `db:"device_id" json:"device_id" yaml:"device_id"`
	SensorScope []string `db:"-" json:"sensor_scope,omitempty" yaml:"sensor_scope"`
	Revoked     bool     `db:"revoked" json:"revoked" yaml:"revoked"`
}

type Sensor struct {
	ID       string     `db:"id" json:"id" yaml:"id"`
	TenantID string     `db:"tenant_id" json:"tenant_id" yaml:"tenant_id"`
	Type     SensorType `db:"type" json:"type" yaml:"type"`
	Unit     string     `db:"unit" json:"unit" yaml:"unit"`
	MinValue *float64   `db:"min_value" json:"min_value,omitempty" yaml:"min_value"`
	MaxValue *float64   `db:"max_value" json:"max_value,omitempty" yaml:"max_value"`
	// SamplingInterval is a hint only; the core never enforces it.
	SamplingInterval time.Duration `db:"-" json:"sampling_interval,omitempty" yaml:"sampling_interval"`
	// Revision changes whenever the sensor is reconfigured; a new revision
	// restarts its detection window.
	Revision int64 `db:"revision" json:"revision" yaml:"revision"`
}

// Reading is one accepted measurement. It is never mutated after the gateway
// hands it to the pipeline.
type Reading struct {
	SensorID   string         `db:"sensor_id" json:"sensor_id"`
	TenantID   string         `db:"tenant_id" json:"tenant_id"`
	DeviceID   string         `db:"device_id" json:"device_id"`
	Value      float64        `db:"value" json:"value"`
	Unit       string         `db:"unit" json:"unit"`
	ObservedAt time.Time      `db:"observed_at" json:"observed_at"`
	ReceivedAt time.Time      `db:"received_at" json:"received_at"`
	Quality    map[string]any `db:"-" json:"quality,omitempty"`
}

// SensorKey identifies a sensor across tenants.
type SensorKey struct {
	TenantID string
	SensorID string
}

func (r Reading) Key() SensorKey { return SensorKey{TenantID: r.TenantID, SensorID: r.SensorID} }

func (k SensorKey) String() string { return k.TenantID + "/" + k.SensorID }

type WebhookSubscription struct {
	ID         string   `db:"id" json:"id" yaml:"id"`
	TenantID   string   `db:"tenant_id" json:"tenant_id" yaml:"tenant_id"`
	URL        string   `db:"url" json:"url" yaml:"url"`
	Secret     string   `db:"secret" json:"-" yaml:"secret"`
	EventTypes []string `db:"-" json:"event_types" yaml:"event_types"`
	Active     bool     `db:"active" json:"active" yaml:"active"`
}

// Accepts reports whether the subscription wants events of the given type.
// An empty type list subscribes to everything.
func (s WebhookSubscription) Accepts(eventType EventType) bool {
	if !s.Active {
		return false
	}
	if len(s.EventTypes) == 0 {
		return true
	}
	for _, t := range s.EventTypes {
		if t == string(eventType) || t == "*" {
			return true
		}
	}
	return false
}

type DeliveryAttempt struct {
	WebhookID      string    `db:"webhook_id" json:"webhook_id"`
	AlertID        string    `db:"alert_id" json:"alert_id"`
	JobID          string    `db:"job_id" json:"job_id"`
	AttemptNumber  int       `db:"attempt_number" json:"attempt_number"`
	SentAt         time.Time `db:"sent_at" json:"sent_at"`
	ResponseStatus int       `db:"response_status" json:"response_status"`
	Succeeded      bool      `db:"succeeded" json:"succeeded"`
	Error          string    `db:"error" json:"error,omitempty"`
}

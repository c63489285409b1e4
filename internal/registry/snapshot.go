package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/ANIKETSHETTY47/sensor-alert-pipeline/internal/detection"
	"github.com/ANIKETSHETTY47/sensor-alert-pipeline/internal/domain"
)

// Data is the raw tenant configuration a Source produces.
type Data struct {
	Tenants       []domain.Tenant              `yaml:"tenants"`
	Credentials   []domain.Credential          `yaml:"credentials"`
	Sensors       []domain.Sensor              `yaml:"sensors"`
	Rules         []domain.AlertRule           `yaml:"rules"`
	Subscriptions []domain.WebhookSubscription `yaml:"subscriptions"`
}

// LoadRegistryData lets a literal Data act as its own Source.
func (d Data) LoadRegistryData(context.Context) (Data, error) { return d, nil }

// HashCredential is the index key for a device secret.
func HashCredential(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// Snapshot is an immutable view of every tenant's configuration. It is
// replaced wholesale on refresh and never mutated after construction.
type Snapshot struct {
	tenants       map[string]domain.Tenant
	credentials   map[string]domain.Credential
	sensors       map[domain.SensorKey]domain.Sensor
	rules         map[string][]domain.AlertRule
	subscriptions map[string][]domain.WebhookSubscription
	loadedAt      time.Time
}

func NewSnapshot(d Data, loadedAt time.Time) *Snapshot {
	s := &Snapshot{
		tenants:       make(map[string]domain.Tenant, len(d.Tenants)),
		credentials:   make(map[string]domain.Credential, len(d.Credentials)),
		sensors:       make(map[domain.SensorKey]domain.Sensor, len(d.Sensors)),
		rules:         make(map[string][]domain.AlertRule),
		subscriptions: make(map[string][]domain.WebhookSubscription),
		loadedAt:      loadedAt,
	}
	for _, t := range d.Tenants {
		s.tenants[t.ID] = t
	}
	for _, c := range d.Credentials {
		c.SensorScope = append([]string(nil), c.SensorScope...)
		s.credentials[c.Hash] = c
	}
	for _, sn := range d.Sensors {
		s.sensors[domain.SensorKey{TenantID: sn.TenantID, SensorID: sn.ID}] = sn
	}
	for _, r := range d.Rules {
		s.rules[r.TenantID] = append(s.rules[r.TenantID], r)
	}
	for tenant, rules := range s.rules {
		s.rules[tenant] = detection.OrderRules(rules)
	}
	for _, sub := range d.Subscriptions {
		sub.EventTypes = append([]string(nil), sub.EventTypes...)
		s.subscriptions[sub.TenantID] = append(s.subscriptions[sub.TenantID], sub)
	}
	return s
}

func (s *Snapshot) LoadedAt() time.Time { return s.loadedAt }

func (s *Snapshot) Tenant(id string) (domain.Tenant, bool) {
	t, ok := s.tenants[id]
	return t, ok
}

// Credential looks a credential up by its hash.
func (s *Snapshot) Credential(hash string) (domain.Credential, bool) {
	c, ok := s.credentials[hash]
	return c, ok
}

func (s *Snapshot) Sensor(tenantID, sensorID string) (domain.Sensor, bool) {
	sn, ok := s.sensors[domain.SensorKey{TenantID: tenantID, SensorID: sensorID}]
	return sn, ok
}

// RulesFor returns the rules bound to the sensor by id or type, in
// evaluation order.
func (s *Snapshot) RulesFor(sensor domain.Sensor) []domain.AlertRule {
	var out []domain.AlertRule
	for _, r := range s.rules[sensor.TenantID] {
		if r.AppliesTo(sensor) {
			out = append(out, r)
		}
	}
	return out
}

// ActiveSubscriptions returns the tenant's active webhook subscriptions.
func (s *Snapshot) ActiveSubscriptions(tenantID string) []domain.WebhookSubscription {
	var out []domain.WebhookSubscription
	for _, sub := range s.subscriptions[tenantID] {
		if sub.Active {
			out = append(out, sub)
		}
	}
	return out
}

// Subscription finds a subscription by id regardless of its active flag.
func (s *Snapshot) Subscription(tenantID, id string) (domain.WebhookSubscription, bool) {
	for _, sub := range s.subscriptions[tenantID] {
		if sub.ID == id {
			return sub, true
		}
	}
	return domain.WebhookSubscription{}, false
}

func (s *Snapshot) Counts() (tenants, sensors, rules int) {
	for _, rs := range s.rules {
		rules += len(rs)
	}
	return len(s.tenants), len(s.sensors), rules
}

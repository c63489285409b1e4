package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ANIKETSHETTY47/sensor-alert-pipeline/internal/delivery"
	"github.com/ANIKETSHETTY47/sensor-alert-pipeline/internal/domain"
	"github.com/ANIKETSHETTY47/sensor-alert-pipeline/internal/registry"
)

// Memory keeps everything in process. It backs local runs and tests; the
// registry tables come from a seed Data value.
type Memory struct {
	mu       sync.RWMutex
	seed     registry.Data
	readings map[domain.SensorKey][]domain.Reading
	alerts   map[string]domain.Alert
	jobs     map[string]delivery.Job
	attempts []domain.DeliveryAttempt
}

func NewMemory(seed registry.Data) *Memory {
	return &Memory{
		seed:     seed,
		readings: make(map[domain.SensorKey][]domain.Reading),
		alerts:   make(map[string]domain.Alert),
		jobs:     make(map[string]delivery.Job),
	}
}

func (m *Memory) LoadRegistryData(context.Context) (registry.Data, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.seed, nil
}

// Seed replaces the registry tables.
func (m *Memory) Seed(d registry.Data) {
	m.mu.Lock()
	m.seed = d
	m.mu.Unlock()
}

func (m *Memory) AppendReading(_ context.Context, r domain.Reading) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := r.Key()
	for _, existing := range m.readings[key] {
		if existing.ObservedAt.Equal(r.ObservedAt) {
			return nil
		}
	}
	m.readings[key] = append(m.readings[key], r)
	return nil
}

// Readings returns a sensor's stored readings in insertion order.
func (m *Memory) Readings(key domain.SensorKey) []domain.Reading {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]domain.Reading(nil), m.readings[key]...)
}

func (m *Memory) CreateAlert(_ context.Context, a domain.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.alerts[a.ID]; ok {
		return fmt.Errorf("alert %s already exists", a.ID)
	}
	m.alerts[a.ID] = a.Clone()
	return nil
}

func (m *Memory) UpdateAlert(_ context.Context, a domain.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.alerts[a.ID]; !ok {
		return fmt.Errorf("update alert %s: %w", a.ID, domain.ErrNotFound)
	}
	m.alerts[a.ID] = a.Clone()
	return nil
}

func (m *Memory) GetAlert(_ context.Context, id string) (domain.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.alerts[id]
	if !ok {
		return domain.Alert{}, fmt.Errorf("alert %s: %w", id, domain.ErrNotFound)
	}
	return a.Clone(), nil
}

func (m *Memory) ListAlerts(_ context.Context, tenantID string) ([]domain.Alert, error) {
	return m.filterAlerts(func(a domain.Alert) bool { return a.TenantID == tenantID }, true), nil
}

func (m *Memory) ListUnresolvedAlerts(context.Context) ([]domain.Alert, error) {
	return m.filterAlerts(func(a domain.Alert) bool { return a.Status != domain.AlertResolved }, false), nil
}

func (m *Memory) filterAlerts(keep func(domain.Alert) bool, newestFirst bool) []domain.Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Alert
	for _, a := range m.alerts {
		if keep(a) {
			out = append(out, a.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DetectedAt.Equal(out[j].DetectedAt) {
			if newestFirst {
				return out[i].DetectedAt.After(out[j].DetectedAt)
			}
			return out[i].DetectedAt.Before(out[j].DetectedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (m *Memory) SaveJob(_ context.Context, job delivery.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = job
	return nil
}

func (m *Memory) DeleteJob(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, id)
	return nil
}

func (m *Memory) PendingJobs(context.Context) ([]delivery.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]delivery.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextAttemptAt.Before(out[j].NextAttemptAt) })
	return out, nil
}

func (m *Memory) AppendDeliveryAttempt(_ context.Context, a domain.DeliveryAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts = append(m.attempts, a)
	return nil
}

func (m *Memory) DeliveryAttempts(_ context.Context, alertID string) ([]domain.DeliveryAttempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.DeliveryAttempt
	for _, a := range m.attempts {
		if a.AlertID == alertID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *Memory) ListActiveSubscriptions(_ context.Context, tenantID string) ([]domain.WebhookSubscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.WebhookSubscription
	for _, s := range m.seed.Subscriptions {
		if s.TenantID == tenantID && s.Active {
			out = append(out, s)
		}
	}
	return out, nil
}

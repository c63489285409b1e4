package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ANIKETSHETTY47/sensor-alert-pipeline/internal/delivery"
	"github.com/ANIKETSHETTY47/sensor-alert-pipeline/internal/domain"
	"github.com/ANIKETSHETTY47/sensor-alert-pipeline/internal/registry"
)

var (
	_ Store = (*Repos)(nil)
	_ Store = (*Memory)(nil)
	_ Store = (*Tee)(nil)
)

var t0 = time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)

func TestMemoryReadingsAreIdempotentPerObservation(t *testing.T) {
	m := NewMemory(registry.Data{})
	ctx := context.Background()
	r := domain.Reading{TenantID: "tenant-a", SensorID: "p-1", Value: 1, ObservedAt: t0}

	require.NoError(t, m.AppendReading(ctx, r))
	require.NoError(t, m.AppendReading(ctx, r))
	r.ObservedAt = t0.Add(time.Second)
	require.NoError(t, m.AppendReading(ctx, r))

	assert.Len(t, m.Readings(r.Key()), 2)
}

func TestMemoryAlertLifecycle(t *testing.T) {
	m := NewMemory(registry.Data{})
	ctx := context.Background()

	older := domain.Alert{ID: "a-1", TenantID: "tenant-a", Status: domain.AlertOpen, DetectedAt: t0,
		Evidence: []domain.Evidence{{RuleID: "r"}}}
	newer := domain.Alert{ID: "a-2", TenantID: "tenant-a", Status: domain.AlertOpen, DetectedAt: t0.Add(time.Minute)}
	other := domain.Alert{ID: "b-1", TenantID: "tenant-b", Status: domain.AlertOpen, DetectedAt: t0}
	for _, a := range []domain.Alert{older, newer, other} {
		require.NoError(t, m.CreateAlert(ctx, a))
	}
	assert.Error(t, m.CreateAlert(ctx, older), "duplicate id")

	list, err := m.ListAlerts(ctx, "tenant-a")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "a-2", list[0].ID)

	list[1].Evidence[0].RuleID = "mutated"
	got, err := m.GetAlert(ctx, "a-1")
	require.NoError(t, err)
	assert.Equal(t, "r", got.Evidence[0].RuleID, "stored alerts are copies")

	got.Status = domain.AlertResolved
	require.NoError(t, m.UpdateAlert(ctx, got))
	unresolved, err := m.ListUnresolvedAlerts(ctx)
	require.NoError(t, err)
	assert.Len(t, unresolved, 2)

	_, err = m.GetAlert(ctx, "missing")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
	assert.ErrorIs(t, m.UpdateAlert(ctx, domain.Alert{ID: "missing"}), domain.ErrNotFound)
}

func TestMemoryDeliveryJobs(t *testing.T) {
	m := NewMemory(registry.Data{})
	ctx := context.Background()

	require.NoError(t, m.SaveJob(ctx, delivery.Job{ID: "late", NextAttemptAt: t0.Add(time.Minute)}))
	require.NoError(t, m.SaveJob(ctx, delivery.Job{ID: "soon", NextAttemptAt: t0}))
	require.NoError(t, m.SaveJob(ctx, delivery.Job{ID: "soon", NextAttemptAt: t0, Attempts: 1}))

	jobs, err := m.PendingJobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "soon", jobs[0].ID)
	assert.Equal(t, 1, jobs[0].Attempts)

	require.NoError(t, m.DeleteJob(ctx, "soon"))
	jobs, _ = m.PendingJobs(ctx)
	assert.Len(t, jobs, 1)

	require.NoError(t, m.AppendDeliveryAttempt(ctx, domain.DeliveryAttempt{AlertID: "a-1", AttemptNumber: 1}))
	require.NoError(t, m.AppendDeliveryAttempt(ctx, domain.DeliveryAttempt{AlertID: "a-2", AttemptNumber: 1}))
	trail, err := m.DeliveryAttempts(ctx, "a-1")
	require.NoError(t, err)
	assert.Len(t, trail, 1)
}

func TestMemoryServesRegistrySeed(t *testing.T) {
	m := NewMemory(registry.Data{Subscriptions: []domain.WebhookSubscription{
		{ID: "on", TenantID: "tenant-a", Active: true},
		{ID: "off", TenantID: "tenant-a"},
	}})
	subs, err := m.ListActiveSubscriptions(context.Background(), "tenant-a")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "on", subs[0].ID)

	m.Seed(registry.Data{Tenants: []domain.Tenant{{ID: "tenant-z"}}})
	d, err := m.LoadRegistryData(context.Background())
	require.NoError(t, err)
	assert.Len(t, d.Tenants, 1)
	assert.Empty(t, d.Subscriptions)
}

type flakyArchive struct {
	calls int
	err   error
}

func (f *flakyArchive) ArchiveReading(context.Context, domain.Reading) error {
	f.calls++
	return f.err
}

func TestTeeArchiveFailuresDoNotFailTheWrite(t *testing.T) {
	m := NewMemory(registry.Data{})
	archive := &flakyArchive{err: errors.New("throttled")}
	tee := NewTee(m, archive, zerolog.Nop())

	r := domain.Reading{TenantID: "tenant-a", SensorID: "p-1", ObservedAt: t0}
	require.NoError(t, tee.AppendReading(context.Background(), r))

	assert.Equal(t, 1, archive.calls)
	assert.Len(t, m.Readings(r.Key()), 1)
}

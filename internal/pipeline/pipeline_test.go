package pipeline

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ANIKETSHETTY47/sensor-alert-pipeline/internal/alerting"
	"github.com/ANIKETSHETTY47/sensor-alert-pipeline/internal/config"
	"github.com/ANIKETSHETTY47/sensor-alert-pipeline/internal/detection"
	"github.com/ANIKETSHETTY47/sensor-alert-pipeline/internal/domain"
	"github.com/ANIKETSHETTY47/sensor-alert-pipeline/internal/registry"
)

var t0 = time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)

type staticRegistry struct{ snap *registry.Snapshot }

func (s staticRegistry) Snapshot() *registry.Snapshot { return s.snap }

type memReadings struct {
	mu       sync.Mutex
	readings []domain.Reading
}

func (m *memReadings) AppendReading(_ context.Context, r domain.Reading) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readings = append(m.readings, r)
	return nil
}

func (m *memReadings) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.readings)
}

type recordingAlerter struct {
	mu      sync.Mutex
	results []detection.Result
}

func (a *recordingAlerter) OnDetections(_ context.Context, res detection.Result) alerting.Outcome {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.results = append(a.results, res)
	return alerting.Outcome{}
}

func (a *recordingAlerter) forSensor(id string) []detection.Result {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []detection.Result
	for _, r := range a.results {
		if r.Reading.SensorID == id {
			out = append(out, r)
		}
	}
	return out
}

type countingPublisher struct {
	mu sync.Mutex
	n  int
}

func (c *countingPublisher) PublishReading(domain.Reading) {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func fixture(sensors int) staticRegistry {
	max := 1e9
	d := registry.Data{
		Tenants: []domain.Tenant{{ID: "tenant-a"}},
		Rules: []domain.AlertRule{{
			ID: "ceiling", TenantID: "tenant-a", SensorType: domain.SensorPressure,
			Algorithm: domain.AlgorithmThreshold, Params: domain.RuleParams{Max: &max},
		}},
	}
	for i := 0; i < sensors; i++ {
		d.Sensors = append(d.Sensors, domain.Sensor{ID: fmt.Sprintf("s-%d", i), TenantID: "tenant-a", Type: domain.SensorPressure})
	}
	return staticRegistry{snap: registry.NewSnapshot(d, t0)}
}

func newPipeline(t *testing.T, sensors int) (*Pipeline, *memReadings, *recordingAlerter, *countingPublisher) {
	t.Helper()
	store := &memReadings{}
	alerts := &recordingAlerter{}
	pub := &countingPublisher{}
	cfg := DefaultConfig()
	cfg.Shards = 4
	cfg.QueueSize = 10000
	cfg.AlertQueue = 100000
	cfg.Detection.WindowSize = 500
	p := New(cfg, fixture(sensors), store, alerts, pub, zerolog.Nop())
	p.Start()
	return p, store, alerts, pub
}

func TestConcurrentSensorsKeepTheirOwnOrder(t *testing.T) {
	const sensors, perSensor = 40, 200
	p, store, alerts, pub := newPipeline(t, sensors)

	var wg sync.WaitGroup
	for s := 0; s < sensors; s++ {
		wg.Add(1)
		go func(s int) {
			defer wg.Done()
			id := fmt.Sprintf("s-%d", s)
			for i := 0; i < perSensor; i++ {
				r := domain.Reading{
					TenantID:   "tenant-a",
					SensorID:   id,
					Value:      float64(s*10000 + i),
					ObservedAt: t0.Add(time.Duration(i) * time.Second),
				}
				assert.NoError(t, p.Submit(context.Background(), r))
			}
		}(s)
	}
	wg.Wait()

	require.Eventually(t, func() bool { return store.count() == sensors*perSensor }, 5*time.Second, 10*time.Millisecond)

	for s := 0; s < sensors; s++ {
		id := fmt.Sprintf("s-%d", s)
		snap, ok, err := p.WindowSnapshot(context.Background(), domain.SensorKey{TenantID: "tenant-a", SensorID: id})
		require.NoError(t, err)
		require.True(t, ok, id)
		require.Len(t, snap.Readings, perSensor)
		for i, r := range snap.Readings {
			assert.Equal(t, id, r.SensorID)
			assert.Equal(t, float64(s*10000+i), r.Value)
		}
	}

	require.NoError(t, p.Shutdown(context.Background()))

	for _, id := range []string{"s-0", "s-17", "s-39"} {
		results := alerts.forSensor(id)
		require.Len(t, results, perSensor)
		for i, res := range results {
			assert.Equal(t, t0.Add(time.Duration(i)*time.Second), res.Reading.ObservedAt)
			assert.True(t, res.Appended)
		}
	}
	pub.mu.Lock()
	assert.Equal(t, sensors*perSensor, pub.n)
	pub.mu.Unlock()
}

func TestUnknownSensorIsDroppedAfterIntake(t *testing.T) {
	p, store, alerts, _ := newPipeline(t, 1)

	require.NoError(t, p.Submit(context.Background(), domain.Reading{TenantID: "tenant-a", SensorID: "ghost", ObservedAt: t0}))
	require.NoError(t, p.Submit(context.Background(), domain.Reading{TenantID: "tenant-a", SensorID: "s-0", ObservedAt: t0}))
	require.NoError(t, p.Shutdown(context.Background()))

	assert.Equal(t, 1, store.count())
	assert.Empty(t, alerts.forSensor("ghost"))
	assert.Len(t, alerts.forSensor("s-0"), 1)
}

func TestSensorsWithoutRulesSkipTheAlertStage(t *testing.T) {
	store := &memReadings{}
	alerts := &recordingAlerter{}
	reg := staticRegistry{snap: registry.NewSnapshot(registry.Data{
		Sensors: []domain.Sensor{{ID: "bare", TenantID: "tenant-a", Type: domain.SensorFlow}},
	}, t0)}
	p := New(DefaultConfig(), reg, store, alerts, nil, zerolog.Nop())
	p.Start()

	require.NoError(t, p.Submit(context.Background(), domain.Reading{TenantID: "tenant-a", SensorID: "bare", ObservedAt: t0}))
	require.NoError(t, p.Shutdown(context.Background()))

	assert.Equal(t, 1, store.count())
	assert.Empty(t, alerts.forSensor("bare"))
}

func TestSubmitAfterShutdown(t *testing.T) {
	p, _, _, _ := newPipeline(t, 1)
	require.NoError(t, p.Shutdown(context.Background()))
	require.NoError(t, p.Shutdown(context.Background()))

	err := p.Submit(context.Background(), domain.Reading{TenantID: "tenant-a", SensorID: "s-0"})
	assert.ErrorIs(t, err, ErrClosed)
	_, _, err = p.WindowSnapshot(context.Background(), domain.SensorKey{TenantID: "tenant-a", SensorID: "s-0"})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSubmitHonoursContextWhenShardIsFull(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Shards = 1
	cfg.QueueSize = 1
	// never started: nothing drains the shard queue
	p := New(cfg, fixture(1), &memReadings{}, &recordingAlerter{}, nil, zerolog.Nop())

	r := domain.Reading{TenantID: "tenant-a", SensorID: "s-0", ObservedAt: t0}
	require.NoError(t, p.Submit(context.Background(), r))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Submit(ctx, r), context.DeadlineExceeded)
}

func TestUnknownWindow(t *testing.T) {
	p, _, _, _ := newPipeline(t, 1)
	defer p.Shutdown(context.Background())

	_, ok, err := p.WindowSnapshot(context.Background(), domain.SensorKey{TenantID: "tenant-a", SensorID: "s-0"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestConfigFromMapsDetectionSettings(t *testing.T) {
	c := &config.Config{
		Detection: config.DetectionConfig{
			WindowSize: 50, WarmUp: 10, Shards: 2, QueueSize: 16, PersistWorkers: 3,
			ZLow: 1, ZMedium: 2, ZHigh: 3, ZCritical: 4,
			SlopeWindow: 5, RateMultiple: 2, RecentWindow: 6, VolatilityMultiple: 3,
		},
		Alerting: config.AlertingConfig{QueueSize: 32},
	}
	cfg := ConfigFrom(c)
	assert.Equal(t, 2, cfg.Shards)
	assert.Equal(t, 32, cfg.AlertQueue)
	assert.Equal(t, 50, cfg.Detection.WindowSize)
	assert.Equal(t, 10, cfg.Detection.Defaults.WarmUp)
	assert.Equal(t, 4.0, cfg.Detection.Defaults.ZBands.Critical)
	assert.Equal(t, 6, cfg.Detection.Defaults.RecentWindow)
}

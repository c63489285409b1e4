package registry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ANIKETSHETTY47/sensor-alert-pipeline/internal/domain"
)

const fixture = `
tenants:
  - id: tenant-a
    name: Riverside Water
credentials:
  - api_key: dev-key-1
    tenant_id: tenant-a
    device_id: gw-1
    sensor_scope: [p-1]
sensors:
  - id: p-1
    tenant_id: tenant-a
    type: pressure
    unit: bar
    revision: 1
rules:
  - id: late
    tenant_id: tenant-a
    sensor_type: pressure
    algorithm: threshold
    priority: 5
    severity: high
    cooldown: 300s
  - id: early
    tenant_id: tenant-a
    sensor_id: p-1
    algorithm: statistical_outlier
    priority: 1
subscriptions:
  - id: hook-1
    tenant_id: tenant-a
    url: https://ops.example.com/hooks
    secret: s3cret
    active: true
  - id: hook-2
    tenant_id: tenant-a
    url: https://old.example.com/hooks
    active: false
`

type countingSource struct {
	mu    sync.Mutex
	calls int
	data  Data
	err   error
}

func (c *countingSource) LoadRegistryData(context.Context) (Data, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return c.data, c.err
}

func TestParseYAMLHashesPlainKeys(t *testing.T) {
	d, err := ParseYAML([]byte(fixture))
	require.NoError(t, err)

	require.Len(t, d.Credentials, 1)
	assert.Equal(t, HashCredential("dev-key-1"), d.Credentials[0].Hash)
	assert.Equal(t, []string{"p-1"}, d.Credentials[0].SensorScope)

	require.Len(t, d.Rules, 2)
	assert.Equal(t, 300*time.Second, d.Rules[0].Cooldown)
	assert.Equal(t, domain.SeverityHigh, d.Rules[0].Severity)
}

func TestParseYAMLRejectsUnknownAlgorithm(t *testing.T) {
	_, err := ParseYAML([]byte(`
rules:
  - id: r
    tenant_id: t
    algorithm: fourier
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fourier")
}

func TestSnapshotLookups(t *testing.T) {
	d, err := ParseYAML([]byte(fixture))
	require.NoError(t, err)
	snap := NewSnapshot(d, time.Now())

	cred, ok := snap.Credential(HashCredential("dev-key-1"))
	require.True(t, ok)
	assert.Equal(t, "gw-1", cred.DeviceID)

	sensor, ok := snap.Sensor("tenant-a", "p-1")
	require.True(t, ok)

	rules := snap.RulesFor(sensor)
	require.Len(t, rules, 2)
	assert.Equal(t, "early", rules[0].ID)
	assert.Equal(t, "late", rules[1].ID)

	subs := snap.ActiveSubscriptions("tenant-a")
	require.Len(t, subs, 1)
	assert.Equal(t, "hook-1", subs[0].ID)

	_, ok = snap.Subscription("tenant-a", "hook-2")
	assert.True(t, ok)
	_, ok = snap.Sensor("tenant-b", "p-1")
	assert.False(t, ok)
}

func TestFileSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fixture), 0o600))

	reg := New(FileSource{Path: path}, time.Minute, zerolog.Nop())
	require.NoError(t, reg.Load(context.Background()))

	_, ok := reg.Snapshot().Tenant("tenant-a")
	assert.True(t, ok)

	subs, err := reg.ListActiveSubscriptions(context.Background(), "tenant-a")
	require.NoError(t, err)
	assert.Len(t, subs, 1)
}

func TestRefreshSwapsWholeSnapshot(t *testing.T) {
	src := &countingSource{data: Data{Tenants: []domain.Tenant{{ID: "tenant-a"}}}}
	reg := New(src, time.Minute, zerolog.Nop())
	require.NoError(t, reg.Load(context.Background()))
	before := reg.Snapshot()

	src.mu.Lock()
	src.data = Data{Tenants: []domain.Tenant{{ID: "tenant-a", Suspended: true}}}
	src.mu.Unlock()
	require.NoError(t, reg.Refresh(context.Background()))

	old, _ := before.Tenant("tenant-a")
	assert.False(t, old.Suspended, "previous snapshot must stay unchanged")
	cur, _ := reg.Snapshot().Tenant("tenant-a")
	assert.True(t, cur.Suspended)
}

func TestFailedRefreshKeepsPreviousSnapshot(t *testing.T) {
	src := &countingSource{data: Data{Tenants: []domain.Tenant{{ID: "tenant-a"}}}}
	reg := New(src, time.Minute, zerolog.Nop())
	require.NoError(t, reg.Load(context.Background()))

	src.mu.Lock()
	src.err = errors.New("database unavailable")
	src.mu.Unlock()

	require.Error(t, reg.Refresh(context.Background()))
	_, ok := reg.Snapshot().Tenant("tenant-a")
	assert.True(t, ok)
}

func TestLoadFailureIsReported(t *testing.T) {
	reg := New(&countingSource{err: errors.New("boom")}, time.Minute, zerolog.Nop())
	err := reg.Load(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "initial registry load")
}

func TestStartRefreshesOnSchedule(t *testing.T) {
	src := &countingSource{}
	reg := New(src, time.Second, zerolog.Nop())
	require.NoError(t, reg.Start())
	defer reg.Stop()

	require.Eventually(t, func() bool {
		src.mu.Lock()
		defer src.mu.Unlock()
		return src.calls >= 1
	}, 3*time.Second, 50*time.Millisecond)
}

func TestConcurrentReadersDuringRefresh(t *testing.T) {
	src := &countingSource{data: Data{Sensors: []domain.Sensor{{ID: "p-1", TenantID: "tenant-a"}}}}
	reg := New(src, time.Minute, zerolog.Nop())
	require.NoError(t, reg.Load(context.Background()))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				_, ok := reg.Snapshot().Sensor("tenant-a", "p-1")
				assert.True(t, ok)
			}
		}()
	}
	for i := 0; i < 50; i++ {
		require.NoError(t, reg.Refresh(context.Background()))
	}
	wg.Wait()
}

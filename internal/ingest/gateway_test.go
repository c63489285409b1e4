package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ANIKETSHETTY47/sensor-alert-pipeline/internal/auth"
	"github.com/ANIKETSHETTY47/sensor-alert-pipeline/internal/domain"
	"github.com/ANIKETSHETTY47/sensor-alert-pipeline/internal/registry"
)

var now = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

type staticRegistry struct{ snap *registry.Snapshot }

func (s staticRegistry) Snapshot() *registry.Snapshot { return s.snap }

type recordingSink struct {
	mu       sync.Mutex
	readings []domain.Reading
	err      error
}

func (s *recordingSink) Submit(_ context.Context, r domain.Reading) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.readings = append(s.readings, r)
	return nil
}

func (s *recordingSink) all() []domain.Reading {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Reading(nil), s.readings...)
}

func newGateway(t *testing.T) (*Gateway, *recordingSink) {
	t.Helper()
	reg := staticRegistry{snap: registry.NewSnapshot(registry.Data{
		Tenants: []domain.Tenant{{ID: "tenant-a"}},
		Credentials: []domain.Credential{
			{Hash: registry.HashCredential("key-1"), TenantID: "tenant-a", DeviceID: "gw-1"},
			{Hash: registry.HashCredential("key-scoped"), TenantID: "tenant-a", DeviceID: "gw-2", SensorScope: []string{"f-1"}},
		},
		Sensors: []domain.Sensor{
			{ID: "p-1", TenantID: "tenant-a", Type: domain.SensorPressure, Unit: "bar"},
		},
	}, now)}
	sink := &recordingSink{}
	gw := NewGateway(auth.New(reg), reg, sink, Config{
		MaxFutureSkew: 24 * time.Hour,
		MaxBatch:      10,
		SanityRanges:  map[domain.SensorType]Range{domain.SensorPressure: {Min: 0, Max: 100}},
	}, zerolog.Nop())
	gw.now = func() time.Time { return now }
	return gw, sink
}

func val(v float64) *float64 { return &v }

func item(v float64, at time.Time) Item {
	return Item{Value: val(v), Timestamp: Timestamp{Time: at}}
}

func TestIngestPreservesBatchOrder(t *testing.T) {
	gw, sink := newGateway(t)
	p := Payload{DeviceID: "gw-1", SensorID: "p-1", Readings: []Item{
		item(3, now.Add(-3*time.Second)),
		item(1, now.Add(-2*time.Second)),
		item(2, now.Add(-time.Second)),
	}}

	ack, err := gw.Ingest(context.Background(), TransportHTTP, "", "key-1", p)
	require.NoError(t, err)
	assert.Equal(t, 3, ack.Accepted)
	assert.Empty(t, ack.Rejected)

	got := sink.all()
	require.Len(t, got, 3)
	for i, want := range []float64{3, 1, 2} {
		assert.Equal(t, want, got[i].Value)
		assert.Equal(t, "tenant-a", got[i].TenantID)
		assert.Equal(t, "bar", got[i].Unit)
		assert.Equal(t, now, got[i].ReceivedAt)
	}
}

func TestIngestRejectsPerReading(t *testing.T) {
	gw, sink := newGateway(t)
	p := Payload{DeviceID: "gw-1", SensorID: "p-1", Readings: []Item{
		item(-4, now),
		item(5, now.Add(25*time.Hour)),
		item(6, now.Add(23*time.Hour)),
		{Value: val(7)},
	}}

	ack, err := gw.Ingest(context.Background(), TransportHTTP, "", "key-1", p)
	require.NoError(t, err)
	assert.Equal(t, 1, ack.Accepted)
	require.Len(t, ack.Rejected, 3)
	assert.Equal(t, 0, ack.Rejected[0].Index)
	assert.Contains(t, ack.Rejected[0].Reason, "sanity range")
	assert.Equal(t, 1, ack.Rejected[1].Index)
	assert.Contains(t, ack.Rejected[1].Reason, "ahead")
	assert.Equal(t, 3, ack.Rejected[2].Index)

	require.Len(t, sink.all(), 1)
	assert.Equal(t, 6.0, sink.all()[0].Value)
}

func TestIngestPayloadLevelErrors(t *testing.T) {
	gw, sink := newGateway(t)
	ok := []Item{item(1, now)}

	tests := []struct {
		name       string
		credential string
		payload    Payload
		want       error
	}{
		{name: "missing sensor id", credential: "key-1", payload: Payload{DeviceID: "gw-1", Readings: ok}, want: ErrMalformed},
		{name: "empty batch", credential: "key-1", payload: Payload{DeviceID: "gw-1", SensorID: "p-1"}, want: ErrMalformed},
		{name: "missing value", credential: "key-1", payload: Payload{DeviceID: "gw-1", SensorID: "p-1", Readings: []Item{{Timestamp: Timestamp{Time: now}}}}, want: ErrMalformed},
		{name: "batch too large", credential: "key-1", payload: Payload{DeviceID: "gw-1", SensorID: "p-1", Readings: make([]Item, 11)}, want: ErrMalformed},
		{name: "unknown sensor", credential: "key-1", payload: Payload{DeviceID: "gw-1", SensorID: "p-9", Readings: ok}, want: ErrUnknownSensor},
		{name: "bad credential", credential: "nope", payload: Payload{DeviceID: "gw-1", SensorID: "p-1", Readings: ok}, want: auth.ErrInvalid},
		{name: "device mismatch", credential: "key-1", payload: Payload{DeviceID: "gw-7", SensorID: "p-1", Readings: ok}, want: auth.ErrInvalid},
		{name: "outside scope", credential: "key-scoped", payload: Payload{DeviceID: "gw-2", SensorID: "p-1", Readings: ok}, want: auth.ErrInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := gw.Ingest(context.Background(), TransportHTTP, "", tt.credential, tt.payload)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
	assert.Empty(t, sink.all())
}

func TestIngestStopsWhenSinkFails(t *testing.T) {
	gw, sink := newGateway(t)
	sink.err = errors.New("intake closed")

	ack, err := gw.Ingest(context.Background(), TransportHTTP, "", "key-1",
		Payload{DeviceID: "gw-1", SensorID: "p-1", Readings: []Item{item(1, now), item(2, now.Add(time.Second))}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "readings[0]")
	assert.Zero(t, ack.Accepted)
}

func TestTimestampFormats(t *testing.T) {
	var p Payload
	raw := `{"device_id":"gw-1","sensor_id":"p-1","readings":[
		{"value":1,"timestamp":"2026-05-04T10:00:00Z"},
		{"value":2,"timestamp":1777888800},
		{"value":3,"timestamp":1777888800500},
		{"value":4,"timestamp":1777888800.25}
	]}`
	require.NoError(t, json.Unmarshal([]byte(raw), &p))
	require.Len(t, p.Readings, 4)

	assert.True(t, p.Readings[0].Timestamp.Equal(now))
	assert.Equal(t, int64(1777888800), p.Readings[1].Timestamp.Unix())
	assert.Equal(t, int64(1777888800500), p.Readings[2].Timestamp.UnixMilli())
	assert.Equal(t, int64(1777888800250), p.Readings[3].Timestamp.UnixMilli())

	require.Error(t, json.Unmarshal([]byte(`{"value":1,"timestamp":true}`), &Item{}))
}

func TestTimestampRejectsUnrepresentableEpochs(t *testing.T) {
	for _, ts := range []string{"1e30", "-5", "9223372036854775807"} {
		_, err := Decode([]byte(`{"device_id":"gw-1","sensor_id":"p-1","readings":[{"value":1,"timestamp":` + ts + `}]}`))
		require.Error(t, err, ts)
		assert.ErrorIs(t, err, ErrMalformed, ts)
	}

	var it Item
	require.NoError(t, json.Unmarshal([]byte(`{"value":1,"timestamp":9223372036854}`), &it))
	assert.Equal(t, int64(9223372036854), it.Timestamp.UnixMilli())
}

func TestDecodeMalformed(t *testing.T) {
	_, err := Decode([]byte(`{"device_id":`))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMalformed)
}

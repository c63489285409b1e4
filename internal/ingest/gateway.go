package ingest

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/ANIKETSHETTY47/sensor-alert-pipeline/internal/auth"
	"github.com/ANIKETSHETTY47/sensor-alert-pipeline/internal/config"
	"github.com/ANIKETSHETTY47/sensor-alert-pipeline/internal/domain"
	"github.com/ANIKETSHETTY47/sensor-alert-pipeline/internal/metrics"
	"github.com/ANIKETSHETTY47/sensor-alert-pipeline/internal/registry"
)

const (
	TransportHTTP = "http"
	TransportTCP  = "tcp"
	TransportMQTT = "mqtt"
)

// Sink receives accepted readings, in order.
type Sink interface {
	Submit(ctx context.Context, r domain.Reading) error
}

type Authenticator interface {
	Authenticate(tenantHint, credential string) (auth.Result, error)
}

type SnapshotProvider interface {
	Snapshot() *registry.Snapshot
}

type Range struct {
	Min, Max float64
}

type Config struct {
	MaxFutureSkew time.Duration
	MaxBatch      int
	SanityRanges  map[domain.SensorType]Range
}

func ConfigFrom(c config.IngestConfig) Config {
	out := Config{
		MaxFutureSkew: c.MaxFutureSkew,
		MaxBatch:      c.MaxBatch,
		SanityRanges:  make(map[domain.SensorType]Range, len(c.SanityRanges)),
	}
	for typ, r := range c.SanityRanges {
		out.SanityRanges[domain.SensorType(strings.ToLower(typ))] = Range{Min: r.Min, Max: r.Max}
	}
	return out
}

// Ack is the per-payload answer every transport sends back.
type Ack struct {
	Accepted int         `json:"accepted"`
	Rejected []Rejection `json:"rejected,omitempty"`
	Error    string      `json:"error,omitempty"`
}

type Rejection struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

// Gateway turns transport payloads into canonical readings. It never retries;
// producers resubmit rejected readings themselves.
type Gateway struct {
	auth     Authenticator
	reg      SnapshotProvider
	sink     Sink
	cfg      Config
	validate *validator.Validate
	now      func() time.Time
	log      zerolog.Logger
}

func NewGateway(a Authenticator, reg SnapshotProvider, sink Sink, cfg Config, logger zerolog.Logger) *Gateway {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	return &Gateway{
		auth:     a,
		reg:      reg,
		sink:     sink,
		cfg:      cfg,
		validate: v,
		now:      time.Now,
		log:      logger,
	}
}

// Ingest authenticates the caller and submits each reading of p in array
// order. Payload-level failures return an error; per-reading rejections are
// listed in the Ack.
func (g *Gateway) Ingest(ctx context.Context, transport, tenantHint, credential string, p Payload) (Ack, error) {
	res, err := g.auth.Authenticate(tenantHint, credential)
	if err != nil {
		g.rejectAll(transport, "auth", p)
		return Ack{}, err
	}
	return g.Accept(ctx, transport, res, p)
}

// Accept submits p on behalf of an already authenticated device.
func (g *Gateway) Accept(ctx context.Context, transport string, who auth.Result, p Payload) (Ack, error) {
	sensor, err := g.check(who, p)
	if err != nil {
		var ae *auth.Error
		label := reason(err)
		if errors.As(err, &ae) {
			label = "auth"
		}
		g.rejectAll(transport, label, p)
		return Ack{}, err
	}

	now := g.now()
	var ack Ack
	for i, item := range p.Readings {
		r, err := g.reading(i, item, sensor, p.DeviceID, now)
		if err != nil {
			metrics.ReadingRejected(transport, reason(err))
			ack.Rejected = append(ack.Rejected, Rejection{Index: i, Reason: err.Error()})
			continue
		}
		if err := g.sink.Submit(ctx, r); err != nil {
			return ack, fmt.Errorf("submit readings[%d]: %w", i, err)
		}
		metrics.ReadingAccepted(transport)
		ack.Accepted++
	}
	if len(ack.Rejected) > 0 {
		g.log.Debug().
			Str("transport", transport).
			Str("tenant_id", who.TenantID).
			Str("sensor_id", p.SensorID).
			Int("rejected", len(ack.Rejected)).
			Msg("readings rejected")
	}
	return ack, nil
}

func (g *Gateway) check(who auth.Result, p Payload) (domain.Sensor, error) {
	if err := g.validate.Struct(p); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return domain.Sensor{}, &ValidationError{Index: -1, Field: fe.Namespace(), Reason: "failed " + fe.Tag(), Err: ErrMalformed}
		}
		return domain.Sensor{}, &ValidationError{Index: -1, Field: "body", Reason: err.Error(), Err: ErrMalformed}
	}
	if g.cfg.MaxBatch > 0 && len(p.Readings) > g.cfg.MaxBatch {
		return domain.Sensor{}, &ValidationError{Index: -1, Field: "readings",
			Reason: fmt.Sprintf("batch of %d exceeds limit %d", len(p.Readings), g.cfg.MaxBatch), Err: ErrMalformed}
	}
	if who.DeviceID != "" && who.DeviceID != p.DeviceID {
		return domain.Sensor{}, &auth.Error{Kind: auth.KindInvalid, Detail: "device mismatch"}
	}
	if !who.Allows(p.SensorID) {
		return domain.Sensor{}, &auth.Error{Kind: auth.KindInvalid, Detail: "sensor outside credential scope"}
	}
	sensor, ok := g.reg.Snapshot().Sensor(who.TenantID, p.SensorID)
	if !ok {
		return domain.Sensor{}, &ValidationError{Index: -1, Field: "sensor_id", Reason: p.SensorID + " is not registered", Err: ErrUnknownSensor}
	}
	return sensor, nil
}

func (g *Gateway) reading(i int, item Item, sensor domain.Sensor, deviceID string, now time.Time) (domain.Reading, error) {
	if item.Timestamp.IsZero() {
		return domain.Reading{}, &ValidationError{Index: i, Field: "timestamp", Reason: "required", Err: ErrMalformed}
	}
	v := *item.Value
	if rng, ok := g.cfg.SanityRanges[sensor.Type]; ok && (v < rng.Min || v > rng.Max) {
		return domain.Reading{}, &ValidationError{Index: i, Field: "value",
			Reason: fmt.Sprintf("%g outside sanity range [%g, %g] for %s", v, rng.Min, rng.Max, sensor.Type), Err: ErrOutOfRange}
	}
	if g.cfg.MaxFutureSkew > 0 && item.Timestamp.Sub(now) > g.cfg.MaxFutureSkew {
		return domain.Reading{}, &ValidationError{Index: i, Field: "timestamp",
			Reason: fmt.Sprintf("%s is more than %s ahead", item.Timestamp.UTC().Format(time.RFC3339), g.cfg.MaxFutureSkew), Err: ErrFutureTimestamp}
	}
	return domain.Reading{
		SensorID:   sensor.ID,
		TenantID:   sensor.TenantID,
		DeviceID:   deviceID,
		Value:      v,
		Unit:       sensor.Unit,
		ObservedAt: item.Timestamp.UTC(),
		ReceivedAt: now.UTC(),
		Quality:    item.Metadata,
	}, nil
}

func (g *Gateway) rejectAll(transport, label string, p Payload) {
	n := len(p.Readings)
	if n == 0 {
		n = 1
	}
	for i := 0; i < n; i++ {
		metrics.ReadingRejected(transport, label)
	}
}

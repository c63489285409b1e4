package service

import (
	"context"
	"time"

	"github.com/ANIKETSHETTY47/sensor-alert-pipeline/internal/detection"
	"github.com/ANIKETSHETTY47/sensor-alert-pipeline/internal/domain"
	"github.com/ANIKETSHETTY47/sensor-alert-pipeline/internal/ingest"
)

type Ingestor interface {
	Ingest(ctx context.Context, transport, tenantHint, credential string, p ingest.Payload) (ingest.Ack, error)
}

// AlertOps are the operator actions on alerts.
type AlertOps interface {
	Get(ctx context.Context, id string) (domain.Alert, error)
	List(ctx context.Context, tenantID string) ([]domain.Alert, error)
	Acknowledge(ctx context.Context, id, actor string) (domain.Alert, error)
	Resolve(ctx context.Context, id, actor string) (domain.Alert, error)
}

type AuditTrail interface {
	DeliveryAttempts(ctx context.Context, alertID string) ([]domain.DeliveryAttempt, error)
}

type WindowReader interface {
	WindowSnapshot(ctx context.Context, key domain.SensorKey) (detection.Snapshot, bool, error)
}

type HistoryReader interface {
	Recent(ctx context.Context, key domain.SensorKey, since time.Time) ([]domain.Reading, error)
}

// Services is what the HTTP layer serves. History is nil when no reading
// archive is configured.
type Services struct {
	Readings Ingestor
	Alerts   AlertOps
	Audit    AuditTrail
	Windows  WindowReader
	History  HistoryReader
}

func New(readings Ingestor, alerts AlertOps, audit AuditTrail, windows WindowReader) *Services {
	return &Services{
		Readings: readings,
		Alerts:   alerts,
		Audit:    audit,
		Windows:  windows,
	}
}

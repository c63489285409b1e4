package repository

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/ANIKETSHETTY47/sensor-alert-pipeline/internal/domain"
)

// ReadingArchive is a secondary, best-effort sink for readings.
type ReadingArchive interface {
	ArchiveReading(ctx context.Context, r domain.Reading) error
}

// Tee writes readings to the primary store and then to an archive. Only the
// primary write can fail the call.
type Tee struct {
	Store
	archive ReadingArchive
	log     zerolog.Logger
}

func NewTee(primary Store, archive ReadingArchive, logger zerolog.Logger) *Tee {
	return &Tee{Store: primary, archive: archive, log: logger}
}

func (t *Tee) AppendReading(ctx context.Context, r domain.Reading) error {
	if err := t.Store.AppendReading(ctx, r); err != nil {
		return err
	}
	if err := t.archive.ArchiveReading(ctx, r); err != nil {
		t.log.Warn().Err(err).
			Str("tenant_id", r.TenantID).
			Str("sensor_id", r.SensorID).
			Msg("reading not archived")
	}
	return nil
}

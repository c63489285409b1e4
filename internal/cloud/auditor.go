package cloud

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/ANIKETSHETTY47/sensor-alert-pipeline/internal/delivery"
	"github.com/ANIKETSHETTY47/sensor-alert-pipeline/internal/domain"
)

// FailureAuditor makes exhausted webhook chains visible to operators: it
// archives the chain to S3 and escalates it over SNS. Either part is optional.
type FailureAuditor struct {
	archive   *DeadLetterArchive
	escalator *Escalator
	log       zerolog.Logger
}

func NewFailureAuditor(archive *DeadLetterArchive, escalator *Escalator, logger zerolog.Logger) *FailureAuditor {
	return &FailureAuditor{archive: archive, escalator: escalator, log: logger}
}

func (f *FailureAuditor) ReportExhausted(ctx context.Context, job delivery.Job, last domain.DeliveryAttempt) error {
	var errs []error
	key := ""
	if f.archive != nil {
		k, err := f.archive.Put(ctx, job, last)
		if err != nil {
			errs = append(errs, err)
		} else {
			key = k
		}
	}
	if f.escalator != nil {
		id, err := f.escalator.DeliveryFailed(ctx, job, last, key)
		if err != nil {
			errs = append(errs, err)
		} else {
			f.log.Info().Str("job_id", job.ID).Str("message_id", id).Msg("delivery failure escalated")
		}
	}
	return errors.Join(errs...)
}

package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/ANIKETSHETTY47/sensor-alert-pipeline/internal/delivery"
	"github.com/ANIKETSHETTY47/sensor-alert-pipeline/internal/domain"
)

type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// DeadLetter is the record kept for a delivery chain that ran out of attempts.
type DeadLetter struct {
	Job         delivery.Job           `json:"job"`
	LastAttempt domain.DeliveryAttempt `json:"last_attempt"`
	RecordedAt  time.Time              `json:"recorded_at"`
}

// DeadLetterArchive writes exhausted delivery chains to S3 under
// dead-letter/<tenant>/<yyyy-mm-dd>/<job>.json.
type DeadLetterArchive struct {
	api    S3API
	bucket string
	now    func() time.Time
}

func NewDeadLetterArchive(api S3API, bucket string) *DeadLetterArchive {
	return &DeadLetterArchive{api: api, bucket: bucket, now: time.Now}
}

func (a *DeadLetterArchive) Put(ctx context.Context, job delivery.Job, last domain.DeliveryAttempt) (string, error) {
	now := a.now().UTC()
	body, err := json.Marshal(DeadLetter{Job: job, LastAttempt: last, RecordedAt: now})
	if err != nil {
		return "", fmt.Errorf("failed to encode dead letter: %w", err)
	}
	key := fmt.Sprintf("dead-letter/%s/%s/%s.json", job.TenantID, now.Format("2006-01-02"), job.ID)

	_, err = a.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			"alert-id":        job.AlertID,
			"subscription-id": job.SubscriptionID,
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload dead letter: %w", err)
	}
	return key, nil
}

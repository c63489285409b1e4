package cloud

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"

	"github.com/ANIKETSHETTY47/sensor-alert-pipeline/internal/delivery"
	"github.com/ANIKETSHETTY47/sensor-alert-pipeline/internal/domain"
)

type SNSAPI interface {
	Publish(ctx context.Context, in *sns.PublishInput, opts ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Escalator notifies operators through an SNS topic.
type Escalator struct {
	api      SNSAPI
	topicArn string
}

func NewEscalator(api SNSAPI, topicArn string) *Escalator {
	return &Escalator{api: api, topicArn: topicArn}
}

// DeliveryFailed publishes a notice for an exhausted webhook chain. archiveKey
// is the S3 key of the dead letter, if one was written.
func (e *Escalator) DeliveryFailed(ctx context.Context, job delivery.Job, last domain.DeliveryAttempt, archiveKey string) (string, error) {
	subject := fmt.Sprintf("Webhook delivery failed for tenant %s", job.TenantID)
	message := fmt.Sprintf(
		"Webhook delivery exhausted\n\n"+
			"Alert: %s\n"+
			"Subscription: %s\n"+
			"Event: %s\n"+
			"Attempts: %d\n"+
			"Last status: %d\n"+
			"Last error: %s\n"+
			"Dead letter: %s\n",
		job.AlertID,
		job.SubscriptionID,
		job.EventType,
		job.Attempts,
		last.ResponseStatus,
		last.Error,
		archiveKey,
	)

	out, err := e.api.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(e.topicArn),
		Subject:  aws.String(subject),
		Message:  aws.String(message),
	})
	if err != nil {
		return "", fmt.Errorf("failed to publish to SNS: %w", err)
	}
	return aws.ToString(out.MessageId), nil
}

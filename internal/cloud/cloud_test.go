package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ANIKETSHETTY47/sensor-alert-pipeline/internal/delivery"
	"github.com/ANIKETSHETTY47/sensor-alert-pipeline/internal/domain"
)

type fakeDynamo struct {
	items []map[string]types.AttributeValue
	query *dynamodb.QueryInput
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.items = append(f.items, in.Item)
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.query = in
	return &dynamodb.QueryOutput{Items: f.items}, nil
}

type fakeS3 struct {
	key  string
	body []byte
	err  error
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.key = aws.ToString(in.Key)
	f.body, _ = io.ReadAll(in.Body)
	return &s3.PutObjectOutput{}, nil
}

type fakeSNS struct {
	subject, message string
}

func (f *fakeSNS) Publish(_ context.Context, in *sns.PublishInput, _ ...func(*sns.Options)) (*sns.PublishOutput, error) {
	f.subject = aws.ToString(in.Subject)
	f.message = aws.ToString(in.Message)
	return &sns.PublishOutput{MessageId: aws.String("msg-1")}, nil
}

var observed = time.Date(2026, 9, 2, 14, 30, 0, 0, time.UTC)

func TestReadingArchiveRoundTrip(t *testing.T) {
	api := &fakeDynamo{}
	archive := NewReadingArchive(api, "SensorReadings")

	r := domain.Reading{TenantID: "tenant-a", SensorID: "p-1", DeviceID: "gw-1", Value: 4.2, Unit: "bar",
		ObservedAt: observed, ReceivedAt: observed.Add(time.Second)}
	require.NoError(t, archive.ArchiveReading(context.Background(), r))

	require.Len(t, api.items, 1)
	var item archivedReading
	require.NoError(t, attributevalue.UnmarshalMap(api.items[0], &item))
	assert.Equal(t, "tenant-a/p-1", item.SensorKey)
	assert.Equal(t, observed.UnixMilli(), item.ObservedAt)

	got, err := archive.Recent(context.Background(), r.Key(), observed.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, r.Value, got[0].Value)
	assert.True(t, got[0].ObservedAt.Equal(observed))
	assert.Equal(t, "SensorReadings", aws.ToString(api.query.TableName))
}

func exhaustedJob() (delivery.Job, domain.DeliveryAttempt) {
	job := delivery.Job{ID: "job-1", SubscriptionID: "hook-1", TenantID: "tenant-a", AlertID: "alert-1",
		EventType: domain.EventAlertCreated, Attempts: 3}
	last := domain.DeliveryAttempt{JobID: "job-1", AttemptNumber: 3, ResponseStatus: 503, Error: "webhook delivery: status 503"}
	return job, last
}

func TestFailureAuditorArchivesThenEscalates(t *testing.T) {
	s3api, snsapi := &fakeS3{}, &fakeSNS{}
	archive := NewDeadLetterArchive(s3api, "dead-letters")
	archive.now = func() time.Time { return observed }
	auditor := NewFailureAuditor(archive, NewEscalator(snsapi, "arn:aws:sns:eu-west-1:1:ops"), zerolog.Nop())

	job, last := exhaustedJob()
	require.NoError(t, auditor.ReportExhausted(context.Background(), job, last))

	assert.Equal(t, "dead-letter/tenant-a/2026-09-02/job-1.json", s3api.key)
	var dl DeadLetter
	require.NoError(t, json.Unmarshal(s3api.body, &dl))
	assert.Equal(t, 503, dl.LastAttempt.ResponseStatus)

	assert.Contains(t, snsapi.subject, "tenant-a")
	assert.Contains(t, snsapi.message, "alert-1")
	assert.Contains(t, snsapi.message, s3api.key)
}

func TestFailureAuditorEscalatesWhenArchiveFails(t *testing.T) {
	s3api, snsapi := &fakeS3{err: errors.New("access denied")}, &fakeSNS{}
	auditor := NewFailureAuditor(NewDeadLetterArchive(s3api, "b"), NewEscalator(snsapi, "arn"), zerolog.Nop())

	job, last := exhaustedJob()
	err := auditor.ReportExhausted(context.Background(), job, last)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "access denied")
	assert.True(t, strings.HasPrefix(snsapi.subject, "Webhook delivery failed"))
}

func TestFailureAuditorWithoutSinks(t *testing.T) {
	job, last := exhaustedJob()
	assert.NoError(t, NewFailureAuditor(nil, nil, zerolog.Nop()).ReportExhausted(context.Background(), job, last))
}

package cloud

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/ANIKETSHETTY47/sensor-alert-pipeline/internal/domain"
)

// DynamoAPI is the part of the DynamoDB client the archive uses.
type DynamoAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, opts ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// archivedReading is the item layout: partition key sensorKey
// ("tenant/sensor"), sort key observedAt in unix milliseconds.
type archivedReading struct {
	SensorKey  string         `dynamodbav:"sensorKey"`
	ObservedAt int64          `dynamodbav:"observedAt"`
	TenantID   string         `dynamodbav:"tenantId"`
	SensorID   string         `dynamodbav:"sensorId"`
	DeviceID   string         `dynamodbav:"deviceId"`
	Value      float64        `dynamodbav:"value"`
	Unit       string         `dynamodbav:"unit"`
	ReceivedAt int64          `dynamodbav:"receivedAt"`
	Quality    map[string]any `dynamodbav:"quality,omitempty"`
}

// ReadingArchive stores accepted readings in a DynamoDB time-series table.
type ReadingArchive struct {
	api   DynamoAPI
	table string
}

func NewReadingArchive(api DynamoAPI, table string) *ReadingArchive {
	return &ReadingArchive{api: api, table: table}
}

func (a *ReadingArchive) ArchiveReading(ctx context.Context, r domain.Reading) error {
	item, err := attributevalue.MarshalMap(archivedReading{
		SensorKey:  r.Key().String(),
		ObservedAt: r.ObservedAt.UnixMilli(),
		TenantID:   r.TenantID,
		SensorID:   r.SensorID,
		DeviceID:   r.DeviceID,
		Value:      r.Value,
		Unit:       r.Unit,
		ReceivedAt: r.ReceivedAt.UnixMilli(),
		Quality:    r.Quality,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal reading: %w", err)
	}
	_, err = a.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(a.table),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("failed to put item in DynamoDB: %w", err)
	}
	return nil
}

// Recent returns a sensor's archived readings observed at or after since,
// oldest first.
func (a *ReadingArchive) Recent(ctx context.Context, key domain.SensorKey, since time.Time) ([]domain.Reading, error) {
	out, err := a.api.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(a.table),
		KeyConditionExpression: aws.String("sensorKey = :k AND observedAt >= :since"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":k":     &types.AttributeValueMemberS{Value: key.String()},
			":since": &types.AttributeValueMemberN{Value: strconv.FormatInt(since.UnixMilli(), 10)},
		},
		ScanIndexForward: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query DynamoDB: %w", err)
	}

	var items []archivedReading
	if err := attributevalue.UnmarshalListOfMaps(out.Items, &items); err != nil {
		return nil, fmt.Errorf("failed to unmarshal readings: %w", err)
	}
	readings := make([]domain.Reading, len(items))
	for i, it := range items {
		readings[i] = domain.Reading{
			TenantID:   it.TenantID,
			SensorID:   it.SensorID,
			DeviceID:   it.DeviceID,
			Value:      it.Value,
			Unit:       it.Unit,
			ObservedAt: time.UnixMilli(it.ObservedAt).UTC(),
			ReceivedAt: time.UnixMilli(it.ReceivedAt).UTC(),
			Quality:    it.Quality,
		}
	}
	return readings, nil
}

package report

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/nasqa/dut-harness/framework/qatest"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Schema of the archive table.
const (
	archivePartitionKey = "run_id"
	archiveSortKey      = "test_id"
)

// itemPutter is the part of *dynamodb.Client the uploader needs.
type itemPutter interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (
		*dynamodb.PutItemOutput, error)
}

// DynamoDBUploader archives every result as one item in a DynamoDB table whose partition key
// is run_id and sort key is test_id. Looped tests get the iteration appended to the sort key.
type DynamoDBUploader struct {
	client itemPutter
	table  string
}

// NewDynamoDBUploader loads AWS credentials and region the standard way (environment, shared
// config, instance role). region may be empty to use the configured default.
func NewDynamoDBUploader(ctx context.Context, table, region string) (*DynamoDBUploader, error) {
	if table == "" {
		return nil, errors.New("dynamodb: table is not set")
	}
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("dynamodb: %w", err)
	}
	return &DynamoDBUploader{client: dynamodb.NewFromConfig(cfg), table: table}, nil
}

func (d *DynamoDBUploader) Name() string { return "dynamodb" }

func (d *DynamoDBUploader) Upload(ctx context.Context, info RunInfo, results qatest.Results) error {
	var errs []error
	for _, rec := range Records(info, results) {
		_, err := d.client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName: aws.String(d.table),
			Item:      archiveItem(info, rec),
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("dynamodb: %s: %w", rec.TestID, err))
			if ctx.Err() != nil {
				break
			}
		}
	}
	return errors.Join(errs...)
}

func archiveItem(info RunInfo, rec Record) map[string]types.AttributeValue {
	sortKey := rec.TestID
	if rec.Iteration > 0 {
		sortKey += "#" + strconv.Itoa(rec.Iteration)
	}
	item := map[string]types.AttributeValue{
		archivePartitionKey: &types.AttributeValueMemberS{Value: info.RunID},
		archiveSortKey:      &types.AttributeValueMemberS{Value: sortKey},
		"status":            &types.AttributeValueMemberS{Value: string(rec.Status)},
		"device_id":         &types.AttributeValueMemberS{Value: info.DeviceID},
		"non_critical":      &types.AttributeValueMemberBOOL{Value: rec.NonCritical},
		"duration_ms":       &types.AttributeValueMemberN{Value: strconv.FormatInt(rec.Duration.Milliseconds(), 10)},
	}
	optional := map[string]string{
		"device_ip":   info.DeviceIP,
		"product":     info.Product,
		"firmware":    info.Firmware,
		"suite":       info.Suite,
		"owner":       info.Owner,
		"message":     rec.Message,
		"skip_reason": rec.SkipReason,
	}
	for name, value := range optional {
		if value != "" {
			item[name] = &types.AttributeValueMemberS{Value: value}
		}
	}
	if !rec.Start.IsZero() {
		item["start"] = &types.AttributeValueMemberS{Value: rec.Start.UTC().Format(jsonTimeFormat)}
	}
	if len(rec.Fields) != 0 {
		fields := make(map[string]types.AttributeValue, len(rec.Fields))
		for name, value := range rec.Fields {
			fields[name] = &types.AttributeValueMemberS{Value: value.JSONString()}
		}
		item["fields"] = &types.AttributeValueMemberM{Value: fields}
	}
	return item
}

// Package storage keeps a long-term archive of computed source health
// scores in S3 and DynamoDB.
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/dStensland/LostCity-sub000/internal/domain"
	"github.com/dStensland/LostCity-sub000/internal/metrics"
)

// AWSOptions selects region and credentials. Static keys win over the
// shared profile; with neither the default chain is used.
type AWSOptions struct {
	Region          string
	Profile         string
	AccessKeyID     string
	SecretAccessKey string
	Endpoint        string
}

// LoadAWSConfig builds an aws.Config from opts.
func LoadAWSConfig(ctx context.Context, opts AWSOptions) (aws.Config, error) {
	loaders := []func(*config.LoadOptions) error{config.WithRegion(opts.Region)}
	switch {
	case opts.AccessKeyID != "" && opts.SecretAccessKey != "":
		loaders = append(loaders, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, "")))
	case opts.Profile != "":
		loaders = append(loaders, config.WithSharedConfigProfile(opts.Profile))
	}
	if opts.Endpoint != "" {
		loaders = append(loaders, config.WithBaseEndpoint(opts.Endpoint))
	}

	cfg, err := config.LoadDefaultConfig(ctx, loaders...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("loading AWS config: %w", err)
	}
	return cfg, nil
}

type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type dynamoAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

// ScoreItem is the DynamoDB row of one archived score.
type ScoreItem struct {
	PK        string  `dynamodbav:"PK"`
	SK        string  `dynamodbav:"SK"`
	Tier      string  `dynamodbav:"Tier"`
	Cadence   string  `dynamodbav:"Cadence"`
	Composite float64 `dynamodbav:"Composite"`
	Data      string  `dynamodbav:"Data"`
	TTL       int64   `dynamodbav:"TTL,omitempty"`
}

// AWSArchive writes each score as an S3 object and a DynamoDB item. Either
// target may be disabled by leaving its name empty.
type AWSArchive struct {
	s3        s3API
	dynamo    dynamoAPI
	bucket    string
	table     string
	retainFor time.Duration
}

// NewAWSArchive creates an archive from cfg. retainFor sets the DynamoDB
// TTL; zero keeps items forever.
func NewAWSArchive(cfg aws.Config, bucket, table string, retainFor time.Duration) *AWSArchive {
	a := &AWSArchive{bucket: bucket, table: table, retainFor: retainFor}
	if bucket != "" {
		a.s3 = s3.NewFromConfig(cfg)
	}
	if table != "" {
		a.dynamo = dynamodb.NewFromConfig(cfg)
	}
	return a
}

// ObjectKey returns the S3 key of a score.
func ObjectKey(s *domain.SourceHealthScore) string {
	return fmt.Sprintf("source-health/%d/%s.json", s.SourceID, s.ComputedAt.UTC().Format("20060102T150405.000000000Z"))
}

// PartitionKey returns the DynamoDB partition of a source.
func PartitionKey(sourceID int64) string {
	return "source#" + strconv.FormatInt(sourceID, 10)
}

// Archive writes s to every enabled target and joins their errors.
func (a *AWSArchive) Archive(ctx context.Context, s *domain.SourceHealthScore) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshaling score: %w", err)
	}

	var errs []error
	if a.s3 != nil {
		_, err := a.s3.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(a.bucket),
			Key:         aws.String(ObjectKey(s)),
			Body:        bytes.NewReader(data),
			ContentType: aws.String("application/json"),
		})
		metrics.RecordDelivery("s3", err)
		if err != nil {
			errs = append(errs, fmt.Errorf("uploading to S3: %w", err))
		}
	}

	if a.dynamo != nil {
		if err := a.putItem(ctx, s, data); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (a *AWSArchive) putItem(ctx context.Context, s *domain.SourceHealthScore, data []byte) (err error) {
	defer func() { metrics.RecordDelivery("dynamodb", err) }()

	item := ScoreItem{
		PK:        PartitionKey(s.SourceID),
		SK:        s.ComputedAt.UTC().Format(time.RFC3339Nano),
		Tier:      string(s.Tier),
		Cadence:   string(s.RecommendedCadence),
		Composite: s.Composite,
		Data:      string(data),
	}
	if a.retainFor > 0 {
		item.TTL = s.ComputedAt.Add(a.retainFor).Unix()
	}

	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("marshaling item: %w", err)
	}
	if _, err = a.dynamo.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(a.table),
		Item:      av,
	}); err != nil {
		return fmt.Errorf("putting item to DynamoDB: %w", err)
	}
	return nil
}

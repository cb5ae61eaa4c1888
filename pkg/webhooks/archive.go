package webhooks

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/platinummonkey/freightline/pkg/observability"
	"github.com/platinummonkey/freightline/pkg/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Archiver keeps a copy of every authenticated webhook payload
type Archiver interface {
	Archive(ctx context.Context, eventID string, receivedAt time.Time, payload []byte) error
}

// objectPutter is the slice of the S3 client the archiver uses
type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Config configures the payload archive bucket
type S3Config struct {
	Bucket       string
	Region       string
	Endpoint     string
	AccessKey    string
	SecretKey    string
	UsePathStyle bool
	Prefix       string
}

// S3ConfigFrom extracts the archive settings of a storage config
func S3ConfigFrom(cfg storage.Config) S3Config {
	return S3Config{
		Bucket:       cfg.ArchiveBucket,
		Region:       cfg.ArchiveRegion,
		Endpoint:     cfg.ArchiveEndpoint,
		AccessKey:    cfg.ArchiveAccessKey,
		SecretKey:    cfg.ArchiveSecretKey,
		UsePathStyle: cfg.ArchiveUsePathStyle,
		Prefix:       cfg.ArchivePrefix,
	}
}

// S3Archiver writes payloads to S3 under
// <prefix>/YYYY/MM/DD/<event id>.json
type S3Archiver struct {
	client  objectPutter
	bucket  string
	prefix  string
	tracer  trace.Tracer
	metrics *observability.Metrics
}

// NewS3Archiver builds an archiver from static keys when given, otherwise
// from the default AWS credential chain
func NewS3Archiver(ctx context.Context, cfg S3Config, metrics *observability.Metrics) (*S3Archiver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return newS3Archiver(client, cfg.Bucket, cfg.Prefix, metrics), nil
}

func newS3Archiver(client objectPutter, bucket, prefix string, metrics *observability.Metrics) *S3Archiver {
	if prefix == "" {
		prefix = "webhooks"
	}
	return &S3Archiver{
		client:  client,
		bucket:  bucket,
		prefix:  prefix,
		tracer:  otel.Tracer("github.com/platinummonkey/freightline/pkg/webhooks"),
		metrics: metrics,
	}
}

// ObjectKey returns where a payload received at t is stored
func (a *S3Archiver) ObjectKey(eventID string, t time.Time) string {
	t = t.UTC()
	return fmt.Sprintf("%s/%04d/%02d/%02d/%s.json", a.prefix, t.Year(), int(t.Month()), t.Day(), eventID)
}

// Archive uploads the raw payload with its SHA-256 as metadata
func (a *S3Archiver) Archive(ctx context.Context, eventID string, receivedAt time.Time, payload []byte) error {
	key := a.ObjectKey(eventID, receivedAt)
	ctx, span := a.tracer.Start(ctx, "S3.PutObject", trace.WithAttributes(
		attribute.String("s3.bucket", a.bucket),
		attribute.String("s3.key", key),
		attribute.Int("content.size", len(payload)),
	))
	defer span.End()

	sum := sha256.Sum256(payload)
	start := time.Now()
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			"checksum-sha256": hex.EncodeToString(sum[:]),
			"event-id":        eventID,
		},
	})
	a.metrics.RecordStorageOperation("archive_payload", "s3", time.Since(start), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to upload payload")
		return fmt.Errorf("failed to archive payload: %w", err)
	}
	return nil
}

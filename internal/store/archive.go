package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/ainp-network/broker/internal/receipts"
)

// ArchiveSink persists a finalized Receipt somewhere durable beyond the
// in-process receipts.Store. Archival is best-effort and optional: a
// deployment with no sink configured simply never calls Archive.
type ArchiveSink interface {
	Archive(ctx context.Context, r *receipts.Receipt) error
}

// S3ArchiveSink writes one JSON object per finalized receipt, keyed by
// receipt id.
type S3ArchiveSink struct {
	client *s3.Client
	bucket string
	prefix string
}

// S3ArchiveConfig configures an S3ArchiveSink.
type S3ArchiveConfig struct {
	Bucket   string
	Region   string
	Endpoint string // optional custom endpoint (MinIO, LocalStack)
	Prefix   string
}

// NewS3ArchiveSink builds an S3ArchiveSink from cfg.
func NewS3ArchiveSink(ctx context.Context, cfg S3ArchiveConfig) (*S3ArchiveSink, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3ArchiveSink{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// Archive uploads r's JSON representation to
// {prefix}receipts/{id}.json, overwriting any prior archive of the
// same receipt (a receipt only finalizes once, so this is idempotent
// in practice rather than by explicit check).
func (s *S3ArchiveSink) Archive(ctx context.Context, r *receipts.Receipt) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal receipt %s: %w", r.ID, err)
	}
	key := s.prefix + "receipts/" + r.ID + ".json"
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("s3 put receipt %s: %w", r.ID, err)
	}
	return nil
}

package auditexport

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Archiver uploads evidence packs for long-term retention (spec
// §4.10: "an optional sink, not a replacement for the SIEM push").
// Grounded on the teacher's artifacts.S3Store.
type S3Archiver struct {
	client *s3.Client
	bucket string
	prefix string
}

// S3ArchiverConfig configures an S3Archiver.
type S3ArchiverConfig struct {
	Bucket   string
	Region   string
	Endpoint string // optional custom endpoint (MinIO, LocalStack)
	Prefix   string
}

// NewS3Archiver loads the default AWS config and returns a ready
// S3Archiver.
func NewS3Archiver(ctx context.Context, cfg S3ArchiverConfig) (*S3Archiver, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("auditexport: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Archiver{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// Upload stores pack under a key namespaced by tenantID and prefixed
// with the pack's own checksum. The key ends in the upload time in
// nanoseconds, so re-uploading an identical pack writes a new object.
func (a *S3Archiver) Upload(ctx context.Context, tenantID string, pack *Pack) (string, error) {
	key := fmt.Sprintf("%s%s/%s-%d.zip", a.prefix, tenantID, pack.Checksum, time.Now().UTC().UnixNano())

	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(pack.Bytes),
		ContentType: aws.String("application/zip"),
	})
	if err != nil {
		return "", fmt.Errorf("auditexport: s3 put evidence pack: %w", err)
	}
	return key, nil
}

// Package archive stores settlement reports of closed challenges in
// S3-compatible object storage.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/and161185/fan-ledger/internal/model"
)

// Nop discards settlements.
type Nop struct{}

func (Nop) ArchiveSettlement(context.Context, model.Settlement) error { return nil }

// Putter is the subset of the S3 client the archiver needs.
type Putter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Config configures the archive bucket. Endpoint is set for non-AWS
// providers (R2, MinIO); empty key id falls back to the default credential chain.
type S3Config struct {
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

// S3 writes one JSON object per settlement.
type S3 struct {
	client Putter
	bucket string
	prefix string
}

// NewS3 builds an archiver from cfg.
func NewS3(ctx context.Context, cfg S3Config) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive: bucket is required")
	}
	region := cfg.Region
	if region == "" {
		region = "auto"
	}
	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load s3 config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3WithClient(client, cfg.Bucket, cfg.Prefix), nil
}

// NewS3WithClient builds an archiver over an existing client.
func NewS3WithClient(client Putter, bucket, prefix string) *S3 {
	return &S3{client: client, bucket: bucket, prefix: prefix}
}

// Key returns the object key for s: <prefix>/settlements/<yyyy>/<mm>/<challenge id>.json.
func (a *S3) Key(s model.Settlement) string {
	closed := s.ClosedAt.UTC()
	if closed.IsZero() {
		closed = time.Now().UTC()
	}
	return path.Join(a.prefix, "settlements", closed.Format("2006"), closed.Format("01"), s.Challenge.ID.String()+".json")
}

// ArchiveSettlement uploads s as JSON. Re-archiving the same settlement overwrites it.
func (a *S3) ArchiveSettlement(ctx context.Context, s model.Settlement) error {
	body, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode settlement: %w", err)
	}
	key := a.Key(s)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Blob implements Store against an S3-compatible bucket (AWS S3, MinIO,
// Cloudflare R2), grounded in snappyloop-stories' internal/storage/s3.go.
type S3Blob struct {
	client    *s3.Client
	bucket    string
	publicURL string
	logger    *slog.Logger
}

// NewS3Blob creates an S3Blob. endpoint is optional and only needed for
// S3-compatible backends that aren't AWS itself (MinIO, R2).
func NewS3Blob(ctx context.Context, endpoint, region, bucket, accessKey, secretKey, publicURL string, logger *slog.Logger) (*S3Blob, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")),
	}
	if endpoint != "" {
		opts = append(opts, config.WithBaseEndpoint(endpoint))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("blob: load aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = true
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	})

	logger.Info("blob: s3 client initialized", "endpoint", endpoint, "bucket", bucket)
	return &S3Blob{client: client, bucket: bucket, publicURL: publicURL, logger: logger}, nil
}

func (b *S3Blob) urlFor(key string) string {
	if b.publicURL == "" {
		return "s3://" + b.bucket + "/" + key
	}
	if b.publicURL[len(b.publicURL)-1] == '/' {
		return b.publicURL + key
	}
	return b.publicURL + "/" + key
}

func (b *S3Blob) keyFromURL(url string) string {
	prefix := b.urlFor("")
	if len(url) > len(prefix) && url[:len(prefix)] == prefix {
		return url[len(prefix):]
	}
	return url
}

// Put implements Store.
func (b *S3Blob) Put(ctx context.Context, logicalPath string, data []byte, contentType string) (string, error) {
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(logicalPath),
		Body:          bytes.NewReader(data),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return "", fmt.Errorf("blob: s3 put: %w", err)
	}
	b.logger.Info("blob: uploaded to s3", "bucket", b.bucket, "key", logicalPath)
	return b.urlFor(logicalPath), nil
}

// Get implements Store.
func (b *S3Blob) Get(ctx context.Context, url string) ([]byte, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.keyFromURL(url)),
	})
	if err != nil {
		return nil, fmt.Errorf("blob: s3 get: %w", err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

// Delete implements Store.
func (b *S3Blob) Delete(ctx context.Context, url string) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.keyFromURL(url)),
	})
	if err != nil {
		return fmt.Errorf("blob: s3 delete: %w", err)
	}
	b.logger.Info("blob: deleted from s3", "bucket", b.bucket, "key", url)
	return nil
}

package integrations

import (
	"context"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/rendis/flowrun/pkg/schema"
)

// S3Config configures S3Fetcher. Empty keys fall back to the SDK's default
// credential chain. Endpoint targets S3-compatible stores with path-style
// addressing.
type S3Config struct {
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

// S3Fetcher reads objects from S3.
type S3Fetcher struct {
	client *s3.Client
}

// NewS3Fetcher loads AWS configuration and builds a client.
func NewS3Fetcher(ctx context.Context, cfg S3Config) (*S3Fetcher, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfig, "load aws config: %v", err).WithCause(err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Fetcher{client: client}, nil
}

// Get opens bucket/key. The caller closes the returned reader.
func (f *S3Fetcher) Get(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	out, err := f.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeTransport, "get s3://%s/%s: %v", bucket, key, err).WithCause(err)
	}
	return out.Body, nil
}

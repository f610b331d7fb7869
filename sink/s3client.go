package sink

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3ClientConfig configures NewS3Client.
type S3ClientConfig struct {
	Region string `mapstructure:"region" yaml:"region,omitempty"`
	// Endpoint overrides the service endpoint (LocalStack, MinIO).
	Endpoint     string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	UsePathStyle bool   `mapstructure:"use_path_style" yaml:"use_path_style,omitempty"`

	// Static credentials, usually parsed from an access:secret@bucket URI.
	AccessKey string `mapstructure:"-" yaml:"-"`
	SecretKey string `mapstructure:"-" yaml:"-"`
}

// NewS3Client builds an S3 client from the default provider chain, replacing
// credentials with static ones when AccessKey and SecretKey are set.
func NewS3Client(ctx context.Context, cfg S3ClientConfig) (*s3.Client, error) {
	opts := make([]func(*awsconfig.LoadOptions) error, 0, 2)
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	}), nil
}

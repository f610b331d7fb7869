package stash

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/baldanca/superserial/metrics"
	"github.com/baldanca/superserial/sink"
)

// S3API is the subset of the S3 client the object backends use.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type options struct {
	metrics  metrics.Recorder
	s3Client S3API
	s3Config sink.S3ClientConfig
}

// Option customizes backend construction.
type Option func(*options)

// WithMetrics reports writes and flushes to m.
func WithMetrics(m metrics.Recorder) Option {
	return func(o *options) { o.metrics = m }
}

// WithS3Client makes Open use c instead of building a client per URI.
func WithS3Client(c S3API) Option {
	return func(o *options) { o.s3Client = c }
}

// WithS3Config sets region and endpoint for clients Open builds.
func WithS3Config(c sink.S3ClientConfig) Option {
	return func(o *options) { o.s3Config = c }
}

func collect(opts []Option) options {
	var o options
	for _, fn := range opts {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}

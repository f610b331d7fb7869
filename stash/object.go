package stash

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/baldanca/superserial/envelope"
	"github.com/baldanca/superserial/location"
	"github.com/baldanca/superserial/metrics"
	"github.com/baldanca/superserial/sink"
)

const backendObject = "object"

// ObjectStash issues one put per blob. There is no buffering.
type ObjectStash struct {
	sink    *sink.S3Sink
	env     envelope.Envelope
	cfg     ObjectConfig
	logger  zerolog.Logger
	metrics metrics.Recorder
	closed  bool
}

// NewObject writes into bucket under prefix.
func NewObject(client S3API, bucket, prefix string, cfg ObjectConfig, logger zerolog.Logger, opts ...Option) (*ObjectStash, error) {
	if client == nil {
		panic("s3 client is nil")
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid object config: %w", err)
	}
	env, err := envelope.New(cfg.Envelope)
	if err != nil {
		return nil, err
	}
	if bucket == "" {
		return nil, fmt.Errorf("%w: empty bucket", location.ErrMalformedLocation)
	}
	o := collect(opts)
	return &ObjectStash{
		sink:    sink.NewS3(client, bucket, joinPrefix(prefix, cfg.Prefix), cfg.sse()),
		env:     env,
		cfg:     cfg,
		logger:  logger.With().Str("component", "ObjectStash").Str("bucket", bucket).Logger(),
		metrics: o.metrics,
	}, nil
}

// Stash puts one object and returns once the put completes.
func (s *ObjectStash) Stash(ctx context.Context, d Datum) error {
	if s.closed {
		return ErrClosed
	}
	req, err := sealBlob(d, s.env, s.cfg.Envelope)
	if err != nil {
		return err
	}
	res, err := s.sink.Put(ctx, req)
	metrics.ObserveWrite(s.metrics, backendObject, len(req.Data), err)
	if err != nil {
		return writeErr(err)
	}
	s.logger.Debug().Str("key", s.sink.ObjectKey(req.Key)).Str("result", res).Msg("stashed")
	return nil
}

// Close has nothing to flush.
func (s *ObjectStash) Close(ctx context.Context) error {
	s.closed = true
	return nil
}

func (c ObjectConfig) sse() sink.SSE {
	return sink.DeriveSSE(c.SSE, c.SSEKMSKeyID, c.KMS, c.KMSKeyID, c.ServerSideEncrypt)
}

// sealBlob resolves the object key of a blob and seals its content.
func sealBlob(d Datum, env envelope.Envelope, cfg envelope.Config) (sink.WriteRequest, error) {
	b, err := asBlob(d)
	if err != nil {
		return sink.WriteRequest{}, err
	}
	key, err := location.KeyOf(b.Pointer)
	if err != nil {
		return sink.WriteRequest{}, err
	}
	if key == "" {
		return sink.WriteRequest{}, fmt.Errorf("%w: empty key for pointer %q", ErrDatumType, b.Pointer)
	}
	data, err := env.Seal(b.Content)
	if err != nil {
		return sink.WriteRequest{}, fmt.Errorf("seal %q: %w", b.Pointer, err)
	}
	return sink.WriteRequest{Key: blobKey(key, cfg), Data: data}, nil
}

func joinPrefix(a, b string) string {
	a, b = strings.Trim(a, "/"), strings.Trim(b, "/")
	switch {
	case a == "":
		return b
	case b == "":
		return a
	}
	return a + "/" + b
}

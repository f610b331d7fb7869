package sink

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// SSE holds server-side encryption parameters for a put.
type SSE struct {
	Algorithm string
	KMSKeyID  string
}

// DeriveSSE picks server-side encryption parameters. An explicit override wins;
// otherwise KMS is used when requested, then the default algorithm (AES256)
// when plain encryption is requested.
func DeriveSSE(override, overrideKMSKeyID string, kms bool, kmsKeyID string, encrypt bool) SSE {
	var sse SSE
	switch {
	case override != "":
		sse.Algorithm = override
	case kms:
		sse.Algorithm = string(s3types.ServerSideEncryptionAwsKms)
	case encrypt:
		sse.Algorithm = string(s3types.ServerSideEncryptionAes256)
	}
	switch {
	case overrideKMSKeyID != "":
		sse.KMSKeyID = overrideKMSKeyID
	case kms:
		sse.KMSKeyID = kmsKeyID
	}
	return sse
}

type S3Sink struct {
	client s3API

	bucket    string
	bucketPtr *string
	prefix    string
	sse       SSE
	acl       s3types.ObjectCannedACL
}

func NewS3(client s3API, bucket, prefix string, sse SSE) *S3Sink {
	if client == nil {
		panic("s3 client is required")
	}
	if strings.TrimSpace(bucket) == "" {
		panic("bucket is required")
	}

	s := &S3Sink{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		sse:    sse,
		acl:    s3types.ObjectCannedACLPrivate,
	}
	s.bucketPtr = &s.bucket
	return s
}

func (s *S3Sink) Bucket() string { return s.bucket }

// ObjectKey joins the sink prefix and key without cleaning the path.
func (s *S3Sink) ObjectKey(key string) string {
	key = strings.TrimLeft(key, "/")
	if s.prefix != "" {
		key = s.prefix + "/" + key
	}
	return key
}

func (s *S3Sink) Write(ctx context.Context, req WriteRequest) error {
	_, err := s.Put(ctx, req)
	return err
}

func (s *S3Sink) Put(ctx context.Context, req WriteRequest) (string, error) {
	if req.Key == "" {
		return "", fmt.Errorf("empty key")
	}

	key := s.ObjectKey(req.Key)
	keyVar := key
	cl := int64(len(req.Data))

	var body bytes.Reader
	body.Reset(req.Data)

	input := s3.PutObjectInput{
		Bucket:        s.bucketPtr,
		Key:           &keyVar,
		Body:          &body,
		ContentLength: &cl,
		ACL:           s.acl,
	}
	if req.ContentType != "" {
		ct := req.ContentType
		input.ContentType = &ct
	}
	if s.sse.Algorithm != "" {
		input.ServerSideEncryption = s3types.ServerSideEncryption(s.sse.Algorithm)
	}
	if s.sse.KMSKeyID != "" {
		input.SSEKMSKeyId = aws.String(s.sse.KMSKeyID)
	}

	out, err := s.client.PutObject(ctx, &input)
	if err != nil {
		return "", fmt.Errorf("put s3 object key=%q: %w", key, err)
	}
	if out == nil || aws.ToString(out.ETag) == "" {
		return DoneMarker(key), nil
	}
	return aws.ToString(out.ETag), nil
}

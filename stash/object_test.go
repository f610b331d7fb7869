package stash

import (
	"context"
	"testing"

	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baldanca/superserial/envelope"
)

func TestObjectStash_PutsImmediately(t *testing.T) {
	ctx := context.Background()
	fake := newFakeS3()

	s, err := NewObject(fake, "bucket", "raw", DefaultObjectConfig, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, s.Stash(ctx, Text("doc.txt", "a")))
	require.NoError(t, s.Stash(ctx, Text("s3://other-bucket/nested/doc2.txt", "b")))

	assert.Equal(t, []string{"raw/doc.txt", "raw/nested/doc2.txt"}, fake.keys())
	got, _ := fake.get("raw/doc.txt")
	assert.Equal(t, "a", string(got))

	require.NoError(t, s.Close(ctx))
	assert.ErrorIs(t, s.Stash(ctx, Text("c", "c")), ErrClosed)
}

func TestObjectStash_ServerSideEncryption(t *testing.T) {
	tests := []struct {
		name    string
		cfg     ObjectConfig
		wantAlg s3types.ServerSideEncryption
		wantKMS string
	}{
		{name: "none", cfg: ObjectConfig{}},
		{name: "plain", cfg: ObjectConfig{ServerSideEncrypt: true}, wantAlg: s3types.ServerSideEncryptionAes256},
		{name: "kms", cfg: ObjectConfig{KMS: true, KMSKeyID: "k1"}, wantAlg: s3types.ServerSideEncryptionAwsKms, wantKMS: "k1"},
		{name: "override", cfg: ObjectConfig{KMS: true, KMSKeyID: "k1", SSE: "AES256", SSEKMSKeyID: "k2"}, wantAlg: s3types.ServerSideEncryptionAes256, wantKMS: "k2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := newFakeS3()
			s, err := NewObject(fake, "bucket", "", tt.cfg, zerolog.Nop())
			require.NoError(t, err)
			require.NoError(t, s.Stash(context.Background(), Text("k", "v")))

			require.Len(t, fake.inputs, 1)
			in := fake.inputs[0]
			assert.Equal(t, tt.wantAlg, in.ServerSideEncryption)
			if tt.wantKMS == "" {
				assert.Nil(t, in.SSEKMSKeyId)
			} else {
				require.NotNil(t, in.SSEKMSKeyId)
				assert.Equal(t, tt.wantKMS, *in.SSEKMSKeyId)
			}
			assert.Equal(t, s3types.ObjectCannedACLPrivate, in.ACL)
		})
	}
}

func TestObjectStash_EncryptStripsExtension(t *testing.T) {
	fake := newFakeS3()
	key, err := envelope.GenerateKey(envelope.CipherFernet)
	require.NoError(t, err)

	cfg := ObjectConfig{Envelope: envelope.Config{Encrypt: true, Key: key, StripExt: true}}
	s, err := NewObject(fake, "bucket", "text", cfg, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, s.Stash(context.Background(), Text("dir/doc.txt", "body")))

	sealed, ok := fake.get("text/dir/doc")
	require.True(t, ok)

	f, err := envelope.NewFernet(key)
	require.NoError(t, err)
	plain, err := f.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "body", string(plain))
}

func TestObjectStash_WriteFailure(t *testing.T) {
	fake := newFakeS3()
	fake.failKey = "bad"
	s, err := NewObject(fake, "bucket", "", DefaultObjectConfig, zerolog.Nop())
	require.NoError(t, err)
	assert.ErrorIs(t, s.Stash(context.Background(), Text("bad", "v")), ErrWrite)
}

func TestNewObject_Validation(t *testing.T) {
	_, err := NewObject(newFakeS3(), "", "", DefaultObjectConfig, zerolog.Nop())
	assert.Error(t, err)

	_, err = NewObject(newFakeS3(), "b", "", ObjectConfig{KMS: true}, zerolog.Nop())
	assert.Error(t, err)

	assert.Panics(t, func() {
		_, _ = NewObject(nil, "b", "", DefaultObjectConfig, zerolog.Nop())
	})
}

func TestJoinPrefix(t *testing.T) {
	assert.Equal(t, "", joinPrefix("", ""))
	assert.Equal(t, "a", joinPrefix("a/", ""))
	assert.Equal(t, "b", joinPrefix("", "/b"))
	assert.Equal(t, "a/b", joinPrefix("a/", "/b/"))
}

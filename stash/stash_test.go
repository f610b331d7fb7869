package stash

import (
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

type fakeS3 struct {
	mu         sync.Mutex
	objects    map[string][]byte
	inputs     []s3.PutObjectInput
	etag       string
	failKey    string
	failPrefix string
	delay      time.Duration
	// block holds every put until it is closed.
	block chan struct{}

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string][]byte{}}
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		m := f.maxInFlight.Load()
		if n <= m || f.maxInFlight.CompareAndSwap(m, n) {
			break
		}
	}
	if f.block != nil {
		<-f.block
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	key := aws.ToString(in.Key)
	if f.failKey != "" && key == f.failKey || f.failPrefix != "" && strings.HasPrefix(key, f.failPrefix) {
		return nil, errors.New("put refused")
	}
	b, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = b
	f.inputs = append(f.inputs, *in)
	if f.etag == "" {
		return &s3.PutObjectOutput{}, nil
	}
	return &s3.PutObjectOutput{ETag: aws.String(f.etag)}, nil
}

func (f *fakeS3) keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.objects))
	for k := range f.objects {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (f *fakeS3) get(key string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.objects[key]
	return b, ok
}

func newRow(fields map[string]any) Row {
	r := Row{IDColumn: uuid.NewString()}
	for k, v := range fields {
		r[k] = v
	}
	return r
}

package ingestor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baldanca/superserial/router"
	"github.com/baldanca/superserial/source"
	"github.com/baldanca/superserial/stash"
)

// ---- fakes ----

type tRouter struct {
	mu     sync.Mutex
	routed []string
	failAt string
}

func (r *tRouter) Route(ctx context.Context, rec stash.Record) error {
	p := rec["text"].(stash.Blob).Pointer
	if p == r.failAt {
		return stash.ErrWrite
	}
	r.mu.Lock()
	r.routed = append(r.routed, p)
	r.mu.Unlock()
	return nil
}

type tStash struct {
	mu     *sync.Mutex
	got    *[]string
	closed *int
}

func (s tStash) Stash(ctx context.Context, d stash.Datum) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	*s.got = append(*s.got, d.(stash.Blob).Pointer)
	return nil
}

func (s tStash) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	*s.closed++
	return nil
}

// tAckSeq wraps a sequence and counts acknowledgements.
type tAckSeq struct {
	source.Sequence
	delivered int
	acked     int
	ackCalls  int
	nacked    int
}

func (s *tAckSeq) Next(ctx context.Context) (stash.Record, error) {
	r, err := s.Sequence.Next(ctx)
	if err == nil {
		s.delivered++
	}
	return r, err
}

func (s *tAckSeq) Ack(ctx context.Context) error {
	s.ackCalls++
	s.acked = s.delivered
	return nil
}

func (s *tAckSeq) Nack(ctx context.Context) error {
	s.nacked = s.delivered - s.acked
	return nil
}

func records(names ...string) *source.SliceSequence {
	recs := make([]stash.Record, len(names))
	for i, n := range names {
		recs[i] = stash.Record{"id": stash.Row{"id": n}, "text": stash.Text(n, n)}
	}
	return source.Slice(recs...)
}

func newTestIngestor(t *testing.T, r Router, logs io.Writer) *Ingestor {
	t.Helper()
	logger := zerolog.Nop()
	if logs != nil {
		logger = zerolog.New(logs)
	}
	ing, err := New(r, DefaultConfig, logger)
	require.NoError(t, err)
	return ing
}

// ---- tests ----

func TestConsume_InterleaveOrder(t *testing.T) {
	r := &tRouter{}
	ing := newTestIngestor(t, r, nil)

	n, err := ing.Consume(context.Background(), true, records("a", "b", "c"), records("x", "y"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, []string{"a", "x", "b", "y", "c"}, r.routed)
}

func TestConsume_ConcatOrder(t *testing.T) {
	r := &tRouter{}
	ing := newTestIngestor(t, r, nil)

	n, err := ing.Consume(context.Background(), false, records("a", "b", "c"), records("x", "y"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, []string{"a", "b", "c", "x", "y"}, r.routed)
}

func TestConsume_EmptyLogsZero(t *testing.T) {
	var logs bytes.Buffer
	r := &tRouter{}
	ing := newTestIngestor(t, r, &logs)

	n, err := ing.Consume(context.Background(), false, records())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Empty(t, r.routed)
	assert.Contains(t, logs.String(), `"records":0`)

	n, err = ing.Consume(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestConsume_ProgressEvery100(t *testing.T) {
	var logs bytes.Buffer
	names := make([]string, 250)
	for i := range names {
		names[i] = fmt.Sprintf("d%03d", i)
	}
	ing := newTestIngestor(t, &tRouter{}, &logs)

	n, err := ing.Consume(context.Background(), false, records(names...))
	require.NoError(t, err)
	assert.Equal(t, 250, n)

	out := logs.String()
	assert.Equal(t, 3, strings.Count(out, `"message":"progress"`))
	assert.Contains(t, out, `"records":200,"message":"progress"`)
	assert.Contains(t, out, `"records":250,"message":"consumed"`)
}

func TestConsume_RouteErrorAborts(t *testing.T) {
	r := &tRouter{failAt: "b"}
	ing := newTestIngestor(t, r, nil)

	n, err := ing.Consume(context.Background(), false, records("a", "b", "c"))
	assert.ErrorIs(t, err, stash.ErrWrite)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"a"}, r.routed)
}

func TestConsume_AcksAfterRouting(t *testing.T) {
	names := make([]string, 25)
	for i := range names {
		names[i] = fmt.Sprintf("d%d", i)
	}
	seq := &tAckSeq{Sequence: records(names...)}
	ing := newTestIngestor(t, &tRouter{}, nil)

	_, err := ing.Consume(context.Background(), false, seq)
	require.NoError(t, err)
	assert.Equal(t, 25, seq.acked)
	assert.Equal(t, 3, seq.ackCalls)
	assert.Equal(t, 0, seq.nacked)
}

func TestConsume_NacksOnFailure(t *testing.T) {
	names := make([]string, 15)
	for i := range names {
		names[i] = fmt.Sprintf("d%d", i)
	}
	seq := &tAckSeq{Sequence: records(names...)}
	ing := newTestIngestor(t, &tRouter{failAt: "d12"}, nil)

	_, err := ing.Consume(context.Background(), false, seq)
	require.Error(t, err)
	assert.Equal(t, 10, seq.acked)
	assert.Equal(t, 3, seq.nacked)
}

func TestConsume_WithRealRouter(t *testing.T) {
	var mu sync.Mutex
	var got []string
	closed := 0
	r, err := router.New(map[string]stash.Stasher{
		"text": tStash{mu: &mu, got: &got, closed: &closed},
	}, zerolog.Nop())
	require.NoError(t, err)

	ing := newTestIngestor(t, r, nil)
	err = router.Use(context.Background(), r, func(r *router.Router) error {
		_, err := ing.Consume(context.Background(), true, records("a", "b"), records("x"))
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "x", "b"}, got)
	assert.Equal(t, 1, closed)
}

func TestConsumeParallel_RoutesEveryRecordOnce(t *testing.T) {
	var mu sync.Mutex
	var got []string
	closed := 0
	factory := func() (*router.Router, error) {
		return router.New(map[string]stash.Stasher{
			"text": tStash{mu: &mu, got: &got, closed: &closed},
		}, zerolog.Nop())
	}

	names := make([]string, 300)
	for i := range names {
		names[i] = fmt.Sprintf("d%03d", i)
	}
	seq := &tAckSeq{Sequence: records(names[:200]...)}

	n, err := ConsumeParallel(context.Background(), DefaultConfig, 4, true, factory, zerolog.Nop(), seq, records(names[200:]...))
	require.NoError(t, err)
	assert.Equal(t, 300, n)
	assert.Equal(t, 4, closed)
	assert.Equal(t, 200, seq.acked)

	sort.Strings(got)
	assert.Equal(t, names, got)
}

func TestConsumeParallel_FailureClosesAllRouters(t *testing.T) {
	var mu sync.Mutex
	closed := 0
	fails := 0
	factory := func() (*router.Router, error) {
		mu.Lock()
		defer mu.Unlock()
		fails++
		var be stash.Stasher = failingStash{closed: &closed, mu: &mu}
		return router.New(map[string]stash.Stasher{"text": be}, zerolog.Nop())
	}

	_, err := ConsumeParallel(context.Background(), DefaultConfig, 3, false, factory, zerolog.Nop(), records("a", "b", "c", "d"))
	assert.ErrorIs(t, err, stash.ErrWrite)
	assert.Equal(t, fails, closed)
}

func TestConsumeParallel_FactoryError(t *testing.T) {
	boom := errors.New("boom")
	_, err := ConsumeParallel(context.Background(), DefaultConfig, 2, false,
		func() (*router.Router, error) { return nil, boom }, zerolog.Nop(), records("a"))
	assert.ErrorIs(t, err, boom)
}

func TestConsumeParallel_Empty(t *testing.T) {
	factory := func() (*router.Router, error) {
		return router.New(map[string]stash.Stasher{"text": failingStash{closed: new(int), mu: &sync.Mutex{}}}, zerolog.Nop())
	}
	n, err := ConsumeParallel(context.Background(), DefaultConfig, 2, false, factory, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

type failingStash struct {
	mu     *sync.Mutex
	closed *int
}

func (failingStash) Stash(ctx context.Context, d stash.Datum) error { return stash.ErrWrite }
func (s failingStash) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	*s.closed++
	return nil
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, DefaultConfig, zerolog.Nop())
	assert.Error(t, err)

	cfg := DefaultConfig
	cfg.ProgressEvery = 0
	_, err = New(&tRouter{}, cfg, zerolog.Nop())
	assert.Error(t, err)
}

// tBufStash holds blobs until size of them are stashed. Close writes the rest
// only with flushOnClose, and fails with closeErr when set.
type tBufStash struct {
	size         int
	flushOnClose bool
	closeErr     error

	buf     []string
	written []string
	dropped int
}

func (s *tBufStash) Stash(ctx context.Context, d stash.Datum) error {
	s.buf = append(s.buf, d.(stash.Blob).Pointer)
	if len(s.buf) == s.size {
		s.written = append(s.written, s.buf...)
		s.buf = nil
	}
	return nil
}

func (s *tBufStash) Close(ctx context.Context) error {
	if s.closeErr != nil {
		return s.closeErr
	}
	if s.flushOnClose {
		s.written = append(s.written, s.buf...)
	} else {
		s.dropped = len(s.buf)
	}
	s.buf = nil
	return nil
}

func (s *tBufStash) Buffered() int { return len(s.buf) + s.dropped }

func bufRouter(t *testing.T, be *tBufStash) *router.Router {
	t.Helper()
	r, err := router.New(map[string]stash.Stasher{"text": be}, zerolog.Nop())
	require.NoError(t, err)
	return r
}

func ackEveryRecord() Config {
	cfg := DefaultConfig
	cfg.AckEvery = 1
	return cfg
}

func TestConsume_AcksOnlyAtFlushPoints(t *testing.T) {
	be := &tBufStash{size: 3}
	r := bufRouter(t, be)
	seq := &tAckSeq{Sequence: records("a", "b", "c", "d", "e", "f", "g")}
	ing, err := New(r, ackEveryRecord(), zerolog.Nop())
	require.NoError(t, err)

	n, err := ing.Consume(context.Background(), false, seq)
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	assert.Equal(t, 6, seq.acked)
	assert.Len(t, be.written, 6)
	assert.Equal(t, 2, seq.ackCalls)
}

func TestRun_DiscardOnCloseHandsRecordsBack(t *testing.T) {
	be := &tBufStash{size: 3}
	seq := &tAckSeq{Sequence: records("a", "b", "c", "d", "e", "f", "g")}

	n, err := Run(context.Background(), bufRouter(t, be), ackEveryRecord(), false, zerolog.Nop(), seq)
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	assert.Len(t, be.written, 6)
	assert.Equal(t, 1, be.dropped)
	assert.Equal(t, 6, seq.acked)
	assert.Equal(t, 1, seq.nacked)
	assert.LessOrEqual(t, seq.acked, len(be.written))
}

func TestRun_AcksAfterFlushOnClose(t *testing.T) {
	be := &tBufStash{size: 3, flushOnClose: true}
	seq := &tAckSeq{Sequence: records("a", "b", "c", "d", "e", "f", "g")}

	_, err := Run(context.Background(), bufRouter(t, be), DefaultConfig, false, zerolog.Nop(), seq)
	require.NoError(t, err)
	assert.Len(t, be.written, 7)
	assert.Equal(t, 7, seq.acked)
	assert.Equal(t, 0, seq.nacked)
}

func TestRun_CloseFailureNacks(t *testing.T) {
	be := &tBufStash{size: 4, closeErr: stash.ErrWrite}
	seq := &tAckSeq{Sequence: records("a", "b", "c", "d", "e", "f")}

	_, err := Run(context.Background(), bufRouter(t, be), ackEveryRecord(), false, zerolog.Nop(), seq)
	assert.ErrorIs(t, err, router.ErrClose)
	assert.Equal(t, 4, seq.acked)
	assert.Equal(t, 2, seq.nacked)
}

func TestRun_NilRouter(t *testing.T) {
	_, err := Run(context.Background(), nil, DefaultConfig, false, zerolog.Nop(), records("a"))
	assert.Error(t, err)
}

func TestConsumeParallel_DiscardOnCloseHandsRecordsBack(t *testing.T) {
	var mu sync.Mutex
	var stashes []*tBufStash
	factory := func() (*router.Router, error) {
		mu.Lock()
		defer mu.Unlock()
		be := &tBufStash{size: 100}
		stashes = append(stashes, be)
		return router.New(map[string]stash.Stasher{"text": be}, zerolog.Nop())
	}
	seq := &tAckSeq{Sequence: records("a", "b", "c", "d", "e")}

	n, err := ConsumeParallel(context.Background(), DefaultConfig, 2, false, factory, zerolog.Nop(), seq)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, 0, seq.acked)
	assert.Equal(t, 5, seq.nacked)

	dropped := 0
	for _, s := range stashes {
		dropped += s.dropped
	}
	assert.Equal(t, 5, dropped)
}

// tEndless is a sequence that reports it may never end.
type tEndless struct {
	source.Sequence
}

func (tEndless) Unbounded() bool { return true }

func TestConsumeParallel_RejectsUnboundedSequence(t *testing.T) {
	opened := 0
	factory := func() (*router.Router, error) {
		opened++
		return router.New(map[string]stash.Stasher{"text": &tBufStash{size: 1}}, zerolog.Nop())
	}

	_, err := ConsumeParallel(context.Background(), DefaultConfig, 2, false, factory, zerolog.Nop(),
		records("a"), tEndless{Sequence: records("b")})
	assert.ErrorIs(t, err, ErrUnbounded)
	assert.Equal(t, 0, opened)
}

// tAsyncStash hands a full buffer to a background write that Sync completes.
type tAsyncStash struct {
	size int

	buf      []string
	inflight []string
	written  []string
	syncs    int
}

func (s *tAsyncStash) Stash(ctx context.Context, d stash.Datum) error {
	s.buf = append(s.buf, d.(stash.Blob).Pointer)
	if len(s.buf) == s.size {
		s.inflight = append(s.inflight, s.buf...)
		s.buf = nil
	}
	return nil
}

func (s *tAsyncStash) Close(ctx context.Context) error {
	s.written = append(append(s.written, s.inflight...), s.buf...)
	s.inflight, s.buf = nil, nil
	return nil
}

func (s *tAsyncStash) Buffered() int { return len(s.buf) + len(s.inflight) }
func (s *tAsyncStash) InFlight() int { return len(s.inflight) }

func (s *tAsyncStash) Sync(ctx context.Context) error {
	s.syncs++
	s.written = append(s.written, s.inflight...)
	s.inflight = nil
	return nil
}

func TestConsume_WaitsForBackgroundWritesBeforeAck(t *testing.T) {
	be := &tAsyncStash{size: 3}
	r, err := router.New(map[string]stash.Stasher{"text": be}, zerolog.Nop())
	require.NoError(t, err)
	seq := &tAckSeq{Sequence: records("a", "b", "c", "d", "e", "f", "g")}
	ing, err := New(r, ackEveryRecord(), zerolog.Nop())
	require.NoError(t, err)

	_, err = ing.Consume(context.Background(), false, seq)
	require.NoError(t, err)
	assert.Equal(t, 2, be.syncs)
	assert.Len(t, be.written, 6)
	assert.Equal(t, 6, seq.acked)
}

// tS3 stores puts and counts them.
type tS3 struct {
	puts atomic.Int64
}

func (c *tS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	c.puts.Add(1)
	return &s3.PutObjectOutput{ETag: aws.String(`"etag"`)}, nil
}

func TestRun_PoolNeverAcksUnwrittenRecords(t *testing.T) {
	for _, flushOnClose := range []bool{false, true} {
		t.Run(fmt.Sprintf("flush_on_close=%v", flushOnClose), func(t *testing.T) {
			cfg := stash.DefaultPoolConfig
			cfg.BatchSize = 3
			cfg.VCores = 2
			cfg.Threads = 1
			cfg.FlushOnClose = flushOnClose
			client := &tS3{}
			pool, err := stash.NewPool(client, "bucket", "raw", cfg, zerolog.Nop())
			require.NoError(t, err)
			r, err := router.New(map[string]stash.Stasher{"text": pool}, zerolog.Nop())
			require.NoError(t, err)

			names := make([]string, 7)
			for i := range names {
				names[i] = fmt.Sprintf("d%d", i)
			}
			seq := &tAckSeq{Sequence: records(names...)}

			_, err = Run(context.Background(), r, ackEveryRecord(), false, zerolog.Nop(), seq)
			require.NoError(t, err)

			written := int(client.puts.Load())
			assert.LessOrEqual(t, seq.acked, written)
			assert.Equal(t, 7, seq.acked+seq.nacked)
			if flushOnClose {
				assert.Equal(t, 7, written)
				assert.Equal(t, 7, seq.acked)
			} else {
				assert.Equal(t, 6, written)
				assert.Equal(t, 6, seq.acked)
				assert.Equal(t, 1, seq.nacked)
			}
		})
	}
}

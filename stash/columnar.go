package stash

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/baldanca/superserial/batcher"
	"github.com/baldanca/superserial/encoder"
	"github.com/baldanca/superserial/envelope"
	"github.com/baldanca/superserial/metrics"
	"github.com/baldanca/superserial/sink"
)

const backendColumnar = "columnar"

// ColumnarStash buffers rows like TableStash and writes each flush as one
// encoded object (parquet or ndjson) named <table>/part-<run>-<seq><ext>.
type ColumnarStash struct {
	enc     encoder.RowEncoder
	out     sink.Putter
	env     envelope.Envelope
	cfg     TableConfig
	buf     *batcher.Buffer[Row]
	run     string
	seq     int
	logger  zerolog.Logger
	metrics metrics.Recorder
	closed  bool
}

func NewColumnar(enc encoder.RowEncoder, out sink.Putter, cfg TableConfig, logger zerolog.Logger, opts ...Option) (*ColumnarStash, error) {
	if enc == nil {
		panic("encoder is nil")
	}
	if out == nil {
		panic("sink is nil")
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid table config: %w", err)
	}
	env, err := envelope.New(cfg.Object.Envelope)
	if err != nil {
		return nil, err
	}
	buf, err := batcher.NewBuffer[Row](cfg.ChunkSize)
	if err != nil {
		return nil, err
	}
	o := collect(opts)
	run := uuid.NewString()
	return &ColumnarStash{
		enc:     enc,
		out:     out,
		env:     env,
		cfg:     cfg,
		buf:     buf,
		run:     run,
		logger:  logger.With().Str("component", "ColumnarStash").Str("table", cfg.Table).Str("run", run).Logger(),
		metrics: o.metrics,
	}, nil
}

func (s *ColumnarStash) Stash(ctx context.Context, d Datum) error {
	if s.closed {
		return ErrClosed
	}
	r, err := asRow(d)
	if err != nil {
		return err
	}
	if s.buf.Add(r) {
		return s.flush(ctx)
	}
	return nil
}

// Close writes the remaining rows as a final object.
func (s *ColumnarStash) Close(ctx context.Context) error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.flush(ctx)
}

// Buffered reports rows waiting for the next flush.
func (s *ColumnarStash) Buffered() int { return s.buf.Len() }

// Objects reports how many objects were written.
func (s *ColumnarStash) Objects() int { return s.seq }

func (s *ColumnarStash) nextKey() string {
	s.seq++
	return fmt.Sprintf("%s/part-%s-%05d%s", s.cfg.Table, s.run, s.seq, s.enc.FileExtension())
}

func (s *ColumnarStash) flush(ctx context.Context) error {
	rows := s.buf.Flush()
	if len(rows) == 0 {
		return nil
	}
	start := time.Now()

	in := make([]encoder.Row, len(rows))
	for i, r := range rows {
		in[i] = encoder.Row(r)
	}
	data, err := s.enc.Encode(ctx, in)
	if err != nil {
		return fmt.Errorf("encode %d rows: %w", len(rows), err)
	}
	data, err = s.env.Seal(data)
	if err != nil {
		return fmt.Errorf("seal %d rows: %w", len(rows), err)
	}

	key := s.nextKey()
	res, err := s.out.Put(ctx, sink.WriteRequest{Key: key, Data: data, ContentType: s.enc.ContentType()})
	metrics.ObserveWrite(s.metrics, backendColumnar, len(data), err)
	metrics.ObserveFlush(s.metrics, backendColumnar, len(rows), time.Since(start), err)
	if err != nil {
		return writeErr(err)
	}
	s.logger.Debug().Str("key", key).Int("rows", len(rows)).Str("result", res).Msg("flushed")
	return nil
}

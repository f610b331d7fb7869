package stash

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/baldanca/superserial/batcher"
	"github.com/baldanca/superserial/envelope"
	"github.com/baldanca/superserial/location"
	"github.com/baldanca/superserial/metrics"
	"github.com/baldanca/superserial/sink"
)

const backendPool = "pool"

// Pool is an object-store backend with two-tier buffering. Sealed units
// collect in batch groups of BatchSize; once VCores groups are queued they
// are all written, up to VCores groups at a time and Threads puts per group.
//
// Stash returns as soon as the unit is buffered. Filling the outer buffer
// starts a dispatch in the background; a unit is not durable when Stash
// returns. One dispatch runs at a time: the next full outer buffer waits for
// the previous one, and a dispatch failure is returned by the following
// Stash, Flush or Close.
type Pool struct {
	sink    *sink.S3Sink
	env     envelope.Envelope
	cfg     PoolConfig
	buf     *batcher.TwoTier[sink.WriteRequest]
	logger  zerolog.Logger
	metrics metrics.Recorder
	closed  bool
	dropped int
	running *poolDispatch

	written    atomic.Int64
	dispatches int
}

// poolDispatch is one background write of every queued batch group.
type poolDispatch struct {
	done  chan struct{}
	units int
	err   error
}

func NewPool(client S3API, bucket, prefix string, cfg PoolConfig, logger zerolog.Logger, opts ...Option) (*Pool, error) {
	if client == nil {
		panic("s3 client is nil")
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid pool config: %w", err)
	}
	if bucket == "" {
		return nil, fmt.Errorf("%w: empty bucket", location.ErrMalformedLocation)
	}
	env, err := envelope.New(cfg.Envelope)
	if err != nil {
		return nil, err
	}
	buf, err := batcher.NewTwoTier[sink.WriteRequest](batcher.TwoTierConfig{
		InnerSize: cfg.BatchSize,
		OuterSize: cfg.VCores,
	})
	if err != nil {
		return nil, err
	}
	o := collect(opts)
	return &Pool{
		sink:    sink.NewS3(client, bucket, joinPrefix(prefix, cfg.Prefix), cfg.sse()),
		env:     env,
		cfg:     cfg,
		buf:     buf,
		logger:  logger.With().Str("component", "Pool").Str("bucket", bucket).Logger(),
		metrics: o.metrics,
	}, nil
}

func (p *Pool) Stash(ctx context.Context, d Datum) error {
	if p.closed {
		return ErrClosed
	}
	if err := p.reap(); err != nil {
		return err
	}
	req, err := sealBlob(d, p.env, p.cfg.Envelope)
	if err != nil {
		return err
	}
	if groups := p.buf.Add(req); groups != nil {
		err := p.wait()
		p.start(ctx, groups)
		return err
	}
	return nil
}

// Flush writes every buffered unit, including a partial inner buffer, and
// waits for the writes to finish.
func (p *Pool) Flush(ctx context.Context) error {
	err := p.wait()
	if groups := p.buf.Drain(); len(groups) > 0 {
		p.start(ctx, groups)
		err = errors.Join(err, p.wait())
	}
	return err
}

// Close waits for a running dispatch. It flushes partial buffers only when
// FlushOnClose is set; otherwise the pending units are discarded and their
// count is logged.
func (p *Pool) Close(ctx context.Context) error {
	if p.closed {
		return nil
	}
	p.closed = true

	if p.cfg.FlushOnClose {
		return p.Flush(ctx)
	}
	err := p.wait()
	if n := p.buf.PendingUnits(); n > 0 {
		p.logger.Warn().Int("dropped", n).Msg("closing with unflushed units")
		p.buf.Drain()
		p.dropped = n
	}
	return err
}

// start writes groups in the background. Callers wait for the previous
// dispatch first. The write is not cancelled with ctx.
func (p *Pool) start(ctx context.Context, groups [][]sink.WriteRequest) {
	d := &poolDispatch{done: make(chan struct{})}
	for _, g := range groups {
		d.units += len(g)
	}
	p.dispatches++
	p.running = d

	ctx = context.WithoutCancel(ctx)
	go func() {
		defer close(d.done)
		d.err = p.dispatch(ctx, groups)
	}()
}

// wait blocks until the running dispatch finishes and returns its error.
func (p *Pool) wait() error {
	d := p.running
	if d == nil {
		return nil
	}
	<-d.done
	p.running = nil
	return d.err
}

// InFlight reports the units of a dispatch still running.
func (p *Pool) InFlight() int {
	if d := p.running; d != nil {
		select {
		case <-d.done:
		default:
			return d.units
		}
	}
	return 0
}

// Sync waits for the running dispatch and returns its error.
func (p *Pool) Sync(ctx context.Context) error {
	if d := p.running; d != nil {
		select {
		case <-d.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return p.wait()
}

// reap collects a finished dispatch without blocking.
func (p *Pool) reap() error {
	if p.running == nil {
		return nil
	}
	select {
	case <-p.running.done:
		return p.wait()
	default:
		return nil
	}
}

// Pending reports units still buffered.
func (p *Pool) Pending() int { return p.buf.PendingUnits() }

// Buffered reports units not written yet, in the buffers or in a running
// dispatch, and after Close the units it discarded.
func (p *Pool) Buffered() int {
	n := p.buf.PendingUnits() + p.dropped
	if d := p.running; d != nil {
		select {
		case <-d.done:
			if d.err != nil {
				n += d.units
			}
		default:
			n += d.units
		}
	}
	return n
}

// Written reports units whose put succeeded.
func (p *Pool) Written() int64 { return p.written.Load() }

// Dispatches reports how many times the outer buffer was written out.
func (p *Pool) Dispatches() int { return p.dispatches }

// dispatch writes every group and waits for all of them. Running puts are
// never cancelled by a sibling failure; every failure is reported.
func (p *Pool) dispatch(ctx context.Context, groups [][]sink.WriteRequest) error {
	start := time.Now()
	units := 0
	for _, g := range groups {
		units += len(g)
	}

	var (
		eg   errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	eg.SetLimit(p.cfg.VCores)
	for _, group := range groups {
		group := group
		eg.Go(func() error {
			if err := p.putGroup(ctx, group); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = eg.Wait()
	err := errors.Join(errs...)

	d := time.Since(start)
	metrics.ObserveDispatch(p.metrics, len(groups), units, d)
	metrics.ObserveFlush(p.metrics, backendPool, units, d, err)
	if err != nil {
		p.logger.Error().Err(err).Int("groups", len(groups)).Int("units", units).Msg("dispatch failed")
		return err
	}
	p.logger.Debug().Int("groups", len(groups)).Int("units", units).Dur("took", d).Msg("dispatched")
	return nil
}

func (p *Pool) putGroup(ctx context.Context, group []sink.WriteRequest) error {
	var (
		eg   errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	eg.SetLimit(p.cfg.Threads)
	for _, req := range group {
		req := req
		eg.Go(func() error {
			res, err := p.sink.Put(ctx, req)
			metrics.ObserveWrite(p.metrics, backendPool, len(req.Data), err)
			if err != nil {
				mu.Lock()
				errs = append(errs, writeErr(fmt.Errorf("put %s: %w", req.Key, err)))
				mu.Unlock()
				return nil
			}
			p.written.Add(1)
			p.logger.Trace().Str("key", req.Key).Str("result", res).Msg("put")
			return nil
		})
	}
	_ = eg.Wait()
	return errors.Join(errs...)
}

// Package ingestor drives record sequences through a router.
package ingestor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/baldanca/superserial/router"
	"github.com/baldanca/superserial/source"
	"github.com/baldanca/superserial/stash"
)

// Router routes one record. *router.Router implements it.
type Router interface {
	Route(ctx context.Context, rec stash.Record) error
}

// RouterFactory opens a router owned by one parallel worker.
type RouterFactory func() (*router.Router, error)

type Config struct {
	// ProgressEvery is the record cadence of progress logs.
	ProgressEvery int `mapstructure:"progress_every" validate:"gte=1" yaml:"progress_every"`
	// AckEvery is how many routed records are acknowledged at once.
	AckEvery int `mapstructure:"ack_every" validate:"gte=1" yaml:"ack_every"`
}

var DefaultConfig = Config{
	ProgressEvery: 100,
	AckEvery:      10,
}

func (c Config) validate() error {
	if c.ProgressEvery < 1 {
		return errors.New("ProgressEvery must be at least 1")
	}
	if c.AckEvery < 1 {
		return errors.New("AckEvery must be at least 1")
	}
	return nil
}

// Ingestor routes every record of its input sequences exactly once. It does
// not own the router: callers close it (see router.Use) to flush buffers.
type Ingestor struct {
	router Router
	cfg    Config
	logger zerolog.Logger
}

func New(r Router, cfg Config, logger zerolog.Logger) (*Ingestor, error) {
	if r == nil {
		return nil, fmt.Errorf("router is nil")
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid ingestor config: %w", err)
	}
	return &Ingestor{
		router: r,
		cfg:    cfg,
		logger: logger.With().Str("component", "Ingestor").Logger(),
	}, nil
}

// ErrUnbounded is returned by ConsumeParallel for a sequence that may never
// end, since its records would never be acknowledged.
var ErrUnbounded = errors.New("unbounded sequence")

// Consume routes the records of seqs, round-robin when interleave is set and
// one sequence after another otherwise. The first error aborts the run;
// records routed before it stay written.
//
// Sequences implementing source.Acker are acknowledged every AckEvery
// records, at points where the router holds nothing unwritten once its
// background writes finished. Records the router still buffers when the
// input ends are left unacknowledged; Run acknowledges them after closing
// the router. On failure, sequences implementing source.Nacker hand back
// what was not acknowledged.
func (i *Ingestor) Consume(ctx context.Context, interleave bool, seqs ...source.Sequence) (n int, err error) {
	acks := newAcker(seqs, i.cfg.AckEvery)
	defer func() {
		if err != nil {
			err = errors.Join(err, acks.nack(ctx))
		}
	}()

	if n, err = i.consume(ctx, acks, interleave, seqs); err != nil {
		return n, err
	}
	buffered, err := i.unwritten(ctx)
	if err != nil {
		return n, err
	}
	if buffered > 0 {
		i.logger.Debug().Int("buffered", buffered).Msg("leaving buffered records unacknowledged")
		return n, nil
	}
	return n, acks.flush(ctx)
}

func (i *Ingestor) consume(ctx context.Context, acks *acker, interleave bool, seqs []source.Sequence) (n int, err error) {
	in := merge(interleave, seqs)
	for {
		rec, err := in.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return n, fmt.Errorf("read record %d: %w", n, err)
		}
		if n%i.cfg.ProgressEvery == 0 {
			i.logger.Info().Int("records", n).Msg("progress")
		}
		if err := i.router.Route(ctx, rec); err != nil {
			return n, fmt.Errorf("route record %d: %w", n, err)
		}
		n++
		if err := acks.routed(ctx, i.unwritten); err != nil {
			return n, err
		}
	}
	i.logger.Info().Int("records", n).Msg("consumed")
	return n, nil
}

// unwritten reports what the router still holds. When background writes are
// all that is left it waits for them first.
func (i *Ingestor) unwritten(ctx context.Context) (int, error) {
	b, ok := i.router.(stash.Buffering)
	if !ok {
		return 0, nil
	}
	s, ok := i.router.(stash.Syncer)
	if !ok || s.InFlight() == 0 || b.Buffered() > s.InFlight() {
		return b.Buffered(), nil
	}
	if err := s.Sync(ctx); err != nil {
		return 0, fmt.Errorf("sync: %w", err)
	}
	return b.Buffered(), nil
}

// Run consumes seqs through r and closes r. Records r still buffered when
// the input ended are acknowledged once r closed. When r discarded any of
// them on close, every unacknowledged record is handed back instead.
func Run(ctx context.Context, r *router.Router, cfg Config, interleave bool, logger zerolog.Logger, seqs ...source.Sequence) (n int, err error) {
	if r == nil {
		return 0, fmt.Errorf("router is nil")
	}
	ing, err := New(r, cfg, logger)
	if err != nil {
		return 0, err
	}
	acks := newAcker(seqs, cfg.AckEvery)
	defer func() {
		if err != nil {
			err = errors.Join(err, acks.nack(ctx))
		}
	}()

	err = router.Use(ctx, r, func(r *router.Router) error {
		var cerr error
		n, cerr = ing.consume(ctx, acks, interleave, seqs)
		return cerr
	})
	if err != nil {
		return n, err
	}
	discarded := r.Buffered()
	acked, err := acks.settle(ctx, discarded)
	if !acked {
		ing.logger.Warn().Int("discarded", discarded).Msg("close discarded buffered data, handing records back")
	}
	return n, err
}

// ConsumeParallel routes the records of seqs with workers goroutines. Each
// worker opens its own router with newRouter and closes it when done, so no
// backend handle is shared. Record order across workers is not preserved.
// Acknowledgements happen once every worker router has been closed, so
// every sequence must end; unbounded ones are rejected with ErrUnbounded.
func ConsumeParallel(ctx context.Context, cfg Config, workers int, interleave bool, newRouter RouterFactory, logger zerolog.Logger, seqs ...source.Sequence) (n int, err error) {
	if newRouter == nil {
		return 0, fmt.Errorf("router factory is nil")
	}
	if err := cfg.validate(); err != nil {
		return 0, fmt.Errorf("invalid ingestor config: %w", err)
	}
	for idx, s := range seqs {
		if u, ok := s.(source.Unbounded); ok && u.Unbounded() {
			return 0, fmt.Errorf("%w: sequence %d needs an idle timeout for parallel consumption", ErrUnbounded, idx)
		}
	}
	workers = max(workers, 1)
	logger = logger.With().Str("component", "Ingestor").Int("workers", workers).Logger()

	in := merge(interleave, seqs)
	acks := newAcker(seqs, cfg.AckEvery)
	defer func() {
		if err != nil {
			err = errors.Join(err, acks.nack(ctx))
		}
	}()

	var count, discarded atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	recs := make(chan stash.Record, workers)

	g.Go(func() error {
		defer close(recs)
		for {
			rec, err := in.Next(gctx)
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("read record: %w", err)
			}
			select {
			case recs <- rec:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
	})

	for w := 0; w < workers; w++ {
		w := w
		g.Go(func() error {
			r, err := newRouter()
			if err != nil {
				return fmt.Errorf("worker %d: open router: %w", w, err)
			}
			err = router.Use(gctx, r, func(r *router.Router) error {
				for rec := range recs {
					if err := r.Route(gctx, rec); err != nil {
						return fmt.Errorf("worker %d: %w", w, err)
					}
					if c := count.Add(1); (c-1)%int64(cfg.ProgressEvery) == 0 {
						logger.Info().Int64("records", c-1).Msg("progress")
					}
				}
				return nil
			})
			if err != nil {
				return err
			}
			discarded.Add(int64(r.Buffered()))
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return int(count.Load()), err
	}
	n = int(count.Load())
	if n == 0 {
		logger.Info().Int("records", 0).Msg("progress")
	}
	acked, err := acks.settle(ctx, int(discarded.Load()))
	if err != nil {
		return n, err
	}
	if !acked {
		logger.Warn().Int64("discarded", discarded.Load()).Msg("close discarded buffered data, handing records back")
	}
	logger.Info().Int("records", n).Msg("consumed")
	return n, nil
}

func merge(interleave bool, seqs []source.Sequence) source.Sequence {
	if interleave {
		return source.Interleave(seqs...)
	}
	return source.Concat(seqs...)
}

package sink

import (
	"context"
	"math/rand"
	"time"
)

// RetryPolicy wraps an operation with retries.
type RetryPolicy interface {
	Do(ctx context.Context, fn func(ctx context.Context) error) error
}

type nopRetry struct{}

func (nopRetry) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(ctx)
}

// SimpleRetry retries an operation using exponential backoff.
//
// It retries on any error returned by fn. If you need conditional retries,
// wrap fn and decide which errors to return.
type SimpleRetry struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Jitter    bool
}

func (r SimpleRetry) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	attempts := r.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	base := r.BaseDelay
	if base <= 0 {
		base = 50 * time.Millisecond
	}
	max := r.MaxDelay
	if max <= 0 {
		max = 2 * time.Second
	}
	if max < base {
		max = base
	}

	var last error
	delay := base

	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		if last = fn(ctx); last == nil {
			return nil
		}

		if i == attempts-1 {
			break
		}

		d := delay
		if r.Jitter {
			d = time.Duration(float64(d) * (0.8 + rand.Float64()*0.4))
		}
		if d > max {
			d = max
		}

		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if delay > max {
			delay = max
		}
	}

	return last
}

// WithRetry wraps a sink so every write goes through p. The stash core never
// retries on its own; callers opt in by wrapping the write primitive.
func WithRetry(s Sinkr, p RetryPolicy) Sinkr {
	if p == nil {
		p = nopRetry{}
	}
	if pt, ok := s.(Putter); ok {
		return &retryPutter{retrySink: retrySink{s: s, p: p}, pt: pt}
	}
	return &retrySink{s: s, p: p}
}

type retrySink struct {
	s Sinkr
	p RetryPolicy
}

func (r *retrySink) Write(ctx context.Context, req WriteRequest) error {
	return r.p.Do(ctx, func(ctx context.Context) error {
		return r.s.Write(ctx, req)
	})
}

type retryPutter struct {
	retrySink
	pt Putter
}

func (r *retryPutter) Put(ctx context.Context, req WriteRequest) (string, error) {
	var res string
	err := r.p.Do(ctx, func(ctx context.Context) error {
		var err error
		res, err = r.pt.Put(ctx, req)
		return err
	})
	return res, err
}

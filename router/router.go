// Package router fans the parts of a record out to one backend per part name.
package router

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/baldanca/superserial/metrics"
	"github.com/baldanca/superserial/stash"
)

var (
	// ErrRoutingMismatch is returned for a record key that has no backend.
	ErrRoutingMismatch = errors.New("routing mismatch")
	// ErrClose wraps the aggregated failures of a Close fan-out.
	ErrClose = errors.New("close failed")
)

// DefaultIgnoreKeys are never routed.
var DefaultIgnoreKeys = []string{stash.IDColumn}

// Router implements stash.Stasher over a set of named backends, so routers
// can be nested as backends of other routers.
type Router struct {
	backends map[string]stash.Stasher
	names    []string
	ignore   map[string]struct{}
	logger   zerolog.Logger
	metrics  metrics.Recorder

	closed   bool
	closeErr error
}

type Option func(*Router)

// WithIgnoreKeys replaces the default ignore set.
func WithIgnoreKeys(keys ...string) Option {
	return func(r *Router) {
		r.ignore = make(map[string]struct{}, len(keys))
		for _, k := range keys {
			r.ignore[k] = struct{}{}
		}
	}
}

// WithMetrics counts routed records on m.
func WithMetrics(m metrics.Recorder) Option {
	return func(r *Router) { r.metrics = m }
}

func New(backends map[string]stash.Stasher, logger zerolog.Logger, opts ...Option) (*Router, error) {
	if len(backends) == 0 {
		return nil, errors.New("no backends")
	}
	names := make([]string, 0, len(backends))
	for name, b := range backends {
		if b == nil {
			return nil, fmt.Errorf("backend %q is nil", name)
		}
		names = append(names, name)
	}
	sort.Strings(names)

	r := &Router{
		backends: backends,
		names:    names,
		logger:   logger.With().Str("component", "Router").Logger(),
	}
	WithIgnoreKeys(DefaultIgnoreKeys...)(r)
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r, nil
}

// Names lists the routed part names in close order.
func (r *Router) Names() []string {
	return append([]string(nil), r.names...)
}

// Stash routes a stash.Record. Other datum shapes are rejected.
func (r *Router) Stash(ctx context.Context, d stash.Datum) error {
	rec, ok := d.(stash.Record)
	if !ok {
		return fmt.Errorf("%w: want record, got %T", stash.ErrDatumType, d)
	}
	return r.Route(ctx, rec)
}

// Route sends every non-ignored part of rec to its backend, in sorted key
// order. It stops at the first unmapped key or failing backend; parts routed
// before that point stay written.
func (r *Router) Route(ctx context.Context, rec stash.Record) error {
	if r.closed {
		return stash.ErrClosed
	}
	keys := make([]string, 0, len(rec))
	for k := range rec {
		if _, skip := r.ignore[k]; !skip {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	for _, k := range keys {
		b, ok := r.backends[k]
		if !ok {
			return fmt.Errorf("%w: no backend for %q", ErrRoutingMismatch, k)
		}
		if err := b.Stash(ctx, rec[k]); err != nil {
			return fmt.Errorf("stash %q: %w", k, err)
		}
	}
	metrics.ObserveRecord(r.metrics)
	return nil
}

// Buffered sums the unwritten data of every buffering backend, nested
// routers included.
func (r *Router) Buffered() int {
	n := 0
	for _, name := range r.names {
		n += stash.Buffered(r.backends[name])
	}
	return n
}

// InFlight sums the running background writes of every backend.
func (r *Router) InFlight() int {
	n := 0
	for _, name := range r.names {
		if s, ok := r.backends[name].(stash.Syncer); ok {
			n += s.InFlight()
		}
	}
	return n
}

// Sync waits for the background writes of every backend that has them.
func (r *Router) Sync(ctx context.Context) error {
	var errs []error
	for _, name := range r.names {
		if s, ok := r.backends[name].(stash.Syncer); ok {
			if err := s.Sync(ctx); err != nil {
				errs = append(errs, fmt.Errorf("sync %q: %w", name, err))
			}
		}
	}
	return errors.Join(errs...)
}

// Close closes every backend even when some fail, and reports all failures
// wrapped in ErrClose. Later calls return the first result.
func (r *Router) Close(ctx context.Context) error {
	if r.closed {
		return r.closeErr
	}
	r.closed = true

	var errs []error
	for _, name := range r.names {
		if err := r.backends[name].Close(ctx); err != nil {
			r.logger.Error().Err(err).Str("backend", name).Msg("close failed")
			errs = append(errs, fmt.Errorf("close %q: %w", name, err))
			continue
		}
		r.logger.Debug().Str("backend", name).Msg("closed")
	}
	if len(errs) > 0 {
		r.closeErr = fmt.Errorf("%w: %w", ErrClose, errors.Join(errs...))
	}
	return r.closeErr
}

// Use runs fn with r and closes r on every exit path. A close failure is
// joined with the error fn returned.
func Use(ctx context.Context, r *Router, fn func(*Router) error) (err error) {
	defer func() {
		if cerr := r.Close(ctx); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()
	return fn(r)
}

package ingestor

import (
	"context"
	"errors"
	"fmt"

	"github.com/baldanca/superserial/source"
)

// acker acknowledges routed records of every input sequence that supports it.
// Records are only acknowledged at points where the router holds nothing
// unwritten, so an acknowledged record is durable.
type acker struct {
	ackers  []source.Acker
	nackers []source.Nacker
	every   int
	pending int
}

func newAcker(seqs []source.Sequence, every int) *acker {
	a := &acker{every: every}
	for _, s := range seqs {
		if x, ok := s.(source.Acker); ok {
			a.ackers = append(a.ackers, x)
		}
		if x, ok := s.(source.Nacker); ok {
			a.nackers = append(a.nackers, x)
		}
	}
	return a
}

// routed counts one routed record. Once every records are pending it asks
// unwritten what the router still holds and acknowledges when that is nothing.
func (a *acker) routed(ctx context.Context, unwritten func(context.Context) (int, error)) error {
	if len(a.ackers) == 0 {
		return nil
	}
	a.pending++
	if a.pending < a.every {
		return nil
	}
	n, err := unwritten(ctx)
	if err != nil || n > 0 {
		return err
	}
	return a.flush(ctx)
}

// settle acknowledges the remaining records when nothing is left unwritten.
// Otherwise it hands them back and reports false.
func (a *acker) settle(ctx context.Context, buffered int) (bool, error) {
	if buffered > 0 {
		return false, a.nack(ctx)
	}
	return true, a.flush(ctx)
}

func (a *acker) flush(ctx context.Context) error {
	a.pending = 0
	for _, x := range a.ackers {
		if err := x.Ack(ctx); err != nil {
			return fmt.Errorf("ack: %w", err)
		}
	}
	return nil
}

func (a *acker) nack(ctx context.Context) error {
	var errs []error
	for _, x := range a.nackers {
		if err := x.Nack(ctx); err != nil {
			errs = append(errs, fmt.Errorf("nack: %w", err))
		}
	}
	return errors.Join(errs...)
}

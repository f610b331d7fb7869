package source

import (
	"context"
	"errors"
	"io"

	"github.com/baldanca/superserial/stash"
)

// Interleave takes one record from each sequence in turn. Exhausted
// sequences drop out; the others keep their turns.
func Interleave(seqs ...Sequence) Sequence {
	return &interleaved{seqs: append([]Sequence(nil), seqs...)}
}

type interleaved struct {
	seqs []Sequence
	i    int
}

func (s *interleaved) Next(ctx context.Context) (stash.Record, error) {
	for len(s.seqs) > 0 {
		idx := s.i % len(s.seqs)
		r, err := s.seqs[idx].Next(ctx)
		if errors.Is(err, io.EOF) {
			s.seqs = append(s.seqs[:idx], s.seqs[idx+1:]...)
			s.i = idx
			continue
		}
		if err != nil {
			return nil, err
		}
		s.i = idx + 1
		return r, nil
	}
	return nil, io.EOF
}

// Concat drains each sequence before moving to the next.
func Concat(seqs ...Sequence) Sequence {
	return &concatenated{seqs: seqs}
}

type concatenated struct {
	seqs []Sequence
	i    int
}

func (s *concatenated) Next(ctx context.Context) (stash.Record, error) {
	for s.i < len(s.seqs) {
		r, err := s.seqs[s.i].Next(ctx)
		if errors.Is(err, io.EOF) {
			s.i++
			continue
		}
		return r, err
	}
	return nil, io.EOF
}

// Package batcher holds the pure buffering state machines used by the stash
// backends. Nothing here performs I/O or spawns goroutines; callers decide what
// to do with the batches these types hand back.
package batcher

import "errors"

// Buffer is an ordered, size-bounded write buffer.
type Buffer[T any] struct {
	max   int
	items []T
}

func NewBuffer[T any](max int) (*Buffer[T], error) {
	if max < 1 {
		return nil, errors.New("buffer size must be at least 1")
	}
	return &Buffer[T]{max: max, items: make([]T, 0, max)}, nil
}

// Add appends item and reports whether the buffer reached its bound.
func (b *Buffer[T]) Add(item T) (full bool) {
	b.items = append(b.items, item)
	return len(b.items) >= b.max
}

// Flush hands back the buffered items and replaces the buffer with an empty one.
func (b *Buffer[T]) Flush() []T {
	out := b.items
	b.items = make([]T, 0, b.max)
	return out
}

func (b *Buffer[T]) Len() int { return len(b.items) }
func (b *Buffer[T]) Cap() int { return b.max }

// TwoTierConfig bounds the two buffer tiers.
type TwoTierConfig struct {
	// InnerSize is the number of units sealed into one batch group.
	InnerSize int
	// OuterSize is the number of sealed groups that triggers a dispatch.
	OuterSize int
}

func (c TwoTierConfig) validate() error {
	if c.InnerSize < 1 {
		return errors.New("InnerSize must be at least 1")
	}
	if c.OuterSize < 1 {
		return errors.New("OuterSize must be at least 1")
	}
	return nil
}

// TwoTier accumulates units into an inner buffer; a full inner buffer is sealed
// into a batch group on the outer buffer, and a full outer buffer is handed back
// for dispatch.
//
//	Add -> maybe seal -> maybe dispatch
type TwoTier[T any] struct {
	cfg   TwoTierConfig
	inner []T
	outer [][]T
}

func NewTwoTier[T any](cfg TwoTierConfig) (*TwoTier[T], error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &TwoTier[T]{
		cfg:   cfg,
		inner: make([]T, 0, cfg.InnerSize),
		outer: make([][]T, 0, cfg.OuterSize),
	}, nil
}

// Add appends item. When the append fills the outer buffer, the sealed groups
// are returned and the outer buffer is cleared; otherwise dispatch is nil.
func (t *TwoTier[T]) Add(item T) (dispatch [][]T) {
	t.inner = append(t.inner, item)
	if len(t.inner) < t.cfg.InnerSize {
		return nil
	}
	t.seal()
	if len(t.outer) < t.cfg.OuterSize {
		return nil
	}
	dispatch = t.outer
	t.outer = make([][]T, 0, t.cfg.OuterSize)
	return dispatch
}

// Drain seals any partial inner buffer and returns every pending group.
func (t *TwoTier[T]) Drain() [][]T {
	if len(t.inner) > 0 {
		t.seal()
	}
	out := t.outer
	t.outer = make([][]T, 0, t.cfg.OuterSize)
	if len(out) == 0 {
		return nil
	}
	return out
}

// Pending reports the units in the inner buffer and the sealed groups waiting
// in the outer buffer.
func (t *TwoTier[T]) Pending() (inner, groups int) {
	return len(t.inner), len(t.outer)
}

// PendingUnits counts every buffered unit across both tiers.
func (t *TwoTier[T]) PendingUnits() int {
	n := len(t.inner)
	for _, g := range t.outer {
		n += len(g)
	}
	return n
}

func (t *TwoTier[T]) seal() {
	group := t.inner
	t.outer = append(t.outer, group[:len(group):len(group)])
	t.inner = make([]T, 0, t.cfg.InnerSize)
}

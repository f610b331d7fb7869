// Package stash persists datum parts to a single backend: a local directory,
// an object-store bucket, or a table.
//
// Every backend implements Stasher. Handles are single-writer: callers must
// not invoke Stash on one handle from several goroutines without external
// synchronization.
package stash

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrWrite wraps failures of the underlying physical write. The core never
	// retries them.
	ErrWrite = errors.New("backend write failed")
	// ErrClosed is returned by Stash after Close.
	ErrClosed = errors.New("stash closed")
	// ErrDatumType is returned when a backend receives a datum shape it does not store.
	ErrDatumType = errors.New("unexpected datum type")
	// ErrInvalidRow is returned for rows without a 36-character string id.
	ErrInvalidRow = errors.New("invalid row")
)

// Stasher persists one datum at a time and flushes on Close.
type Stasher interface {
	Stash(ctx context.Context, d Datum) error
	Close(ctx context.Context) error
}

// Buffering is implemented by stashers that hold data in memory before
// writing it. Buffered counts data stashed but not yet written; after Close
// it counts what Close discarded.
type Buffering interface {
	Buffered() int
}

// Syncer is implemented by stashers that write in the background. InFlight
// counts the data of writes started but not finished; Sync waits for them
// without flushing buffers.
type Syncer interface {
	InFlight() int
	Sync(ctx context.Context) error
}

// Buffered reports the unwritten data of s, zero for stashers that write
// synchronously.
func Buffered(s Stasher) int {
	if b, ok := s.(Buffering); ok {
		return b.Buffered()
	}
	return 0
}

// Datum is one part value: a Blob, a Row, or a nested Record.
type Datum interface {
	isDatum()
}

// Blob is a payload addressed by a pointer (path or key hint).
type Blob struct {
	Pointer string
	Content []byte
}

// Text builds a Blob from a string payload.
func Text(pointer, content string) Blob {
	return Blob{Pointer: pointer, Content: []byte(content)}
}

// Row is a flat column -> value mapping. The "id" column is mandatory.
type Row map[string]any

// Record maps part names to part values.
type Record map[string]Datum

func (Blob) isDatum()   {}
func (Row) isDatum()    {}
func (Record) isDatum() {}

// IDColumn is the primary key of every table.
const IDColumn = "id"

// IDLength is the length of row ids (canonical UUID form).
const IDLength = 36

func (r Row) validate() error {
	v, ok := r[IDColumn]
	if !ok {
		return fmt.Errorf("%w: missing %q", ErrInvalidRow, IDColumn)
	}
	s, ok := v.(string)
	if !ok || len(s) != IDLength {
		return fmt.Errorf("%w: %q must be a %d-character string", ErrInvalidRow, IDColumn, IDLength)
	}
	return nil
}

func asBlob(d Datum) (Blob, error) {
	switch v := d.(type) {
	case Blob:
		return v, nil
	case *Blob:
		if v != nil {
			return *v, nil
		}
	}
	return Blob{}, fmt.Errorf("%w: want blob, got %T", ErrDatumType, d)
}

func asRow(d Datum) (Row, error) {
	if r, ok := d.(Row); ok && r != nil {
		if err := r.validate(); err != nil {
			return nil, err
		}
		return r, nil
	}
	return nil, fmt.Errorf("%w: want row, got %T", ErrDatumType, d)
}

func writeErr(err error) error {
	return fmt.Errorf("%w: %w", ErrWrite, err)
}

// Package source provides record sequences for the ingestor: in-memory
// slices, JSON-lines streams and SQS queues.
package source

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/baldanca/superserial/stash"
)

// ErrDecode is returned for payloads that are not a JSON object of parts.
var ErrDecode = errors.New("decode record")

// Sequence yields records in order. Next returns io.EOF after the last one.
type Sequence interface {
	Next(ctx context.Context) (stash.Record, error)
}

// Acker is implemented by sequences whose records must be acknowledged once
// routed. Ack covers every record returned by Next since the previous Ack.
type Acker interface {
	Ack(ctx context.Context) error
}

// Nacker is implemented by sequences that can hand unacknowledged records
// back for redelivery.
type Nacker interface {
	Nack(ctx context.Context) error
}

// Unbounded is implemented by sequences that may never return io.EOF.
type Unbounded interface {
	Unbounded() bool
}

// SliceSequence replays records held in memory.
type SliceSequence struct {
	records []stash.Record
	i       int
}

func Slice(records ...stash.Record) *SliceSequence {
	return &SliceSequence{records: records}
}

func (s *SliceSequence) Next(ctx context.Context) (stash.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.i >= len(s.records) {
		return nil, io.EOF
	}
	r := s.records[s.i]
	s.i++
	return r, nil
}

// Len reports the records not yet returned.
func (s *SliceSequence) Len() int { return len(s.records) - s.i }

// maxLine bounds one JSON-lines record.
const maxLine = 64 << 20

// LinesSequence decodes one record per non-blank line.
type LinesSequence struct {
	sc        *bufio.Scanner
	line      int
	assignIDs bool
}

type LinesOption func(*LinesSequence)

// WithAssignIDs fills missing row ids, see AssignIDs.
func WithAssignIDs() LinesOption {
	return func(s *LinesSequence) { s.assignIDs = true }
}

func JSONLines(r io.Reader, opts ...LinesOption) *LinesSequence {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), maxLine)
	s := &LinesSequence{sc: sc}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *LinesSequence) Next(ctx context.Context) (stash.Record, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !s.sc.Scan() {
			if err := s.sc.Err(); err != nil {
				return nil, fmt.Errorf("read line %d: %w", s.line+1, err)
			}
			return nil, io.EOF
		}
		s.line++
		b := bytes.TrimSpace(s.sc.Bytes())
		if len(b) == 0 {
			continue
		}
		rec, err := DecodeRecord(b)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", s.line, err)
		}
		if s.assignIDs {
			AssignIDs(rec)
		}
		return rec, nil
	}
}

// DecodeRecord parses the wire shape of a record: a JSON object whose values
// are either {"pointer": ..., "content": ...} blobs or flat row objects. A
// scalar "id" becomes Row{"id": v}; other scalars become Row{"value": v}.
func DecodeRecord(b []byte) (stash.Record, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: not an object", ErrDecode)
	}

	rec := make(stash.Record, len(raw))
	for k, v := range raw {
		d, err := decodePart(k, v)
		if err != nil {
			return nil, err
		}
		rec[k] = d
	}
	return rec, nil
}

func decodePart(key string, v any) (stash.Datum, error) {
	obj, ok := v.(map[string]any)
	if !ok {
		if key == stash.IDColumn {
			return stash.Row{stash.IDColumn: v}, nil
		}
		return stash.Row{"value": number(v)}, nil
	}

	if len(obj) == 2 {
		p, hasPointer := obj["pointer"]
		c, hasContent := obj["content"]
		if hasPointer && hasContent {
			pointer, ok := p.(string)
			if !ok {
				return nil, fmt.Errorf("%w: part %q: pointer must be a string", ErrDecode, key)
			}
			content, ok := c.(string)
			if !ok {
				return nil, fmt.Errorf("%w: part %q: content must be a string", ErrDecode, key)
			}
			return stash.Text(pointer, content), nil
		}
	}

	row := make(stash.Row, len(obj))
	for col, val := range obj {
		row[col] = number(val)
	}
	return row, nil
}

// number turns json.Number into int64 when exact, float64 otherwise.
func number(v any) any {
	n, ok := v.(json.Number)
	if !ok {
		return v
	}
	if i, err := n.Int64(); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return n.String()
}

// AssignIDs gives every row of rec without an id the record's id, taken from
// the "id" part, or a fresh UUID when there is none. A supplied id is never
// replaced, so a malformed one is rejected when its rows are stashed.
func AssignIDs(rec stash.Record) {
	var id any
	switch d := rec[stash.IDColumn].(type) {
	case nil:
		id = uuid.NewString()
		rec[stash.IDColumn] = stash.Row{stash.IDColumn: id}
	case stash.Row:
		if id = d[stash.IDColumn]; id == nil {
			id = uuid.NewString()
			d[stash.IDColumn] = id
		}
	default:
		id = uuid.NewString()
	}
	for k, d := range rec {
		if k == stash.IDColumn {
			continue
		}
		if r, ok := d.(stash.Row); ok {
			if _, has := r[stash.IDColumn]; !has {
				r[stash.IDColumn] = id
			}
		}
	}
}

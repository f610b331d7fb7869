package encoder

import (
	"context"
	"encoding/json"
	"sort"
)

// Row is one relational record: column name to value.
type Row = map[string]any

// RowEncoder converts a batch of rows into one binary payload.
//
// Implementations must be safe for concurrent use unless documented otherwise.
type RowEncoder interface {
	Encode(ctx context.Context, rows []Row) (data []byte, err error)
	FileExtension() string
	ContentType() string
}

// Columns returns the sorted union of column names across rows.
func Columns(rows []Row) []string {
	seen := make(map[string]struct{})
	for _, r := range rows {
		for k := range r {
			seen[k] = struct{}{}
		}
	}
	cols := make([]string, 0, len(seen))
	for k := range seen {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return cols
}

// stringify renders a cell as text. ok is false for SQL NULL.
func stringify(v any) (s string, ok bool, err error) {
	switch x := v.(type) {
	case nil:
		return "", false, nil
	case string:
		return x, true, nil
	case []byte:
		return string(x), true, nil
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return "", false, err
		}
		return string(b), true, nil
	}
}

func checkCtx(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

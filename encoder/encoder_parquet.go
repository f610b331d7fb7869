package encoder

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/parquet-go/parquet-go"
)

// ParquetEncoder writes rows as a Parquet file. The schema is the union of the
// batch's columns, every column an optional UTF-8 string.
type ParquetEncoder struct {
	// Compression (optional): "", "snappy", "gzip", "zstd"
	Compression string
}

func (e ParquetEncoder) FileExtension() string { return ".parquet" }
func (e ParquetEncoder) ContentType() string   { return "application/vnd.apache.parquet" }

func (e ParquetEncoder) Encode(ctx context.Context, rows []Row) ([]byte, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}

	cols := Columns(rows)
	if len(cols) == 0 {
		return nil, errors.New("parquet: no columns to encode")
	}

	group := make(parquet.Group, len(cols))
	for _, c := range cols {
		group[c] = parquet.Optional(parquet.String())
	}
	schema := parquet.NewSchema("row", group)

	options := []parquet.WriterOption{schema}
	switch e.Compression {
	case "":
		// no compression
	case "snappy":
		options = append(options, parquet.Compression(&parquet.Snappy))
	case "gzip":
		options = append(options, parquet.Compression(&parquet.Gzip))
	case "zstd":
		options = append(options, parquet.Compression(&parquet.Zstd))
	default:
		return nil, fmt.Errorf("unsupported parquet compression: %q", e.Compression)
	}

	// leaf order as laid out by the schema
	paths := schema.Columns()
	order := make([]string, len(paths))
	for i, p := range paths {
		order[i] = p[0]
	}

	out := make([]parquet.Row, 0, len(rows))
	for ri, r := range rows {
		row := make(parquet.Row, len(order))
		for ci, name := range order {
			s, ok, err := stringify(r[name])
			if err != nil {
				return nil, fmt.Errorf("parquet: row %d column %q: %w", ri, name, err)
			}
			if !ok {
				row[ci] = parquet.NullValue().Level(0, 0, ci)
				continue
			}
			row[ci] = parquet.ValueOf(s).Level(0, 1, ci)
		}
		out = append(out, row)
	}

	var buf bytes.Buffer
	w := parquet.NewWriter(&buf, options...)
	if _, err := w.WriteRows(out); err != nil {
		_ = w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

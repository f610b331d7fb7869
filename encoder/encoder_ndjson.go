package encoder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
)

// NDJSONEncoder writes one JSON object per line.
type NDJSONEncoder struct {
	TrailingNewline bool
}

func (e NDJSONEncoder) FileExtension() string { return ".ndjson" }
func (e NDJSONEncoder) ContentType() string   { return "application/x-ndjson" }

func (e NDJSONEncoder) Encode(ctx context.Context, rows []Row) ([]byte, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, r := range rows {
		if err := enc.Encode(r); err != nil {
			return nil, fmt.Errorf("ndjson encode row %d: %w", i, err)
		}
	}

	if !e.TrailingNewline && buf.Len() > 0 {
		buf.Truncate(buf.Len() - 1)
	}
	return buf.Bytes(), nil
}

// ForDriver returns the encoder for a columnar table driver name.
func ForDriver(driver, compression string) (RowEncoder, error) {
	switch driver {
	case "parquet":
		return ParquetEncoder{Compression: compression}, nil
	case "ndjson":
		return NDJSONEncoder{TrailingNewline: true}, nil
	default:
		return nil, fmt.Errorf("no row encoder for driver %q", driver)
	}
}

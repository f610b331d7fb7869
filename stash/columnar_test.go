package stash

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/parquet-go/parquet-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baldanca/superserial/encoder"
	"github.com/baldanca/superserial/sink"
)

func columnarFiles(t *testing.T, root, table string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(root, table, "part-*"))
	require.NoError(t, err)
	return matches
}

func TestColumnarStash_NDJSONObjectPerFlush(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	out, err := sink.NewFile(root)
	require.NoError(t, err)

	cfg := DefaultTableConfig
	cfg.ChunkSize = 3
	s, err := NewColumnar(encoder.NDJSONEncoder{TrailingNewline: true}, out, cfg, zerolog.Nop())
	require.NoError(t, err)

	for i := 0; i < 7; i++ {
		require.NoError(t, s.Stash(ctx, newRow(map[string]any{"n": i})))
	}
	assert.Len(t, columnarFiles(t, root, cfg.Table), 2)
	require.NoError(t, s.Close(ctx))

	files := columnarFiles(t, root, cfg.Table)
	require.Len(t, files, 3)
	assert.Equal(t, 3, s.Objects())

	lines := 0
	for _, f := range files {
		assert.True(t, strings.HasSuffix(f, ".ndjson"))
		b, err := os.ReadFile(f)
		require.NoError(t, err)
		sc := bufio.NewScanner(bytes.NewReader(b))
		for sc.Scan() {
			var m map[string]any
			require.NoError(t, json.Unmarshal(sc.Bytes(), &m))
			assert.Len(t, m[IDColumn], IDLength)
			lines++
		}
	}
	assert.Equal(t, 7, lines)
	assert.ErrorIs(t, s.Stash(ctx, newRow(nil)), ErrClosed)
}

func TestColumnarStash_ParquetToObjectStore(t *testing.T) {
	ctx := context.Background()
	fake := newFakeS3()
	cfg := DefaultTableConfig
	cfg.ChunkSize = 4
	cfg.Compression = "snappy"

	enc, err := encoder.ForDriver("parquet", cfg.Compression)
	require.NoError(t, err)
	s, err := NewColumnar(enc, sink.NewS3(fake, "lake", "tables", sink.SSE{}), cfg, zerolog.Nop())
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		require.NoError(t, s.Stash(ctx, newRow(map[string]any{"lang": "en"})))
	}
	require.NoError(t, s.Close(ctx))

	keys := fake.keys()
	require.Len(t, keys, 1)
	assert.True(t, strings.HasPrefix(keys[0], "tables/metadata/part-"))
	assert.True(t, strings.HasSuffix(keys[0], ".parquet"))

	b, _ := fake.get(keys[0])
	f, err := parquet.OpenFile(bytes.NewReader(b), int64(len(b)))
	require.NoError(t, err)
	assert.EqualValues(t, 4, f.NumRows())
	require.NotNil(t, fake.inputs[0].ContentType)
	assert.Equal(t, enc.ContentType(), *fake.inputs[0].ContentType)
}

func TestColumnarStash_EmptyCloseWritesNothing(t *testing.T) {
	root := t.TempDir()
	out, err := sink.NewFile(root)
	require.NoError(t, err)
	s, err := NewColumnar(encoder.NDJSONEncoder{}, out, DefaultTableConfig, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, s.Close(context.Background()))
	assert.Empty(t, columnarFiles(t, root, DefaultTableConfig.Table))
}

package stash

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/baldanca/superserial/envelope"
	"github.com/baldanca/superserial/metrics"
	"github.com/baldanca/superserial/sink"
)

const backendFile = "file"

// FileStash writes each blob to a file immediately. Relative pointers land
// under the root directory; absolute pointers are written where they point.
type FileStash struct {
	sink    *sink.FileSink
	env     envelope.Envelope
	cfg     FileConfig
	logger  zerolog.Logger
	metrics metrics.Recorder
	closed  bool
}

// NewFile creates root if it is absent.
func NewFile(root string, cfg FileConfig, logger zerolog.Logger, opts ...Option) (*FileStash, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid file config: %w", err)
	}
	env, err := envelope.New(cfg.Envelope)
	if err != nil {
		return nil, err
	}
	fs, err := sink.NewFile(root)
	if err != nil {
		return nil, err
	}
	o := collect(opts)
	return &FileStash{
		sink:    fs,
		env:     env,
		cfg:     cfg,
		logger:  logger.With().Str("component", "FileStash").Str("root", root).Logger(),
		metrics: o.metrics,
	}, nil
}

// Path returns the file a pointer is written to.
func (s *FileStash) Path(pointer string) string {
	return s.sink.Path(blobKey(strings.TrimPrefix(pointer, "file://"), s.cfg.Envelope))
}

func (s *FileStash) Stash(ctx context.Context, d Datum) error {
	if s.closed {
		return ErrClosed
	}
	b, err := asBlob(d)
	if err != nil {
		return err
	}
	if b.Pointer == "" {
		return fmt.Errorf("%w: empty pointer", ErrDatumType)
	}

	data, err := s.env.Seal(b.Content)
	if err != nil {
		return fmt.Errorf("seal %q: %w", b.Pointer, err)
	}

	key := blobKey(strings.TrimPrefix(b.Pointer, "file://"), s.cfg.Envelope)
	err = s.sink.Write(ctx, sink.WriteRequest{Key: key, Data: data})
	metrics.ObserveWrite(s.metrics, backendFile, len(data), err)
	if err != nil {
		return writeErr(err)
	}
	s.logger.Debug().Str("path", s.sink.Path(key)).Int("bytes", len(data)).Msg("stashed")
	return nil
}

// Close has nothing to flush.
func (s *FileStash) Close(ctx context.Context) error {
	s.closed = true
	return nil
}

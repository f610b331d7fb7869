package router

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/baldanca/superserial/stash"
)

// Open builds one backend per part name from its URI and routes over them.
// Backends opened before a failure are closed.
func Open(ctx context.Context, uris map[string]string, set stash.Settings, logger zerolog.Logger, stashOpts []stash.Option, opts ...Option) (*Router, error) {
	backends := make(map[string]stash.Stasher, len(uris))
	for name, uri := range uris {
		b, err := stash.Open(ctx, uri, set, logger.With().Str("part", name).Logger(), stashOpts...)
		if err != nil {
			err = fmt.Errorf("open %q backend %q: %w", name, uri, err)
			for _, opened := range backends {
				err = errors.Join(err, opened.Close(ctx))
			}
			return nil, err
		}
		backends[name] = b
	}
	return New(backends, logger, opts...)
}

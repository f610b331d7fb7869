package stash

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/baldanca/superserial/encoder"
	"github.com/baldanca/superserial/location"
	"github.com/baldanca/superserial/sink"
)

// Settings holds one typed config per backend kind. Open picks the one that
// matches the URI.
type Settings struct {
	File   FileConfig   `mapstructure:"file" yaml:"file"`
	Object ObjectConfig `mapstructure:"object" yaml:"object"`
	Pool   PoolConfig   `mapstructure:"pool" yaml:"pool"`
	Table  TableConfig  `mapstructure:"table" yaml:"table"`

	// UsePool selects Pool over ObjectStash for object-store URIs.
	UsePool bool `mapstructure:"use_pool" yaml:"use_pool"`
}

var DefaultSettings = Settings{
	File:   DefaultFileConfig,
	Object: DefaultObjectConfig,
	Pool:   DefaultPoolConfig,
	Table:  DefaultTableConfig,
}

// Open resolves uri and builds the matching backend.
//
//	/dir, file:///dir            -> FileStash rooted at dir
//	s3://bucket/prefix           -> ObjectStash, or Pool when UsePool is set
//	sqlite://path, postgres://.. -> TableStash
//	parquet+file://dir, ndjson+s3://bucket/prefix -> ColumnarStash
func Open(ctx context.Context, uri string, set Settings, logger zerolog.Logger, opts ...Option) (Stasher, error) {
	loc, err := location.Resolve(uri)
	if err != nil {
		return nil, err
	}

	switch loc.Kind {
	case location.KindLocal:
		return NewFile(loc.Path, set.File, logger, opts...)

	case location.KindObjectStore:
		client, err := s3Client(ctx, loc, opts)
		if err != nil {
			return nil, err
		}
		if set.UsePool {
			return NewPool(client, loc.Bucket, loc.Key, set.Pool, logger, opts...)
		}
		return NewObject(client, loc.Bucket, loc.Key, set.Object, logger, opts...)

	case location.KindTable:
		return openTable(ctx, loc, set.Table, logger, opts)
	}
	return nil, fmt.Errorf("%w: %q", location.ErrUnsupportedScheme, uri)
}

func openTable(ctx context.Context, loc location.Location, cfg TableConfig, logger zerolog.Logger, opts []Option) (Stasher, error) {
	switch loc.Driver {
	case location.DriverSQLite, location.DriverPostgres:
		db, err := OpenDB(loc.Driver, loc.DSN)
		if err != nil {
			return nil, err
		}
		t, err := NewTable(ctx, db, cfg, logger, opts...)
		if err != nil {
			if sqlDB, dbErr := db.DB(); dbErr == nil {
				err = errors.Join(err, sqlDB.Close())
			}
			return nil, err
		}
		t.release = func() error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.Close()
		}
		return t, nil
	}

	enc, err := encoder.ForDriver(loc.Driver, cfg.Compression)
	if err != nil {
		return nil, err
	}
	if loc.Inner == nil {
		return nil, fmt.Errorf("%w: %q has no storage location", location.ErrMalformedLocation, loc.Raw)
	}

	var out sink.Putter
	switch loc.Inner.Kind {
	case location.KindLocal:
		fs, err := sink.NewFile(loc.Inner.Path)
		if err != nil {
			return nil, err
		}
		out = fs
	case location.KindObjectStore:
		client, err := s3Client(ctx, *loc.Inner, opts)
		if err != nil {
			return nil, err
		}
		out = sink.NewS3(client, loc.Inner.Bucket, joinPrefix(loc.Inner.Key, cfg.Object.Prefix), cfg.Object.sse())
	default:
		return nil, fmt.Errorf("%w: %q", location.ErrUnsupportedScheme, loc.Raw)
	}
	return NewColumnar(enc, out, cfg, logger, opts...)
}

func s3Client(ctx context.Context, loc location.Location, opts []Option) (S3API, error) {
	o := collect(opts)
	if o.s3Client != nil {
		return o.s3Client, nil
	}
	cc := o.s3Config
	if loc.HasCredentials() {
		cc.AccessKey, cc.SecretKey = loc.AccessKey, loc.SecretKey
	}
	return sink.NewS3Client(ctx, cc)
}

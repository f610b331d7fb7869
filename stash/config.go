package stash

import (
	"errors"
	"fmt"
	"runtime"
	"strings"

	"github.com/baldanca/superserial/envelope"
	"github.com/baldanca/superserial/location"
)

// FileConfig configures a FileStash.
type FileConfig struct {
	Envelope envelope.Config `mapstructure:"envelope" yaml:"envelope"`
}

var DefaultFileConfig = FileConfig{
	Envelope: envelope.DefaultConfig,
}

func (c FileConfig) validate() error {
	return nil
}

// ObjectConfig configures an ObjectStash.
type ObjectConfig struct {
	Envelope envelope.Config `mapstructure:"envelope" yaml:"envelope"`

	// Prefix is joined in front of every key, after the key part of the URI.
	Prefix string `mapstructure:"prefix" yaml:"prefix,omitempty"`

	// ServerSideEncrypt requests the default server-side algorithm.
	ServerSideEncrypt bool `mapstructure:"server_side_encrypt" yaml:"server_side_encrypt"`
	// KMS requests aws:kms with KMSKeyID.
	KMS      bool   `mapstructure:"kms" yaml:"kms"`
	KMSKeyID string `mapstructure:"kms_key_id" yaml:"kms_key_id,omitempty"`
	// SSE and SSEKMSKeyID override the derived server-side encryption.
	SSE         string `mapstructure:"sse" validate:"omitempty,oneof=AES256 aws:kms aws:kms:dsse" yaml:"sse,omitempty"`
	SSEKMSKeyID string `mapstructure:"sse_kms_key_id" yaml:"sse_kms_key_id,omitempty"`
}

var DefaultObjectConfig = ObjectConfig{
	Envelope: envelope.DefaultConfig,
}

func (c ObjectConfig) validate() error {
	if c.KMS && c.KMSKeyID == "" && c.SSEKMSKeyID == "" {
		return errors.New("kms requires a kms key id")
	}
	return nil
}

// PoolConfig configures a Pool. BatchSize bounds the inner buffer; VCores
// bounds the outer buffer and the number of groups written at once; Threads
// bounds the puts in flight per group.
type PoolConfig struct {
	ObjectConfig `mapstructure:",squash" yaml:",inline"`

	BatchSize int `mapstructure:"batch_size" validate:"gte=1" yaml:"batch_size"`
	VCores    int `mapstructure:"vcores" validate:"gte=1" yaml:"vcores"`
	Threads   int `mapstructure:"threads" validate:"gte=1" yaml:"threads"`

	// FlushOnClose writes partial buffers on Close. When false, Close drops
	// them and logs how many units were lost.
	FlushOnClose bool `mapstructure:"flush_on_close" yaml:"flush_on_close"`
}

var DefaultPoolConfig = PoolConfig{
	ObjectConfig: DefaultObjectConfig,
	BatchSize:    200,
	VCores:       runtime.NumCPU(),
	Threads:      8,
}

func (c PoolConfig) validate() error {
	if err := c.ObjectConfig.validate(); err != nil {
		return err
	}
	if c.BatchSize < 1 {
		return errors.New("BatchSize must be at least 1")
	}
	if c.VCores < 1 {
		return errors.New("VCores must be at least 1")
	}
	if c.Threads < 1 {
		return errors.New("Threads must be at least 1")
	}
	return nil
}

// TableConfig configures a TableStash and a ColumnarStash.
type TableConfig struct {
	Table     string `mapstructure:"table" validate:"required" yaml:"table"`
	ChunkSize int    `mapstructure:"chunk_size" validate:"gte=2" yaml:"chunk_size"`
	// Indexes lists column sets that get a secondary index each.
	Indexes [][]string `mapstructure:"indexes" yaml:"indexes,omitempty"`

	// Compression applies to parquet tables: "", snappy, gzip or zstd.
	Compression string `mapstructure:"compression" validate:"omitempty,oneof=snappy gzip zstd" yaml:"compression,omitempty"`
	// Object configures parquet+s3 and ndjson+s3 tables.
	Object ObjectConfig `mapstructure:"object" yaml:"object,omitempty"`
}

var DefaultTableConfig = TableConfig{
	Table:     "metadata",
	ChunkSize: 500,
	Object:    DefaultObjectConfig,
}

func (c TableConfig) validate() error {
	if strings.TrimSpace(c.Table) == "" {
		return errors.New("Table is required")
	}
	if c.ChunkSize < 2 {
		return errors.New("ChunkSize must be at least 2")
	}
	for i, cols := range c.Indexes {
		if len(cols) == 0 {
			return fmt.Errorf("index %d has no columns", i)
		}
	}
	return nil
}

// closeChunk is the sub-batch size of the final flush.
func (c TableConfig) closeChunk() int {
	return c.ChunkSize / 2
}

func blobKey(pointer string, env envelope.Config) string {
	if env.StripsExt() {
		return location.StripExt(pointer)
	}
	return pointer
}

// Package config loads the superserial configuration surface once, at the
// edge of the process. Everything below this package receives typed configs
// by value and never reads the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/baldanca/superserial/envelope"
	"github.com/baldanca/superserial/ingestor"
	"github.com/baldanca/superserial/router"
	"github.com/baldanca/superserial/sink"
	"github.com/baldanca/superserial/source"
	"github.com/baldanca/superserial/stash"
)

const (
	// EnvPrefix prefixes every environment override, e.g. SUPERSERIAL_LOGGING_LEVEL.
	EnvPrefix = "SUPERSERIAL"
	// KeyEnv holds the envelope key when it is not in the file.
	KeyEnv = EnvPrefix + "_ENVELOPE_KEY"
	// DefaultKeyFile is where `config init` stores a generated key.
	DefaultKeyFile = "~/.defaultdatakey.txt"
)

type Config struct {
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Envelope applies to every backend.
	Envelope EnvelopeConfig `mapstructure:"envelope" yaml:"envelope"`

	Stash stash.Settings `mapstructure:"stash" yaml:"stash"`

	// Parts maps record part names to backend URIs.
	Parts      map[string]string `mapstructure:"parts" validate:"required,min=1,dive,required" yaml:"parts"`
	IgnoreKeys []string          `mapstructure:"ignore_keys" yaml:"ignore_keys"`

	Ingestor ingestor.Config `mapstructure:"ingestor" yaml:"ingestor"`
	Workers  int             `mapstructure:"workers" validate:"gte=1" yaml:"workers"`

	S3      sink.S3ClientConfig `mapstructure:"s3" yaml:"s3"`
	SQS     SQSConfig           `mapstructure:"sqs" yaml:"sqs"`
	Metrics MetricsConfig       `mapstructure:"metrics" yaml:"metrics"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum level: debug, info, warn or error.
	Level string `mapstructure:"level" validate:"required,oneof=debug info warn error DEBUG INFO WARN ERROR" yaml:"level"`

	// Format is json or console.
	Format string `mapstructure:"format" validate:"required,oneof=json console" yaml:"format"`

	// Output is stdout, stderr or a file path.
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

type EnvelopeConfig struct {
	envelope.Config `mapstructure:",squash" yaml:",inline"`

	// KeyFile is read when Key is empty and SUPERSERIAL_ENVELOPE_KEY is unset.
	KeyFile string `mapstructure:"key_file" yaml:"key_file,omitempty"`
}

// SQSConfig selects the queue source. An empty QueueURL disables it.
type SQSConfig struct {
	QueueURL string `mapstructure:"queue_url" yaml:"queue_url,omitempty"`
	Region   string `mapstructure:"region" yaml:"region,omitempty"`
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`

	source.SQSConfig `mapstructure:",squash" yaml:",inline"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen  string `mapstructure:"listen" validate:"required_if=Enabled true" yaml:"listen"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// Default returns a configuration without parts. Callers add parts before
// validating.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stderr",
		},
		Envelope:   EnvelopeConfig{Config: envelope.DefaultConfig},
		Stash:      stash.DefaultSettings,
		IgnoreKeys: append([]string(nil), router.DefaultIgnoreKeys...),
		Ingestor:   ingestor.DefaultConfig,
		Workers:    1,
		SQS:        SQSConfig{SQSConfig: source.DefaultSQSConfig},
		Metrics: MetricsConfig{
			Listen: ":9090",
			Path:   "/metrics",
		},
	}
}

// Load reads path, applies SUPERSERIAL_* overrides and validates the result.
//
// Precedence, highest first: environment, file, Default. A missing file is
// not an error by itself, but Default has no parts and fails validation.
// Viper lowercases keys, so part names are matched in lower case.
func Load(path string) (*Config, error) {
	v := viper.New()
	setupViper(v, path)
	if err := seedDefaults(v); err != nil {
		return nil, err
	}

	if _, err := readConfigFile(v); err != nil {
		return nil, err
	}

	cfg := Default()
	if err := v.Unmarshal(cfg, viper.DecodeHook(decodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.resolveKey(); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks struct tags and the cross-field rules tags cannot express.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return err
	}
	obj := []stash.ObjectConfig{cfg.Stash.Object, cfg.Stash.Pool.ObjectConfig, cfg.Stash.Table.Object}
	for _, o := range obj {
		if o.KMS && o.KMSKeyID == "" {
			return errors.New("kms enabled without kms_key_id")
		}
	}
	for i, cols := range cfg.Stash.Table.Indexes {
		if len(cols) == 0 {
			return fmt.Errorf("index %d has no columns", i)
		}
	}
	if cfg.Envelope.Encrypt && cfg.Envelope.Key == "" {
		return envelope.ErrNoKey
	}
	return nil
}

// Save writes cfg as YAML. The file may hold an encryption key, so it is
// created owner-only.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// StashSettings returns the backend settings with the shared envelope applied
// to every backend kind.
func (c *Config) StashSettings() stash.Settings {
	set := c.Stash
	env := c.Envelope.Config
	set.File.Envelope = env
	set.Object.Envelope = env
	set.Pool.Envelope = env
	set.Table.Object.Envelope = env
	return set
}

// RouterOptions returns the router options implied by the config.
func (c *Config) RouterOptions() []router.Option {
	if c.IgnoreKeys == nil {
		return nil
	}
	return []router.Option{router.WithIgnoreKeys(c.IgnoreKeys...)}
}

// WriteKeyFile stores key at path (tilde expanded) with owner-only access.
func WriteKeyFile(path, key string) error {
	path, err := expandHome(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(key+"\n"), 0o600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	return nil
}

func (c *Config) resolveKey() error {
	if !c.Envelope.Encrypt || c.Envelope.Key != "" {
		return nil
	}
	if c.Envelope.KeyFile == "" {
		return nil
	}
	path, err := expandHome(c.Envelope.KeyFile)
	if err != nil {
		return err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read key file: %w", err)
	}
	c.Envelope.Key = strings.TrimSpace(string(b))
	return nil
}

func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}

func setupViper(v *viper.Viper, path string) {
	// SUPERSERIAL_LOGGING_LEVEL=debug overrides logging.level. Only keys viper
	// knows are looked up, see seedDefaults.
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("envelope.key", KeyEnv)

	if path != "" {
		v.SetConfigFile(path)
		return
	}
	v.AddConfigPath(".")
	v.SetConfigName("superserial")
	v.SetConfigType("yaml")
}

// seedDefaults registers every key of Default() with v, so environment
// variables also override keys the config file leaves out.
func seedDefaults(v *viper.Viper) error {
	data, err := yaml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("failed to encode defaults: %w", err)
	}
	var defaults map[string]any
	if err := yaml.Unmarshal(data, &defaults); err != nil {
		return fmt.Errorf("failed to decode defaults: %w", err)
	}
	setDefaults(v, "", defaults)
	return nil
}

func setDefaults(v *viper.Viper, prefix string, m map[string]any) {
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if sub, ok := val.(map[string]any); ok && len(sub) > 0 {
			setDefaults(v, key, sub)
			continue
		}
		v.SetDefault(key, val)
	}
}

// readConfigFile reports whether a config file was found.
func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}
	return true, nil
}

func decodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

// durationDecodeHook accepts "30s" style strings and raw nanoseconds.
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

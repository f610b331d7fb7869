// Package envelope implements the reversible transforms applied to payloads
// before they leave the process.
package envelope

import (
	"errors"
	"fmt"
	"strings"
)

// Envelope seals a payload before it is written.
//
// Implementations must be safe for concurrent use.
type Envelope interface {
	Seal(payload []byte) ([]byte, error)
	Name() string
}

// Opener reverses Seal. Every Envelope in this package is also an Opener.
type Opener interface {
	Open(sealed []byte) ([]byte, error)
}

const (
	CipherFernet  = "fernet"
	CipherXChaCha = "xchacha20"
	defaultCipher = CipherFernet
	identityName  = "identity"
)

// ErrNoKey is returned when encryption is enabled without a key.
var ErrNoKey = errors.New("encryption enabled without a key")

// Config selects the envelope for a backend.
type Config struct {
	Encrypt bool   `mapstructure:"encrypt" yaml:"encrypt"`
	Cipher  string `mapstructure:"cipher" validate:"omitempty,oneof=fernet xchacha20" yaml:"cipher"`
	Key     string `mapstructure:"key" yaml:"key,omitempty"`
	// StripExt truncates pointer filenames at their first '.' when Encrypt is set.
	StripExt bool `mapstructure:"strip_ext" yaml:"strip_ext"`
}

// DefaultConfig is pass-through.
var DefaultConfig = Config{
	Cipher:   defaultCipher,
	StripExt: true,
}

// StripsExt reports whether backends honoring the flag must strip extensions.
func (c Config) StripsExt() bool {
	return c.Encrypt && c.StripExt
}

// New builds the envelope described by cfg.
func New(cfg Config) (Envelope, error) {
	if !cfg.Encrypt {
		return Identity{}, nil
	}
	if strings.TrimSpace(cfg.Key) == "" {
		return nil, ErrNoKey
	}
	switch strings.ToLower(cfg.Cipher) {
	case "", CipherFernet:
		return NewFernet(cfg.Key)
	case CipherXChaCha:
		return NewXChaCha(cfg.Key)
	default:
		return nil, fmt.Errorf("unsupported cipher: %q", cfg.Cipher)
	}
}

// GenerateKey returns a fresh encoded key for cipher.
func GenerateKey(cipher string) (string, error) {
	switch strings.ToLower(cipher) {
	case "", CipherFernet:
		return generateFernetKey()
	case CipherXChaCha:
		return generateXChaChaKey()
	default:
		return "", fmt.Errorf("unsupported cipher: %q", cipher)
	}
}

// Identity passes payloads through unchanged.
type Identity struct{}

func (Identity) Seal(payload []byte) ([]byte, error) { return payload, nil }
func (Identity) Open(sealed []byte) ([]byte, error)  { return sealed, nil }
func (Identity) Name() string                        { return identityName }

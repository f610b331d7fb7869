package envelope

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// XChaCha seals payloads with XChaCha20-Poly1305. Output is nonce || ciphertext.
type XChaCha struct {
	key []byte
}

// NewXChaCha decodes a base64 (standard or url-safe) 32-byte key.
func NewXChaCha(key string) (*XChaCha, error) {
	raw, err := decodeKey(key)
	if err != nil {
		return nil, err
	}
	if len(raw) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("xchacha20 key must be %d bytes, got %d", chacha20poly1305.KeySize, len(raw))
	}
	return &XChaCha{key: raw}, nil
}

func (x *XChaCha) Name() string { return CipherXChaCha }

func (x *XChaCha) Seal(payload []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(x.key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, aead.NonceSize(), aead.NonceSize()+len(payload)+aead.Overhead())
	if _, err := rand.Read(out); err != nil {
		return nil, fmt.Errorf("xchacha20 nonce: %w", err)
	}
	return aead.Seal(out, out, payload, nil), nil
}

func (x *XChaCha) Open(sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(x.key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, errors.New("xchacha20 open: short ciphertext")
	}
	nonce, ct := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	msg, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("xchacha20 open: %w", err)
	}
	return msg, nil
}

func decodeKey(key string) ([]byte, error) {
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.URLEncoding, base64.RawStdEncoding, base64.RawURLEncoding} {
		if b, err := enc.DecodeString(key); err == nil {
			return b, nil
		}
	}
	return nil, errors.New("key is not valid base64")
}

func generateXChaChaKey() (string, error) {
	b := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}

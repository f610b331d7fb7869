package envelope

import (
	"errors"
	"fmt"

	"github.com/fernet/fernet-go"
)

// Fernet seals payloads as Fernet tokens (AES-128-CBC + HMAC-SHA256).
type Fernet struct {
	key *fernet.Key
}

// NewFernet decodes a url-safe base64 32-byte key.
func NewFernet(key string) (*Fernet, error) {
	k, err := fernet.DecodeKey(key)
	if err != nil {
		return nil, fmt.Errorf("decode fernet key: %w", err)
	}
	return &Fernet{key: k}, nil
}

func (f *Fernet) Name() string { return CipherFernet }

func (f *Fernet) Seal(payload []byte) ([]byte, error) {
	tok, err := fernet.EncryptAndSign(payload, f.key)
	if err != nil {
		return nil, fmt.Errorf("fernet seal: %w", err)
	}
	return tok, nil
}

// Open verifies and decrypts a token. Token age is not checked.
func (f *Fernet) Open(sealed []byte) ([]byte, error) {
	msg := fernet.VerifyAndDecrypt(sealed, 0, []*fernet.Key{f.key})
	if msg == nil {
		return nil, errors.New("fernet open: invalid token")
	}
	return msg, nil
}

func generateFernetKey() (string, error) {
	var k fernet.Key
	if err := k.Generate(); err != nil {
		return "", err
	}
	return k.Encode(), nil
}

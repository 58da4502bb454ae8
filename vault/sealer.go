package vault

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"io"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const sealerInfo = "go-auth-client vault v1"

// Sealer encrypts vault values at rest with XChaCha20-Poly1305.
// Each value is bound to its key so ciphertexts cannot be swapped between keys.
type Sealer struct {
	key []byte
}

// NewSealer derives a 256-bit key from secret and salt.
func NewSealer(secret, salt string) (*Sealer, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("[vault.NewSealer] secret is required")
	}
	key := make([]byte, chacha20poly1305.KeySize)
	r := hkdf.New(sha256.New, []byte(secret), []byte(salt), []byte(sealerInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, errors.Wrap(err, "[vault.NewSealer] hkdf")
	}
	return &Sealer{key: key}, nil
}

// Seal returns the base64 encoded nonce||ciphertext for value.
func (s *Sealer) Seal(key, value string) (string, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return "", errors.Wrap(err, "[Sealer.Seal] NewX")
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(value)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", errors.Wrap(err, "[Sealer.Seal] rand.Read")
	}
	sealed := aead.Seal(nonce, nonce, []byte(value), []byte(key))
	return base64.RawStdEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal. Tampered or foreign ciphertexts fail to open.
func (s *Sealer) Open(key, sealed string) (string, error) {
	raw, err := base64.RawStdEncoding.DecodeString(sealed)
	if err != nil {
		return "", errors.Wrap(err, "[Sealer.Open] decode")
	}
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return "", errors.Wrap(err, "[Sealer.Open] NewX")
	}
	if len(raw) < aead.NonceSize() {
		return "", errors.New("[Sealer.Open] ciphertext too short")
	}
	nonce, ciphertext := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, []byte(key))
	if err != nil {
		return "", errors.Wrap(err, "[Sealer.Open] authentication failed")
	}
	return string(plain), nil
}

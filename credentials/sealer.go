package credentials

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
)

const (
	keySize   = 32
	nonceSize = 24
)

var (
	ErrBadKey    = errors.New("sealer key must be 32 bytes")
	ErrUnsealing = errors.New("credential record could not be decrypted")
)

// Sealer protects the credential record at rest
type Sealer interface {
	Seal(plain []byte) ([]byte, error)
	Open(sealed []byte) ([]byte, error)
}

// PlainSealer stores records unmodified. The host platform's keystore is
// expected to protect the data directory.
type PlainSealer struct{}

func (PlainSealer) Seal(plain []byte) ([]byte, error)  { return plain, nil }
func (PlainSealer) Open(sealed []byte) ([]byte, error) { return sealed, nil }

// SecretBoxSealer encrypts records with NaCl secretbox. The random nonce is
// prepended to the ciphertext.
type SecretBoxSealer struct {
	key [keySize]byte
}

// NewSecretBoxSealer creates a sealer from a 32 byte key
func NewSecretBoxSealer(key []byte) (*SecretBoxSealer, error) {
	if len(key) != keySize {
		return nil, ErrBadKey
	}
	s := &SecretBoxSealer{}
	copy(s.key[:], key)
	return s, nil
}

// NewSecretBoxSealerFromString accepts a base64 (std or url) encoded key
func NewSecretBoxSealerFromString(encoded string) (*SecretBoxSealer, error) {
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		key, err = base64.RawURLEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("decode sealer key: %w", err)
		}
	}
	return NewSecretBoxSealer(key)
}

func (s *SecretBoxSealer) Seal(plain []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, err
	}
	return secretbox.Seal(nonce[:], plain, &nonce, &s.key), nil
}

func (s *SecretBoxSealer) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < nonceSize+secretbox.Overhead {
		return nil, ErrUnsealing
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	plain, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, &s.key)
	if !ok {
		return nil, ErrUnsealing
	}
	return plain, nil
}

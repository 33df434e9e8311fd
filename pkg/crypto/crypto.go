package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	KeySize   = 32
	NonceSize = 12
	TagSize   = 16

	// Overhead is the number of bytes Encrypt adds to a plaintext.
	Overhead = NonceSize + TagSize
)

// Suite names an AEAD construction. Both suites share the nonce||sealed layout.
type Suite string

const (
	SuiteAESGCM   Suite = "aes-256-gcm"
	SuiteChaCha20 Suite = "chacha20-poly1305"
)

var (
	ErrCiphertextTooShort = errors.New("ciphertext too short")
	ErrAuthentication     = errors.New("message authentication failed")
	ErrBadKey             = errors.New("key must be 32 bytes")
)

// Codec seals payloads for one mesh network.
type Codec struct {
	aead  cipher.AEAD
	suite Suite
}

// NewCodec builds a codec for the given 32-byte key.
func NewCodec(key []byte, suite Suite) (*Codec, error) {
	if len(key) != KeySize {
		return nil, ErrBadKey
	}
	var (
		aead cipher.AEAD
		err  error
	)
	switch suite {
	case SuiteAESGCM, "":
		suite = SuiteAESGCM
		var block cipher.Block
		block, err = aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("aes.NewCipher: %w", err)
		}
		aead, err = cipher.NewGCM(block)
	case SuiteChaCha20:
		aead, err = chacha20poly1305.New(key)
	default:
		return nil, fmt.Errorf("unknown cipher suite %q", suite)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s: %w", suite, err)
	}
	return &Codec{aead: aead, suite: suite}, nil
}

func (c *Codec) Suite() Suite { return c.suite }

// Encrypt returns nonce || ciphertext || tag. A fresh random nonce is drawn per call.
func (c *Codec) Encrypt(plaintext, aad []byte) ([]byte, error) {
	out := make([]byte, NonceSize, NonceSize+len(plaintext)+TagSize)
	if _, err := io.ReadFull(rand.Reader, out); err != nil {
		return nil, fmt.Errorf("rand.Read nonce: %w", err)
	}
	return c.aead.Seal(out, out[:NonceSize], plaintext, aad), nil
}

// Decrypt expects the layout produced by Encrypt.
func (c *Codec) Decrypt(data, aad []byte) ([]byte, error) {
	if len(data) < Overhead {
		return nil, ErrCiphertextTooShort
	}
	plain, err := c.aead.Open(nil, data[:NonceSize], data[NonceSize:], aad)
	if err != nil {
		return nil, ErrAuthentication
	}
	return plain, nil
}

// Plausible reports whether data could be a ciphertext produced by Encrypt.
func Plausible(data []byte) bool {
	return len(data) >= Overhead
}

// AssociatedData binds a ciphertext to its message id.
func AssociatedData(id uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], id)
	return b[:]
}

// KeyFromNetwork derives a key from a well-known network name.
// Anyone who knows the name can read the traffic.
func KeyFromNetwork(name string) []byte {
	hash := sha256.Sum256([]byte(name))
	return hash[:]
}

// KeyFromSecret derives the key of a private network from its shared secret.
func KeyFromSecret(network, secret string) ([]byte, error) {
	if secret == "" {
		return nil, errors.New("empty network secret")
	}
	r := hkdf.New(sha256.New, []byte(secret), []byte("hushmesh/"+network), []byte("hushmesh payload key v1"))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("hkdf: %w", err)
	}
	return key, nil
}

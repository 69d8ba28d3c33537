// Package crypto implements the channel cipher filters and the session key
// exchange used by the CM connection.
package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"github.com/1ureka/steamcm/internal/protocol"
)

// Filter transforms message bodies on their way to and from the socket.
type Filter interface {
	EncryptOutgoing(plain []byte) ([]byte, error)
	DecryptIncoming(data []byte) ([]byte, error)
	Encrypted() bool
}

// Passthrough is the filter in use before a key exchange completes.
type Passthrough struct{}

func (Passthrough) EncryptOutgoing(plain []byte) ([]byte, error) { return plain, nil }
func (Passthrough) DecryptIncoming(data []byte) ([]byte, error)  { return data, nil }
func (Passthrough) Encrypted() bool                              { return false }

// Symmetric encrypts with AES-256. Each message is
// AES-ECB(key, iv) || AES-CBC(key, iv, PKCS#7(plain)) with a fresh random iv.
// There is no integrity tag.
type Symmetric struct {
	block cipher.Block
}

// NewSymmetric returns a Symmetric filter keyed by a 32-byte session key.
func NewSymmetric(key []byte) (*Symmetric, error) {
	if len(key) != protocol.SessionKeySize {
		return nil, fmt.Errorf("session key must be %d bytes, got %d", protocol.SessionKeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return &Symmetric{block: block}, nil
}

func (s *Symmetric) Encrypted() bool { return true }

func (s *Symmetric) EncryptOutgoing(plain []byte) ([]byte, error) {
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("generate iv: %w", err)
	}

	padded := pkcs7Pad(plain, aes.BlockSize)
	out := make([]byte, aes.BlockSize+len(padded))

	s.block.Encrypt(out[:aes.BlockSize], iv)
	cipher.NewCBCEncrypter(s.block, iv).CryptBlocks(out[aes.BlockSize:], padded)
	return out, nil
}

func (s *Symmetric) DecryptIncoming(data []byte) ([]byte, error) {
	if len(data) < 2*aes.BlockSize || len(data)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext length %d", protocol.ErrMalformedMessage, len(data))
	}

	iv := make([]byte, aes.BlockSize)
	s.block.Decrypt(iv, data[:aes.BlockSize])

	plain := make([]byte, len(data)-aes.BlockSize)
	cipher.NewCBCDecrypter(s.block, iv).CryptBlocks(plain, data[aes.BlockSize:])

	out, err := pkcs7Unpad(plain, aes.BlockSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrMalformedMessage, err)
	}
	return out, nil
}

func pkcs7Pad(b []byte, size int) []byte {
	n := size - len(b)%size
	out := make([]byte, len(b), len(b)+n)
	copy(out, b)
	return append(out, bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(b []byte, size int) ([]byte, error) {
	if len(b) == 0 || len(b)%size != 0 {
		return nil, fmt.Errorf("padded length %d", len(b))
	}
	n := int(b[len(b)-1])
	if n == 0 || n > size {
		return nil, fmt.Errorf("bad padding byte %d", n)
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, fmt.Errorf("bad padding")
		}
	}
	return b[:len(b)-n], nil
}

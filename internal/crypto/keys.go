package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"
	"sync"

	"github.com/1ureka/steamcm/internal/protocol"
)

// publicUniverseKey is the DER SubjectPublicKeyInfo for the public universe.
const publicUniverseKey = "30819d300d06092a864886f70d010101050003818b0030818702818100dfec1a" +
	"d62c10662c17353a14b07c59117f9dd3d82b7ae3e015cd191e46e87b8774a218" +
	"4631a9031479828ee945a24912a923687389cf69a1b16146bdc1bebfd6011bd8" +
	"81d4dc90fbfe4f527366cb9570d7c58eba1c7a3375a1623446bb60b78068fa13" +
	"a77a8a374b9ec6f45d5f3a99f99ec43ae963a2bb881928e0e714c04289020111"

// KeyRing maps universes to the RSA keys that wrap session keys.
type KeyRing struct {
	mu   sync.RWMutex
	keys map[protocol.Universe]*rsa.PublicKey
}

// NewKeyRing returns an empty key ring.
func NewKeyRing() *KeyRing {
	return &KeyRing{keys: make(map[protocol.Universe]*rsa.PublicKey)}
}

// DefaultKeyRing returns a key ring holding the built-in public universe key.
func DefaultKeyRing() *KeyRing {
	k := NewKeyRing()
	der, _ := hex.DecodeString(publicUniverseKey)
	pub, err := ParsePublicKey(der)
	if err != nil {
		panic(fmt.Sprintf("built-in universe key: %v", err))
	}
	k.Set(protocol.UniversePublic, pub)
	return k
}

func (k *KeyRing) Set(u protocol.Universe, pub *rsa.PublicKey) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys[u] = pub
}

func (k *KeyRing) Lookup(u protocol.Universe) (*rsa.PublicKey, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	pub, ok := k.keys[u]
	return pub, ok
}

// LoadFile reads a PEM or DER public key from path and binds it to u.
func (k *KeyRing) LoadFile(u protocol.Universe, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	pub, err := ParsePublicKey(data)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	k.Set(u, pub)
	return nil
}

// ParsePublicKey accepts a PEM block or raw DER, in PKIX or PKCS#1 form.
func ParsePublicKey(data []byte) (*rsa.PublicKey, error) {
	if block, _ := pem.Decode(data); block != nil {
		data = block.Bytes
	}
	if key, err := x509.ParsePKIXPublicKey(data); err == nil {
		pub, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("public key is %T, not RSA", key)
		}
		return pub, nil
	}
	return x509.ParsePKCS1PublicKey(data)
}

// GenerateSessionKey returns a fresh random session key.
func GenerateSessionKey() ([]byte, error) {
	key := make([]byte, protocol.SessionKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate session key: %w", err)
	}
	return key, nil
}

// WrapSessionKey encrypts key for the server with RSA-OAEP(SHA-1).
func WrapSessionKey(pub *rsa.PublicKey, key []byte) ([]byte, error) {
	return rsa.EncryptOAEP(sha1.New(), rand.Reader, pub, key, nil)
}

// UnwrapSessionKey reverses WrapSessionKey. Servers and tests use it.
func UnwrapSessionKey(priv *rsa.PrivateKey, blob []byte) ([]byte, error) {
	return rsa.DecryptOAEP(sha1.New(), rand.Reader, priv, blob, nil)
}

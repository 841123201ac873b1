package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
)

// KeySize is the length in bytes of a Curve25519 key.
const KeySize = 32

// KeyPair represents a WireGuard key pair (private and public keys).
type KeyPair struct {
	PrivateKey string `json:"private_key"`
	PublicKey  string `json:"public_key"`
}

// KeyGenerator produces fresh key pairs.
type KeyGenerator interface {
	Generate() (*KeyPair, error)
}

type readerKeyGenerator struct {
	src io.Reader
}

// NewKeyGenerator returns a generator that draws private key material from src.
// A nil src means crypto/rand.
func NewKeyGenerator(src io.Reader) KeyGenerator {
	if src == nil {
		src = rand.Reader
	}
	return &readerKeyGenerator{src: src}
}

func (g *readerKeyGenerator) Generate() (*KeyPair, error) {
	priv := make([]byte, KeySize)
	if _, err := io.ReadFull(g.src, priv); err != nil {
		return nil, fmt.Errorf("failed to read private key material: %w", err)
	}
	clampPrivateKey(priv)

	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("failed to generate public key: %w", err)
	}

	return &KeyPair{
		PrivateKey: base64.StdEncoding.EncodeToString(priv),
		PublicKey:  base64.StdEncoding.EncodeToString(pub),
	}, nil
}

// GenerateKeyPair generates a new WireGuard key pair from crypto/rand.
func GenerateKeyPair() (*KeyPair, error) {
	return NewKeyGenerator(nil).Generate()
}

// DerivePublicKey derives a public key from a given private key.
func DerivePublicKey(privateKey string) (string, error) {
	priv, err := decodeKey(privateKey)
	if err != nil {
		return "", fmt.Errorf("invalid private key: %w", err)
	}
	clampPrivateKey(priv)

	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return "", fmt.Errorf("failed to derive public key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(pub), nil
}

// IsValidKey reports whether key is a base64-encoded 32-byte value.
func IsValidKey(key string) bool {
	_, err := decodeKey(key)
	return err == nil
}

func decodeKey(key string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return nil, fmt.Errorf("not valid base64: %w", err)
	}
	if len(raw) != KeySize {
		return nil, fmt.Errorf("expected %d bytes, got %d", KeySize, len(raw))
	}
	return raw, nil
}

func clampPrivateKey(key []byte) {
	key[0] &= 248
	key[31] &= 127
	key[31] |= 64
}

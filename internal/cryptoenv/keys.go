// Package cryptoenv implements the envelope-encryption primitives used by
// the agent memory store: per-record data-encryption keys (DEKs) sealed
// with AES-256-GCM, X25519 ECDH + HKDF key wrapping for sharing, and
// Ed25519 signing identities with multibase public-key export.
package cryptoenv

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/curve25519"
)

// Algorithm identifies a key algorithm for export and directory purposes.
type Algorithm string

const (
	AlgorithmEd25519 Algorithm = "ed25519"
	AlgorithmX25519  Algorithm = "x25519"
)

// KeySize is the raw public key length for both supported algorithms.
const KeySize = 32

// Multicodec prefixes per the did:key registry.
var (
	prefixEd25519 = []byte{0xED, 0x01}
	prefixX25519  = []byte{0xEC, 0x01}
)

var (
	ErrUnknownAlgorithm = errors.New("cryptoenv: unknown key algorithm")
	ErrBadKeyLength     = errors.New("cryptoenv: bad key length")
)

// X25519KeyPair holds a raw Curve25519 key agreement pair.
type X25519KeyPair struct {
	Public  []byte
	Private []byte
}

// Ed25519KeyPair holds a signing pair. Private is the 64-byte expanded
// form produced by crypto/ed25519.
type Ed25519KeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// GenerateX25519 creates a fresh key agreement pair.
func GenerateX25519() (*X25519KeyPair, error) {
	priv := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(priv); err != nil {
		return nil, fmt.Errorf("cryptoenv: read random scalar: %w", err)
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("cryptoenv: derive public point: %w", err)
	}
	return &X25519KeyPair{Public: pub, Private: priv}, nil
}

// GenerateEd25519 creates a fresh signing pair.
func GenerateEd25519() (*Ed25519KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("cryptoenv: generate ed25519: %w", err)
	}
	return &Ed25519KeyPair{Public: pub, Private: priv}, nil
}

// DeriveSharedSecret performs X25519 ECDH between a local private key and
// a remote public key. Both sides derive the same 32-byte secret.
func DeriveSharedSecret(priv, pub []byte) ([]byte, error) {
	if len(priv) != curve25519.ScalarSize || len(pub) != curve25519.PointSize {
		return nil, ErrBadKeyLength
	}
	ss, err := curve25519.X25519(priv, pub)
	if err != nil {
		return nil, fmt.Errorf("cryptoenv: x25519: %w", err)
	}
	return ss, nil
}

// Sign signs data with an Ed25519 private key.
func Sign(priv ed25519.PrivateKey, data []byte) []byte {
	return ed25519.Sign(priv, data)
}

// Verify reports whether sig is a valid Ed25519 signature over data.
func Verify(pub ed25519.PublicKey, data, sig []byte) bool {
	return ed25519.Verify(pub, data, sig)
}

// ExportPublicKey renders a raw public key in multibase form:
// "z" + base58btc(multicodec prefix || raw key bytes).
func ExportPublicKey(alg Algorithm, raw []byte) (string, error) {
	var prefix []byte
	switch alg {
	case AlgorithmEd25519:
		prefix = prefixEd25519
	case AlgorithmX25519:
		prefix = prefixX25519
	default:
		return "", ErrUnknownAlgorithm
	}
	if len(raw) != KeySize {
		return "", ErrBadKeyLength
	}
	buf := make([]byte, 0, len(prefix)+len(raw))
	buf = append(buf, prefix...)
	buf = append(buf, raw...)
	return "z" + base58.Encode(buf), nil
}

// DecodePublicKey reverses ExportPublicKey, returning the algorithm and
// raw key bytes.
func DecodePublicKey(encoded string) (Algorithm, []byte, error) {
	if len(encoded) < 2 || encoded[0] != 'z' {
		return "", nil, errors.New("cryptoenv: not a multibase base58btc key")
	}
	buf, err := base58.Decode(encoded[1:])
	if err != nil {
		return "", nil, fmt.Errorf("cryptoenv: decode base58: %w", err)
	}
	if len(buf) != 34 {
		return "", nil, ErrBadKeyLength
	}
	switch {
	case buf[0] == prefixEd25519[0] && buf[1] == prefixEd25519[1]:
		return AlgorithmEd25519, buf[2:], nil
	case buf[0] == prefixX25519[0] && buf[1] == prefixX25519[1]:
		return AlgorithmX25519, buf[2:], nil
	}
	return "", nil, ErrUnknownAlgorithm
}

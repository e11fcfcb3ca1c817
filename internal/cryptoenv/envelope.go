package cryptoenv

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	// DEKSize is the length of a data-encryption key.
	DEKSize = 32
	// NonceSize is the AES-GCM nonce length.
	NonceSize = 12

	envelopeVersion = 1
	saltSize        = 16

	// wrapInfo binds derived wrap keys to this protocol.
	wrapInfo = "atproto-agent-network:dek"

	// minEnvelopeSize is version + salt + nonce + ephemeral public key.
	minEnvelopeSize = 1 + saltSize + NonceSize + curve25519.PointSize
)

var (
	ErrEnvelopeVersion = errors.New("cryptoenv: unsupported envelope version")
	ErrEnvelopeShort   = errors.New("cryptoenv: envelope too short")
)

// GenerateDEK returns a fresh 32-byte data-encryption key.
func GenerateDEK() ([]byte, error) {
	dek := make([]byte, DEKSize)
	if _, err := rand.Read(dek); err != nil {
		return nil, fmt.Errorf("cryptoenv: generate dek: %w", err)
	}
	return dek, nil
}

// GenerateNonce returns a fresh 12-byte AES-GCM nonce.
func GenerateNonce() ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("cryptoenv: generate nonce: %w", err)
	}
	return nonce, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != DEKSize {
		return nil, ErrBadKeyLength
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Encrypt seals plaintext under dek with the given nonce via AES-256-GCM.
func Encrypt(dek, nonce, plaintext []byte) ([]byte, error) {
	aead, err := newGCM(dek)
	if err != nil {
		return nil, err
	}
	if len(nonce) != NonceSize {
		return nil, errors.New("cryptoenv: bad nonce length")
	}
	return aead.Seal(nil, nonce, plaintext, nil), nil
}

// Decrypt opens ciphertext sealed by Encrypt.
func Decrypt(dek, nonce, ciphertext []byte) ([]byte, error) {
	aead, err := newGCM(dek)
	if err != nil {
		return nil, err
	}
	if len(nonce) != NonceSize {
		return nil, errors.New("cryptoenv: bad nonce length")
	}
	pt, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("cryptoenv: decrypt: %w", err)
	}
	return pt, nil
}

// WrapDEK seals a DEK for a recipient's X25519 public key. Each call uses
// a fresh ephemeral keypair and salt, so two wraps of the same DEK never
// produce the same envelope. Layout:
//
//	version(1) || salt(16) || nonce(12) || ephemeralPub(32) || ciphertext
func WrapDEK(dek, recipientPub []byte) ([]byte, error) {
	eph, err := GenerateX25519()
	if err != nil {
		return nil, err
	}
	ss, err := DeriveSharedSecret(eph.Private, recipientPub)
	if err != nil {
		return nil, err
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("cryptoenv: generate salt: %w", err)
	}
	nonce, err := GenerateNonce()
	if err != nil {
		return nil, err
	}

	kek := make([]byte, DEKSize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, ss, salt, []byte(wrapInfo)), kek); err != nil {
		return nil, fmt.Errorf("cryptoenv: hkdf: %w", err)
	}
	ct, err := Encrypt(kek, nonce, dek)
	if err != nil {
		return nil, err
	}

	env := make([]byte, 0, minEnvelopeSize+len(ct))
	env = append(env, envelopeVersion)
	env = append(env, salt...)
	env = append(env, nonce...)
	env = append(env, eph.Public...)
	env = append(env, ct...)
	return env, nil
}

// UnwrapDEK opens an envelope produced by WrapDEK using the recipient's
// X25519 private key.
func UnwrapDEK(envelope, recipientPriv []byte) ([]byte, error) {
	if len(envelope) < minEnvelopeSize {
		return nil, ErrEnvelopeShort
	}
	if envelope[0] != envelopeVersion {
		return nil, ErrEnvelopeVersion
	}
	salt := envelope[1 : 1+saltSize]
	nonce := envelope[1+saltSize : 1+saltSize+NonceSize]
	ephPub := envelope[1+saltSize+NonceSize : minEnvelopeSize]
	ct := envelope[minEnvelopeSize:]

	ss, err := DeriveSharedSecret(recipientPriv, ephPub)
	if err != nil {
		return nil, err
	}
	kek := make([]byte, DEKSize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, ss, salt, []byte(wrapInfo)), kek); err != nil {
		return nil, fmt.Errorf("cryptoenv: hkdf: %w", err)
	}
	return Decrypt(kek, nonce, ct)
}

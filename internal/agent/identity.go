// Package agent implements the per-identity actor: identity and config,
// the bounded session transcript, the observe/think/act/reflect cycle
// chain, tiered error backoff, and the timer scheduler that drives it.
package agent

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agentmesh/backend/internal/cryptoenv"
	"github.com/agentmesh/backend/internal/state"
)

// Identity is the actor's stable cryptographic identity. Keys are
// created on first touch and persisted; private halves never leave the
// actor.
type Identity struct {
	DID        string
	Signing    *cryptoenv.Ed25519KeyPair
	Encryption *cryptoenv.X25519KeyPair
	CreatedAt  time.Time
	RotatedAt  *time.Time
}

// jwk is the persisted key form. OKP per RFC 8037; D is absent for
// public-only exports.
type jwk struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	D   string `json:"d,omitempty"`
}

type storedIdentity struct {
	Version    int        `json:"version"`
	DID        string     `json:"did"`
	Signing    jwk        `json:"signing"`
	Encryption jwk        `json:"encryption"`
	CreatedAt  time.Time  `json:"createdAt"`
	RotatedAt  *time.Time `json:"rotatedAt,omitempty"`
}

const identityVersion = 1

func b64u(b []byte) string          { return base64.RawURLEncoding.EncodeToString(b) }
func b64uDecode(s string) ([]byte, error) { return base64.RawURLEncoding.DecodeString(s) }

// LoadOrCreateIdentity returns the actor's identity, creating and
// persisting fresh keypairs on first touch.
func LoadOrCreateIdentity(st *state.Store) (*Identity, error) {
	var stored storedIdentity
	found, err := st.Get(state.KeyIdentity, &stored)
	if err != nil {
		return nil, err
	}
	if found {
		return identityFromStored(&stored)
	}

	signing, err := cryptoenv.GenerateEd25519()
	if err != nil {
		return nil, err
	}
	encryption, err := cryptoenv.GenerateX25519()
	if err != nil {
		return nil, err
	}
	id := &Identity{
		DID:        "did:cf:" + uuid.NewString(),
		Signing:    signing,
		Encryption: encryption,
		CreatedAt:  time.Now().UTC(),
	}
	if err := st.Put(state.KeyIdentity, id.toStored()); err != nil {
		return nil, err
	}
	return id, nil
}

func (id *Identity) toStored() *storedIdentity {
	return &storedIdentity{
		Version:   identityVersion,
		DID:       id.DID,
		CreatedAt: id.CreatedAt,
		RotatedAt: id.RotatedAt,
		Signing: jwk{
			Kty: "OKP", Crv: "Ed25519",
			X: b64u(id.Signing.Public),
			D: b64u(id.Signing.Private.Seed()),
		},
		Encryption: jwk{
			Kty: "OKP", Crv: "X25519",
			X: b64u(id.Encryption.Public),
			D: b64u(id.Encryption.Private),
		},
	}
}

func identityFromStored(stored *storedIdentity) (*Identity, error) {
	if stored.Version != identityVersion {
		return nil, fmt.Errorf("agent: unsupported identity version %d", stored.Version)
	}
	seed, err := b64uDecode(stored.Signing.D)
	if err != nil {
		return nil, fmt.Errorf("agent: decode signing key: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("agent: signing seed is %d bytes", len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)

	encPriv, err := b64uDecode(stored.Encryption.D)
	if err != nil {
		return nil, fmt.Errorf("agent: decode encryption key: %w", err)
	}
	encPub, err := b64uDecode(stored.Encryption.X)
	if err != nil {
		return nil, fmt.Errorf("agent: decode encryption public key: %w", err)
	}

	return &Identity{
		DID:        stored.DID,
		CreatedAt:  stored.CreatedAt,
		RotatedAt:  stored.RotatedAt,
		Signing:    &cryptoenv.Ed25519KeyPair{Public: priv.Public().(ed25519.PublicKey), Private: priv},
		Encryption: &cryptoenv.X25519KeyPair{Public: encPub, Private: encPriv},
	}, nil
}

// PublicKeys renders the multibase directory entry for the relay.
func (id *Identity) PublicKeys() (map[string]string, error) {
	signing, err := cryptoenv.ExportPublicKey(cryptoenv.AlgorithmEd25519, id.Signing.Public)
	if err != nil {
		return nil, err
	}
	encryption, err := cryptoenv.ExportPublicKey(cryptoenv.AlgorithmX25519, id.Encryption.Public)
	if err != nil {
		return nil, err
	}
	return map[string]string{"signing": signing, "encryption": encryption}, nil
}

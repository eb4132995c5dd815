// Package identity implements per-node Ed25519 key pairs, DID derivation,
// and the challenge-response peer authentication handshake. The secret
// key never leaves this package except as ciphertext written to
// swarm_state: callers only ever see a Handle, which exposes Sign,
// PublicKey and PublicKeyHex and nothing else.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/cuemby/warrenswarm/pkg/security"
	"github.com/cuemby/warrenswarm/pkg/storage"
)

// stateKey is the swarm_state key under which the encrypted Ed25519 seed
// is persisted.
const stateKey = "identity_seed"

// Handle is an opaque wrapper around a node's Ed25519 private key. It
// intentionally exposes no way to export the raw key material.
type Handle struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// Sign produces a detached Ed25519 signature over data.
func (h *Handle) Sign(data []byte) []byte {
	return ed25519.Sign(h.priv, data)
}

// PublicKey returns the node's Ed25519 public key.
func (h *Handle) PublicKey() ed25519.PublicKey {
	return h.pub
}

// PublicKeyHex returns the hex encoding stored in types.Node.PublicKey and
// types.Identity.PublicKey.
func (h *Handle) PublicKeyHex() string {
	return hex.EncodeToString(h.pub)
}

// LoadOrCreate reads the node's persisted, encrypted Ed25519 seed from
// store, or generates and persists a new key pair if none exists. The
// swarm encryption key must already be set via security.SetSwarmEncryptionKey
// before calling this.
func LoadOrCreate(store storage.Store) (*Handle, error) {
	ciphertext, err := store.GetState(stateKey)
	if err != nil {
		return nil, fmt.Errorf("identity: read persisted seed: %w", err)
	}
	if len(ciphertext) > 0 {
		seed, decErr := security.Decrypt(ciphertext)
		if decErr != nil {
			return nil, fmt.Errorf("identity: decrypt persisted seed: %w", decErr)
		}
		if len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("identity: persisted seed has %d bytes, want %d", len(seed), ed25519.SeedSize)
		}
		priv := ed25519.NewKeyFromSeed(seed)
		return &Handle{priv: priv, pub: priv.Public().(ed25519.PublicKey)}, nil
	}

	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("identity: generate seed: %w", err)
	}
	priv := ed25519.NewKeyFromSeed(seed)

	ciphertext, err = security.Encrypt(seed)
	if err != nil {
		return nil, fmt.Errorf("identity: encrypt seed for persistence: %w", err)
	}
	if err := store.PutState(stateKey, ciphertext); err != nil {
		return nil, fmt.Errorf("identity: persist seed: %w", err)
	}

	return &Handle{priv: priv, pub: priv.Public().(ed25519.PublicKey)}, nil
}

// DID derives the decentralised identifier for a node under the given
// realm: "did:<realm>:<node-id>".
func DID(realm, nodeID string) string {
	return fmt.Sprintf("did:%s:%s", realm, nodeID)
}

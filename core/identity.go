package core

import (
	"crypto/ed25519"
	"fmt"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/blake2b"
)

// Identity is a node's signing keypair together with the node id it
// derives. The private key signs peer advertisements and mutable values;
// it never leaves the process.
type Identity struct {
	PrivateKey ed25519.PrivateKey
	PublicKey  ed25519.PublicKey
	NodeId     Id
}

// DeriveIdentity expands a 32-byte ed25519 seed into a keypair and derives
// the node id as blake2b-256 of the public key, rather than using the
// public key bytes directly, so node ids stay uniform across the key
// space regardless of any structure ed25519 public keys carry.
func DeriveIdentity(seed []byte) (*Identity, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("boson: identity: seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	digest := blake2b.Sum256(pub)
	id, err := IdOf(digest[:])
	if err != nil {
		return nil, err
	}
	return &Identity{PrivateKey: priv, PublicKey: pub, NodeId: id}, nil
}

// DeriveIdentityFromBase58 decodes a base58-encoded private key seed, the
// form the configuration file's private_key field carries, and derives
// its Identity.
func DeriveIdentityFromBase58(encoded string) (*Identity, error) {
	seed, err := base58.Decode(encoded)
	if err != nil {
		return nil, fmt.Errorf("boson: identity: decode private_key: %w", err)
	}
	return DeriveIdentity(seed)
}

// Sign signs message with the identity's private key.
func (id *Identity) Sign(message []byte) []byte {
	return ed25519.Sign(id.PrivateKey, message)
}

// VerifySignature checks sig against message under the given ed25519
// public key.
func VerifySignature(pub ed25519.PublicKey, message, sig []byte) bool {
	return ed25519.Verify(pub, message, sig)
}

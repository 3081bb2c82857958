package core

import (
	"bytes"
	"crypto/ed25519"
	"testing"

	"github.com/mr-tron/base58"
)

func TestDeriveIdentityRejectsWrongSeedLength(t *testing.T) {
	if _, err := DeriveIdentity(make([]byte, ed25519.SeedSize-1)); err == nil {
		t.Fatal("expected error for short seed")
	}
}

func TestDeriveIdentityIsDeterministic(t *testing.T) {
	seed := bytes.Repeat([]byte{0x07}, ed25519.SeedSize)
	a, err := DeriveIdentity(seed)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	b, err := DeriveIdentity(seed)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if a.NodeId != b.NodeId {
		t.Fatalf("same seed produced different node ids: %s vs %s", a.NodeId, b.NodeId)
	}
	if !bytes.Equal(a.PublicKey, b.PublicKey) {
		t.Fatal("same seed produced different public keys")
	}
}

func TestDeriveIdentityNodeIdIsNotThePublicKey(t *testing.T) {
	seed := bytes.Repeat([]byte{0x09}, ed25519.SeedSize)
	id, err := DeriveIdentity(seed)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	pubId, err := IdOf(id.PublicKey)
	if err != nil {
		t.Fatalf("IdOf: %v", err)
	}
	if id.NodeId == pubId {
		t.Fatal("node id must be the blake2b digest of the public key, not the key itself")
	}
}

func TestDeriveIdentityFromBase58RoundTrips(t *testing.T) {
	seed := bytes.Repeat([]byte{0x11}, ed25519.SeedSize)
	encoded := base58.Encode(seed)

	viaBase58, err := DeriveIdentityFromBase58(encoded)
	if err != nil {
		t.Fatalf("DeriveIdentityFromBase58: %v", err)
	}
	direct, err := DeriveIdentity(seed)
	if err != nil {
		t.Fatalf("DeriveIdentity: %v", err)
	}
	if viaBase58.NodeId != direct.NodeId {
		t.Fatal("base58 decode path diverged from direct seed path")
	}
}

func TestDeriveIdentityFromBase58RejectsGarbage(t *testing.T) {
	if _, err := DeriveIdentityFromBase58("not valid base58!!"); err == nil {
		t.Fatal("expected error for invalid base58")
	}
}

func TestSignAndVerifySignature(t *testing.T) {
	seed := bytes.Repeat([]byte{0x13}, ed25519.SeedSize)
	id, err := DeriveIdentity(seed)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	message := []byte("announce me")
	sig := id.Sign(message)

	if !VerifySignature(id.PublicKey, message, sig) {
		t.Fatal("signature failed to verify against its own public key")
	}
	if VerifySignature(id.PublicKey, []byte("tampered"), sig) {
		t.Fatal("signature verified against a different message")
	}

	other, err := DeriveIdentity(bytes.Repeat([]byte{0x14}, ed25519.SeedSize))
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if VerifySignature(other.PublicKey, message, sig) {
		t.Fatal("signature verified against an unrelated public key")
	}
}

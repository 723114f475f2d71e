package state

import (
	"bytes"

	"golang.org/x/crypto/blake2b"
)

const (
	HashSize      = blake2b.Size256
	PublicKeySize = 32
)

// SecureHash identifies keys, it is the BLAKE2b-256 digest of the public key bytes
type SecureHash [HashSize]byte

// PublicKey is a X25519 public key, used both for Diffie-Hellman and XEdDSA signatures
type PublicKey [PublicKeySize]byte

func NewSecureHash(data []byte) SecureHash {
	return blake2b.Sum256(data)
}

func (h SecureHash) Compare(o SecureHash) int {
	return bytes.Compare(h[:], o[:])
}

func (h SecureHash) IsZero() bool {
	return h == SecureHash{}
}

// Short returns an abbreviated form for logging
func (h SecureHash) Short() string {
	text, _ := h.MarshalText()
	return string(text[:8])
}

func (h SecureHash) String() string {
	text, _ := h.MarshalText()
	return string(text)
}

func (k PublicKey) Compare(o PublicKey) int {
	return bytes.Compare(k[:], o[:])
}

func (k PublicKey) Hash() SecureHash {
	return NewSecureHash(k[:])
}

func (k PublicKey) String() string {
	text, _ := k.MarshalText()
	return string(text)
}

// VersionedIdentity is a forward-secure version proof produced from an identity's hash chain
type VersionedIdentity struct {
	Version    uint64
	ChainValue SecureHash
}

package core

import (
	"crypto"
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/encodeous/weft/state"
	"go.step.sm/crypto/x25519"
)

type keyPair struct {
	priv x25519.PrivateKey
	pub  state.PublicKey
}

func generateKeyPair(rand io.Reader) *keyPair {
	pub, priv, err := x25519.GenerateKey(rand)
	if err != nil {
		panic(err)
	}
	return &keyPair{
		priv: priv,
		pub:  state.PublicKey(pub),
	}
}

func (k *keyPair) wipe() {
	clear(k.priv)
}

type networkIdentity struct {
	sign          *keyPair
	dh            *keyPair
	chain         *HashChain
	publicAddress string

	mu      sync.Mutex // guards version
	version uint64
}

func (n *networkIdentity) versioned(version uint64) (state.VersionedIdentity, error) {
	value, err := n.chain.Value(version)
	if err != nil {
		return state.VersionedIdentity{}, err
	}
	return state.VersionedIdentity{Version: version, ChainValue: value}, nil
}

// KeyService owns all private key material of a node. Keys are indexed by the secure hash of their public key,
// across three separate namespaces: network identities, standalone signing keys and standalone DH keys.
// Private keys never leave the service.
type KeyService struct {
	rand       io.Reader
	minVersion uint64
	maxVersion uint64
	log        *slog.Logger

	mu         sync.RWMutex // guards the maps, never held during crypto operations
	identities map[state.SecureHash]*networkIdentity
	signing    map[state.SecureHash]*keyPair
	dh         map[state.SecureHash]*keyPair
}

type KeyServiceOption func(*KeyService)

// WithRand replaces the randomness source, crypto/rand is used by default
func WithRand(r io.Reader) KeyServiceOption {
	return func(k *KeyService) {
		k.rand = r
	}
}

func WithKeyLogger(log *slog.Logger) KeyServiceOption {
	return func(k *KeyService) {
		k.log = log
	}
}

func NewKeyService(minVersion, maxVersion uint64, opts ...KeyServiceOption) (*KeyService, error) {
	if err := state.ChainBoundsValidator(minVersion, maxVersion); err != nil {
		return nil, err
	}
	k := &KeyService{
		rand:       rand.Reader,
		minVersion: minVersion,
		maxVersion: maxVersion,
		log:        slog.Default(),
		identities: make(map[state.SecureHash]*networkIdentity),
		signing:    make(map[state.SecureHash]*keyPair),
		dh:         make(map[state.SecureHash]*keyPair),
	}
	for _, opt := range opts {
		opt(k)
	}
	return k, nil
}

func (k *KeyService) Init(s *state.State) error {
	k.log = s.Log.With("module", "keys")
	return nil
}

// Cleanup wipes every private key held by the service
func (k *KeyService) Cleanup(s *state.State) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	for _, n := range k.identities {
		n.sign.wipe()
		n.dh.wipe()
	}
	for _, kp := range k.signing {
		kp.wipe()
	}
	for _, kp := range k.dh {
		kp.wipe()
	}
	clear(k.identities)
	clear(k.signing)
	clear(k.dh)
	return nil
}

// GenerateNetworkID creates a signing key, a DH key and a hash chain bundle. The id is the hash of the signing key.
func (k *KeyService) GenerateNetworkID(publicAddress string) state.SecureHash {
	n := &networkIdentity{
		sign:          generateKeyPair(k.rand),
		dh:            generateKeyPair(k.rand),
		publicAddress: publicAddress,
		version:       k.minVersion,
	}
	id := n.sign.pub.Hash()
	chain, err := NewHashChain(k.rand, id, k.minVersion, k.maxVersion)
	if err != nil {
		panic(err)
	}
	n.chain = chain

	k.mu.Lock()
	k.identities[id] = n
	k.mu.Unlock()
	k.log.Debug("generated network identity", "id", id.Short(), "public_address", publicAddress)
	return id
}

func (k *KeyService) GenerateSigningKey() state.SecureHash {
	kp := generateKeyPair(k.rand)
	id := kp.pub.Hash()
	k.mu.Lock()
	k.signing[id] = kp
	k.mu.Unlock()
	return id
}

func (k *KeyService) GenerateDhKey() state.SecureHash {
	kp := generateKeyPair(k.rand)
	id := kp.pub.Hash()
	k.mu.Lock()
	k.dh[id] = kp
	k.mu.Unlock()
	return id
}

func (k *KeyService) identity(id state.SecureHash) (*networkIdentity, error) {
	k.mu.RLock()
	n, ok := k.identities[id]
	k.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: network identity %s", state.ErrKeyNotFound, id.Short())
	}
	return n, nil
}

func (k *KeyService) signingKey(id state.SecureHash) (*keyPair, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if n, ok := k.identities[id]; ok {
		return n.sign, nil
	}
	if kp, ok := k.signing[id]; ok {
		return kp, nil
	}
	return nil, fmt.Errorf("%w: signing key %s", state.ErrKeyNotFound, id.Short())
}

func (k *KeyService) dhKey(id state.SecureHash) (*keyPair, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if n, ok := k.identities[id]; ok {
		return n.dh, nil
	}
	if kp, ok := k.dh[id]; ok {
		return kp, nil
	}
	return nil, fmt.Errorf("%w: dh key %s", state.ErrKeyNotFound, id.Short())
}

// Sign produces an XEdDSA signature over msg
func (k *KeyService) Sign(id state.SecureHash, msg []byte) ([]byte, error) {
	kp, err := k.signingKey(id)
	if err != nil {
		return nil, err
	}
	sig, err := kp.priv.Sign(k.rand, msg, crypto.Hash(0))
	if err != nil {
		k.log.Warn("signing failed", "id", id.Short(), "error", err)
		return nil, fmt.Errorf("%w: %w", state.ErrCryptoOperationFailed, err)
	}
	return sig, nil
}

func (k *KeyService) GetSharedDHSecret(id state.SecureHash, remote []byte) ([]byte, error) {
	kp, err := k.dhKey(id)
	if err != nil {
		return nil, err
	}
	if len(remote) != state.PublicKeySize {
		k.log.Warn("malformed remote dh key", "id", id.Short(), "len", len(remote))
		return nil, fmt.Errorf("%w: remote key has %d bytes, expected %d", state.ErrCryptoOperationFailed, len(remote), state.PublicKeySize)
	}
	secret, err := kp.priv.SharedKey(remote)
	if err != nil {
		k.log.Warn("dh failed", "id", id.Short(), "error", err)
		return nil, fmt.Errorf("%w: %w", state.ErrCryptoOperationFailed, err)
	}
	return secret, nil
}

// GetVersion returns the current version of a network identity without advancing it
func (k *KeyService) GetVersion(id state.SecureHash) (state.VersionedIdentity, error) {
	n, err := k.identity(id)
	if err != nil {
		return state.VersionedIdentity{}, err
	}
	n.mu.Lock()
	version := n.version
	n.mu.Unlock()
	return n.versioned(version)
}

// IncrementAndGetVersion atomically advances the identity by one version
func (k *KeyService) IncrementAndGetVersion(id state.SecureHash) (state.VersionedIdentity, error) {
	n, err := k.identity(id)
	if err != nil {
		return state.VersionedIdentity{}, err
	}
	n.mu.Lock()
	if n.version >= n.chain.Max() {
		n.mu.Unlock()
		return state.VersionedIdentity{}, fmt.Errorf("%w: identity %s is at version %d", state.ErrVersionBoundExceeded, id.Short(), n.chain.Max())
	}
	n.version++
	version := n.version
	n.mu.Unlock()
	return n.versioned(version)
}

func (k *KeyService) GetSigningKey(id state.SecureHash) (state.PublicKey, error) {
	kp, err := k.signingKey(id)
	if err != nil {
		return state.PublicKey{}, err
	}
	return kp.pub, nil
}

func (k *KeyService) GetDhKey(id state.SecureHash) (state.PublicKey, error) {
	kp, err := k.dhKey(id)
	if err != nil {
		return state.PublicKey{}, err
	}
	return kp.pub, nil
}

// ChainAnchor returns the public commitment of a network identity's hash chain
func (k *KeyService) ChainAnchor(id state.SecureHash) (state.SecureHash, error) {
	n, err := k.identity(id)
	if err != nil {
		return state.SecureHash{}, err
	}
	return n.chain.Anchor(), nil
}

// SphinxAddress binds the identity's DH key to its current version
func (k *KeyService) SphinxAddress(id state.SecureHash) (state.SphinxAddress, error) {
	n, err := k.identity(id)
	if err != nil {
		return state.SphinxAddress{}, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return state.SphinxAddress{Identity: n.dh.pub, Version: n.version}, nil
}

func (k *KeyService) PublicAddressOf(id state.SecureHash) (string, error) {
	n, err := k.identity(id)
	if err != nil {
		return "", err
	}
	return n.publicAddress, nil
}

// Verify checks an XEdDSA signature produced by Sign
func Verify(pub state.PublicKey, msg, sig []byte) bool {
	if len(sig) != x25519.SignatureSize {
		return false
	}
	return x25519.Verify(pub[:], msg, sig)
}

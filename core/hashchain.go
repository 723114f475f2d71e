package core

import (
	"crypto/subtle"
	"fmt"
	"io"

	"github.com/encodeous/weft/state"
	"golang.org/x/crypto/blake2b"
)

const chainCheckpointStride = 256

// HashChain yields one value per version in [min, max]. value(v) = H^(max-v)(seed), so later versions
// are preimages of earlier ones: value(v) can be checked against the anchor, but reveals nothing about value(v+1).
// H is BLAKE2b-256 keyed with the owning identity id.
type HashChain struct {
	id          state.SecureHash
	min, max    uint64
	anchor      state.SecureHash
	checkpoints []state.SecureHash // checkpoints[k] = H^(k*stride)(seed)
}

func chainStep(id state.SecureHash, v state.SecureHash) state.SecureHash {
	h, err := blake2b.New256(id[:])
	if err != nil {
		panic(err)
	}
	h.Write(v[:])
	var out state.SecureHash
	copy(out[:], h.Sum(nil))
	return out
}

func NewHashChain(rand io.Reader, id state.SecureHash, minVersion, maxVersion uint64) (*HashChain, error) {
	if err := state.ChainBoundsValidator(minVersion, maxVersion); err != nil {
		return nil, err
	}
	var seed state.SecureHash
	if _, err := io.ReadFull(rand, seed[:]); err != nil {
		return nil, fmt.Errorf("failed to read chain seed: %w", err)
	}
	c := &HashChain{
		id:  id,
		min: minVersion,
		max: maxVersion,
	}
	length := maxVersion - minVersion
	c.checkpoints = make([]state.SecureHash, 0, length/chainCheckpointStride+1)
	cur := seed
	for p := uint64(0); p <= length; p++ {
		if p%chainCheckpointStride == 0 {
			c.checkpoints = append(c.checkpoints, cur)
		}
		cur = chainStep(id, cur)
	}
	c.anchor = cur
	return c, nil
}

func (c *HashChain) Min() uint64 { return c.min }
func (c *HashChain) Max() uint64 { return c.max }

// Anchor is the public commitment that every chain value verifies against
func (c *HashChain) Anchor() state.SecureHash {
	return c.anchor
}

func (c *HashChain) Value(version uint64) (state.SecureHash, error) {
	if version < c.min || version > c.max {
		return state.SecureHash{}, fmt.Errorf("%w: version %d outside [%d, %d]", state.ErrVersionBoundExceeded, version, c.min, c.max)
	}
	p := c.max - version
	k := p / chainCheckpointStride
	cur := c.checkpoints[k]
	for i := k * chainCheckpointStride; i < p; i++ {
		cur = chainStep(c.id, cur)
	}
	return cur, nil
}

// VerifyChainValue checks that vi belongs to the chain of identity id committed to by anchor
func VerifyChainValue(id state.SecureHash, anchor state.SecureHash, minVersion uint64, vi state.VersionedIdentity) bool {
	if vi.Version < minVersion || vi.Version-minVersion > state.MaxChainLength {
		return false
	}
	cur := vi.ChainValue
	for i := uint64(0); i <= vi.Version-minVersion; i++ {
		cur = chainStep(id, cur)
	}
	return subtle.ConstantTimeCompare(cur[:], anchor[:]) == 1
}

package core

import (
	"crypto/rand"
	"testing"

	"github.com/encodeous/weft/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashChainVerifies(t *testing.T) {
	id := state.NewSecureHash([]byte("identity"))
	chain, err := NewHashChain(rand.Reader, id, 10, 1000)
	require.NoError(t, err)

	for _, v := range []uint64{10, 11, 255, 256, 265, 266, 267, 999, 1000} {
		value, err := chain.Value(v)
		require.NoError(t, err)
		assert.True(t, VerifyChainValue(id, chain.Anchor(), 10, state.VersionedIdentity{Version: v, ChainValue: value}), "version %d", v)
	}
}

func TestHashChainForwardSecrecy(t *testing.T) {
	id := state.NewSecureHash([]byte("identity"))
	chain, err := NewHashChain(rand.Reader, id, 0, 600)
	require.NoError(t, err)

	first, err := chain.Value(0)
	require.NoError(t, err)
	assert.Equal(t, chain.Anchor(), chainStep(id, first))

	// a newer value hashes down to every older one, never the other way around
	for v := uint64(0); v < 600; v += 97 {
		older, err := chain.Value(v)
		require.NoError(t, err)
		newer, err := chain.Value(v + 1)
		require.NoError(t, err)
		assert.Equal(t, older, chainStep(id, newer))
		assert.NotEqual(t, newer, chainStep(id, older))
	}
}

func TestHashChainRejects(t *testing.T) {
	id := state.NewSecureHash([]byte("identity"))
	chain, err := NewHashChain(rand.Reader, id, 0, 100)
	require.NoError(t, err)

	_, err = chain.Value(101)
	assert.ErrorIs(t, err, state.ErrVersionBoundExceeded)

	value, err := chain.Value(50)
	require.NoError(t, err)
	vi := state.VersionedIdentity{Version: 50, ChainValue: value}

	assert.False(t, VerifyChainValue(state.NewSecureHash([]byte("other")), chain.Anchor(), 0, vi))
	assert.False(t, VerifyChainValue(id, chain.Anchor(), 0, state.VersionedIdentity{Version: 51, ChainValue: value}))
	assert.False(t, VerifyChainValue(id, chain.Anchor(), 60, vi))
	tampered := vi
	tampered.ChainValue[0] ^= 1
	assert.False(t, VerifyChainValue(id, chain.Anchor(), 0, tampered))
	assert.False(t, VerifyChainValue(id, chain.Anchor(), 0, state.VersionedIdentity{Version: state.MaxChainLength + 1}))

	_, err = NewHashChain(rand.Reader, id, 5, 5)
	assert.Error(t, err)
}

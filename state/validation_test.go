package state

import (
	"net/netip"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNameValidator_Valid(t *testing.T) {
	assert.NoError(t, NameValidator("1"))
	assert.NoError(t, NameValidator("ab_cd"))
	assert.NoError(t, NameValidator("abcd-a.com"))
}

func TestNameValidator_Invalid(t *testing.T) {
	assert.Error(t, NameValidator("1A"))
	assert.Error(t, NameValidator("node name"))
	assert.Error(t, NameValidator(""))
	assert.Error(t, NameValidator("\t"))
	assert.Error(t, NameValidator("abcd-a.com\\hi"))
	assert.Error(t, NameValidator(strings.Repeat("a", 200)))
}

func TestChainBoundsValidator(t *testing.T) {
	assert.NoError(t, ChainBoundsValidator(0, 1))
	assert.NoError(t, ChainBoundsValidator(10, 10+MaxChainLength))
	assert.ErrorContains(t, ChainBoundsValidator(5, 5), "must be greater")
	assert.ErrorContains(t, ChainBoundsValidator(0, MaxChainLength+1), "exceeds the maximum")
}

func TestNetworkConfigValidator_DuplicateStatic(t *testing.T) {
	cfg := DefaultNetworkCfg()
	cfg.StaticRoutes = []AddressText{{NetworkAddress{Id: 1}}, {NetworkAddress{Id: 1}}}
	assert.ErrorContains(t, NetworkConfigValidator(&cfg), "duplicate static route")
}

func TestNetworkConfigValidator_StaticAndDenied(t *testing.T) {
	cfg := DefaultNetworkCfg()
	cfg.StaticRoutes = []AddressText{{NetworkAddress{Id: 1}}}
	cfg.DenyListedSources = []AddressText{{NetworkAddress{Id: 1}}}
	assert.ErrorContains(t, NetworkConfigValidator(&cfg), "both a static route and deny listed")
}

func TestNetworkConfigValidator_Invalid(t *testing.T) {
	cfg := DefaultNetworkCfg()
	cfg.BindAddress = netip.AddrPort{}
	assert.ErrorContains(t, NetworkConfigValidator(&cfg), "bind_address")

	cfg = DefaultNetworkCfg()
	cfg.NetworkId = "Bad Name"
	assert.Error(t, NetworkConfigValidator(&cfg))

	cfg = DefaultNetworkCfg()
	cfg.DenyListedPrefixes = []netip.Prefix{{}}
	assert.ErrorContains(t, NetworkConfigValidator(&cfg), "deny listed prefix")

	cfg = DefaultNetworkCfg()
	cfg.KeyStore = "/this/path/does/not/exist/keys"
	assert.ErrorContains(t, NetworkConfigValidator(&cfg), "key_store")

	cfg = DefaultNetworkCfg()
	cfg.StaticRoutes = []AddressText{{}}
	assert.ErrorContains(t, NetworkConfigValidator(&cfg), "must not be empty")
}

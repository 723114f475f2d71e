package state

import (
	"net/netip"
	"slices"
)

// NetworkCfg is supplied once when a node is constructed
type NetworkCfg struct {
	NetworkId           string         `yaml:"network_id"`
	BindAddress         netip.AddrPort `yaml:"bind_address"`
	PublicAddress       string         `yaml:"public_address,omitempty"` // advertised with the node identity
	AllowDynamicRouting bool           `yaml:"allow_dynamic_routing"`
	StaticRoutes        []AddressText  `yaml:"static_routes,omitempty"`        // neighbours we always keep a link to, and the only hops used when dynamic routing is off
	DenyListedSources   []AddressText  `yaml:"deny_listed_sources,omitempty"`  // links to/from these are refused
	DenyListedPrefixes  []netip.Prefix `yaml:"deny_listed_prefixes,omitempty"` // public addresses inside these ranges are refused
	TrustStore          []PublicKey    `yaml:"trust_store,omitempty"`          // if not empty, only these signing keys may complete a link handshake
	KeyStore            string         `yaml:"key_store,omitempty"`            // path handed to the external keystore loader
	MinVersion          uint64         `yaml:"min_version"`
	MaxVersion          uint64         `yaml:"max_version"`
	LogPath             string         `yaml:"log_path,omitempty"` // if not empty, logs are also written (and rotated) here
}

func DefaultNetworkCfg() NetworkCfg {
	return NetworkCfg{
		NetworkId:           "weft",
		BindAddress:         netip.AddrPortFrom(netip.IPv6Unspecified(), DefaultPort),
		AllowDynamicRouting: true,
		MinVersion:          DefaultMinVersion,
		MaxVersion:          DefaultMaxVersion,
	}
}

func (c *NetworkCfg) GetStaticRoutes() []Address {
	return Addresses(c.StaticRoutes)
}

func (c *NetworkCfg) GetDenyListedSources() []Address {
	return Addresses(c.DenyListedSources)
}

func (c *NetworkCfg) IsStatic(addr Address) bool {
	return slices.ContainsFunc(c.StaticRoutes, func(t AddressText) bool {
		return t.Address == addr
	})
}

func (c *NetworkCfg) IsTrusted(key PublicKey) bool {
	return len(c.TrustStore) == 0 || slices.Contains(c.TrustStore, key)
}

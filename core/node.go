package core

import (
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/encodeous/weft/state"
)

type NodeCfg struct {
	Network state.NetworkCfg
	// NewTransport creates the transport of the node once its address is known
	NewTransport func(local state.Address) state.Transport
	Log          *slog.Logger
	Clock        func() time.Time
	Rand         *rand.Rand
	// Keys is created from the chain bounds of Network when nil
	Keys *KeyService
}

// Node wires the key store, the link manager and the route table of one participant.
// The node is addressed by the overlay address of its network identity.
type Node struct {
	Identity state.SecureHash
	Address  state.OverlayAddress
	Keys     *KeyService
	Links    *NeighbourDiscoveryService
	Routes   *RouteDiscoveryService
}

func NewNode(c NodeCfg) (*Node, error) {
	if c.Log == nil {
		c.Log = slog.Default()
	}
	keys := c.Keys
	if keys == nil {
		var err error
		keys, err = NewKeyService(c.Network.MinVersion, c.Network.MaxVersion, WithKeyLogger(c.Log.With("module", "keys")))
		if err != nil {
			return nil, err
		}
	}
	id := keys.GenerateNetworkID(c.Network.PublicAddress)
	addr := state.OverlayAddress{Id: id}
	links := NewNeighbourDiscoveryService(NeighbourDiscoveryCfg{
		Local:     addr,
		Identity:  id,
		Keys:      keys,
		Transport: c.NewTransport(addr),
		Network:   c.Network,
		Log:       c.Log,
		Clock:     c.Clock,
	})
	routes := NewRouteDiscoveryService(RouteDiscoveryCfg{
		Links:   links,
		Network: c.Network,
		Log:     c.Log,
		Clock:   c.Clock,
		Rand:    c.Rand,
	})
	return &Node{
		Identity: id,
		Address:  addr,
		Keys:     keys,
		Links:    links,
		Routes:   routes,
	}, nil
}

// Modules lists the node's components in initialization order
func (n *Node) Modules() []state.Module {
	return []state.Module{n.Keys, n.Links, n.Routes}
}

package core

import (
	"log/slog"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/encodeous/weft/mock"
	"github.com/encodeous/weft/state"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// MeshHarness runs several nodes on a mock hub with a shared fake clock
type MeshHarness struct {
	t     *testing.T
	Hub   *mock.Hub
	Clock *fakeClock
	Nodes []*Node
}

func testNetworkCfg() state.NetworkCfg {
	cfg := state.DefaultNetworkCfg()
	cfg.MaxVersion = 512
	return cfg
}

func NewMeshHarness(t *testing.T, n int, configure func(i int, cfg *state.NetworkCfg)) *MeshHarness {
	h := &MeshHarness{
		t:     t,
		Hub:   mock.NewHub(),
		Clock: newFakeClock(),
	}
	h.Hub.Now = h.Clock.Now
	for i := range n {
		cfg := testNetworkCfg()
		if configure != nil {
			configure(i, &cfg)
		}
		h.AddNode(cfg, uint64(i))
	}
	return h
}

func (h *MeshHarness) AddNode(cfg state.NetworkCfg, seed uint64) *Node {
	node, err := NewNode(NodeCfg{
		Network: cfg,
		NewTransport: func(local state.Address) state.Transport {
			return h.Hub.Endpoint(local)
		},
		Log:   slog.New(slog.DiscardHandler),
		Clock: h.Clock.Now,
		Rand:  rand.New(rand.NewPCG(seed, seed+1)),
	})
	require.NoError(h.t, err)
	h.Nodes = append(h.Nodes, node)
	return node
}

// Connect opens a link from a to b and delivers the handshake
func (h *MeshHarness) Connect(a, b *Node) state.LinkId {
	require.True(h.t, a.Links.OpenLink(b.Address))
	h.Hub.Flush()
	id, ok := a.Links.FindLinkTo(b.Address)
	require.True(h.t, ok)
	return id
}

// Round runs one gossip round on every node
func (h *MeshHarness) Round() {
	for _, n := range h.Nodes {
		n.Routes.NextGossip()
		h.Hub.Flush()
	}
	for _, n := range h.Nodes {
		n.Routes.ProcessEvents()
		h.Hub.Flush()
	}
}

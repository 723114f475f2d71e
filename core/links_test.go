package core

import (
	"net/netip"
	"testing"
	"time"

	"github.com/encodeous/weft/protocol"
	"github.com/encodeous/weft/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopHandler struct{}

func (nopHandler) OnInbound(state.LinkId, state.Address)        {}
func (nopHandler) OnRawReceive(state.LinkId, []byte, time.Time) {}
func (nopHandler) OnClosed(state.LinkId, error)                 {}

func TestOpenAndCloseLink(t *testing.T) {
	h := NewMeshHarness(t, 2, nil)
	a, b := h.Nodes[0], h.Nodes[1]
	events := a.Links.OnLinkStatusChange.Subscribe()
	remoteEvents := b.Links.OnLinkStatusChange.Subscribe()

	require.True(t, a.Links.OpenLink(b.Address))
	got := events.Drain(10)
	require.Len(t, got, 1)
	id := got[0].LinkId
	assert.Equal(t, state.RouteState{
		Route:   state.Route{From: a.Address, To: b.Address},
		Version: 1,
		Status:  state.LinkUpActive,
	}, got[0].State)

	// already up, no new event
	require.True(t, a.Links.OpenLink(b.Address))
	assert.Empty(t, events.Drain(10))

	h.Hub.Flush()
	remote := remoteEvents.Drain(10)
	require.Len(t, remote, 1)
	assert.Equal(t, id, remote[0].LinkId)
	assert.Equal(t, state.LinkUpPassive, remote[0].State.Status)
	assert.Equal(t, []state.Address{a.Address}, b.Links.KnownNeighbours())

	found, ok := a.Links.FindLinkTo(b.Address)
	require.True(t, ok)
	assert.Equal(t, id, found)

	a.Links.CloseLink(id)
	got = events.Drain(10)
	require.Len(t, got, 1)
	assert.Equal(t, state.LinkDown, got[0].State.Status)
	assert.Equal(t, uint64(2), got[0].State.Version)
	a.Links.CloseLink(id)
	assert.Empty(t, events.Drain(10))

	h.Hub.Flush()
	remote = remoteEvents.Drain(10)
	require.Len(t, remote, 1)
	assert.Equal(t, state.LinkDown, remote[0].State.Status)

	_, ok = a.Links.FindLinkTo(b.Address)
	assert.False(t, ok)
	assert.ErrorIs(t, a.Links.Send(id, []byte("late")), state.ErrLinkDown)
	assert.Empty(t, b.Links.KnownNeighbours())

	// the DOWN entry is kept for a while
	assert.Equal(t, state.LinkDown, a.Links.Links()[id].State.Status)
	h.Clock.Advance(state.DownLinkRetention + time.Second)
	a.Links.RunStateMachine()
	assert.NotContains(t, a.Links.Links(), id)
}

func TestOpenLinkFailure(t *testing.T) {
	h := NewMeshHarness(t, 1, nil)
	a := h.Nodes[0]
	events := a.Links.OnLinkStatusChange.Subscribe()

	assert.False(t, a.Links.OpenLink(state.NetworkAddress{Id: 42}))
	assert.False(t, a.Links.OpenLink(a.Address))
	assert.Empty(t, events.Drain(10))
	assert.Empty(t, a.Links.Links())
}

func TestSendData(t *testing.T) {
	h := NewMeshHarness(t, 2, nil)
	a, b := h.Nodes[0], h.Nodes[1]
	received := b.Links.OnReceive.Subscribe()
	id := h.Connect(a, b)

	assert.Error(t, a.Links.Send(id, nil))
	require.NoError(t, a.Links.Send(id, []byte("payload")))
	h.Hub.Flush()

	pkts := received.Drain(10)
	require.Len(t, pkts, 1)
	assert.Equal(t, id, pkts[0].Link)
	assert.Equal(t, state.Address(a.Address), pkts[0].From)
	assert.Equal(t, []byte("payload"), pkts[0].Envelope.Data)
}

func TestDenyList(t *testing.T) {
	h := NewMeshHarness(t, 2, nil)
	a, b := h.Nodes[0], h.Nodes[1]

	cfg := testNetworkCfg()
	cfg.DenyListedSources = []state.AddressText{{Address: b.Address}}
	cfg.DenyListedPrefixes = []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}
	c := h.AddNode(cfg, 7)

	assert.False(t, c.Links.OpenLink(b.Address))
	assert.False(t, c.Links.OpenLink(state.PublicAddress{Host: "10.1.2.3", Port: 80}))
	assert.True(t, c.Links.OpenLink(a.Address))

	// inbound links from a denied source are refused
	bEvents := b.Links.OnLinkStatusChange.Subscribe()
	require.True(t, b.Links.OpenLink(c.Address))
	h.Hub.Flush()
	_, ok := c.Links.FindLinkTo(b.Address)
	assert.False(t, ok)
	got := bEvents.Drain(10)
	require.Len(t, got, 2)
	assert.Equal(t, state.LinkUpActive, got[0].State.Status)
	assert.Equal(t, state.LinkDown, got[1].State.Status)
}

func TestSimultaneousOpen(t *testing.T) {
	h := NewMeshHarness(t, 2, nil)
	a, b := h.Nodes[0], h.Nodes[1]
	require.True(t, a.Links.OpenLink(b.Address))
	require.True(t, b.Links.OpenLink(a.Address))
	h.Hub.Flush()

	ab, ok := a.Links.FindLinkTo(b.Address)
	require.True(t, ok)
	ba, ok := b.Links.FindLinkTo(a.Address)
	require.True(t, ok)
	assert.Equal(t, ab, ba)
	assert.Equal(t, []state.LinkId{ab}, h.Hub.Links())

	lower := a
	if state.CompareAddress(b.Address, a.Address) < 0 {
		lower = b
	}
	assert.Equal(t, state.LinkUpActive, lower.Links.Links()[ab].State.Status)
}

func TestHandshakeRejectsForgery(t *testing.T) {
	h := NewMeshHarness(t, 1, nil)
	a := h.Nodes[0]
	events := a.Links.OnLinkStatusChange.Subscribe()

	keys := newTestKeyService(t, 0, 10)
	signer := keys.GenerateNetworkID("")
	key, err := keys.GetSigningKey(signer)
	require.NoError(t, err)

	// claims an overlay address that is not derived from its signing key
	impostor := state.OverlayAddress{Id: state.NewSecureHash([]byte("someone else"))}
	evil := h.Hub.Endpoint(impostor)
	evil.SetHandler(nopHandler{})
	id := state.NewLinkId()
	require.NoError(t, evil.Open(id, a.Address))
	h.Hub.Flush()
	require.Equal(t, []state.Address{impostor}, a.Links.KnownNeighbours())

	hello := &protocol.Hello{
		From:       protocol.FromAddress(impostor),
		To:         protocol.FromAddress(a.Address),
		SigningKey: key[:],
		Timestamp:  h.Clock.Now().UnixMilli(),
		Link:       id[:],
	}
	hello.Signature, err = keys.Sign(signer, hello.SignedBytes())
	require.NoError(t, err)
	data, err := protocol.Marshal(&protocol.Envelope{Hello: hello})
	require.NoError(t, err)
	require.NoError(t, evil.SendRaw(id, data))
	h.Hub.Flush()

	got := events.Drain(10)
	require.Len(t, got, 2)
	assert.Equal(t, state.LinkUpPassive, got[0].State.Status)
	assert.Equal(t, state.LinkDown, got[1].State.Status)
	assert.Empty(t, a.Links.KnownNeighbours())
}

func TestHandshakeRejectsReplayOnAnotherLink(t *testing.T) {
	h := NewMeshHarness(t, 1, nil)
	a := h.Nodes[0]

	keys := newTestKeyService(t, 0, 10)
	signer := keys.GenerateNetworkID("")
	key, err := keys.GetSigningKey(signer)
	require.NoError(t, err)
	peer := state.OverlayAddress{Id: signer}
	ep := h.Hub.Endpoint(peer)
	ep.SetHandler(nopHandler{})

	first := state.NewLinkId()
	require.NoError(t, ep.Open(first, a.Address))
	h.Hub.Flush()
	hello := &protocol.Hello{
		From:       protocol.FromAddress(peer),
		To:         protocol.FromAddress(a.Address),
		SigningKey: key[:],
		Timestamp:  h.Clock.Now().UnixMilli(),
		Link:       first[:],
	}
	hello.Signature, err = keys.Sign(signer, hello.SignedBytes())
	require.NoError(t, err)
	data, err := protocol.Marshal(&protocol.Envelope{Hello: hello})
	require.NoError(t, err)
	require.NoError(t, ep.SendRaw(first, data))
	h.Hub.Flush()
	require.Equal(t, state.LinkUpPassive, a.Links.Links()[first].State.Status)

	ep.Close(first)
	h.Hub.Flush()
	require.Equal(t, state.LinkDown, a.Links.Links()[first].State.Status)

	// the same signed hello sent again on a new link
	second := state.NewLinkId()
	require.NoError(t, ep.Open(second, a.Address))
	h.Hub.Flush()
	require.Equal(t, state.LinkUpPassive, a.Links.Links()[second].State.Status)
	require.NoError(t, ep.SendRaw(second, data))
	h.Hub.Flush()
	assert.Equal(t, state.LinkDown, a.Links.Links()[second].State.Status)
	assert.Empty(t, a.Links.KnownNeighbours())
}

func TestHandshakeTrustStore(t *testing.T) {
	outsider := newTestKeyService(t, 0, 10)
	trusted, err := outsider.GetSigningKey(outsider.GenerateNetworkID(""))
	require.NoError(t, err)

	h := NewMeshHarness(t, 2, func(i int, cfg *state.NetworkCfg) {
		if i == 0 {
			cfg.TrustStore = []state.PublicKey{trusted}
		}
	})
	a, b := h.Nodes[0], h.Nodes[1]
	require.True(t, b.Links.OpenLink(a.Address))
	h.Hub.Flush()

	_, ok := a.Links.FindLinkTo(b.Address)
	assert.False(t, ok)
	_, ok = b.Links.FindLinkTo(a.Address)
	assert.False(t, ok)
}

func TestLinkTimeouts(t *testing.T) {
	h := NewMeshHarness(t, 2, nil)
	a, b := h.Nodes[0], h.Nodes[1]
	id := h.Connect(a, b)

	// heartbeats keep the link alive
	for range 10 {
		h.Clock.Advance(state.PingDelay)
		a.Links.NextPing()
		b.Links.NextPing()
		h.Hub.Flush()
	}
	_, ok := a.Links.FindLinkTo(b.Address)
	require.True(t, ok)

	h.Clock.Advance(state.LinkDeadThreshold + time.Millisecond)
	a.Links.NextPing()
	assert.Equal(t, state.LinkDown, a.Links.Links()[id].State.Status)
}

func TestHandshakeTimeout(t *testing.T) {
	h := NewMeshHarness(t, 1, nil)
	a := h.Nodes[0]
	silent := h.Hub.Endpoint(state.NetworkAddress{Id: 9})
	silent.SetHandler(nopHandler{})
	id := state.NewLinkId()
	require.NoError(t, silent.Open(id, a.Address))
	h.Hub.Flush()

	h.Clock.Advance(state.HandshakeTimeout - time.Millisecond)
	a.Links.RunStateMachine()
	assert.Equal(t, state.LinkUpPassive, a.Links.Links()[id].State.Status)

	h.Clock.Advance(2 * time.Millisecond)
	a.Links.RunStateMachine()
	assert.Equal(t, state.LinkDown, a.Links.Links()[id].State.Status)
}

func TestRtt(t *testing.T) {
	h := NewMeshHarness(t, 2, nil)
	a, b := h.Nodes[0], h.Nodes[1]
	id := h.Connect(a, b)

	h.Clock.Advance(state.PingDelay)
	a.Links.NextPing()
	h.Clock.Advance(15 * time.Millisecond)
	h.Hub.Flush()

	rtt, ok := a.Links.Rtt(id)
	require.True(t, ok)
	assert.Equal(t, 15*time.Millisecond, rtt)
}

func TestStaticRouteReconnect(t *testing.T) {
	h := NewMeshHarness(t, 2, nil)
	a, b := h.Nodes[0], h.Nodes[1]

	cfg := testNetworkCfg()
	cfg.StaticRoutes = []state.AddressText{{Address: a.Address}, {Address: b.Address}}
	c := h.AddNode(cfg, 9)

	c.Links.RunStateMachine()
	h.Hub.Flush()
	assert.Len(t, c.Links.KnownNeighbours(), 2)

	// reconnects are throttled
	h.Hub.Disconnect(c.Address, a.Address)
	h.Hub.Flush()
	c.Links.RunStateMachine()
	h.Hub.Flush()
	assert.Equal(t, []state.Address{b.Address}, c.Links.KnownNeighbours())
}

func TestAdvanceVersion(t *testing.T) {
	h := NewMeshHarness(t, 2, nil)
	a, b := h.Nodes[0], h.Nodes[1]
	h.Connect(a, b)
	route := state.Route{From: a.Address, To: b.Address}

	rs, ok := a.Links.AdvanceVersion(state.RouteState{Route: route, Version: 10, Status: state.LinkDown}, 1)
	require.True(t, ok)
	assert.Equal(t, state.RouteState{Route: route, Version: 11, Status: state.LinkUpActive}, rs)

	_, ok = a.Links.AdvanceVersion(state.RouteState{Route: route, Version: 5, Status: state.LinkUpActive}, 11)
	assert.False(t, ok)
	_, ok = a.Links.AdvanceVersion(state.RouteState{Route: route, Version: 11, Status: state.LinkUpActive}, 11)
	assert.False(t, ok)

	// an older state that disagrees with the link is still answered
	rs, ok = a.Links.AdvanceVersion(state.RouteState{Route: route, Version: 5, Status: state.LinkDown}, 11)
	require.True(t, ok)
	assert.Equal(t, state.RouteState{Route: route, Version: 12, Status: state.LinkUpActive}, rs)
}

func TestAdvanceVersionNeverLinked(t *testing.T) {
	h := NewMeshHarness(t, 1, nil)
	a := h.Nodes[0]
	events := a.Links.OnLinkStatusChange.Subscribe()
	route := state.Route{From: a.Address, To: state.NetworkAddress{Id: 77}}

	rs, ok := a.Links.AdvanceVersion(state.RouteState{Route: route, Version: 3, Status: state.LinkUpActive}, 0)
	require.True(t, ok)
	assert.Equal(t, state.RouteState{Route: route, Version: 4, Status: state.LinkDown}, rs)
	assert.Empty(t, events.Drain(10), "no link event without a link")
	assert.Empty(t, a.Links.Links())
	assert.Empty(t, a.Links.versions)

	_, ok = a.Links.AdvanceVersion(rs, rs.Version)
	assert.False(t, ok)
}
